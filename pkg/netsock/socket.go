// Package netsock wraps a single non-connected UDP socket shared by every
// Connection a session dispatches against it, per spec.md §6.
package netsock

import (
	"errors"
	"fmt"
	"net"
)

// Socket is a UDP endpoint used for sending to many peers and receiving
// from all of them. Per spec.md §5, sends are kernel-serialised and safe
// from multiple goroutines; Receive is meant to be called from a single
// reader goroutine.
type Socket struct {
	conn *net.UDPConn
}

// Listen binds a UDP socket at addr ("host:port", or ":port" for all
// interfaces).
func Listen(addr string) (*Socket, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("netsock: resolving %s: %w", addr, err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("netsock: binding %s: %w", addr, err)
	}
	return &Socket{conn: conn}, nil
}

// SendTo sends data to peerAddr ("host:port"). It satisfies
// conn.Sender.
func (s *Socket) SendTo(peerAddr string, data []byte) error {
	udpAddr, err := net.ResolveUDPAddr("udp", peerAddr)
	if err != nil {
		return fmt.Errorf("netsock: resolving peer address %s: %w", peerAddr, err)
	}
	n, err := s.conn.WriteToUDP(data, udpAddr)
	if err != nil {
		return fmt.Errorf("netsock: sending to %s: %w", peerAddr, err)
	}
	if n != len(data) {
		return fmt.Errorf("netsock: short write to %s: sent %d of %d bytes", peerAddr, n, len(data))
	}
	return nil
}

// Message is one datagram read off the wire, paired with where it came
// from.
type Message struct {
	Data []byte
	From *net.UDPAddr
}

// ErrClosed is returned by Receive once the socket has been closed, which
// is this package's shutdown signal: closing the underlying conn unblocks
// a goroutine parked in Receive, playing the role the original
// implementation's stop-pipe plays in a poll()-based reader loop.
var ErrClosed = net.ErrClosed

// Receive blocks until a datagram arrives, returning its payload and
// source address. Datagrams larger than maxSize are truncated by the
// kernel per ordinary UDP semantics; maxSize should comfortably exceed
// the largest configured Connection's max packet size.
func (s *Socket) Receive(maxSize int) (Message, error) {
	buf := make([]byte, maxSize)
	n, addr, err := s.conn.ReadFromUDP(buf)
	if err != nil {
		if errors.Is(err, net.ErrClosed) {
			return Message{}, ErrClosed
		}
		return Message{}, fmt.Errorf("netsock: receive: %w", err)
	}
	return Message{Data: buf[:n], From: addr}, nil
}

// LocalAddr reports the address this socket is bound to.
func (s *Socket) LocalAddr() net.Addr { return s.conn.LocalAddr() }

// Close closes the socket, unblocking any goroutine parked in Receive.
func (s *Socket) Close() error { return s.conn.Close() }
