// Package conn implements the per-channel Connection protocol engine
// described in spec.md §4.4: a state machine that moves byte streams in
// both directions with authenticated encryption, handles handshake and
// peer restarts, and rejects adversarial packets.
package conn

import (
	"fmt"
	"sync"
	"time"

	"github.com/reubengreen73/cryptocomms/pkg/aead"
	"github.com/reubengreen73/cryptocomms/pkg/hkdf"
	"github.com/reubengreen73/cryptocomms/pkg/replay"
	"github.com/reubengreen73/cryptocomms/pkg/rtt"
	"github.com/reubengreen73/cryptocomms/pkg/secret"
	"github.com/reubengreen73/cryptocomms/pkg/wire"
)

// headerAndTagOverhead is the number of bytes of every packet that are not
// available to the payload: the fixed header plus the AEAD tag.
const headerAndTagOverhead = wire.HeaderLen + wire.TagLen

// FromUserEndpoint is the minimal interface a Connection needs from its
// producer-to-transport local endpoint.
type FromUserEndpoint interface {
	// Pending reports whether there are bytes ready to read without
	// blocking.
	Pending() bool
	// Read reads up to len(p) bytes without blocking, returning (0, nil)
	// if none are currently available.
	Read(p []byte) (int, error)
}

// ToUserEndpoint is the minimal interface a Connection needs from its
// transport-to-consumer local endpoint.
type ToUserEndpoint interface {
	Write(p []byte) (int, error)
}

// Sender is the minimal interface a Connection needs from the shared UDP
// socket to emit a datagram to its peer.
type Sender interface {
	SendTo(peerAddr string, data []byte) error
}

// SegnumGenerator is the minimal interface a Connection needs from the
// shared segment-number allocator.
type SegnumGenerator interface {
	Next() (uint64, error)
}

// Config bundles everything needed to construct a Connection.
type Config struct {
	SelfID        [4]byte
	PeerID        [4]byte
	ChannelID     [2]byte
	PeerAddr      string
	MaxPacketSize int
	SharedSecret  *secret.Key
	FromUser      FromUserEndpoint
	ToUser        ToUserEndpoint
	Socket        Sender
	SegGen        SegnumGenerator
	// Now, if set, overrides time.Now (for deterministic tests). Defaults
	// to time.Now.
	Now func() time.Time
}

// Connection is a single authenticated-encrypted channel to one peer. It is
// not safe for concurrent MoveData/AddMessage calls from more than one
// goroutine at a time on the move_data side, though AddMessage may be
// called concurrently with MoveData (it only touches the incoming queue).
type Connection struct {
	mu sync.Mutex

	selfID        [4]byte
	peerID        [4]byte
	channelID     [2]byte
	peerAddr      string
	maxPacketSize int

	suite *aead.Suite

	socket   Sender
	segGen   SegnumGenerator
	fromUser FromUserEndpoint
	toUser   ToUserEndpoint
	now      func() time.Time

	rttEst *rtt.Estimator

	currentPeerSegnum  uint64
	oldPeerSegnum      uint64
	currentLocalSegnum uint64
	oldLocalSegnum     uint64
	localNextMsgnum    uint64

	currentTracker *replay.Tracker
	oldTracker     *replay.Tracker

	lastHelloSentAt time.Time

	incomingMu sync.Mutex
	incoming   [][]byte

	// counters back Counters(), for pkg/statsstore (SPEC_FULL.md §4.4). They
	// are touched only under c.mu, the same lock MoveData holds for the
	// handleMessage/sendPacket calls that update them.
	counters Counters
}

// Counters are the operational byte/packet totals pkg/statsstore persists
// for a Connection.
type Counters struct {
	BytesIn      uint64
	BytesOut     uint64
	PacketsIn    uint64
	PacketsOut   uint64
	LastActivity time.Time
}

// Counters reports the Connection's current byte/packet totals.
func (c *Connection) Counters() Counters {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counters
}

// New constructs a Connection: derives the per-direction AEAD keys from
// the pre-shared secret via HKDF, reserves an initial local segment number
// from segGen, and sets up empty replay trackers.
func New(cfg Config) (*Connection, error) {
	if cfg.MaxPacketSize <= headerAndTagOverhead {
		return nil, fmt.Errorf("conn: max packet size %d too small to carry any payload", cfg.MaxPacketSize)
	}

	sendKey, recvKey, err := hkdf.DeriveChannelKeys(cfg.SharedSecret, cfg.SelfID, cfg.PeerID, cfg.ChannelID, aead.KeySize)
	if err != nil {
		return nil, fmt.Errorf("conn: key derivation: %w", err)
	}
	suite, err := aead.New(sendKey, recvKey)
	if err != nil {
		return nil, fmt.Errorf("conn: aead setup: %w", err)
	}

	localSegnum, err := cfg.SegGen.Next()
	if err != nil {
		return nil, fmt.Errorf("conn: reserving initial segment number: %w", err)
	}

	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	rttEst := rtt.New()
	rttEst.Update(rtt.DefaultRTT)

	return &Connection{
		selfID:             cfg.SelfID,
		peerID:             cfg.PeerID,
		channelID:          cfg.ChannelID,
		peerAddr:           cfg.PeerAddr,
		maxPacketSize:      cfg.MaxPacketSize,
		suite:              suite,
		socket:             cfg.Socket,
		segGen:             cfg.SegGen,
		fromUser:           cfg.FromUser,
		toUser:             cfg.ToUser,
		now:                now,
		rttEst:             rttEst,
		currentLocalSegnum: localSegnum,
		localNextMsgnum:    1,
		currentTracker:     replay.New(),
		oldTracker:         replay.New(),
	}, nil
}

// AddMessage enqueues a raw datagram received from the network for this
// Connection to process on its next MoveData call.
func (c *Connection) AddMessage(msg []byte) {
	c.incomingMu.Lock()
	c.incoming = append(c.incoming, msg)
	c.incomingMu.Unlock()
}

// IsData reports whether there is either a queued incoming datagram or
// pending outbound bytes waiting to be sent.
func (c *Connection) IsData() bool {
	c.incomingMu.Lock()
	hasIncoming := len(c.incoming) > 0
	c.incomingMu.Unlock()
	return hasIncoming || c.fromUser.Pending()
}

// OpenStatus reports whether the peer's segment number is known, and the
// timestamp of the last hello packet sent while it was not.
func (c *Connection) OpenStatus() (bool, time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentPeerSegnum != 0, c.lastHelloSentAt
}

// State names the three states of spec.md §4.4's state machine.
type State int

const (
	// StateClosed: the peer's segment number is unknown.
	StateClosed State = iota
	// StateOpen: the peer's segment number is known and no rollover has
	// happened yet.
	StateOpen
	// StateTwoSeg: a newer peer segment number is in use and the prior one
	// is still accepted under the old-segnum window.
	StateTwoSeg
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "Closed"
	case StateOpen:
		return "Open"
	case StateTwoSeg:
		return "TwoSeg"
	default:
		return "Unknown"
	}
}

// Snapshot is a point-in-time, read-only view of a Connection's state, for
// status reporting.
type Snapshot struct {
	State              State
	CurrentLocalSegnum uint64
	CurrentPeerSegnum  uint64
	LocalNextMsgnum    uint64
}

// Snapshot reports the Connection's current state machine position.
func (c *Connection) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	state := StateClosed
	if c.currentPeerSegnum != 0 {
		state = StateOpen
		if c.oldPeerSegnum != 0 {
			state = StateTwoSeg
		}
	}

	return Snapshot{
		State:              state,
		CurrentLocalSegnum: c.currentLocalSegnum,
		CurrentPeerSegnum:  c.currentPeerSegnum,
		LocalNextMsgnum:    c.localNextMsgnum,
	}
}

func (c *Connection) dequeueIncoming() ([]byte, bool) {
	c.incomingMu.Lock()
	defer c.incomingMu.Unlock()
	if len(c.incoming) == 0 {
		return nil, false
	}
	msg := c.incoming[0]
	c.incoming = c.incoming[1:]
	return msg, true
}

// MoveData processes up to budget round-trip iterations: each iteration
// dequeues and handles one incoming datagram (if any) and attempts to push
// one packet's worth of outbound bytes. Exactly one hello packet is
// emitted across the whole invocation, regardless of budget, while the
// peer segment number remains unknown.
func (c *Connection) MoveData(budget int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	helloSentThisInvocation := false

	for i := 0; i < budget; i++ {
		processed := false

		if msg, ok := c.dequeueIncoming(); ok {
			c.handleMessage(msg)
			processed = true
		}

		if c.tryEmitOutbound(&helloSentThisInvocation) {
			processed = true
		}

		if !processed {
			break
		}
	}
}

// tryEmitOutbound attempts to push one packet's worth of outbound bytes,
// or (while the peer segment number is unknown) one hello packet.
func (c *Connection) tryEmitOutbound(helloSentThisInvocation *bool) bool {
	if c.currentPeerSegnum == 0 {
		if *helloSentThisInvocation || !c.fromUser.Pending() {
			return false
		}
		if err := c.sendPacket(nil, 0); err != nil {
			return false
		}
		c.lastHelloSentAt = c.now()
		*helloSentThisInvocation = true
		return true
	}

	maxPayload := c.maxPacketSize - headerAndTagOverhead
	buf := make([]byte, maxPayload)
	n, _ := c.fromUser.Read(buf)
	if n == 0 {
		return false
	}
	if err := c.sendPacket(buf[:n], 0); err != nil {
		return false
	}
	return true
}

// sendPacket implements create_packet: it rolls the local segment number
// on message-number overflow, builds the header and IV/AD, encrypts, and
// sends. peerSegnumOverride, if non-zero, is used as the receiver segment
// number in place of currentPeerSegnum (used by the unconfirmed-branch
// response in handleMessage).
func (c *Connection) sendPacket(payload []byte, peerSegnumOverride uint64) error {
	if c.localNextMsgnum > wire.MaxSegNum {
		newSegnum, err := c.segGen.Next()
		if err != nil {
			return fmt.Errorf("conn: reserving fresh segment number: %w", err)
		}
		c.oldLocalSegnum = c.currentLocalSegnum
		c.currentLocalSegnum = newSegnum
		c.localNextMsgnum = 1
	}

	recvSegnum := peerSegnumOverride
	if recvSegnum == 0 {
		recvSegnum = c.currentPeerSegnum
	}

	msgnum := c.localNextMsgnum
	c.localNextMsgnum++

	hdr := wire.Header{
		SenderHostID: c.selfID,
		ChannelID:    c.channelID,
		RecvSegNum:   recvSegnum,
		SenderSegNum: c.currentLocalSegnum,
		MessageNum:   msgnum,
	}

	dst := make([]byte, wire.HeaderLen+len(payload)+wire.TagLen)
	hdr.Encode(dst)

	iv := hdr.IV()
	ad := hdr.AdditionalData()
	n, err := c.suite.Encrypt(payload, ad[:], iv, dst, wire.HeaderLen)
	if err != nil {
		return fmt.Errorf("conn: encrypt: %w", err)
	}

	full := dst[:wire.HeaderLen+n]
	if err := c.socket.SendTo(c.peerAddr, full); err != nil {
		return err
	}
	c.recordOutbound(len(full))
	return nil
}

// handleMessage implements the inbound acceptance rules of spec.md §4.4.
func (c *Connection) handleMessage(msg []byte) {
	if len(msg) < wire.MinPacketLen {
		return
	}

	hdr := wire.Decode(msg)
	p := hdr.SenderSegNum // the sender's own segment number
	r := hdr.RecvSegNum   // the receiver segnum the sender claims to address

	if p == 0 {
		return
	}

	rOK := r != 0 && (r == c.currentLocalSegnum || r == c.oldLocalSegnum)
	iv := hdr.IV()
	ad := hdr.AdditionalData()
	ciphertextOffset := wire.HeaderLen
	ciphertextLen := len(msg) - wire.HeaderLen

	if !rOK {
		// Unconfirmed branch: the packet addresses a local segnum we no
		// longer use under a peer segnum we have not yet confirmed.
		if p <= c.currentPeerSegnum {
			return
		}
		if _, ok := c.suite.Decrypt(msg, ad[:], iv, ciphertextOffset, ciphertextLen); !ok {
			return
		}
		// Respond so the peer learns we've seen p, but do not promote it
		// yet: we have not seen p paired with our current local segnum.
		_ = c.sendPacket(nil, p)
		return
	}

	if p == c.currentPeerSegnum || p == c.oldPeerSegnum {
		tracker := c.currentTracker
		if p == c.oldPeerSegnum && p != c.currentPeerSegnum {
			tracker = c.oldTracker
		}
		if tracker.Seen(hdr.MessageNum) {
			return
		}
		plaintext, ok := c.suite.Decrypt(msg, ad[:], iv, ciphertextOffset, ciphertextLen)
		if !ok {
			return
		}
		tracker.Log(hdr.MessageNum, c.now(), c.rttEst.Current())
		c.toUser.Write(plaintext)
		c.recordInbound(len(msg))
		return
	}

	if p > c.currentPeerSegnum {
		plaintext, ok := c.suite.Decrypt(msg, ad[:], iv, ciphertextOffset, ciphertextLen)
		if !ok {
			return
		}
		wasClosed := c.currentPeerSegnum == 0
		c.oldPeerSegnum = c.currentPeerSegnum
		c.oldTracker = c.currentTracker
		c.currentPeerSegnum = p
		c.currentTracker = replay.New()
		if wasClosed && !c.lastHelloSentAt.IsZero() {
			// This is the peer's first reply to a hello we sent while
			// closed: the elapsed time is a genuine round-trip sample.
			c.rttEst.Update(c.now().Sub(c.lastHelloSentAt))
		}
		c.currentTracker.Log(hdr.MessageNum, c.now(), c.rttEst.Current())
		c.toUser.Write(plaintext)
		c.recordInbound(len(msg))
		return
	}

	// p < currentPeerSegnum and p != oldPeerSegnum: stale, drop.
}

// recordInbound and recordOutbound update the operational counters
// Counters() reports. Called only from within handleMessage/sendPacket,
// both of which run under c.mu via MoveData.
func (c *Connection) recordInbound(n int) {
	c.counters.BytesIn += uint64(n)
	c.counters.PacketsIn++
	c.counters.LastActivity = c.now()
}

func (c *Connection) recordOutbound(n int) {
	c.counters.BytesOut += uint64(n)
	c.counters.PacketsOut++
	c.counters.LastActivity = c.now()
}
