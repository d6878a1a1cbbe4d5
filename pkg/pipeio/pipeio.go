// Package pipeio implements the local byte-stream endpoints described in
// spec.md §6: named pipes (FIFOs) providing non-blocking, poll-friendly
// producer/consumer boundaries between a Connection and the local process
// using it.
package pipeio

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// ensureFifo makes sure a FIFO exists at path, creating one if nothing is
// there yet, and rejecting any non-FIFO file already at that path.
func ensureFifo(path string) error {
	var st unix.Stat_t
	err := unix.Stat(path, &st)
	if errors.Is(err, unix.ENOENT) {
		if mkErr := unix.Mkfifo(path, 0o640); mkErr != nil {
			return fmt.Errorf("pipeio: could not create FIFO at %s: %w", path, mkErr)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("pipeio: could not stat %s: %w", path, err)
	}
	if st.Mode&unix.S_IFMT != unix.S_IFIFO {
		return fmt.Errorf("pipeio: %s exists and is not a FIFO", path)
	}
	return nil
}

// FromUser is the read side of a local FIFO endpoint carrying bytes from a
// producer into the transport.
//
// It also keeps the FIFO's write side open for its own lifetime: without
// that, once some producer opens the FIFO, writes, and closes it, the FIFO
// would sit in a "disconnected" state in which Pending() sees a spurious
// POLLHUP forever rather than waiting for the next writer.
type FromUser struct {
	path    string
	readFd  int
	writeFd int
}

// OpenFromUser opens (creating if necessary) the FIFO at path for
// non-blocking reading.
func OpenFromUser(path string) (*FromUser, error) {
	if err := ensureFifo(path); err != nil {
		return nil, err
	}
	readFd, err := unix.Open(path, unix.O_RDONLY|unix.O_NONBLOCK, 0)
	if err != nil {
		return nil, fmt.Errorf("pipeio: opening %s for reading: %w", path, err)
	}
	writeFd, err := unix.Open(path, unix.O_WRONLY|unix.O_NONBLOCK, 0)
	if err != nil {
		unix.Close(readFd)
		return nil, fmt.Errorf("pipeio: opening %s for writing (keepalive): %w", path, err)
	}
	return &FromUser{path: path, readFd: readFd, writeFd: writeFd}, nil
}

// Pending reports whether at least one byte is currently available to
// read without blocking.
func (f *FromUser) Pending() bool {
	pfd := []unix.PollFd{{Fd: int32(f.readFd), Events: unix.POLLIN}}
	n, err := unix.Poll(pfd, 0)
	return err == nil && n > 0 && pfd[0].Revents&unix.POLLIN != 0
}

// Read reads up to len(p) bytes without blocking. It returns (0, nil),
// not an error, when no data is currently available.
func (f *FromUser) Read(p []byte) (int, error) {
	n, err := unix.Read(f.readFd, p)
	if err != nil {
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
			return 0, nil
		}
		return 0, fmt.Errorf("pipeio: reading from %s: %w", f.path, err)
	}
	return n, nil
}

// FD returns the underlying read file descriptor, for a caller (the
// session dispatcher's endpoint monitor) that wants to multiplex several
// endpoints with poll().
func (f *FromUser) FD() int { return f.readFd }

func (f *FromUser) Close() error {
	err1 := unix.Close(f.readFd)
	err2 := unix.Close(f.writeFd)
	if err1 != nil {
		return err1
	}
	return err2
}

// ToUser is the write side of a local FIFO endpoint carrying bytes from
// the transport out to a consumer.
//
// Go does not deliver SIGPIPE to user code for writes to arbitrary file
// descriptors — only for file descriptors 1 and 2 — so unlike the
// original implementation this needs no explicit signal-disposition
// workaround: a write to a FIFO with no reader simply reports EPIPE as an
// ordinary error from the write call.
type ToUser struct {
	path string
	fd   int
}

// OpenToUser opens (creating if necessary) the FIFO at path for
// non-blocking writing.
func OpenToUser(path string) (*ToUser, error) {
	if err := ensureFifo(path); err != nil {
		return nil, err
	}

	// POSIX will not let us open a FIFO for writing unless it is already
	// open for reading somewhere, so open (and immediately drop) a read
	// fd first.
	readFd, err := unix.Open(path, unix.O_RDONLY|unix.O_NONBLOCK, 0)
	if err != nil {
		return nil, fmt.Errorf("pipeio: opening %s to unblock write-open: %w", path, err)
	}
	defer unix.Close(readFd)

	writeFd, err := unix.Open(path, unix.O_WRONLY|unix.O_NONBLOCK, 0)
	if err != nil {
		return nil, fmt.Errorf("pipeio: opening %s for writing: %w", path, err)
	}
	return &ToUser{path: path, fd: writeFd}, nil
}

// Write makes a best effort to deliver all of data, retrying short writes
// until the FIFO is full (EAGAIN) or has no reader (EPIPE). It reports how
// many bytes were actually written; a broken pipe is not reported as an
// error, since the transport should keep running even with no current
// reader on the other end.
func (t *ToUser) Write(data []byte) (int, error) {
	var total int
	for total < len(data) {
		n, err := unix.Write(t.fd, data[total:])
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			if errors.Is(err, unix.EAGAIN) {
				break
			}
			if errors.Is(err, unix.EPIPE) {
				return total, nil
			}
			return total, fmt.Errorf("pipeio: writing to %s: %w", t.path, err)
		}
		total += n
	}
	return total, nil
}

func (t *ToUser) Close() error {
	return unix.Close(t.fd)
}
