// Package session implements the dispatcher described in spec.md §4.5 and
// §5: a socket-reader task, an endpoint-monitor task, and a pool of worker
// tasks that cooperatively drive every registered Connection's MoveData.
package session

import (
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/reubengreen73/cryptocomms/pkg/conn"
	"github.com/reubengreen73/cryptocomms/pkg/netsock"
	"github.com/reubengreen73/cryptocomms/pkg/statsstore"
)

const (
	connIDLen = 6

	// dwellMin and dwellMax clamp the per-invocation MoveData budget, per
	// spec.md §4.5.
	dwellMin = 5
	dwellMax = 50

	// wakeExit and wakeRefresh are the distinguished bytes written to the
	// endpoint monitor's self-pipe.
	wakeExit    = 1
	wakeRefresh = 0

	// statsFlushInterval is how often registered Connections' in-memory
	// counters are persisted, per SPEC_FULL.md §4.4.
	statsFlushInterval = 10 * time.Second
)

// PollableFromUser is the from-user endpoint interface the dispatcher needs
// beyond what the Connection engine itself requires: a file descriptor the
// endpoint monitor can hand to poll(2).
type PollableFromUser interface {
	conn.FromUserEndpoint
	FD() int
}

// trackedConn pairs a live Connection with the bookkeeping the dispatcher
// needs to schedule it: its routing id, its from-user endpoint (for the
// endpoint monitor), and the being_worked_on guard from spec.md §5.
type trackedConn struct {
	id       [connIDLen]byte
	engine   *conn.Connection
	fromUser PollableFromUser

	// scheduled is the being_worked_on flag: 1 while some worker owns this
	// Connection or it is already sitting in the ready queue, 0 otherwise.
	// Manipulated only via atomic CompareAndSwap to prevent the same
	// Connection being handed to two workers at once.
	scheduled int32

	// lastState is the State this Connection was in after its previous
	// MoveData call, touched only by whichever worker currently owns it
	// (i.e. only while scheduled == 1), so it needs no lock of its own.
	lastState conn.State
}

// Manager owns the UDP socket, the registry of Connections, and the three
// cooperating task kinds that drive them. Modelled on cla.Manager's
// sync.Map-backed registry and stopSyn/stopAck shutdown handshake,
// generalised from supervising CLAs to supervising Connections.
type Manager struct {
	socket      *netsock.Socket
	maxDatagram int
	workers     int

	connsMu sync.RWMutex
	conns   map[[connIDLen]byte]*trackedConn

	ready chan *trackedConn

	budget      int32 // current shared MoveData budget, atomically adjusted
	idleWorkers int32 // count of workers currently blocked waiting for work

	wakeRead, wakeWrite int

	// events fans out state-transition notices to pkg/statusapi's
	// websocket broadcaster. Sends are non-blocking: a status-api
	// subscriber falling behind must never slow down the protocol engine.
	events chan StateEvent

	// stats is the optional persisted-counters store; nil disables the
	// flush ticker entirely.
	stats *statsstore.Store

	stopOnce sync.Once
	stopSyn  chan struct{}
	stopAck  chan struct{}
	wg       sync.WaitGroup
}

// NewManager creates a Manager that reads from socket and drives registered
// Connections with a pool of workers. maxDatagram bounds the size of a
// single UDP read, and should comfortably exceed the largest configured
// Connection's max packet size. stats may be nil, disabling the
// periodic counter flush.
func NewManager(socket *netsock.Socket, workers int, maxDatagram int, stats *statsstore.Store) (*Manager, error) {
	if workers < 1 {
		workers = 1
	}

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, err
	}
	if err := unix.SetNonblock(fds[0], true); err != nil {
		unix.Close(fds[0])
		unix.Close(fds[1])
		return nil, err
	}

	m := &Manager{
		socket:      socket,
		maxDatagram: maxDatagram,
		workers:     workers,
		conns:       make(map[[connIDLen]byte]*trackedConn),
		ready:       make(chan *trackedConn, 4096),
		budget:      dwellMin,
		wakeRead:    fds[0],
		wakeWrite:   fds[1],
		events:      make(chan StateEvent, 256),
		stats:       stats,
		stopSyn:     make(chan struct{}),
		stopAck:     make(chan struct{}),
	}

	m.wg.Add(2 + workers)
	go m.socketReader()
	go m.endpointMonitor()
	for i := 0; i < workers; i++ {
		go m.worker()
	}
	if stats != nil {
		m.wg.Add(1)
		go m.statsFlusher()
	}

	return m, nil
}

// Register adds a Connection to the dispatcher under id (the 6-byte
// sender-host-id‖channel-id prefix datagrams from this peer will carry).
// It immediately marks the Connection schedulable so that any bytes
// already waiting on its from-user endpoint get picked up without waiting
// for the next socket read or poll tick.
func (m *Manager) Register(id [connIDLen]byte, c *conn.Connection, fromUser PollableFromUser) {
	tc := &trackedConn{id: id, engine: c, fromUser: fromUser, lastState: c.Snapshot().State}

	m.connsMu.Lock()
	m.conns[id] = tc
	m.connsMu.Unlock()

	log.WithField("conn_id", id).Debug("session: registered Connection")

	m.schedule(tc)
	m.wakeEndpointMonitor(wakeRefresh)
}

// Unregister removes a Connection from the dispatcher. It does not close
// the Connection's endpoints; that remains the caller's responsibility.
func (m *Manager) Unregister(id [connIDLen]byte) {
	m.connsMu.Lock()
	delete(m.conns, id)
	m.connsMu.Unlock()

	m.wakeEndpointMonitor(wakeRefresh)
}

// schedule pushes tc onto the ready queue if it is not already scheduled,
// implementing the being_worked_on guard.
func (m *Manager) schedule(tc *trackedConn) {
	if atomic.CompareAndSwapInt32(&tc.scheduled, 0, 1) {
		select {
		case m.ready <- tc:
		default:
			// Ready queue is saturated; drop the guard so a later event
			// (socket read, poll tick) can re-offer this Connection rather
			// than wedging it forever.
			atomic.StoreInt32(&tc.scheduled, 0)
			log.WithField("conn_id", tc.id).Warn("session: ready queue full, dropping schedule attempt")
		}
	}
}

// socketReader is the socket-reader task: it pulls datagrams off the UDP
// socket, routes each by its 6-byte connection-id prefix, and schedules the
// target Connection. Closing the socket (Manager.Close) is what unblocks
// its final Receive call, per netsock's documented shutdown contract.
func (m *Manager) socketReader() {
	defer m.wg.Done()

	for {
		msg, err := m.socket.Receive(m.maxDatagram)
		if err != nil {
			if err == netsock.ErrClosed {
				return
			}
			log.WithError(err).Warn("session: socket receive failed")
			continue
		}
		if len(msg.Data) < connIDLen {
			continue
		}

		var id [connIDLen]byte
		copy(id[:], msg.Data[:connIDLen])

		m.connsMu.RLock()
		tc, ok := m.conns[id]
		m.connsMu.RUnlock()
		if !ok {
			continue
		}

		tc.engine.AddMessage(msg.Data)
		m.schedule(tc)
	}
}

// worker is one of the W worker tasks: it pulls schedulable Connections off
// the ready queue and drives them with an adaptively-sized budget.
func (m *Manager) worker() {
	defer m.wg.Done()

	for {
		atomic.AddInt32(&m.idleWorkers, 1)
		select {
		case <-m.stopSyn:
			atomic.AddInt32(&m.idleWorkers, -1)
			return
		case tc := <-m.ready:
			atomic.AddInt32(&m.idleWorkers, -1)

			budget := m.nextBudget()
			tc.engine.MoveData(budget)

			if snap := tc.engine.Snapshot(); snap.State != tc.lastState {
				m.publish(StateEvent{ConnID: tc.id, From: tc.lastState, To: snap.State})
				tc.lastState = snap.State
			}

			// Release the being_worked_on guard, then re-offer this
			// Connection if it still has work so it doesn't starve behind
			// whatever else is in the ready queue.
			atomic.StoreInt32(&tc.scheduled, 0)
			if tc.engine.IsData() {
				m.schedule(tc)
			}
		}
	}
}

// nextBudget adapts the shared MoveData budget to load: it grows while
// workers are sitting idle (cheap to let each invocation do more) and
// shrinks while the ready queue is backed up beyond the worker pool
// (spreading iterations thinner keeps latency down for everyone else),
// clamped to [dwellMin, dwellMax].
func (m *Manager) nextBudget() int {
	idle := atomic.LoadInt32(&m.idleWorkers)
	queued := len(m.ready)

	delta := int32(0)
	switch {
	case int(idle) > 0:
		delta = 1
	case queued > m.workers:
		delta = -1
	}

	next := atomic.AddInt32(&m.budget, delta)
	for {
		clamped := next
		if clamped < dwellMin {
			clamped = dwellMin
		}
		if clamped > dwellMax {
			clamped = dwellMax
		}
		if clamped == next {
			return int(clamped)
		}
		if atomic.CompareAndSwapInt32(&m.budget, next, clamped) {
			return int(clamped)
		}
		next = atomic.LoadInt32(&m.budget)
	}
}

// endpointMonitor is the endpoint-monitor task: it polls the from-user file
// descriptors of every Connection not currently owned by a worker, so that
// a producer writing into a Connection's outward pipe gets that Connection
// rescheduled without waiting for an inbound datagram to trigger it. It is
// woken early by the self-pipe both when the registry changes and on
// shutdown.
func (m *Manager) endpointMonitor() {
	defer m.wg.Done()

	for {
		idle := m.idleConns()

		pfds := make([]unix.PollFd, 0, len(idle)+1)
		pfds = append(pfds, unix.PollFd{Fd: int32(m.wakeRead), Events: unix.POLLIN})
		for _, tc := range idle {
			pfds = append(pfds, unix.PollFd{Fd: int32(tc.fromUser.FD()), Events: unix.POLLIN})
		}

		n, err := unix.Poll(pfds, 250)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			log.WithError(err).Warn("session: endpoint monitor poll failed")
			continue
		}
		if n == 0 {
			continue
		}

		if pfds[0].Revents&unix.POLLIN != 0 {
			var b [1]byte
			unix.Read(m.wakeRead, b[:])
			if b[0] == wakeExit {
				return
			}
			// wakeRefresh: fall through and rebuild the poll set below.
		}

		for i, tc := range idle {
			if pfds[i+1].Revents&(unix.POLLIN|unix.POLLHUP) != 0 {
				m.schedule(tc)
			}
		}
	}
}

// StateEvent records a Connection's transition from one State to another,
// e.g. Closed to Open on handshake completion.
type StateEvent struct {
	ConnID [connIDLen]byte
	From   conn.State
	To     conn.State
}

// Events returns the channel pkg/statusapi subscribes to for live
// state-transition notices. There is exactly one such channel per Manager;
// a subscriber is expected to drain it promptly and fan it out further
// itself.
func (m *Manager) Events() <-chan StateEvent {
	return m.events
}

// publish offers ev to the events channel without blocking, dropping it
// (with a Debug log) if nobody is keeping up.
func (m *Manager) publish(ev StateEvent) {
	select {
	case m.events <- ev:
	default:
		log.WithField("conn_id", ev.ConnID).Debug("session: state-event subscriber is behind, dropping event")
	}
}

// ConnInfo is a routing id paired with its Connection's current state, the
// shape pkg/statusapi needs to answer GET /connections without reaching
// into the dispatcher's internals.
type ConnInfo struct {
	ID       [connIDLen]byte
	Snapshot conn.Snapshot
	Counters conn.Counters
}

// Connections lists every registered Connection's routing id, current
// state snapshot, and in-memory counters.
func (m *Manager) Connections() []ConnInfo {
	m.connsMu.RLock()
	defer m.connsMu.RUnlock()

	out := make([]ConnInfo, 0, len(m.conns))
	for id, tc := range m.conns {
		out = append(out, ConnInfo{ID: id, Snapshot: tc.engine.Snapshot(), Counters: tc.engine.Counters()})
	}
	return out
}

// statsFlusher persists every registered Connection's in-memory counters on
// a fixed interval and once more on shutdown, per SPEC_FULL.md §4.4. It
// never runs per-packet, so it cannot put disk I/O on the protocol hot
// path.
func (m *Manager) statsFlusher() {
	defer m.wg.Done()

	ticker := time.NewTicker(statsFlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.flushStats()
		case <-m.stopSyn:
			m.flushStats()
			return
		}
	}
}

// flushStats writes every registered Connection's current counters to the
// store, logging (at Warn, since this is a persistence failure) rather than
// aborting if one row fails.
func (m *Manager) flushStats() {
	for _, info := range m.Connections() {
		c := info.Counters
		row := statsstore.ConnStats{
			ConnID:       info.ID,
			BytesIn:      c.BytesIn,
			BytesOut:     c.BytesOut,
			PacketsIn:    c.PacketsIn,
			PacketsOut:   c.PacketsOut,
			LastActivity: c.LastActivity,
		}
		if err := m.stats.Upsert(row); err != nil {
			log.WithError(err).WithField("conn_id", info.ID).Warn("session: failed to persist connection stats")
		}
	}
}

// idleConns snapshots the Connections not currently scheduled, i.e. those
// the endpoint monitor should be watching.
func (m *Manager) idleConns() []*trackedConn {
	m.connsMu.RLock()
	defer m.connsMu.RUnlock()

	out := make([]*trackedConn, 0, len(m.conns))
	for _, tc := range m.conns {
		if atomic.LoadInt32(&tc.scheduled) == 0 {
			out = append(out, tc)
		}
	}
	return out
}

func (m *Manager) wakeEndpointMonitor(b byte) {
	unix.Write(m.wakeWrite, []byte{b})
}

// Close stops all tasks and waits for them to exit. It is idempotent.
func (m *Manager) Close() error {
	m.stopOnce.Do(func() {
		close(m.stopSyn)
		m.wakeEndpointMonitor(wakeExit)
		_ = m.socket.Close()
		m.wg.Wait()
		unix.Close(m.wakeRead)
		unix.Close(m.wakeWrite)
		close(m.events)
		close(m.stopAck)
	})
	<-m.stopAck
	return nil
}
