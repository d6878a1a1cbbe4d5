// Package statusapi is the read-only HTTP/WebSocket debug surface described
// in SPEC_FULL.md §4.5: a snapshot of every live Connection, persisted
// per-connection counters, and a live feed of state transitions. It never
// drives protocol decisions, so it cannot introduce a new attack surface
// against the replay/segnum invariants — it only reads already-validated
// state. Modelled on agent/web_agent.go and agent/rest_agent.go.
package statusapi

import (
	"encoding/hex"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/reubengreen73/cryptocomms/pkg/session"
	"github.com/reubengreen73/cryptocomms/pkg/statsstore"
)

// ConnLister is the subset of *session.Manager the status API reads from.
type ConnLister interface {
	Connections() []session.ConnInfo
	Events() <-chan session.StateEvent
}

// StatsGetter is the subset of *statsstore.Store the status API reads from.
type StatsGetter interface {
	Get(connID [6]byte) (statsstore.ConnStats, bool)
}

// Server is the status API's HTTP server and websocket broadcast hub.
type Server struct {
	conns ConnLister
	stats StatsGetter

	httpServer *http.Server
	upgrader   websocket.Upgrader

	clientsMu sync.Mutex
	clients   map[chan []byte]struct{}
}

// connJSON is the wire shape of one row in GET /connections.
type connJSON struct {
	ConnID             string `json:"conn_id"`
	State              string `json:"state"`
	CurrentLocalSegnum uint64 `json:"current_local_segnum"`
	CurrentPeerSegnum  uint64 `json:"current_peer_segnum"`
	LocalNextMsgnum    uint64 `json:"local_next_msgnum"`
}

// eventJSON is the wire shape of one message pushed over GET /ws.
type eventJSON struct {
	ConnID string `json:"conn_id"`
	From   string `json:"from"`
	To     string `json:"to"`
}

// New starts a status API server listening on address. Following
// agent/web_agent.go's pattern, it waits up to 100ms for an immediate bind
// failure before returning, rather than discovering it only on the first
// request.
func New(address string, conns ConnLister, stats StatsGetter) (s *Server, err error) {
	s = &Server{
		conns:    conns,
		stats:    stats,
		upgrader: websocket.Upgrader{},
		clients:  make(map[chan []byte]struct{}),
	}

	router := mux.NewRouter()
	router.HandleFunc("/connections", s.handleConnections).Methods(http.MethodGet)
	router.HandleFunc("/stats/{conn_id}", s.handleStats).Methods(http.MethodGet)
	router.HandleFunc("/ws", s.handleWebsocket).Methods(http.MethodGet)

	s.httpServer = &http.Server{
		Addr:    address,
		Handler: router,
	}

	startupErr := make(chan error)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			startupErr <- err
		}
		close(startupErr)
	}()

	select {
	case err = <-startupErr:
		s = nil
	case <-time.After(100 * time.Millisecond):
		go s.broadcastLoop()
	}

	return
}

func (s *Server) log() *log.Entry {
	return log.WithField("statusapi", s.httpServer.Addr)
}

// handleConnections serves GET /connections.
func (s *Server) handleConnections(w http.ResponseWriter, _ *http.Request) {
	infos := s.conns.Connections()
	rows := make([]connJSON, 0, len(infos))
	for _, info := range infos {
		rows = append(rows, connJSON{
			ConnID:             hex.EncodeToString(info.ID[:]),
			State:              info.Snapshot.State.String(),
			CurrentLocalSegnum: info.Snapshot.CurrentLocalSegnum,
			CurrentPeerSegnum:  info.Snapshot.CurrentPeerSegnum,
			LocalNextMsgnum:    info.Snapshot.LocalNextMsgnum,
		})
	}

	if err := json.NewEncoder(w).Encode(rows); err != nil {
		s.log().WithError(err).Warn("failed to write connections response")
	}
}

// handleStats serves GET /stats/{conn_id}.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	raw := mux.Vars(r)["conn_id"]
	decoded, err := hex.DecodeString(raw)
	if err != nil || len(decoded) != 6 {
		http.Error(w, "conn_id must be 12 hex digits", http.StatusBadRequest)
		return
	}

	var id [6]byte
	copy(id[:], decoded)

	stats, ok := s.stats.Get(id)
	if !ok {
		http.Error(w, "unknown conn_id", http.StatusNotFound)
		return
	}

	if err := json.NewEncoder(w).Encode(stats); err != nil {
		s.log().WithError(err).Warn("failed to write stats response")
	}
}

// handleWebsocket serves GET /ws, streaming conn.State transition events as
// they happen.
func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	wsConn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log().WithError(err).Warn("upgrading HTTP request to WebSocket errored")
		return
	}
	defer wsConn.Close()

	client := make(chan []byte, 32)
	s.clientsMu.Lock()
	s.clients[client] = struct{}{}
	s.clientsMu.Unlock()

	defer func() {
		s.clientsMu.Lock()
		delete(s.clients, client)
		s.clientsMu.Unlock()
	}()

	for msg := range client {
		if err := wsConn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}

// broadcastLoop drains the Manager's event channel and fans each event out
// to every connected websocket client, the same one-writer-per-client
// pattern agent/websocket_agent.go's MuxAgent uses for bundle delivery.
func (s *Server) broadcastLoop() {
	for ev := range s.conns.Events() {
		msg, err := json.Marshal(eventJSON{
			ConnID: hex.EncodeToString(ev.ConnID[:]),
			From:   ev.From.String(),
			To:     ev.To.String(),
		})
		if err != nil {
			s.log().WithError(err).Warn("failed to marshal state event")
			continue
		}

		s.clientsMu.Lock()
		for client := range s.clients {
			select {
			case client <- msg:
			default:
				// Slow client; drop rather than block the broadcast loop.
			}
		}
		s.clientsMu.Unlock()
	}
}

// Close shuts down the HTTP server and disconnects every websocket client.
func (s *Server) Close() error {
	err := s.httpServer.Close()

	// http.Server.Close does not touch hijacked (websocket) connections;
	// closing each client's channel ends its handler, which closes the
	// websocket on return.
	s.clientsMu.Lock()
	for client := range s.clients {
		delete(s.clients, client)
		close(client)
	}
	s.clientsMu.Unlock()

	return err
}
