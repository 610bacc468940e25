// Package relay implements the Relay WebSocket Server of spec.md §4.6:
// a long-lived REQ/CLOSE/EVENT subscription protocol, historical replay
// followed by live fan-out, and backpressure-triggered connection
// closure. The bounded per-connection send queue and the
// close-rather-than-drop rule are grounded on the outbound message queue
// in teacher peer.go (outgoinMsg / outgoingQueueLen).
package relay

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/crosstownnet/crosstown/eventstore"
	"github.com/crosstownnet/crosstown/internal/logging"
	"github.com/crosstownnet/crosstown/signedevent"
)

var log = logging.NewSubsystemLogger("RLAY")

// Config bounds the relay server's resource usage, spec.md §6.6 limits.
type Config struct {
	SendBufferSize int
	MaxFilters     int
	MaxConnections int
}

// DefaultConfig mirrors the defaults implied by spec.md's scenarios.
func DefaultConfig() Config {
	return Config{
		SendBufferSize: 256,
		MaxFilters:     32,
		MaxConnections: 1024,
	}
}

// Server serves the relay's WebSocket subscription protocol and owns the
// subscription index every StoredEvent fan-out consults.
type Server struct {
	store  *eventstore.Store
	config Config

	upgrader websocket.Upgrader

	mu    sync.RWMutex
	conns map[*connection]struct{}

	metrics *Metrics
}

// NewServer builds a relay Server over store. Callers must route the
// store's notify callback (the one passed to eventstore.NewStore) to
// Server.HandleStoredEvent so live fan-out actually receives events;
// the store itself never imports relay (see the cyclic-ownership
// resolution in spec.md §9).
func NewServer(store *eventstore.Store, config Config) *Server {
	return &Server{
		store:  store,
		config: config,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		conns:   make(map[*connection]struct{}),
		metrics: newMetrics(),
	}
}

// MetricsCollectors exposes s's Prometheus collectors for registration
// by the node's HTTP observability surface (see
// bls.Server.RegisterCollectors).
func (s *Server) MetricsCollectors() []prometheus.Collector {
	return s.metrics.Collectors()
}

// ServeHTTP upgrades the request to a WebSocket and runs the connection
// loop until it closes.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	tooMany := len(s.conns) >= s.config.MaxConnections
	s.mu.RUnlock()
	if tooMany {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warnf("websocket upgrade failed: %v", err)
		return
	}

	c := newConnection(s, ws)
	s.addConn(c)
	defer s.removeConn(c)

	c.run()
}

func (s *Server) addConn(c *connection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conns[c] = struct{}{}
	s.metrics.connectionOpened()
}

func (s *Server) removeConn(c *connection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, c)
	s.metrics.connectionClosed()
}

// HandleStoredEvent is the post-commit publisher hook, spec.md §9: the
// node wiring layer passes this as eventstore.NewStore's notify
// callback so that every open subscription whose filters match receives
// exactly one EVENT frame per stored event.
func (s *Server) HandleStoredEvent(e *signedevent.SignedEvent) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for c := range s.conns {
		c.deliverIfMatching(e)
	}
}

// marshalEventFrame builds a ["EVENT", subId, event] frame.
func marshalEventFrame(subID string, e *signedevent.SignedEvent) ([]byte, error) {
	return json.Marshal([]interface{}{"EVENT", subID, e})
}

func marshalEOSE(subID string) ([]byte, error) {
	return json.Marshal([]interface{}{"EOSE", subID})
}

func marshalNotice(msg string) ([]byte, error) {
	return json.Marshal([]interface{}{"NOTICE", msg})
}

func marshalOK(eventID string, accepted bool, msg string) ([]byte, error) {
	return json.Marshal([]interface{}{"OK", eventID, accepted, msg})
}
