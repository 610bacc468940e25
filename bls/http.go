package bls

import (
	"encoding/json"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server exposes Handler over HTTP, spec.md §6.4, for use by the remote
// connector adapter. The embedded adapter never touches this type; it
// calls Handler.Handle directly.
type Server struct {
	handler  *Handler
	registry *prometheus.Registry
	mux      *http.ServeMux
}

// NewServer wraps handler in an HTTP surface.
func NewServer(handler *Handler) *Server {
	reg := prometheus.NewRegistry()
	handler.MetricsCollectors().Register(reg)

	s := &Server{handler: handler, registry: reg, mux: http.NewServeMux()}
	s.mux.HandleFunc("/handle-packet", s.handlePacketHTTP)
	s.mux.HandleFunc("/health", s.health)
	s.mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// RegisterCollectors adds cs to s's metrics registry, so other
// subsystems (e.g. relay.Server) can expose their own Prometheus
// collectors on this same GET /metrics surface instead of standing up a
// second listener.
func (s *Server) RegisterCollectors(cs ...prometheus.Collector) {
	s.registry.MustRegister(cs...)
}

type handlePacketBody struct {
	Amount        int64  `json:"amount"`
	Destination   string `json:"destination"`
	Data          string `json:"data"`
	SourceAccount string `json:"sourceAccount,omitempty"`
}

type handlePacketResponse struct {
	Accept      bool                   `json:"accept"`
	Fulfillment string                 `json:"fulfillment,omitempty"`
	Code        string                 `json:"code,omitempty"`
	Message     string                 `json:"message,omitempty"`
	Required    int64                  `json:"required,omitempty"`
	Received    int64                  `json:"received,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

func (s *Server) handlePacketHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var body handlePacketBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, handlePacketResponse{
			Accept: false, Code: CodeInvalidData, Message: "malformed request body",
		})
		return
	}

	resp := s.handler.Handle(PacketRequest{
		Amount:        body.Amount,
		Destination:   body.Destination,
		Data:          body.Data,
		SourceAccount: body.SourceAccount,
	})

	writeJSON(w, http.StatusOK, handlePacketResponse{
		Accept:      resp.Accept,
		Fulfillment: resp.Fulfillment,
		Code:        resp.Code,
		Message:     resp.Message,
		Required:    resp.Required,
		Received:    resp.Received,
		Metadata:    resp.Metadata,
	})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
