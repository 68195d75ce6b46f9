// Package api implements the Outward API (C10): a thin net/http +
// gorilla/mux adapter over the fabric's core operations. Handlers only
// decode a request, call the corresponding Core method, and encode the
// result — no business logic lives here. Grounded on the teacher's
// internal/api/server.go (mux.Router, CORS middleware, one handler per
// route), generalized from the teacher's ghost-pool/escrow/reputation
// domain to the connector fabric's connectors/events/rules/correlation
// surface named in the external interface section.
package api

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/ocx/connectorfabric/internal/model"
)

// ConnectorSummary is the wire shape returned by GET /connectors.
type ConnectorSummary struct {
	ID    string              `json:"id"`
	Type  string              `json:"type"`
	State model.ConnectorState `json:"state"`
}

// RuleSpec is the wire shape accepted by PUT /rules/{id}, the same
// declarative level as internal/rules/reload.go's RuleEntry: a rule can
// either carry a Rego policy or be matched against a registered-by-name Go
// predicate (see the composition root's predicate registry).
type RuleSpec struct {
	PredicateName string            `json:"predicate_name,omitempty"`
	RegoPolicy    string            `json:"rego_policy,omitempty"`
	ConnectorID   string            `json:"connector_id"`
	CapabilityID  string            `json:"capability_id"`
	Operation     string            `json:"operation"`
	Params        map[string]string `json:"params"`
	ThrottleKey   string            `json:"throttle_key"`
	ThrottleSecs  int               `json:"throttle_secs"`
	Enabled       bool              `json:"enabled"`
}

// DetectionPointSpec is the wire shape accepted by POST /correlation/points.
type DetectionPointSpec struct {
	ID         string         `json:"id"`
	Position   model.Position `json:"position"`
	Direction  float64        `json:"direction"`
	SpeedLimit float64        `json:"speed_limit"`
	HasLimit   bool           `json:"has_limit"`
}

// Core is the contract the composition root satisfies over the runtime
// registry, rule engine, action dispatcher, event bus, and correlation
// core. The api package depends only on this interface, never on those
// packages directly.
type Core interface {
	ListConnectors() []ConnectorSummary
	CreateConnector(ctx context.Context, cfg model.ConnectorConfig) error
	Connect(ctx context.Context, id string) error
	Disconnect(ctx context.Context, id string) error
	Execute(ctx context.Context, id, capabilityID, operation string, params map[string]any) (any, error)
	StreamEvents(ctx context.Context) (<-chan *model.Event, func())
	PutRule(id string, spec RuleSpec) error
	DeleteRule(id string) error
	RegisterDetectionPoint(spec DetectionPointSpec) error
}

// Server is the C10 outward API.
type Server struct {
	core Core
}

// NewServer builds an outward API server bound to core.
func NewServer(core Core) *Server {
	return &Server{core: core}
}

// Router builds the route table described in the external interfaces
// section: connector CRUD/lifecycle, an SSE event stream, rule
// put/delete, and detection point registration.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/connectors", s.handleListConnectors).Methods(http.MethodGet)
	r.HandleFunc("/connectors", s.handleCreateConnector).Methods(http.MethodPost)
	r.HandleFunc("/connectors/{id}/connect", s.handleConnect).Methods(http.MethodPost)
	r.HandleFunc("/connectors/{id}/disconnect", s.handleDisconnect).Methods(http.MethodPost)
	r.HandleFunc("/connectors/{id}/execute", s.handleExecute).Methods(http.MethodPost)
	r.HandleFunc("/events/stream", s.handleEventStream).Methods(http.MethodGet)
	r.HandleFunc("/rules/{id}", s.handlePutRule).Methods(http.MethodPut)
	r.HandleFunc("/rules/{id}", s.handleDeleteRule).Methods(http.MethodDelete)
	r.HandleFunc("/correlation/points", s.handleRegisterPoint).Methods(http.MethodPost)

	return corsMiddleware(r)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}
