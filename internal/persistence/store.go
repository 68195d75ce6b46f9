// Package persistence implements the Persistence Collaborator (C9): an
// optional durable store the core reads at startup to seed the capability
// registry/rule engine/correlation core. The Store also offers AppendEvent
// for an event audit trail; no code in this repository calls it, and the
// core never reads events back. Grounded on the
// teacher's internal/reputation backend-switch pattern
// (factory.go/wallet.go/spanner.go): a small interface with a Postgres
// implementation (database/sql + github.com/lib/pq, generalizing the
// teacher's sqlite-via-database/sql wallet) and a Spanner implementation
// (cloud.google.com/go/spanner, lifted almost directly from
// internal/reputation/spanner.go's client/mutation/query idiom).
package persistence

import (
	"context"

	"github.com/ocx/connectorfabric/internal/model"
)

// Store is the persistence collaborator's contract. Implementations must
// be safe for concurrent use.
type Store interface {
	LoadConnectors(ctx context.Context) ([]model.ConnectorConfig, error)
	LoadRuleFiles(ctx context.Context) ([]RuleRow, error)
	LoadDetectionPoints(ctx context.Context) ([]model.DetectionPoint, error)
	AppendEvent(ctx context.Context, e *model.Event) error
	Close() error
}

// RuleRow mirrors the `rules` table's columns (§6): the engine's in-memory
// Rule carries Go closures the store cannot hold, so persistence works at
// the declarative-spec level described in internal/rules's RuleEntry
// format instead of model.Rule directly.
type RuleRow struct {
	ID             string
	PredicateSpec  string // opaque to the store: Rego source or a registered Go predicate name
	ConnectorID    string
	CapabilityID   string
	Operation      string
	ParamsJSON     string
	ThrottleKey    string
	ThrottleSecs   int
	Enabled        bool
}

// Backend selects which Store implementation to construct, mirroring the
// teacher's ReputationConfig.Backend switch in internal/reputation/factory.go.
type Backend string

const (
	BackendNone     Backend = "none"
	BackendPostgres Backend = "postgres"
	BackendSpanner  Backend = "spanner"
)

// Config configures whichever backend is selected.
type Config struct {
	Backend Backend

	PostgresDSN string

	SpannerProject  string
	SpannerInstance string
	SpannerDatabase string
}

// New constructs the configured Store. BackendNone returns a nil Store and
// no error: the core runs with no seeding and no event audit trail, which
// is a legitimate configuration.
func New(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Backend {
	case "", BackendNone:
		return nil, nil
	case BackendPostgres:
		return NewPostgresStore(cfg.PostgresDSN)
	case BackendSpanner:
		return NewSpannerStore(ctx, cfg.SpannerProject, cfg.SpannerInstance, cfg.SpannerDatabase)
	default:
		return nil, &unknownBackendError{backend: string(cfg.Backend)}
	}
}

type unknownBackendError struct{ backend string }

func (e *unknownBackendError) Error() string { return "persistence: unknown backend " + e.backend }
