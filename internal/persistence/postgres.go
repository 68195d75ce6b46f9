package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/ocx/connectorfabric/internal/model"
)

// PostgresStore implements Store over a standard database/sql connection
// using github.com/lib/pq, generalizing the teacher's sql.Open-based
// wallet (internal/reputation/wallet.go) from sqlite to Postgres.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore opens a Postgres-backed Store.
func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres.Open: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres.Ping: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) LoadConnectors(ctx context.Context) ([]model.ConnectorConfig, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, type, config_json FROM connectors`)
	if err != nil {
		return nil, fmt.Errorf("postgres.LoadConnectors: %w", err)
	}
	defer rows.Close()

	var out []model.ConnectorConfig
	for rows.Next() {
		var id, typ, configJSON string
		if err := rows.Scan(&id, &typ, &configJSON); err != nil {
			return nil, err
		}
		var settings map[string]any
		if err := json.Unmarshal([]byte(configJSON), &settings); err != nil {
			return nil, fmt.Errorf("postgres.LoadConnectors: bad config_json for %s: %w", id, err)
		}
		out = append(out, model.ConnectorConfig{ID: id, Type: typ, Settings: settings})
	}
	return out, rows.Err()
}

func (s *PostgresStore) LoadRuleFiles(ctx context.Context) ([]RuleRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, predicate_spec, connector_id, capability_id, operation, params_json, throttle_key, throttle_secs, enabled FROM rules`)
	if err != nil {
		return nil, fmt.Errorf("postgres.LoadRuleFiles: %w", err)
	}
	defer rows.Close()

	var out []RuleRow
	for rows.Next() {
		var r RuleRow
		if err := rows.Scan(&r.ID, &r.PredicateSpec, &r.ConnectorID, &r.CapabilityID,
			&r.Operation, &r.ParamsJSON, &r.ThrottleKey, &r.ThrottleSecs, &r.Enabled); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PostgresStore) LoadDetectionPoints(ctx context.Context) ([]model.DetectionPoint, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, geographic, lat, lon, x, y, direction, speed_limit, has_limit FROM detection_points`)
	if err != nil {
		return nil, fmt.Errorf("postgres.LoadDetectionPoints: %w", err)
	}
	defer rows.Close()

	var out []model.DetectionPoint
	for rows.Next() {
		var p model.DetectionPoint
		if err := rows.Scan(&p.ID, &p.Position.Geographic, &p.Position.Lat, &p.Position.Lon,
			&p.Position.X, &p.Position.Y, &p.Direction, &p.SpeedLimit, &p.HasLimit); err != nil {
			return nil, err
		}
		p.Active = true
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *PostgresStore) AppendEvent(ctx context.Context, e *model.Event) error {
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return fmt.Errorf("postgres.AppendEvent: marshal payload: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO events (id, type, source, payload_json, occurred_at) VALUES ($1, $2, $3, $4, $5)`,
		e.ID, string(e.Type), e.SourceConnectorID, string(payload), e.OccurredAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("postgres.AppendEvent: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}
