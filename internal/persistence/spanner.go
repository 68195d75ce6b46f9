package persistence

import (
	"context"
	"encoding/json"
	"fmt"

	"cloud.google.com/go/spanner"
	"google.golang.org/api/iterator"

	"github.com/ocx/connectorfabric/internal/model"
)

// SpannerStore implements Store over Cloud Spanner, lifted directly from
// the client/ReadOnlyTransaction/iterator idiom in
// internal/reputation/spanner.go.
type SpannerStore struct {
	client *spanner.Client
}

// NewSpannerStore opens a Spanner-backed Store.
func NewSpannerStore(ctx context.Context, project, instance, database string) (*SpannerStore, error) {
	dbPath := fmt.Sprintf("projects/%s/instances/%s/databases/%s", project, instance, database)
	client, err := spanner.NewClient(ctx, dbPath)
	if err != nil {
		return nil, fmt.Errorf("spanner.NewClient: %w", err)
	}
	return &SpannerStore{client: client}, nil
}

func (s *SpannerStore) LoadConnectors(ctx context.Context) ([]model.ConnectorConfig, error) {
	iter := s.client.Single().Query(ctx, spanner.Statement{
		SQL: `SELECT Id, Type, ConfigJson FROM Connectors`,
	})
	defer iter.Stop()

	var out []model.ConnectorConfig
	for {
		row, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("spanner.LoadConnectors: %w", err)
		}
		var id, typ, configJSON string
		if err := row.Columns(&id, &typ, &configJSON); err != nil {
			return nil, err
		}
		var settings map[string]any
		if err := json.Unmarshal([]byte(configJSON), &settings); err != nil {
			return nil, fmt.Errorf("spanner.LoadConnectors: bad ConfigJson for %s: %w", id, err)
		}
		out = append(out, model.ConnectorConfig{ID: id, Type: typ, Settings: settings})
	}
	return out, nil
}

func (s *SpannerStore) LoadRuleFiles(ctx context.Context) ([]RuleRow, error) {
	iter := s.client.Single().Query(ctx, spanner.Statement{
		SQL: `SELECT Id, PredicateSpec, ConnectorId, CapabilityId, Operation, ParamsJson, ThrottleKey, ThrottleSecs, Enabled FROM Rules`,
	})
	defer iter.Stop()

	var out []RuleRow
	for {
		row, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("spanner.LoadRuleFiles: %w", err)
		}
		var r RuleRow
		if err := row.Columns(&r.ID, &r.PredicateSpec, &r.ConnectorID, &r.CapabilityID,
			&r.Operation, &r.ParamsJSON, &r.ThrottleKey, &r.ThrottleSecs, &r.Enabled); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

func (s *SpannerStore) LoadDetectionPoints(ctx context.Context) ([]model.DetectionPoint, error) {
	iter := s.client.Single().Query(ctx, spanner.Statement{
		SQL: `SELECT Id, Geographic, Lat, Lon, X, Y, Direction, SpeedLimit, HasLimit FROM DetectionPoints`,
	})
	defer iter.Stop()

	var out []model.DetectionPoint
	for {
		row, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("spanner.LoadDetectionPoints: %w", err)
		}
		var p model.DetectionPoint
		if err := row.Columns(&p.ID, &p.Position.Geographic, &p.Position.Lat, &p.Position.Lon,
			&p.Position.X, &p.Position.Y, &p.Direction, &p.SpeedLimit, &p.HasLimit); err != nil {
			return nil, err
		}
		p.Active = true
		out = append(out, p)
	}
	return out, nil
}

func (s *SpannerStore) AppendEvent(ctx context.Context, e *model.Event) error {
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return fmt.Errorf("spanner.AppendEvent: marshal payload: %w", err)
	}
	_, err = s.client.Apply(ctx, []*spanner.Mutation{
		spanner.Insert("Events",
			[]string{"Id", "Type", "Source", "PayloadJson", "OccurredAt"},
			[]interface{}{e.ID, string(e.Type), e.SourceConnectorID, string(payload), e.OccurredAt},
		),
	})
	if err != nil {
		return fmt.Errorf("spanner.AppendEvent: %w", err)
	}
	return nil
}

func (s *SpannerStore) Close() error {
	s.client.Close()
	return nil
}
