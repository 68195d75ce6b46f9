package rules

import (
	"context"
	"log/slog"

	"github.com/open-policy-agent/opa/rego"

	"github.com/ocx/connectorfabric/internal/model"
)

// CompileRego turns a Rego module into a model.Predicate, for operators
// who prefer policy-as-code over a Go closure. The module must define
// `data.fabric.rules.allow` as a boolean. Evaluation errors are treated as
// non-matches per §4.6's predicate-failure rule.
func CompileRego(ctx context.Context, module string) (model.Predicate, error) {
	query, err := rego.New(
		rego.Query("data.fabric.rules.allow"),
		rego.Module("rule.rego", module),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, err
	}

	return func(ev *model.Event) bool {
		input := map[string]any{
			"type":               string(ev.Type),
			"source_connector_id": ev.SourceConnectorID,
			"device_id":          ev.DeviceID,
			"payload":            ev.Payload,
		}

		rs, err := query.Eval(context.Background(), rego.EvalInput(input))
		if err != nil {
			slog.Error("rules: rego evaluation failed, treating as non-match", "error", err)
			return false
		}
		if len(rs) == 0 || len(rs[0].Expressions) == 0 {
			return false
		}
		allow, ok := rs[0].Expressions[0].Value.(bool)
		return ok && allow
	}, nil
}
