package metrics

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_RegistersWithoutPanicking(t *testing.T) {
	r := New()
	require.NotNil(t, r)

	r.ConnectorStateTransitions.WithLabelValues("cam-1", "connected").Inc()
	r.ActionDispatchLatency.WithLabelValues("cam-1").Observe(0.25)

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, req)

	assert.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), "fabric_connector_state_transitions_total")
}
