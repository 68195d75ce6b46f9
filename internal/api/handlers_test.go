package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/connectorfabric/internal/fabricerr"
	"github.com/ocx/connectorfabric/internal/model"
)

type fakeCore struct {
	connectors   []ConnectorSummary
	createErr    error
	connectErr   error
	disconnErr   error
	executeErr   error
	executeOut   any
	events       chan *model.Event
	putRuleErr   error
	deleteErr    error
	registerErr  error
	lastRuleID   string
	lastRuleSpec RuleSpec
	lastPoint    DetectionPointSpec
}

func (f *fakeCore) ListConnectors() []ConnectorSummary { return f.connectors }

func (f *fakeCore) CreateConnector(ctx context.Context, cfg model.ConnectorConfig) error {
	return f.createErr
}

func (f *fakeCore) Connect(ctx context.Context, id string) error    { return f.connectErr }
func (f *fakeCore) Disconnect(ctx context.Context, id string) error { return f.disconnErr }

func (f *fakeCore) Execute(ctx context.Context, id, capabilityID, operation string, params map[string]any) (any, error) {
	return f.executeOut, f.executeErr
}

func (f *fakeCore) StreamEvents(ctx context.Context) (<-chan *model.Event, func()) {
	return f.events, func() {}
}

func (f *fakeCore) PutRule(id string, spec RuleSpec) error {
	f.lastRuleID = id
	f.lastRuleSpec = spec
	return f.putRuleErr
}

func (f *fakeCore) DeleteRule(id string) error { return f.deleteErr }

func (f *fakeCore) RegisterDetectionPoint(spec DetectionPointSpec) error {
	f.lastPoint = spec
	return f.registerErr
}

func TestHandleListConnectors_ReturnsCoreSummaries(t *testing.T) {
	core := &fakeCore{connectors: []ConnectorSummary{{ID: "cam-1", Type: "camera", State: model.StateConnected}}}
	srv := NewServer(core)

	req := httptest.NewRequest(http.MethodGet, "/connectors", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var got []ConnectorSummary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, core.connectors, got)
}

func TestHandleCreateConnector_DecodesBodyAndCallsCore(t *testing.T) {
	core := &fakeCore{}
	srv := NewServer(core)

	body := `{"id":"cam-1","type":"camera"}`
	req := httptest.NewRequest(http.MethodPost, "/connectors", bytes.NewBufferString(body))
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusCreated, rec.Code)
}

func TestHandleCreateConnector_CoreErrorMapsToStatus(t *testing.T) {
	core := &fakeCore{createErr: fabricerr.New(fabricerr.KindConfigError, "create", "bad config")}
	srv := NewServer(core)

	req := httptest.NewRequest(http.MethodPost, "/connectors", bytes.NewBufferString(`{"id":"x"}`))
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleExecute_NotConnectedMapsToConflict(t *testing.T) {
	core := &fakeCore{executeErr: fabricerr.New(fabricerr.KindNotConnected, "execute", "not connected")}
	srv := NewServer(core)

	req := httptest.NewRequest(http.MethodPost, "/connectors/cam-1/execute", bytes.NewBufferString(`{"capability_id":"ptz","operation":"move"}`))
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestHandleExecute_SuccessReturnsResult(t *testing.T) {
	core := &fakeCore{executeOut: map[string]any{"ok": true}}
	srv := NewServer(core)

	req := httptest.NewRequest(http.MethodPost, "/connectors/cam-1/execute", bytes.NewBufferString(`{"capability_id":"ptz","operation":"move"}`))
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var got map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, map[string]any{"ok": true}, got["result"])
}

func TestHandlePutRule_DecodesSpecAndCallsCoreWithIDFromPath(t *testing.T) {
	core := &fakeCore{}
	srv := NewServer(core)

	body := `{"connector_id":"cam-1","capability_id":"ptz","operation":"move","enabled":true}`
	req := httptest.NewRequest(http.MethodPut, "/rules/rule-1", bytes.NewBufferString(body))
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "rule-1", core.lastRuleID)
	assert.Equal(t, "cam-1", core.lastRuleSpec.ConnectorID)
	assert.True(t, core.lastRuleSpec.Enabled)
}

func TestHandleDeleteRule_ReturnsNoContent(t *testing.T) {
	core := &fakeCore{}
	srv := NewServer(core)

	req := httptest.NewRequest(http.MethodDelete, "/rules/rule-1", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestHandleRegisterPoint_DecodesSpec(t *testing.T) {
	core := &fakeCore{}
	srv := NewServer(core)

	body := `{"id":"dp-1","position":{"geographic":true,"lat":1,"lon":2},"speed_limit":30,"has_limit":true}`
	req := httptest.NewRequest(http.MethodPost, "/correlation/points", bytes.NewBufferString(body))
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "dp-1", core.lastPoint.ID)
	assert.True(t, core.lastPoint.HasLimit)
}

func TestHandleEventStream_FlushesSSEFramesUntilChannelCloses(t *testing.T) {
	events := make(chan *model.Event, 1)
	core := &fakeCore{events: events}
	srv := NewServer(core)

	ev := &model.Event{ID: "ev-1", Type: model.EventMotion, SourceConnectorID: "cam-1"}
	events <- ev
	close(events)

	req := httptest.NewRequest(http.MethodGet, "/events/stream", nil)
	rec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		srv.Router().ServeHTTP(rec, req)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler did not return after events channel closed")
	}

	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), "event: motion")
	assert.Contains(t, rec.Body.String(), `"ID":"ev-1"`)
}

func TestCorsMiddleware_ShortCircuitsOptions(t *testing.T) {
	core := &fakeCore{}
	srv := NewServer(core)

	req := httptest.NewRequest(http.MethodOptions, "/connectors", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}
