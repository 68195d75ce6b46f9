package bridge

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/connectorfabric/internal/fabricerr"
)

func TestExecute_UnknownCapabilityRejected(t *testing.T) {
	tr := New(Settings{})
	require.NoError(t, tr.Open(context.Background()))
	defer tr.Close(context.Background())

	_, err := tr.Execute(context.Background(), "bridge.unknown", "op", nil)
	kind, ok := fabricerr.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, fabricerr.KindUnknownCapability, kind)
}

func TestExecute_SlackNotConfiguredFailsNotConnected(t *testing.T) {
	tr := New(Settings{})
	require.NoError(t, tr.Open(context.Background()))
	defer tr.Close(context.Background())

	_, err := tr.Execute(context.Background(), "bridge.slack", "notify", map[string]any{"text": "hi"})
	kind, ok := fabricerr.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, fabricerr.KindNotConnected, kind)
}

func TestExecute_SlackNotifyPostsToChannel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true,"channel":"C123","ts":"1234.5678"}`))
	}))
	defer srv.Close()

	tr := New(Settings{Slack: SlackSettings{
		Token:          "xoxb-test",
		DefaultChannel: "C123",
		APIURL:         srv.URL + "/",
	}})
	require.NoError(t, tr.Open(context.Background()))
	defer tr.Close(context.Background())

	result, err := tr.Execute(context.Background(), "bridge.slack", "notify", map[string]any{"text": "hello"})
	require.NoError(t, err)
	assert.Equal(t, "1234.5678", result.(map[string]any)["ts"])
}

func TestFrames_AlwaysNil(t *testing.T) {
	tr := New(Settings{})
	assert.Nil(t, tr.Frames(context.Background()))
}
