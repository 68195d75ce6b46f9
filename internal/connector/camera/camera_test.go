package camera

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuthenticate_APIKeyShortCircuits(t *testing.T) {
	tr := New(Settings{BaseURL: "https://example.invalid", APIKey: "k-1"})
	id, err := tr.authenticate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "apikey-session", id)
}

func TestAuthenticate_LoginPostsCredentialsAndParsesSession(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/auth/login", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"sessionId":"sess-123"}`))
	}))
	defer srv.Close()

	tr := New(Settings{BaseURL: srv.URL, Username: "u", Password: "p"})
	id, err := tr.authenticate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "sess-123", id)
}

func TestAuthenticate_UnauthorizedIsRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	tr := New(Settings{BaseURL: srv.URL, Username: "u", Password: "bad"})
	_, err := tr.authenticate(context.Background())
	assert.Error(t, err)
}

func TestAuthenticate_SessionLoginPreferredOverAPIKeyWhenBothConfigured(t *testing.T) {
	var posted bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		posted = true
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"sessionId":"sess-456"}`))
	}))
	defer srv.Close()

	tr := New(Settings{BaseURL: srv.URL, Username: "u", Password: "p", APIKey: "k-1"})
	id, err := tr.authenticate(context.Background())
	require.NoError(t, err)
	assert.True(t, posted, "session login must be attempted before falling back to the API key")
	assert.Equal(t, "sess-456", id)
}

func TestAuthenticate_FallsBackToAPIKeyWhenSessionLoginFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	tr := New(Settings{BaseURL: srv.URL, Username: "u", Password: "bad", APIKey: "k-1"})
	id, err := tr.authenticate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "apikey-session", id)
}

func TestExecute_PostsToCapabilityOperationPath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/camera.ptz/move", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	tr := New(Settings{BaseURL: srv.URL, APIKey: "k"})
	result, err := tr.Execute(context.Background(), "camera.ptz", "move", map[string]any{"direction": "left"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"ok": true}, result)
}

func TestOpen_DialsWebsocketAfterAuth(t *testing.T) {
	upgrader := websocket.Upgrader{}
	var gotHeader http.Header
	wsSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeader = r.Header
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping"}`))
	}))
	defer wsSrv.Close()

	httpSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"sessionId":"sess-9"}`))
	}))
	defer httpSrv.Close()

	wsURL := "ws" + wsSrv.URL[len("http"):]

	tr := New(Settings{
		BaseURL: httpSrv.URL,
		APIKey:  "k-9",
		DialFunc: func(url string, header http.Header) (*websocket.Conn, *http.Response, error) {
			conn, resp, err := websocket.DefaultDialer.Dial(wsURL+"/ws/events", header)
			return conn, resp, err
		},
	})

	err := tr.Open(context.Background())
	require.NoError(t, err)
	defer tr.Close(context.Background())

	frame := <-tr.Frames(context.Background())
	assert.Equal(t, `{"type":"ping"}`, string(frame))
	assert.Equal(t, "k-9", gotHeader.Get("X-API-Key"))
}
