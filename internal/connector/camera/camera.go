// Package camera implements a Connector Runtime Transport (C3) for
// camera-like vendor devices: session/API-key REST authentication plus a
// duplex websocket event feed, decoded with internal/frame. Grounded on
// the teacher's internal/websocket/dag_streamer.go (gorilla/websocket
// usage) generalized from a server-side broadcast hub to an outbound
// client dial, and internal/config's layered settings style for the
// connector's own Settings.
package camera

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ocx/connectorfabric/internal/fabricerr"
)

// Settings configures one camera connector instance, sourced from
// model.ConnectorConfig.Settings.
type Settings struct {
	BaseURL    string // e.g. "https://nvr.local"
	APIKey     string
	Username   string
	Password   string
	HTTPClient *http.Client
	DialFunc   func(url string, header http.Header) (*websocket.Conn, *http.Response, error)
}

// Transport implements connector.Transport for a camera vendor.
type Transport struct {
	settings Settings

	mu        sync.Mutex
	sessionID string
	conn      *websocket.Conn
	frames    chan []byte
}

// New constructs a camera Transport.
func New(settings Settings) *Transport {
	if settings.HTTPClient == nil {
		settings.HTTPClient = &http.Client{Timeout: 15 * time.Second}
	}
	if settings.DialFunc == nil {
		settings.DialFunc = websocket.DefaultDialer.Dial
	}
	return &Transport{settings: settings, frames: make(chan []byte, 256)}
}

// Open authenticates via REST, establishing a session, then dials the
// vendor's duplex websocket event feed.
func (t *Transport) Open(ctx context.Context) error {
	sessionID, err := t.authenticate(ctx)
	if err != nil {
		return fabricerr.Wrap(fabricerr.KindAuthError, "camera.Open", "authentication failed", err)
	}

	wsURL := fmt.Sprintf("%s/ws/events?session=%s", t.settings.BaseURL, sessionID)
	header := http.Header{}
	if t.settings.APIKey != "" {
		header.Set("X-API-Key", t.settings.APIKey)
	}

	conn, _, err := t.settings.DialFunc(wsURL, header)
	if err != nil {
		return fabricerr.Wrap(fabricerr.KindUnreachableError, "camera.Open", "websocket dial failed", err)
	}

	t.mu.Lock()
	t.sessionID = sessionID
	t.conn = conn
	t.mu.Unlock()

	go t.readLoop(conn)

	return nil
}

// authenticate tries session-based login first when credentials are
// supplied, falling back to the API key only if that login fails (or no
// credentials were given at all).
func (t *Transport) authenticate(ctx context.Context) (string, error) {
	if t.settings.Username != "" || t.settings.Password != "" {
		sessionID, err := t.sessionLogin(ctx)
		if err == nil {
			return sessionID, nil
		}
		if t.settings.APIKey == "" {
			return "", err
		}
	}

	if t.settings.APIKey != "" {
		return "apikey-session", nil
	}

	return "", fmt.Errorf("no credentials configured")
}

func (t *Transport) sessionLogin(ctx context.Context) (string, error) {
	body, err := json.Marshal(map[string]string{
		"username": t.settings.Username,
		"password": t.settings.Password,
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.settings.BaseURL+"/api/auth/login", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.settings.HTTPClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return "", fmt.Errorf("invalid credentials")
	}
	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var out struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	return out.SessionID, nil
}

func (t *Transport) readLoop(conn *websocket.Conn) {
	defer close(t.frames)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		select {
		case t.frames <- data:
		default:
			// inbound pipeline's own overflow policy is applied once this
			// reaches the per-source ring buffer; here we simply avoid
			// blocking the socket read loop indefinitely.
		}
	}
}

// Close closes the websocket session.
func (t *Transport) Close(ctx context.Context) error {
	t.mu.Lock()
	conn := t.conn
	t.conn = nil
	t.mu.Unlock()
	if conn == nil {
		return nil
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	return conn.Close()
}

// Execute dispatches a capability call as a REST request against the
// vendor's resource API.
func (t *Transport) Execute(ctx context.Context, capabilityID, operation string, parameters map[string]any) (any, error) {
	body, err := json.Marshal(parameters)
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/api/%s/%s", t.settings.BaseURL, capabilityID, operation)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if t.settings.APIKey != "" {
		req.Header.Set("X-API-Key", t.settings.APIKey)
	}

	resp, err := t.settings.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("capability call failed: status %d", resp.StatusCode)
	}

	var result any
	_ = json.NewDecoder(resp.Body).Decode(&result)
	return result, nil
}

// Heartbeat sends a websocket ping control frame.
func (t *Transport) Heartbeat(ctx context.Context) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("no active session")
	}
	return conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
}

// Frames exposes the raw frame byte stream read from the websocket.
func (t *Transport) Frames(ctx context.Context) <-chan []byte {
	return t.frames
}
