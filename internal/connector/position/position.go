// Package position implements a Connector Runtime Transport (C3) for
// read-only position/ANPR feed vendors: a single long-lived gRPC server
// stream, fanned into the runtime's Frames channel as JSON so the shared
// internal/frame decode path and inbound pipeline handle it uniformly with
// every other connector type. Grounded on the teacher's pb/mock.go
// hand-declared grpc service style (google.golang.org/grpc,
// google.golang.org/protobuf) generalized from a ledger/plan RPC surface
// to a streaming position feed.
package position

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/ocx/connectorfabric/internal/connector/position/pb"
	"github.com/ocx/connectorfabric/internal/fabricerr"
)

// Settings configures one position feed connector instance.
type Settings struct {
	Target    string // grpc dial target, e.g. "positions.local:9443"
	DeviceIDs []string
	DialOpts  []grpc.DialOption
}

// Transport implements connector.Transport for a position feed vendor.
// Execute is unsupported: position feeds are observation-only sources,
// never capability targets.
type Transport struct {
	settings Settings

	mu     sync.Mutex
	conn   *grpc.ClientConn
	cancel context.CancelFunc
	frames chan []byte
}

// New constructs a position feed Transport.
func New(settings Settings) *Transport {
	if len(settings.DialOpts) == 0 {
		settings.DialOpts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}
	return &Transport{settings: settings, frames: make(chan []byte, 256)}
}

// Open dials the position feed service and opens the subscribe stream.
func (t *Transport) Open(ctx context.Context) error {
	conn, err := grpc.NewClient(t.settings.Target, t.settings.DialOpts...)
	if err != nil {
		return fabricerr.Wrap(fabricerr.KindUnreachableError, "position.Open", "dial failed", err)
	}

	client := pb.NewPositionFeedClient(conn)
	streamCtx, cancel := context.WithCancel(context.Background())

	stream, err := client.Subscribe(streamCtx, &pb.StreamRequest{DeviceIds: t.settings.DeviceIDs})
	if err != nil {
		cancel()
		conn.Close()
		return fabricerr.Wrap(fabricerr.KindUnreachableError, "position.Open", "subscribe failed", err)
	}

	t.mu.Lock()
	t.conn = conn
	t.cancel = cancel
	t.mu.Unlock()

	go t.readLoop(stream)

	return nil
}

func (t *Transport) readLoop(stream pb.PositionFeed_SubscribeClient) {
	defer close(t.frames)
	for {
		report, err := stream.Recv()
		if err != nil {
			return
		}
		data, err := json.Marshal(reportToPayload(report))
		if err != nil {
			continue
		}
		select {
		case t.frames <- data:
		default:
		}
	}
}

func reportToPayload(r *pb.PositionReport) map[string]any {
	payload := map[string]any{
		"type":        "positionReport",
		"deviceId":    r.DeviceId,
		"tracking_id": r.TrackingId,
		"plate":       r.Plate,
		"confidence":  r.Confidence,
		"detection_point_id": r.DetectionSite,
		"geographic":  r.Geographic,
	}
	if r.Geographic {
		payload["lat"] = r.Lat
		payload["lon"] = r.Lon
	} else {
		payload["x"] = r.X
		payload["y"] = r.Y
	}
	if r.ObservedAt != nil {
		payload["eventTime"] = r.ObservedAt.AsTime().UnixMilli()
	}
	return payload
}

// Close tears down the subscribe stream and the underlying connection.
func (t *Transport) Close(ctx context.Context) error {
	t.mu.Lock()
	conn, cancel := t.conn, t.cancel
	t.conn, t.cancel = nil, nil
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn == nil {
		return nil
	}
	return conn.Close()
}

// Execute always fails: position feeds expose no capabilities.
func (t *Transport) Execute(ctx context.Context, capabilityID, operation string, parameters map[string]any) (any, error) {
	return nil, fabricerr.New(fabricerr.KindUnknownCapability, "position.Execute",
		fmt.Sprintf("position feed transport has no capability %q", capabilityID))
}

// Heartbeat reports the gRPC connection's own state as the liveness check;
// the server-driven stream itself is the true heartbeat.
func (t *Transport) Heartbeat(ctx context.Context) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("no active connection")
	}
	state := conn.GetState()
	if state.String() == "TRANSIENT_FAILURE" || state.String() == "SHUTDOWN" {
		return fmt.Errorf("connection unhealthy: %s", state)
	}
	return nil
}

// Frames exposes position reports re-encoded as JSON frame bytes.
func (t *Transport) Frames(ctx context.Context) <-chan []byte {
	return t.frames
}
