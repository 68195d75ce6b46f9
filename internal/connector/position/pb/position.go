// Package pb holds the wire types and service interfaces for the position
// feed gRPC stream, hand-declared the way the teacher's own pb/mock.go
// declares its ledger/plan types: plain structs plus grpc/protobuf
// interfaces, without a .proto/protoc step.
package pb

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/timestamppb"
)

// PositionReport is one ANPR/GPS/telemetry sample from a position feed
// vendor (license plate reader, vehicle tracker, asset tag).
type PositionReport struct {
	DeviceId      string
	TrackingId    string
	Plate         string
	Lat           float64
	Lon           float64
	X             float64
	Y             float64
	Geographic    bool
	Confidence    float64
	DetectionSite string
	ObservedAt    *timestamppb.Timestamp
}

// Ack is the server's acknowledgement of a subscribed stream request.
type Ack struct {
	StreamId string
	Accepted bool
	Reason   string
}

// StreamRequest opens a position feed subscription.
type StreamRequest struct {
	DeviceIds []string
}

// PositionFeedClient is the client side of the streaming position feed.
type PositionFeedClient interface {
	Subscribe(ctx context.Context, in *StreamRequest, opts ...grpc.CallOption) (PositionFeed_SubscribeClient, error)
}

// PositionFeed_SubscribeClient receives a stream of PositionReport values.
type PositionFeed_SubscribeClient interface {
	Recv() (*PositionReport, error)
	grpc.ClientStream
}

// PositionFeedServer is the server side, used by test doubles.
type PositionFeedServer interface {
	Subscribe(*StreamRequest, PositionFeed_SubscribeServer) error
}

// PositionFeed_SubscribeServer sends a stream of PositionReport values.
type PositionFeed_SubscribeServer interface {
	Send(*PositionReport) error
	grpc.ServerStream
}

// UnimplementedPositionFeedServer provides default (no-op) implementations
// so test servers only need to override Subscribe.
type UnimplementedPositionFeedServer struct{}

func (UnimplementedPositionFeedServer) Subscribe(*StreamRequest, PositionFeed_SubscribeServer) error {
	return nil
}
