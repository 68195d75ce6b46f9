package pb

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"
)

// jsonCodec lets the hand-declared position feed types ride over a real
// grpc.ClientConn without a protoc-generated proto.Message implementation.
// grpc-go's encoding.Codec interface is built for exactly this: a pluggable
// wire format selected with grpc.ForceCodec, the same mechanism codegen'd
// codecs use under the hood.
type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error) { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v interface{}) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string { return "json" }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

const subscribeMethod = "/fabric.position.PositionFeed/Subscribe"

type positionFeedClient struct {
	cc *grpc.ClientConn
}

// NewPositionFeedClient builds a PositionFeedClient bound to an existing
// connection.
func NewPositionFeedClient(cc *grpc.ClientConn) PositionFeedClient {
	return &positionFeedClient{cc: cc}
}

func (c *positionFeedClient) Subscribe(ctx context.Context, in *StreamRequest, opts ...grpc.CallOption) (PositionFeed_SubscribeClient, error) {
	desc := &grpc.StreamDesc{StreamName: "Subscribe", ServerStreams: true}
	opts = append(opts, grpc.ForceCodec(jsonCodec{}))

	stream, err := c.cc.NewStream(ctx, desc, subscribeMethod, opts...)
	if err != nil {
		return nil, fmt.Errorf("position feed subscribe: %w", err)
	}
	if err := stream.SendMsg(in); err != nil {
		return nil, fmt.Errorf("position feed subscribe request: %w", err)
	}
	if err := stream.CloseSend(); err != nil {
		return nil, fmt.Errorf("position feed subscribe close-send: %w", err)
	}
	return &subscribeClientStream{ClientStream: stream}, nil
}

type subscribeClientStream struct {
	grpc.ClientStream
}

func (s *subscribeClientStream) Recv() (*PositionReport, error) {
	report := new(PositionReport)
	if err := s.ClientStream.RecvMsg(report); err != nil {
		return nil, err
	}
	return report, nil
}
