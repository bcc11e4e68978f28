package location

import (
	"context"
	"encoding/json"

	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"
)

// DriverPing is one position report on the ingest stream.
type DriverPing struct {
	DriverID string  `json:"driver_id"`
	Lat      float64 `json:"lat"`
	Lng      float64 `json:"lng"`
	Speed    float64 `json:"speed,omitempty"`
	Accuracy float64 `json:"accuracy,omitempty"`
	// TsMillis is the device timestamp; zero means server receive time.
	TsMillis int64 `json:"ts_ms,omitempty"`
}

// Ack closes a stream with per-stream counts.
type Ack struct {
	Accepted int `json:"accepted"`
	Rejected int `json:"rejected"`
}

// Codec carries the stream messages as JSON so clients need no generated
// protobuf types. Register it on both ends with grpc.ForceServerCodec and
// grpc.ForceCodec.
type Codec struct{}

func (Codec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (Codec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (Codec) Name() string                       { return "json" }

var _ encoding.Codec = Codec{}

const (
	serviceName = "dispatchcore.location.Location"
	streamName  = "StreamLocation"
)

// LocationServer is the ingest contract.
type LocationServer interface {
	StreamLocation(Location_StreamLocationServer) error
}

func RegisterLocationServer(s *grpc.Server, srv LocationServer) {
	s.RegisterService(&grpc.ServiceDesc{
		ServiceName: serviceName,
		HandlerType: (*LocationServer)(nil),
		Streams: []grpc.StreamDesc{{
			StreamName:    streamName,
			Handler:       streamLocationHandler,
			ClientStreams: true,
		}},
	}, srv)
}

// Location_StreamLocationServer is the server side of a client stream.
type Location_StreamLocationServer interface {
	grpc.ServerStream
	SendAndClose(*Ack) error
	Recv() (*DriverPing, error)
}

func streamLocationHandler(srv any, stream grpc.ServerStream) error {
	return srv.(LocationServer).StreamLocation(&locationStreamServer{ServerStream: stream})
}

type locationStreamServer struct {
	grpc.ServerStream
}

func (s *locationStreamServer) SendAndClose(ack *Ack) error {
	return s.ServerStream.SendMsg(ack)
}

func (s *locationStreamServer) Recv() (*DriverPing, error) {
	msg := new(DriverPing)
	if err := s.ServerStream.RecvMsg(msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// Location_StreamLocationClient is the driver app side of the stream.
type Location_StreamLocationClient interface {
	Send(*DriverPing) error
	CloseAndRecv() (*Ack, error)
}

// StreamLocation opens an ingest stream on conn.
func StreamLocation(ctx context.Context, conn grpc.ClientConnInterface) (Location_StreamLocationClient, error) {
	desc := &grpc.StreamDesc{StreamName: streamName, ClientStreams: true}
	stream, err := conn.NewStream(ctx, desc, "/"+serviceName+"/"+streamName, grpc.ForceCodec(Codec{}))
	if err != nil {
		return nil, err
	}
	return &locationStreamClient{ClientStream: stream}, nil
}

type locationStreamClient struct {
	grpc.ClientStream
}

func (c *locationStreamClient) Send(p *DriverPing) error {
	return c.ClientStream.SendMsg(p)
}

func (c *locationStreamClient) CloseAndRecv() (*Ack, error) {
	if err := c.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	ack := new(Ack)
	if err := c.ClientStream.RecvMsg(ack); err != nil {
		return nil, err
	}
	return ack, nil
}
