package wire

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"
)

// CodecName is the content-subtype this package's codec is registered
// under. Neither ToServer nor FromServer implement proto.Message, so both
// client and server must be configured to force this codec instead of
// gRPC's default "proto" one (see ForceCodec below) — this is a supported
// gRPC-go extension point (encoding.Codec / grpc.ForceServerCodec /
// grpc.ForceCodec), not a fork of the transport.
const CodecName = "ankwire"

func init() {
	encoding.RegisterCodec(ankwireCodec{})
}

type ankwireCodec struct{}

func (ankwireCodec) Name() string { return CodecName }

func (ankwireCodec) Marshal(v any) ([]byte, error) {
	return Marshal(v)
}

func (ankwireCodec) Unmarshal(data []byte, v any) error {
	return Unmarshal(data, v)
}

// ForceServerCodec is a convenience grpc.ServerOption wiring ankwireCodec in
// as the only codec the Control server understands.
func ForceServerCodec() grpc.ServerOption {
	return grpc.ForceServerCodec(ankwireCodec{})
}

// ForceClientCodec is a convenience grpc.DialOption for clients of the
// Control service.
func ForceClientCodec() grpc.DialOption {
	return grpc.WithDefaultCallOptions(grpc.ForceCodec(ankwireCodec{}))
}

// serviceName is the fully-qualified gRPC service name, used in both the
// ServiceDesc and the method paths dialed by the client stubs below.
const serviceName = "ankaios.Control"

// ControlServer is implemented by the server-side Control service: two
// bidirectional-streaming RPCs, AgentConnect for agents and CliConnect for
// the CLI, both carrying ToServer/FromServer envelopes. Separate methods
// let the server handle agent and CLI streams with separate handlers; the
// same stream interceptors apply to both.
type ControlServer interface {
	AgentConnect(ControlAgentConnectServer) error
	CliConnect(ControlCliConnectServer) error
}

// ControlAgentConnectServer is the server's view of one agent's
// bidirectional stream.
type ControlAgentConnectServer interface {
	Send(*FromServer) error
	Recv() (*ToServer, error)
	grpc.ServerStream
}

// ControlCliConnectServer is the server's view of one CLI connection's
// bidirectional stream.
type ControlCliConnectServer interface {
	Send(*FromServer) error
	Recv() (*ToServer, error)
	grpc.ServerStream
}

type controlAgentConnectServer struct{ grpc.ServerStream }

func (s *controlAgentConnectServer) Send(m *FromServer) error { return s.ServerStream.SendMsg(m) }
func (s *controlAgentConnectServer) Recv() (*ToServer, error) {
	m := new(ToServer)
	if err := s.ServerStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

type controlCliConnectServer struct{ grpc.ServerStream }

func (s *controlCliConnectServer) Send(m *FromServer) error { return s.ServerStream.SendMsg(m) }
func (s *controlCliConnectServer) Recv() (*ToServer, error) {
	m := new(ToServer)
	if err := s.ServerStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

func _Control_AgentConnect_Handler(srv any, stream grpc.ServerStream) error {
	return srv.(ControlServer).AgentConnect(&controlAgentConnectServer{stream})
}

func _Control_CliConnect_Handler(srv any, stream grpc.ServerStream) error {
	return srv.(ControlServer).CliConnect(&controlCliConnectServer{stream})
}

// ControlServiceDesc is the grpc.ServiceDesc that stands in for what
// protoc-gen-go-grpc would otherwise generate from a .proto file.
var ControlServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*ControlServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "AgentConnect",
			Handler:       _Control_AgentConnect_Handler,
			ServerStreams: true,
			ClientStreams: true,
		},
		{
			StreamName:    "CliConnect",
			Handler:       _Control_CliConnect_Handler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
}

// RegisterControlServer registers srv against s. It does not select a
// codec: s must have been built with ForceServerCodec so that peers
// exchanging *ToServer/*FromServer don't fall back to the default proto
// codec (which would reject our non-proto.Message types).
func RegisterControlServer(s grpc.ServiceRegistrar, srv ControlServer) {
	s.RegisterService(&ControlServiceDesc, srv)
}

// ControlClient is the client-side Control service, implemented by
// controlClient below.
type ControlClient interface {
	AgentConnect(ctx context.Context, opts ...grpc.CallOption) (ControlAgentConnectClient, error)
	CliConnect(ctx context.Context, opts ...grpc.CallOption) (ControlCliConnectClient, error)
}

type controlClient struct {
	cc *grpc.ClientConn
}

// NewControlClient wraps cc, which must have been dialed with
// ForceClientCodec (or an equivalent grpc.CallOption override) so its
// streams use the ankwire codec.
func NewControlClient(cc *grpc.ClientConn) ControlClient {
	return &controlClient{cc: cc}
}

// ControlAgentConnectClient is the agent's view of its bidirectional stream
// to the server.
type ControlAgentConnectClient interface {
	Send(*ToServer) error
	Recv() (*FromServer, error)
	grpc.ClientStream
}

// ControlCliConnectClient is the CLI's view of its bidirectional stream to
// the server.
type ControlCliConnectClient interface {
	Send(*ToServer) error
	Recv() (*FromServer, error)
	grpc.ClientStream
}

type controlAgentConnectClient struct{ grpc.ClientStream }

func (c *controlAgentConnectClient) Send(m *ToServer) error { return c.ClientStream.SendMsg(m) }
func (c *controlAgentConnectClient) Recv() (*FromServer, error) {
	m := new(FromServer)
	if err := c.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

type controlCliConnectClient struct{ grpc.ClientStream }

func (c *controlCliConnectClient) Send(m *ToServer) error { return c.ClientStream.SendMsg(m) }
func (c *controlCliConnectClient) Recv() (*FromServer, error) {
	m := new(FromServer)
	if err := c.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

func (c *controlClient) AgentConnect(ctx context.Context, opts ...grpc.CallOption) (ControlAgentConnectClient, error) {
	stream, err := c.cc.NewStream(ctx, &ControlServiceDesc.Streams[0], "/"+serviceName+"/AgentConnect", opts...)
	if err != nil {
		return nil, err
	}
	return &controlAgentConnectClient{stream}, nil
}

func (c *controlClient) CliConnect(ctx context.Context, opts ...grpc.CallOption) (ControlCliConnectClient, error) {
	stream, err := c.cc.NewStream(ctx, &ControlServiceDesc.Streams[1], "/"+serviceName+"/CliConnect", opts...)
	if err != nil {
		return nil, err
	}
	return &controlCliConnectClient{stream}, nil
}
