package wire

import (
	"context"
	"encoding/json"

	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"
)

// CodecName is the gRPC content-subtype under which frames travel.
const CodecName = "fmtc-json"

// Handshake metadata keys sent by the dialing node.
const (
	MetaNodeID      = "fmtc-id"
	MetaPublish     = "fmtc-publish"
	MetaCertificate = "fmtc-certificate"
)

const linkMethod = "/fmtc.NodeMesh/Link"

type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return CodecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// LinkStream is the part of a gRPC stream a peer link needs. Both the client
// and server side of NodeMesh.Link satisfy it.
type LinkStream interface {
	Context() context.Context
	SendMsg(m any) error
	RecvMsg(m any) error
}

// NodeMeshServer accepts inbound peer links.
type NodeMeshServer interface {
	Link(stream LinkStream) error
}

func linkHandler(srv any, stream grpc.ServerStream) error {
	return srv.(NodeMeshServer).Link(stream)
}

// NodeMeshServiceDesc describes the single bidirectional Link stream.
var NodeMeshServiceDesc = grpc.ServiceDesc{
	ServiceName: "fmtc.NodeMesh",
	HandlerType: (*NodeMeshServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Link",
			Handler:       linkHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "fmtc/nodemesh",
}

// RegisterNodeMeshServer attaches srv to a gRPC server.
func RegisterNodeMeshServer(s grpc.ServiceRegistrar, srv NodeMeshServer) {
	s.RegisterService(&NodeMeshServiceDesc, srv)
}

// OpenLink starts the Link stream on an established client connection.
func OpenLink(ctx context.Context, cc grpc.ClientConnInterface, opts ...grpc.CallOption) (grpc.ClientStream, error) {
	opts = append(opts, grpc.CallContentSubtype(CodecName))
	return cc.NewStream(ctx, &NodeMeshServiceDesc.Streams[0], linkMethod, opts...)
}
