package instill

import (
	"context"
	"fmt"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"
)

const raftServiceName = "instill.Raft"

const wireCodecName = "instill-wire"

// wireCodec marshals the hand-rolled protowire messages. We register our
// own codec instead of depending on generated protobuf types.
type wireCodec struct{}

func (wireCodec) Marshal(v interface{}) ([]byte, error) {
	m, ok := v.(wireMessage)
	if !ok {
		return nil, fmt.Errorf("cannot marshal %T", v)
	}
	return marshalWire(m), nil
}

func (wireCodec) Unmarshal(data []byte, v interface{}) error {
	m, ok := v.(wireMessage)
	if !ok {
		return fmt.Errorf("cannot unmarshal into %T", v)
	}
	return m.unmarshal(data)
}

func (wireCodec) Name() string {
	return wireCodecName
}

func init() {
	encoding.RegisterCodec(wireCodec{})
}

func installSnapshotHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	req := new(InstallSnapshotRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	handle := func(ctx context.Context, reqAny interface{}) (interface{}, error) {
		return srv.(*Node).InstallSnapshot(reqAny.(*InstallSnapshotRequest))
	}
	if interceptor == nil {
		return handle(ctx, req)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: "/" + raftServiceName + "/InstallSnapshot",
	}
	return interceptor(ctx, req, info, handle)
}

var raftServiceDesc = grpc.ServiceDesc{
	ServiceName: raftServiceName,
	HandlerType: (*interface{})(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "InstallSnapshot",
			Handler:    installSnapshotHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "instill.go",
}

// Serve starts a gRPC server on the node's configured address and blocks
// until the server stops.
func (n *Node) Serve() error {
	listener, err := net.Listen("tcp", n.address)
	if err != nil {
		return err
	}
	return n.ServeListener(listener)
}

func (n *Node) ServeListener(listener net.Listener) error {
	server := grpc.NewServer(grpc.ForceServerCodec(wireCodec{}))
	server.RegisterService(&raftServiceDesc, n)

	n.mut.Lock()
	n.grpcServer = server
	n.mut.Unlock()

	n.logger.Infof("Listening on %s", listener.Addr())
	return server.Serve(listener)
}
