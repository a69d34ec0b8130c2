package noderpc

import (
	"context"
	"encoding/json"

	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"
)

// jsonCodec replaces protobuf's wire format with plain JSON, the same
// substitution the teacher's cmd/server/main.go makes for its manually
// registered gRPC service — this surface's messages are internal-only and
// small, so the codegen and binary-size cost of a .proto pipeline buys
// nothing.
type jsonCodec struct{}

func (jsonCodec) Name() string                      { return "json" }
func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

// NodeRecoveryServer is the node-recovery RPC surface a fragment exposes.
type NodeRecoveryServer interface {
	NRReadPK(context.Context, *ReadPKRequest) (*ReadPKResponse, error)
	NRUpdateGCI(context.Context, *UpdateGCIRequest) (*UpdateGCIResponse, error)
	NRDelete(context.Context, *DeleteRequest) (*DeleteResponse, error)
	LoadDiskPage(context.Context, *LoadDiskPageRequest) (*LoadDiskPageResponse, error)
	LoadDiskPageScan(context.Context, *LoadDiskPageScanRequest) (*LoadDiskPageScanResponse, error)
}

// RegisterNodeRecoveryServer registers srv on s using a manually-built
// grpc.ServiceDesc, the pattern the teacher uses for its TinySQLServer
// rather than protoc-generated registration code.
func RegisterNodeRecoveryServer(s *grpc.Server, srv NodeRecoveryServer) {
	s.RegisterService(&grpc.ServiceDesc{
		ServiceName: "ndbcore.NodeRecovery",
		HandlerType: (*NodeRecoveryServer)(nil),
		Methods: []grpc.MethodDesc{
			{MethodName: "NRReadPK", Handler: nrReadPKHandler},
			{MethodName: "NRUpdateGCI", Handler: nrUpdateGCIHandler},
			{MethodName: "NRDelete", Handler: nrDeleteHandler},
			{MethodName: "LoadDiskPage", Handler: loadDiskPageHandler},
			{MethodName: "LoadDiskPageScan", Handler: loadDiskPageScanHandler},
		},
		Streams:  []grpc.StreamDesc{},
		Metadata: "noderpc",
	}, srv)
}

func nrReadPKHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(ReadPKRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(NodeRecoveryServer).NRReadPK(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/ndbcore.NodeRecovery/NRReadPK"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(NodeRecoveryServer).NRReadPK(ctx, req.(*ReadPKRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func nrUpdateGCIHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(UpdateGCIRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(NodeRecoveryServer).NRUpdateGCI(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/ndbcore.NodeRecovery/NRUpdateGCI"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(NodeRecoveryServer).NRUpdateGCI(ctx, req.(*UpdateGCIRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func nrDeleteHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(DeleteRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(NodeRecoveryServer).NRDelete(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/ndbcore.NodeRecovery/NRDelete"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(NodeRecoveryServer).NRDelete(ctx, req.(*DeleteRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func loadDiskPageHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(LoadDiskPageRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(NodeRecoveryServer).LoadDiskPage(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/ndbcore.NodeRecovery/LoadDiskPage"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(NodeRecoveryServer).LoadDiskPage(ctx, req.(*LoadDiskPageRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func loadDiskPageScanHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(LoadDiskPageScanRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(NodeRecoveryServer).LoadDiskPageScan(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/ndbcore.NodeRecovery/LoadDiskPageScan"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(NodeRecoveryServer).LoadDiskPageScan(ctx, req.(*LoadDiskPageScanRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// RegisterJSONCodec installs the JSON codec used by this package's client
// and server; call once at process start, mirroring the teacher's
// encoding.RegisterCodec(jsonCodec{}) call in cmd/server/main.go.
func RegisterJSONCodec() {
	encoding.RegisterCodec(jsonCodec{})
}
