package indexsyncv1

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ServiceName is the fully qualified service name.
const ServiceName = "indexsync.v1.IndexSync"

// Method names.
const (
	MethodStatus        = "Status"
	MethodUpdate        = "Update"
	MethodReset         = "Reset"
	MethodSeek          = "Seek"
	MethodCheck         = "Check"
	MethodPut           = "Put"
	MethodDelete        = "Delete"
	MethodSearch        = "Search"
	MethodTakeSnapshot  = "TakeSnapshot"
	MethodListSnapshots = "ListSnapshots"
	MethodProgress      = "Progress"
	MethodShutdown      = "Shutdown"
	MethodWatch         = "Watch"
)

// FullMethod returns the path of a method.
func FullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}

// IndexSyncServer is the server API.
type IndexSyncServer interface {
	Status(context.Context, *Empty) (*StatusResponse, error)
	Update(context.Context, *Empty) (*UpdateResponse, error)
	Reset(context.Context, *ResetRequest) (*Empty, error)
	Seek(context.Context, *SeekRequest) (*SeekResponse, error)
	Check(context.Context, *CheckRequest) (*Empty, error)
	Put(context.Context, *PutRequest) (*DocumentResponse, error)
	Delete(context.Context, *DeleteRequest) (*DocumentResponse, error)
	Search(context.Context, *SearchRequest) (*SearchResponse, error)
	TakeSnapshot(context.Context, *Empty) (*SnapshotResponse, error)
	ListSnapshots(context.Context, *Empty) (*SnapshotList, error)
	Progress(context.Context, *Empty) (*ProgressResponse, error)
	Shutdown(context.Context, *Empty) (*Empty, error)
	Watch(*WatchRequest, WatchServer) error
}

// WatchServer is the server side of a Watch stream.
type WatchServer interface {
	Send(*Event) error
	Context() context.Context
}

// RegisterIndexSyncServer registers srv with s.
func RegisterIndexSyncServer(s grpc.ServiceRegistrar, srv IndexSyncServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// ServiceDesc describes the service for grpc.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*IndexSyncServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(MethodStatus, IndexSyncServer.Status),
		unary(MethodUpdate, IndexSyncServer.Update),
		unary(MethodReset, IndexSyncServer.Reset),
		unary(MethodSeek, IndexSyncServer.Seek),
		unary(MethodCheck, IndexSyncServer.Check),
		unary(MethodPut, IndexSyncServer.Put),
		unary(MethodDelete, IndexSyncServer.Delete),
		unary(MethodSearch, IndexSyncServer.Search),
		unary(MethodTakeSnapshot, IndexSyncServer.TakeSnapshot),
		unary(MethodListSnapshots, IndexSyncServer.ListSnapshots),
		unary(MethodProgress, IndexSyncServer.Progress),
		unary(MethodShutdown, IndexSyncServer.Shutdown),
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    MethodWatch,
			Handler:       watchHandler,
			ServerStreams: true,
		},
	},
	Metadata: "indexsync/v1/indexsync.proto",
}

func unary[Req, Resp any](name string, call func(IndexSyncServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Payload)
			if err := dec(in); err != nil {
				return nil, err
			}
			handler := func(ctx context.Context, req any) (any, error) {
				r := new(Req)
				if err := Decode(req.(*Payload), r); err != nil {
					return nil, status.Error(codes.InvalidArgument, err.Error())
				}
				resp, err := call(srv.(IndexSyncServer), ctx, r)
				if err != nil {
					return nil, err
				}
				return Encode(resp)
			}
			if interceptor == nil {
				return handler(ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: FullMethod(name)}
			return interceptor(ctx, in, info, handler)
		},
	}
}

func watchHandler(srv any, stream grpc.ServerStream) error {
	in := new(Payload)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	req := new(WatchRequest)
	if err := Decode(in, req); err != nil {
		return status.Error(codes.InvalidArgument, err.Error())
	}
	return srv.(IndexSyncServer).Watch(req, &watchServer{stream})
}

type watchServer struct {
	grpc.ServerStream
}

func (w *watchServer) Send(ev *Event) error {
	out, err := Encode(ev)
	if err != nil {
		return err
	}
	return w.ServerStream.SendMsg(out)
}

// UnimplementedIndexSyncServer returns Unimplemented for every method.
type UnimplementedIndexSyncServer struct{}

func unimplemented(method string) error {
	return status.Errorf(codes.Unimplemented, "method %s not implemented", method)
}

func (UnimplementedIndexSyncServer) Status(context.Context, *Empty) (*StatusResponse, error) {
	return nil, unimplemented(MethodStatus)
}
func (UnimplementedIndexSyncServer) Update(context.Context, *Empty) (*UpdateResponse, error) {
	return nil, unimplemented(MethodUpdate)
}
func (UnimplementedIndexSyncServer) Reset(context.Context, *ResetRequest) (*Empty, error) {
	return nil, unimplemented(MethodReset)
}
func (UnimplementedIndexSyncServer) Seek(context.Context, *SeekRequest) (*SeekResponse, error) {
	return nil, unimplemented(MethodSeek)
}
func (UnimplementedIndexSyncServer) Check(context.Context, *CheckRequest) (*Empty, error) {
	return nil, unimplemented(MethodCheck)
}
func (UnimplementedIndexSyncServer) Put(context.Context, *PutRequest) (*DocumentResponse, error) {
	return nil, unimplemented(MethodPut)
}
func (UnimplementedIndexSyncServer) Delete(context.Context, *DeleteRequest) (*DocumentResponse, error) {
	return nil, unimplemented(MethodDelete)
}
func (UnimplementedIndexSyncServer) Search(context.Context, *SearchRequest) (*SearchResponse, error) {
	return nil, unimplemented(MethodSearch)
}
func (UnimplementedIndexSyncServer) TakeSnapshot(context.Context, *Empty) (*SnapshotResponse, error) {
	return nil, unimplemented(MethodTakeSnapshot)
}
func (UnimplementedIndexSyncServer) ListSnapshots(context.Context, *Empty) (*SnapshotList, error) {
	return nil, unimplemented(MethodListSnapshots)
}
func (UnimplementedIndexSyncServer) Progress(context.Context, *Empty) (*ProgressResponse, error) {
	return nil, unimplemented(MethodProgress)
}
func (UnimplementedIndexSyncServer) Shutdown(context.Context, *Empty) (*Empty, error) {
	return nil, unimplemented(MethodShutdown)
}
func (UnimplementedIndexSyncServer) Watch(*WatchRequest, WatchServer) error {
	return unimplemented(MethodWatch)
}

// IndexSyncClient is the client API.
type IndexSyncClient struct {
	cc grpc.ClientConnInterface
}

// NewIndexSyncClient creates a client on cc.
func NewIndexSyncClient(cc grpc.ClientConnInterface) *IndexSyncClient {
	return &IndexSyncClient{cc: cc}
}

func invoke[Resp any](ctx context.Context, c *IndexSyncClient, method string, req any, opts ...grpc.CallOption) (*Resp, error) {
	in, err := Encode(req)
	if err != nil {
		return nil, err
	}
	out := new(Payload)
	if err := c.cc.Invoke(ctx, FullMethod(method), in, out, opts...); err != nil {
		return nil, err
	}
	resp := new(Resp)
	if err := Decode(out, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *IndexSyncClient) Status(ctx context.Context, opts ...grpc.CallOption) (*StatusResponse, error) {
	return invoke[StatusResponse](ctx, c, MethodStatus, &Empty{}, opts...)
}

func (c *IndexSyncClient) Update(ctx context.Context, opts ...grpc.CallOption) (*UpdateResponse, error) {
	return invoke[UpdateResponse](ctx, c, MethodUpdate, &Empty{}, opts...)
}

func (c *IndexSyncClient) Reset(ctx context.Context, req *ResetRequest, opts ...grpc.CallOption) (*Empty, error) {
	return invoke[Empty](ctx, c, MethodReset, req, opts...)
}

func (c *IndexSyncClient) Seek(ctx context.Context, req *SeekRequest, opts ...grpc.CallOption) (*SeekResponse, error) {
	return invoke[SeekResponse](ctx, c, MethodSeek, req, opts...)
}

func (c *IndexSyncClient) Check(ctx context.Context, req *CheckRequest, opts ...grpc.CallOption) (*Empty, error) {
	return invoke[Empty](ctx, c, MethodCheck, req, opts...)
}

func (c *IndexSyncClient) Put(ctx context.Context, req *PutRequest, opts ...grpc.CallOption) (*DocumentResponse, error) {
	return invoke[DocumentResponse](ctx, c, MethodPut, req, opts...)
}

func (c *IndexSyncClient) Delete(ctx context.Context, req *DeleteRequest, opts ...grpc.CallOption) (*DocumentResponse, error) {
	return invoke[DocumentResponse](ctx, c, MethodDelete, req, opts...)
}

func (c *IndexSyncClient) Search(ctx context.Context, req *SearchRequest, opts ...grpc.CallOption) (*SearchResponse, error) {
	return invoke[SearchResponse](ctx, c, MethodSearch, req, opts...)
}

func (c *IndexSyncClient) TakeSnapshot(ctx context.Context, opts ...grpc.CallOption) (*SnapshotResponse, error) {
	return invoke[SnapshotResponse](ctx, c, MethodTakeSnapshot, &Empty{}, opts...)
}

func (c *IndexSyncClient) ListSnapshots(ctx context.Context, opts ...grpc.CallOption) (*SnapshotList, error) {
	return invoke[SnapshotList](ctx, c, MethodListSnapshots, &Empty{}, opts...)
}

func (c *IndexSyncClient) Progress(ctx context.Context, opts ...grpc.CallOption) (*ProgressResponse, error) {
	return invoke[ProgressResponse](ctx, c, MethodProgress, &Empty{}, opts...)
}

func (c *IndexSyncClient) Shutdown(ctx context.Context, opts ...grpc.CallOption) (*Empty, error) {
	return invoke[Empty](ctx, c, MethodShutdown, &Empty{}, opts...)
}

// WatchClient is the client side of a Watch stream.
type WatchClient interface {
	Recv() (*Event, error)
}

// Watch opens an event stream.
func (c *IndexSyncClient) Watch(ctx context.Context, req *WatchRequest, opts ...grpc.CallOption) (WatchClient, error) {
	stream, err := c.cc.NewStream(ctx, &ServiceDesc.Streams[0], FullMethod(MethodWatch), opts...)
	if err != nil {
		return nil, err
	}
	in, err := Encode(req)
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	return &watchClient{stream}, nil
}

type watchClient struct {
	grpc.ClientStream
}

func (w *watchClient) Recv() (*Event, error) {
	out := new(Payload)
	if err := w.ClientStream.RecvMsg(out); err != nil {
		return nil, err
	}
	ev := new(Event)
	if err := Decode(out, ev); err != nil {
		return nil, err
	}
	return ev, nil
}
