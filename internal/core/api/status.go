// Package api provides the recorder's read-only gRPC status service.
//
// The service is described by hand with well-known protobuf messages: requests
// are google.protobuf.Empty or StringValue, responses are google.protobuf.Struct.
package api

import (
	"context"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/fkirchmann/ProductionPilot/internal/recording"
	"github.com/fkirchmann/ProductionPilot/internal/types"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "productionpilot.recorder.v1.RecorderStatus"

const (
	listParametersMethod = "/" + ServiceName + "/ListParameters"
	getParameterMethod   = "/" + ServiceName + "/GetParameter"
)

// StatusSource reports the live state of recorded parameters.
type StatusSource interface {
	Status(id types.ParameterID) (recording.ParameterStatus, bool)
	ListStatus() []recording.ParameterStatus
}

// RecorderStatusServer is the server API of the status service.
type RecorderStatusServer interface {
	ListParameters(ctx context.Context, req *emptypb.Empty) (*structpb.Struct, error)
	GetParameter(ctx context.Context, req *wrapperspb.StringValue) (*structpb.Struct, error)
}

// StatusService implements RecorderStatusServer on top of a StatusSource.
type StatusService struct {
	source StatusSource
}

func NewStatusService(source StatusSource) *StatusService {
	return &StatusService{source: source}
}

// ListParameters returns {"parameters": [...]} with one entry per recorded parameter.
func (s *StatusService) ListParameters(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	if err := ctx.Err(); err != nil {
		return nil, toStatus(err)
	}
	statuses := s.source.ListStatus()
	list := make([]any, len(statuses))
	for i, st := range statuses {
		list[i] = statusFields(st)
	}
	out, err := structpb.NewStruct(map[string]any{"parameters": list})
	if err != nil {
		return nil, toStatus(err)
	}
	return out, nil
}

// GetParameter looks a parameter up by ID or identifier.
func (s *StatusService) GetParameter(ctx context.Context, req *wrapperspb.StringValue) (*structpb.Struct, error) {
	if err := ctx.Err(); err != nil {
		return nil, toStatus(err)
	}
	ref := strings.TrimSpace(req.GetValue())
	if ref == "" {
		return nil, toStatus(types.ErrInvalidParameterID)
	}
	st, ok := s.find(ref)
	if !ok {
		return nil, toStatus(types.ErrParameterNotFound)
	}
	out, err := structpb.NewStruct(statusFields(st))
	if err != nil {
		return nil, toStatus(err)
	}
	return out, nil
}

func (s *StatusService) find(ref string) (recording.ParameterStatus, bool) {
	if id, err := types.ParseParameterID(ref); err == nil {
		return s.source.Status(id)
	}
	for _, st := range s.source.ListStatus() {
		if st.Parameter.Identifier == ref {
			return st, true
		}
	}
	return recording.ParameterStatus{}, false
}

func statusFields(st recording.ParameterStatus) map[string]any {
	p := st.Parameter
	fields := map[string]any{
		"id":                   string(p.ID),
		"name":                 p.Name,
		"identifier":           p.Identifier,
		"node_address":         p.NodeAddress,
		"sampling_interval_ms": p.SamplingInterval.Milliseconds(),
		"status":               st.Status.String(),
		"status_code":          int64(st.Status.Code),
		"status_good":          st.Status.IsGood(),
		"node_type":            st.NodeType.String(),
		"bound":                st.Bound,
		"updates":              int64(st.Updates),
		"measurements":         st.Measurements,
		"last_value":           nil,
	}
	if v := st.LastValue; v != nil {
		fields["last_value"] = v.Value.Any()
		fields["last_value_time"] = v.ClientTime.UTC().Format(time.RFC3339Nano)
	}
	if m := st.LastMeasurement; m != nil {
		fields["last_measurement_time"] = m.ClientTime.UTC().Format(time.RFC3339Nano)
	}
	return fields
}

// RegisterRecorderStatusServer registers srv on s.
func RegisterRecorderStatusServer(s grpc.ServiceRegistrar, srv RecorderStatusServer) {
	s.RegisterService(&recorderStatusServiceDesc, srv)
}

var recorderStatusServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*RecorderStatusServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "ListParameters", Handler: listParametersHandler},
		{MethodName: "GetParameter", Handler: getParameterHandler},
	},
	Streams: []grpc.StreamDesc{},
}

func listParametersHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(RecorderStatusServer).ListParameters(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: listParametersMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(RecorderStatusServer).ListParameters(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

func getParameterHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.StringValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(RecorderStatusServer).GetParameter(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: getParameterMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(RecorderStatusServer).GetParameter(ctx, req.(*wrapperspb.StringValue))
	}
	return interceptor(ctx, in, info, handler)
}

// StatusClient calls a remote status service.
type StatusClient struct {
	cc grpc.ClientConnInterface
}

func NewStatusClient(cc grpc.ClientConnInterface) *StatusClient {
	return &StatusClient{cc: cc}
}

func (c *StatusClient) ListParameters(ctx context.Context, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, listParametersMethod, &emptypb.Empty{}, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *StatusClient) GetParameter(ctx context.Context, ref string, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, getParameterMethod, wrapperspb.String(ref), out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
