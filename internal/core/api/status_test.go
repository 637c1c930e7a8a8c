package api

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/fkirchmann/ProductionPilot/internal/opc"
	"github.com/fkirchmann/ProductionPilot/internal/recording"
	"github.com/fkirchmann/ProductionPilot/internal/types"
)

type fakeSource struct {
	statuses []recording.ParameterStatus
}

func (f *fakeSource) Status(id types.ParameterID) (recording.ParameterStatus, bool) {
	for _, st := range f.statuses {
		if st.Parameter.ID == id {
			return st, true
		}
	}
	return recording.ParameterStatus{}, false
}

func (f *fakeSource) ListStatus() []recording.ParameterStatus { return f.statuses }

var (
	ovenID  = types.NewParameterID()
	speedID = types.NewParameterID()
)

func newFakeSource() *fakeSource {
	at := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	return &fakeSource{statuses: []recording.ParameterStatus{
		{
			Parameter: types.Parameter{ID: ovenID, Name: "Oven", Identifier: "oven.temp", NodeAddress: "ns=2;s=Oven", SamplingInterval: time.Second},
			Status:    opc.StatusGood,
			NodeType:  opc.TypeDouble,
			Bound:     true,
			LastValue: &opc.MeasuredValue{Status: opc.StatusGood, Value: opc.DoubleValue(180.5), ClientTime: at},
			Updates:   12,
			LastMeasurement: &types.Measurement{
				ParameterID: ovenID, ClientTime: at,
			},
			Measurements: 7,
		},
		{
			Parameter: types.Parameter{ID: speedID, Name: "Speed", NodeAddress: "ns=2;i=9", SamplingInterval: 100 * time.Millisecond},
			Status:    opc.StatusBadUnexpectedError,
			NodeType:  opc.TypeUndetermined,
		},
	}}
}

func TestListParameters(t *testing.T) {
	svc := NewStatusService(newFakeSource())

	out, err := svc.ListParameters(context.Background(), &emptypb.Empty{})
	require.NoError(t, err)

	list := out.GetFields()["parameters"].GetListValue().GetValues()
	require.Len(t, list, 2)

	oven := list[0].GetStructValue().GetFields()
	assert.Equal(t, string(ovenID), oven["id"].GetStringValue())
	assert.Equal(t, "Good", oven["status"].GetStringValue())
	assert.True(t, oven["status_good"].GetBoolValue())
	assert.Equal(t, "double", oven["node_type"].GetStringValue())
	assert.Equal(t, 180.5, oven["last_value"].GetNumberValue())
	assert.Equal(t, float64(12), oven["updates"].GetNumberValue())
	assert.Equal(t, float64(7), oven["measurements"].GetNumberValue())
	assert.Equal(t, "2024-05-01T08:00:00Z", oven["last_measurement_time"].GetStringValue())

	speed := list[1].GetStructValue().GetFields()
	assert.Equal(t, float64(0x80010000), speed["status_code"].GetNumberValue())
	assert.False(t, speed["bound"].GetBoolValue())
	_, isNull := speed["last_value"].GetKind().(*structpb.Value_NullValue)
	assert.True(t, isNull)
	assert.NotContains(t, speed, "last_measurement_time")
}

func TestGetParameter(t *testing.T) {
	svc := NewStatusService(newFakeSource())
	ctx := context.Background()

	tests := []struct {
		name     string
		ref      string
		wantCode codes.Code
		wantName string
	}{
		{name: "by id", ref: string(speedID), wantCode: codes.OK, wantName: "Speed"},
		{name: "by identifier", ref: "oven.temp", wantCode: codes.OK, wantName: "Oven"},
		{name: "unknown identifier", ref: "nope", wantCode: codes.NotFound},
		{name: "unknown id", ref: string(types.NewParameterID()), wantCode: codes.NotFound},
		{name: "empty", ref: "  ", wantCode: codes.InvalidArgument},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := svc.GetParameter(ctx, wrapperspb.String(tt.ref))
			assert.Equal(t, tt.wantCode, status.Code(err))
			if tt.wantCode == codes.OK {
				assert.Equal(t, tt.wantName, out.GetFields()["name"].GetStringValue())
			}
		})
	}
}

func TestStatusOverGRPC(t *testing.T) {
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	RegisterRecorderStatusServer(srv, NewStatusService(newFakeSource()))
	go srv.Serve(lis)
	defer srv.Stop()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client := NewStatusClient(conn)

	list, err := client.ListParameters(ctx)
	require.NoError(t, err)
	assert.Len(t, list.GetFields()["parameters"].GetListValue().GetValues(), 2)

	one, err := client.GetParameter(ctx, "oven.temp")
	require.NoError(t, err)
	assert.Equal(t, string(ovenID), one.GetFields()["id"].GetStringValue())

	_, err = client.GetParameter(ctx, "missing")
	assert.Equal(t, codes.NotFound, status.Code(err))
}
