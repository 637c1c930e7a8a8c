package uaclient

import (
	"errors"
	"fmt"
	"log/slog"
	"testing"

	"github.com/gopcua/opcua"
	"github.com/gopcua/opcua/ua"

	"github.com/fkirchmann/ProductionPilot/internal/opc"
)

func TestSelectEndpoint(t *testing.T) {
	signed := &ua.EndpointDescription{
		EndpointURL:       "opc.tcp://plc:4840/signed",
		SecurityPolicyURI: ua.SecurityPolicyURIBasic256Sha256,
		SecurityMode:      ua.MessageSecurityModeSignAndEncrypt,
	}
	policyOnly := &ua.EndpointDescription{
		EndpointURL:       "opc.tcp://plc:4840/mixed",
		SecurityPolicyURI: ua.SecurityPolicyURINone,
		SecurityMode:      ua.MessageSecurityModeSignAndEncrypt,
	}
	open := &ua.EndpointDescription{
		EndpointURL:       "opc.tcp://plc:4840/open",
		SecurityPolicyURI: ua.SecurityPolicyURINone,
		SecurityMode:      ua.MessageSecurityModeNone,
	}

	tests := []struct {
		name      string
		endpoints []*ua.EndpointDescription
		want      *ua.EndpointDescription
	}{
		{name: "none", endpoints: nil, want: nil},
		{name: "only secured", endpoints: []*ua.EndpointDescription{signed, policyOnly}, want: nil},
		{name: "unsecured after secured", endpoints: []*ua.EndpointDescription{signed, policyOnly, open}, want: open},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := selectEndpoint(tt.endpoints); got != tt.want {
				t.Errorf("selectEndpoint() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestOverrideHost(t *testing.T) {
	tests := []struct {
		name     string
		endpoint string
		host     string
		want     string
		wantErr  bool
	}{
		{name: "keeps port and path", endpoint: "opc.tcp://plc-internal:4840/server", host: "10.0.0.5", want: "opc.tcp://10.0.0.5:4840/server"},
		{name: "no port", endpoint: "opc.tcp://plc-internal/server", host: "gateway", want: "opc.tcp://gateway/server"},
		{name: "ipv6 host", endpoint: "opc.tcp://plc:4840", host: "::1", want: "opc.tcp://[::1]:4840"},
		{name: "unparsable", endpoint: "://plc", host: "gateway", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := overrideHost(tt.endpoint, tt.host)
			if (err != nil) != tt.wantErr {
				t.Fatalf("overrideHost() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("overrideHost() = %q, want %q", got, tt.want)
			}
		})
	}
}

func nodeClass(c ua.NodeClass) *ua.DataValue {
	return &ua.DataValue{Value: ua.MustVariant(int32(c)), Status: ua.StatusOK}
}

func dataType(id *ua.NodeID) *ua.DataValue {
	return &ua.DataValue{Value: ua.MustVariant(id), Status: ua.StatusOK}
}

func TestResolveType(t *testing.T) {
	double := ua.NewNumericNodeID(0, uint32(ua.TypeIDDouble))

	tests := []struct {
		name     string
		class    *ua.DataValue
		dataType *ua.DataValue
		want     opc.NodeType
	}{
		{name: "missing class", class: nil, want: opc.TypeNotFound},
		{name: "unknown node", class: &ua.DataValue{Status: ua.StatusBadNodeIDUnknown}, want: opc.TypeNotFound},
		{name: "class of wrong type", class: &ua.DataValue{Value: ua.MustVariant("Variable"), Status: ua.StatusOK}, want: opc.TypeNotFound},
		{name: "object", class: nodeClass(ua.NodeClassObject), dataType: &ua.DataValue{Status: ua.StatusBadAttributeIDInvalid}, want: opc.TypeObject},
		{name: "method", class: nodeClass(ua.NodeClassMethod), want: opc.TypeObject},
		{name: "double variable", class: nodeClass(ua.NodeClassVariable), dataType: dataType(double), want: opc.TypeDouble},
		{name: "boolean variable", class: nodeClass(ua.NodeClassVariable), dataType: dataType(ua.NewNumericNodeID(0, uint32(ua.TypeIDBoolean))), want: opc.TypeBoolean},
		{name: "variable without data type", class: nodeClass(ua.NodeClassVariable), dataType: &ua.DataValue{Status: ua.StatusBadNotReadable}, want: opc.TypeOther},
		{name: "data type of wrong type", class: nodeClass(ua.NodeClassVariable), dataType: &ua.DataValue{Value: ua.MustVariant(int32(11)), Status: ua.StatusOK}, want: opc.TypeOther},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := resolveType(tt.class, tt.dataType); got != tt.want {
				t.Errorf("resolveType() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantKind   opc.FaultKind
		wantStatus ua.StatusCode
	}{
		{name: "publish timeout", err: ua.StatusBadTimeout, wantKind: opc.FaultWatchdog, wantStatus: ua.StatusBadTimeout},
		{name: "wrapped timeout", err: fmt.Errorf("publish: %w", ua.StatusBadTimeout), wantKind: opc.FaultWatchdog, wantStatus: ua.StatusBadTimeout},
		{name: "sequence gap", err: ua.StatusBadSequenceNumberUnknown, wantKind: opc.FaultDataLost, wantStatus: ua.StatusBadSequenceNumberUnknown},
		{name: "message gone", err: ua.StatusBadMessageNotAvailable, wantKind: opc.FaultDataLost, wantStatus: ua.StatusBadMessageNotAvailable},
		{name: "subscription gone", err: ua.StatusBadSubscriptionIDInvalid, wantKind: opc.FaultTransferFailed, wantStatus: ua.StatusBadSubscriptionIDInvalid},
		{name: "not a status", err: errors.New("connection reset"), wantKind: opc.FaultTransferFailed, wantStatus: ua.StatusBad},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			kind, status := classify(tt.err)
			if kind != tt.wantKind || status != tt.wantStatus {
				t.Errorf("classify() = (%s, %v), want (%s, %v)", kind, status, tt.wantKind, tt.wantStatus)
			}
		})
	}
}

type value struct {
	handle uint32
	dv     *ua.DataValue
}

type fault struct {
	kind   opc.FaultKind
	status ua.StatusCode
}

type recordingHandler struct {
	values []value
	faults []fault
}

func (h *recordingHandler) OnValue(_ opc.Group, handle uint32, dv *ua.DataValue) {
	h.values = append(h.values, value{handle, dv})
}

func (h *recordingHandler) OnFault(_ opc.Group, kind opc.FaultKind, status ua.StatusCode) {
	h.faults = append(h.faults, fault{kind, status})
}

func testGroup() *group {
	return &group{
		client: &Client{logger: slog.New(slog.DiscardHandler)},
		sub:    &opcua.Subscription{SubscriptionID: 7},
		stop:   make(chan struct{}),
	}
}

func TestGroupHandle(t *testing.T) {
	first := &ua.DataValue{Value: ua.MustVariant(1.5), Status: ua.StatusOK}
	second := &ua.DataValue{Status: ua.StatusBadSensorFailure}

	tests := []struct {
		name       string
		msg        *opcua.PublishNotificationData
		wantValues []value
		wantFaults []fault
	}{
		{
			name: "data change",
			msg: &opcua.PublishNotificationData{Value: &ua.DataChangeNotification{
				MonitoredItems: []*ua.MonitoredItemNotification{
					{ClientHandle: 0, Value: first},
					nil,
					{ClientHandle: 3, Value: second},
				},
			}},
			wantValues: []value{{0, first}, {3, second}},
		},
		{
			name:       "status change",
			msg:        &opcua.PublishNotificationData{Value: &ua.StatusChangeNotification{Status: ua.StatusBadTimeout}},
			wantFaults: []fault{{opc.FaultStatusChanged, ua.StatusBadTimeout}},
		},
		{
			name:       "publish error",
			msg:        &opcua.PublishNotificationData{Error: ua.StatusBadSequenceNumberUnknown},
			wantFaults: []fault{{opc.FaultDataLost, ua.StatusBadSequenceNumberUnknown}},
		},
		{
			name: "event notification",
			msg:  &opcua.PublishNotificationData{Value: &ua.EventNotificationList{}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := &recordingHandler{}
			testGroup().handle(tt.msg, h)

			if len(h.values) != len(tt.wantValues) {
				t.Fatalf("values = %v, want %v", h.values, tt.wantValues)
			}
			for i := range h.values {
				if h.values[i] != tt.wantValues[i] {
					t.Errorf("value %d = %v, want %v", i, h.values[i], tt.wantValues[i])
				}
			}
			if len(h.faults) != len(tt.wantFaults) {
				t.Fatalf("faults = %v, want %v", h.faults, tt.wantFaults)
			}
			for i := range h.faults {
				if h.faults[i] != tt.wantFaults[i] {
					t.Errorf("fault %d = %v, want %v", i, h.faults[i], tt.wantFaults[i])
				}
			}
		})
	}
}

func TestGroupDispatchStopsOnDelete(t *testing.T) {
	g := testGroup()
	g.client.done = make(chan struct{})
	h := &recordingHandler{}
	ch := make(chan *opcua.PublishNotificationData)

	finished := make(chan struct{})
	go func() {
		defer close(finished)
		g.dispatch(ch, h)
	}()
	ch <- &opcua.PublishNotificationData{Value: &ua.StatusChangeNotification{Status: ua.StatusBadTimeout}}
	g.stopOnce.Do(func() { close(g.stop) })
	<-finished

	if len(h.faults) != 1 {
		t.Errorf("faults = %v, want one status change", h.faults)
	}
}
