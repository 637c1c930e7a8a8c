package connection

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gopcua/opcua/ua"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fkirchmann/ProductionPilot/internal/metric"
	"github.com/fkirchmann/ProductionPilot/internal/opc"
	"github.com/fkirchmann/ProductionPilot/internal/opc/opctest"
	"github.com/fkirchmann/ProductionPilot/internal/subscription"
)

// scriptedDial fails a number of times, then hands out the given clients in order.
type scriptedDial struct {
	mu       sync.Mutex
	failures int
	clients  []*opctest.Client
	calls    int
}

func (d *scriptedDial) dial(ctx context.Context) (opc.Client, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	if d.failures > 0 {
		d.failures--
		return nil, errors.New("connection refused")
	}
	if len(d.clients) == 0 {
		return nil, errors.New("no more clients")
	}
	c := d.clients[0]
	d.clients = d.clients[1:]
	return c, nil
}

func newTestConnection(d *scriptedDial) (*Connection, *subscription.Manager, *metric.Metrics) {
	metrics := metric.New(nil)
	mgr := subscription.NewManager(subscription.Config{RetryDelay: time.Millisecond}, nil, metrics)
	conn := New(d.dial, mgr, Config{RetryInterval: time.Millisecond}, nil, metrics)
	return conn, mgr, metrics
}

func TestConnection_RetriesUntilConnected(t *testing.T) {
	client := opctest.NewClient()
	d := &scriptedDial{failures: 3, clients: []*opctest.Client{client}}
	conn, mgr, metrics := newTestConnection(d)

	var mu sync.Mutex
	var states []bool
	conn.OnStateChange(func(up bool) {
		mu.Lock()
		defer mu.Unlock()
		states = append(states, up)
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- conn.Run(ctx) }()

	require.Eventually(t, conn.Connected, 2*time.Second, time.Millisecond)
	assert.Equal(t, opc.Client(client), mgr.Client())
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.ConnectionUp))
	assert.Equal(t, 3.0, testutil.ToFloat64(metrics.ConnectionAttempts.WithLabelValues("error")))

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
	assert.False(t, conn.Connected())
	assert.Nil(t, mgr.Client())
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.ConnectionUp))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []bool{true, false}, states)
}

func TestConnection_ReconnectsAfterLoss(t *testing.T) {
	first, second := opctest.NewClient(), opctest.NewClient()
	d := &scriptedDial{clients: []*opctest.Client{first, second}}
	conn, mgr, _ := newTestConnection(d)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = conn.Run(ctx) }()

	require.Eventually(t, func() bool { return mgr.Client() == opc.Client(first) }, 2*time.Second, time.Millisecond)
	first.Disconnect()
	require.Eventually(t, func() bool { return mgr.Client() == opc.Client(second) }, 2*time.Second, time.Millisecond)
}

func TestConnection_FacadeWithoutSession(t *testing.T) {
	conn, _, _ := newTestConnection(&scriptedDial{})
	ctx := context.Background()

	_, err := conn.Read(ctx, conn.Root())
	assert.ErrorIs(t, err, opc.ErrNotConnected)
	_, err = conn.Root().Children(ctx)
	assert.ErrorIs(t, err, opc.ErrNotConnected)
	_, err = conn.Node(ctx, "ns=2;s=X")
	assert.ErrorIs(t, err, opc.ErrNotConnected)

	short, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, conn.WaitConnected(short), opc.ErrNotConnected)
}

func TestConnection_BrowseAndRead(t *testing.T) {
	client := opctest.NewClient()
	line := opc.MustParseNodeID("ns=2;s=Line1")
	speed := opc.MustParseNodeID("ns=2;s=Line1.Speed")
	client.Children[opc.ObjectsFolder().String()] = []opc.Reference{{ID: line, Name: "Line1", Type: opc.TypeObject}}
	client.Children[line.String()] = []opc.Reference{{ID: speed, Name: "Speed", Type: opc.TypeDouble}}
	client.Types[speed.String()] = opc.TypeDouble
	client.Values[speed.String()] = &ua.DataValue{Value: ua.MustVariant(float32(1.5))}

	conn, _, _ := newTestConnection(&scriptedDial{clients: []*opctest.Client{client}})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = conn.Run(ctx) }()
	require.NoError(t, conn.WaitConnected(ctx))

	var paths []string
	err := conn.Root().Walk(ctx, -1, func(_ int, n *opc.Node) error {
		paths = append(paths, n.Path())
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"Line1", "Line1/Speed"}, paths)

	node, err := conn.Node(ctx, " ns=2;s=Line1.Speed ")
	require.NoError(t, err)
	assert.Equal(t, opc.TypeDouble, node.Type())

	v, err := conn.Read(ctx, node)
	require.NoError(t, err)
	require.NotNil(t, v)
	assert.Equal(t, opc.DoubleValue(1.5), v.Value)

	missing, err := conn.Node(ctx, "ns=2;s=Nope")
	require.NoError(t, err)
	assert.Equal(t, opc.TypeNotFound, missing.Type())

	_, err = conn.Node(ctx, "garbage")
	assert.ErrorIs(t, err, opc.ErrInvalidAddress)
}
