package directory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fkirchmann/ProductionPilot/internal/types"
)

type fakeLister struct {
	mu     sync.Mutex
	params []types.Parameter
	err    error
}

func (f *fakeLister) ListParameters(context.Context) ([]types.Parameter, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return append([]types.Parameter(nil), f.params...), nil
}

func (f *fakeLister) set(params ...types.Parameter) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.params = params
	f.err = nil
}

type recordingHandler struct {
	mu     sync.Mutex
	events []string
}

func (h *recordingHandler) add(e string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, e)
}

func (h *recordingHandler) ParameterCreated(p types.Parameter)    { h.add("created " + string(p.ID)) }
func (h *recordingHandler) ParameterUpdated(p types.Parameter)    { h.add("updated " + string(p.ID)) }
func (h *recordingHandler) ParameterDeleted(id types.ParameterID) { h.add("deleted " + string(id)) }

func (h *recordingHandler) take() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	events := h.events
	h.events = nil
	return events
}

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func parameter(id string, updated time.Time) types.Parameter {
	return types.Parameter{ID: types.ParameterID(id), Name: id, NodeAddress: "ns=2;i=1", SamplingInterval: time.Second, UpdatedAt: updated}
}

func TestLoadDoesNotNotify(t *testing.T) {
	lister := &fakeLister{}
	lister.set(parameter("a", t0), parameter("b", t0))
	handler := &recordingHandler{}
	d := New(lister, handler, Config{}, nil)

	params, err := d.Load(context.Background())
	require.NoError(t, err)
	assert.Len(t, params, 2)
	assert.Empty(t, handler.take())

	require.NoError(t, d.Poll(context.Background()))
	assert.Empty(t, handler.take())
}

func TestPollReportsDifferences(t *testing.T) {
	ctx := context.Background()
	lister := &fakeLister{}
	lister.set(parameter("a", t0), parameter("b", t0))
	handler := &recordingHandler{}
	d := New(lister, handler, Config{}, nil)
	_, err := d.Load(ctx)
	require.NoError(t, err)

	lister.set(parameter("b", t0.Add(time.Second)), parameter("c", t0))
	require.NoError(t, d.Poll(ctx))
	assert.Equal(t, []string{"deleted a", "updated b", "created c"}, handler.take())

	// an unchanged listing is quiet
	require.NoError(t, d.Poll(ctx))
	assert.Empty(t, handler.take())
}

func TestPollErrorKeepsBaseline(t *testing.T) {
	ctx := context.Background()
	lister := &fakeLister{}
	lister.set(parameter("a", t0))
	handler := &recordingHandler{}
	d := New(lister, handler, Config{}, nil)
	_, err := d.Load(ctx)
	require.NoError(t, err)

	boom := errors.New("database locked")
	lister.mu.Lock()
	lister.err = boom
	lister.mu.Unlock()
	assert.ErrorIs(t, d.Poll(ctx), boom)
	assert.Empty(t, handler.take())

	lister.set(parameter("a", t0))
	require.NoError(t, d.Poll(ctx))
	assert.Empty(t, handler.take())
}

func TestRunPollsUntilCancelled(t *testing.T) {
	lister := &fakeLister{}
	handler := &recordingHandler{}
	d := New(lister, handler, Config{PollInterval: 5 * time.Millisecond}, nil)
	_, err := d.Load(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	lister.set(parameter("x", t0))
	var seen []string
	require.Eventually(t, func() bool {
		seen = append(seen, handler.take()...)
		return len(seen) > 0
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"created x"}, seen)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestNewDefaultsPollInterval(t *testing.T) {
	d := New(&fakeLister{}, &recordingHandler{}, Config{}, nil)
	if d.interval != DefaultPollInterval {
		t.Errorf("interval = %v, want %v", d.interval, DefaultPollInterval)
	}
	d = New(&fakeLister{}, &recordingHandler{}, Config{PollInterval: -time.Second}, nil)
	if d.interval != DefaultPollInterval {
		t.Errorf("negative interval = %v, want %v", d.interval, DefaultPollInterval)
	}
}
