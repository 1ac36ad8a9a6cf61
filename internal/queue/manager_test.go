package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mircdj/rest-sync-lite/internal/eventbus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	rows   map[int64]*QueuedRequest
	nextID int64
}

func newFakeStore() *fakeStore { return &fakeStore{rows: map[int64]*QueuedRequest{}, nextID: 1} }

func (f *fakeStore) Add(ctx context.Context, r *QueuedRequest) error {
	r.ID = f.nextID
	f.nextID++
	cp := *r
	f.rows[r.ID] = &cp
	return nil
}

func (f *fakeStore) Get(ctx context.Context, id int64) (*QueuedRequest, error) {
	r, ok := f.rows[id]
	if !ok {
		return nil, errors.New("not found")
	}
	cp := *r
	return &cp, nil
}

func (f *fakeStore) GetByRequestID(ctx context.Context, requestID string) (*QueuedRequest, error) {
	for _, r := range f.rows {
		if r.RequestID == requestID {
			cp := *r
			return &cp, nil
		}
	}
	return nil, errors.New("not found")
}

func (f *fakeStore) PeekNext(ctx context.Context, now time.Time) (*QueuedRequest, error) {
	var best *QueuedRequest
	for _, r := range f.rows {
		if r.Status != StatusPending && r.Status != StatusRetrying {
			continue
		}
		if r.NextAttemptAt != nil && r.NextAttemptAt.After(now) {
			continue
		}
		if best == nil || r.Priority < best.Priority || (r.Priority == best.Priority && r.ID < best.ID) {
			best = r
		}
	}
	if best == nil {
		return nil, nil
	}
	cp := *best
	return &cp, nil
}

func (f *fakeStore) ListAll(ctx context.Context) ([]*QueuedRequest, error) {
	var out []*QueuedRequest
	for _, r := range f.rows {
		cp := *r
		out = append(out, &cp)
	}
	return out, nil
}

func (f *fakeStore) Update(ctx context.Context, r *QueuedRequest) error {
	cp := *r
	f.rows[r.ID] = &cp
	return nil
}

func (f *fakeStore) Remove(ctx context.Context, id int64) error {
	delete(f.rows, id)
	return nil
}

func (f *fakeStore) Count() int {
	n := 0
	for _, r := range f.rows {
		if r.Status == StatusPending || r.Status == StatusRetrying {
			n++
		}
	}
	return n
}

func TestManager_EnqueuePeekFIFOWithinPriority(t *testing.T) {
	fs := newFakeStore()
	m := New(fs, eventbus.New())
	ctx := context.Background()

	first := &QueuedRequest{RequestID: "a", Priority: PriorityNormal, Status: StatusPending}
	second := &QueuedRequest{RequestID: "b", Priority: PriorityNormal, Status: StatusPending}
	require.NoError(t, m.Enqueue(ctx, first))
	require.NoError(t, m.Enqueue(ctx, second))

	next, err := m.PeekNext(ctx)
	require.NoError(t, err)
	assert.Equal(t, "a", next.RequestID)
}

func TestManager_PriorityPrecedesFIFO(t *testing.T) {
	fs := newFakeStore()
	m := New(fs, eventbus.New())
	ctx := context.Background()

	low := &QueuedRequest{RequestID: "low", Priority: PriorityLow, Status: StatusPending}
	require.NoError(t, m.Enqueue(ctx, low))
	high := &QueuedRequest{RequestID: "high", Priority: PriorityHigh, Status: StatusPending}
	require.NoError(t, m.Enqueue(ctx, high))

	next, err := m.PeekNext(ctx)
	require.NoError(t, err)
	assert.Equal(t, "high", next.RequestID)
}

func TestManager_CancelPendingSucceeds(t *testing.T) {
	fs := newFakeStore()
	bus := eventbus.New()
	cancelled := false
	bus.Subscribe(eventbus.RequestCancelled, func(eventbus.Event) { cancelled = true })
	m := New(fs, bus)
	ctx := context.Background()

	r := &QueuedRequest{RequestID: "x", Priority: PriorityNormal, Status: StatusPending}
	require.NoError(t, m.Enqueue(ctx, r))

	require.NoError(t, m.Cancel(ctx, r.RequestID))
	assert.True(t, cancelled)
	assert.Zero(t, m.Count())
}

func TestManager_CancelAfterTerminalFails(t *testing.T) {
	fs := newFakeStore()
	m := New(fs, eventbus.New())
	ctx := context.Background()

	r := &QueuedRequest{RequestID: "y", Priority: PriorityNormal, Status: StatusSucceeded}
	require.NoError(t, m.Enqueue(ctx, r))

	err := m.Cancel(ctx, r.RequestID)
	assert.ErrorIs(t, err, ErrNotCancellable)
}

func TestManager_QueueEmptyEmittedWhenDrained(t *testing.T) {
	fs := newFakeStore()
	bus := eventbus.New()
	emptied := false
	bus.Subscribe(eventbus.QueueEmpty, func(eventbus.Event) { emptied = true })
	m := New(fs, bus)
	ctx := context.Background()

	r := &QueuedRequest{RequestID: "z", Priority: PriorityNormal, Status: StatusPending}
	require.NoError(t, m.Enqueue(ctx, r))
	require.NoError(t, m.MarkSucceeded(ctx, r))

	assert.True(t, emptied)
}

func TestManager_Reschedule(t *testing.T) {
	fs := newFakeStore()
	m := New(fs, eventbus.New())
	ctx := context.Background()

	r := &QueuedRequest{RequestID: "retry-me", Priority: PriorityNormal, Status: StatusPending}
	require.NoError(t, m.Enqueue(ctx, r))

	require.NoError(t, m.Reschedule(ctx, r, 10*time.Millisecond, errors.New("timeout")))
	assert.Equal(t, StatusRetrying, r.Status)
	assert.Equal(t, 1, r.Attempts)
	assert.NotNil(t, r.NextAttemptAt)
}
