package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/mircdj/rest-sync-lite/internal/eventbus"
	"github.com/mircdj/rest-sync-lite/internal/obs"
)

// Persister is the durable-storage dependency a Manager drains through.
// internal/store.Store satisfies this interface; it is declared here
// (rather than imported) so this package stays independent of the
// concrete storage backend.
type Persister interface {
	Add(ctx context.Context, r *QueuedRequest) error
	Get(ctx context.Context, id int64) (*QueuedRequest, error)
	GetByRequestID(ctx context.Context, requestID string) (*QueuedRequest, error)
	PeekNext(ctx context.Context, now time.Time) (*QueuedRequest, error)
	ListAll(ctx context.Context) ([]*QueuedRequest, error)
	Update(ctx context.Context, r *QueuedRequest) error
	Remove(ctx context.Context, id int64) error
	Count() int
}

// Manager is the Queue Manager: it owns enqueue/peek/cancel operations
// against the durable store and emits lifecycle events, leaving the
// actual HTTP replay loop to the sync engine.
type Manager struct {
	store Persister
	bus   *eventbus.Bus
}

// New constructs a Manager backed by store, emitting events on bus.
func New(store Persister, bus *eventbus.Bus) *Manager {
	return &Manager{store: store, bus: bus}
}

// Enqueue persists r and emits QueueUpdate.
func (m *Manager) Enqueue(ctx context.Context, r *QueuedRequest) error {
	if err := m.store.Add(ctx, r); err != nil {
		return fmt.Errorf("queue: enqueue: %w", err)
	}
	obs.RequestsEnqueued.Inc()
	m.emitUpdate()
	return nil
}

// PeekNext returns the next request ready for delivery without removing
// it, honoring priority-then-FIFO ordering and any scheduled backoff.
func (m *Manager) PeekNext(ctx context.Context) (*QueuedRequest, error) {
	return m.store.PeekNext(ctx, time.Now())
}

// MarkSucceeded removes a successfully delivered request and emits
// RequestSuccess / QueueUpdate (and QueueEmpty when the queue drains).
func (m *Manager) MarkSucceeded(ctx context.Context, r *QueuedRequest) error {
	if err := m.store.Remove(ctx, r.ID); err != nil {
		return fmt.Errorf("queue: mark succeeded: %w", err)
	}
	m.bus.Emit(eventbus.Event{Kind: eventbus.RequestSuccess, Data: r.RequestID})
	m.emitUpdate()
	return nil
}

// MarkFailed removes a request that exhausted retries or hit a permanent
// error, and emits RequestError / QueueUpdate. The row is removed while
// still in a pending/retrying status so the store's pending-count
// invariant is maintained; it is never persisted in a terminal "failed"
// state since it leaves the store entirely.
func (m *Manager) MarkFailed(ctx context.Context, r *QueuedRequest, cause error) error {
	r.Status = StatusFailed
	r.LastError = cause.Error()
	if err := m.store.Remove(ctx, r.ID); err != nil {
		return fmt.Errorf("queue: remove failed request: %w", err)
	}
	m.bus.Emit(eventbus.Event{Kind: eventbus.RequestError, Data: map[string]string{
		"request_id": r.RequestID,
		"error":      cause.Error(),
	}})
	m.emitUpdate()
	return nil
}

// Reschedule updates a request for another attempt after delay and emits
// QueueUpdate.
func (m *Manager) Reschedule(ctx context.Context, r *QueuedRequest, delay time.Duration, cause error) error {
	next := time.Now().Add(delay)
	r.Status = StatusRetrying
	r.Attempts++
	r.NextAttemptAt = &next
	if cause != nil {
		r.LastError = cause.Error()
	}
	if err := m.store.Update(ctx, r); err != nil {
		return fmt.Errorf("queue: reschedule: %w", err)
	}
	m.emitUpdate()
	return nil
}

// RetrySameEntry persists r (typically a rewritten Authorization header
// after a token refresh) without incrementing Attempts or changing
// NextAttemptAt, so the entry is retried on the very next peek at the
// same position in its priority class.
func (m *Manager) RetrySameEntry(ctx context.Context, r *QueuedRequest) error {
	if err := m.store.Update(ctx, r); err != nil {
		return fmt.Errorf("queue: retry same entry: %w", err)
	}
	return nil
}

// Cancel locates the request by its caller-supplied logical requestID
// and removes it. A request currently being sent is still pending and
// is removed as well. It returns ErrNotCancellable if the row is not in
// a pending/retrying status, or the lookup error if no such request
// exists.
func (m *Manager) Cancel(ctx context.Context, requestID string) error {
	r, err := m.store.GetByRequestID(ctx, requestID)
	if err != nil {
		return fmt.Errorf("queue: cancel: %w", err)
	}
	if r.Status != StatusPending && r.Status != StatusRetrying {
		return ErrNotCancellable
	}
	if err := m.store.Remove(ctx, r.ID); err != nil {
		return fmt.Errorf("queue: cancel: %w", err)
	}
	m.bus.Emit(eventbus.Event{Kind: eventbus.RequestCancelled, Data: r.RequestID})
	m.emitUpdate()
	return nil
}

// List returns every request currently tracked by the store, in drain
// order, for admin/inspection use.
func (m *Manager) List(ctx context.Context) ([]*QueuedRequest, error) {
	return m.store.ListAll(ctx)
}

// Count returns the number of pending/retrying requests.
func (m *Manager) Count() int {
	return m.store.Count()
}

func (m *Manager) emitUpdate() {
	size := m.store.Count()
	obs.QueueSize.Set(float64(size))
	m.bus.Emit(eventbus.Event{Kind: eventbus.QueueUpdate, Data: size})
	if size == 0 {
		m.bus.Emit(eventbus.Event{Kind: eventbus.QueueEmpty})
	}
}

// ErrNotCancellable is returned by Cancel when the stored row is in a
// status other than pending or retrying.
var ErrNotCancellable = fmt.Errorf("queue: request is no longer cancellable")
