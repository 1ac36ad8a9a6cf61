// Package syncengine drains the durable queue against the network: it
// pulls the next ready request, sends it with an HTTP client, classifies
// the outcome, and either removes it as delivered, reschedules it with
// backoff, or removes it as permanently failed. A circuit breaker shields the target
// from a sustained run of failures, and a RefreshTokenFunc lets callers
// recover from expired credentials mid-drain.
package syncengine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/mircdj/rest-sync-lite/internal/breaker"
	"github.com/mircdj/rest-sync-lite/internal/config"
	"github.com/mircdj/rest-sync-lite/internal/eventbus"
	"github.com/mircdj/rest-sync-lite/internal/idgen"
	"github.com/mircdj/rest-sync-lite/internal/network"
	"github.com/mircdj/rest-sync-lite/internal/obs"
	"github.com/mircdj/rest-sync-lite/internal/queue"
	"go.uber.org/zap"
)

// RefreshTokenFunc is called when a request fails with 401, giving the
// caller a chance to refresh credentials and have the request retried
// with an updated Authorization header. Returning an error causes the
// request to be classified as a permanent failure.
type RefreshTokenFunc func(ctx context.Context) (string, error)

// Outcome classifies the result of a single delivery attempt.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeTransient
	OutcomePermanent
	OutcomeAuthExpired
)

// Classify maps an HTTP status code (and transport error, if any) to an
// Outcome: 2xx is success; 429 and 5xx are transient; 401 is auth-expired;
// every other 4xx is permanent. A non-nil transport error (connection
// refused, timeout, DNS failure) is always transient.
func Classify(statusCode int, transportErr error) Outcome {
	if transportErr != nil {
		return OutcomeTransient
	}
	switch {
	case statusCode >= 200 && statusCode < 300:
		return OutcomeSuccess
	case statusCode == http.StatusUnauthorized:
		return OutcomeAuthExpired
	case statusCode == http.StatusTooManyRequests:
		return OutcomeTransient
	case statusCode >= 500:
		return OutcomeTransient
	case statusCode >= 400:
		return OutcomePermanent
	default:
		return OutcomePermanent
	}
}

// Manager is the minimal slice of queue.Manager the engine drains through.
type Manager interface {
	PeekNext(ctx context.Context) (*queue.QueuedRequest, error)
	MarkSucceeded(ctx context.Context, r *queue.QueuedRequest) error
	MarkFailed(ctx context.Context, r *queue.QueuedRequest, cause error) error
	Reschedule(ctx context.Context, r *queue.QueuedRequest, delay time.Duration, cause error) error
	RetrySameEntry(ctx context.Context, r *queue.QueuedRequest) error
}

// Engine drains a queue.Manager against the network, one request at a
// time, cooperatively: a single drain loop runs at once even if Drain is
// invoked from both a foreground call and a background-sync trigger.
type Engine struct {
	cfg     *config.Config
	queue   Manager
	client  *http.Client
	log     *zap.Logger
	cb      *breaker.CircuitBreaker
	bus     *eventbus.Bus
	monitor *network.Monitor
	refresh RefreshTokenFunc

	drainMu sync.Mutex
}

// Option configures an Engine at construction time.
type Option func(*Engine)

// WithRefreshToken registers a callback invoked on 401 responses.
func WithRefreshToken(fn RefreshTokenFunc) Option {
	return func(e *Engine) { e.refresh = fn }
}

// WithHTTPClient overrides the default *http.Client (useful for tests).
func WithHTTPClient(c *http.Client) Option {
	return func(e *Engine) { e.client = c }
}

// New builds an Engine. monitor may be nil, in which case the engine
// assumes it is always online and relies on transport errors alone. The
// Engine subscribes itself to bus's NetworkChange events so a transition
// to reachable always triggers a background drain, regardless of
// whether the caller also wires a manual trigger (e.g. a worker-role
// ticker, or platform background-sync registration).
func New(cfg *config.Config, q Manager, bus *eventbus.Bus, monitor *network.Monitor, log *zap.Logger, opts ...Option) *Engine {
	e := &Engine{
		cfg:     cfg,
		queue:   q,
		client:  &http.Client{Timeout: cfg.Sync.RequestTimeout},
		log:     log,
		cb:      breaker.New(cfg.CircuitBreaker.Window, cfg.CircuitBreaker.CooldownPeriod, cfg.CircuitBreaker.FailureThreshold, cfg.CircuitBreaker.MinSamples),
		bus:     bus,
		monitor: monitor,
	}
	for _, opt := range opts {
		opt(e)
	}
	if bus != nil {
		bus.Subscribe(eventbus.NetworkChange, e.onNetworkChange)
	}
	return e
}

// onNetworkChange triggers a background drain whenever the network
// monitor reports a transition to reachable. It runs the drain in its
// own goroutine since the event bus dispatches synchronously and a
// drain can run long; Drain's own drainMu keeps this safe to overlap
// with a caller-initiated SyncNow.
func (e *Engine) onNetworkChange(ev eventbus.Event) {
	reachable, ok := ev.Data.(bool)
	if !ok || !reachable {
		return
	}
	go func() {
		if err := e.Drain(context.Background()); err != nil && !errors.Is(err, ErrOffline) {
			e.log.Debug("background drain on reconnect ended", obs.Err(err))
		}
	}()
}

// ErrOffline is returned by Drain when the network monitor reports the
// device unreachable; the caller should wait for a NetworkChange event.
var ErrOffline = errors.New("syncengine: offline")

// Drain repeatedly sends the highest-priority ready request until the
// queue is empty, the context is cancelled, or the circuit breaker opens.
// Only one Drain runs at a time per Engine; a concurrent call blocks
// until the first returns, then observes an empty queue and returns
// immediately, which is safe because requests are durable.
func (e *Engine) Drain(ctx context.Context) error {
	e.drainMu.Lock()
	defer e.drainMu.Unlock()

	if e.monitor != nil && !e.monitor.IsReachable() {
		return ErrOffline
	}

	e.bus.Emit(eventbus.Event{Kind: eventbus.SyncStart})
	start := time.Now()
	defer func() {
		obs.SyncDuration.Observe(time.Since(start).Seconds())
		e.bus.Emit(eventbus.Event{Kind: eventbus.SyncEnd})
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if e.monitor != nil && !e.monitor.IsReachable() {
			return ErrOffline
		}
		if !e.cb.Allow() {
			return errBreakerOpen
		}

		req, err := e.queue.PeekNext(ctx)
		if err != nil {
			return fmt.Errorf("syncengine: peek: %w", err)
		}
		if req == nil {
			return nil
		}

		if err := e.attempt(ctx, req); err != nil {
			var rse *retryScheduledError
			if errors.As(err, &rse) {
				if rse.delay > 0 && !sleepCtx(ctx, rse.delay) {
					return ctx.Err()
				}
				continue
			}
			return err
		}
	}
}

var errBreakerOpen = errors.New("syncengine: circuit breaker open")

// retryScheduledError signals that attempt handled the failure itself
// (rescheduled it, or removed it as permanent) and Drain should keep
// looping rather than return. delay is how long Drain must wait before
// re-peeking so the same entry's next_attempt_at has actually elapsed;
// it is zero for a permanent failure or an auth-refresh retry, both of
// which leave the next item (or the same row, unscheduled) ready now.
type retryScheduledError struct{ delay time.Duration }

func (e *retryScheduledError) Error() string { return "syncengine: retry scheduled" }

// sleepCtx blocks for d or until ctx is cancelled, whichever comes
// first, returning false in the latter case.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (e *Engine) attempt(ctx context.Context, req *queue.QueuedRequest) error {
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, bodyReader(req.Body))
	if err != nil {
		return e.finishPermanent(ctx, req, err)
	}
	httpReq.Header = req.Headers.Clone()
	if req.Body.ContentType != "" && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", req.Body.ContentType)
	}

	resp, sendErr := e.client.Do(httpReq)
	statusCode := 0
	if resp != nil {
		statusCode = resp.StatusCode
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, resp.Body)
	}

	outcome := Classify(statusCode, sendErr)
	e.cb.Record(outcome != OutcomeTransient)
	e.reportBreakerState()

	switch outcome {
	case OutcomeSuccess:
		obs.RequestsSent.WithLabelValues("success").Inc()
		if err := e.queue.MarkSucceeded(ctx, req); err != nil {
			return fmt.Errorf("syncengine: mark succeeded: %w", err)
		}
		return nil

	case OutcomeAuthExpired:
		if e.refresh == nil {
			return e.finishPermanent(ctx, req, fmt.Errorf("syncengine: auth expired, no refresh configured"))
		}
		token, err := e.refresh(ctx)
		if err != nil {
			return e.finishPermanent(ctx, req, fmt.Errorf("syncengine: refresh token: %w", err))
		}
		req.Headers.Set("Authorization", token)
		if err := e.queue.RetrySameEntry(ctx, req); err != nil {
			return fmt.Errorf("syncengine: persist refreshed headers: %w", err)
		}
		e.log.Debug("retrying request after token refresh", obs.String("request_id", req.RequestID))
		return &retryScheduledError{}

	case OutcomeTransient:
		cause := sendErr
		if cause == nil {
			cause = fmt.Errorf("transient status %d", statusCode)
		}
		if req.Attempts+1 > req.MaxRetries {
			return e.finishPermanent(ctx, req, fmt.Errorf("syncengine: retries exhausted: %w", cause))
		}
		obs.RequestsSent.WithLabelValues("transient_error").Inc()
		return e.scheduleRetry(ctx, req, cause)

	default: // OutcomePermanent
		return e.finishPermanent(ctx, req, fmt.Errorf("syncengine: permanent status %d", statusCode))
	}
}

func (e *Engine) scheduleRetry(ctx context.Context, req *queue.QueuedRequest, cause error) error {
	delay := idgen.Backoff(req.Attempts+1, e.cfg.Sync.Backoff.Base, e.cfg.Sync.Backoff.Max)
	obs.RequestsRetried.Inc()
	if err := e.queue.Reschedule(ctx, req, delay, cause); err != nil {
		return fmt.Errorf("syncengine: reschedule: %w", err)
	}
	e.log.Debug("request rescheduled", obs.String("request_id", req.RequestID), obs.Int("attempts", req.Attempts), obs.Duration("delay", delay), obs.Err(cause))
	return &retryScheduledError{delay: delay}
}

func (e *Engine) finishPermanent(ctx context.Context, req *queue.QueuedRequest, cause error) error {
	obs.RequestsSent.WithLabelValues("permanent_error").Inc()
	if err := e.queue.MarkFailed(ctx, req, cause); err != nil {
		return fmt.Errorf("syncengine: mark failed: %w", err)
	}
	e.log.Warn("request permanently failed", obs.String("request_id", req.RequestID), obs.Err(cause))
	return &retryScheduledError{}
}

func (e *Engine) reportBreakerState() {
	state := e.cb.State()
	switch state {
	case breaker.Closed:
		obs.CircuitBreakerState.Set(0)
	case breaker.HalfOpen:
		obs.CircuitBreakerState.Set(1)
	case breaker.Open:
		obs.CircuitBreakerState.Set(2)
		obs.CircuitBreakerTrips.Inc()
		e.log.Warn("circuit breaker tripped", obs.String("state", state.String()))
	}
}

// BreakerSnapshot exposes the circuit breaker's current state, failure
// rate, and sample count for admin/inspection surfaces.
func (e *Engine) BreakerSnapshot() (breaker.State, float64, int) {
	return e.cb.Snapshot()
}

func bodyReader(body idgen.Body) io.Reader {
	if body.Kind == idgen.BodyEmpty {
		return nil
	}
	return bytes.NewReader(body.Data)
}
