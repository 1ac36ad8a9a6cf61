// Package mediator implements the public request-mediator facade: it
// decides whether an outbound HTTP call goes out directly or is
// durably enqueued for later replay, and synthesizes a deferred-
// acceptance response when it enqueues.
package mediator

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/mircdj/rest-sync-lite/internal/eventbus"
	"github.com/mircdj/rest-sync-lite/internal/idgen"
	"github.com/mircdj/rest-sync-lite/internal/network"
	"github.com/mircdj/rest-sync-lite/internal/queue"
	"github.com/mircdj/rest-sync-lite/internal/syncengine"
	"go.uber.org/zap"
)

// Response is the shape returned by Send, whether it came from the
// platform's HTTP round trip or was synthesized locally for a deferred
// acceptance.
type Response struct {
	StatusCode int
	StatusText string
	Header     http.Header
	Body       []byte
}

// SendOptions carries the two queue-only options that are stripped
// before any outbound HTTP call: Priority and a caller-supplied ID.
type SendOptions struct {
	Priority queue.Priority
	ID       string
	MaxRetries int
}

// HeaderInput is the sum type Send accepts for headers: a native
// http.Header, a flat string map, or ordered name/value pairs.
type HeaderInput interface{}

// NormalizeHeaders accepts http.Header, map[string]string, or [][2]string
// pairs and returns an http.Header. Header names keep exactly the casing
// the caller supplied: http.Header.Set/Add canonicalize a key via
// textproto.CanonicalMIMEHeaderKey, so every branch here assigns into the
// map directly instead, per the case-preserved-as-given requirement. Any
// other input shape is an error.
func NormalizeHeaders(input HeaderInput) (http.Header, error) {
	switch v := input.(type) {
	case nil:
		return http.Header{}, nil
	case http.Header:
		return v.Clone(), nil
	case map[string]string:
		h := http.Header{}
		for k, val := range v {
			h[k] = []string{val}
		}
		return h, nil
	case [][2]string:
		h := http.Header{}
		for _, pair := range v {
			h[pair[0]] = append(h[pair[0]], pair[1])
		}
		return h, nil
	default:
		return nil, fmt.Errorf("mediator: unsupported header shape %T", input)
	}
}

// Manager is the slice of queue.Manager the mediator enqueues through.
type Manager interface {
	Enqueue(ctx context.Context, r *queue.QueuedRequest) error
	Cancel(ctx context.Context, requestID string) error
	List(ctx context.Context) ([]*queue.QueuedRequest, error)
	Count() int
}

// BackgroundSyncRegistrar registers a replay trigger for when the host
// environment regains connectivity after the process that enqueued a
// request has gone away (mirrors the platform's background-sync API).
type BackgroundSyncRegistrar func(ctx context.Context, tag string) error

// Mediator is the facade: Send, SyncNow, CancelRequest, ListQueue, and
// the live isOnline/isSyncing/queueSize reads.
type Mediator struct {
	client   *http.Client
	queue    Manager
	engine   *syncengine.Engine
	monitor  *network.Monitor
	bus      *eventbus.Bus
	log      *zap.Logger
	syncTag  string
	registrar BackgroundSyncRegistrar
	syncing  bool
}

// New builds a Mediator. registrar may be nil, in which case
// background-sync registration is skipped (the foreground drainer
// remains the fallback, per design).
func New(client *http.Client, q Manager, engine *syncengine.Engine, monitor *network.Monitor, bus *eventbus.Bus, log *zap.Logger, syncTag string, registrar BackgroundSyncRegistrar) *Mediator {
	if client == nil {
		client = http.DefaultClient
	}
	return &Mediator{
		client:    client,
		queue:     q,
		engine:    engine,
		monitor:   monitor,
		bus:       bus,
		log:       log,
		syncTag:   syncTag,
		registrar: registrar,
	}
}

// Send decides whether to issue url/method directly or enqueue it for
// replay. Priority and ID in opts are queue-only and never reach the
// wire. Send returns an error when headers has an unsupported shape, when
// body cannot be serialized, or when persisting the request for replay
// fails; a 5xx or transport failure while online is folded into a
// deferred-acceptance response rather than propagated.
func (m *Mediator) Send(ctx context.Context, method, url string, headers HeaderInput, body interface{}, opts SendOptions) (*Response, error) {
	method = strings.ToUpper(method)
	hdrs, err := NormalizeHeaders(headers)
	if err != nil {
		return nil, err
	}
	encodedBody, err := idgen.SerializeBody(body)
	if err != nil {
		return nil, err
	}

	online := m.monitor == nil || m.monitor.IsReachable()
	if online {
		resp, sendErr := m.attemptDirect(ctx, method, url, hdrs, encodedBody)
		if sendErr == nil && resp.StatusCode < 500 {
			return resp, nil
		}
		// 5xx or transport failure while online: fall through to enqueue,
		// offline-registration is skipped since reachability wasn't the cause.
		return m.enqueueAndRespond(ctx, method, url, hdrs, encodedBody, opts, false)
	}
	return m.enqueueAndRespond(ctx, method, url, hdrs, encodedBody, opts, true)
}

func (m *Mediator) attemptDirect(ctx context.Context, method, url string, headers http.Header, body idgen.Body) (*Response, error) {
	var reader io.Reader
	if body.Kind != idgen.BodyEmpty {
		reader = strings.NewReader(string(body.Data))
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, err
	}
	req.Header = headers.Clone()
	if body.ContentType != "" && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", body.ContentType)
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	return &Response{StatusCode: resp.StatusCode, StatusText: resp.Status, Header: resp.Header, Body: respBody}, nil
}

func (m *Mediator) enqueueAndRespond(ctx context.Context, method, url string, headers http.Header, body idgen.Body, opts SendOptions, becauseOffline bool) (*Response, error) {
	id := opts.ID
	if id == "" {
		id = idgen.NewID()
	}
	priority := opts.Priority

	r := &queue.QueuedRequest{
		RequestID:  id,
		Method:     method,
		URL:        url,
		Headers:    headers,
		Body:       body,
		Priority:   priority,
		Status:     queue.StatusPending,
		MaxRetries: opts.MaxRetries,
	}
	if r.MaxRetries == 0 {
		r.MaxRetries = 5
	}

	if err := m.queue.Enqueue(ctx, r); err != nil {
		return nil, fmt.Errorf("mediator: enqueue: %w", err)
	}

	if becauseOffline && m.registrar != nil {
		if err := m.registrar(ctx, m.syncTag); err != nil {
			m.log.Warn("background sync registration failed", zap.Error(err), zap.String("tag", m.syncTag))
		}
	}

	envelope, _ := json.Marshal(map[string]interface{}{
		"status":  "queued",
		"offline": true,
		"id":      id,
	})
	return &Response{
		StatusCode: http.StatusAccepted,
		StatusText: "Accepted",
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Body:       envelope,
	}, nil
}

// SyncNow triggers an immediate drain. It is the same operation a
// background-sync wake-up performs in the worker context.
func (m *Mediator) SyncNow(ctx context.Context) error {
	m.syncing = true
	defer func() { m.syncing = false }()
	err := m.engine.Drain(ctx)
	if err == syncengine.ErrOffline {
		return nil
	}
	return err
}

// CancelRequest cancels a pending/retrying request by its logical
// request id. It returns false if no row with that id exists or the row
// is not in a pending/retrying status. A request the sync engine is
// currently sending is still pending and is removed; the in-flight send
// is not interrupted.
func (m *Mediator) CancelRequest(ctx context.Context, requestID string) bool {
	err := m.queue.Cancel(ctx, requestID)
	return err == nil
}

// ListQueue returns every currently queued request, in drain order.
func (m *Mediator) ListQueue(ctx context.Context) ([]*queue.QueuedRequest, error) {
	return m.queue.List(ctx)
}

// SetOfflineMode forces (or releases) the offline override on the
// underlying network monitor.
func (m *Mediator) SetOfflineMode(forced bool) {
	if m.monitor != nil {
		m.monitor.SetForcedOffline(forced)
	}
}

// IsOnline is a live read of the network monitor's current state.
func (m *Mediator) IsOnline() bool {
	return m.monitor == nil || m.monitor.IsReachable()
}

// IsSyncing reports whether a SyncNow call made through this Mediator is
// currently running. Drains the sync engine starts by itself on a
// reconnect are not reflected.
func (m *Mediator) IsSyncing() bool {
	return m.syncing
}

// BreakerState reports the sync engine's circuit breaker state, failure
// rate, and sample count, for admin/inspection surfaces.
func (m *Mediator) BreakerState() (state string, failureRate float64, samples int) {
	s, rate, n := m.engine.BreakerSnapshot()
	return s.String(), rate, n
}

// QueueSize is a live read of the number of pending/retrying requests.
func (m *Mediator) QueueSize() int {
	return m.queue.Count()
}
