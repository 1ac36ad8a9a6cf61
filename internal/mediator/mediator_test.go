package mediator

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mircdj/rest-sync-lite/internal/config"
	"github.com/mircdj/rest-sync-lite/internal/eventbus"
	"github.com/mircdj/rest-sync-lite/internal/network"
	"github.com/mircdj/rest-sync-lite/internal/queue"
	"github.com/mircdj/rest-sync-lite/internal/store"
	"github.com/mircdj/rest-sync-lite/internal/syncengine"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newHarness(t *testing.T, prober network.Prober) (*Mediator, *store.Store, *network.Monitor) {
	t.Helper()
	s, err := store.Open(":memory:", time.Second, 1)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	bus := eventbus.New()
	monitor := network.New(bus, "http://example", time.Hour, time.Second, prober)
	qm := queue.New(s, bus)
	cfg := &config.Config{
		Sync: config.Sync{MaxRetries: 5, Backoff: config.Backoff{Base: 5 * time.Millisecond, Max: 10 * time.Millisecond}, RequestTimeout: time.Second},
		CircuitBreaker: config.CircuitBreaker{FailureThreshold: 0.9, Window: time.Minute, CooldownPeriod: time.Millisecond, MinSamples: 100},
	}
	engine := syncengine.New(cfg, qm, bus, monitor, zap.NewNop())
	m := New(http.DefaultClient, qm, engine, monitor, bus, zap.NewNop(), "rest-sync-queue", nil)
	return m, s, monitor
}

func TestMediator_OnlineSuccessPassesThrough(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte("created"))
	}))
	defer srv.Close()

	m, _, _ := newHarness(t, func(ctx context.Context, host string, timeout time.Duration) bool { return true })

	resp, err := m.Send(context.Background(), "post", srv.URL, nil, map[string]int{"n": 1}, SendOptions{})
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "created", string(resp.Body))
	assert.Zero(t, m.QueueSize())
}

func TestMediator_OfflineEnqueuesAndReturns202(t *testing.T) {
	m, _, monitor := newHarness(t, func(ctx context.Context, host string, timeout time.Duration) bool { return false })
	monitor.SetForcedOffline(true)

	resp, err := m.Send(context.Background(), "post", "https://api.example.com/x", nil, map[string]int{"n": 1}, SendOptions{ID: "job-1"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	var envelope map[string]interface{}
	require.NoError(t, json.Unmarshal(resp.Body, &envelope))
	assert.Equal(t, "queued", envelope["status"])
	assert.Equal(t, true, envelope["offline"])
	assert.Equal(t, "job-1", envelope["id"])

	assert.Equal(t, 1, m.QueueSize())
}

func TestMediator_OnlineServerErrorFallsBackToEnqueue(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	m, _, _ := newHarness(t, func(ctx context.Context, host string, timeout time.Duration) bool { return true })

	resp, err := m.Send(context.Background(), "get", srv.URL, nil, nil, SendOptions{})
	require.NoError(t, err)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, 1, m.QueueSize())
}

func TestMediator_CancelBeforeSyncNoOp(t *testing.T) {
	m, _, monitor := newHarness(t, func(ctx context.Context, host string, timeout time.Duration) bool { return false })
	monitor.SetForcedOffline(true)

	_, err := m.Send(context.Background(), "post", "https://api.example.com/x", nil, nil, SendOptions{ID: "job-1"})
	require.NoError(t, err)

	assert.True(t, m.CancelRequest(context.Background(), "job-1"))
	assert.Zero(t, m.QueueSize())

	monitor.SetForcedOffline(false)
	require.NoError(t, m.SyncNow(context.Background()))
}

func TestMediator_SyncNowDrainsAfterReconnect(t *testing.T) {
	var attempts int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	m, _, monitor := newHarness(t, func(ctx context.Context, host string, timeout time.Duration) bool { return false })
	monitor.SetForcedOffline(true)

	resp, err := m.Send(context.Background(), "post", srv.URL, nil, nil, SendOptions{})
	require.NoError(t, err)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	monitor.SetForcedOffline(false)
	require.NoError(t, m.SyncNow(context.Background()))

	assert.Equal(t, 1, attempts)
	assert.Zero(t, m.QueueSize())
}

func TestNormalizeHeaders_AllShapes(t *testing.T) {
	h1, err := NormalizeHeaders(map[string]string{"X-A": "1"})
	require.NoError(t, err)
	assert.Equal(t, "1", h1.Get("X-A"))

	h2, err := NormalizeHeaders([][2]string{{"X-B", "2"}})
	require.NoError(t, err)
	assert.Equal(t, "2", h2.Get("X-B"))

	h3, err := NormalizeHeaders(http.Header{"X-C": []string{"3"}})
	require.NoError(t, err)
	assert.Equal(t, "3", h3.Get("X-C"))

	_, err = NormalizeHeaders(42)
	assert.Error(t, err)
}

func TestNormalizeHeaders_PreservesCaseAsGiven(t *testing.T) {
	h1, err := NormalizeHeaders(map[string]string{"x-request-id": "abc"})
	require.NoError(t, err)
	vals, ok := h1["x-request-id"]
	require.True(t, ok, "map[string]string input must keep the caller's exact key casing, not canonicalize it")
	assert.Equal(t, []string{"abc"}, vals)

	h2, err := NormalizeHeaders([][2]string{{"x-trace-id", "def"}})
	require.NoError(t, err)
	vals, ok = h2["x-trace-id"]
	require.True(t, ok, "[][2]string input must keep the caller's exact key casing, not canonicalize it")
	assert.Equal(t, []string{"def"}, vals)
}
