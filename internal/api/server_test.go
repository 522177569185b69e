package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/feedindex-crawler/internal/crawler"
	"github.com/JakeFAU/feedindex-crawler/internal/queue"
	queueMemory "github.com/JakeFAU/feedindex-crawler/internal/queue/memory"
	"github.com/JakeFAU/feedindex-crawler/internal/scheduler"
	"github.com/JakeFAU/feedindex-crawler/internal/storage/memory"
)

type apiFixture struct {
	store  *memory.SourceStore
	broker *queueMemory.Broker
	server *Server
}

func newFixture(t *testing.T, opts Options) *apiFixture {
	t.Helper()
	store := memory.NewSourceStore()
	broker := queueMemory.NewBroker(16)
	t.Cleanup(func() { _ = broker.Close() })
	op, err := scheduler.NewOperator(scheduler.Config{Identities: []string{"alpha"}}, scheduler.Deps{
		Store:  store,
		Broker: broker,
		IDs:    &fakeIDGen{ids: []string{"task-1", "task-2"}},
		Clock:  &fakeClock{now: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)},
	})
	require.NoError(t, err)
	require.NoError(t, store.UpsertSource(context.Background(), crawler.Source{ID: "1001", Handle: "@chan_a", Tier: 3}))
	return &apiFixture{store: store, broker: broker, server: NewServer(op, store, opts, zap.NewNop())}
}

func (f *apiFixture) do(method, path, body string) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != "" {
		reader = bytes.NewReader([]byte(body))
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

func TestServer_EnqueueCrawl(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Options{})
	rec := f.do(http.MethodPost, "/v1/sources/1001/crawl", `{"recent":true}`)

	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Contains(t, rec.Body.String(), "task-1")
	published := f.broker.Published(queue.QueueName("alpha"))
	require.Len(t, published, 1)
	assert.Equal(t, crawler.TaskCrawlRecent, published[0].Type)
	assert.Equal(t, "@chan_a", published[0].SourceRef)
}

func TestServer_EnqueueCrawl_EmptyBodyDefaultsToFullCrawl(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Options{})
	rec := f.do(http.MethodPost, "/v1/sources/1001/crawl", "")

	require.Equal(t, http.StatusAccepted, rec.Code)
	published := f.broker.Published(queue.QueueName("alpha"))
	require.Len(t, published, 1)
	assert.Equal(t, crawler.TaskCrawlSource, published[0].Type)
}

func TestServer_EnqueueCrawl_UnknownSource(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Options{})
	rec := f.do(http.MethodPost, "/v1/sources/nope/crawl", "")

	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_EnqueueCrawl_InactiveSource(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Options{})
	require.NoError(t, f.store.UpsertSource(context.Background(), crawler.Source{ID: "2002", Handle: "@gone", Tier: crawler.TierInactive}))
	rec := f.do(http.MethodPost, "/v1/sources/2002/crawl", "")

	require.Equal(t, http.StatusConflict, rec.Code)
	require.Contains(t, rec.Body.String(), "retier")
	require.Empty(t, f.broker.Published(queue.QueueName("alpha")))
}

func TestServer_SetTier(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Options{})
	rec := f.do(http.MethodPut, "/v1/sources/1001/tier", `{"tier":5}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp tierResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, crawler.Tier(5), resp.Tier)
	assert.True(t, resp.Pinned)

	src, err := f.store.GetSource(context.Background(), "1001")
	require.NoError(t, err)
	assert.Equal(t, crawler.Tier(5), src.Tier)
	assert.True(t, src.TierPinned)

	rec = f.do(http.MethodPut, "/v1/sources/1001/tier", `{"auto":true}`)
	require.Equal(t, http.StatusOK, rec.Code)
	src, err = f.store.GetSource(context.Background(), "1001")
	require.NoError(t, err)
	assert.False(t, src.TierPinned)
}

func TestServer_SetTier_Validation(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Options{})
	require.Equal(t, http.StatusBadRequest, f.do(http.MethodPut, "/v1/sources/1001/tier", `{}`).Code)
	require.Equal(t, http.StatusBadRequest, f.do(http.MethodPut, "/v1/sources/1001/tier", `{"tier":9}`).Code)
	require.Equal(t, http.StatusBadRequest, f.do(http.MethodPut, "/v1/sources/1001/tier", `{invalid`).Code)
	require.Equal(t, http.StatusNotFound, f.do(http.MethodPut, "/v1/sources/nope/tier", `{"tier":2}`).Code)
}

func TestServer_GetSource(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Options{})
	rec := f.do(http.MethodGet, "/v1/sources/1001", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var src crawler.Source
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &src))
	assert.Equal(t, "@chan_a", src.Handle)
	assert.Equal(t, crawler.Tier(3), src.Tier)

	require.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/v1/sources/nope", "").Code)
}

func TestServer_SweepTier(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Options{})
	rec := f.do(http.MethodPost, "/v1/tiers/4/sweep", "")
	require.Equal(t, http.StatusAccepted, rec.Code)

	published := f.broker.Published(queue.SchedulerQueue)
	require.Len(t, published, 1)
	assert.Equal(t, crawler.TaskSweepTier, published[0].Type)
	assert.Equal(t, crawler.Tier(4), published[0].Tier)

	require.Equal(t, http.StatusBadRequest, f.do(http.MethodPost, "/v1/tiers/0/sweep", "").Code)
	require.Equal(t, http.StatusBadRequest, f.do(http.MethodPost, "/v1/tiers/x/sweep", "").Code)
}

func TestServer_TierCounts(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Options{})
	rec := f.do(http.MethodGet, "/v1/tiers", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Tiers []crawler.TierCount `json:"tiers"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Tiers, 1)
	assert.Equal(t, crawler.Tier(3), body.Tiers[0].Tier)
	assert.Equal(t, int64(1), body.Tiers[0].Sources)
}

func TestServer_BrokerOutageIsUnavailable(t *testing.T) {
	t.Parallel()

	s := NewServer(failingOperator{err: fmt.Errorf("publish: %w", crawler.ErrBrokerUnavailable)}, nil, Options{}, nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/tiers/2/sweep", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/sources/1001", nil))
	require.Equal(t, http.StatusNotImplemented, rec.Code)
}

func TestServer_Readyz(t *testing.T) {
	t.Parallel()

	var healthy bool
	var mu sync.Mutex
	s := NewServer(failingOperator{}, nil, Options{ReadyChecks: map[string]ReadyCheck{
		"store": func(context.Context) error {
			mu.Lock()
			defer mu.Unlock()
			if !healthy {
				return errors.New("connection refused")
			}
			return nil
		},
	}}, nil)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Contains(t, rec.Body.String(), "connection refused")

	mu.Lock()
	healthy = true
	mu.Unlock()
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_APIKeyMiddleware(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Options{APIKey: "secret"})

	require.Equal(t, http.StatusForbidden, f.do(http.MethodGet, "/v1/tiers", "").Code)
	require.Equal(t, http.StatusOK, f.do(http.MethodGet, "/v1/tiers?api_key=secret", "").Code)

	req := httptest.NewRequest(http.MethodGet, "/v1/tiers", nil)
	req.Header.Set("X-API-Key", "secret")
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	// Probes stay open for the orchestrator.
	require.Equal(t, http.StatusOK, f.do(http.MethodGet, "/healthz", "").Code)
}

func TestRequestIDMiddlewareSetsHeader(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Options{})
	rec := f.do(http.MethodGet, "/healthz", "")
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "req-42")
	rec = httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	require.Equal(t, "req-42", rec.Header().Get("X-Request-ID"))
}

func TestRecoverMiddlewareReturns500(t *testing.T) {
	t.Parallel()

	h := recoverMiddleware(zap.NewNop())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestResponseWriterHijackBehavior(t *testing.T) {
	t.Parallel()

	rw := &responseWriter{ResponseWriter: httptest.NewRecorder()}
	if _, _, err := rw.Hijack(); err == nil || err.Error() != "hijacker not supported" {
		t.Fatalf("expected unsupported hijacker error, got %v", err)
	}

	h := &hijackableRecorder{ResponseRecorder: httptest.NewRecorder()}
	rw = &responseWriter{ResponseWriter: h}
	conn, buf, err := rw.Hijack()
	if err != nil {
		t.Fatalf("expected successful hijack, got %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("close hijacked conn: %v", err)
	}
	if err := h.CloseClient(); err != nil {
		t.Fatalf("close hijacked client: %v", err)
	}
	if buf == nil {
		t.Fatal("expected buf to be non-nil")
	}
}

// --- helpers/fakes ---

type fakeIDGen struct {
	mu  sync.Mutex
	ids []string
}

func (f *fakeIDGen) NewID() (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.ids) == 0 {
		return "id-default", nil
	}
	id := f.ids[0]
	f.ids = f.ids[1:]
	return id, nil
}

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	return c.now
}

type failingOperator struct {
	err error
}

func (f failingOperator) Enqueue(context.Context, string, bool) (crawler.Task, error) {
	return crawler.Task{}, f.err
}

func (f failingOperator) RequestSweep(context.Context, crawler.Tier) (crawler.Task, error) {
	return crawler.Task{}, f.err
}

func (f failingOperator) Retier(context.Context, string, *crawler.Tier) (crawler.Tier, error) {
	return 0, f.err
}

func (f failingOperator) TierCounts(context.Context) ([]crawler.TierCount, error) {
	return nil, f.err
}

type hijackableRecorder struct {
	*httptest.ResponseRecorder
	client net.Conn
}

func (h *hijackableRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	server, client := net.Pipe()
	h.client = client
	return server, bufio.NewReadWriter(bufio.NewReader(client), bufio.NewWriter(client)), nil
}

func (h *hijackableRecorder) CloseClient() error {
	if h.client != nil {
		if err := h.client.Close(); err != nil {
			return fmt.Errorf("close hijacker client: %w", err)
		}
	}
	return nil
}
