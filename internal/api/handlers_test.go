package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maltedev/product-scraper/internal/extractor"
	"github.com/maltedev/product-scraper/internal/metrics"
	"github.com/maltedev/product-scraper/internal/models"
	"github.com/maltedev/product-scraper/internal/platform"
	"github.com/maltedev/product-scraper/internal/scheduler"
	"github.com/maltedev/product-scraper/internal/scraper"
)

type runnerFunc func(ctx context.Context, req scraper.Request) (*scraper.Result, error)

func (f runnerFunc) Scrape(ctx context.Context, req scraper.Request) (*scraper.Result, error) {
	return f(ctx, req)
}

func okRunner(ctx context.Context, req scraper.Request) (*scraper.Result, error) {
	rec := models.NewProductRecord("amazon", req.URL)
	rec.Title = "Herren T-Shirt"
	rec.Price = &models.Price{Amount: 19.99, Currency: "EUR"}
	return &scraper.Result{
		Record:         rec,
		Classification: platform.Result{Platform: "amazon", Confidence: 1, Indicators: []string{"domain:amazon"}},
		Attempts:       1,
	}, nil
}

type testServer struct {
	sched   *scheduler.Scheduler
	handler http.Handler
}

func newTestServer(t *testing.T, runner scheduler.Runner, checks ...HealthCheck) *testServer {
	t.Helper()

	sched := scheduler.New(runner, nil, scheduler.Config{Workers: 1, TaskTimeout: 5 * time.Second}, metrics.Nop{}, nil)
	sched.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = sched.Shutdown(ctx)
	})

	classifier, err := platform.NewClassifier(nil, platform.DefaultThreshold)
	require.NoError(t, err)

	h := NewHandlers(sched, classifier, extractor.DefaultRegistry(), nil, checks...)
	reg := prometheus.NewRegistry()
	metrics.NewPrometheus(reg)
	router := NewRouter(h, RouterOptions{Metrics: promhttp.HandlerFor(reg, promhttp.HandlerOpts{})}, nil)

	return &testServer{sched: sched, handler: router}
}

func (s *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		switch b := body.(type) {
		case string:
			buf.WriteString(b)
		default:
			require.NoError(t, json.NewEncoder(&buf).Encode(b))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	return v
}

func TestSubmitScrape_AcceptsAndCompletes(t *testing.T) {
	srv := newTestServer(t, runnerFunc(okRunner))

	rec := srv.do(t, http.MethodPost, "/api/v1/scrape", ScrapeRequest{URL: "https://www.amazon.de/dp/B0CX23V2ZK"})
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	submitted := decode[SubmitResponse](t, rec)
	assert.NotEmpty(t, submitted.TaskID)
	assert.Equal(t, scheduler.StatusPending, submitted.Status)

	var result ResultResponse
	require.Eventually(t, func() bool {
		rec := srv.do(t, http.MethodGet, "/api/v1/tasks/"+submitted.TaskID+"/result", nil)
		if rec.Code != http.StatusOK {
			return false
		}
		result = decode[ResultResponse](t, rec)
		return result.Status.Terminal()
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, scheduler.StatusCompleted, result.Status)
	require.NotNil(t, result.ProductInfo)
	assert.Equal(t, "Herren T-Shirt", result.ProductInfo.Title)
	assert.Nil(t, result.Error)
	assert.Equal(t, "amazon", result.DetectedPlatform)
	assert.Equal(t, 1.0, result.PlatformConfidence)
	assert.Equal(t, []string{"domain:amazon"}, result.PlatformIndicators)
	assert.NotNil(t, result.CompletedAt)

	status := decode[StatusResponse](t, srv.do(t, http.MethodGet, "/api/v1/tasks/"+submitted.TaskID, nil))
	assert.Equal(t, scheduler.StatusCompleted, status.Status)
	assert.Equal(t, "https://www.amazon.de/dp/B0CX23V2ZK", status.URL)
}

func TestSubmitScrape_BlockImagesDefaultsToTrue(t *testing.T) {
	seen := make(chan scraper.Request, 2)
	srv := newTestServer(t, runnerFunc(func(ctx context.Context, req scraper.Request) (*scraper.Result, error) {
		seen <- req
		return okRunner(ctx, req)
	}))

	rec := srv.do(t, http.MethodPost, "/api/v1/scrape", `{"url":"https://shop.example/p/1","target_language":"de-DE"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	select {
	case req := <-seen:
		assert.True(t, req.BlockImages)
		assert.Equal(t, "de-DE", req.Language)
	case <-time.After(5 * time.Second):
		t.Fatal("runner was not called")
	}

	rec = srv.do(t, http.MethodPost, "/api/v1/scrape", `{"url":"https://shop.example/p/2","block_images":false}`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	select {
	case req := <-seen:
		assert.False(t, req.BlockImages)
	case <-time.After(5 * time.Second):
		t.Fatal("runner was not called")
	}
}

func TestSubmitScrape_Rejects(t *testing.T) {
	srv := newTestServer(t, runnerFunc(okRunner))

	tests := []struct {
		name     string
		body     any
		wantKind models.Kind
	}{
		{name: "malformed body", body: `{"url":`},
		{name: "missing url", body: ScrapeRequest{}, wantKind: models.KindInvalidURL},
		{name: "unsupported scheme", body: ScrapeRequest{URL: "ftp://shop.example/p/1"}, wantKind: models.KindInvalidURL},
		{name: "relative url", body: ScrapeRequest{URL: "/p/1"}, wantKind: models.KindInvalidURL},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := srv.do(t, http.MethodPost, "/api/v1/scrape", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)

			resp := decode[ErrorResponse](t, rec)
			assert.NotEmpty(t, resp.Error)
			assert.Equal(t, tt.wantKind, resp.Kind)
		})
	}

	assert.Zero(t, srv.sched.Stats().Total)
}

func TestSubmitScrape_ShuttingDown(t *testing.T) {
	srv := newTestServer(t, runnerFunc(okRunner))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, srv.sched.Shutdown(ctx))

	rec := srv.do(t, http.MethodPost, "/api/v1/scrape", ScrapeRequest{URL: "https://shop.example/p/1"})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestTaskEndpoints_UnknownTask(t *testing.T) {
	srv := newTestServer(t, runnerFunc(okRunner))

	for _, tc := range []struct{ method, path string }{
		{http.MethodGet, "/api/v1/tasks/does-not-exist"},
		{http.MethodGet, "/api/v1/tasks/does-not-exist/result"},
		{http.MethodDelete, "/api/v1/tasks/does-not-exist"},
	} {
		rec := srv.do(t, tc.method, tc.path, nil)
		assert.Equal(t, http.StatusNotFound, rec.Code, "%s %s", tc.method, tc.path)
		assert.Equal(t, "task not found", decode[ErrorResponse](t, rec).Error)
	}
}

func TestCancelTask(t *testing.T) {
	block := make(chan struct{})
	srv := newTestServer(t, runnerFunc(func(ctx context.Context, req scraper.Request) (*scraper.Result, error) {
		select {
		case <-block:
			return okRunner(ctx, req)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}))
	defer close(block)

	rec := srv.do(t, http.MethodPost, "/api/v1/scrape", ScrapeRequest{URL: "https://shop.example/p/1"})
	require.Equal(t, http.StatusAccepted, rec.Code)
	id := decode[SubmitResponse](t, rec).TaskID

	rec = srv.do(t, http.MethodDelete, "/api/v1/tasks/"+id, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	require.Eventually(t, func() bool {
		snap, err := srv.sched.Get(id)
		return err == nil && snap.Status == scheduler.StatusCancelled
	}, 5*time.Second, 10*time.Millisecond)

	result := decode[ResultResponse](t, srv.do(t, http.MethodGet, "/api/v1/tasks/"+id+"/result", nil))
	assert.Equal(t, scheduler.StatusCancelled, result.Status)
	require.NotNil(t, result.Error)
	assert.Equal(t, models.KindCancelled, result.Error.Kind)
	assert.Nil(t, result.ProductInfo)

	rec = srv.do(t, http.MethodDelete, "/api/v1/tasks/"+id, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	body := decode[map[string]any](t, rec)
	assert.Equal(t, "cancelled", body["status"])
}

func TestListTasks(t *testing.T) {
	srv := newTestServer(t, runnerFunc(func(ctx context.Context, req scraper.Request) (*scraper.Result, error) {
		return nil, models.NewError(models.KindBlockedByTarget, "captcha page", nil)
	}))

	for _, u := range []string{"https://shop.example/p/1", "https://shop.example/p/2"} {
		rec := srv.do(t, http.MethodPost, "/api/v1/scrape", ScrapeRequest{URL: u})
		require.Equal(t, http.StatusAccepted, rec.Code)
	}

	require.Eventually(t, func() bool {
		return srv.sched.Stats().ByStatus[scheduler.StatusFailed] == 2
	}, 5*time.Second, 10*time.Millisecond)

	type listResponse struct {
		Tasks []StatusResponse `json:"tasks"`
		Count int              `json:"count"`
	}

	all := decode[listResponse](t, srv.do(t, http.MethodGet, "/api/v1/tasks", nil))
	assert.Equal(t, 2, all.Count)
	require.Len(t, all.Tasks, 2)
	assert.Equal(t, "https://shop.example/p/1", all.Tasks[0].URL)
	assert.Equal(t, "captcha page", all.Tasks[0].Message)

	failed := decode[listResponse](t, srv.do(t, http.MethodGet, "/api/v1/tasks?status=failed&limit=1", nil))
	assert.Equal(t, 1, failed.Count)

	completed := decode[listResponse](t, srv.do(t, http.MethodGet, "/api/v1/tasks?status=completed", nil))
	assert.Zero(t, completed.Count)
	assert.NotNil(t, completed.Tasks)

	assert.Equal(t, http.StatusBadRequest, srv.do(t, http.MethodGet, "/api/v1/tasks?status=bogus", nil).Code)
	assert.Equal(t, http.StatusBadRequest, srv.do(t, http.MethodGet, "/api/v1/tasks?limit=-1", nil).Code)
}

func TestListPlatforms(t *testing.T) {
	srv := newTestServer(t, runnerFunc(okRunner))

	rec := srv.do(t, http.MethodGet, "/api/v1/platforms", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Signatures []signatureInfo `json:"signatures"`
		Extractors []string        `json:"extractors"`
		Fallback   string          `json:"fallback"`
		Threshold  float64         `json:"threshold"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))

	ids := make([]string, 0, len(body.Signatures))
	for _, s := range body.Signatures {
		ids = append(ids, s.ID)
		assert.Positive(t, s.Rules, s.ID)
	}
	assert.Contains(t, ids, "amazon")
	assert.Contains(t, ids, "shopify")
	assert.Contains(t, body.Extractors, "amazon")
	assert.Equal(t, models.GenericPlatform, body.Fallback)
	assert.Equal(t, platform.DefaultThreshold, body.Threshold)
}

func TestHealth(t *testing.T) {
	t.Run("healthy", func(t *testing.T) {
		srv := newTestServer(t, runnerFunc(okRunner), HealthCheck{
			Name:  "cache",
			Check: func(ctx context.Context) (any, error) { return map[string]string{"backend": "memory"}, nil },
		})

		rec := srv.do(t, http.MethodGet, "/health", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		body := decode[map[string]any](t, rec)
		assert.Equal(t, "ok", body["status"])
		assert.Equal(t, map[string]any{"backend": "memory"}, body["cache"])
		assert.Contains(t, body, "scheduler")
	})

	t.Run("non-critical failure degrades", func(t *testing.T) {
		srv := newTestServer(t, runnerFunc(okRunner), HealthCheck{
			Name:  "outbox",
			Check: func(ctx context.Context) (any, error) { return nil, errors.New("connection refused") },
		})

		rec := srv.do(t, http.MethodGet, "/health", nil)
		assert.Equal(t, http.StatusOK, rec.Code)
		body := decode[map[string]any](t, rec)
		assert.Equal(t, "degraded", body["status"])
	})

	t.Run("critical failure", func(t *testing.T) {
		srv := newTestServer(t, runnerFunc(okRunner), HealthCheck{
			Name:     "browser",
			Critical: true,
			Check:    func(ctx context.Context) (any, error) { return nil, errors.New("driver not running") },
		})

		rec := srv.do(t, http.MethodGet, "/health", nil)
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
		body := decode[map[string]any](t, rec)
		assert.Equal(t, "error", body["status"])
		assert.Equal(t, "driver not running", body["browser"].(map[string]any)["error"])
	})
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(t, runnerFunc(okRunner))

	rec := srv.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}
