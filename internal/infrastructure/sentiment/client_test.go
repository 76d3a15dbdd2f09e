package sentiment

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"SentimentMonitor/internal/domain"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL+"/", Options{APIKey: "secret", Timeout: 5 * time.Second})
}

func TestCheckHealth(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/health", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`{"status":"healthy","model":"loaded","db":"connected"}`))
	})

	health, err := client.CheckHealth(context.Background())
	require.NoError(t, err)
	assert.True(t, health.Healthy())
	assert.Equal(t, "loaded", health.Model)
}

func TestUnanalysedCount(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/unanalysed-count", r.URL.Path)
		if r.URL.Query().Get("source") == "reddit" {
			_, _ = w.Write([]byte(`{"reddit":7}`))
			return
		}
		_, _ = w.Write([]byte(`{"total":12,"twitter":3,"reddit":7,"bluesky":2,"success":true}`))
	})

	backlog, err := client.UnanalysedCount(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, 12, backlog.Total)
	assert.Equal(t, map[string]int{"twitter": 3, "reddit": 7, "bluesky": 2}, backlog.BySource)

	scoped, err := client.UnanalysedCount(context.Background(), "reddit")
	require.NoError(t, err)
	assert.Equal(t, 7, scoped.Total)
}

func TestAnalyseBatch(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/analyse/batch", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var body map[string]int
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, 250, body["batch_size"])

		_, _ = w.Write([]byte(`{"success":true,"processed":250,"errors":1,"remaining":50}`))
	})

	result, err := client.AnalyseBatch(context.Background(), 250)
	require.NoError(t, err)
	assert.Equal(t, domain.BatchResult{Processed: 250, Errors: 1, Remaining: 50}, result)
}

func TestAnalyseBatchRejected(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"success":false,"message":"model not loaded"}`))
	})

	_, err := client.AnalyseBatch(context.Background(), 10)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrBatchRejected))
	assert.Contains(t, err.Error(), "model not loaded")
}

func TestNonOKStatusIsError(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	})

	_, err := client.CheckHealth(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
}

func TestAnalyseByID(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/analyse-by-id", r.URL.Path)
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "p-1", body["post_id"])
		assert.Equal(t, "bluesky", body["source"])
		_, _ = w.Write([]byte(`{"success":true,"post_id":"p-1","sentiment":{"label":"positive"}}`))
	})

	analysis, err := client.AnalyseByID(context.Background(), "p-1", "bluesky")
	require.NoError(t, err)
	assert.Equal(t, "p-1", analysis.PostID)
	assert.JSONEq(t, `{"label":"positive"}`, string(analysis.Sentiment))
}

func TestAnalyseText(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/analyse", r.URL.Path)
		var body map[string]string
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "great day & night", body["text"])
		_, _ = w.Write([]byte(`{"success":true,"analysis":{"score":0.8}}`))
	})

	analysis, err := client.AnalyseText(context.Background(), "<p>great day &amp; night</p>")
	require.NoError(t, err)
	assert.True(t, analysis.Success)
	assert.JSONEq(t, `{"score":0.8}`, string(analysis.Analysis))
}

func TestRateLimiterHonoursContext(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"status":"healthy"}`))
	})
	client.limiter.SetLimit(0.001)
	client.limiter.SetBurst(1)

	_, err := client.CheckHealth(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = client.CheckHealth(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate limiter")
}

func slowServer(t *testing.T, delay time.Duration) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(delay)
		switch r.URL.Path {
		case "/health":
			_, _ = w.Write([]byte(`{"status":"healthy"}`))
		case "/analyse/batch":
			_, _ = w.Write([]byte(`{"success":true,"processed":250}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestShortTimeoutSkipsBatchRequests(t *testing.T) {
	t.Parallel()

	srv := slowServer(t, 200*time.Millisecond)
	client := NewClient(srv.URL, Options{Timeout: 50 * time.Millisecond})

	_, err := client.CheckHealth(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	result, err := client.AnalyseBatch(context.Background(), 250)
	require.NoError(t, err)
	assert.Equal(t, 250, result.Processed)
}

func TestBatchTimeoutBoundsBatchRequests(t *testing.T) {
	t.Parallel()

	srv := slowServer(t, 200*time.Millisecond)
	client := NewClient(srv.URL, Options{Timeout: 5 * time.Second, BatchTimeout: 50 * time.Millisecond})

	_, err := client.AnalyseBatch(context.Background(), 250)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	_, err = client.CheckHealth(context.Background())
	require.NoError(t, err)
}
