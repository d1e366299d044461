package embedding

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func dot(a, b []float32) float64 {
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}

func TestHashEmbedderDeterministicAndNormalised(t *testing.T) {
	e := NewHashEmbedder(384)
	vecs, err := e.Embed(context.Background(), []string{"Photosynthesis converts light", "Photosynthesis converts light"})
	require.NoError(t, err)
	require.Len(t, vecs, 2)
	require.Len(t, vecs[0], 384)
	require.Equal(t, vecs[0], vecs[1])
	require.InDelta(t, 1.0, math.Sqrt(dot(vecs[0], vecs[0])), 1e-5)
}

func TestHashEmbedderRewardsSharedTerms(t *testing.T) {
	e := NewHashEmbedder(384)
	vecs, err := e.Embed(context.Background(), []string{
		"What is photosynthesis?",
		"Photosynthesis converts light into chemical energy.",
		"The French Revolution began in 1789.",
	})
	require.NoError(t, err)
	related := dot(vecs[0], vecs[1])
	unrelated := dot(vecs[0], vecs[2])
	require.Greater(t, related, unrelated)
	require.InDelta(t, 0.0, unrelated, 1e-6)
}

func TestHashEmbedderEmptyTextIsZeroVector(t *testing.T) {
	vecs, err := NewHashEmbedder(8).Embed(context.Background(), []string{"  ?! "})
	require.NoError(t, err)
	require.Equal(t, make([]float32, 8), vecs[0])
}

func TestTokenize(t *testing.T) {
	require.Equal(t, []string{"what", "is", "2", "2"}, Tokenize("What is 2+2?"))
}

func embeddingServer(t *testing.T, failures int32) (*httptest.Server, *int32) {
	t.Helper()
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		require.Equal(t, "/embeddings", r.URL.Path)
		if n <= failures {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"error":{"message":"overloaded","type":"server_error"}}`))
			return
		}
		var req struct {
			Input      []string `json:"input"`
			Dimensions int      `json:"dimensions"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		type item struct {
			Object    string    `json:"object"`
			Embedding []float32 `json:"embedding"`
			Index     int       `json:"index"`
		}
		data := make([]item, 0, len(req.Input))
		// Reverse order so the client has to sort by index.
		for i := len(req.Input) - 1; i >= 0; i-- {
			vec := make([]float32, req.Dimensions)
			vec[i%req.Dimensions] = 2
			data = append(data, item{Object: "embedding", Embedding: vec, Index: i})
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"object": "list", "data": data, "model": "text-embedding-3-small"})
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func TestOpenAIEmbedderBatchesAndOrders(t *testing.T) {
	srv, calls := embeddingServer(t, 0)
	e := NewOpenAIEmbedder(OpenAIConfig{APIKey: "test", Endpoint: srv.URL, Dimension: 4, BatchSize: 2})

	vecs, err := e.Embed(context.Background(), []string{"a", "b", "c"})
	require.NoError(t, err)
	require.Len(t, vecs, 3)
	require.EqualValues(t, 2, atomic.LoadInt32(calls))
	require.Equal(t, []float32{1, 0, 0, 0}, vecs[0])
	require.Equal(t, []float32{0, 1, 0, 0}, vecs[1])
	require.Equal(t, []float32{1, 0, 0, 0}, vecs[2], "second batch restarts at index 0")
}

func TestOpenAIEmbedderRetriesServerErrors(t *testing.T) {
	srv, calls := embeddingServer(t, 2)
	e := NewOpenAIEmbedder(OpenAIConfig{APIKey: "test", Endpoint: srv.URL, Dimension: 4})
	var slept []time.Duration
	e.sleep = func(d time.Duration) { slept = append(slept, d) }

	vecs, err := e.Embed(context.Background(), []string{"a"})
	require.NoError(t, err)
	require.Len(t, vecs, 1)
	require.EqualValues(t, 3, atomic.LoadInt32(calls))
	require.Equal(t, []time.Duration{400 * time.Millisecond, 800 * time.Millisecond}, slept)
}

func TestOpenAIEmbedderGivesUpOnClientErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"message":"bad key","type":"invalid_request_error"}}`))
	}))
	defer srv.Close()

	e := NewOpenAIEmbedder(OpenAIConfig{APIKey: "bad", Endpoint: srv.URL, Dimension: 4})
	e.sleep = func(time.Duration) {}
	_, err := e.Embed(context.Background(), []string{"a"})
	require.Error(t, err)
	require.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

func TestRetryDelayCaps(t *testing.T) {
	require.Equal(t, 400*time.Millisecond, retryDelay(1))
	require.Equal(t, 5*time.Second, retryDelay(10))
}
