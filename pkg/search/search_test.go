package search

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleResultsPage = `<html><body>
<div class="result results_links">
  <a class="result__a" href="https://example.com/p0420">P0420 Catalytic Converter Efficiency</a>
  <a class="result__snippet">Diagnose P0420 with these steps.</a>
</div>
<div class="result results_links">
  <a class="result__a" href="https://example.com/p0171">P0171 System Too Lean</a>
  <a class="result__snippet">Common causes of P0171.</a>
</div>
</body></html>`

func TestClient_Search(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "p0420", r.URL.Query().Get("q"))
		_, _ = w.Write([]byte(sampleResultsPage))
	}))
	defer server.Close()

	client := NewClient(Config{BaseURL: server.URL, Timeout: 2 * time.Second})
	results, err := client.Search(context.Background(), "p0420", 10)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "https://example.com/p0420", results[0].URL)
	assert.Contains(t, results[0].Title, "P0420")
}

func TestClient_Search_MaxResultsCap(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(sampleResultsPage))
	}))
	defer server.Close()

	client := NewClient(Config{BaseURL: server.URL, Timeout: 2 * time.Second})
	results, err := client.Search(context.Background(), "p0420", 1)
	require.NoError(t, err)
	assert.Len(t, results, 1)
}

func TestClient_Search_NonOKStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client := NewClient(Config{BaseURL: server.URL, Timeout: 2 * time.Second})
	_, err := client.Search(context.Background(), "p0420", 10)
	assert.Error(t, err)
}
