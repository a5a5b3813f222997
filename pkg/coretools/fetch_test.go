package coretools

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestFetchServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/page", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte("<html><body><h1>Title</h1><p>Hello <strong>world</strong></p></body></html>"))
	})
	mux.HandleFunc("/plain", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("<b>not html</b>"))
	})
	mux.HandleFunc("/missing", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestHTTPFetcher(t *testing.T) {
	ctx := context.Background()
	srv := setupTestFetchServer(t)
	fetcher := NewHTTPFetcher(5 * time.Second)

	t.Run("should convert html pages to markdown", func(t *testing.T) {
		body, err := fetcher.Fetch(ctx, srv.URL+"/page")
		require.NoError(t, err)
		assert.Contains(t, body, "# Title")
		assert.Contains(t, body, "**world**")
		assert.NotContains(t, body, "<h1>")
	})

	t.Run("should return other content types untouched", func(t *testing.T) {
		body, err := fetcher.Fetch(ctx, srv.URL+"/plain")
		require.NoError(t, err)
		assert.Equal(t, "<b>not html</b>", body)
	})

	t.Run("should fail on error statuses", func(t *testing.T) {
		_, err := fetcher.Fetch(ctx, srv.URL+"/missing")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "HTTP 404")
	})
}
