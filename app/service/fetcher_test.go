package service

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPFetcher_Fetch(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "image/jpeg")
		_, _ = w.Write([]byte("jpeg bytes"))
	}))
	defer ts.Close()

	f := &HTTPFetcher{Timeout: 5 * time.Second}
	path, cleanup, err := f.Fetch(context.Background(), ts.URL+"/sheet-1.jpg")
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(path, ".jpg"), "path %s", path)

	body, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "jpeg bytes", string(body))

	cleanup()
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err), "cleanup removes the temp file")
	cleanup() // second call is harmless
}

func TestHTTPFetcher_FetchPNG(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write([]byte{0x89, 'P', 'N', 'G'})
	}))
	defer ts.Close()

	f := &HTTPFetcher{Timeout: 5 * time.Second}
	path, cleanup, err := f.Fetch(context.Background(), ts.URL+"/sheet.png")
	require.NoError(t, err)
	defer cleanup()
	assert.True(t, strings.HasSuffix(path, ".png"), "path %s", path)
}

func TestHTTPFetcher_FetchFailures(t *testing.T) {
	t.Run("not found", func(t *testing.T) {
		ts := httptest.NewServer(http.NotFoundHandler())
		defer ts.Close()

		f := &HTTPFetcher{Timeout: 5 * time.Second}
		_, cleanup, err := f.Fetch(context.Background(), ts.URL+"/missing.jpg")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unexpected status")
		cleanup() // noop cleanup must be callable
	})

	t.Run("connection refused", func(t *testing.T) {
		ts := httptest.NewServer(http.NotFoundHandler())
		ts.Close() // closed before the request

		f := &HTTPFetcher{Timeout: time.Second}
		_, cleanup, err := f.Fetch(context.Background(), ts.URL+"/img.jpg")
		require.Error(t, err)
		cleanup()
	})

	t.Run("timeout", func(t *testing.T) {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-time.After(5 * time.Second):
			case <-r.Context().Done():
			}
		}))
		defer ts.Close()

		f := &HTTPFetcher{Timeout: 100 * time.Millisecond}
		start := time.Now()
		_, cleanup, err := f.Fetch(context.Background(), ts.URL+"/slow.jpg")
		require.Error(t, err)
		assert.Less(t, time.Since(start), 3*time.Second)
		cleanup()
	})

	t.Run("bad url", func(t *testing.T) {
		f := &HTTPFetcher{}
		_, cleanup, err := f.Fetch(context.Background(), "://not-a-url")
		require.Error(t, err)
		cleanup()
	})
}

func TestExtFromContentType(t *testing.T) {
	assert.Equal(t, ".png", extFromContentType("image/png"))
	assert.Equal(t, ".jpg", extFromContentType("image/jpeg"))
	assert.Equal(t, ".jpg", extFromContentType(""))
	assert.Equal(t, ".jpg", extFromContentType("application/octet-stream"))
}
