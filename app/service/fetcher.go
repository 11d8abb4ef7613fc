package service

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	log "github.com/go-pkgz/lgr"
)

// HTTPFetcher downloads sheet images to temporary files. One hung download
// cannot stall a job indefinitely: every fetch is bounded by Timeout.
type HTTPFetcher struct {
	Client  *http.Client
	Timeout time.Duration
}

// Fetch downloads url to a temp file and returns its path with a cleanup
// removing the file. Cleanup is safe to call even when err is non-nil.
func (f *HTTPFetcher) Fetch(ctx context.Context, url string) (string, func(), error) {
	noop := func() {}

	timeout := f.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return "", noop, fmt.Errorf("failed to make request for %s: %w", url, err)
	}

	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", noop, fmt.Errorf("failed to download %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", noop, fmt.Errorf("unexpected status %s downloading %s", resp.Status, url)
	}

	tmp, err := os.CreateTemp("", "omrd-sheet-*"+extFromContentType(resp.Header.Get("Content-Type")))
	if err != nil {
		return "", noop, fmt.Errorf("failed to create temp file: %w", err)
	}
	cleanup := func() {
		if e := os.Remove(tmp.Name()); e != nil && !os.IsNotExist(e) {
			log.Printf("[WARN] failed to remove temp image %s, %v", tmp.Name(), e)
		}
	}

	if _, err := io.Copy(tmp, resp.Body); err != nil {
		_ = tmp.Close()
		cleanup()
		return "", noop, fmt.Errorf("failed to save %s: %w", url, err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return "", noop, fmt.Errorf("failed to close temp file: %w", err)
	}
	return tmp.Name(), cleanup, nil
}

func extFromContentType(contentType string) string {
	switch {
	case strings.Contains(contentType, "png"):
		return ".png"
	default: // original accepts jpeg and falls back to it as well
		return ".jpg"
	}
}
