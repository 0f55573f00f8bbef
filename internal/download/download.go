// Package download fetches granted video files over plain HTTP, with
// progress reporting for interactive clients.
package download

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

// ProgressFunc receives the number of bytes written so far and the
// total size, or -1 when the server did not report a length.
type ProgressFunc func(written, total int64)

type Client struct {
	http        *http.Client
	maxAttempts int
}

func New() *Client {
	return &Client{
		// No overall timeout: large files are bounded by the caller's
		// context instead.
		http:        &http.Client{},
		maxAttempts: 3,
	}
}

// ToFile downloads url into destPath, retrying transient failures with
// exponential backoff. Progress may be nil.
func (c *Client) ToFile(ctx context.Context, url, destPath string, progress ProgressFunc) error {
	var lastErr error
	for attempt := 0; attempt < c.maxAttempts; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(1<<uint(attempt-1)) * time.Second
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}
		lastErr = c.fetch(ctx, url, destPath, progress)
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			return lastErr
		}
	}
	return fmt.Errorf("all %d download attempts failed: %w", c.maxAttempts, lastErr)
}

func (c *Client) fetch(ctx context.Context, url, destPath string, progress ProgressFunc) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("create download request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("download request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download returned %d", resp.StatusCode)
	}

	f, err := os.Create(destPath)
	if err != nil {
		return fmt.Errorf("create file %s: %w", destPath, err)
	}

	w := &progressWriter{dst: f, total: resp.ContentLength, progress: progress}
	if _, err := io.Copy(w, resp.Body); err != nil {
		_ = f.Close()
		return fmt.Errorf("write file %s: %w", destPath, err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("sync file %s: %w", destPath, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close file %s: %w", destPath, err)
	}
	return nil
}

type progressWriter struct {
	dst      io.Writer
	written  int64
	total    int64
	progress ProgressFunc
}

func (w *progressWriter) Write(p []byte) (int, error) {
	n, err := w.dst.Write(p)
	w.written += int64(n)
	if w.progress != nil && n > 0 {
		w.progress(w.written, w.total)
	}
	return n, err
}
