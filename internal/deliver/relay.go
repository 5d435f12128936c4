package deliver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/wapuda/tg-clipper/internal/logx"
	"github.com/wapuda/tg-clipper/internal/retry"
)

// StatusError is a non-200 answer from the relay.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("relay returned HTTP %d", e.Code)
	}
	return fmt.Sprintf("relay returned HTTP %d: %s", e.Code, e.Body)
}

// Retryable reports whether a relay error is worth another attempt: HTTP 502
// and transport errors are, every other status is not.
func Retryable(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code == http.StatusBadGateway
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, os.ErrNotExist)
}

// Relay uploads large files to a temp.sh style endpoint that answers with the
// download URL as plain text.
type Relay struct {
	URL    string
	Client *http.Client
	Retry  retry.Policy
}

func NewRelay(url string, attempts int, delay time.Duration) *Relay {
	return &Relay{
		URL:    url,
		Client: &http.Client{Timeout: 30 * time.Minute},
		Retry:  retry.Policy{Name: "relay", MaxAttempts: attempts, Delay: delay, Retryable: Retryable},
	}
}

// Upload posts path as multipart field "file". onProgress gets the share of
// bytes sent, 0..100.
func (r *Relay) Upload(ctx context.Context, path string, onProgress func(pct float64)) (string, error) {
	logger := logx.FromCtx(ctx)
	var link string
	err := r.Retry.Do(ctx, func(ctx context.Context, attempt int) error {
		var err error
		link, err = r.post(ctx, path, onProgress)
		if err != nil {
			logger.Warn().Err(err).Int("attempt", attempt).Msg("relay upload failed")
		}
		return err
	})
	if err != nil {
		return "", err
	}
	return link, nil
}

func (r *Relay) post(ctx context.Context, path string, onProgress func(float64)) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return "", err
	}

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		part, err := mw.CreateFormFile("file", filepath.Base(path))
		if err != nil {
			_ = pw.CloseWithError(err)
			return
		}
		src := &countingReader{r: f, total: info.Size(), onProgress: onProgress}
		if _, err := io.Copy(part, src); err != nil {
			_ = pw.CloseWithError(err)
			return
		}
		_ = pw.CloseWithError(mw.Close())
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.URL, pr)
	if err != nil {
		_ = pr.Close()
		return "", err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	client := r.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		_ = pr.Close()
		return "", err
	}
	defer resp.Body.Close()
	_ = pr.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return "", err
	}
	text := strings.TrimSpace(string(body))
	if resp.StatusCode != http.StatusOK {
		if len(text) > 200 {
			text = text[:200]
		}
		return "", &StatusError{Code: resp.StatusCode, Body: text}
	}
	if text == "" {
		return "", errors.New("relay returned an empty link")
	}
	return text, nil
}

type countingReader struct {
	r          io.Reader
	total      int64
	sent       atomic.Int64
	onProgress func(float64)
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	if n > 0 && c.onProgress != nil && c.total > 0 {
		sent := c.sent.Add(int64(n))
		c.onProgress(float64(sent) / float64(c.total) * 100)
	}
	return n, err
}
