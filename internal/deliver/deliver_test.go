package deliver

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/wapuda/tg-clipper/internal/progress"
	"github.com/wapuda/tg-clipper/internal/retry"
)

type fakeSink struct {
	mu    sync.Mutex
	texts []string
	edits []string
	files []string
	next  int
}

func (f *fakeSink) SendText(_ context.Context, _ int64, _ int, text string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.texts = append(f.texts, text)
	f.next++
	return f.next, nil
}

func (f *fakeSink) EditText(_ context.Context, _ int64, _ int, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.edits = append(f.edits, text)
	return nil
}

func (f *fakeSink) SendFile(_ context.Context, _ int64, _ int, path, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files = append(f.files, path)
	return "media-handle-1", nil
}

func writeSized(t *testing.T, n int64) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "artifact.mp4")
	f, err := os.Create(p)
	if err != nil {
		t.Fatal(err)
	}
	if err := f.Truncate(n); err != nil {
		t.Fatal(err)
	}
	_ = f.Close()
	return p
}

type fakeUploader struct {
	calls int
	link  string
	err   error
}

func (u *fakeUploader) Upload(_ context.Context, _ string, onProgress func(float64)) (string, error) {
	u.calls++
	if onProgress != nil {
		onProgress(100)
	}
	return u.link, u.err
}

func TestDeliverThreshold(t *testing.T) {
	const threshold = 1024
	tests := []struct {
		name      string
		size      int64
		wantRelay bool
	}{
		{"below", threshold - 1, false},
		{"at", threshold, true},
		{"above", threshold + 1, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sink := &fakeSink{}
			up := &fakeUploader{link: "https://temp.sh/abc/artifact.mp4"}
			s := &Strategy{Threshold: threshold, Sink: sink, Relay: up, Progress: progress.New(progress.Options{})}
			out, err := s.Deliver(context.Background(), Target{ChatID: 1}, writeSized(t, tt.size))
			if err != nil {
				t.Fatal(err)
			}
			if out.Relayed != tt.wantRelay {
				t.Fatalf("Relayed = %v, want %v", out.Relayed, tt.wantRelay)
			}
			if tt.wantRelay {
				if up.calls != 1 || len(sink.files) != 0 {
					t.Fatalf("relay calls = %d, files = %v", up.calls, sink.files)
				}
				if sink.texts[len(sink.texts)-1] != up.link {
					t.Fatalf("link not sent as text: %v", sink.texts)
				}
				if sink.edits[len(sink.edits)-1] != "Upload complete." {
					t.Fatalf("edits = %v", sink.edits)
				}
			} else {
				if out.Handle != "media-handle-1" || up.calls != 0 {
					t.Fatalf("out = %+v, relay calls = %d", out, up.calls)
				}
			}
		})
	}
}

func TestDeliverRelayFailure(t *testing.T) {
	sink := &fakeSink{}
	up := &fakeUploader{err: &StatusError{Code: 502}}
	s := &Strategy{Threshold: 10, Sink: sink, Relay: up, Progress: progress.New(progress.Options{})}
	_, err := s.Deliver(context.Background(), Target{ChatID: 1}, writeSized(t, 10))
	if !errors.Is(err, ErrDeliveryFailed) {
		t.Fatalf("err = %v", err)
	}
	if sink.edits[len(sink.edits)-1] != "Upload failed." {
		t.Fatalf("edits = %v", sink.edits)
	}
}

func TestDeliverMissingFile(t *testing.T) {
	s := &Strategy{Sink: &fakeSink{}}
	if _, err := s.Deliver(context.Background(), Target{}, filepath.Join(t.TempDir(), "nope")); !errors.Is(err, ErrDeliveryFailed) {
		t.Fatalf("err = %v", err)
	}
}

func newTestRelay(url string) *Relay {
	return &Relay{
		URL:    url,
		Client: &http.Client{Timeout: 5 * time.Second},
		Retry:  retry.Policy{Name: "relay", MaxAttempts: 3, Delay: time.Millisecond, Retryable: Retryable},
	}
}

func TestRelayThree502sNoFourthAttempt(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_, _ = io.Copy(io.Discard, r.Body)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := newTestRelay(srv.URL).Upload(context.Background(), writeSized(t, 2048), nil)
	var se *StatusError
	if !errors.As(err, &se) || se.Code != http.StatusBadGateway {
		t.Fatalf("err = %v", err)
	}
	if n := calls.Load(); n != 3 {
		t.Fatalf("attempts = %d, want 3", n)
	}
}

func TestRelayPermanentStatus(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_, _ = io.Copy(io.Discard, r.Body)
		http.Error(w, "too large", http.StatusRequestEntityTooLarge)
	}))
	defer srv.Close()

	if _, err := newTestRelay(srv.URL).Upload(context.Background(), writeSized(t, 64), nil); err == nil {
		t.Fatal("expected error")
	}
	if n := calls.Load(); n != 1 {
		t.Fatalf("attempts = %d, want 1", n)
	}
}

func TestRelaySuccessAfter502(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			_, _ = io.Copy(io.Discard, r.Body)
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		file, hdr, err := r.FormFile("file")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		n, _ := io.Copy(io.Discard, file)
		if n != 4096 || hdr.Filename != "artifact.mp4" {
			http.Error(w, "bad upload", http.StatusBadRequest)
			return
		}
		_, _ = io.WriteString(w, "https://temp.sh/xyz/artifact.mp4\n")
	}))
	defer srv.Close()

	var last float64
	link, err := newTestRelay(srv.URL).Upload(context.Background(), writeSized(t, 4096), func(p float64) { last = p })
	if err != nil {
		t.Fatal(err)
	}
	if link != "https://temp.sh/xyz/artifact.mp4" {
		t.Fatalf("link = %q", link)
	}
	if last != 100 {
		t.Fatalf("last progress = %v", last)
	}
}

func TestRetryable(t *testing.T) {
	if !Retryable(&StatusError{Code: 502}) {
		t.Error("502 not retryable")
	}
	for _, code := range []int{400, 404, 500, 503} {
		if Retryable(&StatusError{Code: code}) {
			t.Errorf("%d retryable", code)
		}
	}
	if !Retryable(errors.New("connection reset by peer")) {
		t.Error("transport error not retryable")
	}
}

func TestDeliverLargeFileRelay502ThreeTimes(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_, _ = io.Copy(io.Discard, r.Body)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	sink := &fakeSink{}
	s := &Strategy{Threshold: 100, Sink: sink, Relay: newTestRelay(srv.URL), Progress: progress.New(progress.Options{})}
	_, err := s.Deliver(context.Background(), Target{ChatID: 1}, writeSized(t, 100))
	if !errors.Is(err, ErrDeliveryFailed) {
		t.Fatalf("err = %v, want ErrDeliveryFailed", err)
	}
	if n := calls.Load(); n != 3 {
		t.Fatalf("attempts = %d, want 3", n)
	}
	if len(sink.files) != 0 {
		t.Fatal("large file sent directly")
	}
}
