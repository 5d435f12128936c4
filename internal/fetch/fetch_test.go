package fetch

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/wapuda/tg-clipper/internal/artifact"
	"github.com/wapuda/tg-clipper/internal/retry"
	"github.com/wapuda/tg-clipper/internal/timeparse"
)

// fakeTool writes "<output>.mp4" and reports progress; failRange and failAt
// control failures.
type fakeTool struct {
	mu        sync.Mutex
	specs     []Spec
	failRange bool
	failAt    float64 // >0 fails after reporting this percentage
	failTimes int     // how many full downloads fail
}

func (f *fakeTool) Download(_ context.Context, spec Spec, onUpdate func(Update)) error {
	f.mu.Lock()
	f.specs = append(f.specs, spec)
	f.mu.Unlock()

	out := strings.Replace(spec.Output, "%(ext)s", "mp4", 1)
	if spec.Range != nil && f.failRange {
		_ = os.WriteFile(out+".part", []byte("partial"), 0o644)
		return errors.New("ERROR: range not supported")
	}
	if f.failAt > 0 {
		onUpdate(Update{Percent: f.failAt, Text: "\x1b[0;94m50.0%\x1b[0m"})
		_ = os.WriteFile(out+".part", []byte("half"), 0o644)
		return errors.New("connection reset")
	}
	if f.failTimes > 0 {
		f.failTimes--
		return errors.New("HTTP Error 503")
	}
	onUpdate(Update{Percent: 100, Text: "100.0%"})
	return os.WriteFile(out, []byte("video"), 0o644)
}

func newScope(t *testing.T) *artifact.Scope {
	t.Helper()
	s, err := artifact.NewScope(t.TempDir(), artifact.OwnerID(1, 2))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func orchestrator(tool Tool) *Orchestrator {
	return &Orchestrator{
		Tool:        tool,
		Format:      "best",
		NativeRange: true,
		Retry:       retry.Policy{Name: "fetch", MaxAttempts: 2, Delay: time.Millisecond},
	}
}

func TestFetchFull(t *testing.T) {
	tool := &fakeTool{}
	scope := newScope(t)
	var details []string
	res, err := orchestrator(tool).Fetch(context.Background(), Request{URL: "u"}, scope, func(d string) { details = append(details, d) })
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(filepath.Base(res.Path), scope.Prefix()) || !res.RangeApplied {
		t.Fatalf("result = %+v", res)
	}
	if len(details) != 1 || details[0] != "100.0%" {
		t.Fatalf("progress = %v", details)
	}
	if tool.specs[0].Range != nil {
		t.Fatal("range passed for full download")
	}
}

func TestFetchNativeRange(t *testing.T) {
	tool := &fakeTool{}
	r := &timeparse.Range{Start: 60, Duration: 30}
	res, err := orchestrator(tool).Fetch(context.Background(), Request{URL: "u", Range: r}, newScope(t), nil)
	if err != nil {
		t.Fatal(err)
	}
	if !res.RangeApplied || len(tool.specs) != 1 || tool.specs[0].Range != r {
		t.Fatalf("res = %+v specs = %+v", res, tool.specs)
	}
}

func TestFetchRangeFallsBackToFull(t *testing.T) {
	tool := &fakeTool{failRange: true}
	res, err := orchestrator(tool).Fetch(context.Background(), Request{URL: "u", Range: &timeparse.Range{Start: 1, Duration: 2}}, newScope(t), nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.RangeApplied {
		t.Fatal("fallback reported range as applied")
	}
	if len(tool.specs) != 2 || tool.specs[1].Range != nil {
		t.Fatalf("specs = %+v", tool.specs)
	}
	if strings.HasSuffix(res.Path, ".part") {
		t.Fatalf("picked partial file %s", res.Path)
	}
}

func TestFetchTranscodeStrategySkipsRange(t *testing.T) {
	tool := &fakeTool{}
	o := orchestrator(tool)
	o.NativeRange = false
	res, err := o.Fetch(context.Background(), Request{URL: "u", Range: &timeparse.Range{Start: 1, Duration: 2}}, newScope(t), nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.RangeApplied || tool.specs[0].Range != nil {
		t.Fatalf("res = %+v", res)
	}
}

func TestFetchRetries(t *testing.T) {
	tool := &fakeTool{failTimes: 1}
	if _, err := orchestrator(tool).Fetch(context.Background(), Request{URL: "u"}, newScope(t), nil); err != nil {
		t.Fatalf("second attempt should succeed: %v", err)
	}
	if len(tool.specs) != 2 {
		t.Fatalf("attempts = %d", len(tool.specs))
	}
}

func TestFetchRejectsOverflowingRange(t *testing.T) {
	tool := &fakeTool{}
	rng := &timeparse.Range{Start: timeparse.MaxSeconds, Duration: 10}
	_, err := orchestrator(tool).Fetch(context.Background(), Request{URL: "u", Range: rng}, newScope(t), nil)
	if !errors.Is(err, ErrFetchFailed) || !errors.Is(err, timeparse.ErrInvalidRange) {
		t.Fatalf("err = %v", err)
	}
	if len(tool.specs) != 0 {
		t.Fatalf("tool called %d times", len(tool.specs))
	}
}

func TestFetchFailedAtHalfLeavesNothing(t *testing.T) {
	tool := &fakeTool{failAt: 50}
	scope := newScope(t)
	var details []string
	_, err := orchestrator(tool).Fetch(context.Background(), Request{URL: "u"}, scope, func(d string) { details = append(details, d) })
	if !errors.Is(err, ErrFetchFailed) {
		t.Fatalf("err = %v, want ErrFetchFailed", err)
	}
	if len(details) == 0 || details[0] != "50.0%" {
		t.Fatalf("progress not stripped: %q", details)
	}
	_ = scope.Close()
	if left, _ := filepath.Glob(scope.Pattern()); len(left) != 0 {
		t.Fatalf("files left: %v", left)
	}
}

type fakeProber struct {
	meta Meta
	err  error
}

func (p fakeProber) Probe(context.Context, string) (Meta, error) { return p.meta, p.err }

func TestFetchProbe(t *testing.T) {
	o := orchestrator(&fakeTool{})
	o.Prober = fakeProber{meta: Meta{Title: "Cats", Duration: time.Minute}}

	_, err := o.Fetch(context.Background(), Request{URL: "u", Range: &timeparse.Range{Start: 90, Duration: 10}}, newScope(t), nil)
	if !errors.Is(err, ErrRangeOutOfVideo) || !errors.Is(err, ErrFetchFailed) {
		t.Fatalf("err = %v", err)
	}

	res, err := o.Fetch(context.Background(), Request{URL: "u"}, newScope(t), nil)
	if err != nil || res.Title != "Cats" {
		t.Fatalf("res = %+v, err = %v", res, err)
	}

	o.Prober = fakeProber{err: errors.New("blocked")}
	if _, err := o.Fetch(context.Background(), Request{URL: "u"}, newScope(t), nil); err != nil {
		t.Fatalf("probe failure should be ignored: %v", err)
	}
}

func TestLastLine(t *testing.T) {
	in := "WARNING: x\n\x1b[0;31mERROR:\x1b[0m [youtube] abc: Video unavailable\n\n"
	if got := lastLine(in); got != "ERROR: [youtube] abc: Video unavailable" {
		t.Fatalf("lastLine = %q", got)
	}
}
