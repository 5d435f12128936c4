package progress

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

type recordingEditor struct {
	mu    sync.Mutex
	edits []string
	err   error
	hold  chan struct{}
}

func (r *recordingEditor) EditText(_ context.Context, chatID int64, msgID int, text string) error {
	if r.hold != nil {
		<-r.hold
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.edits = append(r.edits, fmt.Sprintf("%d/%d:%s", chatID, msgID, text))
	return r.err
}

func (r *recordingEditor) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.edits)
}

func TestPublishWithinIntervalAcceptsOne(t *testing.T) {
	c := New(Options{MinInterval: 5 * time.Second, QueueSize: 100})
	key := Key{ChatID: 1, MessageID: 2}
	base := time.Unix(1000, 0)
	accepted := 0
	for i := 0; i < 50; i++ {
		if c.Publish(Event{Key: key, Phase: Downloading, Detail: fmt.Sprintf("%d%%", i), At: base.Add(time.Duration(i) * 50 * time.Millisecond)}) {
			accepted++
		}
	}
	if accepted != 1 {
		t.Fatalf("accepted %d events inside one interval, want 1", accepted)
	}
}

func TestPublishSpacedAcceptsAll(t *testing.T) {
	c := New(Options{MinInterval: 5 * time.Second, QueueSize: 100})
	key := Key{ChatID: 1, MessageID: 2}
	base := time.Unix(1000, 0)
	for i := 0; i < 10; i++ {
		if !c.Publish(Event{Key: key, Phase: Downloading, At: base.Add(time.Duration(i) * 6 * time.Second)}) {
			t.Fatalf("event %d dropped", i)
		}
	}
}

func TestPublishDropsWhenFull(t *testing.T) {
	c := New(Options{MinInterval: time.Nanosecond, QueueSize: 2})
	key := Key{ChatID: 3, MessageID: 4}
	base := time.Unix(1000, 0)
	results := []bool{}
	for i := 0; i < 4; i++ {
		results = append(results, c.Publish(Event{Key: key, At: base.Add(time.Duration(i) * time.Second)}))
	}
	want := []bool{true, true, false, false}
	for i := range want {
		if results[i] != want[i] {
			t.Fatalf("publish results = %v, want %v", results, want)
		}
	}
}

func TestFlushEditsOncePerKeyWithNewest(t *testing.T) {
	c := New(Options{MinInterval: time.Nanosecond, QueueSize: 100})
	a := Key{ChatID: 1, MessageID: 1}
	b := Key{ChatID: 2, MessageID: 7}
	base := time.Unix(1000, 0)
	for i := 0; i < 5; i++ {
		c.Publish(Event{Key: a, Phase: Downloading, Detail: fmt.Sprintf("%d%%", i*10), At: base.Add(time.Duration(i) * time.Second)})
	}
	c.Publish(Event{Key: b, Phase: Uploading, Detail: "12.0%", At: base})

	ed := &recordingEditor{}
	if n := c.Flush(context.Background(), ed); n != 2 {
		t.Fatalf("Flush edits = %d, want 2", n)
	}
	got := map[string]bool{}
	for _, e := range ed.edits {
		got[e] = true
	}
	if !got["1/1:Download: 40%"] || !got["2/7:Upload: 12.0%"] {
		t.Fatalf("edits = %v", ed.edits)
	}
	if n := c.Flush(context.Background(), ed); n != 0 {
		t.Fatalf("second Flush edits = %d, want 0", n)
	}
}

func TestFlushSwallowsEditorErrors(t *testing.T) {
	c := New(Options{})
	c.Publish(Event{Key: Key{1, 1}, Phase: Downloading, Detail: "1%"})
	ed := &recordingEditor{err: errors.New("message is not modified")}
	if n := c.Flush(context.Background(), ed); n != 1 {
		t.Fatalf("Flush = %d", n)
	}
}

func TestRemoveBlocksLateEdits(t *testing.T) {
	c := New(Options{MinInterval: time.Nanosecond})
	key := Key{ChatID: 9, MessageID: 9}
	c.Publish(Event{Key: key, Phase: Downloading, Detail: "50%"})
	c.Remove(key)
	if c.Len() != 0 {
		t.Fatalf("Len = %d after Remove", c.Len())
	}
	if c.Publish(Event{Key: key, Phase: Downloading, Detail: "60%"}) {
		t.Fatal("publish accepted after Remove")
	}
	ed := &recordingEditor{}
	c.Flush(context.Background(), ed)
	if ed.count() != 0 {
		t.Fatalf("stale edits delivered: %v", ed.edits)
	}
}

func TestRemoveDuringFlush(t *testing.T) {
	c := New(Options{MinInterval: time.Nanosecond})
	key := Key{ChatID: 5, MessageID: 5}
	c.Publish(Event{Key: key, Phase: Downloading, Detail: "10%"})

	ed := &recordingEditor{hold: make(chan struct{})}
	flushed := make(chan int)
	go func() { flushed <- c.Flush(context.Background(), ed) }()

	removed := make(chan struct{})
	go func() {
		c.Remove(key)
		close(removed)
	}()

	select {
	case <-removed:
		// Remove won the race; Flush must skip the key.
	case <-time.After(20 * time.Millisecond):
		// Flush holds the entry; Remove waits for the in-flight edit.
	}
	close(ed.hold)
	<-flushed
	<-removed

	before := ed.count()
	c.Publish(Event{Key: key, Phase: Downloading, Detail: "20%"})
	c.Flush(context.Background(), ed)
	if ed.count() != before {
		t.Fatal("edit delivered after Remove returned")
	}
}

func TestRun(t *testing.T) {
	c := New(Options{MinInterval: time.Nanosecond})
	c.Publish(Event{Key: Key{1, 1}, Phase: Downloading, Detail: "5%"})
	ed := &recordingEditor{}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx, ed, 5*time.Millisecond)
		close(done)
	}()
	deadline := time.After(time.Second)
	for ed.count() == 0 {
		select {
		case <-deadline:
			t.Fatal("Run never flushed")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	<-done
}

func TestEventText(t *testing.T) {
	tests := []struct {
		ev   Event
		want string
	}{
		{Event{Phase: Downloading, Detail: "42.0%"}, "Download: 42.0%"},
		{Event{Phase: Uploading, Detail: "3.1%"}, "Upload: 3.1%"},
		{Event{Phase: Complete, Detail: "Download complete."}, "Download complete."},
		{Event{Phase: Failed}, "Failed."},
	}
	for _, tt := range tests {
		if got := tt.ev.Text(); got != tt.want {
			t.Errorf("Text() = %q, want %q", got, tt.want)
		}
	}
}
