// Package progress bridges bursty progress callbacks to rate-limited message
// edits. Producers call Publish from any goroutine and never block; a single
// flusher drains the per-message mailboxes on a ticker.
package progress

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

type Phase int

const (
	Downloading Phase = iota
	Uploading
	Complete
	Failed
)

func (p Phase) String() string {
	switch p {
	case Downloading:
		return "Download"
	case Uploading:
		return "Upload"
	case Complete:
		return "Complete"
	case Failed:
		return "Failed"
	default:
		return fmt.Sprintf("Phase(%d)", int(p))
	}
}

// Key identifies the status message being edited.
type Key struct {
	ChatID    int64
	MessageID int
}

type Event struct {
	Key    Key
	Phase  Phase
	Detail string
	At     time.Time
}

// Text is the message body shown for the event.
func (e Event) Text() string {
	switch e.Phase {
	case Downloading, Uploading:
		return fmt.Sprintf("%s: %s", e.Phase, e.Detail)
	case Complete:
		if e.Detail != "" {
			return e.Detail
		}
		return "Complete."
	default:
		if e.Detail != "" {
			return e.Detail
		}
		return "Failed."
	}
}

// Editor is the sink side: replace the text of an existing message.
type Editor interface {
	EditText(ctx context.Context, chatID int64, messageID int, text string) error
}

type Options struct {
	MinInterval time.Duration
	QueueSize   int
}

type entry struct {
	limiter *rate.Limiter
	queue   chan Event

	mu     sync.Mutex // held while editing; guards closed
	closed bool
}

// retiredTTL bounds how long a removed key keeps rejecting late events.
const retiredTTL = 10 * time.Minute

type Channel struct {
	opts Options

	mu      sync.Mutex
	entries map[Key]*entry
	retired map[Key]time.Time
}

func New(opts Options) *Channel {
	if opts.MinInterval <= 0 {
		opts.MinInterval = 5 * time.Second
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 100
	}
	return &Channel{
		opts:    opts,
		entries: make(map[Key]*entry),
		retired: make(map[Key]time.Time),
	}
}

// Publish offers ev to its key's mailbox. It reports whether the event was
// accepted; events inside the minimum interval or hitting a full queue are
// dropped.
func (c *Channel) Publish(ev Event) bool {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	c.mu.Lock()
	if _, gone := c.retired[ev.Key]; gone {
		c.mu.Unlock()
		return false
	}
	e, ok := c.entries[ev.Key]
	if !ok {
		e = &entry{
			limiter: rate.NewLimiter(rate.Every(c.opts.MinInterval), 1),
			queue:   make(chan Event, c.opts.QueueSize),
		}
		c.entries[ev.Key] = e
	}
	allowed := e.limiter.AllowN(ev.At, 1)
	c.mu.Unlock()
	if !allowed {
		return false
	}
	select {
	case e.queue <- ev:
		return true
	default:
		return false
	}
}

// Remove stops tracking key. Once it returns, no edit for key is in flight
// and none will be issued later; late publishes for key are dropped.
func (c *Channel) Remove(key Key) {
	c.mu.Lock()
	e, ok := c.entries[key]
	if ok {
		delete(c.entries, key)
	}
	c.retired[key] = time.Now()
	c.mu.Unlock()
	if !ok {
		return
	}
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
}

// Len returns the number of tracked keys.
func (c *Channel) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Flush drains every mailbox and edits each message at most once with its
// newest event. It returns the number of edits attempted. Editor errors are
// logged and dropped.
func (c *Channel) Flush(ctx context.Context, ed Editor) int {
	c.mu.Lock()
	snapshot := make(map[Key]*entry, len(c.entries))
	for k, e := range c.entries {
		snapshot[k] = e
	}
	now := time.Now()
	for k, at := range c.retired {
		if now.Sub(at) > retiredTTL {
			delete(c.retired, k)
		}
	}
	c.mu.Unlock()

	edits := 0
	for key, e := range snapshot {
		last, ok := drain(e.queue)
		if !ok {
			continue
		}
		e.mu.Lock()
		if e.closed {
			e.mu.Unlock()
			continue
		}
		edits++
		if err := ed.EditText(ctx, key.ChatID, key.MessageID, last.Text()); err != nil {
			log.Debug().Err(err).Int64("chat", key.ChatID).Int("msg", key.MessageID).Msg("progress edit dropped")
		}
		e.mu.Unlock()
	}
	return edits
}

func drain(q chan Event) (Event, bool) {
	var (
		last Event
		got  bool
	)
	for {
		select {
		case ev := <-q:
			if !got || !ev.At.Before(last.At) {
				last = ev
			}
			got = true
		default:
			return last, got
		}
	}
}

// Run flushes every tick until ctx is done.
func (c *Channel) Run(ctx context.Context, ed Editor, tick time.Duration) {
	if tick <= 0 {
		tick = time.Second
	}
	t := time.NewTicker(tick)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			c.Flush(ctx, ed)
		}
	}
}
