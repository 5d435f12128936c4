// Package pipeline runs one fetch, trim and deliver request end to end.
//
// A Runner owns nothing global: each Run gets its own artifact scope and
// progress key, and the only state shared between runs is the progress
// channel and the cache store.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/wapuda/tg-clipper/internal/artifact"
	"github.com/wapuda/tg-clipper/internal/commands"
	"github.com/wapuda/tg-clipper/internal/deliver"
	"github.com/wapuda/tg-clipper/internal/fetch"
	"github.com/wapuda/tg-clipper/internal/logx"
	"github.com/wapuda/tg-clipper/internal/progress"
	"github.com/wapuda/tg-clipper/internal/session"
	"github.com/wapuda/tg-clipper/internal/store"
	"github.com/wapuda/tg-clipper/internal/timeparse"
	"github.com/wapuda/tg-clipper/internal/urlnorm"
)

var ErrAlreadyRunning = errors.New("request already in flight")

type Sink interface {
	deliver.Sink
	SendHandle(ctx context.Context, chatID int64, replyTo int, handle, caption string) error
	OfferSave(ctx context.Context, chatID int64) error
}

type Store interface {
	Get(ctx context.Context, url string) (*store.Record, error)
	Insert(ctx context.Context, rec store.Record) (bool, error)
	SetMedia(ctx context.Context, url, mediaID string) error
}

type Fetcher interface {
	Fetch(ctx context.Context, req fetch.Request, scope *artifact.Scope, onProgress func(string)) (fetch.Result, error)
}

type Trimmer interface {
	Trim(ctx context.Context, src, dst string, start, duration uint64) error
}

type Deliverer interface {
	Deliver(ctx context.Context, to deliver.Target, path string) (deliver.Outcome, error)
}

// Request is immutable once built from a command.
type Request struct {
	RequestID string
	ChatID    int64
	UserID    int64
	MessageID int
	URL       string
	Range     *timeparse.Range
}

type Outcome struct {
	Key      string
	Cached   bool
	Delivery deliver.Outcome
}

type Runner struct {
	Sink      Sink
	Store     Store
	Fetcher   Fetcher
	Trimmer   Trimmer
	Deliverer Deliverer
	Progress  *progress.Channel
	State     session.State // optional
	TempDir   string

	sem      *semaphore.Weighted
	mu       sync.Mutex
	inFlight map[progress.Key]struct{}
}

// SetConcurrency bounds simultaneous runs. Must be called before Run.
func (r *Runner) SetConcurrency(n int) {
	if n < 1 {
		n = 1
	}
	r.sem = semaphore.NewWeighted(int64(n))
}

// CacheKey returns the store key for url with an optional range.
func CacheKey(url string, rng *timeparse.Range) (key, canonical string) {
	canonical = urlnorm.Normalize(url)
	if rng == nil {
		return canonical, canonical
	}
	return urlnorm.CutKey(canonical, rng.Start, rng.Duration), canonical
}

func (r *Runner) claim(k progress.Key) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.inFlight == nil {
		r.inFlight = make(map[progress.Key]struct{})
	}
	if _, busy := r.inFlight[k]; busy {
		return false
	}
	r.inFlight[k] = struct{}{}
	return true
}

func (r *Runner) release(k progress.Key) {
	r.mu.Lock()
	delete(r.inFlight, k)
	r.mu.Unlock()
}

// Handle runs req and turns a failure into a single chat message.
func (r *Runner) Handle(ctx context.Context, req Request) error {
	_, err := r.Run(ctx, req)
	if err == nil {
		return nil
	}
	logger := logx.FromCtx(ctx)
	logger.Error().Err(err).Int64("chat", req.ChatID).Int("msg", req.MessageID).Msg("request failed")
	if _, serr := r.Sink.SendText(ctx, req.ChatID, req.MessageID, UserMessage(err)); serr != nil {
		logger.Warn().Err(serr).Msg("could not report failure")
	}
	return err
}

// Run executes the pipeline. Temp files are released on every return path.
func (r *Runner) Run(ctx context.Context, req Request) (Outcome, error) {
	reqKey := progress.Key{ChatID: req.ChatID, MessageID: req.MessageID}
	if !r.claim(reqKey) {
		return Outcome{}, ErrAlreadyRunning
	}
	defer r.release(reqKey)

	if r.sem != nil {
		if err := r.sem.Acquire(ctx, 1); err != nil {
			return Outcome{}, err
		}
		defer r.sem.Release(1)
	}

	if req.RequestID == "" {
		req.RequestID = artifact.NewID()
	}
	ctx = logx.WithRequest(ctx, req.RequestID, req.ChatID)
	logger := logx.FromCtx(ctx)
	started := time.Now()

	key, canonical := CacheKey(req.URL, req.Range)
	out := Outcome{Key: key}
	original := ""
	if req.Range != nil {
		original = canonical
	}

	hit, ok, stale := r.cached(ctx, req, key)
	if ok {
		out.Cached = true
		out.Delivery.Handle = hit
		logger.Info().Str("key", key).Msg("served from cache")
		return out, nil
	}

	scope, err := artifact.NewScope(r.TempDir, artifact.OwnerID(req.ChatID, req.MessageID))
	if err != nil {
		return out, &StageError{Stage: StageFetch, Err: err}
	}
	defer scope.Close()

	statusID, err := r.Sink.SendText(ctx, req.ChatID, req.MessageID, commands.DownloadStarted)
	if err != nil {
		logger.Warn().Err(err).Msg("status message not sent; progress disabled")
	}
	pkey := progress.Key{ChatID: req.ChatID, MessageID: statusID}
	onProgress := func(detail string) {
		if statusID == 0 || r.Progress == nil {
			return
		}
		r.Progress.Publish(progress.Event{Key: pkey, Phase: progress.Downloading, Detail: detail, At: time.Now()})
	}

	res, err := r.Fetcher.Fetch(ctx, fetch.Request{URL: canonical, Range: req.Range}, scope, onProgress)
	r.finishStatus(ctx, pkey, err == nil)
	if err != nil {
		return out, &StageError{Stage: StageFetch, Err: err}
	}
	logger.Info().Str("path", res.Path).Bool("range_applied", res.RangeApplied).Dur("took", time.Since(started)).Msg("fetched")

	path := res.Path
	if req.Range != nil && !res.RangeApplied {
		dst := scope.Path("trimmed", "mp4")
		if err := r.Trimmer.Trim(ctx, res.Path, dst, req.Range.Start, req.Range.Duration); err != nil {
			return out, &StageError{Stage: StageTrim, Err: err}
		}
		path = dst
	}

	d, err := r.Deliverer.Deliver(ctx, deliver.Target{ChatID: req.ChatID, ReplyTo: req.MessageID, Caption: res.Title}, path)
	out.Delivery = d
	if err != nil {
		return out, &StageError{Stage: StageDeliver, Err: err}
	}

	r.remember(ctx, req, store.Record{URL: key, MediaID: d.Handle, OriginalURL: original}, stale)
	logger.Info().Str("key", key).Bool("relayed", d.Relayed).Dur("took", time.Since(started)).Msg("request done")
	return out, nil
}

// cached sends a stored media handle. A handle Telegram no longer accepts
// falls through to a fresh download and is reported as stale.
func (r *Runner) cached(ctx context.Context, req Request, key string) (handle string, ok, stale bool) {
	if r.Store == nil {
		return "", false, false
	}
	logger := logx.FromCtx(ctx)
	rec, err := r.Store.Get(ctx, key)
	if err != nil {
		logger.Warn().Err(err).Str("key", key).Msg("cache lookup failed")
		return "", false, false
	}
	if !rec.Usable() {
		return "", false, false
	}
	_, _ = r.Sink.SendText(ctx, req.ChatID, req.MessageID, commands.CachedSending)
	if err := r.Sink.SendHandle(ctx, req.ChatID, req.MessageID, rec.MediaID, ""); err != nil {
		logger.Warn().Err(err).Msg("cached handle rejected; downloading again")
		return "", false, true
	}
	return rec.MediaID, true, false
}

func (r *Runner) finishStatus(ctx context.Context, k progress.Key, ok bool) {
	if k.MessageID == 0 {
		return
	}
	if r.Progress != nil {
		r.Progress.Remove(k)
	}
	text := commands.DownloadDone
	if !ok {
		text = commands.DownloadFailed
	}
	if err := r.Sink.EditText(ctx, k.ChatID, k.MessageID, text); err != nil {
		logger := logx.FromCtx(ctx)
		logger.Debug().Err(err).Msg("final status edit failed")
	}
}

// remember writes the cache record and offers keyword saving. A stale row
// gets the fresh handle. Failures here never fail the request.
func (r *Runner) remember(ctx context.Context, req Request, rec store.Record, stale bool) {
	logger := logx.FromCtx(ctx)
	if r.Store != nil {
		inserted, err := r.Store.Insert(ctx, rec)
		switch {
		case err != nil:
			logger.Warn().Err(err).Str("key", rec.URL).Msg("cache write failed")
		case !inserted && stale:
			if err := r.Store.SetMedia(ctx, rec.URL, rec.MediaID); err != nil {
				logger.Warn().Err(err).Str("key", rec.URL).Msg("stale handle not replaced")
			}
		case !inserted:
			logger.Debug().Str("key", rec.URL).Msg("already cached by another request")
		}
	}
	if r.State == nil {
		return
	}
	if err := r.State.SetLast(ctx, req.ChatID, session.LastVideo{Key: rec.URL, OriginalURL: rec.OriginalURL}); err != nil {
		logger.Warn().Err(err).Msg("remember last video failed")
		return
	}
	if err := r.Sink.OfferSave(ctx, req.ChatID); err != nil {
		logger.Debug().Err(err).Msg("save offer not sent")
	}
}

const (
	StageFetch   = "fetch"
	StageTrim    = "trim"
	StageDeliver = "deliver"
)

// StageError tags an error with the pipeline stage it escaped from.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string { return e.Stage + ": " + e.Err.Error() }
func (e *StageError) Unwrap() error { return e.Err }

// UserMessage renders err as the one chat message a user sees.
func UserMessage(err error) string {
	var se *StageError
	switch {
	case errors.Is(err, ErrAlreadyRunning):
		return commands.AlreadyRunning
	case errors.Is(err, fetch.ErrRangeOutOfVideo):
		return "Error downloading video: " + fetch.ErrRangeOutOfVideo.Error() + "."
	case errors.As(err, &se) && se.Stage == StageFetch:
		return fmt.Sprintf("Error downloading video: %v", se.Err)
	case errors.As(err, &se) && se.Stage == StageTrim:
		return fmt.Sprintf("Error cutting video: %v", se.Err)
	case errors.As(err, &se) && se.Stage == StageDeliver:
		return fmt.Sprintf("Error sending video: %v", se.Err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "Request canceled."
	}
	return fmt.Sprintf("Something went wrong: %v", err)
}
