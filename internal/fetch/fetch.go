// Package fetch downloads a remote video into a request's artifact scope,
// either whole or limited to a time range.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/acarl005/stripansi"

	"github.com/wapuda/tg-clipper/internal/artifact"
	"github.com/wapuda/tg-clipper/internal/logx"
	"github.com/wapuda/tg-clipper/internal/retry"
	"github.com/wapuda/tg-clipper/internal/timeparse"
)

var (
	ErrFetchFailed     = errors.New("fetch failed")
	ErrRangeOutOfVideo = errors.New("start time is beyond the end of the video")
	ErrNoOutput        = errors.New("download produced no file")
)

type Request struct {
	URL   string
	Range *timeparse.Range
}

type Result struct {
	Path string
	// RangeApplied is false when a range was requested but the file holds the
	// whole video and still needs trimming.
	RangeApplied bool
	Title        string
}

type Orchestrator struct {
	Tool   Tool
	Prober Prober // optional
	Format string
	// NativeRange asks the tool for the range directly. When false, or when
	// the range download fails, the whole video is fetched.
	NativeRange bool
	Retry       retry.Policy
}

// Fetch downloads req into scope. onProgress receives plain percentage text.
func (o *Orchestrator) Fetch(ctx context.Context, req Request, scope *artifact.Scope, onProgress func(detail string)) (Result, error) {
	logger := logx.FromCtx(ctx)
	var res Result
	if req.Range != nil && !req.Range.Valid() {
		return res, fmt.Errorf("%w: %w", ErrFetchFailed, timeparse.ErrInvalidRange)
	}

	if o.Prober != nil {
		meta, err := o.Prober.Probe(ctx, req.URL)
		switch {
		case err != nil:
			logger.Debug().Err(err).Msg("metadata probe failed")
		default:
			res.Title = meta.Title
			if req.Range != nil && meta.Duration > 0 && time.Duration(req.Range.Start)*time.Second >= meta.Duration {
				return res, fmt.Errorf("%w: %w", ErrFetchFailed, ErrRangeOutOfVideo)
			}
		}
	}

	spec := Spec{
		URL:    req.URL,
		Output: scope.Path("source", "%(ext)s"),
		Format: o.Format,
	}
	notify := func(u Update) {
		if onProgress == nil {
			return
		}
		text := strings.TrimSpace(stripansi.Strip(u.Text))
		if text == "" {
			text = fmt.Sprintf("%.1f%%", u.Percent)
		}
		onProgress(text)
	}

	if req.Range != nil && o.NativeRange {
		ranged := spec
		ranged.Range = req.Range
		err := o.Tool.Download(ctx, ranged, notify)
		if err == nil {
			path, lerr := locate(scope)
			if lerr == nil {
				res.Path, res.RangeApplied = path, true
				return res, nil
			}
			err = lerr
		}
		if ctx.Err() != nil {
			return res, fmt.Errorf("%w: %w", ErrFetchFailed, ctx.Err())
		}
		logger.Warn().Err(err).Msg("range download failed; falling back to full download")
		sweepPartial(scope)
	}

	err := o.Retry.Do(ctx, func(ctx context.Context, _ int) error {
		return o.Tool.Download(ctx, spec, notify)
	})
	if err != nil {
		return res, fmt.Errorf("%w: %w", ErrFetchFailed, err)
	}
	path, err := locate(scope)
	if err != nil {
		return res, fmt.Errorf("%w: %w", ErrFetchFailed, err)
	}
	res.Path = path
	res.RangeApplied = req.Range == nil
	return res, nil
}

// locate finds the finished source file of scope, skipping partial downloads.
func locate(scope *artifact.Scope) (string, error) {
	matches, err := filepath.Glob(filepath.Join(scope.Dir(), scope.Prefix()+"-source.*"))
	if err != nil {
		return "", err
	}
	var (
		best     string
		bestSize int64 = -1
	)
	for _, m := range matches {
		if isPartial(m) {
			continue
		}
		info, err := os.Stat(m)
		if err != nil || info.IsDir() || info.Size() == 0 {
			continue
		}
		if info.Size() > bestSize {
			best, bestSize = m, info.Size()
		}
	}
	if best == "" {
		return "", ErrNoOutput
	}
	scope.Track(best)
	return best, nil
}

func isPartial(p string) bool {
	return strings.HasSuffix(p, ".part") || strings.HasSuffix(p, ".ytdl") || strings.Contains(p, ".part-Frag")
}

// sweepPartial drops leftovers of a failed attempt so locate cannot pick them.
func sweepPartial(scope *artifact.Scope) {
	matches, _ := filepath.Glob(filepath.Join(scope.Dir(), scope.Prefix()+"-source.*"))
	for _, m := range matches {
		_ = os.Remove(m)
	}
}
