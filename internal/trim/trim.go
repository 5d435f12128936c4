// Package trim cuts a local video to a sub-range with ffmpeg stream copy.
package trim

import (
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/wapuda/tg-clipper/internal/logx"
)

var ErrTrimFailed = errors.New("trim failed")

// Error carries the transcoder's stderr tail.
type Error struct {
	Reason string
	Stderr string
	Err    error
}

func (e *Error) Error() string {
	msg := "trim failed: " + e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrTrimFailed, e.Err}
	}
	return []error{ErrTrimFailed}
}

type Trimmer struct {
	FFmpeg string
}

func New(ffmpeg string) *Trimmer {
	if ffmpeg == "" {
		ffmpeg = "ffmpeg"
	}
	return &Trimmer{FFmpeg: ffmpeg}
}

func args(src, dst string, start, duration uint64) []string {
	return []string{
		"-hide_banner", "-loglevel", "error", "-y",
		"-ss", strconv.FormatUint(start, 10),
		"-i", src,
		"-t", strconv.FormatUint(duration, 10),
		"-c:v", "copy", "-c:a", "copy",
		"-avoid_negative_ts", "make_zero",
		dst,
	}
}

// Trim writes [start, start+duration) of src into dst.
func (t *Trimmer) Trim(ctx context.Context, src, dst string, start, duration uint64) error {
	if duration == 0 {
		return &Error{Reason: "empty range"}
	}
	same, err := samePath(src, dst)
	if err != nil {
		return &Error{Reason: "resolve paths", Err: err}
	}
	if same {
		return &Error{Reason: "output would overwrite source"}
	}
	if _, err := os.Stat(src); err != nil {
		return &Error{Reason: "missing source", Err: err}
	}

	lw := logx.NewLineWriter(map[string]string{"proc": "ffmpeg", "out": filepath.Base(dst)}, zerolog.DebugLevel)
	pr, pw := io.Pipe()
	piped := make(chan struct{})
	go func() {
		lw.Pipe(pr)
		close(piped)
	}()

	cmd := exec.CommandContext(ctx, t.FFmpeg, args(src, dst, start, duration)...)
	cmd.Stderr = pw
	begin := time.Now()
	runErr := cmd.Run()
	_ = pw.Close()
	<-piped

	logger := logx.FromCtx(ctx)
	if runErr != nil {
		_ = os.Remove(dst)
		return &Error{Reason: "ffmpeg exited", Stderr: lw.Tail(), Err: runErr}
	}
	info, err := os.Stat(dst)
	if err != nil {
		return &Error{Reason: "missing output", Stderr: lw.Tail(), Err: err}
	}
	if info.Size() == 0 {
		_ = os.Remove(dst)
		return &Error{Reason: "empty output", Stderr: lw.Tail()}
	}
	logger.Info().Dur("took", time.Since(begin)).Int64("bytes", info.Size()).
		Uint64("start", start).Uint64("duration", duration).Msg("trim done")
	return nil
}

func samePath(a, b string) (bool, error) {
	aa, err := filepath.Abs(a)
	if err != nil {
		return false, err
	}
	bb, err := filepath.Abs(b)
	if err != nil {
		return false, err
	}
	return aa == bb, nil
}
