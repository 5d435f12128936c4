package fetch

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/acarl005/stripansi"
	"github.com/lrstanley/go-ytdlp"

	"github.com/wapuda/tg-clipper/internal/timeparse"
)

// Spec is one invocation of the download tool.
type Spec struct {
	URL    string
	Output string // output template, may contain %(ext)s
	Format string
	Range  *timeparse.Range
}

// Update is a progress report from the tool. Percent is in [0,100]; Text is
// the tool's own rendering and may carry terminal escapes.
type Update struct {
	Percent float64
	Text    string
}

type Tool interface {
	Download(ctx context.Context, spec Spec, onUpdate func(Update)) error
}

// YTDLP drives yt-dlp through go-ytdlp.
type YTDLP struct {
	Executable string
	Interval   time.Duration
}

func (y YTDLP) command(spec Spec) *ytdlp.Command {
	dl := ytdlp.New().
		Format(spec.Format).
		MergeOutputFormat("mp4").
		NoPlaylist().
		ForceOverwrites().
		RestrictFilenames().
		Output(spec.Output)
	if y.Executable != "" {
		dl = dl.SetExecutable(y.Executable)
	}
	if r := spec.Range; r != nil {
		dl = dl.DownloadSections(fmt.Sprintf("*%d-%d", r.Start, r.End())).
			ForceKeyframesAtCuts()
	}
	return dl
}

func (y YTDLP) Download(ctx context.Context, spec Spec, onUpdate func(Update)) error {
	interval := y.Interval
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	dl := y.command(spec)
	dl.ProgressFunc(interval, func(u ytdlp.ProgressUpdate) {
		if u.TotalBytes <= 0 || onUpdate == nil {
			return
		}
		pct := float64(u.DownloadedBytes) / float64(u.TotalBytes) * 100
		onUpdate(Update{Percent: pct, Text: fmt.Sprintf("%.1f%%", pct)})
	})
	res, err := dl.Run(ctx, spec.URL)
	if err != nil {
		if res != nil && strings.TrimSpace(res.Stderr) != "" {
			return fmt.Errorf("yt-dlp: %s: %w", lastLine(res.Stderr), err)
		}
		return fmt.Errorf("yt-dlp: %w", err)
	}
	return nil
}

// lastLine returns the last non-blank line of s without color escapes.
func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(stripansi.Strip(s)), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if l := strings.TrimSpace(lines[i]); l != "" {
			return l
		}
	}
	return ""
}
