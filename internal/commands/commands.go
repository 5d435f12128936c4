// Package commands parses bot commands and holds the user-facing texts.
package commands

import (
	"errors"
	"fmt"
	"strings"

	"github.com/wapuda/tg-clipper/internal/timeparse"
)

const (
	Unauthorized  = "Unauthorized."
	SelectCommand = "Select command:"
	CutUsage      = "Usage: /cut <video_link> <start_time> <end_time>"
	DownloadUsage = "Usage: /download <video_link>"
	HelpText      = "Available commands:\n" +
		"/start - show the command menu\n" +
		"/help - show this help\n" +
		"/download <video_link> - download a video\n" +
		"/cut <video_link> <start_time> <end_time> - download a part of a video\n" +
		"Times use HH:MM:SS, MM:SS or SS."
	SaveOffer       = "Do you want to save this video with keywords?"
	AskKeywords     = "Send keywords separated by commas."
	NotSaved        = "Video not saved."
	NothingToSave   = "There is no recent video to save."
	QueuedText      = "Queued. I will post progress here."
	AlreadyRunning  = "This request is already being processed."
	DownloadStarted = "Download started..."
	DownloadDone    = "Download complete."
	DownloadFailed  = "Download failed."
	CachedSending   = "Already cached. Sending..."

	CallbackCut      = "cut"
	CallbackDownload = "download"
	CallbackSaveYes  = "save_yes"
	CallbackSaveNo   = "save_no"
)

var ErrUsage = errors.New("usage")

// UsageError carries the usage text to show.
type UsageError struct{ Usage string }

func (e *UsageError) Error() string { return e.Usage }
func (e *UsageError) Unwrap() error { return ErrUsage }

type Download struct {
	URL string
}

type Cut struct {
	URL   string
	Range timeparse.Range
	// raw inputs, echoed in the acknowledgement
	StartText, EndText string
}

// ParseDownload expects exactly one argument.
func ParseDownload(args string) (Download, error) {
	f := strings.Fields(args)
	if len(f) != 1 {
		return Download{}, &UsageError{Usage: DownloadUsage}
	}
	return Download{URL: f[0]}, nil
}

// ParseCut expects a link and two times with end after start. Nothing here
// touches the network.
func ParseCut(args string) (Cut, error) {
	f := strings.Fields(args)
	if len(f) != 3 {
		return Cut{}, &UsageError{Usage: CutUsage}
	}
	r, err := timeparse.ParseRange(f[1], f[2])
	if err != nil {
		return Cut{}, err
	}
	return Cut{URL: f[0], Range: r, StartText: f[1], EndText: f[2]}, nil
}

// TimeError renders a time parsing failure for the chat.
func TimeError(err error) string {
	return fmt.Sprintf("Time error: %v. Use HH:MM:SS, MM:SS, or SS format.", err)
}

// CuttingText acknowledges a /cut request.
func CuttingText(c Cut) string {
	return fmt.Sprintf("Cutting video from %s to %s (Duration: %s)",
		timeparse.Format(c.Range.Start), timeparse.Format(c.Range.End()), timeparse.Format(c.Range.Duration))
}

// UsageFor answers the cut/download menu buttons.
func UsageFor(callback string) (string, bool) {
	switch callback {
	case CallbackCut:
		return CutUsage, true
	case CallbackDownload:
		return DownloadUsage, true
	}
	return "", false
}

// ParseKeywords splits comma separated keywords, trimming blanks.
func ParseKeywords(text string) []string {
	var out []string
	for _, k := range strings.Split(text, ",") {
		if k = strings.TrimSpace(k); k != "" {
			out = append(out, k)
		}
	}
	return out
}

// SavedText confirms stored keywords.
func SavedText(keywords []string) string {
	return "Video saved with keywords: " + strings.Join(keywords, ", ")
}
