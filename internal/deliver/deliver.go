// Package deliver sends a finished artifact to the chat, directly when it is
// small enough and through a relay link otherwise.
package deliver

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/wapuda/tg-clipper/internal/logx"
	"github.com/wapuda/tg-clipper/internal/progress"
)

var ErrDeliveryFailed = errors.New("delivery failed")

// DefaultThreshold is the largest size, exclusive, sent as a file.
const DefaultThreshold int64 = 50 * 1024 * 1024

type Sink interface {
	SendText(ctx context.Context, chatID int64, replyTo int, text string) (int, error)
	EditText(ctx context.Context, chatID int64, messageID int, text string) error
	SendFile(ctx context.Context, chatID int64, replyTo int, path, caption string) (string, error)
}

type Uploader interface {
	Upload(ctx context.Context, path string, onProgress func(pct float64)) (string, error)
}

type Target struct {
	ChatID  int64
	ReplyTo int
	Caption string
}

type Outcome struct {
	Handle  string // media handle when sent directly
	URL     string // relay link when uploaded
	Relayed bool
	Size    int64
}

type Strategy struct {
	Threshold int64
	Sink      Sink
	Relay     Uploader
	Progress  *progress.Channel
}

// Deliver routes path by size and returns what the sink or relay handed back.
func (s *Strategy) Deliver(ctx context.Context, to Target, path string) (Outcome, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Outcome{}, fmt.Errorf("%w: %w", ErrDeliveryFailed, err)
	}
	threshold := s.Threshold
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	out := Outcome{Size: info.Size()}
	logger := logx.FromCtx(ctx).With().Int64("bytes", out.Size).Logger()

	if out.Size < threshold {
		handle, err := s.Sink.SendFile(ctx, to.ChatID, to.ReplyTo, path, to.Caption)
		if err != nil {
			return out, fmt.Errorf("%w: send file: %w", ErrDeliveryFailed, err)
		}
		out.Handle = handle
		logger.Info().Msg("delivered directly")
		return out, nil
	}

	if s.Relay == nil {
		return out, fmt.Errorf("%w: file exceeds %d bytes and no relay is configured", ErrDeliveryFailed, threshold)
	}
	link, err := s.upload(ctx, to, path)
	if err != nil {
		return out, fmt.Errorf("%w: relay: %w", ErrDeliveryFailed, err)
	}
	out.URL, out.Relayed = link, true
	text := link
	if to.Caption != "" {
		text = to.Caption + "\n" + link
	}
	if _, err := s.Sink.SendText(ctx, to.ChatID, to.ReplyTo, text); err != nil {
		return out, fmt.Errorf("%w: send link: %w", ErrDeliveryFailed, err)
	}
	logger.Info().Str("url", link).Msg("delivered via relay")
	return out, nil
}

func (s *Strategy) upload(ctx context.Context, to Target, path string) (string, error) {
	msgID, err := s.Sink.SendText(ctx, to.ChatID, to.ReplyTo, "Upload started...")
	if err != nil || s.Progress == nil {
		return s.Relay.Upload(ctx, path, nil)
	}
	key := progress.Key{ChatID: to.ChatID, MessageID: msgID}
	link, err := s.Relay.Upload(ctx, path, func(pct float64) {
		s.Progress.Publish(progress.Event{
			Key:    key,
			Phase:  progress.Uploading,
			Detail: fmt.Sprintf("%.1f%%", pct),
			At:     time.Now(),
		})
	})
	s.Progress.Remove(key)
	final := "Upload complete."
	if err != nil {
		final = "Upload failed."
	}
	_ = s.Sink.EditText(ctx, to.ChatID, msgID, final)
	return link, err
}
