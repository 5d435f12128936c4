package fetch

import (
	"context"
	"time"

	"github.com/kkdai/youtube/v2"
)

type Meta struct {
	Title    string
	Duration time.Duration
}

type Prober interface {
	Probe(ctx context.Context, url string) (Meta, error)
}

// YouTubeProber looks up title and length without downloading media.
type YouTubeProber struct {
	Client youtube.Client
}

func (p *YouTubeProber) Probe(ctx context.Context, url string) (Meta, error) {
	v, err := p.Client.GetVideoContext(ctx, url)
	if err != nil {
		return Meta{}, err
	}
	return Meta{Title: v.Title, Duration: v.Duration}, nil
}
