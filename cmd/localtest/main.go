// localtest runs one request through the pipeline without Telegram or Redis.
// Messages go to stdout and delivered files are copied to ./out.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sync/atomic"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/wapuda/tg-clipper/internal/config"
	"github.com/wapuda/tg-clipper/internal/deliver"
	"github.com/wapuda/tg-clipper/internal/fetch"
	"github.com/wapuda/tg-clipper/internal/logx"
	"github.com/wapuda/tg-clipper/internal/pipeline"
	"github.com/wapuda/tg-clipper/internal/progress"
	"github.com/wapuda/tg-clipper/internal/retry"
	"github.com/wapuda/tg-clipper/internal/session"
	"github.com/wapuda/tg-clipper/internal/store"
	"github.com/wapuda/tg-clipper/internal/timeparse"
	"github.com/wapuda/tg-clipper/internal/trim"
)

type console struct {
	out  string
	next atomic.Int32
}

func (c *console) SendText(_ context.Context, _ int64, _ int, text string) (int, error) {
	id := int(c.next.Add(1))
	fmt.Printf("[%d] %s\n", id, text)
	return id, nil
}

func (c *console) EditText(_ context.Context, _ int64, id int, text string) error {
	fmt.Printf("[%d] (edit) %s\n", id, text)
	return nil
}

func (c *console) SendFile(_ context.Context, _ int64, _ int, path, caption string) (string, error) {
	dst := filepath.Join(c.out, filepath.Base(path))
	if err := copyFile(path, dst); err != nil {
		return "", err
	}
	fmt.Printf("file: %s %s\n", dst, caption)
	return "local:" + dst, nil
}

func (c *console) SendHandle(_ context.Context, _ int64, _ int, handle, _ string) error {
	fmt.Println("cached:", handle)
	return nil
}

func (c *console) OfferSave(context.Context, int64) error { return nil }

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func main() {
	if len(os.Args) != 2 && len(os.Args) != 4 {
		fmt.Println("Usage: go run ./cmd/localtest <url> [start end]")
		return
	}
	logx.Setup(logx.FromEnv("localtest"))
	c, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config")
	}

	req := pipeline.Request{ChatID: 1, MessageID: 1, URL: os.Args[1]}
	if len(os.Args) == 4 {
		rng, err := timeparse.ParseRange(os.Args[2], os.Args[3])
		if err != nil {
			log.Fatal().Err(err).Msg("range")
		}
		req.Range = &rng
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll("./out", 0o755); err != nil {
		log.Fatal().Err(err).Msg("out dir")
	}
	db, err := store.Open(ctx, c.DBDialect, c.DBURI)
	if err != nil {
		log.Fatal().Err(err).Msg("open store")
	}
	defer db.Close()

	sink := &console{out: "./out"}
	ch := progress.New(progress.Options{MinInterval: c.ProgressInterval, QueueSize: c.ProgressQueueSize})
	go ch.Run(ctx, sink, c.ProgressTick)

	r := &pipeline.Runner{
		Sink:  sink,
		Store: db,
		Fetcher: &fetch.Orchestrator{
			Tool:        fetch.YTDLP{Executable: c.YtDlpPath},
			Format:      c.VideoFormat,
			NativeRange: c.RangeStrategy == config.RangeNative,
			Retry:       retry.Policy{Name: "fetch", MaxAttempts: c.FetchMaxAttempts, Delay: c.FetchRetryDelay},
		},
		Trimmer: trim.New(c.FfmpegPath),
		Deliverer: &deliver.Strategy{
			Threshold: c.DirectMaxBytes,
			Sink:      sink,
			Relay:     deliver.NewRelay(c.RelayURL, c.RelayMaxAttempts, c.RelayRetryDelay),
			Progress:  ch,
		},
		Progress: ch,
		State:    session.NewMemory(),
		TempDir:  os.TempDir(),
	}
	r.SetConcurrency(1)

	out, err := r.Run(ctx, req)
	if err != nil {
		fmt.Println(pipeline.UserMessage(err))
		os.Exit(1)
	}
	fmt.Printf("done: key=%s cached=%v relayed=%v url=%s\n", out.Key, out.Cached, out.Delivery.Relayed, out.Delivery.URL)
}
