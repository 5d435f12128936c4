package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/hibiken/asynq"
	"github.com/kkdai/youtube/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/wapuda/tg-clipper/internal/config"
	"github.com/wapuda/tg-clipper/internal/deliver"
	"github.com/wapuda/tg-clipper/internal/fetch"
	"github.com/wapuda/tg-clipper/internal/jobs"
	"github.com/wapuda/tg-clipper/internal/logx"
	"github.com/wapuda/tg-clipper/internal/pipeline"
	"github.com/wapuda/tg-clipper/internal/progress"
	"github.com/wapuda/tg-clipper/internal/retry"
	"github.com/wapuda/tg-clipper/internal/session"
	"github.com/wapuda/tg-clipper/internal/store"
	"github.com/wapuda/tg-clipper/internal/telegram"
	"github.com/wapuda/tg-clipper/internal/timeparse"
	"github.com/wapuda/tg-clipper/internal/trim"
)

func main() {
	logx.Setup(logx.FromEnv("worker"))
	c, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config")
	}
	if c.BotToken == "" {
		log.Fatal().Msg("BOT_TOKEN is required")
	}
	tmp := filepath.Join(c.DataDir, "tmp")
	if err := os.MkdirAll(tmp, 0o755); err != nil {
		log.Fatal().Err(err).Msg("temp dir")
	}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	bot, err := tgbotapi.NewBotAPI(c.BotToken)
	if err != nil {
		log.Fatal().Err(err).Msg("telegram auth")
	}
	db, err := store.Open(ctx, c.DBDialect, c.DBURI)
	if err != nil {
		log.Fatal().Err(err).Msg("open store")
	}
	defer db.Close()
	rdb := redis.NewClient(&redis.Options{Addr: c.RedisAddr})
	defer rdb.Close()

	runner := newRunner(c, telegram.NewSink(bot), db, session.NewRedis(rdb), tmp)
	go runner.Progress.Run(ctx, runner.Sink, c.ProgressTick)

	srv := asynq.NewServer(asynq.RedisClientOpt{Addr: c.RedisAddr}, asynq.Config{
		Concurrency: c.Concurrency,
		Logger:      asynqLogger{},
	})
	mux := asynq.NewServeMux()
	mux.HandleFunc(jobs.TaskFetch, func(ctx context.Context, t *asynq.Task) error {
		p, err := jobs.DecodeFetch(t)
		if err != nil {
			return fmt.Errorf("%w: %v", asynq.SkipRetry, err)
		}
		if err := runner.Handle(ctx, toRequest(p)); err != nil {
			// already reported in chat
			return fmt.Errorf("%w: %v", asynq.SkipRetry, err)
		}
		return nil
	})

	log.Info().
		Int("concurrency", c.Concurrency).
		Str("range_strategy", c.RangeStrategy).
		Int64("direct_max_bytes", c.DirectMaxBytes).
		Msg("worker starting")
	if err := srv.Start(mux); err != nil {
		log.Fatal().Err(err).Msg("asynq start")
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigs
	log.Info().Str("signal", sig.String()).Msg("signal received; shutting down")
	srv.Shutdown()
	stop()
}

func newRunner(c config.Config, sink *telegram.Sink, db *store.Store, state session.State, tmp string) *pipeline.Runner {
	ch := progress.New(progress.Options{MinInterval: c.ProgressInterval, QueueSize: c.ProgressQueueSize})

	orch := &fetch.Orchestrator{
		Tool:        fetch.YTDLP{Executable: c.YtDlpPath},
		Format:      c.VideoFormat,
		NativeRange: c.RangeStrategy == config.RangeNative,
		Retry:       retry.Policy{Name: "fetch", MaxAttempts: c.FetchMaxAttempts, Delay: c.FetchRetryDelay},
	}
	if c.MetadataProbe {
		orch.Prober = &fetch.YouTubeProber{Client: youtube.Client{}}
	}

	r := &pipeline.Runner{
		Sink:    sink,
		Store:   db,
		Fetcher: orch,
		Trimmer: trim.New(c.FfmpegPath),
		Deliverer: &deliver.Strategy{
			Threshold: c.DirectMaxBytes,
			Sink:      sink,
			Relay:     deliver.NewRelay(c.RelayURL, c.RelayMaxAttempts, c.RelayRetryDelay),
			Progress:  ch,
		},
		Progress: ch,
		State:    state,
		TempDir:  tmp,
	}
	r.SetConcurrency(c.Concurrency)
	return r
}

func toRequest(p jobs.FetchPayload) pipeline.Request {
	req := pipeline.Request{
		RequestID: p.RequestID,
		ChatID:    p.ChatID,
		UserID:    p.UserID,
		MessageID: p.MessageID,
		URL:       p.URL,
	}
	if p.HasRange {
		req.Range = &timeparse.Range{Start: p.Start, Duration: p.Duration}
	}
	return req
}

// asynqLogger routes asynq's internal logging through zerolog.
type asynqLogger struct{}

func (asynqLogger) Debug(args ...interface{}) { log.Debug().Msg(fmt.Sprint(args...)) }
func (asynqLogger) Info(args ...interface{})  { log.Info().Msg(fmt.Sprint(args...)) }
func (asynqLogger) Warn(args ...interface{})  { log.Warn().Msg(fmt.Sprint(args...)) }
func (asynqLogger) Error(args ...interface{}) { log.Error().Msg(fmt.Sprint(args...)) }
func (asynqLogger) Fatal(args ...interface{}) { log.Fatal().Msg(fmt.Sprint(args...)) }
