// Package logx configures the global zerolog logger and carries per-request
// fields through a context.
package logx

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/wapuda/tg-clipper/internal/config"
)

type ctxKey string

const (
	CtxKeyRequestID ctxKey = "rid"
	CtxKeyChatID    ctxKey = "chat"
)

// Rotation mirrors lumberjack's knobs. An empty Path disables the file sink.
type Rotation struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

type Config struct {
	Service     string // bot, worker or localtest
	Level       string
	Console     bool // human-readable output instead of JSON
	File        Rotation
	SampleEvery int // keep 1 of N events; 0 keeps all
}

// FromEnv reads LOG_LEVEL, LOG_FORMAT, LOG_FILE* and LOG_SAMPLE_EVERY.
func FromEnv(service string) Config {
	return Config{
		Service: service,
		Level:   strings.ToLower(config.Getenv("LOG_LEVEL", "info")),
		Console: strings.EqualFold(config.Getenv("LOG_FORMAT", "json"), "console"),
		File: Rotation{
			Path:       config.Getenv("LOG_FILE", ""),
			MaxSizeMB:  config.MustInt("LOG_FILE_MAX_SIZE", 50),
			MaxBackups: config.MustInt("LOG_FILE_MAX_BACKUPS", 3),
			MaxAgeDays: config.MustInt("LOG_FILE_MAX_AGE", 7),
			Compress:   config.MustBool("LOG_FILE_COMPRESS", true),
		},
		SampleEvery: config.MustInt("LOG_SAMPLE_EVERY", 0),
	}
}

func (c Config) writer() io.Writer {
	var out io.Writer = os.Stdout
	if c.Console {
		out = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}
	if c.File.Path == "" {
		return out
	}
	return io.MultiWriter(out, &lumberjack.Logger{
		Filename:   c.File.Path,
		MaxSize:    c.File.MaxSizeMB,
		MaxBackups: c.File.MaxBackups,
		MaxAge:     c.File.MaxAgeDays,
		Compress:   c.File.Compress,
	})
}

// Setup installs the logger described by c as the global log.Logger.
func Setup(c Config) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339
	lvl, err := zerolog.ParseLevel(c.Level)
	if err != nil || c.Level == "" {
		lvl = zerolog.InfoLevel
	}
	logger := zerolog.New(c.writer()).Level(lvl).With().
		Timestamp().
		Str("svc", c.Service).
		Logger()
	if c.SampleEvery > 0 {
		logger = logger.Sample(&zerolog.BasicSampler{N: uint32(c.SampleEvery)})
	}
	log.Logger = logger
	return logger
}

// WithRequest stores the request id and chat id for FromCtx.
func WithRequest(ctx context.Context, requestID string, chatID int64) context.Context {
	ctx = context.WithValue(ctx, CtxKeyRequestID, requestID)
	return context.WithValue(ctx, CtxKeyChatID, chatID)
}

// FromCtx returns the global logger with rid and chat fields when ctx has them.
func FromCtx(ctx context.Context) zerolog.Logger {
	l := log.Logger
	if ctx == nil {
		return l
	}
	w := l.With()
	if v, ok := ctx.Value(CtxKeyRequestID).(string); ok {
		w = w.Str("rid", v)
	}
	if v := ctx.Value(CtxKeyChatID); v != nil {
		w = w.Str("chat", fmt.Sprint(v))
	}
	return w.Logger()
}
