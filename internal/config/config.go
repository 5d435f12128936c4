// Package config loads process settings from .env, an optional YAML file and
// the environment, in that order of increasing precedence.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	RangeNative    = "native"
	RangeTranscode = "transcode"
)

type Config struct {
	BotToken       string  `yaml:"bot_token"`
	RedisAddr      string  `yaml:"redis_addr"`
	AllowedUserIDs []int64 `yaml:"allowed_user_ids"`
	DataDir        string  `yaml:"data_dir"`
	DBDialect      string  `yaml:"db_dialect"`
	DBURI          string  `yaml:"db_uri"`
	Concurrency    int     `yaml:"concurrency"`

	YtDlpPath     string `yaml:"ytdlp_path"`
	FfmpegPath    string `yaml:"ffmpeg_path"`
	VideoFormat   string `yaml:"video_format"`
	RangeStrategy string `yaml:"range_strategy"`
	MetadataProbe bool   `yaml:"metadata_probe"`

	FetchMaxAttempts int           `yaml:"fetch_max_attempts"`
	FetchRetryDelay  time.Duration `yaml:"fetch_retry_delay"`

	DirectMaxBytes   int64         `yaml:"direct_max_bytes"`
	RelayURL         string        `yaml:"relay_url"`
	RelayMaxAttempts int           `yaml:"relay_max_attempts"`
	RelayRetryDelay  time.Duration `yaml:"relay_retry_delay"`

	ProgressInterval  time.Duration `yaml:"progress_interval"`
	ProgressTick      time.Duration `yaml:"progress_tick"`
	ProgressQueueSize int           `yaml:"progress_queue_size"`
}

const DefaultFormat = "bestvideo[ext=mp4]+bestaudio[ext=m4a]/best[ext=mp4]/best"

func Defaults() Config {
	return Config{
		RedisAddr:         "localhost:6379",
		DataDir:           "/data",
		DBDialect:         "sqlite3",
		DBURI:             "file:clipper.db?_foreign_keys=on",
		Concurrency:       2,
		YtDlpPath:         "yt-dlp",
		FfmpegPath:        "ffmpeg",
		VideoFormat:       DefaultFormat,
		RangeStrategy:     RangeNative,
		FetchMaxAttempts:  2,
		FetchRetryDelay:   2 * time.Second,
		DirectMaxBytes:    50 * 1024 * 1024,
		RelayURL:          "https://temp.sh/upload",
		RelayMaxAttempts:  3,
		RelayRetryDelay:   5 * time.Second,
		ProgressInterval:  5 * time.Second,
		ProgressTick:      time.Second,
		ProgressQueueSize: 100,
	}
}

// Getenv, MustInt and MustBool read one variable with a fallback. Malformed
// values fall back too.
func Getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
func MustInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
func mustInt64(k string, def int64) int64 {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return def
}
func MustBool(k string, def bool) bool {
	if v := strings.TrimSpace(os.Getenv(k)); v != "" {
		return v == "1" || strings.EqualFold(v, "true") || strings.EqualFold(v, "yes")
	}
	return def
}
func mustDuration(k string, def time.Duration) time.Duration {
	if v := os.Getenv(k); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

// ParseIDs reads a comma separated list of user ids. Blank entries are skipped.
func ParseIDs(s string) ([]int64, error) {
	var ids []int64
	for _, p := range strings.Split(s, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		id, err := strconv.ParseInt(p, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid user id %q: %w", p, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// Load reads .env (if present), then CONFIG_FILE (if set), then env overrides.
func Load() (Config, error) {
	_ = godotenv.Load()
	c := Defaults()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := c.loadFile(path); err != nil {
			return c, err
		}
	}
	if err := c.applyEnv(); err != nil {
		return c, err
	}
	return c, c.Validate()
}

func (c *Config) loadFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(b, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	c.BotToken = Getenv("BOT_TOKEN", c.BotToken)
	c.RedisAddr = Getenv("REDIS_ADDR", c.RedisAddr)
	if s := os.Getenv("ALLOWED_USER_IDS"); s != "" {
		ids, err := ParseIDs(s)
		if err != nil {
			return err
		}
		c.AllowedUserIDs = ids
	}
	c.DataDir = Getenv("DATA_DIR", c.DataDir)
	c.DBDialect = Getenv("DB_DIALECT", c.DBDialect)
	c.DBURI = Getenv("DB_URI", c.DBURI)
	c.Concurrency = MustInt("CONCURRENCY", c.Concurrency)

	c.YtDlpPath = Getenv("YTDLP_PATH", c.YtDlpPath)
	c.FfmpegPath = Getenv("FFMPEG_PATH", c.FfmpegPath)
	c.VideoFormat = Getenv("VIDEO_FORMAT", c.VideoFormat)
	c.RangeStrategy = strings.ToLower(Getenv("RANGE_STRATEGY", c.RangeStrategy))
	c.MetadataProbe = MustBool("METADATA_PROBE", c.MetadataProbe)

	c.FetchMaxAttempts = MustInt("FETCH_MAX_ATTEMPTS", c.FetchMaxAttempts)
	c.FetchRetryDelay = mustDuration("FETCH_RETRY_DELAY", c.FetchRetryDelay)

	c.DirectMaxBytes = mustInt64("DIRECT_MAX_BYTES", c.DirectMaxBytes)
	c.RelayURL = Getenv("RELAY_URL", c.RelayURL)
	c.RelayMaxAttempts = MustInt("RELAY_MAX_ATTEMPTS", c.RelayMaxAttempts)
	c.RelayRetryDelay = mustDuration("RELAY_RETRY_DELAY", c.RelayRetryDelay)

	c.ProgressInterval = mustDuration("PROGRESS_INTERVAL", c.ProgressInterval)
	c.ProgressTick = mustDuration("PROGRESS_TICK", c.ProgressTick)
	c.ProgressQueueSize = MustInt("PROGRESS_QUEUE_SIZE", c.ProgressQueueSize)
	return nil
}

// Validate rejects settings the pipeline cannot run with.
func (c Config) Validate() error {
	switch {
	case c.Concurrency < 1:
		return fmt.Errorf("concurrency must be >= 1, got %d", c.Concurrency)
	case c.DirectMaxBytes <= 0:
		return fmt.Errorf("direct_max_bytes must be > 0")
	case c.RelayMaxAttempts < 1 || c.FetchMaxAttempts < 1:
		return fmt.Errorf("retry attempts must be >= 1")
	case c.ProgressQueueSize < 1:
		return fmt.Errorf("progress_queue_size must be >= 1")
	case c.RangeStrategy != RangeNative && c.RangeStrategy != RangeTranscode:
		return fmt.Errorf("range_strategy must be %q or %q, got %q", RangeNative, RangeTranscode, c.RangeStrategy)
	case c.DBDialect != "sqlite3" && c.DBDialect != "postgres":
		return fmt.Errorf("db_dialect must be sqlite3 or postgres, got %q", c.DBDialect)
	}
	return nil
}
