package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/wapuda/tg-clipper/internal/artifact"
	"github.com/wapuda/tg-clipper/internal/auth"
	"github.com/wapuda/tg-clipper/internal/commands"
	"github.com/wapuda/tg-clipper/internal/config"
	"github.com/wapuda/tg-clipper/internal/jobs"
	"github.com/wapuda/tg-clipper/internal/logx"
	"github.com/wapuda/tg-clipper/internal/session"
	"github.com/wapuda/tg-clipper/internal/store"
	"github.com/wapuda/tg-clipper/internal/telegram"
)

type server struct {
	cfg   config.Config
	bot   *tgbotapi.BotAPI
	sink  *telegram.Sink
	allow *auth.AllowList
	state session.State
	store *store.Store
	asynq *asynq.Client
}

func main() {
	logx.Setup(logx.FromEnv("bot"))
	c, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config")
	}
	if c.BotToken == "" {
		log.Fatal().Msg("BOT_TOKEN is required")
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		http.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte(`{"ok":true}`)) })
		log.Info().Msg("bot health on :8080/health")
		if err := http.ListenAndServe(":8080", nil); err != nil {
			log.Error().Err(err).Msg("health endpoint stopped")
		}
	}()

	bot, err := tgbotapi.NewBotAPI(c.BotToken)
	if err != nil {
		log.Fatal().Err(err).Msg("telegram auth")
	}
	bot.Debug = false
	log.Info().Str("username", bot.Self.UserName).Int("allowed_users", len(c.AllowedUserIDs)).Msg("bot authorized")

	db, err := store.Open(ctx, c.DBDialect, c.DBURI)
	if err != nil {
		log.Fatal().Err(err).Msg("open store")
	}
	defer db.Close()

	rdb := redis.NewClient(&redis.Options{Addr: c.RedisAddr})
	asClient := asynq.NewClient(asynq.RedisClientOpt{Addr: c.RedisAddr})
	defer asClient.Close()

	s := &server{
		cfg:   c,
		bot:   bot,
		sink:  telegram.NewSink(bot),
		allow: auth.New(c.AllowedUserIDs),
		state: session.NewRedis(rdb),
		store: db,
		asynq: asClient,
	}

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	s.serve(ctx, bot.GetUpdatesChan(u))
	bot.StopReceivingUpdates()
}

// serve dispatches updates until ctx is done or the channel closes.
func (s *server) serve(ctx context.Context, updates <-chan tgbotapi.Update) {
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("signal received; stopping bot")
			return
		case upd, ok := <-updates:
			if !ok {
				log.Warn().Msg("update channel closed")
				return
			}
			switch {
			case upd.Message != nil:
				s.onMessage(ctx, upd.Message)
			case upd.CallbackQuery != nil:
				s.onCallback(ctx, upd.CallbackQuery)
			}
		}
	}
}

func (s *server) reply(m *tgbotapi.Message, text string) {
	if _, err := s.sink.SendText(context.Background(), m.Chat.ID, m.MessageID, text); err != nil {
		log.Warn().Err(err).Int64("chat_id", m.Chat.ID).Msg("reply failed")
	}
}

func (s *server) onMessage(ctx context.Context, m *tgbotapi.Message) {
	if m.From == nil {
		return
	}
	log.Info().
		Int64("chat_id", m.Chat.ID).
		Int64("user_id", m.From.ID).
		Str("command", m.Command()).
		Msg("message received")

	if err := s.allow.Check(m.From.ID); err != nil {
		log.Warn().Int64("user_id", m.From.ID).Msg("unauthorized user")
		s.reply(m, commands.Unauthorized)
		return
	}

	if m.IsCommand() {
		switch m.Command() {
		case "start":
			if err := s.sink.SendMenu(m.Chat.ID); err != nil {
				log.Warn().Err(err).Msg("menu not sent")
			}
		case "help":
			s.reply(m, commands.HelpText)
		case "download":
			d, err := commands.ParseDownload(m.CommandArguments())
			if err != nil {
				s.reply(m, err.Error())
				return
			}
			s.enqueue(ctx, m, jobs.FetchPayload{URL: d.URL})
		case "cut":
			c, err := commands.ParseCut(m.CommandArguments())
			if err != nil {
				var ue *commands.UsageError
				if errors.As(err, &ue) {
					s.reply(m, ue.Usage)
				} else {
					s.reply(m, commands.TimeError(err))
				}
				return
			}
			s.reply(m, commands.CuttingText(c))
			s.enqueue(ctx, m, jobs.FetchPayload{URL: c.URL, HasRange: true, Start: c.Range.Start, Duration: c.Range.Duration})
		default:
			s.reply(m, "Unknown command. Use /help.")
		}
		return
	}

	if m.Text != "" {
		s.handleKeywords(ctx, m)
	}
}

func (s *server) enqueue(ctx context.Context, m *tgbotapi.Message, p jobs.FetchPayload) {
	p.RequestID = artifact.NewID()
	p.ChatID = m.Chat.ID
	p.UserID = m.From.ID
	p.MessageID = m.MessageID

	task, opts, err := jobs.NewFetchTask(p)
	if err != nil {
		log.Error().Err(err).Msg("build fetch task")
		s.reply(m, "Internal error. Try again.")
		return
	}
	_, err = s.asynq.EnqueueContext(ctx, task, opts...)
	switch {
	case errors.Is(err, asynq.ErrTaskIDConflict), errors.Is(err, asynq.ErrDuplicateTask):
		s.reply(m, commands.AlreadyRunning)
		return
	case err != nil:
		log.Error().Err(err).Msg("asynq enqueue clip:fetch failed")
		s.reply(m, "Queue error: "+err.Error())
		return
	}
	log.Info().Str("rid", p.RequestID).Str("url", p.URL).Bool("range", p.HasRange).Msg("request enqueued")
	s.reply(m, commands.QueuedText)
}

func (s *server) handleKeywords(ctx context.Context, m *tgbotapi.Message) {
	waiting, err := s.state.AwaitingKeywords(ctx, m.Chat.ID)
	if err != nil {
		log.Warn().Err(err).Msg("read state")
		return
	}
	if !waiting {
		return
	}
	last, ok, err := s.state.Last(ctx, m.Chat.ID)
	if err != nil || !ok {
		_ = s.state.SetAwaitingKeywords(ctx, m.Chat.ID, false)
		s.reply(m, commands.NothingToSave)
		return
	}
	keywords := commands.ParseKeywords(m.Text)
	if len(keywords) == 0 {
		s.reply(m, commands.AskKeywords)
		return
	}
	if err := s.store.SaveKeywords(ctx, last.Key, keywords, last.OriginalURL); err != nil {
		log.Error().Err(err).Str("key", last.Key).Msg("save keywords")
		s.reply(m, "Could not save keywords. Try again.")
		return
	}
	_ = s.state.SetAwaitingKeywords(ctx, m.Chat.ID, false)
	log.Info().Str("key", last.Key).Strs("keywords", keywords).Msg("keywords saved")
	s.reply(m, commands.SavedText(keywords))
}

func (s *server) onCallback(ctx context.Context, cq *tgbotapi.CallbackQuery) {
	if cq.Message == nil {
		_ = s.sink.Answer(cq.ID, "")
		return
	}
	chatID := cq.Message.Chat.ID
	if err := s.allow.Check(cq.From.ID); err != nil {
		_ = s.sink.Answer(cq.ID, commands.Unauthorized)
		return
	}
	log.Info().Int64("user_id", cq.From.ID).Str("data", cq.Data).Msg("button tapped")

	say := func(text string) {
		if _, err := s.sink.SendText(ctx, chatID, 0, text); err != nil {
			log.Warn().Err(err).Msg("callback reply failed")
		}
	}

	if usage, ok := commands.UsageFor(cq.Data); ok {
		_ = s.sink.Answer(cq.ID, "")
		say(usage)
		return
	}
	switch cq.Data {
	case commands.CallbackSaveYes:
		_ = s.sink.Answer(cq.ID, "")
		if _, ok, _ := s.state.Last(ctx, chatID); !ok {
			say(commands.NothingToSave)
			return
		}
		if err := s.state.SetAwaitingKeywords(ctx, chatID, true); err != nil {
			log.Error().Err(err).Msg("set state")
			say("Internal error. Try again.")
			return
		}
		say(commands.AskKeywords)
	case commands.CallbackSaveNo:
		_ = s.sink.Answer(cq.ID, "")
		_ = s.state.SetAwaitingKeywords(ctx, chatID, false)
		say(commands.NotSaved)
	default:
		_ = s.sink.Answer(cq.ID, "")
	}
}
