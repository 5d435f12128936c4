// Package telegram adapts the Bot API client to the sink the pipeline talks to.
package telegram

import (
	"context"
	"errors"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/wapuda/tg-clipper/internal/commands"
)

type Sink struct {
	bot *tgbotapi.BotAPI
}

func NewSink(bot *tgbotapi.BotAPI) *Sink { return &Sink{bot: bot} }

func (s *Sink) Bot() *tgbotapi.BotAPI { return s.bot }

// IsNotModified matches the edit error Telegram returns for identical text.
func IsNotModified(err error) bool {
	return err != nil && strings.Contains(err.Error(), "message is not modified")
}

func (s *Sink) SendText(ctx context.Context, chatID int64, replyTo int, text string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ReplyToMessageID = replyTo
	sent, err := s.bot.Send(msg)
	if err != nil {
		return 0, err
	}
	return sent.MessageID, nil
}

func (s *Sink) EditText(ctx context.Context, chatID int64, messageID int, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := s.bot.Send(tgbotapi.NewEditMessageText(chatID, messageID, text))
	if IsNotModified(err) {
		return nil
	}
	return err
}

// SendFile uploads path as a video and returns the file id Telegram assigned.
func (s *Sink) SendFile(ctx context.Context, chatID int64, replyTo int, path, caption string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	v := tgbotapi.NewVideo(chatID, tgbotapi.FilePath(path))
	v.Caption = caption
	v.ReplyToMessageID = replyTo
	v.SupportsStreaming = true
	sent, err := s.bot.Send(v)
	if err != nil {
		return "", err
	}
	switch {
	case sent.Video != nil:
		return sent.Video.FileID, nil
	case sent.Document != nil:
		return sent.Document.FileID, nil
	}
	return "", errors.New("telegram returned no file id")
}

// SendHandle resends a previously uploaded video by file id.
func (s *Sink) SendHandle(ctx context.Context, chatID int64, replyTo int, handle, caption string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	v := tgbotapi.NewVideo(chatID, tgbotapi.FileID(handle))
	v.Caption = caption
	v.ReplyToMessageID = replyTo
	_, err := s.bot.Send(v)
	return err
}

// OfferSave asks whether to store keywords for the last video.
func (s *Sink) OfferSave(ctx context.Context, chatID int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := tgbotapi.NewMessage(chatID, commands.SaveOffer)
	msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("Yes", commands.CallbackSaveYes),
			tgbotapi.NewInlineKeyboardButtonData("No", commands.CallbackSaveNo),
		),
	)
	_, err := s.bot.Send(msg)
	return err
}

// SendMenu shows the cut/download buttons.
func (s *Sink) SendMenu(chatID int64) error {
	msg := tgbotapi.NewMessage(chatID, commands.SelectCommand)
	msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("Cut", commands.CallbackCut),
			tgbotapi.NewInlineKeyboardButtonData("Download", commands.CallbackDownload),
		),
	)
	_, err := s.bot.Send(msg)
	return err
}

// Answer acknowledges a callback query so the client stops spinning.
func (s *Sink) Answer(callbackID, text string) error {
	_, err := s.bot.Request(tgbotapi.NewCallback(callbackID, text))
	return err
}
