package main

import (
	"context"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

func TestServeStopsOnClosedUpdates(t *testing.T) {
	updates := make(chan tgbotapi.Update)
	close(updates)

	done := make(chan struct{})
	go func() {
		(&server{}).serve(context.Background(), updates)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("serve kept running after the update channel closed")
	}
}

func TestServeStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	done := make(chan struct{})
	go func() {
		(&server{}).serve(ctx, make(chan tgbotapi.Update))
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("serve ignored cancellation")
	}
}
