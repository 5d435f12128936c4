package jobs

import (
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"
)

const (
	TaskFetch = "clip:fetch"
)

type FetchPayload struct {
	RequestID string `json:"request_id"` // optional; if empty, worker creates one
	ChatID    int64  `json:"chat_id"`
	UserID    int64  `json:"user_id"`
	MessageID int    `json:"message_id"` // the command message, replies thread onto it
	URL       string `json:"url"`
	HasRange  bool   `json:"has_range"`
	Start     uint64 `json:"start_s"`
	Duration  uint64 `json:"duration_s"`
}

// TaskID is unique per (conversation, message); asynq rejects a second
// enqueue with the same id while the first is still known.
func (p FetchPayload) TaskID() string {
	return fmt.Sprintf("fetch:%d:%d", p.ChatID, p.MessageID)
}

// NewFetchTask builds the task with its dedup id. The pipeline reports its
// own failures, so the task is never retried by the queue.
func NewFetchTask(p FetchPayload) (*asynq.Task, []asynq.Option, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return nil, nil, err
	}
	opts := []asynq.Option{asynq.TaskID(p.TaskID()), asynq.MaxRetry(0)}
	return asynq.NewTask(TaskFetch, b), opts, nil
}

func DecodeFetch(t *asynq.Task) (FetchPayload, error) {
	var p FetchPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return p, fmt.Errorf("decode %s payload: %w", TaskFetch, err)
	}
	return p, nil
}
