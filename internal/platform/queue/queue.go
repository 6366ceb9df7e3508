// Package queue carries delivery tasks between the ingress and the
// delivery workers. Every backend supports delayed visibility and
// at-least-once delivery.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

var ErrClosed = errors.New("queue closed")

// Task asks a worker to make one delivery attempt for a webhook.
type Task struct {
	WebhookID string `json:"webhookId"`
	Attempt   int    `json:"attempt"`
}

// Delivery is a task handed to a consumer. Redeliveries counts how many
// times this same task was returned to the queue after a handler error.
type Delivery struct {
	Task
	Redeliveries int
}

// Handler processes one delivery. A nil return acknowledges it; an error
// makes the queue redeliver the same task after the redelivery delay.
type Handler func(ctx context.Context, d Delivery) error

type Queue interface {
	Enqueue(ctx context.Context, task Task, delay time.Duration) error
	// Consume blocks, feeding ready tasks to handler one at a time, until
	// ctx is cancelled. Run it from several goroutines for parallelism.
	Consume(ctx context.Context, handler Handler) error
	Ping(ctx context.Context) error
	Close() error
}

// envelope is the serialized form used by the broker-backed queues.
type envelope struct {
	ID           string `json:"id"`
	WebhookID    string `json:"webhookId"`
	Attempt      int    `json:"attempt"`
	NotBefore    int64  `json:"notBefore"` // unix ms
	Redeliveries int    `json:"redeliveries,omitempty"`
}

func newEnvelope(task Task, readyAt time.Time, redeliveries int) envelope {
	return envelope{
		ID:           uuid.NewString(),
		WebhookID:    task.WebhookID,
		Attempt:      task.Attempt,
		NotBefore:    readyAt.UnixMilli(),
		Redeliveries: redeliveries,
	}
}

func (e envelope) delivery() Delivery {
	return Delivery{
		Task:         Task{WebhookID: e.WebhookID, Attempt: e.Attempt},
		Redeliveries: e.Redeliveries,
	}
}

func decodeEnvelope(data []byte) (envelope, error) {
	var e envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return e, err
	}
	if e.WebhookID == "" || e.Attempt < 1 {
		return e, errors.New("malformed delivery task")
	}
	return e, nil
}
