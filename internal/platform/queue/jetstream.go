package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"

	"hookrelay/internal/platform/config"
)

const (
	headerNotBefore    = "Relay-Not-Before"
	headerRedeliveries = "Relay-Redeliveries"
)

// JetStream publishes tasks to a work-queue stream. Delays are carried in
// a Relay-Not-Before header; a consumer that receives a task early naks it
// with the remaining delay.
type JetStream struct {
	conn            *nats.Conn
	js              jetstream.JetStream
	consumer        jetstream.Consumer
	subject         string
	redeliveryDelay time.Duration
}

func NewJetStream(ctx context.Context, cfg config.QueueConfig) (*JetStream, error) {
	conn, err := nats.Connect(cfg.NATS.URL,
		nats.Name("hookrelay"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      cfg.NATS.Stream,
		Subjects:  []string{cfg.NATS.Subject},
		MaxAge:    cfg.NATS.MaxAge,
		Retention: jetstream.WorkQueuePolicy,
		Storage:   jetstream.FileStorage,
	})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create/update stream %s: %w", cfg.NATS.Stream, err)
	}

	consumer, err := js.CreateOrUpdateConsumer(ctx, cfg.NATS.Stream, jetstream.ConsumerConfig{
		Name:          cfg.NATS.Consumer,
		Durable:       cfg.NATS.Consumer,
		FilterSubject: cfg.NATS.Subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       cfg.VisibilityTimeout,
		MaxDeliver:    -1,
	})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create/update consumer %s: %w", cfg.NATS.Consumer, err)
	}

	return &JetStream{
		conn:            conn,
		js:              js,
		consumer:        consumer,
		subject:         cfg.NATS.Subject,
		redeliveryDelay: cfg.RedeliveryDelay,
	}, nil
}

func (q *JetStream) Enqueue(ctx context.Context, task Task, delay time.Duration) error {
	return q.publish(ctx, task, time.Now().Add(delay), 0)
}

func (q *JetStream) publish(ctx context.Context, task Task, readyAt time.Time, redeliveries int) error {
	msg, err := encodeMsg(q.subject, task, readyAt, redeliveries)
	if err != nil {
		return err
	}
	if _, err := q.js.PublishMsg(ctx, msg); err != nil {
		return fmt.Errorf("publish task: %w", err)
	}
	return nil
}

func encodeMsg(subject string, task Task, readyAt time.Time, redeliveries int) (*nats.Msg, error) {
	data, err := json.Marshal(task)
	if err != nil {
		return nil, err
	}
	msg := nats.NewMsg(subject)
	msg.Data = data
	msg.Header.Set(headerNotBefore, strconv.FormatInt(readyAt.UnixMilli(), 10))
	msg.Header.Set(headerRedeliveries, strconv.Itoa(redeliveries))
	return msg, nil
}

// decodeMsg returns the delivery and the time it becomes visible. Missing
// headers mean "ready now" with no redeliveries.
func decodeMsg(data []byte, header nats.Header) (Delivery, time.Time, error) {
	var task Task
	if err := json.Unmarshal(data, &task); err != nil {
		return Delivery{}, time.Time{}, err
	}
	if task.WebhookID == "" || task.Attempt < 1 {
		return Delivery{}, time.Time{}, errors.New("malformed delivery task")
	}

	d := Delivery{Task: task}
	var readyAt time.Time
	if header != nil {
		if ms, err := strconv.ParseInt(header.Get(headerNotBefore), 10, 64); err == nil {
			readyAt = time.UnixMilli(ms)
		}
		if n, err := strconv.Atoi(header.Get(headerRedeliveries)); err == nil {
			d.Redeliveries = n
		}
	}
	return d, readyAt, nil
}

func (q *JetStream) Consume(ctx context.Context, handler Handler) error {
	msgs, err := q.consumer.Messages(jetstream.PullMaxMessages(1))
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}
	go func() {
		<-ctx.Done()
		msgs.Stop()
	}()

	for {
		msg, err := msgs.Next()
		if err != nil {
			if errors.Is(err, jetstream.ErrMsgIteratorClosed) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("next task: %w", err)
		}
		q.handle(ctx, msg, handler)
	}
}

func (q *JetStream) handle(ctx context.Context, msg jetstream.Msg, handler Handler) {
	d, readyAt, err := decodeMsg(msg.Data(), msg.Headers())
	if err != nil {
		log.Error().Err(err).Str("subject", msg.Subject()).Msg("Dropping malformed task")
		_ = msg.Term()
		return
	}

	if wait := time.Until(readyAt); wait > 0 {
		_ = msg.NakWithDelay(wait)
		return
	}

	if herr := handler(ctx, d); herr != nil {
		// republish so the redelivery count travels with the task
		pubCtx := context.WithoutCancel(ctx)
		if err := q.publish(pubCtx, d.Task, time.Now().Add(q.redeliveryDelay), d.Redeliveries+1); err != nil {
			log.Error().Err(err).Str("webhook_id", d.WebhookID).Msg("Failed to republish task")
			_ = msg.NakWithDelay(q.redeliveryDelay)
			return
		}
	}
	_ = msg.Ack()
}

func (q *JetStream) Ping(ctx context.Context) error {
	if !q.conn.IsConnected() {
		return errors.New("nats not connected")
	}
	return nil
}

func (q *JetStream) Close() error {
	return q.conn.Drain()
}
