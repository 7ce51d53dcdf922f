// Package gateway binds the bot core to the chat edge over NATS. Inbound
// chat events arrive on a JetStream subject and are dispatched to the state
// machine by a pull-consumer worker pool; outbound operations and membership
// checks go back to the edge via request-reply.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/you-humble/swapbot/internal/domain"

	"github.com/nats-io/nats.go"
)

type EventHandler interface {
	HandleEvent(ctx context.Context, ev domain.Event) error
}

type consumer struct {
	js        nats.JetStreamContext
	subject   string
	queueName string
	size      int
	handler   EventHandler

	done chan struct{}
	sub  *nats.Subscription
}

func NewConsumer(
	js nats.JetStreamContext,
	subject, queueName string,
	size int,
	handler EventHandler,
) *consumer {
	if size <= 0 {
		size = 1
	}

	return &consumer{
		js:        js,
		subject:   subject,
		queueName: queueName,
		size:      size,
		handler:   handler,
		done:      make(chan struct{}, size),
	}
}

// durableName derives the durable consumer name from the configured queue
// name, so side-by-side deployments on one stream get distinct consumers.
func durableName(queueName string) string {
	if queueName == "" {
		return "bot-events-consumer"
	}
	return queueName + "-events-consumer"
}

func (c *consumer) Run(ctx context.Context) {
	consumerName := durableName(c.queueName)
	_, err := c.js.AddConsumer("BOT_EVENTS", &nats.ConsumerConfig{
		Durable:       consumerName,
		AckPolicy:     nats.AckExplicitPolicy,
		FilterSubject: c.subject,
		MaxAckPending: c.size * 2,
	})
	if err != nil && !errors.Is(err, nats.ErrConsumerNameAlreadyInUse) {
		slog.Error("JetStream AddConsumer", slog.String("error", err.Error()))
		return
	}

	sub, err := c.js.PullSubscribe(c.subject, consumerName)
	if err != nil {
		slog.Error("JetStream PullSubscribe", slog.String("error", err.Error()))
		return
	}
	c.sub = sub

	for i := 0; i < c.size; i++ {
		go func() {
			defer func() { c.done <- struct{}{} }()
			c.runWorker(ctx)
		}()
	}

	slog.Info("event consumer is running",
		slog.Int("workers", c.size),
		slog.String("subject", c.subject),
	)
}

func (c *consumer) Stop(ctx context.Context) {
	<-ctx.Done()

	for i := 0; i < c.size; i++ {
		<-c.done
	}

	if c.sub != nil {
		if err := c.sub.Drain(); err != nil {
			slog.Warn("NATS subscription drain", slog.String("error", err.Error()))
		}
	}

	slog.Info("event consumer stopped")
}

func (c *consumer) runWorker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			slog.Info("worker stopping")
			return
		default:
		}

		msgs, err := c.sub.Fetch(1, nats.Context(ctx))
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			if errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			slog.Warn("NATS Fetch", slog.String("error", err.Error()))
			time.Sleep(100 * time.Millisecond)
			continue
		}

		for _, msg := range msgs {
			var ev domain.Event
			if err := json.Unmarshal(msg.Data, &ev); err != nil {
				slog.Error("decode event", slog.String("error", err.Error()))
				_ = msg.Ack()
				continue
			}
			if ev.UserID == 0 {
				slog.Error("event without user id", slog.String("type", string(ev.Type)))
				_ = msg.Ack()
				continue
			}

			if err := c.handler.HandleEvent(ctx, ev); err != nil {
				slog.Error("handle event",
					slog.Int64("user_id", ev.UserID),
					slog.String("type", string(ev.Type)),
					slog.String("error", err.Error()),
				)
				_ = msg.Nak()
				continue
			}

			if err := msg.Ack(); err != nil {
				slog.Warn("NATS Ack", slog.String("error", err.Error()))
			}
		}
	}
}
