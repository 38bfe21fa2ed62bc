package queue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

type MessageHandler func(ctx context.Context, msg jetstream.Msg) error

// Consumer pulls recorded presence events off JetStream so the API can fan
// them out to WebSocket subscribers.
type Consumer struct {
	nc *nats.Conn
	js jetstream.JetStream
}

func NewConsumer(natsURL string) (*Consumer, error) {
	nc, err := nats.Connect(natsURL,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create jetstream context: %w", err)
	}

	return &Consumer{nc: nc, js: js}, nil
}

// ConsumePresence binds a durable consumer to the presence stream and feeds
// messages to handler until ctx is cancelled. Only messages published after
// the consumer is created are delivered; history is served by the HTTP API.
func (c *Consumer) ConsumePresence(ctx context.Context, consumerName string, handler MessageHandler) error {
	stream, err := c.js.Stream(ctx, PresenceStreamName)
	if err != nil {
		return fmt.Errorf("get stream %s: %w", PresenceStreamName, err)
	}

	cons, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Name:          consumerName,
		Durable:       consumerName,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       10 * time.Second,
		MaxDeliver:    3,
		FilterSubject: PresenceSubjectBase + ".>",
		DeliverPolicy: jetstream.DeliverNewPolicy,
	})
	if err != nil {
		return fmt.Errorf("create consumer %s: %w", consumerName, err)
	}

	go c.pullLoop(ctx, cons, handler)

	slog.Info("presence consumer started", "consumer", consumerName)
	return nil
}

func (c *Consumer) pullLoop(ctx context.Context, cons jetstream.Consumer, handler MessageHandler) {
	for ctx.Err() == nil {
		batch, err := cons.Fetch(10, jetstream.FetchMaxWait(5*time.Second))
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Warn("fetch presence events", "error", err)
			time.Sleep(time.Second)
			continue
		}

		for msg := range batch.Messages() {
			if err := handler(ctx, msg); err != nil {
				slog.Error("handle presence event", "subject", msg.Subject(), "error", err)
				_ = msg.Nak()
				continue
			}
			_ = msg.Ack()
		}
	}
}

func (c *Consumer) Close() {
	c.nc.Close()
}
