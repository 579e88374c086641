package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// Subscriber hands out live settlement event feeds.
type Subscriber interface {
	// Subscribe streams new events for wallet ("" for all wallets) until ctx
	// is done, then closes the channel.
	Subscribe(ctx context.Context, wallet string) (<-chan *SettlementEvent, error)
	Close() error
}

// JetStreamSubscriber creates an ephemeral consumer per subscription.
type JetStreamSubscriber struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	logger *slog.Logger
}

// NewSubscriber connects to NATS.
func NewSubscriber(natsURL string, logger *slog.Logger) (*JetStreamSubscriber, error) {
	nc, js, err := connect(natsURL, "tokenpay-subscriber")
	if err != nil {
		return nil, err
	}
	logger.Info("NATS subscriber initialized", "url", natsURL)
	return &JetStreamSubscriber{nc: nc, js: js, logger: logger}, nil
}

func (s *JetStreamSubscriber) Subscribe(ctx context.Context, wallet string) (<-chan *SettlementEvent, error) {
	cons, err := s.js.CreateOrUpdateConsumer(ctx, StreamName, jetstream.ConsumerConfig{
		FilterSubject: Subject(wallet),
		AckPolicy:     jetstream.AckExplicitPolicy,
		DeliverPolicy: jetstream.DeliverNewPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer: %w", err)
	}

	events := make(chan *SettlementEvent, 10)
	cc, err := cons.Consume(func(msg jetstream.Msg) {
		var event SettlementEvent
		if err := json.Unmarshal(msg.Data(), &event); err != nil {
			s.logger.WarnContext(ctx, "failed to unmarshal settlement event", "error", err)
			msg.Ack()
			return
		}
		select {
		case events <- &event:
			msg.Ack()
		case <-ctx.Done():
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start consuming: %w", err)
	}

	go func() {
		<-ctx.Done()
		cc.Stop()
		<-cc.Closed()
		close(events)
	}()

	return events, nil
}

// Close closes the NATS connection.
func (s *JetStreamSubscriber) Close() error {
	if s.nc != nil {
		s.nc.Close()
		s.logger.Info("NATS subscriber closed")
	}
	return nil
}
