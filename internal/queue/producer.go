package queue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	kafkago "github.com/segmentio/kafka-go"

	"github.com/fathima-sithara/realtime-service/internal/apperr"
	"github.com/fathima-sithara/realtime-service/internal/domain"
)

// Producer enqueues envelopes to the durable topic. It is called before
// any database write, so a crash mid-processing never loses a request:
// the envelope sits in the queue until the consumer acknowledges it.
type Producer struct {
	writer *kafkago.Writer
}

func NewProducer(brokers []string, topic string) *Producer {
	w := &kafkago.Writer{
		Addr:         kafkago.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafkago.LeastBytes{},
		RequiredAcks: kafkago.RequireAll,
		Async:        false,
	}
	return &Producer{writer: w}
}

// Enqueue assigns the envelope its id and dedupe key (once, preserved
// across redeliveries) and writes it. Transient broker errors are
// retried briefly with exponential backoff before giving up.
func (p *Producer) Enqueue(ctx context.Context, opType string, payload any) (*domain.Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, apperr.Internal("envelope encode", err)
	}
	env := &domain.Envelope{
		ID:        uuid.New().String(),
		Type:      opType,
		Data:      data,
		DedupeKey: uuid.New().String(),
		Timestamp: time.Now().UTC(),
	}
	b, err := json.Marshal(env)
	if err != nil {
		return nil, apperr.Internal("envelope encode", err)
	}
	msg := kafkago.Message{
		Key:   []byte(env.DedupeKey),
		Value: b,
		Time:  env.Timestamp,
	}

	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)
	err = backoff.Retry(func() error {
		return p.writer.WriteMessages(ctx, msg)
	}, bo)
	if err != nil {
		return nil, apperr.Unavailable("enqueue", err)
	}
	return env, nil
}

func (p *Producer) Close() error {
	return p.writer.Close()
}
