package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/fathima-sithara/realtime-service/internal/apperr"
	"github.com/fathima-sithara/realtime-service/internal/domain"
	"github.com/fathima-sithara/realtime-service/internal/metrics"
)

// Handler processes one envelope. Returning a non-retryable error (see
// apperr.Retryable) rejects the envelope permanently; any other error
// schedules a redelivery.
type Handler interface {
	Handle(ctx context.Context, env *domain.Envelope) error
}

type ConsumerConfig struct {
	Brokers     []string
	Topic       string
	RetryTopic  string
	DLQTopic    string
	GroupID     string
	MaxInFlight int
	MaxRetries  int
	BackoffBase time.Duration
}

type messageReader interface {
	FetchMessage(ctx context.Context) (kafkago.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// Consumer drains the main and retry topics. Each partition is
// processed serially by its own worker; group commits are per-partition
// high-water marks, so committing an offset acknowledges everything at
// or below it and an out-of-order commit would silently ack work still
// in flight. The semaphore bounds total in-flight envelopes across
// partitions, so a slow persistence store halts further fetches instead
// of piling up unbounded work.
type Consumer struct {
	cfg     ConsumerConfig
	reader  messageReader
	retryW  messageWriter
	dlqW    messageWriter
	handler Handler
	log     *zap.SugaredLogger

	sem chan struct{}
	wg  sync.WaitGroup
}

func NewConsumer(cfg ConsumerConfig, handler Handler, log *zap.SugaredLogger) *Consumer {
	reader := kafkago.NewReader(kafkago.ReaderConfig{
		Brokers:     cfg.Brokers,
		GroupID:     cfg.GroupID,
		GroupTopics: []string{cfg.Topic, cfg.RetryTopic},
		MinBytes:    1,
		MaxBytes:    10e6,
	})
	newWriter := func(topic string) *kafkago.Writer {
		return &kafkago.Writer{
			Addr:         kafkago.TCP(cfg.Brokers...),
			Topic:        topic,
			Balancer:     &kafkago.LeastBytes{},
			RequiredAcks: kafkago.RequireAll,
		}
	}
	return newWithClients(cfg, reader, newWriter(cfg.RetryTopic), newWriter(cfg.DLQTopic), handler, log)
}

func newWithClients(cfg ConsumerConfig, reader messageReader, retryW, dlqW messageWriter, handler Handler, log *zap.SugaredLogger) *Consumer {
	return &Consumer{
		cfg:     cfg,
		reader:  reader,
		retryW:  retryW,
		dlqW:    dlqW,
		handler: handler,
		log:     log,
		sem:     make(chan struct{}, cfg.MaxInFlight),
	}
}

// Run fetches until ctx is cancelled, routing each message to its
// partition's worker. Every message holds a semaphore slot from fetch
// to commit; when all slots are busy the fetch loop blocks, which is
// the backpressure path.
func (c *Consumer) Run(ctx context.Context) {
	workers := map[string]chan kafkago.Message{}
	defer func() {
		for _, ch := range workers {
			close(ch)
		}
		c.wg.Wait()
	}()

	for {
		m, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.log.Errorw("queue fetch", "error", err)
			time.Sleep(time.Second)
			continue
		}

		select {
		case c.sem <- struct{}{}:
		case <-ctx.Done():
			return
		}

		key := fmt.Sprintf("%s/%d", m.Topic, m.Partition)
		ch, ok := workers[key]
		if !ok {
			ch = make(chan kafkago.Message, c.cfg.MaxInFlight)
			workers[key] = ch
			c.wg.Add(1)
			go c.runPartition(ctx, ch)
		}
		select {
		case ch <- m:
		case <-ctx.Done():
			<-c.sem
			return
		}
	}
}

// runPartition drains one partition serially, committing each offset
// before starting the next.
func (c *Consumer) runPartition(ctx context.Context, ch chan kafkago.Message) {
	defer c.wg.Done()
	for m := range ch {
		ok := c.process(ctx, m)
		<-c.sem
		if !ok {
			// Shutdown mid-envelope. Drain without committing so the
			// broker redelivers everything from this offset on.
			for range ch {
				<-c.sem
			}
			return
		}
	}
}

// process handles one message through to its commit. A false return
// means the offset was NOT committed and no later offset on the
// partition may be either.
func (c *Consumer) process(ctx context.Context, m kafkago.Message) bool {
	var env domain.Envelope
	if err := json.Unmarshal(m.Value, &env); err != nil {
		// Undecodable payloads can never succeed; straight to DLQ.
		c.log.Errorw("malformed envelope", "topic", m.Topic, "error", err)
		if !c.writeWithRetry(ctx, c.dlqW, kafkago.Message{Value: m.Value, Time: time.Now()}, "dead-letter") {
			return false
		}
		return c.commit(ctx, m)
	}

	// Redeliveries off the retry topic honor their backoff delay before
	// the handler runs again.
	if m.Topic == c.cfg.RetryTopic && env.RetryCount > 0 {
		delay := RetryDelay(c.cfg.BackoffBase, env.RetryCount)
		if wait := time.Until(env.Timestamp.Add(delay)); wait > 0 {
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return false
			}
		}
	}

	start := time.Now()
	err := c.handler.Handle(ctx, &env)
	metrics.ProcessingDuration.WithLabelValues(env.Type).Observe(time.Since(start).Seconds())

	switch {
	case err == nil:
		metrics.EnvelopesProcessed.WithLabelValues(env.Type, "ok").Inc()
	case !apperr.Retryable(err):
		// Deterministic failure: retrying cannot change the outcome.
		c.log.Warnw("envelope rejected", "type", env.Type, "id", env.ID, "error", err)
		metrics.EnvelopesProcessed.WithLabelValues(env.Type, "rejected").Inc()
	case env.RetryCount >= c.cfg.MaxRetries:
		c.log.Errorw("envelope dead-lettered", "type", env.Type, "id", env.ID,
			"retries", env.RetryCount, "error", err)
		if !c.writeWithRetry(ctx, c.dlqW, kafkago.Message{Value: m.Value, Time: time.Now()}, "dead-letter") {
			return false
		}
		metrics.EnvelopesProcessed.WithLabelValues(env.Type, "deadlettered").Inc()
	default:
		env.RetryCount++
		env.Timestamp = time.Now().UTC()
		b, merr := json.Marshal(&env)
		if merr != nil {
			c.log.Errorw("envelope re-encode failed", "id", env.ID, "error", merr)
			return false
		}
		retryMsg := kafkago.Message{Key: []byte(env.DedupeKey), Value: b, Time: env.Timestamp}
		// The offset must not commit until the envelope is safely on the
		// retry topic, or the retry would be lost with it.
		if !c.writeWithRetry(ctx, c.retryW, retryMsg, "retry republish") {
			return false
		}
		c.log.Warnw("envelope scheduled for retry", "type", env.Type, "id", env.ID,
			"attempt", env.RetryCount, "error", err)
		metrics.EnvelopesProcessed.WithLabelValues(env.Type, "retried").Inc()
	}

	return c.commit(ctx, m)
}

// writeWithRetry keeps attempting the write until it lands or ctx ends.
func (c *Consumer) writeWithRetry(ctx context.Context, w messageWriter, msg kafkago.Message, what string) bool {
	for {
		err := w.WriteMessages(ctx, msg)
		if err == nil {
			return true
		}
		c.log.Errorw(what+" failed", "error", err)
		select {
		case <-time.After(c.cfg.BackoffBase):
		case <-ctx.Done():
			return false
		}
	}
}

func (c *Consumer) commit(ctx context.Context, m kafkago.Message) bool {
	if err := c.reader.CommitMessages(ctx, m); err != nil {
		c.log.Errorw("offset commit failed", "topic", m.Topic, "error", err)
		return ctx.Err() == nil
	}
	return true
}

func (c *Consumer) Close() error {
	_ = c.retryW.Close()
	_ = c.dlqW.Close()
	return c.reader.Close()
}

// RetryDelay is the redelivery visibility delay for a given attempt:
// base doubled per attempt, capped at one minute.
func RetryDelay(base time.Duration, attempt int) time.Duration {
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= time.Minute {
			return time.Minute
		}
	}
	if d > time.Minute {
		d = time.Minute
	}
	return d
}
