package ingestion

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// ConsumerConfig controls the JetStream-backed live ingestion path.
type ConsumerConfig struct {
	URL          string
	StreamName   string
	ConsumerName string
	Subject      string
	WorkerCount  int
}

// DefaultConsumerConfig returns sane defaults for a single-process deploy.
func DefaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		URL:          nats.DefaultURL,
		StreamName:   "ENGAGEMENT_EVENTS",
		ConsumerName: "sendflowr-ingest",
		Subject:      "engagement.events.>",
		WorkerCount:  4,
	}
}

// Consumer runs a pool of workers pulling from one shared durable
// JetStream pull-consumer (spec §5 scheduling model: "the ingestion
// pipeline runs a pool of workers"). JetStream delivers each pending
// message to exactly one Fetch caller, so WorkerCount concurrent pull
// loops against the single durable split the stream's work without any
// message reaching more than one worker — unlike giving every worker its
// own durable on the same FilterSubject, which makes each an independent
// subscription that sees every message.
type Consumer struct {
	nc        *nats.Conn
	js        jetstream.JetStream
	cfg       ConsumerConfig
	processor *Processor
	logger    *slog.Logger
}

// NewConsumer connects to NATS and prepares the JetStream context. It does
// not start consuming until Run is called.
func NewConsumer(cfg ConsumerConfig, processor *Processor, logger *slog.Logger) (*Consumer, error) {
	nc, err := nats.Connect(cfg.URL, nats.Name("sendflowr-ingestion"))
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create jetstream context: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{nc: nc, js: js, cfg: cfg, processor: processor, logger: logger}, nil
}

// Close drains and closes the underlying NATS connection.
func (c *Consumer) Close() {
	if c.nc != nil {
		_ = c.nc.Drain()
	}
}

// Run starts cfg.WorkerCount pull workers against one shared durable
// consumer and blocks until ctx is canceled or a worker returns a
// non-retryable setup error.
func (c *Consumer) Run(ctx context.Context) error {
	stream, err := c.js.Stream(ctx, c.cfg.StreamName)
	if err != nil {
		return fmt.Errorf("bind stream %s: %w", c.cfg.StreamName, err)
	}

	cons, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:       c.cfg.ConsumerName,
		FilterSubject: c.cfg.Subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
	})
	if err != nil {
		return fmt.Errorf("create consumer %s: %w", c.cfg.ConsumerName, err)
	}

	var wg sync.WaitGroup
	errCh := make(chan error, c.cfg.WorkerCount)

	for worker := 0; worker < c.cfg.WorkerCount; worker++ {
		worker := worker
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := c.runWorker(ctx, int32(worker), cons); err != nil && ctx.Err() == nil {
				errCh <- err
			}
		}()
	}

	wg.Wait()
	close(errCh)
	for err := range errCh {
		if err != nil {
			return err
		}
	}
	return nil
}

// runWorker pulls one message at a time from the shared durable consumer
// and processes it to a terminal outcome (insert or DLQ) before acking, so
// the offset-commit-after-success ordering of spec §4.6 step 7 holds for
// every message this worker handles. workerID only labels this worker's
// own fetch loop for logging and DLQ bookkeeping; JetStream, not workerID,
// is what guarantees no message is ever handed to more than one worker.
func (c *Consumer) runWorker(ctx context.Context, workerID int32, cons jetstream.Consumer) error {
	var offset int64

	for {
		if ctx.Err() != nil {
			return nil
		}

		msgs, err := cons.Fetch(1, jetstream.FetchMaxWait(5*time.Second))
		if err != nil {
			return fmt.Errorf("fetch worker %d: %w", workerID, err)
		}

		for msg := range msgs.Messages() {
			result, err := c.processor.Process(ctx, workerID, offset, msg.Data())
			offset++
			if err != nil {
				c.logger.ErrorContext(ctx, "ingestion process failed, will retry delivery",
					"worker", workerID, "error", err)
				_ = msg.Nak()
				continue
			}
			if ackErr := msg.Ack(); ackErr != nil {
				c.logger.WarnContext(ctx, "ack failed", "worker", workerID, "error", ackErr)
			}
			c.logger.DebugContext(ctx, "processed message", "worker", workerID, "result", result)
		}
		if err := msgs.Error(); err != nil {
			return fmt.Errorf("worker %d fetch stream: %w", workerID, err)
		}
	}
}
