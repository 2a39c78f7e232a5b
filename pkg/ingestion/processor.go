// Package ingestion implements the Event Ingestion Pipeline (spec §4.6):
// deserialize, validate, resolve identity, hash PII, flag bots, extract
// ML training features, and write to the event store, with retry-then-DLQ
// routing for failures and an idempotent bulk backfill path.
package ingestion

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/donutboyband/SendFlowr/pkg/contracts"
	"github.com/donutboyband/SendFlowr/pkg/identity"
	"github.com/donutboyband/SendFlowr/pkg/retry"
	"github.com/donutboyband/SendFlowr/pkg/store"
)

// Config controls the processor's retry and bot-detection behavior.
type Config struct {
	RetryPolicy          retry.Policy
	InstantOpenThreshold time.Duration
	ScannerCIDRs         []string
}

// DefaultConfig returns the spec-documented defaults.
func DefaultConfig() Config {
	return Config{
		RetryPolicy:          retry.DefaultPolicy(),
		InstantOpenThreshold: 2 * time.Second,
		ScannerCIDRs:         []string{"17.0.0.0/8", "66.102.0.0/16", "66.249.0.0/16"},
	}
}

// DeadLetter is the payload shape written to the DLQ transport (spec §6).
type DeadLetter struct {
	Error         string
	OriginalKey   string
	OriginalValue []byte
	Partition     int32
	Offset        int64
	IngestedAt    time.Time
}

// DeadLetterSink is where poison and exhausted-retry messages are routed.
type DeadLetterSink interface {
	Send(ctx context.Context, dl DeadLetter) error
}

// Processor turns raw wire messages into event-store rows, per spec §4.6.
type Processor struct {
	resolver *identity.Resolver
	events   store.EventStore
	dlq      DeadLetterSink
	bot      *botDetector
	cfg      Config
	now      func() time.Time
}

// New creates a Processor.
func New(resolver *identity.Resolver, events store.EventStore, dlq DeadLetterSink, cfg Config) *Processor {
	return &Processor{
		resolver: resolver,
		events:   events,
		dlq:      dlq,
		bot:      newBotDetector(cfg.InstantOpenThreshold, cfg.ScannerCIDRs),
		cfg:      cfg,
		now:      time.Now,
	}
}

// WithClock overrides the processor's clock, for deterministic tests.
func (p *Processor) WithClock(now func() time.Time) *Processor {
	p.now = now
	return p
}

// ProcessResult reports the terminal outcome of one message.
type ProcessResult string

const (
	ResultInserted   ProcessResult = "inserted"
	ResultDeadLetter ProcessResult = "dead_letter"
)

// Process implements spec §4.6's full per-message pipeline for one raw
// message. On a retryable identity-resolution failure it retries up to
// cfg.RetryPolicy.MaxAttempts times with deterministic-jitter backoff
// before giving up and routing to the DLQ. The caller is responsible for
// committing the upstream offset only after Process returns
// ResultInserted or ResultDeadLetter (both are terminal; only an error
// return means the offset must not be committed).
func (p *Processor) Process(ctx context.Context, partition int32, offset int64, payload []byte) (ProcessResult, error) {
	msg, err := deserialize(payload)
	if err != nil {
		return p.deadLetter(ctx, err, "", payload, partition, offset)
	}

	universalID, err := p.resolveWithRetry(ctx, msg, partition, offset)
	if err != nil {
		// A retryable error reaches here only after resolveWithRetry has
		// used every attempt.
		if isPoison(err) || contracts.IsRetryable(err) {
			return p.deadLetter(ctx, err, msg.eventID, payload, partition, offset)
		}
		return "", err
	}

	event := p.buildEvent(msg, universalID)

	if err := p.events.Insert(ctx, event); err != nil {
		return "", fmt.Errorf("insert event %s: %w", msg.eventID, err)
	}
	return ResultInserted, nil
}

// resolveWithRetry implements spec §4.6 step 3: resolve identity, retrying
// transient (Retryable) failures with backoff up to MaxAttempts times
// before surfacing the final error to the caller for DLQ routing.
func (p *Processor) resolveWithRetry(ctx context.Context, msg *parsed, partition int32, offset int64) (contracts.UniversalID, error) {
	raw := contracts.RawIdentifiers{
		Email:             msg.ids.Email,
		Phone:             msg.ids.Phone,
		KlaviyoID:         msg.ids.KlaviyoID,
		ShopifyCustomerID: msg.ids.ShopifyCustomerID,
		EspUserID:         msg.ids.EspUserID,
		IPDeviceSignature: msg.ids.IPDeviceSignature,
	}
	if raw.Email == "" {
		raw.Email = msg.email
	}

	var lastErr error
	maxAttempts := p.cfg.RetryPolicy.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	for attempt := 0; attempt < maxAttempts; attempt++ {
		result, err := p.resolver.Resolve(ctx, raw)
		if err == nil {
			return result.UniversalID, nil
		}
		lastErr = err
		if !contracts.IsRetryable(err) {
			return "", err
		}
		if attempt == maxAttempts-1 {
			break
		}
		backoff := retry.ComputeBackoff(retry.Params{
			MessageID:    msg.eventID,
			Partition:    partition,
			AttemptIndex: attempt,
		}, p.cfg.RetryPolicy)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return "", lastErr
}

// buildEvent implements spec §4.6 steps 4-6: hash the recipient email,
// flag suspected bot traffic, and extract typed ML training features from
// metadata.
func (p *Processor) buildEvent(msg *parsed, universalID contracts.UniversalID) contracts.EngagementEvent {
	now := p.now()

	event := contracts.EngagementEvent{
		EventID:            msg.eventID,
		ESP:                msg.esp,
		UniversalID:        universalID,
		Timestamp:          msg.timestamp,
		Type:               contracts.EventType(msg.eventType),
		CampaignID:         msg.campaignID,
		CampaignClass:      msg.meta.CampaignType,
		DeliveryLatencySec: msg.meta.LatencySeconds,
		HourOfDay:          msg.meta.HourOfDay,
		DayOfWeek:          msg.meta.DayOfWeek,
		PayloadSizeBytes:   msg.meta.PayloadSizeBytes,
		QueueDepthEstimate: msg.meta.QueueDepthEstimate,
	}

	if msg.email != "" {
		event.RecipientEmailHash = identity.HashEmail(msg.email)
	}

	if reasons := p.bot.detect(msg.eventType, msg.timestamp, now, msg.meta.UserAgent, msg.meta.IP); len(reasons) > 0 {
		event.Metadata = map[string]any{
			"suspected_bot": true,
			"bot_reasons":   reasons,
		}
	}

	return event
}

func (p *Processor) deadLetter(ctx context.Context, cause error, key string, payload []byte, partition int32, offset int64) (ProcessResult, error) {
	if p.dlq == nil {
		return "", fmt.Errorf("no dead letter sink configured, dropping message %s: %w", key, cause)
	}
	dl := DeadLetter{
		Error:         cause.Error(),
		OriginalKey:   key,
		OriginalValue: payload,
		Partition:     partition,
		Offset:        offset,
		IngestedAt:    p.now(),
	}
	if err := p.dlq.Send(ctx, dl); err != nil {
		return "", fmt.Errorf("send dead letter for %s: %w", key, err)
	}
	return ResultDeadLetter, nil
}

func isPoison(err error) bool {
	var sfErr *contracts.Error
	if errors.As(err, &sfErr) {
		return sfErr.Classification == contracts.Poison
	}
	return true
}
