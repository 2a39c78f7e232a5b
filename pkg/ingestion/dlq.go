package ingestion

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
)

// wireDeadLetter is the DLQ payload shape (spec §6: "Same log transport,
// separate topic. Payload: {error, original_key, original_value,
// partition, offset, ingested_at}").
type wireDeadLetter struct {
	Error         string `json:"error"`
	OriginalKey   string `json:"original_key"`
	OriginalValue []byte `json:"original_value"`
	Partition     int32  `json:"partition"`
	Offset        int64  `json:"offset"`
	IngestedAt    string `json:"ingested_at"`
}

// NATSDeadLetterSink publishes dead letters to a NATS subject.
type NATSDeadLetterSink struct {
	nc      *nats.Conn
	subject string
}

// NewNATSDeadLetterSink creates a DeadLetterSink backed by a plain NATS
// publish (the DLQ is a best-effort side channel, not itself replayed
// through JetStream consumer groups).
func NewNATSDeadLetterSink(nc *nats.Conn, subject string) *NATSDeadLetterSink {
	return &NATSDeadLetterSink{nc: nc, subject: subject}
}

// Send publishes dl to the configured subject.
func (s *NATSDeadLetterSink) Send(ctx context.Context, dl DeadLetter) error {
	payload, err := json.Marshal(wireDeadLetter{
		Error:         dl.Error,
		OriginalKey:   dl.OriginalKey,
		OriginalValue: dl.OriginalValue,
		Partition:     dl.Partition,
		Offset:        dl.Offset,
		IngestedAt:    dl.IngestedAt.Format("2006-01-02T15:04:05.000Z07:00"),
	})
	if err != nil {
		return fmt.Errorf("marshal dead letter: %w", err)
	}
	if err := s.nc.Publish(s.subject, payload); err != nil {
		return fmt.Errorf("publish dead letter: %w", err)
	}
	return nil
}
