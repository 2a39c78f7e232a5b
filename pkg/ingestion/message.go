package ingestion

import (
	"encoding/json"
	"fmt"
	"time"
)

// RawMessage is the wire shape of an inbound event record (spec §4.6,
// §6): snake_case fields, ISO-8601 UTC timestamps, required event_id /
// event_type / timestamp, everything else optional and carried through
// metadata.
type RawMessage struct {
	EventID     string          `json:"event_id"`
	EventType   string          `json:"event_type"`
	Timestamp   string          `json:"timestamp"`
	ESP         string          `json:"esp"`
	Email       string          `json:"recipient_email,omitempty"`
	CampaignID  string          `json:"campaign_id,omitempty"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
	Identifiers RawIdentifiers  `json:"identifiers,omitempty"`
}

// RawIdentifiers is the subset of caller-supplied identifiers a wire
// message may carry for identity resolution (spec §4.6 step 3).
type RawIdentifiers struct {
	Email             string `json:"email,omitempty"`
	Phone             string `json:"phone,omitempty"`
	KlaviyoID         string `json:"klaviyo_id,omitempty"`
	ShopifyCustomerID string `json:"shopify_customer_id,omitempty"`
	EspUserID         string `json:"esp_user_id,omitempty"`
	IPDeviceSignature string `json:"ip_device_signature,omitempty"`
}

// rawMetadata is the optional per-event metadata blob the spec's ML
// feature extraction step (§4.6 step 6) and bot-flagging step (step 5)
// read from.
type rawMetadata struct {
	LatencySeconds     *float64 `json:"latency_seconds,omitempty"`
	SendTime           string   `json:"send_time,omitempty"`
	HourOfDay          *int     `json:"hour_of_day,omitempty"`
	Minute             *int     `json:"minute,omitempty"`
	DayOfWeek          *int     `json:"day_of_week,omitempty"`
	CampaignType       string   `json:"campaign_type,omitempty"`
	PayloadSizeBytes   *int64   `json:"payload_size_bytes,omitempty"`
	QueueDepthEstimate *int64   `json:"queue_depth_estimate,omitempty"`
	UserAgent          string   `json:"user_agent,omitempty"`
	IP                 string   `json:"ip,omitempty"`
}

// ParseError marks a message as malformed in a way step 1/2 routes
// straight to the dead-letter sink rather than retrying.
type ParseError struct {
	Field string
	Cause error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse field %q: %v", e.Field, e.Cause)
}
func (e *ParseError) Unwrap() error { return e.Cause }

// parsed is the deserialized-and-validated form of a RawMessage, ready
// for identity resolution.
type parsed struct {
	eventID    string
	eventType  string
	timestamp  time.Time
	esp        string
	email      string
	campaignID string
	meta       rawMetadata
	ids        RawIdentifiers
}

// deserialize implements spec §4.6 steps 1-2: decode and validate the
// required fields. Any failure here is a ParseError, which is always
// poison (never retried).
func deserialize(payload []byte) (*parsed, error) {
	var raw RawMessage
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, &ParseError{Field: "<root>", Cause: err}
	}

	if raw.EventID == "" {
		return nil, &ParseError{Field: "event_id", Cause: fmt.Errorf("required")}
	}
	if raw.EventType == "" {
		return nil, &ParseError{Field: "event_type", Cause: fmt.Errorf("required")}
	}
	if raw.Timestamp == "" {
		return nil, &ParseError{Field: "timestamp", Cause: fmt.Errorf("required")}
	}

	ts, err := time.Parse(time.RFC3339Nano, raw.Timestamp)
	if err != nil {
		ts, err = time.Parse(time.RFC3339, raw.Timestamp)
	}
	if err != nil {
		return nil, &ParseError{Field: "timestamp", Cause: err}
	}

	var meta rawMetadata
	if len(raw.Metadata) > 0 {
		if err := json.Unmarshal(raw.Metadata, &meta); err != nil {
			return nil, &ParseError{Field: "metadata", Cause: err}
		}
	}

	email := raw.Email
	if email == "" {
		email = raw.Identifiers.Email
	}

	return &parsed{
		eventID:    raw.EventID,
		eventType:  raw.EventType,
		timestamp:  ts.UTC(),
		esp:        raw.ESP,
		email:      email,
		campaignID: raw.CampaignID,
		meta:       meta,
		ids:        raw.Identifiers,
	}, nil
}
