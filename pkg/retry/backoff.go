// Package retry provides deterministic-jitter exponential backoff for the
// ingestion pipeline's identity-resolution retry path (spec §4.6 step 3,
// §7 retryable-vs-poison routing).
package retry

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"
)

// Params identifies a specific retry attempt for jitter derivation.
type Params struct {
	MessageID    string
	Partition    int32
	AttemptIndex int
}

// Policy bounds a backoff schedule.
type Policy struct {
	BaseMs      int64
	MaxMs       int64
	MaxJitterMs int64
	MaxAttempts int
}

// DefaultPolicy matches the ingestion pipeline's documented retry bounds:
// up to 5 attempts, capped at 30s, with up to 250ms of jitter.
func DefaultPolicy() Policy {
	return Policy{BaseMs: 200, MaxMs: 30000, MaxJitterMs: 250, MaxAttempts: 5}
}

// ComputeBackoff returns the delay before attempt params.AttemptIndex,
// using exponential growth from policy.BaseMs capped at policy.MaxMs, plus
// jitter deterministically derived from (message id, partition, attempt) —
// so retries of the same message are reproducible across worker restarts,
// but distinct messages don't retry in lockstep.
func ComputeBackoff(params Params, policy Policy) time.Duration {
	factor := int64(1)
	if params.AttemptIndex > 0 {
		if params.AttemptIndex > 30 {
			factor = 1 << 30
		} else {
			factor = 1 << params.AttemptIndex
		}
	}

	baseDelay := policy.BaseMs * factor
	if baseDelay > policy.MaxMs {
		baseDelay = policy.MaxMs
	}

	return time.Duration(baseDelay+jitter(params, policy)) * time.Millisecond
}

func jitter(params Params, policy Policy) int64 {
	if policy.MaxJitterMs == 0 {
		return 0
	}
	seed := fmt.Sprintf("%s:%d:%d", params.MessageID, params.Partition, params.AttemptIndex)
	hash := sha256.Sum256([]byte(seed))
	basis := binary.BigEndian.Uint64(hash[:8])
	return int64(basis % uint64(policy.MaxJitterMs))
}
