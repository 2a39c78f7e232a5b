package retry

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestComputeBackoff_GrowsExponentiallyAndCapsAtMax(t *testing.T) {
	policy := Policy{BaseMs: 100, MaxMs: 1000, MaxJitterMs: 0, MaxAttempts: 10}
	d0 := ComputeBackoff(Params{MessageID: "m1", AttemptIndex: 0}, policy)
	d1 := ComputeBackoff(Params{MessageID: "m1", AttemptIndex: 1}, policy)
	d2 := ComputeBackoff(Params{MessageID: "m1", AttemptIndex: 2}, policy)
	d10 := ComputeBackoff(Params{MessageID: "m1", AttemptIndex: 10}, policy)

	assert.Equal(t, int64(100), d0.Milliseconds())
	assert.Equal(t, int64(200), d1.Milliseconds())
	assert.Equal(t, int64(400), d2.Milliseconds())
	assert.Equal(t, int64(1000), d10.Milliseconds(), "must cap at MaxMs")
}

func TestComputeBackoff_DeterministicAcrossCalls(t *testing.T) {
	policy := DefaultPolicy()
	params := Params{MessageID: "evt-123", Partition: 2, AttemptIndex: 3}

	first := ComputeBackoff(params, policy)
	second := ComputeBackoff(params, policy)

	assert.Equal(t, first, second)
}

func TestComputeBackoff_DiffersAcrossMessages(t *testing.T) {
	policy := DefaultPolicy()
	a := ComputeBackoff(Params{MessageID: "evt-a", AttemptIndex: 1}, policy)
	b := ComputeBackoff(Params{MessageID: "evt-b", AttemptIndex: 1}, policy)

	assert.NotEqual(t, a, b, "jitter should differ for distinct message ids (extremely unlikely to collide)")
}
