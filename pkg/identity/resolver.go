// Package identity implements the Identity Resolver (spec §4.4):
// deterministic lookup, probabilistic BFS over the identity edge graph,
// and new-Universal-ID synthesis, with idempotent edge merge and an
// auditable step trace.
package identity

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/donutboyband/SendFlowr/pkg/contracts"
	"github.com/donutboyband/SendFlowr/pkg/store"
)

// Config controls resolver behavior (spec §6 Configuration surface).
type Config struct {
	ProbabilisticWeights map[contracts.IdentifierType]float64
	BFSDepth             int
	BFSBudget            int
	PhoneDefaultRegion   string
	DisableSynthesis     bool // when true, IdentityUnresolved is returned instead of synthesizing
}

// DefaultConfig returns the spec-documented defaults.
func DefaultConfig() Config {
	return Config{
		ProbabilisticWeights: contracts.DefaultWeights,
		BFSDepth:             3,
		BFSBudget:            128,
		PhoneDefaultRegion:   "1",
	}
}

// Resolver implements spec §4.4.
type Resolver struct {
	store store.IdentityStore
	cfg   Config
	now   func() time.Time
}

// New constructs a Resolver against an IdentityStore gateway.
func New(s store.IdentityStore, cfg Config) *Resolver {
	return &Resolver{store: s, cfg: cfg, now: time.Now}
}

// WithClock overrides the resolver's clock, for deterministic tests.
func (r *Resolver) WithClock(now func() time.Time) *Resolver {
	r.now = now
	return r
}

// Result is the outcome of a Resolve call.
type Result struct {
	UniversalID  contracts.UniversalID
	Confidence   float64
	ResolutionID string
}

// Resolve maps a caller's raw identifier set to a single Universal ID,
// idempotently, with an auditable step trace (spec §4.4).
func (r *Resolver) Resolve(ctx context.Context, raw contracts.RawIdentifiers) (*Result, error) {
	rawMap := raw.AsMap()
	if len(rawMap) == 0 {
		return nil, contracts.NewError(contracts.KindInvalidInput, "at least one identifier is required", nil)
	}
	identifiers := NormalizeIdentifiers(rawMap, r.cfg.PhoneDefaultRegion)
	resolutionID := uuid.NewString()
	now := r.now().UTC()
	byType := indexByType(identifiers)

	var resolvedUID contracts.UniversalID
	var resolvedConfidence float64
	var resolvedVia contracts.Identifier
	var resolvedCreatedAt time.Time

	// claim records a hit against resolvedUID, merging with any earlier
	// claim in this same request that named a different Universal ID
	// (spec §4.4 conflict-merge policy: the older Universal ID, by actual
	// resolution-cache creation time, always wins - never whichever claim
	// happened to be evaluated first).
	claim := func(uid contracts.UniversalID, confidence float64, via contracts.Identifier, createdAt time.Time) error {
		if resolvedUID == "" {
			resolvedUID, resolvedConfidence, resolvedVia, resolvedCreatedAt = uid, confidence, via, createdAt
			return nil
		}
		if resolvedUID == uid {
			if confidence > resolvedConfidence {
				resolvedConfidence = confidence
			}
			if createdAt.Before(resolvedCreatedAt) {
				resolvedCreatedAt = createdAt
			}
			return nil
		}
		merged, mergedCreatedAt, err := r.mergeConflict(ctx, resolvedUID, resolvedCreatedAt, uid, createdAt, resolutionID, now)
		if err != nil {
			return err
		}
		resolvedUID, resolvedCreatedAt = merged, mergedCreatedAt
		if confidence > resolvedConfidence {
			resolvedConfidence = confidence
		}
		return nil
	}

	// entryCreatedAt guards against a zero-valued CreatedAt on entries
	// written before this field existed, falling back to LastSeen.
	entryCreatedAt := func(entry *contracts.ResolutionCacheEntry) time.Time {
		if entry.CreatedAt.IsZero() {
			return entry.LastSeen
		}
		return entry.CreatedAt
	}

	// Step 1: deterministic hit, fixed priority order.
	for _, t := range contracts.DeterministicPriority {
		id, ok := byType[t]
		if !ok {
			continue
		}
		entry, err := r.store.LookupResolved(ctx, id)
		if err != nil {
			return nil, contracts.NewError(contracts.KindBackendUnavailable, "identity store lookup failed", err)
		}
		if entry == nil {
			continue
		}
		if err := r.recordAudit(ctx, resolutionID, entry.UniversalID, id, fmt.Sprintf("found_via_%s:%s", t, TruncatedValue(id.Value)), 1.0, now); err != nil {
			return nil, err
		}
		if err := claim(entry.UniversalID, 1.0, id, entryCreatedAt(entry)); err != nil {
			return nil, err
		}
	}

	// Step 2: probabilistic lookup (cache hit, then BFS) for every supplied
	// probabilistic identifier, even after a deterministic hit above, so a
	// conflicting mapping is merged by age in claim.
	for _, t := range contracts.ProbabilisticPriority {
		id, ok := byType[t]
		if !ok {
			continue
		}
		entry, err := r.store.LookupResolved(ctx, id)
		if err != nil {
			return nil, contracts.NewError(contracts.KindBackendUnavailable, "identity store lookup failed", err)
		}
		if entry != nil {
			if err := r.recordAudit(ctx, resolutionID, entry.UniversalID, id, fmt.Sprintf("found_via_%s:%s", t, TruncatedValue(id.Value)), entry.Confidence, now); err != nil {
				return nil, err
			}
			if err := claim(entry.UniversalID, entry.Confidence, id, entryCreatedAt(entry)); err != nil {
				return nil, err
			}
			continue
		}

		uid, uidCreatedAt, confidence, path, err := r.bfsResolve(ctx, id, now)
		if err != nil {
			return nil, err
		}
		if uid == "" {
			continue
		}
		for _, hop := range path {
			if err := r.recordAudit(ctx, resolutionID, uid, id, hop, confidence, now); err != nil {
				return nil, err
			}
		}
		if err := r.store.UpsertResolved(ctx, contracts.ResolutionCacheEntry{Identifier: id, UniversalID: uid, Confidence: confidence, LastSeen: now, CreatedAt: now}); err != nil {
			return nil, contracts.NewError(contracts.KindBackendUnavailable, "persist resolution cache failed", err)
		}
		if err := claim(uid, confidence, id, uidCreatedAt); err != nil {
			return nil, err
		}
	}

	if resolvedUID != "" {
		if err := r.insertRemainingIdentifiers(ctx, resolvedUID, identifiers, resolvedVia, now); err != nil {
			return nil, err
		}
		return &Result{UniversalID: resolvedUID, Confidence: resolvedConfidence, ResolutionID: resolutionID}, nil
	}

	// Step 3: synthesize.
	if r.cfg.DisableSynthesis {
		return nil, contracts.NewError(contracts.KindIdentityUnresolved, "no existing mapping and synthesis disabled", nil)
	}
	uid, err := newUniversalID()
	if err != nil {
		return nil, contracts.NewError(contracts.KindBackendUnavailable, "generate universal id failed", err)
	}
	for _, id := range identifiers {
		confidence := id.Weight(r.cfg.ProbabilisticWeights)
		if err := r.store.UpsertResolved(ctx, contracts.ResolutionCacheEntry{Identifier: id, UniversalID: uid, Confidence: confidence, LastSeen: now, CreatedAt: now}); err != nil {
			return nil, contracts.NewError(contracts.KindBackendUnavailable, "persist resolution cache failed", err)
		}
	}
	if err := r.recordAudit(ctx, resolutionID, uid, contracts.Identifier{}, contracts.StepCreatedNewUniversalID, 1.0, now); err != nil {
		return nil, err
	}
	return &Result{UniversalID: uid, Confidence: 1.0, ResolutionID: resolutionID}, nil
}

// insertRemainingIdentifiers links every supplied identifier other than
// the one that already resolved to uid, so a later call with any subset of
// this identifier set resolves to the same Universal ID (idempotence,
// spec §4.4 "Idempotence").
func (r *Resolver) insertRemainingIdentifiers(ctx context.Context, uid contracts.UniversalID, identifiers []contracts.Identifier, resolvedVia contracts.Identifier, now time.Time) error {
	for _, id := range identifiers {
		if id == resolvedVia {
			continue
		}
		existing, err := r.store.LookupResolved(ctx, id)
		if err != nil {
			return contracts.NewError(contracts.KindBackendUnavailable, "identity store lookup failed", err)
		}
		if existing != nil && existing.UniversalID == uid {
			continue
		}
		confidence := id.Weight(r.cfg.ProbabilisticWeights)
		if id.Type.Deterministic() {
			confidence = 1.0
		}
		if err := r.store.UpsertResolved(ctx, contracts.ResolutionCacheEntry{Identifier: id, UniversalID: uid, Confidence: confidence, LastSeen: now, CreatedAt: now}); err != nil {
			return contracts.NewError(contracts.KindBackendUnavailable, "persist resolution cache failed", err)
		}
		weight := id.Weight(r.cfg.ProbabilisticWeights)
		if resolvedVia.Type.Deterministic() || id.Type.Deterministic() {
			weight = 1.0
		}
		if err := r.store.UpsertEdge(ctx, contracts.IdentityEdge{
			A: resolvedVia, B: id, Weight: weight, Source: "resolver_link", CreatedAt: now, UpdatedAt: now,
		}); err != nil {
			return contracts.NewError(contracts.KindBackendUnavailable, "upsert edge failed", err)
		}
	}
	return nil
}

// mergeConflict implements the conflict-merge policy (spec.md:125): when two
// different Universal IDs are reached within the same resolution, the
// older Universal ID wins, judged by the actual creation time of the
// resolution-cache entry each side was reached through - not by which
// claim happened to be evaluated first in priority order. Neither id is
// deleted (append-only); a merge edge records the relationship and an
// audit record documents it.
func (r *Resolver) mergeConflict(ctx context.Context, existing contracts.UniversalID, existingCreatedAt time.Time, other contracts.UniversalID, otherCreatedAt time.Time, resolutionID string, now time.Time) (contracts.UniversalID, time.Time, error) {
	winner, winnerCreatedAt, loser := existing, existingCreatedAt, other
	if otherCreatedAt.Before(existingCreatedAt) {
		winner, winnerCreatedAt, loser = other, otherCreatedAt, existing
	}
	if err := r.store.UpsertEdge(ctx, contracts.IdentityEdge{
		A:         contracts.Identifier{Type: contracts.IdentifierUniversal, Value: string(winner)},
		B:         contracts.Identifier{Type: contracts.IdentifierUniversal, Value: string(loser)},
		Weight:    1.0,
		Source:    "identity_merge",
		CreatedAt: now,
		UpdatedAt: now,
	}); err != nil {
		return "", time.Time{}, contracts.NewError(contracts.KindBackendUnavailable, "upsert merge edge failed", err)
	}
	if err := r.recordAudit(ctx, resolutionID, winner, contracts.Identifier{Type: contracts.IdentifierUniversal, Value: string(loser)}, contracts.StepConflictMerged, 1.0, now); err != nil {
		return "", time.Time{}, err
	}
	return winner, winnerCreatedAt, nil
}

// bfsResolve performs depth-bounded, budget-bounded BFS over the edge
// graph starting at id, exploring edges in decreasing weight order, and
// stops at the first endpoint that already has a resolution-cache entry,
// or is itself a Universal ID. Returns the resolved Universal
// ID, that mapping's creation time (the merge-conflict age proxy: the
// creation time of the resolution-cache entry the traversal landed on, or
// now if it landed directly on a Universal ID with no cache entry of its
// own), the minimum edge weight traversed (confidence), and the audit
// step labels for each hop.
func (r *Resolver) bfsResolve(ctx context.Context, start contracts.Identifier, now time.Time) (contracts.UniversalID, time.Time, float64, []string, error) {
	type frontier struct {
		id         contracts.Identifier
		confidence float64
		depth      int
	}
	visited := map[contracts.Identifier]bool{start: true}
	queue := []frontier{{id: start, confidence: 1.0, depth: 0}}
	expanded := 0
	var steps []string

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if cur.depth >= r.cfg.BFSDepth {
			continue
		}
		edges, err := r.store.EdgesFrom(ctx, cur.id)
		if err != nil {
			return "", time.Time{}, 0, nil, contracts.NewError(contracts.KindBackendUnavailable, "edge lookup failed", err)
		}
		for _, e := range edges {
			if expanded >= r.cfg.BFSBudget {
				return "", time.Time{}, 0, steps, nil
			}
			expanded++
			next := e.B
			if next == cur.id {
				next = e.A
			}
			if visited[next] {
				continue
			}
			visited[next] = true
			confidence := min(cur.confidence, e.Weight)
			steps = append(steps, fmt.Sprintf("graph_traversal:%s->%s", cur.id.Type, next.Type))

			if next.Type == contracts.IdentifierUniversal {
				// No resolution-cache entry backs a Universal ID directly;
				// its age is unknown from this traversal, so treat it as
				// no older than the current request.
				return contracts.UniversalID(next.Value), now, confidence, steps, nil
			}
			entry, err := r.store.LookupResolved(ctx, next)
			if err != nil {
				return "", time.Time{}, 0, nil, contracts.NewError(contracts.KindBackendUnavailable, "identity store lookup failed", err)
			}
			if entry != nil {
				createdAt := entry.CreatedAt
				if createdAt.IsZero() {
					createdAt = entry.LastSeen
				}
				return entry.UniversalID, createdAt, confidence, steps, nil
			}
			queue = append(queue, frontier{id: next, confidence: confidence, depth: cur.depth + 1})
		}
	}
	return "", time.Time{}, 0, steps, nil
}

func (r *Resolver) recordAudit(ctx context.Context, resolutionID string, uid contracts.UniversalID, id contracts.Identifier, step string, confidence float64, now time.Time) error {
	err := r.store.AppendAudit(ctx, contracts.AuditRecord{
		ResolutionID:    resolutionID,
		UniversalID:     uid,
		InputIdentifier: id.Value,
		InputType:       id.Type,
		Step:            step,
		Confidence:      confidence,
		CreatedAt:       now,
	})
	if err != nil {
		return contracts.NewError(contracts.KindBackendUnavailable, "append audit record failed", err)
	}
	return nil
}

func indexByType(identifiers []contracts.Identifier) map[contracts.IdentifierType]contracts.Identifier {
	m := make(map[contracts.IdentifierType]contracts.Identifier, len(identifiers))
	for _, id := range identifiers {
		m[id.Type] = id
	}
	return m
}

// newUniversalID generates a "sf_" + 16 hex char token from a
// cryptographic RNG (spec §4.4 Step 3).
func newUniversalID() (contracts.UniversalID, error) {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return contracts.UniversalID("sf_" + hex.EncodeToString(buf)), nil
}
