// Package store implements the EventStore, IdentityStore, and
// ExplanationStore gateways: typed persistence for engagement events, the
// identity edge graph, the resolution cache, the audit log, and the
// append-only timing-decision explanation log (spec §4 leaf components,
// §6 logical tables).
//
// Each gateway has a Postgres-backed implementation for production and a
// SQLite-backed twin for local development and tests, mirroring the
// teacher repo's practice of pairing every Postgres-backed store with an
// embedded twin rather than mocking the interface.
package store

import (
	"context"
	"time"

	"github.com/donutboyband/SendFlowr/pkg/contracts"
)

// EventStore is the typed read/write gateway to the append-only columnar
// event table.
type EventStore interface {
	// Insert writes one engagement event. Implementations dedupe on
	// (esp, event_id, campaign_id) so repeated backfill inserts are safe.
	Insert(ctx context.Context, ev contracts.EngagementEvent) error

	// EventsByType returns events for universalID of the given type with
	// timestamp >= since (no upper bound), ordered by timestamp ascending.
	EventsByType(ctx context.Context, universalID contracts.UniversalID, eventType contracts.EventType, since time.Time) ([]contracts.EngagementEvent, error)

	// CountByType returns the number of events of eventType for
	// universalID with timestamp >= since (no upper bound).
	CountByType(ctx context.Context, universalID contracts.UniversalID, eventType contracts.EventType, since time.Time) (int, error)

	// RecentContextSignals returns context signals of the given types for
	// universalID with timestamp >= since, ordered most-recent first.
	RecentContextSignals(ctx context.Context, universalID contracts.UniversalID, types []contracts.EventType, since time.Time) ([]contracts.ContextSignal, error)
}

// IdentityStore persists the identity edge graph, the resolution cache,
// and the append-only audit log.
type IdentityStore interface {
	// UpsertEdge inserts or refreshes an edge. Idempotent: re-inserting an
	// existing {A,B} pair refreshes UpdatedAt and keeps the maximum weight
	// seen; no duplicate row is created.
	UpsertEdge(ctx context.Context, edge contracts.IdentityEdge) error

	// EdgesFrom returns every edge touching identifier, ordered by weight
	// descending (for BFS traversal, spec §4.4 Step 2).
	EdgesFrom(ctx context.Context, id contracts.Identifier) ([]contracts.IdentityEdge, error)

	// LookupResolved returns the cached resolution for id, if any.
	LookupResolved(ctx context.Context, id contracts.Identifier) (*contracts.ResolutionCacheEntry, error)

	// UpsertResolved writes or refreshes a resolution cache row. Replacing
	// writer semantics on LastSeen: a call with an older LastSeen than the
	// stored row is a no-op.
	UpsertResolved(ctx context.Context, entry contracts.ResolutionCacheEntry) error

	// AppendAudit appends one audit record. Append-only; never updated or
	// deleted.
	AppendAudit(ctx context.Context, rec contracts.AuditRecord) error

	// AuditTrail returns every record sharing resolutionID, in the order
	// they were appended.
	AuditTrail(ctx context.Context, resolutionID string) ([]contracts.AuditRecord, error)
}

// ExplanationStore persists the append-only timing_explanations table.
type ExplanationStore interface {
	// Append writes one timing decision. Append-only.
	Append(ctx context.Context, d contracts.TimingDecision) error

	// Get returns the decision with the given explanation reference.
	Get(ctx context.Context, explanationRef string) (*contracts.TimingDecision, error)
}
