package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/donutboyband/SendFlowr/pkg/contracts"
)

// MemoryStore implements EventStore, IdentityStore, and ExplanationStore
// in a single in-process struct, thread-safe via a single RWMutex shared by all tables. It
// exists for tests and local-dev runs that don't have Postgres available,
// mirroring the teacher repo's memory-backed twin of its Postgres stores.
type MemoryStore struct {
	mu sync.RWMutex

	events      []contracts.EngagementEvent
	edges       map[edgeKey]contracts.IdentityEdge
	resolved    map[contracts.Identifier]contracts.ResolutionCacheEntry
	audit       []contracts.AuditRecord
	decisions   map[string]contracts.TimingDecision
	seenDedup   map[string]bool // (esp, event_id, campaign_id) dedup view
}

type edgeKey struct {
	a contracts.Identifier
	b contracts.Identifier
}

// canonicalEdgeKey orders the pair so {a,b} and {b,a} collide.
func canonicalEdgeKey(a, b contracts.Identifier) edgeKey {
	if a.Type > b.Type || (a.Type == b.Type && a.Value > b.Value) {
		a, b = b, a
	}
	return edgeKey{a: a, b: b}
}

// NewMemoryStore constructs an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		edges:     make(map[edgeKey]contracts.IdentityEdge),
		resolved:  make(map[contracts.Identifier]contracts.ResolutionCacheEntry),
		decisions: make(map[string]contracts.TimingDecision),
		seenDedup: make(map[string]bool),
	}
}

var _ EventStore = (*MemoryStore)(nil)
var _ IdentityStore = (*MemoryStore)(nil)
var _ ExplanationStore = (*MemoryStore)(nil)

func dedupKey(ev contracts.EngagementEvent) string {
	return ev.ESP + "|" + ev.EventID + "|" + ev.CampaignID
}

// Insert implements EventStore.
func (s *MemoryStore) Insert(_ context.Context, ev contracts.EngagementEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := dedupKey(ev)
	if s.seenDedup[key] {
		return nil
	}
	s.seenDedup[key] = true
	s.events = append(s.events, ev)
	return nil
}

// EventsByType implements EventStore.
func (s *MemoryStore) EventsByType(_ context.Context, universalID contracts.UniversalID, eventType contracts.EventType, since time.Time) ([]contracts.EngagementEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []contracts.EngagementEvent
	for _, ev := range s.events {
		if ev.UniversalID == universalID && ev.Type == eventType && !ev.Timestamp.Before(since) {
			out = append(out, ev)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

// CountByType implements EventStore.
func (s *MemoryStore) CountByType(ctx context.Context, universalID contracts.UniversalID, eventType contracts.EventType, since time.Time) (int, error) {
	evs, err := s.EventsByType(ctx, universalID, eventType, since)
	if err != nil {
		return 0, err
	}
	return len(evs), nil
}

// RecentContextSignals implements EventStore.
func (s *MemoryStore) RecentContextSignals(_ context.Context, universalID contracts.UniversalID, types []contracts.EventType, since time.Time) ([]contracts.ContextSignal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	wanted := make(map[contracts.EventType]bool, len(types))
	for _, t := range types {
		wanted[t] = true
	}
	var out []contracts.ContextSignal
	for _, ev := range s.events {
		if ev.UniversalID != universalID || !wanted[ev.Type] || ev.Timestamp.Before(since) {
			continue
		}
		out = append(out, contracts.ContextSignal{
			UniversalID: ev.UniversalID,
			EventType:   ev.Type,
			Timestamp:   ev.Timestamp,
			Provider:    ev.ESP,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	return out, nil
}

// UpsertEdge implements IdentityStore. Keeps the maximum weight seen and
// refreshes UpdatedAt; never duplicates a row for the same unordered pair.
func (s *MemoryStore) UpsertEdge(_ context.Context, edge contracts.IdentityEdge) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := canonicalEdgeKey(edge.A, edge.B)
	existing, ok := s.edges[key]
	if !ok {
		if edge.CreatedAt.IsZero() {
			edge.CreatedAt = edge.UpdatedAt
		}
		s.edges[key] = edge
		return nil
	}
	if edge.Weight > existing.Weight {
		existing.Weight = edge.Weight
	}
	if edge.UpdatedAt.After(existing.UpdatedAt) {
		existing.UpdatedAt = edge.UpdatedAt
	}
	if edge.Source != "" {
		existing.Source = edge.Source
	}
	s.edges[key] = existing
	return nil
}

// EdgesFrom implements IdentityStore, ordered by weight descending.
func (s *MemoryStore) EdgesFrom(_ context.Context, id contracts.Identifier) ([]contracts.IdentityEdge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []contracts.IdentityEdge
	for _, e := range s.edges {
		if e.A == id || e.B == id {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Weight > out[j].Weight })
	return out, nil
}

// LookupResolved implements IdentityStore.
func (s *MemoryStore) LookupResolved(_ context.Context, id contracts.Identifier) (*contracts.ResolutionCacheEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if e, ok := s.resolved[id]; ok {
		cp := e
		return &cp, nil
	}
	return nil, nil
}

// UpsertResolved implements IdentityStore with replacing-writer semantics
// on LastSeen (monotone). CreatedAt is set once, on first insert, and
// preserved across every later update of the same Identifier.
func (s *MemoryStore) UpsertResolved(_ context.Context, entry contracts.ResolutionCacheEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.resolved[entry.Identifier]
	if ok {
		if existing.LastSeen.After(entry.LastSeen) {
			return nil
		}
		entry.CreatedAt = existing.CreatedAt
	} else if entry.CreatedAt.IsZero() {
		entry.CreatedAt = entry.LastSeen
	}
	s.resolved[entry.Identifier] = entry
	return nil
}

// AppendAudit implements IdentityStore.
func (s *MemoryStore) AppendAudit(_ context.Context, rec contracts.AuditRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audit = append(s.audit, rec)
	return nil
}

// AuditTrail implements IdentityStore.
func (s *MemoryStore) AuditTrail(_ context.Context, resolutionID string) ([]contracts.AuditRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []contracts.AuditRecord
	for _, r := range s.audit {
		if r.ResolutionID == resolutionID {
			out = append(out, r)
		}
	}
	return out, nil
}

// Append implements ExplanationStore.
func (s *MemoryStore) Append(_ context.Context, d contracts.TimingDecision) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.decisions[d.ExplanationRef] = d
	return nil
}

// Get implements ExplanationStore.
func (s *MemoryStore) Get(_ context.Context, explanationRef string) (*contracts.TimingDecision, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if d, ok := s.decisions[explanationRef]; ok {
		cp := d
		return &cp, nil
	}
	return nil, nil
}
