package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq" // Postgres driver

	"github.com/donutboyband/SendFlowr/pkg/contracts"
)

// PostgresStore implements EventStore, IdentityStore, and ExplanationStore
// against the logical schema of spec §6: event_log partitioned monthly via
// a month_key column, identity_graph/identity_audit_log/resolved_identities,
// and timing_explanations. A single *sql.DB is shared across all three
// gateways, as the teacher repo shares one *sql.DB across its budget,
// ledger, and receipt stores.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an already-opened *sql.DB (opened with
// "postgres", per lib/pq) and applies the schema if it does not exist.
func NewPostgresStore(db *sql.DB) (*PostgresStore, error) {
	s := &PostgresStore{db: db}
	if err := s.migrate(context.Background()); err != nil {
		return nil, fmt.Errorf("sendflowr store: migrate: %w", err)
	}
	return s, nil
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS event_log (
			esp                   TEXT NOT NULL,
			universal_id          TEXT NOT NULL,
			ts                    TIMESTAMPTZ NOT NULL,
			event_type            TEXT NOT NULL,
			month_key             TEXT NOT NULL,
			event_id              TEXT NOT NULL,
			campaign_id           TEXT,
			campaign_class        TEXT,
			recipient_email_hash  TEXT,
			delivery_latency_sec  DOUBLE PRECISION,
			hour_of_day           INTEGER,
			day_of_week           INTEGER,
			payload_size_bytes    BIGINT,
			queue_depth_estimate  BIGINT,
			metadata              JSONB,
			PRIMARY KEY (esp, universal_id, ts, event_type)
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS event_log_dedup
			ON event_log (esp, event_id, campaign_id)`,
		`CREATE INDEX IF NOT EXISTS event_log_universal_type
			ON event_log (universal_id, event_type, ts DESC)`,
		`CREATE TABLE IF NOT EXISTS identity_graph (
			identifier_a TEXT NOT NULL,
			type_a       TEXT NOT NULL,
			identifier_b TEXT NOT NULL,
			type_b       TEXT NOT NULL,
			weight       DOUBLE PRECISION NOT NULL,
			source       TEXT NOT NULL,
			created_at   TIMESTAMPTZ NOT NULL,
			updated_at   TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (identifier_a, type_a, identifier_b, type_b)
		)`,
		`CREATE TABLE IF NOT EXISTS identity_audit_log (
			resolution_id    TEXT NOT NULL,
			universal_id     TEXT NOT NULL,
			input_identifier TEXT NOT NULL,
			input_type       TEXT NOT NULL,
			step             TEXT NOT NULL,
			confidence       DOUBLE PRECISION NOT NULL,
			created_at       TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS resolved_identities (
			identifier   TEXT NOT NULL,
			type         TEXT NOT NULL,
			universal_id TEXT NOT NULL,
			confidence   DOUBLE PRECISION NOT NULL,
			last_seen    TIMESTAMPTZ NOT NULL,
			created_at   TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (identifier, type)
		)`,
		`CREATE TABLE IF NOT EXISTS timing_explanations (
			decision_id            TEXT NOT NULL,
			explanation_ref        TEXT PRIMARY KEY,
			universal_id           TEXT NOT NULL,
			target_minute          INTEGER NOT NULL,
			trigger_timestamp_utc  TIMESTAMPTZ NOT NULL,
			latency_estimate_seconds DOUBLE PRECISION NOT NULL,
			confidence_score       DOUBLE PRECISION NOT NULL,
			model_version          TEXT NOT NULL,
			base_curve_peak_minute INTEGER NOT NULL,
			applied_weights        JSONB,
			suppressed             BOOLEAN NOT NULL,
			suppression_reason     TEXT,
			suppression_until      TIMESTAMPTZ,
			created_at_utc         TIMESTAMPTZ NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// Insert implements EventStore. Dedup on (esp, event_id, campaign_id) is
// enforced by the unique index; a conflicting insert is silently absorbed
// so backfill replays stay idempotent.
func (s *PostgresStore) Insert(ctx context.Context, ev contracts.EngagementEvent) error {
	meta, err := json.Marshal(ev.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	monthKey := ev.Timestamp.UTC().Format("2006-01")
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO event_log (
			esp, universal_id, ts, event_type, month_key, event_id, campaign_id,
			campaign_class, recipient_email_hash, delivery_latency_sec, hour_of_day,
			day_of_week, payload_size_bytes, queue_depth_estimate, metadata
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
		ON CONFLICT (esp, event_id, campaign_id) DO NOTHING
	`,
		ev.ESP, string(ev.UniversalID), ev.Timestamp.UTC(), string(ev.Type), monthKey, ev.EventID, ev.CampaignID,
		ev.CampaignClass, ev.RecipientEmailHash, ev.DeliveryLatencySec, ev.HourOfDay,
		ev.DayOfWeek, ev.PayloadSizeBytes, ev.QueueDepthEstimate, meta,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// EventsByType implements EventStore.
func (s *PostgresStore) EventsByType(ctx context.Context, universalID contracts.UniversalID, eventType contracts.EventType, since time.Time) ([]contracts.EngagementEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT esp, universal_id, ts, event_type, event_id, campaign_id, campaign_class,
			recipient_email_hash, delivery_latency_sec, hour_of_day, day_of_week,
			payload_size_bytes, queue_depth_estimate, metadata
		FROM event_log
		WHERE universal_id = $1 AND event_type = $2 AND ts >= $3
		ORDER BY ts ASC
	`, string(universalID), string(eventType), since.UTC())
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []contracts.EngagementEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// CountByType implements EventStore.
func (s *PostgresStore) CountByType(ctx context.Context, universalID contracts.UniversalID, eventType contracts.EventType, since time.Time) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM event_log WHERE universal_id = $1 AND event_type = $2 AND ts >= $3
	`, string(universalID), string(eventType), since.UTC()).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return count, nil
}

// RecentContextSignals implements EventStore.
func (s *PostgresStore) RecentContextSignals(ctx context.Context, universalID contracts.UniversalID, types []contracts.EventType, since time.Time) ([]contracts.ContextSignal, error) {
	if len(types) == 0 {
		return nil, nil
	}
	typeStrs := make([]string, len(types))
	for i, t := range types {
		typeStrs[i] = string(t)
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT universal_id, event_type, ts, esp
		FROM event_log
		WHERE universal_id = $1 AND event_type = ANY($2) AND ts >= $3
		ORDER BY ts DESC
	`, string(universalID), pqStringArray(typeStrs), since.UTC())
	if err != nil {
		return nil, fmt.Errorf("query context signals: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []contracts.ContextSignal
	for rows.Next() {
		var sig contracts.ContextSignal
		var uid, et string
		if err := rows.Scan(&uid, &et, &sig.Timestamp, &sig.Provider); err != nil {
			return nil, err
		}
		sig.UniversalID = contracts.UniversalID(uid)
		sig.EventType = contracts.EventType(et)
		out = append(out, sig)
	}
	return out, rows.Err()
}

type scannable interface {
	Scan(dest ...any) error
}

func scanEvent(row scannable) (contracts.EngagementEvent, error) {
	var ev contracts.EngagementEvent
	var universalID, eventType string
	var metaRaw []byte
	err := row.Scan(
		&ev.ESP, &universalID, &ev.Timestamp, &eventType, &ev.EventID, &ev.CampaignID, &ev.CampaignClass,
		&ev.RecipientEmailHash, &ev.DeliveryLatencySec, &ev.HourOfDay, &ev.DayOfWeek,
		&ev.PayloadSizeBytes, &ev.QueueDepthEstimate, &metaRaw,
	)
	if err != nil {
		return ev, fmt.Errorf("scan event: %w", err)
	}
	ev.UniversalID = contracts.UniversalID(universalID)
	ev.Type = contracts.EventType(eventType)
	if len(metaRaw) > 0 {
		if err := json.Unmarshal(metaRaw, &ev.Metadata); err != nil {
			return ev, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	return ev, nil
}

// UpsertEdge implements IdentityStore. Idempotent upsert keeping the
// maximum weight seen and refreshing updated_at.
func (s *PostgresStore) UpsertEdge(ctx context.Context, edge contracts.IdentityEdge) error {
	a, b := edge.A, edge.B
	if a.Type > b.Type || (a.Type == b.Type && a.Value > b.Value) {
		a, b = b, a
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO identity_graph (identifier_a, type_a, identifier_b, type_b, weight, source, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (identifier_a, type_a, identifier_b, type_b) DO UPDATE SET
			weight = GREATEST(identity_graph.weight, EXCLUDED.weight),
			updated_at = EXCLUDED.updated_at
	`, a.Value, string(a.Type), b.Value, string(b.Type), edge.Weight, edge.Source, edge.CreatedAt.UTC(), edge.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("upsert edge: %w", err)
	}
	return nil
}

// EdgesFrom implements IdentityStore, ordered by weight descending.
func (s *PostgresStore) EdgesFrom(ctx context.Context, id contracts.Identifier) ([]contracts.IdentityEdge, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT identifier_a, type_a, identifier_b, type_b, weight, source, created_at, updated_at
		FROM identity_graph
		WHERE (identifier_a = $1 AND type_a = $2) OR (identifier_b = $1 AND type_b = $2)
		ORDER BY weight DESC
	`, id.Value, string(id.Type))
	if err != nil {
		return nil, fmt.Errorf("query edges: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []contracts.IdentityEdge
	for rows.Next() {
		var e contracts.IdentityEdge
		var aType, bType string
		if err := rows.Scan(&e.A.Value, &aType, &e.B.Value, &bType, &e.Weight, &e.Source, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, err
		}
		e.A.Type = contracts.IdentifierType(aType)
		e.B.Type = contracts.IdentifierType(bType)
		out = append(out, e)
	}
	return out, rows.Err()
}

// LookupResolved implements IdentityStore.
func (s *PostgresStore) LookupResolved(ctx context.Context, id contracts.Identifier) (*contracts.ResolutionCacheEntry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT identifier, type, universal_id, confidence, last_seen, created_at
		FROM resolved_identities WHERE identifier = $1 AND type = $2
	`, id.Value, string(id.Type))
	var entry contracts.ResolutionCacheEntry
	var idType, uid string
	err := row.Scan(&entry.Identifier.Value, &idType, &uid, &entry.Confidence, &entry.LastSeen, &entry.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup resolved: %w", err)
	}
	entry.Identifier.Type = contracts.IdentifierType(idType)
	entry.UniversalID = contracts.UniversalID(uid)
	return &entry, nil
}

// UpsertResolved implements IdentityStore with replacing-writer semantics
// on last_seen. created_at is written only on first insert; the ON
// CONFLICT branch never touches it, so an identifier's recorded creation
// time is immutable once set.
func (s *PostgresStore) UpsertResolved(ctx context.Context, entry contracts.ResolutionCacheEntry) error {
	createdAt := entry.CreatedAt
	if createdAt.IsZero() {
		createdAt = entry.LastSeen
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO resolved_identities (identifier, type, universal_id, confidence, last_seen, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (identifier, type) DO UPDATE SET
			universal_id = EXCLUDED.universal_id,
			confidence = EXCLUDED.confidence,
			last_seen = EXCLUDED.last_seen
		WHERE resolved_identities.last_seen <= EXCLUDED.last_seen
	`, entry.Identifier.Value, string(entry.Identifier.Type), string(entry.UniversalID), entry.Confidence,
		entry.LastSeen.UTC(), createdAt.UTC())
	if err != nil {
		return fmt.Errorf("upsert resolved: %w", err)
	}
	return nil
}

// AppendAudit implements IdentityStore.
func (s *PostgresStore) AppendAudit(ctx context.Context, rec contracts.AuditRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO identity_audit_log (resolution_id, universal_id, input_identifier, input_type, step, confidence, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, rec.ResolutionID, string(rec.UniversalID), rec.InputIdentifier, string(rec.InputType), rec.Step, rec.Confidence, rec.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("append audit: %w", err)
	}
	return nil
}

// AuditTrail implements IdentityStore.
func (s *PostgresStore) AuditTrail(ctx context.Context, resolutionID string) ([]contracts.AuditRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT resolution_id, universal_id, input_identifier, input_type, step, confidence, created_at
		FROM identity_audit_log WHERE resolution_id = $1 ORDER BY created_at ASC
	`, resolutionID)
	if err != nil {
		return nil, fmt.Errorf("query audit trail: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []contracts.AuditRecord
	for rows.Next() {
		var rec contracts.AuditRecord
		var uid, inputType string
		if err := rows.Scan(&rec.ResolutionID, &uid, &rec.InputIdentifier, &inputType, &rec.Step, &rec.Confidence, &rec.CreatedAt); err != nil {
			return nil, err
		}
		rec.UniversalID = contracts.UniversalID(uid)
		rec.InputType = contracts.IdentifierType(inputType)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Append implements ExplanationStore.
func (s *PostgresStore) Append(ctx context.Context, d contracts.TimingDecision) error {
	weights, err := json.Marshal(d.AppliedWeights)
	if err != nil {
		return fmt.Errorf("marshal applied weights: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO timing_explanations (
			decision_id, explanation_ref, universal_id, target_minute, trigger_timestamp_utc,
			latency_estimate_seconds, confidence_score, model_version, base_curve_peak_minute,
			applied_weights, suppressed, suppression_reason, suppression_until, created_at_utc
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
	`,
		d.DecisionID, d.ExplanationRef, string(d.UniversalID), d.TargetMinute, d.TriggerTimestampUTC.UTC(),
		d.LatencyEstimateSeconds, d.ConfidenceScore, d.ModelVersion, d.BaseCurvePeakMinute,
		weights, d.Suppressed, d.SuppressionReason, nullableTime(d.SuppressionUntil), d.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("append explanation: %w", err)
	}
	return nil
}

// Get implements ExplanationStore.
func (s *PostgresStore) Get(ctx context.Context, explanationRef string) (*contracts.TimingDecision, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT decision_id, explanation_ref, universal_id, target_minute, trigger_timestamp_utc,
			latency_estimate_seconds, confidence_score, model_version, base_curve_peak_minute,
			applied_weights, suppressed, suppression_reason, suppression_until, created_at_utc
		FROM timing_explanations WHERE explanation_ref = $1
	`, explanationRef)
	d, err := scanDecision(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get explanation: %w", err)
	}
	return d, nil
}

func scanDecision(row scannable) (*contracts.TimingDecision, error) {
	var d contracts.TimingDecision
	var uid string
	var weightsRaw []byte
	var suppressionUntil sql.NullTime
	var suppressionReason sql.NullString
	err := row.Scan(
		&d.DecisionID, &d.ExplanationRef, &uid, &d.TargetMinute, &d.TriggerTimestampUTC,
		&d.LatencyEstimateSeconds, &d.ConfidenceScore, &d.ModelVersion, &d.BaseCurvePeakMinute,
		&weightsRaw, &d.Suppressed, &suppressionReason, &suppressionUntil, &d.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	d.UniversalID = contracts.UniversalID(uid)
	if suppressionReason.Valid {
		d.SuppressionReason = suppressionReason.String
	}
	if suppressionUntil.Valid {
		t := suppressionUntil.Time
		d.SuppressionUntil = &t
	}
	if len(weightsRaw) > 0 {
		if err := json.Unmarshal(weightsRaw, &d.AppliedWeights); err != nil {
			return nil, fmt.Errorf("unmarshal applied weights: %w", err)
		}
	}
	return &d, nil
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

// pqStringArray formats a Go string slice as a Postgres TEXT[] literal,
// avoiding a dependency on lib/pq's array helper types for this one call
// site.
func pqStringArray(ss []string) string {
	out := "{"
	for i, s := range ss {
		if i > 0 {
			out += ","
		}
		out += `"` + s + `"`
	}
	return out + "}"
}
