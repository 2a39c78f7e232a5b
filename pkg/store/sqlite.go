package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite" // pure-Go SQLite driver, no cgo

	"github.com/donutboyband/SendFlowr/pkg/contracts"
)

// SQLiteStore is the local-development and test twin of PostgresStore. It
// implements the same three gateway interfaces against an embedded
// database so the test suite and `sendflowr` running in dev mode don't
// need a live Postgres instance.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore wraps an already-opened *sql.DB (opened with "sqlite",
// per modernc.org/sqlite) and applies the schema if it does not exist.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(context.Background()); err != nil {
		return nil, fmt.Errorf("sendflowr store: migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS event_log (
			esp TEXT NOT NULL, universal_id TEXT NOT NULL, ts TEXT NOT NULL, event_type TEXT NOT NULL,
			month_key TEXT NOT NULL, event_id TEXT NOT NULL, campaign_id TEXT, campaign_class TEXT,
			recipient_email_hash TEXT, delivery_latency_sec REAL, hour_of_day INTEGER, day_of_week INTEGER,
			payload_size_bytes INTEGER, queue_depth_estimate INTEGER, metadata TEXT,
			PRIMARY KEY (esp, universal_id, ts, event_type)
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS event_log_dedup ON event_log (esp, event_id, campaign_id)`,
		`CREATE INDEX IF NOT EXISTS event_log_universal_type ON event_log (universal_id, event_type, ts DESC)`,
		`CREATE TABLE IF NOT EXISTS identity_graph (
			identifier_a TEXT NOT NULL, type_a TEXT NOT NULL, identifier_b TEXT NOT NULL, type_b TEXT NOT NULL,
			weight REAL NOT NULL, source TEXT NOT NULL, created_at TEXT NOT NULL, updated_at TEXT NOT NULL,
			PRIMARY KEY (identifier_a, type_a, identifier_b, type_b)
		)`,
		`CREATE TABLE IF NOT EXISTS identity_audit_log (
			resolution_id TEXT NOT NULL, universal_id TEXT NOT NULL, input_identifier TEXT NOT NULL,
			input_type TEXT NOT NULL, step TEXT NOT NULL, confidence REAL NOT NULL, created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS resolved_identities (
			identifier TEXT NOT NULL, type TEXT NOT NULL, universal_id TEXT NOT NULL, confidence REAL NOT NULL,
			last_seen TEXT NOT NULL, created_at TEXT NOT NULL,
			PRIMARY KEY (identifier, type)
		)`,
		`CREATE TABLE IF NOT EXISTS timing_explanations (
			decision_id TEXT NOT NULL, explanation_ref TEXT PRIMARY KEY, universal_id TEXT NOT NULL,
			target_minute INTEGER NOT NULL, trigger_timestamp_utc TEXT NOT NULL,
			latency_estimate_seconds REAL NOT NULL, confidence_score REAL NOT NULL, model_version TEXT NOT NULL,
			base_curve_peak_minute INTEGER NOT NULL, applied_weights TEXT, suppressed INTEGER NOT NULL,
			suppression_reason TEXT, suppression_until TEXT, created_at_utc TEXT NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

const rfc3339 = time.RFC3339Nano

// Insert implements EventStore.
func (s *SQLiteStore) Insert(ctx context.Context, ev contracts.EngagementEvent) error {
	meta, err := json.Marshal(ev.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	monthKey := ev.Timestamp.UTC().Format("2006-01")
	_, err = s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO event_log (
			esp, universal_id, ts, event_type, month_key, event_id, campaign_id,
			campaign_class, recipient_email_hash, delivery_latency_sec, hour_of_day,
			day_of_week, payload_size_bytes, queue_depth_estimate, metadata
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
	`,
		ev.ESP, string(ev.UniversalID), ev.Timestamp.UTC().Format(rfc3339), string(ev.Type), monthKey, ev.EventID, ev.CampaignID,
		ev.CampaignClass, ev.RecipientEmailHash, ev.DeliveryLatencySec, ev.HourOfDay,
		ev.DayOfWeek, ev.PayloadSizeBytes, ev.QueueDepthEstimate, string(meta),
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// EventsByType implements EventStore.
func (s *SQLiteStore) EventsByType(ctx context.Context, universalID contracts.UniversalID, eventType contracts.EventType, since time.Time) ([]contracts.EngagementEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT esp, universal_id, ts, event_type, event_id, campaign_id, campaign_class,
			recipient_email_hash, delivery_latency_sec, hour_of_day, day_of_week,
			payload_size_bytes, queue_depth_estimate, metadata
		FROM event_log WHERE universal_id = ? AND event_type = ? AND ts >= ? ORDER BY ts ASC
	`, string(universalID), string(eventType), since.UTC().Format(rfc3339))
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []contracts.EngagementEvent
	for rows.Next() {
		ev, err := scanEventSQLite(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// CountByType implements EventStore.
func (s *SQLiteStore) CountByType(ctx context.Context, universalID contracts.UniversalID, eventType contracts.EventType, since time.Time) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM event_log WHERE universal_id = ? AND event_type = ? AND ts >= ?
	`, string(universalID), string(eventType), since.UTC().Format(rfc3339)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return count, nil
}

// RecentContextSignals implements EventStore.
func (s *SQLiteStore) RecentContextSignals(ctx context.Context, universalID contracts.UniversalID, types []contracts.EventType, since time.Time) ([]contracts.ContextSignal, error) {
	if len(types) == 0 {
		return nil, nil
	}
	placeholders := make([]string, len(types))
	args := []any{string(universalID)}
	for i, t := range types {
		placeholders[i] = "?"
		args = append(args, string(t))
	}
	args = append(args, since.UTC().Format(rfc3339))
	query := fmt.Sprintf(`
		SELECT universal_id, event_type, ts, esp FROM event_log
		WHERE universal_id = ? AND event_type IN (%s) AND ts >= ?
		ORDER BY ts DESC
	`, strings.Join(placeholders, ","))
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query context signals: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []contracts.ContextSignal
	for rows.Next() {
		var sig contracts.ContextSignal
		var uid, et, ts string
		if err := rows.Scan(&uid, &et, &ts, &sig.Provider); err != nil {
			return nil, err
		}
		sig.UniversalID = contracts.UniversalID(uid)
		sig.EventType = contracts.EventType(et)
		sig.Timestamp, err = time.Parse(rfc3339, ts)
		if err != nil {
			return nil, err
		}
		out = append(out, sig)
	}
	return out, rows.Err()
}

func scanEventSQLite(row scannable) (contracts.EngagementEvent, error) {
	var ev contracts.EngagementEvent
	var universalID, eventType, ts, meta string
	err := row.Scan(
		&ev.ESP, &universalID, &ts, &eventType, &ev.EventID, &ev.CampaignID, &ev.CampaignClass,
		&ev.RecipientEmailHash, &ev.DeliveryLatencySec, &ev.HourOfDay, &ev.DayOfWeek,
		&ev.PayloadSizeBytes, &ev.QueueDepthEstimate, &meta,
	)
	if err != nil {
		return ev, fmt.Errorf("scan event: %w", err)
	}
	ev.UniversalID = contracts.UniversalID(universalID)
	ev.Type = contracts.EventType(eventType)
	ev.Timestamp, err = time.Parse(rfc3339, ts)
	if err != nil {
		return ev, err
	}
	if meta != "" {
		if err := json.Unmarshal([]byte(meta), &ev.Metadata); err != nil {
			return ev, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	return ev, nil
}

// UpsertEdge implements IdentityStore.
func (s *SQLiteStore) UpsertEdge(ctx context.Context, edge contracts.IdentityEdge) error {
	a, b := edge.A, edge.B
	if a.Type > b.Type || (a.Type == b.Type && a.Value > b.Value) {
		a, b = b, a
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO identity_graph (identifier_a, type_a, identifier_b, type_b, weight, source, created_at, updated_at)
		VALUES (?,?,?,?,?,?,?,?)
		ON CONFLICT (identifier_a, type_a, identifier_b, type_b) DO UPDATE SET
			weight = MAX(identity_graph.weight, excluded.weight),
			updated_at = excluded.updated_at
	`, a.Value, string(a.Type), b.Value, string(b.Type), edge.Weight, edge.Source,
		edge.CreatedAt.UTC().Format(rfc3339), edge.UpdatedAt.UTC().Format(rfc3339))
	if err != nil {
		return fmt.Errorf("upsert edge: %w", err)
	}
	return nil
}

// EdgesFrom implements IdentityStore, ordered by weight descending.
func (s *SQLiteStore) EdgesFrom(ctx context.Context, id contracts.Identifier) ([]contracts.IdentityEdge, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT identifier_a, type_a, identifier_b, type_b, weight, source, created_at, updated_at
		FROM identity_graph
		WHERE (identifier_a = ? AND type_a = ?) OR (identifier_b = ? AND type_b = ?)
		ORDER BY weight DESC
	`, id.Value, string(id.Type), id.Value, string(id.Type))
	if err != nil {
		return nil, fmt.Errorf("query edges: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []contracts.IdentityEdge
	for rows.Next() {
		var e contracts.IdentityEdge
		var aType, bType, createdAt, updatedAt string
		if err := rows.Scan(&e.A.Value, &aType, &e.B.Value, &bType, &e.Weight, &e.Source, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		e.A.Type = contracts.IdentifierType(aType)
		e.B.Type = contracts.IdentifierType(bType)
		if e.CreatedAt, err = time.Parse(rfc3339, createdAt); err != nil {
			return nil, err
		}
		if e.UpdatedAt, err = time.Parse(rfc3339, updatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// LookupResolved implements IdentityStore.
func (s *SQLiteStore) LookupResolved(ctx context.Context, id contracts.Identifier) (*contracts.ResolutionCacheEntry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT identifier, type, universal_id, confidence, last_seen, created_at
		FROM resolved_identities WHERE identifier = ? AND type = ?
	`, id.Value, string(id.Type))
	var entry contracts.ResolutionCacheEntry
	var idType, uid, lastSeen, createdAt string
	err := row.Scan(&entry.Identifier.Value, &idType, &uid, &entry.Confidence, &lastSeen, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup resolved: %w", err)
	}
	entry.Identifier.Type = contracts.IdentifierType(idType)
	entry.UniversalID = contracts.UniversalID(uid)
	if entry.LastSeen, err = time.Parse(rfc3339, lastSeen); err != nil {
		return nil, err
	}
	if entry.CreatedAt, err = time.Parse(rfc3339, createdAt); err != nil {
		return nil, err
	}
	return &entry, nil
}

// UpsertResolved implements IdentityStore with replacing-writer semantics
// on last_seen. created_at is written only on first insert; the ON
// CONFLICT branch never touches it, so an identifier's recorded creation
// time is immutable once set.
func (s *SQLiteStore) UpsertResolved(ctx context.Context, entry contracts.ResolutionCacheEntry) error {
	createdAt := entry.CreatedAt
	if createdAt.IsZero() {
		createdAt = entry.LastSeen
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO resolved_identities (identifier, type, universal_id, confidence, last_seen, created_at)
		VALUES (?,?,?,?,?,?)
		ON CONFLICT (identifier, type) DO UPDATE SET
			universal_id = excluded.universal_id,
			confidence = excluded.confidence,
			last_seen = excluded.last_seen
		WHERE resolved_identities.last_seen <= excluded.last_seen
	`, entry.Identifier.Value, string(entry.Identifier.Type), string(entry.UniversalID), entry.Confidence,
		entry.LastSeen.UTC().Format(rfc3339), createdAt.UTC().Format(rfc3339))
	if err != nil {
		return fmt.Errorf("upsert resolved: %w", err)
	}
	return nil
}

// AppendAudit implements IdentityStore.
func (s *SQLiteStore) AppendAudit(ctx context.Context, rec contracts.AuditRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO identity_audit_log (resolution_id, universal_id, input_identifier, input_type, step, confidence, created_at)
		VALUES (?,?,?,?,?,?,?)
	`, rec.ResolutionID, string(rec.UniversalID), rec.InputIdentifier, string(rec.InputType), rec.Step, rec.Confidence,
		rec.CreatedAt.UTC().Format(rfc3339))
	if err != nil {
		return fmt.Errorf("append audit: %w", err)
	}
	return nil
}

// AuditTrail implements IdentityStore.
func (s *SQLiteStore) AuditTrail(ctx context.Context, resolutionID string) ([]contracts.AuditRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT resolution_id, universal_id, input_identifier, input_type, step, confidence, created_at
		FROM identity_audit_log WHERE resolution_id = ? ORDER BY created_at ASC
	`, resolutionID)
	if err != nil {
		return nil, fmt.Errorf("query audit trail: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []contracts.AuditRecord
	for rows.Next() {
		var rec contracts.AuditRecord
		var uid, inputType, createdAt string
		if err := rows.Scan(&rec.ResolutionID, &uid, &rec.InputIdentifier, &inputType, &rec.Step, &rec.Confidence, &createdAt); err != nil {
			return nil, err
		}
		rec.UniversalID = contracts.UniversalID(uid)
		rec.InputType = contracts.IdentifierType(inputType)
		if rec.CreatedAt, err = time.Parse(rfc3339, createdAt); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Append implements ExplanationStore.
func (s *SQLiteStore) Append(ctx context.Context, d contracts.TimingDecision) error {
	weights, err := json.Marshal(d.AppliedWeights)
	if err != nil {
		return fmt.Errorf("marshal applied weights: %w", err)
	}
	var suppressionUntil any
	if d.SuppressionUntil != nil {
		suppressionUntil = d.SuppressionUntil.UTC().Format(rfc3339)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO timing_explanations (
			decision_id, explanation_ref, universal_id, target_minute, trigger_timestamp_utc,
			latency_estimate_seconds, confidence_score, model_version, base_curve_peak_minute,
			applied_weights, suppressed, suppression_reason, suppression_until, created_at_utc
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)
	`,
		d.DecisionID, d.ExplanationRef, string(d.UniversalID), d.TargetMinute, d.TriggerTimestampUTC.UTC().Format(rfc3339),
		d.LatencyEstimateSeconds, d.ConfidenceScore, d.ModelVersion, d.BaseCurvePeakMinute,
		string(weights), d.Suppressed, d.SuppressionReason, suppressionUntil, d.CreatedAt.UTC().Format(rfc3339),
	)
	if err != nil {
		return fmt.Errorf("append explanation: %w", err)
	}
	return nil
}

// Get implements ExplanationStore.
func (s *SQLiteStore) Get(ctx context.Context, explanationRef string) (*contracts.TimingDecision, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT decision_id, explanation_ref, universal_id, target_minute, trigger_timestamp_utc,
			latency_estimate_seconds, confidence_score, model_version, base_curve_peak_minute,
			applied_weights, suppressed, suppression_reason, suppression_until, created_at_utc
		FROM timing_explanations WHERE explanation_ref = ?
	`, explanationRef)
	var d contracts.TimingDecision
	var uid, trigger, createdAt, weights string
	var suppressionReason, suppressionUntil sql.NullString
	err := row.Scan(
		&d.DecisionID, &d.ExplanationRef, &uid, &d.TargetMinute, &trigger,
		&d.LatencyEstimateSeconds, &d.ConfidenceScore, &d.ModelVersion, &d.BaseCurvePeakMinute,
		&weights, &d.Suppressed, &suppressionReason, &suppressionUntil, &createdAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get explanation: %w", err)
	}
	d.UniversalID = contracts.UniversalID(uid)
	if d.TriggerTimestampUTC, err = time.Parse(rfc3339, trigger); err != nil {
		return nil, err
	}
	if d.CreatedAt, err = time.Parse(rfc3339, createdAt); err != nil {
		return nil, err
	}
	if suppressionReason.Valid {
		d.SuppressionReason = suppressionReason.String
	}
	if suppressionUntil.Valid {
		t, err := time.Parse(rfc3339, suppressionUntil.String)
		if err != nil {
			return nil, err
		}
		d.SuppressionUntil = &t
	}
	if weights != "" {
		if err := json.Unmarshal([]byte(weights), &d.AppliedWeights); err != nil {
			return nil, fmt.Errorf("unmarshal applied weights: %w", err)
		}
	}
	return &d, nil
}

var _ EventStore = (*SQLiteStore)(nil)
var _ IdentityStore = (*SQLiteStore)(nil)
var _ ExplanationStore = (*SQLiteStore)(nil)
var _ EventStore = (*PostgresStore)(nil)
var _ IdentityStore = (*PostgresStore)(nil)
var _ ExplanationStore = (*PostgresStore)(nil)
