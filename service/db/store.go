package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ledgerlens/ledgerlens/service/decode"
	"github.com/ledgerlens/ledgerlens/service/metrics"
)

// ErrNotFound is returned when a requested event does not exist.
var ErrNotFound = errors.New("event not found")

// Store provides Postgres persistence for decoded semantic events.
type Store struct {
	pool    *pgxpool.Pool
	metrics *metrics.Metrics
}

// NewStore creates a new Store with the given connection pool. The metrics
// collector is optional.
func NewStore(pool *pgxpool.Pool, m *metrics.Metrics) *Store {
	return &Store{pool: pool, metrics: m}
}

// StoredEvent is one persisted semantic event row.
type StoredEvent struct {
	Signature     string
	EventType     string
	Slot          uint64
	BlockTime     *time.Time
	ParserVersion string
	Payload       *decode.SemanticEvent
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// UpsertEvent writes a decoded event keyed by signature, replacing any
// earlier decode of the same transaction.
func (s *Store) UpsertEvent(ctx context.Context, event *decode.SemanticEvent, slot uint64) error {
	start := time.Now()

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal semantic event: %w", err)
	}

	var blockTime *time.Time
	if event.Timestamp != 0 {
		t := time.Unix(event.Timestamp, 0).UTC()
		blockTime = &t
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO semantic_events (
			signature, event_type, slot, block_time, parser_version, payload, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, now(), now())
		ON CONFLICT (signature)
		DO UPDATE SET
			event_type = EXCLUDED.event_type,
			slot = EXCLUDED.slot,
			block_time = EXCLUDED.block_time,
			parser_version = EXCLUDED.parser_version,
			payload = EXCLUDED.payload,
			updated_at = now()
	`, event.Signature, string(event.Type), int64(slot), blockTime, decode.Version, payload)

	s.record("upsert_event", err, start)
	if err != nil {
		return fmt.Errorf("upsert event %s: %w", event.Signature, err)
	}
	return nil
}

// GetEvent retrieves one event by signature.
func (s *Store) GetEvent(ctx context.Context, signature string) (*StoredEvent, error) {
	start := time.Now()

	row := s.pool.QueryRow(ctx, `
		SELECT signature, event_type, slot, block_time, parser_version, payload, created_at, updated_at
		FROM semantic_events
		WHERE signature = $1
	`, signature)

	ev, err := scanStoredEvent(row)
	s.record("get_event", err, start)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get event %s: %w", signature, err)
	}
	return ev, nil
}

// ListEventsParams contains filters and pagination for ListEvents.
type ListEventsParams struct {
	EventType string // empty lists all types
	Limit     int32
	Offset    int32
}

// ListEvents lists persisted events newest-first.
func (s *Store) ListEvents(ctx context.Context, params ListEventsParams) ([]*StoredEvent, error) {
	start := time.Now()

	limit := params.Limit
	if limit <= 0 {
		limit = 50
	}

	var (
		rows pgx.Rows
		err  error
	)
	if params.EventType != "" {
		rows, err = s.pool.Query(ctx, `
			SELECT signature, event_type, slot, block_time, parser_version, payload, created_at, updated_at
			FROM semantic_events
			WHERE event_type = $1
			ORDER BY block_time DESC NULLS LAST, signature
			LIMIT $2 OFFSET $3
		`, params.EventType, limit, params.Offset)
	} else {
		rows, err = s.pool.Query(ctx, `
			SELECT signature, event_type, slot, block_time, parser_version, payload, created_at, updated_at
			FROM semantic_events
			ORDER BY block_time DESC NULLS LAST, signature
			LIMIT $1 OFFSET $2
		`, limit, params.Offset)
	}
	if err != nil {
		s.record("list_events", err, start)
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var events []*StoredEvent
	for rows.Next() {
		ev, err := scanStoredEvent(rows)
		if err != nil {
			s.record("list_events", err, start)
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, ev)
	}
	err = rows.Err()
	s.record("list_events", err, start)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	return events, nil
}

// CountEventsByType returns decoded-event counts grouped by type.
func (s *Store) CountEventsByType(ctx context.Context) (map[string]int64, error) {
	start := time.Now()

	rows, err := s.pool.Query(ctx, `
		SELECT event_type, count(*)
		FROM semantic_events
		GROUP BY event_type
	`)
	if err != nil {
		s.record("count_events", err, start)
		return nil, fmt.Errorf("count events: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var eventType string
		var count int64
		if err := rows.Scan(&eventType, &count); err != nil {
			s.record("count_events", err, start)
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[eventType] = count
	}
	err = rows.Err()
	s.record("count_events", err, start)
	if err != nil {
		return nil, fmt.Errorf("count events: %w", err)
	}
	return counts, nil
}

func (s *Store) record(operation string, err error, start time.Time) {
	if s.metrics == nil {
		return
	}
	status := "success"
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		status = "error"
	}
	s.metrics.RecordDBQuery(operation, status, time.Since(start).Seconds())
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanStoredEvent(row rowScanner) (*StoredEvent, error) {
	var (
		ev      StoredEvent
		slot    int64
		payload []byte
	)
	if err := row.Scan(&ev.Signature, &ev.EventType, &slot, &ev.BlockTime, &ev.ParserVersion, &payload, &ev.CreatedAt, &ev.UpdatedAt); err != nil {
		return nil, err
	}
	ev.Slot = uint64(slot)

	var event decode.SemanticEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, fmt.Errorf("unmarshal payload for %s: %w", ev.Signature, err)
	}
	ev.Payload = &event
	return &ev, nil
}
