package eventledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/Moirai-Labs/fates/core/pkg/contracts"
	"github.com/Moirai-Labs/fates/core/pkg/kernel/fault"
)

const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteLedger is the embedded durable Writer+Reader. The events table
// only ever sees INSERTs.
type SQLiteLedger struct {
	db    *sql.DB
	clock func() time.Time
}

// NewSQLiteLedger migrates the schema and returns the ledger.
func NewSQLiteLedger(db *sql.DB) (*SQLiteLedger, error) {
	l := &SQLiteLedger{db: db, clock: time.Now}
	if err := l.migrate(); err != nil {
		return nil, err
	}
	return l, nil
}

// WithClock overrides the clock for deterministic testing.
func (l *SQLiteLedger) WithClock(clock func() time.Time) *SQLiteLedger {
	l.clock = clock
	return l
}

func (l *SQLiteLedger) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS events (
		event_id TEXT PRIMARY KEY,
		event_type TEXT NOT NULL,
		payload TEXT NOT NULL,
		witness_hash TEXT NOT NULL,
		schema_version INTEGER NOT NULL,
		emitted_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_events_emitted ON events(emitted_at, event_id);`
	if _, err := l.db.ExecContext(context.Background(), query); err != nil {
		return fmt.Errorf("eventledger: migrate: %w", err)
	}
	return nil
}

func (l *SQLiteLedger) Write(ctx context.Context, eventType string, payload map[string]any) (*contracts.Event, error) {
	event, canonical, err := seal(eventType, payload, l.clock())
	if err != nil {
		return nil, err
	}

	_, err = l.db.ExecContext(ctx,
		`INSERT INTO events (event_id, event_type, payload, witness_hash, schema_version, emitted_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		event.EventID, event.EventType, string(canonical), event.WitnessHash,
		event.SchemaVersion, event.EmittedAt.Format(sqliteTimeLayout))
	if err != nil {
		return nil, fault.Wrap(fault.KindEventEmissionFailed, err,
			"event emission failed: persist %s", eventType)
	}
	return event, nil
}

func (l *SQLiteLedger) List(ctx context.Context) ([]contracts.Event, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT event_id, event_type, payload, witness_hash, schema_version, emitted_at
		 FROM events ORDER BY emitted_at ASC, event_id ASC`)
	if err != nil {
		return nil, fault.Wrap(fault.KindTransient, err, "list events")
	}
	defer func() { _ = rows.Close() }()
	return scanEvents(rows)
}

func (l *SQLiteLedger) FindByPetition(ctx context.Context, petitionID string) ([]contracts.Event, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT event_id, event_type, payload, witness_hash, schema_version, emitted_at
		 FROM events WHERE json_extract(payload, '$.petition_id') = ?
		 ORDER BY emitted_at ASC, event_id ASC`, petitionID)
	if err != nil {
		return nil, fault.Wrap(fault.KindTransient, err, "find events for petition %s", petitionID)
	}
	defer func() { _ = rows.Close() }()
	return scanEvents(rows)
}

// Verify walks the whole ledger recomputing every witness hash.
func (l *SQLiteLedger) Verify(ctx context.Context) error {
	events, err := l.List(ctx)
	if err != nil {
		return err
	}
	for i := range events {
		if err := VerifyEvent(&events[i]); err != nil {
			return err
		}
	}
	return nil
}

func scanEvents(rows *sql.Rows) ([]contracts.Event, error) {
	var out []contracts.Event
	for rows.Next() {
		var (
			e          contracts.Event
			payloadRaw string
			emittedAt  string
		)
		if err := rows.Scan(&e.EventID, &e.EventType, &payloadRaw, &e.WitnessHash,
			&e.SchemaVersion, &emittedAt); err != nil {
			return nil, fault.Wrap(fault.KindTransient, err, "scan event row")
		}
		if err := json.Unmarshal([]byte(payloadRaw), &e.Payload); err != nil {
			return nil, fault.Wrap(fault.KindTransient, err, "corrupt payload on event %s", e.EventID)
		}
		t, err := time.Parse(time.RFC3339Nano, emittedAt)
		if err != nil {
			return nil, fault.Wrap(fault.KindTransient, err, "parse emitted_at on event %s", e.EventID)
		}
		e.EmittedAt = t.UTC()
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fault.Wrap(fault.KindTransient, err, "iterate event rows")
	}
	return out, nil
}

var (
	_ Writer = (*SQLiteLedger)(nil)
	_ Reader = (*SQLiteLedger)(nil)
)
