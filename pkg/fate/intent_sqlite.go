package fate

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/Moirai-Labs/fates/core/pkg/contracts"
	"github.com/Moirai-Labs/fates/core/pkg/kernel/fault"
)

const intentTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteIntentStore is the embedded durable intent journal. Intents
// written before a crash are listed by Recover on the next start.
type SQLiteIntentStore struct {
	db *sql.DB
}

// NewSQLiteIntentStore migrates the schema and returns the store.
func NewSQLiteIntentStore(db *sql.DB) (*SQLiteIntentStore, error) {
	s := &SQLiteIntentStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteIntentStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS fate_intents (
		id TEXT PRIMARY KEY,
		petition_id TEXT NOT NULL,
		expected TEXT NOT NULL,
		next TEXT NOT NULL,
		actor TEXT NOT NULL,
		fate_reason TEXT NOT NULL DEFAULT '',
		escalation_source TEXT NOT NULL DEFAULT '',
		escalation_realm TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);`
	if _, err := s.db.ExecContext(context.Background(), query); err != nil {
		return fmt.Errorf("fate: migrate intents: %w", err)
	}
	return nil
}

func (s *SQLiteIntentStore) Save(ctx context.Context, intent Intent) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO fate_intents (id, petition_id, expected, next, actor, fate_reason, escalation_source, escalation_realm, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		intent.ID, intent.PetitionID, string(intent.Expected), string(intent.Next),
		intent.Actor, intent.FateReason, string(intent.EscalationSource), intent.EscalationRealm,
		intent.CreatedAt.UTC().Format(intentTimeLayout))
	if err != nil {
		return fault.Wrap(fault.KindTransient, err, "journal intent for %s", intent.PetitionID)
	}
	return nil
}

func (s *SQLiteIntentStore) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM fate_intents WHERE id = ?`, id); err != nil {
		return fault.Wrap(fault.KindTransient, err, "clear intent %s", id)
	}
	return nil
}

func (s *SQLiteIntentStore) List(ctx context.Context) ([]Intent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, petition_id, expected, next, actor, fate_reason, escalation_source, escalation_realm, created_at
		 FROM fate_intents ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, fault.Wrap(fault.KindTransient, err, "list intents")
	}
	defer func() { _ = rows.Close() }()

	var out []Intent
	for rows.Next() {
		var (
			in              Intent
			expected, next  string
			source, created string
		)
		if err := rows.Scan(&in.ID, &in.PetitionID, &expected, &next, &in.Actor,
			&in.FateReason, &source, &in.EscalationRealm, &created); err != nil {
			return nil, fault.Wrap(fault.KindTransient, err, "scan intent row")
		}
		in.Expected = contracts.PetitionState(expected)
		in.Next = contracts.PetitionState(next)
		in.EscalationSource = contracts.EscalationSource(source)
		t, err := time.Parse(time.RFC3339Nano, created)
		if err != nil {
			return nil, fault.Wrap(fault.KindTransient, err, "parse created_at on intent %s", in.ID)
		}
		in.CreatedAt = t.UTC()
		out = append(out, in)
	}
	if err := rows.Err(); err != nil {
		return nil, fault.Wrap(fault.KindTransient, err, "iterate intent rows")
	}
	return out, nil
}

var _ IntentStore = (*SQLiteIntentStore)(nil)
