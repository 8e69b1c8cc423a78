package notify

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/Moirai-Labs/fates/core/pkg/contracts"
	"github.com/Moirai-Labs/fates/core/pkg/kernel/fault"
)

const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLitePreferenceStore is the embedded durable PreferenceStore.
type SQLitePreferenceStore struct {
	db *sql.DB
}

// NewSQLitePreferenceStore migrates the schema and returns the store.
func NewSQLitePreferenceStore(db *sql.DB) (*SQLitePreferenceStore, error) {
	s := &SQLitePreferenceStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLitePreferenceStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS notification_preferences (
		petition_id TEXT PRIMARY KEY,
		submitter_id TEXT NOT NULL,
		channel TEXT NOT NULL,
		endpoint TEXT NOT NULL,
		created_at TEXT NOT NULL
	);`
	if _, err := s.db.ExecContext(context.Background(), query); err != nil {
		return fmt.Errorf("notify: migrate: %w", err)
	}
	return nil
}

func (s *SQLitePreferenceStore) Save(ctx context.Context, pref contracts.NotificationPreference) error {
	if pref.PetitionID == "" {
		return fault.New(fault.KindValidation, "notification preference requires petition_id")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO notification_preferences (petition_id, submitter_id, channel, endpoint, created_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (petition_id) DO UPDATE SET
		   submitter_id = excluded.submitter_id,
		   channel = excluded.channel,
		   endpoint = excluded.endpoint`,
		pref.PetitionID, pref.SubmitterID, pref.Channel, pref.Endpoint,
		pref.CreatedAt.UTC().Format(sqliteTimeLayout))
	if err != nil {
		return fault.Wrap(fault.KindTransient, err, "save preference for petition %s", pref.PetitionID)
	}
	return nil
}

func (s *SQLitePreferenceStore) Get(ctx context.Context, petitionID string) (*contracts.NotificationPreference, error) {
	var (
		pref      contracts.NotificationPreference
		createdAt string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT petition_id, submitter_id, channel, endpoint, created_at
		 FROM notification_preferences WHERE petition_id = ?`, petitionID).
		Scan(&pref.PetitionID, &pref.SubmitterID, &pref.Channel, &pref.Endpoint, &createdAt)
	if err == sql.ErrNoRows {
		return nil, fault.New(fault.KindNotFound, "no notification preference for petition %s", petitionID)
	}
	if err != nil {
		return nil, fault.Wrap(fault.KindTransient, err, "load preference for petition %s", petitionID)
	}
	t, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(createdAt))
	if err != nil {
		return nil, fault.Wrap(fault.KindTransient, err, "parse created_at for petition %s", petitionID)
	}
	pref.CreatedAt = t.UTC()
	return &pref, nil
}

var _ PreferenceStore = (*SQLitePreferenceStore)(nil)
