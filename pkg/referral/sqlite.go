package referral

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

// SQLiteStore is the embedded durable Store.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore migrates the schema and returns the store.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS referrals (
		id TEXT PRIMARY KEY,
		petition_id TEXT NOT NULL UNIQUE,
		realm_id TEXT NOT NULL,
		deadline TEXT NOT NULL,
		created_at TEXT NOT NULL,
		status TEXT NOT NULL,
		witness_hash TEXT NOT NULL
	);`
	if _, err := s.db.ExecContext(context.Background(), query); err != nil {
		return fmt.Errorf("referral: migrate: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Save(ctx context.Context, r *contracts.Referral) error {
	if r.ID == "" || r.PetitionID == "" {
		return fault.New(fault.KindValidation, "referral requires id and petition_id")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO referrals (id, petition_id, realm_id, deadline, created_at, status, witness_hash)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.PetitionID, r.RealmID,
		r.Deadline.UTC().Format(sqliteTimeLayout),
		r.CreatedAt.UTC().Format(sqliteTimeLayout),
		string(r.Status), r.WitnessHash)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return fault.New(fault.KindConflict, "petition %s is already referred", r.PetitionID)
		}
		return fault.Wrap(fault.KindTransient, err, "save referral %s", r.ID)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*contracts.Referral, error) {
	return s.scanOne(ctx, `SELECT id, petition_id, realm_id, deadline, created_at, status, witness_hash
		FROM referrals WHERE id = ?`, id, "referral "+id)
}

func (s *SQLiteStore) GetByPetition(ctx context.Context, petitionID string) (*contracts.Referral, error) {
	return s.scanOne(ctx, `SELECT id, petition_id, realm_id, deadline, created_at, status, witness_hash
		FROM referrals WHERE petition_id = ?`, petitionID, "referral for petition "+petitionID)
}

func (s *SQLiteStore) UpdateStatus(ctx context.Context, id string, from, to contracts.ReferralStatus) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE referrals SET status = ? WHERE id = ? AND status = ?`,
		string(to), id, string(from))
	if err != nil {
		return false, fault.Wrap(fault.KindTransient, err, "update referral %s", id)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fault.Wrap(fault.KindTransient, err, "update referral %s", id)
	}
	if affected == 0 {
		if _, err := s.Get(ctx, id); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

func (s *SQLiteStore) scanOne(ctx context.Context, query, arg, what string) (*contracts.Referral, error) {
	var (
		r         contracts.Referral
		status    string
		deadline  string
		createdAt string
	)
	err := s.db.QueryRowContext(ctx, query, arg).
		Scan(&r.ID, &r.PetitionID, &r.RealmID, &deadline, &createdAt, &status, &r.WitnessHash)
	if err == sql.ErrNoRows {
		return nil, fault.New(fault.KindNotFound, "%s not found", what)
	}
	if err != nil {
		return nil, fault.Wrap(fault.KindTransient, err, "load %s", what)
	}
	r.Status = contracts.ReferralStatus(status)
	if r.Deadline, err = parseTime(deadline); err != nil {
		return nil, fault.Wrap(fault.KindTransient, err, "parse deadline on %s", what)
	}
	if r.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fault.Wrap(fault.KindTransient, err, "parse created_at on %s", what)
	}
	return &r, nil
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

var _ Store = (*SQLiteStore)(nil)
