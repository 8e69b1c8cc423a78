package acknowledgment

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/Moirai-Labs/fates/core/pkg/contracts"
	"github.com/Moirai-Labs/fates/core/pkg/kernel/fault"
)

const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore is the embedded durable Store. The unique index on
// petition_id is the 1:1 enforcement.
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
	CREATE TABLE IF NOT EXISTS acknowledgments (
		id TEXT PRIMARY KEY,
		petition_id TEXT NOT NULL UNIQUE,
		reason_code TEXT NOT NULL,
		rationale TEXT NOT NULL DEFAULT '',
		reference_petition_id TEXT NOT NULL DEFAULT '',
		archon_ids TEXT NOT NULL DEFAULT '[]',
		king_id TEXT NOT NULL DEFAULT '',
		acknowledged_at TEXT NOT NULL,
		witness_hash TEXT NOT NULL
	);`
	if _, err := s.db.ExecContext(context.Background(), query); err != nil {
		return fmt.Errorf("acknowledgment: migrate: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Save(ctx context.Context, ack *contracts.Acknowledgment) error {
	if ack.ID == "" || ack.PetitionID == "" {
		return fault.New(fault.KindValidation, "acknowledgment requires id and petition_id")
	}
	archons, err := json.Marshal(ack.AcknowledgingArchonIDs)
	if err != nil {
		return fault.Wrap(fault.KindValidation, err, "marshal archon ids for petition %s", ack.PetitionID)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO acknowledgments
		 (id, petition_id, reason_code, rationale, reference_petition_id, archon_ids, king_id, acknowledged_at, witness_hash)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ack.ID, ack.PetitionID, string(ack.ReasonCode), ack.Rationale,
		ack.ReferencePetitionID, string(archons), ack.AcknowledgedByKingID,
		ack.AcknowledgedAt.UTC().Format(sqliteTimeLayout), ack.WitnessHash)
	if err != nil {
		if isUniqueViolation(err) {
			return fault.New(fault.KindConflict, "petition %s is already acknowledged", ack.PetitionID)
		}
		return fault.Wrap(fault.KindTransient, err, "save acknowledgment for petition %s", ack.PetitionID)
	}
	return nil
}

func (s *SQLiteStore) GetByPetition(ctx context.Context, petitionID string) (*contracts.Acknowledgment, error) {
	var (
		ack            contracts.Acknowledgment
		reason         string
		archonsRaw     string
		acknowledgedAt string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, petition_id, reason_code, rationale, reference_petition_id, archon_ids, king_id, acknowledged_at, witness_hash
		 FROM acknowledgments WHERE petition_id = ?`, petitionID).
		Scan(&ack.ID, &ack.PetitionID, &reason, &ack.Rationale,
			&ack.ReferencePetitionID, &archonsRaw, &ack.AcknowledgedByKingID,
			&acknowledgedAt, &ack.WitnessHash)
	if err == sql.ErrNoRows {
		return nil, fault.New(fault.KindNotFound, "no acknowledgment for petition %s", petitionID)
	}
	if err != nil {
		return nil, fault.Wrap(fault.KindTransient, err, "load acknowledgment for petition %s", petitionID)
	}

	ack.ReasonCode = contracts.ReasonCode(reason)
	if err := json.Unmarshal([]byte(archonsRaw), &ack.AcknowledgingArchonIDs); err != nil {
		return nil, fault.Wrap(fault.KindTransient, err, "corrupt archon ids for petition %s", petitionID)
	}
	t, err := time.Parse(time.RFC3339Nano, acknowledgedAt)
	if err != nil {
		return nil, fault.Wrap(fault.KindTransient, err, "parse acknowledged_at for petition %s", petitionID)
	}
	ack.AcknowledgedAt = t.UTC()
	return &ack, nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

var _ Store = (*SQLiteStore)(nil)
