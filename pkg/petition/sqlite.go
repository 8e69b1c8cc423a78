package petition

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/Moirai-Labs/fates/core/pkg/contracts"
	"github.com/Moirai-Labs/fates/core/pkg/kernel/fault"
	"github.com/Moirai-Labs/fates/core/pkg/statemachine"
)

// sqliteTimeLayout is RFC 3339 with fixed nanosecond width so the stored
// strings sort lexicographically in chronological order.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

const petitionColumns = `id, type, text, state, content_hash, realm, submitter_id,
	co_signer_count, fate_reason, escalation_source, escalated_at, escalated_to_realm,
	adopted_as_motion_id, adopted_at, adopted_by_king_id, created_at, updated_at`

// SQLiteStore is the embedded durable Store.
type SQLiteStore struct {
	db    *sql.DB
	clock func() time.Time
}

// NewSQLiteStore migrates the schema and returns the store.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db, clock: time.Now}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

// WithClock overrides the clock for deterministic testing.
func (s *SQLiteStore) WithClock(clock func() time.Time) *SQLiteStore {
	s.clock = clock
	return s
}

func (s *SQLiteStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS petitions (
		id TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		text TEXT NOT NULL,
		state TEXT NOT NULL,
		content_hash BLOB NOT NULL,
		realm TEXT NOT NULL,
		submitter_id TEXT NOT NULL DEFAULT '',
		co_signer_count INTEGER NOT NULL DEFAULT 0,
		fate_reason TEXT NOT NULL DEFAULT '',
		escalation_source TEXT NOT NULL DEFAULT '',
		escalated_at TEXT,
		escalated_to_realm TEXT NOT NULL DEFAULT '',
		adopted_as_motion_id TEXT NOT NULL DEFAULT '',
		adopted_at TEXT,
		adopted_by_king_id TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_petitions_state ON petitions(state, created_at);
	CREATE INDEX IF NOT EXISTS idx_petitions_escalation
		ON petitions(state, escalated_to_realm, escalated_at, id);
	CREATE TABLE IF NOT EXISTS co_signers (
		petition_id TEXT NOT NULL,
		signer_id TEXT NOT NULL,
		signed_at TEXT NOT NULL,
		PRIMARY KEY (petition_id, signer_id)
	);`
	_, err := s.db.ExecContext(context.Background(), query)
	if err != nil {
		return fmt.Errorf("petition: migrate: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Save(ctx context.Context, p *contracts.Petition) error {
	query := `INSERT INTO petitions (` + petitionColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query,
		p.ID, string(p.Type), p.Text, string(p.State), p.ContentHash, p.Realm,
		p.SubmitterID, p.CoSignerCount, p.FateReason, string(p.EscalationSource),
		nullTime(p.EscalatedAt), p.EscalatedToRealm,
		p.AdoptedAsMotionID, nullTime(p.AdoptedAt), p.AdoptedByKingID,
		formatTime(p.CreatedAt), formatTime(p.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fault.New(fault.KindConflict, "petition %s already exists", p.ID)
		}
		return fault.Wrap(fault.KindTransient, err, "save petition %s", p.ID)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*contracts.Petition, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+petitionColumns+` FROM petitions WHERE id = ?`, id)
	return scanPetition(row, id)
}

func (s *SQLiteStore) ListByState(ctx context.Context, state contracts.PetitionState, limit, offset int) ([]*contracts.Petition, int, error) {
	var total int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM petitions WHERE state = ?`, string(state)).Scan(&total); err != nil {
		return nil, 0, fault.Wrap(fault.KindTransient, err, "count petitions in %s", state)
	}

	if limit <= 0 {
		limit = -1 // sqlite: no limit
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+petitionColumns+` FROM petitions WHERE state = ?
		 ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`,
		string(state), limit, offset)
	if err != nil {
		return nil, 0, fault.Wrap(fault.KindTransient, err, "list petitions in %s", state)
	}
	defer func() { _ = rows.Close() }()

	petitions, err := scanPetitions(rows)
	if err != nil {
		return nil, 0, err
	}
	return petitions, total, nil
}

func (s *SQLiteStore) UpdateState(ctx context.Context, id string, state contracts.PetitionState) error {
	now := formatTime(s.clock().UTC())
	var res sql.Result
	var err error
	if statemachine.IsTerminal(state) {
		res, err = s.db.ExecContext(ctx,
			`UPDATE petitions SET state = ?, updated_at = ? WHERE id = ?`,
			string(state), now, id)
	} else {
		// Rollback to a non-terminal state clears what the CAS set.
		res, err = s.db.ExecContext(ctx,
			`UPDATE petitions SET state = ?, updated_at = ?, fate_reason = '',
			 escalation_source = '', escalated_at = NULL, escalated_to_realm = ''
			 WHERE id = ?`,
			string(state), now, id)
	}
	if err != nil {
		return fault.Wrap(fault.KindTransient, err, "update state of %s", id)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return fault.New(fault.KindNotFound, "petition %s not found", id)
	}
	return nil
}

func (s *SQLiteStore) AssignFateCAS(ctx context.Context, id string, expected, next contracts.PetitionState, fateReason string, esc *EscalationMark) (*contracts.Petition, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fault.Wrap(fault.KindTransient, err, "begin fate transaction")
	}
	defer func() { _ = tx.Rollback() }()

	var cur string
	err = tx.QueryRowContext(ctx, `SELECT state FROM petitions WHERE id = ?`, id).Scan(&cur)
	if err == sql.ErrNoRows {
		return nil, fault.New(fault.KindNotFound, "petition %s not found", id)
	}
	if err != nil {
		return nil, fault.Wrap(fault.KindTransient, err, "read state of %s", id)
	}

	current := contracts.PetitionState(cur)
	if statemachine.IsTerminal(current) {
		return nil, fault.New(fault.KindAlreadyFated, "petition %s already fated as %s", id, current)
	}
	if err := statemachine.ValidateTransition(current, next); err != nil {
		return nil, err
	}
	if current != expected {
		return nil, fault.New(fault.KindConcurrentModification,
			"petition %s is %s, expected %s; re-read and retry", id, current, expected)
	}

	now := s.clock().UTC()
	reason := ""
	if statemachine.IsTerminal(next) {
		reason = fateReason
	}

	var res sql.Result
	if next == contracts.StateEscalated && esc != nil {
		res, err = tx.ExecContext(ctx,
			`UPDATE petitions SET state = ?, updated_at = ?,
			 fate_reason = CASE WHEN ? <> '' THEN ? ELSE fate_reason END,
			 escalation_source = COALESCE(NULLIF(escalation_source, ''), ?),
			 escalated_at = COALESCE(escalated_at, ?),
			 escalated_to_realm = COALESCE(NULLIF(escalated_to_realm, ''), ?)
			 WHERE id = ? AND state = ?`,
			string(next), formatTime(now), reason, reason,
			string(esc.Source), formatTime(now), esc.ToRealm,
			id, string(expected))
	} else {
		res, err = tx.ExecContext(ctx,
			`UPDATE petitions SET state = ?, updated_at = ?,
			 fate_reason = CASE WHEN ? <> '' THEN ? ELSE fate_reason END
			 WHERE id = ? AND state = ?`,
			string(next), formatTime(now), reason, reason, id, string(expected))
	}
	if err != nil {
		return nil, fault.Wrap(fault.KindTransient, err, "fate update of %s", id)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return nil, fault.New(fault.KindConcurrentModification,
			"petition %s changed state during fate assignment; re-read and retry", id)
	}

	row := tx.QueryRowContext(ctx,
		`SELECT `+petitionColumns+` FROM petitions WHERE id = ?`, id)
	p, err := scanPetition(row, id)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fault.Wrap(fault.KindTransient, err, "commit fate of %s", id)
	}
	return p, nil
}

func (s *SQLiteStore) MarkAdopted(ctx context.Context, id, motionID, kingID string) error {
	now := formatTime(s.clock().UTC())
	res, err := s.db.ExecContext(ctx,
		`UPDATE petitions SET adopted_as_motion_id = ?, adopted_at = ?, adopted_by_king_id = ?
		 WHERE id = ? AND adopted_as_motion_id = ''`,
		motionID, now, kingID, id)
	if err != nil {
		return fault.Wrap(fault.KindTransient, err, "mark %s adopted", id)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		if _, err := s.Get(ctx, id); err != nil {
			return err
		}
		return fault.New(fault.KindConflict, "petition %s already adopted", id)
	}
	return nil
}

func (s *SQLiteStore) FindByState(ctx context.Context, state contracts.PetitionState, receivedBefore *time.Time) ([]*contracts.Petition, error) {
	query := `SELECT ` + petitionColumns + ` FROM petitions WHERE state = ?`
	args := []any{string(state)}
	if receivedBefore != nil {
		query += ` AND created_at < ?`
		args = append(args, formatTime(receivedBefore.UTC()))
	}
	query += ` ORDER BY created_at ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fault.Wrap(fault.KindTransient, err, "find petitions in %s", state)
	}
	defer func() { _ = rows.Close() }()
	return scanPetitions(rows)
}

func (s *SQLiteStore) QueueDepth(ctx context.Context, state *contracts.PetitionState) (int, error) {
	var n int
	var err error
	if state == nil {
		err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM petitions`).Scan(&n)
	} else {
		err = s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM petitions WHERE state = ?`, string(*state)).Scan(&n)
	}
	if err != nil {
		return 0, fault.Wrap(fault.KindTransient, err, "queue depth")
	}
	return n, nil
}

func (s *SQLiteStore) AddCoSigner(ctx context.Context, petitionID, signerID string) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fault.Wrap(fault.KindTransient, err, "begin co-sign transaction")
	}
	defer func() { _ = tx.Rollback() }()

	var cur string
	err = tx.QueryRowContext(ctx, `SELECT state FROM petitions WHERE id = ?`, petitionID).Scan(&cur)
	if err == sql.ErrNoRows {
		return 0, fault.New(fault.KindNotFound, "petition %s not found", petitionID)
	}
	if err != nil {
		return 0, fault.Wrap(fault.KindTransient, err, "read state of %s", petitionID)
	}
	if statemachine.IsTerminal(contracts.PetitionState(cur)) {
		return 0, fault.New(fault.KindAlreadyFated, "petition %s already fated as %s", petitionID, cur)
	}

	now := formatTime(s.clock().UTC())
	_, err = tx.ExecContext(ctx,
		`INSERT INTO co_signers (petition_id, signer_id, signed_at) VALUES (?, ?, ?)`,
		petitionID, signerID, now)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, fault.New(fault.KindConflict,
				"signer %s already co-signed petition %s", signerID, petitionID)
		}
		return 0, fault.Wrap(fault.KindTransient, err, "record co-signature")
	}

	var count int
	err = tx.QueryRowContext(ctx,
		`UPDATE petitions SET co_signer_count = co_signer_count + 1, updated_at = ?
		 WHERE id = ? RETURNING co_signer_count`,
		now, petitionID).Scan(&count)
	if err != nil {
		return 0, fault.Wrap(fault.KindTransient, err, "bump co-signer count")
	}
	if err := tx.Commit(); err != nil {
		return 0, fault.Wrap(fault.KindTransient, err, "commit co-signature")
	}
	return count, nil
}

func (s *SQLiteStore) ListEscalated(ctx context.Context, realm string, after *EscalationCursor, limit int) ([]*contracts.Petition, error) {
	query := `SELECT ` + petitionColumns + ` FROM petitions
		WHERE state = ? AND escalated_to_realm = ?`
	args := []any{string(contracts.StateEscalated), realm}
	if after != nil {
		cursorTime := formatTime(after.EscalatedAt.UTC())
		query += ` AND (escalated_at > ? OR (escalated_at = ? AND id > ?))`
		args = append(args, cursorTime, cursorTime, after.PetitionID)
	}
	query += ` ORDER BY escalated_at ASC, id ASC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fault.Wrap(fault.KindTransient, err, "list escalated for realm %s", realm)
	}
	defer func() { _ = rows.Close() }()
	return scanPetitions(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPetition(row rowScanner, id string) (*contracts.Petition, error) {
	var (
		p                                  contracts.Petition
		ptype, state, escSource            string
		escalatedAt, adoptedAt             sql.NullString
		createdAt, updatedAt               string
	)
	err := row.Scan(&p.ID, &ptype, &p.Text, &state, &p.ContentHash, &p.Realm,
		&p.SubmitterID, &p.CoSignerCount, &p.FateReason, &escSource,
		&escalatedAt, &p.EscalatedToRealm,
		&p.AdoptedAsMotionID, &adoptedAt, &p.AdoptedByKingID,
		&createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, fault.New(fault.KindNotFound, "petition %s not found", id)
	}
	if err != nil {
		return nil, fault.Wrap(fault.KindTransient, err, "scan petition row")
	}

	p.Type = contracts.PetitionType(ptype)
	p.State = contracts.PetitionState(state)
	p.EscalationSource = contracts.EscalationSource(escSource)
	if p.EscalatedAt, err = parseNullTime(escalatedAt); err != nil {
		return nil, err
	}
	if p.AdoptedAt, err = parseNullTime(adoptedAt); err != nil {
		return nil, err
	}
	if p.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if p.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &p, nil
}

func scanPetitions(rows *sql.Rows) ([]*contracts.Petition, error) {
	var out []*contracts.Petition
	for rows.Next() {
		p, err := scanPetition(rows, "")
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fault.Wrap(fault.KindTransient, err, "iterate petition rows")
	}
	return out, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(sqliteTimeLayout)
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fault.Wrap(fault.KindTransient, err, "parse stored timestamp %q", s)
	}
	return t.UTC(), nil
}

func parseNullTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "constraint failed") ||
		strings.Contains(msg, "duplicate key")
}

var _ Store = (*SQLiteStore)(nil)
