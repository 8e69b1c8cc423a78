package petition

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/Moirai-Labs/fates/core/pkg/contracts"
	"github.com/Moirai-Labs/fates/core/pkg/kernel/fault"
	"github.com/Moirai-Labs/fates/core/pkg/statemachine"
)

// PostgresStore is the server-grade Store. The CAS relies on
// `UPDATE ... WHERE state = expected` row counting inside a transaction
// with the row locked, so concurrent fate attempts serialize on the row.
type PostgresStore struct {
	db    *sql.DB
	clock func() time.Time
}

// NewPostgresStore migrates the schema and returns the store.
func NewPostgresStore(db *sql.DB) (*PostgresStore, error) {
	s := &PostgresStore{db: db, clock: time.Now}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

// WithClock overrides the clock for deterministic testing.
func (s *PostgresStore) WithClock(clock func() time.Time) *PostgresStore {
	s.clock = clock
	return s
}

func (s *PostgresStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS petitions (
		id TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		text TEXT NOT NULL,
		state TEXT NOT NULL,
		content_hash BYTEA NOT NULL,
		realm TEXT NOT NULL,
		submitter_id TEXT NOT NULL DEFAULT '',
		co_signer_count INTEGER NOT NULL DEFAULT 0,
		fate_reason TEXT NOT NULL DEFAULT '',
		escalation_source TEXT NOT NULL DEFAULT '',
		escalated_at TIMESTAMPTZ,
		escalated_to_realm TEXT NOT NULL DEFAULT '',
		adopted_as_motion_id TEXT NOT NULL DEFAULT '',
		adopted_at TIMESTAMPTZ,
		adopted_by_king_id TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_petitions_state ON petitions(state, created_at);
	CREATE INDEX IF NOT EXISTS idx_petitions_escalation
		ON petitions(state, escalated_to_realm, escalated_at, id);
	CREATE TABLE IF NOT EXISTS co_signers (
		petition_id TEXT NOT NULL,
		signer_id TEXT NOT NULL,
		signed_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (petition_id, signer_id)
	);`
	_, err := s.db.ExecContext(context.Background(), query)
	if err != nil {
		return fmt.Errorf("petition: migrate: %w", err)
	}
	return nil
}

func (s *PostgresStore) Save(ctx context.Context, p *contracts.Petition) error {
	query := `INSERT INTO petitions (` + petitionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`
	_, err := s.db.ExecContext(ctx, query,
		p.ID, string(p.Type), p.Text, string(p.State), p.ContentHash, p.Realm,
		p.SubmitterID, p.CoSignerCount, p.FateReason, string(p.EscalationSource),
		p.EscalatedAt, p.EscalatedToRealm,
		p.AdoptedAsMotionID, p.AdoptedAt, p.AdoptedByKingID,
		p.CreatedAt.UTC(), p.UpdatedAt.UTC(),
	)
	if err != nil {
		if isPGUniqueViolation(err) {
			return fault.New(fault.KindConflict, "petition %s already exists", p.ID)
		}
		return fault.Wrap(fault.KindTransient, err, "save petition %s", p.ID)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*contracts.Petition, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+petitionColumns+` FROM petitions WHERE id = $1`, id)
	return pgScanPetition(row, id)
}

func (s *PostgresStore) ListByState(ctx context.Context, state contracts.PetitionState, limit, offset int) ([]*contracts.Petition, int, error) {
	var total int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM petitions WHERE state = $1`, string(state)).Scan(&total); err != nil {
		return nil, 0, fault.Wrap(fault.KindTransient, err, "count petitions in %s", state)
	}

	if limit <= 0 {
		limit = total
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+petitionColumns+` FROM petitions WHERE state = $1
		 ORDER BY created_at DESC, id DESC LIMIT $2 OFFSET $3`,
		string(state), limit, offset)
	if err != nil {
		return nil, 0, fault.Wrap(fault.KindTransient, err, "list petitions in %s", state)
	}
	defer func() { _ = rows.Close() }()

	petitions, err := pgScanPetitions(rows)
	if err != nil {
		return nil, 0, err
	}
	return petitions, total, nil
}

func (s *PostgresStore) UpdateState(ctx context.Context, id string, state contracts.PetitionState) error {
	now := s.clock().UTC()
	var res sql.Result
	var err error
	if statemachine.IsTerminal(state) {
		res, err = s.db.ExecContext(ctx,
			`UPDATE petitions SET state = $1, updated_at = $2 WHERE id = $3`,
			string(state), now, id)
	} else {
		res, err = s.db.ExecContext(ctx,
			`UPDATE petitions SET state = $1, updated_at = $2, fate_reason = '',
			 escalation_source = '', escalated_at = NULL, escalated_to_realm = ''
			 WHERE id = $3`,
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

func (s *PostgresStore) AssignFateCAS(ctx context.Context, id string, expected, next contracts.PetitionState, fateReason string, esc *EscalationMark) (*contracts.Petition, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fault.Wrap(fault.KindTransient, err, "begin fate transaction")
	}
	defer func() { _ = tx.Rollback() }()

	var cur string
	err = tx.QueryRowContext(ctx,
		`SELECT state FROM petitions WHERE id = $1 FOR UPDATE`, id).Scan(&cur)
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
			`UPDATE petitions SET state = $1, updated_at = $2,
			 fate_reason = CASE WHEN $3 <> '' THEN $3 ELSE fate_reason END,
			 escalation_source = COALESCE(NULLIF(escalation_source, ''), $4),
			 escalated_at = COALESCE(escalated_at, $5),
			 escalated_to_realm = COALESCE(NULLIF(escalated_to_realm, ''), $6)
			 WHERE id = $7 AND state = $8`,
			string(next), now, reason, string(esc.Source), now, esc.ToRealm,
			id, string(expected))
	} else {
		res, err = tx.ExecContext(ctx,
			`UPDATE petitions SET state = $1, updated_at = $2,
			 fate_reason = CASE WHEN $3 <> '' THEN $3 ELSE fate_reason END
			 WHERE id = $4 AND state = $5`,
			string(next), now, reason, id, string(expected))
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
		`SELECT `+petitionColumns+` FROM petitions WHERE id = $1`, id)
	p, err := pgScanPetition(row, id)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fault.Wrap(fault.KindTransient, err, "commit fate of %s", id)
	}
	return p, nil
}

func (s *PostgresStore) MarkAdopted(ctx context.Context, id, motionID, kingID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE petitions SET adopted_as_motion_id = $1, adopted_at = $2, adopted_by_king_id = $3
		 WHERE id = $4 AND adopted_as_motion_id = ''`,
		motionID, s.clock().UTC(), kingID, id)
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

func (s *PostgresStore) FindByState(ctx context.Context, state contracts.PetitionState, receivedBefore *time.Time) ([]*contracts.Petition, error) {
	query := `SELECT ` + petitionColumns + ` FROM petitions WHERE state = $1`
	args := []any{string(state)}
	if receivedBefore != nil {
		query += ` AND created_at < $2`
		args = append(args, receivedBefore.UTC())
	}
	query += ` ORDER BY created_at ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fault.Wrap(fault.KindTransient, err, "find petitions in %s", state)
	}
	defer func() { _ = rows.Close() }()
	return pgScanPetitions(rows)
}

func (s *PostgresStore) QueueDepth(ctx context.Context, state *contracts.PetitionState) (int, error) {
	var n int
	var err error
	if state == nil {
		err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM petitions`).Scan(&n)
	} else {
		err = s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM petitions WHERE state = $1`, string(*state)).Scan(&n)
	}
	if err != nil {
		return 0, fault.Wrap(fault.KindTransient, err, "queue depth")
	}
	return n, nil
}

func (s *PostgresStore) AddCoSigner(ctx context.Context, petitionID, signerID string) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fault.Wrap(fault.KindTransient, err, "begin co-sign transaction")
	}
	defer func() { _ = tx.Rollback() }()

	var cur string
	err = tx.QueryRowContext(ctx,
		`SELECT state FROM petitions WHERE id = $1 FOR UPDATE`, petitionID).Scan(&cur)
	if err == sql.ErrNoRows {
		return 0, fault.New(fault.KindNotFound, "petition %s not found", petitionID)
	}
	if err != nil {
		return 0, fault.Wrap(fault.KindTransient, err, "read state of %s", petitionID)
	}
	if statemachine.IsTerminal(contracts.PetitionState(cur)) {
		return 0, fault.New(fault.KindAlreadyFated, "petition %s already fated as %s", petitionID, cur)
	}

	now := s.clock().UTC()
	_, err = tx.ExecContext(ctx,
		`INSERT INTO co_signers (petition_id, signer_id, signed_at) VALUES ($1, $2, $3)`,
		petitionID, signerID, now)
	if err != nil {
		if isPGUniqueViolation(err) {
			return 0, fault.New(fault.KindConflict,
				"signer %s already co-signed petition %s", signerID, petitionID)
		}
		return 0, fault.Wrap(fault.KindTransient, err, "record co-signature")
	}

	var count int
	err = tx.QueryRowContext(ctx,
		`UPDATE petitions SET co_signer_count = co_signer_count + 1, updated_at = $1
		 WHERE id = $2 RETURNING co_signer_count`,
		now, petitionID).Scan(&count)
	if err != nil {
		return 0, fault.Wrap(fault.KindTransient, err, "bump co-signer count")
	}
	if err := tx.Commit(); err != nil {
		return 0, fault.Wrap(fault.KindTransient, err, "commit co-signature")
	}
	return count, nil
}

func (s *PostgresStore) ListEscalated(ctx context.Context, realm string, after *EscalationCursor, limit int) ([]*contracts.Petition, error) {
	query := `SELECT ` + petitionColumns + ` FROM petitions
		WHERE state = $1 AND escalated_to_realm = $2`
	args := []any{string(contracts.StateEscalated), realm}
	if after != nil {
		query += ` AND (escalated_at, id) > ($3, $4)`
		args = append(args, after.EscalatedAt.UTC(), after.PetitionID)
	}
	query += ` ORDER BY escalated_at ASC, id ASC`
	query += fmt.Sprintf(` LIMIT %d`, maxLimit(limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fault.Wrap(fault.KindTransient, err, "list escalated for realm %s", realm)
	}
	defer func() { _ = rows.Close() }()
	return pgScanPetitions(rows)
}

func maxLimit(limit int) int {
	if limit <= 0 {
		return 1000
	}
	return limit
}

func pgScanPetition(row rowScanner, id string) (*contracts.Petition, error) {
	var (
		p                       contracts.Petition
		ptype, state, escSource string
		escalatedAt, adoptedAt  sql.NullTime
	)
	err := row.Scan(&p.ID, &ptype, &p.Text, &state, &p.ContentHash, &p.Realm,
		&p.SubmitterID, &p.CoSignerCount, &p.FateReason, &escSource,
		&escalatedAt, &p.EscalatedToRealm,
		&p.AdoptedAsMotionID, &adoptedAt, &p.AdoptedByKingID,
		&p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, fault.New(fault.KindNotFound, "petition %s not found", id)
	}
	if err != nil {
		return nil, fault.Wrap(fault.KindTransient, err, "scan petition row")
	}

	p.Type = contracts.PetitionType(ptype)
	p.State = contracts.PetitionState(state)
	p.EscalationSource = contracts.EscalationSource(escSource)
	if escalatedAt.Valid {
		t := escalatedAt.Time.UTC()
		p.EscalatedAt = &t
	}
	if adoptedAt.Valid {
		t := adoptedAt.Time.UTC()
		p.AdoptedAt = &t
	}
	p.CreatedAt = p.CreatedAt.UTC()
	p.UpdatedAt = p.UpdatedAt.UTC()
	return &p, nil
}

func pgScanPetitions(rows *sql.Rows) ([]*contracts.Petition, error) {
	var out []*contracts.Petition
	for rows.Next() {
		p, err := pgScanPetition(rows, "")
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

func isPGUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}

var _ Store = (*PostgresStore)(nil)
