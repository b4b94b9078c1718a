package tokenstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"auth-service/internal/token"
)

const defaultPurgeBatch = 500

const recordColumns = `
	id, token_id, token_hash, owner_id, owner_name, kind, status, family_id,
	issued_at, expires_at, device_id, device_type, client_ip, user_agent, session_id,
	last_used_at, use_count, revoked_at, revoked_by, revoke_reason, replaced_by, created_at`

type Postgres struct {
	db         *sql.DB
	now        func() time.Time
	purgeBatch int
}

func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{
		db:         db,
		now:        func() time.Time { return time.Now().UTC() },
		purgeBatch: defaultPurgeBatch,
	}
}

func (s *Postgres) WithClock(now func() time.Time) *Postgres {
	if now != nil {
		s.now = now
	}
	return s
}

func (s *Postgres) WithPurgeBatch(size int) *Postgres {
	if size > 0 {
		s.purgeBatch = size
	}
	return s
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *Postgres) Put(ctx context.Context, records ...Record) error {
	if len(records) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin put tokens tx: %w", err)
	}
	defer tx.Rollback()

	if err := insertRecords(ctx, tx, records); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit put tokens tx: %w", err)
	}
	return nil
}

func insertRecords(ctx context.Context, db execer, records []Record) error {
	for _, r := range records {
		_, err := db.ExecContext(ctx, `
			INSERT INTO auth_tokens (
				id, token_id, token_hash, owner_id, owner_name, kind, status, family_id,
				issued_at, expires_at, device_id, device_type, client_ip, user_agent, session_id,
				use_count, created_at, updated_at
			)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, 0, $16, $16)
		`, r.ID, r.TokenID, r.TokenHash, r.OwnerID, r.OwnerName, string(r.Kind), string(r.Status), r.FamilyID,
			r.IssuedAt.UTC(), r.ExpiresAt.UTC(), r.DeviceID, r.DeviceType, r.ClientIP, r.UserAgent, r.SessionID,
			r.CreatedAt.UTC())
		if err != nil {
			return fmt.Errorf("insert %s token: %w", r.Kind, err)
		}
	}
	return nil
}

func (s *Postgres) GetByValue(ctx context.Context, value string) (Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM auth_tokens WHERE token_hash = $1`, HashValue(value))
	record, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("query token by value: %w", err)
	}
	return record, nil
}

func (s *Postgres) ListActiveByOwner(ctx context.Context, ownerID string) ([]Record, error) {
	return queryRecords(ctx, s.db, `
		SELECT `+recordColumns+`
		FROM auth_tokens
		WHERE owner_id = $1 AND status = 'ACTIVE' AND expires_at > $2
		ORDER BY issued_at ASC
	`, ownerID, s.now())
}

func (s *Postgres) ListActiveByOwnerAndKind(ctx context.Context, ownerID string, kind token.Kind) ([]Record, error) {
	return queryRecords(ctx, s.db, `
		SELECT `+recordColumns+`
		FROM auth_tokens
		WHERE owner_id = $1 AND kind = $2 AND status = 'ACTIVE' AND expires_at > $3
		ORDER BY issued_at ASC
	`, ownerID, string(kind), s.now())
}

func (s *Postgres) Revoke(ctx context.Context, value, revokedBy, reason string) (bool, error) {
	now := s.now()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin revoke tx: %w", err)
	}
	defer tx.Rollback()

	var status string
	err = tx.QueryRowContext(ctx, `
		SELECT status FROM auth_tokens WHERE token_hash = $1 FOR UPDATE
	`, HashValue(value)).Scan(&status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("lock token row: %w", err)
	}

	if Status(status) != StatusRevoked {
		if _, err := tx.ExecContext(ctx, `
			UPDATE auth_tokens
			SET status = 'REVOKED', revoked_at = $2, revoked_by = $3, revoke_reason = $4, updated_at = $2
			WHERE token_hash = $1
		`, HashValue(value), now, revokedBy, reason); err != nil {
			return false, fmt.Errorf("revoke token: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit revoke tx: %w", err)
	}
	return true, nil
}

func (s *Postgres) RevokeAllForOwner(ctx context.Context, ownerID, revokedBy, reason string) ([]Record, error) {
	return s.revokeWhere(ctx, `owner_id = $4`, revokedBy, reason, ownerID)
}

func (s *Postgres) RevokeForOwnerDevice(ctx context.Context, ownerID, deviceID, revokedBy, reason string) ([]Record, error) {
	return s.revokeWhere(ctx, `owner_id = $4 AND device_id = $5`, revokedBy, reason, ownerID, deviceID)
}

func (s *Postgres) RevokeFamily(ctx context.Context, ownerID, familyID, revokedBy, reason string) ([]Record, error) {
	return s.revokeWhere(ctx, `owner_id = $4 AND family_id = $5`, revokedBy, reason, ownerID, familyID)
}

// revokeWhere flips every ACTIVE row matching the filter in one statement
// and returns the rows it touched. Expired-but-unswept rows are revoked too
// so the sweep never resurrects them as EXPIRED with a revoked_at set.
func (s *Postgres) revokeWhere(ctx context.Context, filter, revokedBy, reason string, args ...any) ([]Record, error) {
	params := append([]any{s.now(), revokedBy, reason}, args...)
	return queryRecords(ctx, s.db, `
		UPDATE auth_tokens
		SET status = 'REVOKED', revoked_at = $1, revoked_by = $2, revoke_reason = $3, updated_at = $1
		WHERE status = 'ACTIVE' AND `+filter+`
		RETURNING `+recordColumns, params...)
}

func (s *Postgres) Replace(ctx context.Context, ownerID string, evict Eviction, records ...Record) ([]Record, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin session replace tx: %w", err)
	}
	defer tx.Rollback()

	revoked := make([]Record, 0)
	if len(evict.DeviceIDs) > 0 {
		revoked, err = queryRecords(ctx, tx, `
			UPDATE auth_tokens
			SET status = 'REVOKED', revoked_at = $1, revoked_by = $2, revoke_reason = $3, updated_at = $1
			WHERE status = 'ACTIVE' AND owner_id = $4 AND device_id = ANY($5)
			RETURNING `+recordColumns, s.now(), evict.RevokedBy, evict.Reason, ownerID, evict.DeviceIDs)
		if err != nil {
			return nil, fmt.Errorf("evict devices: %w", err)
		}
	}

	if err := insertRecords(ctx, tx, records); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit session replace tx: %w", err)
	}
	return revoked, nil
}

func (s *Postgres) Rotate(ctx context.Context, oldValue string, replacements ...Record) (Record, error) {
	now := s.now()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Record{}, fmt.Errorf("begin refresh rotation tx: %w", err)
	}
	defer tx.Rollback()

	old, err := scanRecord(tx.QueryRowContext(ctx, `
		SELECT `+recordColumns+` FROM auth_tokens WHERE token_hash = $1 FOR UPDATE
	`, HashValue(oldValue)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("read refresh token: %w", err)
	}

	if old.Rotated() {
		return old, ErrReplayed
	}
	if old.Kind != token.KindRefresh || !old.Available(now) {
		return old, ErrNotAvailable
	}

	if err := insertRecords(ctx, tx, replacements); err != nil {
		return Record{}, err
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE auth_tokens
		SET status = 'REVOKED', revoked_at = $2, revoked_by = $3, revoke_reason = $4, replaced_by = $5, updated_at = $2
		WHERE id = $1
	`, old.ID, now, old.OwnerID, ReasonRotated, replacementID(replacements)); err != nil {
		return Record{}, fmt.Errorf("retire rotated refresh token: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Record{}, fmt.Errorf("commit refresh rotation tx: %w", err)
	}
	return old, nil
}

func (s *Postgres) TouchLastUsed(ctx context.Context, value string, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE auth_tokens
		SET last_used_at = $2, use_count = use_count + 1, updated_at = $2
		WHERE token_hash = $1 AND status = 'ACTIVE'
	`, HashValue(value), now.UTC())
	if err != nil {
		return fmt.Errorf("touch token: %w", err)
	}
	return nil
}

func (s *Postgres) SweepExpired(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE auth_tokens
		SET status = 'EXPIRED', updated_at = $1
		WHERE status = 'ACTIVE' AND expires_at <= $1
	`, s.now())
	if err != nil {
		return 0, fmt.Errorf("sweep expired tokens: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("swept tokens rows affected: %w", err)
	}
	return affected, nil
}

func (s *Postgres) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	var total int64
	for {
		res, err := s.db.ExecContext(ctx, `
			WITH stale AS (
				SELECT id
				FROM auth_tokens
				WHERE (status = 'REVOKED' AND revoked_at < $1)
				   OR (status IN ('EXPIRED', 'BLACKLISTED') AND expires_at < $1)
				ORDER BY created_at ASC
				LIMIT $2
			)
			DELETE FROM auth_tokens t
			USING stale
			WHERE t.id = stale.id
		`, cutoff.UTC(), s.purgeBatch)
		if err != nil {
			return total, fmt.Errorf("purge stale tokens: %w", err)
		}

		affected, err := res.RowsAffected()
		if err != nil {
			return total, fmt.Errorf("purged tokens rows affected: %w", err)
		}
		total += affected
		if affected < int64(s.purgeBatch) {
			return total, nil
		}
	}
}

func (s *Postgres) Stats(ctx context.Context) (Stats, error) {
	now := s.now()
	stats := Stats{ActiveByKind: make(map[token.Kind]int64)}

	rows, err := s.db.QueryContext(ctx, `
		SELECT kind, COUNT(*)
		FROM auth_tokens
		WHERE status = 'ACTIVE' AND expires_at > $1
		GROUP BY kind
	`, now)
	if err != nil {
		return Stats{}, fmt.Errorf("count active tokens: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var kind string
		var count int64
		if err := rows.Scan(&kind, &count); err != nil {
			return Stats{}, fmt.Errorf("scan token count: %w", err)
		}
		stats.ActiveByKind[token.Kind(kind)] = count
		stats.ActiveTotal += count
	}
	if err := rows.Err(); err != nil {
		return Stats{}, fmt.Errorf("iterate token counts: %w", err)
	}

	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(DISTINCT owner_id)
		FROM auth_tokens
		WHERE status = 'ACTIVE' AND expires_at > $1 AND kind = 'access'
	`, now).Scan(&stats.OnlineOwners); err != nil {
		return Stats{}, fmt.Errorf("count online owners: %w", err)
	}

	return stats, nil
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func queryRecords(ctx context.Context, db querier, query string, args ...any) ([]Record, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query tokens: %w", err)
	}
	defer rows.Close()

	records := make([]Record, 0)
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan token: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tokens: %w", err)
	}
	return records, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (Record, error) {
	var r Record
	var kind, status string
	var lastUsed, revokedAt sql.NullTime
	err := row.Scan(
		&r.ID, &r.TokenID, &r.TokenHash, &r.OwnerID, &r.OwnerName, &kind, &status, &r.FamilyID,
		&r.IssuedAt, &r.ExpiresAt, &r.DeviceID, &r.DeviceType, &r.ClientIP, &r.UserAgent, &r.SessionID,
		&lastUsed, &r.UseCount, &revokedAt, &r.RevokedBy, &r.RevokeReason, &r.ReplacedBy, &r.CreatedAt,
	)
	if err != nil {
		return Record{}, err
	}

	r.Kind = token.Kind(kind)
	r.Status = Status(status)
	r.IssuedAt = r.IssuedAt.UTC()
	r.ExpiresAt = r.ExpiresAt.UTC()
	r.CreatedAt = r.CreatedAt.UTC()
	if lastUsed.Valid {
		value := lastUsed.Time.UTC()
		r.LastUsedAt = &value
	}
	if revokedAt.Valid {
		value := revokedAt.Time.UTC()
		r.RevokedAt = &value
	}
	return r, nil
}
