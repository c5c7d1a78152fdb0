package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// sqliteTimeLayout is a fixed-width UTC layout, so TEXT comparisons in SQL
// order the same way as the instants they encode.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z"

// tokenColumns is the column list shared by every refresh_tokens SELECT.
const tokenColumns = `id, token_hash, owner_id, issued_at, expires_at, used, revoked, revocation_reason, replaced_by`

// SQLiteTokenStore implements TokenStore on the refresh_tokens table.
//
// Conditional writes are single UPDATE statements whose WHERE clause carries
// the guard; RowsAffected tells whether the guard held.
type SQLiteTokenStore struct {
	db *sql.DB
}

// NewSQLiteTokenStore creates a SQLite-backed token store.
func NewSQLiteTokenStore(db *sql.DB) *SQLiteTokenStore {
	return &SQLiteTokenStore{db: db}
}

// Get retrieves a record by token hash.
func (s *SQLiteTokenStore) Get(ctx context.Context, tokenHash string) (*TokenRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+tokenColumns+` FROM refresh_tokens WHERE token_hash = ?`, tokenHash)
	rec, err := scanSQLiteToken(row)
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// Put inserts a new record.
func (s *SQLiteTokenStore) Put(ctx context.Context, rec *TokenRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO refresh_tokens (`+tokenColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.TokenHash, rec.OwnerID,
		formatSQLiteTime(rec.IssuedAt), formatSQLiteTime(rec.ExpiresAt),
		boolToInt(rec.Used), boolToInt(rec.Revoked),
		nullString(rec.RevocationReason), nullString(rec.ReplacedBy),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return storeUnavailable(fmt.Errorf("creating refresh token: %w", err))
	}
	return nil
}

// ConditionalUpdate applies m to record id in one guarded UPDATE.
func (s *SQLiteTokenStore) ConditionalUpdate(ctx context.Context, id string, g Guard, m Mutation) (*TokenRecord, error) {
	sets, args := mutationSet(m, func(int) string { return "?" }, "1")
	if len(sets) == 0 {
		return nil, fmt.Errorf("updating refresh token: empty mutation")
	}

	query := `UPDATE refresh_tokens SET ` + strings.Join(sets, ", ") + ` WHERE id = ?` + guardClause(g, "0")
	args = append(args, id)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, storeUnavailable(fmt.Errorf("beginning token update: %w", err))
	}
	defer tx.Rollback() //nolint:errcheck // rollback is no-op after commit

	result, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, storeUnavailable(fmt.Errorf("updating refresh token: %w", err))
	}
	rows, _ := result.RowsAffected() //nolint:errcheck // always succeeds on SQLite

	rec, err := scanSQLiteToken(tx.QueryRowContext(ctx,
		`SELECT `+tokenColumns+` FROM refresh_tokens WHERE id = ?`, id))
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, storeUnavailable(fmt.Errorf("committing token update: %w", err))
	}

	if rows == 0 {
		return nil, ErrPreconditionFailed
	}
	return rec, nil
}

// ListByOwner returns the owner's records, oldest first.
func (s *SQLiteTokenStore) ListByOwner(ctx context.Context, ownerID string) ([]TokenRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+tokenColumns+` FROM refresh_tokens WHERE owner_id = ? ORDER BY issued_at ASC`, ownerID)
	if err != nil {
		return nil, storeUnavailable(fmt.Errorf("listing refresh tokens: %w", err))
	}
	defer rows.Close()

	records := []TokenRecord{}
	for rows.Next() {
		rec, err := scanSQLiteToken(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, storeUnavailable(fmt.Errorf("iterating refresh tokens: %w", err))
	}
	return records, nil
}

// RevokeWhere revokes every matching record that is not revoked yet.
func (s *SQLiteTokenStore) RevokeWhere(ctx context.Context, f Filter, reason string) (int64, error) {
	where, args := sqliteFilter(f)
	args = append([]any{reason}, args...)

	result, err := s.db.ExecContext(ctx,
		`UPDATE refresh_tokens SET revoked = 1, revocation_reason = ? WHERE revoked = 0`+where, args...)
	if err != nil {
		return 0, storeUnavailable(fmt.Errorf("revoking refresh tokens: %w", err))
	}
	count, _ := result.RowsAffected() //nolint:errcheck // always succeeds on SQLite
	return count, nil
}

// DeleteWhere removes every matching record.
func (s *SQLiteTokenStore) DeleteWhere(ctx context.Context, f Filter) (int64, error) {
	where, args := sqliteFilter(f)

	result, err := s.db.ExecContext(ctx, `DELETE FROM refresh_tokens WHERE 1 = 1`+where, args...)
	if err != nil {
		return 0, storeUnavailable(fmt.Errorf("deleting refresh tokens: %w", err))
	}
	count, _ := result.RowsAffected() //nolint:errcheck // always succeeds on SQLite
	return count, nil
}

// sqliteFilter renders f as " AND ..." clauses with ? placeholders.
func sqliteFilter(f Filter) (string, []any) {
	var b strings.Builder
	var args []any

	if f.OwnerID != "" {
		b.WriteString(" AND owner_id = ?")
		args = append(args, f.OwnerID)
	}
	if !f.ActiveAt.IsZero() {
		b.WriteString(" AND used = 0 AND revoked = 0 AND expires_at > ?")
		args = append(args, formatSQLiteTime(f.ActiveAt))
	}
	if !f.ExpiresAtOrBefore.IsZero() {
		b.WriteString(" AND expires_at <= ?")
		args = append(args, formatSQLiteTime(f.ExpiresAtOrBefore))
	}
	return b.String(), args
}

// mutationSet renders the SET assignments for m. placeholder returns the
// bind marker for the n-th argument (1-based); trueLit is the dialect's true literal.
func mutationSet(m Mutation, placeholder func(n int) string, trueLit string) ([]string, []any) {
	var sets []string
	var args []any

	if m.MarkUsed {
		args = append(args, m.ReplacedBy)
		sets = append(sets, "used = "+trueLit, "replaced_by = "+placeholder(len(args)))
	}
	if m.Revoke {
		args = append(args, m.RevocationReason)
		sets = append(sets, "revoked = "+trueLit, "revocation_reason = "+placeholder(len(args)))
	}
	return sets, args
}

// guardClause renders g as " AND ..." clauses; falseLit is the dialect's false literal.
func guardClause(g Guard, falseLit string) string {
	var clause string
	if g.NotUsed {
		clause += " AND used = " + falseLit
	}
	if g.NotRevoked {
		clause += " AND revoked = " + falseLit
	}
	return clause
}

// scanSQLiteToken scans one refresh_tokens row.
func scanSQLiteToken(s scanner) (*TokenRecord, error) {
	var rec TokenRecord
	var issuedAt, expiresAt string
	var used, revoked int
	var reason, replacedBy sql.NullString

	err := s.Scan(&rec.ID, &rec.TokenHash, &rec.OwnerID, &issuedAt, &expiresAt,
		&used, &revoked, &reason, &replacedBy)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, storeUnavailable(fmt.Errorf("scanning refresh token: %w", err))
	}

	rec.Used = used != 0
	rec.Revoked = revoked != 0
	rec.RevocationReason = reason.String
	rec.ReplacedBy = replacedBy.String
	rec.IssuedAt, _ = time.Parse(sqliteTimeLayout, issuedAt)   //nolint:errcheck // format is controlled
	rec.ExpiresAt, _ = time.Parse(sqliteTimeLayout, expiresAt) //nolint:errcheck // format is controlled

	return &rec, nil
}

func formatSQLiteTime(t time.Time) string {
	return t.UTC().Format(sqliteTimeLayout)
}
