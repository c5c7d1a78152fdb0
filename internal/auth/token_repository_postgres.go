package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

// pgUniqueViolation is the SQLSTATE for unique_violation.
const pgUniqueViolation = "23505"

// PostgresTokenStore implements TokenStore on PostgreSQL through the pgx
// database/sql driver. Guarded writes use UPDATE ... RETURNING.
type PostgresTokenStore struct {
	db *sql.DB
}

// NewPostgresTokenStore creates a PostgreSQL-backed token store.
func NewPostgresTokenStore(db *sql.DB) *PostgresTokenStore {
	return &PostgresTokenStore{db: db}
}

// Get retrieves a record by token hash.
func (s *PostgresTokenStore) Get(ctx context.Context, tokenHash string) (*TokenRecord, error) {
	return scanPostgresToken(s.db.QueryRowContext(ctx,
		`SELECT `+tokenColumns+` FROM refresh_tokens WHERE token_hash = $1`, tokenHash))
}

// Put inserts a new record.
func (s *PostgresTokenStore) Put(ctx context.Context, rec *TokenRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO refresh_tokens (`+tokenColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		rec.ID, rec.TokenHash, rec.OwnerID,
		rec.IssuedAt.UTC(), rec.ExpiresAt.UTC(),
		rec.Used, rec.Revoked,
		nullString(rec.RevocationReason), nullString(rec.ReplacedBy),
	)
	if err != nil {
		if isPgUniqueViolation(err) {
			return ErrConflict
		}
		return storeUnavailable(fmt.Errorf("creating refresh token: %w", err))
	}
	return nil
}

// ConditionalUpdate applies m to record id in one guarded UPDATE ... RETURNING.
func (s *PostgresTokenStore) ConditionalUpdate(ctx context.Context, id string, g Guard, m Mutation) (*TokenRecord, error) {
	sets, args := mutationSet(m, pgPlaceholder, "TRUE")
	if len(sets) == 0 {
		return nil, fmt.Errorf("updating refresh token: empty mutation")
	}
	args = append(args, id)

	query := `UPDATE refresh_tokens SET ` + strings.Join(sets, ", ") +
		` WHERE id = ` + pgPlaceholder(len(args)) + guardClause(g, "FALSE") +
		` RETURNING ` + tokenColumns

	rec, err := scanPostgresToken(s.db.QueryRowContext(ctx, query, args...))
	if !errors.Is(err, ErrNotFound) {
		return rec, err
	}

	// No row came back: either the record is gone or the guard failed.
	var exists int
	err = s.db.QueryRowContext(ctx, `SELECT 1 FROM refresh_tokens WHERE id = $1`, id).Scan(&exists)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, ErrNotFound
	case err != nil:
		return nil, storeUnavailable(fmt.Errorf("checking refresh token: %w", err))
	default:
		return nil, ErrPreconditionFailed
	}
}

// ListByOwner returns the owner's records, oldest first.
func (s *PostgresTokenStore) ListByOwner(ctx context.Context, ownerID string) ([]TokenRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+tokenColumns+` FROM refresh_tokens WHERE owner_id = $1 ORDER BY issued_at ASC`, ownerID)
	if err != nil {
		return nil, storeUnavailable(fmt.Errorf("listing refresh tokens: %w", err))
	}
	defer rows.Close()

	records := []TokenRecord{}
	for rows.Next() {
		rec, err := scanPostgresToken(rows)
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
func (s *PostgresTokenStore) RevokeWhere(ctx context.Context, f Filter, reason string) (int64, error) {
	where, args := postgresFilter(f, []any{reason})

	result, err := s.db.ExecContext(ctx,
		`UPDATE refresh_tokens SET revoked = TRUE, revocation_reason = $1 WHERE revoked = FALSE`+where, args...)
	if err != nil {
		return 0, storeUnavailable(fmt.Errorf("revoking refresh tokens: %w", err))
	}
	count, err := result.RowsAffected()
	if err != nil {
		return 0, storeUnavailable(fmt.Errorf("counting revoked tokens: %w", err))
	}
	return count, nil
}

// DeleteWhere removes every matching record.
func (s *PostgresTokenStore) DeleteWhere(ctx context.Context, f Filter) (int64, error) {
	where, args := postgresFilter(f, nil)

	result, err := s.db.ExecContext(ctx, `DELETE FROM refresh_tokens WHERE TRUE`+where, args...)
	if err != nil {
		return 0, storeUnavailable(fmt.Errorf("deleting refresh tokens: %w", err))
	}
	count, err := result.RowsAffected()
	if err != nil {
		return 0, storeUnavailable(fmt.Errorf("counting deleted tokens: %w", err))
	}
	return count, nil
}

// postgresFilter renders f as " AND ..." clauses, numbering placeholders
// after the arguments already in args.
func postgresFilter(f Filter, args []any) (string, []any) {
	var b strings.Builder

	if f.OwnerID != "" {
		args = append(args, f.OwnerID)
		b.WriteString(" AND owner_id = " + pgPlaceholder(len(args)))
	}
	if !f.ActiveAt.IsZero() {
		args = append(args, f.ActiveAt.UTC())
		b.WriteString(" AND used = FALSE AND revoked = FALSE AND expires_at > " + pgPlaceholder(len(args)))
	}
	if !f.ExpiresAtOrBefore.IsZero() {
		args = append(args, f.ExpiresAtOrBefore.UTC())
		b.WriteString(" AND expires_at <= " + pgPlaceholder(len(args)))
	}
	return b.String(), args
}

func pgPlaceholder(n int) string {
	return "$" + strconv.Itoa(n)
}

func scanPostgresToken(s scanner) (*TokenRecord, error) {
	var rec TokenRecord
	var reason, replacedBy sql.NullString

	err := s.Scan(&rec.ID, &rec.TokenHash, &rec.OwnerID, &rec.IssuedAt, &rec.ExpiresAt,
		&rec.Used, &rec.Revoked, &reason, &replacedBy)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, storeUnavailable(fmt.Errorf("scanning refresh token: %w", err))
	}

	rec.IssuedAt = rec.IssuedAt.UTC()
	rec.ExpiresAt = rec.ExpiresAt.UTC()
	rec.RevocationReason = reason.String
	rec.ReplacedBy = replacedBy.String
	return &rec, nil
}

func isPgUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}
