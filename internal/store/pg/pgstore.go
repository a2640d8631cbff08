package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"usermanage.org/internal/auth"
)

// PoolOptions tunes the database/sql pool.
type PoolOptions struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Store reads identities, roles and role claims from PostgreSQL and keeps
// the refresh token columns of the users table.
type Store struct {
	db *sql.DB
}

var (
	_ auth.Store             = (*Store)(nil)
	_ auth.IdentityStore     = (*Store)(nil)
	_ auth.RefreshTokenStore = (*Store)(nil)
	_ auth.UserDirectory     = (*Store)(nil)
)

func Open(dsn string, pool PoolOptions) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if pool.MaxOpenConns > 0 {
		db.SetMaxOpenConns(pool.MaxOpenConns)
	}
	if pool.MaxIdleConns > 0 {
		db.SetMaxIdleConns(pool.MaxIdleConns)
	}
	if pool.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(pool.ConnMaxLifetime)
	}
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// New wraps an existing handle.
func New(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

// Ping checks connectivity for readiness probes.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *Store) Identities(context.Context) auth.IdentityStore        { return s }
func (s *Store) RefreshTokens(context.Context) auth.RefreshTokenStore { return s }

func (s *Store) FindByUsername(ctx context.Context, normalizedUsername string) (*auth.Identity, error) {
	var (
		identity   auth.Identity
		hash       sql.NullString
		stamp      sql.NullString
		lockoutEnd sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		select id, user_name, normalized_user_name, password_hash, security_stamp, lockout_end
		from users
		where normalized_user_name = $1
	`, normalizedUsername).Scan(&identity.ID, &identity.Username, &identity.NormalizedUsername, &hash, &stamp, &lockoutEnd)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrNotFound
	}
	if err != nil {
		return nil, wrapPgError("find user", err)
	}
	identity.PasswordHash = hash.String
	identity.SecurityStamp = stamp.String
	if lockoutEnd.Valid {
		end := lockoutEnd.Time.UTC()
		identity.LockoutEnd = &end
	}

	rows, err := s.db.QueryContext(ctx, `
		select r.name
		from user_roles ur
		join roles r on r.id = ur.role_id
		where ur.user_id = $1
		order by r.name
	`, identity.ID)
	if err != nil {
		return nil, wrapPgError("list user roles", err)
	}
	defer rows.Close()
	for rows.Next() {
		var role string
		if err := rows.Scan(&role); err != nil {
			return nil, err
		}
		identity.Roles = append(identity.Roles, role)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &identity, nil
}

// permissionClaimType is the claim type under which role permissions are
// stored in role_claims.
const permissionClaimType = "Permission"

func (s *Store) FindRoleClaims(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		select distinct rc.claim_value
		from role_claims rc
		join user_roles ur on ur.role_id = rc.role_id
		where ur.user_id = $1 and rc.claim_type = $2
		order by rc.claim_value
	`, userID, permissionClaimType)
	if err != nil {
		return nil, wrapPgError("list role claims", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) RefreshToken(ctx context.Context, userID string) (auth.StoredRefreshToken, error) {
	var (
		hash sql.NullString
		exp  sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		select refresh_token_hash, refresh_token_expires_at
		from users
		where id = $1
	`, userID).Scan(&hash, &exp)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.StoredRefreshToken{}, auth.ErrNotFound
	}
	if err != nil {
		return auth.StoredRefreshToken{}, wrapPgError("read refresh token", err)
	}
	tok := auth.StoredRefreshToken{Hash: hash.String}
	if exp.Valid {
		tok.ExpiresAt = exp.Time.UTC()
	}
	return tok, nil
}

func (s *Store) SetRefreshToken(ctx context.Context, userID string, tok auth.StoredRefreshToken) error {
	hash, exp := refreshColumns(tok)
	res, err := s.db.ExecContext(ctx, `
		update users
		set refresh_token_hash = $2, refresh_token_expires_at = $3
		where id = $1
	`, userID, hash, exp)
	if err != nil {
		return wrapPgError("store refresh token", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return auth.ErrNotFound
	}
	return nil
}

// SwapRefreshToken is a conditional update: the row only changes while it
// still holds expectedHash.
func (s *Store) SwapRefreshToken(ctx context.Context, userID, expectedHash string, next auth.StoredRefreshToken) error {
	hash, exp := refreshColumns(next)
	res, err := s.db.ExecContext(ctx, `
		update users
		set refresh_token_hash = $3, refresh_token_expires_at = $4
		where id = $1 and refresh_token_hash = $2
	`, userID, expectedHash, hash, exp)
	if err != nil {
		return wrapPgError("swap refresh token", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return auth.ErrRefreshConflict
	}
	return nil
}

func (s *Store) ListUsernames(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `select user_name from users order by user_name`)
	if err != nil {
		return nil, wrapPgError("list users", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out = append(out, name)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func refreshColumns(tok auth.StoredRefreshToken) (sql.NullString, sql.NullTime) {
	if tok.Hash == "" {
		return sql.NullString{}, sql.NullTime{}
	}
	return sql.NullString{String: tok.Hash, Valid: true}, sql.NullTime{Time: tok.ExpiresAt.UTC(), Valid: true}
}

func wrapPgError(op string, err error) error {
	if pgErr, ok := maybePgError(err); ok {
		return fmt.Errorf("pg: %s: %s (%s): %w", op, pgErr.Message, pgErr.Code, err)
	}
	return fmt.Errorf("pg: %s: %w", op, err)
}

func maybePgError(err error) (*pgconn.PgError, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr, true
	}
	return nil, false
}
