package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/fleetworks/fleet-api/internal/models"
	appErrors "github.com/fleetworks/fleet-api/pkg/errors"
)

const pqUniqueViolation = "23505"

// AuthRepository provides database access for the authentication core.
// All conditional writes are single statements so concurrent callers race
// on the database, not on read-then-write sequences in Go.
type AuthRepository struct {
	db *sqlx.DB
}

// NewAuthRepository creates a new instance of AuthRepository.
func NewAuthRepository(db *sqlx.DB) *AuthRepository {
	return &AuthRepository{db: db}
}

// CreateOrganizationWithOwner inserts the organization and its owner user
// in one transaction. Duplicate slug or email surfaces as the matching
// conflict error.
func (r *AuthRepository) CreateOrganizationWithOwner(ctx context.Context, org *models.Organization, owner *models.User) error {
	now := time.Now().UTC()
	if org.ID == "" {
		org.ID = uuid.NewString()
	}
	org.CreatedAt = now
	org.UpdatedAt = now

	if owner.ID == "" {
		owner.ID = uuid.NewString()
	}
	owner.OrganizationID = org.ID
	owner.CreatedAt = now
	owner.UpdatedAt = now

	return r.withTx(ctx, func(tx *sqlx.Tx) error {
		const orgQuery = `INSERT INTO organizations (id, name, slug, created_at, updated_at) VALUES (:id, :name, :slug, :created_at, :updated_at)`
		if _, err := tx.NamedExecContext(ctx, orgQuery, org); err != nil {
			if mapped := mapUniqueViolation(err); mapped != nil {
				return mapped
			}
			return fmt.Errorf("create organization: %w", err)
		}

		const userQuery = `INSERT INTO users (id, organization_id, email, password_hash, first_name, last_name, role, active, created_at, updated_at) VALUES (:id, :organization_id, :email, :password_hash, :first_name, :last_name, :role, :active, :created_at, :updated_at)`
		if _, err := tx.NamedExecContext(ctx, userQuery, owner); err != nil {
			if mapped := mapUniqueViolation(err); mapped != nil {
				return mapped
			}
			return fmt.Errorf("create owner user: %w", err)
		}

		return nil
	})
}

// FindUserByEmail returns a user by email address.
func (r *AuthRepository) FindUserByEmail(ctx context.Context, email string) (*models.User, error) {
	const query = `SELECT id, organization_id, email, password_hash, first_name, last_name, role, active, last_login, created_at, updated_at FROM users WHERE email = $1 LIMIT 1`
	var user models.User
	if err := r.db.GetContext(ctx, &user, query, email); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("find user by email: %w", err)
	}
	return &user, nil
}

// FindUserByID returns a user by identifier.
func (r *AuthRepository) FindUserByID(ctx context.Context, id string) (*models.User, error) {
	const query = `SELECT id, organization_id, email, password_hash, first_name, last_name, role, active, last_login, created_at, updated_at FROM users WHERE id = $1 LIMIT 1`
	var user models.User
	if err := r.db.GetContext(ctx, &user, query, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("find user by id: %w", err)
	}
	return &user, nil
}

// FindOrganizationByID returns an organization by identifier.
func (r *AuthRepository) FindOrganizationByID(ctx context.Context, id string) (*models.Organization, error) {
	const query = `SELECT id, name, slug, created_at, updated_at FROM organizations WHERE id = $1 LIMIT 1`
	var org models.Organization
	if err := r.db.GetContext(ctx, &org, query, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("find organization by id: %w", err)
	}
	return &org, nil
}

// UpdateLastLogin updates the last_login timestamp for a user.
func (r *AuthRepository) UpdateLastLogin(ctx context.Context, id string, ts time.Time) error {
	const query = `UPDATE users SET last_login = $2, updated_at = $3 WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, query, id, ts, ts); err != nil {
		return fmt.Errorf("update last login: %w", err)
	}
	return nil
}

// CreateRefreshToken persists a refresh token digest entry.
func (r *AuthRepository) CreateRefreshToken(ctx context.Context, token *models.RefreshToken) error {
	if token.ID == "" {
		token.ID = uuid.NewString()
	}
	if token.CreatedAt.IsZero() {
		token.CreatedAt = time.Now().UTC()
	}
	const query = `INSERT INTO refresh_tokens (id, user_id, token_hash, expires_at, created_at, revoked_at) VALUES (:id, :user_id, :token_hash, :expires_at, :created_at, :revoked_at)`
	if _, err := r.db.NamedExecContext(ctx, query, token); err != nil {
		return fmt.Errorf("create refresh token: %w", err)
	}
	return nil
}

// ConsumeRefreshToken atomically revokes the usable token matching the
// digest and returns it. Exactly one of two racing callers wins; the loser
// sees sql.ErrNoRows, indistinguishable from a token that never existed.
func (r *AuthRepository) ConsumeRefreshToken(ctx context.Context, tokenHash string, now time.Time) (*models.RefreshToken, error) {
	const query = `UPDATE refresh_tokens SET revoked_at = $2 WHERE token_hash = $1 AND revoked_at IS NULL AND expires_at > $2 RETURNING id, user_id, token_hash, expires_at, created_at, revoked_at`
	var token models.RefreshToken
	if err := r.db.GetContext(ctx, &token, query, tokenHash, now); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("consume refresh token: %w", err)
	}
	return &token, nil
}

// RevokeRefreshTokenByHash revokes whatever usable token matches the
// digest. Zero matched rows is not an error; logout is idempotent.
func (r *AuthRepository) RevokeRefreshTokenByHash(ctx context.Context, tokenHash string, now time.Time) error {
	const query = `UPDATE refresh_tokens SET revoked_at = $2 WHERE token_hash = $1 AND revoked_at IS NULL`
	if _, err := r.db.ExecContext(ctx, query, tokenHash, now); err != nil {
		return fmt.Errorf("revoke refresh token: %w", err)
	}
	return nil
}

// RevokeUserRefreshTokens revokes every live refresh token for a user.
func (r *AuthRepository) RevokeUserRefreshTokens(ctx context.Context, userID string, now time.Time) error {
	const query = `UPDATE refresh_tokens SET revoked_at = $2 WHERE user_id = $1 AND revoked_at IS NULL`
	if _, err := r.db.ExecContext(ctx, query, userID, now); err != nil {
		return fmt.Errorf("revoke user refresh tokens: %w", err)
	}
	return nil
}

// ReplacePasswordResetToken invalidates any outstanding unused reset
// tokens for the user and stores the new digest, in one transaction, so at
// most one usable reset token exists per user.
func (r *AuthRepository) ReplacePasswordResetToken(ctx context.Context, token *models.PasswordResetToken) error {
	if token.ID == "" {
		token.ID = uuid.NewString()
	}
	if token.CreatedAt.IsZero() {
		token.CreatedAt = time.Now().UTC()
	}

	return r.withTx(ctx, func(tx *sqlx.Tx) error {
		const invalidate = `UPDATE password_reset_tokens SET used_at = $2 WHERE user_id = $1 AND used_at IS NULL`
		if _, err := tx.ExecContext(ctx, invalidate, token.UserID, token.CreatedAt); err != nil {
			return fmt.Errorf("invalidate prior reset tokens: %w", err)
		}

		const insert = `INSERT INTO password_reset_tokens (id, user_id, token_hash, expires_at, created_at, used_at) VALUES (:id, :user_id, :token_hash, :expires_at, :created_at, :used_at)`
		if _, err := tx.NamedExecContext(ctx, insert, token); err != nil {
			return fmt.Errorf("create reset token: %w", err)
		}

		return nil
	})
}

// ConfirmPasswordReset consumes the reset token, rewrites the password
// hash and revokes every live session of the owning user as one
// transaction. A reset that changes the password but leaves sessions alive
// must be impossible, so all three writes commit together or not at all.
// Returns sql.ErrNoRows when no usable token matches the digest.
func (r *AuthRepository) ConfirmPasswordReset(ctx context.Context, tokenHash, newPasswordHash string, now time.Time) (string, error) {
	var userID string

	err := r.withTx(ctx, func(tx *sqlx.Tx) error {
		const consume = `UPDATE password_reset_tokens SET used_at = $2 WHERE token_hash = $1 AND used_at IS NULL AND expires_at > $2 RETURNING user_id`
		if err := tx.GetContext(ctx, &userID, consume, tokenHash, now); err != nil {
			if err == sql.ErrNoRows {
				return err
			}
			return fmt.Errorf("consume reset token: %w", err)
		}

		const updatePassword = `UPDATE users SET password_hash = $2, updated_at = $3 WHERE id = $1`
		if _, err := tx.ExecContext(ctx, updatePassword, userID, newPasswordHash, now); err != nil {
			return fmt.Errorf("update password: %w", err)
		}

		const revokeSessions = `UPDATE refresh_tokens SET revoked_at = $2 WHERE user_id = $1 AND revoked_at IS NULL`
		if _, err := tx.ExecContext(ctx, revokeSessions, userID, now); err != nil {
			return fmt.Errorf("revoke sessions: %w", err)
		}

		return nil
	})
	if err != nil {
		return "", err
	}

	return userID, nil
}

// CreateAuditLog stores an audit log entry.
func (r *AuthRepository) CreateAuditLog(ctx context.Context, log *models.AuditLog) error {
	if log.ID == "" {
		log.ID = uuid.NewString()
	}
	if log.CreatedAt.IsZero() {
		log.CreatedAt = time.Now().UTC()
	}
	const query = `INSERT INTO audit_logs (id, user_id, action, resource, resource_id, new_values, ip_address, user_agent, created_at) VALUES (:id, :user_id, :action, :resource, :resource_id, :new_values, :ip_address, :user_agent, :created_at)`
	if _, err := r.db.NamedExecContext(ctx, query, log); err != nil {
		return fmt.Errorf("create audit log: %w", err)
	}
	return nil
}

func (r *AuthRepository) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}

	return nil
}

func mapUniqueViolation(err error) error {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) || pqErr.Code != pqUniqueViolation {
		return nil
	}
	if strings.Contains(pqErr.Constraint, "slug") {
		return appErrors.ErrDuplicateSlug
	}
	if strings.Contains(pqErr.Constraint, "email") {
		return appErrors.ErrDuplicateEmail
	}
	return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "unique constraint violated")
}
