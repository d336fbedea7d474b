package repository

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetworks/fleet-api/internal/models"
	appErrors "github.com/fleetworks/fleet-api/pkg/errors"
)

func newMock(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock, func()) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	sqlxdb := sqlx.NewDb(db, "sqlmock")
	return sqlxdb, mock, func() {
		db.Close()
	}
}

func TestFindUserByEmail(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewAuthRepository(db)

	now := time.Now()
	rows := sqlmock.NewRows([]string{"id", "organization_id", "email", "password_hash", "first_name", "last_name", "role", "active", "last_login", "created_at", "updated_at"}).
		AddRow("u1", "org1", "user@example.com", "hash", "Ada", "Byron", string(models.RoleOwner), true, now, now, now)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, organization_id, email, password_hash, first_name, last_name, role, active, last_login, created_at, updated_at FROM users WHERE email = $1 LIMIT 1")).
		WithArgs("user@example.com").
		WillReturnRows(rows)

	user, err := repo.FindUserByEmail(context.Background(), "user@example.com")
	require.NoError(t, err)
	assert.Equal(t, "user@example.com", user.Email)
	assert.Equal(t, "org1", user.OrganizationID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestConsumeRefreshTokenWins(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewAuthRepository(db)

	now := time.Now().UTC()
	rows := sqlmock.NewRows([]string{"id", "user_id", "token_hash", "expires_at", "created_at", "revoked_at"}).
		AddRow("rt1", "u1", "digest", now.Add(time.Hour), now.Add(-time.Hour), now)
	mock.ExpectQuery(regexp.QuoteMeta("UPDATE refresh_tokens SET revoked_at = $2 WHERE token_hash = $1 AND revoked_at IS NULL AND expires_at > $2 RETURNING id, user_id, token_hash, expires_at, created_at, revoked_at")).
		WithArgs("digest", now).
		WillReturnRows(rows)

	token, err := repo.ConsumeRefreshToken(context.Background(), "digest", now)
	require.NoError(t, err)
	assert.Equal(t, "u1", token.UserID)
	assert.NotNil(t, token.RevokedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestConsumeRefreshTokenLoses(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewAuthRepository(db)

	now := time.Now().UTC()
	mock.ExpectQuery("UPDATE refresh_tokens SET revoked_at").
		WithArgs("digest", now).
		WillReturnError(sql.ErrNoRows)

	_, err := repo.ConsumeRefreshToken(context.Background(), "digest", now)
	require.ErrorIs(t, err, sql.ErrNoRows)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRevokeRefreshTokenByHashZeroRows(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewAuthRepository(db)

	now := time.Now().UTC()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE refresh_tokens SET revoked_at = $2 WHERE token_hash = $1 AND revoked_at IS NULL")).
		WithArgs("digest", now).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.RevokeRefreshTokenByHash(context.Background(), "digest", now)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateOrganizationWithOwner(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewAuthRepository(db)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO organizations").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO users").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	org := &models.Organization{Name: "Acme", Slug: "acme"}
	owner := &models.User{Email: "a@x.com", PasswordHash: "hash", Role: models.RoleOwner, Active: true}
	err := repo.CreateOrganizationWithOwner(context.Background(), org, owner)
	require.NoError(t, err)
	assert.NotEmpty(t, org.ID)
	assert.Equal(t, org.ID, owner.OrganizationID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateOrganizationWithOwnerDuplicateSlug(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewAuthRepository(db)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO organizations").
		WillReturnError(&pq.Error{Code: "23505", Constraint: "organizations_slug_key"})
	mock.ExpectRollback()

	err := repo.CreateOrganizationWithOwner(context.Background(), &models.Organization{Name: "Acme", Slug: "acme"}, &models.User{Email: "a@x.com"})
	require.Error(t, err)
	var appErr *appErrors.Error
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, appErrors.ErrDuplicateSlug.Code, appErr.Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateOrganizationWithOwnerDuplicateEmail(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewAuthRepository(db)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO organizations").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO users").
		WillReturnError(&pq.Error{Code: "23505", Constraint: "users_email_key"})
	mock.ExpectRollback()

	err := repo.CreateOrganizationWithOwner(context.Background(), &models.Organization{Name: "Acme", Slug: "acme"}, &models.User{Email: "a@x.com"})
	require.Error(t, err)
	var appErr *appErrors.Error
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, appErrors.ErrDuplicateEmail.Code, appErr.Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReplacePasswordResetToken(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewAuthRepository(db)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE password_reset_tokens SET used_at = $2 WHERE user_id = $1 AND used_at IS NULL")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO password_reset_tokens").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	token := &models.PasswordResetToken{UserID: "u1", TokenHash: "digest", ExpiresAt: time.Now().Add(time.Hour)}
	err := repo.ReplacePasswordResetToken(context.Background(), token)
	require.NoError(t, err)
	assert.NotEmpty(t, token.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestConfirmPasswordReset(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewAuthRepository(db)

	now := time.Now().UTC()
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("UPDATE password_reset_tokens SET used_at = $2 WHERE token_hash = $1 AND used_at IS NULL AND expires_at > $2 RETURNING user_id")).
		WithArgs("digest", now).
		WillReturnRows(sqlmock.NewRows([]string{"user_id"}).AddRow("u1"))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE users SET password_hash = $2, updated_at = $3 WHERE id = $1")).
		WithArgs("u1", "newhash", now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE refresh_tokens SET revoked_at = $2 WHERE user_id = $1 AND revoked_at IS NULL")).
		WithArgs("u1", now).
		WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectCommit()

	userID, err := repo.ConfirmPasswordReset(context.Background(), "digest", "newhash", now)
	require.NoError(t, err)
	assert.Equal(t, "u1", userID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestConfirmPasswordResetUnknownToken(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewAuthRepository(db)

	now := time.Now().UTC()
	mock.ExpectBegin()
	mock.ExpectQuery("UPDATE password_reset_tokens SET used_at").
		WithArgs("digest", now).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	_, err := repo.ConfirmPasswordReset(context.Background(), "digest", "newhash", now)
	require.ErrorIs(t, err, sql.ErrNoRows)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestConfirmPasswordResetRollsBackOnPasswordWriteFailure(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewAuthRepository(db)

	now := time.Now().UTC()
	mock.ExpectBegin()
	mock.ExpectQuery("UPDATE password_reset_tokens SET used_at").
		WithArgs("digest", now).
		WillReturnRows(sqlmock.NewRows([]string{"user_id"}).AddRow("u1"))
	mock.ExpectExec("UPDATE users SET password_hash").
		WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	_, err := repo.ConfirmPasswordReset(context.Background(), "digest", "newhash", now)
	require.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
