package service

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/fleetworks/fleet-api/internal/models"
	appErrors "github.com/fleetworks/fleet-api/pkg/errors"
	"github.com/fleetworks/fleet-api/pkg/mailer"
	"github.com/fleetworks/fleet-api/pkg/security"
)

type authRepository interface {
	CreateOrganizationWithOwner(ctx context.Context, org *models.Organization, owner *models.User) error
	FindUserByEmail(ctx context.Context, email string) (*models.User, error)
	FindUserByID(ctx context.Context, id string) (*models.User, error)
	FindOrganizationByID(ctx context.Context, id string) (*models.Organization, error)
	UpdateLastLogin(ctx context.Context, id string, ts time.Time) error
	CreateRefreshToken(ctx context.Context, token *models.RefreshToken) error
	ConsumeRefreshToken(ctx context.Context, tokenHash string, now time.Time) (*models.RefreshToken, error)
	RevokeRefreshTokenByHash(ctx context.Context, tokenHash string, now time.Time) error
	RevokeUserRefreshTokens(ctx context.Context, userID string, now time.Time) error
	ReplacePasswordResetToken(ctx context.Context, token *models.PasswordResetToken) error
	ConfirmPasswordReset(ctx context.Context, tokenHash, newPasswordHash string, now time.Time) (string, error)
	CreateAuditLog(ctx context.Context, log *models.AuditLog) error
}

// AuthServiceConfig defines lifetimes and work factors for the auth flows.
type AuthServiceConfig struct {
	RefreshTokenTTL time.Duration
	ResetTokenTTL   time.Duration
	BcryptCost      int
}

// AuthService provides the authentication and session-lifecycle use cases:
// registration, login, refresh rotation, revocation and password reset.
type AuthService struct {
	repo      authRepository
	signer    *TokenSigner
	mail      mailer.Mailer
	validator *validator.Validate
	logger    *zap.Logger
	config    AuthServiceConfig
}

// NewAuthService constructs an AuthService instance.
func NewAuthService(repo authRepository, signer *TokenSigner, mail mailer.Mailer, validate *validator.Validate, logger *zap.Logger, config AuthServiceConfig) *AuthService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if validate == nil {
		validate = validator.New()
	}
	if config.RefreshTokenTTL <= 0 {
		config.RefreshTokenTTL = 168 * time.Hour
	}
	if config.ResetTokenTTL <= 0 {
		config.ResetTokenTTL = time.Hour
	}
	return &AuthService{repo: repo, signer: signer, mail: mail, validator: validate, logger: logger, config: config}
}

// Register creates an organization with its owner account and issues the
// first session. Organization and user are created in one transaction;
// duplicate slug or email surfaces as a conflict.
func (s *AuthService) Register(ctx context.Context, req models.RegisterRequest) (*models.AuthResponse, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid registration payload")
	}

	passwordHash, err := security.HashPassword(req.Password, s.config.BcryptCost)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to hash password")
	}

	org := &models.Organization{
		Name: req.OrganizationName,
		Slug: strings.ToLower(req.OrganizationSlug),
	}
	owner := &models.User{
		Email:        strings.ToLower(req.Email),
		PasswordHash: passwordHash,
		FirstName:    req.FirstName,
		LastName:     req.LastName,
		Role:         models.RoleOwner,
		Active:       true,
	}

	if err := s.repo.CreateOrganizationWithOwner(ctx, org, owner); err != nil {
		var appErr *appErrors.Error
		if errors.As(err, &appErr) {
			return nil, appErr
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create organization")
	}

	session, err := s.issueSession(ctx, owner)
	if err != nil {
		return nil, err
	}

	s.audit(ctx, &owner.ID, models.AuditActionRegister, req.IP, req.UserAgent, `{"status":"registered"}`)

	return &models.AuthResponse{
		User:            models.NewUserInfo(owner),
		Organization:    models.NewOrganizationInfo(org),
		SessionResponse: *session,
	}, nil
}

// Login authenticates a user by email and password and issues a session.
// Unknown email and wrong password are indistinguishable to the caller.
func (s *AuthService) Login(ctx context.Context, req models.LoginRequest) (*models.AuthResponse, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid login payload")
	}

	user, err := s.repo.FindUserByEmail(ctx, strings.ToLower(req.Email))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrInvalidCredentials, "")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to fetch user")
	}

	if !security.VerifyPassword(req.Password, user.PasswordHash) {
		return nil, appErrors.Clone(appErrors.ErrInvalidCredentials, "")
	}

	if !user.Active {
		return nil, appErrors.Clone(appErrors.ErrInactiveAccount, "")
	}

	org, err := s.repo.FindOrganizationByID(ctx, user.OrganizationID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load organization")
	}

	session, err := s.issueSession(ctx, user)
	if err != nil {
		return nil, err
	}

	if err := s.repo.UpdateLastLogin(ctx, user.ID, time.Now().UTC()); err != nil {
		s.logger.Warn("failed to update last login", zap.Error(err))
	}

	s.audit(ctx, &user.ID, models.AuditActionLogin, req.IP, req.UserAgent, `{"status":"success"}`)

	return &models.AuthResponse{
		User:            models.NewUserInfo(user),
		Organization:    models.NewOrganizationInfo(org),
		SessionResponse: *session,
	}, nil
}

// Refresh exchanges a refresh token for a new session. The presented token
// is consumed by an atomic conditional update before the replacement is
// minted, so it can never be exchanged twice: if two requests race, exactly
// one wins and the other observes an invalid token.
func (s *AuthService) Refresh(ctx context.Context, req models.RefreshRequest) (*models.AuthResponse, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid refresh payload")
	}

	now := time.Now().UTC()
	tokenHash := security.HashToken(req.RefreshToken)

	stored, err := s.repo.ConsumeRefreshToken(ctx, tokenHash, now)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			// Revoked, expired and never-existed all collapse here.
			return nil, appErrors.Clone(appErrors.ErrInvalidRefreshToken, "")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to consume refresh token")
	}

	user, err := s.repo.FindUserByID(ctx, stored.UserID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrInvalidRefreshToken, "")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load user")
	}

	if !user.Active {
		return nil, appErrors.Clone(appErrors.ErrInactiveAccount, "")
	}

	org, err := s.repo.FindOrganizationByID(ctx, user.OrganizationID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load organization")
	}

	session, err := s.issueSession(ctx, user)
	if err != nil {
		return nil, err
	}

	s.audit(ctx, &user.ID, models.AuditActionRefresh, req.IP, req.UserAgent, `{"refresh":"rotated"}`)

	return &models.AuthResponse{
		User:            models.NewUserInfo(user),
		Organization:    models.NewOrganizationInfo(org),
		SessionResponse: *session,
	}, nil
}

// Logout revokes the presented refresh token. Revoking an already-revoked
// or nonexistent token is not an error: the response never reveals whether
// the token existed.
func (s *AuthService) Logout(ctx context.Context, rawToken, ip, userAgent string) error {
	now := time.Now().UTC()
	tokenHash := security.HashToken(rawToken)

	if err := s.repo.RevokeRefreshTokenByHash(ctx, tokenHash, now); err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to revoke refresh token")
	}

	s.audit(ctx, nil, models.AuditActionLogout, ip, userAgent, `{"status":"logout"}`)
	return nil
}

// RevokeUserSessions revokes every live refresh token for the user. A
// password change must kill every other logged-in device.
func (s *AuthService) RevokeUserSessions(ctx context.Context, userID string) error {
	if err := s.repo.RevokeUserRefreshTokens(ctx, userID, time.Now().UTC()); err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to revoke user sessions")
	}
	return nil
}

// ForgotPassword initiates the reset flow. Whether the email exists or
// not, the caller gets the same answer; the only observable difference is
// a mail arriving out of band.
func (s *AuthService) ForgotPassword(ctx context.Context, req models.ForgotPasswordRequest) error {
	if err := s.validator.Struct(req); err != nil {
		return appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid forgot password payload")
	}

	user, err := s.repo.FindUserByEmail(ctx, strings.ToLower(req.Email))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to fetch user")
	}

	secret, err := security.GenerateSecret(security.ResetSecretLength)
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to generate reset secret")
	}

	now := time.Now().UTC()
	token := &models.PasswordResetToken{
		UserID:    user.ID,
		TokenHash: security.HashToken(secret),
		ExpiresAt: now.Add(s.config.ResetTokenTTL),
		CreatedAt: now,
	}

	if err := s.repo.ReplacePasswordResetToken(ctx, token); err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to persist reset token")
	}

	if s.mail != nil {
		if err := s.mail.SendPasswordReset(ctx, user.Email, secret); err != nil {
			s.logger.Warn("failed to dispatch reset mail", zap.Error(err))
		}
	}

	return nil
}

// ResetPassword completes the reset flow: the token is consumed, the
// password hash rewritten and every live session revoked in one
// transaction.
func (s *AuthService) ResetPassword(ctx context.Context, req models.ResetPasswordRequest) error {
	if err := s.validator.Struct(req); err != nil {
		return appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid reset password payload")
	}

	passwordHash, err := security.HashPassword(req.NewPassword, s.config.BcryptCost)
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to hash password")
	}

	now := time.Now().UTC()
	userID, err := s.repo.ConfirmPasswordReset(ctx, security.HashToken(req.Token), passwordHash, now)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return appErrors.Clone(appErrors.ErrInvalidResetToken, "")
		}
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to reset password")
	}

	s.audit(ctx, &userID, models.AuditActionPasswordReset, "", "", `{"status":"reset"}`)
	return nil
}

// CurrentUser loads fresh user and organization records for the
// authenticated subject.
func (s *AuthService) CurrentUser(ctx context.Context, userID string) (*models.MeResponse, error) {
	user, err := s.repo.FindUserByID(ctx, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrUnauthorized, "")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load user")
	}
	if !user.Active {
		return nil, appErrors.Clone(appErrors.ErrInactiveAccount, "")
	}

	org, err := s.repo.FindOrganizationByID(ctx, user.OrganizationID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load organization")
	}

	return &models.MeResponse{
		User:         models.NewUserInfo(user),
		Organization: models.NewOrganizationInfo(org),
	}, nil
}

// ValidateToken verifies an access token and returns its claims.
func (s *AuthService) ValidateToken(tokenString string) (*models.JWTClaims, error) {
	return s.signer.Verify(tokenString)
}

// issueSession mints an access token and a fresh opaque refresh secret,
// persisting only the secret's digest. The raw secret leaves this method
// exactly once, inside the returned session.
func (s *AuthService) issueSession(ctx context.Context, user *models.User) (*models.SessionResponse, error) {
	accessToken, _, err := s.signer.Issue(user)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create access token")
	}

	secret, err := security.GenerateSecret(security.RefreshSecretLength)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create refresh secret")
	}

	now := time.Now().UTC()
	token := &models.RefreshToken{
		UserID:    user.ID,
		TokenHash: security.HashToken(secret),
		ExpiresAt: now.Add(s.config.RefreshTokenTTL),
		CreatedAt: now,
	}

	// No session without a stored digest: persistence failure fails the
	// whole operation.
	if err := s.repo.CreateRefreshToken(ctx, token); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to persist refresh token")
	}

	return &models.SessionResponse{
		AccessToken:  accessToken,
		RefreshToken: secret,
		ExpiresIn:    int64(s.signer.TTL().Seconds()),
	}, nil
}

func (s *AuthService) audit(ctx context.Context, userID *string, action, ip, userAgent, detail string) {
	log := &models.AuditLog{
		UserID:     userID,
		Action:     action,
		Resource:   "auth",
		ResourceID: userID,
		NewValues:  []byte(detail),
		IPAddress:  ip,
		UserAgent:  userAgent,
	}
	if err := s.repo.CreateAuditLog(ctx, log); err != nil {
		s.logger.Warn("failed to record audit log", zap.String("action", action), zap.Error(err))
	}
}
