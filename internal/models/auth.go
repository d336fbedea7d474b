package models

import (
	"github.com/golang-jwt/jwt/v5"
)

// RegisterRequest creates an organization together with its owner account.
type RegisterRequest struct {
	Email            string `json:"email" validate:"required,email"`
	Password         string `json:"password" validate:"required,min=8"`
	FirstName        string `json:"first_name" validate:"required"`
	LastName         string `json:"last_name" validate:"required"`
	OrganizationName string `json:"organization_name" validate:"required"`
	OrganizationSlug string `json:"organization_slug" validate:"required,lowercase,alphanum"`
	IP               string `json:"-"`
	UserAgent        string `json:"-"`
}

// LoginRequest holds credentials for authenticating a user.
type LoginRequest struct {
	Email     string `json:"email" validate:"required,email"`
	Password  string `json:"password" validate:"required"`
	IP        string `json:"-"`
	UserAgent string `json:"-"`
}

// RefreshRequest exchanges a refresh token for a new session.
type RefreshRequest struct {
	RefreshToken string `json:"refresh_token" validate:"required"`
	IP           string `json:"-"`
	UserAgent    string `json:"-"`
}

// LogoutRequest revokes the presented refresh token.
type LogoutRequest struct {
	RefreshToken string `json:"refresh_token" validate:"required"`
}

// ForgotPasswordRequest initiates the reset flow.
type ForgotPasswordRequest struct {
	Email string `json:"email" validate:"required,email"`
}

// ResetPasswordRequest completes the reset flow.
type ResetPasswordRequest struct {
	Token       string `json:"token" validate:"required"`
	NewPassword string `json:"new_password" validate:"required,min=8"`
}

// UserInfo describes the authenticated user in responses.
type UserInfo struct {
	ID             string   `json:"id"`
	OrganizationID string   `json:"organization_id"`
	Email          string   `json:"email"`
	FirstName      string   `json:"first_name"`
	LastName       string   `json:"last_name"`
	Role           UserRole `json:"role"`
}

// OrganizationInfo describes the tenant in responses.
type OrganizationInfo struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Slug string `json:"slug"`
}

// SessionResponse returns an issued token pair. RefreshToken carries the
// raw opaque secret; this response is the only place it ever appears.
type SessionResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
}

// AuthResponse is returned by register and login.
type AuthResponse struct {
	User         UserInfo         `json:"user"`
	Organization OrganizationInfo `json:"organization"`
	SessionResponse
}

// MeResponse is returned by the authenticated profile endpoint.
type MeResponse struct {
	User         UserInfo         `json:"user"`
	Organization OrganizationInfo `json:"organization"`
}

// MessageResponse is the generic confirmation body used where the branch
// taken must not be observable.
type MessageResponse struct {
	Message string `json:"message"`
}

// JWTClaims represents the JWT payload for access tokens.
type JWTClaims struct {
	UserID         string   `json:"user_id"`
	OrganizationID string   `json:"organization_id"`
	Email          string   `json:"email"`
	Role           UserRole `json:"role"`
	jwt.RegisteredClaims
}

// NewUserInfo maps a stored user onto the response shape.
func NewUserInfo(u *User) UserInfo {
	return UserInfo{
		ID:             u.ID,
		OrganizationID: u.OrganizationID,
		Email:          u.Email,
		FirstName:      u.FirstName,
		LastName:       u.LastName,
		Role:           u.Role,
	}
}

// NewOrganizationInfo maps a stored organization onto the response shape.
func NewOrganizationInfo(o *Organization) OrganizationInfo {
	return OrganizationInfo{ID: o.ID, Name: o.Name, Slug: o.Slug}
}
