package service

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/fleetworks/fleet-api/internal/models"
	appErrors "github.com/fleetworks/fleet-api/pkg/errors"
)

// TokenSigner issues and verifies stateless HS256 access tokens. No store
// access is involved; a token carries everything the HTTP layer needs to
// authenticate a request.
type TokenSigner struct {
	secret []byte
	issuer string
	ttl    time.Duration
}

// NewTokenSigner constructs a signer with the server-held secret. The
// caller is responsible for a sane ttl; config validation rejects
// nonpositive lifetimes before this point.
func NewTokenSigner(secret, issuer string, ttl time.Duration) *TokenSigner {
	return &TokenSigner{secret: []byte(secret), issuer: issuer, ttl: ttl}
}

// TTL returns the configured access token lifetime.
func (s *TokenSigner) TTL() time.Duration {
	return s.ttl
}

// Issue signs an access token carrying the user's identity claims.
func (s *TokenSigner) Issue(user *models.User) (string, time.Time, error) {
	issuedAt := time.Now().UTC()
	expiresAt := issuedAt.Add(s.ttl)
	claims := &models.JWTClaims{
		UserID:         user.ID,
		OrganizationID: user.OrganizationID,
		Email:          user.Email,
		Role:           user.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   user.ID,
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			NotBefore: jwt.NewNumericDate(issuedAt),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

// Verify parses and validates an access token returning its claims.
func (s *TokenSigner) Verify(tokenString string) (*models.JWTClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &models.JWTClaims{}, func(token *jwt.Token) (interface{}, error) {
		if token.Method != jwt.SigningMethodHS256 {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrUnauthorized.Code, appErrors.ErrUnauthorized.Status, "invalid token")
	}

	claims, ok := token.Claims.(*models.JWTClaims)
	if !ok || !token.Valid {
		return nil, appErrors.Clone(appErrors.ErrUnauthorized, "invalid token claims")
	}

	return claims, nil
}
