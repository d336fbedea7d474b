package service

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetworks/fleet-api/internal/models"
	appErrors "github.com/fleetworks/fleet-api/pkg/errors"
)

func testUser() *models.User {
	return &models.User{
		ID:             "u1",
		OrganizationID: "org1",
		Email:          "user@example.com",
		Role:           models.RoleOwner,
	}
}

func TestTokenSignerRoundTrip(t *testing.T) {
	signer := NewTokenSigner("secret", "fleet-api-test", time.Hour)

	token, expiresAt, err := signer.Issue(testUser())
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Hour), expiresAt, 5*time.Second)

	claims, err := signer.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "u1", claims.UserID)
	assert.Equal(t, "u1", claims.Subject)
	assert.Equal(t, "org1", claims.OrganizationID)
	assert.Equal(t, "user@example.com", claims.Email)
	assert.Equal(t, models.RoleOwner, claims.Role)
}

func TestTokenSignerRejectsWrongSecret(t *testing.T) {
	signer := NewTokenSigner("secret", "fleet-api-test", time.Hour)
	other := NewTokenSigner("different", "fleet-api-test", time.Hour)

	token, _, err := signer.Issue(testUser())
	require.NoError(t, err)

	_, err = other.Verify(token)
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrUnauthorized.Code, appErrors.FromError(err).Code)
}

func TestTokenSignerRejectsExpired(t *testing.T) {
	signer := NewTokenSigner("secret", "fleet-api-test", -time.Minute)

	token, _, err := signer.Issue(testUser())
	require.NoError(t, err)

	_, err = signer.Verify(token)
	require.Error(t, err)
}

func TestTokenSignerRejectsGarbage(t *testing.T) {
	signer := NewTokenSigner("secret", "fleet-api-test", time.Hour)
	_, err := signer.Verify("not.a.jwt")
	require.Error(t, err)
}
