package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret-key-for-unit-tests"

func newTestPair(t *testing.T, expiry time.Duration) (*JWTGenerator, *JWTValidator) {
	t.Helper()
	generator, err := NewJWTGenerator(JWTGeneratorConfig{
		SigningMethod: "HS256",
		SecretKey:     testSecret,
		Issuer:        "casefile-backend",
		Audience:      []string{"casefile-api"},
		ExpiryTime:    expiry,
	})
	require.NoError(t, err)

	validator, err := NewJWTValidator(JWTConfig{
		SigningMethod: "HS256",
		SecretKey:     testSecret,
		Issuer:        "casefile-backend",
		Audience:      []string{"casefile-api"},
	})
	require.NoError(t, err)
	return generator, validator
}

func TestValidateToken_RoundTrip(t *testing.T) {
	generator, validator := newTestPair(t, time.Hour)

	token, err := generator.GenerateToken("alice", "alice@example.com", "Alice")
	require.NoError(t, err)

	claims, err := validator.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.UserID)
	assert.Equal(t, "alice@example.com", claims.Email)
	assert.Equal(t, "Alice", claims.DisplayName)
}

func TestValidateToken_BearerPrefixStripped(t *testing.T) {
	generator, validator := newTestPair(t, time.Hour)

	token, err := generator.GenerateToken("alice", "", "")
	require.NoError(t, err)

	claims, err := validator.ValidateToken("Bearer " + token)
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.UserID)
}

func TestValidateToken_Expired(t *testing.T) {
	generator, validator := newTestPair(t, -time.Minute)

	token, err := generator.GenerateToken("alice", "", "")
	require.NoError(t, err)

	_, err = validator.ValidateToken(token)
	assert.ErrorIs(t, err, ErrExpiredToken)
}

func TestValidateToken_WrongSecret(t *testing.T) {
	generator, _ := newTestPair(t, time.Hour)

	other, err := NewJWTValidator(JWTConfig{
		SigningMethod: "HS256",
		SecretKey:     "a-different-secret-entirely",
		Issuer:        "casefile-backend",
		Audience:      []string{"casefile-api"},
	})
	require.NoError(t, err)

	token, err := generator.GenerateToken("alice", "", "")
	require.NoError(t, err)

	_, err = other.ValidateToken(token)
	assert.ErrorIs(t, err, ErrInvalidSignature)
}

func TestValidateToken_WrongIssuer(t *testing.T) {
	generator, err := NewJWTGenerator(JWTGeneratorConfig{
		SigningMethod: "HS256",
		SecretKey:     testSecret,
		Issuer:        "somebody-else",
		Audience:      []string{"casefile-api"},
		ExpiryTime:    time.Hour,
	})
	require.NoError(t, err)
	_, validator := newTestPair(t, time.Hour)

	token, err := generator.GenerateToken("alice", "", "")
	require.NoError(t, err)

	_, err = validator.ValidateToken(token)
	assert.ErrorIs(t, err, ErrInvalidClaims)
}

func TestValidateToken_Missing(t *testing.T) {
	_, validator := newTestPair(t, time.Hour)

	_, err := validator.ValidateToken("")
	assert.ErrorIs(t, err, ErrMissingToken)
}

func TestNewJWTValidator_RequiresKey(t *testing.T) {
	_, err := NewJWTValidator(JWTConfig{SigningMethod: "HS256"})
	assert.Error(t, err)

	_, err = NewJWTValidator(JWTConfig{SigningMethod: "ES999"})
	assert.Error(t, err)
}
