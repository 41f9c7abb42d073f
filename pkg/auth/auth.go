// Package auth issues and verifies the bearer tokens the admin
// surface's HTTP layer requires (layer CRUD, rollback_layer,
// set_field_types). The evaluation path (/v1/evaluate) is
// unauthenticated by design — it is the hot path spec.md treats as
// internal service-to-service traffic, not an admin operation.
package auth

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

// TokenType distinguishes an operator's own bearer token from a
// service token minted for machine-to-machine admin calls (e.g. a
// deploy pipeline calling rollback_layer).
type TokenType string

const (
	TokenTypeOperator TokenType = "operator"
	TokenTypeService  TokenType = "service"
)

// Claims is the JWT payload. There is no org/project/env hierarchy to
// carry here — this engine has one global layer/catalog scope, so the
// only identity that matters is the role granted to the subject.
type Claims struct {
	Subject   string    `json:"sub"`
	Role      string    `json:"role"`
	TokenType TokenType `json:"token_type"`
	jwt.RegisteredClaims
}

// TokenManager issues and verifies HS256 JWTs over a shared secret.
type TokenManager struct {
	secret []byte
}

// NewTokenManager creates a TokenManager over secret.
func NewTokenManager(secret string) *TokenManager {
	return &TokenManager{secret: []byte(secret)}
}

// IssueToken mints a token for subject with the given role, valid for
// expiry starting now.
func (tm *TokenManager) IssueToken(subject, role string, tokenType TokenType, expiry time.Duration) (string, error) {
	claims := &Claims{
		Subject:   subject,
		Role:      role,
		TokenType: tokenType,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(expiry)),
			NotBefore: jwt.NewNumericDate(time.Now()),
			Issuer:    "experiment-engine",
			Subject:   subject,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(tm.secret)
}

// ValidateToken parses and verifies tokenString, rejecting expired,
// not-yet-valid, or wrong-algorithm tokens.
func (tm *TokenManager) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return tm.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}
	return claims, nil
}

// PasswordManager hashes and verifies the static operator credentials
// used to mint tokens (there is no user-signup flow here; operators
// are provisioned out of band).
type PasswordManager struct {
	cost int
}

// NewPasswordManager creates a PasswordManager. An out-of-range cost
// falls back to bcrypt.DefaultCost.
func NewPasswordManager(cost int) *PasswordManager {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = bcrypt.DefaultCost
	}
	return &PasswordManager{cost: cost}
}

// HashPassword bcrypt-hashes password.
func (pm *PasswordManager) HashPassword(password string) (string, error) {
	if len(password) == 0 {
		return "", fmt.Errorf("password cannot be empty")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), pm.cost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(hash), nil
}

// VerifyPassword checks password against its bcrypt hash.
func (pm *PasswordManager) VerifyPassword(password, hash string) error {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
}

// APIKeyManager generates and hashes service-token API keys.
type APIKeyManager struct{}

// NewAPIKeyManager creates an APIKeyManager.
func NewAPIKeyManager() *APIKeyManager {
	return &APIKeyManager{}
}

// GenerateAPIKey returns a random, "ee_"-prefixed API key.
func (akm *APIKeyManager) GenerateAPIKey() (string, error) {
	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}
	return "ee_" + hex.EncodeToString(bytes), nil
}

// HashAPIKey bcrypt-hashes apiKey for storage.
func (akm *APIKeyManager) HashAPIKey(apiKey string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(apiKey), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash API key: %w", err)
	}
	return string(hash), nil
}

// VerifyAPIKey checks apiKey against its bcrypt hash.
func (akm *APIKeyManager) VerifyAPIKey(apiKey, hash string) error {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(apiKey))
}
