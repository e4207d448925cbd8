// Package auth validates the bearer credentials presented when opening a
// connection or calling the REST API. Tokens are HS256 JWTs carrying the
// user's identity and tenant (company) scope.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// ErrInvalidToken covers missing, malformed, expired, and badly signed
// credentials. The connection attempt is refused; the core never retries.
var ErrInvalidToken = errors.New("auth: invalid token")

// Claims is the payload stored inside a token.
type Claims struct {
	UserID   string `json:"user_id"`
	TenantID string `json:"company_id"`
	Role     string `json:"role"`
	jwt.RegisteredClaims
}

// Identity is the validated (tenant, user) pair extracted from a token.
type Identity struct {
	UserID   uuid.UUID
	TenantID uuid.UUID
	Role     string
}

// Validator checks token signatures against a shared secret.
type Validator struct {
	secret []byte
}

// NewValidator creates a Validator for the given HS256 secret.
func NewValidator(secret []byte) *Validator {
	return &Validator{secret: secret}
}

// Validate parses and verifies a token string, returning the identity it
// carries. Any parse, signature, expiry, or claim-shape failure is reported
// as ErrInvalidToken.
func (v *Validator) Validate(tokenString string) (Identity, error) {
	if tokenString == "" {
		return Identity{}, ErrInvalidToken
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return Identity{}, ErrInvalidToken
	}

	userID, err := uuid.Parse(claims.UserID)
	if err != nil || userID == uuid.Nil {
		return Identity{}, ErrInvalidToken
	}
	tenantID, err := uuid.Parse(claims.TenantID)
	if err != nil || tenantID == uuid.Nil {
		return Identity{}, ErrInvalidToken
	}

	return Identity{UserID: userID, TenantID: tenantID, Role: claims.Role}, nil
}

// Mint signs a token for the given identity. Used by tests and local tooling;
// production tokens come from the identity service.
func (v *Validator) Mint(id Identity, ttl time.Duration) (string, error) {
	claims := &Claims{
		UserID:   id.UserID.String(),
		TenantID: id.TenantID.String(),
		Role:     id.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			Issuer:    "messenger",
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}
