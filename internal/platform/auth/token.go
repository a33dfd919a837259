package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// TokenRequest describes a development token.
type TokenRequest struct {
	Subject  string
	TenantID string
	Roles    []string
	TTL      time.Duration
}

// MintToken signs an HS256 token that JWTMiddleware configured with cfg accepts.
func MintToken(cfg JWTConfig, req TokenRequest, now time.Time) (string, error) {
	if len(cfg.SigningKey) == 0 {
		return "", errors.New("signing key is required")
	}
	if req.Subject == "" || req.TenantID == "" {
		return "", errors.New("subject and tenant are required")
	}
	for _, r := range req.Roles {
		if !ValidRole(r) {
			return "", fmt.Errorf("unknown role %q", r)
		}
	}
	if req.TTL <= 0 {
		req.TTL = time.Hour
	}

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   req.Subject,
			Issuer:    cfg.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(req.TTL)),
		},
		TenantID: req.TenantID,
		Roles:    req.Roles,
	}
	if cfg.Audience != "" {
		claims.Audience = jwt.ClaimStrings{cfg.Audience}
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(cfg.SigningKey)
}
