package api

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// defaultTokenTTL applies when JWTConfig leaves TTL zero.
const defaultTokenTTL = 24 * time.Hour

// JWTConfig signs and validates operator tokens.
type JWTConfig struct {
	Secret string
	TTL    time.Duration
}

// Claims is the operator identity carried inside a token.
type Claims struct {
	OperatorID string `json:"operator_id"`
	TenantID   string `json:"tenant_id"`
	Email      string `json:"email"`
	jwt.RegisteredClaims
}

// GenerateToken mints an HS256 token for the operator.
func GenerateToken(cfg JWTConfig, operatorID, tenantID, email string) (string, error) {
	if cfg.Secret == "" {
		return "", errors.New("jwt secret is not configured")
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}

	now := time.Now()
	claims := Claims{
		OperatorID: operatorID,
		TenantID:   tenantID,
		Email:      email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   operatorID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(cfg.Secret))
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// ValidateToken parses and verifies a token, rejecting any signing
// method other than HMAC.
func ValidateToken(secret, tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}
