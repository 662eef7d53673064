// Package auth validates operator access tokens.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bissquit/biwatch/internal/domain"
	"github.com/golang-jwt/jwt/v5"
)

// Token validation errors.
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrInvalidRole  = errors.New("token carries an unknown role")
)

// Config contains token validation configuration.
type Config struct {
	SecretKey string
	Issuer    string
	Leeway    time.Duration
}

// Claims are the access token claims issued to operators.
type Claims struct {
	Role domain.Role `json:"role"`
	jwt.RegisteredClaims
}

// Validator checks HS256 access tokens.
type Validator struct {
	config Config
	parser *jwt.Parser
}

// NewValidator creates a new token validator.
func NewValidator(config Config) *Validator {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(config.Leeway),
	}
	if config.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(config.Issuer))
	}

	return &Validator{
		config: config,
		parser: jwt.NewParser(opts...),
	}
}

// ValidateToken returns the subject and role of a valid token.
func (v *Validator) ValidateToken(_ context.Context, tokenString string) (string, domain.Role, error) {
	var claims Claims
	_, err := v.parser.ParseWithClaims(tokenString, &claims, func(_ *jwt.Token) (interface{}, error) {
		return []byte(v.config.SecretKey), nil
	})
	if err != nil {
		return "", "", fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}

	if claims.Subject == "" {
		return "", "", fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	if !claims.Role.IsValid() {
		return "", "", ErrInvalidRole
	}

	return claims.Subject, claims.Role, nil
}

// IssueToken signs a token for subject with role, valid for ttl.
func (v *Validator) IssueToken(subject string, role domain.Role, ttl time.Duration) (string, error) {
	if !role.IsValid() {
		return "", ErrInvalidRole
	}

	now := time.Now()
	claims := Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    v.config.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(v.config.SecretKey))
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}
