package middleware

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"

	"github.com/repairmybike/rmb-backend/app/models"
	"github.com/repairmybike/rmb-backend/internal/pkg/env"
	"github.com/repairmybike/rmb-backend/internal/pkg/usercontext"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
)

// Claims is the bearer token body issued by the identity provider.
type Claims struct {
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
	Role  string `json:"role"`
	jwt.RegisteredClaims
}

// TokenVerifier validates HS256 bearer tokens.
type TokenVerifier struct {
	secret []byte
	ttl    time.Duration
}

func NewTokenVerifier(secret string) *TokenVerifier {
	return &TokenVerifier{secret: []byte(secret), ttl: 24 * time.Hour}
}

// VerifierFromEnv uses JWT_SECRET and JWT_EXPIRY.
func VerifierFromEnv() *TokenVerifier {
	v := NewTokenVerifier(env.GetEnv("JWT_SECRET", "change-me"))
	if d, err := time.ParseDuration(env.GetEnv("JWT_EXPIRY", "24h")); err == nil {
		v.ttl = d
	}
	return v
}

// Issue signs a token for p. Used by operator tooling and tests.
func (v *TokenVerifier) Issue(p usercontext.Principal) (string, error) {
	now := time.Now()
	claims := Claims{
		Name:  p.Name,
		Email: p.Email,
		Role:  roleOf(p),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatUint(uint64(p.UserID), 10),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(v.ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

// Verify parses a token and maps it to a principal.
func (v *TokenVerifier) Verify(raw string) (usercontext.Principal, error) {
	var claims Claims
	token, err := jwt.ParseWithClaims(raw, &claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return usercontext.Principal{}, ErrExpiredToken
		}
		return usercontext.Principal{}, ErrInvalidToken
	}
	if !token.Valid {
		return usercontext.Principal{}, ErrInvalidToken
	}

	id, err := strconv.ParseUint(claims.Subject, 10, 64)
	if err != nil || id == 0 {
		return usercontext.Principal{}, ErrInvalidToken
	}

	p := usercontext.Principal{UserID: uint(id), Name: claims.Name, Email: claims.Email}
	switch claims.Role {
	case models.ROLE_ADMIN, models.ROLE_STAFF:
		p.IsStaff = true
	case models.ROLE_FIELD_STAFF:
		p.IsFieldStaff = true
	case models.ROLE_CUSTOMER, "":
		p.IsCustomer = true
	default:
		return usercontext.Principal{}, ErrInvalidToken
	}
	return p, nil
}

func roleOf(p usercontext.Principal) string {
	switch {
	case p.IsStaff:
		return models.ROLE_ADMIN
	case p.IsFieldStaff:
		return models.ROLE_FIELD_STAFF
	default:
		return models.ROLE_CUSTOMER
	}
}

// extractToken reads the bearer header, falling back to ?token= for
// websocket upgrades where browsers cannot set headers.
func extractToken(c *fiber.Ctx) string {
	auth := strings.TrimSpace(c.Get(fiber.HeaderAuthorization))
	if strings.HasPrefix(strings.ToLower(auth), "bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return strings.TrimSpace(c.Query("token"))
}
