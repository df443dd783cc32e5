// Package auth issues and validates session tokens and enforces the per-path
// access rules applied to every inbound HTTP request.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	RoleUser  = "user"
	RoleAdmin = "admin"

	KindAccess  = "access"
	KindRefresh = "refresh"
)

// Token failures are kept distinct for logging; clients see a uniform 401.
var (
	ErrTokenMissing    = errors.New("auth: token missing")
	ErrTokenInvalid    = errors.New("auth: token invalid")
	ErrTokenExpired    = errors.New("auth: token expired")
	ErrSubjectNotFound = errors.New("auth: subject not found")
	ErrTokenRevoked    = errors.New("auth: token revoked")
	ErrRoleMismatch    = errors.New("auth: identity no longer matches token")
)

// Identity is who a token speaks for.
type Identity struct {
	UserID string
	Role   string
	Name   string
	Email  string
}

// Claims is the JWT body for both token kinds. Refresh tokens carry only the
// subject and role.
type Claims struct {
	Role  string `json:"role"`
	Type  string `json:"type"`
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// Identity returns the identity encoded in the claims.
func (c *Claims) Identity() Identity {
	if c == nil {
		return Identity{}
	}
	return Identity{UserID: c.Subject, Role: c.Role, Name: c.Name, Email: c.Email}
}

// Issuer signs and verifies HS256 tokens.
type Issuer struct {
	secret     []byte
	accessTTL  time.Duration
	refreshTTL time.Duration
	now        func() time.Time
}

func NewIssuer(secret string, accessTTL, refreshTTL time.Duration) (*Issuer, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("auth: signing secret required")
	}
	if accessTTL <= 0 || refreshTTL <= 0 {
		return nil, errors.New("auth: token lifetimes must be positive")
	}
	return &Issuer{secret: []byte(secret), accessTTL: accessTTL, refreshTTL: refreshTTL, now: time.Now}, nil
}

func (i *Issuer) AccessTTL() time.Duration  { return i.accessTTL }
func (i *Issuer) RefreshTTL() time.Duration { return i.refreshTTL }

// IssueAccess mints a short-lived token carrying the full identity.
func (i *Issuer) IssueAccess(id Identity) (string, *Claims, error) {
	return i.issue(id, KindAccess, i.accessTTL)
}

// IssueRefresh mints a long-lived token carrying only subject and role.
func (i *Issuer) IssueRefresh(id Identity) (string, *Claims, error) {
	return i.issue(Identity{UserID: id.UserID, Role: id.Role}, KindRefresh, i.refreshTTL)
}

func (i *Issuer) issue(id Identity, kind string, ttl time.Duration) (string, *Claims, error) {
	if strings.TrimSpace(id.UserID) == "" {
		return "", nil, errors.New("auth: identity without subject")
	}
	now := i.now()
	claims := &Claims{
		Role:  normalizeRole(id.Role),
		Type:  kind,
		Name:  id.Name,
		Email: id.Email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.NewString(),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", nil, fmt.Errorf("auth: sign %s token: %w", kind, err)
	}
	return signed, claims, nil
}

// Parse verifies raw and checks it is of the expected kind.
func (i *Issuer) Parse(raw, kind string) (*Claims, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, ErrTokenMissing
	}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(i.now),
		jwt.WithExpirationRequired(),
	)
	claims := &Claims{}
	_, err := parser.ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
		return i.secret, nil
	})
	switch {
	case err == nil:
	case errors.Is(err, jwt.ErrTokenExpired):
		return nil, fmt.Errorf("%w: %v", ErrTokenExpired, err)
	default:
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
	if claims.Type != kind {
		return nil, fmt.Errorf("%w: expected %s token, got %q", ErrTokenInvalid, kind, claims.Type)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrTokenInvalid)
	}
	return claims, nil
}

func normalizeRole(role string) string {
	if strings.EqualFold(strings.TrimSpace(role), RoleAdmin) {
		return RoleAdmin
	}
	return RoleUser
}
