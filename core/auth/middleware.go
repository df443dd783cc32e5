package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/laptopdesk/backplane/core/infra/logging"
	"github.com/laptopdesk/backplane/core/infra/metrics"
)

// UserLookup resolves a refresh token's subject to a current identity.
// Implementations return ErrSubjectNotFound when the user no longer exists.
type UserLookup interface {
	LookupUser(ctx context.Context, userID string) (Identity, error)
}

// Revocations reports refresh tokens invalidated before their expiry.
type Revocations interface {
	IsRevoked(ctx context.Context, jti string) (bool, error)
}

// Middleware enforces the access rules for each path category.
type Middleware struct {
	paths   *PathClassifier
	issuer  *Issuer
	users   UserLookup
	revoked Revocations
	cookies Cookies
	metrics metrics.AuthMetrics
}

type MiddlewareOption func(*Middleware)

func WithRevocations(r Revocations) MiddlewareOption {
	return func(m *Middleware) { m.revoked = r }
}

func WithAuthMetrics(am metrics.AuthMetrics) MiddlewareOption {
	return func(m *Middleware) {
		if am != nil {
			m.metrics = am
		}
	}
}

func NewMiddleware(paths *PathClassifier, issuer *Issuer, users UserLookup, cookies Cookies, opts ...MiddlewareOption) *Middleware {
	if paths == nil {
		paths = DefaultPathClassifier()
	}
	m := &Middleware{
		paths:   paths,
		issuer:  issuer,
		users:   users,
		cookies: cookies,
		metrics: metrics.Noop{},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Wrap returns next guarded by the middleware.
func (m *Middleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		category := m.paths.Classify(r.URL.Path)
		src := CookieSource{Request: r}
		switch category {
		case CategoryUnauthenticatedOnly:
			if _, err := m.access(src); err == nil {
				m.deny(w, category, http.StatusForbidden, "already logged in")
				return
			}
			m.allow(w, r, next, category, nil)
		case CategoryPublic:
			m.allow(w, r, next, category, nil)
		case CategoryAdmin:
			claims, err := m.access(src)
			if err != nil {
				m.logFailure(r, category, KindAccess, err)
				m.deny(w, category, http.StatusUnauthorized, "not authenticated")
				return
			}
			if claims.Role != RoleAdmin {
				logging.Warn("auth", "admin path with non-admin token", "path", r.URL.Path, "user_id", claims.Subject)
				m.deny(w, category, http.StatusForbidden, "admin privileges required")
				return
			}
			m.allow(w, r, next, category, claims)
		default:
			claims, err := m.access(src)
			if err == nil {
				m.allow(w, r, next, category, claims)
				return
			}
			if !errors.Is(err, ErrTokenMissing) && !errors.Is(err, ErrTokenExpired) {
				m.logFailure(r, category, KindAccess, err)
				m.cookies.Clear(w)
				m.deny(w, category, http.StatusUnauthorized, "not authenticated")
				return
			}
			claims, token, err := m.refresh(r.Context(), src)
			if err != nil {
				m.logFailure(r, category, KindRefresh, err)
				if isAuthFailure(err) {
					m.cookies.Clear(w)
					m.deny(w, category, http.StatusUnauthorized, "not authenticated")
					return
				}
				m.deny(w, category, http.StatusServiceUnavailable, "identity lookup unavailable")
				return
			}
			m.cookies.SetAccess(w, token)
			m.metrics.IncDecision(category.String(), "refreshed")
			logging.Debug("auth", "access token refreshed", "user_id", claims.Subject)
			m.allow(w, r, next, category, claims)
		}
	})
}

func (m *Middleware) access(src TokenSource) (*Claims, error) {
	raw, ok := src.Token(m.cookies.AccessName)
	if !ok {
		return nil, ErrTokenMissing
	}
	return m.issuer.Parse(raw, KindAccess)
}

// refresh validates the refresh token, re-resolves its subject and mints a
// new access token for the current identity.
func (m *Middleware) refresh(ctx context.Context, src TokenSource) (*Claims, string, error) {
	raw, ok := src.Token(m.cookies.RefreshName)
	if !ok {
		return nil, "", ErrTokenMissing
	}
	rc, err := m.issuer.Parse(raw, KindRefresh)
	if err != nil {
		return nil, "", err
	}
	if m.revoked != nil {
		revoked, err := m.revoked.IsRevoked(ctx, rc.ID)
		if err != nil {
			return nil, "", err
		}
		if revoked {
			return nil, "", ErrTokenRevoked
		}
	}
	if m.users == nil {
		return nil, "", ErrSubjectNotFound
	}
	id, err := m.users.LookupUser(ctx, rc.Subject)
	if err != nil {
		return nil, "", err
	}
	// A refresh never changes who the caller is or what they may do.
	if id.UserID != rc.Subject || normalizeRole(id.Role) != rc.Role {
		return nil, "", ErrRoleMismatch
	}
	token, claims, err := m.issuer.IssueAccess(id)
	if err != nil {
		return nil, "", err
	}
	return claims, token, nil
}

func (m *Middleware) allow(w http.ResponseWriter, r *http.Request, next http.Handler, category Category, claims *Claims) {
	m.metrics.IncDecision(category.String(), "allow")
	if claims != nil {
		r = r.WithContext(withState(r.Context(), &RequestState{
			UserID:  claims.Subject,
			Role:    claims.Role,
			Payload: claims,
		}))
	}
	next.ServeHTTP(w, r)
}

func (m *Middleware) deny(w http.ResponseWriter, category Category, status int, detail string) {
	outcome := "unauthorized"
	switch status {
	case http.StatusForbidden:
		outcome = "forbidden"
	case http.StatusServiceUnavailable:
		outcome = "unavailable"
	}
	m.metrics.IncDecision(category.String(), outcome)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"detail": detail})
}

func (m *Middleware) logFailure(r *http.Request, category Category, kind string, err error) {
	reason := "invalid"
	switch {
	case errors.Is(err, ErrTokenMissing):
		reason = "missing"
	case errors.Is(err, ErrTokenExpired):
		reason = "expired"
	case errors.Is(err, ErrSubjectNotFound):
		reason = "subject_not_found"
	case errors.Is(err, ErrTokenRevoked):
		reason = "revoked"
	case errors.Is(err, ErrRoleMismatch):
		reason = "role_mismatch"
	case !isAuthFailure(err):
		reason = "lookup_error"
	}
	logging.Warn("auth", "token rejected", "path", r.URL.Path, "category", category.String(), "kind", kind, "reason", reason, "error", err)
}

func isAuthFailure(err error) bool {
	return errors.Is(err, ErrTokenMissing) ||
		errors.Is(err, ErrTokenInvalid) ||
		errors.Is(err, ErrTokenExpired) ||
		errors.Is(err, ErrSubjectNotFound) ||
		errors.Is(err, ErrTokenRevoked) ||
		errors.Is(err, ErrRoleMismatch)
}
