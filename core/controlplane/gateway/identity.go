package gateway

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/laptopdesk/backplane/core/auth"
	"github.com/laptopdesk/backplane/core/infra/config"
	"github.com/laptopdesk/backplane/core/infra/logging"
	"github.com/laptopdesk/backplane/core/protocol/topics"
	"github.com/laptopdesk/backplane/core/protocol/wire"
	"github.com/laptopdesk/backplane/core/rpc"
)

// userInfo is a user as returned by the worker.
type userInfo struct {
	ID        int64     `json:"id"`
	Username  string    `json:"username"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"created_at"`
}

func (u userInfo) identity() auth.Identity {
	return auth.Identity{
		UserID: strconv.FormatInt(u.ID, 10),
		Role:   auth.RoleUser,
		Name:   u.Username,
		Email:  u.Email,
	}
}

// adminSubjectPrefix keeps the operator's token subject out of the numeric
// user id space.
const adminSubjectPrefix = "admin:"

// adminAccount is the single operator account configured by environment. It
// has no stored record.
type adminAccount struct {
	id       string
	name     string
	password string
	hash     string
}

func adminFromConfig(cfg *config.Config) adminAccount {
	return adminAccount{
		id:       adminSubject(cfg.AdminID),
		name:     cfg.AdminName,
		password: cfg.AdminPassword,
		hash:     cfg.AdminPasswordBcrypt,
	}
}

func adminSubject(id string) string {
	id = strings.TrimPrefix(strings.TrimSpace(id), adminSubjectPrefix)
	if id == "" {
		id = "operator"
	}
	return adminSubjectPrefix + id
}

// verify checks credentials against the bcrypt hash when one is configured,
// else against the plain password.
func (a adminAccount) verify(username, password string) bool {
	if a.name == "" || username != a.name || password == "" {
		return false
	}
	if a.hash != "" {
		return auth.CheckPassword(a.hash, password) == nil
	}
	if a.password == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a.password), []byte(password)) == 1
}

func (a adminAccount) identity() auth.Identity {
	return auth.Identity{UserID: a.id, Role: auth.RoleAdmin, Name: a.name}
}

// userLookup re-resolves a refresh token's subject for the auth middleware.
type userLookup struct {
	calls invoker
	admin adminAccount
}

func (l *userLookup) LookupUser(ctx context.Context, userID string) (auth.Identity, error) {
	if strings.HasPrefix(userID, adminSubjectPrefix) {
		if l.admin.name != "" && userID == l.admin.id {
			return l.admin.identity(), nil
		}
		return auth.Identity{}, fmt.Errorf("%w: %q", auth.ErrSubjectNotFound, userID)
	}
	id, err := strconv.ParseInt(userID, 10, 64)
	if err != nil {
		return auth.Identity{}, fmt.Errorf("%w: %q", auth.ErrSubjectNotFound, userID)
	}
	var u userInfo
	err = l.calls.Invoke(ctx, topics.UserGetProfile, wire.Message{"user_id": id}, &u)
	if rpc.ReplyCode(err) == rpc.CodeNotFound {
		return auth.Identity{}, fmt.Errorf("%w: %d", auth.ErrSubjectNotFound, id)
	}
	if err != nil {
		return auth.Identity{}, err
	}
	return u.identity(), nil
}

// currentUser returns the numeric id of the authenticated caller. The
// operator account has no user record, so admin sessions are refused.
func currentUser(r *http.Request) (int64, error) {
	st := auth.StateFromRequest(r)
	if st == nil {
		return 0, errUnauthenticated
	}
	if st.Role == auth.RoleAdmin {
		return 0, errNoUserRecord
	}
	id, err := strconv.ParseInt(st.UserID, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: subject %q", errUnauthenticated, st.UserID)
	}
	return id, nil
}

// startSession issues both tokens and sets them as cookies.
func (s *server) startSession(w http.ResponseWriter, id auth.Identity) error {
	access, _, err := s.issuer.IssueAccess(id)
	if err != nil {
		return err
	}
	refresh, _, err := s.issuer.IssueRefresh(id)
	if err != nil {
		return err
	}
	s.cookies.SetAccess(w, access)
	s.cookies.SetRefresh(w, refresh)
	return nil
}

// reissueAccess replaces the access cookie after the caller's profile changed
// so the claims carry the new name and email.
func (s *server) reissueAccess(w http.ResponseWriter, u userInfo) {
	access, _, err := s.issuer.IssueAccess(u.identity())
	if err != nil {
		return
	}
	s.cookies.SetAccess(w, access)
}

// endSession revokes the caller's refresh token, if any, and clears cookies.
func (s *server) endSession(w http.ResponseWriter, r *http.Request) {
	defer s.cookies.Clear(w)
	if s.revoked == nil {
		return
	}
	raw, ok := auth.CookieSource{Request: r}.Token(s.cookies.RefreshName)
	if !ok {
		return
	}
	claims, err := s.issuer.Parse(raw, auth.KindRefresh)
	if err != nil || claims.ExpiresAt == nil {
		return
	}
	if err := s.revoked.Revoke(r.Context(), claims.ID, claims.ExpiresAt.Time); err != nil {
		logging.Warn(serviceName, "refresh token revoke failed", "user_id", claims.Subject, "error", err)
	}
}
