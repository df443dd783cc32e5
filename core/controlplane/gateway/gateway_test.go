package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/laptopdesk/backplane/core/auth"
	"github.com/laptopdesk/backplane/core/infra/memory"
	"github.com/laptopdesk/backplane/core/infra/schema"
	"github.com/laptopdesk/backplane/core/protocol/topics"
	"github.com/laptopdesk/backplane/core/protocol/wire"
	"github.com/laptopdesk/backplane/core/rpc"
	"github.com/redis/go-redis/v9"
)

const (
	accessCookie  = "Bearer-token"
	refreshCookie = "Refresh-token"
)

type fakeCalls struct {
	mu       sync.Mutex
	handlers map[string]func(wire.Message) (any, error)
	counts   map[string]int
	last     map[string]wire.Message
}

func newFakeCalls() *fakeCalls {
	return &fakeCalls{
		handlers: map[string]func(wire.Message) (any, error){},
		counts:   map[string]int{},
		last:     map[string]wire.Message{},
	}
}

func (f *fakeCalls) on(topicKey string, h func(wire.Message) (any, error)) {
	f.mu.Lock()
	f.handlers[topicKey] = h
	f.mu.Unlock()
}

func (f *fakeCalls) count(topicKey string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.counts[topicKey]
}

func (f *fakeCalls) lastMessage(topicKey string) wire.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.last[topicKey]
}

func (f *fakeCalls) Invoke(_ context.Context, topicKey string, payload wire.Message, out any) error {
	f.mu.Lock()
	h, ok := f.handlers[topicKey]
	f.counts[topicKey]++
	f.last[topicKey] = payload
	f.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %q", rpc.ErrUnknownTopic, topicKey)
	}
	res, err := h(payload)
	if err != nil || out == nil {
		return err
	}
	data, err := json.Marshal(res)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

func newTestServer(t *testing.T) (*server, *fakeCalls) {
	t.Helper()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	issuer, err := auth.NewIssuer("test-secret", time.Minute, time.Hour)
	if err != nil {
		t.Fatalf("issuer: %v", err)
	}
	schemas, err := schema.Requests()
	if err != nil {
		t.Fatalf("schemas: %v", err)
	}
	calls := newFakeCalls()
	s := &server{
		calls:  calls,
		issuer: issuer,
		cookies: auth.Cookies{
			AccessName:  accessCookie,
			RefreshName: refreshCookie,
			AccessTTL:   time.Minute,
			RefreshTTL:  time.Hour,
		},
		revoked:     auth.NewRevocationList(client),
		cache:       memory.NewResultCache(client, time.Minute),
		deadLetters: memory.NewDeadLetterStore(client),
		schemas:     schemas,
		admin:       adminAccount{id: "admin:1209", name: "root", password: "toor"},
		started:     time.Now(),
	}
	return s, calls
}

func do(t *testing.T, h http.Handler, method, path string, body any, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	for _, c := range cookies {
		req.AddCookie(c)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func cookieNamed(rec *httptest.ResponseRecorder, name string) *http.Cookie {
	for _, c := range rec.Result().Cookies() {
		if c.Name == name {
			return c
		}
	}
	return nil
}

func sessionCookies(t *testing.T, s *server, id auth.Identity) (*http.Cookie, *http.Cookie) {
	t.Helper()
	access, _, err := s.issuer.IssueAccess(id)
	if err != nil {
		t.Fatalf("issue access: %v", err)
	}
	refresh, _, err := s.issuer.IssueRefresh(id)
	if err != nil {
		t.Fatalf("issue refresh: %v", err)
	}
	return &http.Cookie{Name: accessCookie, Value: access}, &http.Cookie{Name: refreshCookie, Value: refresh}
}

var ann = auth.Identity{UserID: "7", Role: auth.RoleUser, Name: "ann", Email: "ann@example.com"}

func annProfile(wire.Message) (any, error) {
	return userInfo{ID: 7, Username: "ann", Email: "ann@example.com"}, nil
}

func TestRegisterValidatesBody(t *testing.T) {
	s, calls := newTestServer(t)
	calls.on(topics.UserRegistration, func(msg wire.Message) (any, error) {
		return userInfo{ID: 1, Username: msg.String("username"), Email: msg.String("email")}, nil
	})
	h := s.handler()

	rec := do(t, h, http.MethodPost, "/auth/register", map[string]any{"username": "ann", "password": "secret1"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
	}
	if calls.count(topics.UserRegistration) != 0 {
		t.Fatalf("invalid body must not reach the bus")
	}

	rec = do(t, h, http.MethodPost, "/auth/register", map[string]any{"username": "ann", "email": "ann@example.com", "password": "secret1"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestRegisterConflictMapsTo409(t *testing.T) {
	s, calls := newTestServer(t)
	calls.on(topics.UserRegistration, func(wire.Message) (any, error) {
		return nil, rpc.Conflict("username \"ann\" already taken")
	})
	rec := do(t, s.handler(), http.MethodPost, "/auth/register", map[string]any{"username": "ann", "email": "ann@example.com", "password": "secret1"})
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
}

func TestLoginUserSetsSessionCookies(t *testing.T) {
	s, calls := newTestServer(t)
	calls.on(topics.UserLoggingIn, func(msg wire.Message) (any, error) {
		if msg.String("password") != "secret1" {
			return nil, rpc.Invalid(rpc.CodeUnauthorized, "invalid credentials")
		}
		return annProfile(msg)
	})
	h := s.handler()

	rec := do(t, h, http.MethodPost, "/auth/login/user", map[string]any{"username": "ann", "password": "nope"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}

	rec = do(t, h, http.MethodPost, "/auth/login/user", map[string]any{"username": "ann", "password": "secret1"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	access := cookieNamed(rec, accessCookie)
	if access == nil || cookieNamed(rec, refreshCookie) == nil {
		t.Fatalf("expected both session cookies")
	}
	claims, err := s.issuer.Parse(access.Value, auth.KindAccess)
	if err != nil {
		t.Fatalf("parse access: %v", err)
	}
	if claims.Subject != "7" || claims.Role != auth.RoleUser || claims.Name != "ann" {
		t.Fatalf("unexpected claims %+v", claims)
	}
	var body map[string]any
	_ = json.Unmarshal(rec.Body.Bytes(), &body)
	if _, ok := body["user_info"]; !ok {
		t.Fatalf("expected user_info in %v", body)
	}
}

func TestLoginForbiddenWhenAlreadyLoggedIn(t *testing.T) {
	s, calls := newTestServer(t)
	calls.on(topics.UserLoggingIn, annProfile)
	access, _ := sessionCookies(t, s, ann)
	rec := do(t, s.handler(), http.MethodPost, "/auth/login/user", map[string]any{"username": "ann", "password": "secret1"}, access)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
	if calls.count(topics.UserLoggingIn) != 0 {
		t.Fatalf("login must not run for a logged-in caller")
	}
}

func TestAdminLoginAndCachedListing(t *testing.T) {
	s, calls := newTestServer(t)
	calls.on(topics.AdminGetAllUsers, func(wire.Message) (any, error) {
		return map[string]any{"users": []userInfo{{ID: 7, Username: "ann"}}, "total": 1}, nil
	})
	h := s.handler()

	rec := do(t, h, http.MethodPost, "/auth/login/admin", map[string]any{"username": "root", "password": "wrong"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	rec = do(t, h, http.MethodPost, "/auth/login/admin", map[string]any{"username": "root", "password": "toor"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	access := cookieNamed(rec, accessCookie)
	if access == nil {
		t.Fatalf("expected access cookie")
	}

	for i := 0; i < 2; i++ {
		rec = do(t, h, http.MethodGet, "/admin/users/all?limit=10", nil, access)
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
		}
	}
	if got := calls.count(topics.AdminGetAllUsers); got != 1 {
		t.Fatalf("expected one bus call behind the cache, got %d", got)
	}

	userAccess, _ := sessionCookies(t, s, ann)
	rec = do(t, h, http.MethodGet, "/admin/users/all", nil, userAccess)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for non-admin, got %d", rec.Code)
	}
}

func TestAdminSearchRejectsUnknownField(t *testing.T) {
	s, calls := newTestServer(t)
	access, _ := sessionCookies(t, s, s.admin.identity())
	rec := do(t, s.handler(), http.MethodPost, "/admin/users/search/password", map[string]any{"query": "x"}, access)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if calls.count(topics.AdminSearchUsers) != 0 {
		t.Fatalf("unexpected bus call")
	}
}

func TestProfileRefreshesExpiredSessionSilently(t *testing.T) {
	s, calls := newTestServer(t)
	calls.on(topics.UserGetProfile, annProfile)
	_, refresh := sessionCookies(t, s, ann)

	rec := do(t, s.handler(), http.MethodGet, "/account/profile", nil, refresh)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if cookieNamed(rec, accessCookie) == nil {
		t.Fatalf("expected a fresh access cookie")
	}
	if got := calls.lastMessage(topics.UserGetProfile)["user_id"]; got != int64(7) {
		t.Fatalf("expected user_id 7, got %v", got)
	}
}

func TestLogoutRevokesRefreshToken(t *testing.T) {
	s, calls := newTestServer(t)
	calls.on(topics.UserGetProfile, annProfile)
	h := s.handler()
	access, refresh := sessionCookies(t, s, ann)

	rec := do(t, h, http.MethodPost, "/auth/logout", nil, access, refresh)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if c := cookieNamed(rec, refreshCookie); c == nil || c.MaxAge >= 0 {
		t.Fatalf("expected refresh cookie cleared, got %+v", c)
	}

	rec = do(t, h, http.MethodGet, "/account/profile", nil, refresh)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 after logout, got %d", rec.Code)
	}
}

func TestUpdatePasswordChecksCurrent(t *testing.T) {
	s, calls := newTestServer(t)
	calls.on(topics.CheckUserPassword, func(msg wire.Message) (any, error) {
		return map[string]bool{"match": msg.String("password") == "secret1"}, nil
	})
	calls.on(topics.UpdateUserPass, func(wire.Message) (any, error) { return annProfile(nil) })
	h := s.handler()
	access, _ := sessionCookies(t, s, ann)

	rec := do(t, h, http.MethodPatch, "/account/password", map[string]any{"current_password": "bad", "new_password": "secret2"}, access)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if calls.count(topics.UpdateUserPass) != 0 {
		t.Fatalf("password must not change on a failed check")
	}
	rec = do(t, h, http.MethodPatch, "/account/password", map[string]any{"current_password": "secret1", "new_password": "secret2"}, access)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestUpdateUsernameReissuesAccess(t *testing.T) {
	s, calls := newTestServer(t)
	calls.on(topics.UpdateUsername, func(msg wire.Message) (any, error) {
		return userInfo{ID: 7, Username: msg.String("new_username"), Email: "ann@example.com"}, nil
	})
	access, _ := sessionCookies(t, s, ann)
	rec := do(t, s.handler(), http.MethodPatch, "/account/username", map[string]any{"new_username": "annie"}, access)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	fresh := cookieNamed(rec, accessCookie)
	if fresh == nil {
		t.Fatalf("expected reissued access cookie")
	}
	claims, err := s.issuer.Parse(fresh.Value, auth.KindAccess)
	if err != nil || claims.Name != "annie" {
		t.Fatalf("unexpected claims %+v %v", claims, err)
	}
}

func TestLaptopRoutes(t *testing.T) {
	s, calls := newTestServer(t)
	calls.on(topics.LaptopAdd, func(msg wire.Message) (any, error) {
		return map[string]any{"id": 3, "brand": msg.String("brand")}, nil
	})
	calls.on(topics.LaptopDelete, func(wire.Message) (any, error) {
		return nil, rpc.NotFound("laptop 99 not found")
	})
	h := s.handler()
	access, _ := sessionCookies(t, s, ann)

	rec := do(t, h, http.MethodPost, "/account/laptops", map[string]any{"brand": "acme", "min_price": 100}, access)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	if got := calls.lastMessage(topics.LaptopAdd)["user_id"]; got != int64(7) {
		t.Fatalf("expected caller id on the message, got %v", got)
	}
	if rec := do(t, h, http.MethodDelete, "/account/laptops/abc", nil, access); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if rec := do(t, h, http.MethodDelete, "/account/laptops/99", nil, access); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestPublicRoutes(t *testing.T) {
	s, _ := newTestServer(t)
	s.checks = map[string]healthCheck{
		"redis": func(context.Context) error { return nil },
		"nats":  func(context.Context) error { return fmt.Errorf("CLOSED") },
	}
	h := s.handler()
	if rec := do(t, h, http.MethodGet, "/", nil); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/health", nil); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/account/profile", nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without cookies, got %d", rec.Code)
	}
}

func TestCORSPreflight(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodOptions, "/account/profile", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	rec := httptest.NewRecorder()
	s.handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "http://localhost:3000" {
		t.Fatalf("expected origin echoed")
	}

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Origin", "https://evil.example")
	rec = httptest.NewRecorder()
	s.handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for foreign origin, got %d", rec.Code)
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	limiter := &tokenBucket{tokens: make(chan struct{}, 1)}
	limiter.tokens <- struct{}{}
	h := rateLimitMiddleware(limiter, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	if rec := do(t, h, http.MethodGet, "/account/profile", nil); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/account/profile", nil); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/health", nil); rec.Code != http.StatusOK {
		t.Fatalf("health must bypass the limiter, got %d", rec.Code)
	}
}

func TestAdminDeadLetters(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.handler()
	ctx := context.Background()

	s.deadLetters.RecordDrop(ctx, "laptop-add-topic", "", "no_request_id", []byte(`{"user_id":7}`), nil)
	list, err := s.deadLetters.List(ctx, 1)
	if err != nil || len(list) != 1 {
		t.Fatalf("seed: %+v %v", list, err)
	}
	id := list[0].ID

	userAccess, _ := sessionCookies(t, s, ann)
	if rec := do(t, h, http.MethodGet, "/admin/dead-letters", nil, userAccess); rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for a user, got %d", rec.Code)
	}

	access, _ := sessionCookies(t, s, s.admin.identity())
	rec := do(t, h, http.MethodGet, "/admin/dead-letters?limit=10", nil, access)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var body struct {
		Count int `json:"count"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil || body.Count != 1 {
		t.Fatalf("unexpected listing %s", rec.Body.String())
	}

	if rec := do(t, h, http.MethodGet, "/admin/dead-letters/"+id, nil, access); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec := do(t, h, http.MethodDelete, "/admin/dead-letters/"+id, nil, access); rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/admin/dead-letters/"+id, nil, access); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	for _, missing := range []string{id, "00000000-0000-0000-0000-000000000000"} {
		if rec := do(t, h, http.MethodDelete, "/admin/dead-letters/"+missing, nil, access); rec.Code != http.StatusNotFound {
			t.Fatalf("expected 404 deleting %s, got %d", missing, rec.Code)
		}
	}
}

func TestOperatorIdentityIsolatedFromUserIDs(t *testing.T) {
	s, calls := newTestServer(t)
	calls.on(topics.UserGetProfile, func(msg wire.Message) (any, error) {
		id, _ := msg.Int("user_id")
		return userInfo{ID: id, Username: "mallory", Email: "m@example.com"}, nil
	})
	calls.on(topics.DeleteUserAccount, func(wire.Message) (any, error) { return map[string]any{"deleted": true}, nil })
	h := s.handler()

	// User 1209 shares the digits of the operator id and refreshes silently.
	mallory := auth.Identity{UserID: "1209", Role: auth.RoleUser, Name: "mallory"}
	_, refresh := sessionCookies(t, s, mallory)
	rec := do(t, h, http.MethodGet, "/account/profile", nil, refresh)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	fresh := cookieNamed(rec, accessCookie)
	if fresh == nil || fresh.Value == "" {
		t.Fatalf("expected a fresh access cookie")
	}
	claims, err := s.issuer.Parse(fresh.Value, auth.KindAccess)
	if err != nil || claims.Role != auth.RoleUser || claims.Subject != "1209" {
		t.Fatalf("refresh changed identity: %+v %v", claims, err)
	}
	if rec := do(t, h, http.MethodGet, "/admin/users/all", nil, fresh); rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for user 1209, got %d", rec.Code)
	}

	// The operator has no user record to read or delete.
	access, _ := sessionCookies(t, s, s.admin.identity())
	before := calls.count(topics.DeleteUserAccount)
	if rec := do(t, h, http.MethodDelete, "/account", nil, access); rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for operator account deletion, got %d", rec.Code)
	}
	if calls.count(topics.DeleteUserAccount) != before {
		t.Fatalf("operator request must not reach the worker")
	}
	if rec := do(t, h, http.MethodGet, "/account/profile", nil, access); rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for operator profile, got %d", rec.Code)
	}
}
