// Package accounts implements the worker side of every account, auth and
// admin topic: it reads a decoded request, runs it against the record and
// object stores, and returns a result for the dispatcher to reply with.
package accounts

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/laptopdesk/backplane/core/auth"
	"github.com/laptopdesk/backplane/core/infra/locks"
	"github.com/laptopdesk/backplane/core/infra/objects"
	"github.com/laptopdesk/backplane/core/infra/records"
	"github.com/laptopdesk/backplane/core/protocol/topics"
	"github.com/laptopdesk/backplane/core/protocol/wire"
	"github.com/laptopdesk/backplane/core/rpc"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

// Activity actions recorded on the user's trail.
const (
	ActionRegister       = "register"
	ActionLogin          = "login"
	ActionUpdateUsername = "update_username"
	ActionUpdatePassword = "update_password"
	ActionUpdateEmail    = "update_email"
	ActionLaptopAdd      = "laptop_add"
	ActionLaptopDelete   = "laptop_delete"
	ActionResultFilePut  = "result_file_put"
)

// UserView is the user as exposed over the bus; it never carries the hash.
type UserView struct {
	ID        int64     `json:"id"`
	Username  string    `json:"username"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"created_at"`
}

func view(u *records.User) UserView {
	return UserView{ID: u.ID, Username: u.Username, Email: u.Email, CreatedAt: u.CreatedAt}
}

// Service owns the handlers.
type Service struct {
	db      *records.DB
	objects objects.Store
	locks   locks.Store
}

// Option configures a Service.
type Option func(*Service)

// WithLocks serialises username and email claims across worker replicas.
func WithLocks(store locks.Store) Option {
	return func(s *Service) { s.locks = store }
}

func New(db *records.DB, store objects.Store, opts ...Option) *Service {
	s := &Service{db: db, objects: store}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// claim runs fn while holding the unique-field claims named by keys.
func (s *Service) claim(ctx context.Context, owner string, keys []string, fn func() error) error {
	err := locks.WithLocks(ctx, s.locks, owner, keys, fn)
	if errors.Is(err, locks.ErrHeld) {
		return rpc.Conflict("another request is changing the same account fields, retry")
	}
	return err
}

func claimKey(field, value string) string {
	return field + ":" + strings.ToLower(strings.TrimSpace(value))
}

// Register attaches a handler for every topic the worker serves.
func (s *Service) Register(d *rpc.Dispatcher) error {
	handlers := map[string]rpc.HandlerFunc{
		topics.UserRegistration:  s.registerUser,
		topics.UserLoggingIn:     s.login,
		topics.UserGetProfile:    s.profile,
		topics.DeleteUserAccount: s.deleteAccount,
		topics.UpdateUsername:    s.updateUsername,
		topics.CheckUserPassword: s.checkPassword,
		topics.UpdateUserPass:    s.updatePassword,
		topics.UpdateUserEmail:   s.updateEmail,
		topics.AdminGetAllUsers:  s.allUsers,
		topics.AdminSearchUsers:  s.searchUsers,
		topics.LaptopAdd:         s.addLaptop,
		topics.LaptopList:        s.listLaptops,
		topics.LaptopDelete:      s.deleteLaptop,
		topics.UserActivityList:  s.listActivity,
		topics.ResultFileGet:     s.getResultFile,
		topics.ResultFilePut:     s.putResultFile,
	}
	for key, h := range handlers {
		if err := d.Handle(key, h); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) registerUser(ctx context.Context, req rpc.Request) rpc.Result {
	username := req.Message.String("username")
	email := req.Message.String("email")
	password, _ := req.Message["password"].(string)
	if username == "" || email == "" || password == "" {
		return rpc.Fail(rpc.Invalid(rpc.CodeInvalid, "username, email and password are required"))
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return rpc.Fail(err)
	}
	u := &records.User{Username: username, Email: email, PasswordHash: hash}
	keys := []string{claimKey("username", username), claimKey("email", email)}
	err = s.claim(ctx, req.ID, keys, func() error {
		return s.db.InTx(ctx, func(uow *records.UnitOfWork) error {
			if err := s.db.Users().Add(ctx, uow, u); err != nil {
				return err
			}
			return s.db.Activities().Add(ctx, uow, &records.Activity{UserID: u.ID, Action: ActionRegister})
		})
	})
	if err != nil {
		return rpc.Fail(translate(err))
	}
	return rpc.OK(view(u))
}

func (s *Service) login(ctx context.Context, req rpc.Request) rpc.Result {
	username := req.Message.String("username")
	password, _ := req.Message["password"].(string)
	u, err := s.db.Users().FindByUsername(ctx, username)
	if errors.Is(err, records.ErrNotFound) {
		return rpc.Fail(rpc.Invalid(rpc.CodeUnauthorized, "invalid credentials"))
	}
	if err != nil {
		return rpc.Fail(err)
	}
	if err := auth.CheckPassword(u.PasswordHash, password); err != nil {
		return rpc.Fail(rpc.Invalid(rpc.CodeUnauthorized, "invalid credentials"))
	}
	if err := s.record(ctx, u.ID, ActionLogin, ""); err != nil {
		return rpc.Fail(err)
	}
	return rpc.OK(view(u))
}

func (s *Service) profile(ctx context.Context, req rpc.Request) rpc.Result {
	u, err := s.user(ctx, req.Message)
	if err != nil {
		return rpc.Fail(err)
	}
	return rpc.OK(view(u))
}

func (s *Service) deleteAccount(ctx context.Context, req rpc.Request) rpc.Result {
	u, err := s.user(ctx, req.Message)
	if err != nil {
		return rpc.Fail(err)
	}
	err = s.db.InTx(ctx, func(uow *records.UnitOfWork) error {
		if err := s.db.Laptops().DeleteByUser(ctx, uow, u.ID); err != nil {
			return err
		}
		if err := s.db.Activities().DeleteByUser(ctx, uow, u.ID); err != nil {
			return err
		}
		return s.db.Users().Delete(ctx, uow, u.ID)
	})
	if err != nil {
		return rpc.Fail(translate(err))
	}
	if err := s.objects.Delete(ctx, objects.ResultFileName(u.ID)); err != nil && !errors.Is(err, objects.ErrNotFound) {
		return rpc.Fail(err)
	}
	return rpc.OK(map[string]any{"deleted": u.ID})
}

func (s *Service) updateUsername(ctx context.Context, req rpc.Request) rpc.Result {
	u, err := s.user(ctx, req.Message)
	if err != nil {
		return rpc.Fail(err)
	}
	next := req.Message.String("new_username")
	if next == "" {
		return rpc.Fail(rpc.Invalid(rpc.CodeInvalid, "new_username is required"))
	}
	if next == u.Username {
		return rpc.Fail(rpc.Conflict("new username matches the current one"))
	}
	prev := u.Username
	u.Username = next
	err = s.claim(ctx, req.ID, []string{claimKey("username", next)}, func() error {
		return s.update(ctx, u, ActionUpdateUsername, fmt.Sprintf("%s -> %s", prev, next))
	})
	if err != nil {
		return rpc.Fail(err)
	}
	return rpc.OK(view(u))
}

func (s *Service) checkPassword(ctx context.Context, req rpc.Request) rpc.Result {
	u, err := s.user(ctx, req.Message)
	if err != nil {
		return rpc.Fail(err)
	}
	password, _ := req.Message["password"].(string)
	err = auth.CheckPassword(u.PasswordHash, password)
	if err != nil && !errors.Is(err, auth.ErrPasswordMismatch) {
		return rpc.Fail(err)
	}
	return rpc.OK(map[string]bool{"match": err == nil})
}

func (s *Service) updatePassword(ctx context.Context, req rpc.Request) rpc.Result {
	u, err := s.user(ctx, req.Message)
	if err != nil {
		return rpc.Fail(err)
	}
	next, _ := req.Message["new_password"].(string)
	if next == "" {
		return rpc.Fail(rpc.Invalid(rpc.CodeInvalid, "new_password is required"))
	}
	if auth.CheckPassword(u.PasswordHash, next) == nil {
		return rpc.Fail(rpc.Conflict("new password matches the current one"))
	}
	hash, err := auth.HashPassword(next)
	if err != nil {
		return rpc.Fail(err)
	}
	u.PasswordHash = hash
	if err := s.update(ctx, u, ActionUpdatePassword, ""); err != nil {
		return rpc.Fail(err)
	}
	return rpc.OK(view(u))
}

func (s *Service) updateEmail(ctx context.Context, req rpc.Request) rpc.Result {
	u, err := s.user(ctx, req.Message)
	if err != nil {
		return rpc.Fail(err)
	}
	next := req.Message.String("new_email")
	if next == "" {
		return rpc.Fail(rpc.Invalid(rpc.CodeInvalid, "new_email is required"))
	}
	if strings.EqualFold(next, u.Email) {
		return rpc.Fail(rpc.Conflict("new email matches the current one"))
	}
	u.Email = next
	err = s.claim(ctx, req.ID, []string{claimKey("email", next)}, func() error {
		return s.update(ctx, u, ActionUpdateEmail, "")
	})
	if err != nil {
		return rpc.Fail(err)
	}
	return rpc.OK(view(u))
}

func (s *Service) allUsers(ctx context.Context, req rpc.Request) rpc.Result {
	offset, limit := paging(req.Message)
	users, err := s.db.Users().GetAll(ctx, offset, limit)
	if err != nil {
		return rpc.Fail(err)
	}
	total, err := s.db.Users().Count(ctx)
	if err != nil {
		return rpc.Fail(err)
	}
	return rpc.OK(map[string]any{"users": views(users), "total": total, "offset": offset, "limit": limit})
}

func (s *Service) searchUsers(ctx context.Context, req rpc.Request) rpc.Result {
	field := req.Message.String("field")
	switch field {
	case "name", "email", "id":
	default:
		return rpc.Fail(rpc.Invalid(rpc.CodeInvalid, "unknown search field %q", field))
	}
	users, err := s.db.Users().Search(ctx, field, req.Message.String("query"))
	if err != nil {
		return rpc.Fail(err)
	}
	return rpc.OK(map[string]any{"users": views(users)})
}

func (s *Service) addLaptop(ctx context.Context, req rpc.Request) rpc.Result {
	u, err := s.user(ctx, req.Message)
	if err != nil {
		return rpc.Fail(err)
	}
	l := &records.Laptop{
		UserID: u.ID,
		Brand:  req.Message.String("brand"),
		CPU:    req.Message.String("cpu"),
		GPU:    req.Message.String("gpu"),
	}
	l.MinPrice, _ = req.Message.Float("min_price")
	l.MaxPrice, _ = req.Message.Float("max_price")
	if l.Brand == "" {
		return rpc.Fail(rpc.Invalid(rpc.CodeInvalid, "brand is required"))
	}
	if l.MaxPrice > 0 && l.MinPrice > l.MaxPrice {
		return rpc.Fail(rpc.Invalid(rpc.CodeInvalid, "min_price exceeds max_price"))
	}
	err = s.db.InTx(ctx, func(uow *records.UnitOfWork) error {
		if err := s.db.Laptops().Add(ctx, uow, l); err != nil {
			return err
		}
		return s.db.Activities().Add(ctx, uow, &records.Activity{UserID: u.ID, Action: ActionLaptopAdd, Detail: l.Brand})
	})
	if err != nil {
		return rpc.Fail(translate(err))
	}
	return rpc.OK(l)
}

func (s *Service) listLaptops(ctx context.Context, req rpc.Request) rpc.Result {
	u, err := s.user(ctx, req.Message)
	if err != nil {
		return rpc.Fail(err)
	}
	offset, limit := paging(req.Message)
	laptops, err := s.db.Laptops().ListByUser(ctx, u.ID, offset, limit)
	if err != nil {
		return rpc.Fail(err)
	}
	return rpc.OK(map[string]any{"laptops": laptops})
}

func (s *Service) deleteLaptop(ctx context.Context, req rpc.Request) rpc.Result {
	u, err := s.user(ctx, req.Message)
	if err != nil {
		return rpc.Fail(err)
	}
	id, ok := req.Message.Int("laptop_id")
	if !ok {
		return rpc.Fail(rpc.Invalid(rpc.CodeInvalid, "laptop_id is required"))
	}
	l, err := s.db.Laptops().GetByID(ctx, id)
	if errors.Is(err, records.ErrNotFound) || (err == nil && l.UserID != u.ID) {
		return rpc.Fail(rpc.NotFound("laptop %d not found", id))
	}
	if err != nil {
		return rpc.Fail(err)
	}
	err = s.db.InTx(ctx, func(uow *records.UnitOfWork) error {
		if err := s.db.Laptops().Delete(ctx, uow, id); err != nil {
			return err
		}
		return s.db.Activities().Add(ctx, uow, &records.Activity{UserID: u.ID, Action: ActionLaptopDelete, Detail: l.Brand})
	})
	if err != nil {
		return rpc.Fail(translate(err))
	}
	return rpc.OK(map[string]any{"deleted": id})
}

func (s *Service) listActivity(ctx context.Context, req rpc.Request) rpc.Result {
	u, err := s.user(ctx, req.Message)
	if err != nil {
		return rpc.Fail(err)
	}
	offset, limit := paging(req.Message)
	acts, err := s.db.Activities().ListByUser(ctx, u.ID, offset, limit)
	if err != nil {
		return rpc.Fail(err)
	}
	return rpc.OK(map[string]any{"activities": acts})
}

func (s *Service) user(ctx context.Context, msg wire.Message) (*records.User, error) {
	id, ok := msg.Int("user_id")
	if !ok {
		return nil, rpc.Invalid(rpc.CodeInvalid, "user_id is required")
	}
	u, err := s.db.Users().GetByID(ctx, id)
	if errors.Is(err, records.ErrNotFound) {
		return nil, rpc.NotFound("user %d not found", id)
	}
	return u, err
}

// update writes u and its activity entry in one unit.
func (s *Service) update(ctx context.Context, u *records.User, action, detail string) error {
	err := s.db.InTx(ctx, func(uow *records.UnitOfWork) error {
		if err := s.db.Users().Update(ctx, uow, u); err != nil {
			return err
		}
		return s.db.Activities().Add(ctx, uow, &records.Activity{UserID: u.ID, Action: action, Detail: detail})
	})
	return translate(err)
}

func (s *Service) record(ctx context.Context, userID int64, action, detail string) error {
	return s.db.InTx(ctx, func(uow *records.UnitOfWork) error {
		return s.db.Activities().Add(ctx, uow, &records.Activity{UserID: userID, Action: action, Detail: detail})
	})
}

// translate maps store errors onto reply codes.
func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, records.ErrDuplicate):
		return rpc.Conflict("%s", strings.TrimPrefix(err.Error(), records.ErrDuplicate.Error()+": ")+" already taken")
	case errors.Is(err, records.ErrNotFound):
		return rpc.NotFound("record not found")
	case errors.Is(err, records.ErrContended):
		return rpc.Conflict("account is being changed concurrently, try again")
	default:
		return err
	}
}

func paging(msg wire.Message) (int, int) {
	offset, _ := msg.Int("offset")
	limit, ok := msg.Int("limit")
	if !ok || limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	if offset < 0 {
		offset = 0
	}
	return int(offset), int(limit)
}

func views(users []records.User) []UserView {
	out := make([]UserView, 0, len(users))
	for i := range users {
		out = append(out, view(&users[i]))
	}
	return out
}
