package records

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	userPrefix   = keyTag + "user:"
	usersIndex   = keyTag + "users"
	usersByName  = keyTag + "users:by-username"
	usersByEmail = keyTag + "users:by-email"
)

type User struct {
	ID           int64     `json:"id"`
	Username     string    `json:"username"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"password_hash"`
	CreatedAt    time.Time `json:"created_at"`
}

// Users is the user table.
type Users struct {
	db *DB
}

func (r *Users) GetByID(ctx context.Context, id int64) (*User, error) {
	var u User
	if err := r.db.getJSON(ctx, userPrefix+idString(id), &u); err != nil {
		return nil, err
	}
	return &u, nil
}

func (r *Users) GetAll(ctx context.Context, offset, limit int) ([]User, error) {
	return page[User](ctx, r.db, usersIndex, userPrefix, offset, limit)
}

func (r *Users) Count(ctx context.Context) (int64, error) {
	return r.db.client.ZCard(ctx, usersIndex).Result()
}

func (r *Users) FindByUsername(ctx context.Context, username string) (*User, error) {
	return r.findBy(ctx, usersByName, normalize(username))
}

func (r *Users) FindByEmail(ctx context.Context, email string) (*User, error) {
	return r.findBy(ctx, usersByEmail, normalize(email))
}

func (r *Users) findBy(ctx context.Context, index, value string) (*User, error) {
	raw, err := r.db.client.HGet(ctx, index, value).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil, err
	}
	return r.GetByID(ctx, id)
}

// Search returns users whose field contains query, case-insensitively.
// field is "name", "email" or "id"; "id" matches exactly.
func (r *Users) Search(ctx context.Context, field, query string) ([]User, error) {
	query = normalize(query)
	if field == "id" {
		id, err := strconv.ParseInt(query, 10, 64)
		if err != nil {
			return []User{}, nil
		}
		u, err := r.GetByID(ctx, id)
		if errors.Is(err, ErrNotFound) {
			return []User{}, nil
		}
		if err != nil {
			return nil, err
		}
		return []User{*u}, nil
	}
	all, err := r.GetAll(ctx, 0, 0)
	if err != nil {
		return nil, err
	}
	out := []User{}
	for _, u := range all {
		target := u.Username
		if field == "email" {
			target = u.Email
		}
		if strings.Contains(normalize(target), query) {
			out = append(out, u)
		}
	}
	return out, nil
}

// Add assigns u an id and queues its insertion. Username and email must be
// unused when the unit commits.
func (r *Users) Add(ctx context.Context, uow *UnitOfWork, u *User) error {
	if err := uow.watch(ctx, usersByName, usersByEmail); err != nil {
		return err
	}
	if err := r.checkUnique(ctx, 0, u.Username, u.Email); err != nil {
		return err
	}
	id, err := r.db.nextID(ctx, "user")
	if err != nil {
		return err
	}
	u.ID = id
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	data, err := json.Marshal(u)
	if err != nil {
		return err
	}
	key := idString(id)
	return uow.queue(ctx, func(p redis.Pipeliner) {
		p.Set(ctx, userPrefix+key, data, 0)
		p.ZAdd(ctx, usersIndex, redis.Z{Score: float64(id), Member: key})
		p.HSet(ctx, usersByName, normalize(u.Username), key)
		p.HSet(ctx, usersByEmail, normalize(u.Email), key)
	})
}

// Update queues a rewrite of u, moving its username/email index entries when
// they changed.
func (r *Users) Update(ctx context.Context, uow *UnitOfWork, u *User) error {
	if err := uow.watch(ctx, userPrefix+idString(u.ID), usersByName, usersByEmail); err != nil {
		return err
	}
	prev, err := r.GetByID(ctx, u.ID)
	if err != nil {
		return err
	}
	if err := r.checkUnique(ctx, u.ID, u.Username, u.Email); err != nil {
		return err
	}
	data, err := json.Marshal(u)
	if err != nil {
		return err
	}
	key := idString(u.ID)
	return uow.queue(ctx, func(p redis.Pipeliner) {
		p.Set(ctx, userPrefix+key, data, 0)
		if normalize(prev.Username) != normalize(u.Username) {
			p.HDel(ctx, usersByName, normalize(prev.Username))
			p.HSet(ctx, usersByName, normalize(u.Username), key)
		}
		if normalize(prev.Email) != normalize(u.Email) {
			p.HDel(ctx, usersByEmail, normalize(prev.Email))
			p.HSet(ctx, usersByEmail, normalize(u.Email), key)
		}
	})
}

func (r *Users) Delete(ctx context.Context, uow *UnitOfWork, id int64) error {
	if err := uow.watch(ctx, userPrefix+idString(id)); err != nil {
		return err
	}
	prev, err := r.GetByID(ctx, id)
	if err != nil {
		return err
	}
	key := idString(id)
	return uow.queue(ctx, func(p redis.Pipeliner) {
		p.Del(ctx, userPrefix+key)
		p.ZRem(ctx, usersIndex, key)
		p.HDel(ctx, usersByName, normalize(prev.Username))
		p.HDel(ctx, usersByEmail, normalize(prev.Email))
	})
}

func (r *Users) checkUnique(ctx context.Context, self int64, username, email string) error {
	if existing, err := r.FindByUsername(ctx, username); err == nil && existing.ID != self {
		return fmt.Errorf("%w: username %q", ErrDuplicate, username)
	} else if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	if existing, err := r.FindByEmail(ctx, email); err == nil && existing.ID != self {
		return fmt.Errorf("%w: email %q", ErrDuplicate, email)
	} else if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	return nil
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
