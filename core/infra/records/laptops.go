package records

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	laptopPrefix = keyTag + "laptop:"
	laptopsIndex = keyTag + "laptops"
)

// Laptop is a saved search: what a user is looking for and the budget.
type Laptop struct {
	ID        int64     `json:"id"`
	UserID    int64     `json:"user_id"`
	Brand     string    `json:"brand"`
	CPU       string    `json:"cpu"`
	GPU       string    `json:"gpu"`
	MinPrice  float64   `json:"min_price"`
	MaxPrice  float64   `json:"max_price"`
	CreatedAt time.Time `json:"created_at"`
}

type Laptops struct {
	db *DB
}

func userLaptopsKey(userID int64) string {
	return fmt.Sprintf(keyTag+"user:%d:laptops", userID)
}

func (r *Laptops) GetByID(ctx context.Context, id int64) (*Laptop, error) {
	var l Laptop
	if err := r.db.getJSON(ctx, laptopPrefix+idString(id), &l); err != nil {
		return nil, err
	}
	return &l, nil
}

func (r *Laptops) GetAll(ctx context.Context, offset, limit int) ([]Laptop, error) {
	return page[Laptop](ctx, r.db, laptopsIndex, laptopPrefix, offset, limit)
}

func (r *Laptops) ListByUser(ctx context.Context, userID int64, offset, limit int) ([]Laptop, error) {
	return page[Laptop](ctx, r.db, userLaptopsKey(userID), laptopPrefix, offset, limit)
}

func (r *Laptops) Add(ctx context.Context, uow *UnitOfWork, l *Laptop) error {
	id, err := r.db.nextID(ctx, "laptop")
	if err != nil {
		return err
	}
	l.ID = id
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now().UTC()
	}
	return r.put(ctx, uow, l, true)
}

func (r *Laptops) Update(ctx context.Context, uow *UnitOfWork, l *Laptop) error {
	if _, err := r.GetByID(ctx, l.ID); err != nil {
		return err
	}
	return r.put(ctx, uow, l, false)
}

func (r *Laptops) put(ctx context.Context, uow *UnitOfWork, l *Laptop, index bool) error {
	data, err := json.Marshal(l)
	if err != nil {
		return err
	}
	key := idString(l.ID)
	return uow.queue(ctx, func(p redis.Pipeliner) {
		p.Set(ctx, laptopPrefix+key, data, 0)
		if index {
			p.ZAdd(ctx, laptopsIndex, redis.Z{Score: float64(l.ID), Member: key})
			p.ZAdd(ctx, userLaptopsKey(l.UserID), redis.Z{Score: float64(l.ID), Member: key})
		}
	})
}

func (r *Laptops) Delete(ctx context.Context, uow *UnitOfWork, id int64) error {
	prev, err := r.GetByID(ctx, id)
	if err != nil {
		return err
	}
	key := idString(id)
	return uow.queue(ctx, func(p redis.Pipeliner) {
		p.Del(ctx, laptopPrefix+key)
		p.ZRem(ctx, laptopsIndex, key)
		p.ZRem(ctx, userLaptopsKey(prev.UserID), key)
	})
}

// DeleteByUser queues removal of every laptop owned by userID.
func (r *Laptops) DeleteByUser(ctx context.Context, uow *UnitOfWork, userID int64) error {
	ids, err := r.db.client.ZRange(ctx, userLaptopsKey(userID), 0, -1).Result()
	if err != nil {
		return err
	}
	return uow.queue(ctx, func(p redis.Pipeliner) {
		for _, id := range ids {
			p.Del(ctx, laptopPrefix+id)
			p.ZRem(ctx, laptopsIndex, id)
		}
		p.Del(ctx, userLaptopsKey(userID))
	})
}
