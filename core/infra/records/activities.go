package records

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	activityPrefix  = keyTag + "activity:"
	activitiesIndex = keyTag + "activities"
)

// Activity is one entry of a user's audit trail.
type Activity struct {
	ID        int64     `json:"id"`
	UserID    int64     `json:"user_id"`
	Action    string    `json:"action"`
	Timestamp time.Time `json:"timestamp"`
	Detail    string    `json:"detail,omitempty"`
}

type Activities struct {
	db *DB
}

func userActivitiesKey(userID int64) string {
	return fmt.Sprintf(keyTag+"user:%d:activities", userID)
}

func (r *Activities) GetByID(ctx context.Context, id int64) (*Activity, error) {
	var a Activity
	if err := r.db.getJSON(ctx, activityPrefix+idString(id), &a); err != nil {
		return nil, err
	}
	return &a, nil
}

func (r *Activities) GetAll(ctx context.Context, offset, limit int) ([]Activity, error) {
	return page[Activity](ctx, r.db, activitiesIndex, activityPrefix, offset, limit)
}

// ListByUser returns a user's activity oldest first.
func (r *Activities) ListByUser(ctx context.Context, userID int64, offset, limit int) ([]Activity, error) {
	return page[Activity](ctx, r.db, userActivitiesKey(userID), activityPrefix, offset, limit)
}

func (r *Activities) Add(ctx context.Context, uow *UnitOfWork, a *Activity) error {
	id, err := r.db.nextID(ctx, "activity")
	if err != nil {
		return err
	}
	a.ID = id
	if a.Timestamp.IsZero() {
		a.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(a)
	if err != nil {
		return err
	}
	key := idString(id)
	return uow.queue(ctx, func(p redis.Pipeliner) {
		p.Set(ctx, activityPrefix+key, data, 0)
		p.ZAdd(ctx, activitiesIndex, redis.Z{Score: float64(id), Member: key})
		p.ZAdd(ctx, userActivitiesKey(a.UserID), redis.Z{Score: float64(id), Member: key})
	})
}

func (r *Activities) Update(ctx context.Context, uow *UnitOfWork, a *Activity) error {
	if _, err := r.GetByID(ctx, a.ID); err != nil {
		return err
	}
	data, err := json.Marshal(a)
	if err != nil {
		return err
	}
	return uow.queue(ctx, func(p redis.Pipeliner) {
		p.Set(ctx, activityPrefix+idString(a.ID), data, 0)
	})
}

func (r *Activities) Delete(ctx context.Context, uow *UnitOfWork, id int64) error {
	prev, err := r.GetByID(ctx, id)
	if err != nil {
		return err
	}
	key := idString(id)
	return uow.queue(ctx, func(p redis.Pipeliner) {
		p.Del(ctx, activityPrefix+key)
		p.ZRem(ctx, activitiesIndex, key)
		p.ZRem(ctx, userActivitiesKey(prev.UserID), key)
	})
}

// DeleteByUser queues removal of a user's whole trail.
func (r *Activities) DeleteByUser(ctx context.Context, uow *UnitOfWork, userID int64) error {
	ids, err := r.db.client.ZRange(ctx, userActivitiesKey(userID), 0, -1).Result()
	if err != nil {
		return err
	}
	return uow.queue(ctx, func(p redis.Pipeliner) {
		for _, id := range ids {
			p.Del(ctx, activityPrefix+id)
			p.ZRem(ctx, activitiesIndex, id)
		}
		p.Del(ctx, userActivitiesKey(userID))
	})
}
