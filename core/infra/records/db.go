// Package records keeps the user, laptop and activity tables in Redis.
//
// Each record is a JSON string under "{records}:<kind>:<id>" with a sorted-set
// index per listing. Every key carries the same hash tag so a unit spanning
// tables stays in one cluster slot. Writes are queued on a UnitOfWork and
// applied in one MULTI/EXEC under WATCH, so a unit either lands completely,
// on the state it read, or not at all.
package records

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
)

const (
	keyTag = "{records}:"

	// txAnchor is never written. Watching it gives every unit a key, which
	// cluster clients need to pick a slot.
	txAnchor      = keyTag + "tx"
	maxTxAttempts = 5
)

var (
	ErrNotFound  = errors.New("records: not found")
	ErrDuplicate = errors.New("records: duplicate")
	// ErrContended means every attempt lost a race on a watched key.
	ErrContended = errors.New("records: write contended, retry later")
	errUnitDone  = errors.New("records: unit of work already finished")
	errNoWatch   = errors.New("records: unit of work cannot watch keys")
)

// DB is the shared handle all repositories write through.
type DB struct {
	client redis.UniversalClient
}

func New(client redis.UniversalClient) *DB {
	return &DB{client: client}
}

func (db *DB) Users() *Users           { return &Users{db: db} }
func (db *DB) Laptops() *Laptops       { return &Laptops{db: db} }
func (db *DB) Activities() *Activities { return &Activities{db: db} }

// UnitOfWork collects writes and applies them atomically on Commit.
type UnitOfWork struct {
	tx   *redis.Tx
	pipe redis.Pipeliner
	done bool
	ops  int
}

// begin opens a unit of work on tx. Reads made while it is open see committed
// data only. A nil tx gives a unit that cannot watch.
func (db *DB) begin(tx *redis.Tx) *UnitOfWork {
	if tx == nil {
		return &UnitOfWork{pipe: db.client.TxPipeline()}
	}
	return &UnitOfWork{tx: tx, pipe: tx.TxPipeline()}
}

// watch makes Commit fail if any of keys changes before it runs. Call it
// before the reads the queued writes depend on.
func (u *UnitOfWork) watch(ctx context.Context, keys ...string) error {
	if u == nil || u.done {
		return errUnitDone
	}
	if u.tx == nil {
		return errNoWatch
	}
	return u.tx.Watch(ctx, keys...).Err()
}

func (u *UnitOfWork) queue(ctx context.Context, fn func(p redis.Pipeliner)) error {
	if u == nil || u.done {
		return errUnitDone
	}
	fn(u.pipe)
	u.ops++
	return nil
}

// Commit applies every queued write in one transaction.
func (u *UnitOfWork) Commit(ctx context.Context) error {
	if u == nil || u.done {
		return errUnitDone
	}
	u.done = true
	if u.ops == 0 {
		return nil
	}
	if _, err := u.pipe.Exec(ctx); err != nil {
		return fmt.Errorf("records: commit: %w", err)
	}
	return nil
}

// Rollback drops every queued write. It is safe after Commit.
func (u *UnitOfWork) Rollback() {
	if u == nil || u.done {
		return
	}
	u.done = true
	u.pipe.Discard()
}

// InTx runs fn in a fresh unit of work, committing if fn succeeds and
// rolling back otherwise. When a key the unit watched changed before commit,
// fn runs again on a new unit. fn must therefore only touch the store through
// the unit and its reads.
func (db *DB) InTx(ctx context.Context, fn func(*UnitOfWork) error) error {
	for attempt := 0; attempt < maxTxAttempts; attempt++ {
		err := db.client.Watch(ctx, func(tx *redis.Tx) error {
			u := db.begin(tx)
			if err := fn(u); err != nil {
				u.Rollback()
				return err
			}
			return u.Commit(ctx)
		}, txAnchor)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return ErrContended
}

func (db *DB) nextID(ctx context.Context, seq string) (int64, error) {
	id, err := db.client.Incr(ctx, keyTag+"seq:"+seq).Result()
	if err != nil {
		return 0, fmt.Errorf("records: allocate %s id: %w", seq, err)
	}
	return id, nil
}

func (db *DB) getJSON(ctx context.Context, key string, out any) error {
	data, err := db.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

// page loads the records whose ids sit at [offset, offset+limit) of index.
// limit <= 0 loads to the end.
func page[T any](ctx context.Context, db *DB, index, prefix string, offset, limit int) ([]T, error) {
	if offset < 0 {
		offset = 0
	}
	stop := int64(-1)
	if limit > 0 {
		stop = int64(offset + limit - 1)
	}
	ids, err := db.client.ZRange(ctx, index, int64(offset), stop).Result()
	if err != nil {
		return nil, err
	}
	return load[T](ctx, db, prefix, ids)
}

func load[T any](ctx context.Context, db *DB, prefix string, ids []string) ([]T, error) {
	out := make([]T, 0, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = prefix + id
	}
	vals, err := db.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	for _, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var rec T
		if err := json.Unmarshal([]byte(s), &rec); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func idString(id int64) string {
	return strconv.FormatInt(id, 10)
}
