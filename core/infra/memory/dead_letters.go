package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/laptopdesk/backplane/core/infra/logging"
	"github.com/laptopdesk/backplane/core/infra/secrets"
	"github.com/redis/go-redis/v9"
)

// Entry and index keys share a hash tag so the transactional writes and MGET
// stay in one cluster slot.
const (
	deadLetterPrefix   = "{dead}:entry:"
	deadLetterIndex    = "{dead}:index"
	deadLetterKeep     = 1000
	maxDeadLetterBytes = 64 << 10
)

// ErrDeadLetterNotFound is returned by Get and Delete for an unknown or
// trimmed entry.
var ErrDeadLetterNotFound = errors.New("dead letter not found")

// DeadLetter is a bus message the dispatcher could not answer.
type DeadLetter struct {
	ID        string    `json:"id"`
	Subject   string    `json:"subject"`
	RequestID string    `json:"request_id,omitempty"`
	Reason    string    `json:"reason"`
	Error     string    `json:"error,omitempty"`
	Payload   []byte    `json:"payload,omitempty"`
	Truncated bool      `json:"truncated,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// DeadLetterStore keeps the most recent dropped messages for diagnostics.
type DeadLetterStore struct {
	client redis.UniversalClient
}

func NewDeadLetterStore(client redis.UniversalClient) *DeadLetterStore {
	return &DeadLetterStore{client: client}
}

// Add stores entry and trims the index to the newest entries.
func (s *DeadLetterStore) Add(ctx context.Context, entry DeadLetter) (string, error) {
	if entry.Subject == "" {
		return "", fmt.Errorf("subject required")
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	if len(entry.Payload) > maxDeadLetterBytes {
		entry.Payload = entry.Payload[:maxDeadLetterBytes]
		entry.Truncated = true
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return "", fmt.Errorf("marshal dead letter: %w", err)
	}
	cctx, cancel := opContext(ctx)
	defer cancel()
	pipe := s.client.TxPipeline()
	pipe.Set(cctx, deadLetterPrefix+entry.ID, data, 0)
	pipe.ZAdd(cctx, deadLetterIndex, redis.Z{Score: float64(entry.CreatedAt.UnixNano()), Member: entry.ID})
	pipe.ZRemRangeByRank(cctx, deadLetterIndex, 0, -deadLetterKeep-1)
	if _, err := pipe.Exec(cctx); err != nil {
		return "", err
	}
	return entry.ID, nil
}

// RecordDrop satisfies the dispatcher's drop hook. Credentials are stripped
// from the payload. Storage failures are logged, never returned.
func (s *DeadLetterStore) RecordDrop(ctx context.Context, subject, requestID, reason string, data []byte, cause error) {
	entry := DeadLetter{Subject: subject, RequestID: requestID, Reason: reason, Payload: secrets.RedactPayload(data)}
	if cause != nil {
		entry.Error = cause.Error()
	}
	if _, err := s.Add(ctx, entry); err != nil {
		logging.Warn("dead-letters", "record failed", "subject", subject, "reason", reason, "error", err)
	}
}

// List returns up to limit entries, newest first.
func (s *DeadLetterStore) List(ctx context.Context, limit int64) ([]DeadLetter, error) {
	if limit <= 0 {
		limit = 100
	}
	cctx, cancel := opContext(ctx)
	defer cancel()
	ids, err := s.client.ZRevRange(cctx, deadLetterIndex, 0, limit-1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]DeadLetter, 0, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = deadLetterPrefix + id
	}
	vals, err := s.client.MGet(cctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	for _, v := range vals {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var e DeadLetter
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *DeadLetterStore) Get(ctx context.Context, id string) (*DeadLetter, error) {
	cctx, cancel := opContext(ctx)
	defer cancel()
	data, err := s.client.Get(cctx, deadLetterPrefix+id).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrDeadLetterNotFound
	}
	if err != nil {
		return nil, err
	}
	var e DeadLetter
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *DeadLetterStore) Delete(ctx context.Context, id string) error {
	cctx, cancel := opContext(ctx)
	defer cancel()
	pipe := s.client.TxPipeline()
	removed := pipe.Del(cctx, deadLetterPrefix+id)
	pipe.ZRem(cctx, deadLetterIndex, id)
	if _, err := pipe.Exec(cctx); err != nil {
		return err
	}
	if removed.Val() == 0 {
		return ErrDeadLetterNotFound
	}
	return nil
}
