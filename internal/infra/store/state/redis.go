package statestore

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/you-humble/swapbot/internal/domain"

	"github.com/redis/go-redis/v9"
)

// redisStateStore keeps one conversation per user in a redis hash with a TTL,
// so abandoned conversations expire without a janitor.
type redisStateStore struct {
	rdb redis.Cmdable
	ttl time.Duration
}

func NewRedisStateStore(rdb redis.Cmdable, ttl time.Duration) *redisStateStore {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &redisStateStore{rdb: rdb, ttl: ttl}
}

func (s *redisStateStore) Get(ctx context.Context, userID int64) (domain.ConversationState, bool, error) {
	res, err := s.rdb.HGetAll(ctx, stateKey(userID)).Result()
	if err != nil {
		return domain.ConversationState{}, false, fmt.Errorf("redis HGetAll: %w", err)
	}
	if len(res) == 0 {
		return domain.ConversationState{}, false, nil
	}

	st := domain.ConversationState{
		Kind:   domain.TaskKind(res["task_kind"]),
		Stage:  domain.Stage(res["stage"]),
		Inputs: map[string]string{},
	}

	if v, ok := res["inputs"]; ok && v != "" {
		if err := json.Unmarshal([]byte(v), &st.Inputs); err != nil {
			return domain.ConversationState{}, false, fmt.Errorf("decode inputs: %w", err)
		}
	}
	st.PrimaryMime = res["primary_mime"]
	if v, ok := res["duration_seconds"]; ok && v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			st.DurationSeconds = n
		}
	}
	if v, ok := res["created_at"]; ok && v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			st.CreatedAt = time.Unix(0, n)
		}
	}

	return st, true, nil
}

func (s *redisStateStore) Set(ctx context.Context, userID int64, st domain.ConversationState) error {
	inputs, err := json.Marshal(st.Inputs)
	if err != nil {
		return fmt.Errorf("encode inputs: %w", err)
	}

	if st.CreatedAt.IsZero() {
		st.CreatedAt = time.Now()
	}

	key := stateKey(userID)

	pipe := s.rdb.TxPipeline()
	pipe.Del(ctx, key)
	pipe.HSet(ctx, key, map[string]interface{}{
		"task_kind":        string(st.Kind),
		"stage":            string(st.Stage),
		"inputs":           string(inputs),
		"primary_mime":     st.PrimaryMime,
		"duration_seconds": st.DurationSeconds,
		"created_at":       st.CreatedAt.UnixNano(),
	})
	pipe.Expire(ctx, key, s.ttl)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis pipeline Set: %w", err)
	}

	return nil
}

func (s *redisStateStore) Delete(ctx context.Context, userID int64) error {
	if err := s.rdb.Del(ctx, stateKey(userID)).Err(); err != nil {
		return fmt.Errorf("redis Del: %w", err)
	}
	return nil
}

func stateKey(userID int64) string {
	return "conversation:" + strconv.FormatInt(userID, 10)
}
