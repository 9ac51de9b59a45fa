package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/reclassroom/reclass/internal/domain"
	"github.com/reclassroom/reclass/internal/shared"
)

const keyPrefix = "reclass:"

// RedisStore implements Repository on Redis. Session metadata is a JSON
// string; the transcript is a hash keyed by sequence number. Multi-key
// writes use WATCH/MULTI/EXEC.
type RedisStore struct {
	client *redis.Client
	// ttl expires session keys after inactivity when > 0.
	ttl    time.Duration
	logger *zap.Logger
	retry  shared.RetryPolicy
}

// NewRedis wraps client.
func NewRedis(client *redis.Client, ttl time.Duration, logger *zap.Logger) *RedisStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisStore{
		client: client,
		ttl:    ttl,
		logger: logger,
		retry:  shared.RetryPolicy{Attempts: 5, BaseDelay: 10 * time.Millisecond},
	}
}

func scenarioKey(id string) string { return keyPrefix + "scenario:" + id }
func scenarioIndexKey() string { return keyPrefix + "scenarios" }
func sessionKey(id string) string { return keyPrefix + "session:" + id }
func turnsKey(id string) string { return keyPrefix + "session:" + id + ":turns" }
func activeKey(scID, stID string) string { return keyPrefix + "active:" + scID + ":" + stID }

// watch runs fn inside WATCH on keys, retrying when another client touched
// them first.
func (s *RedisStore) watch(ctx context.Context, fn func(tx *redis.Tx) error, keys ...string) error {
	return shared.RetryOnConflict(ctx, s.retry, func(err error) bool {
		return errors.Is(err, redis.TxFailedErr)
	}, func() error {
		return s.client.Watch(ctx, fn, keys...)
	})
}

func (s *RedisStore) expire(ctx context.Context, pipe redis.Pipeliner, keys ...string) {
	if s.ttl <= 0 {
		return
	}
	for _, k := range keys {
		pipe.Expire(ctx, k, s.ttl)
	}
}

// Ping implements Repository.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close implements Repository.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// LoadScenario implements Repository.
func (s *RedisStore) LoadScenario(ctx context.Context, id string) (*domain.Scenario, error) {
	val, err := s.client.Get(ctx, scenarioKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("scenario %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get scenario: %w", err)
	}
	var sc domain.Scenario
	if err := json.Unmarshal(val, &sc); err != nil {
		return nil, fmt.Errorf("decode scenario %s: %w", id, err)
	}
	return &sc, nil
}

// SaveScenario implements Repository.
func (s *RedisStore) SaveScenario(ctx context.Context, sc *domain.Scenario) error {
	key := scenarioKey(sc.ID)
	return s.watch(ctx, func(tx *redis.Tx) error {
		now := time.Now().UTC()
		prev, err := tx.Get(ctx, key).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
			if sc.CreatedAt.IsZero() {
				sc.CreatedAt = now
			}
		case err != nil:
			return fmt.Errorf("get scenario: %w", err)
		default:
			var old domain.Scenario
			if err := json.Unmarshal(prev, &old); err == nil {
				sc.CreatedAt = old.CreatedAt
			}
		}
		sc.UpdatedAt = now
		val, err := json.Marshal(sc)
		if err != nil {
			return fmt.Errorf("encode scenario: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, val, 0)
			pipe.SAdd(ctx, scenarioIndexKey(), sc.ID)
			return nil
		})
		return err
	}, key)
}

// ListScenarios implements Repository.
func (s *RedisStore) ListScenarios(ctx context.Context) ([]*domain.Scenario, error) {
	ids, err := s.client.SMembers(ctx, scenarioIndexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("list scenario ids: %w", err)
	}
	sort.Strings(ids)
	out := make([]*domain.Scenario, 0, len(ids))
	for _, id := range ids {
		sc, err := s.LoadScenario(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	return out, nil
}

// DeleteScenario implements Repository.
func (s *RedisStore) DeleteScenario(ctx context.Context, id string) error {
	n, err := s.client.Del(ctx, scenarioKey(id)).Result()
	if err != nil {
		return fmt.Errorf("delete scenario: %w", err)
	}
	if err := s.client.SRem(ctx, scenarioIndexKey(), id).Err(); err != nil {
		return fmt.Errorf("unindex scenario: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("scenario %s: %w", id, ErrNotFound)
	}
	return nil
}

func encodeMeta(sess *domain.Session) ([]byte, error) {
	meta := *sess
	meta.Turns = nil
	val, err := json.Marshal(&meta)
	if err != nil {
		return nil, fmt.Errorf("encode session: %w", err)
	}
	return val, nil
}

func encodeTurns(turns []domain.Turn) (map[string]any, error) {
	fields := make(map[string]any, len(turns))
	for _, t := range turns {
		val, err := json.Marshal(t)
		if err != nil {
			return nil, fmt.Errorf("encode turn %d: %w", t.Seq, err)
		}
		fields[strconv.Itoa(t.Seq)] = val
	}
	return fields, nil
}

// CreateSession implements Repository.
func (s *RedisStore) CreateSession(ctx context.Context, sess *domain.Session) error {
	now := time.Now().UTC()
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now
	}
	sess.UpdatedAt = now
	meta, err := encodeMeta(sess)
	if err != nil {
		return err
	}
	fields, err := encodeTurns(sess.Turns)
	if err != nil {
		return err
	}
	key, tkey := sessionKey(sess.ID), turnsKey(sess.ID)

	return s.watch(ctx, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return fmt.Errorf("check session: %w", err)
		}
		if n > 0 {
			return fmt.Errorf("session %s: %w", sess.ID, ErrConflict)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, meta, 0)
			if len(fields) > 0 {
				pipe.HSet(ctx, tkey, fields)
			}
			if sess.Status == domain.StatusActive {
				pipe.SAdd(ctx, activeKey(sess.ScenarioID, sess.StudentID), sess.ID)
			}
			s.expire(ctx, pipe, key, tkey)
			return nil
		})
		return err
	}, key)
}

func getMeta(ctx context.Context, c redis.Cmdable, id string) (*domain.Session, error) {
	val, err := c.Get(ctx, sessionKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	var sess domain.Session
	if err := json.Unmarshal(val, &sess); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", id, err)
	}
	return &sess, nil
}

// GetSession implements Repository.
func (s *RedisStore) GetSession(ctx context.Context, id string) (*domain.Session, error) {
	sess, err := getMeta(ctx, s.client, id)
	if err != nil {
		return nil, err
	}
	raw, err := s.client.HGetAll(ctx, turnsKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("get turns: %w", err)
	}
	sess.Turns = make([]domain.Turn, 0, len(raw))
	for _, v := range raw {
		var t domain.Turn
		if err := json.Unmarshal([]byte(v), &t); err != nil {
			return nil, fmt.Errorf("decode turn of %s: %w", id, err)
		}
		sess.Turns = append(sess.Turns, t)
	}
	sort.Slice(sess.Turns, func(i, j int) bool { return sess.Turns[i].Seq < sess.Turns[j].Seq })
	return sess, nil
}

// FindActiveSession implements Repository.
func (s *RedisStore) FindActiveSession(ctx context.Context, scenarioID, studentID string) (*domain.Session, error) {
	ids, err := s.client.SMembers(ctx, activeKey(scenarioID, studentID)).Result()
	if err != nil {
		return nil, fmt.Errorf("find active session: %w", err)
	}
	var found *domain.Session
	for _, id := range ids {
		sess, err := s.GetSession(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if sess.Status != domain.StatusActive {
			continue
		}
		if found == nil || sess.CreatedAt.After(found.CreatedAt) || (sess.CreatedAt.Equal(found.CreatedAt) && sess.ID > found.ID) {
			found = sess
		}
	}
	if found == nil {
		return nil, fmt.Errorf("active session for %s/%s: %w", scenarioID, studentID, ErrNotFound)
	}
	return found, nil
}

// AppendTurn implements Repository.
func (s *RedisStore) AppendTurn(ctx context.Context, sessionID string, turn domain.Turn) error {
	return s.commit(ctx, sessionID, []domain.Turn{turn}, func(*domain.Session) {})
}

// UpdateSessionStatus implements Repository.
func (s *RedisStore) UpdateSessionStatus(ctx context.Context, sessionID string, status domain.Status, remaining int) error {
	if remaining < 0 {
		return errNegativeRemaining
	}
	return s.commit(ctx, sessionID, nil, func(sess *domain.Session) {
		sess.Status = status
		sess.Remaining = remaining
	})
}

// CommitTurns implements Repository.
func (s *RedisStore) CommitTurns(ctx context.Context, sessionID string, turns []domain.Turn, status domain.Status, remaining int) error {
	if remaining < 0 {
		return errNegativeRemaining
	}
	return s.commit(ctx, sessionID, turns, func(sess *domain.Session) {
		sess.Status = status
		sess.Remaining = remaining
	})
}

// SaveRequirements implements Repository.
func (s *RedisStore) SaveRequirements(ctx context.Context, sessionID string, reqs []domain.Requirement) error {
	return s.commit(ctx, sessionID, nil, func(sess *domain.Session) {
		sess.Requirements = append([]domain.Requirement(nil), reqs...)
	})
}

// SaveNegotiationStatus implements Repository.
func (s *RedisStore) SaveNegotiationStatus(ctx context.Context, sessionID string, status map[string]domain.Negotiation) error {
	return s.commit(ctx, sessionID, nil, func(sess *domain.Session) {
		sess.NegotiationStatus = status
	})
}

// commit appends turns and applies mutate to the session metadata in one
// MULTI/EXEC, watched on both session keys.
func (s *RedisStore) commit(ctx context.Context, sessionID string, turns []domain.Turn, mutate func(*domain.Session)) error {
	key, tkey := sessionKey(sessionID), turnsKey(sessionID)
	return s.watch(ctx, func(tx *redis.Tx) error {
		sess, err := getMeta(ctx, tx, sessionID)
		if err != nil {
			return err
		}
		stored, err := tx.HLen(ctx, tkey).Result()
		if err != nil {
			return fmt.Errorf("count turns: %w", err)
		}

		var lookupErr error
		fresh, err := planTurns(int(stored), turns, func(seq int) (domain.Turn, bool) {
			v, err := tx.HGet(ctx, tkey, strconv.Itoa(seq)).Bytes()
			if err != nil {
				if !errors.Is(err, redis.Nil) {
					lookupErr = err
				}
				return domain.Turn{}, false
			}
			var t domain.Turn
			if err := json.Unmarshal(v, &t); err != nil {
				lookupErr = err
				return domain.Turn{}, false
			}
			return t, true
		})
		if lookupErr != nil {
			return fmt.Errorf("read stored turn: %w", lookupErr)
		}
		if err != nil {
			return fmt.Errorf("session %s: %w", sessionID, err)
		}

		wasActive := sess.Status == domain.StatusActive
		mutate(sess)
		sess.UpdatedAt = time.Now().UTC()
		meta, err := encodeMeta(sess)
		if err != nil {
			return err
		}
		fields, err := encodeTurns(fresh)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if len(fields) > 0 {
				pipe.HSet(ctx, tkey, fields)
			}
			pipe.Set(ctx, key, meta, 0)
			if wasActive && sess.Status != domain.StatusActive {
				pipe.SRem(ctx, activeKey(sess.ScenarioID, sess.StudentID), sessionID)
			}
			s.expire(ctx, pipe, key, tkey)
			return nil
		})
		if err != nil {
			s.logger.Debug("redis commit failed", zap.String("session_id", sessionID), zap.Error(err))
		}
		return err
	}, key, tkey)
}
