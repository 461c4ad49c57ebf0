package threeds

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alovak/virtualcard/threeds/models"
)

const (
	challengeKeyPrefix   = "3ds:challenge:"
	pendingKey           = "3ds:pending"
	cardKeyPrefix        = "3ds:card:"
	destinationKeyPrefix = "3ds:destination:"

	// DefaultRetention keeps challenge records in Redis long after expiry
	// so an expired challenge is still reported as such.
	DefaultRetention = 24 * time.Hour
)

// Repository stores challenges in memory, or in Redis when a client is set.
type Repository struct {
	mu           sync.RWMutex
	challenges   map[string]*models.Challenge
	order        []string
	destinations map[string]models.Destination

	rdb       *redis.Client
	retention time.Duration
}

func NewRepository() *Repository {
	return &Repository{
		challenges:   make(map[string]*models.Challenge),
		destinations: make(map[string]models.Destination),
	}
}

func NewRedisRepository(rdb *redis.Client, retention time.Duration) *Repository {
	repo := NewRepository()
	repo.rdb = rdb
	repo.retention = retention
	if repo.retention <= 0 {
		repo.retention = DefaultRetention
	}
	return repo
}

// Connect initializes a Redis client from a redis:// URL or host:port.
func Connect(ctx context.Context, redisURL string) (*redis.Client, error) {
	var rdb *redis.Client
	if strings.HasPrefix(redisURL, "redis://") || strings.HasPrefix(redisURL, "rediss://") {
		opt, err := redis.ParseURL(redisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		rdb = redis.NewClient(opt)
	} else {
		rdb = redis.NewClient(&redis.Options{Addr: redisURL})
	}
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return rdb, nil
}

func (r *Repository) Ping(ctx context.Context) error {
	if r.rdb == nil {
		return nil
	}
	return r.rdb.Ping(ctx).Err()
}

func (r *Repository) CreateChallenge(ctx context.Context, ch *models.Challenge) error {
	if r.rdb == nil {
		r.mu.Lock()
		defer r.mu.Unlock()

		if _, ok := r.challenges[ch.ID]; ok {
			return models.ErrConflict
		}
		r.challenges[ch.ID] = ch.Clone()
		r.order = append(r.order, ch.ID)
		return nil
	}

	raw, err := json.Marshal(ch)
	if err != nil {
		return fmt.Errorf("encoding challenge: %w", err)
	}
	ok, err := r.rdb.SetNX(ctx, challengeKeyPrefix+ch.ID, raw, r.retention).Result()
	if err != nil {
		return fmt.Errorf("storing challenge: %w", err)
	}
	if !ok {
		return models.ErrConflict
	}
	_, err = r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		r.index(ctx, pipe, ch)
		pipe.SAdd(ctx, cardKeyPrefix+ch.CardID, ch.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("indexing challenge: %w", err)
	}
	return nil
}

// index keeps the pending set in line with the challenge status.
func (r *Repository) index(ctx context.Context, pipe redis.Pipeliner, ch *models.Challenge) {
	if ch.Status == models.ChallengeStatusPending {
		pipe.ZAdd(ctx, pendingKey, redis.Z{Score: float64(ch.ExpiresAt.Unix()), Member: ch.ID})
		return
	}
	pipe.ZRem(ctx, pendingKey, ch.ID)
}

func (r *Repository) GetChallenge(ctx context.Context, id string) (*models.Challenge, error) {
	if r.rdb == nil {
		r.mu.RLock()
		defer r.mu.RUnlock()

		ch, ok := r.challenges[id]
		if !ok {
			return nil, models.ErrNotFound
		}
		return ch.Clone(), nil
	}

	raw, err := r.rdb.Get(ctx, challengeKeyPrefix+id).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, models.ErrNotFound
		}
		return nil, fmt.Errorf("loading challenge: %w", err)
	}
	var ch models.Challenge
	if err := json.Unmarshal(raw, &ch); err != nil {
		return nil, fmt.Errorf("decoding challenge %s: %w", id, err)
	}
	return &ch, nil
}

func (r *Repository) UpdateChallenge(ctx context.Context, ch *models.Challenge) error {
	if r.rdb == nil {
		r.mu.Lock()
		defer r.mu.Unlock()

		if _, ok := r.challenges[ch.ID]; !ok {
			return models.ErrNotFound
		}
		r.challenges[ch.ID] = ch.Clone()
		return nil
	}

	raw, err := json.Marshal(ch)
	if err != nil {
		return fmt.Errorf("encoding challenge: %w", err)
	}
	ok, err := r.rdb.SetXX(ctx, challengeKeyPrefix+ch.ID, raw, r.retention).Result()
	if err != nil {
		return fmt.Errorf("updating challenge: %w", err)
	}
	if !ok {
		return models.ErrNotFound
	}
	_, err = r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		r.index(ctx, pipe, ch)
		return nil
	})
	if err != nil {
		return fmt.Errorf("indexing challenge: %w", err)
	}
	return nil
}

// ListOverdue returns the ids of pending challenges whose expiry is
// before now. The Redis index has second precision, so callers recheck.
func (r *Repository) ListOverdue(ctx context.Context, now time.Time) ([]string, error) {
	if r.rdb == nil {
		r.mu.RLock()
		defer r.mu.RUnlock()

		var ids []string
		for _, id := range r.order {
			if r.challenges[id].Overdue(now) {
				ids = append(ids, id)
			}
		}
		return ids, nil
	}

	ids, err := r.rdb.ZRangeByScore(ctx, pendingKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.Unix(), 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("listing overdue challenges: %w", err)
	}
	return ids, nil
}

// Unindex drops id from the pending index. An index entry outlives its
// record when the record's Redis retention runs out first.
func (r *Repository) Unindex(ctx context.Context, id string) error {
	if r.rdb == nil {
		return nil
	}
	if err := r.rdb.ZRem(ctx, pendingKey, id).Err(); err != nil {
		return fmt.Errorf("unindexing challenge %s: %w", id, err)
	}
	return nil
}

// ListChallenges returns every stored challenge ordered by creation time.
func (r *Repository) ListChallenges(ctx context.Context) ([]*models.Challenge, error) {
	if r.rdb == nil {
		r.mu.RLock()
		defer r.mu.RUnlock()

		out := make([]*models.Challenge, 0, len(r.order))
		for _, id := range r.order {
			out = append(out, r.challenges[id].Clone())
		}
		return out, nil
	}

	var out []*models.Challenge
	iter := r.rdb.Scan(ctx, 0, challengeKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		ch, err := r.GetChallenge(ctx, strings.TrimPrefix(iter.Val(), challengeKeyPrefix))
		if errors.Is(err, models.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, ch)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scanning challenges: %w", err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// DeleteByCard removes every challenge of a card and its stored
// destination. It returns the number of challenges removed.
func (r *Repository) DeleteByCard(ctx context.Context, cardID string) (int, error) {
	if r.rdb == nil {
		r.mu.Lock()
		defer r.mu.Unlock()

		removed := 0
		kept := r.order[:0]
		for _, id := range r.order {
			if r.challenges[id].CardID == cardID {
				delete(r.challenges, id)
				removed++
				continue
			}
			kept = append(kept, id)
		}
		r.order = kept
		delete(r.destinations, cardID)
		return removed, nil
	}

	ids, err := r.rdb.SMembers(ctx, cardKeyPrefix+cardID).Result()
	if err != nil {
		return 0, fmt.Errorf("listing card challenges: %w", err)
	}
	keys := make([]string, 0, len(ids))
	members := make([]any, 0, len(ids))
	for _, id := range ids {
		keys = append(keys, challengeKeyPrefix+id)
		members = append(members, id)
	}
	var del *redis.IntCmd
	_, err = r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if len(keys) > 0 {
			del = pipe.Del(ctx, keys...)
			pipe.ZRem(ctx, pendingKey, members...)
		}
		pipe.Del(ctx, cardKeyPrefix+cardID, destinationKeyPrefix+cardID)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("deleting card challenges: %w", err)
	}
	if del == nil {
		return 0, nil
	}
	return int(del.Val()), nil
}

func (r *Repository) SetDestination(ctx context.Context, cardID string, dest models.Destination) error {
	if r.rdb == nil {
		r.mu.Lock()
		defer r.mu.Unlock()

		r.destinations[cardID] = dest
		return nil
	}

	raw, err := json.Marshal(dest)
	if err != nil {
		return fmt.Errorf("encoding destination: %w", err)
	}
	if err := r.rdb.Set(ctx, destinationKeyPrefix+cardID, raw, 0).Err(); err != nil {
		return fmt.Errorf("storing destination: %w", err)
	}
	return nil
}

// GetDestination returns the stored default destination of a card; ok is
// false when none is set.
func (r *Repository) GetDestination(ctx context.Context, cardID string) (dest models.Destination, ok bool, err error) {
	if r.rdb == nil {
		r.mu.RLock()
		defer r.mu.RUnlock()

		dest, ok = r.destinations[cardID]
		return dest, ok, nil
	}

	raw, err := r.rdb.Get(ctx, destinationKeyPrefix+cardID).Bytes()
	if errors.Is(err, redis.Nil) {
		return dest, false, nil
	}
	if err != nil {
		return dest, false, fmt.Errorf("loading destination: %w", err)
	}
	if err := json.Unmarshal(raw, &dest); err != nil {
		return dest, false, fmt.Errorf("decoding destination: %w", err)
	}
	return dest, true, nil
}
