package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/exnus/points-miner/internal/config"
	"github.com/exnus/points-miner/internal/util"
)

const (
	defaultRedisPrefix     = "points:"
	defaultRedisMaxRetries = 16
	mgetBatch              = 500
)

// RedisStore keeps one JSON document per user plus derived indexes:
//
//	users:<address>  user document
//	leaderboard      ZSET address -> points
//	mining           ZSET address -> session end (unix ms)
//	codes            HASH referral code -> address
//	index            LIST addresses in creation order
//	total            total points counter
type RedisStore struct {
	client     *redis.Client
	maxRetries int

	keyLeaderboard string
	keyMining      string
	keyCodes       string
	keyIndex       string
	keyTotal       string
	keyUserPrefix  string
}

// NewRedisStore connects to Redis and verifies the connection
func NewRedisStore(ctx context.Context, cfg config.RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.URL,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, unavailable("redis connection failed", err)
	}

	util.Info("Connected to Redis at ", cfg.URL)
	return newRedisStore(client, cfg.Prefix, cfg.MaxRetries), nil
}

func newRedisStore(client *redis.Client, prefix string, maxRetries int) *RedisStore {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	if maxRetries <= 0 {
		maxRetries = defaultRedisMaxRetries
	}
	return &RedisStore{
		client:         client,
		maxRetries:     maxRetries,
		keyLeaderboard: prefix + "leaderboard",
		keyMining:      prefix + "mining",
		keyCodes:       prefix + "codes",
		keyIndex:       prefix + "index",
		keyTotal:       prefix + "total",
		keyUserPrefix:  prefix + "users:",
	}
}

func (r *RedisStore) userKey(address string) string {
	return r.keyUserPrefix + address
}

// abortError carries a non-storage error out of a WATCH callback
type abortError struct{ err error }

func (a *abortError) Error() string { return a.err.Error() }

func abort(err error) error { return &abortError{err: err} }

// transact runs fn in an optimistic transaction, retrying when a watched key changes
func (r *RedisStore) transact(ctx context.Context, op string, fn func(tx *redis.Tx) error, keys ...string) error {
	for attempt := 0; attempt < r.maxRetries; attempt++ {
		err := r.client.Watch(ctx, fn, keys...)
		if err == nil {
			return nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		var ab *abortError
		if errors.As(err, &ab) {
			return ab.err
		}
		return unavailable(op, err)
	}
	util.Warnf("Redis %s gave up after %d conflicting attempts", op, r.maxRetries)
	return ErrConflict
}

func (r *RedisStore) loadUser(ctx context.Context, cmd redis.Cmdable, address string) (*User, error) {
	data, err := cmd.Get(ctx, r.userKey(address)).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var u User
	if err := json.Unmarshal(data, &u); err != nil {
		return nil, fmt.Errorf("decode user %s: %w", address, err)
	}
	return &u, nil
}

// GetOrCreate returns the user for address, creating it on first use
func (r *RedisStore) GetOrCreate(ctx context.Context, address, referralCode string) (*User, error) {
	if err := checkAddress(address); err != nil {
		return nil, err
	}

	key := r.userKey(address)
	var result *User

	err := r.transact(ctx, "create user", func(tx *redis.Tx) error {
		existing, err := r.loadUser(ctx, tx, address)
		if err == nil {
			result = existing
			return nil
		}
		if !errors.Is(err, ErrNotFound) {
			return err
		}

		code, err := uniqueReferralCode(ctx, func(code string) (bool, error) {
			return tx.HExists(ctx, r.keyCodes, code).Result()
		})
		if err != nil {
			if ctx.Err() != nil {
				return abort(err)
			}
			return err
		}

		u := newUser(address, code, time.Now())

		var referrer *User
		if referralCode != "" {
			owner, err := tx.HGet(ctx, r.keyCodes, referralCode).Result()
			switch {
			case err == redis.Nil:
			case err != nil:
				return err
			case owner != address:
				if err := tx.Watch(ctx, r.userKey(owner)).Err(); err != nil {
					return err
				}
				if referrer, err = r.loadUser(ctx, tx, owner); err != nil {
					return err
				}
				referrer.ReferredUsersCount++
				u.ReferredBy = &owner
			}
		}

		userJSON, err := json.Marshal(u)
		if err != nil {
			return abort(err)
		}
		var referrerJSON []byte
		if referrer != nil {
			if referrerJSON, err = json.Marshal(referrer); err != nil {
				return abort(err)
			}
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, userJSON, 0)
			pipe.HSet(ctx, r.keyCodes, code, address)
			pipe.ZAdd(ctx, r.keyLeaderboard, &redis.Z{Score: 0, Member: address})
			pipe.RPush(ctx, r.keyIndex, address)
			if referrer != nil {
				pipe.Set(ctx, r.userKey(referrer.WalletAddress), referrerJSON, 0)
			}
			return nil
		})
		if err == nil {
			result = u
		}
		return err
	}, key, r.keyCodes)

	if err != nil {
		return nil, err
	}
	return result, nil
}

// Get returns the user for address
func (r *RedisStore) Get(ctx context.Context, address string) (*User, error) {
	u, err := r.loadUser(ctx, r.client, address)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, unavailable("get user", err)
	}
	return u, err
}

// Update applies mutate inside a WATCH/MULTI transaction on the user document
func (r *RedisStore) Update(ctx context.Context, address string, mutate Mutation) (*User, error) {
	key := r.userKey(address)
	var result *User

	err := r.transact(ctx, "update user", func(tx *redis.Tx) error {
		current, err := r.loadUser(ctx, tx, address)
		if errors.Is(err, ErrNotFound) {
			return abort(err)
		}
		if err != nil {
			return err
		}

		next, err := applyMutation(current, mutate)
		if err != nil {
			return abort(err)
		}
		data, err := json.Marshal(next)
		if err != nil {
			return abort(err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			if delta := next.Points - current.Points; delta != 0 {
				pipe.ZAdd(ctx, r.keyLeaderboard, &redis.Z{Score: float64(next.Points), Member: address})
				pipe.IncrBy(ctx, r.keyTotal, delta)
			}
			if next.MiningEndTime != nil {
				pipe.ZAdd(ctx, r.keyMining, &redis.Z{Score: float64(next.MiningEndTime.UnixMilli()), Member: address})
			} else {
				pipe.ZRem(ctx, r.keyMining, address)
			}
			return nil
		})
		if err == nil {
			result = next
		}
		return err
	}, key)

	if err != nil {
		return nil, err
	}
	return result, nil
}

// loadMany fetches user documents in the given order, skipping missing keys
func (r *RedisStore) loadMany(ctx context.Context, addresses []string) ([]*User, error) {
	users := make([]*User, 0, len(addresses))
	for start := 0; start < len(addresses); start += mgetBatch {
		end := start + mgetBatch
		if end > len(addresses) {
			end = len(addresses)
		}

		keys := make([]string, 0, end-start)
		for _, addr := range addresses[start:end] {
			keys = append(keys, r.userKey(addr))
		}

		values, err := r.client.MGet(ctx, keys...).Result()
		if err != nil {
			return nil, unavailable("load users", err)
		}
		for i, v := range values {
			s, ok := v.(string)
			if !ok {
				continue
			}
			var u User
			if err := json.Unmarshal([]byte(s), &u); err != nil {
				return nil, unavailable("decode user "+keys[i], err)
			}
			users = append(users, &u)
		}
	}
	return users, nil
}

// Leaderboard returns users by points descending. Ties follow sorted set member order.
func (r *RedisStore) Leaderboard(ctx context.Context, limit int) ([]*User, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}
	addresses, err := r.client.ZRevRange(ctx, r.keyLeaderboard, 0, stop).Result()
	if err != nil {
		return nil, unavailable("leaderboard", err)
	}
	return r.loadMany(ctx, addresses)
}

// TotalPoints reads the running total maintained by Update
func (r *RedisStore) TotalPoints(ctx context.Context) (int64, error) {
	total, err := r.client.Get(ctx, r.keyTotal).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, unavailable("total points", err)
	}
	return total, nil
}

// ActiveMinerCount counts sessions ending strictly after now
func (r *RedisStore) ActiveMinerCount(ctx context.Context, now time.Time) (int64, error) {
	lower := "(" + strconv.FormatInt(now.UnixMilli(), 10)
	count, err := r.client.ZCount(ctx, r.keyMining, lower, "+inf").Result()
	if err != nil {
		return 0, unavailable("active miners", err)
	}
	return count, nil
}

// AllUsers returns every user in creation order
func (r *RedisStore) AllUsers(ctx context.Context) ([]*User, error) {
	addresses, err := r.client.LRange(ctx, r.keyIndex, 0, -1).Result()
	if err != nil {
		return nil, unavailable("list users", err)
	}
	return r.loadMany(ctx, addresses)
}

// Close closes the Redis connection
func (r *RedisStore) Close() error {
	return r.client.Close()
}
