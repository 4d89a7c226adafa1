package storage

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	addrAlice = "7xKXtg2CW87d97TXJSDpbD5jBkheTqA83TZRuJosgAsU"
	addrBob   = "9WzDXwBbmkg8ZTbNMqUxvQRAyrZzDsGYdLVL9zYtAWWM"
	addrCarol = "HN7cABqLq46Es1jh92dQQisAq662SmxELLLsHHe4YWrH"
)

// storeFactory returns a fresh, empty store for one subtest
type storeFactory func(t *testing.T) Store

// withCodes makes randomCode return the given codes in order, then fall back to the default
func withCodes(t *testing.T, codes ...string) {
	t.Helper()
	orig := randomCode
	var mu sync.Mutex
	i := 0
	randomCode = func() string {
		mu.Lock()
		defer mu.Unlock()
		if i < len(codes) {
			c := codes[i]
			i++
			return c
		}
		return orig()
	}
	t.Cleanup(func() { randomCode = orig })
}

func msNow() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}

// runStoreConformance checks the behaviour every Store backend must share
func runStoreConformance(t *testing.T, newStore storeFactory) {
	ctx := context.Background()

	t.Run("CreateDefaults", func(t *testing.T) {
		s := newStore(t)

		u, err := s.GetOrCreate(ctx, addrAlice, "")
		require.NoError(t, err)
		assert.Equal(t, addrAlice, u.WalletAddress)
		assert.Equal(t, int64(0), u.Points)
		assert.Nil(t, u.MiningEndTime)
		assert.Nil(t, u.LastClaimed)
		assert.Nil(t, u.ReferredBy)
		assert.False(t, u.TasksCompleted.All())
		assert.False(t, u.ReferralBonusProcessed)
		assert.Equal(t, "7xKX...gAsU", u.Username)
		assert.False(t, u.CreatedAt.IsZero())

		code, err := strconv.Atoi(u.ReferralCode)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, code, minReferralCode)
		assert.LessOrEqual(t, code, maxReferralCode)
	})

	t.Run("CreateIsIdempotent", func(t *testing.T) {
		s := newStore(t)

		first, err := s.GetOrCreate(ctx, addrAlice, "")
		require.NoError(t, err)
		second, err := s.GetOrCreate(ctx, addrAlice, "")
		require.NoError(t, err)
		assert.Equal(t, first.ReferralCode, second.ReferralCode)

		users, err := s.AllUsers(ctx)
		require.NoError(t, err)
		assert.Len(t, users, 1)
	})

	t.Run("ConcurrentCreateSingleRecord", func(t *testing.T) {
		s := newStore(t)

		const workers = 10
		codes := make([]string, workers)
		errs := make([]error, workers)
		var wg sync.WaitGroup
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				u, err := s.GetOrCreate(ctx, addrAlice, "")
				errs[i] = err
				if err == nil {
					codes[i] = u.ReferralCode
				}
			}(i)
		}
		wg.Wait()

		for i := 0; i < workers; i++ {
			require.NoError(t, errs[i])
			assert.Equal(t, codes[0], codes[i])
		}
		users, err := s.AllUsers(ctx)
		require.NoError(t, err)
		assert.Len(t, users, 1)
	})

	t.Run("EmptyAddress", func(t *testing.T) {
		s := newStore(t)

		_, err := s.GetOrCreate(ctx, "", "")
		assert.ErrorIs(t, err, ErrEmptyAddress)
	})

	t.Run("GetMissing", func(t *testing.T) {
		s := newStore(t)

		_, err := s.Get(ctx, addrAlice)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("ReferralLinksNewUser", func(t *testing.T) {
		s := newStore(t)

		alice, err := s.GetOrCreate(ctx, addrAlice, "")
		require.NoError(t, err)

		bob, err := s.GetOrCreate(ctx, addrBob, alice.ReferralCode)
		require.NoError(t, err)
		require.NotNil(t, bob.ReferredBy)
		assert.Equal(t, addrAlice, *bob.ReferredBy)

		alice, err = s.Get(ctx, addrAlice)
		require.NoError(t, err)
		assert.Equal(t, int64(1), alice.ReferredUsersCount)
		assert.Nil(t, alice.ReferredBy)
	})

	t.Run("ReferralIgnoredForExistingUser", func(t *testing.T) {
		s := newStore(t)

		alice, err := s.GetOrCreate(ctx, addrAlice, "")
		require.NoError(t, err)
		_, err = s.GetOrCreate(ctx, addrBob, "")
		require.NoError(t, err)

		bob, err := s.GetOrCreate(ctx, addrBob, alice.ReferralCode)
		require.NoError(t, err)
		assert.Nil(t, bob.ReferredBy)

		// Own code on an existing record is a self referral
		alice, err = s.GetOrCreate(ctx, addrAlice, alice.ReferralCode)
		require.NoError(t, err)
		assert.Nil(t, alice.ReferredBy)
		assert.Equal(t, int64(0), alice.ReferredUsersCount)
	})

	t.Run("UnknownReferralCode", func(t *testing.T) {
		s := newStore(t)

		bob, err := s.GetOrCreate(ctx, addrBob, "000000")
		require.NoError(t, err)
		assert.Nil(t, bob.ReferredBy)
	})

	t.Run("ReferralCodeCollisionRetries", func(t *testing.T) {
		s := newStore(t)
		withCodes(t, "123456", "123456", "123456", "654321")

		alice, err := s.GetOrCreate(ctx, addrAlice, "")
		require.NoError(t, err)
		bob, err := s.GetOrCreate(ctx, addrBob, "")
		require.NoError(t, err)

		assert.Equal(t, "123456", alice.ReferralCode)
		assert.Equal(t, "654321", bob.ReferralCode)
	})

	t.Run("CodeGenerationHonoursCancel", func(t *testing.T) {
		s := newStore(t)
		_, err := s.GetOrCreate(ctx, addrAlice, "")
		require.NoError(t, err)

		alice, err := s.Get(ctx, addrAlice)
		require.NoError(t, err)

		orig := randomCode
		randomCode = func() string { return alice.ReferralCode }
		t.Cleanup(func() { randomCode = orig })

		cctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
		defer cancel()
		_, err = s.GetOrCreate(cctx, addrBob, "")
		assert.Error(t, err)
	})

	t.Run("UpdateAppliesPatch", func(t *testing.T) {
		s := newStore(t)
		_, err := s.GetOrCreate(ctx, addrAlice, "")
		require.NoError(t, err)

		end := msNow().Add(24 * time.Hour)
		claimed := msNow()
		u, err := s.Update(ctx, addrAlice, Patch{
			AddPoints:     1000,
			MiningEndTime: &end,
			LastClaimed:   &claimed,
			CompleteTask:  TaskDiscord,
		}.Apply)
		require.NoError(t, err)
		assert.Equal(t, int64(1000), u.Points)

		got, err := s.Get(ctx, addrAlice)
		require.NoError(t, err)
		assert.Equal(t, int64(1000), got.Points)
		require.NotNil(t, got.MiningEndTime)
		assert.True(t, end.Equal(*got.MiningEndTime), "miningEndTime = %v, want %v", got.MiningEndTime, end)
		require.NotNil(t, got.LastClaimed)
		assert.True(t, claimed.Equal(*got.LastClaimed))
		assert.True(t, got.TasksCompleted.Discord)
		assert.False(t, got.TasksCompleted.Telegram)

		u, err = s.Update(ctx, addrAlice, Patch{ClearMiningEndTime: true}.Apply)
		require.NoError(t, err)
		assert.Nil(t, u.MiningEndTime)
	})

	t.Run("UpdateMissing", func(t *testing.T) {
		s := newStore(t)

		_, err := s.Update(ctx, addrAlice, Patch{AddPoints: 1}.Apply)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("MutationErrorWritesNothing", func(t *testing.T) {
		s := newStore(t)
		_, err := s.GetOrCreate(ctx, addrAlice, "")
		require.NoError(t, err)

		errStop := errors.New("stop")
		_, err = s.Update(ctx, addrAlice, func(u *User) error {
			u.Points = 500
			return errStop
		})
		assert.ErrorIs(t, err, errStop)

		got, err := s.Get(ctx, addrAlice)
		require.NoError(t, err)
		assert.Equal(t, int64(0), got.Points)
	})

	t.Run("ImmutableFields", func(t *testing.T) {
		s := newStore(t)
		_, err := s.GetOrCreate(ctx, addrAlice, "")
		require.NoError(t, err)
		_, err = s.Update(ctx, addrAlice, Patch{CompleteTask: TaskX, MarkReferralBonusProcessed: true}.Apply)
		require.NoError(t, err)

		mutations := map[string]Mutation{
			"address":   func(u *User) error { u.WalletAddress = addrBob; return nil },
			"code":      func(u *User) error { u.ReferralCode = "111111"; return nil },
			"username":  func(u *User) error { u.Username = "me"; return nil },
			"referrer":  func(u *User) error { r := addrBob; u.ReferredBy = &r; return nil },
			"task":      func(u *User) error { u.TasksCompleted.X = false; return nil },
			"processed": func(u *User) error { u.ReferralBonusProcessed = false; return nil },
		}
		for name, m := range mutations {
			_, err := s.Update(ctx, addrAlice, m)
			assert.ErrorIs(t, err, ErrImmutableField, name)
		}
	})

	t.Run("LeaderboardOrder", func(t *testing.T) {
		s := newStore(t)
		for _, addr := range []string{addrAlice, addrBob, addrCarol} {
			_, err := s.GetOrCreate(ctx, addr, "")
			require.NoError(t, err)
		}
		_, err := s.Update(ctx, addrBob, Patch{AddPoints: 3000}.Apply)
		require.NoError(t, err)
		_, err = s.Update(ctx, addrCarol, Patch{AddPoints: 1000}.Apply)
		require.NoError(t, err)

		top, err := s.Leaderboard(ctx, 0)
		require.NoError(t, err)
		require.Len(t, top, 3)
		assert.Equal(t, addrBob, top[0].WalletAddress)
		assert.Equal(t, addrCarol, top[1].WalletAddress)
		assert.Equal(t, addrAlice, top[2].WalletAddress)

		top, err = s.Leaderboard(ctx, 2)
		require.NoError(t, err)
		require.Len(t, top, 2)
		assert.Equal(t, addrBob, top[0].WalletAddress)
	})

	t.Run("Aggregates", func(t *testing.T) {
		s := newStore(t)
		now := msNow()
		for _, addr := range []string{addrAlice, addrBob, addrCarol} {
			_, err := s.GetOrCreate(ctx, addr, "")
			require.NoError(t, err)
		}

		active := now.Add(time.Hour)
		expired := now.Add(-time.Hour)
		_, err := s.Update(ctx, addrAlice, Patch{AddPoints: 1000, MiningEndTime: &active}.Apply)
		require.NoError(t, err)
		_, err = s.Update(ctx, addrBob, Patch{AddPoints: 250, MiningEndTime: &expired}.Apply)
		require.NoError(t, err)

		total, err := s.TotalPoints(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(1250), total)

		miners, err := s.ActiveMinerCount(ctx, now)
		require.NoError(t, err)
		assert.Equal(t, int64(1), miners)

		// A session ending exactly now is no longer active
		miners, err = s.ActiveMinerCount(ctx, active)
		require.NoError(t, err)
		assert.Equal(t, int64(0), miners)
	})

	t.Run("AllUsersCreationOrder", func(t *testing.T) {
		s := newStore(t)
		for _, addr := range []string{addrCarol, addrAlice, addrBob} {
			_, err := s.GetOrCreate(ctx, addr, "")
			require.NoError(t, err)
		}

		users, err := s.AllUsers(ctx)
		require.NoError(t, err)
		require.Len(t, users, 3)
		assert.Equal(t, addrCarol, users[0].WalletAddress)
		assert.Equal(t, addrAlice, users[1].WalletAddress)
		assert.Equal(t, addrBob, users[2].WalletAddress)
	})

	t.Run("ConcurrentUpdatesSerialize", func(t *testing.T) {
		s := newStore(t)
		_, err := s.GetOrCreate(ctx, addrAlice, "")
		require.NoError(t, err)

		const workers = 10
		var wg sync.WaitGroup
		errs := make(chan error, workers)
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := s.Update(ctx, addrAlice, Patch{AddPoints: 10}.Apply); err != nil {
					errs <- err
				}
			}()
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			t.Errorf("concurrent update failed: %v", err)
		}

		got, err := s.Get(ctx, addrAlice)
		require.NoError(t, err)
		assert.Equal(t, int64(workers*10), got.Points)

		total, err := s.TotalPoints(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(workers*10), total)
	})
}
