package storage

import (
	"context"
	"sort"
	"time"
)

// table is an in-memory user dataset. Callers hold the owning store's lock.
type table struct {
	users map[string]*User
	order []string
	codes map[string]string
}

func newTable() *table {
	return &table{
		users: make(map[string]*User),
		codes: make(map[string]string),
	}
}

func (t *table) insert(u *User) {
	t.users[u.WalletAddress] = u
	t.order = append(t.order, u.WalletAddress)
	t.codes[u.ReferralCode] = u.WalletAddress
}

// getOrCreate returns the stored user and whether it was created
func (t *table) getOrCreate(ctx context.Context, address, referralCode string, now time.Time) (*User, bool, error) {
	if u, ok := t.users[address]; ok {
		return u.Clone(), false, nil
	}

	code, err := uniqueReferralCode(ctx, func(code string) (bool, error) {
		_, used := t.codes[code]
		return used, nil
	})
	if err != nil {
		return nil, false, err
	}

	u := newUser(address, code, now)
	if referralCode != "" {
		if owner, ok := t.codes[referralCode]; ok && owner != address {
			u.ReferredBy = &owner
			t.users[owner].ReferredUsersCount++
		}
	}
	t.insert(u)
	return u.Clone(), true, nil
}

func (t *table) get(address string) (*User, error) {
	u, ok := t.users[address]
	if !ok {
		return nil, ErrNotFound
	}
	return u.Clone(), nil
}

func (t *table) update(address string, mutate Mutation) (*User, error) {
	current, ok := t.users[address]
	if !ok {
		return nil, ErrNotFound
	}
	next, err := applyMutation(current, mutate)
	if err != nil {
		return nil, err
	}
	t.users[address] = next
	return next.Clone(), nil
}

func (t *table) all() []*User {
	users := make([]*User, 0, len(t.order))
	for _, addr := range t.order {
		users = append(users, t.users[addr].Clone())
	}
	return users
}

func (t *table) leaderboard(limit int) []*User {
	return topByPoints(t.all(), limit)
}

func (t *table) totalPoints() int64 {
	var total int64
	for _, u := range t.users {
		total += u.Points
	}
	return total
}

func (t *table) activeMiners(now time.Time) int64 {
	var count int64
	for _, u := range t.users {
		if isActive(u, now) {
			count++
		}
	}
	return count
}

// topByPoints sorts users by points descending keeping their input order on ties
func topByPoints(users []*User, limit int) []*User {
	sort.SliceStable(users, func(i, j int) bool {
		return users[i].Points > users[j].Points
	})
	if limit > 0 && len(users) > limit {
		users = users[:limit]
	}
	return users
}
