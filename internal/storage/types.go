// Package storage provides user record persistence for the points miner.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/exnus/points-miner/internal/util"
)

var (
	// ErrNotFound is returned when no record exists for an address
	ErrNotFound = errors.New("user not found")
	// ErrStorageUnavailable wraps every fault of the backing medium
	ErrStorageUnavailable = errors.New("storage unavailable")
	// ErrImmutableField is returned when a mutation touches identity fields
	ErrImmutableField = errors.New("immutable field modified")
	// ErrConflict is returned when optimistic retries are exhausted
	ErrConflict = fmt.Errorf("%w: too many concurrent writers", ErrStorageUnavailable)
	// ErrEmptyAddress is returned for operations without a wallet address
	ErrEmptyAddress = errors.New("wallet address is empty")

	errDuplicateReferralCode = errors.New("duplicate referral code")
	errClosed                = errors.New("store is closed")
)

// unavailable wraps a backend error so callers can match ErrStorageUnavailable
func unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrStorageUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %s: %v", ErrStorageUnavailable, op, err)
}

// TaskID names one of the social follow tasks
type TaskID string

const (
	TaskTelegram TaskID = "task1"
	TaskDiscord  TaskID = "task2"
	TaskX        TaskID = "task3"
)

// AllTasks lists the tasks in display order
var AllTasks = []TaskID{TaskTelegram, TaskDiscord, TaskX}

// ParseTaskID validates a task identifier
func ParseTaskID(s string) (TaskID, bool) {
	for _, id := range AllTasks {
		if string(id) == s {
			return id, true
		}
	}
	return "", false
}

// Tasks holds the completion flags of the social follow tasks
type Tasks struct {
	Telegram bool `json:"task1"`
	Discord  bool `json:"task2"`
	X        bool `json:"task3"`
}

// All reports whether every task is complete
func (t Tasks) All() bool {
	return t.Telegram && t.Discord && t.X
}

// Done reports whether the given task is complete
func (t Tasks) Done(id TaskID) bool {
	switch id {
	case TaskTelegram:
		return t.Telegram
	case TaskDiscord:
		return t.Discord
	case TaskX:
		return t.X
	}
	return false
}

// Complete marks a task as done
func (t *Tasks) Complete(id TaskID) bool {
	switch id {
	case TaskTelegram:
		t.Telegram = true
	case TaskDiscord:
		t.Discord = true
	case TaskX:
		t.X = true
	default:
		return false
	}
	return true
}

// covers reports whether every flag set in prev is still set in t
func (t Tasks) covers(prev Tasks) bool {
	return (!prev.Telegram || t.Telegram) && (!prev.Discord || t.Discord) && (!prev.X || t.X)
}

// User is the persisted state of one wallet
type User struct {
	WalletAddress          string     `json:"walletAddress"`
	Points                 int64      `json:"points"`
	MiningEndTime          *time.Time `json:"miningEndTime"`
	TasksCompleted         Tasks      `json:"tasksCompleted"`
	ReferralCode           string     `json:"referralCode"`
	ReferredBy             *string    `json:"referredBy"`
	ReferredUsersCount     int64      `json:"referredUsersCount"`
	ReferralBonus          int64      `json:"referralBonus"`
	ReferralBonusProcessed bool       `json:"referralBonusProcessed"`
	LastClaimed            *time.Time `json:"lastClaimed"`
	Username               string     `json:"username"`
	CreatedAt              time.Time  `json:"createdAt"`
}

// Clone returns a deep copy of the user
func (u *User) Clone() *User {
	c := *u
	if u.MiningEndTime != nil {
		t := *u.MiningEndTime
		c.MiningEndTime = &t
	}
	if u.LastClaimed != nil {
		t := *u.LastClaimed
		c.LastClaimed = &t
	}
	if u.ReferredBy != nil {
		r := *u.ReferredBy
		c.ReferredBy = &r
	}
	return &c
}

// newUser builds a fresh record for address
func newUser(address, code string, now time.Time) *User {
	return &User{
		WalletAddress: address,
		ReferralCode:  code,
		Username:      util.ShortAddress(address),
		CreatedAt:     now.UTC().Truncate(time.Millisecond),
	}
}

// Mutation edits a user record inside the store's atomic section.
// Returning an error aborts the update without writing anything.
type Mutation func(u *User) error

// Store is the user record persistence contract shared by every backend
type Store interface {
	// GetOrCreate returns the record for address, creating it on first use.
	// A referral code of another existing user links the new record to its owner.
	GetOrCreate(ctx context.Context, address, referralCode string) (*User, error)
	// Get returns ErrNotFound when address has no record.
	Get(ctx context.Context, address string) (*User, error)
	// Update applies mutate atomically to the stored record.
	Update(ctx context.Context, address string, mutate Mutation) (*User, error)
	// Leaderboard returns users by points descending; limit <= 0 returns all.
	Leaderboard(ctx context.Context, limit int) ([]*User, error)
	TotalPoints(ctx context.Context) (int64, error)
	ActiveMinerCount(ctx context.Context, now time.Time) (int64, error)
	AllUsers(ctx context.Context) ([]*User, error)
	Close() error
}

// applyMutation runs mutate on a copy of current and checks the record invariants
func applyMutation(current *User, mutate Mutation) (*User, error) {
	next := current.Clone()
	if err := mutate(next); err != nil {
		return nil, err
	}
	if err := checkTransition(current, next); err != nil {
		return nil, err
	}
	return next, nil
}

// checkTransition rejects changes that violate the record invariants
func checkTransition(prev, next *User) error {
	switch {
	case next.WalletAddress != prev.WalletAddress:
		return fmt.Errorf("%w: walletAddress", ErrImmutableField)
	case next.ReferralCode != prev.ReferralCode:
		return fmt.Errorf("%w: referralCode", ErrImmutableField)
	case next.Username != prev.Username:
		return fmt.Errorf("%w: username", ErrImmutableField)
	case !next.CreatedAt.Equal(prev.CreatedAt):
		return fmt.Errorf("%w: createdAt", ErrImmutableField)
	case !sameRef(prev.ReferredBy, next.ReferredBy):
		return fmt.Errorf("%w: referredBy", ErrImmutableField)
	case !next.TasksCompleted.covers(prev.TasksCompleted):
		return fmt.Errorf("%w: completed tasks cannot revert", ErrImmutableField)
	case prev.ReferralBonusProcessed && !next.ReferralBonusProcessed:
		return fmt.Errorf("%w: referralBonusProcessed cannot reset", ErrImmutableField)
	case next.Points < 0 || next.ReferralBonus < 0 || next.ReferredUsersCount < 0:
		return fmt.Errorf("counters must not be negative")
	}
	return nil
}

func sameRef(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// isActive reports whether the user has a session ending after now
func isActive(u *User, now time.Time) bool {
	return u.MiningEndTime != nil && u.MiningEndTime.After(now)
}

func checkAddress(address string) error {
	if address == "" {
		return ErrEmptyAddress
	}
	return nil
}
