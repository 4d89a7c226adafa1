// Package mining implements the task gate, the mining session lifecycle and
// the referral payout on top of a storage.Store.
package mining

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/exnus/points-miner/internal/storage"
	"github.com/exnus/points-miner/internal/util"
)

// User facing messages
const (
	MsgNotConnected    = "Wallet not connected."
	MsgUnknownTask     = "Unknown task."
	MsgTaskCompleted   = "Task completed."
	MsgTasksIncomplete = "Complete all tasks to start mining."
	MsgAlreadyActive   = "Mining is already active."
	MsgActivated       = "Mining activated!"
	MsgNoSession       = "No mining session to claim."
	MsgNotComplete     = "Mining session not yet complete."
)

// ErrNotConnected is returned when an operation has no wallet address
var ErrNotConnected = errors.New("wallet not connected")

// PreconditionError rejects an operation without changing state
type PreconditionError struct {
	Reason string
}

func (e *PreconditionError) Error() string {
	return e.Reason
}

func precondition(reason string) error {
	return &PreconditionError{Reason: reason}
}

// Result is the outcome of a user action
type Result struct {
	Success    bool          `json:"success"`
	Message    string        `json:"message"`
	NewBalance *int64        `json:"newBalance,omitempty"`
	User       *storage.User `json:"user,omitempty"`
}

func failed(reason string) *Result {
	return &Result{Success: false, Message: reason}
}

// resultOf turns precondition failures into a failed result and passes storage errors through
func resultOf(err error) (*Result, error) {
	var pe *PreconditionError
	if errors.As(err, &pe) {
		return failed(pe.Reason), nil
	}
	return nil, err
}

// Clock returns the current time
type Clock func() time.Time

// Option configures a Service
type Option func(*Service)

// WithClock replaces the wall clock, mainly for tests
func WithClock(c Clock) Option {
	return func(s *Service) { s.clock = c }
}

// WithObservers registers event observers
func WithObservers(obs ...Observer) Option {
	return func(s *Service) { s.observers = append(s.observers, obs...) }
}

// Service is the mining session controller
type Service struct {
	store     storage.Store
	rules     Rules
	clock     Clock
	observers []Observer
}

// NewService creates a controller over store
func NewService(store storage.Store, rules Rules, opts ...Option) *Service {
	s := &Service{
		store: store,
		rules: rules,
		clock: time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Rules returns the campaign constants in use
func (s *Service) Rules() Rules {
	return s.rules
}

// AddObserver registers an observer after construction
func (s *Service) AddObserver(o Observer) {
	s.observers = append(s.observers, o)
}

// now is the controller time: UTC with millisecond precision so every backend round-trips it
func (s *Service) now() time.Time {
	return s.clock().UTC().Truncate(time.Millisecond)
}

// CompleteTask marks a follow task as done. Completing it twice is a no-op success.
func (s *Service) CompleteTask(ctx context.Context, address, task string) (*Result, error) {
	if address == "" {
		return nil, ErrNotConnected
	}
	id, ok := storage.ParseTaskID(task)
	if !ok {
		return failed(MsgUnknownTask), nil
	}

	u, err := s.store.GetOrCreate(ctx, address, "")
	if err != nil {
		return nil, err
	}
	if u.TasksCompleted.Done(id) {
		return &Result{Success: true, Message: MsgTaskCompleted, User: u}, nil
	}

	var newly bool
	u, err = s.store.Update(ctx, address, func(u *storage.User) error {
		newly = !u.TasksCompleted.Done(id)
		return storage.Patch{CompleteTask: id}.Apply(u)
	})
	if err != nil {
		return resultOf(err)
	}

	if newly {
		for _, o := range s.observers {
			o.TaskCompleted(address, id)
		}
	}
	return &Result{Success: true, Message: MsgTaskCompleted, User: u}, nil
}

// Activate starts a mining session. An ended session that was never claimed is
// settled in the same update, and a pending referral bonus is released once.
func (s *Service) Activate(ctx context.Context, address string) (*Result, error) {
	if address == "" {
		return nil, ErrNotConnected
	}
	if _, err := s.store.GetOrCreate(ctx, address, ""); err != nil {
		return nil, err
	}

	now := s.now()
	var (
		settled  bool
		referrer string
	)

	u, err := s.store.Update(ctx, address, func(u *storage.User) error {
		// The store may rerun the mutation on conflict
		settled, referrer = false, ""

		if !u.TasksCompleted.All() {
			return precondition(MsgTasksIncomplete)
		}
		if u.MiningEndTime != nil && u.MiningEndTime.After(now) {
			return precondition(MsgAlreadyActive)
		}

		p := storage.Patch{MiningEndTime: ptr(now.Add(s.rules.SessionDuration))}
		if u.MiningEndTime != nil {
			p.AddPoints = s.rules.SessionReward
			p.LastClaimed = &now
			settled = true
		}
		if u.ReferredBy != nil && !u.ReferralBonusProcessed {
			p.MarkReferralBonusProcessed = true
			referrer = *u.ReferredBy
		}
		return p.Apply(u)
	})
	if err != nil {
		return resultOf(err)
	}

	util.Infof("Mining activated for %s until %s", u.Username, u.MiningEndTime.Format(time.RFC3339))
	for _, o := range s.observers {
		if settled {
			o.RewardClaimed(u, s.rules.SessionReward)
		}
		o.MiningActivated(u)
	}

	if referrer != "" {
		s.payReferralBonus(ctx, referrer, address)
	}

	return &Result{Success: true, Message: MsgActivated, User: u}, nil
}

// payReferralBonus credits the referrer after the referred user's processed flag has been
// committed, so a retried activation can never pay twice.
func (s *Service) payReferralBonus(ctx context.Context, referrer, referred string) {
	bonus := s.rules.ReferralBonus
	if bonus <= 0 {
		return
	}

	_, err := s.store.Update(ctx, referrer, storage.Patch{
		AddPoints:        bonus,
		AddReferralBonus: bonus,
	}.Apply)
	if errors.Is(err, storage.ErrNotFound) {
		util.Warnf("Referrer %s of %s no longer exists, bonus skipped", referrer, referred)
		return
	}
	if err != nil {
		util.Errorf("Failed to credit referral bonus to %s for %s: %v", referrer, referred, err)
		return
	}

	util.Infof("Referral bonus of %d paid to %s for %s", bonus, util.ShortAddress(referrer), util.ShortAddress(referred))
	for _, o := range s.observers {
		o.ReferralBonusPaid(referrer, referred, bonus)
	}
}

// Claim collects the reward of an ended session
func (s *Service) Claim(ctx context.Context, address string) (*Result, error) {
	if address == "" {
		return nil, ErrNotConnected
	}
	if _, err := s.store.GetOrCreate(ctx, address, ""); err != nil {
		return nil, err
	}

	now := s.now()
	reward := s.rules.SessionReward

	u, err := s.store.Update(ctx, address, func(u *storage.User) error {
		if u.MiningEndTime == nil {
			return precondition(MsgNoSession)
		}
		if u.MiningEndTime.After(now) {
			return precondition(MsgNotComplete)
		}
		return storage.Patch{
			AddPoints:          reward,
			ClearMiningEndTime: true,
			LastClaimed:        &now,
		}.Apply(u)
	})
	if err != nil {
		return resultOf(err)
	}

	util.Infof("Reward of %d claimed by %s, balance %d", reward, u.Username, u.Points)
	for _, o := range s.observers {
		o.RewardClaimed(u, reward)
	}

	balance := u.Points
	return &Result{
		Success:    true,
		Message:    fmt.Sprintf("+%d points claimed!", reward),
		NewBalance: &balance,
		User:       u,
	}, nil
}

func ptr[T any](v T) *T {
	return &v
}
