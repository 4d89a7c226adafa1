package mining

import "github.com/exnus/points-miner/internal/storage"

// Observer receives mining events after they are persisted.
// Callbacks run on the request goroutine and must not block.
type Observer interface {
	TaskCompleted(address string, task storage.TaskID)
	MiningActivated(u *storage.User)
	RewardClaimed(u *storage.User, reward int64)
	ReferralBonusPaid(referrer, referred string, bonus int64)
}

// NopObserver implements Observer with no-ops, for embedding
type NopObserver struct{}

func (NopObserver) TaskCompleted(string, storage.TaskID)    {}
func (NopObserver) MiningActivated(*storage.User)           {}
func (NopObserver) RewardClaimed(*storage.User, int64)      {}
func (NopObserver) ReferralBonusPaid(string, string, int64) {}
