package storage

import (
	"fmt"
	"time"
)

// Patch is a partial update of a user record. Zero fields are left untouched.
type Patch struct {
	AddPoints                  int64
	AddReferralBonus           int64
	AddReferredUsers           int64
	MiningEndTime              *time.Time
	ClearMiningEndTime         bool
	LastClaimed                *time.Time
	CompleteTask               TaskID
	MarkReferralBonusProcessed bool
}

// Apply merges the patch into u. It satisfies Mutation.
func (p Patch) Apply(u *User) error {
	if p.MiningEndTime != nil && p.ClearMiningEndTime {
		return fmt.Errorf("patch sets and clears miningEndTime")
	}
	if p.CompleteTask != "" && !u.TasksCompleted.Complete(p.CompleteTask) {
		return fmt.Errorf("unknown task %q", p.CompleteTask)
	}

	u.Points += p.AddPoints
	u.ReferralBonus += p.AddReferralBonus
	u.ReferredUsersCount += p.AddReferredUsers

	if p.MiningEndTime != nil {
		t := *p.MiningEndTime
		u.MiningEndTime = &t
	}
	if p.ClearMiningEndTime {
		u.MiningEndTime = nil
	}
	if p.LastClaimed != nil {
		t := *p.LastClaimed
		u.LastClaimed = &t
	}
	if p.MarkReferralBonusProcessed {
		u.ReferralBonusProcessed = true
	}
	return nil
}
