package storage

import (
	"errors"
	"testing"
	"time"
)

func TestPatchApply(t *testing.T) {
	end := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	claimed := end.Add(-time.Hour)

	u := &User{WalletAddress: addrAlice, Points: 100}
	err := Patch{
		AddPoints:                  1000,
		AddReferralBonus:           100,
		AddReferredUsers:           1,
		MiningEndTime:              &end,
		LastClaimed:                &claimed,
		CompleteTask:               TaskTelegram,
		MarkReferralBonusProcessed: true,
	}.Apply(u)
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}

	if u.Points != 1100 {
		t.Errorf("Points = %d, want 1100", u.Points)
	}
	if u.ReferralBonus != 100 || u.ReferredUsersCount != 1 {
		t.Errorf("ReferralBonus = %d, ReferredUsersCount = %d, want 100 and 1", u.ReferralBonus, u.ReferredUsersCount)
	}
	if u.MiningEndTime == nil || !u.MiningEndTime.Equal(end) {
		t.Errorf("MiningEndTime = %v, want %v", u.MiningEndTime, end)
	}
	if u.LastClaimed == nil || !u.LastClaimed.Equal(claimed) {
		t.Errorf("LastClaimed = %v, want %v", u.LastClaimed, claimed)
	}
	if !u.TasksCompleted.Telegram || u.TasksCompleted.Discord {
		t.Errorf("TasksCompleted = %+v, want only task1", u.TasksCompleted)
	}
	if !u.ReferralBonusProcessed {
		t.Error("ReferralBonusProcessed should be set")
	}

	// The patch keeps its own copy of the time
	end = end.Add(time.Hour)
	if u.MiningEndTime.Equal(end) {
		t.Error("Apply() should copy MiningEndTime")
	}
}

func TestPatchApplyErrors(t *testing.T) {
	end := time.Now()

	if err := (Patch{MiningEndTime: &end, ClearMiningEndTime: true}).Apply(&User{}); err == nil {
		t.Error("Apply() should reject setting and clearing miningEndTime together")
	}
	if err := (Patch{CompleteTask: "task9"}).Apply(&User{}); err == nil {
		t.Error("Apply() should reject unknown tasks")
	}
}

func TestCheckTransition(t *testing.T) {
	ref := addrBob
	base := &User{
		WalletAddress:  addrAlice,
		ReferralCode:   "123456",
		Username:       "7xKX...gAsU",
		ReferredBy:     &ref,
		TasksCompleted: Tasks{Telegram: true},
	}

	tests := []struct {
		name      string
		mutate    func(u *User)
		immutable bool
		wantErr   bool
	}{
		{"points increase", func(u *User) { u.Points += 10 }, false, false},
		{"complete task", func(u *User) { u.TasksCompleted.X = true }, false, false},
		{"revert task", func(u *User) { u.TasksCompleted.Telegram = false }, true, true},
		{"drop referrer", func(u *User) { u.ReferredBy = nil }, true, true},
		{"change referrer", func(u *User) { other := addrCarol; u.ReferredBy = &other }, true, true},
		{"change code", func(u *User) { u.ReferralCode = "654321" }, true, true},
		{"negative points", func(u *User) { u.Points = -1 }, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			next := base.Clone()
			tt.mutate(next)
			err := checkTransition(base, next)
			if (err != nil) != tt.wantErr {
				t.Fatalf("checkTransition() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.immutable && !errors.Is(err, ErrImmutableField) {
				t.Errorf("checkTransition() error = %v, want ErrImmutableField", err)
			}
		})
	}
}

func TestParseTaskID(t *testing.T) {
	for _, id := range AllTasks {
		if got, ok := ParseTaskID(string(id)); !ok || got != id {
			t.Errorf("ParseTaskID(%q) = %q, %v", id, got, ok)
		}
	}
	if _, ok := ParseTaskID("task4"); ok {
		t.Error("ParseTaskID(task4) should fail")
	}
}

func TestUserCloneIsDeep(t *testing.T) {
	end := time.Now()
	ref := addrBob
	u := &User{MiningEndTime: &end, ReferredBy: &ref}

	c := u.Clone()
	*c.MiningEndTime = end.Add(time.Hour)
	*c.ReferredBy = addrCarol

	if !u.MiningEndTime.Equal(end) || *u.ReferredBy != addrBob {
		t.Error("Clone() shares pointers with the original")
	}
}
