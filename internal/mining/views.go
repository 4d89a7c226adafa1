package mining

import (
	"context"
	"strings"

	"github.com/exnus/points-miner/internal/storage"
)

// Stats are the campaign wide counters shown on the dashboard
type Stats struct {
	TotalPointsMined int64 `json:"totalPointsMined"`
	ActiveMiners     int64 `json:"activeMiners"`
	TotalUsers       int64 `json:"totalUsers,omitempty"`
	UserRank         int   `json:"userRank,omitempty"`
}

// Dashboard is everything the dashboard view needs for one user
type Dashboard struct {
	User       *storage.User `json:"user"`
	State      State         `json:"state"`
	TimeLeftMs int64         `json:"timeLeftMs"`
	Stats      Stats         `json:"stats"`
}

// LeaderboardEntry is one row of the public leaderboard
type LeaderboardEntry struct {
	Rank     int    `json:"rank"`
	Username string `json:"username"`
	Points   int64  `json:"points"`
	IsYou    bool   `json:"isYou,omitempty"`
}

// ReferralInfo describes a user's referral link and earnings
type ReferralInfo struct {
	ReferralLink  string `json:"referralLink"`
	ReferralCode  string `json:"referralCode"`
	ReferredUsers int64  `json:"referredUsers"`
	BonusPoints   int64  `json:"bonusPoints"`
}

// rankIn returns the 1-based position of address in board, or len+1 when absent
func rankIn(board []*storage.User, address string) int {
	for i, u := range board {
		if u.WalletAddress == address {
			return i + 1
		}
	}
	return len(board) + 1
}

// Stats returns the global counters
func (s *Service) Stats(ctx context.Context) (*Stats, error) {
	total, err := s.store.TotalPoints(ctx)
	if err != nil {
		return nil, err
	}
	active, err := s.store.ActiveMinerCount(ctx, s.now())
	if err != nil {
		return nil, err
	}
	users, err := s.store.AllUsers(ctx)
	if err != nil {
		return nil, err
	}
	return &Stats{
		TotalPointsMined: total,
		ActiveMiners:     active,
		TotalUsers:       int64(len(users)),
	}, nil
}

// Dashboard loads or creates the user, honouring a referral code on first visit
func (s *Service) Dashboard(ctx context.Context, address, referralCode string) (*Dashboard, error) {
	if address == "" {
		return nil, ErrNotConnected
	}

	u, err := s.store.GetOrCreate(ctx, address, referralCode)
	if err != nil {
		return nil, err
	}
	board, err := s.store.Leaderboard(ctx, 0)
	if err != nil {
		return nil, err
	}
	total, err := s.store.TotalPoints(ctx)
	if err != nil {
		return nil, err
	}

	now := s.now()
	active, err := s.store.ActiveMinerCount(ctx, now)
	if err != nil {
		return nil, err
	}

	return &Dashboard{
		User:       u,
		State:      StateOf(u, now),
		TimeLeftMs: TimeLeft(u, now).Milliseconds(),
		Stats: Stats{
			TotalPointsMined: total,
			ActiveMiners:     active,
			UserRank:         rankIn(board, address),
		},
	}, nil
}

// Rank returns the 1-based leaderboard position of address
func (s *Service) Rank(ctx context.Context, address string) (int, error) {
	board, err := s.store.Leaderboard(ctx, 0)
	if err != nil {
		return 0, err
	}
	return rankIn(board, address), nil
}

// Leaderboard returns the top users, limit <= 0 meaning the configured size
func (s *Service) Leaderboard(ctx context.Context, limit int) ([]*storage.User, error) {
	if limit <= 0 {
		limit = s.rules.LeaderboardLimit
	}
	return s.store.Leaderboard(ctx, limit)
}

// LeaderboardPage returns the top size entries. When address is ranked below
// them it is appended with its true rank.
func (s *Service) LeaderboardPage(ctx context.Context, address string, size int) ([]LeaderboardEntry, error) {
	if size <= 0 {
		size = s.rules.LeaderboardLimit
	}

	board, err := s.store.Leaderboard(ctx, 0)
	if err != nil {
		return nil, err
	}

	entries := make([]LeaderboardEntry, 0, size+1)
	for i, u := range board {
		if i >= size {
			break
		}
		entries = append(entries, LeaderboardEntry{
			Rank:     i + 1,
			Username: u.Username,
			Points:   u.Points,
			IsYou:    address != "" && u.WalletAddress == address,
		})
	}

	if address != "" {
		if rank := rankIn(board, address); rank > size && rank <= len(board) {
			u := board[rank-1]
			entries = append(entries, LeaderboardEntry{
				Rank:     rank,
				Username: u.Username,
				Points:   u.Points,
				IsYou:    true,
			})
		}
	}
	return entries, nil
}

// ReferralInfo returns the user's referral link and earnings
func (s *Service) ReferralInfo(ctx context.Context, address string) (*ReferralInfo, error) {
	if address == "" {
		return nil, ErrNotConnected
	}

	u, err := s.store.GetOrCreate(ctx, address, "")
	if err != nil {
		return nil, err
	}
	return &ReferralInfo{
		ReferralLink:  s.referralLink(u.ReferralCode),
		ReferralCode:  u.ReferralCode,
		ReferredUsers: u.ReferredUsersCount,
		BonusPoints:   u.ReferralBonus,
	}, nil
}

func (s *Service) referralLink(code string) string {
	sep := "?"
	if strings.Contains(s.rules.ReferralLinkBase, "?") {
		sep = "&"
	}
	return s.rules.ReferralLinkBase + sep + "ref=" + code
}

// AllUsers returns every user, for admin reporting
func (s *Service) AllUsers(ctx context.Context) ([]*storage.User, error) {
	return s.store.AllUsers(ctx)
}
