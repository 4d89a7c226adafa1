// Package airdrop computes the proportional token allocation over all users.
package airdrop

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/exnus/points-miner/internal/storage"
)

// Allocation is one user's share of the supply
type Allocation struct {
	Address    string          `json:"address"`
	Points     int64           `json:"points"`
	Allocation decimal.Decimal `json:"allocation"`
}

// Summary describes an allocation run
type Summary struct {
	TotalSupply    decimal.Decimal `json:"totalSupply"`
	TotalPoints    int64           `json:"totalPoints"`
	Users          int             `json:"users"`
	TotalAllocated decimal.Decimal `json:"totalAllocated"`
	Allocations    []Allocation    `json:"allocations"`
}

// divisionPrecision bounds the decimal places of a non-terminating share
const divisionPrecision = 18

// Allocate splits totalSupply in proportion to points. Everyone gets zero when no points exist.
// Results are ordered by allocation descending, then address.
func Allocate(users []*storage.User, totalSupply decimal.Decimal) []Allocation {
	var total int64
	for _, u := range users {
		total += u.Points
	}

	out := make([]Allocation, 0, len(users))
	totalPoints := decimal.NewFromInt(total)
	for _, u := range users {
		share := decimal.Zero
		if total > 0 {
			share = totalSupply.Mul(decimal.NewFromInt(u.Points)).DivRound(totalPoints, divisionPrecision)
		}
		out = append(out, Allocation{
			Address:    u.WalletAddress,
			Points:     u.Points,
			Allocation: share,
		})
	}

	sort.SliceStable(out, func(i, j int) bool {
		if c := out[i].Allocation.Cmp(out[j].Allocation); c != 0 {
			return c > 0
		}
		return out[i].Address < out[j].Address
	})
	return out
}

// Summarize allocates and totals the result
func Summarize(users []*storage.User, totalSupply decimal.Decimal) *Summary {
	allocations := Allocate(users, totalSupply)

	s := &Summary{
		TotalSupply:    totalSupply,
		Users:          len(users),
		TotalAllocated: decimal.Zero,
		Allocations:    allocations,
	}
	for _, a := range allocations {
		s.TotalPoints += a.Points
		s.TotalAllocated = s.TotalAllocated.Add(a.Allocation)
	}
	return s
}

// ParseSupply parses a non-negative decimal token supply
func ParseSupply(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid total supply %q: %w", s, err)
	}
	if d.IsNegative() {
		return decimal.Zero, fmt.Errorf("total supply %s must not be negative", s)
	}
	return d, nil
}
