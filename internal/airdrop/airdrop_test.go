package airdrop

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/exnus/points-miner/internal/storage"
)

func users(points map[string]int64) []*storage.User {
	out := make([]*storage.User, 0, len(points))
	for addr, p := range points {
		out = append(out, &storage.User{WalletAddress: addr, Points: p})
	}
	return out
}

func TestAllocateProportional(t *testing.T) {
	supply := decimal.NewFromInt(100_000_000)

	got := Allocate(users(map[string]int64{"user1": 300, "user2": 700}), supply)
	require.Len(t, got, 2)

	assert.Equal(t, "user2", got[0].Address)
	assert.True(t, got[0].Allocation.Equal(decimal.NewFromInt(70_000_000)), "user2 = %s", got[0].Allocation)
	assert.Equal(t, "user1", got[1].Address)
	assert.True(t, got[1].Allocation.Equal(decimal.NewFromInt(30_000_000)), "user1 = %s", got[1].Allocation)
}

func TestAllocateZeroPoints(t *testing.T) {
	got := Allocate(users(map[string]int64{"a": 0, "b": 0, "c": 0}), decimal.NewFromInt(100_000_000))
	require.Len(t, got, 3)
	for _, a := range got {
		assert.True(t, a.Allocation.IsZero(), "%s got %s", a.Address, a.Allocation)
	}
	// Equal allocations fall back to address order
	assert.Equal(t, []string{"a", "b", "c"}, []string{got[0].Address, got[1].Address, got[2].Address})
}

func TestAllocateEmpty(t *testing.T) {
	assert.Empty(t, Allocate(nil, decimal.NewFromInt(1)))
}

func TestAllocateRepeatingShare(t *testing.T) {
	got := Allocate(users(map[string]int64{"a": 1, "b": 1, "c": 1}), decimal.NewFromInt(100))
	for _, a := range got {
		assert.Equal(t, "33.333333333333333333", a.Allocation.String())
	}
}

func TestSummarize(t *testing.T) {
	s := Summarize(users(map[string]int64{"user1": 300, "user2": 700}), decimal.NewFromInt(100_000_000))

	assert.Equal(t, 2, s.Users)
	assert.Equal(t, int64(1000), s.TotalPoints)
	assert.True(t, s.TotalAllocated.Equal(decimal.NewFromInt(100_000_000)))
	assert.Len(t, s.Allocations, 2)
}

func TestParseSupply(t *testing.T) {
	tests := []struct {
		input   string
		want    string
		wantErr bool
	}{
		{"100000000", "100000000", false},
		{"1.5", "1.5", false},
		{"-1", "", true},
		{"lots", "", true},
		{"", "", true},
	}

	for _, tt := range tests {
		got, err := ParseSupply(tt.input)
		if tt.wantErr {
			assert.Error(t, err, tt.input)
			continue
		}
		require.NoError(t, err, tt.input)
		assert.Equal(t, tt.want, got.String())
	}
}
