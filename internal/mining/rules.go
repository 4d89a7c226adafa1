package mining

import (
	"time"

	"github.com/exnus/points-miner/internal/config"
)

// Rules holds the reward constants of the campaign
type Rules struct {
	SessionDuration  time.Duration
	SessionReward    int64
	ReferralBonus    int64
	LeaderboardLimit int
	ReferralLinkBase string
}

// DefaultRules returns the reference campaign values
func DefaultRules() Rules {
	return Rules{
		SessionDuration:  24 * time.Hour,
		SessionReward:    1000,
		ReferralBonus:    100,
		LeaderboardLimit: 100,
		ReferralLinkBase: "https://points.exnus.xyz/join",
	}
}

// RulesFromConfig builds rules from the loaded configuration
func RulesFromConfig(cfg *config.Config) Rules {
	r := DefaultRules()
	r.SessionDuration = cfg.Mining.SessionDuration
	r.SessionReward = cfg.Mining.SessionReward
	r.ReferralBonus = cfg.Referral.Bonus
	if cfg.Referral.LinkBase != "" {
		r.ReferralLinkBase = cfg.Referral.LinkBase
	}
	if cfg.API.LeaderboardSize > 0 {
		r.LeaderboardLimit = cfg.API.LeaderboardSize
	}
	return r
}
