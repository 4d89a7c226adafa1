package storage

import (
	"context"
	"crypto/rand"
	"math/big"
	"strconv"
)

const (
	minReferralCode = 100000
	maxReferralCode = 999999
)

// randomCode draws a 6 digit referral code. Tests replace it to force collisions.
var randomCode = func() string {
	n, err := rand.Int(rand.Reader, big.NewInt(maxReferralCode-minReferralCode+1))
	if err != nil {
		panic(err)
	}
	return strconv.FormatInt(minReferralCode+n.Int64(), 10)
}

// uniqueReferralCode draws codes until taken reports one as unused
func uniqueReferralCode(ctx context.Context, taken func(code string) (bool, error)) (string, error) {
	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		code := randomCode()
		used, err := taken(code)
		if err != nil {
			return "", err
		}
		if !used {
			return code, nil
		}
	}
}
