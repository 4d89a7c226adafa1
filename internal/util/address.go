package util

import (
	"strings"

	"github.com/mr-tron/base58"
)

// Solana public keys are 32 bytes, base58 encoded to 32..44 characters.
const (
	publicKeyLen  = 32
	minAddressLen = 32
	maxAddressLen = 44
)

// ValidateAddress reports whether s is a base58 encoded Solana public key
func ValidateAddress(s string) bool {
	if len(s) < minAddressLen || len(s) > maxAddressLen {
		return false
	}

	decoded, err := base58.Decode(s)
	if err != nil {
		return false
	}
	return len(decoded) == publicKeyLen
}

// NormalizeAddress trims surrounding whitespace from a wallet address
func NormalizeAddress(s string) string {
	return strings.TrimSpace(s)
}

// ShortAddress returns the display label for a wallet address, e.g. "7xKX...9fGh"
func ShortAddress(address string) string {
	if len(address) <= 8 {
		return address
	}
	return address[:4] + "..." + address[len(address)-4:]
}
