package txbuild

import (
	"fmt"
	"strings"
)

// GasTier selects the gas limit used for token transfers.
type GasTier string

const (
	TierAverage GasTier = "average"
	TierFast    GasTier = "fast"
	TierInstant GasTier = "instant"
)

// Token transfer gas limits per tier.
const (
	GasLimitAverage uint64 = 65_000
	GasLimitFast    uint64 = 80_000
	GasLimitInstant uint64 = 100_000
)

// ParseGasTier parses a tier name; the empty string means average.
func ParseGasTier(s string) (GasTier, error) {
	switch GasTier(strings.ToLower(strings.TrimSpace(s))) {
	case "", TierAverage:
		return TierAverage, nil
	case TierFast:
		return TierFast, nil
	case TierInstant:
		return TierInstant, nil
	}
	return "", fmt.Errorf("unknown gas tier %q (want average, fast or instant)", s)
}

// TokenGasLimit returns the token-transfer gas limit for the tier.
func TokenGasLimit(t GasTier) uint64 {
	switch t {
	case TierFast:
		return GasLimitFast
	case TierInstant:
		return GasLimitInstant
	default:
		return GasLimitAverage
	}
}
