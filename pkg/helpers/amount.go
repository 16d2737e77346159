// Package helpers converts between satoshi amounts and decimal strings.
package helpers

import (
	"fmt"
	"math/big"
	"strings"
)

// BTCDecimals is the number of decimal places in one bitcoin.
const BTCDecimals = 8

// FormatAmount formats an amount in smallest units as a decimal string
// without trailing zeros. FormatAmount(150000000, 8) returns "1.5".
func FormatAmount(amount uint64, decimals uint8) string {
	if decimals == 0 {
		return fmt.Sprintf("%d", amount)
	}

	divisor := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	whole, frac := new(big.Int).DivMod(new(big.Int).SetUint64(amount), divisor, new(big.Int))

	if frac.Sign() == 0 {
		return whole.String()
	}

	fracStr := strings.TrimRight(fmt.Sprintf("%0*d", int(decimals), frac), "0")
	return whole.String() + "." + fracStr
}

// ParseAmount parses a decimal string into smallest units. More fractional
// digits than decimals is an error rather than a silent truncation.
func ParseAmount(s string, decimals uint8) (uint64, error) {
	if s == "" {
		return 0, fmt.Errorf("empty amount string")
	}

	wholeStr, fracStr, hasPoint := strings.Cut(s, ".")
	if wholeStr == "" && (!hasPoint || fracStr == "") {
		return 0, fmt.Errorf("invalid amount: %s", s)
	}
	for _, part := range []string{wholeStr, fracStr} {
		for _, c := range part {
			if c < '0' || c > '9' {
				return 0, fmt.Errorf("invalid character in amount: %c", c)
			}
		}
	}

	if len(fracStr) > int(decimals) {
		return 0, fmt.Errorf("amount %s has more than %d decimal places", s, decimals)
	}
	fracStr += strings.Repeat("0", int(decimals)-len(fracStr))

	amount, ok := new(big.Int).SetString(wholeStr+fracStr, 10)
	if !ok {
		return 0, fmt.Errorf("invalid amount: %s", s)
	}
	if !amount.IsUint64() {
		return 0, fmt.Errorf("amount overflow: %s", s)
	}
	return amount.Uint64(), nil
}

// SatoshisToBTC formats satoshis as a BTC string.
func SatoshisToBTC(satoshis uint64) string {
	return FormatAmount(satoshis, BTCDecimals)
}

// BTCToSatoshis parses a BTC string into satoshis.
func BTCToSatoshis(btc string) (uint64, error) {
	return ParseAmount(btc, BTCDecimals)
}
