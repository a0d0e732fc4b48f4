// Package exchange holds the pieces shared by every connector: the symbol
// normalizer and the websocket read loop.
package exchange

import (
	"strings"
)

// Quote suffixes accepted by Normalize, longest first.
var quoteAssets = []string{"USDT", "BUSD", "USDC", "TUSD"}

// Multiplier prefixes some venues use for low-value assets (1000SHIBUSDT).
var multiplierPrefixes = []string{"10000", "1000", "100"}

// Multiplier suffixes in the Bybit style (PEPE1000USDT, MOG1000000USDT).
var multiplierSuffixes = []string{"1000000", "10000", "1000"}

var leverageWords = []string{"UP", "DOWN", "BULL", "BEAR", "LONG", "SHORT"}

// Bases that end in a leverage word but are real assets, not leveraged
// products.
var leverageExempt = map[string]struct{}{
	"SYRUP": {},
	"JUP":   {},
}

var denyList = map[string]struct{}{
	"USDT": {}, "BUSD": {}, "USDC": {}, "TUSD": {}, "FDUSD": {},
	"DAI": {}, "USDP": {}, "USTC": {}, "STETH": {},
}

var aliases = map[string]string{
	"WBT": "WBTC",
}

// Normalize reduces an exchange-native pair to its canonical base symbol.
// Inputs that do not end in a known quote asset, reduce to nothing, or name
// a deny-listed stablecoin/derivative yield ok=false. Pure function.
func Normalize(raw string) (string, bool) {
	base := strings.ToUpper(strings.TrimSpace(raw))
	if base == "" {
		return "", false
	}

	ok := false
	for _, q := range quoteAssets {
		if strings.HasSuffix(base, q) {
			base = base[:len(base)-len(q)]
			ok = true
			break
		}
	}
	if !ok {
		return "", false
	}

	for _, p := range multiplierPrefixes {
		if strings.HasPrefix(base, p) {
			base = base[len(p):]
			break
		}
	}
	for _, s := range multiplierSuffixes {
		if strings.HasSuffix(base, s) && len(base) > len(s)+1 {
			base = base[:len(base)-len(s)]
			break
		}
	}

	base = stripLeverage(base)
	base = strings.TrimSuffix(base, "PERP")

	if _, denied := denyList[base]; denied {
		return "", false
	}
	if !validToken(base) {
		return "", false
	}
	if alias, has := aliases[base]; has {
		base = alias
	}
	return base, true
}

// stripLeverage removes trailing leveraged-token decorations: BTCUP,
// ETHBULL, XRP3X, ADADOWN15X. Bases on the exempt list and bases that
// would reduce below two characters are left alone.
func stripLeverage(base string) string {
	if _, exempt := leverageExempt[base]; exempt {
		return base
	}

	for _, w := range leverageWords {
		// Optional digits+X after the word, e.g. ETHUP2X.
		trimmed := base
		if i := len(trimmed) - 1; i >= 0 && trimmed[i] == 'X' {
			j := i
			for j > 0 && trimmed[j-1] >= '0' && trimmed[j-1] <= '9' {
				j--
			}
			if j < i {
				trimmed = trimmed[:j]
			}
		}
		if strings.HasSuffix(trimmed, w) && len(trimmed)-len(w) >= 2 {
			return trimmed[:len(trimmed)-len(w)]
		}
	}

	// Bare nX suffix, e.g. XRP3X.
	if i := len(base) - 1; i > 0 && base[i] == 'X' {
		j := i
		for j > 0 && base[j-1] >= '0' && base[j-1] <= '9' {
			j--
		}
		if j < i && base[j] != '0' && j >= 2 {
			return base[:j]
		}
	}
	return base
}

func validToken(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < 'A' || c > 'Z') && (c < '0' || c > '9') {
			return false
		}
	}
	return true
}

// CanonicalAsset folds wrapped assets onto their underlying for reference
// data matching.
func CanonicalAsset(symbol string) string {
	switch symbol {
	case "WBTC":
		return "BTC"
	case "WETH":
		return "ETH"
	}
	return symbol
}
