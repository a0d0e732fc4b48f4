package domain

import "sort"

// Static symbol -> category tagging for the published view. Keyword lists,
// not an external taxonomy.
var categoryMembers = map[string][]string{
	"meme": {"DOGE", "SHIB", "PEPE", "FLOKI", "BONK", "WIF", "MEME", "MOG",
		"BOME", "BRETT", "POPCAT", "NEIRO", "TURBO", "PNUT"},
	"ai": {"FET", "RENDER", "TAO", "NEAR", "GRT", "WLD", "ARKM", "AI16Z",
		"VIRTUAL", "AIOZ", "AGIX"},
	"defi": {"UNI", "AAVE", "MKR", "LDO", "CRV", "COMP", "SNX", "SUSHI",
		"JUP", "PENDLE", "ENA", "DYDX", "GMX", "CAKE", "RUNE", "1INCH"},
	"layer1": {"BTC", "ETH", "SOL", "BNB", "ADA", "AVAX", "DOT", "TRX",
		"TON", "SUI", "APT", "SEI", "INJ", "ATOM", "NEAR", "FTM", "ALGO",
		"HBAR", "ICP", "KAS", "XRP", "LTC", "BCH"},
	"layer2": {"ARB", "OP", "MATIC", "POL", "STRK", "ZK", "MNT", "IMX",
		"METIS", "MANTA", "BLAST"},
	"gaming": {"AXS", "SAND", "MANA", "GALA", "ILV", "BEAM", "PIXEL",
		"YGG", "PRIME", "RONIN"},
	"rwa": {"ONDO", "POLYX", "CFG", "TRU", "OM"},
}

var categoriesBySymbol map[string][]string

func init() {
	categoriesBySymbol = make(map[string][]string)
	for cat, symbols := range categoryMembers {
		for _, s := range symbols {
			categoriesBySymbol[s] = append(categoriesBySymbol[s], cat)
		}
	}
	for _, cats := range categoriesBySymbol {
		sort.Strings(cats)
	}
}

// CategoriesFor returns the category tags for a normalized symbol, nil if
// untagged.
func CategoriesFor(symbol string) []string {
	return categoriesBySymbol[symbol]
}
