package domain

// ExchangeQuote is the per-exchange, per-market slice of a merged ticker.
// Ticker, funding and open interest arrive on independent feeds, so each
// group carries its own freshness timestamp.
type ExchangeQuote struct {
	Symbol    string  `json:"symbol,omitempty"` // exchange-native pair
	Price     float64 `json:"price,omitempty"`
	ChangePct float64 `json:"changePct,omitempty"`
	High24h   float64 `json:"high24h,omitempty"`
	Low24h    float64 `json:"low24h,omitempty"`
	VolumeUSD float64 `json:"volumeUsd,omitempty"`

	FundingRate float64 `json:"fundingRate,omitempty"`
	HasFunding  bool    `json:"hasFunding,omitempty"`

	OpenInterestUSD float64 `json:"openInterestUsd,omitempty"`
	HasOpenInterest bool    `json:"hasOpenInterest,omitempty"`

	TickerUpdated  int64 `json:"tickerUpdated,omitempty"` // unix ms
	FundingUpdated int64 `json:"fundingUpdated,omitempty"`
	OIUpdated      int64 `json:"oiUpdated,omitempty"`
}

// HyperliquidQuote keeps open interest in base-asset units; conversion to
// USD happens at flatten time against the venue's own price.
type HyperliquidQuote struct {
	Symbol         string  `json:"symbol,omitempty"` // coin name, e.g. "BTC"
	LastTradePrice float64 `json:"lastTradePrice,omitempty"`
	MarkPrice      float64 `json:"markPrice,omitempty"`
	VolumeUSD      float64 `json:"volumeUsd,omitempty"`

	FundingRate float64 `json:"fundingRate,omitempty"`
	HasFunding  bool    `json:"hasFunding,omitempty"`

	OpenInterestBase float64 `json:"openInterestBase,omitempty"`
	HasOpenInterest  bool    `json:"hasOpenInterest,omitempty"`

	TradeUpdated   int64 `json:"tradeUpdated,omitempty"`
	MarkUpdated    int64 `json:"markUpdated,omitempty"`
	FundingUpdated int64 `json:"fundingUpdated,omitempty"`
	OIUpdated      int64 `json:"oiUpdated,omitempty"`
}

type ReferenceData struct {
	Symbol     string  `json:"symbol,omitempty"` // canonical symbol
	Name       string  `json:"name,omitempty"`
	MarketCap  float64 `json:"marketCap,omitempty"`
	Rank       int     `json:"rank,omitempty"`
	CircSupply float64 `json:"circSupply,omitempty"`
	Image      string  `json:"image,omitempty"`
	Updated    int64   `json:"updated,omitempty"`
}

// MergedTicker is one normalized symbol's consolidated state. Instances in
// the cache are treated as immutable: every merge replaces the stored
// pointer with a modified copy.
type MergedTicker struct {
	Symbol string `json:"symbol"`

	BinanceSpot    ExchangeQuote    `json:"binanceSpot,omitempty"`
	BybitSpot      ExchangeQuote    `json:"bybitSpot,omitempty"`
	BinanceFutures ExchangeQuote    `json:"binanceFutures,omitempty"`
	BybitFutures   ExchangeQuote    `json:"bybitFutures,omitempty"`
	Hyperliquid    HyperliquidQuote `json:"hyperliquid,omitempty"`

	Ref ReferenceData `json:"ref,omitempty"`

	LastUpdated int64 `json:"lastUpdated"` // unix ms watermark across all feeds
}

// Clone returns a copy safe to mutate. All nested fields are values, so a
// struct copy is enough.
func (m *MergedTicker) Clone() *MergedTicker {
	c := *m
	return &c
}

func (q ExchangeQuote) hasPrice() bool { return q.Price > 0 }

// LastPrice resolves the representative price by fixed venue priority:
// Binance futures, Binance spot, Bybit futures, Bybit spot, Hyperliquid
// last trade, Hyperliquid mark.
func (m *MergedTicker) LastPrice() (float64, bool) {
	switch {
	case m.BinanceFutures.hasPrice():
		return m.BinanceFutures.Price, true
	case m.BinanceSpot.hasPrice():
		return m.BinanceSpot.Price, true
	case m.BybitFutures.hasPrice():
		return m.BybitFutures.Price, true
	case m.BybitSpot.hasPrice():
		return m.BybitSpot.Price, true
	case m.Hyperliquid.LastTradePrice > 0:
		return m.Hyperliquid.LastTradePrice, true
	case m.Hyperliquid.MarkPrice > 0:
		return m.Hyperliquid.MarkPrice, true
	}
	return 0, false
}

// ConversionPrice is the price used to turn base-asset open interest into
// USD. Only Binance prices qualify; the pending readings are Binance's.
func (m *MergedTicker) ConversionPrice() (float64, bool) {
	if m.BinanceFutures.hasPrice() {
		return m.BinanceFutures.Price, true
	}
	if m.BinanceSpot.hasPrice() {
		return m.BinanceSpot.Price, true
	}
	return 0, false
}

func (m *MergedTicker) HasSpot() bool {
	return m.BinanceSpot.hasPrice() || m.BybitSpot.hasPrice()
}

func (m *MergedTicker) HasFutures() bool {
	return m.BinanceFutures.hasPrice() || m.BybitFutures.hasPrice() ||
		m.Hyperliquid.LastTradePrice > 0 || m.Hyperliquid.MarkPrice > 0
}

// PageLinks are venue trade page URLs built from the original symbols.
type PageLinks struct {
	BinanceSpot    string `json:"binanceSpot,omitempty"`
	BinanceFutures string `json:"binanceFutures,omitempty"`
	BybitSpot      string `json:"bybitSpot,omitempty"`
	BybitFutures   string `json:"bybitFutures,omitempty"`
	Hyperliquid    string `json:"hyperliquid,omitempty"`
}

// FlatTicker is the published projection of a MergedTicker.
type FlatTicker struct {
	Symbol          string    `json:"symbol"`
	Name            string    `json:"name,omitempty"`
	Price           float64   `json:"price"`
	ChangePct       float64   `json:"changePct"`
	High24h         float64   `json:"high24h"`
	Low24h          float64   `json:"low24h"`
	VolumeUSD       float64   `json:"volumeUsd"`
	FundingRate     float64   `json:"fundingRate"`
	HasFundingRate  bool      `json:"hasFundingRate"`
	OpenInterestUSD float64   `json:"openInterestUsd"`
	MarketCap       float64   `json:"marketCap,omitempty"`
	Rank            int       `json:"rank,omitempty"`
	Image           string    `json:"image,omitempty"`
	Categories      []string  `json:"categories,omitempty"`
	HasSpot         bool      `json:"hasSpot"`
	HasFutures      bool      `json:"hasFutures"`
	Links           PageLinks `json:"links"`
	LastUpdated     int64     `json:"lastUpdated"`
}

// Flatten projects the merged state into the published shape. The 24h
// stats prefer futures venues over spot, funding is averaged across the
// venues reporting one, and open interest is summed in USD.
func (m *MergedTicker) Flatten() FlatTicker {
	f := FlatTicker{
		Symbol:      m.Symbol,
		Name:        m.Ref.Name,
		MarketCap:   m.Ref.MarketCap,
		Rank:        m.Ref.Rank,
		Image:       m.Ref.Image,
		Categories:  CategoriesFor(m.Symbol),
		HasSpot:     m.HasSpot(),
		HasFutures:  m.HasFutures(),
		LastUpdated: m.LastUpdated,
	}
	f.Price, _ = m.LastPrice()

	// 24h stats, futures first.
	for _, q := range []ExchangeQuote{m.BinanceFutures, m.BybitFutures, m.BinanceSpot, m.BybitSpot} {
		if q.hasPrice() {
			f.ChangePct = q.ChangePct
			f.High24h = q.High24h
			f.Low24h = q.Low24h
			break
		}
	}

	f.VolumeUSD = m.BinanceSpot.VolumeUSD + m.BybitSpot.VolumeUSD +
		m.BinanceFutures.VolumeUSD + m.BybitFutures.VolumeUSD + m.Hyperliquid.VolumeUSD

	var frSum float64
	var frN int
	for _, q := range []ExchangeQuote{m.BinanceFutures, m.BybitFutures} {
		if q.HasFunding {
			frSum += q.FundingRate
			frN++
		}
	}
	if m.Hyperliquid.HasFunding {
		frSum += m.Hyperliquid.FundingRate
		frN++
	}
	if frN > 0 {
		f.FundingRate = frSum / float64(frN)
		f.HasFundingRate = true
	}

	if m.BinanceFutures.HasOpenInterest {
		f.OpenInterestUSD += m.BinanceFutures.OpenInterestUSD
	}
	if m.BybitFutures.HasOpenInterest {
		f.OpenInterestUSD += m.BybitFutures.OpenInterestUSD
	}
	if m.Hyperliquid.HasOpenInterest {
		hlPx := m.Hyperliquid.LastTradePrice
		if hlPx <= 0 {
			hlPx = m.Hyperliquid.MarkPrice
		}
		if hlPx > 0 {
			f.OpenInterestUSD += m.Hyperliquid.OpenInterestBase * hlPx
		}
	}

	f.Links = m.pageLinks()
	return f
}

func (m *MergedTicker) pageLinks() PageLinks {
	var l PageLinks
	if m.BinanceSpot.Symbol != "" {
		l.BinanceSpot = "https://www.binance.com/en/trade/" + m.BinanceSpot.Symbol
	}
	if m.BinanceFutures.Symbol != "" {
		l.BinanceFutures = "https://www.binance.com/en/futures/" + m.BinanceFutures.Symbol
	}
	if m.BybitSpot.Symbol != "" {
		l.BybitSpot = "https://www.bybit.com/en/trade/spot/" + m.BybitSpot.Symbol
	}
	if m.BybitFutures.Symbol != "" {
		l.BybitFutures = "https://www.bybit.com/trade/usdt/" + m.BybitFutures.Symbol
	}
	if m.Hyperliquid.Symbol != "" {
		l.Hyperliquid = "https://app.hyperliquid.xyz/trade/" + m.Hyperliquid.Symbol
	}
	return l
}
