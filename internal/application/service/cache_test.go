package service

import (
	"testing"
	"time"

	"coinpulse/internal/application"
	"coinpulse/internal/application/port"
	"coinpulse/internal/domain"
)

func binanceTicker(symbol string, price float64) port.TickerEvent {
	return port.TickerEvent{
		Exchange: application.ExchangeBinance,
		Market:   application.MarketFutures,
		Symbol:   symbol,
		Price:    price,
		Ts:       time.Now().UnixMilli(),
	}
}

func binanceBaseOI(symbol string, value float64) port.OpenInterestEvent {
	return port.OpenInterestEvent{
		Exchange:  application.ExchangeBinance,
		Symbol:    symbol,
		Value:     value,
		BaseAsset: true,
		Ts:        time.Now().UnixMilli(),
	}
}

func TestMergeOrderingIndependence(t *testing.T) {
	// Ticker first, then OI.
	c1 := NewCache(10 * time.Second)
	c1.MergeTicker(binanceTicker("BTCUSDT", 50000))
	c1.MergeOpenInterest(binanceBaseOI("BTCUSDT", 100))

	// OI first (pends), then ticker (resolves).
	c2 := NewCache(10 * time.Second)
	c2.MergeOpenInterest(binanceBaseOI("BTCUSDT", 100))
	if c2.PendingCount() != 1 {
		t.Fatalf("OI without price must pend, got %d pending", c2.PendingCount())
	}
	c2.MergeTicker(binanceTicker("BTCUSDT", 50000))

	for i, c := range []*Cache{c1, c2} {
		got, ok := c.Get("BTC")
		if !ok {
			t.Fatalf("cache %d: BTC missing", i+1)
		}
		if !got.BinanceFutures.HasOpenInterest || got.BinanceFutures.OpenInterestUSD != 100*50000 {
			t.Errorf("cache %d: OI = %v, want %v", i+1, got.BinanceFutures.OpenInterestUSD, 100*50000.0)
		}
	}
	if c2.PendingCount() != 0 {
		t.Errorf("resolved pending must be cleared, got %d", c2.PendingCount())
	}
}

func TestPendingExpiry(t *testing.T) {
	c := NewCache(10 * time.Second)
	c.MergeOpenInterest(binanceBaseOI("ETHUSDT", 500))
	if c.PendingCount() != 1 {
		t.Fatal("reading must pend")
	}

	// Not yet expired.
	c.SweepPending(time.Now().Add(5 * time.Second))
	if c.PendingCount() != 1 {
		t.Fatal("reading expired early")
	}

	c.SweepPending(time.Now().Add(11 * time.Second))
	if c.PendingCount() != 0 {
		t.Fatal("reading must be swept after the timeout")
	}

	// A price arriving after expiry must not resurrect the reading.
	c.MergeTicker(binanceTicker("ETHUSDT", 3000))
	got, ok := c.Get("ETH")
	if !ok {
		t.Fatal("ETH missing")
	}
	if got.BinanceFutures.HasOpenInterest {
		t.Error("expired OI must not be applied")
	}
}

func TestFundingAndOINeverCreate(t *testing.T) {
	c := NewCache(10 * time.Second)

	c.MergeFunding(port.FundingEvent{
		Exchange: application.ExchangeBinance, Symbol: "SOLUSDT", Rate: 0.0001, Ts: 1,
	})
	c.MergeOpenInterest(port.OpenInterestEvent{
		Exchange: application.ExchangeBybit, Symbol: "SOLUSDT", Value: 1e9, Ts: 1,
	})
	c.MergeTrade(port.TradeEvent{Exchange: application.ExchangeHyperliquid, Symbol: "SOL", Price: 150, Ts: 1})
	c.MergeMarkPrice(port.MarkPriceEvent{Exchange: application.ExchangeHyperliquid, Symbol: "SOL", Price: 150, Ts: 1})
	c.MergeReferenceData(domain.ReferenceData{Symbol: "SOL", MarketCap: 1e10, Updated: 1})

	if _, ok := c.Peek("SOL"); ok {
		t.Fatal("update-only merges must not create entries")
	}
}

func TestBybitTickerNeverCreates(t *testing.T) {
	c := NewCache(10 * time.Second)
	c.MergeTicker(port.TickerEvent{
		Exchange: application.ExchangeBybit,
		Market:   application.MarketFutures,
		Symbol:   "DOGEUSDT",
		Price:    0.1,
		Ts:       1,
	})
	if _, ok := c.Peek("DOGE"); ok {
		t.Fatal("bybit tickers must not create entries")
	}

	// Once Binance establishes the entry, the Bybit update lands.
	c.MergeTicker(binanceTicker("DOGEUSDT", 0.1))
	c.MergeTicker(port.TickerEvent{
		Exchange: application.ExchangeBybit,
		Market:   application.MarketFutures,
		Symbol:   "DOGEUSDT",
		Price:    0.101,
		Ts:       2,
	})
	got, _ := c.Get("DOGE")
	if got.BybitFutures.Price != 0.101 {
		t.Errorf("bybit futures price = %v", got.BybitFutures.Price)
	}
}

func TestMergeNormalizesSymbols(t *testing.T) {
	c := NewCache(10 * time.Second)
	c.MergeTicker(port.TickerEvent{
		Exchange: application.ExchangeBinance,
		Market:   application.MarketFutures,
		Symbol:   "1000PEPEUSDT",
		Price:    0.012,
		Ts:       1,
	})

	got, ok := c.Get("PEPE")
	if !ok {
		t.Fatal("PEPE missing")
	}
	if got.BinanceFutures.Symbol != "1000PEPEUSDT" {
		t.Errorf("native symbol must be preserved, got %q", got.BinanceFutures.Symbol)
	}

	// Hyperliquid k-prefixed coins land on the same entry.
	c.MergeTrade(port.TradeEvent{Exchange: application.ExchangeHyperliquid, Symbol: "kPEPE", Price: 0.0121, Ts: 2})
	got, _ = c.Get("PEPE")
	if got.Hyperliquid.LastTradePrice != 0.0121 {
		t.Errorf("hyperliquid trade not merged: %+v", got.Hyperliquid)
	}
}

func TestMergeSkipsUnusablePrices(t *testing.T) {
	c := NewCache(10 * time.Second)
	c.MergeTicker(binanceTicker("BTCUSDT", 0))
	c.MergeTicker(binanceTicker("BTCUSDT", -5))
	if _, ok := c.Peek("BTC"); ok {
		t.Fatal("non-positive prices must be skipped")
	}
}

func TestImmutableReplacement(t *testing.T) {
	c := NewCache(10 * time.Second)
	c.MergeTicker(binanceTicker("BTCUSDT", 50000))
	before, _ := c.Get("BTC")

	c.MergeTicker(binanceTicker("BTCUSDT", 51000))
	after, _ := c.Get("BTC")

	if before == after {
		t.Fatal("merge must replace the stored pointer")
	}
	if before.BinanceFutures.Price != 50000 {
		t.Error("old snapshot mutated in place")
	}
	if after.BinanceFutures.Price != 51000 {
		t.Error("new snapshot missing the update")
	}
}

func TestTickerMergePreservesFundingFreshness(t *testing.T) {
	c := NewCache(10 * time.Second)
	c.MergeTicker(binanceTicker("BTCUSDT", 50000))
	c.MergeFunding(port.FundingEvent{
		Exchange: application.ExchangeBinance, Symbol: "BTCUSDT", Rate: 0.0001, Ts: 42,
	})

	// A later ticker update must not clobber the funding group.
	c.MergeTicker(binanceTicker("BTCUSDT", 50100))
	got, _ := c.Get("BTC")
	if !got.BinanceFutures.HasFunding || got.BinanceFutures.FundingRate != 0.0001 {
		t.Errorf("funding lost on ticker merge: %+v", got.BinanceFutures)
	}
	if got.BinanceFutures.FundingUpdated != 42 {
		t.Errorf("funding freshness overwritten: %d", got.BinanceFutures.FundingUpdated)
	}
}

func TestWarmLoad(t *testing.T) {
	now := time.Now().UnixMilli()
	fresh := &domain.MergedTicker{
		Symbol:         "BTC",
		BinanceFutures: domain.ExchangeQuote{Price: 50000},
		LastUpdated:    now,
	}
	stale := &domain.MergedTicker{
		Symbol:         "OLD",
		BinanceFutures: domain.ExchangeQuote{Price: 1},
		LastUpdated:    now - (25 * time.Hour).Milliseconds(),
	}
	priceless := &domain.MergedTicker{Symbol: "GHOST", LastUpdated: now}

	c := NewCache(10 * time.Second)
	loaded := c.WarmLoad([]*domain.MergedTicker{fresh, stale, priceless, nil}, 24*time.Hour)
	if loaded != 1 {
		t.Fatalf("loaded = %d, want 1", loaded)
	}
	if _, ok := c.Get("BTC"); !ok {
		t.Error("fresh record missing")
	}
	if _, ok := c.Peek("OLD"); ok {
		t.Error("stale record loaded")
	}
	if _, ok := c.Peek("GHOST"); ok {
		t.Error("priceless record loaded")
	}

	// Live data always outranks warm data.
	c.MergeTicker(binanceTicker("BTCUSDT", 51000))
	got, _ := c.Get("BTC")
	if got.BinanceFutures.Price != 51000 {
		t.Error("live merge must win over warm data")
	}
}

func TestOnChangeFires(t *testing.T) {
	c := NewCache(10 * time.Second)
	var changes []string
	c.SetOnChange(func(sym string) { changes = append(changes, sym) })

	c.MergeTicker(binanceTicker("BTCUSDT", 50000))
	c.MergeFunding(port.FundingEvent{
		Exchange: application.ExchangeBinance, Symbol: "BTCUSDT", Rate: 0.0001, Ts: 1,
	})
	// Dropped merges must not notify.
	c.MergeFunding(port.FundingEvent{
		Exchange: application.ExchangeBinance, Symbol: "UNKNOWNUSDT", Rate: 0.0001, Ts: 1,
	})

	if len(changes) != 2 {
		t.Fatalf("changes = %v, want 2 entries", changes)
	}
	for _, s := range changes {
		if s != "BTC" {
			t.Errorf("unexpected change symbol %q", s)
		}
	}
}
