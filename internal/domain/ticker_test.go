package domain

import "testing"

func TestLastPricePriority(t *testing.T) {
	cases := []struct {
		name string
		m    MergedTicker
		want float64
		ok   bool
	}{
		{
			name: "binance futures wins",
			m: MergedTicker{
				BinanceFutures: ExchangeQuote{Price: 101},
				BinanceSpot:    ExchangeQuote{Price: 100},
				BybitFutures:   ExchangeQuote{Price: 102},
			},
			want: 101, ok: true,
		},
		{
			name: "binance spot before bybit futures",
			m: MergedTicker{
				BinanceSpot:  ExchangeQuote{Price: 100},
				BybitFutures: ExchangeQuote{Price: 102},
			},
			want: 100, ok: true,
		},
		{
			name: "hyperliquid trade before mark",
			m: MergedTicker{
				Hyperliquid: HyperliquidQuote{LastTradePrice: 99, MarkPrice: 98},
			},
			want: 99, ok: true,
		},
		{
			name: "mark only",
			m: MergedTicker{
				Hyperliquid: HyperliquidQuote{MarkPrice: 98},
			},
			want: 98, ok: true,
		},
		{
			name: "no price",
			m:    MergedTicker{BinanceFutures: ExchangeQuote{FundingRate: 0.01, HasFunding: true}},
			want: 0, ok: false,
		},
	}

	for _, tc := range cases {
		got, ok := tc.m.LastPrice()
		if got != tc.want || ok != tc.ok {
			t.Errorf("%s: LastPrice() = (%v, %v), want (%v, %v)", tc.name, got, ok, tc.want, tc.ok)
		}
	}
}

func TestConversionPriceBinanceOnly(t *testing.T) {
	m := MergedTicker{BybitFutures: ExchangeQuote{Price: 102}}
	if _, ok := m.ConversionPrice(); ok {
		t.Fatal("bybit price must not qualify as conversion price")
	}
	m.BinanceSpot = ExchangeQuote{Price: 100}
	if px, ok := m.ConversionPrice(); !ok || px != 100 {
		t.Fatalf("ConversionPrice() = (%v, %v), want (100, true)", px, ok)
	}
	m.BinanceFutures = ExchangeQuote{Price: 101}
	if px, _ := m.ConversionPrice(); px != 101 {
		t.Fatalf("futures must outrank spot, got %v", px)
	}
}

func TestFlatten(t *testing.T) {
	m := MergedTicker{
		Symbol: "BTC",
		BinanceSpot: ExchangeQuote{
			Symbol: "BTCUSDT", Price: 50000, ChangePct: 1.0, VolumeUSD: 1e9,
			TickerUpdated: 1,
		},
		BinanceFutures: ExchangeQuote{
			Symbol: "BTCUSDT", Price: 50010, ChangePct: 1.5, High24h: 51000, Low24h: 49000,
			VolumeUSD: 2e9, FundingRate: 0.0001, HasFunding: true,
			OpenInterestUSD: 4e9, HasOpenInterest: true, TickerUpdated: 2,
		},
		BybitFutures: ExchangeQuote{
			Symbol: "BTCUSDT", Price: 50005, VolumeUSD: 5e8,
			FundingRate: 0.0003, HasFunding: true,
			OpenInterestUSD: 1e9, HasOpenInterest: true,
		},
		Hyperliquid: HyperliquidQuote{
			Symbol: "BTC", LastTradePrice: 50002, VolumeUSD: 1e8,
			FundingRate: 0.0002, HasFunding: true,
			OpenInterestBase: 10000, HasOpenInterest: true,
		},
		Ref:         ReferenceData{Name: "Bitcoin", MarketCap: 1e12, Rank: 1},
		LastUpdated: 99,
	}

	f := m.Flatten()

	if f.Price != 50010 {
		t.Errorf("price = %v, want binance futures 50010", f.Price)
	}
	if f.ChangePct != 1.5 || f.High24h != 51000 || f.Low24h != 49000 {
		t.Errorf("24h stats must come from binance futures, got %+v", f)
	}
	if want := 1e9 + 2e9 + 5e8 + 1e8; f.VolumeUSD != want {
		t.Errorf("volume = %v, want %v", f.VolumeUSD, want)
	}
	if want := (0.0001 + 0.0003 + 0.0002) / 3; !almostEqual(f.FundingRate, want) {
		t.Errorf("funding = %v, want %v", f.FundingRate, want)
	}
	if !f.HasFundingRate {
		t.Error("HasFundingRate must be set")
	}
	// HL base OI converted at the HL trade price.
	if want := 4e9 + 1e9 + 10000*50002; f.OpenInterestUSD != want {
		t.Errorf("open interest = %v, want %v", f.OpenInterestUSD, want)
	}
	if !f.HasSpot || !f.HasFutures {
		t.Error("presence flags must both be set")
	}
	if f.Links.BinanceFutures == "" || f.Links.Hyperliquid == "" {
		t.Errorf("links missing: %+v", f.Links)
	}
	if f.MarketCap != 1e12 || f.Rank != 1 || f.Name != "Bitcoin" {
		t.Errorf("reference data not carried: %+v", f)
	}
}

func TestFlattenFuturesFirstFallsBackToSpot(t *testing.T) {
	m := MergedTicker{
		Symbol:      "XYZ",
		BinanceSpot: ExchangeQuote{Symbol: "XYZUSDT", Price: 2, ChangePct: -3, High24h: 2.5, Low24h: 1.5},
	}
	f := m.Flatten()
	if f.ChangePct != -3 || f.High24h != 2.5 {
		t.Errorf("spot stats expected, got %+v", f)
	}
	if f.HasFutures {
		t.Error("HasFutures must be false")
	}
	if f.HasFundingRate || f.FundingRate != 0 {
		t.Error("no funding reported, rate must be absent")
	}
}

func almostEqual(a, b float64) bool {
	d := a - b
	if d < 0 {
		d = -d
	}
	return d < 1e-12
}
