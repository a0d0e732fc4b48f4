package hyperliquid

import (
	"testing"
	"time"

	"coinpulse/internal/application/port"
)

func TestBackoffDelay(t *testing.T) {
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 5 * time.Second},
		{2, 10 * time.Second},
		{3, 20 * time.Second},
		{4, 40 * time.Second},
		{5, 80 * time.Second},
		{9, 80 * time.Second}, // capped
	}
	for _, tc := range cases {
		if got := backoffDelay(tc.attempt); got != tc.want {
			t.Errorf("backoffDelay(%d) = %v, want %v", tc.attempt, got, tc.want)
		}
	}
}

func TestCanonicalCoin(t *testing.T) {
	if CanonicalCoin("kPEPE") != "PEPE" {
		t.Error("k prefix must be stripped")
	}
	if CanonicalCoin("BTC") != "BTC" {
		t.Error("plain coins pass through")
	}
	if CanonicalCoin("k") != "K" {
		t.Error("bare k is a coin name, not a prefix")
	}
}

func TestHandleMessageAllMids(t *testing.T) {
	bus := port.NewBus(16)
	f := NewFeed("wss://example", NewDirectory(), bus)

	f.handleMessage([]byte(`Connection established`))
	f.handleMessage([]byte(`{"channel":"allMids","data":{"mids":{"BTC":"50000","@107":"1.23","ETH":"0"}}}`))

	select {
	case ev := <-bus.MarkPrices:
		if ev.Symbol != "BTC" || ev.Price != 50000 {
			t.Errorf("unexpected mark price event: %+v", ev)
		}
	default:
		t.Fatal("no mark price emitted")
	}
	// "@107" is a spot index and "ETH":"0" is unusable; neither may emit.
	select {
	case ev := <-bus.MarkPrices:
		t.Fatalf("unexpected extra event: %+v", ev)
	default:
	}
}

func TestHandleMessageTrades(t *testing.T) {
	bus := port.NewBus(16)
	f := NewFeed("wss://example", NewDirectory(), bus)

	f.handleMessage([]byte(`{"channel":"trades","data":[{"coin":"kPEPE","px":"0.012","time":1700000000000}]}`))

	select {
	case ev := <-bus.Trades:
		if ev.Symbol != "kPEPE" || ev.Price != 0.012 || ev.Ts != 1700000000000 {
			t.Errorf("unexpected trade event: %+v", ev)
		}
	default:
		t.Fatal("no trade emitted")
	}
}
