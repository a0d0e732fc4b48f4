package bybit

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"coinpulse/internal/application"
	"coinpulse/internal/application/port"

	"github.com/gorilla/websocket"
)

func TestPartitionRoundRobin(t *testing.T) {
	items := []string{"A", "B", "C", "D", "E", "F", "G"}
	parts := partition(items, 3)

	if len(parts) != 3 {
		t.Fatalf("got %d parts", len(parts))
	}
	total := 0
	for _, p := range parts {
		total += len(p)
	}
	if total != len(items) {
		t.Fatalf("partition lost items: %d != %d", total, len(items))
	}
	if len(parts[0]) != 3 || len(parts[1]) != 2 || len(parts[2]) != 2 {
		t.Errorf("uneven split: %d/%d/%d", len(parts[0]), len(parts[1]), len(parts[2]))
	}
}

func TestUpdateTopicsDropsConcurrentUpdate(t *testing.T) {
	bus := port.NewBus(16)
	dir := NewSymbolDirectory()
	pool := NewPool(application.MarketFutures, "wss://example", 1, 10, dir, bus)
	c := pool.conns[0]

	// Simulate an update in flight.
	if !c.updating.CompareAndSwap(false, true) {
		t.Fatal("flag should start clear")
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		c.updateTopics(context.Background(), []string{"tickers.BTCUSDT"})
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dropped update must return immediately")
	}

	// The dropped update must not have touched the desired topic set.
	c.mu.Lock()
	n := len(c.topics)
	c.mu.Unlock()
	if n != 0 {
		t.Errorf("dropped update wrote topics: %d", n)
	}
	c.updating.Store(false)
}

func TestUpdateTopicsStoresDesiredSetWhileDisconnected(t *testing.T) {
	bus := port.NewBus(16)
	pool := NewPool(application.MarketSpot, "wss://example", 1, 10, NewSymbolDirectory(), bus)
	c := pool.conns[0]

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.updateTopics(context.Background(), []string{"tickers.BTCUSDT", "tickers.ETHUSDT"})
	}()
	wg.Wait()

	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.topics) != 2 {
		t.Fatalf("desired set not stored: %v", c.topics)
	}
	if c.updating.Load() {
		t.Error("updating flag must be released")
	}
}

func TestNativeForSkipsUnlisted(t *testing.T) {
	dir := NewSymbolDirectory()
	dir.byCanonical["linear"] = map[string]string{
		"BTC":  "BTCUSDT",
		"PEPE": "1000PEPEUSDT",
	}

	got := dir.NativeFor("linear", []string{"BTC", "PEPE", "UNLISTED"})
	if len(got) != 2 {
		t.Fatalf("got %v", got)
	}
	if got[0] != "BTCUSDT" || got[1] != "1000PEPEUSDT" {
		t.Errorf("native mapping wrong: %v", got)
	}
}

func TestHandleMessageEmitsFuturesExtras(t *testing.T) {
	bus := port.NewBus(16)
	pool := NewPool(application.MarketFutures, "wss://example", 1, 10, NewSymbolDirectory(), bus)
	c := pool.conns[0]

	c.handleMessage([]byte(`{
		"topic": "tickers.BTCUSDT",
		"type": "snapshot",
		"ts": 1700000000000,
		"data": {
			"symbol": "BTCUSDT",
			"lastPrice": "50000",
			"price24hPcnt": "0.015",
			"highPrice24h": "51000",
			"lowPrice24h": "49000",
			"turnover24h": "2000000000",
			"fundingRate": "0.0001",
			"openInterestValue": "4000000000"
		}
	}`))

	select {
	case ev := <-bus.Tickers:
		if ev.Price != 50000 || ev.ChangePct != 1.5 {
			t.Errorf("price/pct wrong: %+v", ev)
		}
		if ev.FundingRate == nil || *ev.FundingRate != 0.0001 {
			t.Error("funding rate must ride along on futures tickers")
		}
		if ev.OpenInterestUSD == nil || *ev.OpenInterestUSD != 4e9 {
			t.Error("open interest value must ride along on futures tickers")
		}
	default:
		t.Fatal("no ticker event emitted")
	}
}

// A venue-side normal closure is just another disconnect: the pool slot
// has to come back instead of silently retiring.
func TestPoolConnReconnectsAfterNormalClosure(t *testing.T) {
	if testing.Short() {
		t.Skip("waits out the reconnect delay")
	}

	var connects atomic.Int32
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		connects.Add(1)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")
		_ = ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		_, _, _ = ws.ReadMessage()
		_ = ws.Close()
	}))
	defer srv.Close()

	bus := port.NewBus(16)
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	pool := NewPool(application.MarketSpot, wsURL, 1, 10, NewSymbolDirectory(), bus)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		pool.conns[0].run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(10 * time.Second)
	for connects.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	cancel()
	<-done

	if n := connects.Load(); n < 2 {
		t.Fatalf("connection retired after normal closure: %d connects", n)
	}
}

func TestHandleMessageDropsAckAndPong(t *testing.T) {
	bus := port.NewBus(4)
	pool := NewPool(application.MarketSpot, "wss://example", 1, 10, NewSymbolDirectory(), bus)
	c := pool.conns[0]

	c.handleMessage([]byte(`{"success":true,"op":"subscribe"}`))
	c.handleMessage([]byte(`{"op":"pong"}`))
	c.handleMessage([]byte(`{"ret_msg":"pong","op":"ping"}`))

	select {
	case ev := <-bus.Tickers:
		t.Fatalf("control frame emitted ticker: %+v", ev)
	default:
	}
}
