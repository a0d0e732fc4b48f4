package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"coinpulse/internal/domain"
)

type mockMirror struct {
	mu      sync.Mutex
	batches [][]*domain.MergedTicker
}

func (m *mockMirror) WriteTickers(ctx context.Context, tickers []*domain.MergedTicker) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.batches = append(m.batches, tickers)
	return nil
}

func (m *mockMirror) LoadTickers(ctx context.Context) ([]*domain.MergedTicker, error) {
	return nil, nil
}

func (m *mockMirror) Close() error { return nil }

func (m *mockMirror) batchCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.batches)
}

func TestThrottleLeadingAndTrailing(t *testing.T) {
	c := NewCache(10 * time.Second)
	p := NewPublisher(c, &mockMirror{}, time.Second, 500, 100*time.Millisecond)
	c.SetOnChange(p.Notify)

	sub := p.Subscribe()
	count := 0
	done := make(chan struct{})
	go func() {
		defer close(done)
		timeout := time.After(500 * time.Millisecond)
		for {
			select {
			case <-sub:
				count++
			case <-timeout:
				return
			}
		}
	}()

	// A burst of changes inside one window.
	for i := 0; i < 20; i++ {
		c.MergeTicker(binanceTicker("BTCUSDT", 50000+float64(i)))
	}
	<-done

	if count != 2 {
		t.Fatalf("burst produced %d snapshots, want 2 (leading + trailing)", count)
	}
}

func TestThrottleSingleChangeEmitsOnce(t *testing.T) {
	c := NewCache(10 * time.Second)
	p := NewPublisher(c, &mockMirror{}, time.Second, 500, 50*time.Millisecond)
	c.SetOnChange(p.Notify)

	sub := p.Subscribe()
	c.MergeTicker(binanceTicker("BTCUSDT", 50000))

	select {
	case b := <-sub:
		if len(b.Tickers) != 1 || b.Tickers[0].Symbol != "BTC" {
			t.Errorf("unexpected broadcast: %+v", b)
		}
	case <-time.After(time.Second):
		t.Fatal("leading edge snapshot missing")
	}

	// No trailing emission without further changes.
	select {
	case <-sub:
		t.Fatal("trailing snapshot without pending changes")
	case <-time.After(150 * time.Millisecond):
	}
}

func TestFlushDirtyDeduplicates(t *testing.T) {
	c := NewCache(10 * time.Second)
	mirror := &mockMirror{}
	p := NewPublisher(c, mirror, time.Hour, 500, time.Hour)
	c.SetOnChange(p.Notify)

	for i := 0; i < 50; i++ {
		c.MergeTicker(binanceTicker("BTCUSDT", 50000+float64(i)))
	}
	p.flushDirty(context.Background())

	if mirror.batchCount() != 1 {
		t.Fatalf("batches = %d, want 1", mirror.batchCount())
	}
	mirror.mu.Lock()
	defer mirror.mu.Unlock()
	if len(mirror.batches[0]) != 1 {
		t.Fatalf("batch size = %d, want 1 after de-dupe", len(mirror.batches[0]))
	}
	if mirror.batches[0][0].BinanceFutures.Price != 50049 {
		t.Error("last write must win")
	}
}

func TestBatchMaxForcesEarlyFlush(t *testing.T) {
	c := NewCache(10 * time.Second)
	mirror := &mockMirror{}
	p := NewPublisher(c, mirror, time.Hour, 3, time.Hour)
	c.SetOnChange(p.Notify)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	for _, sym := range []string{"BTCUSDT", "ETHUSDT", "SOLUSDT", "ADAUSDT"} {
		c.MergeTicker(binanceTicker(sym, 100))
	}

	deadline := time.Now().Add(time.Second)
	for mirror.batchCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if mirror.batchCount() == 0 {
		t.Fatal("hitting the batch cap must flush without waiting for the window")
	}
}

type slowMirror struct {
	mockMirror
	delay time.Duration
}

func (m *slowMirror) WriteTickers(ctx context.Context, tickers []*domain.MergedTicker) error {
	time.Sleep(m.delay)
	return m.mockMirror.WriteTickers(ctx, tickers)
}

// The merge path must stay hot while the mirror is slow; flushes belong
// to the background flusher, never to Notify's caller.
func TestNotifyNeverBlocksOnMirror(t *testing.T) {
	c := NewCache(10 * time.Second)
	mirror := &slowMirror{delay: 300 * time.Millisecond}
	p := NewPublisher(c, mirror, time.Hour, 2, time.Hour)
	c.SetOnChange(p.Notify)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	c.MergeTicker(binanceTicker("BTCUSDT", 50000))
	c.MergeTicker(binanceTicker("ETHUSDT", 3000)) // hits the cap

	start := time.Now()
	c.MergeTicker(binanceTicker("SOLUSDT", 150))
	if took := time.Since(start); took > 100*time.Millisecond {
		t.Fatalf("merge path blocked %v on the mirror write", took)
	}

	deadline := time.Now().Add(time.Second)
	for mirror.batchCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if mirror.batchCount() == 0 {
		t.Fatal("background flush never ran")
	}
}

func TestSymbolUniverseOnlyOnChange(t *testing.T) {
	c := NewCache(10 * time.Second)
	p := NewPublisher(c, &mockMirror{}, time.Hour, 500, 30*time.Millisecond)
	c.SetOnChange(p.Notify)

	symCh := p.SubscribeSymbols()

	c.MergeTicker(binanceTicker("BTCUSDT", 50000))
	select {
	case syms := <-symCh:
		if len(syms) != 1 || syms[0] != "BTC" {
			t.Fatalf("universe = %v", syms)
		}
	case <-time.After(time.Second):
		t.Fatal("universe update missing")
	}

	// Same universe, new prices: no further universe event.
	time.Sleep(50 * time.Millisecond)
	c.MergeTicker(binanceTicker("BTCUSDT", 50100))
	select {
	case syms := <-symCh:
		t.Fatalf("universe re-announced without change: %v", syms)
	case <-time.After(100 * time.Millisecond):
	}

	// A new symbol does change the universe.
	c.MergeTicker(binanceTicker("ETHUSDT", 3000))
	select {
	case syms := <-symCh:
		if len(syms) != 2 {
			t.Fatalf("universe = %v, want 2 symbols", syms)
		}
	case <-time.After(time.Second):
		t.Fatal("universe update for new symbol missing")
	}
}
