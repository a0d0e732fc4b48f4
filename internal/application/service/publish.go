package service

import (
	"context"
	"sort"
	"sync"
	"time"

	"coinpulse/internal/application/port"
	"coinpulse/internal/domain"

	"github.com/rs/zerolog/log"
)

// Broadcast is one published snapshot: the flattened tickers sorted by
// market cap and the symbol universe they cover.
type Broadcast struct {
	Tickers []domain.FlatTicker
	Symbols []string
	Ts      int64
}

// Publisher sits behind the cache's change feed and owns the two outward
// paths: batched mirror writes and throttled snapshot broadcasts. The
// throttle emits on the leading edge and once more on the trailing edge
// of each window, so a burst of N changes produces exactly two snapshots.
type Publisher struct {
	cache       *Cache
	mirror      port.TickerMirror
	batchWindow time.Duration
	batchMax    int
	throttleDur time.Duration

	mu    sync.Mutex
	dirty map[string]struct{}

	tmu      sync.Mutex
	inWindow bool
	trailing bool
	timer    *time.Timer

	smu          sync.Mutex
	subs         []chan Broadcast
	symbolSubs   []chan []string
	lastUniverse string

	flushCh chan struct{}
}

func NewPublisher(cache *Cache, mirror port.TickerMirror, batchWindow time.Duration, batchMax int, throttle time.Duration) *Publisher {
	return &Publisher{
		cache:       cache,
		mirror:      mirror,
		batchWindow: batchWindow,
		batchMax:    batchMax,
		throttleDur: throttle,
		dirty:       make(map[string]struct{}),
		flushCh:     make(chan struct{}, 1),
	}
}

// Subscribe returns a broadcast channel. Slow consumers lose old
// snapshots, never block the publisher.
func (p *Publisher) Subscribe() <-chan Broadcast {
	ch := make(chan Broadcast, 1)
	p.smu.Lock()
	p.subs = append(p.subs, ch)
	p.smu.Unlock()
	return ch
}

// SubscribeSymbols returns a channel carrying the symbol universe each
// time it changes. Connectors use it to steer their subscriptions.
func (p *Publisher) SubscribeSymbols() <-chan []string {
	ch := make(chan []string, 1)
	p.smu.Lock()
	p.symbolSubs = append(p.symbolSubs, ch)
	p.smu.Unlock()
	return ch
}

// Notify records a changed symbol. Called from the cache's consumer
// goroutine on every successful merge, so it must never touch the mirror
// itself; a full batch only signals the flusher in Run.
func (p *Publisher) Notify(symbol string) {
	p.mu.Lock()
	p.dirty[symbol] = struct{}{}
	full := len(p.dirty) >= p.batchMax
	p.mu.Unlock()

	if full {
		select {
		case p.flushCh <- struct{}{}:
		default:
		}
	}
	p.throttleTick()
}

// Run flushes the mirror batch on a fixed cadence, or earlier when the
// batch cap is hit, until ctx ends. One last flush happens on the way out.
func (p *Publisher) Run(ctx context.Context) {
	ticker := time.NewTicker(p.batchWindow)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			p.tmu.Lock()
			if p.timer != nil {
				p.timer.Stop()
			}
			p.tmu.Unlock()
			p.flushDirty(context.Background())
			return
		case <-ticker.C:
			p.flushDirty(ctx)
		case <-p.flushCh:
			p.flushDirty(ctx)
		}
	}
}

// flushDirty writes the dirty symbols' merged tickers to the mirror,
// last-write-wins per symbol.
func (p *Publisher) flushDirty(ctx context.Context) {
	p.mu.Lock()
	if len(p.dirty) == 0 {
		p.mu.Unlock()
		return
	}
	symbols := make([]string, 0, len(p.dirty))
	for s := range p.dirty {
		symbols = append(symbols, s)
	}
	p.dirty = make(map[string]struct{})
	p.mu.Unlock()

	batch := make([]*domain.MergedTicker, 0, len(symbols))
	for _, s := range symbols {
		if t, ok := p.cache.Peek(s); ok {
			batch = append(batch, t)
		}
	}
	if len(batch) == 0 || p.mirror == nil {
		return
	}

	wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := p.mirror.WriteTickers(wctx, batch); err != nil {
		log.Error().Int("batch", len(batch)).Err(err).Msg("mirror write failed")
	}
}

// throttleTick implements the leading+trailing throttle over publish().
func (p *Publisher) throttleTick() {
	p.tmu.Lock()
	if p.inWindow {
		p.trailing = true
		p.tmu.Unlock()
		return
	}
	p.inWindow = true
	p.timer = time.AfterFunc(p.throttleDur, p.windowEnd)
	p.tmu.Unlock()

	p.publish()
}

func (p *Publisher) windowEnd() {
	p.tmu.Lock()
	if p.trailing {
		p.trailing = false
		p.timer = time.AfterFunc(p.throttleDur, p.windowEnd)
		p.tmu.Unlock()
		p.publish()
		return
	}
	p.inWindow = false
	p.tmu.Unlock()
}

// publish flattens the ready snapshot, sorts by market cap, and fans it
// out. The universe goes to the symbol subscribers only when it changed.
func (p *Publisher) publish() {
	merged := p.cache.Snapshot()
	flat := make([]domain.FlatTicker, 0, len(merged))
	symbols := make([]string, 0, len(merged))
	for _, m := range merged {
		flat = append(flat, m.Flatten())
		symbols = append(symbols, m.Symbol)
	}
	sort.Slice(flat, func(i, j int) bool {
		if flat[i].MarketCap != flat[j].MarketCap {
			return flat[i].MarketCap > flat[j].MarketCap
		}
		return flat[i].Symbol < flat[j].Symbol
	})
	sort.Strings(symbols)

	b := Broadcast{Tickers: flat, Symbols: symbols, Ts: time.Now().UnixMilli()}

	p.smu.Lock()
	for _, ch := range p.subs {
		sendDropOld(ch, b)
	}
	universe := joinSymbols(symbols)
	if universe != p.lastUniverse {
		p.lastUniverse = universe
		for _, ch := range p.symbolSubs {
			sendDropOldSymbols(ch, symbols)
		}
	}
	p.smu.Unlock()
}

func sendDropOld(ch chan Broadcast, b Broadcast) {
	select {
	case ch <- b:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- b:
	default:
	}
}

func sendDropOldSymbols(ch chan []string, s []string) {
	select {
	case ch <- s:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- s:
	default:
	}
}

func joinSymbols(symbols []string) string {
	n := 0
	for _, s := range symbols {
		n += len(s) + 1
	}
	buf := make([]byte, 0, n)
	for _, s := range symbols {
		buf = append(buf, s...)
		buf = append(buf, ',')
	}
	return string(buf)
}
