// Package bybit maintains a pool of websocket connections per market
// (spot, linear) with per-symbol ticker subscriptions, resubscribing as
// the tracked symbol universe changes, plus a REST poller for funding and
// open interest.
package bybit

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"coinpulse/internal/application"
	"coinpulse/internal/application/port"
	"coinpulse/internal/infrastructure/exchange"

	"github.com/rs/zerolog/log"
)

const (
	pingInterval   = 20 * time.Second
	reconnectBase  = 5 * time.Second
	reconnectJit   = 2 * time.Second
	subBatchPause  = 250 * time.Millisecond
	unsubDrainWait = 500 * time.Millisecond
)

var pingPayload = []byte(`{"op":"ping"}`)

// Pool fans per-symbol ticker topics out over a fixed set of connections.
type Pool struct {
	market    string // application.MarketSpot / MarketFutures
	category  string // bybit category: "spot" / "linear"
	wsURL     string
	batchSize int
	bus       *port.Bus
	conns     []*poolConn
	dir       *SymbolDirectory
}

func NewPool(market, wsURL string, size, batchSize int, dir *SymbolDirectory, bus *port.Bus) *Pool {
	if size <= 0 {
		size = 5
	}
	category := "spot"
	if market == application.MarketFutures {
		category = "linear"
	}
	p := &Pool{
		market:    market,
		category:  category,
		wsURL:     strings.TrimSpace(wsURL),
		batchSize: batchSize,
		bus:       bus,
		dir:       dir,
	}
	for i := 0; i < size; i++ {
		p.conns = append(p.conns, &poolConn{id: i, pool: p})
	}
	return p
}

func (p *Pool) Name() string { return application.ExchangeBybit }

// Run starts every pool connection and applies symbol universe updates
// arriving on symbolCh until ctx is cancelled.
func (p *Pool) Run(ctx context.Context, symbolCh <-chan []string) {
	var wg sync.WaitGroup
	for _, c := range p.conns {
		wg.Add(1)
		go func(c *poolConn) {
			defer wg.Done()
			c.run(ctx)
		}(c)
	}

	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return
		case universe, ok := <-symbolCh:
			if !ok {
				wg.Wait()
				return
			}
			p.applyUniverse(ctx, universe)
		}
	}
}

// applyUniverse maps the canonical universe onto native symbols this venue
// actually lists, partitions them round-robin, and resubscribes each
// connection.
func (p *Pool) applyUniverse(ctx context.Context, universe []string) {
	native := p.dir.NativeFor(p.category, universe)
	if len(native) == 0 {
		return
	}
	parts := partition(native, len(p.conns))
	log.Info().
		Str("feed", p.Name()).Str("market", p.market).
		Int("symbols", len(native)).Int("conns", len(p.conns)).
		Msg("applying symbol universe")

	for i, c := range p.conns {
		topics := make([]string, 0, len(parts[i]))
		for _, sym := range parts[i] {
			topics = append(topics, "tickers."+sym)
		}
		go c.updateTopics(ctx, topics)
	}
}

func partition(items []string, n int) [][]string {
	parts := make([][]string, n)
	for i, it := range items {
		parts[i%n] = append(parts[i%n], it)
	}
	return parts
}

type poolConn struct {
	id   int
	pool *Pool

	mu     sync.Mutex
	conn   *exchange.Conn // nil while disconnected
	topics []string       // desired topic set, survives reconnects

	updating atomic.Bool
}

func (c *poolConn) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		conn, err := exchange.Dial(ctx, c.pool.wsURL)
		if err != nil {
			log.Error().Str("feed", c.pool.Name()).Str("market", c.pool.market).
				Int("conn", c.id).Err(err).Msg("ws dial failed")
			if !sleepJitter(ctx) {
				return
			}
			continue
		}

		c.mu.Lock()
		c.conn = conn
		topics := append([]string(nil), c.topics...)
		c.mu.Unlock()

		log.Info().Str("feed", c.pool.Name()).Str("market", c.pool.market).
			Int("conn", c.id).Int("topics", len(topics)).Msg("ws connected")
		c.pool.bus.PushStatus(port.StatusEvent{
			Exchange: c.pool.Name(), Market: c.pool.market, Connected: true, Ts: time.Now().UnixMilli(),
		})

		if err := c.writeBatched(ctx, "subscribe", topics); err != nil {
			log.Error().Str("feed", c.pool.Name()).Int("conn", c.id).Err(err).Msg("subscribe failed")
		}

		err = exchange.ReadLoop(ctx, conn, exchange.ReadLoopOpts{
			PingInterval: pingInterval,
			PingPayload:  pingPayload,
		}, c.handleMessage)

		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		_ = conn.Close()
		c.pool.bus.PushStatus(port.StatusEvent{
			Exchange: c.pool.Name(), Market: c.pool.market, Reason: exchange.Reason(err), Ts: time.Now().UnixMilli(),
		})

		if ctx.Err() != nil {
			return
		}
		log.Warn().Str("feed", c.pool.Name()).Str("market", c.pool.market).
			Int("conn", c.id).Err(err).Msg("ws disconnected, reconnecting")
		if !sleepJitter(ctx) {
			return
		}
	}
}

// updateTopics swaps this connection's subscription set: unsubscribe the
// old topics, give the stream a moment to drain, subscribe the new ones.
// A concurrent update in flight causes the new one to be dropped, not
// queued; the next universe tick will converge.
func (c *poolConn) updateTopics(ctx context.Context, topics []string) {
	if !c.updating.CompareAndSwap(false, true) {
		log.Warn().Str("feed", c.pool.Name()).Int("conn", c.id).
			Msg("subscription update already in flight, dropping")
		return
	}
	defer c.updating.Store(false)

	c.mu.Lock()
	old := c.topics
	c.topics = topics
	connected := c.conn != nil
	c.mu.Unlock()

	if !connected {
		// run() subscribes the desired set when the connection comes up.
		return
	}

	if len(old) > 0 {
		if err := c.writeBatched(ctx, "unsubscribe", old); err != nil {
			log.Error().Str("feed", c.pool.Name()).Int("conn", c.id).Err(err).Msg("unsubscribe failed")
			return
		}
		if !sleepCtx(ctx, unsubDrainWait) {
			return
		}
	}
	if err := c.writeBatched(ctx, "subscribe", topics); err != nil {
		log.Error().Str("feed", c.pool.Name()).Int("conn", c.id).Err(err).Msg("resubscribe failed")
	}
}

type opRequest struct {
	Op   string   `json:"op"`
	Args []string `json:"args"`
}

func (c *poolConn) writeBatched(ctx context.Context, op string, topics []string) error {
	size := c.pool.batchSize
	if size <= 0 {
		size = 10
	}
	for start := 0; start < len(topics); start += size {
		end := start + size
		if end > len(topics) {
			end = len(topics)
		}
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			return fmt.Errorf("conn %d not connected", c.id)
		}
		if err := conn.WriteJSON(opRequest{Op: op, Args: topics[start:end]}); err != nil {
			return err
		}
		if end < len(topics) && !sleepCtx(ctx, subBatchPause) {
			return ctx.Err()
		}
	}
	return nil
}

// data may be a single object or an array depending on the topic.
type tickerDataList []tickerData

func (d *tickerDataList) UnmarshalJSON(b []byte) error {
	b = []byte(strings.TrimSpace(string(b)))
	if len(b) == 0 || string(b) == "null" {
		*d = nil
		return nil
	}
	if b[0] == '[' {
		var arr []tickerData
		if err := json.Unmarshal(b, &arr); err != nil {
			return err
		}
		*d = arr
		return nil
	}
	var one tickerData
	if err := json.Unmarshal(b, &one); err != nil {
		return err
	}
	*d = tickerDataList{one}
	return nil
}

type tickerData struct {
	Symbol            string `json:"symbol"`
	LastPrice         string `json:"lastPrice"`
	Price24hPcnt      string `json:"price24hPcnt"`
	HighPrice24h      string `json:"highPrice24h"`
	LowPrice24h       string `json:"lowPrice24h"`
	Turnover24h       string `json:"turnover24h"`
	FundingRate       string `json:"fundingRate"`
	OpenInterestValue string `json:"openInterestValue"`
}

type wsMessage struct {
	Topic   string         `json:"topic"`
	Type    string         `json:"type"`
	Ts      int64          `json:"ts"`
	Data    tickerDataList `json:"data"`
	Success *bool          `json:"success,omitempty"`
	RetMsg  string         `json:"ret_msg,omitempty"`
	Op      string         `json:"op,omitempty"`
}

func (c *poolConn) handleMessage(b []byte) {
	var msg wsMessage
	if err := json.Unmarshal(b, &msg); err != nil {
		log.Debug().Str("feed", c.pool.Name()).Int("conn", c.id).Err(err).Msg("frame dropped")
		return
	}

	if msg.Op == "pong" || msg.RetMsg == "pong" {
		return
	}
	if msg.Success != nil {
		if !*msg.Success {
			log.Error().Str("feed", c.pool.Name()).Int("conn", c.id).
				Str("ret_msg", msg.RetMsg).Str("op", msg.Op).Msg("op rejected")
		}
		return
	}
	if !strings.HasPrefix(msg.Topic, "tickers.") || len(msg.Data) == 0 {
		return
	}

	ts := msg.Ts
	if ts == 0 {
		ts = time.Now().UnixMilli()
	}
	for _, d := range msg.Data {
		c.emit(d, ts)
	}
}

func (c *poolConn) emit(d tickerData, ts int64) {
	px, err := strconv.ParseFloat(d.LastPrice, 64)
	if err != nil || px <= 0 {
		// Delta frame without a price, nothing to merge.
		return
	}
	pct, _ := strconv.ParseFloat(d.Price24hPcnt, 64)
	high, _ := strconv.ParseFloat(d.HighPrice24h, 64)
	low, _ := strconv.ParseFloat(d.LowPrice24h, 64)
	vol, _ := strconv.ParseFloat(d.Turnover24h, 64)

	ev := port.TickerEvent{
		Exchange:  c.pool.Name(),
		Market:    c.pool.market,
		Symbol:    d.Symbol,
		Price:     px,
		ChangePct: pct * 100, // fraction on the wire
		High24h:   high,
		Low24h:    low,
		VolumeUSD: vol,
		Ts:        ts,
	}
	if c.pool.market == application.MarketFutures {
		if fr, err := strconv.ParseFloat(d.FundingRate, 64); err == nil && d.FundingRate != "" {
			ev.FundingRate = &fr
		}
		if oi, err := strconv.ParseFloat(d.OpenInterestValue, 64); err == nil && oi > 0 {
			ev.OpenInterestUSD = &oi
		}
	}
	c.pool.bus.Tickers <- ev
}

func sleepJitter(ctx context.Context) bool {
	d := reconnectBase + time.Duration(rand.Int63n(int64(reconnectJit)))
	return sleepCtx(ctx, d)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
