package port

// TickerEvent is a 24h rolling ticker from one exchange/market stream.
// Symbol is the exchange-native pair (e.g. "1000PEPEUSDT").
type TickerEvent struct {
	Exchange  string
	Market    string // application.MarketSpot / MarketFutures
	Symbol    string
	Price     float64
	ChangePct float64
	High24h   float64
	Low24h    float64
	VolumeUSD float64

	// Some futures ticker streams piggyback funding/OI on the ticker frame.
	FundingRate     *float64
	OpenInterestUSD *float64

	Ts int64 // unix ms
}

type FundingEvent struct {
	Exchange string
	Symbol   string
	Rate     float64
	Ts       int64
}

// OpenInterestEvent carries open interest either in USD or in units of the
// base asset; BaseAsset readings need a price before they are usable.
type OpenInterestEvent struct {
	Exchange  string
	Symbol    string
	Value     float64
	BaseAsset bool
	Ts        int64
}

type TradeEvent struct {
	Exchange string
	Symbol   string
	Price    float64
	Ts       int64
}

type MarkPriceEvent struct {
	Exchange string
	Symbol   string
	Price    float64
	Ts       int64
}

// StatusEvent reports a connector's connection transitions.
type StatusEvent struct {
	Exchange  string
	Market    string
	Connected bool
	Reason    string
	Ts        int64
}

// Bus is the shared set of event channels every connector writes into and
// the merge engine drains. One consumer goroutine keeps per-channel order.
// Status is best-effort: senders drop rather than block.
type Bus struct {
	Tickers      chan TickerEvent
	Funding      chan FundingEvent
	OpenInterest chan OpenInterestEvent
	Trades       chan TradeEvent
	MarkPrices   chan MarkPriceEvent
	Status       chan StatusEvent
}

func NewBus(buf int) *Bus {
	return &Bus{
		Tickers:      make(chan TickerEvent, buf),
		Funding:      make(chan FundingEvent, buf),
		OpenInterest: make(chan OpenInterestEvent, buf),
		Trades:       make(chan TradeEvent, buf),
		MarkPrices:   make(chan MarkPriceEvent, buf),
		Status:       make(chan StatusEvent, 64),
	}
}

// PushStatus never blocks; a full status channel just loses the event.
func (b *Bus) PushStatus(ev StatusEvent) {
	select {
	case b.Status <- ev:
	default:
	}
}
