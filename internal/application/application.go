package application

import "time"

const (
	ExchangeBinance     = "BINANCE"
	ExchangeBybit       = "BYBIT"
	ExchangeHyperliquid = "HYPERLIQUID"
)

const (
	MarketSpot    = "spot"
	MarketFutures = "futures"
)

const (
	// PendingOITimeout bounds how long a base-asset open interest reading
	// may wait for a usable price before it is discarded.
	PendingOITimeout = 10 * time.Second

	// ThrottleWindow paces flattened snapshot publication.
	ThrottleWindow = 750 * time.Millisecond

	// BatchWindow / BatchMax bound the mirror write batches.
	BatchWindow = 1 * time.Second
	BatchMax    = 500

	// WarmMaxAge is the oldest mirrored ticker accepted at startup.
	WarmMaxAge = 24 * time.Hour
)
