package port

import (
	"context"

	"coinpulse/internal/domain"
)

// TickerMirror is the write-mostly mirror of the merged ticker map. It is
// only read once, at startup, to warm the in-memory cache.
type TickerMirror interface {
	WriteTickers(ctx context.Context, tickers []*domain.MergedTicker) error
	LoadTickers(ctx context.Context) ([]*domain.MergedTicker, error)
	Close() error
}

// AlertStore is the hot alert index: alert records plus the per-user and
// per-symbol sets the evaluator scans on every tick.
type AlertStore interface {
	SaveAlert(ctx context.Context, a *domain.Alert) error
	GetAlert(ctx context.Context, id string) (*domain.Alert, error)
	DeleteAlert(ctx context.Context, a *domain.Alert) error

	ListUserAlerts(ctx context.Context, userID string) ([]*domain.Alert, error)
	ActiveSymbols(ctx context.Context) ([]string, error)
	ActiveAlertsForSymbol(ctx context.Context, symbol string) ([]*domain.Alert, error)
	RemoveFromSymbolIndex(ctx context.Context, symbol, id string) error

	PushTriggered(ctx context.Context, userID string, a *domain.Alert) error
	TriggeredHistory(ctx context.Context, userID string, limit int64) ([]*domain.Alert, error)

	UserAlertCount(ctx context.Context, userID string) (int64, error)
	IncrUserAlertCount(ctx context.Context, userID string, delta int64) error

	UserTier(ctx context.Context, userID string) (domain.Tier, error)
	SetUserTier(ctx context.Context, userID string, tier domain.Tier) error
}

// AlertArchive is the durable alert record store behind the hot index.
type AlertArchive interface {
	InsertAlert(ctx context.Context, a *domain.Alert) error
	UpdateAlert(ctx context.Context, a *domain.Alert) error
	LoadActiveAlerts(ctx context.Context) ([]*domain.Alert, error)
	Close() error
}

// RefDataSource yields market reference data (cap, rank, supply) keyed by
// normalized symbol.
type RefDataSource interface {
	TopMarkets(ctx context.Context, page, perPage int) ([]domain.ReferenceData, error)
	CoinDetails(ctx context.Context, symbol string) (*domain.ReferenceData, error)
}
