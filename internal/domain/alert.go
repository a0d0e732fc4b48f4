package domain

import (
	"errors"
	"fmt"
	"strings"
)

type AlertKind string

const (
	AlertPrice        AlertKind = "PRICE"
	AlertFundingRate  AlertKind = "FUNDING_RATE"
	AlertOpenInterest AlertKind = "OPEN_INTEREST"
)

type AlertCondition string

const (
	ConditionAbove AlertCondition = "ABOVE"
	ConditionBelow AlertCondition = "BELOW"
)

type NotifyMethod string

const (
	NotifyPush     NotifyMethod = "PUSH_NOTIFICATION"
	NotifyEmail    NotifyMethod = "EMAIL"
	NotifyTelegram NotifyMethod = "TELEGRAM"
	NotifySMS      NotifyMethod = "SMS"
)

var (
	ErrAlertInvalid   = errors.New("alert invalid")
	ErrAlertNotFound  = errors.New("alert not found")
	ErrTierLimit      = errors.New("tier alert limit reached")
	ErrTierKind       = errors.New("alert kind not allowed for tier")
	ErrTierNotify     = errors.New("notification method not allowed for tier")
	ErrTickerNotReady = errors.New("ticker not ready")
)

type Alert struct {
	ID           string         `json:"id"`
	UserID       string         `json:"userId"`
	Symbol       string         `json:"symbol"`
	Kind         AlertKind      `json:"kind"`
	Condition    AlertCondition `json:"condition"`
	Target       float64        `json:"target"`
	IsPersistent bool           `json:"isPersistent"`
	IsActive     bool           `json:"isActive"`
	Triggered    bool           `json:"triggered"`
	NotifyVia    []NotifyMethod `json:"notifyVia,omitempty"`

	TriggerCount int   `json:"triggerCount"`
	CreatedAt    int64 `json:"createdAt"`
	UpdatedAt    int64 `json:"updatedAt"`
	TriggeredAt  int64 `json:"triggeredAt,omitempty"`
}

// NormalizeAlertShape accepts the legacy encodings where the direction was
// folded into the kind ("PRICE_ABOVE") or written into the condition field,
// and rewrites the alert into the split kind/condition form.
func NormalizeAlertShape(a *Alert) {
	k := strings.ToUpper(strings.TrimSpace(string(a.Kind)))
	c := strings.ToUpper(strings.TrimSpace(string(a.Condition)))

	switch k {
	case "PRICE_ABOVE":
		a.Kind, a.Condition = AlertPrice, ConditionAbove
		return
	case "PRICE_BELOW":
		a.Kind, a.Condition = AlertPrice, ConditionBelow
		return
	}
	a.Kind = AlertKind(k)

	switch {
	case strings.Contains(c, "ABOVE"):
		a.Condition = ConditionAbove
	case strings.Contains(c, "BELOW"):
		a.Condition = ConditionBelow
	default:
		a.Condition = AlertCondition(c)
	}
}

func (a *Alert) Validate() error {
	if strings.TrimSpace(a.UserID) == "" {
		return fmt.Errorf("%w: empty user id", ErrAlertInvalid)
	}
	if strings.TrimSpace(a.Symbol) == "" {
		return fmt.Errorf("%w: empty symbol", ErrAlertInvalid)
	}
	switch a.Kind {
	case AlertPrice, AlertFundingRate, AlertOpenInterest:
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrAlertInvalid, a.Kind)
	}
	switch a.Condition {
	case ConditionAbove, ConditionBelow:
	default:
		return fmt.Errorf("%w: unknown condition %q", ErrAlertInvalid, a.Condition)
	}
	if a.Kind == AlertPrice && a.Target <= 0 {
		return fmt.Errorf("%w: price target must be positive", ErrAlertInvalid)
	}
	return nil
}

// Value extracts the observed value this alert compares against. Funding
// and open interest alerts fail closed when the venue has not reported a
// value yet.
func (a *Alert) Value(f FlatTicker) (float64, bool) {
	switch a.Kind {
	case AlertPrice:
		return f.Price, f.Price > 0
	case AlertFundingRate:
		return f.FundingRate, f.HasFundingRate
	case AlertOpenInterest:
		return f.OpenInterestUSD, f.OpenInterestUSD > 0
	}
	return 0, false
}

// ShouldTrigger reports whether the observed value satisfies the alert.
// Boundaries are inclusive in both directions.
func (a *Alert) ShouldTrigger(f FlatTicker) bool {
	v, ok := a.Value(f)
	if !ok {
		return false
	}
	if a.Condition == ConditionAbove {
		return v >= a.Target
	}
	return v <= a.Target
}

type Tier string

const (
	TierFree    Tier = "FREE"
	TierPro     Tier = "PRO"
	TierProPlus Tier = "PRO_PLUS"
)

type TierLimits struct {
	MaxAlerts int
	Kinds     []AlertKind
	Methods   []NotifyMethod
}

var tierTable = map[Tier]TierLimits{
	TierFree: {MaxAlerts: 0},
	TierPro: {
		MaxAlerts: 25,
		Kinds:     []AlertKind{AlertPrice, AlertFundingRate},
		Methods:   []NotifyMethod{NotifyPush, NotifyEmail},
	},
	TierProPlus: {
		MaxAlerts: 100,
		Kinds:     []AlertKind{AlertPrice, AlertFundingRate, AlertOpenInterest},
		Methods:   []NotifyMethod{NotifyPush, NotifyEmail, NotifyTelegram, NotifySMS},
	},
}

func LimitsFor(t Tier) TierLimits {
	if l, ok := tierTable[t]; ok {
		return l
	}
	return tierTable[TierFree]
}

// CheckTier enforces the tier's alert count, kind and notification limits
// for a new alert given the user's current active count.
func CheckTier(t Tier, current int64, a *Alert) error {
	limits := LimitsFor(t)
	if current >= int64(limits.MaxAlerts) {
		return fmt.Errorf("%w: %s allows %d", ErrTierLimit, t, limits.MaxAlerts)
	}
	if !containsKind(limits.Kinds, a.Kind) {
		return fmt.Errorf("%w: %s cannot use %s", ErrTierKind, t, a.Kind)
	}
	for _, m := range a.NotifyVia {
		if !containsMethod(limits.Methods, m) {
			return fmt.Errorf("%w: %s cannot use %s", ErrTierNotify, t, m)
		}
	}
	return nil
}

func containsKind(ks []AlertKind, k AlertKind) bool {
	for _, x := range ks {
		if x == k {
			return true
		}
	}
	return false
}

func containsMethod(ms []NotifyMethod, m NotifyMethod) bool {
	for _, x := range ms {
		if x == m {
			return true
		}
	}
	return false
}
