// Package types defines the canonical domain and wire shapes shared across mdhub.
package types

import "time"

// GatewayType identifies which vendor adaptor a session uses.
type GatewayType string

const (
	GatewayCTP  GatewayType = "CTP"
	GatewaySOPT GatewayType = "SOPT"
)

// SessionState is the lifecycle state of a GatewaySession.
type SessionState int

const (
	SessionIdle SessionState = iota
	SessionConnecting
	SessionConnected
	SessionDisconnected
	SessionTerminating
	SessionError
)

func (s SessionState) String() string {
	switch s {
	case SessionIdle:
		return "IDLE"
	case SessionConnecting:
		return "CONNECTING"
	case SessionConnected:
		return "CONNECTED"
	case SessionDisconnected:
		return "DISCONNECTED"
	case SessionTerminating:
		return "TERMINATING"
	case SessionError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// HealthState is the classification the Health Monitor assigns a session.
type HealthState int

const (
	HealthHealthy HealthState = iota
	HealthUnhealthy
	HealthRecovering
	HealthDisconnected
	HealthPermanentlyFailed
)

func (h HealthState) String() string {
	switch h {
	case HealthHealthy:
		return "HEALTHY"
	case HealthUnhealthy:
		return "UNHEALTHY"
	case HealthRecovering:
		return "RECOVERING"
	case HealthDisconnected:
		return "DISCONNECTED"
	case HealthPermanentlyFailed:
		return "PERMANENTLY_FAILED"
	default:
		return "UNKNOWN"
	}
}

// Account is a persisted gateway account record (spec.md §3).
type Account struct {
	ID          string            `json:"id" db:"id"`
	GatewayType GatewayType       `json:"gateway_type" db:"gateway_type"`
	Settings    map[string]string `json:"settings" db:"-"`
	Priority    int               `json:"priority" db:"priority"`
	Enabled     bool              `json:"enabled" db:"enabled"`
	Description string            `json:"description,omitempty" db:"description"`
	CreatedAt   time.Time         `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at" db:"updated_at"`
}

// AccountPatch carries the mutable subset of Account for partial updates.
type AccountPatch struct {
	GatewayType *GatewayType
	Settings    map[string]string
	Priority    *int
	Enabled     *bool
	Description *string
}

// GatewaySession is the in-memory per-account runtime record owned by the Supervisor.
type GatewaySession struct {
	AccountID            string
	GatewayType           GatewayType
	State                 SessionState
	ConnectTime           time.Time
	LastTickTime          time.Time
	SubscribedSymbols     map[string]struct{}
	RestartAttempts       int
	NextAllowedRestartAt  time.Time
	CanarySymbol          string
}

// HealthStatus is the in-memory per-session health record owned by the Health Monitor.
type HealthStatus struct {
	AccountID          string
	Status             HealthState
	LastTransitionAt   time.Time
	CanaryLastTickAt   time.Time
	ConsecutiveFailures int
	LastReason         string
}

// CanaryState tracks data-plane liveness for one (account, canary symbol) pair.
type CanaryState struct {
	AccountID       string
	Symbol          string
	LastTickAt      time.Time
	TicksLastMinute int
	ThresholdSeconds int
}

// ContractBinding is the per-symbol source-election record owned by the Aggregator.
type ContractBinding struct {
	Symbol                 string
	GatewayType            GatewayType
	PreferredPriorityOrder []string
	CurrentSource          string // empty means null
	PendingMigration       bool
}

// PriceScale is the fixed scaling factor applied to convert a decimal price
// into an integer PriceTicks value, avoiding cross-language float rounding
// drift (spec.md §9 redesign flag).
const PriceScale int64 = 10000

// Tick is one cleansed market observation ready for egress.
type Tick struct {
	V             int       `msgpack:"v" json:"v"`
	Symbol        string    `msgpack:"symbol" json:"symbol"`
	Exchange      string    `msgpack:"exchange" json:"exchange"`
	LastPriceTicks int64    `msgpack:"last_price_ticks" json:"last_price_ticks"`
	LastVolume    int64     `msgpack:"last_volume" json:"last_volume"`
	BidPriceTicks int64     `msgpack:"bid_price_ticks" json:"bid_price_ticks"`
	BidVolume     int64     `msgpack:"bid_volume" json:"bid_volume"`
	AskPriceTicks int64     `msgpack:"ask_price_ticks" json:"ask_price_ticks"`
	AskVolume     int64     `msgpack:"ask_volume" json:"ask_volume"`
	SourceAccountID string  `msgpack:"source_account_id" json:"source_account_id"`
	ExchangeTime  time.Time `msgpack:"exchange_time" json:"exchange_time"`
	IngressTime   time.Time `msgpack:"ingress_time" json:"ingress_time"`
}

// LastPrice renders the scaled integer price as a float64 for JSON/dashboard boundaries only.
func (t Tick) LastPrice() float64 { return float64(t.LastPriceTicks) / float64(PriceScale) }

// Valid reports whether the tick satisfies the invariants in spec.md §3 (P7).
func (t Tick) Valid(now time.Time, maxSkew time.Duration) (bool, string) {
	if t.LastPriceTicks <= 0 {
		return false, "last_price_not_positive"
	}
	if t.LastVolume < 0 {
		return false, "last_volume_negative"
	}
	if t.ExchangeTime.After(now.Add(maxSkew)) {
		return false, "exchange_time_future_skew"
	}
	return true, ""
}

// RawTick is the vendor-shaped tick delivered by an UpstreamGateway before cleansing.
type RawTick struct {
	Symbol        string
	Exchange      string
	LastPrice     float64
	LastVolume    int64
	BidPrice      float64
	BidVolume     int64
	AskPrice      float64
	AskVolume     int64
	ExchangeTime  time.Time
}

// ToTick converts a RawTick into the canonical scaled-integer Tick, stamped with its source.
func (r RawTick) ToTick(sourceAccountID string, ingressTime time.Time) Tick {
	return Tick{
		V:               1,
		Symbol:          r.Symbol,
		Exchange:        r.Exchange,
		LastPriceTicks:  int64(r.LastPrice * float64(PriceScale)),
		LastVolume:      r.LastVolume,
		BidPriceTicks:   int64(r.BidPrice * float64(PriceScale)),
		BidVolume:       r.BidVolume,
		AskPriceTicks:   int64(r.AskPrice * float64(PriceScale)),
		AskVolume:       r.AskVolume,
		SourceAccountID: sourceAccountID,
		ExchangeTime:    r.ExchangeTime,
		IngressTime:     ingressTime,
	}
}
