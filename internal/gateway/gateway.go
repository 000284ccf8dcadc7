// Package gateway defines the Upstream Gateway Adaptor boundary (spec.md
// §4.C): the interface the Supervisor drives per account, and the adaptor
// implementations behind it. Connection/subscription bookkeeping and the
// synthetic data loop are grounded on the teacher's
// relay/internal/upstream.Manager (runStream/streamData/connectToGateway),
// generalized from one shared upstream connection to one adaptor instance
// per account.
package gateway

import (
	"context"
	"time"

	"mdhub/pkg/types"
)

// TickHandler receives a raw vendor tick observed on the wire.
type TickHandler func(types.RawTick)

// StateHandler is invoked whenever the adaptor's connection state changes.
// err is non-nil only on a transition into SessionDisconnected or SessionError.
type StateHandler func(state types.SessionState, err error)

// UpstreamGateway is the per-account boundary the Supervisor drives. An
// adaptor owns one physical (or simulated) connection to a CTP/SOPT
// gateway process and the symbol subscriptions placed on it.
type UpstreamGateway interface {
	AccountID() string
	GatewayType() types.GatewayType

	// Connect establishes the session. It must return once the underlying
	// connection attempt has concluded (success or failure), never block
	// indefinitely, and honor ctx cancellation.
	Connect(ctx context.Context) error

	// Disconnect tears the session down. Safe to call on an already-idle adaptor.
	Disconnect() error

	Subscribe(symbol string) error
	Unsubscribe(symbol string) error

	// SubscribedSymbols returns the adaptor's current live subscription set.
	SubscribedSymbols() []string

	// State reports the adaptor's current connection state: DISCONNECTED
	// before the first Connect, CONNECTING, CONNECTED or ERROR while
	// connected, and TERMINATING once Disconnect has run.
	State() types.SessionState

	SetTickHandler(fn TickHandler)
	SetStateHandler(fn StateHandler)
}

// Config carries the settings common to every adaptor kind.
type Config struct {
	AccountID     string
	GatewayType   types.GatewayType
	Settings      map[string]string
	TickInterval  time.Duration
}

// New constructs the adaptor for cfg.GatewayType. useMock forces the
// deterministic synthetic adaptor regardless of gateway type (GATEWAY_MOCK=1).
func New(cfg Config, useMock bool) UpstreamGateway {
	if useMock {
		return newMockAdaptor(cfg)
	}
	switch cfg.GatewayType {
	case types.GatewaySOPT:
		return newSOPTAdaptor(cfg)
	default:
		return newCTPAdaptor(cfg)
	}
}
