package types

import "time"

// EventType tags the payload carried by an Event (spec.md §3).
type EventType string

const (
	EventGatewayStateChanged     EventType = "gateway_state_changed"
	EventHealthStatusChanged     EventType = "health_status_changed"
	EventCanaryTickObserved      EventType = "canary_tick_observed"
	EventRecoveryPhase           EventType = "recovery_phase"
	EventFailoverExecuted        EventType = "failover_executed"
	EventContractMigrated        EventType = "contract_migrated"
	EventTickIngressed           EventType = "tick_ingressed"
	EventTickEgressed            EventType = "tick_egressed"
	EventSystemLog               EventType = "system_log"
	EventControlActionRequested  EventType = "control_action_requested"
	EventControlActionCompleted  EventType = "control_action_completed"
	EventAccountMutated          EventType = "account_mutated"
	EventNoSourceAvailable       EventType = "no_source_available"
	EventConnectionSnapshot      EventType = "connection"
)

// Event is the immutable bus message. Topic is the routing key used by the
// Event Bus (account_id for session/health/recovery events, symbol for
// tick-shaped events, "*" reserved for broadcast-only subscribers).
type Event struct {
	Type          EventType
	Topic         string
	Timestamp     time.Time
	CorrelationID string
	Payload       any
}

type GatewayStateChangedPayload struct {
	AccountID string
	OldState  SessionState
	NewState  SessionState
}

type HealthStatusChangedPayload struct {
	AccountID string
	OldStatus HealthState
	NewStatus HealthState
	Reason    string
}

type CanaryTickObservedPayload struct {
	AccountID string
	Symbol    string
	At        time.Time
}

type RecoveryPhaseKind string

const (
	RecoveryPhaseCooldown  RecoveryPhaseKind = "cooldown"
	RecoveryPhaseRestarting RecoveryPhaseKind = "restarting"
	RecoveryPhaseCompleted RecoveryPhaseKind = "completed"
	RecoveryPhaseFailed    RecoveryPhaseKind = "failed"
	RecoveryPhasePermanentlyFailed RecoveryPhaseKind = "permanently_failed"
)

type RecoveryPhasePayload struct {
	AccountID string
	Phase     RecoveryPhaseKind
	Attempt   int
}

type FailoverExecutedPayload struct {
	Symbol     string
	From       string
	To         string
	DurationMs int64
}

type ContractMigratedPayload struct {
	Symbol string
	From   string
	To     string
}

type TickIngressedPayload struct {
	Tick Tick
}

type TickEgressedPayload struct {
	Tick Tick
}

type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

type SystemLogPayload struct {
	Level    LogLevel
	Message  string
	Source   string
	Metadata map[string]string
}

type ControlAction string

const (
	ActionStart   ControlAction = "start"
	ActionStop    ControlAction = "stop"
	ActionRestart ControlAction = "restart"
)

type ControlActionRequestedPayload struct {
	AccountID string
	Action    ControlAction
}

type ControlActionCompletedPayload struct {
	AccountID string
	Action    ControlAction
	Status    string // "completed" | "failed"
	Error     string
}

type AccountMutationKind string

const (
	AccountCreated AccountMutationKind = "created"
	AccountUpdated AccountMutationKind = "updated"
	AccountDeleted AccountMutationKind = "deleted"
)

type AccountMutatedPayload struct {
	AccountID string
	Kind      AccountMutationKind
}

type NoSourceAvailablePayload struct {
	Symbol string
}
