package supervisor

import (
	"context"

	"go.uber.org/zap"

	"mdhub/internal/eventbus"
	"mdhub/pkg/types"
)

// AccountProvider resolves an account record by ID, used to re-read an
// account's current settings after an AccountMutated event fires.
type AccountProvider interface {
	Get(ctx context.Context, id string) (*types.Account, error)
}

// SessionTracker is implemented by the Health Monitor and Recovery
// Controller: components that key their own per-account state off the set
// of sessions the Supervisor runs.
type SessionTracker interface {
	Track(accountID string)
	Untrack(accountID string)
}

// WatchAccountMutations consumes AccountMutated events and reconciles the
// Supervisor's running sessions against the Account Store's current state
// (spec.md §4.D): a disabled account's session is stopped, a newly enabled
// account's session is started, and a settings change on an already-running
// account triggers a restart. Blocks until ctx is cancelled.
func (s *Supervisor) WatchAccountMutations(ctx context.Context, bus *eventbus.Bus, accounts AccountProvider,
	canaryDefaults map[types.GatewayType]string, trackers ...SessionTracker) {
	sub := bus.Subscribe("supervisor-reconcile", "*")
	defer sub.Close()

	done := ctx.Done()
	for {
		ev, ok := sub.Next(done)
		if !ok {
			return
		}
		p, ok := ev.Payload.(types.AccountMutatedPayload)
		if !ok {
			continue
		}
		s.reconcileAccount(ctx, p.AccountID, p.Kind, accounts, canaryDefaults, trackers)
	}
}

func (s *Supervisor) reconcileAccount(ctx context.Context, accountID string, kind types.AccountMutationKind,
	accounts AccountProvider, canaryDefaults map[types.GatewayType]string, trackers []SessionTracker) {
	if kind == types.AccountDeleted {
		_ = s.Stop(accountID)
		s.forget(accountID, trackers)
		return
	}

	acc, err := accounts.Get(ctx, accountID)
	if err != nil {
		s.log.Warn("reconcile could not resolve mutated account", zap.String("account_id", accountID), zap.Error(err))
		return
	}

	session, exists := s.Session(accountID)
	running := exists && (session.State == types.SessionConnecting || session.State == types.SessionConnected)

	if !acc.Enabled {
		if running {
			_ = s.Stop(accountID)
			s.forget(accountID, trackers)
		}
		return
	}

	if !running {
		if err := s.Start(ctx, *acc, canaryDefaults); err != nil {
			s.log.Error("reconcile failed to start account", zap.String("account_id", accountID), zap.Error(err))
			return
		}
		for _, t := range trackers {
			t.Track(accountID)
		}
		return
	}

	if kind == types.AccountUpdated {
		if err := s.Restart(ctx, *acc, canaryDefaults); err != nil {
			s.log.Error("reconcile failed to restart account after settings change",
				zap.String("account_id", accountID), zap.Error(err))
		}
	}
}

// forget drops accountID's session entirely and stops every tracker from
// observing it, used once an account's session is torn down for good.
func (s *Supervisor) forget(accountID string, trackers []SessionTracker) {
	s.mu.Lock()
	delete(s.sessions, accountID)
	s.mu.Unlock()
	for _, t := range trackers {
		t.Untrack(accountID)
	}
}
