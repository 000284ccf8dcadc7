package supervisor

import (
	"context"

	"mdhub/pkg/types"
)

// CommandKind tags a Command's requested action.
type CommandKind string

const (
	CommandStart   CommandKind = "start"
	CommandStop    CommandKind = "stop"
	CommandRestart CommandKind = "restart"
)

// Command is a single control request. Both the Control API and the
// Recovery Controller submit through the same channel so every mutation of
// session state funnels through one place, rather than each caller poking
// Start/Stop/Restart directly.
type Command struct {
	Kind           CommandKind
	Account        types.Account
	CanaryDefaults map[types.GatewayType]string
	Result         chan error
}

// Commands returns the channel Recovery and the Control API submit on.
func (s *Supervisor) Commands() chan<- Command { return s.commandCh }

// RunCommandLoop processes submitted commands until ctx is cancelled. Each
// command runs in its own goroutine since Start/Stop/Restart are already
// safe for concurrent use across distinct accounts (each session has its
// own lock); this loop only serializes the initial dispatch.
func (s *Supervisor) RunCommandLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-s.commandCh:
			go s.execute(ctx, cmd)
		}
	}
}

func (s *Supervisor) execute(ctx context.Context, cmd Command) {
	var err error
	switch cmd.Kind {
	case CommandStart:
		err = s.Start(ctx, cmd.Account, cmd.CanaryDefaults)
	case CommandStop:
		err = s.Stop(cmd.Account.ID)
	case CommandRestart:
		err = s.Restart(ctx, cmd.Account, cmd.CanaryDefaults)
	}
	if cmd.Result != nil {
		cmd.Result <- err
	}
}

// Submit is a synchronous convenience wrapper over the command channel.
func (s *Supervisor) Submit(ctx context.Context, cmd Command) error {
	cmd.Result = make(chan error, 1)
	select {
	case s.commandCh <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-cmd.Result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
