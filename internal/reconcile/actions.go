package reconcile

import (
	"context"
	"fmt"
	"strings"

	"github.com/schaermu/ddebsyncd/internal/status"
	"github.com/schaermu/ddebsyncd/internal/unitfile"
)

// Update re-runs only the fetch and remote-ref checkout portion of the
// checkout step: no presence check, no remote repoint, no other steps.
func (e *Engine) Update(ctx context.Context) error {
	ref := e.cfg.Retriever.GitRef
	if ref == "" {
		return fmt.Errorf("no git ref configured")
	}

	e.logger.Info("updating checkout", "ref", ref)
	if err := e.deps.Git.Fetch(ctx); err != nil {
		return err
	}
	return e.deps.Git.CheckoutRemoteRef(ctx, ref)
}

// Run invokes the retriever synchronously under the managed identity. The
// args string is whitespace-split with empty tokens discarded; a non-zero
// exit propagates as the action's failure.
func (e *Engine) Run(ctx context.Context, args string) error {
	argv := append(e.cfg.RunCommand(), strings.Fields(args)...)
	return e.deps.Proc.RunAs(ctx, e.cfg.Identity.User, argv)
}

// Pause stops and disables the trigger and its service, and publishes
// maintenance status
func (e *Engine) Pause(ctx context.Context) error {
	for _, unit := range []string{unitfile.TimerUnit, unitfile.ServiceUnit} {
		if err := e.deps.Units.Stop(ctx, unit); err != nil {
			return err
		}
		if err := e.deps.Units.Disable(ctx, unit); err != nil {
			return err
		}
	}
	return e.publish(status.Maintenance())
}

// Resume re-enables and starts the trigger and its service, and publishes
// active status
func (e *Engine) Resume(ctx context.Context) error {
	for _, unit := range []string{unitfile.TimerUnit, unitfile.ServiceUnit} {
		if err := e.deps.Units.Enable(ctx, unit); err != nil {
			return err
		}
		if err := e.deps.Units.Start(ctx, unit); err != nil {
			return err
		}
	}
	return e.publish(status.Active())
}
