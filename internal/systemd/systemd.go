package systemd

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Manager provides operations against the host init system
type Manager interface {
	// DaemonReload reloads the systemd unit database.
	DaemonReload(ctx context.Context) error
	// Enable enables a unit.
	Enable(ctx context.Context, unit string) error
	// Disable disables a unit.
	Disable(ctx context.Context, unit string) error
	// Start starts a unit.
	Start(ctx context.Context, unit string) error
	// Stop stops a unit.
	Stop(ctx context.Context, unit string) error
	// ReloadUnit asks a running unit to reload its configuration.
	ReloadUnit(ctx context.Context, unit string) error
	// IsAvailable checks whether systemctl is usable at all.
	IsAvailable(ctx context.Context) (bool, error)
}

// Client implements Manager by shelling out to systemctl
type Client struct{}

// NewClient creates a new systemd client
func NewClient() *Client {
	return &Client{}
}

// DaemonReload reloads systemd unit configuration
func (c *Client) DaemonReload(ctx context.Context) error {
	return c.run(ctx, "daemon-reload")
}

// Enable enables the unit
func (c *Client) Enable(ctx context.Context, unit string) error {
	return c.run(ctx, "enable", unit)
}

// Disable disables the unit
func (c *Client) Disable(ctx context.Context, unit string) error {
	return c.run(ctx, "disable", unit)
}

// Start starts the unit
func (c *Client) Start(ctx context.Context, unit string) error {
	return c.run(ctx, "start", unit)
}

// Stop stops the unit
func (c *Client) Stop(ctx context.Context, unit string) error {
	return c.run(ctx, "stop", unit)
}

// ReloadUnit reloads the unit's own configuration (not the unit database)
func (c *Client) ReloadUnit(ctx context.Context, unit string) error {
	return c.run(ctx, "reload", unit)
}

// IsAvailable checks whether systemctl can be driven at all.
// is-system-running exits non-zero on degraded systems; that still counts as
// available, only a failure to execute does not.
func (c *Client) IsAvailable(ctx context.Context) (bool, error) {
	cmd := exec.CommandContext(ctx, "systemctl", "is-system-running")
	err := cmd.Run()
	if err != nil {
		if _, ok := err.(*exec.ExitError); ok {
			return true, nil
		}
		return false, fmt.Errorf("systemctl not available: %w", err)
	}
	return true, nil
}

// IsActive returns the activation state of a unit (e.g. "active", "inactive")
func (c *Client) IsActive(ctx context.Context, unit string) (string, error) {
	cmd := exec.CommandContext(ctx, "systemctl", "is-active", unit)
	output, _ := cmd.Output()
	// is-active exits non-zero for inactive units; the printed state is
	// still the answer.
	return strings.TrimSpace(string(output)), nil
}

func (c *Client) run(ctx context.Context, args ...string) error {
	cmd := exec.CommandContext(ctx, "systemctl", args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("systemctl %s failed: %w: %s", args[0], err, strings.TrimSpace(string(output)))
	}
	return nil
}
