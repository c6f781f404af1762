// Package sysuser manages the system identity the retriever runs as and
// executes commands under it.
package sysuser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"os/user"
	"strings"
)

// Manager ensures the managed system user exists
type Manager interface {
	// EnsureUser creates a system user with the given primary group and home
	// directory if it does not exist. Re-running when the user exists is a
	// no-op. A missing primary group is a fatal configuration error.
	EnsureUser(ctx context.Context, name, primaryGroup, home string) error
}

// Runner executes a command under another identity
type Runner interface {
	// RunAs runs argv as the named user and blocks until it exits.
	RunAs(ctx context.Context, userName string, argv []string) error
}

// OSManager implements Manager and Runner against the live host
type OSManager struct {
	logger *slog.Logger
}

// NewOSManager creates the live implementation
func NewOSManager(logger *slog.Logger) *OSManager {
	return &OSManager{logger: logger}
}

// EnsureUser creates the system user when absent
func (m *OSManager) EnsureUser(ctx context.Context, name, primaryGroup, home string) error {
	_, err := user.Lookup(name)
	if err == nil {
		return nil
	}
	var unknown user.UnknownUserError
	if !errors.As(err, &unknown) {
		return fmt.Errorf("failed to look up user %q: %w", name, err)
	}

	group, err := user.LookupGroup(primaryGroup)
	if err != nil {
		return fmt.Errorf("primary group %q must exist: %w", primaryGroup, err)
	}

	m.logger.Info("creating user", "user", name, "group", primaryGroup)
	cmd := exec.CommandContext(ctx, "adduser",
		"--system",
		"--gid", group.Gid,
		"--home", home,
		name,
	)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("adduser failed: %w: %s", err, strings.TrimSpace(string(output)))
	}
	return nil
}

// RunAs runs argv as the named user via sudo, blocking until exit
func (m *OSManager) RunAs(ctx context.Context, userName string, argv []string) error {
	if len(argv) == 0 {
		return fmt.Errorf("empty command")
	}

	args := append([]string{"-u", userName, "--"}, argv...)
	m.logger.Info("running command", "user", userName, "command", strings.Join(argv, " "))
	cmd := exec.CommandContext(ctx, "sudo", args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("command failed: %w: %s", err, strings.TrimSpace(string(output)))
	}
	return nil
}
