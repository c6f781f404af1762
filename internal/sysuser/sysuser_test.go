package sysuser

import (
	"context"
	"log/slog"
	"os"
	"os/user"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestEnsureUser_ExistingIsNoOp(t *testing.T) {
	u, err := user.Current()
	if err != nil {
		t.Fatalf("failed to resolve current user: %v", err)
	}

	m := NewOSManager(testLogger())
	// Existing user short-circuits before any group lookup or adduser call,
	// so a bogus group must not matter.
	if err := m.EnsureUser(context.Background(), u.Username, "no-such-group", "/nonexistent"); err != nil {
		t.Fatalf("EnsureUser for existing user returned error: %v", err)
	}
}

func TestRunAs_EmptyCommand(t *testing.T) {
	m := NewOSManager(testLogger())
	if err := m.RunAs(context.Background(), "ddeb", nil); err == nil {
		t.Fatal("expected error for empty command")
	}
}
