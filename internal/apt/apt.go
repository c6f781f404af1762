package apt

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// Installer provides package-manager operations for the dependency step
type Installer interface {
	// Update refreshes the package index.
	Update(ctx context.Context) error
	// Install installs the named packages.
	Install(ctx context.Context, packages ...string) error
}

// ShellInstaller implements Installer by shelling out to apt-get
type ShellInstaller struct{}

// NewShellInstaller creates a new apt client
func NewShellInstaller() *ShellInstaller {
	return &ShellInstaller{}
}

// Update refreshes the apt index
func (i *ShellInstaller) Update(ctx context.Context) error {
	return run(ctx, "apt-get", "update")
}

// Install installs the given packages non-interactively
func (i *ShellInstaller) Install(ctx context.Context, packages ...string) error {
	if len(packages) == 0 {
		return nil
	}
	args := append([]string{"install", "-y"}, packages...)
	return run(ctx, "apt-get", args...)
}

func run(ctx context.Context, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Env = append(os.Environ(), "DEBIAN_FRONTEND=noninteractive")
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s %s failed: %w: %s", name, args[0], err, strings.TrimSpace(string(output)))
	}
	return nil
}
