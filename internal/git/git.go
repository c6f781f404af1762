package git

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
)

// Client provides the git operations the reconciler needs over the managed
// working tree
type Client interface {
	// EnsureCheckout converges the working tree: clone when absent, repoint
	// and fetch when the origin URL drifted, check out origin/<ref> when the
	// resolved ref drifted.
	EnsureCheckout(ctx context.Context, remote, ref string) error
	// Fetch updates the remote-tracking refs from origin.
	Fetch(ctx context.Context) error
	// CheckoutRemoteRef checks out origin/<ref>.
	CheckoutRemoteRef(ctx context.Context, ref string) error
	// CurrentRef resolves the identity of the current checkout.
	CurrentRef(ctx context.Context) (string, error)
	// CurrentRemote reads the configured origin URL.
	CurrentRemote(ctx context.Context) (string, error)
}

// Runner builds and executes git invocations scoped to a working tree.
// A clone runs unscoped (the tree does not exist yet); every other
// subcommand is prefixed with -C <workdir>.
type Runner struct {
	workDir string
}

// NewRunner creates a runner scoped to workDir
func NewRunner(workDir string) *Runner {
	return &Runner{workDir: workDir}
}

// Args returns the full argv for the given git subcommand and arguments
func (r *Runner) Args(args ...string) []string {
	if len(args) > 0 && args[0] == "clone" {
		return append([]string{"git"}, args...)
	}
	return append([]string{"git", "-C", r.workDir}, args...)
}

// Output runs the invocation and returns trimmed stdout. Failures carry the
// command's stderr.
func (r *Runner) Output(ctx context.Context, args ...string) (string, error) {
	argv := r.Args(args...)
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	var stderr strings.Builder
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("%s: %w: %s", strings.Join(argv, " "), err, strings.TrimSpace(stderr.String()))
	}
	return strings.TrimSpace(string(out)), nil
}

// ShellClient implements Client by shelling out to the git command
type ShellClient struct {
	run    *Runner
	dir    string
	logger *slog.Logger
}

// NewShellClient creates a git client managing the tree at installDir
func NewShellClient(installDir string, logger *slog.Logger) *ShellClient {
	return &ShellClient{
		run:    NewRunner(installDir),
		dir:    installDir,
		logger: logger,
	}
}

// EnsureCheckout converges presence, remote identity and ref identity in turn
func (c *ShellClient) EnsureCheckout(ctx context.Context, remote, ref string) error {
	if _, err := os.Stat(c.dir); err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("failed to stat %s: %w", c.dir, err)
		}
		c.logger.Info("deploying working tree", "remote", remote, "dest", c.dir)
		if _, err := c.run.Output(ctx, "clone", remote, c.dir); err != nil {
			return fmt.Errorf("git clone failed: %w", err)
		}
	}

	currentRemote, err := c.CurrentRemote(ctx)
	if err != nil {
		return err
	}
	if currentRemote != remote {
		c.logger.Info("repointing origin", "current", currentRemote, "desired", remote)
		if _, err := c.run.Output(ctx, "remote", "set-url", "origin", remote); err != nil {
			return fmt.Errorf("git remote set-url failed: %w", err)
		}
		// Fetch right away so the ref comparison below sees the new remote's refs.
		if err := c.Fetch(ctx); err != nil {
			return err
		}
	}

	currentRef, err := c.CurrentRef(ctx)
	if err != nil {
		return err
	}
	if currentRef != ref {
		c.logger.Info("updating checkout", "current", currentRef, "desired", ref)
		if err := c.CheckoutRemoteRef(ctx, ref); err != nil {
			return err
		}
	}

	return nil
}

// Fetch updates remote-tracking refs from origin
func (c *ShellClient) Fetch(ctx context.Context) error {
	if _, err := c.run.Output(ctx, "fetch", "origin"); err != nil {
		return fmt.Errorf("git fetch failed: %w", err)
	}
	return nil
}

// CheckoutRemoteRef checks out the desired ref from the remote-tracking namespace
func (c *ShellClient) CheckoutRemoteRef(ctx context.Context, ref string) error {
	if _, err := c.run.Output(ctx, "checkout", "origin/"+ref); err != nil {
		return fmt.Errorf("git checkout failed for ref %q: %w", ref, err)
	}
	return nil
}

// CurrentRef resolves the identity of the current checkout. It first asks for
// an exact ref name describing HEAD and strips the remote-tracking and local
// head prefixes; when no ref matches (detached at an undescribed commit) it
// falls back to the full commit id, which always resolves.
//
// The fallback makes the drift comparison asymmetric: a desired branch name
// never equals a raw commit id, so such a tree reports drift on every pass
// until a matching ref exists.
func (c *ShellClient) CurrentRef(ctx context.Context) (string, error) {
	out, err := c.run.Output(ctx, "describe", "--all", "--exact-match", "HEAD")
	if err != nil {
		commit, err := c.run.Output(ctx, "rev-parse", "HEAD")
		if err != nil {
			return "", fmt.Errorf("git rev-parse failed: %w", err)
		}
		return commit, nil
	}

	ref := strings.TrimPrefix(out, "remotes/origin/")
	ref = strings.TrimPrefix(ref, "heads/")
	return ref, nil
}

// CurrentRemote reads the configured origin URL
func (c *ShellClient) CurrentRemote(ctx context.Context) (string, error) {
	out, err := c.run.Output(ctx, "remote", "get-url", "origin")
	if err != nil {
		return "", fmt.Errorf("git remote get-url failed: %w", err)
	}
	return out, nil
}
