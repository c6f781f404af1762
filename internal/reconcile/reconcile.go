// Package reconcile drives the host toward the desired retriever deployment.
// Every step re-derives current state from the host and is independently
// re-runnable; a run holds no state beyond its own locals.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/schaermu/ddebsyncd/internal/apt"
	"github.com/schaermu/ddebsyncd/internal/config"
	"github.com/schaermu/ddebsyncd/internal/fsops"
	"github.com/schaermu/ddebsyncd/internal/git"
	"github.com/schaermu/ddebsyncd/internal/httpd"
	"github.com/schaermu/ddebsyncd/internal/status"
	"github.com/schaermu/ddebsyncd/internal/systemd"
	"github.com/schaermu/ddebsyncd/internal/sysuser"
	"github.com/schaermu/ddebsyncd/internal/unitfile"
)

// dependencies installed by the package step
var dependencies = []string{"git", "systemd", "python3-launchpadlib", "apache2"}

// Deps are the host capabilities the engine converges through
type Deps struct {
	Packages apt.Installer
	Git      git.Client
	Users    sysuser.Manager
	Units    systemd.Manager
	Files    fsops.Ops
	Httpd    httpd.Enabler
	Proc     sysuser.Runner
	Status   status.Publisher
}

// Engine orchestrates the convergence steps
type Engine struct {
	cfg    *config.Config
	deps   Deps
	logger *slog.Logger
	dryRun bool
}

// NewEngine creates a new reconciliation engine
func NewEngine(cfg *config.Config, deps Deps, logger *slog.Logger, dryRun bool) *Engine {
	return &Engine{
		cfg:    cfg,
		deps:   deps,
		logger: logger,
		dryRun: dryRun,
	}
}

// Apply runs one full convergence pass. Missing desired-state keys publish a
// blocked status and abort before any side effect; the package step swallows
// its own failures; every later step aborts the run on error. Partial
// application is repaired by the next triggered run, never rolled back.
func (e *Engine) Apply(ctx context.Context) error {
	if missing := e.cfg.Retriever.MissingKeys(); len(missing) > 0 {
		msg := "Needs: " + strings.Join(missing, ", ")
		e.logger.Warn("configuration incomplete", "missing", missing)
		return e.publish(status.Blocked(msg))
	}

	if e.dryRun {
		e.logPlan()
		return nil
	}

	if err := e.ensurePackages(ctx); err != nil {
		// Non-fatal, the remaining steps still converge.
		e.logger.Error("failed to install dependencies", "error", err)
	}

	if err := e.deps.Git.EnsureCheckout(ctx, e.cfg.Retriever.GitRepository, e.cfg.Retriever.GitRef); err != nil {
		return fmt.Errorf("failed to converge checkout: %w", err)
	}

	if err := e.deps.Users.EnsureUser(ctx, e.cfg.Identity.User, e.cfg.Identity.Group, e.cfg.Identity.Home); err != nil {
		return fmt.Errorf("failed to converge user: %w", err)
	}

	if _, err := e.deps.Files.EnsureDir(e.cfg.Paths.ArchiveDir, fsops.FileAttrs{
		Owner: e.cfg.Identity.User,
		Group: e.cfg.Identity.Group,
		Mode:  0755,
	}); err != nil {
		return fmt.Errorf("failed to converge archive directory: %w", err)
	}

	if err := e.ensureUnits(ctx); err != nil {
		return fmt.Errorf("failed to converge units: %w", err)
	}

	if err := e.ensureHttpd(ctx); err != nil {
		return fmt.Errorf("failed to converge apache: %w", err)
	}

	e.logger.Info("convergence completed")
	return e.publish(status.Active())
}

// ensurePackages refreshes the index and installs the fixed dependency list
func (e *Engine) ensurePackages(ctx context.Context) error {
	e.logger.Info("installing dependencies", "packages", dependencies)
	if err := e.deps.Packages.Update(ctx); err != nil {
		return err
	}
	return e.deps.Packages.Install(ctx, dependencies...)
}

// ensureUnits renders the timer/service pair and writes each only on content
// drift. Any drift reloads the unit database and re-enables and re-starts the
// timer.
func (e *Engine) ensureUnits(ctx context.Context) error {
	available, err := e.deps.Units.IsAvailable(ctx)
	if err != nil {
		return fmt.Errorf("systemd not available: %w", err)
	}
	if !available {
		return fmt.Errorf("systemd not available")
	}

	proxy := e.cfg.Proxy.WithEnvFallback()

	timerChanged, err := e.deps.Files.EnsureContents(
		e.timerPath(),
		unitfile.Timer(e.cfg.Retriever.Schedule),
		fsops.FileAttrs{},
	)
	if err != nil {
		return err
	}

	serviceChanged, err := e.deps.Files.EnsureContents(
		e.servicePath(),
		unitfile.Service(e.cfg.Identity.User, e.cfg.RunCommand(), proxy),
		fsops.FileAttrs{},
	)
	if err != nil {
		return err
	}

	if !timerChanged && !serviceChanged {
		return nil
	}

	e.logger.Info("unit files changed, reloading systemd",
		"timer_changed", timerChanged,
		"service_changed", serviceChanged)
	if err := e.deps.Units.DaemonReload(ctx); err != nil {
		return err
	}
	if err := e.deps.Units.Enable(ctx, unitfile.TimerUnit); err != nil {
		return err
	}
	return e.deps.Units.Start(ctx, unitfile.TimerUnit)
}

// ensureHttpd restores the alias configuration and its enabled marker, and
// reloads apache when either needed correcting
func (e *Engine) ensureHttpd(ctx context.Context) error {
	changed, err := e.deps.Files.EnsureContents(
		e.apacheConfPath(),
		httpd.Conf(e.cfg.Paths.ArchiveDir),
		fsops.FileAttrs{Owner: "www-data", Group: "www-data", Mode: 0644},
	)
	if err != nil {
		return err
	}

	needsReload := changed
	if !e.deps.Files.Exists(e.apacheEnabledPath()) {
		e.logger.Info("enabling apache configuration", "conf", httpd.ConfName)
		if err := e.deps.Httpd.EnableConf(ctx, httpd.ConfName); err != nil {
			return err
		}
		needsReload = true
	}

	if needsReload {
		e.logger.Info("reloading apache")
		return e.deps.Units.ReloadUnit(ctx, httpd.Unit)
	}
	return nil
}

// publish surfaces the outcome of a run or action
func (e *Engine) publish(s status.Status) error {
	e.logger.Info("publishing status", "state", s.State, "message", s.Message)
	if err := e.deps.Status.Publish(s); err != nil {
		return fmt.Errorf("failed to publish status: %w", err)
	}
	return nil
}

// logPlan describes the convergence a real run would attempt
func (e *Engine) logPlan() {
	e.logger.Info("[dry-run] would install packages", "packages", dependencies)
	e.logger.Info("[dry-run] would converge checkout",
		"remote", e.cfg.Retriever.GitRepository,
		"ref", e.cfg.Retriever.GitRef,
		"dest", e.cfg.Paths.InstallDir)
	e.logger.Info("[dry-run] would ensure user", "user", e.cfg.Identity.User, "group", e.cfg.Identity.Group)
	e.logger.Info("[dry-run] would ensure directory", "path", e.cfg.Paths.ArchiveDir)
	e.logger.Info("[dry-run] would ensure units", "timer", e.timerPath(), "service", e.servicePath())
	e.logger.Info("[dry-run] would ensure apache conf", "path", e.apacheConfPath())
	e.logger.Info("[dry-run] complete, no changes applied")
}

func (e *Engine) timerPath() string {
	return filepath.Join(e.cfg.Paths.UnitDir, unitfile.TimerUnit)
}

func (e *Engine) servicePath() string {
	return filepath.Join(e.cfg.Paths.UnitDir, unitfile.ServiceUnit)
}

func (e *Engine) apacheConfPath() string {
	return filepath.Join(e.cfg.Paths.ApacheConfDir, httpd.ConfName+".conf")
}

func (e *Engine) apacheEnabledPath() string {
	return filepath.Join(e.cfg.Paths.ApacheEnabledDir, httpd.ConfName+".conf")
}
