package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/schaermu/ddebsyncd/internal/apt"
	"github.com/schaermu/ddebsyncd/internal/config"
	"github.com/schaermu/ddebsyncd/internal/fsops"
	"github.com/schaermu/ddebsyncd/internal/git"
	"github.com/schaermu/ddebsyncd/internal/httpd"
	"github.com/schaermu/ddebsyncd/internal/logging"
	"github.com/schaermu/ddebsyncd/internal/reconcile"
	"github.com/schaermu/ddebsyncd/internal/server"
	"github.com/schaermu/ddebsyncd/internal/status"
	"github.com/schaermu/ddebsyncd/internal/systemd"
	"github.com/schaermu/ddebsyncd/internal/sysuser"
	"github.com/spf13/cobra"
)

var (
	// Set by goreleaser
	version = "dev"
	commit  = "none"
	date    = "unknown"

	// Global flags
	cfgFile   string
	logLevel  string
	logFormat string
	dryRun    bool
	runArgs   string
)

const defaultConfigPath = "/etc/ddebsyncd/config.yaml"

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "ddebsyncd",
	Short: "Keep a host converged to run the ddeb-retriever",
	Long: `ddebsyncd keeps a single host aligned with the declared ddeb-retriever
deployment: apt dependencies, the git checkout under /opt, the ddeb system
user, the archive directory, the systemd timer firing the retriever, and the
apache alias exposing the archive.

It runs as a one-shot convergence (apply) or as a long-running action server
(serve), plus the operator actions update, run, pause and resume.`,
	SilenceUsage: true,
}

var applyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Run one convergence pass against the host",
	Long: `Apply validates the desired state and drives the host through the ordered
convergence steps: packages, git checkout, system user, archive directory,
systemd units and apache configuration. Each step is idempotent; a host
already converged is left untouched.`,
	RunE: runApply,
}

var updateCmd = &cobra.Command{
	Use:   "update",
	Short: "Fetch origin and check out the configured ref",
	RunE:  runUpdate,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Invoke the retriever now under the managed user",
	Long: `Run executes the retriever synchronously as the managed system user. Extra
arguments are passed via --args as a whitespace-separated string; a non-zero
exit of the retriever fails the command.`,
	RunE: runRun,
}

var pauseCmd = &cobra.Command{
	Use:   "pause",
	Short: "Stop and disable the periodic trigger",
	RunE:  runPause,
}

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Re-enable and start the periodic trigger",
	RunE:  runResume,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the action HTTP server",
	Long: `Serve performs an initial convergence and then listens for signed action
requests (apply, update, run, pause, resume). Supports systemd socket
activation and readiness notification.`,
	RunE: runServe,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("ddebsyncd %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built:  %s\n", date)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is "+defaultConfigPath+")")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text, json)")

	applyCmd.Flags().BoolVar(&dryRun, "dry-run", false, "show what would be done without making changes")
	runCmd.Flags().StringVar(&runArgs, "args", "", "extra retriever arguments, whitespace separated")

	rootCmd.AddCommand(applyCmd)
	rootCmd.AddCommand(updateCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(pauseCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

func runApply(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	engine, logger, err := setup()
	if err != nil {
		return err
	}

	logger.Info("starting convergence run", "dry_run", dryRun)
	if err := engine.Apply(ctx); err != nil {
		logger.Error("convergence failed", "error", err)
		return err
	}
	return nil
}

func runUpdate(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	engine, logger, err := setup()
	if err != nil {
		return err
	}

	if err := engine.Update(ctx); err != nil {
		logger.Error("update failed", "error", err)
		return err
	}
	return nil
}

func runRun(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	engine, logger, err := setup()
	if err != nil {
		return err
	}

	if err := engine.Run(ctx, runArgs); err != nil {
		logger.Error("run failed", "error", err)
		return err
	}
	return nil
}

func runPause(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	engine, logger, err := setup()
	if err != nil {
		return err
	}

	if err := engine.Pause(ctx); err != nil {
		logger.Error("pause failed", "error", err)
		return err
	}
	return nil
}

func runResume(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	engine, logger, err := setup()
	if err != nil {
		return err
	}

	if err := engine.Resume(ctx); err != nil {
		logger.Error("resume failed", "error", err)
		return err
	}
	return nil
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := logging.New(logLevel, logFormat)
	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if !cfg.Serve.Enabled {
		return fmt.Errorf("serve is not enabled in the configuration")
	}

	engine := newEngine(cfg, logger, false)
	srv, err := server.NewServer(cfg, engine, logger)
	if err != nil {
		return err
	}

	if err := srv.Start(ctx); err != nil {
		logger.Error("action server failed", "error", err)
		return err
	}
	return nil
}

// setup builds the logger, configuration and a fully wired engine
func setup() (*reconcile.Engine, *slog.Logger, error) {
	logger := logging.New(logLevel, logFormat)

	cfg, err := loadConfig(logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	return newEngine(cfg, logger, dryRun), logger, nil
}

// newEngine wires the live host capabilities into a reconciliation engine
func newEngine(cfg *config.Config, logger *slog.Logger, dryRun bool) *reconcile.Engine {
	users := sysuser.NewOSManager(logger)
	return reconcile.NewEngine(cfg, reconcile.Deps{
		Packages: apt.NewShellInstaller(),
		Git:      git.NewShellClient(cfg.Paths.InstallDir, logger),
		Users:    users,
		Units:    systemd.NewClient(),
		Files:    fsops.NewOS(logger),
		Httpd:    httpd.NewShellEnabler(),
		Proc:     users,
		Status:   status.NewFilePublisher(cfg.StatusFilePath()),
	}, logger, dryRun)
}

func loadConfig(logger *slog.Logger) (*config.Config, error) {
	configPath := cfgFile
	if configPath == "" {
		configPath = defaultConfigPath
	}

	logger.Info("loading configuration", "path", configPath)

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	logger.Debug("configuration loaded",
		"repo", cfg.Retriever.GitRepository,
		"ref", cfg.Retriever.GitRef,
		"install_dir", cfg.Paths.InstallDir,
		"archive_dir", cfg.Paths.ArchiveDir)

	return cfg, nil
}

func setupSignalHandler() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigCh
		cancel()
	}()

	return ctx, cancel
}
