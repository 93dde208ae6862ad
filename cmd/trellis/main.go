package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/fang"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/trace"

	"github.com/hylla/trellis/internal/adapters/storage/sqlite"
	"github.com/hylla/trellis/internal/app"
	"github.com/hylla/trellis/internal/config"
	"github.com/hylla/trellis/internal/platform"
	"github.com/hylla/trellis/internal/telemetry"
)

// version is stamped at build time.
var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := fang.Execute(ctx, newRootCommand(os.Stdout, os.Stderr), fang.WithVersion(version)); err != nil {
		os.Exit(1)
	}
}

// run executes one command line against explicit streams.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	root := newRootCommand(stdout, stderr)
	root.SetArgs(args)
	return root.ExecuteContext(ctx)
}

// globalOptions holds the persistent root flags.
type globalOptions struct {
	configPath string
	dbPath     string
	appName    string
	devMode    bool

	stdout io.Writer
	stderr io.Writer
}

func newRootCommand(stdout, stderr io.Writer) *cobra.Command {
	if stdout == nil {
		stdout = io.Discard
	}
	if stderr == nil {
		stderr = io.Discard
	}
	opts := &globalOptions{stdout: stdout, stderr: stderr}

	defaultDevMode := version == "dev"
	if envDev, ok := parseBoolEnv("TRELLIS_DEV_MODE"); ok {
		defaultDevMode = envDev
	}
	appName := platform.AppName
	if envApp := strings.TrimSpace(os.Getenv("TRELLIS_APP_NAME")); envApp != "" {
		appName = envApp
	}

	root := &cobra.Command{
		Use:     "trellis",
		Short:   "Workflow-driven task hierarchy server",
		Long:    "trellis serves folders, tasks and workflow state machines over HTTP and MCP, and projects them into board, gantt and list views.",
		Version: version,

		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "path to config TOML")
	root.PersistentFlags().StringVar(&opts.dbPath, "db", "", "path to sqlite database")
	root.PersistentFlags().StringVar(&opts.appName, "app", appName, "application name for config/data path resolution")
	root.PersistentFlags().BoolVar(&opts.devMode, "dev", defaultDevMode, "use dev mode paths (<app>-dev)")

	root.AddCommand(
		newServeCommand(opts),
		newMigrateCommand(opts),
		newPathsCommand(opts),
		newStageCommand(opts),
		newWorkflowCommand(opts),
		newViewCommand(opts),
		newGrantCommand(opts),
		newTokenCommand(opts),
	)
	return root
}

// runtimeEnv is the resolved configuration and logger of one command.
type runtimeEnv struct {
	paths      platform.Paths
	configPath string
	cfg        config.Config
	logger     *runtimeLogger
	repo       *sqlite.Repository
}

// loadRuntime resolves paths, config and logging. The db path precedence is
// flag, then TRELLIS_DB_PATH, then the config file, then the platform default.
func loadRuntime(opts *globalOptions, command string) (*runtimeEnv, error) {
	paths, err := platform.DefaultPathsWithOptions(platform.Options{
		AppName: opts.appName,
		DevMode: opts.devMode,
	})
	if err != nil {
		return nil, err
	}

	configPath := strings.TrimSpace(opts.configPath)
	if configPath == "" {
		if envPath := strings.TrimSpace(os.Getenv(config.EnvConfigPath)); envPath != "" {
			configPath = envPath
		} else {
			configPath = paths.ConfigPath
		}
	}

	cfg, err := config.Load(configPath, config.Default(paths.DBPath))
	if err != nil {
		return nil, fmt.Errorf("load config %q: %w", configPath, err)
	}
	cfg, err = cfg.ApplyEnv(nil)
	if err != nil {
		return nil, fmt.Errorf("apply environment: %w", err)
	}
	if dbPath := strings.TrimSpace(opts.dbPath); dbPath != "" {
		cfg.Database.Path = dbPath
	}

	logger, err := newRuntimeLogger(opts.stderr, opts.appName, opts.devMode, cfg.Logging, time.Now)
	if err != nil {
		return nil, fmt.Errorf("configure runtime logger: %w", err)
	}
	logger.Info("startup configuration resolved", "app", opts.appName, "dev_mode", opts.devMode, "command", command)
	logger.Debug("runtime paths resolved", "config_path", configPath, "data_dir", paths.DataDir, "db_path", cfg.Database.Path)
	if devPath := logger.DevLogPath(); devPath != "" {
		logger.Info("dev file logging enabled", "path", devPath)
	}
	return &runtimeEnv{paths: paths, configPath: configPath, cfg: cfg, logger: logger}, nil
}

// openRepository opens the sqlite store, applying pending migrations.
func (rt *runtimeEnv) openRepository() error {
	rt.logger.Info("opening sqlite repository", "db_path", rt.cfg.Database.Path)
	repo, err := sqlite.Open(rt.cfg.Database.Path)
	if err != nil {
		rt.logger.Error("sqlite open failed", "db_path", rt.cfg.Database.Path, "err", err)
		return fmt.Errorf("open sqlite repository: %w", err)
	}
	rt.repo = repo
	rt.logger.Info("sqlite repository ready", "db_path", rt.cfg.Database.Path, "migrations", "ensured")
	return nil
}

// service builds the application service over the open repository and
// seeds the configured system stages.
func (rt *runtimeEnv) service(ctx context.Context, tel serviceTelemetry) (*app.Service, error) {
	svc := app.NewService(rt.repo, rt.repo, rt.repo, uuid.NewString, nil, app.ServiceConfig{
		DefaultPageSize: rt.cfg.Views.DefaultPageSize,
		MaxPageSize:     rt.cfg.Views.MaxPageSize,
		StageCacheTTL:   rt.cfg.Cache.TTL(),
		Logger:          rt.logger.Component("app"),
		Tracer:          tel.tracer,
		Metrics:         tel.metrics,
	})
	stages, err := svc.EnsureSystemStages(ctx, rt.cfg.Stages.System...)
	if err != nil {
		return nil, fmt.Errorf("ensure system stages: %w", err)
	}
	rt.logger.Debug("application service initialized", "system_stages", len(stages))
	return svc, nil
}

// Close releases the repository and the dev log file.
func (rt *runtimeEnv) Close() {
	if rt == nil {
		return
	}
	if rt.repo != nil {
		if err := rt.repo.Close(); err != nil {
			rt.logger.Warn("sqlite close failed", "db_path", rt.cfg.Database.Path, "err", err)
		}
	}
	if err := rt.logger.Close(); err != nil && rt.logger.shouldLogToSink(rt.logger.consoleSink) {
		_, _ = fmt.Fprintf(rt.logger.consoleOut, "warning: close runtime log sink: %v\n", err)
	}
}

// withRuntime loads the runtime, opens the repository and runs fn.
func withRuntime(opts *globalOptions, command string, fn func(rt *runtimeEnv) error) error {
	rt, err := loadRuntime(opts, command)
	if err != nil {
		return err
	}
	defer rt.Close()
	if err := rt.openRepository(); err != nil {
		return err
	}
	rt.logger.Info("command flow start", "command", command)
	if err := fn(rt); err != nil {
		rt.logger.Error("command flow failed", "command", command, "err", err)
		return fmt.Errorf("run %s command: %w", command, err)
	}
	rt.logger.Info("command flow complete", "command", command)
	return nil
}

// serviceTelemetry carries optional tracing and metrics into the service.
type serviceTelemetry struct {
	tracer  trace.Tracer
	metrics *telemetry.Metrics
}

// parseBoolEnv reads a boolean environment variable; ok is false when unset or malformed.
func parseBoolEnv(name string) (bool, bool) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return false, false
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, false
	}
	return v, true
}
