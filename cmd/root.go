package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/joescharf/phasegate/internal/content"
	"github.com/joescharf/phasegate/internal/engine"
	"github.com/joescharf/phasegate/internal/ledger"
	"github.com/joescharf/phasegate/internal/llm"
	"github.com/joescharf/phasegate/internal/metrics"
	"github.com/joescharf/phasegate/internal/output"
	"github.com/joescharf/phasegate/internal/phases"
	"github.com/joescharf/phasegate/internal/store"
)

// Package-level shared dependencies, initialized in cobra.OnInitialize.
var (
	ui        *output.UI
	logger    *slog.Logger
	dataStore store.Store
	phaseCfg  *phases.Config
	recorder  *metrics.Metrics // set by `run --metrics-addr`

	verbose     bool
	projectName string

	buildVersion = "dev"
	buildCommit  = "none"
	buildDate    = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "phasegate",
	Short: "Phase workflow and quality-gate engine",
	Long: `phasegate drives a project through design, detailed design and
development. Each phase alternates between developer mode (produce an
artifact) and reviewer mode (score it). Quality gates decide whether the
project advances, retries the phase, or rolls back to the previous one.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	DisableAutoGenTag: true,
}

// Execute is the main entry point called from main.go.
func Execute(version, commit, date string) {
	buildVersion = version
	buildCommit = commit
	buildDate = date

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig, initDeps)

	rootCmd.RunE = func(cmd *cobra.Command, args []string) error {
		return statusRun(cmd.Context(), false)
	}

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")
	rootCmd.PersistentFlags().StringVarP(&projectName, "project", "p", "", "Project name (default from config: project)")
	rootCmd.PersistentFlags().String("config", "", "Config file (default ~/.config/phasegate/config.yaml)")
}

func initConfig() {
	// If --config is explicitly set, use that file
	if cfgFile, _ := rootCmd.PersistentFlags().GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: cannot find home directory: %v\n", err)
			os.Exit(1)
		}

		configDir := filepath.Join(home, ".config", "phasegate")
		viper.AddConfigPath(configDir)
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("PHASEGATE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	home, _ := os.UserHomeDir()
	setDefaults(filepath.Join(home, ".config", "phasegate"))

	// Read config file if it exists (optional)
	_ = viper.ReadInConfig()
}

// setDefaults registers every config key with its default value.
func setDefaults(configDir string) {
	gates := phases.DefaultConfig().Gates

	viper.SetDefault("project", "default")
	viper.SetDefault("state_dir", configDir)
	viper.SetDefault("storage.backend", "file")
	viper.SetDefault("db_path", filepath.Join(configDir, "phasegate.db"))
	viper.SetDefault("anthropic.api_key", "")
	viper.SetDefault("anthropic.model", llm.DefaultModel)
	viper.SetDefault("anthropic.max_tokens", 4096)
	viper.SetDefault("workflow.max_iterations", 10)
	viper.SetDefault("workflow.pause", "1s")
	viper.SetDefault("gates.allow_rollback", gates.AllowRollback)
	viper.SetDefault("gates.max_rollbacks_per_phase", gates.MaxRollbacksPerPhase)
	viper.SetDefault("gates.force_forward_threshold", gates.ForceForwardThreshold)
}

func initDeps() {
	ui = output.New()
	ui.Verbose = verbose

	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	// Store and engine are opened lazily so config/version run without state.
}

// currentProject returns the --project flag or the configured default.
func currentProject() (string, error) {
	name := projectName
	if name == "" {
		name = viper.GetString("project")
	}
	if err := store.ValidateProjectName(name); err != nil {
		return "", err
	}
	return name, nil
}

// projectsDir is where per-project files (state, artifacts, issues) live.
func projectsDir() string {
	return filepath.Join(viper.GetString("state_dir"), "projects")
}

// getStore returns the shared store, initializing it on first call.
func getStore() (store.Store, error) {
	if dataStore != nil {
		return dataStore, nil
	}

	switch backend := viper.GetString("storage.backend"); backend {
	case "", "file":
		s, err := store.NewFileStore(projectsDir())
		if err != nil {
			return nil, err
		}
		dataStore = s
	case "sqlite":
		s, err := store.NewSQLiteStore(viper.GetString("db_path"))
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		if err := s.Migrate(context.Background()); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("migrate database: %w", err)
		}
		dataStore = s
	default:
		return nil, fmt.Errorf("unknown storage.backend %q (use: file, sqlite)", backend)
	}
	return dataStore, nil
}

// getPhases builds the phase configuration once per process.
func getPhases() (*phases.Config, error) {
	if phaseCfg != nil {
		return phaseCfg, nil
	}
	cfg, err := phases.Load(viper.GetViper())
	if err != nil {
		return nil, err
	}
	phaseCfg = cfg
	return phaseCfg, nil
}

// newEngine wires the engine for a project from config.
func newEngine(project string) (*engine.Engine, error) {
	s, err := getStore()
	if err != nil {
		return nil, err
	}
	cfg, err := getPhases()
	if err != nil {
		return nil, err
	}

	opts := engine.Options{Logger: logger}
	if recorder != nil {
		opts.Metrics = recorder
	}
	if client := newLLMClient(cfg); client != nil {
		opts.Generator = client
		opts.Evaluator = client
	} else {
		opts.Generator = content.NewTemplateGenerator()
		opts.Evaluator = content.NewKeywordEvaluator()
	}

	led := ledger.New(filepath.Join(projectsDir(), project, "issues"))
	return engine.New(project, s, led, cfg, opts), nil
}

// currentEngine returns the engine for the selected project.
func currentEngine() (*engine.Engine, error) {
	project, err := currentProject()
	if err != nil {
		return nil, err
	}
	return newEngine(project)
}
