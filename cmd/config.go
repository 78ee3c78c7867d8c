package cmd

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"text/template"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/joescharf/phasegate/internal/fsutil"
)

var configForce bool

// configDirFunc returns the config directory path, replaceable in tests.
var configDirFunc = defaultConfigDir

func defaultConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "phasegate"), nil
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or manage configuration",
	Long: `Show or manage phasegate configuration.

Running bare 'phasegate config' is the same as 'phasegate config show'.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return configShowRun()
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create config file with commented defaults",
	RunE: func(cmd *cobra.Command, args []string) error {
		return configInitRun()
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show effective configuration with sources",
	RunE: func(cmd *cobra.Command, args []string) error {
		return configShowRun()
	},
}

var configEditCmd = &cobra.Command{
	Use:   "edit",
	Short: "Open config file in $EDITOR",
	RunE: func(cmd *cobra.Command, args []string) error {
		return configEditRun()
	},
}

func init() {
	configInitCmd.Flags().BoolVar(&configForce, "force", false, "Overwrite existing config file")
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configEditCmd)
	rootCmd.AddCommand(configCmd)
}

// configTemplate is the template for generating config.yaml with comments.
const configTemplate = `# phasegate configuration
# See: phasegate config show (for effective values and sources)

# Default project for commands run without --project
project: "{{ .Project }}"

# State directory; project files live under <state_dir>/projects
# state_dir: {{ .StateDir }}

# Storage backend for project state: "file" or "sqlite"
storage:
  backend: "{{ .Backend }}"

# SQLite database path, used when storage.backend is "sqlite"
# db_path: {{ .DBPath }}

# Anthropic API; without a key, templates and the keyword checklist are used
anthropic:
  # api_key: "sk-ant-..."   (or set ANTHROPIC_API_KEY)
  model: "{{ .Model }}"
  max_tokens: {{ .MaxTokens }}

# Automatic run loop
workflow:
  max_iterations: {{ .MaxIterations }}
  pause: "{{ .Pause }}"

# Quality gates
gates:
  allow_rollback: {{ .AllowRollback }}
  max_rollbacks_per_phase: {{ .MaxRollbacks }}
  force_forward_threshold: {{ .ForceForward }}

# Per-phase overrides (basic_design, detail_design, development)
# phases:
#   development:
#     max_iterations: 7
#     pass_threshold: 95
#     rollback_triggers: ["design defect", "architecture problem"]
`

type configTemplateData struct {
	Project       string
	StateDir      string
	Backend       string
	DBPath        string
	Model         string
	MaxTokens     int
	MaxIterations int
	Pause         string
	AllowRollback bool
	MaxRollbacks  int
	ForceForward  int
}

func configFilePath() (string, error) {
	dir, err := configDirFunc()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

func configInitRun() error {
	cfgPath, err := configFilePath()
	if err != nil {
		return err
	}

	// Check if file already exists
	if _, err := os.Stat(cfgPath); err == nil {
		if !configForce {
			return fmt.Errorf("config file already exists: %s (use --force to overwrite)", cfgPath)
		}
		ui.Warning("Overwriting existing config file")
	}

	// Build template data from current viper values
	data := configTemplateData{
		Project:       viper.GetString("project"),
		StateDir:      viper.GetString("state_dir"),
		Backend:       viper.GetString("storage.backend"),
		DBPath:        viper.GetString("db_path"),
		Model:         viper.GetString("anthropic.model"),
		MaxTokens:     viper.GetInt("anthropic.max_tokens"),
		MaxIterations: viper.GetInt("workflow.max_iterations"),
		Pause:         viper.GetDuration("workflow.pause").String(),
		AllowRollback: viper.GetBool("gates.allow_rollback"),
		MaxRollbacks:  viper.GetInt("gates.max_rollbacks_per_phase"),
		ForceForward:  viper.GetInt("gates.force_forward_threshold"),
	}

	tmpl, err := template.New("config").Parse(configTemplate)
	if err != nil {
		return fmt.Errorf("template parse error: %w", err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return fmt.Errorf("template execute error: %w", err)
	}

	if err := fsutil.WriteFileAtomic(cfgPath, buf.Bytes(), 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	ui.Success("Config file created: %s", cfgPath)
	fmt.Fprintln(ui.Out)
	fmt.Fprint(ui.Out, buf.String())
	return nil
}

// configKeyInfo describes a config key for display purposes.
type configKeyInfo struct {
	Key    string
	EnvVar string
	Secret bool
}

var configKeys = []configKeyInfo{
	{Key: "project", EnvVar: "PHASEGATE_PROJECT"},
	{Key: "state_dir", EnvVar: "PHASEGATE_STATE_DIR"},
	{Key: "storage.backend", EnvVar: "PHASEGATE_STORAGE_BACKEND"},
	{Key: "db_path", EnvVar: "PHASEGATE_DB_PATH"},
	{Key: "anthropic.api_key", EnvVar: "PHASEGATE_ANTHROPIC_API_KEY", Secret: true},
	{Key: "anthropic.model", EnvVar: "PHASEGATE_ANTHROPIC_MODEL"},
	{Key: "anthropic.max_tokens", EnvVar: "PHASEGATE_ANTHROPIC_MAX_TOKENS"},
	{Key: "workflow.max_iterations", EnvVar: "PHASEGATE_WORKFLOW_MAX_ITERATIONS"},
	{Key: "workflow.pause", EnvVar: "PHASEGATE_WORKFLOW_PAUSE"},
	{Key: "gates.allow_rollback", EnvVar: "PHASEGATE_GATES_ALLOW_ROLLBACK"},
	{Key: "gates.max_rollbacks_per_phase", EnvVar: "PHASEGATE_GATES_MAX_ROLLBACKS_PER_PHASE"},
	{Key: "gates.force_forward_threshold", EnvVar: "PHASEGATE_GATES_FORCE_FORWARD_THRESHOLD"},
}

func configShowRun() error {
	cfgPath, err := configFilePath()
	if err != nil {
		return err
	}

	// Check if config file exists
	if _, err := os.Stat(cfgPath); err == nil {
		ui.Info("Config file: %s", cfgPath)
	} else {
		ui.Info("Config file: (none)")
	}
	fmt.Fprintln(ui.Out)

	// Read config file values to determine file source
	fileValues := readConfigFileValues(cfgPath)

	for _, k := range configKeys {
		val := viper.Get(k.Key)
		if k.Secret {
			val = maskSecret(viper.GetString(k.Key))
		}
		source := detectSource(k.Key, k.EnvVar, fileValues)
		fmt.Fprintf(ui.Out, "  %-32s %v  %s\n", k.Key, val, source)
	}

	return nil
}

// maskSecret keeps the last four characters of a credential.
func maskSecret(s string) string {
	if s == "" {
		return "(unset)"
	}
	if len(s) <= 4 {
		return "****"
	}
	return strings.Repeat("*", 8) + s[len(s)-4:]
}

// readConfigFileValues reads the raw YAML file and returns a flat map of keys present in it.
func readConfigFileValues(path string) map[string]bool {
	result := make(map[string]bool)

	data, err := os.ReadFile(path)
	if err != nil {
		return result
	}

	var parsed map[string]any
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return result
	}

	// Flatten nested keys with dot notation
	flattenKeys("", parsed, result)
	return result
}

// flattenKeys recursively flattens a nested map to dot-notation keys.
func flattenKeys(prefix string, m map[string]any, result map[string]bool) {
	for key, val := range m {
		fullKey := key
		if prefix != "" {
			fullKey = prefix + "." + key
		}
		if nested, ok := val.(map[string]any); ok {
			flattenKeys(fullKey, nested, result)
		} else {
			result[fullKey] = true
		}
	}
}

// detectSource determines where a config value is coming from.
func detectSource(key, envVar string, fileValues map[string]bool) string {
	if _, ok := os.LookupEnv(envVar); ok {
		return fmt.Sprintf("(env: %s)", envVar)
	}
	if fileValues[key] {
		return "(file)"
	}
	return "(default)"
}

func configEditRun() error {
	editor := os.Getenv("EDITOR")
	if editor == "" {
		editor = os.Getenv("VISUAL")
	}
	if editor == "" {
		return fmt.Errorf("$EDITOR is not set; set it to your preferred editor (e.g. export EDITOR=vim)")
	}

	cfgPath, err := configFilePath()
	if err != nil {
		return err
	}

	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		return fmt.Errorf("config file not found: %s (run 'phasegate config init' first)", cfgPath)
	}

	editCmd := exec.Command(editor, cfgPath)
	editCmd.Stdin = os.Stdin
	editCmd.Stdout = os.Stdout
	editCmd.Stderr = os.Stderr
	return editCmd.Run()
}
