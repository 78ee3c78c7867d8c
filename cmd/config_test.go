package cmd

import (
	"bytes"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/fatih/color"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/phasegate/internal/output"
)

// testEnv sets up isolated config dir, viper, store, and output for testing.
// It returns the directory and the buffer that receives UI output.
func testEnv(t *testing.T) (string, *bytes.Buffer) {
	t.Helper()
	dir := t.TempDir()

	// Override configDirFunc for tests
	origFunc := configDirFunc
	configDirFunc = func() (string, error) { return dir, nil }
	t.Cleanup(func() { configDirFunc = origFunc })

	// Reset viper
	viper.Reset()
	setDefaults(dir)
	viper.Set("workflow.pause", "0s")
	t.Setenv("ANTHROPIC_API_KEY", "")

	// Reset lazily-built dependencies
	dataStore, phaseCfg, recorder = nil, nil, nil
	projectName = ""
	t.Cleanup(func() {
		if dataStore != nil {
			_ = dataStore.Close()
		}
		dataStore, phaseCfg, recorder = nil, nil, nil
		projectName = ""
	})

	// Initialize output
	color.NoColor = true
	out := &bytes.Buffer{}
	ui = &output.UI{Out: out, ErrOut: io.Discard}
	logger = slog.New(slog.NewTextHandler(io.Discard, nil))

	return dir, out
}

func TestConfigInit_CreatesFile(t *testing.T) {
	dir, _ := testEnv(t)

	err := configInitRun()
	require.NoError(t, err)

	cfgPath := filepath.Join(dir, "config.yaml")
	_, err = os.Stat(cfgPath)
	assert.NoError(t, err, "config file should exist")

	data, err := os.ReadFile(cfgPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "phasegate configuration")
	assert.Contains(t, string(data), "max_rollbacks_per_phase: 2")
	assert.Contains(t, string(data), `pause: "0s"`)
}

func TestConfigInit_RefusesOverwrite(t *testing.T) {
	dir, _ := testEnv(t)

	// Create existing file
	cfgPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("existing"), 0644))

	configForce = false
	err := configInitRun()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")
}

func TestConfigInit_ForceOverwrite(t *testing.T) {
	dir, _ := testEnv(t)

	// Create existing file
	cfgPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("existing"), 0644))

	configForce = true
	t.Cleanup(func() { configForce = false })
	err := configInitRun()
	require.NoError(t, err)

	data, err := os.ReadFile(cfgPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "phasegate configuration")
}

func TestConfigInit_TemplateReadsBack(t *testing.T) {
	dir, _ := testEnv(t)
	require.NoError(t, configInitRun())

	v := viper.New()
	v.SetConfigFile(filepath.Join(dir, "config.yaml"))
	require.NoError(t, v.ReadInConfig())
	assert.Equal(t, "default", v.GetString("project"))
	assert.Equal(t, "file", v.GetString("storage.backend"))
	assert.True(t, v.GetBool("gates.allow_rollback"))
	assert.Equal(t, 3, v.GetInt("gates.force_forward_threshold"))
}

func TestConfigShow_NoFile(t *testing.T) {
	_, out := testEnv(t)

	err := configShowRun()
	assert.NoError(t, err)
	assert.Contains(t, out.String(), "(none)")
	assert.Contains(t, out.String(), "storage.backend")
}

func TestConfigShow_WithFile(t *testing.T) {
	_, out := testEnv(t)

	// Create config first
	require.NoError(t, configInitRun())
	out.Reset()

	err := configShowRun()
	assert.NoError(t, err)
	assert.Contains(t, out.String(), "(file)")
}

func TestConfigShow_MasksAPIKey(t *testing.T) {
	_, out := testEnv(t)
	viper.Set("anthropic.api_key", "sk-ant-secret-abcd")

	require.NoError(t, configShowRun())
	assert.NotContains(t, out.String(), "sk-ant-secret")
	assert.Contains(t, out.String(), "abcd")
}

func TestMaskSecret(t *testing.T) {
	assert.Equal(t, "(unset)", maskSecret(""))
	assert.Equal(t, "****", maskSecret("abc"))
	assert.Equal(t, "********wxyz", maskSecret("secret-wxyz"))
}

func TestConfigEdit_NoEditor(t *testing.T) {
	testEnv(t)

	t.Setenv("EDITOR", "")
	t.Setenv("VISUAL", "")

	err := configEditRun()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "$EDITOR is not set")
}

func TestConfigEdit_NoConfigFile(t *testing.T) {
	testEnv(t)

	t.Setenv("EDITOR", "echo") // harmless command

	err := configEditRun()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestDetectSource(t *testing.T) {
	fileValues := map[string]bool{"key_a": true}

	// From env
	t.Setenv("PHASEGATE_TEST_KEY", "val")
	assert.Contains(t, detectSource("test_key", "PHASEGATE_TEST_KEY", fileValues), "env")

	// From file
	assert.Contains(t, detectSource("key_a", "PHASEGATE_KEY_A_NONEXISTENT", fileValues), "file")

	// Default
	assert.Contains(t, detectSource("key_b", "PHASEGATE_KEY_B_NONEXISTENT", fileValues), "default")
}

func TestFlattenKeys(t *testing.T) {
	input := map[string]any{
		"top": "val",
		"nested": map[string]any{
			"a": "1",
			"b": "2",
		},
	}

	result := make(map[string]bool)
	flattenKeys("", input, result)

	assert.True(t, result["top"])
	assert.True(t, result["nested.a"])
	assert.True(t, result["nested.b"])
	assert.False(t, result["nested"])
}
