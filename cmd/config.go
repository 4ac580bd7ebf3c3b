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
)

var configForce bool

// configDirFunc returns the config directory path, replaceable in tests.
var configDirFunc = defaultConfigDir

func defaultConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "gwt"), nil
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or manage configuration",
	Long: `Show or manage gwt configuration.

Running bare 'gwt config' is the same as 'gwt config show'.
Every key can also be set with a GWT_ environment variable, e.g.
GWT_MERGE_REMOTE for merge.remote.`,
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
const configTemplate = `# gwt configuration
# See: gwt config show (for effective values and sources)

# State/data directory (default: ~/.config/gwt)
# state_dir: {{ .StateDir }}

# SQLite history database (default: ~/.config/gwt/gwt.db)
# db_path: {{ .DBPath }}

# debug, info, warn or error (default: warn; --verbose forces debug)
log_level: "{{ .LogLevel }}"

# Agent launch defaults
agent:
  # Agent used when --agent is not given (default: "claude")
  default: "{{ .AgentDefault }}"

  # normal, continue or resume (default: "normal")
  mode: "{{ .AgentMode }}"

  # "installed" runs the agent from PATH, "latest" or a version always
  # runs the npm package through bunx/npx (default: "installed")
  version: "{{ .AgentVersion }}"

  # Pass the agent's permission-skipping flags (default: false)
  skip_permissions: {{ .AgentSkipPermissions }}

# Batch merge settings
merge:
  remote: "{{ .MergeRemote }}"
  auto_push: {{ .MergeAutoPush }}

  # Count a target as failed when its push fails (default: false)
  fail_on_push_error: {{ .MergeFailOnPushError }}

# Branch name suggestions (gwt agent suggest-branch)
anthropic:
  # Falls back to $ANTHROPIC_API_KEY when empty
  api_key: ""
  model: "{{ .AnthropicModel }}"

# Custom agents. Per-repo agents go in <repo>/.gwt/agents.yaml and
# override entries here with the same id.
# agents:
#   - id: my-agent
#     display_name: My Agent
#     type: command          # command (PATH), path (absolute) or bunx (npm package)
#     command: my-agent
#     default_args: ["--quiet"]
#     mode_args:
#       continue: ["--continue"]
#       resume: ["--resume"]
#     permission_skip_args: ["--yes"]
#     model_flag: "--model"
#     env: ["MY_AGENT_TELEMETRY=0"]
`

type configTemplateData struct {
	StateDir             string
	DBPath               string
	LogLevel             string
	AgentDefault         string
	AgentMode            string
	AgentVersion         string
	AgentSkipPermissions bool
	MergeRemote          string
	MergeAutoPush        bool
	MergeFailOnPushError bool
	AnthropicModel       string
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
		StateDir:             viper.GetString("state_dir"),
		DBPath:               viper.GetString("db_path"),
		LogLevel:             viper.GetString("log_level"),
		AgentDefault:         viper.GetString("agent.default"),
		AgentMode:            viper.GetString("agent.mode"),
		AgentVersion:         viper.GetString("agent.version"),
		AgentSkipPermissions: viper.GetBool("agent.skip_permissions"),
		MergeRemote:          viper.GetString("merge.remote"),
		MergeAutoPush:        viper.GetBool("merge.auto_push"),
		MergeFailOnPushError: viper.GetBool("merge.fail_on_push_error"),
		AnthropicModel:       viper.GetString("anthropic.model"),
	}

	tmpl, err := template.New("config").Parse(configTemplate)
	if err != nil {
		return fmt.Errorf("template parse error: %w", err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return fmt.Errorf("template execute error: %w", err)
	}

	if dryRun {
		ui.DryRunMsg("Would create config file: %s", cfgPath)
		fmt.Fprintln(ui.Out)
		fmt.Fprint(ui.Out, buf.String())
		return nil
	}

	// Create config directory
	dir := filepath.Dir(cfgPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(cfgPath, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	ui.Success("Config file created: %s", cfgPath)
	fmt.Fprintln(ui.Out)
	fmt.Fprint(ui.Out, buf.String())
	return nil
}

// configKeys are the keys shown by `gwt config show`, in display order.
var configKeys = []string{
	"state_dir",
	"db_path",
	"log_level",
	"history.keep",
	"agent.default",
	"agent.mode",
	"agent.version",
	"agent.skip_permissions",
	"merge.remote",
	"merge.auto_push",
	"merge.fail_on_push_error",
	"anthropic.api_key",
	"anthropic.model",
	"port",
}

// envVarFor returns the environment variable viper binds to key.
func envVarFor(key string) string {
	return "GWT_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

// displayValue masks secrets.
func displayValue(key string, val any) any {
	if strings.HasSuffix(key, "api_key") {
		if s, _ := val.(string); s != "" {
			return "********"
		}
	}
	return val
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
		val := displayValue(k, viper.Get(k))
		source := detectSource(k, envVarFor(k), fileValues)
		fmt.Fprintf(ui.Out, "  %-26s %v  %s\n", k, val, source)
	}

	return nil
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
		return fmt.Errorf("config file not found: %s (run 'gwt config init' first)", cfgPath)
	}

	if dryRun {
		ui.DryRunMsg("Would open %s in %s", cfgPath, editor)
		return nil
	}

	editCmd := exec.Command(editor, cfgPath)
	editCmd.Stdin = os.Stdin
	editCmd.Stdout = os.Stdout
	editCmd.Stderr = os.Stderr
	return editCmd.Run()
}
