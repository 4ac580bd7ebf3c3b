package agent

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// LocalConfigPath is the repository-relative file holding per-repo agents.
const LocalConfigPath = ".gwt/agents.yaml"

// Custom agent invocation types.
const (
	TypeCommand = "command"
	TypePath    = "path"
	TypeBunx    = "bunx"
)

var idPattern = regexp.MustCompile(`^[A-Za-z0-9-]+$`)

// ModeArgsConfig lists per-mode arguments of a custom agent.
type ModeArgsConfig struct {
	Normal   []string `mapstructure:"normal" yaml:"normal,omitempty"`
	Continue []string `mapstructure:"continue" yaml:"continue,omitempty"`
	Resume   []string `mapstructure:"resume" yaml:"resume,omitempty"`
}

// CustomAgentConfig is one entry of the `agents` configuration list.
type CustomAgentConfig struct {
	ID                 string         `mapstructure:"id" yaml:"id"`
	DisplayName        string         `mapstructure:"display_name" yaml:"display_name"`
	Type               string         `mapstructure:"type" yaml:"type"`
	Command            string         `mapstructure:"command" yaml:"command"`
	DefaultArgs        []string       `mapstructure:"default_args" yaml:"default_args,omitempty"`
	ModeArgs           ModeArgsConfig `mapstructure:"mode_args" yaml:"mode_args,omitempty"`
	PermissionSkipArgs []string       `mapstructure:"permission_skip_args" yaml:"permission_skip_args,omitempty"`
	// Env entries are KEY=VALUE; a list keeps variable names case-sensitive.
	Env       []string `mapstructure:"env" yaml:"env,omitempty"`
	ModelFlag string   `mapstructure:"model_flag" yaml:"model_flag,omitempty"`
	Models    []string `mapstructure:"models" yaml:"models,omitempty"`
}

// Validate checks the fields a usable spec needs.
func (c CustomAgentConfig) Validate() error {
	var errs []error
	if !idPattern.MatchString(c.ID) {
		errs = append(errs, fmt.Errorf("id %q must be alphanumeric or hyphen", c.ID))
	}
	if strings.TrimSpace(c.DisplayName) == "" {
		errs = append(errs, errors.New("display_name is required"))
	}
	if strings.TrimSpace(c.Command) == "" {
		errs = append(errs, errors.New("command is required"))
	}
	switch c.Type {
	case TypeCommand, TypePath, TypeBunx:
	default:
		errs = append(errs, fmt.Errorf("type %q must be command, path or bunx", c.Type))
	}
	for _, kv := range c.Env {
		if k, _, ok := strings.Cut(kv, "="); !ok || k == "" {
			errs = append(errs, fmt.Errorf("env entry %q must be KEY=VALUE", kv))
		}
	}
	return errors.Join(errs...)
}

// Spec converts the configuration into an agent Spec.
func (c CustomAgentConfig) Spec() (Spec, error) {
	if err := c.Validate(); err != nil {
		return Spec{}, fmt.Errorf("agent %q: %w", c.ID, err)
	}
	s := Spec{
		ID:                 c.ID,
		DisplayName:        c.DisplayName,
		DefaultArgs:        c.DefaultArgs,
		SkipPermissionArgs: c.PermissionSkipArgs,
		ModelFlag:          c.ModelFlag,
		Models:             c.Models,
		Custom:             true,
		ModeArgs:           map[Mode][]string{},
	}
	switch c.Type {
	case TypePath:
		s.Invocation = PathBinary{Path: c.Command}
	case TypeCommand:
		s.Invocation = PathCommand{Name: c.Command}
	case TypeBunx:
		s.Invocation = EphemeralPackage{Package: c.Command}
	}
	if len(c.ModeArgs.Normal) > 0 {
		s.ModeArgs[ModeNormal] = c.ModeArgs.Normal
	}
	if len(c.ModeArgs.Continue) > 0 {
		s.ModeArgs[ModeContinue] = c.ModeArgs.Continue
	}
	if len(c.ModeArgs.Resume) > 0 {
		s.ModeArgs[ModeResume] = c.ModeArgs.Resume
	}
	if len(c.Env) > 0 {
		s.Env = make(map[string]string, len(c.Env))
		for _, kv := range c.Env {
			k, v, _ := strings.Cut(kv, "=")
			s.Env[k] = v
		}
	}
	return s, nil
}

// LoadCustomAgents reads the `agents` key of v.
func LoadCustomAgents(v *viper.Viper) ([]CustomAgentConfig, error) {
	var cfgs []CustomAgentConfig
	if err := v.UnmarshalKey("agents", &cfgs); err != nil {
		return nil, fmt.Errorf("parse agents config: %w", err)
	}
	return cfgs, nil
}

type localFile struct {
	Agents []CustomAgentConfig `yaml:"agents"`
}

// LoadLocalAgents reads repoRoot/.gwt/agents.yaml. A missing file is not an error.
func LoadLocalAgents(repoRoot string) ([]CustomAgentConfig, error) {
	data, err := os.ReadFile(filepath.Join(repoRoot, LocalConfigPath))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var f localFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse %s: %w", LocalConfigPath, err)
	}
	return f.Agents, nil
}

// MergeCustomAgents overlays local on global; local wins on identical IDs.
func MergeCustomAgents(global, local []CustomAgentConfig) []CustomAgentConfig {
	idx := make(map[string]int, len(global)+len(local))
	var out []CustomAgentConfig
	for _, list := range [][]CustomAgentConfig{global, local} {
		for _, c := range list {
			if i, ok := idx[c.ID]; ok {
				out[i] = c
				continue
			}
			idx[c.ID] = len(out)
			out = append(out, c)
		}
	}
	return out
}

// Registry maps agent identifiers to specs.
type Registry struct {
	mu    sync.RWMutex
	specs map[string]Spec
}

// NewRegistry returns a registry holding the built-in agents.
func NewRegistry() *Registry {
	r := &Registry{specs: make(map[string]Spec)}
	for _, s := range Builtins() {
		r.specs[s.ID] = s
	}
	return r
}

// Register adds or replaces a spec.
func (r *Registry) Register(s Spec) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.specs[s.ID] = s
}

// AddCustom registers every valid entry of cfgs and logs the rest. It
// returns how many were registered.
func (r *Registry) AddCustom(cfgs []CustomAgentConfig, logger *slog.Logger) int {
	if logger == nil {
		logger = slog.Default()
	}
	n := 0
	for _, c := range cfgs {
		s, err := c.Spec()
		if err != nil {
			logger.Warn("skipping custom agent", "id", c.ID, "error", err)
			continue
		}
		r.Register(s)
		n++
	}
	return n
}

// Get returns the spec for id, following built-in aliases.
func (r *Registry) Get(id string) (Spec, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if s, ok := r.specs[id]; ok {
		return s, nil
	}
	if canonical, ok := aliases[id]; ok {
		if s, ok := r.specs[canonical]; ok {
			return s, nil
		}
	}
	return Spec{}, &CustomToolNotFoundError{ID: id}
}

// List returns built-ins first, then custom agents, each sorted by ID.
func (r *Registry) List() []Spec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Spec, 0, len(r.specs))
	for _, s := range r.specs {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Custom != out[j].Custom {
			return !out[i].Custom
		}
		return out[i].ID < out[j].ID
	})
	return out
}
