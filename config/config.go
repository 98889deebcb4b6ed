// Package config loads the runtime's external configuration: per-agent role
// files, human agent files, tool-server specs and skill prompt specs (all
// YAML), plus the top-level system configuration resolved through viper.
// Configuration errors are startup-time and fatal.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/motern88/allen/core"
)

// RoleConfig describes one LLM agent role. A role named "manager" is
// required; the system instantiates it as the initial task manager.
type RoleConfig struct {
	Name    string         `yaml:"name"`
	Role    string         `yaml:"role"`
	Profile string         `yaml:"profile"`
	Skills  []string       `yaml:"skills"`
	Tools   []string       `yaml:"tools"`
	LLM     core.LLMConfig `yaml:"llm_config"`

	// Human is set only for human-driven agents.
	Human *HumanConfig `yaml:"human_config,omitempty"`

	// path remembers the source file so generated ids can be persisted
	// back for human agents.
	path string
}

// HumanConfig carries the human-agent binding block.
type HumanConfig struct {
	AgentID  string `yaml:"agent_id"`
	Password string `yaml:"password"`
	Level    string `yaml:"level"`
}

// IsHuman reports whether this role describes a human-driven agent.
func (r *RoleConfig) IsHuman() bool { return r.Human != nil }

// Path returns the file this role was loaded from, empty for synthesized
// configs.
func (r *RoleConfig) Path() string { return r.path }

// ToolServerConfig describes one external tool server: the use guide shown
// to agents plus the launch spec.
type ToolServerConfig struct {
	UseGuide struct {
		ToolName    string `yaml:"tool_name"`
		Description string `yaml:"description"`
	} `yaml:"use_guide"`
	Config struct {
		MCPServers map[string]ServerLaunch `yaml:"mcpServers"`
	} `yaml:"config"`
}

// ServerLaunch is the command line used to start one tool-server process.
type ServerLaunch struct {
	Command string            `yaml:"command"`
	Args    []string          `yaml:"args"`
	Env     map[string]string `yaml:"env,omitempty"`
}

// SkillConfig describes one skill: the use guide shown to agents plus the
// prompt and the delimited return format its executor parses.
type SkillConfig struct {
	UseGuide struct {
		SkillName   string `yaml:"skill_name"`
		Description string `yaml:"description"`
	} `yaml:"use_guide"`
	UsePrompt struct {
		SkillName    string `yaml:"skill_name"`
		SkillPrompt  string `yaml:"skill_prompt"`
		ReturnFormat string `yaml:"return_format"`
	} `yaml:"use_prompt"`
}

// System is the top-level runtime configuration.
type System struct {
	// MonitorAddr is the dashboard listen address.
	MonitorAddr string
	// RoleDir, ToolDir and SkillDir hold the YAML config trees.
	RoleDir  string
	ToolDir  string
	SkillDir string
	// DefaultLLMPath is the fallback config for dynamically created agents.
	DefaultLLMPath string
	// SharedLogRetention bounds each task's shared log (0 keeps all).
	SharedLogRetention int
	// StrictStageFailure fails a stage once its completion predicate holds
	// with any failed agent. When false the stage finishes and the failure
	// is visible only in the per-agent states.
	StrictStageFailure bool
	// StorePath is the sqlite file for offline snapshots, empty disables.
	StorePath string
	// ToolTimeout is the default tool invocation timeout.
	ToolTimeout time.Duration
}

// LoadSystem resolves the system configuration from the given file (viper
// format), environment overrides prefixed ALLEN_, and defaults.
func LoadSystem(path string) (*System, error) {
	v := viper.New()
	v.SetDefault("monitor_addr", ":8600")
	v.SetDefault("role_dir", "configs/roles")
	v.SetDefault("tool_dir", "configs/tools")
	v.SetDefault("skill_dir", "configs/skills")
	v.SetDefault("default_llm_path", "configs/default_llm.yaml")
	v.SetDefault("shared_log_retention", 0)
	v.SetDefault("strict_stage_failure", true)
	v.SetDefault("store_path", "")
	v.SetDefault("tool_timeout", "30s")

	v.SetEnvPrefix("ALLEN")
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	return &System{
		MonitorAddr:        v.GetString("monitor_addr"),
		RoleDir:            v.GetString("role_dir"),
		ToolDir:            v.GetString("tool_dir"),
		SkillDir:           v.GetString("skill_dir"),
		DefaultLLMPath:     v.GetString("default_llm_path"),
		SharedLogRetention: v.GetInt("shared_log_retention"),
		StrictStageFailure: v.GetBool("strict_stage_failure"),
		StorePath:          v.GetString("store_path"),
		ToolTimeout:        v.GetDuration("tool_timeout"),
	}, nil
}

// LoadRole reads one role config file.
func LoadRole(path string) (*RoleConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read role %s: %w", path, err)
	}
	var role RoleConfig
	if err := yaml.Unmarshal(data, &role); err != nil {
		return nil, fmt.Errorf("config: parse role %s: %w", path, err)
	}
	if role.Name == "" {
		return nil, fmt.Errorf("config: role %s: missing name", path)
	}
	role.path = path
	return &role, nil
}

// LoadRoleDir recursively reads every .yaml/.yml role file under dir,
// returning them keyed by role name. A role named "manager" must exist.
func LoadRoleDir(dir string) (map[string]*RoleConfig, error) {
	roles := make(map[string]*RoleConfig)
	err := walkYAML(dir, func(path string) error {
		role, err := LoadRole(path)
		if err != nil {
			return err
		}
		if _, dup := roles[role.Name]; dup {
			return fmt.Errorf("config: duplicate role name %q in %s", role.Name, path)
		}
		roles[role.Name] = role
		return nil
	})
	if err != nil {
		return nil, err
	}
	if _, ok := roles["manager"]; !ok {
		return nil, fmt.Errorf("config: role dir %s: required role %q not found", dir, "manager")
	}
	return roles, nil
}

// LoadDefaultLLM reads the fallback LLM config used when agents are created
// dynamically without a predefined role.
func LoadDefaultLLM(path string) (core.LLMConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return core.LLMConfig{}, fmt.Errorf("config: read default llm %s: %w", path, err)
	}
	var wrapper struct {
		LLM core.LLMConfig `yaml:"llm_config"`
	}
	if err := yaml.Unmarshal(data, &wrapper); err != nil {
		return core.LLMConfig{}, fmt.Errorf("config: parse default llm %s: %w", path, err)
	}
	return wrapper.LLM, nil
}

// LoadToolServerDir reads every tool-server spec under dir keyed by tool
// name.
func LoadToolServerDir(dir string) (map[string]*ToolServerConfig, error) {
	tools := make(map[string]*ToolServerConfig)
	err := walkYAML(dir, func(path string) error {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("config: read tool %s: %w", path, err)
		}
		var tc ToolServerConfig
		if err := yaml.Unmarshal(data, &tc); err != nil {
			return fmt.Errorf("config: parse tool %s: %w", path, err)
		}
		if tc.UseGuide.ToolName == "" {
			return fmt.Errorf("config: tool %s: missing use_guide.tool_name", path)
		}
		tools[tc.UseGuide.ToolName] = &tc
		return nil
	})
	if err != nil {
		return nil, err
	}
	return tools, nil
}

// LoadSkillDir reads every skill spec under dir keyed by skill name.
func LoadSkillDir(dir string) (map[string]*SkillConfig, error) {
	skills := make(map[string]*SkillConfig)
	err := walkYAML(dir, func(path string) error {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("config: read skill %s: %w", path, err)
		}
		var sc SkillConfig
		if err := yaml.Unmarshal(data, &sc); err != nil {
			return fmt.Errorf("config: parse skill %s: %w", path, err)
		}
		if sc.UseGuide.SkillName == "" {
			return fmt.Errorf("config: skill %s: missing use_guide.skill_name", path)
		}
		skills[sc.UseGuide.SkillName] = &sc
		return nil
	})
	if err != nil {
		return nil, err
	}
	return skills, nil
}

// PersistHumanAgentID writes a generated agent id back into a human role
// file, so the binding survives restarts.
func PersistHumanAgentID(role *RoleConfig, agentID string) error {
	if role.Human == nil || role.path == "" {
		return nil
	}
	role.Human.AgentID = agentID
	data, err := yaml.Marshal(role)
	if err != nil {
		return fmt.Errorf("config: marshal role %s: %w", role.Name, err)
	}
	return os.WriteFile(role.path, data, 0o644)
}

func walkYAML(dir string, visit func(path string) error) error {
	info, err := os.Stat(dir)
	if err != nil {
		return fmt.Errorf("config: stat %s: %w", dir, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("config: %s is not a directory", dir)
	}
	return filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		switch strings.ToLower(filepath.Ext(path)) {
		case ".yaml", ".yml":
			return visit(path)
		}
		return nil
	})
}
