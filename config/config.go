// Package config loads tag configuration from tag.yaml, TAG_* environment
// variables and .env files.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/belindamo/tiny-agent-gym/agentloop"
	"github.com/belindamo/tiny-agent-gym/mcptools"
)

// EnvPrefix prefixes every environment override, e.g. TAG_LLM_MODEL.
const EnvPrefix = "TAG"

// Config stores all configuration of the application.
type Config struct {
	LLM   LLMConfig   `mapstructure:"llm"`
	Agent AgentConfig `mapstructure:"agent"`
	Judge JudgeConfig `mapstructure:"judge"`
	Paths PathsConfig `mapstructure:"paths"`
	Store StoreConfig `mapstructure:"store"`
	MCP   MCPConfig   `mapstructure:"mcp"`
	Log   LogConfig   `mapstructure:"log"`
}

// LLMConfig selects the model backend.
type LLMConfig struct {
	Provider    string   `mapstructure:"provider"`
	Model       string   `mapstructure:"model"`
	BaseURL     string   `mapstructure:"base_url"`
	MaxTokens   int      `mapstructure:"max_tokens"` // 0 leaves the backend default
	Temperature *float64 `mapstructure:"temperature"`
	MaxRetries  int      `mapstructure:"max_retries"`
	// EditModel rewrites files for edit_file; empty uses Model.
	EditModel string `mapstructure:"edit_model"`
}

// AgentConfig holds the loop parameters.
type AgentConfig struct {
	MaxIters            int                                   `mapstructure:"max_iters"`
	StrictIters         *int                                  `mapstructure:"strict_iters"`
	MaxParseRetries     int                                   `mapstructure:"max_parse_retries"`
	LoopDetectionWindow int                                   `mapstructure:"loop_detection_window"`
	ObservationLimit    int                                   `mapstructure:"observation_limit"` // chars, any tool without its own limit
	ObservationLimits   map[string]agentloop.ObservationLimit `mapstructure:"observation_limits"`
	CommandTimeout      time.Duration                         `mapstructure:"command_timeout"`
}

// JudgeConfig configures the LLM-as-judge evaluator.
type JudgeConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Model   string `mapstructure:"model"` // empty uses llm.model
	// LogChars bounds the execution logs handed to the judge.
	LogChars    int           `mapstructure:"log_chars"`
	EvalTimeout time.Duration `mapstructure:"eval_timeout"`
}

// PathsConfig locates the task runner's working directories.
type PathsConfig struct {
	Tasks string `mapstructure:"tasks"`
	Envs  string `mapstructure:"envs"`
	Evals string `mapstructure:"evals"`
	Runs  string `mapstructure:"runs"`
}

// StoreConfig locates the run-history database.
type StoreConfig struct {
	DSN string `mapstructure:"dsn"`
}

// MCPConfig lists the servers of the react_mcp agent. Empty means the
// filesystem and memory reference servers. The placeholder {env} in an
// argument is replaced by the task's environment directory.
type MCPConfig struct {
	Servers []mcptools.ServerConfig `mapstructure:"servers"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level   string `mapstructure:"level"`
	NoColor bool   `mapstructure:"no_color"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("llm.provider", "openai")
	v.SetDefault("llm.model", "gpt-4o-mini")
	v.SetDefault("llm.base_url", "")
	v.SetDefault("llm.max_tokens", 0)
	v.SetDefault("llm.max_retries", 2)
	v.SetDefault("llm.edit_model", "")

	def := agentloop.DefaultConfig()
	v.SetDefault("agent.max_iters", def.MaxIters)
	v.SetDefault("agent.max_parse_retries", 2)
	v.SetDefault("agent.loop_detection_window", def.LoopDetectionWindow)
	v.SetDefault("agent.observation_limit", 0)
	v.SetDefault("agent.command_timeout", agentloop.DefaultCommandTimeout)

	v.SetDefault("judge.enabled", true)
	v.SetDefault("judge.model", "")
	v.SetDefault("judge.log_chars", 60000)
	v.SetDefault("judge.eval_timeout", "10m")

	v.SetDefault("paths.tasks", "tasks")
	v.SetDefault("paths.envs", "envs")
	v.SetDefault("paths.evals", "evals")
	v.SetDefault("paths.runs", "runs")

	v.SetDefault("store.dsn", ".tag/tag.db")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.no_color", false)
}

// Load reads configuration. When path is empty, tag.yaml is searched for in
// the current directory and its absence is not an error. A .env file in the
// current directory is loaded first without overriding the environment.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("tag")
		v.SetConfigType("yaml")
	}

	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// No default, so AutomaticEnv alone would never surface it.
	if err := v.BindEnv("agent.strict_iters"); err != nil {
		return nil, err
	}
	if err := v.BindEnv("llm.temperature"); err != nil {
		return nil, err
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the runner cannot honor.
func (c *Config) Validate() error {
	if c.Agent.MaxIters <= 0 {
		return fmt.Errorf("agent.max_iters must be positive, got %d", c.Agent.MaxIters)
	}
	if c.Agent.StrictIters != nil && *c.Agent.StrictIters <= 0 {
		return fmt.Errorf("agent.strict_iters must be positive, got %d", *c.Agent.StrictIters)
	}
	if c.LLM.Model == "" {
		return errors.New("llm.model is required")
	}
	for i, s := range c.MCP.Servers {
		if s.Name == "" || s.Command == "" {
			return fmt.Errorf("mcp.servers[%d]: name and command are required", i)
		}
	}
	return nil
}

// LoopConfig returns the agent loop configuration. A global observation
// limit applies to every tool that has no entry of its own.
func (c *Config) LoopConfig() agentloop.Config {
	loop := agentloop.DefaultConfig()
	loop.MaxIters = c.Agent.MaxIters
	loop.StrictIters = c.Agent.StrictIters
	loop.LoopDetectionWindow = c.Agent.LoopDetectionWindow
	if len(c.Agent.ObservationLimits) > 0 {
		loop.ObservationLimits = make(map[string]agentloop.ObservationLimit, len(c.Agent.ObservationLimits))
		for name, lim := range c.Agent.ObservationLimits {
			loop.ObservationLimits[name] = lim
		}
	}
	if c.Agent.ObservationLimit > 0 {
		if loop.ObservationLimits == nil {
			loop.ObservationLimits = map[string]agentloop.ObservationLimit{}
		}
		loop.ObservationLimits[agentloop.DefaultLimitKey] = agentloop.ObservationLimit{
			Chars: c.Agent.ObservationLimit,
			Mode:  agentloop.TruncateHeadTail,
		}
	}
	return loop
}

// EditModel returns the model used by edit_file.
func (c *Config) EditModel() string {
	if c.LLM.EditModel != "" {
		return c.LLM.EditModel
	}
	return c.LLM.Model
}

// JudgeModel returns the model used by the LLM judge.
func (c *Config) JudgeModel() string {
	if c.Judge.Model != "" {
		return c.Judge.Model
	}
	return c.LLM.Model
}

// Sampling returns the predictor sampling parameters, nil when unset.
func (c *Config) Sampling() (*float64, *int) {
	var maxTokens *int
	if c.LLM.MaxTokens > 0 {
		n := c.LLM.MaxTokens
		maxTokens = &n
	}
	return c.LLM.Temperature, maxTokens
}
