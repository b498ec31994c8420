package daemon

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultUTCOffset is the zone used when the config does not set one (BRT).
const DefaultUTCOffset = -3

// Config holds the daemon configuration.
type Config struct {
	Name    string `json:"name" yaml:"name"`
	DataDir string `json:"data_dir" yaml:"data_dir"`
	// UTCOffset is the fixed zone, in hours, daily jobs and "today" use.
	UTCOffset int `json:"utc_offset" yaml:"utc_offset"`

	Matrix     MatrixConfig     `json:"matrix" yaml:"matrix"`
	LLM        LLMConfig        `json:"llm" yaml:"llm"`
	Agent      AgentConfig      `json:"agent" yaml:"agent"`
	Reflection ReflectionConfig `json:"reflection" yaml:"reflection"`
	Tools      ToolsConfig      `json:"tools" yaml:"tools"`
	Workspace  WorkspaceConfig  `json:"workspace" yaml:"workspace"`
	Embeddings EmbeddingsConfig `json:"embeddings" yaml:"embeddings"`
}

// MatrixConfig holds Matrix connection settings. An empty Password
// disables the transport; the workspace API still works.
type MatrixConfig struct {
	Homeserver   string   `json:"homeserver" yaml:"homeserver"`
	UserID       string   `json:"user_id" yaml:"user_id"`
	Password     string   `json:"password" yaml:"password"`
	ServerName   string   `json:"server_name" yaml:"server_name"`
	AllowedUsers []string `json:"allowed_users" yaml:"allowed_users"`
}

// LLMConfig holds model backends. Chat turns use Fast, the nightly
// reflection uses Deep; a missing tier falls back to the other.
type LLMConfig struct {
	Fast  ProviderConfig `json:"fast" yaml:"fast"`
	Deep  ProviderConfig `json:"deep" yaml:"deep"`
	Retry RetryConfig    `json:"retry" yaml:"retry"`
}

// ProviderConfig holds settings for a single model backend.
type ProviderConfig struct {
	Provider string `json:"provider" yaml:"provider"` // "anthropic" or any OpenAI-compatible name ("deepseek")
	Model    string `json:"model" yaml:"model"`
	APIKey   string `json:"api_key" yaml:"api_key"` // "$DEEPSEEK_API_KEY" style references allowed
	BaseURL  string `json:"base_url,omitempty" yaml:"base_url,omitempty"`
	// Format forces the wire format of a custom BaseURL: "anthropic" or "openai".
	Format string `json:"format,omitempty" yaml:"format,omitempty"`
}

// RetryConfig is the capped retry policy around model calls.
type RetryConfig struct {
	MaxAttempts int    `json:"max_attempts" yaml:"max_attempts"`
	Backoff     string `json:"backoff,omitempty" yaml:"backoff,omitempty"`
	MaxBackoff  string `json:"max_backoff,omitempty" yaml:"max_backoff,omitempty"`
}

// AgentConfig bounds the orchestration loop.
type AgentConfig struct {
	MaxRounds       int     `json:"max_rounds" yaml:"max_rounds"`
	MaxTokens       int     `json:"max_tokens" yaml:"max_tokens"`
	Temperature     float64 `json:"temperature" yaml:"temperature"`
	HistoryCapacity int     `json:"history_capacity" yaml:"history_capacity"`
	HistoryTurns    int     `json:"history_turns" yaml:"history_turns"`
	ResultLimit     int     `json:"result_limit" yaml:"result_limit"`
	CallTimeout     string  `json:"call_timeout" yaml:"call_timeout"`
}

// ReflectionConfig schedules the nightly reflection.
type ReflectionConfig struct {
	Disabled bool `json:"disabled,omitempty" yaml:"disabled,omitempty"`
	// Time is the daily "HH:MM" trigger.
	Time string `json:"time" yaml:"time"`
	// Destination receives the reflection. Empty falls back to the last
	// Matrix room the operator used.
	Destination string   `json:"destination" yaml:"destination"`
	Keep        int      `json:"keep" yaml:"keep"`
	Topics      []string `json:"topics" yaml:"topics"`
}

// ToolsConfig holds capability settings.
type ToolsConfig struct {
	GitHubToken  string `json:"github_token" yaml:"github_token"`
	GitHubUser   string `json:"github_user" yaml:"github_user"`
	WorkspaceDir string `json:"workspace_dir" yaml:"workspace_dir"`
	ImageDir     string `json:"image_dir" yaml:"image_dir"`
	Python       string `json:"python" yaml:"python"`
	CodeTimeout  string `json:"code_timeout" yaml:"code_timeout"`
	ImageTimeout string `json:"image_timeout" yaml:"image_timeout"`
}

// WorkspaceConfig holds workspace API configuration.
type WorkspaceConfig struct {
	Enabled    bool   `json:"enabled" yaml:"enabled"`
	SocketPath string `json:"socket_path" yaml:"socket_path"`
	TCPAddr    string `json:"tcp_addr" yaml:"tcp_addr"`
}

// EmbeddingsConfig holds semantic memory settings.
type EmbeddingsConfig struct {
	Enabled      bool   `json:"enabled" yaml:"enabled"`
	PostgresURL  string `json:"postgres_url,omitempty" yaml:"postgres_url,omitempty"`
	TEIURL       string `json:"tei_url,omitempty" yaml:"tei_url,omitempty"`
	Model        string `json:"model,omitempty" yaml:"model,omitempty"`
	Dimensions   int    `json:"dimensions,omitempty" yaml:"dimensions,omitempty"`
	SyncInterval string `json:"sync_interval,omitempty" yaml:"sync_interval,omitempty"`
	BatchSize    int    `json:"batch_size,omitempty" yaml:"batch_size,omitempty"`
}

// LoadConfig reads config from a JSON or YAML file. An empty path builds
// the configuration from environment variables. Missing values take
// defaults either way.
func LoadConfig(path string) (*Config, error) {
	if path == "" {
		cfg := defaultConfig()
		cfg.applyDefaults()
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	// Zero is a valid offset, so the default is set before decoding.
	cfg := Config{UTCOffset: DefaultUTCOffset}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &cfg)
	default:
		err = json.Unmarshal(data, &cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	for _, p := range []*string{
		&cfg.DataDir,
		&cfg.Matrix.Homeserver,
		&cfg.Matrix.UserID,
		&cfg.Matrix.Password,
		&cfg.Matrix.ServerName,
		&cfg.LLM.Fast.APIKey,
		&cfg.LLM.Fast.BaseURL,
		&cfg.LLM.Deep.APIKey,
		&cfg.LLM.Deep.BaseURL,
		&cfg.Reflection.Destination,
		&cfg.Tools.GitHubToken,
		&cfg.Tools.GitHubUser,
		&cfg.Embeddings.PostgresURL,
		&cfg.Embeddings.TEIURL,
	} {
		*p = resolveEnv(*p)
	}
	for i, u := range cfg.Matrix.AllowedUsers {
		cfg.Matrix.AllowedUsers[i] = resolveEnv(u)
	}

	cfg.applyDefaults()
	return &cfg, cfg.Validate()
}

// Validate reports settings that would fail later at runtime.
func (c *Config) Validate() error {
	if c.Agent.MaxRounds < 1 {
		return fmt.Errorf("agent.max_rounds must be at least 1")
	}
	if c.UTCOffset < -12 || c.UTCOffset > 14 {
		return fmt.Errorf("utc_offset %d out of range", c.UTCOffset)
	}
	for name, d := range map[string]string{
		"agent.call_timeout":       c.Agent.CallTimeout,
		"tools.code_timeout":       c.Tools.CodeTimeout,
		"tools.image_timeout":      c.Tools.ImageTimeout,
		"llm.retry.backoff":        c.LLM.Retry.Backoff,
		"llm.retry.max_backoff":    c.LLM.Retry.MaxBackoff,
		"embeddings.sync_interval": c.Embeddings.SyncInterval,
	} {
		if d == "" {
			continue
		}
		if _, err := time.ParseDuration(d); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}

// Location returns the configured fixed zone.
func (c *Config) Location() *time.Location {
	if c.UTCOffset == DefaultUTCOffset {
		return time.FixedZone("BRT", -3*3600)
	}
	return time.FixedZone(fmt.Sprintf("UTC%+d", c.UTCOffset), c.UTCOffset*3600)
}

// SetDataDir moves the data directory. Tool directories that were derived
// from the old one move with it.
func (c *Config) SetDataDir(dir string) {
	if c.Tools.WorkspaceDir == filepath.Join(c.DataDir, "workspace") {
		c.Tools.WorkspaceDir = filepath.Join(dir, "workspace")
	}
	if c.Tools.ImageDir == filepath.Join(c.DataDir, "images") {
		c.Tools.ImageDir = filepath.Join(dir, "images")
	}
	c.DataDir = dir
}

func (c *Config) applyDefaults() {
	if c.Name == "" {
		c.Name = "iris"
	}
	if c.DataDir == "" {
		c.DataDir = "data"
	}
	if c.Agent.MaxRounds == 0 {
		c.Agent.MaxRounds = 8
	}
	if c.Agent.MaxTokens == 0 {
		c.Agent.MaxTokens = 4000
	}
	if c.Agent.Temperature == 0 {
		c.Agent.Temperature = 0.3
	}
	if c.Agent.HistoryCapacity == 0 {
		c.Agent.HistoryCapacity = 30
	}
	if c.Agent.HistoryTurns == 0 || c.Agent.HistoryTurns > c.Agent.HistoryCapacity {
		c.Agent.HistoryTurns = c.Agent.HistoryCapacity
	}
	if c.Agent.ResultLimit == 0 {
		c.Agent.ResultLimit = 3000
	}
	if c.Agent.CallTimeout == "" {
		c.Agent.CallTimeout = "30s"
	}
	if c.Reflection.Time == "" {
		c.Reflection.Time = "23:00"
	}
	if c.Reflection.Keep == 0 {
		c.Reflection.Keep = 7
	}
	if c.Tools.WorkspaceDir == "" {
		c.Tools.WorkspaceDir = filepath.Join(c.DataDir, "workspace")
	}
	if c.Tools.ImageDir == "" {
		c.Tools.ImageDir = filepath.Join(c.DataDir, "images")
	}
	if c.Tools.CodeTimeout == "" {
		c.Tools.CodeTimeout = "30s"
	}
	if c.Tools.ImageTimeout == "" {
		c.Tools.ImageTimeout = "120s"
	}
	if c.LLM.Retry.MaxAttempts == 0 {
		c.LLM.Retry.MaxAttempts = 1
	}
	if c.Workspace.SocketPath == "" {
		c.Workspace.SocketPath = DefaultSocketPath
	}
	if c.Workspace.TCPAddr == "" {
		c.Workspace.TCPAddr = DefaultTCPAddr
	}
	if c.Embeddings.SyncInterval == "" {
		c.Embeddings.SyncInterval = "30s"
	}
	if c.Embeddings.BatchSize == 0 {
		c.Embeddings.BatchSize = 32
	}
}

// resolveEnv replaces a "$NAME" value with the environment variable NAME
// when it is set.
func resolveEnv(s string) string {
	if len(s) > 1 && s[0] == '$' {
		if v := os.Getenv(s[1:]); v != "" {
			return v
		}
	}
	return s
}

// defaultConfig builds the configuration from environment variables.
func defaultConfig() *Config {
	cfg := &Config{
		Name:      "iris",
		DataDir:   envOr("IRIS_DATA_DIR", "data"),
		UTCOffset: envInt("IRIS_UTC_OFFSET", DefaultUTCOffset),
		Matrix: MatrixConfig{
			Homeserver:   envOr("MATRIX_HOMESERVER", "http://synapse:8008"),
			UserID:       envOr("MATRIX_BOT_USER", "iris"),
			Password:     envOr("MATRIX_BOT_PASSWORD", ""),
			ServerName:   envOr("MATRIX_SERVER_NAME", "matrix.example.com"),
			AllowedUsers: splitList(envOr("ALLOWED_USERS", "")),
		},
		LLM: LLMConfig{
			Fast: ProviderConfig{
				Provider: "deepseek",
				Model:    envOr("DEEPSEEK_MODEL", "deepseek-chat"),
				APIKey:   os.Getenv("DEEPSEEK_API_KEY"),
				BaseURL:  envOr("DEEPSEEK_BASE_URL", "https://api.deepseek.com"),
			},
			Deep: ProviderConfig{
				Provider: "anthropic",
				Model:    envOr("ANTHROPIC_MODEL", "claude-sonnet-4-5"),
				APIKey:   os.Getenv("ANTHROPIC_API_KEY"),
			},
			Retry: RetryConfig{
				MaxAttempts: envInt("IRIS_LLM_MAX_ATTEMPTS", 1),
				Backoff:     "1s",
				MaxBackoff:  "30s",
			},
		},
		Reflection: ReflectionConfig{
			Disabled:    os.Getenv("IRIS_REFLECTION_DISABLED") != "",
			Time:        envOr("IRIS_REFLECTION_TIME", "23:00"),
			Destination: os.Getenv("IRIS_REFLECTION_ROOM"),
			Keep:        7,
			Topics:      splitList(os.Getenv("IRIS_REFLECTION_TOPICS")),
		},
		Tools: ToolsConfig{
			GitHubToken: os.Getenv("GITHUB_TOKEN"),
			GitHubUser:  os.Getenv("GITHUB_USER"),
			Python:      envOr("IRIS_PYTHON", "python3"),
		},
		Workspace: WorkspaceConfig{
			Enabled:    envOr("IRIS_WORKSPACE_ENABLED", "1") != "",
			SocketPath: envOr("IRIS_WORKSPACE_SOCKET", DefaultSocketPath),
			TCPAddr:    envOr("IRIS_WORKSPACE_ADDR", DefaultTCPAddr),
		},
		Embeddings: EmbeddingsConfig{
			Enabled:      os.Getenv("IRIS_EMBEDDINGS_ENABLED") != "",
			PostgresURL:  os.Getenv("IRIS_PG_URL"),
			TEIURL:       os.Getenv("IRIS_TEI_URL"),
			Model:        envOr("IRIS_EMBED_MODEL", "nomic-embed-text-v1.5"),
			SyncInterval: envOr("IRIS_EMBED_SYNC_INTERVAL", "30s"),
			BatchSize:    32,
		},
	}
	return cfg
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	if d, err := time.ParseDuration(s); err == nil && d > 0 {
		return d
	}
	return fallback
}
