package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/omrylcn/gbot-sub000/internal/defaults"

	"gopkg.in/yaml.v3"
)

// Config holds the gbot configuration
type Config struct {
	DataDir      string `yaml:"data_dir"`
	LogLevel     string `yaml:"log_level"`
	LogJSON      bool   `yaml:"log_json"`
	SkillsDir    string `yaml:"skills_dir"`    // default: <data_dir>/skills
	RolesFile    string `yaml:"roles_file"`    // default: <data_dir>/roles.yaml
	IdentityFile string `yaml:"identity_file"` // default: <data_dir>/IDENTITY.md

	Server     ServerConfig     `yaml:"server"`
	Agent      AgentConfig      `yaml:"agent"`
	Providers  ProvidersConfig  `yaml:"providers"`
	Scheduler  SchedulerConfig  `yaml:"scheduler"`
	Background BackgroundConfig `yaml:"background"`
	Tools      ToolsConfig      `yaml:"tools"`
	Channels   ChannelsConfig   `yaml:"channels"`
}

// ServerConfig holds HTTP/WebSocket settings
type ServerConfig struct {
	Host        string          `yaml:"host"`
	Port        int             `yaml:"port"`
	JWTSecret   string          `yaml:"jwt_secret"`
	TokenTTL    time.Duration   `yaml:"token_ttl"`
	RateLimit   RateLimitConfig `yaml:"rate_limit"`
	CORSOrigins []string        `yaml:"cors_origins"`
}

// RateLimitConfig is a per-client token bucket
type RateLimitConfig struct {
	RPS   float64 `yaml:"rps"` // 0 disables limiting
	Burst int     `yaml:"burst"`
}

// AgentConfig holds conversation agent settings
type AgentConfig struct {
	Provider              string         `yaml:"provider"` // openai, anthropic, ollama, gemini
	Model                 string         `yaml:"model"`
	Temperature           float64        `yaml:"temperature"`
	MaxTokens             int            `yaml:"max_tokens"`
	MaxIterations         int            `yaml:"max_iterations"`          // full agent ceiling
	IsolatedMaxIterations int            `yaml:"isolated_max_iterations"` // background/scheduled ceiling
	SessionTokenLimit     int            `yaml:"session_token_limit"`     // rotate when reached
	Budgets               ContextBudgets `yaml:"budgets"`
}

// ContextBudgets are per-layer token budgets for the system prompt
type ContextBudgets struct {
	Identity      int `yaml:"identity"`
	Role          int `yaml:"role"`
	Memory        int `yaml:"memory"`
	User          int `yaml:"user"`
	Previous      int `yaml:"previous"`
	Skills        int `yaml:"skills"`
	Notifications int `yaml:"notifications"`
}

// ProvidersConfig holds credentials per LLM provider
type ProvidersConfig struct {
	OpenAI    ProviderConfig `yaml:"openai"`
	Anthropic ProviderConfig `yaml:"anthropic"`
	Ollama    ProviderConfig `yaml:"ollama"`
	Gemini    ProviderConfig `yaml:"gemini"`
}

// ProviderConfig holds configuration for a single provider
type ProviderConfig struct {
	APIKey  string `yaml:"api_key,omitempty"`
	BaseURL string `yaml:"base_url,omitempty"`
}

// SchedulerConfig holds job execution policy
type SchedulerConfig struct {
	SkipMarkers      []string      `yaml:"skip_markers"`
	FailureThreshold int           `yaml:"failure_threshold"`
	JobTimeout       time.Duration `yaml:"job_timeout"`
	ResultLogChars   int           `yaml:"result_log_chars"`
}

// BackgroundConfig holds background worker settings
type BackgroundConfig struct {
	MaxConcurrent int `yaml:"max_concurrent"`
}

// ToolsConfig holds built-in tool settings
type ToolsConfig struct {
	Workspace     string        `yaml:"workspace"` // default: <data_dir>/workspace
	ShellTimeout  time.Duration `yaml:"shell_timeout"`
	FetchTimeout  time.Duration `yaml:"fetch_timeout"`
	SearchURL     string        `yaml:"search_url"`
	MaxFetchBytes int64         `yaml:"max_fetch_bytes"`
}

// ChannelsConfig holds messaging channel settings
type ChannelsConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
}

// TelegramConfig configures the Telegram bot channel
type TelegramConfig struct {
	Enabled bool   `yaml:"enabled"`
	Token   string `yaml:"token"`
}

// MQTTConfig configures the MQTT notification channel
type MQTTConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Broker      string `yaml:"broker"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	ClientID    string `yaml:"client_id"`
	TopicPrefix string `yaml:"topic_prefix"`
}

// DefaultSkipMarkers mark a scheduled result as "nothing to report".
var DefaultSkipMarkers = []string{"SKIP", "[SKIP]", "[NO_NOTIFY]"}

// DefaultFailureThreshold is the number of consecutive failures that pauses a job.
const DefaultFailureThreshold = 3

// Default returns a config with sensible defaults
func Default() *Config {
	return &Config{
		DataDir:  DefaultDataDir(),
		LogLevel: "info",
		Server: ServerConfig{
			Host:      "127.0.0.1",
			Port:      8787,
			TokenTTL:  24 * time.Hour,
			RateLimit: RateLimitConfig{RPS: 5, Burst: 20},
		},
		Agent: AgentConfig{
			Provider:              "openai",
			Model:                 "gpt-4o-mini",
			Temperature:           0.7,
			MaxTokens:             4096,
			MaxIterations:         20,
			IsolatedMaxIterations: 8,
			SessionTokenLimit:     30000,
			Budgets: ContextBudgets{
				Identity:      600,
				Role:          200,
				Memory:        1500,
				User:          800,
				Previous:      1000,
				Skills:        1500,
				Notifications: 600,
			},
		},
		Providers: ProvidersConfig{
			Ollama: ProviderConfig{BaseURL: "http://localhost:11434"},
		},
		Scheduler: SchedulerConfig{
			SkipMarkers:      append([]string(nil), DefaultSkipMarkers...),
			FailureThreshold: DefaultFailureThreshold,
			JobTimeout:       5 * time.Minute,
			ResultLogChars:   2000,
		},
		Background: BackgroundConfig{MaxConcurrent: 5},
		Tools: ToolsConfig{
			ShellTimeout:  30 * time.Second,
			FetchTimeout:  20 * time.Second,
			SearchURL:     "https://html.duckduckgo.com/html/",
			MaxFetchBytes: 2 << 20,
		},
		Channels: ChannelsConfig{
			MQTT: MQTTConfig{Broker: "mqtt://localhost:1883", TopicPrefix: "gbot"},
		},
	}
}

// DefaultDataDir returns the platform-appropriate data directory.
func DefaultDataDir() string {
	dir, err := defaults.DataDir()
	if err != nil {
		return ".gbot"
	}
	return dir
}

// Load loads config.yaml from dataDir (the platform default when empty),
// falling back to defaults when the file does not exist.
func Load(dataDir string) (*Config, error) {
	cfg := Default()
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	data, err := os.ReadFile(filepath.Join(expandHome(cfg.DataDir), "config.yaml"))
	if err != nil {
		if os.IsNotExist(err) {
			cfg.finalize()
			return cfg, nil
		}
		return nil, err
	}
	return decode(cfg, data)
}

// LoadFrom loads config from a specific path
func LoadFrom(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return LoadFromBytes(data)
}

// LoadFromBytes loads configuration from YAML bytes with environment variable expansion
func LoadFromBytes(data []byte) (*Config, error) {
	return decode(Default(), data)
}

func decode(cfg *Config, data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.finalize()
	return cfg, nil
}

// finalize fills derived paths and repairs zero values a partial file leaves behind.
func (c *Config) finalize() {
	c.DataDir = expandHome(c.DataDir)
	if c.SkillsDir == "" {
		c.SkillsDir = filepath.Join(c.DataDir, "skills")
	}
	if c.RolesFile == "" {
		c.RolesFile = filepath.Join(c.DataDir, "roles.yaml")
	}
	if c.IdentityFile == "" {
		c.IdentityFile = filepath.Join(c.DataDir, "IDENTITY.md")
	}
	if c.Tools.Workspace == "" {
		c.Tools.Workspace = filepath.Join(c.DataDir, "workspace")
	}
	c.SkillsDir = expandHome(c.SkillsDir)
	c.RolesFile = expandHome(c.RolesFile)
	c.IdentityFile = expandHome(c.IdentityFile)
	c.Tools.Workspace = expandHome(c.Tools.Workspace)

	if c.Agent.MaxIterations <= 0 {
		c.Agent.MaxIterations = 20
	}
	if c.Agent.IsolatedMaxIterations <= 0 {
		c.Agent.IsolatedMaxIterations = 8
	}
	if c.Scheduler.FailureThreshold <= 0 {
		c.Scheduler.FailureThreshold = DefaultFailureThreshold
	}
	if c.Scheduler.SkipMarkers == nil {
		c.Scheduler.SkipMarkers = append([]string(nil), DefaultSkipMarkers...)
	}
	if c.Background.MaxConcurrent <= 0 {
		c.Background.MaxConcurrent = 5
	}
}

func expandHome(p string) string {
	if strings.HasPrefix(p, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, p[2:])
	}
	return p
}

// DBPath returns the path to the SQLite database
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, "data", "gbot.db")
}

// EnsureDataDir creates the data directory and copies the default files into it
func (c *Config) EnsureDataDir() error {
	return defaults.EnsureDataDir(c.DataDir)
}

// Addr returns host:port for the HTTP server
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
