// Package config loads CountBot's runtime configuration from the
// environment using struct tags, the same way picoclaw does it.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/caarlos0/env/v11"
)

// ProviderConfig describes one LLM provider's connection details.
type ProviderConfig struct {
	APIKey     string `env:"API_KEY"`
	APIBase    string `env:"API_BASE"`
	AuthMethod string `env:"AUTH_METHOD" envDefault:"api_key"` // api_key | oauth
	Routing    string `env:"ROUTING"`                          // provider-specific routing hint
}

type ProvidersConfig struct {
	OpenRouter ProviderConfig `envPrefix:"OPENROUTER_"`
	Anthropic  ProviderConfig `envPrefix:"ANTHROPIC_"`
	OpenAI     ProviderConfig `envPrefix:"OPENAI_"`
	Gemini     ProviderConfig `envPrefix:"GEMINI_"`
	Zhipu      ProviderConfig `envPrefix:"ZHIPU_"`
	Groq       ProviderConfig `envPrefix:"GROQ_"`
	Modal      ProviderConfig `envPrefix:"MODAL_"`
	VLLM       ProviderConfig `envPrefix:"VLLM_"`
}

type AgentDefaults struct {
	Model                string `env:"MODEL" envDefault:"openrouter/anthropic/claude-3.5-sonnet"`
	MaxTokens            int    `env:"MAX_TOKENS" envDefault:"128000"`
	MaxToolIterations    int    `env:"MAX_TOOL_ITERATIONS" envDefault:"20"`
	LLMTimeoutSeconds    int    `env:"LLM_TIMEOUT_SECONDS" envDefault:"120"`
	ToolTimeoutSeconds   int    `env:"TOOL_TIMEOUT_SECONDS" envDefault:"60"`
	MaxParallelToolCalls int    `env:"MAX_PARALLEL_TOOL_CALLS" envDefault:"4"`
	MaxHistory           int    `env:"MAX_HISTORY" envDefault:"40"`
	Temperature          float64 `env:"TEMPERATURE" envDefault:"0.7"`
}

type AgentsConfig struct {
	Defaults AgentDefaults `envPrefix:"DEFAULT_"`
}

type WebSearchConfig struct {
	APIKey     string `env:"API_KEY"`
	MaxResults int    `env:"MAX_RESULTS" envDefault:"5"`
}

type WebToolsConfig struct {
	Search        WebSearchConfig `envPrefix:"SEARCH_"`
	FetchMaxChars int             `env:"FETCH_MAX_CHARS" envDefault:"50000"`
}

type SecurityConfig struct {
	RestrictToWorkspace     bool     `env:"RESTRICT_TO_WORKSPACE" envDefault:"true"`
	DangerousCommandsBlocked bool    `env:"DANGEROUS_COMMANDS_BLOCKED" envDefault:"true"`
	CommandWhitelistEnabled bool     `env:"COMMAND_WHITELIST_ENABLED" envDefault:"false"`
	CommandWhitelist        []string `env:"COMMAND_WHITELIST" envSeparator:","`
	MaxOutputLength         int      `env:"MAX_OUTPUT_LENGTH" envDefault:"20000"`
	AuditLogEnabled         bool     `env:"AUDIT_LOG_ENABLED" envDefault:"true"`
}

type ToolsConfig struct {
	Web      WebToolsConfig `envPrefix:"WEB_"`
	Security SecurityConfig `envPrefix:"SECURITY_"`
}

// TelegramConfig configures the Telegram adapter.
type TelegramConfig struct {
	Enabled   bool     `env:"ENABLED"`
	Token     string   `env:"TOKEN"`
	AllowFrom []string `env:"ALLOW_FROM" envSeparator:","`
	ProxyURL  string   `env:"PROXY_URL"`
}

// DiscordConfig configures the Discord adapter.
type DiscordConfig struct {
	Enabled   bool     `env:"ENABLED"`
	Token     string   `env:"TOKEN"`
	AllowFrom []string `env:"ALLOW_FROM" envSeparator:","`
}

// QQConfig configures the QQ adapter.
type QQConfig struct {
	Enabled             bool     `env:"ENABLED"`
	AppID               string   `env:"APP_ID"`
	AppSecret           string   `env:"APP_SECRET"`
	Token               string   `env:"TOKEN"`
	AllowFrom           []string `env:"ALLOW_FROM" envSeparator:","`
	GroupMarkdownEnabled bool    `env:"GROUP_MARKDOWN_ENABLED"`
}

// WeChatConfig configures the WeChat bridge adapter (interface stub).
type WeChatConfig struct {
	Enabled   bool     `env:"ENABLED"`
	BridgeURL string   `env:"BRIDGE_URL"`
	AllowFrom []string `env:"ALLOW_FROM" envSeparator:","`
}

// DingTalkConfig configures the DingTalk stream-mode adapter.
type DingTalkConfig struct {
	Enabled      bool     `env:"ENABLED"`
	ClientID     string   `env:"CLIENT_ID"`
	ClientSecret string   `env:"CLIENT_SECRET"`
	AllowFrom    []string `env:"ALLOW_FROM" envSeparator:","`
}

// FeishuConfig configures the Feishu adapter, which runs its SDK client
// in-process (not in a subprocess).
type FeishuConfig struct {
	Enabled   bool     `env:"ENABLED"`
	AppID     string   `env:"APP_ID"`
	AppSecret string   `env:"APP_SECRET"`
	AllowFrom []string `env:"ALLOW_FROM" envSeparator:","`
}

type ChannelsConfig struct {
	Telegram TelegramConfig `envPrefix:"TELEGRAM_"`
	Discord  DiscordConfig  `envPrefix:"DISCORD_"`
	QQ       QQConfig       `envPrefix:"QQ_"`
	WeChat   WeChatConfig   `envPrefix:"WECHAT_"`
	DingTalk DingTalkConfig `envPrefix:"DINGTALK_"`
	Feishu   FeishuConfig   `envPrefix:"FEISHU_"`
}

type PersonaConfig struct {
	AIName             string `env:"AI_NAME" envDefault:"小C"`
	UserName           string `env:"USER_NAME" envDefault:"主人"`
	UserAddress        string `env:"USER_ADDRESS"`
	Personality        string `env:"PERSONALITY" envDefault:"professional"`
	CustomPersonality  string `env:"CUSTOM_PERSONALITY"`
}

type HeartbeatConfig struct {
	Enabled           bool `env:"ENABLED" envDefault:"true"`
	IdleThresholdHours int `env:"IDLE_THRESHOLD_HOURS" envDefault:"4"`
	QuietStart        int  `env:"QUIET_START" envDefault:"22"`
	QuietEnd          int  `env:"QUIET_END" envDefault:"8"`
	MaxGreetsPerDay   int  `env:"MAX_GREETS_PER_DAY" envDefault:"2"`
	Channel           string `env:"CHANNEL"`
	ChatID            string `env:"CHAT_ID"`
}

type RateLimitConfig struct {
	Rate int `env:"RATE" envDefault:"10"`
	Per  int `env:"PER" envDefault:"60"`
}

type HTTPConfig struct {
	Host     string `env:"HOST" envDefault:"127.0.0.1"`
	Port     int    `env:"PORT" envDefault:"8000"`
	Password string `env:"PASSWORD"`
}

type Config struct {
	Workspace   string          `env:"WORKSPACE"`
	Providers   ProvidersConfig `envPrefix:"PROVIDER_"`
	Agents      AgentsConfig    `envPrefix:"AGENT_"`
	Tools       ToolsConfig     `envPrefix:"TOOL_"`
	Channels    ChannelsConfig  `envPrefix:"CHANNEL_"`
	Persona     PersonaConfig   `envPrefix:"PERSONA_"`
	Heartbeat   HeartbeatConfig `envPrefix:"HEARTBEAT_"`
	RateLimit   RateLimitConfig `envPrefix:"RATELIMIT_"`
	HTTP        HTTPConfig      `envPrefix:"HTTP_"`
}

const envPrefix = "COUNTBOT_"

// Load parses environment variables (all under the COUNTBOT_ prefix) into
// a Config, applying defaults declared via env tags.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: envPrefix}); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.Workspace == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			home = "."
		}
		cfg.Workspace = filepath.Join(home, ".countbot")
	}
	return cfg, nil
}

// WorkspacePath returns the absolute workspace directory, creating no
// side effects; callers are responsible for mkdir.
func (c *Config) WorkspacePath() string {
	abs, err := filepath.Abs(c.Workspace)
	if err != nil {
		return c.Workspace
	}
	return abs
}

// Clone returns a shallow copy of c (slice fields such as AllowFrom are
// shared with the original). There is no reload path that uses it.
func (c *Config) Clone() *Config {
	clone := *c
	return &clone
}
