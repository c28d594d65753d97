// Package config owns the on-disk configuration of the daemon: config.json
// (parsed as JSON5), agents.json, the ~/.tamias directory layout, and the
// environment overrides applied on top. Secrets never live in config files;
// connections and bridges carry only the name of the env variable that holds
// the secret.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// Version is the config schema version this build reads and writes.
const Version = "1.0"

// Config is the root of config.json.
type Config struct {
	Version            string                        `json:"version"`
	Connections        map[string]Connection         `json:"connections,omitempty"`
	DefaultModels      []string                      `json:"defaultModels,omitempty"`
	DefaultImageModels []string                      `json:"defaultImageModels,omitempty"`
	InternalTools      map[string]InternalToolConfig `json:"internalTools,omitempty"`
	McpServers         map[string]McpServerConfig    `json:"mcpServers,omitempty"`
	Bridges            BridgesConfig                 `json:"bridges,omitempty"`
	Emails             map[string]EmailConfig        `json:"emails,omitempty"`
	WorkspacePath      string                        `json:"workspacePath,omitempty"`
	Sandbox            SandboxConfig                 `json:"sandbox,omitempty"`
	Debug              bool                          `json:"debug,omitempty"`
	ConfigVersion      int                           `json:"_configVersion,omitempty"`

	Daemon    DaemonConfig    `json:"daemon,omitempty"`
	Telemetry TelemetryConfig `json:"telemetry,omitempty"`
	Tailscale TailscaleConfig `json:"tailscale,omitempty"`
	Database  DatabaseConfig  `json:"database,omitempty"`
	Heartbeat HeartbeatConfig `json:"heartbeat,omitempty"`
}

// Connection binds a nickname to one LLM provider account. The API key is
// resolved through EnvKeyName at runtime and never stored here.
type Connection struct {
	Provider       string   `json:"provider"`
	EnvKeyName     string   `json:"envKeyName,omitempty"`
	BaseURL        string   `json:"baseUrl,omitempty"`
	SelectedModels []string `json:"selectedModels,omitempty"`
}

// APIKey reads the connection's secret from the process environment.
func (c Connection) APIKey() string {
	if c.EnvKeyName == "" {
		return ""
	}
	return os.Getenv(c.EnvKeyName)
}

// Known provider identifiers for Connection.Provider.
const (
	ProviderOpenAI     = "openai"
	ProviderAnthropic  = "anthropic"
	ProviderGoogle     = "google"
	ProviderOpenRouter = "openrouter"
	ProviderOllama     = "ollama"
)

func knownProvider(p string) bool {
	switch p {
	case ProviderOpenAI, ProviderAnthropic, ProviderGoogle, ProviderOpenRouter, ProviderOllama:
		return true
	}
	return false
}

// BridgeMode gates which inbound messages a bridge accepts.
type BridgeMode string

const (
	ModeFull        BridgeMode = "full"
	ModeMentionOnly BridgeMode = "mention-only"
	ModeListenOnly  BridgeMode = "listen-only"
)

func validMode(m BridgeMode) bool {
	switch m {
	case "", ModeFull, ModeMentionOnly, ModeListenOnly:
		return true
	}
	return false
}

// BridgesConfig holds every configured bridge instance, indexed by a
// user-chosen key per transport.
type BridgesConfig struct {
	Terminal  TerminalBridgeConfig      `json:"terminal,omitempty"`
	Discords  map[string]BridgeInstance `json:"discords,omitempty"`
	Telegrams map[string]BridgeInstance `json:"telegrams,omitempty"`
	Whatsapps map[string]BridgeInstance `json:"whatsapps,omitempty"`
}

// TerminalBridgeConfig configures the local stdin/stdout bridge.
type TerminalBridgeConfig struct {
	Enabled bool `json:"enabled,omitempty"`
}

// BridgeInstance is one configured bot on one transport.
type BridgeInstance struct {
	Enabled         bool       `json:"enabled"`
	EnvKeyName      string     `json:"envKeyName,omitempty"`
	AllowedChannels []string   `json:"allowedChannels,omitempty"`
	AllowedChats    []string   `json:"allowedChats,omitempty"`
	Mode            BridgeMode `json:"mode,omitempty"`

	// Telegram: fall back to the older non-queued delivery when true.
	SimpleQueue bool `json:"simpleQueue,omitempty"`

	// WhatsApp Business webhook fields.
	PhoneNumberID      string `json:"phoneNumberId,omitempty"`
	VerifyTokenEnvName string `json:"verifyTokenEnvName,omitempty"`
	Prefix             string `json:"prefix,omitempty"`
}

// Token reads the bridge secret from the process environment.
func (b BridgeInstance) Token() string {
	if b.EnvKeyName == "" {
		return ""
	}
	return os.Getenv(b.EnvKeyName)
}

// EffectiveMode normalises an empty mode to full.
func (b BridgeInstance) EffectiveMode() BridgeMode {
	if b.Mode == "" {
		return ModeFull
	}
	return b.Mode
}

// InternalToolConfig enables an internal tool category and optionally
// restricts its functions.
type InternalToolConfig struct {
	Enabled   bool                       `json:"enabled"`
	Functions map[string]ToolFunctionCfg `json:"functions,omitempty"`
}

// ToolFunctionCfg gates one function inside an internal tool category.
// Allowlist entries are regexes matched against the JSON-serialised input.
// TimeoutSec overrides the function's built-in execution timeout.
type ToolFunctionCfg struct {
	Enabled    *bool    `json:"enabled,omitempty"`
	Allowlist  []string `json:"allowlist,omitempty"`
	TimeoutSec int      `json:"timeoutSec,omitempty"`
}

// FunctionEnabled reports whether fn is enabled under this category config.
// A missing function entry means enabled.
func (c InternalToolConfig) FunctionEnabled(fn string) bool {
	fc, ok := c.Functions[fn]
	if !ok || fc.Enabled == nil {
		return true
	}
	return *fc.Enabled
}

// McpServerConfig describes one external MCP server.
type McpServerConfig struct {
	Enabled    bool                       `json:"enabled"`
	Transport  string                     `json:"transport"` // "stdio", "http" (streamable) or "sse"
	Command    string                     `json:"command,omitempty"`
	Args       []string                   `json:"args,omitempty"`
	Env        map[string]string          `json:"env,omitempty"`
	URL        string                     `json:"url,omitempty"`
	Headers    map[string]string          `json:"headers,omitempty"`
	TimeoutSec int                        `json:"timeoutSec,omitempty"` // per-call bound, default 60
	Functions  map[string]ToolFunctionCfg `json:"functions,omitempty"`
}

// EmailConfig is one outbound email account. The password is resolved
// through EnvKeyName at runtime.
type EmailConfig struct {
	Enabled    bool   `json:"enabled,omitempty"`
	Address    string `json:"address,omitempty"`
	EnvKeyName string `json:"envKeyName,omitempty"`
	SMTPHost   string `json:"smtpHost,omitempty"`
	SMTPPort   int    `json:"smtpPort,omitempty"`
}

// Password reads the account secret from the process environment.
func (e EmailConfig) Password() string {
	if e.EnvKeyName == "" {
		return ""
	}
	return os.Getenv(e.EnvKeyName)
}

// SandboxConfig is passed through to the workspace tools.
type SandboxConfig struct {
	Engine         string `json:"engine,omitempty"` // "none" (default), "docker", "podman"
	Image          string `json:"image,omitempty"`
	MemoryLimit    string `json:"memoryLimit,omitempty"`
	CPULimit       string `json:"cpuLimit,omitempty"`
	NetworkEnabled bool   `json:"networkEnabled,omitempty"`
	Timeout        int    `json:"timeout,omitempty"` // seconds
}

// DaemonConfig controls the HTTP listener. Port 0 means pick a free port
// >= 9001 outside the common-port blocklist.
type DaemonConfig struct {
	Host string `json:"host,omitempty"` // default 127.0.0.1
	Port int    `json:"port,omitempty"`
}

// TelemetryConfig configures OTLP trace export. No-op when disabled.
type TelemetryConfig struct {
	Enabled     bool              `json:"enabled,omitempty"`
	Endpoint    string            `json:"endpoint,omitempty"`
	Protocol    string            `json:"protocol,omitempty"` // "grpc" (default) or "http"
	Insecure    bool              `json:"insecure,omitempty"`
	ServiceName string            `json:"serviceName,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
}

// TailscaleConfig configures the optional tsnet listener (build tag tsnet).
// Auth key from env only.
type TailscaleConfig struct {
	Hostname  string `json:"hostname,omitempty"`
	StateDir  string `json:"stateDir,omitempty"`
	AuthKey   string `json:"-"` // TAMIAS_TSNET_AUTH_KEY only
	Ephemeral bool   `json:"ephemeral,omitempty"`
}

// DatabaseConfig selects the ai-log backend. The DSN is a secret and comes
// from TAMIAS_POSTGRES_DSN only; empty means SQLite at data.sqlite.
type DatabaseConfig struct {
	PostgresDSN string `json:"-"`
}

// HeartbeatConfig schedules the periodic heartbeat prompt.
type HeartbeatConfig struct {
	Enabled  bool   `json:"enabled,omitempty"`
	Schedule string `json:"schedule,omitempty"` // cron expression, default "*/30 * * * *"
	Model    string `json:"model,omitempty"`
	Prompt   string `json:"prompt,omitempty"`
}

// ModelRef is a parsed "{connectionNickname}/{modelId}" string.
type ModelRef struct {
	Nickname string
	ModelID  string
}

func (r ModelRef) String() string { return r.Nickname + "/" + r.ModelID }

// ParseModelRef splits "nickname/modelId". The model id may itself contain
// slashes (OpenRouter ids do); only the first separator counts.
func ParseModelRef(s string) (ModelRef, error) {
	nick, model, ok := strings.Cut(s, "/")
	if !ok || nick == "" || model == "" {
		return ModelRef{}, fmt.Errorf("invalid model reference %q: want \"nickname/modelId\"", s)
	}
	return ModelRef{Nickname: nick, ModelID: model}, nil
}

// DefaultModelChain returns the global fallback chain: configured
// defaultModels first, then the first selected model of the first connection
// (map order is not stable, so connections are consulted only when
// defaultModels is empty).
func (c *Config) DefaultModelChain() []string {
	if len(c.DefaultModels) > 0 {
		chain := make([]string, len(c.DefaultModels))
		copy(chain, c.DefaultModels)
		return chain
	}
	for nick, conn := range c.Connections {
		if len(conn.SelectedModels) > 0 {
			return []string{nick + "/" + conn.SelectedModels[0]}
		}
	}
	return nil
}

// MaskedCopy returns a deep copy safe for display surfaces. Config never
// holds raw secrets, but env-resolved values may have been injected at
// runtime; the copy re-reads nothing and zeroes runtime-only fields.
func (c *Config) MaskedCopy() *Config {
	data, err := json.Marshal(c)
	if err != nil {
		return &Config{Version: Version}
	}
	cp := &Config{}
	if err := json.Unmarshal(data, cp); err != nil {
		return &Config{Version: Version}
	}
	cp.Database.PostgresDSN = ""
	cp.Tailscale.AuthKey = ""
	return cp
}
