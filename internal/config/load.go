package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"github.com/titanous/json5"
)

// ErrInvalid marks configuration errors that should stop startup. The CLI
// maps it to exit code 3.
var ErrInvalid = errors.New("invalid configuration")

// Default returns a minimal runnable config: no connections, terminal bridge
// on, all internal tool categories enabled.
func Default() *Config {
	return &Config{
		Version:     Version,
		Connections: map[string]Connection{},
		InternalTools: map[string]InternalToolConfig{
			"terminal":  {Enabled: true},
			"workspace": {Enabled: true},
			"session":   {Enabled: true},
			"subagent":  {Enabled: true},
			"swarm":     {Enabled: true},
			"memory":    {Enabled: true},
		},
		Bridges: BridgesConfig{
			Terminal: TerminalBridgeConfig{Enabled: true},
		},
		Heartbeat: HeartbeatConfig{
			Schedule: "*/30 * * * *",
		},
	}
}

// Load reads .env into the process environment, parses config.json as JSON5,
// applies env overrides and validates. A missing config.json yields Default()
// so a fresh install can start; a malformed one is ErrInvalid.
func Load(paths Paths) (*Config, error) {
	// Values already present in the environment win over .env entries.
	if err := godotenv.Load(paths.EnvFile()); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load %s: %w", paths.EnvFile(), err)
	}

	cfg := Default()
	data, err := os.ReadFile(paths.ConfigFile())
	switch {
	case errors.Is(err, fs.ErrNotExist):
		// fresh install
	case err != nil:
		return nil, fmt.Errorf("read %s: %w", paths.ConfigFile(), err)
	default:
		cfg = &Config{}
		if err := json5.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("%w: parse %s: %v", ErrInvalid, paths.ConfigFile(), err)
		}
	}

	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envBool := func(key string, dst *bool) {
		switch os.Getenv(key) {
		case "1", "true", "yes":
			*dst = true
		case "0", "false", "no":
			*dst = false
		}
	}

	envBool("TAMIAS_DEBUG", &cfg.Debug)
	envStr("TAMIAS_WORKSPACE", &cfg.WorkspacePath)
	envStr("TAMIAS_POSTGRES_DSN", &cfg.Database.PostgresDSN)
	envStr("TAMIAS_HOST", &cfg.Daemon.Host)
	if v := os.Getenv("TAMIAS_PORT"); v != "" {
		var port int
		if _, err := fmt.Sscanf(v, "%d", &port); err == nil && port > 0 {
			cfg.Daemon.Port = port
		}
	}

	envStr("TAMIAS_OTEL_ENDPOINT", &cfg.Telemetry.Endpoint)
	envStr("TAMIAS_OTEL_PROTOCOL", &cfg.Telemetry.Protocol)
	envBool("TAMIAS_OTEL_INSECURE", &cfg.Telemetry.Insecure)
	if cfg.Telemetry.Endpoint != "" {
		cfg.Telemetry.Enabled = true
	}

	envStr("TAMIAS_TSNET_AUTH_KEY", &cfg.Tailscale.AuthKey)
}

// Validate checks structural invariants. All failures wrap ErrInvalid.
func (c *Config) Validate() error {
	if c.Version == "" {
		c.Version = Version
	}
	if c.Version != Version {
		return fmt.Errorf("%w: unsupported config version %q", ErrInvalid, c.Version)
	}

	for nick, conn := range c.Connections {
		if nick == "" {
			return fmt.Errorf("%w: connection with empty nickname", ErrInvalid)
		}
		if !knownProvider(conn.Provider) {
			return fmt.Errorf("%w: connection %q: unknown provider %q", ErrInvalid, nick, conn.Provider)
		}
		if conn.EnvKeyName == "" && conn.Provider != ProviderOllama {
			return fmt.Errorf("%w: connection %q: envKeyName is required for provider %q", ErrInvalid, nick, conn.Provider)
		}
	}

	for _, chain := range [][]string{c.DefaultModels, c.DefaultImageModels} {
		for _, m := range chain {
			ref, err := ParseModelRef(m)
			if err != nil {
				return fmt.Errorf("%w: %v", ErrInvalid, err)
			}
			if _, ok := c.Connections[ref.Nickname]; !ok {
				return fmt.Errorf("%w: model %q references unknown connection %q", ErrInvalid, m, ref.Nickname)
			}
		}
	}

	checkBridges := func(kind string, m map[string]BridgeInstance) error {
		for key, b := range m {
			if !validMode(b.Mode) {
				return fmt.Errorf("%w: %s bridge %q: invalid mode %q", ErrInvalid, kind, key, b.Mode)
			}
			if b.Enabled && b.EnvKeyName == "" {
				return fmt.Errorf("%w: %s bridge %q: envKeyName is required", ErrInvalid, kind, key)
			}
		}
		return nil
	}
	if err := checkBridges("discord", c.Bridges.Discords); err != nil {
		return err
	}
	if err := checkBridges("telegram", c.Bridges.Telegrams); err != nil {
		return err
	}
	if err := checkBridges("whatsapp", c.Bridges.Whatsapps); err != nil {
		return err
	}

	for name, srv := range c.McpServers {
		switch srv.Transport {
		case "stdio", "":
			if srv.Enabled && srv.Command == "" {
				return fmt.Errorf("%w: mcp server %q: command is required for stdio transport", ErrInvalid, name)
			}
		case "http", "streamable-http", "sse":
			if srv.Enabled && srv.URL == "" {
				return fmt.Errorf("%w: mcp server %q: url is required for %s transport", ErrInvalid, name, srv.Transport)
			}
		default:
			return fmt.Errorf("%w: mcp server %q: unknown transport %q", ErrInvalid, name, srv.Transport)
		}
	}

	switch c.Sandbox.Engine {
	case "", "none", "docker", "podman":
	default:
		return fmt.Errorf("%w: unknown sandbox engine %q", ErrInvalid, c.Sandbox.Engine)
	}

	return nil
}

// Save writes config.json atomically. Config holds no secrets, so the file
// stays world-readable like any other dotfile.
func (c *Config) Save(paths Paths) error {
	if err := os.MkdirAll(paths.Root, 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')

	tmp, err := os.CreateTemp(paths.Root, "config-*.json")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		return err
	}
	return os.Rename(tmpName, filepath.Join(paths.Root, "config.json"))
}

// WriteEnvFile creates or replaces .env with owner-only permissions.
func WriteEnvFile(paths Paths, lines []string) error {
	if err := os.MkdirAll(paths.Root, 0o755); err != nil {
		return err
	}
	var buf []byte
	for _, l := range lines {
		buf = append(buf, l...)
		buf = append(buf, '\n')
	}
	return os.WriteFile(paths.EnvFile(), buf, 0o600)
}
