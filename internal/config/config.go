// Package config loads the service configuration: in-code defaults,
// optionally overlaid by an on-disk TOML file, then overridden by
// environment variables (env always wins).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
)

// AuthMode selects how inbound requests are authenticated.
type AuthMode string

const (
	AuthNone   AuthMode = "none"
	AuthBearer AuthMode = "bearer"
	AuthJWT    AuthMode = "jwt"
)

// GuardMode selects pre-commit guard enforcement behavior.
type GuardMode string

const (
	GuardEnforce  GuardMode = "enforce"
	GuardWarn     GuardMode = "warn"
	GuardAdvisory GuardMode = "advisory"
	GuardBlock    GuardMode = "block"
)

// Config is the fully resolved process configuration.
type Config struct {
	Port string `toml:"port"`
	Host string `toml:"host"`

	DatabaseURL string `toml:"database_url"`
	DataDir     string `toml:"data_dir"`

	HTTPAuthMode                      AuthMode `toml:"http_auth_mode"`
	HTTPBearerToken                   string   `toml:"http_bearer_token"`
	HTTPJWKSURL                       string   `toml:"http_jwks_url"`
	HTTPAllowLocalhostUnauthenticated bool     `toml:"http_allow_localhost_unauthenticated"`
	HTTPAllowedOrigins                []string `toml:"http_allowed_origins"`

	RateLimitEnabled     bool `toml:"rate_limit_enabled"`
	RateLimitDefaultRPS  int  `toml:"rate_limit_default_rps"`
	RateLimitDefaultBurst int `toml:"rate_limit_default_burst"`

	WorktreesEnabled  bool `toml:"worktrees_enabled"`
	GitIdentityEnabled bool `toml:"git_identity_enabled"`

	GuardMode  GuardMode `toml:"guard_mode"`
	GuardBypass bool     `toml:"guard_bypass"`

	LLMEnabled bool `toml:"llm_enabled"`

	RepoCacheCapacity int `toml:"repo_cache_capacity"`
}

// Default returns the in-code defaults before any file or env overlay.
func Default() *Config {
	return &Config{
		Port:                  "8765",
		Host:                  "127.0.0.1",
		DatabaseURL:           filepath.Join(DefaultDataDir(), "agent_mail.db"),
		DataDir:               DefaultDataDir(),
		HTTPAuthMode:          AuthNone,
		RateLimitEnabled:      true,
		RateLimitDefaultRPS:   50,
		RateLimitDefaultBurst: 100,
		WorktreesEnabled:      false,
		GitIdentityEnabled:    false,
		GuardMode:             GuardWarn,
		GuardBypass:           false,
		LLMEnabled:            false,
		RepoCacheCapacity:     8,
	}
}

// DefaultDataDir returns $XDG_DATA_HOME/agentmail when XDG_DATA_HOME is set,
// else ~/.local/share/agentmail, using os.TempDir() in place of the home
// directory when that is unavailable (e.g. inside a minimal container).
func DefaultDataDir() string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "agentmail")
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = os.TempDir()
	}
	return filepath.Join(home, ".local", "share", "agentmail")
}

// DefaultPath returns the default TOML config file path.
func DefaultPath() string {
	if env := os.Getenv("AGENT_MAIL_CONFIG"); env != "" {
		return env
	}
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "agentmail", "config.toml")
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = os.TempDir()
	}
	return filepath.Join(home, ".config", "agentmail", "config.toml")
}

// Load builds the effective configuration: defaults, then the TOML file at
// path if it exists, then environment variable overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if _, err := toml.DecodeFile(path, cfg); err != nil {
				return nil, fmt.Errorf("decode config file %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("stat config file %s: %w", path, err)
		}
	}

	applyEnv(cfg)
	return cfg, nil
}

// applyEnv overlays recognized environment variables onto cfg. Env always
// wins over both defaults and the TOML file.
func applyEnv(c *Config) {
	if v := os.Getenv("PORT"); v != "" {
		c.Port = v
	}
	if v := os.Getenv("HOST"); v != "" {
		c.Host = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.DatabaseURL = v
	}
	if v := os.Getenv("DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("HTTP_AUTH_MODE"); v != "" {
		c.HTTPAuthMode = AuthMode(v)
	}
	if v := os.Getenv("HTTP_BEARER_TOKEN"); v != "" {
		c.HTTPBearerToken = v
	}
	if v := os.Getenv("HTTP_JWKS_URL"); v != "" {
		c.HTTPJWKSURL = v
	}
	if v := os.Getenv("HTTP_ALLOW_LOCALHOST_UNAUTHENTICATED"); v != "" {
		c.HTTPAllowLocalhostUnauthenticated = parseBool(v)
	}
	if v := os.Getenv("HTTP_ALLOWED_ORIGINS"); v != "" {
		c.HTTPAllowedOrigins = splitAndTrim(v)
	}
	if v := os.Getenv("RATE_LIMIT_ENABLED"); v != "" {
		c.RateLimitEnabled = parseBool(v)
	}
	if v := os.Getenv("RATE_LIMIT_DEFAULT_RPS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.RateLimitDefaultRPS = n
		}
	}
	if v := os.Getenv("RATE_LIMIT_DEFAULT_BURST"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.RateLimitDefaultBurst = n
		}
	}
	if v := os.Getenv("WORKTREES_ENABLED"); v != "" {
		c.WorktreesEnabled = parseBool(v)
	}
	if v := os.Getenv("GIT_IDENTITY_ENABLED"); v != "" {
		c.GitIdentityEnabled = parseBool(v)
	}
	// WORKTREES_ENABLED and GIT_IDENTITY_ENABLED are aliases per spec §6;
	// either truthy value enables worktree-gated tools.
	if c.GitIdentityEnabled {
		c.WorktreesEnabled = true
	}
	if v := os.Getenv("AGENT_MAIL_GUARD_MODE"); v != "" {
		c.GuardMode = GuardMode(v)
	}
	if v := os.Getenv("AGENT_MAIL_BYPASS"); v != "" {
		c.GuardBypass = parseBool(v)
	}
	if v := os.Getenv("LLM_ENABLED"); v != "" {
		c.LLMEnabled = parseBool(v)
	}
}

// parseBool implements spec §4.8's truthy parsing: "1"|"true"|"yes"|"t"|"y",
// case-insensitive.
func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "t", "y":
		return true
	default:
		return false
	}
}

// splitAndTrim parses a comma-separated env value into a trimmed,
// non-empty slice.
func splitAndTrim(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
