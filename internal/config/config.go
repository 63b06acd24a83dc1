package config

import (
	"errors"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

const (
	DefaultRegion          = "ca-central-1"
	DefaultProtocolVersion = "2024-11-05"
	BuiltinServerID        = "aws-tools"
)

type Config struct {
	LogLevel   string                  `toml:"log_level"`
	LogFormat  string                  `toml:"log_format"`
	StateDir   string                  `toml:"state_dir"`
	Region     string                  `toml:"region"`
	Auth       AuthConfig              `toml:"auth"`
	Supervisor SupervisorConfig        `toml:"supervisor"`
	Client     ClientConfig            `toml:"client"`
	Agent      AgentConfig             `toml:"agent"`
	Profiles   []ProfileConfig         `toml:"profiles"`
	Servers    map[string]ServerConfig `toml:"servers"`
}

type AuthConfig struct {
	LoginTimeoutSeconds  int    `toml:"login_timeout_seconds"`
	RefreshWindowSeconds int    `toml:"refresh_window_seconds"`
	SilentRefresh        *bool  `toml:"silent_refresh"`
	OpenBrowser          *bool  `toml:"open_browser"`
	ClientName           string `toml:"client_name"`
}

type SupervisorConfig struct {
	MaxRestarts             int `toml:"max_restarts"`
	RestartWindowSeconds    int `toml:"restart_window_seconds"`
	HealthIntervalSeconds   int `toml:"health_interval_seconds"`
	ProbeTimeoutSeconds     int `toml:"probe_timeout_seconds"`
	DegradedThreshold       int `toml:"degraded_threshold"`
	HandshakeTimeoutSeconds int `toml:"handshake_timeout_seconds"`
	ShutdownGraceSeconds    int `toml:"shutdown_grace_seconds"`
	// DrainTimeoutSeconds bounds how long a replaced worker may finish its
	// in-flight calls.
	DrainTimeoutSeconds int `toml:"drain_timeout_seconds"`
}

type ClientConfig struct {
	DefaultTimeoutSeconds int `toml:"default_timeout_seconds"`
	HistorySize           int `toml:"history_size"`
	TimeoutThreshold      int `toml:"timeout_threshold"`
}

type AgentConfig struct {
	MaxIterations int          `toml:"max_iterations"`
	Rules         []RuleConfig `toml:"rules"`
}

// RuleConfig maps a request pattern to a tool call.
type RuleConfig struct {
	Pattern     string         `toml:"pattern"`
	Server      string         `toml:"server"`
	Operation   string         `toml:"operation"`
	Arguments   map[string]any `toml:"arguments"`
	Description string         `toml:"description"`
}

type ProfileConfig struct {
	Name          string `toml:"name"`
	StartURL      string `toml:"sso_start_url"`
	SSORegion     string `toml:"sso_region"`
	AccountID     string `toml:"account_id"`
	RoleName      string `toml:"role_name"`
	DefaultRegion string `toml:"default_region"`
}

// ServerConfig is the launch spec of one tool server.
type ServerConfig struct {
	Command        string            `toml:"command"`
	Args           []string          `toml:"args"`
	Env            map[string]string `toml:"env"`
	WorkingDir     string            `toml:"working_dir"`
	TimeoutSeconds int               `toml:"timeout_seconds"`
	Profile        string            `toml:"profile"`
	Region         string            `toml:"region"`
	Disabled       bool              `toml:"disabled"`
	Builtin        bool              `toml:"builtin"`
	AutoApprove    []string          `toml:"auto_approve"`
	Description    string            `toml:"description"`
}

type Overrides struct {
	LogLevel  *string
	LogFormat *string
	StateDir  *string
	Region    *string
}

func DefaultConfig() Config {
	home, _ := os.UserHomeDir()
	return Config{
		LogLevel:  "info",
		LogFormat: "text",
		StateDir:  filepath.Join(home, ".cloudchat"),
		Region:    DefaultRegion,
		Auth: AuthConfig{
			LoginTimeoutSeconds:  300,
			RefreshWindowSeconds: 900,
			ClientName:           "cloudchat",
		},
		Supervisor: SupervisorConfig{
			MaxRestarts:             3,
			RestartWindowSeconds:    300,
			HealthIntervalSeconds:   30,
			ProbeTimeoutSeconds:     3,
			DegradedThreshold:       3,
			HandshakeTimeoutSeconds: 30,
			ShutdownGraceSeconds:    2,
			DrainTimeoutSeconds:     60,
		},
		Client: ClientConfig{
			DefaultTimeoutSeconds: 30,
			HistorySize:           100,
			TimeoutThreshold:      3,
		},
		Agent: AgentConfig{
			MaxIterations: 5,
			Rules:         defaultRules(),
		},
		Servers: map[string]ServerConfig{
			BuiltinServerID: {
				Builtin:        true,
				TimeoutSeconds: 30,
				AutoApprove:    []string{"get_caller_identity", "describe_instances", "list_users"},
				Description:    "Built-in EC2, IAM and STS tools",
			},
			"aws-api": {
				Command:        "uvx",
				Args:           []string{"awslabs.aws-api-mcp-server@latest"},
				Env:            map[string]string{"AWS_API_MCP_WORKING_DIR": os.TempDir()},
				TimeoutSeconds: 60,
				Description:    "AWS CLI command execution",
			},
			"aws-docs": {
				Command:        "uvx",
				Args:           []string{"awslabs.aws-documentation-mcp-server@latest"},
				Env:            map[string]string{"FASTMCP_LOG_LEVEL": "ERROR"},
				TimeoutSeconds: 30,
				Description:    "AWS documentation search",
			},
		},
	}
}

func defaultRules() []RuleConfig {
	return []RuleConfig{
		{Pattern: `(?i)\b(who am i|whoami|caller identity|which account)\b`, Server: BuiltinServerID, Operation: "get_caller_identity", Description: "Show the current AWS identity"},
		{Pattern: `(?i)\b(list|show|describe)\b.*\b(ec2|instances?|servers?)\b`, Server: BuiltinServerID, Operation: "describe_instances", Description: "List EC2 instances"},
		{Pattern: `(?i)\bstart\b.*\b(i-[0-9a-f]+)\b`, Server: BuiltinServerID, Operation: "start_instances", Arguments: map[string]any{"instance_ids": []any{"$1"}}, Description: "Start an EC2 instance"},
		{Pattern: `(?i)\bstop\b.*\b(i-[0-9a-f]+)\b`, Server: BuiltinServerID, Operation: "stop_instances", Arguments: map[string]any{"instance_ids": []any{"$1"}}, Description: "Stop an EC2 instance"},
		{Pattern: `(?i)\b(list|show)\b.*\b(iam )?users?\b`, Server: BuiltinServerID, Operation: "list_users", Description: "List IAM users"},
	}
}

// LoadDotEnv loads .env files into the process environment. Missing files are ignored.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	var existing []string
	for _, f := range files {
		if _, err := os.Stat(f); err == nil {
			existing = append(existing, f)
		}
	}
	if len(existing) == 0 {
		return nil
	}
	return godotenv.Load(existing...)
}

// DefaultPath returns the config file path, honouring CLOUDCHAT_CONFIG.
func DefaultPath() string {
	if p := os.Getenv("CLOUDCHAT_CONFIG"); p != "" {
		return p
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".cloudchat", "config.toml")
}

func Load(path string, dir string, overrides Overrides) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		fileCfg, err := readFile(path)
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				return cfg, err
			}
		} else {
			merge(&cfg, fileCfg)
		}
	}

	if dir != "" {
		files, err := dropInFiles(dir)
		if err != nil {
			return cfg, err
		}
		for _, file := range files {
			fileCfg, err := readFile(file)
			if err != nil {
				return cfg, err
			}
			merge(&cfg, fileCfg)
		}
	}

	applyOverrides(&cfg, overrides)
	return cfg, nil
}

func readFile(path string) (Config, error) {
	var cfg Config
	if _, err := os.Stat(path); err != nil {
		return cfg, err
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func dropInFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var files []string
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".toml" {
			continue
		}
		files = append(files, filepath.Join(dir, entry.Name()))
	}
	sort.Strings(files)
	return files, nil
}

func merge(dst *Config, src Config) {
	if src.LogLevel != "" {
		dst.LogLevel = src.LogLevel
	}
	if src.LogFormat != "" {
		dst.LogFormat = src.LogFormat
	}
	if src.StateDir != "" {
		dst.StateDir = src.StateDir
	}
	if src.Region != "" {
		dst.Region = src.Region
	}

	if src.Auth.LoginTimeoutSeconds > 0 {
		dst.Auth.LoginTimeoutSeconds = src.Auth.LoginTimeoutSeconds
	}
	if src.Auth.RefreshWindowSeconds > 0 {
		dst.Auth.RefreshWindowSeconds = src.Auth.RefreshWindowSeconds
	}
	if src.Auth.SilentRefresh != nil {
		v := *src.Auth.SilentRefresh
		dst.Auth.SilentRefresh = &v
	}
	if src.Auth.OpenBrowser != nil {
		v := *src.Auth.OpenBrowser
		dst.Auth.OpenBrowser = &v
	}
	if src.Auth.ClientName != "" {
		dst.Auth.ClientName = src.Auth.ClientName
	}

	s := src.Supervisor
	if s.MaxRestarts > 0 {
		dst.Supervisor.MaxRestarts = s.MaxRestarts
	}
	if s.RestartWindowSeconds > 0 {
		dst.Supervisor.RestartWindowSeconds = s.RestartWindowSeconds
	}
	if s.HealthIntervalSeconds > 0 {
		dst.Supervisor.HealthIntervalSeconds = s.HealthIntervalSeconds
	}
	if s.ProbeTimeoutSeconds > 0 {
		dst.Supervisor.ProbeTimeoutSeconds = s.ProbeTimeoutSeconds
	}
	if s.DegradedThreshold > 0 {
		dst.Supervisor.DegradedThreshold = s.DegradedThreshold
	}
	if s.HandshakeTimeoutSeconds > 0 {
		dst.Supervisor.HandshakeTimeoutSeconds = s.HandshakeTimeoutSeconds
	}
	if s.ShutdownGraceSeconds > 0 {
		dst.Supervisor.ShutdownGraceSeconds = s.ShutdownGraceSeconds
	}
	if s.DrainTimeoutSeconds > 0 {
		dst.Supervisor.DrainTimeoutSeconds = s.DrainTimeoutSeconds
	}

	if src.Client.DefaultTimeoutSeconds > 0 {
		dst.Client.DefaultTimeoutSeconds = src.Client.DefaultTimeoutSeconds
	}
	if src.Client.HistorySize > 0 {
		dst.Client.HistorySize = src.Client.HistorySize
	}
	if src.Client.TimeoutThreshold > 0 {
		dst.Client.TimeoutThreshold = src.Client.TimeoutThreshold
	}

	if src.Agent.MaxIterations > 0 {
		dst.Agent.MaxIterations = src.Agent.MaxIterations
	}
	if len(src.Agent.Rules) > 0 {
		dst.Agent.Rules = append([]RuleConfig{}, src.Agent.Rules...)
	}

	if len(src.Profiles) > 0 {
		dst.Profiles = append([]ProfileConfig{}, src.Profiles...)
	}
	for id, server := range src.Servers {
		if dst.Servers == nil {
			dst.Servers = map[string]ServerConfig{}
		}
		dst.Servers[id] = server
	}
}

func applyOverrides(cfg *Config, overrides Overrides) {
	if overrides.LogLevel != nil {
		cfg.LogLevel = *overrides.LogLevel
	}
	if overrides.LogFormat != nil {
		cfg.LogFormat = *overrides.LogFormat
	}
	if overrides.StateDir != nil {
		cfg.StateDir = *overrides.StateDir
	}
	if overrides.Region != nil {
		cfg.Region = *overrides.Region
	}
}

// ServerIDs returns the configured server ids in sorted order.
func (c Config) ServerIDs() []string {
	ids := make([]string, 0, len(c.Servers))
	for id := range c.Servers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// EnabledServerIDs returns the ids of servers that are not disabled.
func (c Config) EnabledServerIDs() []string {
	var ids []string
	for _, id := range c.ServerIDs() {
		if !c.Servers[id].Disabled {
			ids = append(ids, id)
		}
	}
	return ids
}

func (a AuthConfig) LoginTimeout() time.Duration {
	return seconds(a.LoginTimeoutSeconds)
}

func (a AuthConfig) RefreshWindow() time.Duration {
	return seconds(a.RefreshWindowSeconds)
}

// SilentRefreshEnabled defaults to true.
func (a AuthConfig) SilentRefreshEnabled() bool {
	return a.SilentRefresh == nil || *a.SilentRefresh
}

// OpenBrowserEnabled defaults to true.
func (a AuthConfig) OpenBrowserEnabled() bool {
	return a.OpenBrowser == nil || *a.OpenBrowser
}

func (s SupervisorConfig) RestartWindow() time.Duration    { return seconds(s.RestartWindowSeconds) }
func (s SupervisorConfig) HealthInterval() time.Duration   { return seconds(s.HealthIntervalSeconds) }
func (s SupervisorConfig) ProbeTimeout() time.Duration     { return seconds(s.ProbeTimeoutSeconds) }
func (s SupervisorConfig) HandshakeTimeout() time.Duration { return seconds(s.HandshakeTimeoutSeconds) }
func (s SupervisorConfig) ShutdownGrace() time.Duration    { return seconds(s.ShutdownGraceSeconds) }
func (s SupervisorConfig) DrainTimeout() time.Duration     { return seconds(s.DrainTimeoutSeconds) }

func (c ClientConfig) DefaultTimeout() time.Duration { return seconds(c.DefaultTimeoutSeconds) }

// Timeout returns the per-server call timeout, falling back to fallback.
func (s ServerConfig) Timeout(fallback time.Duration) time.Duration {
	if s.TimeoutSeconds > 0 {
		return seconds(s.TimeoutSeconds)
	}
	return fallback
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}
