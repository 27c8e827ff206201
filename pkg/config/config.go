package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// FileName is the config file looked up when no path is given.
const FileName = "blah.yaml"

const (
	defaultName           = "blah"
	defaultVersion        = "v0.1.0"
	defaultLogLevel       = "info"
	defaultFetchTimeout   = 10 * time.Second
	defaultDiscovery      = 10 * time.Second
	defaultInvocation     = 30 * time.Second
	defaultListTimeout    = 10 * time.Second
	defaultRefresh        = 5 * time.Minute
	defaultBridgeURL      = "http://127.0.0.1:8931/{provider}/sse"
	defaultMaxOutputBytes = 256 * 1024
	defaultConcurrency    = 4
	defaultSlopWorkers    = 8
)

var defaultLaunchers = []string{"npx", "uvx", "bunx", "pipx", "pnpm dlx", "yarn dlx", "mcp-server"}

type BlahConfig struct {
	Server   ServerConfig   `yaml:"server"`
	Manifest ManifestConfig `yaml:"manifest"`
	Timeouts TimeoutsConfig `yaml:"timeouts"`
	Local    LocalConfig    `yaml:"local"`
	Slop     SlopConfig     `yaml:"slop"`
	Dispatch DispatchConfig `yaml:"dispatch"`
	Policy   PolicyConfig   `yaml:"policy"`
}

type Config = BlahConfig

type ServerConfig struct {
	Name     string `yaml:"name"`
	Version  string `yaml:"version"`
	LogLevel string `yaml:"log_level"`
	SafeMode bool   `yaml:"safe_mode"`
}

// ManifestConfig selects the manifest served when none is passed on the
// command line. Ref is a path or URL. Refresh is how long tools read from
// a remote manifest are cached.
type ManifestConfig struct {
	Ref     string        `yaml:"ref"`
	Watch   bool          `yaml:"watch"`
	Refresh time.Duration `yaml:"refresh"`
}

type TimeoutsConfig struct {
	Fetch      time.Duration `yaml:"fetch"`
	Discovery  time.Duration `yaml:"discovery"`
	Invocation time.Duration `yaml:"invocation"`
	List       time.Duration `yaml:"list"`
}

type LocalConfig struct {
	Launchers      []string `yaml:"launchers"`
	BridgeURL      string   `yaml:"bridge_url"`
	MaxOutputBytes int      `yaml:"max_output_bytes"`
	Concurrency    int      `yaml:"concurrency"`
}

type SlopConfig struct {
	Concurrency int `yaml:"concurrency"`
}

type DispatchConfig struct {
	// ComputeURL overrides the host that calls against a remote manifest
	// are forwarded to.
	ComputeURL string `yaml:"compute_url"`
}

type PolicyConfig struct {
	AllowSources []string `yaml:"allow_sources"`
	DenySources  []string `yaml:"deny_sources"`
	AllowTools   []string `yaml:"allow_tools"`
	DenyTools    []string `yaml:"deny_tools"`
	ConfirmTools []string `yaml:"confirm_tools"`
}

func DefaultConfig() *BlahConfig {
	return &BlahConfig{
		Server: ServerConfig{
			Name:     defaultName,
			Version:  defaultVersion,
			LogLevel: defaultLogLevel,
		},
		Manifest: ManifestConfig{Watch: true, Refresh: defaultRefresh},
		Timeouts: TimeoutsConfig{
			Fetch:      defaultFetchTimeout,
			Discovery:  defaultDiscovery,
			Invocation: defaultInvocation,
			List:       defaultListTimeout,
		},
		Local: LocalConfig{
			Launchers:      append([]string{}, defaultLaunchers...),
			BridgeURL:      defaultBridgeURL,
			MaxOutputBytes: defaultMaxOutputBytes,
			Concurrency:    defaultConcurrency,
		},
		Slop: SlopConfig{Concurrency: defaultSlopWorkers},
	}
}

func LoadConfig(path string) (*BlahConfig, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return cfg, err
	}

	applyDefaults(cfg)
	return cfg, nil
}

func applyDefaults(cfg *BlahConfig) {
	if cfg.Server.Name == "" {
		cfg.Server.Name = defaultName
	}
	if cfg.Server.Version == "" {
		cfg.Server.Version = defaultVersion
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = defaultLogLevel
	}
	if cfg.Manifest.Refresh <= 0 {
		cfg.Manifest.Refresh = defaultRefresh
	}
	if cfg.Timeouts.Fetch <= 0 {
		cfg.Timeouts.Fetch = defaultFetchTimeout
	}
	if cfg.Timeouts.Discovery <= 0 {
		cfg.Timeouts.Discovery = defaultDiscovery
	}
	if cfg.Timeouts.Invocation <= 0 {
		cfg.Timeouts.Invocation = defaultInvocation
	}
	if cfg.Timeouts.List <= 0 {
		cfg.Timeouts.List = defaultListTimeout
	}
	if len(cfg.Local.Launchers) == 0 {
		cfg.Local.Launchers = append([]string{}, defaultLaunchers...)
	}
	if cfg.Local.BridgeURL == "" {
		cfg.Local.BridgeURL = defaultBridgeURL
	}
	if cfg.Local.MaxOutputBytes <= 0 {
		cfg.Local.MaxOutputBytes = defaultMaxOutputBytes
	}
	if cfg.Local.Concurrency <= 0 {
		cfg.Local.Concurrency = defaultConcurrency
	}
	if cfg.Slop.Concurrency <= 0 {
		cfg.Slop.Concurrency = defaultSlopWorkers
	}
}
