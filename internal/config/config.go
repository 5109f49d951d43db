// Package config loads and persists lynxgo's app_config: bind address,
// data directory, recording switch, client proxy/egress mode, https
// capture filter defaults, and general settings.
//
// The three-function shape (Load/WriteDefault/validate) and yaml.v3
// tagging follow the conventional Go config-file shape: a struct of
// structs with yaml tags, defaults applied after parse.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ProxyMode selects how outbound traffic is routed for the proxy's own
// client_proxy_config.
type ProxyMode string

const (
	ProxyModeNone   ProxyMode = "none"
	ProxyModeSystem ProxyMode = "system"
	ProxyModeCustom ProxyMode = "custom"
)

// ProxyModeConfig is the shape shared by client_proxy_config.proxyRequests
// and client_proxy_config.apiDebug.
type ProxyModeConfig struct {
	Type ProxyMode `yaml:"type"`
	URL  string    `yaml:"url,omitempty"`
}

// ClientProxyConfig controls egress for proxied upstream calls and for the
// self-service api_debug executor independently.
type ClientProxyConfig struct {
	ProxyRequests ProxyModeConfig `yaml:"proxy_requests"`
	APIDebug      ProxyModeConfig `yaml:"api_debug"`
}

// HTTPSCaptureFilter mirrors capturefilter.Filter's persisted shape so
// `lynxgo config show` can display it without opening the filter's own
// file. `lynxgo run` does not read it: the running filter is loaded from
// capture_filter.yaml and its own defaults.
type HTTPSCaptureFilter struct {
	IncludeDomains []string `yaml:"include_domains"`
	ExcludeDomains []string `yaml:"exclude_domains"`
	Enabled        bool     `yaml:"enabled"`
}

// GeneralSetting holds the small scalar knobs grouped under
// general_setting.
type GeneralSetting struct {
	MaxLogSize  int    `yaml:"max_log_size"`
	ConnectType string `yaml:"connect_type"` // "http1" or "http2"; validated and stored, not applied to connections
	Language    string `yaml:"language"`
}

// ServerConfig is the proxy's own listen address. `lynxgo run` uses Port;
// Host is not used, the listener binds its own fixed set of interfaces.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Config is the full on-disk app_config. DataDir and RecordingStatus are
// validated and loaded but `lynxgo run` does not read them: the data
// directory comes from --data-dir, and capturefilter.Filter owns the
// recording switch (loaded from capture_filter.yaml, hot-reloadable).
type Config struct {
	Server             ServerConfig       `yaml:"server"`
	DataDir            string             `yaml:"data_dir"`
	RecordingStatus    string             `yaml:"recording_status"`
	ClientProxyConfig  ClientProxyConfig  `yaml:"client_proxy_config"`
	HTTPSCaptureFilter HTTPSCaptureFilter `yaml:"https_capture_filter"`
	GeneralSetting     GeneralSetting     `yaml:"general_setting"`
	LogLevel           string             `yaml:"log_level"`
}

// Load reads and parses config.yaml from the given path. If the file
// doesn't exist, returns defaults (not an error). Invalid YAML or
// validation failures return an error.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			applyDefaults(cfg)
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	applyDefaults(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}

	return cfg, nil
}

// WriteDefault writes a fully-populated default config.yaml with a
// comment header. Used by `lynxgo config generate` and by `lynxgo config
// edit` when no config file exists yet.
func WriteDefault(path string) error {
	cfg := &Config{}
	applyDefaults(cfg)

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling default config: %w", err)
	}

	header := `# lynxgo proxy configuration
#
# server:
#   port: listen port for the intercepting proxy
#   host: not used by 'lynxgo run'
# data_dir: not used by 'lynxgo run' (the data directory is --data-dir)
# recording_status: StartRecording or PauseRecording (not used by
#   'lynxgo run'; capture_filter.yaml in the data directory sets it)
#
# client_proxy_config:
#   proxy_requests/api_debug: egress mode — none, system, or custom (+url)
#
# https_capture_filter:
#   include_domains/exclude_domains/enabled — shown by 'config show';
#   not used by 'lynxgo run' (capture_filter.yaml in the data directory is)
#
# general_setting:
#   max_log_size, connect_type (http1/http2; stored, not applied), language
#
# log_level: slog level name

`
	return os.WriteFile(path, []byte(header+string(data)), 0o644)
}

// applyDefaults fills zero-valued fields with lynxgo's defaults. Called
// both after a successful parse (to backfill fields an older config file
// omits) and when no config file exists yet.
func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "127.0.0.1"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8899
	}
	if cfg.DataDir == "" {
		cfg.DataDir = defaultDataDir()
	}
	if cfg.RecordingStatus == "" {
		cfg.RecordingStatus = "StartRecording"
	}
	if cfg.ClientProxyConfig.ProxyRequests.Type == "" {
		cfg.ClientProxyConfig.ProxyRequests.Type = ProxyModeSystem
	}
	if cfg.ClientProxyConfig.APIDebug.Type == "" {
		cfg.ClientProxyConfig.APIDebug.Type = ProxyModeNone
	}
	if !cfg.HTTPSCaptureFilter.Enabled && cfg.HTTPSCaptureFilter.IncludeDomains == nil && cfg.HTTPSCaptureFilter.ExcludeDomains == nil {
		cfg.HTTPSCaptureFilter.Enabled = true
	}
	if cfg.GeneralSetting.MaxLogSize == 0 {
		cfg.GeneralSetting.MaxLogSize = 1000
	}
	if cfg.GeneralSetting.ConnectType == "" {
		cfg.GeneralSetting.ConnectType = "http2"
	}
	if cfg.GeneralSetting.Language == "" {
		cfg.GeneralSetting.Language = "en"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".lynxgo"
	}
	return home + string(os.PathSeparator) + ".lynxgo"
}

// validate rejects configs that would leave the proxy in an unusable
// state. Anything applyDefaults can backfill is not re-checked here.
func validate(cfg *Config) error {
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range (1-65535)", cfg.Server.Port)
	}
	if cfg.RecordingStatus != "StartRecording" && cfg.RecordingStatus != "PauseRecording" {
		return fmt.Errorf("recording_status %q must be StartRecording or PauseRecording", cfg.RecordingStatus)
	}
	for _, mode := range []ProxyMode{cfg.ClientProxyConfig.ProxyRequests.Type, cfg.ClientProxyConfig.APIDebug.Type} {
		switch mode {
		case ProxyModeNone, ProxyModeSystem, ProxyModeCustom:
		default:
			return fmt.Errorf("client_proxy_config mode %q is not one of none/system/custom", mode)
		}
	}
	if cfg.GeneralSetting.ConnectType != "http1" && cfg.GeneralSetting.ConnectType != "http2" {
		return fmt.Errorf("general_setting.connect_type %q must be http1 or http2", cfg.GeneralSetting.ConnectType)
	}
	return nil
}
