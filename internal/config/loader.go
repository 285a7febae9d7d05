package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override, e.g. CPUCOM_LOG_LEVEL.
const EnvPrefix = "cpucom"

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// envOverrides are applied after the file is parsed. Unset fields leave the
// file's values alone.
type envOverrides struct {
	LogLevel  string `envconfig:"LOG_LEVEL"`
	LogFormat string `envconfig:"LOG_FORMAT"`
	APIListen string `envconfig:"API_LISTEN"`
	StatePath string `envconfig:"STATE_PATH"`
	BridgeURL string `envconfig:"BRIDGE_URL"`
}

// Load reads, interpolates, overrides, and validates the configuration file.
func Load(configPath string) (*Config, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return nil, fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}
	if info.IsDir() {
		absPath = filepath.Join(absPath, "config.yaml")
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", absPath, err)
	}
	cfg.SourcePath = absPath
	return cfg, nil
}

// Parse builds a Config from YAML bytes, starting from Defaults.
func Parse(data []byte) (*Config, error) {
	cfg := Defaults()

	interpolated := interpolateEnv(string(data))
	dec := yaml.NewDecoder(strings.NewReader(interpolated))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	cfg.Fingerprint = Fingerprint(data)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) error {
	var o envOverrides
	if err := envconfig.Process(EnvPrefix, &o); err != nil {
		return fmt.Errorf("read environment overrides: %w", err)
	}
	if o.LogLevel != "" {
		cfg.Service.LogLevel = strings.ToLower(o.LogLevel)
	}
	if o.LogFormat != "" {
		cfg.Service.LogFormat = strings.ToLower(o.LogFormat)
	}
	if o.APIListen != "" {
		cfg.API.Listen = o.APIListen
	}
	if o.StatePath != "" {
		cfg.State.Path = o.StatePath
	}
	if o.BridgeURL != "" {
		cfg.Bridge.URL = o.BridgeURL
	}
	return nil
}

// interpolateEnv replaces ${VAR} with environment variable values.
// Unknown variables are left in place and rejected by validate where it matters.
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match
	})
}

// validate performs basic validation on the configuration.
func validate(cfg *Config) error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[cfg.Service.LogLevel] {
		return fmt.Errorf("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}
	if cfg.Service.LogFormat != "json" && cfg.Service.LogFormat != "text" {
		return fmt.Errorf("service.log_format must be json or text (got %q)", cfg.Service.LogFormat)
	}

	if cfg.State.Path == "" {
		return fmt.Errorf("state.path is required")
	}

	if err := validateAPI(&cfg.API); err != nil {
		return err
	}
	if err := validateDevice(&cfg.Device); err != nil {
		return err
	}
	return validateBridge(&cfg.Bridge)
}

func validateAPI(api *APIConfig) error {
	if !api.Enabled {
		return nil
	}
	if api.Listen == "" {
		return fmt.Errorf("api.listen is required when api is enabled")
	}
	if api.StreamBuffer <= 0 {
		return fmt.Errorf("api.stream_buffer must be positive")
	}
	if api.KeepAlive <= 0 {
		return fmt.Errorf("api.keep_alive must be positive")
	}

	seen := make(map[string]bool)
	for i, tok := range api.Auth.Tokens {
		if tok.Name == "" {
			return fmt.Errorf("api.auth.tokens[%d].name is required", i)
		}
		if tok.Token == "" {
			return fmt.Errorf("api.auth.tokens[%d].token is required", i)
		}
		if envVarPattern.MatchString(tok.Token) {
			matches := envVarPattern.FindStringSubmatch(tok.Token)
			return fmt.Errorf("api.auth.tokens[%d].token: environment variable ${%s} is not set", i, matches[1])
		}
		if len(tok.Permissions) == 0 {
			return fmt.Errorf("api.auth.tokens[%d].permissions must be non-empty", i)
		}
		if seen[tok.Token] {
			return fmt.Errorf("api.auth.tokens[%d] (%s): duplicate token", i, tok.Name)
		}
		seen[tok.Token] = true
	}
	return nil
}

func validateDevice(dev *DeviceConfig) error {
	if dev.QueueSize <= 0 {
		return fmt.Errorf("device.queue_size must be positive")
	}
	if dev.Latency < 0 {
		return fmt.Errorf("device.latency must not be negative")
	}
	seen := make(map[CommandRef]bool)
	for i, rule := range dev.Rules {
		if _, err := rule.On.Key(); err != nil {
			return fmt.Errorf("device.rules[%d].on: %w", i, err)
		}
		if seen[rule.On] {
			return fmt.Errorf("device.rules[%d].on: duplicate rule for command %d/%d", i, rule.On.Command, rule.On.Subcommand)
		}
		seen[rule.On] = true
		if len(rule.Reply) == 0 && rule.Error == nil {
			return fmt.Errorf("device.rules[%d]: reply or error is required", i)
		}
		for j, reply := range rule.Reply {
			ref := CommandRef{Command: reply.Command, Subcommand: reply.Subcommand}
			if _, err := ref.Key(); err != nil {
				return fmt.Errorf("device.rules[%d].reply[%d]: %w", i, j, err)
			}
			if _, err := reply.Payload(); err != nil {
				return fmt.Errorf("device.rules[%d].reply[%d]: %w", i, j, err)
			}
			if reply.Echo && reply.Data != "" {
				return fmt.Errorf("device.rules[%d].reply[%d]: data and echo are mutually exclusive", i, j)
			}
		}
	}
	return nil
}

func validateBridge(b *BridgeConfig) error {
	if !b.Enabled {
		return nil
	}
	if b.URL == "" {
		return fmt.Errorf("bridge.url is required when bridge is enabled")
	}
	if b.Caller == "" {
		return fmt.Errorf("bridge.caller is required when bridge is enabled")
	}
	if b.SubjectPrefix == "" || strings.ContainsAny(b.SubjectPrefix, " *>") {
		return fmt.Errorf("bridge.subject_prefix must be a plain subject token (got %q)", b.SubjectPrefix)
	}
	for i, ref := range b.Subscribe {
		if _, err := ref.Key(); err != nil {
			return fmt.Errorf("bridge.subscribe[%d]: %w", i, err)
		}
	}
	return nil
}

// Marshal renders cfg back to YAML with secrets masked, for `config show`.
func Marshal(cfg *Config) ([]byte, error) {
	masked := *cfg
	masked.API.Auth.Tokens = make([]APIToken, len(cfg.API.Auth.Tokens))
	for i, tok := range cfg.API.Auth.Tokens {
		tok.Token = "********"
		masked.API.Auth.Tokens[i] = tok
	}

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(&masked); err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return buf.Bytes(), nil
}
