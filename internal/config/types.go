package config

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/mattjoyce/cpucom/internal/command"
)

// Config represents the complete cpucomd configuration.
type Config struct {
	Service ServiceConfig `yaml:"service"`
	State   StateConfig   `yaml:"state"`
	API     APIConfig     `yaml:"api,omitempty"`
	Device  DeviceConfig  `yaml:"device"`
	Bridge  BridgeConfig  `yaml:"bridge,omitempty"`

	// SourcePath and Fingerprint describe the file the config was loaded from.
	SourcePath  string `yaml:"-"`
	Fingerprint string `yaml:"-"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name      string `yaml:"name"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
	PIDFile   string `yaml:"pid_file"`
}

// StateConfig defines where the journal lives.
type StateConfig struct {
	Path string `yaml:"path"`
}

// APIConfig defines HTTP caller surface settings.
type APIConfig struct {
	Enabled bool          `yaml:"enabled"`
	Listen  string        `yaml:"listen"`
	Auth    APIAuthConfig `yaml:"auth"`

	// StreamBuffer is the number of events an SSE stream may hold before
	// deliveries to it start failing.
	StreamBuffer int           `yaml:"stream_buffer"`
	KeepAlive    time.Duration `yaml:"keep_alive"`
}

// APIAuthConfig lists the bearer tokens accepted by the API.
type APIAuthConfig struct {
	Tokens []APIToken `yaml:"tokens,omitempty"`
}

// APIToken is a bearer token and the command permissions it grants, e.g.
// "cmd_FD01", "cmd_FD*" or "*".
type APIToken struct {
	Name        string   `yaml:"name"`
	Token       string   `yaml:"token"`
	Permissions []string `yaml:"permissions"`
}

// DeviceConfig configures the emulated device behind the channel.
type DeviceConfig struct {
	Name string `yaml:"name"`
	// Latency delays every reply and error the device produces.
	Latency time.Duration `yaml:"latency,omitempty"`
	// QueueSize bounds each session's inbound delivery queue.
	QueueSize int          `yaml:"queue_size"`
	Rules     []RuleConfig `yaml:"rules,omitempty"`
}

// RuleConfig tells the emulated device how to answer a command.
type RuleConfig struct {
	On    CommandRef    `yaml:"on"`
	Reply []ReplyConfig `yaml:"reply,omitempty"`
	Error *int          `yaml:"error,omitempty"`
}

// CommandRef names a key in configuration.
type CommandRef struct {
	Command    int `yaml:"command"`
	Subcommand int `yaml:"subcommand"`
}

// Raw returns the boundary form of the reference.
func (c CommandRef) Raw() command.Raw {
	return command.Raw{Command: c.Command, Subcommand: c.Subcommand}
}

// Key returns the validated key.
func (c CommandRef) Key() (command.Key, error) {
	return c.Raw().Key()
}

// ReplyConfig is one command the device emits in answer to a rule.
type ReplyConfig struct {
	Command    int `yaml:"command"`
	Subcommand int `yaml:"subcommand"`
	// Data is a hex payload. Echo copies the request payload instead.
	Data string `yaml:"data,omitempty"`
	Echo bool   `yaml:"echo,omitempty"`
}

// Payload decodes Data.
func (r ReplyConfig) Payload() ([]byte, error) {
	if r.Data == "" {
		return nil, nil
	}
	b, err := hex.DecodeString(r.Data)
	if err != nil {
		return nil, fmt.Errorf("decode reply data: %w", err)
	}
	return b, nil
}

// BridgeConfig configures the NATS tap.
type BridgeConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
	// Caller is the caller ID the bridge registers under.
	Caller string `yaml:"caller"`
	// SubjectPrefix prefixes every subject the bridge publishes to or
	// listens on.
	SubjectPrefix string       `yaml:"subject_prefix"`
	Subscribe     []CommandRef `yaml:"subscribe,omitempty"`
	// Permissions gate the bridge's configured subscriptions and the commands
	// arriving on the send subject.
	Permissions []string `yaml:"permissions,omitempty"`
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:      "cpucomd",
			LogLevel:  "info",
			LogFormat: "json",
			PIDFile:   "./data/cpucomd.pid",
		},
		State: StateConfig{
			Path: "./data/journal.db",
		},
		API: APIConfig{
			Enabled:      false,
			Listen:       "127.0.0.1:8480",
			StreamBuffer: 64,
			KeepAlive:    15 * time.Second,
		},
		Device: DeviceConfig{
			Name:      "emulator",
			QueueSize: 256,
		},
		Bridge: BridgeConfig{
			Enabled:       false,
			URL:           "nats://127.0.0.1:4222",
			Caller:        "nats-bridge",
			SubjectPrefix: "cpucom",
		},
	}
}
