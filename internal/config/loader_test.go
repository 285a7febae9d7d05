package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoad(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		env     map[string]string
		wantErr string
		checkFn func(t *testing.T, cfg *Config)
	}{
		{
			name: "minimal valid config",
			yaml: `
state:
  path: ./test.db
`,
			checkFn: func(t *testing.T, cfg *Config) {
				if cfg.State.Path != "./test.db" {
					t.Error("state.path not parsed")
				}
				if cfg.Service.LogLevel != "info" {
					t.Errorf("default log_level not applied, got %q", cfg.Service.LogLevel)
				}
				if cfg.Device.QueueSize != 256 {
					t.Errorf("default device.queue_size not applied, got %d", cfg.Device.QueueSize)
				}
				if cfg.Fingerprint == "" {
					t.Error("fingerprint not recorded")
				}
			},
		},
		{
			name: "api tokens and device rules",
			yaml: `
service:
  log_format: text
state:
  path: ./test.db
api:
  enabled: true
  listen: 127.0.0.1:9999
  keep_alive: 5s
  auth:
    tokens:
      - name: radio
        token: ${RADIO_TOKEN}
        permissions: [cmd_FD01, "cmd_10*"]
device:
  latency: 10ms
  rules:
    - on: {command: 0xFD, subcommand: 0x01}
      reply:
        - {command: 0xFD, subcommand: 0x81, data: "0a0b"}
        - {command: 0xFD, subcommand: 0x82, echo: true}
    - on: {command: 0x10, subcommand: 0x00}
      error: 3
`,
			env: map[string]string{"RADIO_TOKEN": "secret-1"},
			checkFn: func(t *testing.T, cfg *Config) {
				if !cfg.API.Enabled || cfg.API.Listen != "127.0.0.1:9999" {
					t.Errorf("api not parsed: %+v", cfg.API)
				}
				if cfg.API.KeepAlive != 5*time.Second {
					t.Errorf("keep_alive = %v, want 5s", cfg.API.KeepAlive)
				}
				if len(cfg.API.Auth.Tokens) != 1 || cfg.API.Auth.Tokens[0].Token != "secret-1" {
					t.Errorf("token not interpolated: %+v", cfg.API.Auth.Tokens)
				}
				if len(cfg.Device.Rules) != 2 {
					t.Fatalf("len(device.rules) = %d, want 2", len(cfg.Device.Rules))
				}
				payload, err := cfg.Device.Rules[0].Reply[0].Payload()
				if err != nil || len(payload) != 2 || payload[0] != 0x0a {
					t.Errorf("reply payload = %x, err = %v", payload, err)
				}
				if cfg.Device.Rules[1].Error == nil || *cfg.Device.Rules[1].Error != 3 {
					t.Error("rule error not parsed")
				}
				if cfg.Device.Latency != 10*time.Millisecond {
					t.Errorf("latency = %v", cfg.Device.Latency)
				}
			},
		},
		{
			name: "environment overrides",
			yaml: `
state:
  path: ./file.db
bridge:
  enabled: true
  subscribe:
    - {command: 1, subcommand: 2}
`,
			env: map[string]string{
				"CPUCOM_LOG_LEVEL":  "DEBUG",
				"CPUCOM_STATE_PATH": "/tmp/override.db",
				"CPUCOM_BRIDGE_URL": "nats://10.0.0.1:4222",
			},
			checkFn: func(t *testing.T, cfg *Config) {
				if cfg.Service.LogLevel != "debug" {
					t.Errorf("log_level = %q, want debug", cfg.Service.LogLevel)
				}
				if cfg.State.Path != "/tmp/override.db" {
					t.Errorf("state.path = %q", cfg.State.Path)
				}
				if cfg.Bridge.URL != "nats://10.0.0.1:4222" {
					t.Errorf("bridge.url = %q", cfg.Bridge.URL)
				}
			},
		},
		{
			name:    "unknown field",
			yaml:    "plugins_dir: ./plugins\n",
			wantErr: "failed to parse YAML",
		},
		{
			name:    "bad log level",
			yaml:    "service:\n  log_level: loud\n",
			wantErr: "service.log_level",
		},
		{
			name: "unresolved token",
			yaml: `
api:
  enabled: true
  auth:
    tokens:
      - {name: a, token: "${CPUCOM_TEST_UNSET_TOKEN}", permissions: ["*"]}
`,
			wantErr: "CPUCOM_TEST_UNSET_TOKEN",
		},
		{
			name: "token without permissions",
			yaml: `
api:
  enabled: true
  auth:
    tokens:
      - {name: a, token: t}
`,
			wantErr: "permissions must be non-empty",
		},
		{
			name: "rule out of range",
			yaml: `
device:
  rules:
    - on: {command: 300, subcommand: 0}
      error: 1
`,
			wantErr: "device.rules[0].on",
		},
		{
			name: "rule without effect",
			yaml: `
device:
  rules:
    - on: {command: 1, subcommand: 0}
`,
			wantErr: "reply or error is required",
		},
		{
			name: "bad reply data",
			yaml: `
device:
  rules:
    - on: {command: 1, subcommand: 0}
      reply:
        - {command: 1, subcommand: 1, data: "zz"}
`,
			wantErr: "decode reply data",
		},
		{
			name: "bridge subject prefix",
			yaml: `
bridge:
  enabled: true
  subject_prefix: "a.*"
`,
			wantErr: "bridge.subject_prefix",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			path := filepath.Join(t.TempDir(), "config.yaml")
			if err := os.WriteFile(path, []byte(tt.yaml), 0600); err != nil {
				t.Fatal(err)
			}

			cfg, err := Load(path)
			if tt.wantErr != "" {
				if err == nil {
					t.Fatalf("Load() succeeded, want error containing %q", tt.wantErr)
				}
				if !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("Load() error = %v, want it to contain %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Load() failed: %v", err)
			}
			if cfg.SourcePath != path {
				t.Errorf("SourcePath = %q, want %q", cfg.SourcePath, path)
			}
			if tt.checkFn != nil {
				tt.checkFn(t, cfg)
			}
		})
	}
}

func TestLoadDirectory(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("state:\n  path: ./x.db\n"), 0600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load(dir) failed: %v", err)
	}
	if cfg.State.Path != "./x.db" {
		t.Errorf("state.path = %q", cfg.State.Path)
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil || !strings.Contains(err.Error(), "config file not found") {
		t.Fatalf("expected not-found error, got %v", err)
	}
}

func TestParseEmptyUsesDefaults(t *testing.T) {
	cfg, err := Parse(nil)
	if err != nil {
		t.Fatalf("Parse(nil) failed: %v", err)
	}
	if cfg.Service.Name != "cpucomd" {
		t.Errorf("service.name = %q", cfg.Service.Name)
	}
}

func TestMarshalMasksTokens(t *testing.T) {
	cfg := Defaults()
	cfg.API.Auth.Tokens = []APIToken{{Name: "a", Token: "very-secret", Permissions: []string{"*"}}}

	out, err := Marshal(cfg)
	if err != nil {
		t.Fatalf("Marshal() failed: %v", err)
	}
	if strings.Contains(string(out), "very-secret") {
		t.Fatal("token leaked in marshalled config")
	}
	if cfg.API.Auth.Tokens[0].Token != "very-secret" {
		t.Fatal("Marshal mutated the original config")
	}
}
