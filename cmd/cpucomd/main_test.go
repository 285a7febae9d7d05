package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/cpucom/internal/config"
	"github.com/mattjoyce/cpucom/internal/journal"
	"github.com/mattjoyce/cpucom/internal/lock"
	"github.com/mattjoyce/cpucom/internal/log"
	"github.com/mattjoyce/cpucom/internal/storage"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body = strings.ReplaceAll(body, "$DIR", dir)
	require.NoError(t, os.WriteFile(path, []byte(body), 0600))
	return path
}

const testConfig = `
service:
  log_level: error
  pid_file: $DIR/cpucomd.pid
state:
  path: $DIR/journal.db
api:
  enabled: true
  listen: 127.0.0.1:0
  auth:
    tokens:
      - {name: radio, token: secret-radio-token, permissions: ["cmd_FD*"]}
device:
  rules:
    - on: {command: 0xFD, subcommand: 0x01}
      reply:
        - {command: 0xFD, subcommand: 0x81, echo: true}
`

func TestRunCLI(t *testing.T) {
	tests := []struct {
		name     string
		args     []string
		wantCode int
		wantOut  string
		wantErr  string
	}{
		{name: "no args", args: nil, wantCode: 1, wantErr: "Usage:"},
		{name: "help", args: []string{"help"}, wantCode: 0, wantOut: "system start"},
		{name: "unknown", args: []string{"frobnicate"}, wantCode: 1, wantErr: "Unknown command: frobnicate"},
		{name: "version", args: []string{"version"}, wantCode: 0, wantOut: "cpucomd " + version},
		{name: "version json", args: []string{"version", "--json"}, wantCode: 0, wantOut: `"version"`},
		{name: "system help", args: []string{"system", "help"}, wantCode: 0, wantOut: "Actions: start"},
		{name: "unknown system action", args: []string{"system", "reboot"}, wantCode: 1, wantErr: "Unknown system action"},
		{name: "config without action", args: []string{"config"}, wantCode: 1, wantErr: "Actions: check, show"},
		{name: "bad flag", args: []string{"config", "check", "--nope"}, wantCode: 1, wantErr: "Flag error"},
		{name: "flag help", args: []string{"config", "check", "--help"}, wantCode: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var stdout, stderr bytes.Buffer
			code := runCLI(tt.args, &stdout, &stderr)
			assert.Equal(t, tt.wantCode, code)
			if tt.wantOut != "" {
				assert.Contains(t, stdout.String(), tt.wantOut)
			}
			if tt.wantErr != "" {
				assert.Contains(t, stderr.String(), tt.wantErr)
			}
		})
	}
}

func TestConfigCheck(t *testing.T) {
	path := writeConfig(t, testConfig)
	fingerprint, err := config.ComputeBlake3Hash(path)
	require.NoError(t, err)

	var stdout, stderr bytes.Buffer
	code := runCLI([]string{"config", "check", "--config", path}, &stdout, &stderr)
	require.Equal(t, 0, code, stderr.String())
	assert.Contains(t, stdout.String(), "fingerprint: "+fingerprint)

	stdout.Reset()
	code = runCLI([]string{"config", "check", "-c", path, "--expect", fingerprint}, &stdout, &stderr)
	assert.Equal(t, 0, code, stderr.String())

	stderr.Reset()
	code = runCLI([]string{"config", "check", "-c", path, "--expect", "deadbeef"}, &stdout, &stderr)
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr.String(), "hash mismatch")
}

func TestConfigCheckInvalid(t *testing.T) {
	path := writeConfig(t, "service:\n  log_level: loud\n")

	var stdout, stderr bytes.Buffer
	code := runCLI([]string{"config", "check", "-c", path}, &stdout, &stderr)
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr.String(), "service.log_level")
}

func TestConfigShowMasksTokens(t *testing.T) {
	path := writeConfig(t, testConfig)

	var stdout, stderr bytes.Buffer
	code := runCLI([]string{"config", "show", "-c", path}, &stdout, &stderr)
	require.Equal(t, 0, code, stderr.String())
	assert.Contains(t, stdout.String(), "radio")
	assert.NotContains(t, stdout.String(), "secret-radio-token")
}

func TestRunStopsOnCancel(t *testing.T) {
	path := writeConfig(t, testConfig)
	cfg, err := config.Load(path)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- run(ctx, cfg) }()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not stop")
	}

	// The PID lock is released on the way out.
	l, err := lock.AcquirePIDLock(cfg.Service.PIDFile)
	require.NoError(t, err)
	require.NoError(t, l.Release())
}

func TestConfigCheckDoctorErrors(t *testing.T) {
	path := writeConfig(t, `
state:
  path: $DIR/journal.db
bridge:
  enabled: true
  permissions: ["cmd_FD*"]
  subscribe:
    - {command: 0x10, subcommand: 0x00}
`)

	var stdout, stderr bytes.Buffer
	code := runCLI([]string{"config", "check", "-c", path}, &stdout, &stderr)
	assert.Equal(t, 1, code)
	assert.Contains(t, stdout.String(), "bridge.subscribe[0]")

	stdout.Reset()
	code = runCLI([]string{"config", "check", "-c", path, "--json"}, &stdout, &stderr)
	assert.Equal(t, 1, code)
	assert.Contains(t, stdout.String(), `"valid": false`)
}

func TestJournalInspect(t *testing.T) {
	path := writeConfig(t, testConfig)
	cfg, err := config.Load(path)
	require.NoError(t, err)

	db, err := storage.OpenSQLite(context.Background(), cfg.State.Path)
	require.NoError(t, err)
	jr := journal.New(db, log.Discard())
	jr.SessionOpened("radio", 4)
	jr.SessionClosed("radio", 4, "disconnected")
	require.NoError(t, db.Close())

	var stdout, stderr bytes.Buffer
	code := runCLI([]string{"journal", "inspect", "radio", "-c", path}, &stdout, &stderr)
	require.Equal(t, 0, code, stderr.String())
	assert.Contains(t, stdout.String(), "[1] handle 4")
	assert.Contains(t, stdout.String(), "disconnected")

	stdout.Reset()
	code = runCLI([]string{"journal", "inspect", "radio", "-c", path, "--json"}, &stdout, &stderr)
	require.Equal(t, 0, code, stderr.String())
	assert.Contains(t, stdout.String(), `"caller": "radio"`)

	stderr.Reset()
	code = runCLI([]string{"journal", "inspect", "ghost", "-c", path}, &stdout, &stderr)
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr.String(), "no journal entries")

	code = runCLI([]string{"journal", "inspect", "-c", path}, &stdout, &stderr)
	assert.Equal(t, 1, code)
}
