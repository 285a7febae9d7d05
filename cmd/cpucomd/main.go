package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime/debug"
	"strings"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/mattjoyce/cpucom/internal/api"
	"github.com/mattjoyce/cpucom/internal/auth"
	"github.com/mattjoyce/cpucom/internal/bridge"
	"github.com/mattjoyce/cpucom/internal/config"
	"github.com/mattjoyce/cpucom/internal/device"
	"github.com/mattjoyce/cpucom/internal/dispatch"
	"github.com/mattjoyce/cpucom/internal/doctor"
	"github.com/mattjoyce/cpucom/internal/events"
	"github.com/mattjoyce/cpucom/internal/inspect"
	"github.com/mattjoyce/cpucom/internal/journal"
	"github.com/mattjoyce/cpucom/internal/lifecycle"
	"github.com/mattjoyce/cpucom/internal/lock"
	"github.com/mattjoyce/cpucom/internal/log"
	"github.com/mattjoyce/cpucom/internal/service"
	"github.com/mattjoyce/cpucom/internal/session"
	"github.com/mattjoyce/cpucom/internal/storage"
)

var (
	version   = "0.1.0-dev"
	gitCommit = "unknown"
)

const defaultConfigPath = "config.yaml"

func main() {
	os.Exit(runCLI(os.Args[1:], os.Stdout, os.Stderr))
}

func runCLI(cliArgs []string, stdout, stderr io.Writer) int {
	if len(cliArgs) < 1 {
		printUsage(stderr)
		return 1
	}

	cmd := cliArgs[0]
	args := cliArgs[1:]

	switch cmd {
	// --- NOUNS ---
	case "system":
		return runSystemNoun(args, stdout, stderr)
	case "config":
		return runConfigNoun(args, stdout, stderr)
	case "journal":
		return runJournalNoun(args, stdout, stderr)

	// --- ROOT ALIASES ---
	case "start":
		return runStart(args, stderr)
	case "version", "--version":
		return runVersion(args, stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0

	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n\n", cmd)
		printUsage(stderr)
		return 1
	}
}

func printUsage(w io.Writer) {
	fmt.Fprint(w, `cpucomd - command channel multiplexer

Usage:
  cpucomd <noun> <action> [flags]

System Commands:
  system start      Start the multiplexer in foreground

Config Commands:
  config check      Validate configuration and print its fingerprint
  config show       Print the effective configuration with secrets masked

Journal Commands:
  journal inspect <caller>  Show a caller's sessions and rejected commands

General:
  version           Show version information
  help              Show this help message
`)
}

func isHelpToken(token string) bool {
	return token == "help" || token == "--help" || token == "-h"
}

// --- NOUN DISPATCHERS ---

func runSystemNoun(args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		fmt.Fprintln(stderr, "Usage: cpucomd system <action>")
		fmt.Fprintln(stderr, "Actions: start")
		return 1
	}
	if isHelpToken(args[0]) {
		fmt.Fprintln(stdout, "Usage: cpucomd system <action>")
		fmt.Fprintln(stdout, "Actions: start")
		return 0
	}

	switch args[0] {
	case "start":
		return runStart(args[1:], stderr)
	default:
		fmt.Fprintf(stderr, "Unknown system action: %s\n", args[0])
		return 1
	}
}

func runConfigNoun(args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		fmt.Fprintln(stderr, "Usage: cpucomd config <action>")
		fmt.Fprintln(stderr, "Actions: check, show")
		return 1
	}
	if isHelpToken(args[0]) {
		fmt.Fprintln(stdout, "Usage: cpucomd config <action>")
		fmt.Fprintln(stdout, "Actions: check, show")
		return 0
	}

	switch args[0] {
	case "check":
		return runConfigCheck(args[1:], stdout, stderr)
	case "show":
		return runConfigShow(args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "Unknown config action: %s\n", args[0])
		return 1
	}
}

func runJournalNoun(args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		fmt.Fprintln(stderr, "Usage: cpucomd journal <action>")
		fmt.Fprintln(stderr, "Actions: inspect")
		return 1
	}
	if isHelpToken(args[0]) {
		fmt.Fprintln(stdout, "Usage: cpucomd journal <action>")
		fmt.Fprintln(stdout, "Actions: inspect")
		return 0
	}

	switch args[0] {
	case "inspect":
		return runJournalInspect(args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "Unknown journal action: %s\n", args[0])
		return 1
	}
}

// parseFlags parses fs and reports whether the caller should continue. code
// is the exit code when it should not.
func parseFlags(fs *pflag.FlagSet, args []string, stderr io.Writer) (ok bool, code int) {
	fs.SetOutput(stderr)
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return false, 0
		}
		fmt.Fprintf(stderr, "Flag error: %v\n", err)
		return false, 1
	}
	return true, 0
}

// --- ACTIONS ---

type versionInfo struct {
	Version string `json:"version"`
	Commit  string `json:"commit"`
}

func runVersion(args []string, stdout, stderr io.Writer) int {
	fs := pflag.NewFlagSet("version", pflag.ContinueOnError)
	jsonOut := fs.Bool("json", false, "Output version metadata as JSON")
	if ok, code := parseFlags(fs, args, stderr); !ok {
		return code
	}

	info := versionInfo{Version: version, Commit: resolveCommit()}
	if *jsonOut {
		data, err := json.MarshalIndent(info, "", "  ")
		if err != nil {
			fmt.Fprintf(stderr, "Failed to render version JSON: %v\n", err)
			return 1
		}
		fmt.Fprintln(stdout, string(data))
		return 0
	}
	fmt.Fprintf(stdout, "cpucomd %s\n", info.Version)
	fmt.Fprintf(stdout, "commit: %s\n", info.Commit)
	return 0
}

func resolveCommit() string {
	commit := strings.TrimSpace(gitCommit)
	if commit == "" || commit == "unknown" {
		if info, ok := debug.ReadBuildInfo(); ok {
			for _, s := range info.Settings {
				if s.Key == "vcs.revision" {
					commit = s.Value
				}
			}
		}
	}
	if commit == "" {
		return "unknown"
	}
	if len(commit) > 12 {
		return commit[:12]
	}
	return commit
}

func runConfigCheck(args []string, stdout, stderr io.Writer) int {
	fs := pflag.NewFlagSet("check", pflag.ContinueOnError)
	configPath := fs.StringP("config", "c", defaultConfigPath, "Path to configuration file or directory")
	expect := fs.String("expect", "", "Fail unless the file's BLAKE3 fingerprint matches")
	jsonOut := fs.Bool("json", false, "Output the doctor report as JSON")
	if ok, code := parseFlags(fs, args, stderr); !ok {
		return code
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "Config invalid: %v\n", err)
		return 1
	}
	if *expect != "" {
		if err := config.VerifyFileHash(cfg.SourcePath, *expect); err != nil {
			fmt.Fprintf(stderr, "Integrity check failed: %v\n", err)
			return 1
		}
	}

	result := doctor.New(cfg).Validate()
	if *jsonOut {
		out, err := doctor.FormatJSON(result)
		if err != nil {
			fmt.Fprintf(stderr, "Failed to render report: %v\n", err)
			return 1
		}
		fmt.Fprintln(stdout, out)
	} else {
		fmt.Fprintf(stdout, "%s: %s", cfg.SourcePath, doctor.FormatHuman(result))
		fmt.Fprintf(stdout, "fingerprint: %s\n", cfg.Fingerprint)
	}
	if !result.Valid {
		return 1
	}
	return 0
}

func runConfigShow(args []string, stdout, stderr io.Writer) int {
	fs := pflag.NewFlagSet("show", pflag.ContinueOnError)
	configPath := fs.StringP("config", "c", defaultConfigPath, "Path to configuration file or directory")
	if ok, code := parseFlags(fs, args, stderr); !ok {
		return code
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "Failed to load config: %v\n", err)
		return 1
	}
	out, err := config.Marshal(cfg)
	if err != nil {
		fmt.Fprintf(stderr, "Failed to render config: %v\n", err)
		return 1
	}
	_, _ = stdout.Write(out)
	return 0
}

func runJournalInspect(args []string, stdout, stderr io.Writer) int {
	fs := pflag.NewFlagSet("inspect", pflag.ContinueOnError)
	configPath := fs.StringP("config", "c", defaultConfigPath, "Path to configuration file or directory")
	jsonOut := fs.Bool("json", false, "Output the report as JSON")
	limit := fs.Int("limit", 1000, "Maximum journal entries to read")
	if ok, code := parseFlags(fs, args, stderr); !ok {
		return code
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(stderr, "Usage: cpucomd journal inspect <caller> [--json] [--limit N]")
		return 1
	}
	caller := fs.Arg(0)

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "Failed to load config: %v\n", err)
		return 1
	}

	ctx := context.Background()
	db, err := storage.OpenSQLite(ctx, cfg.State.Path)
	if err != nil {
		fmt.Fprintf(stderr, "Failed to open journal: %v\n", err)
		return 1
	}
	defer db.Close()
	jr := journal.New(db, log.Discard())

	if *jsonOut {
		out, err := inspect.BuildJSONReport(ctx, jr, caller, *limit)
		if err != nil {
			fmt.Fprintf(stderr, "Inspect failed: %v\n", err)
			return 1
		}
		fmt.Fprintln(stdout, string(out))
		return 0
	}
	out, err := inspect.BuildReport(ctx, jr, caller, *limit)
	if err != nil {
		fmt.Fprintf(stderr, "Inspect failed: %v\n", err)
		return 1
	}
	fmt.Fprint(stdout, out)
	return 0
}

func runStart(args []string, stderr io.Writer) int {
	fs := pflag.NewFlagSet("start", pflag.ContinueOnError)
	configPath := fs.StringP("config", "c", defaultConfigPath, "Path to configuration file or directory")
	if ok, code := parseFlags(fs, args, stderr); !ok {
		return code
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "Failed to load config: %v\n", err)
		return 1
	}

	log.Setup(cfg.Service.LogLevel, cfg.Service.LogFormat)
	logger := log.WithComponent("main")
	logger.Info("cpucomd starting",
		"version", version,
		"config", cfg.SourcePath,
		"fingerprint", cfg.Fingerprint,
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("cpucomd failed", "error", err)
		return 1
	}
	logger.Info("cpucomd stopped")
	return 0
}

// run wires every component from cfg and blocks until ctx is done or a
// component fails.
func run(ctx context.Context, cfg *config.Config) error {
	logger := log.WithComponent("main")

	pidLock, err := lock.AcquirePIDLock(cfg.Service.PIDFile)
	if err != nil {
		return fmt.Errorf("acquire PID lock (another instance may be running): %w", err)
	}
	defer func() { _ = pidLock.Release() }()
	logger.Info("acquired PID lock", "path", cfg.Service.PIDFile)

	db, err := storage.OpenSQLite(ctx, cfg.State.Path)
	if err != nil {
		return fmt.Errorf("open journal database: %w", err)
	}
	defer db.Close()
	jr := journal.New(db, log.WithComponent("journal"))
	jw := journal.NewWriter(jr, 0, log.WithComponent("journal"))
	// Deferred after db.Close, so queued entries are written first.
	defer jw.Close()
	logger.Info("journal opened", "path", cfg.State.Path)
	hub := events.NewHub(256)

	dev, err := device.NewEmulator(cfg.Device, log.WithComponent("device"))
	if err != nil {
		return fmt.Errorf("build device: %w", err)
	}
	defer dev.Shutdown()
	logger.Info("device ready", "device", cfg.Device.Name, "rules", len(cfg.Device.Rules))

	monitor := lifecycle.NewMonitor(nil, log.WithComponent("lifecycle"))
	reg, err := session.New(dev, monitor, session.Recorders{jw, hub}, log.WithComponent("session"))
	if err != nil {
		return fmt.Errorf("open session registry: %w", err)
	}
	disp := dispatch.New(reg, log.WithComponent("dispatch"))
	monitor.SetHandler(disp.Destroy)

	svc := service.New(disp, auth.NewGate(nil, log.WithComponent("auth")), service.Auditors{jw, hub}, log.WithComponent("service"))

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 3)
	dispDone := make(chan struct{})
	go func() {
		defer close(dispDone)
		if err := disp.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- fmt.Errorf("dispatcher: %w", err)
		}
	}()

	if cfg.API.Enabled {
		tokens := make([]auth.TokenConfig, 0, len(cfg.API.Auth.Tokens))
		for _, t := range cfg.API.Auth.Tokens {
			tokens = append(tokens, auth.TokenConfig{Name: t.Name, Token: t.Token, Permissions: t.Permissions})
		}
		apiServer := api.New(api.Config{
			Listen:       cfg.API.Listen,
			Tokens:       tokens,
			StreamBuffer: cfg.API.StreamBuffer,
			KeepAlive:    cfg.API.KeepAlive,
		}, svc, disp, jr, hub, log.WithComponent("api"))
		go func() {
			if err := apiServer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("api: %w", err)
			}
		}()
		logger.Info("API server enabled", "listen", cfg.API.Listen)
	}

	if cfg.Bridge.Enabled {
		br := bridge.New(cfg.Bridge, svc, log.WithCaller(cfg.Bridge.Caller).With("component", "bridge"))
		go func() {
			if err := br.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("bridge: %w", err)
			}
		}()
		logger.Info("NATS bridge enabled", "url", cfg.Bridge.URL, "prefix", cfg.Bridge.SubjectPrefix)
	}

	logger.Info("cpucomd running (press Ctrl+C to stop)")

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("received shutdown signal")
		runErr = ctx.Err()
	case runErr = <-errCh:
		logger.Error("component failed", "error", runErr)
	}
	cancel()
	// The dispatcher closes every session on the way out.
	<-dispDone
	return runErr
}
