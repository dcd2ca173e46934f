package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"strings"
	"syscall"
	"time"

	"github.com/mattjoyce/crmq/internal/api"
	"github.com/mattjoyce/crmq/internal/artifact"
	"github.com/mattjoyce/crmq/internal/auth"
	"github.com/mattjoyce/crmq/internal/config"
	"github.com/mattjoyce/crmq/internal/crm/browser"
	"github.com/mattjoyce/crmq/internal/crm/oauthrest"
	"github.com/mattjoyce/crmq/internal/crm/restapi"
	"github.com/mattjoyce/crmq/internal/dispatch"
	"github.com/mattjoyce/crmq/internal/events"
	"github.com/mattjoyce/crmq/internal/lock"
	"github.com/mattjoyce/crmq/internal/log"
	"github.com/mattjoyce/crmq/internal/poller"
	"github.com/mattjoyce/crmq/internal/queue"
	"github.com/mattjoyce/crmq/internal/storage"
)

var (
	version   = "0.1.0-dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

// envConfigPath names the environment variable consulted when --config is absent.
const envConfigPath = "CRMQ_CONFIG"

func main() {
	os.Exit(runCLI(os.Args[1:]))
}

func runCLI(cliArgs []string) int {
	if len(cliArgs) < 1 {
		printUsage()
		return 1
	}

	cmd := cliArgs[0]
	args := cliArgs[1:]

	switch cmd {
	case "system":
		return runSystemNoun(args)
	case "config":
		return runConfigNoun(args)
	case "job":
		return runJobNoun(args)
	case "connection":
		return runConnectionNoun(args)
	case "start":
		return runStart(args)
	case "version", "--version":
		return runVersion(args)
	case "help", "--help", "-h":
		printUsage()
		return 0
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		return 1
	}
}

type versionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
}

func runVersion(args []string) int {
	fs := flag.NewFlagSet("version", flag.ContinueOnError)
	jsonOut := fs.Bool("json", false, "Output version metadata as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(os.Stderr, "Usage: crmq version [--json]")
		return 1
	}

	info := currentVersionInfo()
	if *jsonOut {
		data, err := json.MarshalIndent(info, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render version JSON: %v\n", err)
			return 1
		}
		fmt.Println(string(data))
		return 0
	}

	fmt.Printf("crmq %s\n", info.Version)
	fmt.Printf("commit: %s\n", info.Commit)
	fmt.Printf("built_at: %s\n", info.BuildTime)
	return 0
}

func currentVersionInfo() versionInfo {
	info := versionInfo{
		Version:   strings.TrimSpace(version),
		Commit:    "unknown",
		BuildTime: "unknown",
	}
	if info.Version == "" {
		info.Version = "0.0.0-dev"
	}

	commit := strings.TrimSpace(gitCommit)
	if commit == "" || commit == "unknown" {
		commit = strings.TrimSpace(readBuildSetting("vcs.revision"))
	}
	if commit != "" {
		info.Commit = shortenCommit(commit)
	}

	built := strings.TrimSpace(buildDate)
	if built == "" || built == "unknown" {
		built = strings.TrimSpace(readBuildSetting("vcs.time"))
	}
	if t, err := time.Parse(time.RFC3339Nano, built); err == nil {
		info.BuildTime = t.UTC().Format(time.RFC3339)
	}
	return info
}

func shortenCommit(commit string) string {
	if len(commit) <= 12 {
		return commit
	}
	return commit[:12]
}

func readBuildSetting(key string) string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, setting := range info.Settings {
		if setting.Key == key {
			return setting.Value
		}
	}
	return ""
}

func printUsage() {
	fmt.Print(`crmq - CRM write job queue and dispatch engine

Usage:
  crmq <noun> <action> [flags]

Resources (Nouns):
  system       Service lifecycle
  config       Configuration and integrity
  job          CRM write jobs
  connection   CRM connections

System Commands:
  system start          Start the poller, dispatcher and API in the foreground

Config Commands:
  config check          Validate configuration and integrity (--connections, --json)
  config lock           Write the BLAKE3 checksum manifest for the config file

Job Commands:
  job list              List jobs (newest first)
  job stats             Count jobs per status
  job retry <id>        Re-queue a failed or cancelled job
  job cancel <id>       Cancel a pending job
  job inspect <id>      Show a job with its connection, mapped record and artifacts

Connection Commands:
  connection list       List connections with secrets masked
  connection check <id> Validate a connection's config (--probe opens the login page)

General:
  version               Show version information
  help                  Show this help message

The config file defaults to $` + envConfigPath + ` or ./config.yaml.
Use 'crmq <noun> help' for resource-specific flags.
`)
}

// --- NOUN DISPATCHERS ---

func runSystemNoun(args []string) int {
	if len(args) < 1 {
		printSystemNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printSystemNounHelp(os.Stdout)
		return 0
	}

	action, actionArgs := args[0], args[1:]
	switch action {
	case "start":
		if hasHelpFlag(actionArgs) {
			printSystemStartHelp()
			return 0
		}
		return runStart(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown system action: %s\n", action)
		return 1
	}
}

func runConfigNoun(args []string) int {
	if len(args) < 1 {
		printConfigNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printConfigNounHelp(os.Stdout)
		return 0
	}

	action, actionArgs := args[0], args[1:]
	switch action {
	case "check":
		return runConfigCheck(actionArgs)
	case "lock":
		return runConfigLock(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown config action: %s\n", action)
		return 1
	}
}

func runJobNoun(args []string) int {
	if len(args) < 1 {
		printJobNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printJobNounHelp(os.Stdout)
		return 0
	}

	action, actionArgs := args[0], args[1:]
	switch action {
	case "list":
		return runJobList(actionArgs)
	case "stats":
		return runJobStats(actionArgs)
	case "retry":
		return runJobTransition(actionArgs, "retry")
	case "cancel":
		return runJobTransition(actionArgs, "cancel")
	case "inspect":
		return runJobInspect(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown job action: %s\n", action)
		return 1
	}
}

func runConnectionNoun(args []string) int {
	if len(args) < 1 {
		printConnectionNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printConnectionNounHelp(os.Stdout)
		return 0
	}

	action, actionArgs := args[0], args[1:]
	switch action {
	case "list":
		return runConnectionList(actionArgs)
	case "check":
		return runConnectionCheck(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown connection action: %s\n", action)
		return 1
	}
}

func isHelpToken(token string) bool {
	return token == "help" || token == "--help" || token == "-h"
}

func hasHelpFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--help" || arg == "-h" {
			return true
		}
	}
	return false
}

func printSystemNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: crmq system <action>")
	fmt.Fprintln(w, "Actions: start")
}

func printConfigNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: crmq config <action> [--config PATH]")
	fmt.Fprintln(w, "Actions: check [--connections] [--json], lock")
}

func printJobNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: crmq job <action> [flags]")
	fmt.Fprintln(w, "Actions: list [--status S] [--form ID] [--page N] [--limit N] [--json], stats [--json], retry <id>, cancel <id>, inspect <id> [--json]")
}

func printConnectionNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: crmq connection <action> [flags]")
	fmt.Fprintln(w, "Actions: list [--json], check <id> [--probe]")
}

func printSystemStartHelp() {
	fmt.Println("Usage: crmq system start [--config PATH]")
	fmt.Println("Start the queue poller, dispatcher and (when enabled) the admin API in the foreground.")
}

// resolveConfigPath applies the --config, $CRMQ_CONFIG, ./config.yaml order.
// A directory resolves to its config.yaml.
func resolveConfigPath(flagValue string) string {
	p := strings.TrimSpace(flagValue)
	if p == "" {
		p = strings.TrimSpace(os.Getenv(envConfigPath))
	}
	if p == "" {
		p = "config.yaml"
	}
	if info, err := os.Stat(p); err == nil && info.IsDir() {
		p = filepath.Join(p, "config.yaml")
	}
	return p
}

// pidLockPath returns the single-instance lock for SQLite deployments. Postgres
// deployments may run several workers, so they take no lock.
func pidLockPath(cfg *config.Config) string {
	if cfg.Database.Driver == "postgres" {
		return ""
	}
	return lock.PathFor(cfg.Database.Path)
}

func browserOptions(c config.BrowserConfig) browser.Options {
	return browser.Options{
		Headless:          c.Headless,
		NoSandbox:         c.NoSandbox,
		UserAgent:         c.UserAgent,
		ViewportWidth:     c.ViewportWidth,
		ViewportHeight:    c.ViewportHeight,
		NavigationTimeout: c.NavigationTimeout,
		SelectorTimeout:   c.SelectorTimeout,
		LoginTimeout:      c.LoginTimeout,
		SettleDelay:       c.SettleDelay,
	}
}

func apiTokens(cfg *config.Config) []auth.TokenConfig {
	tokens := make([]auth.TokenConfig, 0, len(cfg.API.Auth.Tokens))
	for _, t := range cfg.API.Auth.Tokens {
		tokens = append(tokens, auth.TokenConfig{Token: t.Token, Scopes: t.Scopes})
	}
	return tokens
}

func runStart(args []string) int {
	fs := flag.NewFlagSet("start", flag.ContinueOnError)
	configFlag := fs.String("config", "", "Path to configuration file or directory")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}
	configPath := resolveConfigPath(*configFlag)

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	log.Setup(cfg.Service.LogLevel, cfg.Service.LogFormat)
	logger := log.WithComponent("main")
	logger.Info("crmq starting", "version", version, "config", configPath)

	if lockPath := pidLockPath(cfg); lockPath != "" {
		pidLock, err := lock.AcquirePIDLock(lockPath)
		if err != nil {
			if errors.Is(err, lock.ErrLocked) {
				logger.Error("another crmq worker is using this database", "path", lockPath, "error", err)
			} else {
				logger.Error("failed to acquire PID lock", "path", lockPath, "error", err)
			}
			return 1
		}
		defer pidLock.Release()
		logger.Info("acquired PID lock", "path", lockPath)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, dialect, err := storage.Open(ctx, cfg.Database.Driver, cfg.Database.Path, cfg.Database.DSN)
	if err != nil {
		logger.Error("failed to open database", "driver", cfg.Database.Driver, "error", err)
		return 1
	}
	defer db.Close()
	logger.Info("database opened", "driver", dialect.String())

	store := queue.New(db, dialect)
	hub := events.NewHub(256)

	artifacts, err := artifact.NewFSStore(cfg.Artifacts.Dir, cfg.Artifacts.URLPrefix)
	if err != nil {
		logger.Error("failed to initialize artifact store", "dir", cfg.Artifacts.Dir, "error", err)
		return 1
	}
	janitor := artifact.NewJanitor(artifacts, cfg.Artifacts.Retention, log.Get())
	if err := janitor.Start(cfg.Artifacts.CleanupSchedule); err != nil {
		logger.Error("failed to schedule artifact cleanup", "error", err)
		return 1
	}
	defer janitor.Stop()

	opts := browserOptions(cfg.Browser)
	chrome := browser.NewChrome(opts)
	client := &http.Client{Timeout: cfg.HTTP.Timeout}
	writers := dispatch.Writers{
		Browser: browser.NewWriter(chrome, artifacts, opts, log.WithComponent("browser")),
		OAuth:   oauthrest.New(client, log.WithComponent("oauthrest")),
		REST:    restapi.New(client, log.WithComponent("restapi")),
	}
	disp := dispatch.New(store, writers, hub)

	poll := poller.New(poller.Config{
		Interval:      cfg.Queue.PollInterval,
		MaxConcurrent: cfg.Queue.MaxConcurrent,
	}, store, disp, hub, log.Get())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	errCh := make(chan error, 1)

	if err := poll.Start(ctx); err != nil {
		logger.Error("failed to start poller", "error", err)
		return 1
	}
	// Safe after the explicit Stop below.
	defer poll.Stop()

	if cfg.API.Enabled {
		apiServer := api.New(api.Config{
			Listen:            cfg.API.Listen,
			APIKey:            cfg.API.Auth.APIKey,
			Tokens:            apiTokens(cfg),
			WebhookSecret:     cfg.API.WebhookSecret,
			DefaultMaxRetries: cfg.Queue.DefaultMaxRetries,
			ProbeTimeout:      cfg.Browser.NavigationTimeout,
		}, store, poll, hub, func(ctx context.Context, url string) (string, error) {
			return browser.Probe(ctx, chrome, url)
		}, log.Get()).WithArtifacts(artifacts)

		go func() {
			if err := apiServer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("api: %w", err)
			}
		}()
		logger.Info("API server enabled", "listen", cfg.API.Listen)
	}

	logger.Info("crmq running (press Ctrl+C to stop)")

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig)
		// In-flight writes finish before the context goes away.
		poll.Stop()
		cancel()
	case err := <-errCh:
		logger.Error("component failed", "error", err)
		poll.Stop()
		cancel()
		return 1
	}

	logger.Info("crmq stopped")
	return 0
}
