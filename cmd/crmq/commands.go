package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/mattjoyce/crmq/internal/config"
	"github.com/mattjoyce/crmq/internal/crm"
	"github.com/mattjoyce/crmq/internal/crm/browser"
	"github.com/mattjoyce/crmq/internal/doctor"
	"github.com/mattjoyce/crmq/internal/inspect"
	"github.com/mattjoyce/crmq/internal/queue"
	"github.com/mattjoyce/crmq/internal/storage"
)

// parseInterspersed parses flags that may appear before or after positional
// arguments and returns the positionals.
func parseInterspersed(fs *flag.FlagSet, args []string) ([]string, error) {
	var positional []string
	for {
		if err := fs.Parse(args); err != nil {
			return nil, err
		}
		if fs.NArg() == 0 {
			return positional, nil
		}
		positional = append(positional, fs.Arg(0))
		args = fs.Args()[1:]
	}
}

// openStore loads the config and opens its job store. The returned func
// closes the database.
func openStore(ctx context.Context, configFlag string) (*queue.Store, *config.Config, func(), error) {
	cfg, err := config.Load(resolveConfigPath(configFlag))
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load config: %w", err)
	}
	db, dialect, err := storage.Open(ctx, cfg.Database.Driver, cfg.Database.Path, cfg.Database.DSN)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open database: %w", err)
	}
	return queue.New(db, dialect), cfg, func() { _ = db.Close() }, nil
}

func printJSON(v any) int {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to render JSON: %v\n", err)
		return 1
	}
	fmt.Println(string(data))
	return 0
}

// --- CONFIG ---

func runConfigCheck(args []string) int {
	fs := flag.NewFlagSet("check", flag.ContinueOnError)
	configFlag := fs.String("config", "", "Path to configuration file or directory")
	jsonOut := fs.Bool("json", false, "Output the validation result as JSON")
	withConns := fs.Bool("connections", false, "Also validate connections stored in the database")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	path := resolveConfigPath(*configFlag)

	cfg, err := config.Load(path)
	if err != nil {
		if *jsonOut {
			printJSON(&doctor.Result{Errors: []doctor.Issue{{Category: "config", Message: err.Error()}}})
			return 1
		}
		fmt.Printf("Validation: failed\n  ERROR %v\n", err)
		return 1
	}

	var conns []crm.Connection
	if *withConns {
		ctx := context.Background()
		db, dialect, err := storage.Open(ctx, cfg.Database.Driver, cfg.Database.Path, cfg.Database.DSN)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: open database: %v\n", err)
			return 1
		}
		conns, err = queue.New(db, dialect).ListConnections(ctx)
		_ = db.Close()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
	}

	result := doctor.New(cfg, conns).Validate()
	if *jsonOut {
		if code := printJSON(result); code != 0 {
			return code
		}
		if !result.Valid {
			return 1
		}
		return 0
	}

	fmt.Printf("Config: %s\n", path)
	fmt.Printf("Database: %s\n", cfg.Database.Driver)
	if _, err := config.LoadChecksums(filepath.Dir(absOrSelf(path))); err != nil {
		fmt.Println("Integrity: not locked (run 'crmq config lock')")
	} else {
		fmt.Println("Integrity: ✓ checksums match")
	}
	if !result.Valid {
		fmt.Print("Validation: failed\n" + indentReport(doctor.FormatHuman(result)))
		return 1
	}
	if len(result.Warnings) > 0 {
		fmt.Print("Validation: ✓ passed with warnings\n" + indentReport(doctor.FormatHuman(result)))
		return 0
	}
	fmt.Println("Validation: ✓ All checks passed")
	return 0
}

// indentReport drops the doctor summary line and keeps the issue lines.
func indentReport(report string) string {
	_, rest, _ := strings.Cut(report, "\n")
	return rest
}

func runConfigLock(args []string) int {
	fs := flag.NewFlagSet("lock", flag.ContinueOnError)
	configFlag := fs.String("config", "", "Path to configuration file or directory")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	path := resolveConfigPath(*configFlag)

	// Refuse to bless a config that does not parse.
	data, err := os.ReadFile(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Lock failed: %v\n", err)
		return 1
	}
	if _, err := config.Parse(data); err != nil {
		fmt.Fprintf(os.Stderr, "Lock failed: %v\n", err)
		return 1
	}

	report, err := config.Lock(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Lock failed: %v\n", err)
		return 1
	}
	for _, f := range report.Files {
		fmt.Printf("HASH %s: %s\n", f.Filename, f.Hash)
	}
	fmt.Printf("WROTE %s: %s\n", config.ChecksumFile, report.ChecksumPath)
	return 0
}

func absOrSelf(path string) string {
	if abs, err := filepath.Abs(path); err == nil {
		return abs
	}
	return path
}

// --- JOB ---

func runJobList(args []string) int {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	configFlag := fs.String("config", "", "Path to configuration file or directory")
	status := fs.String("status", "", "Filter by status (pending, running, success, failed, cancelled)")
	formID := fs.String("form", "", "Filter by form id")
	page := fs.Int("page", 1, "Page number")
	limit := fs.Int("limit", 30, "Page size (max 200)")
	jsonOut := fs.Bool("json", false, "Output as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	st := queue.Status(*status)
	if *status != "" && !st.Valid() {
		fmt.Fprintf(os.Stderr, "Invalid status %q\n", *status)
		return 1
	}

	ctx := context.Background()
	store, _, closeDB, err := openStore(ctx, *configFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer closeDB()

	res, err := store.List(ctx, queue.ListFilter{Status: st, FormID: *formID, Page: *page, Limit: *limit})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	if *jsonOut {
		return printJSON(res)
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tATTEMPTS\tCONNECTION\tCREATED\tERROR")
	for _, j := range res.Jobs {
		errMsg := ""
		if j.ErrorMessage != nil {
			errMsg = firstLine(crm.Truncate(*j.ErrorMessage, 60))
		}
		fmt.Fprintf(tw, "%s\t%s\t%d/%d\t%s\t%s\t%s\n",
			j.ID, j.Status, j.RetryCount, j.MaxRetries, j.DisplayName,
			j.CreatedAt.Local().Format(time.DateTime), errMsg)
	}
	_ = tw.Flush()
	fmt.Printf("page %d, %d of %d job(s)\n", res.Page, len(res.Jobs), res.Total)
	return 0
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func runJobStats(args []string) int {
	fs := flag.NewFlagSet("stats", flag.ContinueOnError)
	configFlag := fs.String("config", "", "Path to configuration file or directory")
	jsonOut := fs.Bool("json", false, "Output as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	ctx := context.Background()
	store, _, closeDB, err := openStore(ctx, *configFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer closeDB()

	stats, err := store.Stats(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	if *jsonOut {
		return printJSON(stats)
	}
	for _, st := range queue.AllStatuses {
		fmt.Printf("%-10s %d\n", st, stats[st])
	}
	return 0
}

// runJobTransition handles job retry and job cancel. A running service picks
// retried jobs up on its next poll.
func runJobTransition(args []string, action string) int {
	fs := flag.NewFlagSet(action, flag.ContinueOnError)
	configFlag := fs.String("config", "", "Path to configuration file or directory")
	positional, err := parseInterspersed(fs, args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if len(positional) != 1 {
		fmt.Fprintf(os.Stderr, "Usage: crmq job %s <job-id> [--config PATH]\n", action)
		return 1
	}
	jobID := positional[0]

	ctx := context.Background()
	store, _, closeDB, err := openStore(ctx, *configFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer closeDB()

	var job *queue.Job
	if action == "retry" {
		job, err = store.Retry(ctx, jobID)
	} else {
		job, err = store.Cancel(ctx, jobID)
	}
	switch {
	case errors.Is(err, queue.ErrJobNotFound):
		fmt.Fprintf(os.Stderr, "Job %s not found\n", jobID)
		return 1
	case errors.Is(err, queue.ErrInvalidTransition):
		fmt.Fprintf(os.Stderr, "Cannot %s: %v\n", action, err)
		return 1
	case err != nil:
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	fmt.Printf("Job %s is now %s (attempts %d/%d)\n", job.ID, job.Status, job.RetryCount, job.MaxRetries)
	return 0
}

func runJobInspect(args []string) int {
	fs := flag.NewFlagSet("inspect", flag.ContinueOnError)
	configFlag := fs.String("config", "", "Path to configuration file or directory")
	jsonOut := fs.Bool("json", false, "Output the report as JSON")
	positional, err := parseInterspersed(fs, args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if len(positional) != 1 {
		fmt.Fprintln(os.Stderr, "Usage: crmq job inspect <job-id> [--json] [--config PATH]")
		return 1
	}
	jobID := positional[0]

	ctx := context.Background()
	store, cfg, closeDB, err := openStore(ctx, *configFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer closeDB()

	report, err := inspect.Gather(ctx, store, cfg.Artifacts.Dir, jobID)
	if errors.Is(err, queue.ErrJobNotFound) {
		fmt.Fprintf(os.Stderr, "Job %s not found\n", jobID)
		return 1
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	if *jsonOut {
		return printJSON(report)
	}
	fmt.Print(inspect.FormatHuman(report))
	return 0
}

// --- CONNECTION ---

func runConnectionList(args []string) int {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	configFlag := fs.String("config", "", "Path to configuration file or directory")
	jsonOut := fs.Bool("json", false, "Output as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	ctx := context.Background()
	store, _, closeDB, err := openStore(ctx, *configFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer closeDB()

	conns, err := store.ListConnections(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	if *jsonOut {
		out := make([]map[string]any, 0, len(conns))
		for _, c := range conns {
			out = append(out, map[string]any{
				"id":           c.ID,
				"display_name": c.DisplayName,
				"backend_type": c.RawType,
				"target_url":   c.TargetURL,
				"config":       c.MaskedConfig(),
				"is_active":    c.Active,
			})
		}
		return printJSON(out)
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tTYPE\tACTIVE\tTARGET")
	for _, c := range conns {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%t\t%s\n", c.ID, c.DisplayName, c.RawType, c.Active, c.TargetURL)
	}
	_ = tw.Flush()
	return 0
}

func runConnectionCheck(args []string) int {
	fs := flag.NewFlagSet("check", flag.ContinueOnError)
	configFlag := fs.String("config", "", "Path to configuration file or directory")
	probe := fs.Bool("probe", false, "Open the login page of browser connections in headless Chrome")
	positional, err := parseInterspersed(fs, args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if len(positional) != 1 {
		fmt.Fprintln(os.Stderr, "Usage: crmq connection check <connection-id> [--probe] [--config PATH]")
		return 1
	}

	ctx := context.Background()
	store, cfg, closeDB, err := openStore(ctx, *configFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer closeDB()

	conn, err := store.GetConnection(ctx, positional[0])
	if errors.Is(err, queue.ErrConnectionNotFound) {
		fmt.Fprintf(os.Stderr, "Connection %s not found\n", positional[0])
		return 1
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	fmt.Printf("Connection: %s (%s, %s)\n", conn.ID, conn.DisplayName, conn.RawType)
	if err := conn.Validate(); err != nil {
		fmt.Printf("Config: invalid\n  ERROR %v\n", err)
		return 1
	}
	fmt.Println("Config: ✓ valid")

	if !*probe || conn.Type != crm.BrowserAutomation {
		return 0
	}

	opts := browserOptions(cfg.Browser)
	probeCtx, cancel := context.WithTimeout(ctx, opts.NavigationTimeout+10*time.Second)
	defer cancel()
	title, err := browser.Probe(probeCtx, browser.NewChrome(opts), conn.TargetURL)
	if err != nil {
		fmt.Printf("Probe: unreachable\n  ERROR %v\n", err)
		return 1
	}
	fmt.Printf("Probe: ✓ %q\n", title)
	return 0
}
