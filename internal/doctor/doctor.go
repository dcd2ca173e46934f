// Package doctor reports problems in a crmq configuration and its stored
// CRM connections that do not stop the service from loading.
package doctor

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/mattjoyce/crmq/internal/auth"
	"github.com/mattjoyce/crmq/internal/config"
	"github.com/mattjoyce/crmq/internal/crm"
	"github.com/mattjoyce/crmq/internal/storage"
)

// Result holds the outcome of a validation run.
type Result struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Issue describes a single validation error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

// Doctor validates a loaded config and, optionally, the connection registry.
type Doctor struct {
	cfg       *config.Config
	conns     []crm.Connection
	checkPath func(path string) error
}

// New creates a Doctor. conns may be nil when the database is not consulted.
func New(cfg *config.Config, conns []crm.Connection) *Doctor {
	return &Doctor{cfg: cfg, conns: conns, checkPath: storage.CheckSQLitePath}
}

// Validate runs all checks and returns a result.
func (d *Doctor) Validate() *Result {
	r := &Result{Valid: true}

	d.validateDatabase(r)
	d.validateAPIConfig(r)
	d.validateTokenScopes(r)
	d.validateQueue(r)
	d.validateArtifacts(r)
	d.validateConnections(r)
	d.warnDeprecatedSyntax(r)

	r.Valid = len(r.Errors) == 0
	return r
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) validateDatabase(r *Result) {
	if d.cfg.Database.Driver != "sqlite" {
		return
	}
	if err := d.checkPath(d.cfg.Database.Path); err != nil {
		d.addError(r, "database", "database.path", err.Error())
	}
}

func (d *Doctor) validateAPIConfig(r *Result) {
	if !d.cfg.API.Enabled {
		return
	}
	if d.cfg.API.Listen == "" {
		d.addError(r, "api", "api.listen", "api.listen is required when API is enabled")
	}
	if d.cfg.API.Auth.APIKey == "" && len(d.cfg.API.Auth.Tokens) == 0 {
		d.addWarning(r, "api", "api.auth", "API enabled but no authentication configured; every protected route will return 401")
	}
	if d.cfg.API.WebhookSecret == "" {
		d.addWarning(r, "api", "api.webhook_secret", "webhook_secret is empty; POST /v1/hooks/submissions is disabled")
	}
}

func (d *Doctor) validateTokenScopes(r *Result) {
	for i, token := range d.cfg.API.Auth.Tokens {
		for j, scope := range token.Scopes {
			if _, _, err := auth.ParseScope(scope); err == nil {
				continue
			}
			d.addError(r, "token_scopes", fmt.Sprintf("api.auth.tokens[%d].scopes[%d]", i, j),
				fmt.Sprintf("unknown scope %q (expected *, jobs:ro, jobs:rw, connections:ro or connections:rw)", scope))
		}
	}
}

func (d *Doctor) validateQueue(r *Result) {
	q := d.cfg.Queue
	if q.PollInterval > 0 && q.PollInterval < time.Second {
		d.addWarning(r, "queue", "queue.poll_interval",
			fmt.Sprintf("poll interval %s is very short (< 1s)", q.PollInterval))
	}
	if q.MaxConcurrent > 10 {
		d.addWarning(r, "queue", "queue.max_concurrent",
			fmt.Sprintf("max_concurrent %d may start more browser sessions than the host can run", q.MaxConcurrent))
	}
}

func (d *Doctor) validateArtifacts(r *Result) {
	a := d.cfg.Artifacts
	if a.CleanupSchedule != "" {
		if _, err := cron.ParseStandard(a.CleanupSchedule); err != nil {
			d.addError(r, "artifacts", "artifacts.cleanup_schedule",
				fmt.Sprintf("invalid cron expression %q: %v", a.CleanupSchedule, err))
		}
	}
	if a.Retention == 0 {
		d.addWarning(r, "artifacts", "artifacts.retention", "retention is 0; screenshots are kept forever")
	}
}

func (d *Doctor) validateConnections(r *Result) {
	for _, c := range d.conns {
		field := "connections." + c.ID
		if _, err := crm.ParseBackendType(c.RawType); err != nil {
			d.addError(r, "connections", field, err.Error())
			continue
		}
		if c.RawType != string(c.Type) {
			d.addWarning(r, "connections", field,
				fmt.Sprintf("legacy backend tag %q; store %q instead", c.RawType, c.Type))
		}
		if err := c.Validate(); err != nil {
			if c.Active {
				d.addError(r, "connections", field, err.Error())
			} else {
				d.addWarning(r, "connections", field, "inactive: "+err.Error())
			}
		}
	}
}

func (d *Doctor) warnDeprecatedSyntax(r *Result) {
	if d.cfg.API.Auth.APIKey != "" && len(d.cfg.API.Auth.Tokens) > 0 {
		d.addWarning(r, "deprecated", "api.auth",
			"both api_key and tokens configured; prefer tokens array only")
	}
	if d.cfg.API.Auth.APIKey != "" && len(d.cfg.API.Auth.Tokens) == 0 {
		d.addWarning(r, "deprecated", "api.auth.api_key",
			"legacy api_key grants full access; migrate to tokens array with scopes")
	}
}

// FormatHuman returns a human-readable validation report.
func FormatHuman(r *Result) string {
	var b strings.Builder

	if r.Valid && len(r.Warnings) == 0 {
		b.WriteString("Configuration valid.\n")
		return b.String()
	}

	if r.Valid {
		fmt.Fprintf(&b, "Configuration valid (%d warning(s))\n", len(r.Warnings))
	} else {
		fmt.Fprintf(&b, "Configuration invalid (%d error(s), %d warning(s))\n", len(r.Errors), len(r.Warnings))
	}

	for _, e := range r.Errors {
		writeIssue(&b, "ERROR", e)
	}
	for _, w := range r.Warnings {
		writeIssue(&b, "WARN ", w)
	}
	return b.String()
}

func writeIssue(b *strings.Builder, label string, is Issue) {
	if is.Field != "" {
		fmt.Fprintf(b, "  %s [%s] %s: %s\n", label, is.Category, is.Field, is.Message)
		return
	}
	fmt.Fprintf(b, "  %s [%s] %s\n", label, is.Category, is.Message)
}

// FormatJSON returns the result as indented JSON.
func FormatJSON(r *Result) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
