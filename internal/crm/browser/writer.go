package browser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mattjoyce/crmq/internal/artifact"
	"github.com/mattjoyce/crmq/internal/crm"
)

// Screenshot names under the job's artifact directory.
const (
	BeforeSubmitName = "before.png"
	AfterSubmitName  = "after.png"
)

// listSeparator joins list values typed into a single input.
const listSeparator = ", "

// Writer fills a web CRM form for each job.
type Writer struct {
	launcher  Launcher
	artifacts artifact.Store
	opts      Options
	logger    *slog.Logger
}

// NewWriter builds a browser-automation writer.
func NewWriter(l Launcher, artifacts artifact.Store, opts Options, logger *slog.Logger) *Writer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Writer{
		launcher:  l,
		artifacts: artifacts,
		opts:      opts.withDefaults(),
		logger:    logger.With(slog.String("backend", crm.BrowserAutomation.String())),
	}
}

type field struct {
	label    string
	selector string
	value    string
}

// session is the state carried between pipeline steps.
type session struct {
	req      crm.Request
	cfg      crm.BrowserConfig
	page     Page
	fields   []field
	failures []string
	before   string
	after    string
}

type step struct {
	name string
	kind crm.Kind
	// when reports whether the step applies; nil means always.
	when func(*session) bool
	run  func(context.Context, *Writer, *session) error
	// tolerant steps record their own failures and never abort the run.
	tolerant bool
}

var pipeline = []step{
	{
		name: "navigate_login",
		kind: crm.KindTransport,
		run: func(ctx context.Context, w *Writer, s *session) error {
			return s.page.Navigate(ctx, s.cfg.LoginURL)
		},
	},
	{
		name: "fill_username",
		kind: crm.KindAuth,
		when: func(s *session) bool { return s.cfg.LoginSelector != "" && s.cfg.LoginUsername != "" },
		run: func(ctx context.Context, w *Writer, s *session) error {
			if err := s.page.WaitVisible(ctx, s.cfg.LoginSelector, w.opts.LoginTimeout); err != nil {
				return err
			}
			return s.page.SetValue(ctx, s.cfg.LoginSelector, s.cfg.LoginUsername)
		},
	},
	{
		name: "fill_password",
		kind: crm.KindAuth,
		when: func(s *session) bool { return s.cfg.PasswordSelector != "" && s.cfg.LoginPassword != "" },
		run: func(ctx context.Context, w *Writer, s *session) error {
			return s.page.SetValue(ctx, s.cfg.PasswordSelector, s.cfg.LoginPassword)
		},
	},
	{
		name: "submit_login",
		kind: crm.KindAuth,
		when: func(s *session) bool { return s.cfg.LoginSubmit() != "" },
		run: func(ctx context.Context, w *Writer, s *session) error {
			return s.page.Click(ctx, s.cfg.LoginSubmit())
		},
	},
	{
		name: "navigate_data_entry",
		kind: crm.KindTransport,
		when: func(s *session) bool { return s.cfg.DataEntryURL != "" && s.cfg.DataEntryURL != s.cfg.LoginURL },
		run: func(ctx context.Context, w *Writer, s *session) error {
			return s.page.Navigate(ctx, s.cfg.DataEntryURL)
		},
	},
	{
		name:     "fill_fields",
		kind:     crm.KindPartialFill,
		tolerant: true,
		run: func(ctx context.Context, w *Writer, s *session) error {
			for _, f := range s.fields {
				if err := w.fill(ctx, s.page, f); err != nil {
					s.failures = append(s.failures, fmt.Sprintf("fill %q (%s) failed: %v", f.label, f.selector, err))
					w.logger.Warn("field fill failed",
						"job_id", s.req.JobID,
						"label", f.label,
						"selector", f.selector,
						"error", err,
					)
				}
			}
			return nil
		},
	},
	{
		name: "screenshot_before_submit",
		kind: crm.KindTransport,
		run: func(ctx context.Context, w *Writer, s *session) error {
			ref, err := w.capture(ctx, s, BeforeSubmitName)
			s.before = ref
			return err
		},
	},
	{
		name: "submit_form",
		kind: crm.KindTransport,
		when: func(s *session) bool { return s.cfg.FormSubmitSelector != "" },
		run: func(ctx context.Context, w *Writer, s *session) error {
			return s.page.Click(ctx, s.cfg.FormSubmitSelector)
		},
	},
	{
		name: "screenshot_after_submit",
		kind: crm.KindTransport,
		when: func(s *session) bool { return s.cfg.FormSubmitSelector != "" },
		run: func(ctx context.Context, w *Writer, s *session) error {
			ref, err := w.capture(ctx, s, AfterSubmitName)
			s.after = ref
			return err
		},
	},
}

// Write runs the pipeline for one job. When some fields fail to fill the
// writer still captures and returns the screenshot alongside the error.
func (w *Writer) Write(ctx context.Context, req crm.Request) (crm.Result, error) {
	cfg, err := req.Connection.Browser()
	if err != nil {
		return crm.Result{}, err
	}

	s := &session{req: req, cfg: cfg, fields: mappedFields(req.Rules, req.Payload)}
	if len(s.fields) == 0 {
		return crm.Result{}, &crm.Error{Kind: crm.KindConfig, Op: "browser write", Err: crm.ErrNoFields}
	}

	page, err := w.launcher.NewPage(ctx)
	if err != nil {
		return crm.Result{}, &crm.Error{Kind: crm.KindTransport, Op: "launch browser", Err: err}
	}
	defer page.Close()
	s.page = page

	for _, st := range pipeline {
		if st.when != nil && !st.when(s) {
			continue
		}
		w.logger.Debug("browser step", "job_id", req.JobID, "step", st.name)
		if err := st.run(ctx, w, s); err != nil {
			return s.result(), &crm.Error{Kind: st.kind, Op: st.name, Err: err}
		}
	}

	res := s.result()
	if len(s.failures) > 0 {
		msg := fmt.Sprintf("%d fields failed to fill:\n%s", len(s.failures), strings.Join(s.failures, "\n"))
		return res, &crm.Error{Kind: crm.KindPartialFill, Err: errors.New(msg)}
	}
	return res, nil
}

func (s *session) result() crm.Result {
	ref := s.after
	if ref == "" {
		ref = s.before
	}
	return crm.Result{Artifact: ref, Fields: len(s.fields) - len(s.failures)}
}

func (w *Writer) capture(ctx context.Context, s *session, name string) (string, error) {
	png, err := s.page.Screenshot(ctx)
	if err != nil {
		return "", fmt.Errorf("capture screenshot: %w", err)
	}
	return w.artifacts.Save(ctx, s.req.JobID, name, png)
}

// mappedFields pairs each rule that has a locator with its non-empty value,
// keeping rule order.
func mappedFields(rules []crm.Rule, payload crm.Payload) []field {
	var out []field
	for _, r := range rules {
		sel := strings.TrimSpace(r.CRMSelector)
		if sel == "" {
			continue
		}
		value, ok := payload.Text(r.FormFieldLabel, listSeparator)
		if !ok {
			continue
		}
		out = append(out, field{label: r.FormFieldLabel, selector: sel, value: value})
	}
	return out
}
