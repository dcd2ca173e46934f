// Package restapi writes submissions to a configurable JSON endpoint.
package restapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/mattjoyce/crmq/internal/crm"
)

// DefaultTimeout bounds one request when no client is supplied.
const DefaultTimeout = 15 * time.Second

// maxBodyInError caps how much of an upstream body lands in an error.
const maxBodyInError = 200

// Writer sends the flattened record with the connection's method and headers.
type Writer struct {
	client *http.Client
	logger *slog.Logger
}

// New returns a generic REST writer. A nil client gets DefaultTimeout.
func New(client *http.Client, logger *slog.Logger) *Writer {
	if client == nil {
		client = &http.Client{Timeout: DefaultTimeout}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Writer{
		client: client,
		logger: logger.With(slog.String("backend", crm.GenericREST.String())),
	}
}

func (w *Writer) Write(ctx context.Context, req crm.Request) (crm.Result, error) {
	cfg, err := req.Connection.REST()
	if err != nil {
		return crm.Result{}, err
	}

	record := crm.BuildRecord(req.Rules, req.Payload)
	if len(record) == 0 {
		return crm.Result{}, &crm.Error{Kind: crm.KindConfig, Op: "rest write", Err: crm.ErrNoFields}
	}

	body, err := json.Marshal(record)
	if err != nil {
		return crm.Result{}, &crm.Error{Kind: crm.KindConfig, Op: "encode record", Err: err}
	}

	httpReq, err := http.NewRequestWithContext(ctx, cfg.Method, cfg.URL, bytes.NewReader(body))
	if err != nil {
		return crm.Result{}, &crm.Error{Kind: crm.KindConfig, Op: "build request", Err: err}
	}
	for k, v := range w.headers(req, cfg) {
		httpReq.Header.Set(k, v)
	}

	resp, err := w.client.Do(httpReq)
	if err != nil {
		return crm.Result{}, &crm.Error{
			Kind: crm.KindTransport,
			Op:   "rest write",
			Err:  fmt.Errorf("API request failed (HTTP N/A): %v", err),
		}
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		kind := crm.KindTransport
		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			kind = crm.KindAuth
		}
		return crm.Result{}, &crm.Error{
			Kind: kind,
			Op:   "rest write",
			Err: fmt.Errorf("API request failed (HTTP %d): %s",
				resp.StatusCode, crm.Truncate(string(respBody), maxBodyInError)),
		}
	}

	return crm.Result{RecordID: recordID(respBody), Fields: len(record)}, nil
}

func (w *Writer) headers(req crm.Request, cfg crm.RESTConfig) map[string]string {
	h := map[string]string{"Content-Type": "application/json"}
	if cfg.APIKey != "" {
		h[cfg.AuthHeader] = cfg.APIKey
	}
	extra, err := cfg.ExtraHeaders()
	if err != nil {
		w.logger.Warn("ignoring malformed additional headers",
			"job_id", req.JobID,
			"connection_id", req.Connection.ID,
			"error", err,
		)
		return h
	}
	for k, v := range extra {
		h[k] = v
	}
	return h
}

// recordID picks a created-record id out of common response shapes.
func recordID(body []byte) string {
	var doc map[string]any
	if err := json.Unmarshal(body, &doc); err != nil {
		return ""
	}
	for _, key := range []string{"id", "Id", "ID", "recordId"} {
		switch v := doc[key].(type) {
		case string:
			return strings.TrimSpace(v)
		case float64:
			return fmt.Sprintf("%.0f", v)
		}
	}
	return ""
}
