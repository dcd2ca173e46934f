// Package oauthrest writes submissions to an OAuth-secured record API using
// the resource-owner password grant.
package oauthrest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/mattjoyce/crmq/internal/crm"
)

// DefaultTimeout bounds the token and create requests when no client is supplied.
const DefaultTimeout = 15 * time.Second

const maxBodyInError = 200

// Writer authenticates per job and creates one record.
type Writer struct {
	client *http.Client
	logger *slog.Logger
}

// New returns an OAuth-REST writer. A nil client gets DefaultTimeout.
func New(client *http.Client, logger *slog.Logger) *Writer {
	if client == nil {
		client = &http.Client{Timeout: DefaultTimeout}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Writer{
		client: client,
		logger: logger.With(slog.String("backend", crm.OAuthREST.String())),
	}
}

// TokenURL is the password-grant endpoint for an instance.
func TokenURL(instanceURL string) string {
	return instanceURL + "/services/oauth2/token"
}

// CreateURL is the create-record endpoint for an object type.
func CreateURL(instanceURL, apiVersion, objectType string) string {
	return fmt.Sprintf("%s/services/data/%s/sobjects/%s/", instanceURL, apiVersion, objectType)
}

func (w *Writer) Write(ctx context.Context, req crm.Request) (crm.Result, error) {
	cfg, err := req.Connection.OAuth()
	if err != nil {
		return crm.Result{}, err
	}

	record := crm.BuildRecord(req.Rules, req.Payload)
	if len(record) == 0 {
		return crm.Result{}, &crm.Error{Kind: crm.KindConfig, Op: "oauth write", Err: crm.ErrNoFields}
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, w.client)

	tok, err := w.token(ctx, cfg)
	if err != nil {
		return crm.Result{}, err
	}

	instance := cfg.InstanceURL
	if s, ok := tok.Extra("instance_url").(string); ok && s != "" {
		instance = strings.TrimRight(s, "/")
	}

	body, err := json.Marshal(record)
	if err != nil {
		return crm.Result{}, &crm.Error{Kind: crm.KindConfig, Op: "encode record", Err: err}
	}

	url := CreateURL(instance, cfg.APIVersion, cfg.ObjectType)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return crm.Result{}, &crm.Error{Kind: crm.KindConfig, Op: "build request", Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")

	client := oauth2.NewClient(ctx, oauth2.StaticTokenSource(tok))
	resp, err := client.Do(httpReq)
	if err != nil {
		return crm.Result{}, &crm.Error{Kind: crm.KindTransport, Op: "create record", Err: err}
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		kind := crm.KindTransport
		if resp.StatusCode == http.StatusUnauthorized {
			kind = crm.KindAuth
		}
		return crm.Result{}, &crm.Error{
			Kind: kind,
			Op:   "create record",
			Err:  fmt.Errorf("create %s failed (HTTP %d): %s", cfg.ObjectType, resp.StatusCode, createErrors(respBody)),
		}
	}

	var created struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(respBody, &created); err != nil {
		w.logger.Warn("create response not decodable", "job_id", req.JobID, "error", err)
	}

	w.logger.Info("record created",
		"job_id", req.JobID,
		"object_type", cfg.ObjectType,
		"record_id", created.ID,
	)
	return crm.Result{RecordID: created.ID, Fields: len(record)}, nil
}

func (w *Writer) token(ctx context.Context, cfg crm.OAuthConfig) (*oauth2.Token, error) {
	conf := &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Endpoint: oauth2.Endpoint{
			TokenURL:  TokenURL(cfg.InstanceURL),
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}

	tok, err := conf.PasswordCredentialsToken(ctx, cfg.Username, cfg.Password+cfg.SecurityToken)
	if err == nil {
		return tok, nil
	}

	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		desc := re.ErrorDescription
		if desc == "" {
			desc = re.ErrorCode
		}
		if desc == "" {
			desc = crm.Truncate(string(re.Body), maxBodyInError)
		}
		status := "N/A"
		if re.Response != nil {
			status = fmt.Sprint(re.Response.StatusCode)
		}
		return nil, &crm.Error{
			Kind: crm.KindAuth,
			Op:   "oauth token",
			Err:  fmt.Errorf("authentication failed (HTTP %s): %s", status, desc),
		}
	}
	return nil, &crm.Error{Kind: crm.KindTransport, Op: "oauth token", Err: err}
}

// createErrors renders the record API's error list as "code: message; ...".
func createErrors(body []byte) string {
	var items []struct {
		ErrorCode string `json:"errorCode"`
		Message   string `json:"message"`
	}
	if err := json.Unmarshal(body, &items); err != nil || len(items) == 0 {
		return crm.Truncate(string(body), maxBodyInError)
	}
	parts := make([]string, 0, len(items))
	for _, it := range items {
		parts = append(parts, it.ErrorCode+": "+it.Message)
	}
	return strings.Join(parts, "; ")
}
