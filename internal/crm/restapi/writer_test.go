package restapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/crmq/internal/crm"
)

func restConn(url string, cfg string) crm.Connection {
	return crm.Connection{
		ID:        "conn-rest",
		Type:      crm.GenericREST,
		RawType:   "generic_rest",
		TargetURL: url,
		Config:    json.RawMessage(cfg),
		Active:    true,
	}
}

func TestWriteSendsRecord(t *testing.T) {
	var (
		gotMethod  string
		gotHeaders http.Header
		gotBody    map[string]any
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotHeaders = r.Header.Clone()
		dec := json.NewDecoder(r.Body)
		dec.UseNumber()
		require.NoError(t, dec.Decode(&gotBody))
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"rec-42"}`))
	}))
	defer srv.Close()

	conn := restConn(srv.URL, `{
		"method": "put",
		"apiKey": "Bearer k",
		"authHeader": "X-Api-Key",
		"additionalHeaders": "{\"X-Tenant\": \"acme\"}"
	}`)
	req := crm.Request{
		JobID:      "job-1",
		Connection: conn,
		Rules: []crm.Rule{
			{FormFieldLabel: "Email", CRMFieldName: "email"},
			{FormFieldLabel: "Age", CRMFieldName: "age"},
			{FormFieldLabel: "Interests", CRMFieldName: "interests"},
			{FormFieldLabel: "Empty", CRMFieldName: "empty"},
		},
		Payload: crm.Payload{
			"Email":     "a@b.c",
			"Age":       json.Number("42"),
			"Interests": []any{"x", "y"},
			"Empty":     "",
		},
	}

	res, err := New(nil, nil).Write(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, http.MethodPut, gotMethod)
	assert.Equal(t, "Bearer k", gotHeaders.Get("X-Api-Key"))
	assert.Equal(t, "acme", gotHeaders.Get("X-Tenant"))
	assert.Equal(t, "application/json", gotHeaders.Get("Content-Type"))
	assert.Equal(t, map[string]any{
		"email":     "a@b.c",
		"age":       json.Number("42"),
		"interests": "x; y",
	}, gotBody)
	assert.Equal(t, "rec-42", res.RecordID)
	assert.Equal(t, 3, res.Fields)
}

func TestWriteNoFieldsMakesNoRequest(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	_, err := New(nil, nil).Write(context.Background(), crm.Request{
		JobID:      "job-2",
		Connection: restConn(srv.URL, `{}`),
		Rules:      []crm.Rule{{FormFieldLabel: "Email", CRMFieldName: "email"}},
		Payload:    crm.Payload{"Email": []any{}},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, crm.ErrNoFields)
	assert.Equal(t, int32(0), calls.Load())
}

func TestWriteMalformedHeadersIgnored(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	var logs bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&logs, nil))

	res, err := New(nil, logger).Write(context.Background(), crm.Request{
		JobID:      "job-3",
		Connection: restConn(srv.URL, `{"apiKey":"token","additionalHeaders":"{not json"}`),
		Rules:      []crm.Rule{{FormFieldLabel: "Email", CRMFieldName: "email"}},
		Payload:    crm.Payload{"Email": "a@b.c"},
	})
	require.NoError(t, err)
	assert.Equal(t, "token", gotAuth)
	assert.Empty(t, res.RecordID)
	assert.Contains(t, logs.String(), "ignoring malformed additional headers")
}

func TestWriteUpstreamErrorTruncatesBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(strings.Repeat("e", 1000)))
	}))
	defer srv.Close()

	_, err := New(nil, nil).Write(context.Background(), crm.Request{
		JobID:      "job-4",
		Connection: restConn(srv.URL, `{}`),
		Rules:      []crm.Rule{{FormFieldLabel: "Email", CRMFieldName: "email"}},
		Payload:    crm.Payload{"Email": "a@b.c"},
	})
	require.Error(t, err)
	assert.Equal(t, crm.KindTransport, crm.KindOf(err))
	assert.Contains(t, err.Error(), "API request failed (HTTP 400): ")
	assert.Contains(t, err.Error(), strings.Repeat("e", 200))
	assert.NotContains(t, err.Error(), strings.Repeat("e", 201))
}

func TestWriteUnauthorizedIsAuthError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, err := New(nil, nil).Write(context.Background(), crm.Request{
		JobID:      "job-5",
		Connection: restConn(srv.URL, `{}`),
		Rules:      []crm.Rule{{FormFieldLabel: "Email", CRMFieldName: "email"}},
		Payload:    crm.Payload{"Email": "a@b.c"},
	})
	require.Error(t, err)
	assert.Equal(t, crm.KindAuth, crm.KindOf(err))
}

func TestWriteTransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	_, err := New(nil, nil).Write(context.Background(), crm.Request{
		JobID:      "job-6",
		Connection: restConn(url, `{}`),
		Rules:      []crm.Rule{{FormFieldLabel: "Email", CRMFieldName: "email"}},
		Payload:    crm.Payload{"Email": "a@b.c"},
	})
	require.Error(t, err)
	assert.Equal(t, crm.KindTransport, crm.KindOf(err))
	assert.Contains(t, err.Error(), "HTTP N/A")
}

func TestWriteRejectsBadMethod(t *testing.T) {
	_, err := New(nil, nil).Write(context.Background(), crm.Request{
		Connection: restConn("https://crm.example.com/api", `{"method":"DELETE"}`),
		Rules:      []crm.Rule{{FormFieldLabel: "Email", CRMFieldName: "email"}},
		Payload:    crm.Payload{"Email": "a@b.c"},
	})
	require.Error(t, err)
	assert.Equal(t, crm.KindConfig, crm.KindOf(err))
	assert.Contains(t, err.Error(), "method must be one of")
}
