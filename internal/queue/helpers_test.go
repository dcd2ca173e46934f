package queue

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/mattjoyce/crmq/internal/crm"
	"github.com/mattjoyce/crmq/internal/storage"
)

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "crmq.db")
	db, err := storage.OpenSQLite(context.Background(), dbPath)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return New(db, storage.SQLite), dbPath
}

// seedJob creates a connection, a mapping and a submission for a form named
// after the connection and returns the id of the single resulting job.
func seedJob(t *testing.T, s *Store, connID string, maxRetries int) string {
	t.Helper()
	ctx := context.Background()

	formID := "form-" + connID
	seedConnection(t, s, connID, true)
	if err := s.PutMapping(ctx, formID, connID, []crm.Rule{{FormFieldLabel: "Email", CRMFieldName: "Email"}}); err != nil {
		t.Fatalf("PutMapping: %v", err)
	}
	subID, err := s.PutSubmission(ctx, Submission{FormID: formID, Data: json.RawMessage(`{"Email":"a@b.c"}`)})
	if err != nil {
		t.Fatalf("PutSubmission: %v", err)
	}
	ids, err := s.CreateJobsForSubmission(ctx, subID, maxRetries)
	if err != nil {
		t.Fatalf("CreateJobsForSubmission: %v", err)
	}
	if len(ids) != 1 {
		t.Fatalf("expected 1 job, got %d", len(ids))
	}
	return ids[0]
}

func seedConnection(t *testing.T, s *Store, id string, active bool) {
	t.Helper()
	err := s.PutConnection(context.Background(), crm.Connection{
		ID:          id,
		DisplayName: "CRM " + id,
		Type:        crm.GenericREST,
		TargetURL:   "https://crm.example.com/api/leads",
		Config:      json.RawMessage(`{"apiKey":"k"}`),
		Active:      active,
	})
	if err != nil {
		t.Fatalf("PutConnection: %v", err)
	}
}
