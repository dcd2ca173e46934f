package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/mattjoyce/crmq/internal/crm"
)

// ErrConnectionNotFound is returned when a connection id is unknown.
var ErrConnectionNotFound = errors.New("connection not found")

// Submission is a stored form submission.
type Submission struct {
	ID     string
	FormID string
	Data   json.RawMessage
}

// PutConnection inserts or replaces a connection record.
func (s *Store) PutConnection(ctx context.Context, c crm.Connection) error {
	if c.ID == "" {
		return fmt.Errorf("connection id is empty")
	}
	tag := c.RawType
	if tag == "" {
		tag = string(c.Type)
	}
	config := string(c.Config)
	if config == "" {
		config = "{}"
	}
	_, err := s.db.ExecContext(ctx, s.q(`
INSERT INTO crm_connections(id, display_name, backend_type, target_url, config, is_active, created_at)
VALUES(?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET
  display_name = excluded.display_name,
  backend_type = excluded.backend_type,
  target_url = excluded.target_url,
  config = excluded.config,
  is_active = excluded.is_active;
`), c.ID, c.DisplayName, tag, c.TargetURL, config, c.Active, formatTime(now()))
	if err != nil {
		return fmt.Errorf("put connection: %w", err)
	}
	return nil
}

// GetConnection loads one connection.
func (s *Store) GetConnection(ctx context.Context, id string) (*crm.Connection, error) {
	row := s.db.QueryRowContext(ctx, s.q(`
SELECT id, display_name, backend_type, COALESCE(target_url, ''), config, is_active
FROM crm_connections
WHERE id = ?;
`), id)
	c, err := scanConnection(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrConnectionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get connection: %w", err)
	}
	return c, nil
}

// ListConnections returns all connections ordered by display name.
func (s *Store) ListConnections(ctx context.Context) ([]crm.Connection, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, display_name, backend_type, COALESCE(target_url, ''), config, is_active
FROM crm_connections
ORDER BY display_name, id;
`)
	if err != nil {
		return nil, fmt.Errorf("list connections: %w", err)
	}
	defer rows.Close()

	var out []crm.Connection
	for rows.Next() {
		c, err := scanConnection(rows)
		if err != nil {
			return nil, fmt.Errorf("scan connection: %w", err)
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConnection(r rowScanner) (*crm.Connection, error) {
	var (
		c      crm.Connection
		config string
	)
	if err := r.Scan(&c.ID, &c.DisplayName, &c.RawType, &c.TargetURL, &config, &c.Active); err != nil {
		return nil, err
	}
	c.Config = json.RawMessage(config)
	if bt, err := crm.ParseBackendType(c.RawType); err == nil {
		c.Type = bt
	}
	return &c, nil
}

// PutSubmission stores a submission. An empty ID is generated.
func (s *Store) PutSubmission(ctx context.Context, sub Submission) (string, error) {
	if sub.FormID == "" {
		return "", fmt.Errorf("form id is empty")
	}
	if sub.ID == "" {
		sub.ID = uuid.NewString()
	}
	data := string(sub.Data)
	if data == "" {
		data = "{}"
	}
	_, err := s.db.ExecContext(ctx, s.q(`
INSERT INTO form_submissions(id, form_id, data, submitted_at)
VALUES(?, ?, ?, ?);
`), sub.ID, sub.FormID, data, formatTime(now()))
	if err != nil {
		return "", fmt.Errorf("put submission: %w", err)
	}
	return sub.ID, nil
}

// PutMapping stores the active mapping for (formID, connectionID),
// deactivating any previous one.
func (s *Store) PutMapping(ctx context.Context, formID, connectionID string, rules []crm.Rule) error {
	raw, err := json.Marshal(rules)
	if err != nil {
		return fmt.Errorf("encode mapping: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, s.q(`
UPDATE crm_field_mappings SET is_active = FALSE WHERE form_id = ? AND connection_id = ?;
`), formID, connectionID); err != nil {
		return fmt.Errorf("deactivate mapping: %w", err)
	}
	if _, err := tx.ExecContext(ctx, s.q(`
INSERT INTO crm_field_mappings(id, form_id, connection_id, mappings, is_active, updated_at)
VALUES(?, ?, ?, ?, TRUE, ?);
`), uuid.NewString(), formID, connectionID, string(raw), formatTime(now())); err != nil {
		return fmt.Errorf("insert mapping: %w", err)
	}
	return tx.Commit()
}
