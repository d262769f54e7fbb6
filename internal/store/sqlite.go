// Package store persists automations, execution logs, and service capability
// metadata in SQLite. Document-valued fields (trigger config, variables,
// actions) are stored as JSON text columns.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"runbook/internal/automation"
)

// SQLiteStore implements automation.Store on a single SQLite database file.
type SQLiteStore struct {
	db     *sql.DB
	dbPath string
	log    *zap.Logger
}

// Open creates or opens the automation database at dbPath, creating parent
// directories as needed.
func Open(dbPath string, logger *zap.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// Serialize writers; sqlite handles one at a time anyway.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db, dbPath: dbPath, log: logger}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string {
	return s.dbPath
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS automations (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		name TEXT NOT NULL,
		description TEXT,
		trigger_type TEXT NOT NULL,
		trigger_config_json TEXT,
		variables_json TEXT,
		actions_json TEXT NOT NULL,
		status TEXT NOT NULL,
		confirmed_at DATETIME,
		next_poll_at DATETIME,
		polling_interval_minutes INTEGER NOT NULL DEFAULT 0,
		last_poll_cursor TEXT,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_automations_user ON automations(user_id);
	CREATE INDEX IF NOT EXISTS idx_automations_status ON automations(status);
	CREATE INDEX IF NOT EXISTS idx_automations_next_poll ON automations(next_poll_at);

	CREATE TABLE IF NOT EXISTS execution_logs (
		id TEXT PRIMARY KEY,
		automation_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		status TEXT,
		entry_json TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		FOREIGN KEY (automation_id) REFERENCES automations(id)
	);
	CREATE INDEX IF NOT EXISTS idx_logs_automation ON execution_logs(automation_id);
	CREATE INDEX IF NOT EXISTS idx_logs_created ON execution_logs(created_at);

	CREATE TABLE IF NOT EXISTS service_capabilities (
		service TEXT PRIMARY KEY,
		capabilities_json TEXT NOT NULL,
		updated_at DATETIME NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// CreateAutomation inserts a new automation and returns its id. A missing
// spec id gets a generated UUID.
func (s *SQLiteStore) CreateAutomation(ctx context.Context, userID string, spec *automation.Spec) (string, error) {
	id := spec.ID
	if id == "" {
		id = uuid.NewString()
	}

	triggerConfig, err := encodeJSON(spec.TriggerConfig)
	if err != nil {
		return "", fmt.Errorf("encode trigger_config: %w", err)
	}
	variables, err := encodeJSON(spec.Variables)
	if err != nil {
		return "", fmt.Errorf("encode variables: %w", err)
	}
	actions, err := encodeJSON(spec.Actions)
	if err != nil {
		return "", fmt.Errorf("encode actions: %w", err)
	}

	now := time.Now().UTC()
	status := spec.Status
	if status == "" {
		status = automation.StatusPendingReview
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO automations
			(id, user_id, name, description, trigger_type, trigger_config_json,
			 variables_json, actions_json, status, confirmed_at, next_poll_at,
			 polling_interval_minutes, last_poll_cursor, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, userID, spec.Name, spec.Description, string(spec.TriggerType),
		triggerConfig, variables, actions, status,
		nullableTime(spec.ConfirmedAt), nullableTime(spec.NextPollAt),
		spec.PollingIntervalMinutes, spec.LastPollCursor, now, now)
	if err != nil {
		return "", fmt.Errorf("insert automation: %w", err)
	}

	s.log.Info("automation created",
		zap.String("automation_id", id), zap.String("user_id", userID),
		zap.String("trigger_type", string(spec.TriggerType)))
	return id, nil
}

// GetAutomation returns the automation, or ErrNotFound when it does not
// exist or belongs to another user.
func (s *SQLiteStore) GetAutomation(ctx context.Context, id, userID string) (*automation.Spec, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, name, description, trigger_type, trigger_config_json,
		       variables_json, actions_json, status, confirmed_at, next_poll_at,
		       polling_interval_minutes, last_poll_cursor, created_at, updated_at
		FROM automations WHERE id = ? AND user_id = ?`, id, userID)
	spec, err := scanSpec(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", automation.ErrNotFound, id)
	}
	return spec, err
}

// updatableColumns maps update keys to columns. Document-valued fields are
// JSON-encoded before binding.
var updatableColumns = map[string]string{
	"name":                     "name",
	"description":              "description",
	"trigger_type":             "trigger_type",
	"trigger_config":           "trigger_config_json",
	"variables":                "variables_json",
	"actions":                  "actions_json",
	"status":                   "status",
	"confirmed_at":             "confirmed_at",
	"next_poll_at":             "next_poll_at",
	"polling_interval_minutes": "polling_interval_minutes",
	"last_poll_cursor":         "last_poll_cursor",
}

var jsonColumns = map[string]bool{
	"trigger_config": true,
	"variables":      true,
	"actions":        true,
}

// UpdateAutomation applies a partial update. Unknown keys are rejected.
// Returns false when no row matched.
func (s *SQLiteStore) UpdateAutomation(ctx context.Context, id, userID string, updates map[string]any) (bool, error) {
	if len(updates) == 0 {
		return false, fmt.Errorf("no updates supplied")
	}

	var (
		sets []string
		args []any
	)
	for key, value := range updates {
		column, ok := updatableColumns[key]
		if !ok {
			return false, fmt.Errorf("unknown update field: %s", key)
		}
		if jsonColumns[key] {
			encoded, err := encodeJSON(value)
			if err != nil {
				return false, fmt.Errorf("encode %s: %w", key, err)
			}
			value = encoded
		}
		sets = append(sets, column+" = ?")
		args = append(args, value)
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, time.Now().UTC())
	args = append(args, id, userID)

	result, err := s.db.ExecContext(ctx,
		"UPDATE automations SET "+strings.Join(sets, ", ")+" WHERE id = ? AND user_id = ?",
		args...)
	if err != nil {
		return false, fmt.Errorf("update automation: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// DeleteAutomation removes an automation and its execution logs. Returns
// false when no row matched.
func (s *SQLiteStore) DeleteAutomation(ctx context.Context, id, userID string) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		"DELETE FROM automations WHERE id = ? AND user_id = ?", id, userID)
	if err != nil {
		return false, fmt.Errorf("delete automation: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	if affected == 0 {
		return false, nil
	}
	if _, err := s.db.ExecContext(ctx,
		"DELETE FROM execution_logs WHERE automation_id = ?", id); err != nil {
		s.log.Warn("failed to delete execution logs", zap.String("automation_id", id), zap.Error(err))
	}
	return true, nil
}

// ListAutomations returns the user's automations, newest first, optionally
// filtered by status.
func (s *SQLiteStore) ListAutomations(ctx context.Context, userID, status string) ([]*automation.Spec, error) {
	query := `
		SELECT id, user_id, name, description, trigger_type, trigger_config_json,
		       variables_json, actions_json, status, confirmed_at, next_poll_at,
		       polling_interval_minutes, last_poll_cursor, created_at, updated_at
		FROM automations WHERE user_id = ?`
	args := []any{userID}
	if status != "" {
		query += " AND status = ?"
		args = append(args, status)
	}
	query += " ORDER BY created_at DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list automations: %w", err)
	}
	defer rows.Close()
	return collectSpecs(rows)
}

// DueAutomations returns active polling automations whose next poll time has
// passed, oldest due first.
func (s *SQLiteStore) DueAutomations(ctx context.Context, now time.Time, limit int) ([]*automation.Spec, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, name, description, trigger_type, trigger_config_json,
		       variables_json, actions_json, status, confirmed_at, next_poll_at,
		       polling_interval_minutes, last_poll_cursor, created_at, updated_at
		FROM automations
		WHERE status = ? AND trigger_type = ? AND next_poll_at IS NOT NULL AND next_poll_at <= ?
		ORDER BY next_poll_at ASC
		LIMIT ?`,
		automation.StatusActive, string(automation.TriggerPolling), now.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("query due automations: %w", err)
	}
	defer rows.Close()
	return collectSpecs(rows)
}

// MarkPolled records a completed poll cycle: the next poll time and the new
// cursor.
func (s *SQLiteStore) MarkPolled(ctx context.Context, id string, nextPollAt time.Time, cursor string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE automations
		SET next_poll_at = ?, last_poll_cursor = ?, updated_at = ?
		WHERE id = ?`,
		nextPollAt.UTC(), cursor, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("mark polled: %w", err)
	}
	return nil
}

// LogExecution appends one execution log entry and returns its id.
func (s *SQLiteStore) LogExecution(ctx context.Context, automationID, userID string, entry map[string]any) (string, error) {
	id := uuid.NewString()
	encoded, err := encodeJSON(entry)
	if err != nil {
		return "", fmt.Errorf("encode log entry: %w", err)
	}
	status, _ := entry["status"].(string)

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO execution_logs (id, automation_id, user_id, status, entry_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		id, automationID, userID, status, encoded, time.Now().UTC())
	if err != nil {
		return "", fmt.Errorf("insert execution log: %w", err)
	}
	return id, nil
}

// ExecutionLog is one stored execution record.
type ExecutionLog struct {
	ID           string
	AutomationID string
	UserID       string
	Status       string
	Entry        map[string]any
	CreatedAt    time.Time
}

// ListExecutions returns the most recent execution logs for an automation,
// newest first.
func (s *SQLiteStore) ListExecutions(ctx context.Context, automationID string, limit int) ([]*ExecutionLog, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, automation_id, user_id, status, entry_json, created_at
		FROM execution_logs WHERE automation_id = ?
		ORDER BY created_at DESC LIMIT ?`, automationID, limit)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()

	var logs []*ExecutionLog
	for rows.Next() {
		var (
			entry     ExecutionLog
			status    sql.NullString
			entryJSON string
		)
		if err := rows.Scan(&entry.ID, &entry.AutomationID, &entry.UserID,
			&status, &entryJSON, &entry.CreatedAt); err != nil {
			return nil, err
		}
		entry.Status = status.String
		if err := json.Unmarshal([]byte(entryJSON), &entry.Entry); err != nil {
			s.log.Warn("corrupt execution log entry", zap.String("log_id", entry.ID), zap.Error(err))
		}
		logs = append(logs, &entry)
	}
	return logs, rows.Err()
}

// SetServiceCapabilities upserts capability metadata for a service.
func (s *SQLiteStore) SetServiceCapabilities(ctx context.Context, service string, capabilities map[string]any) error {
	encoded, err := encodeJSON(capabilities)
	if err != nil {
		return fmt.Errorf("encode capabilities: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO service_capabilities (service, capabilities_json, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(service) DO UPDATE SET capabilities_json = excluded.capabilities_json,
		                                   updated_at = excluded.updated_at`,
		service, encoded, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("upsert service capabilities: %w", err)
	}
	return nil
}

// GetServiceCapabilities returns capability metadata for a service, or nil
// when the service is unknown.
func (s *SQLiteStore) GetServiceCapabilities(ctx context.Context, service string) (map[string]any, error) {
	var encoded string
	err := s.db.QueryRowContext(ctx,
		"SELECT capabilities_json FROM service_capabilities WHERE service = ?", service).
		Scan(&encoded)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query service capabilities: %w", err)
	}
	var capabilities map[string]any
	if err := json.Unmarshal([]byte(encoded), &capabilities); err != nil {
		return nil, fmt.Errorf("decode capabilities: %w", err)
	}
	return capabilities, nil
}

// scanner abstracts *sql.Row and *sql.Rows for scanSpec.
type scanner interface {
	Scan(dest ...any) error
}

func scanSpec(row scanner) (*automation.Spec, error) {
	var (
		spec          automation.Spec
		description   sql.NullString
		triggerType   string
		triggerConfig sql.NullString
		variables     sql.NullString
		actions       string
		confirmedAt   sql.NullTime
		nextPollAt    sql.NullTime
		cursor        sql.NullString
	)
	err := row.Scan(&spec.ID, &spec.UserID, &spec.Name, &description, &triggerType,
		&triggerConfig, &variables, &actions, &spec.Status, &confirmedAt,
		&nextPollAt, &spec.PollingIntervalMinutes, &cursor,
		&spec.CreatedAt, &spec.UpdatedAt)
	if err != nil {
		return nil, err
	}

	spec.Description = description.String
	spec.TriggerType = automation.TriggerType(triggerType)
	spec.LastPollCursor = cursor.String
	if confirmedAt.Valid {
		t := confirmedAt.Time
		spec.ConfirmedAt = &t
	}
	if nextPollAt.Valid {
		t := nextPollAt.Time
		spec.NextPollAt = &t
	}

	if triggerConfig.Valid && triggerConfig.String != "" {
		if err := json.Unmarshal([]byte(triggerConfig.String), &spec.TriggerConfig); err != nil {
			return nil, fmt.Errorf("decode trigger_config: %w", err)
		}
	}
	if variables.Valid && variables.String != "" {
		if err := json.Unmarshal([]byte(variables.String), &spec.Variables); err != nil {
			return nil, fmt.Errorf("decode variables: %w", err)
		}
	}
	if err := json.Unmarshal([]byte(actions), &spec.Actions); err != nil {
		return nil, fmt.Errorf("decode actions: %w", err)
	}
	return &spec, nil
}

func collectSpecs(rows *sql.Rows) ([]*automation.Spec, error) {
	var specs []*automation.Spec
	for rows.Next() {
		spec, err := scanSpec(rows)
		if err != nil {
			return nil, err
		}
		specs = append(specs, spec)
	}
	return specs, rows.Err()
}

func encodeJSON(v any) (string, error) {
	if v == nil {
		return "", nil
	}
	encoded, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(encoded), nil
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}
