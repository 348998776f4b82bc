package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/verdict/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Apply connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA cache_size=-20000",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	applied, err := runMigrations(ctx, s.db)
	if err != nil {
		return err
	}
	if applied > 0 {
		slog.Info("store migrated", "applied", applied)
	}
	return nil
}

// SchemaVersion returns the highest applied migration version.
func (s *LibSQLStore) SchemaVersion(ctx context.Context) (int, error) {
	return schemaVersion(ctx, s.db)
}

// Vacuum runs VACUUM on the database.
func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// --- Workflows ---

const workflowColumns = "id, name, description, domain, tags, definition, validation_score, validation_count, created_at, updated_at"

func (s *LibSQLStore) CreateWorkflow(ctx context.Context, wf *schema.Workflow) error {
	def, tags, err := encodeWorkflow(wf)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workflows (`+workflowColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		wf.ID, wf.Metadata.Name, nullStr(wf.Metadata.Description), nullStr(wf.Metadata.Domain),
		tags, def, wf.Metadata.ValidationScore, wf.Metadata.ValidationCount,
		timeOrNow(wf.Metadata.CreatedAt), now,
	)
	if err != nil && isUniqueViolation(err) {
		return schema.NewErrorf(schema.ErrCodeValidation, "workflow %q already exists", wf.ID).WithCause(err)
	}
	return err
}

// SaveWorkflow inserts or replaces a workflow definition. Accumulated
// validation stats of an existing row are kept.
func (s *LibSQLStore) SaveWorkflow(ctx context.Context, wf *schema.Workflow) error {
	def, tags, err := encodeWorkflow(wf)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workflows (`+workflowColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET name=excluded.name, description=excluded.description,
		 domain=excluded.domain, tags=excluded.tags, definition=excluded.definition, updated_at=excluded.updated_at`,
		wf.ID, wf.Metadata.Name, nullStr(wf.Metadata.Description), nullStr(wf.Metadata.Domain),
		tags, def, wf.Metadata.ValidationScore, wf.Metadata.ValidationCount,
		timeOrNow(wf.Metadata.CreatedAt), now,
	)
	return err
}

func (s *LibSQLStore) GetWorkflow(ctx context.Context, id string) (*schema.Workflow, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+workflowColumns+` FROM workflows WHERE id = ?`, id)
	wf, err := scanWorkflow(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("workflow", id)
	}
	return wf, err
}

func (s *LibSQLStore) UpdateValidation(ctx context.Context, id string, score float64, count int) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE workflows SET validation_score = ?, validation_count = ?, updated_at = ? WHERE id = ?`,
		score, count, time.Now().UTC(), id,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *LibSQLStore) ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*schema.Workflow, error) {
	var where []string
	var args []any

	if filter.Domain != "" {
		where = append(where, "domain = ?")
		args = append(args, filter.Domain)
	}
	if filter.Tag != "" {
		where = append(where, "tags LIKE ?")
		args = append(args, `%"`+filter.Tag+`"%`)
	}
	if filter.ValidatedOnly {
		where = append(where, "validation_score >= ? AND validation_count >= 10")
		args = append(args, schema.ValidatedThreshold)
	}

	query := "SELECT " + workflowColumns + " FROM workflows"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY updated_at DESC, id ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var workflows []*schema.Workflow
	for rows.Next() {
		wf, err := scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		workflows = append(workflows, wf)
	}
	return workflows, rows.Err()
}

func (s *LibSQLStore) DeleteWorkflow(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM workflows WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "workflow", id)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWorkflow(row rowScanner) (*schema.Workflow, error) {
	var (
		id, name, tagsJSON, defJSON string
		description, domain         sql.NullString
		score                       float64
		count                       int
		createdAt, updatedAt        time.Time
	)
	if err := row.Scan(&id, &name, &description, &domain, &tagsJSON, &defJSON,
		&score, &count, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	var wf schema.Workflow
	if err := json.Unmarshal([]byte(defJSON), &wf); err != nil {
		return nil, fmt.Errorf("unmarshal definition of %s: %w", id, err)
	}
	wf.ID = id
	wf.Metadata = schema.Metadata{
		Name:            name,
		Description:     description.String,
		Domain:          domain.String,
		ValidationScore: score,
		ValidationCount: count,
		CreatedAt:       createdAt,
		UpdatedAt:       updatedAt,
	}
	if tagsJSON != "" {
		if err := json.Unmarshal([]byte(tagsJSON), &wf.Metadata.Tags); err != nil {
			return nil, fmt.Errorf("unmarshal tags of %s: %w", id, err)
		}
	}
	return &wf, nil
}

// encodeWorkflow returns the definition and tag columns for a workflow.
func encodeWorkflow(wf *schema.Workflow) (string, string, error) {
	if wf == nil || wf.ID == "" {
		return "", "", schema.NewError(schema.ErrCodeValidation, "workflow id is required")
	}
	def, err := json.Marshal(struct {
		Blocks      []schema.Block      `json:"blocks"`
		Connections []schema.Connection `json:"connections"`
	}{wf.Blocks, wf.Connections})
	if err != nil {
		return "", "", fmt.Errorf("marshal definition: %w", err)
	}
	tags := wf.Metadata.Tags
	if tags == nil {
		tags = []string{}
	}
	tagJSON, err := json.Marshal(tags)
	if err != nil {
		return "", "", fmt.Errorf("marshal tags: %w", err)
	}
	return string(def), string(tagJSON), nil
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.VerdictError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

var _ Store = (*LibSQLStore)(nil)
