// Package recordstore persists implementation records, their audit logs and
// successful deployments in SQLite.
package recordstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hochfrequenz/recommendation-implementer/internal/deploy"
	"github.com/hochfrequenz/recommendation-implementer/internal/domain"
)

// ErrNotFound is returned when a record does not exist
var ErrNotFound = errors.New("record not found")

// Store provides SQLite-backed record persistence
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// New creates a new Store with the given database path
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// one connection keeps :memory: databases shared and serializes writers
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Store{db: db, now: time.Now}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

const recordColumns = `id, request_id, repo_url, project_name, title, category, priority, status, progress,
	code_generation, pull_request, deployment, validation_results, metrics, failure,
	started_at, completed_at, duration_ns, batch_id, batch_order, created_at, updated_at`

// CreateRecord inserts a new record together with any logs it already has
func (s *Store) CreateRecord(r *domain.Record) error {
	args, err := recordArgs(r)
	if err != nil {
		return err
	}
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`INSERT INTO records (`+recordColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, args...); err != nil {
		return fmt.Errorf("insert record %s: %w", r.ID, err)
	}
	for _, e := range r.Logs {
		if _, err := tx.Exec(`INSERT INTO logs (record_id, timestamp, level, message) VALUES (?, ?, ?, ?)`,
			r.ID, formatTime(e.Timestamp), string(e.Level), e.Message); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// UpdateRecord writes every field of r except its logs
func (s *Store) UpdateRecord(r *domain.Record) error {
	args, err := recordArgs(r)
	if err != nil {
		return err
	}
	res, err := s.db.Exec(`
		UPDATE records SET
			request_id = ?, repo_url = ?, project_name = ?, title = ?, category = ?, priority = ?,
			status = ?, progress = ?, code_generation = ?, pull_request = ?, deployment = ?,
			validation_results = ?, metrics = ?, failure = ?, started_at = ?, completed_at = ?,
			duration_ns = ?, batch_id = ?, batch_order = ?, created_at = ?, updated_at = ?
		WHERE id = ?
	`, append(args[1:], r.ID)...)
	if err != nil {
		return fmt.Errorf("update record %s: %w", r.ID, err)
	}
	return expectRow(res, r.ID)
}

// UpdateStatus updates a record's status and progress
func (s *Store) UpdateStatus(id string, status domain.Status, progress int) error {
	res, err := s.db.Exec(`UPDATE records SET status = ?, progress = ?, updated_at = ? WHERE id = ?`,
		string(status), progress, formatTime(s.now()), id)
	if err != nil {
		return err
	}
	return expectRow(res, id)
}

// CancelPending marks a pending record cancelled. It reports whether the
// record was pending.
func (s *Store) CancelPending(id string) (bool, error) {
	now := formatTime(s.now())
	res, err := s.db.Exec(`
		UPDATE records SET status = ?, completed_at = ?, updated_at = ?
		WHERE id = ? AND status = ?
	`, string(domain.StatusCancelled), now, now, id, string(domain.StatusPending))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		if _, err := s.GetRecord(id); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

// ClaimPending moves a pending record to processing. It reports false when
// the record was cancelled or otherwise left pending in the meantime.
func (s *Store) ClaimPending(id string, progress int) (bool, error) {
	res, err := s.db.Exec(`
		UPDATE records SET status = ?, progress = ?, updated_at = ?
		WHERE id = ? AND status = ?
	`, string(domain.StatusProcessing), progress, formatTime(s.now()), id, string(domain.StatusPending))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// AppendLog adds an audit entry for a record
func (s *Store) AppendLog(id string, e domain.LogEntry) error {
	_, err := s.db.Exec(`INSERT INTO logs (record_id, timestamp, level, message) VALUES (?, ?, ?, ?)`,
		id, formatTime(e.Timestamp), string(e.Level), e.Message)
	return err
}

// GetRecord retrieves a record and its logs by ID
func (s *Store) GetRecord(id string) (*domain.Record, error) {
	row := s.db.QueryRow(`SELECT `+recordColumns+` FROM records WHERE id = ?`, id)
	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	if r.Logs, err = s.logs(id); err != nil {
		return nil, err
	}
	return r, nil
}

// FindByRepo returns records for a repository, newest first
func (s *Store) FindByRepo(repoURL string) ([]*domain.Record, error) {
	return s.query(`SELECT `+recordColumns+` FROM records WHERE repo_url = ? ORDER BY created_at DESC, id`, repoURL)
}

// FindByBatch returns the records of a batch in batch order
func (s *Store) FindByBatch(batchID string) ([]*domain.Record, error) {
	return s.query(`SELECT `+recordColumns+` FROM records WHERE batch_id = ? ORDER BY batch_order`, batchID)
}

// ListRecords returns the most recent records across all repositories
func (s *Store) ListRecords(limit int) ([]*domain.Record, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.query(`SELECT `+recordColumns+` FROM records ORDER BY created_at DESC, id LIMIT ?`, limit)
}

func (s *Store) query(q string, args ...any) ([]*domain.Record, error) {
	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	var records []*domain.Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	for _, r := range records {
		if r.Logs, err = s.logs(r.ID); err != nil {
			return nil, err
		}
	}
	return records, nil
}

func (s *Store) logs(id string) ([]domain.LogEntry, error) {
	rows, err := s.db.Query(`SELECT timestamp, level, message FROM logs WHERE record_id = ? ORDER BY id`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := []domain.LogEntry{}
	for rows.Next() {
		var ts, level string
		var msg sql.NullString
		if err := rows.Scan(&ts, &level, &msg); err != nil {
			return nil, err
		}
		t, err := parseTime(ts)
		if err != nil {
			return nil, err
		}
		logs = append(logs, domain.LogEntry{Timestamp: t, Level: domain.LogLevel(level), Message: msg.String})
	}
	return logs, rows.Err()
}

// FindSuccessfulDeployment returns the newest successful deployment for a
// repository branch created at or after notBefore
func (s *Store) FindSuccessfulDeployment(ctx context.Context, repoURL, branch string, notBefore time.Time) (*domain.Deployment, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT url, deployment_id, status FROM deployments
		WHERE lower(repo_url) = lower(?) AND lower(branch) = lower(?) AND created_at >= ?
		ORDER BY created_at DESC LIMIT 1
	`, repoURL, branch, formatTime(notBefore))

	var url, id, status sql.NullString
	if err := row.Scan(&url, &id, &status); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &domain.Deployment{Success: true, URL: url.String, DeploymentID: id.String, Status: status.String}, nil
}

// SaveDeployment records a successful deployment
func (s *Store) SaveDeployment(ctx context.Context, key string, t deploy.Target, d domain.Deployment) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO deployments (key, repo_url, branch, project_name, url, deployment_id, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			url = excluded.url,
			deployment_id = excluded.deployment_id,
			status = excluded.status,
			created_at = excluded.created_at
	`, key, t.RepoURL, t.Branch, t.ProjectName, d.URL, d.DeploymentID, d.Status, formatTime(s.now()))
	return err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*domain.Record, error) {
	var r domain.Record
	var category, priority, batchID, completedAt sql.NullString
	var codeGen, pr, dep, validation, metrics, failure sql.NullString
	var status, startedAt, createdAt, updatedAt string
	var durationNS int64

	err := row.Scan(&r.ID, &r.RequestID, &r.RepoURL, &r.ProjectName, &r.Title, &category, &priority,
		&status, &r.Progress, &codeGen, &pr, &dep, &validation, &metrics, &failure,
		&startedAt, &completedAt, &durationNS, &batchID, &r.BatchOrder, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	r.Category = category.String
	r.Priority = priority.String
	r.BatchID = batchID.String
	r.Status = domain.Status(status)
	r.Duration = time.Duration(durationNS)
	r.Logs = []domain.LogEntry{}

	if r.StartedAt, err = parseTime(startedAt); err != nil {
		return nil, err
	}
	if r.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if r.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	if completedAt.Valid && completedAt.String != "" {
		t, err := parseTime(completedAt.String)
		if err != nil {
			return nil, err
		}
		r.CompletedAt = &t
	}

	if err := unmarshalColumn(codeGen, &r.CodeGeneration); err != nil {
		return nil, err
	}
	if r.CodeGeneration.ModifiedFiles == nil {
		r.CodeGeneration.ModifiedFiles = []string{}
	}
	if err := unmarshalColumn(metrics, &r.Metrics); err != nil {
		return nil, err
	}
	if pr.Valid && pr.String != "" {
		r.PullRequest = &domain.PullRequest{}
		if err := json.Unmarshal([]byte(pr.String), r.PullRequest); err != nil {
			return nil, err
		}
	}
	if dep.Valid && dep.String != "" {
		r.Deployment = &domain.Deployment{}
		if err := json.Unmarshal([]byte(dep.String), r.Deployment); err != nil {
			return nil, err
		}
	}
	if validation.Valid && validation.String != "" {
		r.ValidationResults = &domain.ValidationResults{}
		if err := json.Unmarshal([]byte(validation.String), r.ValidationResults); err != nil {
			return nil, err
		}
	}
	if failure.Valid && failure.String != "" {
		r.Failure = &domain.Failure{}
		if err := json.Unmarshal([]byte(failure.String), r.Failure); err != nil {
			return nil, err
		}
	}
	return &r, nil
}

func recordArgs(r *domain.Record) ([]any, error) {
	codeGen, err := json.Marshal(r.CodeGeneration)
	if err != nil {
		return nil, err
	}
	metrics, err := json.Marshal(r.Metrics)
	if err != nil {
		return nil, err
	}
	pr, err := marshalOptional(r.PullRequest)
	if err != nil {
		return nil, err
	}
	dep, err := marshalOptional(r.Deployment)
	if err != nil {
		return nil, err
	}
	validation, err := marshalOptional(r.ValidationResults)
	if err != nil {
		return nil, err
	}
	failure, err := marshalOptional(r.Failure)
	if err != nil {
		return nil, err
	}

	var completedAt sql.NullString
	if r.CompletedAt != nil {
		completedAt = sql.NullString{String: formatTime(*r.CompletedAt), Valid: true}
	}

	return []any{
		r.ID, r.RequestID, r.RepoURL, r.ProjectName, r.Title, r.Category, r.Priority,
		string(r.Status), r.Progress, string(codeGen), pr, dep, validation, string(metrics), failure,
		formatTime(r.StartedAt), completedAt, int64(r.Duration), r.BatchID, r.BatchOrder,
		formatTime(r.CreatedAt), formatTime(r.UpdatedAt),
	}, nil
}

func marshalOptional[T any](v *T) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func unmarshalColumn(col sql.NullString, v any) error {
	if !col.Valid || col.String == "" || col.String == "null" {
		return nil
	}
	return json.Unmarshal([]byte(col.String), v)
}

func expectRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// timeLayout sorts lexically in chronological order for UTC values
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}
