package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jclem/work/internal/storage"
	"github.com/jclem/work/internal/types"
)

// rowScanner covers *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// querier covers *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const projectCols = "id, name, path, created_at, updated_at"

func scanProject(r rowScanner) (*types.Project, error) {
	var p types.Project
	var created, updated string
	if err := r.Scan(&p.ID, &p.Name, &p.Path, &created, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, err
	}
	var err error
	if p.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	if p.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, err
	}
	return &p, nil
}

const envCols = "id, project_id, provider, metadata, status, last_error, created_at, updated_at"

func scanEnv(r rowScanner) (*types.Environment, error) {
	var e types.Environment
	var status, created, updated string
	if err := r.Scan(&e.ID, &e.ProjectID, &e.Provider, &e.Metadata, &status, &e.LastError, &created, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, err
	}
	e.Status = types.EnvStatus(status)
	var err error
	if e.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	if e.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, err
	}
	return &e, nil
}

const taskCols = "id, project_id, environment_id, provider, description, status, cancel_requested, last_error, created_at, updated_at"

func scanTask(r rowScanner) (*types.Task, error) {
	var t types.Task
	var status, created, updated string
	var cancel int
	if err := r.Scan(&t.ID, &t.ProjectID, &t.EnvironmentID, &t.Provider, &t.Description, &status, &cancel, &t.LastError, &created, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, err
	}
	t.Status = types.TaskStatus(status)
	t.CancelRequested = cancel != 0
	var err error
	if t.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	if t.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, err
	}
	return &t, nil
}

const jobCols = "id, type, payload, status, attempt, not_before, lease_expires_at, owner, dedupe_key, last_error, created_at, updated_at"

func scanJob(r rowScanner) (*types.Job, error) {
	var j types.Job
	var typ, status, payload, created, updated string
	var notBefore, lease, dedupe sql.NullString
	if err := r.Scan(&j.ID, &typ, &payload, &status, &j.Attempt, &notBefore, &lease, &j.Owner, &dedupe, &j.LastError, &created, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, err
	}
	j.Type = types.JobType(typ)
	j.Status = types.JobStatus(status)
	j.Payload = []byte(payload)
	j.DedupeKey = dedupe.String
	var err error
	if j.NotBefore, err = nullTime(notBefore); err != nil {
		return nil, err
	}
	if j.LeaseExpiresAt, err = nullTime(lease); err != nil {
		return nil, err
	}
	if j.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	if j.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, err
	}
	return &j, nil
}

// CreateProject registers a project. Name and path are unique; a
// collision returns ErrConflict.
func (s *Store) CreateProject(ctx context.Context, name, path string) (*types.Project, error) {
	if strings.TrimSpace(name) == "" {
		return nil, &storage.ValidationError{Field: "name", Reason: "must not be empty"}
	}
	if strings.TrimSpace(path) == "" {
		return nil, &storage.ValidationError{Field: "path", Reason: "must not be empty"}
	}

	now := time.Now().UTC()
	p := &types.Project{
		ID:        uuid.NewString(),
		Name:      name,
		Path:      path,
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO projects (id, name, path, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		p.ID, p.Name, p.Path, timeText(now), timeText(now))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, storage.ErrConflict
		}
		return nil, err
	}
	s.notifyChanged(storage.KindProject, p.ID)
	return p, nil
}

func (s *Store) GetProject(ctx context.Context, id string) (*types.Project, error) {
	return scanProject(s.db.QueryRowContext(ctx,
		`SELECT `+projectCols+` FROM projects WHERE id = ?`, id))
}

func (s *Store) GetProjectByName(ctx context.Context, name string) (*types.Project, error) {
	return scanProject(s.db.QueryRowContext(ctx,
		`SELECT `+projectCols+` FROM projects WHERE name = ?`, name))
}

func (s *Store) ListProjects(ctx context.Context) ([]*types.Project, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+projectCols+` FROM projects ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*types.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// DeleteProject removes a project that nothing references. Foreign keys
// would catch the race anyway; the explicit counts give a clean error.
func (s *Store) DeleteProject(ctx context.Context, id string) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var refs int
		if err := tx.QueryRowContext(ctx,
			`SELECT (SELECT COUNT(*) FROM environments WHERE project_id = ?)
			      + (SELECT COUNT(*) FROM tasks WHERE project_id = ?)`,
			id, id).Scan(&refs); err != nil {
			return err
		}
		if refs > 0 {
			return storage.ErrConflict
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM projects WHERE id = ?`, id)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return storage.ErrNotFound
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.notifyChanged(storage.KindProject, id)
	return nil
}

func (s *Store) GetEnvironment(ctx context.Context, id string) (*types.Environment, error) {
	return scanEnv(s.db.QueryRowContext(ctx,
		`SELECT `+envCols+` FROM environments WHERE id = ?`, id))
}

func (s *Store) ListEnvironments(ctx context.Context, projectID string) ([]*types.Environment, error) {
	query := `SELECT ` + envCols + ` FROM environments`
	var args []any
	if projectID != "" {
		query += ` WHERE project_id = ?`
		args = append(args, projectID)
	}
	query += ` ORDER BY created_at`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*types.Environment
	for rows.Next() {
		e, err := scanEnv(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) GetTask(ctx context.Context, id string) (*types.Task, error) {
	return scanTask(s.db.QueryRowContext(ctx,
		`SELECT `+taskCols+` FROM tasks WHERE id = ?`, id))
}

func (s *Store) ListTasks(ctx context.Context, projectID string) ([]*types.Task, error) {
	query := `SELECT ` + taskCols + ` FROM tasks`
	var args []any
	if projectID != "" {
		query += ` WHERE project_id = ?`
		args = append(args, projectID)
	}
	query += ` ORDER BY created_at`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*types.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) GetJob(ctx context.Context, id string) (*types.Job, error) {
	return scanJob(s.db.QueryRowContext(ctx,
		`SELECT `+jobCols+` FROM jobs WHERE id = ?`, id))
}

func (s *Store) ListJobs(ctx context.Context, f storage.JobFilter) ([]*types.Job, error) {
	query := `SELECT ` + jobCols + ` FROM jobs`
	var conds []string
	var args []any
	if len(f.Statuses) > 0 {
		ph := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			ph[i] = "?"
			args = append(args, string(st))
		}
		conds = append(conds, "status IN ("+strings.Join(ph, ",")+")")
	}
	if len(f.Types) > 0 {
		ph := make([]string, len(f.Types))
		for i, t := range f.Types {
			ph[i] = "?"
			args = append(args, string(t))
		}
		conds = append(conds, "type IN ("+strings.Join(ph, ",")+")")
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += ` ORDER BY created_at`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*types.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// isUniqueViolation detects UNIQUE constraint failures without importing
// driver error codes: the message is stable across SQLite drivers.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// isFKViolation detects FOREIGN KEY constraint failures.
func isFKViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "FOREIGN KEY constraint failed")
}
