package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
)

// dialect captures what differs between the SQL databases SQLStore runs on.
type dialect struct {
	name         string
	dollarParams bool // PostgreSQL style $1 placeholders
	schema       []string
}

// SQLStore is a PromptBackend and DataBackend over database/sql.
//
// Construct it with NewSQLiteStore, NewMySQLStore or NewPostgresStore. All
// three share the same queries and table layout:
//   - prompts: one row per prompt version
//   - run_data: one row per step invocation, in insertion order
//
// Tables are created on first use. Input, output and prompt snapshots are
// stored as JSON text.
type SQLStore struct {
	db      *sql.DB
	dialect dialect
	mu      sync.RWMutex
	closed  bool
}

func newSQLStore(ctx context.Context, db *sql.DB, d dialect) (*SQLStore, error) {
	s := &SQLStore{db: db, dialect: d}
	if err := s.createTables(ctx); err != nil {
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

func (s *SQLStore) createTables(ctx context.Context) error {
	for _, stmt := range s.dialect.schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("%s schema: %w", s.dialect.name, err)
		}
	}
	return nil
}

// DB returns the underlying connection pool.
func (s *SQLStore) DB() *sql.DB {
	return s.db
}

// Dialect returns the database flavour: "sqlite", "mysql" or "postgres".
func (s *SQLStore) Dialect() string {
	return s.dialect.name
}

// Close closes the database. Further operations return ErrClosed.
func (s *SQLStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// rebind rewrites ? placeholders for dialects that number them.
func (s *SQLStore) rebind(query string) string {
	if !s.dialect.dollarParams {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLStore) checkOpen() error {
	if s.closed {
		return ErrClosed
	}
	return nil
}

const promptColumns = "id, name, system_prompt, user_prompt, version, template_vars, active"

// StorePrompt implements PromptBackend.
func (s *SQLStore) StorePrompt(ctx context.Context, p Prompt) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return err
	}

	vars, err := json.Marshal(nonNilStrings(p.TemplateVars))
	if err != nil {
		return fmt.Errorf("failed to marshal template vars: %w", err)
	}
	_, err = s.db.ExecContext(ctx, s.rebind(
		"INSERT INTO prompts ("+promptColumns+") VALUES (?, ?, ?, ?, ?, ?, ?)"),
		p.ID, p.Name, p.System, p.User, p.Version, string(vars), p.Active)
	if err != nil {
		if _, lookupErr := s.getPromptByID(ctx, p.ID); lookupErr == nil {
			return fmt.Errorf("prompt %s: %w", p.ID, ErrDuplicateID)
		}
		return fmt.Errorf("failed to insert prompt: %w", err)
	}
	return nil
}

// UpdatePrompt implements PromptBackend.
func (s *SQLStore) UpdatePrompt(ctx context.Context, p Prompt) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return err
	}

	if _, err := s.getPromptByID(ctx, p.ID); err != nil {
		return err
	}
	vars, err := json.Marshal(nonNilStrings(p.TemplateVars))
	if err != nil {
		return fmt.Errorf("failed to marshal template vars: %w", err)
	}
	_, err = s.db.ExecContext(ctx, s.rebind(
		"UPDATE prompts SET name = ?, system_prompt = ?, user_prompt = ?, version = ?, template_vars = ?, active = ? WHERE id = ?"),
		p.Name, p.System, p.User, p.Version, string(vars), p.Active, p.ID)
	if err != nil {
		return fmt.Errorf("failed to update prompt: %w", err)
	}
	return nil
}

// GetPrompt implements PromptBackend.
func (s *SQLStore) GetPrompt(ctx context.Context, name string, q PromptQuery) (Prompt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return Prompt{}, err
	}

	candidates, err := s.queryPrompts(ctx, "SELECT "+promptColumns+" FROM prompts WHERE name = ?", name)
	if err != nil {
		return Prompt{}, err
	}
	p, ok := selectPrompt(candidates, q)
	if !ok {
		return Prompt{}, ErrNotFound
	}
	return p, nil
}

// GetPromptByID implements PromptBackend.
func (s *SQLStore) GetPromptByID(ctx context.Context, id string) (Prompt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return Prompt{}, err
	}
	return s.getPromptByID(ctx, id)
}

func (s *SQLStore) getPromptByID(ctx context.Context, id string) (Prompt, error) {
	prompts, err := s.queryPrompts(ctx, "SELECT "+promptColumns+" FROM prompts WHERE id = ?", id)
	if err != nil {
		return Prompt{}, err
	}
	if len(prompts) == 0 {
		return Prompt{}, ErrNotFound
	}
	return prompts[0], nil
}

// ListPrompts implements PromptBackend.
func (s *SQLStore) ListPrompts(ctx context.Context) ([]Prompt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	return s.queryPrompts(ctx, "SELECT "+promptColumns+" FROM prompts ORDER BY name, version")
}

// DeletePrompt implements PromptBackend.
func (s *SQLStore) DeletePrompt(ctx context.Context, id string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, s.rebind("DELETE FROM prompts WHERE id = ?"), id)
	if err != nil {
		return fmt.Errorf("failed to delete prompt: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLStore) queryPrompts(ctx context.Context, query string, args ...any) ([]Prompt, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query prompts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	prompts := []Prompt{}
	for rows.Next() {
		var (
			p    Prompt
			vars string
		)
		if err := rows.Scan(&p.ID, &p.Name, &p.System, &p.User, &p.Version, &vars, &p.Active); err != nil {
			return nil, fmt.Errorf("failed to scan prompt: %w", err)
		}
		if vars != "" {
			if err := json.Unmarshal([]byte(vars), &p.TemplateVars); err != nil {
				return nil, fmt.Errorf("failed to unmarshal template vars of %s: %w", p.ID, err)
			}
		}
		prompts = append(prompts, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate prompts: %w", err)
	}
	return prompts, nil
}

const runColumns = "step_run_id, run_id, step_name, run_time, execution_time_ns, model, status, prompt, input_data, output_data, error"

// StoreRun implements DataBackend.
func (s *SQLStore) StoreRun(ctx context.Context, r RunData) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return err
	}

	var prompt sql.NullString
	if r.Prompt != nil {
		data, err := json.Marshal(r.Prompt)
		if err != nil {
			return fmt.Errorf("failed to marshal prompt: %w", err)
		}
		prompt = sql.NullString{String: string(data), Valid: true}
	}
	input, err := json.Marshal(r.Input)
	if err != nil {
		return fmt.Errorf("failed to marshal input data: %w", err)
	}
	output, err := json.Marshal(r.Output)
	if err != nil {
		return fmt.Errorf("failed to marshal output data: %w", err)
	}

	_, err = s.db.ExecContext(ctx, s.rebind(
		"INSERT INTO run_data ("+runColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)"),
		r.StepRunID, r.RunID, r.StepName, r.RunTime.UTC().Format(time.RFC3339Nano),
		int64(r.ExecutionTime), r.Model, string(r.Status), prompt, string(input), string(output), r.Error)
	if err != nil {
		if _, lookupErr := s.getRun(ctx, r.StepRunID); lookupErr == nil {
			return fmt.Errorf("run %s: %w", r.StepRunID, ErrDuplicateID)
		}
		return fmt.Errorf("failed to insert run data: %w", err)
	}
	return nil
}

// GetRun implements DataBackend.
func (s *SQLStore) GetRun(ctx context.Context, stepRunID string) (RunData, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return RunData{}, err
	}
	return s.getRun(ctx, stepRunID)
}

func (s *SQLStore) getRun(ctx context.Context, stepRunID string) (RunData, error) {
	runs, err := s.queryRuns(ctx, "SELECT "+runColumns+" FROM run_data WHERE step_run_id = ?", stepRunID)
	if err != nil {
		return RunData{}, err
	}
	if len(runs) == 0 {
		return RunData{}, ErrNotFound
	}
	return runs[0], nil
}

// ListRuns implements DataBackend.
func (s *SQLStore) ListRuns(ctx context.Context, filter RunFilter) ([]RunData, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	query := "SELECT " + runColumns + " FROM run_data WHERE 1 = 1"
	var args []any
	if filter.RunID != "" {
		query += " AND run_id = ?"
		args = append(args, filter.RunID)
	}
	if filter.StepName != "" {
		query += " AND step_name = ?"
		args = append(args, filter.StepName)
	}
	query += " ORDER BY seq"
	if filter.Limit > 0 {
		query += " LIMIT " + strconv.Itoa(filter.Limit)
	}
	return s.queryRuns(ctx, query, args...)
}

func (s *SQLStore) queryRuns(ctx context.Context, query string, args ...any) ([]RunData, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query run data: %w", err)
	}
	defer func() { _ = rows.Close() }()

	runs := []RunData{}
	for rows.Next() {
		var (
			r                     RunData
			runTime, status       string
			execNanos             int64
			prompt                sql.NullString
			input, output, errMsg string
		)
		if err := rows.Scan(&r.StepRunID, &r.RunID, &r.StepName, &runTime, &execNanos,
			&r.Model, &status, &prompt, &input, &output, &errMsg); err != nil {
			return nil, fmt.Errorf("failed to scan run data: %w", err)
		}
		if r.RunTime, err = time.Parse(time.RFC3339Nano, runTime); err != nil {
			return nil, fmt.Errorf("failed to parse run time of %s: %w", r.StepRunID, err)
		}
		r.ExecutionTime = time.Duration(execNanos)
		r.Status = RunStatus(status)
		r.Error = errMsg
		if prompt.Valid && prompt.String != "" {
			r.Prompt = &Prompt{}
			if err := json.Unmarshal([]byte(prompt.String), r.Prompt); err != nil {
				return nil, fmt.Errorf("failed to unmarshal prompt of %s: %w", r.StepRunID, err)
			}
		}
		if err := unmarshalValues(input, &r.Input); err != nil {
			return nil, fmt.Errorf("failed to unmarshal input of %s: %w", r.StepRunID, err)
		}
		if err := unmarshalValues(output, &r.Output); err != nil {
			return nil, fmt.Errorf("failed to unmarshal output of %s: %w", r.StepRunID, err)
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate run data: %w", err)
	}
	return runs, nil
}

func unmarshalValues(data string, out *map[string]any) error {
	if data == "" || data == "null" {
		return nil
	}
	return json.Unmarshal([]byte(data), out)
}

func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
