package sidecar

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/kandev/fleetctl/internal/db"
	"github.com/kandev/fleetctl/internal/db/dialect"
	"github.com/kandev/fleetctl/internal/errs"
	v1 "github.com/kandev/fleetctl/pkg/api/v1"
)

// SQLStore backs task and agent records with two simple key/blob
// tables, for deployments with no Redis. A background sweep (run by
// the queue's cleaner loop, via Sweep) evicts expired task rows since
// SQL has no native per-row TTL. Reads and writes go through a
// *db.Pool so SQLite gets its single-writer/many-reader split while
// Postgres shares one pool for both.
type SQLStore struct {
	pool   *db.Pool
	driver string
}

// NewSQLStore wraps an already-open *db.Pool and ensures its schema exists.
func NewSQLStore(ctx context.Context, pool *db.Pool, driver string) (*SQLStore, error) {
	s := &SQLStore{pool: pool, driver: driver}
	if err := s.migrate(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) migrate(ctx context.Context) error {
	idType := "TEXT PRIMARY KEY"
	expiresType := "TIMESTAMP"
	if dialect.IsPostgres(s.driver) {
		expiresType = "TIMESTAMPTZ"
	}
	_, err := s.pool.Writer().ExecContext(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS sidecar_tasks (
			id %s,
			data TEXT NOT NULL,
			expires_at %s
		)
	`, idType, expiresType))
	if err != nil {
		return fmt.Errorf("migrate sidecar_tasks: %w", err)
	}
	_, err = s.pool.Writer().ExecContext(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS sidecar_agents (
			id %s,
			data TEXT NOT NULL
		)
	`, idType))
	if err != nil {
		return fmt.Errorf("migrate sidecar_agents: %w", err)
	}
	_, err = s.pool.Writer().ExecContext(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS sidecar_queue (
			agent TEXT NOT NULL,
			task_id TEXT NOT NULL,
			priority INTEGER NOT NULL,
			enqueued_at %s NOT NULL,
			PRIMARY KEY (agent, task_id)
		)
	`, expiresType))
	if err != nil {
		return fmt.Errorf("migrate sidecar_queue: %w", err)
	}
	_, err = s.pool.Writer().ExecContext(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS sidecar_delayed (
			task_id TEXT PRIMARY KEY,
			visible_at %s NOT NULL
		)
	`, expiresType))
	if err != nil {
		return fmt.Errorf("migrate sidecar_delayed: %w", err)
	}
	_, err = s.pool.Writer().ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS sidecar_processing (
			task_id TEXT PRIMARY KEY
		)
	`)
	if err != nil {
		return fmt.Errorf("migrate sidecar_processing: %w", err)
	}
	return nil
}

func (s *SQLStore) upsert(ctx context.Context, table, id string, data []byte, expiresAt *time.Time) error {
	writer := s.pool.Writer()
	var query string
	if dialect.IsPostgres(s.driver) {
		if table == "sidecar_tasks" {
			query = `INSERT INTO sidecar_tasks (id, data, expires_at) VALUES ($1, $2, $3)
				ON CONFLICT (id) DO UPDATE SET data = EXCLUDED.data, expires_at = EXCLUDED.expires_at`
			_, err := writer.ExecContext(ctx, query, id, string(data), expiresAt)
			return err
		}
		query = `INSERT INTO sidecar_agents (id, data) VALUES ($1, $2)
			ON CONFLICT (id) DO UPDATE SET data = EXCLUDED.data`
		_, err := writer.ExecContext(ctx, query, id, string(data))
		return err
	}

	if table == "sidecar_tasks" {
		query = `INSERT OR REPLACE INTO sidecar_tasks (id, data, expires_at) VALUES (?, ?, ?)`
		_, err := writer.ExecContext(ctx, query, id, string(data), expiresAt)
		return err
	}
	query = `INSERT OR REPLACE INTO sidecar_agents (id, data) VALUES (?, ?)`
	_, err := writer.ExecContext(ctx, query, id, string(data))
	return err
}

func (s *SQLStore) SaveTask(ctx context.Context, task *v1.Task, ttl time.Duration) error {
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal task %s: %w", task.ID, err)
	}
	var expiresAt *time.Time
	if ttl > 0 {
		t := time.Now().Add(ttl)
		expiresAt = &t
	}
	if err := s.upsert(ctx, "sidecar_tasks", task.ID, data, expiresAt); err != nil {
		return fmt.Errorf("save task %s: %w: %w", task.ID, err, errs.ErrTransientDependency)
	}
	return nil
}

func (s *SQLStore) LoadTask(ctx context.Context, id string) (*v1.Task, error) {
	reader := s.pool.Reader()
	var data string
	err := reader.GetContext(ctx, &data, reader.Rebind(`SELECT data FROM sidecar_tasks WHERE id = ?`), id)
	if err != nil {
		return nil, fmt.Errorf("load task %s: %w", id, errs.ErrNotFound)
	}
	var task v1.Task
	if err := json.Unmarshal([]byte(data), &task); err != nil {
		return nil, fmt.Errorf("unmarshal task %s: %w", id, err)
	}
	return &task, nil
}

// ListActiveTasks filters on the state recorded inside the serialized
// task blob, via the dialect's JSON extraction so the same query works
// on SQLite and Postgres.
func (s *SQLStore) ListActiveTasks(ctx context.Context) ([]*v1.Task, error) {
	stateExpr := dialect.JSONExtract(s.driver, "data", "state")
	query := fmt.Sprintf(
		`SELECT data FROM sidecar_tasks WHERE %s IN ('PENDING', 'SCHEDULED', 'RUNNING', 'RETRYING')`,
		stateExpr,
	)
	var rows []string
	if err := s.pool.Reader().SelectContext(ctx, &rows, query); err != nil {
		return nil, fmt.Errorf("list active tasks: %w: %w", err, errs.ErrTransientDependency)
	}
	tasks := make([]*v1.Task, 0, len(rows))
	for _, raw := range rows {
		var task v1.Task
		if err := json.Unmarshal([]byte(raw), &task); err != nil {
			continue
		}
		tasks = append(tasks, &task)
	}
	return tasks, nil
}

func (s *SQLStore) DeleteTask(ctx context.Context, id string) error {
	writer := s.pool.Writer()
	_, err := writer.ExecContext(ctx, writer.Rebind(`DELETE FROM sidecar_tasks WHERE id = ?`), id)
	return err
}

func (s *SQLStore) SaveAgent(ctx context.Context, agent *v1.AgentRecord) error {
	data, err := json.Marshal(agent)
	if err != nil {
		return fmt.Errorf("marshal agent %s: %w", agent.ID, err)
	}
	if err := s.upsert(ctx, "sidecar_agents", agent.ID, data, nil); err != nil {
		return fmt.Errorf("save agent %s: %w: %w", agent.ID, err, errs.ErrTransientDependency)
	}
	return nil
}

func (s *SQLStore) LoadAgent(ctx context.Context, id string) (*v1.AgentRecord, error) {
	reader := s.pool.Reader()
	var data string
	err := reader.GetContext(ctx, &data, reader.Rebind(`SELECT data FROM sidecar_agents WHERE id = ?`), id)
	if err != nil {
		return nil, fmt.Errorf("load agent %s: %w", id, errs.ErrNotFound)
	}
	var agent v1.AgentRecord
	if err := json.Unmarshal([]byte(data), &agent); err != nil {
		return nil, fmt.Errorf("unmarshal agent %s: %w", id, err)
	}
	return &agent, nil
}

func (s *SQLStore) ListAgents(ctx context.Context) ([]*v1.AgentRecord, error) {
	var rows []string
	if err := s.pool.Reader().SelectContext(ctx, &rows, `SELECT data FROM sidecar_agents`); err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	agents := make([]*v1.AgentRecord, 0, len(rows))
	for _, raw := range rows {
		var agent v1.AgentRecord
		if err := json.Unmarshal([]byte(raw), &agent); err != nil {
			continue
		}
		agents = append(agents, &agent)
	}
	return agents, nil
}

func (s *SQLStore) PushQueued(ctx context.Context, agent, taskID string, priority int, enqueuedAt time.Time) error {
	writer := s.pool.Writer()
	var query string
	if dialect.IsPostgres(s.driver) {
		query = `INSERT INTO sidecar_queue (agent, task_id, priority, enqueued_at) VALUES ($1, $2, $3, $4)
			ON CONFLICT (agent, task_id) DO UPDATE SET priority = EXCLUDED.priority, enqueued_at = EXCLUDED.enqueued_at`
	} else {
		query = `INSERT OR REPLACE INTO sidecar_queue (agent, task_id, priority, enqueued_at) VALUES (?, ?, ?, ?)`
	}
	if _, err := writer.ExecContext(ctx, query, agent, taskID, priority, enqueuedAt); err != nil {
		return fmt.Errorf("push queued %s: %w: %w", taskID, err, errs.ErrTransientDependency)
	}
	return nil
}

func (s *SQLStore) RemoveQueued(ctx context.Context, agent, taskID string) error {
	writer := s.pool.Writer()
	_, err := writer.ExecContext(ctx, writer.Rebind(`DELETE FROM sidecar_queue WHERE agent = ? AND task_id = ?`), agent, taskID)
	return err
}

func (s *SQLStore) ListQueued(ctx context.Context, agent string) ([]string, error) {
	reader := s.pool.Reader()
	var ids []string
	err := reader.SelectContext(ctx, &ids,
		reader.Rebind(`SELECT task_id FROM sidecar_queue WHERE agent = ? ORDER BY priority, enqueued_at`), agent)
	if err != nil {
		return nil, fmt.Errorf("list queued %s: %w: %w", agent, err, errs.ErrTransientDependency)
	}
	return ids, nil
}

func (s *SQLStore) AddDelayed(ctx context.Context, taskID string, visibleAt time.Time) error {
	writer := s.pool.Writer()
	var query string
	if dialect.IsPostgres(s.driver) {
		query = `INSERT INTO sidecar_delayed (task_id, visible_at) VALUES ($1, $2)
			ON CONFLICT (task_id) DO UPDATE SET visible_at = EXCLUDED.visible_at`
	} else {
		query = `INSERT OR REPLACE INTO sidecar_delayed (task_id, visible_at) VALUES (?, ?)`
	}
	if _, err := writer.ExecContext(ctx, query, taskID, visibleAt); err != nil {
		return fmt.Errorf("add delayed %s: %w: %w", taskID, err, errs.ErrTransientDependency)
	}
	return nil
}

func (s *SQLStore) RemoveDelayed(ctx context.Context, taskID string) error {
	writer := s.pool.Writer()
	_, err := writer.ExecContext(ctx, writer.Rebind(`DELETE FROM sidecar_delayed WHERE task_id = ?`), taskID)
	return err
}

func (s *SQLStore) ListDelayed(ctx context.Context) ([]string, error) {
	var ids []string
	err := s.pool.Reader().SelectContext(ctx, &ids, `SELECT task_id FROM sidecar_delayed ORDER BY visible_at`)
	if err != nil {
		return nil, fmt.Errorf("list delayed: %w: %w", err, errs.ErrTransientDependency)
	}
	return ids, nil
}

func (s *SQLStore) AddProcessing(ctx context.Context, taskID string) error {
	writer := s.pool.Writer()
	var query string
	if dialect.IsPostgres(s.driver) {
		query = `INSERT INTO sidecar_processing (task_id) VALUES ($1) ON CONFLICT (task_id) DO NOTHING`
	} else {
		query = `INSERT OR REPLACE INTO sidecar_processing (task_id) VALUES (?)`
	}
	if _, err := writer.ExecContext(ctx, query, taskID); err != nil {
		return fmt.Errorf("add processing %s: %w: %w", taskID, err, errs.ErrTransientDependency)
	}
	return nil
}

func (s *SQLStore) RemoveProcessing(ctx context.Context, taskID string) error {
	writer := s.pool.Writer()
	_, err := writer.ExecContext(ctx, writer.Rebind(`DELETE FROM sidecar_processing WHERE task_id = ?`), taskID)
	return err
}

func (s *SQLStore) ListProcessing(ctx context.Context) ([]string, error) {
	var ids []string
	err := s.pool.Reader().SelectContext(ctx, &ids, `SELECT task_id FROM sidecar_processing`)
	if err != nil {
		return nil, fmt.Errorf("list processing: %w: %w", err, errs.ErrTransientDependency)
	}
	return ids, nil
}

// Sweep deletes task rows past their recorded expiry. Called from the
// queue's cleaner loop when the SQL backend is active.
func (s *SQLStore) Sweep(ctx context.Context) error {
	writer := s.pool.Writer()
	_, err := writer.ExecContext(ctx, writer.Rebind(`DELETE FROM sidecar_tasks WHERE expires_at IS NOT NULL AND expires_at < ?`), time.Now())
	return err
}

func (s *SQLStore) Close() error {
	return s.pool.Close()
}
