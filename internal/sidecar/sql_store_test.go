package sidecar

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/kandev/fleetctl/internal/db"
	"github.com/kandev/fleetctl/internal/db/dialect"
	v1 "github.com/kandev/fleetctl/pkg/api/v1"
)

func newTestSQLStore(t *testing.T) *SQLStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sidecar.db")

	writerConn, err := db.OpenSQLite(path)
	require.NoError(t, err)
	readerConn, err := db.OpenSQLiteReader(path)
	require.NoError(t, err)
	writer := sqlx.NewDb(writerConn, dialect.SQLite3)
	reader := sqlx.NewDb(readerConn, dialect.SQLite3)
	pool := db.NewPool(writer, reader)
	t.Cleanup(func() { _ = pool.Close() })

	store, err := NewSQLStore(context.Background(), pool, dialect.SQLite3)
	require.NoError(t, err)
	return store
}

func TestSQLStoreTaskRoundTrip(t *testing.T) {
	store := newTestSQLStore(t)
	ctx := context.Background()

	task := &v1.Task{ID: "t1", Name: "build", Agent: "agent-1", State: v1.TaskStateRunning}
	require.NoError(t, store.SaveTask(ctx, task, time.Minute))

	loaded, err := store.LoadTask(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, task.Name, loaded.Name)

	require.NoError(t, store.DeleteTask(ctx, "t1"))
	_, err = store.LoadTask(ctx, "t1")
	require.Error(t, err)
}

func TestSQLStoreAgentRoundTrip(t *testing.T) {
	store := newTestSQLStore(t)
	ctx := context.Background()

	agent := &v1.AgentRecord{ID: "a1", SessionName: "claude-1", Status: v1.AgentStatusIdle}
	require.NoError(t, store.SaveAgent(ctx, agent))

	loaded, err := store.LoadAgent(ctx, "a1")
	require.NoError(t, err)
	require.Equal(t, agent.SessionName, loaded.SessionName)

	list, err := store.ListAgents(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
}

func TestSQLStoreListActiveTasks(t *testing.T) {
	store := newTestSQLStore(t)
	ctx := context.Background()

	running := &v1.Task{ID: "r1", Name: "running", Agent: "agent-1", State: v1.TaskStateRunning}
	require.NoError(t, store.SaveTask(ctx, running, 0))
	completed := &v1.Task{ID: "c1", Name: "finished", Agent: "agent-1", State: v1.TaskStateCompleted}
	require.NoError(t, store.SaveTask(ctx, completed, 0))

	active, err := store.ListActiveTasks(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	require.Equal(t, "r1", active[0].ID)
}

func TestSQLStoreQueueCollectionOrdering(t *testing.T) {
	store := newTestSQLStore(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, store.PushQueued(ctx, "agent-1", "t-low", int(v1.PriorityLow), now))
	require.NoError(t, store.PushQueued(ctx, "agent-1", "t-crit", int(v1.PriorityCritical), now.Add(time.Second)))
	require.NoError(t, store.PushQueued(ctx, "agent-1", "t-norm", int(v1.PriorityNormal), now))

	ids, err := store.ListQueued(ctx, "agent-1")
	require.NoError(t, err)
	require.Equal(t, []string{"t-crit", "t-norm", "t-low"}, ids, "queue:<agent> must order by priority before enqueue time")

	require.NoError(t, store.RemoveQueued(ctx, "agent-1", "t-crit"))
	ids, err = store.ListQueued(ctx, "agent-1")
	require.NoError(t, err)
	require.Equal(t, []string{"t-norm", "t-low"}, ids)
}

func TestSQLStoreDelayedAndProcessingSets(t *testing.T) {
	store := newTestSQLStore(t)
	ctx := context.Background()

	require.NoError(t, store.AddDelayed(ctx, "t1", time.Now().Add(time.Minute)))
	ids, err := store.ListDelayed(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"t1"}, ids)
	require.NoError(t, store.RemoveDelayed(ctx, "t1"))

	require.NoError(t, store.AddProcessing(ctx, "t2"))
	ids, err = store.ListProcessing(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"t2"}, ids)
	require.NoError(t, store.RemoveProcessing(ctx, "t2"))

	ids, err = store.ListProcessing(ctx)
	require.NoError(t, err)
	require.Empty(t, ids)
}

func TestSQLStoreSweepEvictsExpiredTasks(t *testing.T) {
	store := newTestSQLStore(t)
	ctx := context.Background()

	task := &v1.Task{ID: "t2", Name: "expire-me", Agent: "agent-1", State: v1.TaskStateCompleted}
	require.NoError(t, store.SaveTask(ctx, task, time.Millisecond))
	time.Sleep(5 * time.Millisecond)

	require.NoError(t, store.Sweep(ctx))
	_, err := store.LoadTask(ctx, "t2")
	require.Error(t, err)
}
