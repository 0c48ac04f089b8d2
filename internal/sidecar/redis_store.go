package sidecar

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kandev/fleetctl/internal/errs"
	v1 "github.com/kandev/fleetctl/pkg/api/v1"
)

// RedisStore backs the persistent state layout with Redis: task and
// agent records as hashes (data blob plus a state/status field) with
// EXPIRE for task TTL, "queue:<agent>" as a sorted set scored by
// (priority, enqueue time) packed into one float64, "delayed" as a
// sorted set scored by visibility time, and "processing" as a plain
// set.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects to the given Redis URL (redis://host:port/db).
func NewRedisStore(url string) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &RedisStore{client: client}, nil
}

// NewRedisStoreFromClient wraps an already-constructed client, used by
// tests against an in-process miniredis server.
func NewRedisStoreFromClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func taskKey(id string) string     { return "task:" + id }
func agentKey(id string) string    { return "agent:" + id }
func queueKey(agent string) string { return "queue:" + agent }

const (
	delayedKey    = "delayed"
	processingKey = "processing"
)

// queueScore packs (priority, enqueue time) into a single float64 so a
// ZRANGE over "queue:<agent>" yields the same order as the in-process
// heap: lower priority values first, earlier enqueue first within a
// priority.
func queueScore(priority int, enqueuedAt time.Time) float64 {
	return float64(priority)*1e13 + float64(enqueuedAt.UnixMilli())
}

func (s *RedisStore) SaveTask(ctx context.Context, task *v1.Task, ttl time.Duration) error {
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal task %s: %w", task.ID, err)
	}
	key := taskKey(task.ID)
	if err := s.client.HSet(ctx, key, "data", data, "state", string(task.State)).Err(); err != nil {
		return fmt.Errorf("save task %s: %w: %w", task.ID, err, errs.ErrTransientDependency)
	}
	if ttl > 0 {
		if err := s.client.Expire(ctx, key, ttl).Err(); err != nil {
			return fmt.Errorf("expire task %s: %w: %w", task.ID, err, errs.ErrTransientDependency)
		}
	}
	return nil
}

func (s *RedisStore) LoadTask(ctx context.Context, id string) (*v1.Task, error) {
	data, err := s.client.HGet(ctx, taskKey(id), "data").Bytes()
	if err == redis.Nil {
		return nil, fmt.Errorf("load task %s: %w", id, errs.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load task %s: %w: %w", id, err, errs.ErrTransientDependency)
	}
	var task v1.Task
	if err := json.Unmarshal(data, &task); err != nil {
		return nil, fmt.Errorf("unmarshal task %s: %w", id, err)
	}
	return &task, nil
}

func (s *RedisStore) DeleteTask(ctx context.Context, id string) error {
	return s.client.Del(ctx, taskKey(id)).Err()
}

// ListActiveTasks scans task:* and keeps the records whose recorded
// state field is non-terminal, for queue recovery at startup.
func (s *RedisStore) ListActiveTasks(ctx context.Context) ([]*v1.Task, error) {
	var tasks []*v1.Task
	iter := s.client.Scan(ctx, 0, "task:*", 0).Iterator()
	for iter.Next(ctx) {
		state, err := s.client.HGet(ctx, iter.Val(), "state").Result()
		if err != nil {
			continue
		}
		switch v1.TaskState(state) {
		case v1.TaskStatePending, v1.TaskStateScheduled, v1.TaskStateRunning, v1.TaskStateRetrying:
		default:
			continue
		}
		data, err := s.client.HGet(ctx, iter.Val(), "data").Bytes()
		if err != nil {
			continue
		}
		var task v1.Task
		if err := json.Unmarshal(data, &task); err != nil {
			continue
		}
		tasks = append(tasks, &task)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("list active tasks: %w: %w", err, errs.ErrTransientDependency)
	}
	return tasks, nil
}

func (s *RedisStore) SaveAgent(ctx context.Context, agent *v1.AgentRecord) error {
	data, err := json.Marshal(agent)
	if err != nil {
		return fmt.Errorf("marshal agent %s: %w", agent.ID, err)
	}
	if err := s.client.HSet(ctx, agentKey(agent.ID), "data", data, "status", string(agent.Status)).Err(); err != nil {
		return fmt.Errorf("save agent %s: %w: %w", agent.ID, err, errs.ErrTransientDependency)
	}
	return nil
}

func (s *RedisStore) LoadAgent(ctx context.Context, id string) (*v1.AgentRecord, error) {
	data, err := s.client.HGet(ctx, agentKey(id), "data").Bytes()
	if err == redis.Nil {
		return nil, fmt.Errorf("load agent %s: %w", id, errs.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load agent %s: %w: %w", id, err, errs.ErrTransientDependency)
	}
	var agent v1.AgentRecord
	if err := json.Unmarshal(data, &agent); err != nil {
		return nil, fmt.Errorf("unmarshal agent %s: %w", id, err)
	}
	return &agent, nil
}

func (s *RedisStore) ListAgents(ctx context.Context) ([]*v1.AgentRecord, error) {
	var agents []*v1.AgentRecord
	iter := s.client.Scan(ctx, 0, "agent:*", 0).Iterator()
	for iter.Next(ctx) {
		data, err := s.client.HGet(ctx, iter.Val(), "data").Bytes()
		if err != nil {
			continue
		}
		var agent v1.AgentRecord
		if err := json.Unmarshal(data, &agent); err != nil {
			continue
		}
		agents = append(agents, &agent)
	}
	return agents, iter.Err()
}

func (s *RedisStore) PushQueued(ctx context.Context, agent, taskID string, priority int, enqueuedAt time.Time) error {
	err := s.client.ZAdd(ctx, queueKey(agent), redis.Z{Score: queueScore(priority, enqueuedAt), Member: taskID}).Err()
	if err != nil {
		return fmt.Errorf("push queued %s: %w: %w", taskID, err, errs.ErrTransientDependency)
	}
	return nil
}

func (s *RedisStore) RemoveQueued(ctx context.Context, agent, taskID string) error {
	return s.client.ZRem(ctx, queueKey(agent), taskID).Err()
}

func (s *RedisStore) ListQueued(ctx context.Context, agent string) ([]string, error) {
	ids, err := s.client.ZRange(ctx, queueKey(agent), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list queued %s: %w: %w", agent, err, errs.ErrTransientDependency)
	}
	return ids, nil
}

func (s *RedisStore) AddDelayed(ctx context.Context, taskID string, visibleAt time.Time) error {
	err := s.client.ZAdd(ctx, delayedKey, redis.Z{Score: float64(visibleAt.UnixNano()), Member: taskID}).Err()
	if err != nil {
		return fmt.Errorf("add delayed %s: %w: %w", taskID, err, errs.ErrTransientDependency)
	}
	return nil
}

func (s *RedisStore) RemoveDelayed(ctx context.Context, taskID string) error {
	return s.client.ZRem(ctx, delayedKey, taskID).Err()
}

func (s *RedisStore) ListDelayed(ctx context.Context) ([]string, error) {
	ids, err := s.client.ZRange(ctx, delayedKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list delayed: %w: %w", err, errs.ErrTransientDependency)
	}
	return ids, nil
}

func (s *RedisStore) AddProcessing(ctx context.Context, taskID string) error {
	if err := s.client.SAdd(ctx, processingKey, taskID).Err(); err != nil {
		return fmt.Errorf("add processing %s: %w: %w", taskID, err, errs.ErrTransientDependency)
	}
	return nil
}

func (s *RedisStore) RemoveProcessing(ctx context.Context, taskID string) error {
	return s.client.SRem(ctx, processingKey, taskID).Err()
}

func (s *RedisStore) ListProcessing(ctx context.Context) ([]string, error) {
	ids, err := s.client.SMembers(ctx, processingKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list processing: %w: %w", err, errs.ErrTransientDependency)
	}
	return ids, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
