// Package archive exports terminal task records to Redis for offline
// inspection. The in-memory registry stays authoritative: nothing is
// ever read back into the orchestrator, so a restart starts empty.
package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mirvoism/browser-automation-service/internal/task"
)

const (
	taskKeyPrefix   = "automation:archive:task:"
	statusKeyPrefix = "automation:archive:status:"

	defaultTTL = 7 * 24 * time.Hour
)

// Archive writes finished tasks to Redis with a TTL
type Archive struct {
	client *redis.Client
	ttl    time.Duration
}

// New creates an archive over an existing Redis client. A zero ttl
// selects the default retention.
func New(client *redis.Client, ttl time.Duration) *Archive {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Archive{client: client, ttl: ttl}
}

// Dial connects to Redis and returns an archive over the connection
func Dial(ctx context.Context, addr, password string, db int, ttl time.Duration) (*Archive, error) {
	if addr == "" {
		return nil, fmt.Errorf("redis address cannot be empty")
	}

	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return New(client, ttl), nil
}

// Store writes one task record. The record's status is also indexed so
// finished tasks can be browsed per status.
func (a *Archive) Store(ctx context.Context, t *task.Task) error {
	if t == nil || t.ID == "" {
		return fmt.Errorf("invalid task")
	}

	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("failed to marshal task: %w", err)
	}

	key := taskKeyPrefix + t.ID
	if err := a.client.Set(ctx, key, data, a.ttl).Err(); err != nil {
		return fmt.Errorf("failed to archive task: %w", err)
	}

	statusKey := statusKeyPrefix + string(t.Status)
	if err := a.client.SAdd(ctx, statusKey, t.ID).Err(); err != nil {
		return fmt.Errorf("failed to index task status: %w", err)
	}
	a.client.Expire(ctx, statusKey, a.ttl)

	return nil
}

// Get retrieves an archived task record by id
func (a *Archive) Get(ctx context.Context, id string) (*task.Task, error) {
	if id == "" {
		return nil, fmt.Errorf("task ID cannot be empty")
	}

	data, err := a.client.Get(ctx, taskKeyPrefix+id).Result()
	if err == redis.Nil {
		return nil, task.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get archived task: %w", err)
	}

	var t task.Task
	if err := json.Unmarshal([]byte(data), &t); err != nil {
		return nil, fmt.Errorf("failed to unmarshal archived task: %w", err)
	}
	return &t, nil
}

// ListByStatus returns up to limit archived task ids with the given
// terminal status. Ids whose records have expired are skipped.
func (a *Archive) ListByStatus(ctx context.Context, status task.Status, limit int) ([]*task.Task, error) {
	ids, err := a.client.SMembers(ctx, statusKeyPrefix+string(status)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list archive index: %w", err)
	}

	out := make([]*task.Task, 0, len(ids))
	for _, id := range ids {
		if limit > 0 && len(out) >= limit {
			break
		}
		t, err := a.Get(ctx, id)
		if err != nil {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

// Health checks the Redis connection
func (a *Archive) Health(ctx context.Context) error {
	return a.client.Ping(ctx).Err()
}

// Close closes the underlying Redis connection
func (a *Archive) Close() error {
	if a.client != nil {
		return a.client.Close()
	}
	return nil
}
