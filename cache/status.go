package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"storyForge/database"
	"storyForge/models"
	"storyForge/pipeline"
)

const (
	statusKeyPrefix = "task:status:"
	statusTTL       = 10 * time.Minute
)

// TaskState is the compact per-task record mirrored into redis for the
// HTTP status fast path.
type TaskState struct {
	Status   models.TaskStatus       `json:"status"`
	Progress int                     `json:"progress"`
	Details  *models.ProgressDetails `json:"details,omitempty"`
	Error    string                  `json:"error,omitempty"`
}

type StatusCache struct {
	cache  *database.Cache
	logger *zap.Logger
}

func NewStatusCache(cache *database.Cache, logger *zap.Logger) *StatusCache {
	return &StatusCache{cache: cache, logger: logger}
}

func (sc *StatusCache) Get(ctx context.Context, taskID string) (*TaskState, error) {
	key := fmt.Sprintf("%s%s", statusKeyPrefix, taskID)

	data, err := sc.cache.Get(ctx, key)
	if err != nil {
		return nil, err
	}

	var state TaskState
	if err := json.Unmarshal([]byte(data), &state); err != nil {
		return nil, err
	}
	return &state, nil
}

func (sc *StatusCache) Set(ctx context.Context, taskID string, state TaskState) error {
	key := fmt.Sprintf("%s%s", statusKeyPrefix, taskID)

	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	return sc.cache.Set(ctx, key, data, statusTTL)
}

func (sc *StatusCache) Delete(ctx context.Context, taskIDs ...string) error {
	keys := make([]string, len(taskIDs))
	for i, id := range taskIDs {
		keys[i] = fmt.Sprintf("%s%s", statusKeyPrefix, id)
	}
	return sc.cache.Del(ctx, keys...)
}

// Mirror consumes bus events and keeps the redis records current. It
// returns when the subscription channel closes or ctx is done; write
// failures are logged and skipped.
func (sc *StatusCache) Mirror(ctx context.Context, events <-chan pipeline.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			if evt.TaskID == "" {
				continue
			}
			state := TaskState{
				Status:   evt.Status,
				Progress: evt.Progress,
				Details:  evt.Details,
				Error:    evt.Error,
			}
			if err := sc.Set(ctx, evt.TaskID, state); err != nil {
				sc.logger.Warn("Mirror task state",
					zap.String("task_id", evt.TaskID),
					zap.Error(err),
				)
			}
		}
	}
}
