package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"storyForge/models"
)

// MemoryStore keeps tasks in a mutex-guarded map. It backs tests and
// store-less single-node runs.
type MemoryStore struct {
	mu    sync.RWMutex
	tasks map[string]*models.Task
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tasks: make(map[string]*models.Task)}
}

func (s *MemoryStore) CreateTasks(ctx context.Context, tasks []*models.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, task := range tasks {
		if _, ok := s.tasks[task.ID]; ok {
			return ErrTaskAlreadyExists
		}
	}
	for _, task := range tasks {
		s.tasks[task.ID] = task.Clone()
	}
	return nil
}

func (s *MemoryStore) GetTask(ctx context.Context, id string) (*models.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	task, ok := s.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	return task.Clone(), nil
}

func (s *MemoryStore) ListTasks(ctx context.Context) ([]*models.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tasks := make([]*models.Task, 0, len(s.tasks))
	for _, task := range s.tasks {
		tasks = append(tasks, task.Clone())
	}
	sortTasks(tasks)
	return tasks, nil
}

func (s *MemoryStore) ListProjectTasks(ctx context.Context, projectID string) ([]*models.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var tasks []*models.Task
	for _, task := range s.tasks {
		if task.ProjectID == projectID {
			tasks = append(tasks, task.Clone())
		}
	}
	sortTasks(tasks)
	return tasks, nil
}

func (s *MemoryStore) UpdateStatus(ctx context.Context, id string, status models.TaskStatus, attempts int, errMsg, errStack string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[id]
	if !ok {
		return ErrTaskNotFound
	}

	now := time.Now().UTC()
	task.Status = status
	task.Attempts = attempts
	task.Error = errMsg
	task.ErrorStack = errStack
	if status == models.StatusProcessing {
		task.StartedAt = &now
	}
	if status.Terminal() {
		task.CompletedAt = &now
	}
	return nil
}

func (s *MemoryStore) UpdateProgress(ctx context.Context, id string, progress int, details models.ProgressDetails) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[id]
	if !ok {
		return ErrTaskNotFound
	}
	task.Progress = progress
	task.Details = details
	return nil
}

func (s *MemoryStore) ResetForRetry(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[id]
	if !ok {
		return ErrTaskNotFound
	}
	task.Status = models.StatusPending
	task.Progress = 0
	task.Details = models.ProgressDetails{}
	task.Error = ""
	task.ErrorStack = ""
	task.StartedAt = nil
	task.CompletedAt = nil
	return nil
}

func (s *MemoryStore) DeleteProjectTasks(ctx context.Context, projectID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, task := range s.tasks {
		if task.ProjectID == projectID {
			delete(s.tasks, id)
		}
	}
	return nil
}

func (s *MemoryStore) CompletedSince(ctx context.Context, since time.Time) (int, error) {
	return s.countSince(models.StatusCompleted, since), nil
}

func (s *MemoryStore) FailedSince(ctx context.Context, since time.Time) (int, error) {
	return s.countSince(models.StatusFailed, since), nil
}

func (s *MemoryStore) countSince(status models.TaskStatus, since time.Time) int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, task := range s.tasks {
		if task.Status == status && task.CompletedAt != nil && !task.CompletedAt.Before(since) {
			count++
		}
	}
	return count
}

func sortTasks(tasks []*models.Task) {
	sort.Slice(tasks, func(i, j int) bool {
		if tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].ID < tasks[j].ID
		}
		return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
	})
}
