package repository

import (
	"context"
	"errors"
	"time"

	"storyForge/models"
)

var (
	ErrTaskNotFound      = errors.New("task not found")
	ErrTaskAlreadyExists = errors.New("task already exists")
)

// Store is the durable record of tasks. It holds no scheduling logic;
// the scheduler is the single writer and treats store failures as
// non-fatal (logged, work continues in memory).
type Store interface {
	CreateTasks(ctx context.Context, tasks []*models.Task) error
	GetTask(ctx context.Context, id string) (*models.Task, error)
	ListTasks(ctx context.Context) ([]*models.Task, error)
	ListProjectTasks(ctx context.Context, projectID string) ([]*models.Task, error)
	UpdateStatus(ctx context.Context, id string, status models.TaskStatus, attempts int, errMsg, errStack string) error
	UpdateProgress(ctx context.Context, id string, progress int, details models.ProgressDetails) error
	ResetForRetry(ctx context.Context, id string) error
	DeleteProjectTasks(ctx context.Context, projectID string) error
	CompletedSince(ctx context.Context, since time.Time) (int, error)
	FailedSince(ctx context.Context, since time.Time) (int, error)
}
