package repository

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"storyForge/database"
	"storyForge/models"
)

type PostgresStore struct {
	db *database.DB
}

func NewPostgresStore(db *database.DB) Store {
	return &PostgresStore{db: db}
}

const taskColumns = `
	id, project_id, task_type, status, priority, progress, progress_details,
	attempts, max_attempts, depends_on, stage_group, error, error_stack,
	created_at, started_at, completed_at
`

func (s *PostgresStore) CreateTasks(ctx context.Context, tasks []*models.Task) error {
	if len(tasks) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	query := `
		INSERT INTO tasks (
			id, project_id, task_type, status, priority, progress, progress_details,
			attempts, max_attempts, depends_on, stage_group, created_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`
	for _, task := range tasks {
		details, err := json.Marshal(task.Details)
		if err != nil {
			return err
		}
		batch.Queue(query,
			task.ID,
			task.ProjectID,
			task.Type,
			task.Status,
			task.Priority,
			task.Progress,
			details,
			task.Attempts,
			task.MaxAttempts,
			nullableString(task.DependsOn),
			task.StageGroup,
			task.CreatedAt,
		)
	}

	results := s.db.Pool.SendBatch(ctx, batch)
	defer results.Close()

	for range tasks {
		if _, err := results.Exec(); err != nil {
			return err
		}
	}
	return nil
}

func (s *PostgresStore) GetTask(ctx context.Context, id string) (*models.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE id = $1`

	task, err := scanTask(s.db.Pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTaskNotFound
		}
		return nil, err
	}
	return task, nil
}

func (s *PostgresStore) ListTasks(ctx context.Context) ([]*models.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks ORDER BY created_at, id`
	return s.queryTasks(ctx, query)
}

func (s *PostgresStore) ListProjectTasks(ctx context.Context, projectID string) ([]*models.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE project_id = $1 ORDER BY created_at, id`
	return s.queryTasks(ctx, query, projectID)
}

func (s *PostgresStore) UpdateStatus(ctx context.Context, id string, status models.TaskStatus, attempts int, errMsg, errStack string) error {
	query := `
		UPDATE tasks
		SET status = $1, attempts = $2, error = $3, error_stack = $4
	`

	if status == models.StatusProcessing {
		query += `, started_at = NOW()`
	}
	if status.Terminal() {
		query += `, completed_at = NOW()`
	}

	query += ` WHERE id = $5`

	result, err := s.db.Pool.Exec(ctx, query, status, attempts, errMsg, errStack, id)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrTaskNotFound
	}
	return nil
}

func (s *PostgresStore) UpdateProgress(ctx context.Context, id string, progress int, details models.ProgressDetails) error {
	data, err := json.Marshal(details)
	if err != nil {
		return err
	}

	query := `UPDATE tasks SET progress = $1, progress_details = $2 WHERE id = $3`

	result, err := s.db.Pool.Exec(ctx, query, progress, data, id)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrTaskNotFound
	}
	return nil
}

func (s *PostgresStore) ResetForRetry(ctx context.Context, id string) error {
	query := `
		UPDATE tasks
		SET status = $1, progress = 0, progress_details = $2,
			error = '', error_stack = '', started_at = NULL, completed_at = NULL
		WHERE id = $3
	`

	empty, _ := json.Marshal(models.ProgressDetails{})
	result, err := s.db.Pool.Exec(ctx, query, models.StatusPending, empty, id)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrTaskNotFound
	}
	return nil
}

func (s *PostgresStore) DeleteProjectTasks(ctx context.Context, projectID string) error {
	_, err := s.db.Pool.Exec(ctx, `DELETE FROM tasks WHERE project_id = $1`, projectID)
	return err
}

func (s *PostgresStore) CompletedSince(ctx context.Context, since time.Time) (int, error) {
	return s.countSince(ctx, models.StatusCompleted, since)
}

func (s *PostgresStore) FailedSince(ctx context.Context, since time.Time) (int, error) {
	return s.countSince(ctx, models.StatusFailed, since)
}

func (s *PostgresStore) countSince(ctx context.Context, status models.TaskStatus, since time.Time) (int, error) {
	query := `SELECT COUNT(*) FROM tasks WHERE status = $1 AND completed_at >= $2`

	var count int
	if err := s.db.Pool.QueryRow(ctx, query, status, since).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

func (s *PostgresStore) queryTasks(ctx context.Context, query string, args ...any) ([]*models.Task, error) {
	rows, err := s.db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []*models.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

func scanTask(row pgx.Row) (*models.Task, error) {
	var task models.Task
	var details []byte
	var dependsOn *string

	err := row.Scan(
		&task.ID,
		&task.ProjectID,
		&task.Type,
		&task.Status,
		&task.Priority,
		&task.Progress,
		&details,
		&task.Attempts,
		&task.MaxAttempts,
		&dependsOn,
		&task.StageGroup,
		&task.Error,
		&task.ErrorStack,
		&task.CreatedAt,
		&task.StartedAt,
		&task.CompletedAt,
	)
	if err != nil {
		return nil, err
	}

	if dependsOn != nil {
		task.DependsOn = *dependsOn
	}
	if len(details) > 0 {
		if err := json.Unmarshal(details, &task.Details); err != nil {
			return nil, err
		}
	}
	return &task, nil
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
