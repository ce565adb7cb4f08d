package dto

import "storyForge/models"

type GenerateRequest struct {
	ProjectID string   `json:"project_id"`
	Stages    []string `json:"stages"`
	Priority  int      `json:"priority"`
}

type TaskResponse struct {
	ID          string                 `json:"id"`
	ProjectID   string                 `json:"project_id"`
	Type        string                 `json:"type"`
	Status      string                 `json:"status"`
	Priority    int                    `json:"priority"`
	Progress    int                    `json:"progress"`
	Details     models.ProgressDetails `json:"details"`
	Attempts    int                    `json:"attempts"`
	MaxAttempts int                    `json:"max_attempts"`
	DependsOn   string                 `json:"depends_on,omitempty"`
	StageGroup  int                    `json:"stage_group"`
	Error       string                 `json:"error,omitempty"`
	CreatedAt   string                 `json:"created_at"`
	StartedAt   *string                `json:"started_at,omitempty"`
	CompletedAt *string                `json:"completed_at,omitempty"`
}

type TaskStatusResponse struct {
	ID       string                  `json:"id"`
	Status   string                  `json:"status"`
	Progress int                     `json:"progress"`
	Details  *models.ProgressDetails `json:"details,omitempty"`
	Error    string                  `json:"error,omitempty"`
}

type GenerateResponse struct {
	ProjectID string         `json:"project_id"`
	Tasks     []TaskResponse `json:"tasks"`
}

type ProjectResponse struct {
	ProjectID string         `json:"project_id"`
	Status    string         `json:"status"`
	Overall   int            `json:"overall"`
	Stages    map[string]int `json:"stages"`
	Tasks     []TaskResponse `json:"tasks"`
}

type PausedResponse struct {
	Paused bool `json:"paused"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	TraceID string `json:"trace_id,omitempty"`
}

const timeFormat = "2006-01-02T15:04:05Z"

func FromTask(task *models.Task) TaskResponse {
	resp := TaskResponse{
		ID:          task.ID,
		ProjectID:   task.ProjectID,
		Type:        string(task.Type),
		Status:      string(task.Status),
		Priority:    task.Priority,
		Progress:    task.Progress,
		Details:     task.Details,
		Attempts:    task.Attempts,
		MaxAttempts: task.MaxAttempts,
		DependsOn:   task.DependsOn,
		StageGroup:  task.StageGroup,
		Error:       task.Error,
		CreatedAt:   task.CreatedAt.UTC().Format(timeFormat),
	}
	if task.StartedAt != nil {
		started := task.StartedAt.UTC().Format(timeFormat)
		resp.StartedAt = &started
	}
	if task.CompletedAt != nil {
		completed := task.CompletedAt.UTC().Format(timeFormat)
		resp.CompletedAt = &completed
	}
	return resp
}

func FromTasks(tasks []*models.Task) []TaskResponse {
	out := make([]TaskResponse, len(tasks))
	for i, task := range tasks {
		out[i] = FromTask(task)
	}
	return out
}
