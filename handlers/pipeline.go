package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"storyForge/cache"
	"storyForge/dto"
	"storyForge/middleware"
	"storyForge/models"
	"storyForge/pipeline"
	"storyForge/validation"
)

// Pipeline is the scheduler surface the HTTP layer depends on.
type Pipeline interface {
	Generate(ctx context.Context, projectID string, stages []models.TaskType, priority int) ([]*models.Task, error)
	GetTask(taskID string) (*models.Task, error)
	ListTasks() []*models.Task
	ProjectTasks(projectID string) []*models.Task
	ProjectProgress(projectID string) (pipeline.ProjectProgress, error)
	CancelTask(taskID string) error
	RetryTask(taskID string) error
	DeleteProject(ctx context.Context, projectID string) error
	Stats(ctx context.Context) (*pipeline.Stats, error)
	Pause()
	Resume()
	Paused() bool
}

// StatusReader is the redis mirror consulted before the scheduler on the
// single-task status path, and evicted when tasks are destroyed.
type StatusReader interface {
	Get(ctx context.Context, taskID string) (*cache.TaskState, error)
	Delete(ctx context.Context, taskIDs ...string) error
}

type PipelineHandler struct {
	scheduler Pipeline
	status    StatusReader
	logger    *zap.Logger
}

func NewPipelineHandler(scheduler Pipeline, status StatusReader, logger *zap.Logger) *PipelineHandler {
	return &PipelineHandler{
		scheduler: scheduler,
		status:    status,
		logger:    logger,
	}
}

// Register wires the operator endpoints onto the mux.
func (h *PipelineHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/generate", h.Generate)
	mux.HandleFunc("/tasks", h.ListTasks)
	mux.HandleFunc("/tasks/", h.TaskRoutes)
	mux.HandleFunc("/projects/", h.ProjectRoutes)
	mux.HandleFunc("/stats", h.Stats)
	mux.HandleFunc("/paused", h.Paused)
	mux.HandleFunc("/pause", h.Pause)
	mux.HandleFunc("/resume", h.Resume)
}

func (h *PipelineHandler) Generate(w http.ResponseWriter, r *http.Request) {
	traceID := middleware.GetTraceID(r.Context())

	if r.Method != http.MethodPost {
		h.handleError(w, "Method not allowed", nil, traceID, http.StatusMethodNotAllowed)
		return
	}

	var req dto.GenerateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.handleError(w, "Invalid request body", err, traceID, http.StatusBadRequest)
		return
	}

	if err := validation.CheckProjectID(req.ProjectID); err != nil {
		h.handleError(w, "Invalid request", err, traceID, http.StatusBadRequest)
		return
	}
	if err := validation.CheckPriority(req.Priority); err != nil {
		h.handleError(w, "Invalid request", err, traceID, http.StatusBadRequest)
		return
	}
	stages, err := validation.ParseStages(req.Stages)
	if err != nil {
		h.handleError(w, "Invalid request", err, traceID, http.StatusBadRequest)
		return
	}

	tasks, err := h.scheduler.Generate(r.Context(), req.ProjectID, stages, req.Priority)
	if err != nil {
		h.handleError(w, "Failed to queue project", err, traceID, h.statusFor(err))
		return
	}

	h.logger.Info("Generation requested",
		zap.String("trace_id", traceID),
		zap.String("project_id", req.ProjectID),
		zap.Int("tasks", len(tasks)),
	)

	h.respondJSON(w, http.StatusCreated, dto.GenerateResponse{
		ProjectID: req.ProjectID,
		Tasks:     dto.FromTasks(tasks),
	})
}

func (h *PipelineHandler) ListTasks(w http.ResponseWriter, r *http.Request) {
	traceID := middleware.GetTraceID(r.Context())

	if r.Method != http.MethodGet {
		h.handleError(w, "Method not allowed", nil, traceID, http.StatusMethodNotAllowed)
		return
	}

	h.respondJSON(w, http.StatusOK, dto.FromTasks(h.scheduler.ListTasks()))
}

// TaskRoutes dispatches /tasks/{id}, /tasks/{id}/cancel and
// /tasks/{id}/retry.
func (h *PipelineHandler) TaskRoutes(w http.ResponseWriter, r *http.Request) {
	traceID := middleware.GetTraceID(r.Context())

	rest := strings.TrimPrefix(r.URL.Path, "/tasks/")
	taskID, action, _ := strings.Cut(rest, "/")
	if taskID == "" {
		h.handleError(w, "Task ID is required", nil, traceID, http.StatusBadRequest)
		return
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		h.taskStatus(w, r, taskID, traceID)
	case action == "cancel" && r.Method == http.MethodPost:
		h.taskAction(w, taskID, traceID, "cancel", h.scheduler.CancelTask)
	case action == "retry" && r.Method == http.MethodPost:
		h.taskAction(w, taskID, traceID, "retry", h.scheduler.RetryTask)
	default:
		h.handleError(w, "Not found", nil, traceID, http.StatusNotFound)
	}
}

func (h *PipelineHandler) taskStatus(w http.ResponseWriter, r *http.Request, taskID, traceID string) {
	if h.status != nil {
		if state, err := h.status.Get(r.Context(), taskID); err == nil {
			h.respondJSON(w, http.StatusOK, dto.TaskStatusResponse{
				ID:       taskID,
				Status:   string(state.Status),
				Progress: state.Progress,
				Details:  state.Details,
				Error:    state.Error,
			})
			return
		}
	}

	task, err := h.scheduler.GetTask(taskID)
	if err != nil {
		h.handleError(w, "Failed to get task", err, traceID, h.statusFor(err))
		return
	}
	h.respondJSON(w, http.StatusOK, dto.FromTask(task))
}

func (h *PipelineHandler) taskAction(w http.ResponseWriter, taskID, traceID, name string, action func(string) error) {
	if err := action(taskID); err != nil {
		h.handleError(w, "Failed to "+name+" task", err, traceID, h.statusFor(err))
		return
	}

	h.logger.Info("Task "+name+" accepted",
		zap.String("trace_id", traceID),
		zap.String("task_id", taskID),
	)

	task, err := h.scheduler.GetTask(taskID)
	if err != nil {
		h.handleError(w, "Failed to get task", err, traceID, h.statusFor(err))
		return
	}
	h.respondJSON(w, http.StatusOK, dto.FromTask(task))
}

// ProjectRoutes dispatches GET/DELETE /projects/{id}.
func (h *PipelineHandler) ProjectRoutes(w http.ResponseWriter, r *http.Request) {
	traceID := middleware.GetTraceID(r.Context())

	projectID := strings.TrimPrefix(r.URL.Path, "/projects/")
	if projectID == "" || strings.Contains(projectID, "/") {
		h.handleError(w, "Project ID is required", nil, traceID, http.StatusBadRequest)
		return
	}

	switch r.Method {
	case http.MethodGet:
		progress, err := h.scheduler.ProjectProgress(projectID)
		if err != nil {
			h.handleError(w, "Failed to get project", err, traceID, h.statusFor(err))
			return
		}
		stages := make(map[string]int, len(progress.Stages))
		for stage, p := range progress.Stages {
			stages[string(stage)] = p
		}
		h.respondJSON(w, http.StatusOK, dto.ProjectResponse{
			ProjectID: projectID,
			Status:    string(progress.Status),
			Overall:   progress.Overall,
			Stages:    stages,
			Tasks:     dto.FromTasks(h.scheduler.ProjectTasks(projectID)),
		})
	case http.MethodDelete:
		tasks := h.scheduler.ProjectTasks(projectID)
		if err := h.scheduler.DeleteProject(r.Context(), projectID); err != nil {
			h.handleError(w, "Failed to delete project", err, traceID, h.statusFor(err))
			return
		}
		// Evict the mirror too, or the status fast path keeps serving the
		// deleted tasks until their TTL runs out.
		if h.status != nil && len(tasks) > 0 {
			taskIDs := make([]string, len(tasks))
			for i, task := range tasks {
				taskIDs[i] = task.ID
			}
			if err := h.status.Delete(r.Context(), taskIDs...); err != nil {
				h.logger.Warn("Evict task status mirror",
					zap.String("trace_id", traceID),
					zap.String("project_id", projectID),
					zap.Error(err),
				)
			}
		}
		h.logger.Info("Project deleted",
			zap.String("trace_id", traceID),
			zap.String("project_id", projectID),
		)
		w.WriteHeader(http.StatusNoContent)
	default:
		h.handleError(w, "Method not allowed", nil, traceID, http.StatusMethodNotAllowed)
	}
}

func (h *PipelineHandler) Stats(w http.ResponseWriter, r *http.Request) {
	traceID := middleware.GetTraceID(r.Context())

	stats, err := h.scheduler.Stats(r.Context())
	if err != nil {
		h.handleError(w, "Failed to get stats", err, traceID, http.StatusInternalServerError)
		return
	}
	h.respondJSON(w, http.StatusOK, stats)
}

func (h *PipelineHandler) Paused(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, dto.PausedResponse{Paused: h.scheduler.Paused()})
}

func (h *PipelineHandler) Pause(w http.ResponseWriter, r *http.Request) {
	traceID := middleware.GetTraceID(r.Context())

	if r.Method != http.MethodPost {
		h.handleError(w, "Method not allowed", nil, traceID, http.StatusMethodNotAllowed)
		return
	}
	h.scheduler.Pause()
	h.respondJSON(w, http.StatusOK, dto.PausedResponse{Paused: true})
}

func (h *PipelineHandler) Resume(w http.ResponseWriter, r *http.Request) {
	traceID := middleware.GetTraceID(r.Context())

	if r.Method != http.MethodPost {
		h.handleError(w, "Method not allowed", nil, traceID, http.StatusMethodNotAllowed)
		return
	}
	h.scheduler.Resume()
	h.respondJSON(w, http.StatusOK, dto.PausedResponse{Paused: false})
}

func (h *PipelineHandler) statusFor(err error) int {
	switch {
	case errors.Is(err, pipeline.ErrTaskNotFound), errors.Is(err, pipeline.ErrProjectNotFound):
		return http.StatusNotFound
	case errors.Is(err, pipeline.ErrNoStages),
		errors.Is(err, pipeline.ErrUnknownStage),
		errors.Is(err, pipeline.ErrStageConflict),
		errors.Is(err, pipeline.ErrProjectRequired):
		return http.StatusBadRequest
	case errors.Is(err, pipeline.ErrProjectActive),
		errors.Is(err, pipeline.ErrNotRetryable),
		errors.Is(err, pipeline.ErrMaxAttempts),
		errors.Is(err, pipeline.ErrTaskFinished):
		return http.StatusConflict
	case errors.Is(err, pipeline.ErrSchedulerClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *PipelineHandler) handleError(w http.ResponseWriter, message string, err error, traceID string, status int) {
	h.logger.Error(message,
		zap.String("trace_id", traceID),
		zap.Error(err),
	)

	resp := dto.ErrorResponse{
		Error:   message,
		TraceID: traceID,
	}
	if err != nil {
		resp.Code = err.Error()
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(resp)
}

func (h *PipelineHandler) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
