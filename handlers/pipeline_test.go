package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap/zaptest"

	"storyForge/cache"
	"storyForge/dto"
	"storyForge/middleware"
	"storyForge/models"
	"storyForge/pipeline"
)

type mockPipeline struct {
	generateFunc      func(ctx context.Context, projectID string, stages []models.TaskType, priority int) ([]*models.Task, error)
	getTaskFunc       func(taskID string) (*models.Task, error)
	listTasksFunc     func() []*models.Task
	projectTasksFunc  func(projectID string) []*models.Task
	progressFunc      func(projectID string) (pipeline.ProjectProgress, error)
	cancelFunc        func(taskID string) error
	retryFunc         func(taskID string) error
	deleteProjectFunc func(ctx context.Context, projectID string) error
	statsFunc         func(ctx context.Context) (*pipeline.Stats, error)
	paused            bool
}

func (m *mockPipeline) Generate(ctx context.Context, projectID string, stages []models.TaskType, priority int) ([]*models.Task, error) {
	if m.generateFunc != nil {
		return m.generateFunc(ctx, projectID, stages, priority)
	}
	tasks := make([]*models.Task, len(stages))
	for i, stage := range stages {
		tasks[i] = &models.Task{
			ID:        uuid.New().String(),
			ProjectID: projectID,
			Type:      stage,
			Status:    models.StatusPending,
			Priority:  priority,
			CreatedAt: time.Now().UTC(),
		}
	}
	return tasks, nil
}

func (m *mockPipeline) GetTask(taskID string) (*models.Task, error) {
	if m.getTaskFunc != nil {
		return m.getTaskFunc(taskID)
	}
	return &models.Task{
		ID:        taskID,
		ProjectID: "proj-1",
		Type:      models.TypePrompts,
		Status:    models.StatusCompleted,
		Progress:  100,
		CreatedAt: time.Now().UTC(),
	}, nil
}

func (m *mockPipeline) ListTasks() []*models.Task {
	if m.listTasksFunc != nil {
		return m.listTasksFunc()
	}
	return nil
}

func (m *mockPipeline) ProjectTasks(projectID string) []*models.Task {
	if m.projectTasksFunc != nil {
		return m.projectTasksFunc(projectID)
	}
	return nil
}

func (m *mockPipeline) ProjectProgress(projectID string) (pipeline.ProjectProgress, error) {
	if m.progressFunc != nil {
		return m.progressFunc(projectID)
	}
	return pipeline.ProjectProgress{ProjectID: projectID, Status: models.StatusPending}, nil
}

func (m *mockPipeline) CancelTask(taskID string) error {
	if m.cancelFunc != nil {
		return m.cancelFunc(taskID)
	}
	return nil
}

func (m *mockPipeline) RetryTask(taskID string) error {
	if m.retryFunc != nil {
		return m.retryFunc(taskID)
	}
	return nil
}

func (m *mockPipeline) DeleteProject(ctx context.Context, projectID string) error {
	if m.deleteProjectFunc != nil {
		return m.deleteProjectFunc(ctx, projectID)
	}
	return nil
}

func (m *mockPipeline) Stats(ctx context.Context) (*pipeline.Stats, error) {
	if m.statsFunc != nil {
		return m.statsFunc(ctx)
	}
	return &pipeline.Stats{}, nil
}

func (m *mockPipeline) Pause()       { m.paused = true }
func (m *mockPipeline) Resume()      { m.paused = false }
func (m *mockPipeline) Paused() bool { return m.paused }

type mockStatusReader struct {
	getFunc    func(ctx context.Context, taskID string) (*cache.TaskState, error)
	deleteFunc func(ctx context.Context, taskIDs ...string) error
}

func (m *mockStatusReader) Get(ctx context.Context, taskID string) (*cache.TaskState, error) {
	if m.getFunc != nil {
		return m.getFunc(ctx, taskID)
	}
	return nil, errors.New("cache miss")
}

func (m *mockStatusReader) Delete(ctx context.Context, taskIDs ...string) error {
	if m.deleteFunc != nil {
		return m.deleteFunc(ctx, taskIDs...)
	}
	return nil
}

func newRequest(method, target string, body string) *http.Request {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	}
	traceID := uuid.New().String()
	req.Header.Set("X-Trace-ID", traceID)
	ctx := context.WithValue(req.Context(), middleware.TraceIDKey, traceID)
	return req.WithContext(ctx)
}

func TestPipelineHandler_Generate_Success(t *testing.T) {
	handler := NewPipelineHandler(&mockPipeline{}, &mockStatusReader{}, zaptest.NewLogger(t))

	body := `{"project_id":"proj-1","stages":["prompts","audio"],"priority":5}`
	rec := httptest.NewRecorder()
	handler.Generate(rec, newRequest("POST", "/generate", body))

	if rec.Code != http.StatusCreated {
		t.Fatalf("Expected status 201, got %d: %s", rec.Code, rec.Body.String())
	}
	if contentType := rec.Header().Get("Content-Type"); contentType != "application/json" {
		t.Errorf("Expected Content-Type application/json, got %s", contentType)
	}

	var resp dto.GenerateResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if resp.ProjectID != "proj-1" || len(resp.Tasks) != 2 {
		t.Errorf("Unexpected response: %+v", resp)
	}
}

func TestPipelineHandler_Generate_InvalidBody(t *testing.T) {
	handler := NewPipelineHandler(&mockPipeline{}, &mockStatusReader{}, zaptest.NewLogger(t))

	rec := httptest.NewRecorder()
	handler.Generate(rec, newRequest("POST", "/generate", "{not json"))

	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400, got %d", rec.Code)
	}
}

func TestPipelineHandler_Generate_ValidationErrors(t *testing.T) {
	handler := NewPipelineHandler(&mockPipeline{}, &mockStatusReader{}, zaptest.NewLogger(t))

	cases := []struct {
		name string
		body string
	}{
		{"missing project id", `{"stages":["prompts"]}`},
		{"unknown stage", `{"project_id":"proj-1","stages":["video"]}`},
		{"priority out of range", `{"project_id":"proj-1","stages":["prompts"],"priority":500}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			handler.Generate(rec, newRequest("POST", "/generate", tc.body))
			if rec.Code != http.StatusBadRequest {
				t.Errorf("Expected status 400, got %d", rec.Code)
			}
		})
	}
}

func TestPipelineHandler_Generate_EmptyStages(t *testing.T) {
	mock := &mockPipeline{
		generateFunc: func(ctx context.Context, projectID string, stages []models.TaskType, priority int) ([]*models.Task, error) {
			return nil, pipeline.ErrNoStages
		},
	}
	handler := NewPipelineHandler(mock, &mockStatusReader{}, zaptest.NewLogger(t))

	rec := httptest.NewRecorder()
	handler.Generate(rec, newRequest("POST", "/generate", `{"project_id":"proj-1","stages":[]}`))

	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400, got %d", rec.Code)
	}
}

func TestPipelineHandler_Generate_ProjectActive(t *testing.T) {
	mock := &mockPipeline{
		generateFunc: func(ctx context.Context, projectID string, stages []models.TaskType, priority int) ([]*models.Task, error) {
			return nil, pipeline.ErrProjectActive
		},
	}
	handler := NewPipelineHandler(mock, &mockStatusReader{}, zaptest.NewLogger(t))

	rec := httptest.NewRecorder()
	handler.Generate(rec, newRequest("POST", "/generate", `{"project_id":"proj-1","stages":["prompts"]}`))

	if rec.Code != http.StatusConflict {
		t.Errorf("Expected status 409, got %d", rec.Code)
	}
}

func TestPipelineHandler_Generate_MethodNotAllowed(t *testing.T) {
	handler := NewPipelineHandler(&mockPipeline{}, &mockStatusReader{}, zaptest.NewLogger(t))

	rec := httptest.NewRecorder()
	handler.Generate(rec, newRequest("GET", "/generate", ""))

	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("Expected status 405, got %d", rec.Code)
	}
}

func TestPipelineHandler_TaskStatus_CacheHit(t *testing.T) {
	taskID := uuid.New().String()
	status := &mockStatusReader{
		getFunc: func(ctx context.Context, id string) (*cache.TaskState, error) {
			return &cache.TaskState{
				Status:   models.StatusProcessing,
				Progress: 40,
				Details:  &models.ProgressDetails{Generated: 4, Total: 10},
			}, nil
		},
	}
	scheduler := &mockPipeline{
		getTaskFunc: func(id string) (*models.Task, error) {
			t.Error("Scheduler must not be consulted on a cache hit")
			return nil, pipeline.ErrTaskNotFound
		},
	}
	handler := NewPipelineHandler(scheduler, status, zaptest.NewLogger(t))

	rec := httptest.NewRecorder()
	handler.TaskRoutes(rec, newRequest("GET", "/tasks/"+taskID, ""))

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rec.Code)
	}
	var resp dto.TaskStatusResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if resp.ID != taskID || resp.Status != string(models.StatusProcessing) || resp.Progress != 40 {
		t.Errorf("Unexpected response: %+v", resp)
	}
}

func TestPipelineHandler_TaskStatus_CacheMissFallsThrough(t *testing.T) {
	taskID := uuid.New().String()
	handler := NewPipelineHandler(&mockPipeline{}, &mockStatusReader{}, zaptest.NewLogger(t))

	rec := httptest.NewRecorder()
	handler.TaskRoutes(rec, newRequest("GET", "/tasks/"+taskID, ""))

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rec.Code)
	}
	var resp dto.TaskResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if resp.ID != taskID || resp.Status != string(models.StatusCompleted) {
		t.Errorf("Unexpected response: %+v", resp)
	}
}

func TestPipelineHandler_TaskStatus_NotFound(t *testing.T) {
	scheduler := &mockPipeline{
		getTaskFunc: func(id string) (*models.Task, error) {
			return nil, pipeline.ErrTaskNotFound
		},
	}
	handler := NewPipelineHandler(scheduler, &mockStatusReader{}, zaptest.NewLogger(t))

	rec := httptest.NewRecorder()
	handler.TaskRoutes(rec, newRequest("GET", "/tasks/"+uuid.New().String(), ""))

	if rec.Code != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", rec.Code)
	}
}

func TestPipelineHandler_CancelTask(t *testing.T) {
	cancelled := ""
	scheduler := &mockPipeline{
		cancelFunc: func(id string) error {
			cancelled = id
			return nil
		},
	}
	handler := NewPipelineHandler(scheduler, &mockStatusReader{}, zaptest.NewLogger(t))

	taskID := uuid.New().String()
	rec := httptest.NewRecorder()
	handler.TaskRoutes(rec, newRequest("POST", "/tasks/"+taskID+"/cancel", ""))

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rec.Code)
	}
	if cancelled != taskID {
		t.Errorf("Expected cancel for %s, got %s", taskID, cancelled)
	}
}

func TestPipelineHandler_CancelTask_Finished(t *testing.T) {
	scheduler := &mockPipeline{
		cancelFunc: func(id string) error { return pipeline.ErrTaskFinished },
	}
	handler := NewPipelineHandler(scheduler, &mockStatusReader{}, zaptest.NewLogger(t))

	rec := httptest.NewRecorder()
	handler.TaskRoutes(rec, newRequest("POST", "/tasks/"+uuid.New().String()+"/cancel", ""))

	if rec.Code != http.StatusConflict {
		t.Errorf("Expected status 409, got %d", rec.Code)
	}
}

func TestPipelineHandler_RetryTask_NotRetryable(t *testing.T) {
	scheduler := &mockPipeline{
		retryFunc: func(id string) error { return pipeline.ErrNotRetryable },
	}
	handler := NewPipelineHandler(scheduler, &mockStatusReader{}, zaptest.NewLogger(t))

	rec := httptest.NewRecorder()
	handler.TaskRoutes(rec, newRequest("POST", "/tasks/"+uuid.New().String()+"/retry", ""))

	if rec.Code != http.StatusConflict {
		t.Errorf("Expected status 409, got %d", rec.Code)
	}
}

func TestPipelineHandler_TaskRoutes_UnknownAction(t *testing.T) {
	handler := NewPipelineHandler(&mockPipeline{}, &mockStatusReader{}, zaptest.NewLogger(t))

	rec := httptest.NewRecorder()
	handler.TaskRoutes(rec, newRequest("POST", "/tasks/"+uuid.New().String()+"/restart", ""))

	if rec.Code != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", rec.Code)
	}
}

func TestPipelineHandler_ProjectProgress(t *testing.T) {
	scheduler := &mockPipeline{
		progressFunc: func(projectID string) (pipeline.ProjectProgress, error) {
			return pipeline.ProjectProgress{
				ProjectID: projectID,
				Status:    models.StatusProcessing,
				Overall:   45,
				Stages: map[models.TaskType]int{
					models.TypePrompts: 100,
					models.TypeAudio:   50,
				},
			}, nil
		},
	}
	handler := NewPipelineHandler(scheduler, &mockStatusReader{}, zaptest.NewLogger(t))

	rec := httptest.NewRecorder()
	handler.ProjectRoutes(rec, newRequest("GET", "/projects/proj-1", ""))

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rec.Code)
	}
	var resp dto.ProjectResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if resp.Overall != 45 || resp.Status != string(models.StatusProcessing) {
		t.Errorf("Unexpected response: %+v", resp)
	}
	if resp.Stages["prompts"] != 100 || resp.Stages["audio"] != 50 {
		t.Errorf("Unexpected stages: %+v", resp.Stages)
	}
}

func TestPipelineHandler_ProjectProgress_NotFound(t *testing.T) {
	scheduler := &mockPipeline{
		progressFunc: func(projectID string) (pipeline.ProjectProgress, error) {
			return pipeline.ProjectProgress{}, pipeline.ErrProjectNotFound
		},
	}
	handler := NewPipelineHandler(scheduler, &mockStatusReader{}, zaptest.NewLogger(t))

	rec := httptest.NewRecorder()
	handler.ProjectRoutes(rec, newRequest("GET", "/projects/no-such-project", ""))

	if rec.Code != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", rec.Code)
	}
}

func TestPipelineHandler_DeleteProject(t *testing.T) {
	deleted := ""
	scheduler := &mockPipeline{
		projectTasksFunc: func(projectID string) []*models.Task {
			return []*models.Task{
				{ID: "task-1", ProjectID: projectID, Type: models.TypePrompts},
				{ID: "task-2", ProjectID: projectID, Type: models.TypeAudio},
			}
		},
		deleteProjectFunc: func(ctx context.Context, projectID string) error {
			deleted = projectID
			return nil
		},
	}
	var evicted []string
	status := &mockStatusReader{
		deleteFunc: func(ctx context.Context, taskIDs ...string) error {
			evicted = append(evicted, taskIDs...)
			return nil
		},
	}
	handler := NewPipelineHandler(scheduler, status, zaptest.NewLogger(t))

	rec := httptest.NewRecorder()
	handler.ProjectRoutes(rec, newRequest("DELETE", "/projects/proj-1", ""))

	if rec.Code != http.StatusNoContent {
		t.Fatalf("Expected status 204, got %d", rec.Code)
	}
	if deleted != "proj-1" {
		t.Errorf("Expected delete for proj-1, got %s", deleted)
	}
	if len(evicted) != 2 || evicted[0] != "task-1" || evicted[1] != "task-2" {
		t.Errorf("Expected mirror eviction for task-1 and task-2, got %v", evicted)
	}
}

func TestPipelineHandler_DeleteProject_NotFoundSkipsEviction(t *testing.T) {
	scheduler := &mockPipeline{
		deleteProjectFunc: func(ctx context.Context, projectID string) error {
			return pipeline.ErrProjectNotFound
		},
	}
	status := &mockStatusReader{
		deleteFunc: func(ctx context.Context, taskIDs ...string) error {
			t.Error("Mirror must not be touched when deletion fails")
			return nil
		},
	}
	handler := NewPipelineHandler(scheduler, status, zaptest.NewLogger(t))

	rec := httptest.NewRecorder()
	handler.ProjectRoutes(rec, newRequest("DELETE", "/projects/no-such-project", ""))

	if rec.Code != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", rec.Code)
	}
}

func TestPipelineHandler_ProjectRoutes_EmptyID(t *testing.T) {
	handler := NewPipelineHandler(&mockPipeline{}, &mockStatusReader{}, zaptest.NewLogger(t))

	rec := httptest.NewRecorder()
	handler.ProjectRoutes(rec, newRequest("GET", "/projects/", ""))

	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400, got %d", rec.Code)
	}
}

func TestPipelineHandler_Stats(t *testing.T) {
	scheduler := &mockPipeline{
		statsFunc: func(ctx context.Context) (*pipeline.Stats, error) {
			return &pipeline.Stats{Pending: 2, Processing: 1, CompletedLast24h: 7}, nil
		},
	}
	handler := NewPipelineHandler(scheduler, &mockStatusReader{}, zaptest.NewLogger(t))

	rec := httptest.NewRecorder()
	handler.Stats(rec, newRequest("GET", "/stats", ""))

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rec.Code)
	}
	var resp pipeline.Stats
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if resp.Pending != 2 || resp.Processing != 1 || resp.CompletedLast24h != 7 {
		t.Errorf("Unexpected response: %+v", resp)
	}
}

func TestPipelineHandler_PauseResume(t *testing.T) {
	scheduler := &mockPipeline{}
	handler := NewPipelineHandler(scheduler, &mockStatusReader{}, zaptest.NewLogger(t))

	rec := httptest.NewRecorder()
	handler.Pause(rec, newRequest("POST", "/pause", ""))
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rec.Code)
	}
	if !scheduler.Paused() {
		t.Error("Expected scheduler paused")
	}

	rec = httptest.NewRecorder()
	handler.Paused(rec, newRequest("GET", "/paused", ""))
	var resp dto.PausedResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if !resp.Paused {
		t.Error("Expected paused true")
	}

	rec = httptest.NewRecorder()
	handler.Resume(rec, newRequest("POST", "/resume", ""))
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rec.Code)
	}
	if scheduler.Paused() {
		t.Error("Expected scheduler resumed")
	}
}
