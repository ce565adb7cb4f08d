package pipeline

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"storyForge/models"
	"storyForge/repository"
)

var (
	ErrTaskNotFound    = errors.New("task not found")
	ErrProjectRequired = errors.New("project id is required")
	ErrProjectNotFound = errors.New("project not found")
	ErrProjectActive   = errors.New("project already has active tasks")
	ErrNotRetryable    = errors.New("only failed tasks can be retried")
	ErrMaxAttempts     = errors.New("max attempts reached")
	ErrTaskFinished    = errors.New("task already finished")
	ErrSchedulerClosed = errors.New("scheduler closed")
)

const persistTimeout = 5 * time.Second

// ProgressFunc is how an executor reports sub-progress back into the
// scheduler. progress is a 0-100 percentage.
type ProgressFunc func(progress int, details models.ProgressDetails)

// Executor performs the actual generation call for one stage type.
// Cancellation is cooperative through ctx; implementations are expected
// to check it between sub-units.
type Executor interface {
	Type() models.TaskType
	Execute(ctx context.Context, task *models.Task, report ProgressFunc) error
}

// Options tunes a scheduler beyond the injected collaborators.
type Options struct {
	// MaxAttempts caps explicit retries per task.
	MaxAttempts int
	// StageTimeouts bounds a single executor call per stage type.
	// Zero means no timeout: a stalled call holds its slot until cancelled.
	StageTimeouts map[models.TaskType]time.Duration
}

// ProjectProgress is the derived project view: aggregate status, the
// weighted overall percentage, and per-stage progress.
type ProjectProgress struct {
	ProjectID string
	Status    models.TaskStatus
	Overall   int
	Stages    map[models.TaskType]int
}

// Stats is the operator counters snapshot. The 24h windows come from the
// durable store, independent of the live in-memory counts.
type Stats struct {
	Pending          int                     `json:"pending"`
	Processing       int                     `json:"processing"`
	CompletedLast24h int                     `json:"completed_last_24h"`
	FailedLast24h    int                     `json:"failed_last_24h"`
	Total            int                     `json:"total"`
	ActiveWorkers    int                     `json:"active_workers"`
	ActiveProjects   int                     `json:"active_projects"`
	StageWorkers     map[models.TaskType]int `json:"stage_workers"`
	MaxProjects      int                     `json:"max_projects"`
	MaxPerStage      map[models.TaskType]int `json:"max_per_stage"`
	Paused           bool                    `json:"paused"`
}

// Scheduler is the pipeline dispatch loop. One mutex serializes every
// state transition, so a completion callback and a user cancel can never
// mutate the same task concurrently. Executor calls run in their own
// goroutines outside the lock, one per reserved budget slot.
type Scheduler struct {
	mu sync.Mutex

	logger    *zap.Logger
	store     repository.Store
	bus       *Bus
	budget    *Budget
	plan      *StagePlan
	executors map[models.TaskType]Executor
	opts      Options

	tasks           map[string]*models.Task
	byProject       map[string][]string
	cancels         map[string]context.CancelFunc
	cancelRequested map[string]bool
	persistTails    map[string]chan struct{}
	processing      int
	closed          bool
	wg              sync.WaitGroup
}

func NewScheduler(
	store repository.Store,
	executors []Executor,
	budget *Budget,
	plan *StagePlan,
	bus *Bus,
	logger *zap.Logger,
	opts Options,
) *Scheduler {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	byType := make(map[models.TaskType]Executor, len(executors))
	for _, exec := range executors {
		byType[exec.Type()] = exec
	}
	return &Scheduler{
		logger:          logger,
		store:           store,
		bus:             bus,
		budget:          budget,
		plan:            plan,
		executors:       byType,
		opts:            opts,
		tasks:           make(map[string]*models.Task),
		byProject:       make(map[string][]string),
		cancels:         make(map[string]context.CancelFunc),
		cancelRequested: make(map[string]bool),
		persistTails:    make(map[string]chan struct{}),
	}
}

// Generate resolves the requested stages into tasks and submits them for
// scheduling. A project with live (non-terminal) tasks is rejected; a new
// run requires deleting the project first.
func (s *Scheduler) Generate(ctx context.Context, projectID string, stages []models.TaskType, priority int) ([]*models.Task, error) {
	if projectID == "" {
		return nil, ErrProjectRequired
	}

	tasks, err := s.plan.Tasks(projectID, stages, priority, s.opts.MaxAttempts)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrSchedulerClosed
	}
	for _, id := range s.byProject[projectID] {
		if !s.tasks[id].Status.Terminal() {
			return nil, ErrProjectActive
		}
	}

	for _, task := range tasks {
		s.tasks[task.ID] = task
		s.byProject[projectID] = append(s.byProject[projectID], task.ID)
	}
	s.persistCreate(tasks)
	for _, task := range tasks {
		s.publishStatusLocked(task)
	}

	s.logger.Info("Project queued",
		zap.String("project_id", projectID),
		zap.Int("tasks", len(tasks)),
	)

	s.dispatchLocked()

	out := make([]*models.Task, len(tasks))
	for i, task := range tasks {
		out[i] = task.Clone()
	}
	return out, nil
}

// dispatchLocked admits eligible pending tasks under the budget, lower
// priority value first, creation time breaking ties.
func (s *Scheduler) dispatchLocked() {
	if s.closed {
		return
	}

	var eligible []*models.Task
	for _, task := range s.tasks {
		if task.Status != models.StatusPending {
			continue
		}
		if task.DependsOn != "" {
			pred, ok := s.tasks[task.DependsOn]
			if !ok || pred.Status != models.StatusCompleted {
				continue
			}
		}
		eligible = append(eligible, task)
	}

	sort.Slice(eligible, func(i, j int) bool {
		if eligible[i].Priority != eligible[j].Priority {
			return eligible[i].Priority < eligible[j].Priority
		}
		if !eligible[i].CreatedAt.Equal(eligible[j].CreatedAt) {
			return eligible[i].CreatedAt.Before(eligible[j].CreatedAt)
		}
		return eligible[i].ID < eligible[j].ID
	})

	for _, task := range eligible {
		if s.budget.TryReserve(task.Type, task.ProjectID) {
			s.startLocked(task)
		}
	}
}

func (s *Scheduler) startLocked(task *models.Task) {
	now := time.Now().UTC()
	task.Status = models.StatusProcessing
	task.Attempts++
	task.StartedAt = &now
	s.processing++

	s.persistStatus(task)
	s.publishStatusLocked(task)

	var ctx context.Context
	var cancel context.CancelFunc
	if timeout := s.opts.StageTimeouts[task.Type]; timeout > 0 {
		ctx, cancel = context.WithTimeout(context.Background(), timeout)
	} else {
		ctx, cancel = context.WithCancel(context.Background())
	}
	s.cancels[task.ID] = cancel

	s.logger.Info("Task started",
		zap.String("task_id", task.ID),
		zap.String("project_id", task.ProjectID),
		zap.String("task_type", string(task.Type)),
		zap.Int("attempt", task.Attempts),
	)

	s.wg.Add(1)
	go s.runTask(ctx, task.Clone())
}

func (s *Scheduler) runTask(ctx context.Context, snapshot *models.Task) {
	defer s.wg.Done()

	exec, ok := s.executors[snapshot.Type]
	if !ok {
		s.finishTask(snapshot, fmt.Errorf("no executor registered for stage %s", snapshot.Type), "")
		return
	}

	var execErr error
	var stack string
	func() {
		defer func() {
			if r := recover(); r != nil {
				execErr = fmt.Errorf("executor panic: %v", r)
				stack = string(debug.Stack())
			}
		}()
		execErr = exec.Execute(ctx, snapshot, func(progress int, details models.ProgressDetails) {
			s.reportProgress(snapshot.ID, progress, details)
		})
	}()

	s.finishTask(snapshot, execErr, stack)
}

func (s *Scheduler) reportProgress(taskID string, progress int, details models.ProgressDetails) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[taskID]
	if !ok || task.Status != models.StatusProcessing || s.cancelRequested[taskID] {
		return
	}

	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}
	task.Progress = progress
	task.Details = details

	s.persistProgress(task)
	detailsCopy := details
	s.bus.Publish(Event{
		Kind:      EventProgress,
		TaskID:    task.ID,
		ProjectID: task.ProjectID,
		TaskType:  task.Type,
		Status:    task.Status,
		Progress:  progress,
		Details:   &detailsCopy,
	})
}

// finishTask applies the terminal transition for an executor that
// returned. A completion racing a cancellation request loses: the task
// is recorded cancelled.
func (s *Scheduler) finishTask(snapshot *models.Task, execErr error, stack string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cancel, ok := s.cancels[snapshot.ID]; ok {
		cancel()
		delete(s.cancels, snapshot.ID)
	}
	wasCancelRequested := s.cancelRequested[snapshot.ID]
	delete(s.cancelRequested, snapshot.ID)

	s.processing--
	s.budget.Release(snapshot.Type, snapshot.ProjectID)

	task, ok := s.tasks[snapshot.ID]
	if ok && task.Status == models.StatusProcessing {
		now := time.Now().UTC()
		task.CompletedAt = &now

		switch {
		case wasCancelRequested || errors.Is(execErr, context.Canceled):
			task.Status = models.StatusCancelled
			s.logger.Info("Task cancelled", zap.String("task_id", task.ID))
		case execErr != nil:
			task.Status = models.StatusFailed
			task.Error = execErr.Error()
			task.ErrorStack = stack
			s.logger.Warn("Task failed",
				zap.String("task_id", task.ID),
				zap.String("task_type", string(task.Type)),
				zap.Error(execErr),
			)
			s.cascadeCancelLocked(task.ID)
		default:
			task.Status = models.StatusCompleted
			task.Progress = 100
			s.logger.Info("Task completed",
				zap.String("task_id", task.ID),
				zap.String("task_type", string(task.Type)),
			)
		}

		s.persistStatus(task)
		s.publishStatusLocked(task)
	}

	s.dispatchLocked()
	s.checkDrainedLocked()
}

// cascadeCancelLocked cancels every not-yet-started task depending,
// directly or transitively, on the given task.
func (s *Scheduler) cascadeCancelLocked(taskID string) {
	for _, task := range s.tasks {
		if task.DependsOn != taskID || task.Status != models.StatusPending {
			continue
		}
		now := time.Now().UTC()
		task.Status = models.StatusCancelled
		task.CompletedAt = &now
		s.persistStatus(task)
		s.publishStatusLocked(task)
		s.logger.Info("Task cancelled by predecessor",
			zap.String("task_id", task.ID),
			zap.String("predecessor_id", taskID),
		)
		s.cascadeCancelLocked(task.ID)
	}
}

// checkDrainedLocked emits pipeline_complete exactly when the processing
// set transitions to empty. It runs after re-dispatch, so an admission in
// the same tick suppresses the signal.
func (s *Scheduler) checkDrainedLocked() {
	if s.processing == 0 {
		s.bus.Publish(Event{Kind: EventPipelineComplete})
		s.logger.Info("Pipeline drained")
	}
}

// CancelTask cancels a single task. Pending tasks transition immediately;
// processing tasks are signalled and transition when the executor
// acknowledges. Dependents are cancelled right away in both cases, since
// their predecessor can no longer complete.
func (s *Scheduler) CancelTask(taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[taskID]
	if !ok {
		return ErrTaskNotFound
	}

	switch task.Status {
	case models.StatusPending:
		now := time.Now().UTC()
		task.Status = models.StatusCancelled
		task.CompletedAt = &now
		s.persistStatus(task)
		s.publishStatusLocked(task)
		s.cascadeCancelLocked(task.ID)
		s.logger.Info("Task cancelled", zap.String("task_id", task.ID))
		return nil
	case models.StatusProcessing:
		if !s.cancelRequested[taskID] {
			s.cancelRequested[taskID] = true
			if cancel, ok := s.cancels[taskID]; ok {
				cancel()
			}
			s.cascadeCancelLocked(task.ID)
			s.logger.Info("Task cancellation requested", zap.String("task_id", task.ID))
		}
		return nil
	default:
		return ErrTaskFinished
	}
}

// RetryTask re-submits a failed task for scheduling. Retry is the only
// re-entry path out of failed and is always explicit.
func (s *Scheduler) RetryTask(taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[taskID]
	if !ok {
		return ErrTaskNotFound
	}
	if task.Status != models.StatusFailed {
		return ErrNotRetryable
	}
	if task.MaxAttempts > 0 && task.Attempts >= task.MaxAttempts {
		return ErrMaxAttempts
	}

	task.Status = models.StatusPending
	task.Progress = 0
	task.Details = models.ProgressDetails{}
	task.Error = ""
	task.ErrorStack = ""
	task.StartedAt = nil
	task.CompletedAt = nil

	s.persistRetry(task.ID)
	s.publishStatusLocked(task)
	s.logger.Info("Task requeued for retry",
		zap.String("task_id", task.ID),
		zap.Int("attempts", task.Attempts),
	)

	s.dispatchLocked()
	return nil
}

// Pause stops admitting pending tasks. Tasks already processing run to a
// terminal state regardless.
func (s *Scheduler) Pause() {
	s.budget.Pause()
	s.logger.Info("Pipeline paused")
}

func (s *Scheduler) Resume() {
	s.budget.Resume()
	s.logger.Info("Pipeline resumed")

	s.mu.Lock()
	defer s.mu.Unlock()
	s.dispatchLocked()
}

func (s *Scheduler) Paused() bool {
	return s.budget.Paused()
}

func (s *Scheduler) GetTask(taskID string) (*models.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[taskID]
	if !ok {
		return nil, ErrTaskNotFound
	}
	return task.Clone(), nil
}

func (s *Scheduler) ListTasks() []*models.Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	tasks := make([]*models.Task, 0, len(s.tasks))
	for _, task := range s.tasks {
		tasks = append(tasks, task.Clone())
	}
	sort.Slice(tasks, func(i, j int) bool {
		if !tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
		}
		return tasks[i].ID < tasks[j].ID
	})
	return tasks
}

func (s *Scheduler) ProjectTasks(projectID string) []*models.Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := s.byProject[projectID]
	tasks := make([]*models.Task, 0, len(ids))
	for _, id := range ids {
		tasks = append(tasks, s.tasks[id].Clone())
	}
	return tasks
}

// ProjectProgress derives the project view from its member tasks.
func (s *Scheduler) ProjectProgress(projectID string) (ProjectProgress, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := s.byProject[projectID]
	if len(ids) == 0 {
		return ProjectProgress{}, ErrProjectNotFound
	}

	tasks := make([]*models.Task, 0, len(ids))
	stages := make(map[models.TaskType]int, len(ids))
	for _, id := range ids {
		task := s.tasks[id]
		tasks = append(tasks, task)
		stages[task.Type] = TaskProgress(task)
	}

	return ProjectProgress{
		ProjectID: projectID,
		Status:    AggregateStatus(tasks),
		Overall:   OverallProgress(tasks),
		Stages:    stages,
	}, nil
}

func (s *Scheduler) Stats(ctx context.Context) (*Stats, error) {
	since := time.Now().UTC().Add(-24 * time.Hour)
	completed, err := s.store.CompletedSince(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("count completed: %w", err)
	}
	failed, err := s.store.FailedSince(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("count failed: %w", err)
	}

	snapshot := s.budget.Snapshot()

	s.mu.Lock()
	defer s.mu.Unlock()

	stats := &Stats{
		CompletedLast24h: completed,
		FailedLast24h:    failed,
		Total:            len(s.tasks),
		ActiveWorkers:    snapshot.ActiveWorkers,
		ActiveProjects:   snapshot.ActiveProjects,
		StageWorkers:     snapshot.StageWorkers,
		MaxProjects:      snapshot.MaxProjects,
		MaxPerStage:      snapshot.MaxPerStage,
		Paused:           snapshot.Paused,
	}
	for _, task := range s.tasks {
		switch task.Status {
		case models.StatusPending:
			stats.Pending++
		case models.StatusProcessing:
			stats.Processing++
		}
	}
	return stats, nil
}

// DeleteProject removes a project's tasks. This is the only destruction
// path; live executor calls are signalled to stop and their late
// completions are discarded.
func (s *Scheduler) DeleteProject(ctx context.Context, projectID string) error {
	s.mu.Lock()
	ids := s.byProject[projectID]
	if len(ids) == 0 {
		s.mu.Unlock()
		return ErrProjectNotFound
	}
	for _, id := range ids {
		if cancel, ok := s.cancels[id]; ok {
			cancel()
		}
		delete(s.cancelRequested, id)
		delete(s.persistTails, id)
		delete(s.tasks, id)
	}
	delete(s.byProject, projectID)
	s.mu.Unlock()

	if err := s.store.DeleteProjectTasks(ctx, projectID); err != nil {
		return fmt.Errorf("delete project tasks: %w", err)
	}
	s.logger.Info("Project deleted", zap.String("project_id", projectID))
	return nil
}

// Restore reloads the durable task set at boot. Tasks that were mid-flight
// when the process died are requeued; pending dependents of a predecessor
// that did not complete are swept into cancelled.
func (s *Scheduler) Restore(ctx context.Context) error {
	stored, err := s.store.ListTasks(ctx)
	if err != nil {
		return fmt.Errorf("list tasks: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, task := range stored {
		if task.Status == models.StatusProcessing {
			task.Status = models.StatusPending
			task.StartedAt = nil
			s.persistStatus(task)
		}
		s.tasks[task.ID] = task
		s.byProject[task.ProjectID] = append(s.byProject[task.ProjectID], task.ID)
	}

	for _, task := range s.tasks {
		if task.Status != models.StatusFailed && task.Status != models.StatusCancelled {
			continue
		}
		s.cascadeCancelLocked(task.ID)
	}

	s.logger.Info("Task queue restored", zap.Int("tasks", len(stored)))
	s.dispatchLocked()
	return nil
}

// Close stops admissions, signals every running executor, and waits for
// them to return before closing the bus.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	for id, cancel := range s.cancels {
		s.cancelRequested[id] = true
		cancel()
	}
	s.mu.Unlock()

	s.wg.Wait()
	s.bus.Close()
	s.logger.Info("Scheduler stopped")
}

func (s *Scheduler) publishStatusLocked(task *models.Task) {
	s.bus.Publish(Event{
		Kind:      EventStatusChange,
		TaskID:    task.ID,
		ProjectID: task.ProjectID,
		TaskType:  task.Type,
		Status:    task.Status,
		Progress:  task.Progress,
		Error:     task.Error,
	})
}

// Persistence runs on snapshots in background goroutines so the dispatch
// loop never waits on the store. Store errors are logged, never fatal.
// Writes for one task are chained in submission order: a slow write can
// delay the next one, but never land after it and overwrite a later
// transition.

// enqueuePersist runs op after the task's previously enqueued writes.
// Callers hold s.mu.
func (s *Scheduler) enqueuePersist(taskID string, op func(context.Context)) {
	prev := s.persistTails[taskID]
	done := make(chan struct{})
	s.persistTails[taskID] = done

	go func() {
		defer close(done)
		if prev != nil {
			<-prev
		}
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()
		op(ctx)
	}()
}

func (s *Scheduler) persistCreate(tasks []*models.Task) {
	if s.store == nil {
		return
	}
	snapshots := make([]*models.Task, len(tasks))
	for i, task := range tasks {
		snapshots[i] = task.Clone()
	}

	// The batch insert is the head of every member task's write chain.
	done := make(chan struct{})
	for _, task := range tasks {
		s.persistTails[task.ID] = done
	}
	go func() {
		defer close(done)
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()
		if err := s.store.CreateTasks(ctx, snapshots); err != nil {
			s.logger.Warn("Persist task batch", zap.Error(err))
		}
	}()
}

func (s *Scheduler) persistStatus(task *models.Task) {
	if s.store == nil {
		return
	}
	snapshot := task.Clone()
	s.enqueuePersist(snapshot.ID, func(ctx context.Context) {
		err := s.store.UpdateStatus(ctx, snapshot.ID, snapshot.Status, snapshot.Attempts, snapshot.Error, snapshot.ErrorStack)
		if err != nil && !errors.Is(err, repository.ErrTaskNotFound) {
			s.logger.Warn("Persist task status", zap.String("task_id", snapshot.ID), zap.Error(err))
		}
	})
}

func (s *Scheduler) persistProgress(task *models.Task) {
	if s.store == nil {
		return
	}
	snapshot := task.Clone()
	s.enqueuePersist(snapshot.ID, func(ctx context.Context) {
		err := s.store.UpdateProgress(ctx, snapshot.ID, snapshot.Progress, snapshot.Details)
		if err != nil && !errors.Is(err, repository.ErrTaskNotFound) {
			s.logger.Warn("Persist task progress", zap.String("task_id", snapshot.ID), zap.Error(err))
		}
	})
}

func (s *Scheduler) persistRetry(taskID string) {
	if s.store == nil {
		return
	}
	s.enqueuePersist(taskID, func(ctx context.Context) {
		if err := s.store.ResetForRetry(ctx, taskID); err != nil && !errors.Is(err, repository.ErrTaskNotFound) {
			s.logger.Warn("Persist task retry", zap.String("task_id", taskID), zap.Error(err))
		}
	})
}
