package pipeline

import (
	"sync"

	"storyForge/models"
)

// BudgetConfig carries the concurrency ceilings: maximum distinct projects
// with any stage processing, a per-stage processing ceiling across all
// projects, and an intra-task fan-out ceiling for stages that parallelize
// internally (images).
type BudgetConfig struct {
	MaxProjects  int
	MaxPerStage  map[models.TaskType]int
	StageWorkers map[models.TaskType]int
}

// BudgetSnapshot is a point-in-time view of the budget for stats reporting.
type BudgetSnapshot struct {
	Paused         bool
	ActiveWorkers  int
	ActiveProjects int
	StageWorkers   map[models.TaskType]int
	MaxProjects    int
	MaxPerStage    map[models.TaskType]int
}

// Budget is the lock-protected reservation state shared by one scheduler.
// It is injected, never ambient, so tests can run schedulers side by side.
type Budget struct {
	mu           sync.Mutex
	cfg          BudgetConfig
	paused       bool
	stageCount   map[models.TaskType]int
	projectSlots map[string]int
}

func NewBudget(cfg BudgetConfig) *Budget {
	return &Budget{
		cfg:          cfg,
		stageCount:   make(map[models.TaskType]int),
		projectSlots: make(map[string]int),
	}
}

// TryReserve acquires one processing slot for a task of the given type.
// It fails when admissions are paused, when the stage ceiling is reached,
// or when the project is not yet active and the project ceiling is
// reached. A project that already holds a slot may acquire slots for
// additional stages without counting against the project ceiling again.
func (b *Budget) TryReserve(taskType models.TaskType, projectID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.paused {
		return false
	}
	if max, ok := b.cfg.MaxPerStage[taskType]; ok && b.stageCount[taskType] >= max {
		return false
	}
	if b.projectSlots[projectID] == 0 && b.cfg.MaxProjects > 0 && len(b.projectSlots) >= b.cfg.MaxProjects {
		return false
	}

	b.stageCount[taskType]++
	b.projectSlots[projectID]++
	return true
}

func (b *Budget) Release(taskType models.TaskType, projectID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.stageCount[taskType] > 0 {
		b.stageCount[taskType]--
	}
	if b.projectSlots[projectID] > 0 {
		b.projectSlots[projectID]--
		if b.projectSlots[projectID] == 0 {
			delete(b.projectSlots, projectID)
		}
	}
}

// WorkersFor is the intra-task fan-out ceiling for a stage, at least 1.
func (b *Budget) WorkersFor(taskType models.TaskType) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	if workers, ok := b.cfg.StageWorkers[taskType]; ok && workers > 0 {
		return workers
	}
	return 1
}

// Pause gates new admissions only; held reservations are unaffected.
func (b *Budget) Pause() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.paused = true
}

func (b *Budget) Resume() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.paused = false
}

func (b *Budget) Paused() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.paused
}

func (b *Budget) Snapshot() BudgetSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	stageWorkers := make(map[models.TaskType]int, len(b.stageCount))
	active := 0
	for taskType, count := range b.stageCount {
		stageWorkers[taskType] = count
		active += count
	}
	maxPerStage := make(map[models.TaskType]int, len(b.cfg.MaxPerStage))
	for taskType, max := range b.cfg.MaxPerStage {
		maxPerStage[taskType] = max
	}

	return BudgetSnapshot{
		Paused:         b.paused,
		ActiveWorkers:  active,
		ActiveProjects: len(b.projectSlots),
		StageWorkers:   stageWorkers,
		MaxProjects:    b.cfg.MaxProjects,
		MaxPerStage:    maxPerStage,
	}
}
