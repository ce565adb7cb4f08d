package pipeline

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"storyForge/models"
)

var (
	ErrNoStages      = errors.New("no stages requested")
	ErrUnknownStage  = errors.New("unknown stage")
	ErrStageConflict = errors.New("invalid stage combination")
)

// StageDep declares that a stage consumes the output of another one.
// Required deps make the predecessor mandatory at request time (subtitles
// cannot be extracted without narration audio); non-required deps only
// order the stages when both are requested (images run standalone when
// prompts were never generated).
type StageDep struct {
	On       models.TaskType
	Required bool
}

// StagePlan is the configurable dependency edge set between stages.
type StagePlan struct {
	deps map[models.TaskType]StageDep
}

// NewStagePlan validates the edge set: every endpoint must be a known
// stage and the edges must not form a cycle.
func NewStagePlan(deps map[models.TaskType]StageDep) (*StagePlan, error) {
	for stage, dep := range deps {
		if !stage.Valid() {
			return nil, fmt.Errorf("%w: %s", ErrUnknownStage, stage)
		}
		if !dep.On.Valid() {
			return nil, fmt.Errorf("%w: %s", ErrUnknownStage, dep.On)
		}
	}
	for stage := range deps {
		seen := map[models.TaskType]bool{stage: true}
		cur := stage
		for {
			dep, ok := deps[cur]
			if !ok {
				break
			}
			if seen[dep.On] {
				return nil, fmt.Errorf("stage dependency cycle through %s", dep.On)
			}
			seen[dep.On] = true
			cur = dep.On
		}
	}
	return &StagePlan{deps: deps}, nil
}

// DefaultStagePlan wires prompts -> images and audio -> subtitles.
func DefaultStagePlan() *StagePlan {
	plan, err := NewStagePlan(map[models.TaskType]StageDep{
		models.TypeImages:    {On: models.TypePrompts},
		models.TypeSubtitles: {On: models.TypeAudio, Required: true},
	})
	if err != nil {
		panic(err)
	}
	return plan
}

// Validate rejects unknown stages, duplicates, an empty set, and stages
// whose required predecessor is missing from the request.
func (p *StagePlan) Validate(stages []models.TaskType) error {
	if len(stages) == 0 {
		return ErrNoStages
	}
	requested := make(map[models.TaskType]bool, len(stages))
	for _, stage := range stages {
		if !stage.Valid() {
			return fmt.Errorf("%w: %s", ErrUnknownStage, stage)
		}
		if requested[stage] {
			return fmt.Errorf("%w: %s requested twice", ErrStageConflict, stage)
		}
		requested[stage] = true
	}
	for _, stage := range stages {
		dep, ok := p.deps[stage]
		if ok && dep.Required && !requested[dep.On] {
			return fmt.Errorf("%w: %s requires %s", ErrStageConflict, stage, dep.On)
		}
	}
	return nil
}

// Tasks resolves a generation request into the project's task set with
// DependsOn and StageGroup filled in. A dependent stage whose predecessor
// was not requested becomes a root task with no predecessor.
func (p *StagePlan) Tasks(projectID string, stages []models.TaskType, priority, maxAttempts int) ([]*models.Task, error) {
	if err := p.Validate(stages); err != nil {
		return nil, err
	}

	requested := make(map[models.TaskType]bool, len(stages))
	for _, stage := range stages {
		requested[stage] = true
	}

	now := time.Now().UTC()
	byType := make(map[models.TaskType]*models.Task, len(stages))
	var tasks []*models.Task
	for _, stage := range models.AllTaskTypes {
		if !requested[stage] {
			continue
		}
		task := &models.Task{
			ID:          uuid.NewString(),
			ProjectID:   projectID,
			Type:        stage,
			Status:      models.StatusPending,
			Priority:    priority,
			MaxAttempts: maxAttempts,
			CreatedAt:   now,
		}
		byType[stage] = task
		tasks = append(tasks, task)
	}

	for _, task := range tasks {
		task.StageGroup = p.depth(task.Type, requested)
		if dep, ok := p.deps[task.Type]; ok && requested[dep.On] {
			task.DependsOn = byType[dep.On].ID
		}
	}

	return tasks, nil
}

// depth is the dependency distance from the nearest requested root.
func (p *StagePlan) depth(stage models.TaskType, requested map[models.TaskType]bool) int {
	depth := 0
	cur := stage
	for {
		dep, ok := p.deps[cur]
		if !ok || !requested[dep.On] {
			return depth
		}
		depth++
		cur = dep.On
	}
}
