package validation

import (
	"fmt"
	"strings"

	"storyForge/models"
)

const (
	MinPriority = 0
	MaxPriority = 100
)

// ParseStages maps the wire stage names onto task types. Unknown names
// are reported verbatim; semantic stage-set checks (required
// predecessors, duplicates) belong to the stage plan.
func ParseStages(names []string) ([]models.TaskType, error) {
	stages := make([]models.TaskType, 0, len(names))
	for _, name := range names {
		stage := models.TaskType(strings.ToLower(strings.TrimSpace(name)))
		if !stage.Valid() {
			return nil, fmt.Errorf("unknown stage %q", name)
		}
		stages = append(stages, stage)
	}
	return stages, nil
}

func CheckPriority(priority int) error {
	if priority < MinPriority || priority > MaxPriority {
		return fmt.Errorf("%w: %d not in [%d,%d]", ErrInvalidPriority, priority, MinPriority, MaxPriority)
	}
	return nil
}

func CheckProjectID(projectID string) error {
	if strings.TrimSpace(projectID) == "" {
		return ErrProjectIDRequired
	}
	return nil
}
