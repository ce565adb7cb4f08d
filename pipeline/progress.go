package pipeline

import (
	"math"

	"storyForge/models"
)

// Published project progress weighting. Observers depend on these exact
// values; changing them is a breaking contract change.
var stageWeights = map[models.TaskType]float64{
	models.TypePrompts:   0.20,
	models.TypeAudio:     0.30,
	models.TypeImages:    0.40,
	models.TypeSubtitles: 0.10,
}

// NormalizeProgress maps done/total sub-unit counts onto [0,100].
func NormalizeProgress(done, total int) int {
	if total <= 0 {
		return 0
	}
	p := int(math.Round(100 * float64(done) / float64(total)))
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

// TaskProgress is the task's reported progress, forced to 100 once the
// task completed regardless of what the executor last reported.
func TaskProgress(task *models.Task) int {
	if task.Status == models.StatusCompleted {
		return 100
	}
	if task.Progress < 0 {
		return 0
	}
	if task.Progress > 100 {
		return 100
	}
	return task.Progress
}

// OverallProgress combines per-stage progress into the project percentage:
// round(0.20*prompts + 0.30*audio + 0.40*images + 0.10*subtitles), with 0
// substituted for stages the project did not request.
func OverallProgress(tasks []*models.Task) int {
	sum := 0.0
	for _, task := range tasks {
		sum += stageWeights[task.Type] * float64(TaskProgress(task))
	}
	return int(math.Round(sum))
}

// AggregateStatus folds member task statuses into one project status.
// Precedence: any failed, then all cancelled, then all completed, then
// any processing, then pending.
func AggregateStatus(tasks []*models.Task) models.TaskStatus {
	if len(tasks) == 0 {
		return models.StatusPending
	}

	allCancelled := true
	allCompleted := true
	anyProcessing := false
	for _, task := range tasks {
		switch task.Status {
		case models.StatusFailed:
			return models.StatusFailed
		case models.StatusProcessing:
			anyProcessing = true
		}
		if task.Status != models.StatusCancelled {
			allCancelled = false
		}
		if task.Status != models.StatusCompleted {
			allCompleted = false
		}
	}

	switch {
	case allCancelled:
		return models.StatusCancelled
	case allCompleted:
		return models.StatusCompleted
	case anyProcessing:
		return models.StatusProcessing
	default:
		return models.StatusPending
	}
}
