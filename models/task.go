package models

import (
	"time"
)

type TaskType string

const (
	TypePrompts   TaskType = "prompts"
	TypeImages    TaskType = "images"
	TypeAudio     TaskType = "audio"
	TypeSubtitles TaskType = "subtitles"
)

// AllTaskTypes is the closed set of generation stages, in canonical order.
var AllTaskTypes = []TaskType{TypePrompts, TypeImages, TypeAudio, TypeSubtitles}

func (t TaskType) Valid() bool {
	switch t {
	case TypePrompts, TypeImages, TypeAudio, TypeSubtitles:
		return true
	default:
		return false
	}
}

type TaskStatus string

const (
	StatusPending    TaskStatus = "pending"
	StatusProcessing TaskStatus = "processing"
	StatusCompleted  TaskStatus = "completed"
	StatusFailed     TaskStatus = "failed"
	StatusCancelled  TaskStatus = "cancelled"
)

// Terminal reports whether no further transition can leave the status,
// except the explicit failed -> pending retry path.
func (s TaskStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// ProgressDetails carries stage-specific sub-progress counters.
// Generated/Total track sub-units (prompts, images); BatchIndex/BatchCount
// track batched stages; ActiveWorkers is the current intra-task fan-out.
type ProgressDetails struct {
	Generated     int `json:"generated"`
	Total         int `json:"total"`
	BatchIndex    int `json:"batch_index"`
	BatchCount    int `json:"batch_count"`
	ActiveWorkers int `json:"active_workers"`
}

// Task is one schedulable unit of stage work for one project.
type Task struct {
	ID          string
	ProjectID   string
	Type        TaskType
	Status      TaskStatus
	Priority    int
	Progress    int
	Details     ProgressDetails
	Attempts    int
	MaxAttempts int
	DependsOn   string
	StageGroup  int
	Error       string
	ErrorStack  string
	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// Clone returns a deep copy safe to hand outside the scheduler lock.
func (t *Task) Clone() *Task {
	c := *t
	if t.StartedAt != nil {
		started := *t.StartedAt
		c.StartedAt = &started
	}
	if t.CompletedAt != nil {
		completed := *t.CompletedAt
		c.CompletedAt = &completed
	}
	return &c
}
