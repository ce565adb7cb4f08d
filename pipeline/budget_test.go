package pipeline

import (
	"testing"

	"storyForge/models"
)

func testBudget(maxProjects int) *Budget {
	return NewBudget(BudgetConfig{
		MaxProjects: maxProjects,
		MaxPerStage: map[models.TaskType]int{
			models.TypePrompts:   1,
			models.TypeImages:    1,
			models.TypeAudio:     1,
			models.TypeSubtitles: 1,
		},
		StageWorkers: map[models.TaskType]int{
			models.TypeImages: 4,
		},
	})
}

func TestBudget_StageCeiling(t *testing.T) {
	b := testBudget(10)

	if !b.TryReserve(models.TypeImages, "p1") {
		t.Fatal("First reservation should succeed")
	}
	if b.TryReserve(models.TypeImages, "p2") {
		t.Fatal("Second images reservation should fail, ceiling is 1")
	}

	b.Release(models.TypeImages, "p1")
	if !b.TryReserve(models.TypeImages, "p2") {
		t.Fatal("Reservation should succeed after release")
	}
}

func TestBudget_ProjectCeiling(t *testing.T) {
	b := testBudget(1)

	if !b.TryReserve(models.TypeImages, "p1") {
		t.Fatal("First project should reserve")
	}
	if b.TryReserve(models.TypeAudio, "p2") {
		t.Fatal("Second project should be rejected, maxProjects is 1")
	}

	// An active project may take additional stage slots.
	if !b.TryReserve(models.TypeAudio, "p1") {
		t.Fatal("Active project should acquire a second stage slot")
	}

	b.Release(models.TypeImages, "p1")
	if b.TryReserve(models.TypeImages, "p2") {
		t.Fatal("p1 still holds a slot, p2 should stay rejected")
	}

	b.Release(models.TypeAudio, "p1")
	if !b.TryReserve(models.TypeImages, "p2") {
		t.Fatal("p2 should reserve once p1 released everything")
	}
}

func TestBudget_PauseGatesReservations(t *testing.T) {
	b := testBudget(10)

	b.Pause()
	if b.TryReserve(models.TypePrompts, "p1") {
		t.Fatal("Reservation should fail while paused")
	}
	if !b.Paused() {
		t.Fatal("Paused should report true")
	}

	b.Resume()
	if !b.TryReserve(models.TypePrompts, "p1") {
		t.Fatal("Reservation should succeed after resume")
	}
}

func TestBudget_WorkersFor(t *testing.T) {
	b := testBudget(10)

	if got := b.WorkersFor(models.TypeImages); got != 4 {
		t.Errorf("Expected 4 image workers, got %d", got)
	}
	if got := b.WorkersFor(models.TypeAudio); got != 1 {
		t.Errorf("Expected default 1 worker, got %d", got)
	}
}

func TestBudget_Snapshot(t *testing.T) {
	b := testBudget(3)

	b.TryReserve(models.TypeImages, "p1")
	b.TryReserve(models.TypeAudio, "p1")
	b.TryReserve(models.TypePrompts, "p2")

	snap := b.Snapshot()
	if snap.ActiveWorkers != 3 {
		t.Errorf("Expected 3 active workers, got %d", snap.ActiveWorkers)
	}
	if snap.ActiveProjects != 2 {
		t.Errorf("Expected 2 active projects, got %d", snap.ActiveProjects)
	}
	if snap.MaxProjects != 3 {
		t.Errorf("Expected max projects 3, got %d", snap.MaxProjects)
	}
	if snap.StageWorkers[models.TypeImages] != 1 {
		t.Errorf("Expected 1 images slot in use, got %d", snap.StageWorkers[models.TypeImages])
	}
}
