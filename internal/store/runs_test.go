package store

import (
	"testing"
	"time"

	"github.com/sitesync/sitesync/internal/domain"
)

func TestCreateAndGetRun(t *testing.T) {
	s := newTestStore(t)
	now := time.Now()
	run := domain.Run{ID: "run-1", SourceName: "example", StartedAt: now, Status: domain.RunRunning, ConfigSnapshot: "{}"}
	if err := s.CreateRun(run); err != nil {
		t.Fatalf("CreateRun() error: %v", err)
	}

	got, err := s.GetRun("run-1")
	if err != nil {
		t.Fatalf("GetRun() error: %v", err)
	}
	if got.SourceName != "example" || got.Status != domain.RunRunning {
		t.Errorf("got = %+v", got)
	}
}

func TestGetRun_NotFound(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.GetRun("missing"); err != domain.ErrRunNotFound {
		t.Fatalf("GetRun() = %v, want ErrRunNotFound", err)
	}
}

func TestLatestResumableRun(t *testing.T) {
	s := newTestStore(t)
	now := time.Now()

	old := domain.Run{ID: "run-1", SourceName: "example", StartedAt: now.Add(-time.Hour), Status: domain.RunCompleted}
	stopped := domain.Run{ID: "run-2", SourceName: "example", StartedAt: now.Add(-time.Minute), Status: domain.RunStopped}
	if err := s.CreateRun(old); err != nil {
		t.Fatalf("CreateRun(old) error: %v", err)
	}
	if err := s.CreateRun(stopped); err != nil {
		t.Fatalf("CreateRun(stopped) error: %v", err)
	}

	got, err := s.LatestResumableRun("example")
	if err != nil {
		t.Fatalf("LatestResumableRun() error: %v", err)
	}
	if got == nil || got.ID != "run-2" {
		t.Fatalf("LatestResumableRun() = %+v, want run-2", got)
	}
}

func TestFinalizeRun_SetsCompletedAt(t *testing.T) {
	s := newTestStore(t)
	now := time.Now()
	run := domain.Run{ID: "run-1", SourceName: "example", StartedAt: now, Status: domain.RunRunning}
	if err := s.CreateRun(run); err != nil {
		t.Fatalf("CreateRun() error: %v", err)
	}

	completedAt := now.Add(time.Minute)
	if err := s.FinalizeRun("run-1", domain.RunStopped, completedAt.Unix()); err != nil {
		t.Fatalf("FinalizeRun() error: %v", err)
	}

	got, err := s.GetRun("run-1")
	if err != nil {
		t.Fatalf("GetRun() error: %v", err)
	}
	if got.Status != domain.RunStopped {
		t.Errorf("Status = %v, want stopped", got.Status)
	}
	if got.CompletedAt.Unix() != completedAt.Unix() {
		t.Errorf("CompletedAt = %v, want %v", got.CompletedAt, completedAt)
	}
}
