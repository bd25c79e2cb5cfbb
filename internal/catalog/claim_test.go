package catalog

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/conda-incubator/condastore/internal/buildstate"
	"github.com/conda-incubator/condastore/internal/db"
	"github.com/conda-incubator/condastore/internal/models"
)

func TestClaimNextBuild_EmptyTaskID(t *testing.T) {
	_, err := ClaimNextBuild(nil, ClaimOpts{})
	if err == nil {
		t.Fatal("expected error for empty taskID")
	}
	if !strings.Contains(err.Error(), "taskID is required") {
		t.Errorf("error = %q", err)
	}
}

func TestClaimNextBuild_EmptyQueue(t *testing.T) {
	gormDB := openTestDB(t)
	b, err := ClaimNextBuild(gormDB, ClaimOpts{TaskID: "task-1"})
	if err != nil {
		t.Fatalf("ClaimNextBuild: %v", err)
	}
	if b != nil {
		t.Errorf("claimed %d from an empty queue", b.ID)
	}
}

func TestClaimNextBuild_OldestFirst(t *testing.T) {
	gormDB := openTestDB(t)
	first := mustRegister(t, gormDB, "ns", "a", mustSpec(t, gormDB, specN(10)).ID)
	second := mustRegister(t, gormDB, "ns", "b", mustSpec(t, gormDB, specN(11)).ID)

	got := mustClaim(t, gormDB, "task-1")
	if got.ID != first.ID {
		t.Errorf("claimed %d, want oldest %d", got.ID, first.ID)
	}
	if got.Status != buildstate.Building {
		t.Errorf("Status = %q", got.Status)
	}
	if got.TaskID == nil || *got.TaskID != "task-1" {
		t.Errorf("TaskID = %v", got.TaskID)
	}
	if got.StartedOn == nil || got.HeartbeatOn == nil {
		t.Error("claim must stamp started_on and heartbeat_on")
	}
	if got.Attempts != 1 {
		t.Errorf("Attempts = %d, want 1", got.Attempts)
	}

	stored := reload(t, gormDB, first.ID)
	if stored.Attempts != 1 || stored.Status != buildstate.Building {
		t.Errorf("stored build: attempts=%d status=%s", stored.Attempts, stored.Status)
	}

	next := mustClaim(t, gormDB, "task-2")
	if next.ID != second.ID {
		t.Errorf("second claim got %d, want %d", next.ID, second.ID)
	}
	none, err := ClaimNextBuild(gormDB, ClaimOpts{TaskID: "task-3"})
	if err != nil || none != nil {
		t.Errorf("third claim = %v, %v; want nil, nil", none, err)
	}
}

func TestClaimNextBuild_MaxConcurrent(t *testing.T) {
	gormDB := openTestDB(t)
	mustRegister(t, gormDB, "ns", "a", mustSpec(t, gormDB, specN(10)).ID)
	mustRegister(t, gormDB, "ns", "b", mustSpec(t, gormDB, specN(11)).ID)

	if _, err := ClaimNextBuild(gormDB, ClaimOpts{TaskID: "t1", MaxConcurrent: 1}); err != nil {
		t.Fatal(err)
	}
	b, err := ClaimNextBuild(gormDB, ClaimOpts{TaskID: "t2", MaxConcurrent: 1})
	if err != nil {
		t.Fatal(err)
	}
	if b != nil {
		t.Errorf("claimed build %d beyond the concurrency cap", b.ID)
	}
}

func TestClaimNextBuild_MaxConcurrentParallel(t *testing.T) {
	gormDB := openTestDB(t)
	if err := SetSetting(gormDB, db.SettingsPrefix, db.KeyMaxConcurrentBuilds, "2"); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 6; i++ {
		mustRegister(t, gormDB, "ns", fmt.Sprintf("env%d", i), mustSpec(t, gormDB, specN(20+i)).ID)
	}

	var wg sync.WaitGroup
	claims := make(chan uint, 6)
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			b, err := ClaimNextBuild(gormDB, ClaimOpts{TaskID: fmt.Sprintf("w%d/1", i), MaxConcurrent: 2})
			if err != nil {
				t.Errorf("claim %d: %v", i, err)
				return
			}
			if b != nil {
				claims <- b.ID
			}
		}(i)
	}
	wg.Wait()
	close(claims)
	if n := len(claims); n != 2 {
		t.Errorf("%d builds claimed, want exactly the cap of 2", n)
	}
}

func TestHeartbeatAndCheckLease(t *testing.T) {
	gormDB := openTestDB(t)
	mustRegister(t, gormDB, "ns", "a", mustSpec(t, gormDB, specN(10)).ID)
	b := mustClaim(t, gormDB, "task-1")

	if err := Heartbeat(gormDB, b.ID, "task-1"); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	if err := Heartbeat(gormDB, b.ID, "other"); !errors.Is(err, ErrLeaseLost) {
		t.Errorf("foreign heartbeat error = %v, want ErrLeaseLost", err)
	}

	cancel, err := CheckLease(gormDB, b.ID, "task-1")
	if err != nil || cancel {
		t.Errorf("CheckLease = %v, %v; want false, nil", cancel, err)
	}
	if _, err := RequestCancel(gormDB, b.ID); err != nil {
		t.Fatal(err)
	}
	cancel, err = CheckLease(gormDB, b.ID, "task-1")
	if err != nil || !cancel {
		t.Errorf("CheckLease after cancel = %v, %v; want true, nil", cancel, err)
	}
}

func TestExpiredLeasesAndRecover(t *testing.T) {
	gormDB := openTestDB(t)
	mustRegister(t, gormDB, "ns", "a", mustSpec(t, gormDB, specN(10)).ID)
	b := mustClaim(t, gormDB, "task-1")

	expired, err := ExpiredLeases(gormDB, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if len(expired) != 0 {
		t.Fatalf("fresh lease reported expired: %v", expired)
	}

	old := now().Add(-2 * time.Minute)
	gormDB.Model(&models.Build{}).Where("id = ?", b.ID).Update("heartbeat_on", old)

	expired, err = ExpiredLeases(gormDB, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if len(expired) != 1 || expired[0].ID != b.ID {
		t.Fatalf("ExpiredLeases = %v, want build %d", expired, b.ID)
	}

	// Retry budget left: back to the queue.
	got, err := RecoverLease(gormDB, b.ID, "task-1", 2)
	if err != nil {
		t.Fatalf("RecoverLease: %v", err)
	}
	if got.Status != buildstate.Queued || got.StartedOn != nil || got.TaskID != nil {
		t.Errorf("requeued build: status=%s started=%v task=%v", got.Status, got.StartedOn, got.TaskID)
	}

	// Second attempt exhausts the budget.
	again := mustClaim(t, gormDB, "task-2")
	if again.Attempts != 2 {
		t.Errorf("Attempts = %d, want 2", again.Attempts)
	}
	got, err = RecoverLease(gormDB, again.ID, "task-2", 2)
	if err != nil {
		t.Fatalf("RecoverLease: %v", err)
	}
	if got.Status != buildstate.Failed || got.StatusInfo != buildstate.InfoWorkerLost {
		t.Errorf("exhausted build: status=%s info=%q", got.Status, got.StatusInfo)
	}
	if got.EndedOn == nil {
		t.Error("failed build must have ended_on")
	}

	// A stale sweeper cannot act twice.
	if _, err := RecoverLease(gormDB, again.ID, "task-2", 2); !errors.Is(err, ErrLeaseLost) {
		t.Errorf("second recover error = %v, want ErrLeaseLost", err)
	}
}

func TestTimedOutBuilds(t *testing.T) {
	gormDB := openTestDB(t)
	mustRegister(t, gormDB, "ns", "a", mustSpec(t, gormDB, specN(10)).ID)
	b := mustClaim(t, gormDB, "task-1")

	got, err := TimedOutBuilds(gormDB, time.Hour)
	if err != nil || len(got) != 0 {
		t.Fatalf("TimedOutBuilds = %v, %v", got, err)
	}
	gormDB.Model(&models.Build{}).Where("id = ?", b.ID).Update("started_on", now().Add(-2*time.Hour))
	got, err = TimedOutBuilds(gormDB, time.Hour)
	if err != nil || len(got) != 1 {
		t.Fatalf("TimedOutBuilds = %v, %v; want one build", got, err)
	}
	if _, err := TimedOutBuilds(gormDB, 0); !errors.Is(err, ErrValidation) {
		t.Errorf("zero timeout error = %v", err)
	}
}
