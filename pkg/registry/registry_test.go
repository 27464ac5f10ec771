package registry

import (
	"testing"
)

func TestRegisterThenGet(t *testing.T) {
	r := New()
	if _, err := r.Register("job1", "orders"); err != nil {
		t.Fatalf("register: %v", err)
	}
	job, err := r.Get("job1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if job.Status != StatusRegistered {
		t.Fatalf("expected registered status, got %v", job.Status)
	}
}

func TestRegisterDuplicateJobIdFails(t *testing.T) {
	r := New()
	if _, err := r.Register("job1", "orders"); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := r.Register("job1", "orders"); err == nil {
		t.Fatal("expected error registering duplicate jobId")
	}
}

func TestUpdateProgressThenGetReflectsCounters(t *testing.T) {
	r := New()
	r.Register("job1", "orders")
	if err := r.UpdateProgress("job1", 10, 9, 1, 0); err != nil {
		t.Fatalf("update progress: %v", err)
	}
	job, _ := r.Get("job1")
	if job.AttemptedRows != 10 || job.InsertedRows != 9 || job.RejectedRows != 1 {
		t.Fatalf("unexpected counters: %+v", job)
	}
	if job.Status != StatusRunning {
		t.Fatalf("expected running status, got %v", job.Status)
	}
}

func TestCompleteSetsTerminalStatus(t *testing.T) {
	r := New()
	r.Register("job1", "orders")
	if err := r.Complete("job1"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	job, _ := r.Get("job1")
	if job.Status != StatusCompleted {
		t.Fatalf("expected completed status, got %v", job.Status)
	}
}

func TestFailRecordsReason(t *testing.T) {
	r := New()
	r.Register("job1", "orders")
	if err := r.Fail("job1", "loader exploded"); err != nil {
		t.Fatalf("fail: %v", err)
	}
	job, _ := r.Get("job1")
	if job.Status != StatusFailed || job.Reason != "loader exploded" {
		t.Fatalf("unexpected job state: %+v", job)
	}
}

func TestSubscribeReceivesProgressAndClosesOnTerminal(t *testing.T) {
	r := New()
	r.Register("job1", "orders")
	ch, err := r.Subscribe("job1")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	r.UpdateProgress("job1", 1, 1, 0, 0)
	snapshot := <-ch
	if snapshot.AttemptedRows != 1 {
		t.Fatalf("expected subscriber to receive progress snapshot, got %+v", snapshot)
	}

	r.Complete("job1")
	final, ok := <-ch
	if ok && final.Status != StatusCompleted {
		t.Fatalf("expected completed snapshot or closed channel, got %+v ok=%v", final, ok)
	}
	if _, stillOpen := <-ch; stillOpen {
		t.Fatal("expected channel closed after terminal transition")
	}
}

func TestGetUnregisteredJobFails(t *testing.T) {
	r := New()
	if _, err := r.Get("missing"); err == nil {
		t.Fatal("expected error for unregistered job")
	}
}
