package scheduler

import (
	"sync"
	"testing"
	"time"
)

func TestAddAndFire(t *testing.T) {
	var mu sync.Mutex
	var calls int

	sched := New(nil)
	err := sched.Add("acme", "offload", "@every 1s", func() {
		mu.Lock()
		calls++
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if sched.JobCount() != 1 {
		t.Errorf("JobCount = %d", sched.JobCount())
	}

	sched.Start()
	time.Sleep(1500 * time.Millisecond)
	sched.Stop()

	mu.Lock()
	defer mu.Unlock()
	if calls == 0 {
		t.Error("expected at least one job firing")
	}
}

func TestInvalidSchedule(t *testing.T) {
	sched := New(nil)
	if err := sched.Add("acme", "offload", "not-a-cron", func() {}); err == nil {
		t.Error("expected error for invalid schedule")
	}
}

func TestRemoveTenant(t *testing.T) {
	sched := New(nil)
	sched.Add("acme", "offload", "@every 1h", func() {})
	sched.Add("acme", "recheck", "@every 2h", func() {})
	sched.Add("globex", "offload", "@every 1h", func() {})

	if sched.JobCount() != 3 {
		t.Fatalf("JobCount = %d before remove", sched.JobCount())
	}
	sched.RemoveTenant("acme")
	if sched.JobCount() != 1 {
		t.Errorf("JobCount = %d after remove", sched.JobCount())
	}
}

func TestPanicRecovery(t *testing.T) {
	var mu sync.Mutex
	fired := false

	sched := New(nil)
	sched.Add("acme", "broken", "@every 1s", func() {
		mu.Lock()
		fired = true
		mu.Unlock()
		panic("boom")
	})

	sched.Start()
	time.Sleep(1500 * time.Millisecond)
	sched.Stop()

	mu.Lock()
	defer mu.Unlock()
	if !fired {
		t.Error("job never fired")
	}
	// Reaching here at all means the panic did not escape the scheduler.
}
