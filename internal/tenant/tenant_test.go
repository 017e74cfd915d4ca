package tenant

import (
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/attic-io/attic/internal/config"
	"github.com/attic-io/attic/internal/scheduler"
	"github.com/attic-io/attic/internal/state"
)

func testConfig(dataDir string) *config.Config {
	cfg := &config.Config{
		DataDir: dataDir,
		Tenants: []config.TenantConfig{
			{
				Slug:        "acme",
				Source:      config.SourceConfig{Subdomain: "acme", Email: "ops@acme.test", APIToken: "t"},
				Destination: config.DestinationConfig{Endpoint: "s3.test", AccessKey: "AK", SecretKey: "SK", Bucket: "b"},
			},
			{
				Slug:        "globex",
				Source:      config.SourceConfig{Subdomain: "globex", Email: "ops@globex.test", APIToken: "t"},
				Destination: config.DestinationConfig{Endpoint: "s3.test", AccessKey: "AK", SecretKey: "SK", Bucket: "b"},
			},
		},
	}
	cfg.Jobs = config.JobsConfig{
		Offload: "@every 6h", Continuous: "@every 30m",
		CacheSync: "@every 12h", Recheck: "0 3 * * *",
	}
	return cfg
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(new(strings.Builder), nil))
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(testConfig(t.TempDir()), quietLogger())
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	t.Cleanup(m.Close)
	return m
}

func TestManagerBuildsAllTenants(t *testing.T) {
	m := newTestManager(t)
	slugs := m.Slugs()
	if len(slugs) != 2 || slugs[0] != "acme" || slugs[1] != "globex" {
		t.Errorf("Slugs = %v", slugs)
	}
	if m.Get("acme") == nil || m.Get("globex") == nil {
		t.Error("Get returned nil for configured tenant")
	}
	if m.Get("nope") != nil {
		t.Error("Get should return nil for unknown tenant")
	}
}

func TestManagerRegisterJobs(t *testing.T) {
	m := newTestManager(t)
	sched := scheduler.New(quietLogger())
	cfg := testConfig(t.TempDir())
	if err := m.RegisterJobs(context.Background(), sched, cfg.Jobs); err != nil {
		t.Fatalf("RegisterJobs: %v", err)
	}
	// Four jobs per tenant.
	if sched.JobCount() != 8 {
		t.Errorf("JobCount = %d, want 8", sched.JobCount())
	}
}

func TestManagerRegisterJobsBadSchedule(t *testing.T) {
	m := newTestManager(t)
	sched := scheduler.New(quietLogger())
	jobs := config.JobsConfig{Offload: "garbage", Continuous: "@every 30m", CacheSync: "@every 1h", Recheck: "@every 1h"}
	if err := m.RegisterJobs(context.Background(), sched, jobs); err == nil {
		t.Error("expected error for invalid schedule")
	}
}

func TestMassOffloadSkipsRecordedAndLogsRun(t *testing.T) {
	m := newTestManager(t)
	rt := m.Get("acme")
	ctx := context.Background()

	// Empty id list: nothing to fetch, but the run must still be logged.
	if ok := rt.MassOffload(ctx, nil); !ok {
		t.Fatal("MassOffload should acquire the free lock")
	}
	logs, err := rt.Store().RunLogs(ctx, 10)
	if err != nil {
		t.Fatalf("RunLogs: %v", err)
	}
	if len(logs) != 1 || logs[0].Kind != "mass" {
		t.Fatalf("logs = %+v, want one mass run", logs)
	}
	if logs[0].TicketsProcessed != 0 {
		t.Errorf("processed = %d, want 0", logs[0].TicketsProcessed)
	}
}

func TestTriggeredMassRunSkipsRecorded(t *testing.T) {
	m := newTestManager(t)
	rt := m.Get("acme")
	ctx := context.Background()

	err := rt.Store().UpsertRecord(ctx, 42, state.RecordUpdate{FilesCount: 2, BytesTotal: 100})
	if err != nil {
		t.Fatalf("UpsertRecord: %v", err)
	}

	// The trigger path must apply the same already-recorded filter as the
	// direct MassOffload call, so the only requested ticket is skipped.
	if ok := rt.TryRun("mass", []int64{42}); !ok {
		t.Fatal("TryRun should acquire the free lock")
	}

	deadline := time.Now().Add(2 * time.Second)
	var logs []state.RunLog
	for time.Now().Before(deadline) {
		var err error
		logs, err = rt.Store().RunLogs(ctx, 10)
		if err != nil {
			t.Fatalf("RunLogs: %v", err)
		}
		if len(logs) > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if len(logs) != 1 || logs[0].Kind != "mass" {
		t.Fatalf("logs = %+v, want one mass run", logs)
	}
	if logs[0].TicketsProcessed != 0 {
		t.Errorf("processed = %d, want 0 (ticket 42 already recorded)", logs[0].TicketsProcessed)
	}
}

func TestRunLockIsSingleFlight(t *testing.T) {
	m := newTestManager(t)
	rt := m.Get("acme")

	if !rt.lock.TryAcquire() {
		t.Fatal("TryAcquire on fresh lock")
	}
	defer rt.lock.Release()

	if ok := rt.MassOffload(context.Background(), nil); ok {
		t.Error("MassOffload must skip while the lock is held")
	}
	if ok := rt.TryRun("mass", nil); ok {
		t.Error("TryRun must refuse while the lock is held")
	}
}

func TestScheduleInterval(t *testing.T) {
	cases := []struct {
		schedule string
		want     time.Duration
	}{
		{"@every 30m", 30 * time.Minute},
		{"@every 1h30m", 90 * time.Minute},
		{"0 3 * * *", 30 * time.Minute},
		{"@every nonsense", 30 * time.Minute},
		{"", 30 * time.Minute},
	}
	for _, c := range cases {
		if got := scheduleInterval(c.schedule); got != c.want {
			t.Errorf("scheduleInterval(%q) = %v, want %v", c.schedule, got, c.want)
		}
	}
}
