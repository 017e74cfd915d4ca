package report

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/attic-io/attic/internal/pipeline"
)

func sampleSummary() *pipeline.Summary {
	start := time.Date(2026, 8, 20, 3, 0, 0, 0, time.UTC)
	return &pipeline.Summary{
		RunID:            "abc-123",
		Kind:             "offload",
		StartedAt:        start,
		FinishedAt:       start.Add(95 * time.Second),
		TicketsProcessed: 42,
		FilesUploaded:    17,
		BytesTotal:       3 * 1024 * 1024,
		Deleted:          2,
		Empty:            5,
		ErrorsCount:      1,
	}
}

func TestFormatText(t *testing.T) {
	got := FormatText("acme", sampleSummary())
	for _, want := range []string{
		"[acme] offload run abc-123",
		"Tickets processed: 42",
		"Files uploaded: 17 (3.0 MiB)",
		"Confirmed empty: 5",
		"Deleted at source: 2",
		"Errors: 1",
		"Duration: 1m35s",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("FormatText missing %q in:\n%s", want, got)
		}
	}
}

func TestFormatTextOmitsZeroSections(t *testing.T) {
	sum := sampleSummary()
	sum.Deleted, sum.Empty, sum.ErrorsCount = 0, 0, 0
	got := FormatText("acme", sum)
	for _, absent := range []string{"Deleted", "empty", "Errors"} {
		if strings.Contains(got, absent) {
			t.Errorf("FormatText should omit %q when zero:\n%s", absent, got)
		}
	}
}

func TestFormatHTML(t *testing.T) {
	got := FormatHTML("acme", sampleSummary())
	if !strings.Contains(got, "<b>[acme]</b>") || !strings.Contains(got, "<code>abc-123</code>") {
		t.Errorf("FormatHTML = %s", got)
	}
}

func TestFormatBytes(t *testing.T) {
	cases := []struct {
		n    int64
		want string
	}{
		{0, "0 B"},
		{512, "512 B"},
		{2048, "2.0 KiB"},
		{5 * 1024 * 1024, "5.0 MiB"},
		{3 * 1024 * 1024 * 1024, "3.0 GiB"},
	}
	for _, c := range cases {
		if got := formatBytes(c.n); got != c.want {
			t.Errorf("formatBytes(%d) = %q, want %q", c.n, got, c.want)
		}
	}
}

type stubReporter struct {
	name string
	err  error
	sent int
}

func (s *stubReporter) Name() string { return s.name }

func (s *stubReporter) Send(context.Context, string, *pipeline.Summary) error {
	s.sent++
	return s.err
}

func TestMultiSendPartialFailure(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(new(strings.Builder), nil))
	good := &stubReporter{name: "good"}
	bad := &stubReporter{name: "bad", err: errors.New("offline")}

	m := NewMulti(logger, bad, good)
	if ok := m.Send(context.Background(), "acme", sampleSummary()); !ok {
		t.Error("Send should report success when any channel delivers")
	}
	if good.sent != 1 || bad.sent != 1 {
		t.Errorf("sent counts = %d/%d, want 1/1", good.sent, bad.sent)
	}
}

func TestMultiSendAllFail(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(new(strings.Builder), nil))
	m := NewMulti(logger, &stubReporter{name: "bad", err: errors.New("offline")})
	if ok := m.Send(context.Background(), "acme", sampleSummary()); ok {
		t.Error("Send should report failure when every channel fails")
	}
}

func TestMultiSendNoChannels(t *testing.T) {
	m := NewMulti(nil)
	if ok := m.Send(context.Background(), "acme", sampleSummary()); ok {
		t.Error("Send with no reporters should report false")
	}
}
