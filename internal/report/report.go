// Package report delivers run summaries to operators over the configured
// channels. Reporting is best effort: a channel that fails is logged and the
// run result stands either way.
package report

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/attic-io/attic/internal/pipeline"
)

// Reporter delivers one run summary to one channel.
type Reporter interface {
	Name() string
	Send(ctx context.Context, tenant string, sum *pipeline.Summary) error
}

// Multi fans a summary out to every configured reporter.
type Multi struct {
	reporters []Reporter
	logger    *slog.Logger
}

func NewMulti(logger *slog.Logger, reporters ...Reporter) *Multi {
	if logger == nil {
		logger = slog.Default()
	}
	return &Multi{reporters: reporters, logger: logger}
}

// Send dispatches to every channel and reports whether at least one
// delivery succeeded. Individual failures are logged, never fatal.
func (m *Multi) Send(ctx context.Context, tenant string, sum *pipeline.Summary) bool {
	if len(m.reporters) == 0 {
		return false
	}
	ok := false
	for _, r := range m.reporters {
		if err := r.Send(ctx, tenant, sum); err != nil {
			m.logger.Error("report delivery failed",
				"channel", r.Name(), "tenant", tenant, "run", sum.RunID, "error", err)
			continue
		}
		ok = true
	}
	return ok
}

// FormatText renders a summary as plain text, one fact per line.
func FormatText(tenant string, sum *pipeline.Summary) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s run %s\n", tenant, sum.Kind, sum.RunID)
	fmt.Fprintf(&b, "Tickets processed: %d\n", sum.TicketsProcessed)
	fmt.Fprintf(&b, "Files uploaded: %d (%s)\n", sum.FilesUploaded, formatBytes(sum.BytesTotal))
	if sum.Empty > 0 {
		fmt.Fprintf(&b, "Confirmed empty: %d\n", sum.Empty)
	}
	if sum.Deleted > 0 {
		fmt.Fprintf(&b, "Deleted at source: %d\n", sum.Deleted)
	}
	if sum.ErrorsCount > 0 {
		fmt.Fprintf(&b, "Errors: %d\n", sum.ErrorsCount)
	}
	fmt.Fprintf(&b, "Duration: %s", sum.FinishedAt.Sub(sum.StartedAt).Round(time.Second))
	return b.String()
}

// FormatHTML renders a summary for channels that take simple HTML.
func FormatHTML(tenant string, sum *pipeline.Summary) string {
	var b strings.Builder
	fmt.Fprintf(&b, "<b>[%s]</b> %s run <code>%s</code>\n", tenant, sum.Kind, sum.RunID)
	fmt.Fprintf(&b, "Tickets processed: <b>%d</b>\n", sum.TicketsProcessed)
	fmt.Fprintf(&b, "Files uploaded: <b>%d</b> (%s)\n", sum.FilesUploaded, formatBytes(sum.BytesTotal))
	if sum.Empty > 0 {
		fmt.Fprintf(&b, "Confirmed empty: %d\n", sum.Empty)
	}
	if sum.Deleted > 0 {
		fmt.Fprintf(&b, "Deleted at source: %d\n", sum.Deleted)
	}
	if sum.ErrorsCount > 0 {
		fmt.Fprintf(&b, "⚠️ Errors: <b>%d</b>\n", sum.ErrorsCount)
	}
	fmt.Fprintf(&b, "Duration: %s", sum.FinishedAt.Sub(sum.StartedAt).Round(time.Second))
	return b.String()
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
