package runner

import (
	"log/slog"

	"github.com/inkwell-ai/inkwell/pkg/model"
)

// UsageSink receives one event per terminal task. Implementations must not
// block: the runner calls Record on its own goroutine synchronously.
type UsageSink interface {
	Record(ev model.UsageEvent)
}

// SlogSink logs usage events through the default structured logger. It is
// the fallback sink for embedders that do not meter usage.
type SlogSink struct{}

func (SlogSink) Record(ev model.UsageEvent) {
	slog.Info("Agent usage",
		"user_id", ev.UserID,
		"agent_kind", ev.AgentKind,
		"provider", ev.Provider,
		"task_id", ev.TaskID,
		"pipeline_id", ev.PipelineID,
		"attempts", ev.Attempts,
		"duration_ms", ev.DurationMs,
		"success", ev.Success,
		"cached", ev.Cached)
}
