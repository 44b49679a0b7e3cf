package workers

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/shirou/gopsutil/process"

	"camlink/domain"
)

// TelemetrySink pushes a telemetry snapshot to the connected client.
// Implementations must tolerate the link being down.
type TelemetrySink interface {
	PushTelemetry(ctx context.Context, snapshot domain.Telemetry)
}

// TelemetryWorker samples the bridge process (CPU, resident memory) plus
// the session backlog and ships a snapshot on every tick.
type TelemetryWorker struct {
	log      *slog.Logger
	sink     TelemetrySink
	queued   func() uint32
	interval time.Duration
	proc     *process.Process
}

func NewTelemetryWorker(log *slog.Logger, sink TelemetrySink, queued func() uint32, interval time.Duration) *TelemetryWorker {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		log.Warn("Process telemetry unavailable", "error", err)
	}
	return &TelemetryWorker{log: log, sink: sink, queued: queued, interval: interval, proc: proc}
}

func (t *TelemetryWorker) Run(ctx context.Context) error {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			t.sink.PushTelemetry(ctx, t.snapshot())
		}
	}
}

func (t *TelemetryWorker) snapshot() domain.Telemetry {
	snapshot := domain.Telemetry{QueuedSessions: t.queued()}
	if t.proc == nil {
		return snapshot
	}
	if cpu, err := t.proc.CPUPercent(); err == nil {
		snapshot.CPUPercent = cpu
	}
	if mem, err := t.proc.MemoryInfo(); err == nil && mem != nil {
		snapshot.RSSBytes = mem.RSS
	}
	return snapshot
}
