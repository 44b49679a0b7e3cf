package workers

import (
	"context"
	"log/slog"

	"camlink/domain"
)

// CaptureHandler reacts to camera-side events. The orchestrator implements
// it; the watcher stays a dumb pump so it can be restarted freely.
type CaptureHandler interface {
	OnCameraEvent(ctx context.Context, event domain.CameraEvent)
}

// CameraWatcher drains the camera event stream and forwards each event to
// the handler. New captures become queued sessions, a detached device
// interrupts everything in flight.
type CameraWatcher struct {
	log     *slog.Logger
	events  <-chan domain.CameraEvent
	handler CaptureHandler
}

func NewCameraWatcher(log *slog.Logger, events <-chan domain.CameraEvent, handler CaptureHandler) *CameraWatcher {
	return &CameraWatcher{log: log, events: events, handler: handler}
}

func (w *CameraWatcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-w.events:
			if !ok {
				w.log.Info("Camera event stream closed")
				return nil
			}
			w.handler.OnCameraEvent(ctx, event)
		}
	}
}
