package workers

import (
	"context"
	"log/slog"
	"time"

	"camlink/contract"
	"camlink/domain"
)

// ExpiryHandler finalizes a session whose resume window has elapsed.
type ExpiryHandler interface {
	OnSessionExpired(ctx context.Context, session *domain.TransferSession)
}

// SessionReaper periodically scans persisted sessions and expires the
// interrupted ones that stayed unresumed longer than the TTL. Terminal
// sessions are left alone.
type SessionReaper struct {
	log      *slog.Logger
	store    contract.SessionStore
	handler  ExpiryHandler
	ttl      time.Duration
	interval time.Duration
}

func NewSessionReaper(log *slog.Logger, store contract.SessionStore, handler ExpiryHandler, ttl, interval time.Duration) *SessionReaper {
	return &SessionReaper{log: log, store: store, handler: handler, ttl: ttl, interval: interval}
}

func (r *SessionReaper) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.sweep(ctx)
		}
	}
}

func (r *SessionReaper) sweep(ctx context.Context) {
	sessions, err := r.store.List()
	if err != nil {
		r.log.Warn("Session sweep failed", "error", err)
		return
	}

	now := time.Now()
	for _, session := range sessions {
		if session.State != domain.Interrupted {
			continue
		}
		if now.Sub(session.InterruptedAt) < r.ttl {
			continue
		}
		r.log.Info("Session resume window elapsed",
			"session_id", session.ID,
			"object_id", session.ObjectID,
			"interrupted_at", session.InterruptedAt)
		r.handler.OnSessionExpired(ctx, session)
	}
}
