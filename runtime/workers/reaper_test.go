package workers

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"camlink/domain"
	"camlink/mocks"
)

type expiryRecorder struct {
	expired []*domain.TransferSession
}

func (e *expiryRecorder) OnSessionExpired(_ context.Context, session *domain.TransferSession) {
	e.expired = append(e.expired, session)
}

func TestReaperExpiresOnlyStaleInterruptedSessions(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	stale := domain.NewTransferSession("phone-1", domain.ObjectInfo{ID: 0x10, Size: 10, Name: "a.jpg"})
	stale.State = domain.Interrupted
	stale.InterruptedAt = time.Now().Add(-2 * time.Hour)

	recent := domain.NewTransferSession("phone-1", domain.ObjectInfo{ID: 0x20, Size: 10, Name: "b.jpg"})
	recent.State = domain.Interrupted
	recent.InterruptedAt = time.Now().Add(-time.Minute)

	queued := domain.NewTransferSession("phone-1", domain.ObjectInfo{ID: 0x30, Size: 10, Name: "c.jpg"})

	store := mocks.NewMockSessionStore(ctrl)
	store.EXPECT().List().Return([]*domain.TransferSession{stale, recent, queued}, nil)

	recorder := &expiryRecorder{}
	reaper := NewSessionReaper(slog.Default(), store, recorder, time.Hour, time.Minute)
	reaper.sweep(context.Background())

	req.Len(recorder.expired, 1)
	req.Equal(stale.ID, recorder.expired[0].ID)
}
