package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	apperrors "camlink/errors"
)

func testObjectInfo() ObjectInfo {
	return ObjectInfo{
		ID:   101,
		Size: 2_500_000,
		Name: "IMG_0101.JPG",
		Mime: "image/jpeg",
	}
}

func TestSessionLifecycle(t *testing.T) {
	req := require.New(t)
	sess := NewTransferSession("phone-1", testObjectInfo())

	req.Equal(Queued, sess.State)
	req.NotEqual("", sess.ID.String())
	req.Equal(uint64(0), sess.AckedOffset)

	req.NoError(sess.TransitionTo(Streaming))
	req.NoError(sess.TransitionTo(Paused))
	req.NoError(sess.TransitionTo(Streaming))
	req.NoError(sess.TransitionTo(Completed))
	req.True(sess.State.Terminal())
}

func TestSessionInterruptAndResume(t *testing.T) {
	req := require.New(t)
	sess := NewTransferSession("phone-1", testObjectInfo())

	req.NoError(sess.TransitionTo(Streaming))
	sess.AckedOffset = 200_000

	before := time.Now()
	req.NoError(sess.TransitionTo(Interrupted))
	req.False(sess.InterruptedAt.Before(before))
	req.Equal(uint64(2_300_000), sess.Remaining())

	// A resume continues from the durable offset.
	req.NoError(sess.TransitionTo(Streaming))
	req.Equal(uint64(200_000), sess.AckedOffset)
}

func TestSessionRejectsIllegalTransitions(t *testing.T) {
	req := require.New(t)

	sess := NewTransferSession("phone-1", testObjectInfo())
	req.ErrorIs(sess.TransitionTo(Completed), apperrors.ErrBadTransition)

	req.NoError(sess.TransitionTo(Streaming))
	req.NoError(sess.TransitionTo(Completed))

	// Terminal is terminal.
	req.ErrorIs(sess.TransitionTo(Streaming), apperrors.ErrBadTransition)
	req.ErrorIs(sess.TransitionTo(Aborted), apperrors.ErrBadTransition)
}
