package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	apperrors "camlink/errors"
)

type SessionState uint8

const (
	Queued SessionState = iota
	Streaming
	Paused
	Interrupted
	Completed
	Aborted
)

func (s SessionState) String() string {
	switch s {
	case Queued:
		return "queued"
	case Streaming:
		return "streaming"
	case Paused:
		return "paused"
	case Interrupted:
		return "interrupted"
	case Completed:
		return "completed"
	case Aborted:
		return "aborted"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// Terminal states admit no further transition.
func (s SessionState) Terminal() bool {
	return s == Completed || s == Aborted
}

type AbortReason uint8

const (
	ReasonNone AbortReason = iota
	ReasonCameraDetached
	ReasonCameraError
	ReasonSessionExpired
	ReasonClientCancel
	ReasonPeerUnresponsive
)

func (r AbortReason) String() string {
	switch r {
	case ReasonNone:
		return "none"
	case ReasonCameraDetached:
		return "camera detached"
	case ReasonCameraError:
		return "camera error"
	case ReasonSessionExpired:
		return "session expired"
	case ReasonClientCancel:
		return "client cancel"
	case ReasonPeerUnresponsive:
		return "peer unresponsive"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(r))
	}
}

// TransferSession tracks one object transfer towards one client.
// The orchestrator is the only writer; everyone else gets copies.
type TransferSession struct {
	ID       uuid.UUID `json:"id"`
	ClientID string    `json:"client_id"`
	ObjectID ObjectID  `json:"object_id"`

	TotalSize uint64 `json:"total_size"`
	Name      string `json:"name"`
	Mime      string `json:"mime"`

	// AckedOffset is the resume point: every byte below it has been
	// acknowledged by the client and is never re-sent.
	AckedOffset uint64       `json:"acked_offset"`
	State       SessionState `json:"state"`
	Reason      AbortReason  `json:"reason"`

	CreatedAt     time.Time `json:"created_at"`
	InterruptedAt time.Time `json:"interrupted_at,omitzero"`
}

func NewTransferSession(clientID string, info ObjectInfo) *TransferSession {
	return &TransferSession{
		ID:        uuid.New(),
		ClientID:  clientID,
		ObjectID:  info.ID,
		TotalSize: info.Size,
		Name:      info.Name,
		Mime:      info.Mime,
		State:     Queued,
		CreatedAt: time.Now(),
	}
}

// allowed lists the legal transitions of the session state machine:
// Queued -> Streaming <-> Paused -> Completed, with Interrupted reachable
// from any live state and resumable back to Streaming.
var allowed = map[SessionState][]SessionState{
	Queued:      {Streaming, Interrupted, Aborted},
	Streaming:   {Paused, Interrupted, Completed, Aborted},
	Paused:      {Streaming, Interrupted, Aborted},
	Interrupted: {Streaming, Aborted},
}

// TransitionTo moves the session to next, rejecting illegal transitions.
func (s *TransferSession) TransitionTo(next SessionState) error {
	for _, n := range allowed[s.State] {
		if n == next {
			if next == Interrupted {
				s.InterruptedAt = time.Now()
			}
			s.State = next
			return nil
		}
	}
	return fmt.Errorf("%w: session %s: %s -> %s", apperrors.ErrBadTransition, s.ID, s.State, next)
}

// Remaining reports the bytes not yet acknowledged by the client.
func (s *TransferSession) Remaining() uint64 {
	if s.AckedOffset >= s.TotalSize {
		return 0
	}
	return s.TotalSize - s.AckedOffset
}
