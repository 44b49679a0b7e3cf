package domain

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestControlRoundTrip(t *testing.T) {
	sessionID := uuid.New()

	cases := []struct {
		name string
		msg  ControlMessage
	}{
		{"credit grant", CreditGrant{Bytes: 128 * 1024}},
		{"session resume", SessionResume{SessionID: sessionID, Offset: 1 << 33, Token: "eyJhbGciOi..."}},
		{"delete request", DeleteRequest{ObjectID: 0xA1B2C3D4}},
		{"delete ack", DeleteAck{ObjectID: 7, Status: DeleteInUse}},
		{"session announce", SessionAnnounce{
			SessionID: sessionID,
			ObjectID:  42,
			Size:      9_000_000,
			Offset:    200_000,
			Name:      "IMG_0042.JPG",
			Mime:      "image/jpeg",
			Token:     "token-bytes",
		}},
		{"session done", SessionDone{SessionID: sessionID, State: Aborted, Reason: ReasonCameraDetached}},
		{"telemetry", Telemetry{CPUPercent: 12.34, RSSBytes: 48 << 20, QueuedSessions: 3}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := require.New(t)
			decoded, err := DecodeControl(EncodeControl(tc.msg))
			req.NoError(err)
			req.Equal(tc.msg, decoded)
		})
	}
}

func TestDecodeControlRejectsGarbage(t *testing.T) {
	req := require.New(t)

	_, err := DecodeControl(nil)
	req.Error(err)

	_, err = DecodeControl([]byte{0xFF})
	req.Error(err, "unknown control kind")

	// A resume frame cut short must fail cleanly, not read out of bounds.
	full := EncodeControl(SessionResume{SessionID: uuid.New(), Offset: 99, Token: "abc"})
	_, err = DecodeControl(full[:len(full)-2])
	req.Error(err)
}
