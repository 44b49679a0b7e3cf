package domain

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/google/uuid"
)

// ControlKind is the first payload byte of a Control frame.
type ControlKind uint8

const (
	ControlCreditGrant     ControlKind = 1
	ControlSessionResume   ControlKind = 2
	ControlDeleteRequest   ControlKind = 3
	ControlDeleteAck       ControlKind = 4
	ControlSessionAnnounce ControlKind = 5
	ControlSessionDone     ControlKind = 6
	ControlTelemetry       ControlKind = 7
)

type DeleteStatus uint8

const (
	DeleteOk DeleteStatus = iota
	DeleteInUse
	DeleteFailed
)

// ControlMessage is any payload carried by a Control frame.
type ControlMessage interface {
	Kind() ControlKind
	encode(b []byte) []byte
}

// CreditGrant adds Bytes of transmission credit to the client's
// active session. Credit of zero is never sent; the absence of grants
// is what pauses the stream.
type CreditGrant struct {
	Bytes uint32
}

// SessionResume asks the bridge to continue an interrupted session
// from Offset. Token is the resume token issued in the announce,
// proving the same client identity across reconnects.
type SessionResume struct {
	SessionID uuid.UUID
	Offset    uint64
	Token     string `validate:"required,max=512"`
}

type DeleteRequest struct {
	ObjectID ObjectID
}

type DeleteAck struct {
	ObjectID ObjectID
	Status   DeleteStatus
}

// SessionAnnounce tells the client a transfer session exists.
// Sent when the session is queued and again when resumed.
type SessionAnnounce struct {
	SessionID uuid.UUID
	ObjectID  ObjectID
	Size      uint64
	Offset    uint64
	Name      string
	Mime      string
	Token     string
}

// SessionDone is the terminal notification for a session: the client
// always receives one, whatever the outcome.
type SessionDone struct {
	SessionID uuid.UUID
	State     SessionState
	Reason    AbortReason
}

// Telemetry reports bridge health so the client can surface it.
type Telemetry struct {
	CPUPercent     float64
	RSSBytes       uint64
	QueuedSessions uint32
}

func (CreditGrant) Kind() ControlKind     { return ControlCreditGrant }
func (SessionResume) Kind() ControlKind   { return ControlSessionResume }
func (DeleteRequest) Kind() ControlKind   { return ControlDeleteRequest }
func (DeleteAck) Kind() ControlKind       { return ControlDeleteAck }
func (SessionAnnounce) Kind() ControlKind { return ControlSessionAnnounce }
func (SessionDone) Kind() ControlKind     { return ControlSessionDone }
func (Telemetry) Kind() ControlKind       { return ControlTelemetry }

// EncodeControl serializes a control message into a Control frame payload.
func EncodeControl(m ControlMessage) []byte {
	b := []byte{byte(m.Kind())}
	return m.encode(b)
}

func (m CreditGrant) encode(b []byte) []byte {
	return binary.LittleEndian.AppendUint32(b, m.Bytes)
}

func (m SessionResume) encode(b []byte) []byte {
	b = append(b, m.SessionID[:]...)
	b = binary.LittleEndian.AppendUint64(b, m.Offset)
	return appendString(b, m.Token)
}

func (m DeleteRequest) encode(b []byte) []byte {
	return binary.LittleEndian.AppendUint32(b, uint32(m.ObjectID))
}

func (m DeleteAck) encode(b []byte) []byte {
	b = binary.LittleEndian.AppendUint32(b, uint32(m.ObjectID))
	return append(b, byte(m.Status))
}

func (m SessionAnnounce) encode(b []byte) []byte {
	b = append(b, m.SessionID[:]...)
	b = binary.LittleEndian.AppendUint32(b, uint32(m.ObjectID))
	b = binary.LittleEndian.AppendUint64(b, m.Size)
	b = binary.LittleEndian.AppendUint64(b, m.Offset)
	b = appendString(b, m.Name)
	b = appendString(b, m.Mime)
	return appendString(b, m.Token)
}

func (m SessionDone) encode(b []byte) []byte {
	b = append(b, m.SessionID[:]...)
	return append(b, byte(m.State), byte(m.Reason))
}

func (m Telemetry) encode(b []byte) []byte {
	b = binary.LittleEndian.AppendUint64(b, uint64(math.Round(m.CPUPercent*100)))
	b = binary.LittleEndian.AppendUint64(b, m.RSSBytes)
	return binary.LittleEndian.AppendUint32(b, m.QueuedSessions)
}

// DecodeControl parses a Control frame payload.
func DecodeControl(payload []byte) (ControlMessage, error) {
	if len(payload) == 0 {
		return nil, fmt.Errorf("empty control payload")
	}
	r := reader{buf: payload[1:]}
	kind := ControlKind(payload[0])

	var msg ControlMessage
	switch kind {
	case ControlCreditGrant:
		msg = CreditGrant{Bytes: r.u32()}
	case ControlSessionResume:
		msg = SessionResume{SessionID: r.id(), Offset: r.u64(), Token: r.str()}
	case ControlDeleteRequest:
		msg = DeleteRequest{ObjectID: ObjectID(r.u32())}
	case ControlDeleteAck:
		msg = DeleteAck{ObjectID: ObjectID(r.u32()), Status: DeleteStatus(r.u8())}
	case ControlSessionAnnounce:
		msg = SessionAnnounce{
			SessionID: r.id(),
			ObjectID:  ObjectID(r.u32()),
			Size:      r.u64(),
			Offset:    r.u64(),
			Name:      r.str(),
			Mime:      r.str(),
			Token:     r.str(),
		}
	case ControlSessionDone:
		msg = SessionDone{SessionID: r.id(), State: SessionState(r.u8()), Reason: AbortReason(r.u8())}
	case ControlTelemetry:
		msg = Telemetry{CPUPercent: float64(r.u64()) / 100, RSSBytes: r.u64(), QueuedSessions: r.u32()}
	default:
		return nil, fmt.Errorf("unknown control kind %d", kind)
	}

	if r.err != nil {
		return nil, fmt.Errorf("control %d: %w", kind, r.err)
	}
	return msg, nil
}

func appendString(b []byte, s string) []byte {
	b = binary.LittleEndian.AppendUint16(b, uint16(len(s)))
	return append(b, s...)
}

// reader is a short-read-safe cursor over a control payload.
// The first truncation sets err and every later read yields zero values.
type reader struct {
	buf []byte
	err error
}

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if len(r.buf) < n {
		r.err = fmt.Errorf("truncated payload")
		return nil
	}
	out := r.buf[:n]
	r.buf = r.buf[n:]
	return out
}

func (r *reader) u8() uint8 {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *reader) u32() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

func (r *reader) u64() uint64 {
	b := r.take(8)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

func (r *reader) id() uuid.UUID {
	var id uuid.UUID
	if b := r.take(16); b != nil {
		copy(id[:], b)
	}
	return id
}

func (r *reader) str() string {
	b := r.take(2)
	if b == nil {
		return ""
	}
	n := int(binary.LittleEndian.Uint16(b))
	return string(r.take(n))
}
