package errors

import "fmt"

// Transport level.
var (
	ErrBusy     = fmt.Errorf("transport busy: a client link is already active")
	ErrLinkLost = fmt.Errorf("transport link lost")
	ErrTimeout  = fmt.Errorf("transport timeout")
)

// Framing level.
var (
	ErrPeerUnresponsive = fmt.Errorf("peer unresponsive: retransmit limit reached")
	ErrCorruptFrame     = fmt.Errorf("corrupt frame")
	ErrFrameTooLarge    = fmt.Errorf("frame payload exceeds negotiated maximum")
	ErrWindowFull       = fmt.Errorf("send window full")
)

// Session level.
var (
	ErrCreditExhausted    = fmt.Errorf("session credit exhausted")
	ErrSessionInterrupted = fmt.Errorf("session interrupted")
	ErrSessionAborted     = fmt.Errorf("session aborted")
	ErrSessionNotFound    = fmt.Errorf("session not found")
	ErrObjectInUse        = fmt.Errorf("object has an active session")
	ErrBadTransition      = fmt.Errorf("invalid session state transition")
)

// Camera level.
var (
	ErrCameraBusy          = fmt.Errorf("camera busy")
	ErrCameraFatal         = fmt.Errorf("camera fatal error")
	ErrDeviceGone          = fmt.Errorf("camera detached")
	ErrNotSupported        = fmt.Errorf("operation not supported by camera")
	ErrTransactionMismatch = fmt.Errorf("transaction id mismatch")
)

var ErrWorkerPanic = fmt.Errorf("worker panic")
