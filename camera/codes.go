// Package camera speaks PTP/MTP to the attached camera over a raw USB
// bulk/interrupt transport and exposes a capability-negotiated,
// vendor-agnostic API: catalog, ranged object reads, deletion and a
// capture event stream.
package camera

import "fmt"

// PTP container kinds.
const (
	containerCommand  uint16 = 1
	containerData     uint16 = 2
	containerResponse uint16 = 3
	containerEvent    uint16 = 4
)

// containerHeaderSize is the fixed PTP container header:
// [length:u32][type:u16][code:u16][transaction:u32], little-endian.
const containerHeaderSize = 12

// Standard PTP operation codes.
const (
	OpGetDeviceInfo    uint16 = 0x1001
	OpOpenSession      uint16 = 0x1002
	OpCloseSession     uint16 = 0x1003
	OpGetStorageIDs    uint16 = 0x1004
	OpGetStorageInfo   uint16 = 0x1005
	OpGetNumObjects    uint16 = 0x1006
	OpGetObjectHandles uint16 = 0x1007
	OpGetObjectInfo    uint16 = 0x1008
	OpGetObject        uint16 = 0x1009
	OpGetThumb         uint16 = 0x100A
	OpDeleteObject     uint16 = 0x100B
	OpInitiateCapture  uint16 = 0x100E
	OpPowerDown        uint16 = 0x1013
	OpGetPartialObject uint16 = 0x101B
)

// Standard PTP response codes.
const (
	rcOK                    uint16 = 0x2001
	rcGeneralError          uint16 = 0x2002
	rcSessionNotOpen        uint16 = 0x2003
	rcInvalidTransactionID  uint16 = 0x2004
	rcOperationNotSupported uint16 = 0x2005
	rcIncompleteTransfer    uint16 = 0x2007
	rcInvalidObjectHandle   uint16 = 0x2009
	rcStoreNotAvailable     uint16 = 0x2013
	rcDeviceBusy            uint16 = 0x2019
	rcSessionAlreadyOpen    uint16 = 0x201E
	rcAccessDenied          uint16 = 0x200F
)

// Standard PTP event codes (interrupt endpoint).
const (
	evCancelTransaction uint16 = 0x4001
	evObjectAdded       uint16 = 0x4002
	evObjectRemoved     uint16 = 0x4003
	evStoreAdded        uint16 = 0x4004
	evStoreRemoved      uint16 = 0x4005
	evDeviceInfoChanged uint16 = 0x4008
	evStoreFull         uint16 = 0x400A
	evCaptureComplete   uint16 = 0x400E
)

var responseNames = map[uint16]string{
	rcOK:                    "ok",
	rcGeneralError:          "general error",
	rcSessionNotOpen:        "session not open",
	rcInvalidTransactionID:  "invalid transaction id",
	rcOperationNotSupported: "operation not supported",
	rcIncompleteTransfer:    "incomplete transfer",
	rcInvalidObjectHandle:   "invalid object handle",
	rcStoreNotAvailable:     "store not available",
	rcDeviceBusy:            "device busy",
	rcSessionAlreadyOpen:    "session already open",
	rcAccessDenied:          "access denied",
}

// ResponseError is a non-OK PTP response from the camera.
type ResponseError struct {
	Code uint16
}

func (e ResponseError) Error() string {
	if name, ok := responseNames[e.Code]; ok {
		return fmt.Sprintf("camera response: %s (0x%04x)", name, e.Code)
	}
	return fmt.Sprintf("camera response: 0x%04x", e.Code)
}

// Retryable reports whether the response signals a transient condition
// worth retrying with backoff.
func (e ResponseError) Retryable() bool {
	return e.Code == rcDeviceBusy || e.Code == rcStoreNotAvailable
}
