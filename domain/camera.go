package domain

import "time"

// ObjectID is a PTP object handle on the camera.
type ObjectID uint32

// ObjectInfo is the catalog entry for one object on the camera.
type ObjectInfo struct {
	ID         ObjectID
	StorageID  uint32
	FormatCode uint16
	Size       uint64
	Name       string
	Mime       string
	CapturedAt time.Time
}

// Catalog is an immutable snapshot of the camera's object listing.
type Catalog map[ObjectID]ObjectInfo

// DeviceDescriptor identifies the attached camera; the quirk table
// is keyed by VendorID/ProductID.
type DeviceDescriptor struct {
	VendorID     uint16
	ProductID    uint16
	Manufacturer string
	Model        string
	Serial       string
}

// CapabilitySet is the set of operation codes the camera reported
// in its device info.
type CapabilitySet map[uint16]struct{}

func (c CapabilitySet) Supports(code uint16) bool {
	_, ok := c[code]
	return ok
}

type CameraEventKind uint8

const (
	ObjectAdded CameraEventKind = iota
	ObjectRemoved
	StoreAdded
	StoreRemoved
	DeviceGone
)

func (k CameraEventKind) String() string {
	switch k {
	case ObjectAdded:
		return "object added"
	case ObjectRemoved:
		return "object removed"
	case StoreAdded:
		return "store added"
	case StoreRemoved:
		return "store removed"
	case DeviceGone:
		return "device gone"
	default:
		return "unknown"
	}
}

// CameraEvent is one entry of the camera's event stream.
type CameraEvent struct {
	Kind    CameraEventKind
	Object  ObjectID
	StoreID uint32
	At      time.Time
}
