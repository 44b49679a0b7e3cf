package camera

import "time"

// Quirk is the per-model override set resolved at attach time. The rest of
// the client stays vendor-agnostic: it consults the quirk, never the model.
type Quirk struct {
	Name string

	// eventRemap translates vendor event codes onto standard ones.
	eventRemap map[uint16]uint16

	// disablePartialObject forces whole-object reads even when the camera
	// advertises GetPartialObject (some firmwares corrupt ranged reads).
	disablePartialObject bool

	// settleDelay is how long a fresh object needs before its first read
	// returns consistent data.
	settleDelay time.Duration
}

func (q Quirk) remapEvent(code uint16) uint16 {
	if mapped, ok := q.eventRemap[code]; ok {
		return mapped
	}
	return code
}

type quirkKey struct {
	vendorID  uint16
	productID uint16
}

// quirkTable is keyed by USB vendor/product id; productID 0 is the
// vendor-wide fallback.
var quirkTable = map[quirkKey]Quirk{
	// Canon bodies report captures through a vendor event instead of the
	// standard ObjectAdded.
	{vendorID: 0x04a9, productID: 0}: {
		Name:       "canon",
		eventRemap: map[uint16]uint16{0xc181: evObjectAdded, 0xc186: evCaptureComplete},
	},
	// Sony Alpha: ranged reads are reliable only after the file is closed.
	{vendorID: 0x054c, productID: 0}: {
		Name:        "sony",
		settleDelay: 150 * time.Millisecond,
	},
	// Nikon: GetPartialObject advertised but truncates past 0xFFFF0000.
	{vendorID: 0x04b0, productID: 0}: {
		Name:                 "nikon",
		disablePartialObject: true,
	},
}

// lookupQuirk resolves the override set for a device, most specific first.
func lookupQuirk(vendorID, productID uint16) Quirk {
	if q, ok := quirkTable[quirkKey{vendorID, productID}]; ok {
		return q
	}
	if q, ok := quirkTable[quirkKey{vendorID, 0}]; ok {
		return q
	}
	return Quirk{Name: "generic"}
}
