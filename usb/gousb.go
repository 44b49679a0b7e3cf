// Package usb provides the libusb-backed bulk/interrupt transport the
// camera protocol client runs on.
package usb

import (
	apperrors "camlink/errors"
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/gousb"
)

// USB still-image class: PTP/MTP cameras expose an interface of this class
// with two bulk endpoints and one interrupt endpoint.
const imageClass = 6

// Transport adapts a gousb device to camera.Transport.
type Transport struct {
	log *slog.Logger

	usbCtx *gousb.Context
	dev    *gousb.Device
	intf   *gousb.Interface
	closer func()

	vendorID  uint16
	productID uint16

	bulkIn  *gousb.InEndpoint
	bulkOut *gousb.OutEndpoint
	intrIn  *gousb.InEndpoint
}

// Open scans the bus for the first still-image-class device and claims its
// PTP interface and endpoints.
func Open(log *slog.Logger) (*Transport, error) {
	usbCtx := gousb.NewContext()

	devs, err := usbCtx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		return findImageInterface(desc) != nil
	})
	// OpenDevices may return opened devices alongside an error for
	// unrelated, unopenable ones.
	if len(devs) == 0 {
		_ = usbCtx.Close()
		if err != nil {
			return nil, fmt.Errorf("scanning usb bus: %w", err)
		}
		return nil, fmt.Errorf("no still-image usb device found")
	}

	dev := devs[0]
	for _, extra := range devs[1:] {
		_ = extra.Close()
	}

	t := &Transport{
		log:       log,
		usbCtx:    usbCtx,
		dev:       dev,
		vendorID:  uint16(dev.Desc.Vendor),
		productID: uint16(dev.Desc.Product),
	}
	if err := t.claim(); err != nil {
		_ = dev.Close()
		_ = usbCtx.Close()
		return nil, err
	}

	log.Info("Camera usb interface claimed",
		"vendor", fmt.Sprintf("0x%04x", t.vendorID),
		"product", fmt.Sprintf("0x%04x", t.productID))
	return t, nil
}

type interfaceMatch struct {
	config    int
	number    int
	alternate int
}

func findImageInterface(desc *gousb.DeviceDesc) *interfaceMatch {
	for cfgNum, cfg := range desc.Configs {
		for _, intf := range cfg.Interfaces {
			for _, alt := range intf.AltSettings {
				if int(alt.Class) == imageClass {
					return &interfaceMatch{config: cfgNum, number: intf.Number, alternate: alt.Alternate}
				}
			}
		}
	}
	return nil
}

func (t *Transport) claim() error {
	match := findImageInterface(t.dev.Desc)
	if match == nil {
		return fmt.Errorf("device lost its still-image interface")
	}

	if err := t.dev.SetAutoDetach(true); err != nil {
		t.log.Warn("Kernel driver auto-detach unavailable", "error", err)
	}

	cfg, err := t.dev.Config(match.config)
	if err != nil {
		return fmt.Errorf("selecting config %d: %w", match.config, err)
	}
	intf, err := cfg.Interface(match.number, match.alternate)
	if err != nil {
		_ = cfg.Close()
		return fmt.Errorf("claiming interface %d: %w", match.number, err)
	}

	t.intf = intf
	t.closer = func() {
		intf.Close()
		_ = cfg.Close()
	}

	for _, ep := range intf.Setting.Endpoints {
		switch {
		case ep.Direction == gousb.EndpointDirectionIn && ep.TransferType == gousb.TransferTypeBulk:
			t.bulkIn, err = intf.InEndpoint(ep.Number)
		case ep.Direction == gousb.EndpointDirectionOut && ep.TransferType == gousb.TransferTypeBulk:
			t.bulkOut, err = intf.OutEndpoint(ep.Number)
		case ep.Direction == gousb.EndpointDirectionIn && ep.TransferType == gousb.TransferTypeInterrupt:
			t.intrIn, err = intf.InEndpoint(ep.Number)
		}
		if err != nil {
			return fmt.Errorf("opening endpoint %d: %w", ep.Number, err)
		}
	}

	if t.bulkIn == nil || t.bulkOut == nil || t.intrIn == nil {
		return fmt.Errorf("ptp interface is missing required endpoints")
	}
	return nil
}

func (t *Transport) Descriptor() (uint16, uint16) {
	return t.vendorID, t.productID
}

func (t *Transport) BulkWrite(ctx context.Context, b []byte) (int, error) {
	n, err := t.bulkOut.WriteContext(ctx, b)
	return n, mapUsbError(err)
}

func (t *Transport) BulkRead(ctx context.Context, b []byte) (int, error) {
	n, err := t.bulkIn.ReadContext(ctx, b)
	return n, mapUsbError(err)
}

func (t *Transport) InterruptRead(ctx context.Context, b []byte) (int, error) {
	n, err := t.intrIn.ReadContext(ctx, b)
	return n, mapUsbError(err)
}

func (t *Transport) Close() error {
	if t.closer != nil {
		t.closer()
	}
	err := t.dev.Close()
	if ctxErr := t.usbCtx.Close(); err == nil {
		err = ctxErr
	}
	return err
}

// mapUsbError folds libusb failures onto the bridge error taxonomy:
// timeouts are transient, everything else means the device is gone or
// unusable.
func mapUsbError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gousb.ErrorTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", apperrors.ErrTimeout, err)
	}
	if errors.Is(err, gousb.ErrorNoDevice) || errors.Is(err, gousb.ErrorNotFound) {
		return fmt.Errorf("%w: %v", apperrors.ErrDeviceGone, err)
	}
	return err
}
