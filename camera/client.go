package camera

import (
	"camlink/domain"
	apperrors "camlink/errors"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gabriel-vasile/mimetype"
)

// Transport is the raw USB collaborator: bulk transfers for the protocol
// phases, interrupt transfers for events. Implementations map their I/O
// failures onto errors.ErrTimeout (transient) and errors.ErrDeviceGone.
type Transport interface {
	BulkWrite(ctx context.Context, b []byte) (int, error)
	BulkRead(ctx context.Context, b []byte) (int, error)
	InterruptRead(ctx context.Context, b []byte) (int, error)
	Descriptor() (vendorID, productID uint16)
	Close() error
}

type Config struct {
	RetryLimit  int
	Timeout     time.Duration
	EventBuffer int
}

const (
	bulkBufferSize = 16 * 1024
	ptpSessionID   = 1
)

// Client is the PTP/MTP protocol client for one attached camera. All
// operations against the camera are serialized: cameras support a single
// outstanding transaction.
type Client struct {
	log *slog.Logger
	usb Transport
	cfg Config

	opMu sync.Mutex
	tid  uint32

	descriptor domain.DeviceDescriptor
	caps       domain.CapabilitySet
	quirk      Quirk
	storages   []uint32

	catMu   sync.RWMutex
	catalog domain.Catalog

	// cache of the last whole-object read, for cameras without
	// partial-object support.
	cacheMu     sync.Mutex
	cachedID    domain.ObjectID
	cachedBytes []byte

	events chan domain.CameraEvent
}

func NewClient(log *slog.Logger, usb Transport, cfg Config) *Client {
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 16
	}
	return &Client{
		log:     log,
		usb:     usb,
		cfg:     cfg,
		catalog: make(domain.Catalog),
		events:  make(chan domain.CameraEvent, cfg.EventBuffer),
	}
}

// Attach performs the session-open handshake: device info, quirk lookup,
// OpenSession, storage enumeration and the initial catalog.
func (c *Client) Attach(ctx context.Context) error {
	vid, pid := c.usb.Descriptor()
	c.quirk = lookupQuirk(vid, pid)

	info, err := c.command(ctx, OpGetDeviceInfo, nil)
	if err != nil {
		return fmt.Errorf("device info: %w", err)
	}
	if err := c.parseDeviceInfo(vid, pid, info); err != nil {
		return err
	}

	if _, err := c.command(ctx, OpOpenSession, []uint32{ptpSessionID}); err != nil {
		var re ResponseError
		// A stale session from a previous run is fine to adopt.
		if !errors.As(err, &re) || re.Code != rcSessionAlreadyOpen {
			return fmt.Errorf("open session: %w", err)
		}
	}

	ids, err := c.command(ctx, OpGetStorageIDs, nil)
	if err != nil {
		return fmt.Errorf("storage ids: %w", err)
	}
	r := ptpReader{buf: ids}
	c.storages = r.u32array()
	if r.err != nil {
		return fmt.Errorf("storage ids: %w", r.err)
	}

	if err := c.buildCatalog(ctx); err != nil {
		return err
	}

	c.log.Info("Camera attached",
		"model", c.descriptor.Model,
		"quirk", c.quirk.Name,
		"objects", len(c.catalog),
		"partial_reads", c.supportsPartialReads())
	return nil
}

func (c *Client) parseDeviceInfo(vid, pid uint16, data []byte) error {
	r := ptpReader{buf: data}
	_ = r.u16()      // standard version
	_ = r.u32()      // vendor extension id
	_ = r.u16()      // vendor extension version
	_ = r.str()      // vendor extension description
	_ = r.u16()      // functional mode
	ops := r.u16array()
	_ = r.u16array() // events supported
	_ = r.u16array() // device properties
	_ = r.u16array() // capture formats
	_ = r.u16array() // image formats
	manufacturer := r.str()
	model := r.str()
	_ = r.str() // device version
	serial := r.str()
	if r.err != nil {
		return fmt.Errorf("device info dataset: %w", r.err)
	}

	c.caps = make(domain.CapabilitySet, len(ops))
	for _, op := range ops {
		c.caps[op] = struct{}{}
	}
	c.descriptor = domain.DeviceDescriptor{
		VendorID:     vid,
		ProductID:    pid,
		Manufacturer: manufacturer,
		Model:        model,
		Serial:       serial,
	}
	return nil
}

func (c *Client) Descriptor() domain.DeviceDescriptor { return c.descriptor }

func (c *Client) Capabilities() domain.CapabilitySet { return c.caps }

func (c *Client) supportsPartialReads() bool {
	return c.caps.Supports(OpGetPartialObject) && !c.quirk.disablePartialObject
}

// Events yields camera events until the device detaches.
func (c *Client) Events() <-chan domain.CameraEvent { return c.events }

// Objects returns an immutable snapshot of the catalog.
func (c *Client) Objects() domain.Catalog {
	c.catMu.RLock()
	defer c.catMu.RUnlock()

	snapshot := make(domain.Catalog, len(c.catalog))
	for id, info := range c.catalog {
		snapshot[id] = info
	}
	return snapshot
}

func (c *Client) buildCatalog(ctx context.Context) error {
	catalog := make(domain.Catalog)
	for _, storageID := range c.storages {
		handles, err := c.objectHandles(ctx, storageID)
		if err != nil {
			return fmt.Errorf("storage 0x%08x: %w", storageID, err)
		}
		for _, handle := range handles {
			info, err := c.fetchObjectInfo(ctx, domain.ObjectID(handle))
			if err != nil {
				c.log.Warn("Skipping object with unreadable info", "handle", handle, "error", err)
				continue
			}
			catalog[info.ID] = info
		}
	}

	c.catMu.Lock()
	c.catalog = catalog
	c.catMu.Unlock()
	return nil
}

func (c *Client) objectHandles(ctx context.Context, storageID uint32) ([]uint32, error) {
	// 0 = all formats, all parents.
	data, err := c.command(ctx, OpGetObjectHandles, []uint32{storageID, 0, 0})
	if err != nil {
		return nil, err
	}
	r := ptpReader{buf: data}
	handles := r.u32array()
	if r.err != nil {
		return nil, r.err
	}
	return handles, nil
}

// ObjectInfo returns catalog metadata, fetching it from the camera when
// the object isn't cataloged yet.
func (c *Client) ObjectInfo(ctx context.Context, id domain.ObjectID) (domain.ObjectInfo, error) {
	c.catMu.RLock()
	info, ok := c.catalog[id]
	c.catMu.RUnlock()
	if ok {
		return info, nil
	}

	info, err := c.fetchObjectInfo(ctx, id)
	if err != nil {
		return domain.ObjectInfo{}, err
	}

	c.catMu.Lock()
	c.catalog[id] = info
	c.catMu.Unlock()
	return info, nil
}

func (c *Client) fetchObjectInfo(ctx context.Context, id domain.ObjectID) (domain.ObjectInfo, error) {
	data, err := c.command(ctx, OpGetObjectInfo, []uint32{uint32(id)})
	if err != nil {
		return domain.ObjectInfo{}, err
	}

	r := ptpReader{buf: data}
	storageID := r.u32()
	format := r.u16()
	_ = r.u16() // protection status
	size := r.u32()
	_ = r.u16() // thumb format
	_ = r.u32() // thumb compressed size
	_ = r.u32() // thumb pix width
	_ = r.u32() // thumb pix height
	_ = r.u32() // image pix width
	_ = r.u32() // image pix height
	_ = r.u32() // image bit depth
	_ = r.u32() // parent object
	_ = r.u16() // association type
	_ = r.u32() // association description
	_ = r.u32() // sequence number
	name := r.str()
	captureDate := r.str()
	if r.err != nil {
		return domain.ObjectInfo{}, fmt.Errorf("object info dataset: %w", r.err)
	}

	info := domain.ObjectInfo{
		ID:         id,
		StorageID:  storageID,
		FormatCode: format,
		Size:       uint64(size),
		Name:       name,
		Mime:       formatMime(format),
		CapturedAt: parsePtpDate(captureDate),
	}

	if info.Mime == "" {
		// Unknown format code: sniff the object's head bytes.
		head, err := c.ReadObject(ctx, id, 0, 512)
		if err == nil {
			info.Mime = mimetype.Detect(head).String()
		}
	}
	return info, nil
}

// formatMime maps common PTP object format codes onto MIME types.
func formatMime(format uint16) string {
	switch format {
	case 0x3801, 0x3808: // EXIF/JPEG, JFIF
		return "image/jpeg"
	case 0x380B:
		return "image/png"
	case 0x380D:
		return "image/tiff"
	case 0x3804:
		return "image/bmp"
	case 0x3807:
		return "image/gif"
	case 0x300A:
		return "video/quicktime"
	case 0x300B:
		return "video/mp4"
	default:
		return ""
	}
}

// parsePtpDate parses the PTP DateTime form "YYYYMMDDThhmmss(.s)?(Z|±hhmm)?".
func parsePtpDate(s string) time.Time {
	for _, layout := range []string{"20060102T150405Z", "20060102T150405", "20060102T150405.0"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

// ReadObject reads length bytes at offset. Ranged reads use
// GetPartialObject when the capability set allows it; otherwise the whole
// object is fetched once, cached, and sliced locally so resumed transfers
// don't re-pay the camera for bytes the client already acknowledged.
func (c *Client) ReadObject(ctx context.Context, id domain.ObjectID, offset uint64, length uint32) ([]byte, error) {
	// GetPartialObject carries a 32-bit offset; past that the whole-object
	// path takes over, same as for cameras without partial reads.
	if c.supportsPartialReads() && offset <= 0xFFFFFFFF {
		return c.command(ctx, OpGetPartialObject, []uint32{uint32(id), uint32(offset), length})
	}

	whole, err := c.wholeObject(ctx, id)
	if err != nil {
		return nil, err
	}
	if offset >= uint64(len(whole)) {
		return nil, fmt.Errorf("offset %d beyond object size %d", offset, len(whole))
	}
	end := offset + uint64(length)
	if end > uint64(len(whole)) {
		end = uint64(len(whole))
	}
	out := make([]byte, end-offset)
	copy(out, whole[offset:end])
	return out, nil
}

func (c *Client) wholeObject(ctx context.Context, id domain.ObjectID) ([]byte, error) {
	c.cacheMu.Lock()
	defer c.cacheMu.Unlock()

	if c.cachedID == id && c.cachedBytes != nil {
		return c.cachedBytes, nil
	}

	data, err := c.command(ctx, OpGetObject, []uint32{uint32(id)})
	if err != nil {
		return nil, err
	}
	c.cachedID = id
	c.cachedBytes = data
	return data, nil
}

// DeleteObject removes the object from the camera and the catalog.
func (c *Client) DeleteObject(ctx context.Context, id domain.ObjectID) error {
	if _, err := c.command(ctx, OpDeleteObject, []uint32{uint32(id)}); err != nil {
		return err
	}

	c.catMu.Lock()
	delete(c.catalog, id)
	c.catMu.Unlock()

	c.cacheMu.Lock()
	if c.cachedID == id {
		c.cachedBytes = nil
	}
	c.cacheMu.Unlock()
	return nil
}

// command runs one transaction, transparently retrying transient failures
// (DeviceBusy, bulk timeouts) with linear backoff up to the retry limit.
func (c *Client) command(ctx context.Context, code uint16, params []uint32) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt <= c.cfg.RetryLimit; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(attempt) * 100 * time.Millisecond):
			}
		}

		data, err := c.transaction(ctx, code, params)
		if err == nil {
			return data, nil
		}
		lastErr = err

		if !retryable(err) {
			return nil, err
		}
		c.log.Debug("Retrying camera operation", "code", fmt.Sprintf("0x%04x", code), "attempt", attempt+1, "error", err)
	}
	return nil, fmt.Errorf("%w after %d retries: %v", apperrors.ErrCameraFatal, c.cfg.RetryLimit, lastErr)
}

func retryable(err error) bool {
	var re ResponseError
	if errors.As(err, &re) {
		return re.Retryable()
	}
	return errors.Is(err, apperrors.ErrTimeout) || errors.Is(err, apperrors.ErrCameraBusy)
}

// transaction runs the PTP phases: command, optional data-in, response.
// The operation mutex keeps one transaction outstanding at a time.
func (c *Client) transaction(ctx context.Context, code uint16, params []uint32) ([]byte, error) {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	c.tid++
	tid := c.tid

	if err := c.writeContainer(ctx, containerCommand, code, tid, params); err != nil {
		return nil, err
	}

	var payload []byte
	for {
		kind, respCode, respTid, data, err := c.readContainer(ctx)
		if err != nil {
			return nil, err
		}
		if respTid != tid {
			return nil, fmt.Errorf("%w: got %d, want %d", apperrors.ErrTransactionMismatch, respTid, tid)
		}

		switch kind {
		case containerData:
			payload = data
		case containerResponse:
			if respCode != rcOK {
				return nil, ResponseError{Code: respCode}
			}
			return payload, nil
		default:
			c.log.Warn("Unexpected container in transaction", "kind", kind, "code", respCode)
		}
	}
}

func (c *Client) writeContainer(ctx context.Context, kind, code uint16, tid uint32, params []uint32) error {
	b := make([]byte, 0, containerHeaderSize+len(params)*4)
	b = binary.LittleEndian.AppendUint32(b, uint32(containerHeaderSize+len(params)*4))
	b = binary.LittleEndian.AppendUint16(b, kind)
	b = binary.LittleEndian.AppendUint16(b, code)
	b = binary.LittleEndian.AppendUint32(b, tid)
	for _, p := range params {
		b = binary.LittleEndian.AppendUint32(b, p)
	}

	if _, err := c.usb.BulkWrite(ctx, b); err != nil {
		return fmt.Errorf("bulk write: %w", err)
	}
	return nil
}

// readContainer reads one full PTP container, continuing bulk reads until
// the declared payload length arrives.
func (c *Client) readContainer(ctx context.Context) (kind, code uint16, tid uint32, payload []byte, err error) {
	buf := make([]byte, bulkBufferSize)
	n, err := c.usb.BulkRead(ctx, buf)
	if err != nil {
		return 0, 0, 0, nil, fmt.Errorf("bulk read: %w", err)
	}
	if n < containerHeaderSize {
		return 0, 0, 0, nil, fmt.Errorf("short container: %d bytes", n)
	}

	total := int(binary.LittleEndian.Uint32(buf[0:4]))
	kind = binary.LittleEndian.Uint16(buf[4:6])
	code = binary.LittleEndian.Uint16(buf[6:8])
	tid = binary.LittleEndian.Uint32(buf[8:12])

	if total < containerHeaderSize {
		return 0, 0, 0, nil, fmt.Errorf("malformed container length %d", total)
	}

	payload = make([]byte, 0, total-containerHeaderSize)
	payload = append(payload, buf[containerHeaderSize:n]...)

	for len(payload) < total-containerHeaderSize {
		m, err := c.usb.BulkRead(ctx, buf)
		if err != nil {
			return 0, 0, 0, nil, fmt.Errorf("bulk read continuation: %w", err)
		}
		payload = append(payload, buf[:m]...)
	}
	return kind, code, tid, payload, nil
}

// Run pumps the interrupt endpoint into the event channel until the camera
// detaches. It implements contract.Worker.
func (c *Client) Run(ctx context.Context) error {
	buf := make([]byte, 64)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		n, err := c.usb.InterruptRead(ctx, buf)
		if errors.Is(err, apperrors.ErrTimeout) {
			// Quiet camera; keep listening.
			continue
		}
		if err != nil {
			c.log.Info("Camera event stream ended", "error", err)
			c.emit(ctx, domain.CameraEvent{Kind: domain.DeviceGone, At: time.Now()})
			return nil
		}

		event, ok := c.parseEvent(buf[:n])
		if !ok {
			continue
		}
		c.handleEvent(ctx, event)
	}
}

func (c *Client) parseEvent(raw []byte) (domain.CameraEvent, bool) {
	if len(raw) < containerHeaderSize {
		return domain.CameraEvent{}, false
	}
	kind := binary.LittleEndian.Uint16(raw[4:6])
	if kind != containerEvent {
		return domain.CameraEvent{}, false
	}
	code := c.quirk.remapEvent(binary.LittleEndian.Uint16(raw[6:8]))

	var param uint32
	if len(raw) >= containerHeaderSize+4 {
		param = binary.LittleEndian.Uint32(raw[containerHeaderSize:])
	}

	event := domain.CameraEvent{At: time.Now()}
	switch code {
	case evObjectAdded:
		event.Kind = domain.ObjectAdded
		event.Object = domain.ObjectID(param)
	case evObjectRemoved:
		event.Kind = domain.ObjectRemoved
		event.Object = domain.ObjectID(param)
	case evStoreAdded:
		event.Kind = domain.StoreAdded
		event.StoreID = param
	case evStoreRemoved:
		event.Kind = domain.StoreRemoved
		event.StoreID = param
	default:
		c.log.Debug("Ignoring camera event", "code", fmt.Sprintf("0x%04x", code))
		return domain.CameraEvent{}, false
	}
	return event, true
}

func (c *Client) handleEvent(ctx context.Context, event domain.CameraEvent) {
	switch event.Kind {
	case domain.ObjectAdded:
		if c.quirk.settleDelay > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(c.quirk.settleDelay):
			}
		}
		if _, err := c.ObjectInfo(ctx, event.Object); err != nil {
			c.log.Warn("New object info unavailable", "object", event.Object, "error", err)
		}
	case domain.ObjectRemoved:
		c.catMu.Lock()
		delete(c.catalog, event.Object)
		c.catMu.Unlock()
	}
	c.emit(ctx, event)
}

func (c *Client) emit(ctx context.Context, event domain.CameraEvent) {
	select {
	case <-ctx.Done():
	case c.events <- event:
	}
}

// Close ends the PTP session and releases the transport.
func (c *Client) Close(ctx context.Context) error {
	_, err := c.command(ctx, OpCloseSession, nil)
	if closeErr := c.usb.Close(); err == nil {
		err = closeErr
	}
	return err
}
