package camera

import (
	"context"
	"encoding/binary"
	"log/slog"
	"sync"
	"testing"
	"time"
	"unicode/utf16"

	"github.com/stretchr/testify/require"

	"camlink/domain"
	apperrors "camlink/errors"
)

// ptpWriter builds little-endian PTP datasets for the fake camera.
type ptpWriter struct{ buf []byte }

func (w *ptpWriter) u16(v uint16) { w.buf = binary.LittleEndian.AppendUint16(w.buf, v) }
func (w *ptpWriter) u32(v uint32) { w.buf = binary.LittleEndian.AppendUint32(w.buf, v) }

func (w *ptpWriter) str(s string) {
	if s == "" {
		w.buf = append(w.buf, 0)
		return
	}
	units := append(utf16.Encode([]rune(s)), 0)
	w.buf = append(w.buf, byte(len(units)))
	for _, u := range units {
		w.u16(u)
	}
}

func (w *ptpWriter) u16array(vals []uint16) {
	w.u32(uint32(len(vals)))
	for _, v := range vals {
		w.u16(v)
	}
}

func (w *ptpWriter) u32array(vals []uint32) {
	w.u32(uint32(len(vals)))
	for _, v := range vals {
		w.u32(v)
	}
}

func container(kind, code uint16, tid uint32, payload []byte) []byte {
	b := make([]byte, 0, containerHeaderSize+len(payload))
	b = binary.LittleEndian.AppendUint32(b, uint32(containerHeaderSize+len(payload)))
	b = binary.LittleEndian.AppendUint16(b, kind)
	b = binary.LittleEndian.AppendUint16(b, code)
	b = binary.LittleEndian.AppendUint32(b, tid)
	return append(b, payload...)
}

type fakeObject struct {
	format uint16
	name   string
	bytes  []byte
}

// fakeCamera scripts the camera side of the bulk pipe: every BulkWrite is
// parsed as a command container and the matching data/response containers
// are queued for the next BulkReads.
type fakeCamera struct {
	mu       sync.Mutex
	vendorID uint16
	productID uint16
	ops      []uint16
	objects  map[uint32]*fakeObject
	deleted  []uint32
	busyLeft int // respond DeviceBusy to this many commands first

	queue      [][]byte
	interrupts chan []byte
	closed     bool
}

func newFakeCamera(vid, pid uint16, ops []uint16) *fakeCamera {
	return &fakeCamera{
		vendorID:   vid,
		productID:  pid,
		ops:        ops,
		objects:    make(map[uint32]*fakeObject),
		interrupts: make(chan []byte, 8),
	}
}

func (f *fakeCamera) Descriptor() (uint16, uint16) { return f.vendorID, f.productID }

func (f *fakeCamera) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeCamera) BulkWrite(_ context.Context, b []byte) (int, error) {
	if len(b) < containerHeaderSize {
		return 0, apperrors.ErrCameraFatal
	}
	code := binary.LittleEndian.Uint16(b[6:8])
	tid := binary.LittleEndian.Uint32(b[8:12])
	var params []uint32
	for p := containerHeaderSize; p+4 <= len(b); p += 4 {
		params = append(params, binary.LittleEndian.Uint32(b[p:]))
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.busyLeft > 0 {
		f.busyLeft--
		f.respond(tid, rcDeviceBusy)
		return len(b), nil
	}

	switch code {
	case OpGetDeviceInfo:
		f.data(tid, code, f.deviceInfo())
		f.respond(tid, rcOK)
	case OpOpenSession, OpCloseSession:
		f.respond(tid, rcOK)
	case OpGetStorageIDs:
		w := &ptpWriter{}
		w.u32array([]uint32{0x00010001})
		f.data(tid, code, w.buf)
		f.respond(tid, rcOK)
	case OpGetObjectHandles:
		w := &ptpWriter{}
		handles := make([]uint32, 0, len(f.objects))
		for h := range f.objects {
			handles = append(handles, h)
		}
		w.u32array(handles)
		f.data(tid, code, w.buf)
		f.respond(tid, rcOK)
	case OpGetObjectInfo:
		obj, ok := f.objects[params[0]]
		if !ok {
			f.respond(tid, rcInvalidObjectHandle)
			break
		}
		f.data(tid, code, f.objectInfo(obj))
		f.respond(tid, rcOK)
	case OpGetObject:
		obj, ok := f.objects[params[0]]
		if !ok {
			f.respond(tid, rcInvalidObjectHandle)
			break
		}
		f.data(tid, code, obj.bytes)
		f.respond(tid, rcOK)
	case OpGetPartialObject:
		obj, ok := f.objects[params[0]]
		if !ok {
			f.respond(tid, rcInvalidObjectHandle)
			break
		}
		offset, length := params[1], params[2]
		end := uint64(offset) + uint64(length)
		if end > uint64(len(obj.bytes)) {
			end = uint64(len(obj.bytes))
		}
		f.data(tid, code, obj.bytes[offset:end])
		f.respond(tid, rcOK)
	case OpDeleteObject:
		f.deleted = append(f.deleted, params[0])
		delete(f.objects, params[0])
		f.respond(tid, rcOK)
	default:
		f.respond(tid, rcOperationNotSupported)
	}
	return len(b), nil
}

func (f *fakeCamera) data(tid uint32, code uint16, payload []byte) {
	f.queue = append(f.queue, container(containerData, code, tid, payload))
}

func (f *fakeCamera) respond(tid uint32, code uint16) {
	f.queue = append(f.queue, container(containerResponse, code, tid, nil))
}

func (f *fakeCamera) BulkRead(_ context.Context, b []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.queue) == 0 {
		return 0, apperrors.ErrTimeout
	}
	next := f.queue[0]
	f.queue = f.queue[1:]
	return copy(b, next), nil
}

func (f *fakeCamera) InterruptRead(ctx context.Context, b []byte) (int, error) {
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case raw, ok := <-f.interrupts:
		if !ok {
			return 0, apperrors.ErrDeviceGone
		}
		return copy(b, raw), nil
	case <-time.After(20 * time.Millisecond):
		return 0, apperrors.ErrTimeout
	}
}

func (f *fakeCamera) deviceInfo() []byte {
	w := &ptpWriter{}
	w.u16(100)           // standard version
	w.u32(0)             // vendor extension id
	w.u16(0)             // vendor extension version
	w.str("")            // vendor extension description
	w.u16(0)             // functional mode
	w.u16array(f.ops)    // operations supported
	w.u16array(nil)      // events supported
	w.u16array(nil)      // device properties
	w.u16array(nil)      // capture formats
	w.u16array(nil)      // image formats
	w.str("ExampleCorp") // manufacturer
	w.str("X-100")       // model
	w.str("1.0")         // device version
	w.str("SN-123456")   // serial
	return w.buf
}

func (f *fakeCamera) objectInfo(obj *fakeObject) []byte {
	w := &ptpWriter{}
	w.u32(0x00010001) // storage id
	w.u16(obj.format)
	w.u16(0) // protection status
	w.u32(uint32(len(obj.bytes)))
	w.u16(0) // thumb format
	w.u32(0) // thumb compressed size
	w.u32(0) // thumb pix width
	w.u32(0) // thumb pix height
	w.u32(0) // image pix width
	w.u32(0) // image pix height
	w.u32(0) // image bit depth
	w.u32(0) // parent object
	w.u16(0) // association type
	w.u32(0) // association description
	w.u32(0) // sequence number
	w.str(obj.name)
	w.str("20260115T103000Z")
	return w.buf
}

// pushEvent queues an interrupt-endpoint event container.
func (f *fakeCamera) pushEvent(code uint16, param uint32) {
	payload := binary.LittleEndian.AppendUint32(nil, param)
	f.interrupts <- container(containerEvent, code, 0, payload)
}

var allOps = []uint16{
	OpGetDeviceInfo, OpOpenSession, OpCloseSession, OpGetStorageIDs,
	OpGetObjectHandles, OpGetObjectInfo, OpGetObject, OpDeleteObject,
	OpGetPartialObject,
}

func testClient(t *testing.T, fake *fakeCamera) *Client {
	t.Helper()
	client := NewClient(slog.Default(), fake, Config{
		RetryLimit: 3,
		Timeout:    2 * time.Second,
	})
	require.NoError(t, client.Attach(context.Background()))
	return client
}

func TestAttachBuildsCatalogAndCapabilities(t *testing.T) {
	req := require.New(t)
	fake := newFakeCamera(0x1234, 0x5678, allOps)
	fake.objects[0x10] = &fakeObject{format: 0x3801, name: "IMG_0001.JPG", bytes: make([]byte, 100)}
	fake.objects[0x11] = &fakeObject{format: 0x3801, name: "IMG_0002.JPG", bytes: make([]byte, 200)}

	client := testClient(t, fake)

	req.Equal("ExampleCorp", client.Descriptor().Manufacturer)
	req.Equal("X-100", client.Descriptor().Model)
	req.Equal("SN-123456", client.Descriptor().Serial)
	req.True(client.Capabilities().Supports(OpGetPartialObject))

	catalog := client.Objects()
	req.Len(catalog, 2)
	info := catalog[0x10]
	req.Equal("IMG_0001.JPG", info.Name)
	req.Equal("image/jpeg", info.Mime)
	req.Equal(uint64(100), info.Size)
	req.Equal(2026, info.CapturedAt.Year())
}

func TestReadObjectUsesPartialReads(t *testing.T) {
	req := require.New(t)
	fake := newFakeCamera(0x1234, 0x5678, allOps)
	payload := make([]byte, 1000)
	for i := range payload {
		payload[i] = byte(i)
	}
	fake.objects[0x10] = &fakeObject{format: 0x3801, name: "a.jpg", bytes: payload}

	client := testClient(t, fake)

	chunk, err := client.ReadObject(context.Background(), 0x10, 200, 300)
	req.NoError(err)
	req.Equal(payload[200:500], chunk)
}

func TestReadObjectFallsBackToWholeObjectCache(t *testing.T) {
	req := require.New(t)
	// Same vendor/product as a camera whose partial reads are broken.
	fake := newFakeCamera(0x04b0, 0x0410, allOps)
	payload := make([]byte, 1000)
	for i := range payload {
		payload[i] = byte(i * 7)
	}
	fake.objects[0x20] = &fakeObject{format: 0x3801, name: "b.jpg", bytes: payload}

	client := testClient(t, fake)
	req.False(client.supportsPartialReads())

	first, err := client.ReadObject(context.Background(), 0x20, 0, 400)
	req.NoError(err)
	req.Equal(payload[:400], first)

	// Second ranged read must come from the cache, not another full fetch.
	fake.mu.Lock()
	fake.objects[0x20].bytes = nil // any re-fetch would now return nothing
	fake.mu.Unlock()

	second, err := client.ReadObject(context.Background(), 0x20, 400, 600)
	req.NoError(err)
	req.Equal(payload[400:], second)
}

func TestReadObjectOversizedOffsetUsesWholeObjectPath(t *testing.T) {
	req := require.New(t)
	fake := newFakeCamera(0x1234, 0x5678, allOps)
	payload := make([]byte, 1000)
	for i := range payload {
		payload[i] = byte(i * 3)
	}
	fake.objects[0x30] = &fakeObject{format: 0x3801, name: "c.jpg", bytes: payload}

	client := testClient(t, fake)
	req.True(client.supportsPartialReads())

	// GetPartialObject cannot address past 32 bits; the whole-object path
	// must take over instead of refusing the read.
	_, err := client.ReadObject(context.Background(), 0x30, 1<<32, 100)
	req.Error(err)
	req.NotErrorIs(err, apperrors.ErrNotSupported)

	client.cacheMu.Lock()
	req.Equal(domain.ObjectID(0x30), client.cachedID)
	req.Equal(payload, client.cachedBytes)
	client.cacheMu.Unlock()
}

func TestCommandRetriesWhileCameraBusy(t *testing.T) {
	req := require.New(t)
	fake := newFakeCamera(0x1234, 0x5678, allOps)
	fake.objects[0x10] = &fakeObject{format: 0x3801, name: "a.jpg", bytes: make([]byte, 10)}
	fake.busyLeft = 2 // first two commands answer DeviceBusy

	client := testClient(t, fake)
	req.Len(client.Objects(), 1)
}

func TestCommandGivesUpAfterRetryLimit(t *testing.T) {
	req := require.New(t)
	fake := newFakeCamera(0x1234, 0x5678, allOps)
	fake.busyLeft = 100

	client := NewClient(slog.Default(), fake, Config{RetryLimit: 2, Timeout: 2 * time.Second})
	err := client.Attach(context.Background())
	req.ErrorIs(err, apperrors.ErrCameraFatal)
}

func TestDeleteObjectUpdatesCatalog(t *testing.T) {
	req := require.New(t)
	fake := newFakeCamera(0x1234, 0x5678, allOps)
	fake.objects[0x10] = &fakeObject{format: 0x3801, name: "a.jpg", bytes: make([]byte, 10)}

	client := testClient(t, fake)
	req.NoError(client.DeleteObject(context.Background(), 0x10))

	req.Empty(client.Objects())
	req.Equal([]uint32{0x10}, fake.deleted)
}

func TestRunEmitsObjectAddedForNewCapture(t *testing.T) {
	req := require.New(t)
	fake := newFakeCamera(0x1234, 0x5678, allOps)
	client := testClient(t, fake)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = client.Run(ctx) }()

	fake.mu.Lock()
	fake.objects[0x30] = &fakeObject{format: 0x3801, name: "IMG_0030.JPG", bytes: make([]byte, 50)}
	fake.mu.Unlock()
	fake.pushEvent(evObjectAdded, 0x30)

	select {
	case event := <-client.Events():
		req.Equal(domain.ObjectAdded, event.Kind)
		req.Equal(domain.ObjectID(0x30), event.Object)
	case <-time.After(2 * time.Second):
		t.Fatal("expected an ObjectAdded event")
	}

	// The new capture is cataloged by the time the event is delivered.
	info, err := client.ObjectInfo(ctx, 0x30)
	req.NoError(err)
	req.Equal("IMG_0030.JPG", info.Name)
}

func TestRunReportsDeviceGone(t *testing.T) {
	req := require.New(t)
	fake := newFakeCamera(0x1234, 0x5678, allOps)
	client := testClient(t, fake)

	done := make(chan error, 1)
	go func() { done <- client.Run(context.Background()) }()

	close(fake.interrupts)

	select {
	case event := <-client.Events():
		req.Equal(domain.DeviceGone, event.Kind)
	case <-time.After(2 * time.Second):
		t.Fatal("expected a DeviceGone event")
	}

	select {
	case err := <-done:
		req.NoError(err) // detach ends the worker cleanly, no restart
	case <-time.After(2 * time.Second):
		t.Fatal("Run must return after the device detaches")
	}
}

func TestVendorQuirkRemapsEventCode(t *testing.T) {
	req := require.New(t)
	// Vendor whose bodies signal new captures with a vendor-specific code.
	fake := newFakeCamera(0x04a9, 0x3110, allOps)
	client := testClient(t, fake)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = client.Run(ctx) }()

	fake.mu.Lock()
	fake.objects[0x40] = &fakeObject{format: 0x3801, name: "c.jpg", bytes: make([]byte, 10)}
	fake.mu.Unlock()
	fake.pushEvent(0xC181, 0x40)

	select {
	case event := <-client.Events():
		req.Equal(domain.ObjectAdded, event.Kind)
		req.Equal(domain.ObjectID(0x40), event.Object)
	case <-time.After(2 * time.Second):
		t.Fatal("expected the vendor event to be remapped to ObjectAdded")
	}
}
