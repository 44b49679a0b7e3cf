package transport

import (
	"camlink/contract"
	apperrors "camlink/errors"
	"context"
	"fmt"
	"log/slog"
	"sync"

	"tinygo.org/x/bluetooth"
)

// Nordic UART style service: the phone writes frames to RX, the bridge
// notifies frames on TX.
const (
	bleServiceUUID = "6e400001-b5a3-f393-e0a9-e50e24dcca9e"
	bleTxUUID      = "6e400003-b5a3-f393-e0a9-e50e24dcca9e"
	bleRxUUID      = "6e400002-b5a3-f393-e0a9-e50e24dcca9e"

	// Safe payload under the common 185-byte BLE data length.
	bleWriteChunk = 180
)

// BleListener advertises the bridge as a GATT peripheral and exposes the
// single connected central as a contract.Conn.
type BleListener struct {
	log     *slog.Logger
	adapter *bluetooth.Adapter
	tx      bluetooth.Characteristic

	mu     sync.Mutex
	active *bleConn

	conns chan contract.Conn
}

func NewBleListener(log *slog.Logger, deviceName string) (*BleListener, error) {
	l := &BleListener{
		log:     log,
		adapter: bluetooth.DefaultAdapter,
		conns:   make(chan contract.Conn, 1),
	}

	if err := l.adapter.Enable(); err != nil {
		return nil, fmt.Errorf("enabling bluetooth adapter: %w", err)
	}

	serviceUUID, err := bluetooth.ParseUUID(bleServiceUUID)
	if err != nil {
		return nil, err
	}
	txUUID, err := bluetooth.ParseUUID(bleTxUUID)
	if err != nil {
		return nil, err
	}
	rxUUID, err := bluetooth.ParseUUID(bleRxUUID)
	if err != nil {
		return nil, err
	}

	l.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		l.onConnectionChange(device, connected)
	})

	err = l.adapter.AddService(&bluetooth.Service{
		UUID: serviceUUID,
		Characteristics: []bluetooth.CharacteristicConfig{
			{
				Handle: &l.tx,
				UUID:   txUUID,
				Flags:  bluetooth.CharacteristicReadPermission | bluetooth.CharacteristicNotifyPermission,
			},
			{
				UUID:  rxUUID,
				Flags: bluetooth.CharacteristicWritePermission | bluetooth.CharacteristicWriteWithoutResponsePermission,
				WriteEvent: func(client bluetooth.Connection, offset int, value []byte) {
					l.onWrite(value)
				},
			},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("registering gatt service: %w", err)
	}

	adv := l.adapter.DefaultAdvertisement()
	err = adv.Configure(bluetooth.AdvertisementOptions{
		LocalName:    deviceName,
		ServiceUUIDs: []bluetooth.UUID{serviceUUID},
	})
	if err != nil {
		return nil, fmt.Errorf("configuring advertisement: %w", err)
	}
	if err := adv.Start(); err != nil {
		return nil, fmt.Errorf("starting advertisement: %w", err)
	}

	log.Info("Advertising over BLE", "name", deviceName)
	return l, nil
}

func (l *BleListener) onConnectionChange(device bluetooth.Device, connected bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if connected {
		if l.active != nil && !l.active.closed() {
			// The GATT layer cannot refuse the central, but the bridge
			// keeps serving the first link only.
			l.log.Warn("Second central connected while busy, ignoring",
				"remote", device.Address.String(), "error", apperrors.ErrBusy)
			return
		}

		conn := newBleConn(l, device.Address.String())
		l.active = conn
		l.log.Info("Central connected", "remote", conn.remoteID)

		select {
		case l.conns <- conn:
		default:
			_ = conn.Close()
		}
		return
	}

	if l.active != nil && l.active.remoteID == device.Address.String() {
		l.log.Info("Central disconnected", "remote", l.active.remoteID)
		_ = l.active.Close()
		l.active = nil
	}
}

func (l *BleListener) onWrite(value []byte) {
	l.mu.Lock()
	conn := l.active
	l.mu.Unlock()

	if conn == nil || conn.closed() {
		return
	}
	// Copy: the stack may reuse the buffer after the callback returns.
	chunk := make([]byte, len(value))
	copy(chunk, value)
	conn.push(chunk)
}

func (l *BleListener) Accept(ctx context.Context) (contract.Conn, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case c := <-l.conns:
		return c, nil
	}
}

func (l *BleListener) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.active != nil {
		_ = l.active.Close()
		l.active = nil
	}
	return nil
}

// bleConn is the single central viewed as a byte pipe. Outbound bytes are
// emitted as TX notifications in MTU-sized slices; the framing layer
// reassembles them.
type bleConn struct {
	listener *BleListener
	remoteID string

	writeMu sync.Mutex
	inbox   chan []byte
	chunks  chan []byte

	closeOnce sync.Once
	done      chan struct{}
}

func newBleConn(l *BleListener, remoteID string) *bleConn {
	c := &bleConn{
		listener: l,
		remoteID: remoteID,
		inbox:    make(chan []byte, inboundChunkBuffer),
		chunks:   make(chan []byte, inboundChunkBuffer),
		done:     make(chan struct{}),
	}
	go c.pump()
	return c
}

// pump is the sole writer and closer of the chunks channel, so a GATT
// write callback can never race with Close.
func (c *bleConn) pump() {
	defer close(c.chunks)
	for {
		select {
		case <-c.done:
			return
		case chunk := <-c.inbox:
			select {
			case c.chunks <- chunk:
			case <-c.done:
				return
			}
		}
	}
}

func (c *bleConn) push(chunk []byte) {
	select {
	case c.inbox <- chunk:
	case <-c.done:
	}
}

func (c *bleConn) Send(ctx context.Context, b []byte) error {
	if c.closed() {
		return apperrors.ErrLinkLost
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	for len(b) > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		n := min(len(b), bleWriteChunk)
		if _, err := c.listener.tx.Write(b[:n]); err != nil {
			return fmt.Errorf("%w: %v", apperrors.ErrLinkLost, err)
		}
		b = b[n:]
	}
	return nil
}

func (c *bleConn) Chunks() <-chan []byte { return c.chunks }

func (c *bleConn) RemoteID() string { return c.remoteID }

func (c *bleConn) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}

func (c *bleConn) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}
