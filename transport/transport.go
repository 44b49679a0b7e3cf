// Package transport hides radio specifics behind the contract.Listener and
// contract.Conn interfaces: Wi-Fi is a WebSocket listener, Bluetooth a GATT
// peripheral exposing a UART-style byte pipe. Pairing and link security
// belong to the radio stack; the bridge only sees connected/disconnected.
package transport

import (
	"camlink/contract"
	"camlink/internal"
	"fmt"
	"log/slog"
)

// NewListener builds the listener matching the configured connection type.
func NewListener(log *slog.Logger, cfg internal.Config) (contract.Listener, error) {
	switch cfg.ConnectionType {
	case internal.ConnWiFi:
		return NewWifiListener(log, cfg.ListenAddr), nil
	case internal.ConnBluetooth:
		return NewBleListener(log, cfg.DeviceName)
	default:
		return nil, fmt.Errorf("unknown connection type %q", cfg.ConnectionType)
	}
}
