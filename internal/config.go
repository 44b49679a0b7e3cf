// Package internal holds the core runtime configuration. The bridge
// receives it once at startup, fully resolved; nothing in the core
// reads the environment directly.
package internal

import (
	"fmt"
	"time"
)

type ConnectionType string

const (
	ConnBluetooth ConnectionType = "bluetooth"
	ConnWiFi      ConnectionType = "wifi"
)

type Config struct {
	ConnectionType ConnectionType `validate:"required,oneof=bluetooth wifi"`
	DeviceName     string         `validate:"required,max=64"`
	ListenAddr     string         // wifi only, host:port

	// Framing layer.
	WindowSize        int           `validate:"required,gt=0,lte=64"`
	MaxFrameSize      int           `validate:"required,gte=64,lte=65535"`
	RetryLimit        int           `validate:"required,gt=0"`
	RetransmitTimeout time.Duration `validate:"required,gt=0"`

	// Session layer.
	CreditDefault uint32        `validate:"gte=0"`
	SessionTTL    time.Duration `validate:"required,gt=0"`
	ReapInterval  time.Duration `validate:"required,gt=0"`
	ChunkSize     int           `validate:"required,gt=0"`

	// Camera client.
	CameraRetryLimit int           `validate:"required,gt=0"`
	CameraTimeout    time.Duration `validate:"required,gt=0"`

	TelemetryInterval time.Duration `validate:"required,gt=0"`
	RestartInterval   time.Duration `validate:"required,gt=0"`
	BadgerFilepath    string        `validate:"required"`
	TokenKey          string        `validate:"required,min=16"`
	LogLevel          string
}

func (c Config) Validate() error {
	if c.ConnectionType == ConnWiFi && c.ListenAddr == "" {
		return fmt.Errorf("wifi connection requires a listen address")
	}
	return nil
}
