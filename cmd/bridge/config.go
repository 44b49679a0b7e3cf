package main

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"camlink/internal"
)

type Config struct {
	ConnectionType    string        `env:"CONNECTION_TYPE,default=bluetooth"`
	DeviceName        string        `env:"DEVICE_NAME,default=camlink"`
	ListenAddr        string        `env:"LISTEN_ADDR"`
	WindowSize        int           `env:"WINDOW_SIZE,default=16"`
	MaxFrameSize      int           `env:"MAX_FRAME_SIZE,default=4096"`
	RetryLimit        int           `env:"RETRY_LIMIT,default=5"`
	RetransmitTimeout time.Duration `env:"RETRANSMIT_TIMEOUT,default=500ms"`
	CreditDefault     uint32        `env:"CREDIT_DEFAULT,default=65536"`
	SessionTTL        time.Duration `env:"SESSION_TTL,default=24h"`
	ReapInterval      time.Duration `env:"REAP_INTERVAL,default=1m"`
	ChunkSize         int           `env:"CHUNK_SIZE,default=2048"`
	CameraRetryLimit  int           `env:"CAMERA_RETRY_LIMIT,default=3"`
	CameraTimeout     time.Duration `env:"CAMERA_TIMEOUT,default=5s"`
	TelemetryInterval time.Duration `env:"TELEMETRY_INTERVAL,default=10s"`
	RestartInterval   time.Duration `env:"RESTART_INTERVAL,default=2s"`
	BadgerFilepath    string        `env:"BADGER_FILEPATH,required=true"`
	TokenKey          string        `env:"TOKEN_KEY,required=true"`
	LogLevel          string        `env:"LOG_LEVEL,default=info"`

	// DebugPort serves the read-only session dashboard when non-zero.
	DebugPort int `env:"DEBUG_PORT,default=0"`
}

// toRuntime maps the environment view of the configuration onto the core
// config and rejects anything out of range before a single worker starts.
func (c Config) toRuntime() (internal.Config, error) {
	cfg := internal.Config{
		ConnectionType:    internal.ConnectionType(c.ConnectionType),
		DeviceName:        c.DeviceName,
		ListenAddr:        c.ListenAddr,
		WindowSize:        c.WindowSize,
		MaxFrameSize:      c.MaxFrameSize,
		RetryLimit:        c.RetryLimit,
		RetransmitTimeout: c.RetransmitTimeout,
		CreditDefault:     c.CreditDefault,
		SessionTTL:        c.SessionTTL,
		ReapInterval:      c.ReapInterval,
		ChunkSize:         c.ChunkSize,
		CameraRetryLimit:  c.CameraRetryLimit,
		CameraTimeout:     c.CameraTimeout,
		TelemetryInterval: c.TelemetryInterval,
		RestartInterval:   c.RestartInterval,
		BadgerFilepath:    c.BadgerFilepath,
		TokenKey:          c.TokenKey,
		LogLevel:          c.LogLevel,
	}

	if err := validator.New().Struct(cfg); err != nil {
		return internal.Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return internal.Config{}, err
	}
	return cfg, nil
}
