// Package transfer implements the chunked file transfer engine that runs on
// each peer once negotiation has produced a direct, ordered, reliable channel.
// The engine moves one file per transfer: a metadata unit with the file name,
// fixed-size binary chunks paced under back-pressure, then an end marker.
package transfer

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"droplink/config"
	"droplink/models"
)

const (
	// DefaultChunkSize is the chunk size for desktop-class devices (16 KiB).
	DefaultChunkSize = 16 * 1024
	// DefaultMobileChunkSize is the chunk size for mobile-class devices,
	// a throughput/stability heuristic rather than a protocol requirement.
	DefaultMobileChunkSize = 4 * 1024
	// DefaultBufferedHighWater pauses sending while the channel holds more
	// unsent data than this watermark.
	DefaultBufferedHighWater = 512 * 1024
	// DefaultPaceInterval is the delay between send steps.
	DefaultPaceInterval = 5 * time.Millisecond
)

var (
	// ErrChannelClosed indicates the peer channel closed mid-transfer.
	ErrChannelClosed = errors.New("transfer: channel closed")
	// ErrAlreadyStarted indicates Start was called outside the Idle state.
	ErrAlreadyStarted = errors.New("transfer: sender already started")
)

const (
	controlMeta = "meta"
	controlDone = "done"
)

// controlUnit is a text-frame control message: the leading metadata unit and
// the trailing end marker. Chunks themselves are raw binary frames with no
// sequence numbers; ordering relies entirely on the channel.
type controlUnit struct {
	Type string `json:"type"`
	Name string `json:"name,omitempty"`
}

func encodeControl(unit controlUnit) (string, error) {
	payload, err := json.Marshal(unit)
	if err != nil {
		return "", fmt.Errorf("marshal control unit: %w", err)
	}
	return string(payload), nil
}

func decodeControl(text string) (controlUnit, error) {
	var unit controlUnit
	if err := json.Unmarshal([]byte(text), &unit); err != nil {
		return controlUnit{}, fmt.Errorf("decode control unit: %w", err)
	}
	return unit, nil
}

// ChunkSizeFor picks the configured chunk size for a device class. The value
// is fixed per device, never negotiated per-transfer.
func ChunkSizeFor(deviceClass string) int {
	if deviceClass == models.DeviceClassMobile {
		return DefaultMobileChunkSize
	}
	return DefaultChunkSize
}

// SenderOptionsFromConfig builds sender options from persisted service
// settings, picking the chunk size for the device class. Unset fields fall
// through to the package defaults.
func SenderOptionsFromConfig(cfg *config.ServiceConfig, deviceClass string) SenderOptions {
	opts := SenderOptions{ChunkSize: cfg.ChunkSize}
	if deviceClass == models.DeviceClassMobile {
		opts.ChunkSize = cfg.MobileChunkSize
	}
	if cfg.BufferedHighWater > 0 {
		opts.HighWater = uint64(cfg.BufferedHighWater)
	}
	if cfg.PaceIntervalMS > 0 {
		opts.PaceInterval = time.Duration(cfg.PaceIntervalMS) * time.Millisecond
	}
	return opts
}

func percentOf(transferred, total int64) int {
	if total <= 0 {
		return 100
	}
	return int(math.Round(float64(transferred) / float64(total) * 100))
}
