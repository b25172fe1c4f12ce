// Package malgo implements [audio.Device] on top of miniaudio through the
// github.com/gen2brain/malgo bindings. It opens the system's default (or a
// named) capture device in the fixed 16 kHz mono s16le format.
package malgo

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	ma "github.com/gen2brain/malgo"

	"github.com/MrWong99/voicebridge/pkg/audio"
)

var (
	_ audio.Device         = (*Device)(nil)
	_ audio.FormatReporter = (*Device)(nil)
)

// ErrDeviceNotFound is returned by [Device.Start] when a named capture device
// does not exist.
var ErrDeviceNotFound = errors.New("malgo: capture device not found")

// ── Options ──────────────────────────────────────────────────────────────────

// Option configures a [Device].
type Option func(*Device)

// WithDeviceName selects a capture device by its system name instead of the
// default input.
func WithDeviceName(name string) Option {
	return func(d *Device) { d.name = name }
}

// WithPeriod sets the hardware buffer period in milliseconds. Defaults to 20,
// one capture frame.
func WithPeriod(ms uint32) Option {
	return func(d *Device) {
		if ms > 0 {
			d.periodMS = ms
		}
	}
}

// WithNativeFormat opens the device at the given rate and channel count
// instead of letting miniaudio convert. [audio.Capture] then down-mixes and
// resamples in Go.
func WithNativeFormat(f audio.Format) Option {
	return func(d *Device) { d.native = f }
}

// ── Device ───────────────────────────────────────────────────────────────────

// Device is a miniaudio capture device. It is safe for concurrent use.
type Device struct {
	name     string
	periodMS uint32
	native   audio.Format

	mu       sync.Mutex
	ctx      *ma.AllocatedContext
	dev      *ma.Device
	stopping atomic.Bool
}

// New creates a Device. No hardware is touched until [Device.Start].
func New(opts ...Option) *Device {
	d := &Device{periodMS: 20}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Format implements [audio.FormatReporter].
func (d *Device) Format() audio.Format {
	if d.native.SampleRate > 0 && d.native.Channels > 0 {
		return d.native
	}
	return audio.CaptureFormat
}

// Start implements [audio.Device].
func (d *Device) Start(onData func([]byte), onError func(error)) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.dev != nil {
		return errors.New("malgo: device already started")
	}

	mctx, err := ma.InitContext(nil, ma.ContextConfig{ThreadPriority: ma.ThreadPriorityRealtime}, func(msg string) {
		slog.Debug("malgo", "msg", msg)
	})
	if err != nil {
		return fmt.Errorf("malgo: init context: %w", err)
	}

	format := d.Format()
	cfg := ma.DefaultDeviceConfig(ma.Capture)
	cfg.Capture.Format = ma.FormatS16
	cfg.Capture.Channels = uint32(format.Channels)
	cfg.SampleRate = uint32(format.SampleRate)
	cfg.PeriodSizeInMilliseconds = d.periodMS

	if d.name != "" {
		infos, err := mctx.Devices(ma.Capture)
		if err != nil {
			d.release(mctx, nil)
			return fmt.Errorf("malgo: list capture devices: %w", err)
		}
		found := false
		for i := range infos {
			if infos[i].Name() == d.name {
				cfg.Capture.DeviceID = infos[i].ID.Pointer()
				found = true
				break
			}
		}
		if !found {
			d.release(mctx, nil)
			return fmt.Errorf("%w: %q", ErrDeviceNotFound, d.name)
		}
	}

	callbacks := ma.DeviceCallbacks{
		Data: func(_, in []byte, _ uint32) {
			if len(in) > 0 {
				onData(in)
			}
		},
		Stop: func() {
			if !d.stopping.Load() {
				onError(errors.New("malgo: capture device stopped unexpectedly"))
			}
		},
	}

	d.stopping.Store(false)
	dev, err := ma.InitDevice(mctx.Context, cfg, callbacks)
	if err != nil {
		d.release(mctx, nil)
		return fmt.Errorf("malgo: init device: %w", err)
	}
	if err := dev.Start(); err != nil {
		d.stopping.Store(true)
		d.release(mctx, dev)
		return fmt.Errorf("malgo: start device: %w", err)
	}

	d.ctx = mctx
	d.dev = dev
	slog.Info("malgo: capture device started",
		"device", d.deviceLabel(),
		"format", format.String(),
		"period_ms", d.periodMS,
	)
	return nil
}

// Stop implements [audio.Device]. It is safe to call more than once.
func (d *Device) Stop() error {
	d.mu.Lock()
	if d.dev == nil {
		d.mu.Unlock()
		return nil
	}
	d.stopping.Store(true)
	dev, mctx := d.dev, d.ctx
	d.dev, d.ctx = nil, nil
	d.mu.Unlock()

	err := dev.Stop()
	d.release(mctx, dev)
	if err != nil {
		return fmt.Errorf("malgo: stop device: %w", err)
	}
	return nil
}

func (d *Device) release(mctx *ma.AllocatedContext, dev *ma.Device) {
	if dev != nil {
		dev.Uninit()
	}
	if mctx != nil {
		if err := mctx.Uninit(); err != nil {
			slog.Warn("malgo: uninit context", "err", err)
		}
		mctx.Free()
	}
}

func (d *Device) deviceLabel() string {
	if d.name == "" {
		return "default"
	}
	return d.name
}
