// Package mock provides a scriptable in-memory implementation of
// [audio.Device] for use in unit tests.
//
// The mock is safe for concurrent use. It records every method call so that
// tests can assert on call counts, and it exposes exported fields that the
// test can set to control return values.
//
// Typical usage:
//
//	dev := &mock.Device{}
//	c := audio.NewCapture(dev, audio.QueueConfig{})
//	q, _ := c.Start()
//	dev.Emit(make([]byte, audio.FrameBytes))
//	item, _ := q.Pop(ctx)
package mock

import (
	"sync"

	"github.com/MrWong99/voicebridge/pkg/audio"
)

var (
	_ audio.Device         = (*Device)(nil)
	_ audio.FormatReporter = (*Device)(nil)
)

// Device is a mock implementation of [audio.Device].
// Set the exported fields before use; inspect the CallCount* fields after.
type Device struct {
	mu sync.Mutex

	// StartErr is returned by [Device.Start]. When non-nil the device never
	// becomes running.
	StartErr error

	// StopErr is returned by [Device.Stop].
	StopErr error

	// NativeFormat is reported by [Device.Format]. The zero value reports
	// [audio.CaptureFormat].
	NativeFormat audio.Format

	// CallCountStart records how many times Start was called.
	CallCountStart int

	// CallCountStop records how many times Stop was called.
	CallCountStop int

	running bool
	onData  func([]byte)
	onError func(error)
}

// Start implements [audio.Device]. It stores the callbacks for [Device.Emit]
// and [Device.Fail] unless StartErr is set.
func (d *Device) Start(onData func([]byte), onError func(error)) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.CallCountStart++
	if d.StartErr != nil {
		return d.StartErr
	}
	d.onData = onData
	d.onError = onError
	d.running = true
	return nil
}

// Stop implements [audio.Device].
func (d *Device) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.CallCountStop++
	d.running = false
	return d.StopErr
}

// Format implements [audio.FormatReporter].
func (d *Device) Format() audio.Format {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.NativeFormat == (audio.Format{}) {
		return audio.CaptureFormat
	}
	return d.NativeFormat
}

// Emit delivers pcm to the data callback as if the hardware produced it.
// It reports false, without delivering, when the device is not running.
func (d *Device) Emit(pcm []byte) bool {
	d.mu.Lock()
	cb := d.onData
	running := d.running
	d.mu.Unlock()
	if !running || cb == nil {
		return false
	}
	cb(pcm)
	return true
}

// Fail reports err through the error callback, simulating a mid-stream
// hardware failure. It reports false when the device is not running.
func (d *Device) Fail(err error) bool {
	d.mu.Lock()
	cb := d.onError
	running := d.running
	d.mu.Unlock()
	if !running || cb == nil {
		return false
	}
	cb(err)
	return true
}

// Running reports whether the device is between a successful Start and Stop.
func (d *Device) Running() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running
}
