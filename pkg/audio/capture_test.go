package audio_test

import (
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/voicebridge/pkg/audio"
	"github.com/MrWong99/voicebridge/pkg/audio/mock"
)

func TestCapture_ReblocksIntoFixedFrames(t *testing.T) {
	t.Parallel()

	dev := &mock.Device{}
	c := audio.NewCapture(dev, audio.QueueConfig{})
	q, err := c.Start()
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	// 2.5 frames delivered in uneven chunks.
	raw := make([]byte, audio.FrameBytes*5/2)
	for i := range raw {
		raw[i] = byte(i)
	}
	dev.Emit(raw[:100])
	dev.Emit(raw[100:1000])
	dev.Emit(raw[1000:])

	if err := c.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	for i := range uint64(2) {
		f := popFrame(t, q)
		if f.Seq != i {
			t.Errorf("frame %d: seq %d", i, f.Seq)
		}
		if len(f.Data) != audio.FrameBytes {
			t.Fatalf("frame %d: %d bytes, want %d", i, len(f.Data), audio.FrameBytes)
		}
		if f.Data[0] != raw[int(i)*audio.FrameBytes] {
			t.Errorf("frame %d: payload does not match input offset", i)
		}
		if f.Timestamp != time.Duration(i)*audio.FrameDuration {
			t.Errorf("frame %d: timestamp %v", i, f.Timestamp)
		}
	}
	// The trailing half frame is discarded.
	if end := popEnd(t, q); end.Err != nil {
		t.Errorf("sentinel Err: got %v, want nil", end.Err)
	}
}

func TestCapture_StartFailure(t *testing.T) {
	t.Parallel()

	openErr := errors.New("no such device")
	dev := &mock.Device{StartErr: openErr}
	c := audio.NewCapture(dev, audio.QueueConfig{})

	q, err := c.Start()
	if !errors.Is(err, openErr) {
		t.Fatalf("Start: got %v, want %v", err, openErr)
	}
	if q != nil {
		t.Error("Start returned a queue on failure")
	}
	if err := c.Stop(); err != nil {
		t.Errorf("Stop after failed Start: %v", err)
	}
	if dev.CallCountStop != 0 {
		t.Errorf("device Stop called %d times for an unopened device", dev.CallCountStop)
	}
}

func TestCapture_StartTwice(t *testing.T) {
	t.Parallel()

	c := audio.NewCapture(&mock.Device{}, audio.QueueConfig{})
	if _, err := c.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer c.Stop()
	if _, err := c.Start(); !errors.Is(err, audio.ErrCaptureStarted) {
		t.Errorf("second Start: got %v, want ErrCaptureStarted", err)
	}
}

func TestCapture_StopIsIdempotent(t *testing.T) {
	t.Parallel()

	dev := &mock.Device{}
	c := audio.NewCapture(dev, audio.QueueConfig{})
	q, err := c.Start()
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	for range 3 {
		if err := c.Stop(); err != nil {
			t.Fatalf("Stop: %v", err)
		}
	}
	if dev.CallCountStop != 1 {
		t.Errorf("device Stop calls: got %d, want 1", dev.CallCountStop)
	}
	if dev.Emit(make([]byte, audio.FrameBytes)) {
		t.Error("device still running after Stop")
	}
	popEnd(t, q)
}

func TestCapture_DeviceErrorEndsStream(t *testing.T) {
	t.Parallel()

	dev := &mock.Device{}
	c := audio.NewCapture(dev, audio.QueueConfig{})
	q, err := c.Start()
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	dev.Emit(make([]byte, audio.FrameBytes))
	hwErr := errors.New("device unplugged")
	dev.Fail(hwErr)

	if f := popFrame(t, q); f.Seq != 0 {
		t.Errorf("got seq %d, want 0", f.Seq)
	}
	end := popEnd(t, q)
	if !errors.Is(end.Err, hwErr) {
		t.Errorf("sentinel Err: got %v, want %v", end.Err, hwErr)
	}
	if dev.Running() {
		t.Error("device still running after error")
	}
}

func TestCapture_ConvertsNativeFormat(t *testing.T) {
	t.Parallel()

	dev := &mock.Device{NativeFormat: audio.Format{SampleRate: 32000, Channels: 2}}
	c := audio.NewCapture(dev, audio.QueueConfig{})
	q, err := c.Start()
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	// One frame of 32 kHz stereo halves twice into one 16 kHz mono frame.
	dev.Emit(make([]byte, audio.FrameBytes*4))
	c.Stop()

	if f := popFrame(t, q); len(f.Data) != audio.FrameBytes {
		t.Errorf("frame size: got %d, want %d", len(f.Data), audio.FrameBytes)
	}
	popEnd(t, q)
}
