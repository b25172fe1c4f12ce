// Package audio defines the capture side of the voice bridge: the fixed
// frame format, the hardware [Device] boundary, the bounded [Queue] that hands
// frames from the capture thread to the network, and [Capture], which ties
// the two together.
//
// The boundary between the device callback thread and the rest of the
// process is exactly one [Queue]. The device callback never waits on the
// network; with the default [DropOldest] policy it never waits at all.
//
// This package lives under pkg/ because external code is expected to
// implement [Device] for other audio backends.
package audio

// Device is a hardware audio input. Implementations wrap a platform audio API
// (see audio/malgo) and deliver raw PCM in the fixed capture format.
//
// Implementations must be safe for concurrent use.
type Device interface {
	// Start opens the device and begins delivering audio. onData is invoked
	// on the device's own callback thread with PCM chunks of arbitrary size;
	// the slice may be reused after onData returns. onError is invoked at
	// most once if the device fails after a successful Start.
	//
	// An error returned from Start means no audio was or will be delivered.
	Start(onData func(pcm []byte), onError func(err error)) error

	// Stop halts delivery and releases the device. After Stop returns no
	// further onData calls are made. Calling Stop more than once is safe.
	Stop() error
}
