package audio

import "time"

// Fixed capture format. Every frame produced by a [Capture] uses exactly this
// layout: mono, 16 kHz, signed 16-bit little-endian PCM, 20 ms per block.
const (
	SampleRate     = 16000
	Channels       = 1
	BytesPerSample = 2
	BlockSamples   = 320

	// FrameBytes is the byte length of every AudioFrame's Data.
	FrameBytes = BlockSamples * Channels * BytesPerSample

	// FrameDuration is the wall-clock duration covered by one frame.
	FrameDuration = time.Second * BlockSamples / SampleRate
)

// Item is one element of a capture stream. It is either an [AudioFrame] or the
// [EndOfStream] sentinel. The set of implementations is closed; consumers
// switch on the concrete type:
//
//	switch it := item.(type) {
//	case audio.AudioFrame:
//	    send(it.Data)
//	case audio.EndOfStream:
//	    return it.Err
//	}
type Item interface {
	item()
}

// AudioFrame is a single fixed-size block of captured PCM audio.
type AudioFrame struct {
	// Seq is the zero-based production sequence number of this frame. It
	// increases by exactly one per frame produced by a capture source.
	Seq uint64

	// Data holds FrameBytes bytes of PCM audio in the fixed capture format.
	Data []byte

	// Timestamp marks the start of this frame relative to the stream start.
	Timestamp time.Duration
}

func (AudioFrame) item() {}

// EndOfStream is the sentinel that terminates a capture stream. No frame is
// ever delivered after it.
type EndOfStream struct {
	// Err is the device error that ended the stream, or nil when the stream
	// was stopped deliberately.
	Err error
}

func (EndOfStream) item() {}
