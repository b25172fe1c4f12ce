package audio

import (
	"fmt"
	"log/slog"
	"sync"
)

// Format describes the sample rate and channel count of a 16-bit PCM stream.
type Format struct {
	SampleRate int
	Channels   int
}

// CaptureFormat is the fixed format of every [AudioFrame].
var CaptureFormat = Format{SampleRate: SampleRate, Channels: Channels}

func (f Format) String() string {
	ch := "mono"
	if f.Channels == 2 {
		ch = "stereo"
	} else if f.Channels > 2 {
		ch = fmt.Sprintf("%dch", f.Channels)
	}
	return fmt.Sprintf("%dHz %s", f.SampleRate, ch)
}

// FormatReporter is implemented by devices that deliver PCM in a format other
// than [CaptureFormat]. [Capture] normalises such chunks before re-blocking.
type FormatReporter interface {
	Format() Format
}

// normalizer converts raw device chunks to [CaptureFormat]. Create one per
// stream; it is not safe for concurrent use.
type normalizer struct {
	src    Format
	warned sync.Once
}

// normalize converts pcm from n.src to the capture format. Conversion order
// is channel down-mix first, then resample, so the resampler only ever sees
// mono data. A trailing odd byte is dropped.
func (n *normalizer) normalize(pcm []byte) []byte {
	if n.src == CaptureFormat || n.src.SampleRate <= 0 || n.src.Channels <= 0 {
		return pcm
	}
	n.warned.Do(func() {
		slog.Info("audio capture: converting device format",
			"from", n.src.String(),
			"to", CaptureFormat.String(),
		)
	})

	if len(pcm)%2 != 0 {
		pcm = pcm[:len(pcm)-1]
	}
	if n.src.Channels == 2 {
		pcm = StereoToMono(pcm)
	} else if n.src.Channels > 2 {
		pcm = FirstChannel(pcm, n.src.Channels)
	}
	return ResampleMono16(pcm, n.src.SampleRate, SampleRate)
}

// StereoToMono averages L+R per stereo frame (4 bytes) to produce mono output.
// Uses int32 arithmetic so the sum cannot overflow.
func StereoToMono(pcm []byte) []byte {
	frames := len(pcm) / 4
	out := make([]byte, frames*2)
	for i := range frames {
		l := int32(int16(pcm[i*4]) | int16(pcm[i*4+1])<<8)
		r := int32(int16(pcm[i*4+2]) | int16(pcm[i*4+3])<<8)
		avg := (l + r) / 2
		out[i*2] = byte(avg)
		out[i*2+1] = byte(avg >> 8)
	}
	return out
}

// FirstChannel extracts channel 0 from interleaved 16-bit PCM with the given
// channel count.
func FirstChannel(pcm []byte, channels int) []byte {
	if channels <= 1 {
		return pcm
	}
	stride := channels * 2
	frames := len(pcm) / stride
	out := make([]byte, frames*2)
	for i := range frames {
		out[i*2] = pcm[i*stride]
		out[i*2+1] = pcm[i*stride+1]
	}
	return out
}

// ResampleMono16 resamples 16-bit mono PCM from srcRate to dstRate using linear
// interpolation. If the rates match or either is not positive, the input is
// returned unchanged.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(pcm) < 2 {
		return pcm
	}
	srcSamples := len(pcm) / 2
	dstSamples := int(int64(srcSamples) * int64(dstRate) / int64(srcRate))
	if dstSamples == 0 {
		return nil
	}

	out := make([]byte, dstSamples*2)
	ratio := float64(srcRate) / float64(dstRate)
	for i := range dstSamples {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := pos - float64(idx)

		s0 := int16(pcm[idx*2]) | int16(pcm[idx*2+1])<<8
		s1 := s0
		if idx+1 < srcSamples {
			s1 = int16(pcm[(idx+1)*2]) | int16(pcm[(idx+1)*2+1])<<8
		}

		v := int16(float64(s0)*(1-frac) + float64(s1)*frac)
		out[i*2] = byte(v)
		out[i*2+1] = byte(v >> 8)
	}
	return out
}
