package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotWAV            = errors.New("not a RIFF/WAVE stream")
	ErrUnsupportedFormat = errors.New("unsupported WAV encoding")
)

// PCM is decoded mono audio in [-1, 1].
type PCM struct {
	Samples    []float32
	SampleRate int
}

func (p PCM) Duration() time.Duration {
	if p.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(p.Samples)) * time.Second / time.Duration(p.SampleRate)
}

// DecodeWAV decodes 16-bit PCM WAV (mono or multi-channel, mixed down to mono).
// Streamed WAVs with a placeholder data size are read to the end of the buffer.
func DecodeWAV(data []byte) (PCM, error) {
	if len(data) < 12 || !bytes.Equal(data[0:4], []byte("RIFF")) || !bytes.Equal(data[8:12], []byte("WAVE")) {
		return PCM{}, ErrNotWAV
	}

	var (
		channels      int
		sampleRate    int
		bitsPerSample int
		haveFmt       bool
	)
	pos := 12
	for pos+8 <= len(data) {
		id := string(data[pos : pos+4])
		size := int(binary.LittleEndian.Uint32(data[pos+4 : pos+8]))
		body := pos + 8
		if size < 0 || body+size > len(data) {
			size = len(data) - body
		}

		switch id {
		case "fmt ":
			if size < 16 {
				return PCM{}, fmt.Errorf("%w: short fmt chunk", ErrUnsupportedFormat)
			}
			format := binary.LittleEndian.Uint16(data[body : body+2])
			channels = int(binary.LittleEndian.Uint16(data[body+2 : body+4]))
			sampleRate = int(binary.LittleEndian.Uint32(data[body+4 : body+8]))
			bitsPerSample = int(binary.LittleEndian.Uint16(data[body+14 : body+16]))
			// 1 = PCM, 0xFFFE = WAVE_FORMAT_EXTENSIBLE (PCM subformat assumed).
			if format != 1 && format != 0xFFFE {
				return PCM{}, fmt.Errorf("%w: format tag %d", ErrUnsupportedFormat, format)
			}
			if bitsPerSample != 16 || channels <= 0 || sampleRate <= 0 {
				return PCM{}, fmt.Errorf("%w: %d-bit %d channel(s) at %d Hz", ErrUnsupportedFormat, bitsPerSample, channels, sampleRate)
			}
			haveFmt = true
		case "data":
			if !haveFmt {
				return PCM{}, fmt.Errorf("%w: data before fmt", ErrUnsupportedFormat)
			}
			return PCM{Samples: mixDown(data[body:body+size], channels), SampleRate: sampleRate}, nil
		}

		pos = body + size
		if size%2 == 1 {
			pos++
		}
	}
	return PCM{}, fmt.Errorf("%w: missing data chunk", ErrNotWAV)
}

func mixDown(raw []byte, channels int) []float32 {
	frameBytes := 2 * channels
	frames := len(raw) / frameBytes
	out := make([]float32, frames)
	for i := 0; i < frames; i++ {
		var sum float32
		for ch := 0; ch < channels; ch++ {
			off := i*frameBytes + ch*2
			sum += float32(int16(binary.LittleEndian.Uint16(raw[off:off+2]))) / 32768
		}
		out[i] = sum / float32(channels)
	}
	return out
}

// EncodePCM converts mono float samples to PCM16LE bytes, clipping to [-1, 1].
func EncodePCM(samples []float32) []byte {
	out := make([]byte, 2*len(samples))
	for i, s := range samples {
		if s > 1 {
			s = 1
		} else if s < -1 {
			s = -1
		}
		binary.LittleEndian.PutUint16(out[2*i:], uint16(int16(s*32767)))
	}
	return out
}
