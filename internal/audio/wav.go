package audio

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"io"
	"os"
)

const defaultSampleRate = 24000

type wavHeader struct {
	RIFF          [4]byte
	ChunkSize     uint32
	WAVE          [4]byte
	Fmt           [4]byte
	FmtSize       uint32
	AudioFormat   uint16
	NumChannels   uint16
	SampleRate    uint32
	ByteRate      uint32
	BlockAlign    uint16
	BitsPerSample uint16
	Data          [4]byte
	DataSize      uint32
}

// EncodeWAV wraps mono samples in a PCM16LE WAV container.
func EncodeWAV(pcm PCM) []byte {
	var buf bytes.Buffer
	_ = WriteWAVTo(&buf, pcm)
	return buf.Bytes()
}

// WriteWAVFile writes mono samples to path as a PCM16LE WAV file.
func WriteWAVFile(path string, pcm PCM) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := WriteWAVTo(f, pcm); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// WriteWAVTo writes mono samples to out as a PCM16LE WAV stream.
func WriteWAVTo(out io.Writer, pcm PCM) error {
	rate := pcm.SampleRate
	if rate <= 0 {
		rate = defaultSampleRate
	}
	data := EncodePCM(pcm.Samples)
	h := wavHeader{
		RIFF:          [4]byte{'R', 'I', 'F', 'F'},
		ChunkSize:     uint32(36 + len(data)),
		WAVE:          [4]byte{'W', 'A', 'V', 'E'},
		Fmt:           [4]byte{'f', 'm', 't', ' '},
		FmtSize:       16,
		AudioFormat:   1,
		NumChannels:   1,
		SampleRate:    uint32(rate),
		ByteRate:      uint32(rate * 2),
		BlockAlign:    2,
		BitsPerSample: 16,
		Data:          [4]byte{'d', 'a', 't', 'a'},
		DataSize:      uint32(len(data)),
	}

	w := bufio.NewWriter(out)
	if err := binary.Write(w, binary.LittleEndian, h); err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return err
	}
	return w.Flush()
}
