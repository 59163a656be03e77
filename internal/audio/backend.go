package audio

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ent0n29/spaceshowcase/internal/playback"
)

var (
	ErrReleased      = errors.New("audio device released")
	ErrForeignDevice = errors.New("device was not created by this backend")
	ErrBackendClosed = errors.New("audio backend closed")
)

// ClockBackend plays decoded WAV narration against the wall clock without an
// output sink. The browser renders the audible stream; the backend tracks the
// same timeline so the analyser sees the samples the listener is hearing.
type ClockBackend struct {
	logger zerolog.Logger
	now    func() time.Time

	mu      sync.Mutex
	devices map[*Device]struct{}
	closed  bool
}

var _ playback.Backend = (*ClockBackend)(nil)

func NewClockBackend(logger zerolog.Logger) *ClockBackend {
	return &ClockBackend{
		logger:  logger.With().Str("component", "audio").Logger(),
		now:     time.Now,
		devices: make(map[*Device]struct{}),
	}
}

func (b *ClockBackend) NewDevice(src playback.Source) (playback.Device, error) {
	if ct := strings.ToLower(src.ContentType); ct != "" && !strings.Contains(ct, "wav") {
		return nil, fmt.Errorf("%w: content type %q", ErrUnsupportedFormat, src.ContentType)
	}
	pcm, err := DecodeWAV(src.Data)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", src.ID, err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBackendClosed
	}
	d := &Device{
		id:       src.ID,
		pcm:      pcm,
		duration: pcm.Duration(),
		now:      b.now,
		backend:  b,
	}
	b.devices[d] = struct{}{}
	b.logger.Debug().Str("source_id", src.ID).Dur("duration", d.duration).Msg("device created")
	return d, nil
}

func (b *ClockBackend) Connect(dev playback.Device, fftSize int) (playback.Analyser, error) {
	d, ok := dev.(*Device)
	if !ok || d.backend != b {
		return nil, ErrForeignDevice
	}
	return NewAnalyser(fftSize, d.window)
}

// LiveDevices reports devices that have not been released.
func (b *ClockBackend) LiveDevices() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.devices)
}

// Close releases every live device and rejects new ones.
func (b *ClockBackend) Close() {
	b.mu.Lock()
	b.closed = true
	devices := make([]*Device, 0, len(b.devices))
	for d := range b.devices {
		devices = append(devices, d)
	}
	b.mu.Unlock()

	for _, d := range devices {
		d.Release()
	}
}

func (b *ClockBackend) forget(d *Device) {
	b.mu.Lock()
	delete(b.devices, d)
	b.mu.Unlock()
}

// Device is a clock-driven playback handle over decoded samples.
type Device struct {
	id       string
	pcm      PCM
	duration time.Duration
	now      func() time.Time
	backend  *ClockBackend

	mu        sync.Mutex
	offset    time.Duration
	startedAt time.Time
	playing   bool
	ended     bool
	released  bool
	run       uint64
	timer     *time.Timer
	listener  func(playback.DeviceEvent)
}

func (d *Device) OnStateChange(fn func(playback.DeviceEvent)) {
	d.mu.Lock()
	d.listener = fn
	d.mu.Unlock()
}

func (d *Device) Play() error {
	d.mu.Lock()
	if d.released {
		d.mu.Unlock()
		return ErrReleased
	}
	if d.playing {
		d.mu.Unlock()
		return nil
	}
	if d.ended {
		d.offset = 0
		d.ended = false
	}
	d.playing = true
	d.startedAt = d.now()
	d.run++
	run := d.run
	d.timer = time.AfterFunc(d.duration-d.offset, func() { d.finish(run) })
	listener := d.listener
	d.mu.Unlock()

	emit(listener, playback.DeviceStarted)
	return nil
}

func (d *Device) Pause() {
	d.mu.Lock()
	if !d.halt() {
		d.mu.Unlock()
		return
	}
	listener := d.listener
	d.mu.Unlock()

	emit(listener, playback.DevicePaused)
}

func (d *Device) Stop() {
	d.mu.Lock()
	wasPlaying := d.halt()
	d.offset = 0
	d.ended = false
	listener := d.listener
	d.mu.Unlock()

	if wasPlaying {
		emit(listener, playback.DevicePaused)
	}
}

func (d *Device) Release() {
	d.mu.Lock()
	if d.released {
		d.mu.Unlock()
		return
	}
	d.halt()
	d.released = true
	d.listener = nil
	d.mu.Unlock()

	d.backend.forget(d)
}

func (d *Device) Paused() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return !d.playing
}

func (d *Device) Ended() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ended
}

// Position reports the current playback offset.
func (d *Device) Position() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.positionLocked()
}

// halt freezes the timeline; callers hold d.mu.
func (d *Device) halt() bool {
	if !d.playing {
		return false
	}
	d.offset = d.positionLocked()
	d.playing = false
	d.run++
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	return true
}

func (d *Device) positionLocked() time.Duration {
	pos := d.offset
	if d.playing {
		pos += d.now().Sub(d.startedAt)
	}
	if pos > d.duration {
		pos = d.duration
	}
	return pos
}

func (d *Device) finish(run uint64) {
	d.mu.Lock()
	if d.released || !d.playing || d.run != run {
		d.mu.Unlock()
		return
	}
	d.playing = false
	d.ended = true
	d.offset = d.duration
	d.timer = nil
	listener := d.listener
	d.mu.Unlock()

	emit(listener, playback.DeviceEnded)
}

// window fills dst with the samples leading up to the playhead, zero-padded.
func (d *Device) window(dst []float32) {
	d.mu.Lock()
	pos := d.positionLocked()
	d.mu.Unlock()

	for i := range dst {
		dst[i] = 0
	}
	end := int(int64(pos) * int64(d.pcm.SampleRate) / int64(time.Second))
	if end > len(d.pcm.Samples) {
		end = len(d.pcm.Samples)
	}
	start := end - len(dst)
	if start < 0 {
		start = 0
	}
	copy(dst[len(dst)-(end-start):], d.pcm.Samples[start:end])
}

func emit(listener func(playback.DeviceEvent), ev playback.DeviceEvent) {
	if listener != nil {
		listener(ev)
	}
}
