// Package playback owns one narration playback device and its frequency
// analyser, and derives a speech-activity signal from the analysed energy.
package playback

import (
	"context"
	"time"
)

// Source is an opaque handle to an in-memory audio stream.
type Source struct {
	ID          string
	Data        []byte
	ContentType string
}

// Same reports whether two handles refer to the same audio.
func (s Source) Same(o Source) bool {
	return s.ID != "" && s.ID == o.ID
}

type DeviceEvent int

const (
	DeviceStarted DeviceEvent = iota + 1
	DevicePaused
	DeviceEnded
)

func (e DeviceEvent) String() string {
	switch e {
	case DeviceStarted:
		return "started"
	case DevicePaused:
		return "paused"
	case DeviceEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// Device is one playback handle bound to one Source.
type Device interface {
	// Play starts or resumes playback. A non-nil error means the runtime refused to start.
	Play() error
	Pause()
	// Stop pauses and rewinds to the start.
	Stop()
	// Release frees the handle; the device must not be used afterwards.
	Release()
	Paused() bool
	Ended() bool
	// OnStateChange registers the single listener for started/paused/ended.
	// Listeners may be invoked from inside Play, Pause and Stop.
	OnStateChange(func(DeviceEvent))
}

// Analyser exposes byte-scaled frequency magnitudes of what a device is playing.
type Analyser interface {
	FrequencyBinCount() int
	ByteFrequencyData(dst []byte)
}

// Backend creates devices and routes them through an analyser to the output sink.
// A backend plays the role of an audio context and is reused across devices.
type Backend interface {
	NewDevice(src Source) (Device, error)
	Connect(dev Device, fftSize int) (Analyser, error)
}

// FrameClock produces display-refresh ticks until ctx is done.
type FrameClock interface {
	Frames(ctx context.Context) <-chan time.Time
}

// TickerClock is a FrameClock backed by time.Ticker.
type TickerClock struct {
	Interval time.Duration
}

func (c TickerClock) Frames(ctx context.Context) <-chan time.Time {
	interval := c.Interval
	if interval <= 0 {
		interval = time.Second / 60
	}
	out := make(chan time.Time)
	go func() {
		defer close(out)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case t := <-ticker.C:
				select {
				case out <- t:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}
