package playback

import (
	"context"
	"errors"
	"sync"
	"time"
)

type fakeBackend struct {
	mu         sync.Mutex
	devices    []*fakeDevice
	connectErr error
	rejectPlay error
	level      byte
}

func (b *fakeBackend) NewDevice(src Source) (Device, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	d := &fakeDevice{backend: b, src: src, paused: true}
	b.devices = append(b.devices, d)
	return d, nil
}

func (b *fakeBackend) Connect(dev Device, fftSize int) (Analyser, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.connectErr != nil {
		return nil, b.connectErr
	}
	d := dev.(*fakeDevice)
	d.connected++
	return &fakeAnalyser{backend: b, bins: fftSize / 2}, nil
}

func (b *fakeBackend) setLevel(v byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.level = v
}

func (b *fakeBackend) live() []*fakeDevice {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*fakeDevice
	for _, d := range b.devices {
		if !d.isReleased() {
			out = append(out, d)
		}
	}
	return out
}

type fakeDevice struct {
	backend   *fakeBackend
	src       Source
	mu        sync.Mutex
	paused    bool
	ended     bool
	released  bool
	stops     int
	plays     int
	connected int
	listener  func(DeviceEvent)
}

func (d *fakeDevice) Play() error {
	d.backend.mu.Lock()
	reject := d.backend.rejectPlay
	d.backend.mu.Unlock()
	if reject != nil {
		return reject
	}
	d.mu.Lock()
	if d.released {
		d.mu.Unlock()
		return errors.New("released")
	}
	d.plays++
	d.paused = false
	d.ended = false
	fn := d.listener
	d.mu.Unlock()
	if fn != nil {
		fn(DeviceStarted)
	}
	return nil
}

func (d *fakeDevice) Pause() {
	d.mu.Lock()
	was := !d.paused
	d.paused = true
	fn := d.listener
	d.mu.Unlock()
	if was && fn != nil {
		fn(DevicePaused)
	}
}

func (d *fakeDevice) Stop() {
	d.Pause()
	d.mu.Lock()
	d.stops++
	d.mu.Unlock()
}

func (d *fakeDevice) Release() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.released = true
	d.listener = nil
}

func (d *fakeDevice) finish() {
	d.mu.Lock()
	d.paused = true
	d.ended = true
	fn := d.listener
	d.mu.Unlock()
	if fn != nil {
		fn(DeviceEnded)
	}
}

func (d *fakeDevice) Paused() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.paused
}

func (d *fakeDevice) Ended() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ended
}

func (d *fakeDevice) OnStateChange(fn func(DeviceEvent)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.listener = fn
}

func (d *fakeDevice) isReleased() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.released
}

type fakeAnalyser struct {
	backend *fakeBackend
	bins    int
}

func (a *fakeAnalyser) FrequencyBinCount() int { return a.bins }

func (a *fakeAnalyser) ByteFrequencyData(dst []byte) {
	a.backend.mu.Lock()
	v := a.backend.level
	a.backend.mu.Unlock()
	for i := range dst {
		dst[i] = v
	}
}

// manualClock hands out one shared frame channel driven by the test.
type manualClock struct {
	ch chan time.Time
}

func newManualClock() *manualClock {
	return &manualClock{ch: make(chan time.Time)}
}

func (c *manualClock) Frames(context.Context) <-chan time.Time { return c.ch }

// tick delivers one frame, or gives up when no loop is listening.
func (c *manualClock) tick() bool {
	select {
	case c.ch <- time.Now():
		return true
	case <-time.After(50 * time.Millisecond):
		return false
	}
}
