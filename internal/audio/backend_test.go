package audio

import (
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/spaceshowcase/internal/playback"
)

type eventLog struct {
	mu     sync.Mutex
	events []playback.DeviceEvent
}

func (l *eventLog) record(ev playback.DeviceEvent) {
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
}

func (l *eventLog) snapshot() []playback.DeviceEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]playback.DeviceEvent(nil), l.events...)
}

func noiseSource(t *testing.T, id string, d time.Duration) playback.Source {
	t.Helper()
	const rate = 8000
	rng := rand.New(rand.NewPCG(7, 11))
	samples := make([]float32, int(d.Seconds()*rate))
	for i := range samples {
		samples[i] = float32(rng.Float64() - 0.5)
	}
	return playback.Source{ID: id, Data: EncodeWAV(PCM{Samples: samples, SampleRate: rate}), ContentType: "audio/wav"}
}

func TestDeviceLifecycleEmitsEvents(t *testing.T) {
	b := NewClockBackend(zerolog.Nop())
	dev, err := b.NewDevice(noiseSource(t, "n1", 5*time.Second))
	require.NoError(t, err)

	var log eventLog
	dev.OnStateChange(log.record)

	require.NoError(t, dev.Play())
	assert.False(t, dev.Paused())
	require.NoError(t, dev.Play())
	dev.Pause()
	dev.Pause()
	assert.True(t, dev.Paused())
	assert.False(t, dev.Ended())

	assert.Equal(t, []playback.DeviceEvent{playback.DeviceStarted, playback.DevicePaused}, log.snapshot())
}

func TestDevicePauseFreezesPosition(t *testing.T) {
	b := NewClockBackend(zerolog.Nop())
	now := time.Unix(1000, 0)
	b.now = func() time.Time { return now }

	dev, err := b.NewDevice(noiseSource(t, "n1", 5*time.Second))
	require.NoError(t, err)
	d := dev.(*Device)

	require.NoError(t, d.Play())
	now = now.Add(1500 * time.Millisecond)
	d.Pause()
	now = now.Add(time.Hour)
	assert.Equal(t, 1500*time.Millisecond, d.Position())

	require.NoError(t, d.Play())
	now = now.Add(500 * time.Millisecond)
	assert.Equal(t, 2*time.Second, d.Position())

	d.Stop()
	assert.Equal(t, time.Duration(0), d.Position())
	d.Release()
}

func TestDeviceEndsAndRestartsFromBeginning(t *testing.T) {
	b := NewClockBackend(zerolog.Nop())
	dev, err := b.NewDevice(noiseSource(t, "short", 30*time.Millisecond))
	require.NoError(t, err)

	var log eventLog
	dev.OnStateChange(log.record)
	require.NoError(t, dev.Play())

	require.Eventually(t, dev.Ended, time.Second, 5*time.Millisecond)
	assert.True(t, dev.Paused())
	assert.Equal(t, []playback.DeviceEvent{playback.DeviceStarted, playback.DeviceEnded}, log.snapshot())

	require.NoError(t, dev.Play())
	assert.False(t, dev.Ended())
	dev.Release()
}

func TestReleasedDeviceRefusesPlay(t *testing.T) {
	b := NewClockBackend(zerolog.Nop())
	dev, err := b.NewDevice(noiseSource(t, "n1", time.Second))
	require.NoError(t, err)
	assert.Equal(t, 1, b.LiveDevices())

	dev.Release()
	dev.Release()
	assert.Equal(t, 0, b.LiveDevices())
	assert.ErrorIs(t, dev.Play(), ErrReleased)
}

func TestBackendRejectsUndecodableSources(t *testing.T) {
	b := NewClockBackend(zerolog.Nop())

	_, err := b.NewDevice(playback.Source{ID: "mp3", Data: []byte("ID3"), ContentType: "audio/mpeg"})
	assert.ErrorIs(t, err, ErrUnsupportedFormat)

	_, err = b.NewDevice(playback.Source{ID: "junk", Data: []byte("nope"), ContentType: "audio/wav"})
	assert.ErrorIs(t, err, ErrNotWAV)

	other := NewClockBackend(zerolog.Nop())
	dev, err := other.NewDevice(noiseSource(t, "x", time.Second))
	require.NoError(t, err)
	_, err = b.Connect(dev, 256)
	assert.ErrorIs(t, err, ErrForeignDevice)
}

func TestBackendCloseReleasesDevices(t *testing.T) {
	b := NewClockBackend(zerolog.Nop())
	for _, id := range []string{"a", "b"} {
		dev, err := b.NewDevice(noiseSource(t, id, time.Second))
		require.NoError(t, err)
		require.NoError(t, dev.Play())
	}
	b.Close()
	assert.Equal(t, 0, b.LiveDevices())

	_, err := b.NewDevice(noiseSource(t, "c", time.Second))
	assert.ErrorIs(t, err, ErrBackendClosed)
}

func TestControllerDetectsSpeechOnClockBackend(t *testing.T) {
	b := NewClockBackend(zerolog.Nop())
	ctrl := playback.NewController(b, playback.Options{
		Clock:  playback.TickerClock{Interval: 5 * time.Millisecond},
		Logger: zerolog.Nop(),
	})
	t.Cleanup(ctrl.Close)

	require.NoError(t, ctrl.Play(noiseSource(t, "speech", 400*time.Millisecond)))
	require.Eventually(t, func() bool { return ctrl.State().Speaking }, time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		st := ctrl.State()
		return st.Phase == playback.PhaseEnded && !st.Speaking
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, b.LiveDevices())

	ctrl.Stop()
	assert.Equal(t, 0, b.LiveDevices())
}
