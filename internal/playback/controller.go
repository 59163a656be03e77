package playback

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	// DefaultFFTSize favours update rate over frequency resolution.
	DefaultFFTSize = 256
	// DefaultSpeechThreshold is compared against the sum of byte frequency magnitudes.
	DefaultSpeechThreshold = 1500
)

var ErrClosed = errors.New("playback controller closed")

type Options struct {
	FFTSize         int
	SpeechThreshold int
	Clock           FrameClock
	Logger          zerolog.Logger
}

// Controller manages exactly one playback device and its analyser.
//
// opMu serialises Play/Pause/Stop so that releasing the previous device always
// completes before a new one is acquired. mu guards state and is never held
// while calling into a Device, since devices may report events synchronously.
type Controller struct {
	opMu sync.Mutex

	mu        sync.Mutex
	backend   Backend
	fftSize   int
	threshold int
	clock     FrameClock
	log       zerolog.Logger

	state       State
	nextSession uint64
	loopID      uint64
	dev         Device
	src         Source
	analyser    Analyser
	bins        []byte
	closed      bool

	subs   map[int]func(State)
	nextID int

	ctx    context.Context
	cancel context.CancelFunc
}

func NewController(backend Backend, opts Options) *Controller {
	if opts.FFTSize <= 0 {
		opts.FFTSize = DefaultFFTSize
	}
	if opts.SpeechThreshold <= 0 {
		opts.SpeechThreshold = DefaultSpeechThreshold
	}
	if opts.Clock == nil {
		opts.Clock = TickerClock{Interval: time.Second / 60}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		backend:   backend,
		fftSize:   opts.FFTSize,
		threshold: opts.SpeechThreshold,
		clock:     opts.Clock,
		log:       opts.Logger.With().Str("component", "playback").Logger(),
		state:     State{Phase: PhaseIdle},
		subs:      make(map[int]func(State)),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// State returns the current snapshot.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Subscribe registers fn to receive every changed snapshot. The returned func unsubscribes.
func (c *Controller) Subscribe(fn func(State)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextID
	c.nextID++
	c.subs[id] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.subs, id)
	}
}

// Play plays src. If src is already bound to the current session and merely
// suspended, playback resumes in place and keeps the existing analyser.
// Otherwise, including a replay of src while it is still playing, the previous
// device is stopped and released and src starts again from the beginning on a
// new session.
func (c *Controller) Play(src Source) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.dev != nil && c.src.Same(src) && !c.state.Active() {
		dev, session := c.dev, c.state.Session
		changed := c.reduceLocked(Event{Kind: EventResume, Session: session})
		c.mu.Unlock()
		c.publish(changed)
		c.start(dev, session)
		return nil
	}
	c.mu.Unlock()

	c.release()

	dev, err := c.backend.NewDevice(src)
	if err != nil {
		c.log.Warn().Err(err).Str("source", src.ID).Msg("create playback device failed")
		return nil
	}
	analyser, err := c.backend.Connect(dev, c.fftSize)
	if err != nil {
		// Audio still plays; speech activity simply stays false.
		c.log.Warn().Err(err).Str("source", src.ID).Msg("analysis graph construction failed")
		analyser = nil
	}

	c.mu.Lock()
	c.nextSession++
	session := c.nextSession
	c.dev = dev
	c.src = src
	c.analyser = analyser
	c.bins = nil
	if analyser != nil {
		c.bins = make([]byte, analyser.FrequencyBinCount())
	}
	changed := c.reduceLocked(Event{Kind: EventAcquired, Session: session, SourceID: src.ID})
	c.mu.Unlock()
	c.publish(changed)

	dev.OnStateChange(func(ev DeviceEvent) { c.handleDeviceEvent(session, ev) })
	c.start(dev, session)
	return nil
}

// Pause suspends the current session, if playing.
func (c *Controller) Pause() {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	c.pause()
}

func (c *Controller) pause() {
	c.mu.Lock()
	dev, session := c.dev, c.state.Session
	if dev == nil || !c.state.Active() {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	dev.Pause()
	c.dispatch(Event{Kind: EventPaused, Session: session})
}

// TogglePlayPause pauses when playing, else resumes the last bound source.
// It is a no-op when no session exists.
func (c *Controller) TogglePlayPause() error {
	c.mu.Lock()
	hasDevice, active, src := c.dev != nil, c.state.Active(), c.src
	c.mu.Unlock()

	switch {
	case !hasDevice:
		return nil
	case active:
		c.Pause()
		return nil
	default:
		return c.Play(src)
	}
}

// Stop halts playback, rewinds, and releases the device. The backend is kept.
func (c *Controller) Stop() {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	c.release()
}

// Reset stops playback and clears HasStarted.
func (c *Controller) Reset() {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	c.release()
	c.dispatch(Event{Kind: EventReset})
}

// Close stops playback and terminates any monitor loop. Further Play calls fail.
func (c *Controller) Close() {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	c.release()
	c.mu.Lock()
	c.closed = true
	c.subs = make(map[int]func(State))
	c.mu.Unlock()
	c.cancel()
}

func (c *Controller) release() {
	c.mu.Lock()
	dev := c.dev
	c.dev = nil
	c.src = Source{}
	c.analyser = nil
	c.bins = nil
	changed := c.reduceLocked(Event{Kind: EventStopped})
	c.mu.Unlock()

	if dev != nil {
		dev.Stop()
		dev.Release()
	}
	c.publish(changed)
}

func (c *Controller) start(dev Device, session uint64) {
	if err := dev.Play(); err != nil {
		c.log.Warn().Err(err).Uint64("session", session).Msg("audio playback rejected")
		c.dispatch(Event{Kind: EventRejected, Session: session})
	}
}

func (c *Controller) handleDeviceEvent(session uint64, ev DeviceEvent) {
	var kind EventKind
	switch ev {
	case DeviceStarted:
		kind = EventStarted
	case DevicePaused:
		kind = EventPaused
	case DeviceEnded:
		kind = EventEnded
	default:
		return
	}

	c.mu.Lock()
	if session != c.state.Session {
		c.mu.Unlock()
		return
	}
	changed := c.reduceLocked(Event{Kind: kind, Session: session})
	var loop uint64
	if kind == EventStarted && c.analyser != nil {
		c.loopID++
		loop = c.loopID
	}
	c.mu.Unlock()
	c.publish(changed)

	if loop != 0 {
		go c.monitor(session, loop)
	}
}

// monitor samples the analyser once per frame until the session stops playing
// or a newer loop supersedes it.
func (c *Controller) monitor(session, loop uint64) {
	ctx, cancel := context.WithCancel(c.ctx)
	defer cancel()

	if !c.sample(session, loop) {
		return
	}
	frames := c.clock.Frames(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-frames:
			if !ok || !c.sample(session, loop) {
				return
			}
		}
	}
}

func (c *Controller) sample(session, loop uint64) bool {
	c.mu.Lock()
	if loop != c.loopID || session != c.state.Session {
		c.mu.Unlock()
		return false
	}
	if c.dev == nil || c.analyser == nil || c.dev.Paused() || c.dev.Ended() {
		changed := c.reduceLocked(Event{Kind: EventSpeech, Session: session, Speaking: false})
		c.mu.Unlock()
		c.publish(changed)
		return false
	}

	c.analyser.ByteFrequencyData(c.bins)
	volume := 0
	for _, v := range c.bins {
		volume += int(v)
	}
	changed := c.reduceLocked(Event{Kind: EventSpeech, Session: session, Speaking: volume > c.threshold})
	c.mu.Unlock()
	c.publish(changed)
	return true
}

func (c *Controller) dispatch(e Event) {
	c.mu.Lock()
	changed := c.reduceLocked(e)
	c.mu.Unlock()
	c.publish(changed)
}

func (c *Controller) reduceLocked(e Event) bool {
	next := Reduce(c.state, e)
	if next == c.state {
		return false
	}
	c.state = next
	return true
}

func (c *Controller) publish(changed bool) {
	if !changed {
		return
	}
	c.mu.Lock()
	snapshot := c.state
	subs := make([]func(State), 0, len(c.subs))
	for _, fn := range c.subs {
		subs = append(subs, fn)
	}
	c.mu.Unlock()

	for _, fn := range subs {
		fn(snapshot)
	}
}
