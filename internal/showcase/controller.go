// Package showcase sequences picture retrieval, on-demand narration and the
// puppet that fronts narration playback for one viewer.
package showcase

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ent0n29/spaceshowcase/internal/apod"
	"github.com/ent0n29/spaceshowcase/internal/narration"
	"github.com/ent0n29/spaceshowcase/internal/observability"
	"github.com/ent0n29/spaceshowcase/internal/playback"
	"github.com/ent0n29/spaceshowcase/internal/reliability"
)

const (
	DefaultMaxRetries   = 3
	DefaultRetryBackoff = time.Second

	narrationContentType = "audio/wav"
	fetchFailedMessage   = "Failed to fetch image. Please try again."
	rewriteFailedMessage = "Failed to rewrite the explanation"
	speechFailedMessage  = "Failed to generate TTS audio"
)

var ErrClosed = errors.New("showcase closed")

type PictureSource interface {
	Fetch(ctx context.Context, date string) (apod.Picture, apod.RateLimit, error)
}

type Rewriter interface {
	Rewrite(ctx context.Context, explanation string) (string, error)
}

type Synthesizer interface {
	Synthesize(ctx context.Context, text string) ([]byte, error)
}

type NarrationStore interface {
	Put(data []byte, contentType string) narration.Audio
	Release(id string)
}

// Player is the part of playback.Controller the showcase drives.
type Player interface {
	Play(src playback.Source) error
	TogglePlayPause() error
	Stop()
	Reset()
	State() playback.State
	Subscribe(fn func(playback.State)) func()
	Close()
}

type Options struct {
	MaxRetries   int
	RetryBackoff time.Duration
	// Sleep waits between rate-limited attempts. Defaults to a context-aware timer.
	Sleep   func(ctx context.Context, d time.Duration) error
	Now     func() time.Time
	Rand    *rand.Rand
	Metrics *observability.Metrics
	Logger  zerolog.Logger
}

type Controller struct {
	pictures    PictureSource
	rewriter    Rewriter
	synthesizer Synthesizer
	store       NarrationStore
	player      Player
	metrics     *observability.Metrics
	log         zerolog.Logger

	maxRetries int
	backoff    time.Duration
	sleep      func(ctx context.Context, d time.Duration) error
	now        func() time.Time

	rngMu sync.Mutex
	rng   *rand.Rand

	// playMu orders playback commands against picture replacement so that
	// audio for a superseded picture can never start.
	playMu sync.Mutex

	mu       sync.Mutex
	state    State
	audio    *narration.Audio
	fetchSeq uint64
	closed   bool
	subs     map[int]func(State)
	nextID   int

	unsubscribe func()
}

func NewController(pictures PictureSource, rewriter Rewriter, synthesizer Synthesizer, store NarrationStore, player Player, opts Options) *Controller {
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	} else if opts.MaxRetries == 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = DefaultRetryBackoff
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepContext
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Rand == nil {
		opts.Rand = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	c := &Controller{
		pictures:    pictures,
		rewriter:    rewriter,
		synthesizer: synthesizer,
		store:       store,
		player:      player,
		metrics:     opts.Metrics,
		log:         opts.Logger.With().Str("component", "showcase").Logger(),
		maxRetries:  opts.MaxRetries,
		backoff:     opts.RetryBackoff,
		sleep:       opts.Sleep,
		now:         opts.Now,
		rng:         opts.Rand,
		subs:        make(map[int]func(State)),
		state:       State{PlaybackPhase: playback.PhaseIdle},
	}
	c.unsubscribe = player.Subscribe(c.onPlayback)
	return c
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Subscribe registers fn for every changed snapshot. The returned func unsubscribes.
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

// FetchRandomImage loads the picture for a random date. Rate-limited attempts
// are retried after a fixed backoff; the loading flag spans all attempts.
// Only the most recent call may apply its result.
func (c *Controller) FetchRandomImage(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.fetchSeq++
	seq := c.fetchSeq
	changed := c.reduceLocked(action{kind: actFetchBegin})
	c.mu.Unlock()
	c.publish(changed)

	started := time.Now()
	pic, err := c.fetchWithRetry(ctx)
	if err != nil {
		c.mu.Lock()
		if seq != c.fetchSeq || c.closed {
			c.mu.Unlock()
			return err
		}
		changed := c.reduceLocked(action{kind: actFetchFailed, message: userMessage(err)})
		c.mu.Unlock()
		c.publish(changed)
		c.log.Warn().Err(err).Msg("picture fetch failed")
		return err
	}

	c.playMu.Lock()
	c.mu.Lock()
	if seq != c.fetchSeq || c.closed {
		c.mu.Unlock()
		c.playMu.Unlock()
		c.log.Debug().Str("date", pic.Date).Msg("dropping superseded picture")
		return nil
	}
	stale := c.audio
	c.audio = nil
	changed = c.reduceLocked(action{kind: actFetchSucceeded, picture: pic})
	gen := c.state.Generation
	c.mu.Unlock()

	c.player.Reset()
	if stale != nil {
		c.store.Release(stale.ID)
	}
	c.playMu.Unlock()
	c.publish(changed)

	c.metrics.ObserveStage("fetch_total", time.Since(started))
	c.log.Info().Str("date", pic.Date).Str("media_type", string(pic.MediaType)).Uint64("generation", gen).Msg("picture loaded")
	return nil
}

func (c *Controller) fetchWithRetry(ctx context.Context) (apod.Picture, error) {
	for attempt := 0; ; attempt++ {
		date := c.randomDate()
		pic, rl, err := c.pictures.Fetch(ctx, date)
		if err == nil {
			c.metrics.ObserveImageFetch("ok")
			c.log.Debug().Str("date", date).Str("rate_remaining", rl.Remaining).Msg("picture fetched")
			return pic, nil
		}
		if !reliability.IsRateLimited(err) {
			c.metrics.ObserveImageFetch("error")
			return apod.Picture{}, err
		}
		c.metrics.ObserveImageFetch("rate_limited")
		if attempt >= c.maxRetries {
			return apod.Picture{}, err
		}
		c.log.Info().Int("retries_left", c.maxRetries-attempt).Dur("backoff", c.backoff).Msg("rate limit hit, retrying")
		if serr := c.sleep(ctx, reliability.FixedBackoff(attempt, c.backoff)); serr != nil {
			return apod.Picture{}, serr
		}
	}
}

func (c *Controller) randomDate() string {
	c.rngMu.Lock()
	defer c.rngMu.Unlock()
	return apod.RandomDate(c.rng, c.now())
}

// RequestNarration plays the narration for the current picture, synthesizing
// it first if it is not cached. It is a no-op without a picture or while a
// narration for the same picture is already being prepared.
func (c *Controller) RequestNarration(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.state.Picture == nil || c.state.Narrating {
		c.mu.Unlock()
		return nil
	}
	if c.audio != nil {
		src := sourceOf(*c.audio)
		changed := c.reduceLocked(action{kind: actReplay})
		c.mu.Unlock()
		c.publish(changed)
		c.metrics.ObserveNarration("replay")
		return c.play(src)
	}
	pic := *c.state.Picture
	gen := c.state.Generation
	changed := c.reduceLocked(action{kind: actNarrationBegin})
	c.mu.Unlock()
	c.publish(changed)

	started := time.Now()
	rewritten, err := c.rewriter.Rewrite(ctx, pic.Explanation)
	if err != nil {
		c.failNarration(gen, rewriteFailedMessage, err)
		return err
	}
	if !c.current(gen) {
		c.dropNarration(gen)
		return nil
	}

	data, err := c.synthesizer.Synthesize(ctx, ComposeNarration(pic.Title, rewritten))
	if err != nil {
		c.failNarration(gen, speechFailedMessage, err)
		return err
	}

	c.playMu.Lock()
	defer c.playMu.Unlock()
	c.mu.Lock()
	if c.closed || gen != c.state.Generation {
		c.mu.Unlock()
		c.dropNarration(gen)
		return nil
	}
	audio := c.store.Put(data, narrationContentType)
	c.audio = &audio
	changed = c.reduceLocked(action{kind: actNarrationReady, narrationID: audio.ID})
	c.mu.Unlock()
	c.publish(changed)

	c.metrics.ObserveNarration("ok")
	c.metrics.ObserveStage("narration_total", time.Since(started))
	c.log.Info().Str("narration_id", audio.ID).Int("bytes", len(data)).Str("title", pic.Title).Msg("narration ready")
	return c.player.Play(sourceOf(audio))
}

// ComposeNarration prefixes the rewritten caption with the scientist's greeting.
func ComposeNarration(title, rewritten string) string {
	return fmt.Sprintf("Hello, I'm your cosmic scientist. Here's the photo titled \"%s\". %s", title, rewritten)
}

func (c *Controller) current(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed && gen == c.state.Generation
}

func (c *Controller) failNarration(gen uint64, message string, err error) {
	c.metrics.ObserveNarration("error")
	c.log.Warn().Err(err).Uint64("generation", gen).Msg(message)

	c.mu.Lock()
	if c.closed || gen != c.state.Generation {
		c.mu.Unlock()
		return
	}
	changed := c.reduceLocked(action{kind: actNarrationFailed, message: message})
	c.mu.Unlock()
	c.publish(changed)
}

// dropNarration discards a result that belongs to a superseded picture.
func (c *Controller) dropNarration(gen uint64) {
	c.metrics.ObserveNarration("stale")
	c.log.Debug().Uint64("generation", gen).Msg("dropping narration for superseded picture")
}

// TogglePlayPause pauses or resumes the cached narration.
func (c *Controller) TogglePlayPause() error {
	c.playMu.Lock()
	defer c.playMu.Unlock()
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}
	return c.player.TogglePlayPause()
}

// Stop halts narration playback and rewinds it. The cached narration is kept.
func (c *Controller) Stop() {
	c.playMu.Lock()
	defer c.playMu.Unlock()
	c.player.Stop()
}

// Close stops playback and releases the cached narration.
func (c *Controller) Close() {
	c.playMu.Lock()
	defer c.playMu.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	stale := c.audio
	c.audio = nil
	c.subs = make(map[int]func(State))
	c.mu.Unlock()

	c.unsubscribe()
	c.player.Close()
	if stale != nil {
		c.store.Release(stale.ID)
	}
}

func (c *Controller) play(src playback.Source) error {
	c.playMu.Lock()
	defer c.playMu.Unlock()
	c.mu.Lock()
	ok := !c.closed && c.audio != nil && c.audio.ID == src.ID
	c.mu.Unlock()
	if !ok {
		return nil
	}
	return c.player.Play(src)
}

// onPlayback re-reads the player rather than trusting the delivered snapshot,
// since snapshots from different goroutines may arrive out of order.
func (c *Controller) onPlayback(playback.State) {
	pb := c.player.State()
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	changed := c.reduceLocked(action{kind: actPlayback, playback: pb})
	c.mu.Unlock()
	c.publish(changed)
}

func (c *Controller) reduceLocked(a action) bool {
	next := reduce(c.state, a)
	if next.equal(c.state) {
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

func sourceOf(a narration.Audio) playback.Source {
	return playback.Source{ID: a.ID, Data: a.Data, ContentType: a.ContentType}
}

func userMessage(err error) string {
	var upstream *apod.UpstreamError
	if errors.As(err, &upstream) && upstream.Message != "" {
		return upstream.Message
	}
	if errors.Is(err, apod.ErrMissingAPIKey) {
		return "NASA API key is not configured"
	}
	return fetchFailedMessage
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
