package showcase

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/spaceshowcase/internal/apod"
	"github.com/ent0n29/spaceshowcase/internal/audio"
	"github.com/ent0n29/spaceshowcase/internal/narration"
	"github.com/ent0n29/spaceshowcase/internal/playback"
	"github.com/ent0n29/spaceshowcase/internal/reliability"
)

var errRateLimit = &apod.UpstreamError{Status: 429, Code: "OVER_RATE_LIMIT", Message: "You have exceeded your rate limit."}

type fetchResult struct {
	picture apod.Picture
	err     error
	gate    chan struct{}
}

type fakePictures struct {
	mu       sync.Mutex
	script   []fetchResult
	dates    []string
	fallback fetchResult
}

func (f *fakePictures) Fetch(ctx context.Context, date string) (apod.Picture, apod.RateLimit, error) {
	f.mu.Lock()
	f.dates = append(f.dates, date)
	res := f.fallback
	if len(f.script) > 0 {
		res = f.script[0]
		f.script = f.script[1:]
	}
	f.mu.Unlock()

	if res.gate != nil {
		select {
		case <-res.gate:
		case <-ctx.Done():
			return apod.Picture{}, apod.RateLimit{}, ctx.Err()
		}
	}
	if res.err != nil {
		return apod.Picture{}, apod.RateLimit{}, res.err
	}
	pic := res.picture
	if pic.Date == "" {
		pic.Date = date
	}
	return pic, apod.RateLimit{Limit: "1000", Remaining: "999"}, nil
}

func (f *fakePictures) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.dates)
}

type fakeRewriter struct {
	mu     sync.Mutex
	calls  int
	result string
	err    error
	gate   chan struct{}
}

func (f *fakeRewriter) Rewrite(_ context.Context, explanation string) (string, error) {
	f.mu.Lock()
	f.calls++
	gate := f.gate
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	return f.result, f.err
}

func (f *fakeRewriter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeSynth struct {
	mu    sync.Mutex
	texts []string
	data  []byte
	err   error
	gate  chan struct{}
}

func (f *fakeSynth) Synthesize(_ context.Context, text string) ([]byte, error) {
	f.mu.Lock()
	f.texts = append(f.texts, text)
	gate := f.gate
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	return f.data, f.err
}

func (f *fakeSynth) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.texts)
}

type recordedSleeps struct {
	mu    sync.Mutex
	waits []time.Duration
}

func (r *recordedSleeps) sleep(_ context.Context, d time.Duration) error {
	r.mu.Lock()
	r.waits = append(r.waits, d)
	r.mu.Unlock()
	return nil
}

type harness struct {
	ctrl     *Controller
	pictures *fakePictures
	rewriter *fakeRewriter
	synth    *fakeSynth
	store    *narration.Store
	backend  *audio.ClockBackend
	player   *playback.Controller
	sleeps   *recordedSleeps
}

func speechWAV(noise bool, d time.Duration) []byte {
	const rate = 8000
	rng := rand.New(rand.NewPCG(3, 5))
	samples := make([]float32, int(d.Seconds()*rate))
	if noise {
		for i := range samples {
			samples[i] = float32(rng.Float64() - 0.5)
		}
	}
	return audio.EncodeWAV(audio.PCM{Samples: samples, SampleRate: rate})
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		pictures: &fakePictures{fallback: fetchResult{picture: apod.Picture{Title: "T", Explanation: "E", MediaType: apod.MediaImage, URL: "u"}}},
		rewriter: &fakeRewriter{result: "Wow!"},
		synth:    &fakeSynth{data: speechWAV(false, 2*time.Second)},
		store:    narration.NewStore(),
		backend:  audio.NewClockBackend(zerolog.Nop()),
		sleeps:   &recordedSleeps{},
	}
	h.player = playback.NewController(h.backend, playback.Options{
		Clock:  playback.TickerClock{Interval: 5 * time.Millisecond},
		Logger: zerolog.Nop(),
	})
	h.ctrl = NewController(h.pictures, h.rewriter, h.synth, h.store, h.player, Options{
		Sleep:  h.sleeps.sleep,
		Now:    func() time.Time { return time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC) },
		Rand:   rand.New(rand.NewPCG(1, 1)),
		Logger: zerolog.Nop(),
	})
	t.Cleanup(func() {
		h.ctrl.Close()
		h.backend.Close()
	})
	return h
}

func TestFetchRetriesRateLimitThreeTimes(t *testing.T) {
	h := newHarness(t)
	h.pictures.fallback = fetchResult{err: errRateLimit}

	var mu sync.Mutex
	var loading []bool
	h.ctrl.Subscribe(func(s State) {
		mu.Lock()
		defer mu.Unlock()
		if len(loading) == 0 || loading[len(loading)-1] != s.Loading {
			loading = append(loading, s.Loading)
		}
	})

	err := h.ctrl.FetchRandomImage(context.Background())
	require.Error(t, err)
	assert.True(t, reliability.IsRateLimited(err))

	assert.Equal(t, 4, h.pictures.calls())
	assert.Equal(t, []time.Duration{time.Second, time.Second, time.Second}, h.sleeps.waits)
	mu.Lock()
	assert.Equal(t, []bool{true, false}, loading)
	mu.Unlock()

	st := h.ctrl.State()
	assert.False(t, st.Loading)
	assert.Nil(t, st.Picture)
	assert.Equal(t, "You have exceeded your rate limit.", st.Error)
}

func TestFetchRecoversAfterRateLimit(t *testing.T) {
	h := newHarness(t)
	h.pictures.script = []fetchResult{{err: errRateLimit}, {err: errRateLimit}}

	require.NoError(t, h.ctrl.FetchRandomImage(context.Background()))
	assert.Equal(t, 3, h.pictures.calls())
	assert.Len(t, h.sleeps.waits, 2)

	st := h.ctrl.State()
	require.NotNil(t, st.Picture)
	assert.Equal(t, "T", st.Picture.Title)
	assert.Empty(t, st.Error)
	assert.Equal(t, uint64(1), st.Generation)
}

func TestFetchDoesNotRetryOtherFailures(t *testing.T) {
	h := newHarness(t)
	h.pictures.fallback = fetchResult{err: &apod.UpstreamError{Status: 500, Message: "boom"}}

	require.Error(t, h.ctrl.FetchRandomImage(context.Background()))
	assert.Equal(t, 1, h.pictures.calls())
	assert.Empty(t, h.sleeps.waits)
	assert.Equal(t, "boom", h.ctrl.State().Error)
}

func TestFetchFailureKeepsLoadedPicture(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.ctrl.FetchRandomImage(context.Background()))

	h.pictures.fallback = fetchResult{err: errors.New("network down")}
	require.Error(t, h.ctrl.FetchRandomImage(context.Background()))

	st := h.ctrl.State()
	require.NotNil(t, st.Picture)
	assert.Equal(t, "T", st.Picture.Title)
	assert.Equal(t, fetchFailedMessage, st.Error)
	assert.False(t, st.Loading)
}

func TestFetchedDateRoundTrips(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.ctrl.FetchRandomImage(context.Background()))

	st := h.ctrl.State()
	require.NotNil(t, st.Picture)
	d, err := apod.ParseDate(st.Picture.Date)
	require.NoError(t, err)
	assert.Equal(t, st.Picture.Date, apod.FormatDate(d))
	assert.False(t, d.Before(apod.FloorDate))
}

func TestNarrationScenario(t *testing.T) {
	h := newHarness(t)
	h.pictures.fallback = fetchResult{picture: apod.Picture{Title: "T", Date: "1999-01-01", Explanation: "E", MediaType: apod.MediaImage, URL: "u"}}

	require.NoError(t, h.ctrl.FetchRandomImage(context.Background()))
	st := h.ctrl.State()
	require.NotNil(t, st.Picture)
	assert.Equal(t, "T", st.Picture.Title)
	assert.Equal(t, "1999-01-01", st.Picture.Date)
	assert.False(t, st.PuppetVisible)

	require.NoError(t, h.ctrl.RequestNarration(context.Background()))

	require.Len(t, h.synth.texts, 1)
	assert.Equal(t, "Hello, I'm your cosmic scientist. Here's the photo titled \"T\". Wow!", h.synth.texts[0])

	st = h.ctrl.State()
	assert.True(t, st.PuppetVisible)
	assert.True(t, st.Playing)
	assert.False(t, st.Narrating)
	assert.NotEmpty(t, st.NarrationID)
	assert.Equal(t, 1, h.backend.LiveDevices())
	assert.Equal(t, 1, h.store.Len())
}

func TestNarrationIsSynthesizedOnce(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.ctrl.FetchRandomImage(context.Background()))

	require.NoError(t, h.ctrl.RequestNarration(context.Background()))
	id := h.ctrl.State().NarrationID
	require.NoError(t, h.ctrl.RequestNarration(context.Background()))

	assert.Equal(t, 1, h.rewriter.count())
	assert.Equal(t, 1, h.synth.count())
	assert.Equal(t, id, h.ctrl.State().NarrationID)
	assert.Equal(t, 1, h.backend.LiveDevices())
}

func TestNarrationReplayResumesPausedAudio(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.ctrl.FetchRandomImage(context.Background()))
	require.NoError(t, h.ctrl.RequestNarration(context.Background()))

	require.NoError(t, h.ctrl.TogglePlayPause())
	st := h.ctrl.State()
	assert.False(t, st.Playing)
	assert.True(t, st.PuppetVisible)

	require.NoError(t, h.ctrl.RequestNarration(context.Background()))
	assert.True(t, h.ctrl.State().Playing)
	assert.Equal(t, 1, h.synth.count())
}

func TestNarrationReplayWhilePlayingRestarts(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.ctrl.FetchRandomImage(context.Background()))
	require.NoError(t, h.ctrl.RequestNarration(context.Background()))

	first := h.ctrl.State()
	require.True(t, first.Playing)
	require.NotZero(t, first.PlaybackSession)

	require.NoError(t, h.ctrl.RequestNarration(context.Background()))

	st := h.ctrl.State()
	assert.True(t, st.Playing)
	assert.Equal(t, playback.PhasePlaying, st.PlaybackPhase)
	assert.Greater(t, st.PlaybackSession, first.PlaybackSession)
	assert.Equal(t, first.NarrationID, st.NarrationID)
	assert.Equal(t, 1, h.synth.count())
	assert.Equal(t, 1, h.backend.LiveDevices())
}

func TestNarrationReplayClearsStaleError(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.ctrl.FetchRandomImage(context.Background()))
	require.NoError(t, h.ctrl.RequestNarration(context.Background()))

	h.pictures.mu.Lock()
	h.pictures.fallback = fetchResult{err: errors.New("network down")}
	h.pictures.mu.Unlock()
	require.Error(t, h.ctrl.FetchRandomImage(context.Background()))
	require.Equal(t, fetchFailedMessage, h.ctrl.State().Error)

	require.NoError(t, h.ctrl.RequestNarration(context.Background()))
	st := h.ctrl.State()
	assert.Empty(t, st.Error)
	assert.True(t, st.Playing)
	assert.Equal(t, 1, h.synth.count())
}

func TestNarrationWithoutPictureIsNoop(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.ctrl.RequestNarration(context.Background()))
	assert.Zero(t, h.rewriter.count())
	assert.Zero(t, h.synth.count())
}

func TestSynthesisFailureLeavesPuppetHidden(t *testing.T) {
	h := newHarness(t)
	h.synth.err = errors.New("tts down")
	require.NoError(t, h.ctrl.FetchRandomImage(context.Background()))

	require.Error(t, h.ctrl.RequestNarration(context.Background()))

	st := h.ctrl.State()
	assert.Equal(t, speechFailedMessage, st.Error)
	assert.False(t, st.PuppetVisible)
	assert.False(t, st.Narrating)
	assert.Empty(t, st.NarrationID)
	assert.Zero(t, h.backend.LiveDevices())
	assert.Zero(t, h.store.Len())
	require.NotNil(t, st.Picture)
}

func TestRewriteFailureSkipsSynthesis(t *testing.T) {
	h := newHarness(t)
	h.rewriter.err = errors.New("chat down")
	require.NoError(t, h.ctrl.FetchRandomImage(context.Background()))

	require.Error(t, h.ctrl.RequestNarration(context.Background()))
	assert.Zero(t, h.synth.count())
	assert.Equal(t, rewriteFailedMessage, h.ctrl.State().Error)
	assert.False(t, h.ctrl.State().PuppetVisible)
}

func TestNewPictureResetsNarrationAndPlayback(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.ctrl.FetchRandomImage(context.Background()))
	require.NoError(t, h.ctrl.RequestNarration(context.Background()))
	require.True(t, h.ctrl.State().PuppetVisible)

	require.NoError(t, h.ctrl.FetchRandomImage(context.Background()))

	st := h.ctrl.State()
	assert.Equal(t, uint64(2), st.Generation)
	assert.False(t, st.PuppetVisible)
	assert.False(t, st.Playing)
	assert.False(t, st.Speaking)
	assert.Empty(t, st.NarrationID)
	assert.Zero(t, h.backend.LiveDevices())
	assert.Zero(t, h.store.Len())

	require.NoError(t, h.ctrl.RequestNarration(context.Background()))
	assert.Equal(t, 2, h.synth.count())
}

func TestLateRewriteForSupersededPictureIsDropped(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.ctrl.FetchRandomImage(context.Background()))

	gate := make(chan struct{})
	h.rewriter.gate = gate
	done := make(chan error, 1)
	go func() { done <- h.ctrl.RequestNarration(context.Background()) }()
	require.Eventually(t, func() bool { return h.rewriter.count() == 1 }, time.Second, time.Millisecond)

	require.NoError(t, h.ctrl.FetchRandomImage(context.Background()))
	close(gate)
	require.NoError(t, <-done)

	assert.Zero(t, h.synth.count())
	st := h.ctrl.State()
	assert.Empty(t, st.NarrationID)
	assert.False(t, st.PuppetVisible)
	assert.Zero(t, h.backend.LiveDevices())
}

func TestLateSynthesisForSupersededPictureIsReleased(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.ctrl.FetchRandomImage(context.Background()))

	gate := make(chan struct{})
	h.synth.gate = gate
	done := make(chan error, 1)
	go func() { done <- h.ctrl.RequestNarration(context.Background()) }()
	require.Eventually(t, func() bool { return h.synth.count() == 1 }, time.Second, time.Millisecond)

	require.NoError(t, h.ctrl.FetchRandomImage(context.Background()))
	close(gate)
	require.NoError(t, <-done)

	st := h.ctrl.State()
	assert.Equal(t, uint64(2), st.Generation)
	assert.Empty(t, st.NarrationID)
	assert.False(t, st.PuppetVisible)
	assert.Zero(t, h.store.Len())
	assert.Zero(t, h.backend.LiveDevices())
}

func TestConcurrentNarrationRequestsCoalesce(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.ctrl.FetchRandomImage(context.Background()))

	gate := make(chan struct{})
	h.rewriter.gate = gate
	done := make(chan error, 1)
	go func() { done <- h.ctrl.RequestNarration(context.Background()) }()
	require.Eventually(t, func() bool { return h.ctrl.State().Narrating }, time.Second, time.Millisecond)

	require.NoError(t, h.ctrl.RequestNarration(context.Background()))
	close(gate)
	require.NoError(t, <-done)

	assert.Equal(t, 1, h.rewriter.count())
	assert.Equal(t, 1, h.synth.count())
	assert.True(t, h.ctrl.State().PuppetVisible)
}

func TestOlderFetchNeverOverwritesNewer(t *testing.T) {
	h := newHarness(t)
	gate := make(chan struct{})
	h.pictures.script = []fetchResult{
		{picture: apod.Picture{Title: "old"}, gate: gate},
		{picture: apod.Picture{Title: "new"}},
	}

	done := make(chan error, 1)
	go func() { done <- h.ctrl.FetchRandomImage(context.Background()) }()
	require.Eventually(t, func() bool { return h.pictures.calls() == 1 }, time.Second, time.Millisecond)

	require.NoError(t, h.ctrl.FetchRandomImage(context.Background()))
	close(gate)
	require.NoError(t, <-done)

	st := h.ctrl.State()
	require.NotNil(t, st.Picture)
	assert.Equal(t, "new", st.Picture.Title)
	assert.Equal(t, uint64(1), st.Generation)
	assert.False(t, st.Loading)
}

func TestSpeechImpliesVisiblePuppetAndPlayback(t *testing.T) {
	h := newHarness(t)
	h.synth.data = speechWAV(true, 300*time.Millisecond)

	var mu sync.Mutex
	var violations []State
	sawSpeech := false
	h.ctrl.Subscribe(func(s State) {
		mu.Lock()
		defer mu.Unlock()
		if s.Speaking {
			sawSpeech = true
			if !s.PuppetVisible || !s.Playing {
				violations = append(violations, s)
			}
		}
		if s.PuppetVisible && s.NarrationID == "" {
			violations = append(violations, s)
		}
	})

	require.NoError(t, h.ctrl.FetchRandomImage(context.Background()))
	require.NoError(t, h.ctrl.RequestNarration(context.Background()))

	require.Eventually(t, func() bool { return h.ctrl.State().Speaking }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		st := h.ctrl.State()
		return !st.Playing && !st.Speaking
	}, 2*time.Second, 10*time.Millisecond)
	assert.True(t, h.ctrl.State().PuppetVisible)

	mu.Lock()
	defer mu.Unlock()
	assert.True(t, sawSpeech)
	assert.Empty(t, violations)
}

func TestCloseReleasesNarration(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.ctrl.FetchRandomImage(context.Background()))
	require.NoError(t, h.ctrl.RequestNarration(context.Background()))

	h.ctrl.Close()
	assert.Zero(t, h.store.Len())
	assert.Zero(t, h.backend.LiveDevices())
	assert.ErrorIs(t, h.ctrl.FetchRandomImage(context.Background()), ErrClosed)
	assert.ErrorIs(t, h.ctrl.RequestNarration(context.Background()), ErrClosed)
}
