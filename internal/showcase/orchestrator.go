package showcase

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ent0n29/spaceshowcase/internal/apod"
	"github.com/ent0n29/spaceshowcase/internal/audio"
	"github.com/ent0n29/spaceshowcase/internal/llm"
	"github.com/ent0n29/spaceshowcase/internal/observability"
	"github.com/ent0n29/spaceshowcase/internal/playback"
	"github.com/ent0n29/spaceshowcase/internal/policy"
	"github.com/ent0n29/spaceshowcase/internal/protocol"
	"github.com/ent0n29/spaceshowcase/internal/reliability"
	"github.com/ent0n29/spaceshowcase/internal/session"
)

// ActionRecorder receives every accepted client action.
type ActionRecorder interface {
	RecordAction(sessionID, action string) error
}

type OrchestratorConfig struct {
	FrameInterval   time.Duration
	SpeechThreshold int
	RetryBackoff    time.Duration
	// NarrationPath maps a narration handle to the URL browsers download it from.
	NarrationPath func(id string) string
}

// Orchestrator owns one showcase per viewer session and bridges it to the
// session's websocket connection.
type Orchestrator struct {
	cfg         OrchestratorConfig
	pictures    PictureSource
	rewriter    Rewriter
	synthesizer Synthesizer
	store       NarrationStore
	recorder    ActionRecorder
	metrics     *observability.Metrics
	log         zerolog.Logger

	mu      sync.Mutex
	viewers map[string]*viewer
	closed  bool
}

type viewer struct {
	ctrl    *Controller
	backend *audio.ClockBackend
	ctx     context.Context
	cancel  context.CancelFunc
}

func NewOrchestrator(cfg OrchestratorConfig, pictures PictureSource, rewriter Rewriter, synthesizer Synthesizer, store NarrationStore, recorder ActionRecorder, metrics *observability.Metrics, logger zerolog.Logger) *Orchestrator {
	if cfg.NarrationPath == nil {
		cfg.NarrationPath = func(id string) string { return "/api/narration/" + id }
	}
	return &Orchestrator{
		cfg:         cfg,
		pictures:    pictures,
		rewriter:    rewriter,
		synthesizer: synthesizer,
		store:       store,
		recorder:    recorder,
		metrics:     metrics,
		log:         logger.With().Str("component", "orchestrator").Logger(),
		viewers:     make(map[string]*viewer),
	}
}

func (o *Orchestrator) viewerFor(sessionID string) (*viewer, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return nil, ErrClosed
	}
	if v, ok := o.viewers[sessionID]; ok {
		return v, nil
	}

	logger := o.log.With().Str("session_id", sessionID).Logger()
	backend := audio.NewClockBackend(logger)
	player := playback.NewController(backend, playback.Options{
		SpeechThreshold: o.cfg.SpeechThreshold,
		Clock:           playback.TickerClock{Interval: o.cfg.FrameInterval},
		Logger:          logger,
	})
	ctrl := NewController(o.pictures, o.rewriter, o.synthesizer, o.store, player, Options{
		RetryBackoff: o.cfg.RetryBackoff,
		Metrics:      o.metrics,
		Logger:       logger,
	})
	ctx, cancel := context.WithCancel(context.Background())
	v := &viewer{ctrl: ctrl, backend: backend, ctx: ctx, cancel: cancel}
	o.viewers[sessionID] = v
	return v, nil
}

// State returns the showcase snapshot for a session, if one exists.
func (o *Orchestrator) State(sessionID string) (State, bool) {
	o.mu.Lock()
	v, ok := o.viewers[sessionID]
	o.mu.Unlock()
	if !ok {
		return State{}, false
	}
	return v.ctrl.State(), true
}

// RunConnection serves one websocket connection until inbound closes or ctx ends.
// The showcase outlives the connection and is resumed on reconnect.
func (o *Orchestrator) RunConnection(ctx context.Context, s *session.Session, inbound <-chan any, outbound chan<- any) error {
	v, err := o.viewerFor(s.ID)
	if err != nil {
		o.send(outbound, protocol.ErrorEvent{
			Type:      protocol.TypeErrorEvent,
			SessionID: s.ID,
			Code:      "showcase_unavailable",
			Source:    "gateway",
			Detail:    policy.ErrorText(err),
		})
		return err
	}

	unsubscribe := v.ctrl.Subscribe(func(st State) {
		o.send(outbound, o.stateMessage(s.ID, st))
	})
	defer unsubscribe()

	o.send(outbound, protocol.SystemEvent{Type: protocol.TypeSystemEvent, SessionID: s.ID, Code: "session_ready"})
	initial := v.ctrl.State()
	o.send(outbound, o.stateMessage(s.ID, initial))
	if initial.Picture == nil && !initial.Loading {
		o.dispatch(v, s.ID, protocol.ActionNextImage, outbound)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-inbound:
			if !ok {
				return nil
			}
			control, isControl := msg.(protocol.ClientControl)
			if !isControl {
				continue
			}
			if control.SessionID != s.ID {
				o.send(outbound, protocol.ErrorEvent{
					Type:      protocol.TypeErrorEvent,
					SessionID: s.ID,
					Code:      "session_mismatch",
					Source:    "gateway",
					Detail:    "client_control names another session",
				})
				continue
			}
			if o.recorder != nil {
				_ = o.recorder.RecordAction(s.ID, control.Action)
			}
			o.dispatch(v, s.ID, control.Action, outbound)
		}
	}
}

func (o *Orchestrator) dispatch(v *viewer, sessionID, action string, outbound chan<- any) {
	switch action {
	case protocol.ActionNextImage:
		go func() {
			if err := v.ctrl.FetchRandomImage(v.ctx); err != nil && !errors.Is(err, ErrClosed) && v.ctx.Err() == nil {
				o.send(outbound, errorEvent(sessionID, "image_fetch_failed", "apod", err))
			}
		}()
	case protocol.ActionNarrate:
		go func() {
			if err := v.ctrl.RequestNarration(v.ctx); err != nil && !errors.Is(err, ErrClosed) && v.ctx.Err() == nil {
				o.send(outbound, errorEvent(sessionID, "narration_failed", "llm", err))
			}
		}()
	case protocol.ActionTogglePlay:
		if err := v.ctrl.TogglePlayPause(); err != nil && !errors.Is(err, ErrClosed) {
			o.send(outbound, errorEvent(sessionID, "playback_failed", "playback", err))
		}
	case protocol.ActionStop:
		v.ctrl.Stop()
	default:
		o.send(outbound, protocol.ErrorEvent{
			Type:      protocol.TypeErrorEvent,
			SessionID: sessionID,
			Code:      "unsupported_action",
			Source:    "gateway",
			Detail:    action,
		})
	}
}

// EndSession tears down the session's showcase and releases its narration.
func (o *Orchestrator) EndSession(sessionID string) {
	o.mu.Lock()
	v, ok := o.viewers[sessionID]
	delete(o.viewers, sessionID)
	o.mu.Unlock()
	if !ok {
		return
	}
	o.teardown(v)
	o.log.Debug().Str("session_id", sessionID).Msg("showcase released")
}

// Close tears down every showcase.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	o.closed = true
	viewers := make([]*viewer, 0, len(o.viewers))
	for id, v := range o.viewers {
		viewers = append(viewers, v)
		delete(o.viewers, id)
	}
	o.mu.Unlock()

	for _, v := range viewers {
		o.teardown(v)
	}
}

func (o *Orchestrator) teardown(v *viewer) {
	v.cancel()
	v.ctrl.Close()
	v.backend.Close()
}

func (o *Orchestrator) stateMessage(sessionID string, st State) protocol.ShowcaseState {
	msg := protocol.ShowcaseState{
		Type:            protocol.TypeShowcaseState,
		SessionID:       sessionID,
		Loading:         st.Loading,
		Narrating:       st.Narrating,
		Error:           st.Error,
		PuppetVisible:   st.PuppetVisible,
		Playing:         st.Playing,
		Speaking:        st.Speaking,
		Generation:      st.Generation,
		PlaybackPhase:   string(st.PlaybackPhase),
		PlaybackSession: st.PlaybackSession,
	}
	if st.Picture != nil {
		msg.Picture = &protocol.Picture{
			Title:       st.Picture.Title,
			Date:        st.Picture.Date,
			Explanation: st.Picture.Explanation,
			MediaType:   string(st.Picture.MediaType),
			URL:         st.Picture.URL,
		}
	}
	if st.NarrationID != "" {
		msg.NarrationURL = o.cfg.NarrationPath(st.NarrationID)
	}
	return msg
}

// send never blocks: a connection that cannot keep up loses messages, and the
// next state snapshot supersedes whatever was dropped.
func (o *Orchestrator) send(outbound chan<- any, msg any) {
	msgType, _ := protocol.TypeOf(msg)
	select {
	case outbound <- msg:
		o.metrics.ObserveOutboundMessage(string(msgType), "queued")
	default:
		o.metrics.ObserveOutboundMessage(string(msgType), "drop_full")
	}
}

func errorEvent(sessionID, code, source string, err error) protocol.ErrorEvent {
	return protocol.ErrorEvent{
		Type:      protocol.TypeErrorEvent,
		SessionID: sessionID,
		Code:      code,
		Source:    source,
		Retryable: retryable(err),
		Detail:    policy.ErrorText(err),
	}
}

func retryable(err error) bool {
	if reliability.IsRateLimited(err) {
		return true
	}
	var apodErr *apod.UpstreamError
	if errors.As(err, &apodErr) {
		return reliability.IsRetryableHTTPStatus(apodErr.Status)
	}
	var llmErr *llm.UpstreamError
	if errors.As(err, &llmErr) {
		return reliability.IsRetryableHTTPStatus(llmErr.Status)
	}
	return errors.Is(err, context.DeadlineExceeded)
}
