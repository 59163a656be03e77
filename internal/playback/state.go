package playback

// Phase is the playback state of the current session.
type Phase string

const (
	PhaseIdle     Phase = "idle"
	PhaseStarting Phase = "starting"
	PhasePlaying  Phase = "playing"
	PhasePaused   Phase = "paused"
	PhaseEnded    Phase = "ended"
)

// State is an immutable snapshot of the controller.
type State struct {
	Phase    Phase  `json:"phase"`
	SourceID string `json:"source_id,omitempty"`
	// Session identifies the live device binding; zero means none.
	Session  uint64 `json:"session"`
	Speaking bool   `json:"speaking"`
	// HasStarted latches once playback has actually started since the last Reset.
	HasStarted bool `json:"has_started"`
}

func (s State) Playing() bool {
	return s.Phase == PhasePlaying
}

// Active reports whether playback is running or about to.
func (s State) Active() bool {
	return s.Phase == PhasePlaying || s.Phase == PhaseStarting
}

type EventKind int

const (
	// EventAcquired binds a new session to a freshly created device.
	EventAcquired EventKind = iota + 1
	// EventResume re-enters Play on the current session.
	EventResume
	EventStarted
	EventPaused
	EventEnded
	// EventRejected means the runtime refused to start playback.
	EventRejected
	// EventStopped releases the session but keeps HasStarted.
	EventStopped
	// EventReset returns to the zero state.
	EventReset
	// EventSpeech carries one monitor sample.
	EventSpeech
)

type Event struct {
	Kind     EventKind
	Session  uint64
	SourceID string
	Speaking bool
}

// Reduce applies e to s. Events that name a session other than the current one
// are stale and leave s unchanged.
func Reduce(s State, e Event) State {
	switch e.Kind {
	case EventAcquired:
		return State{Phase: PhaseStarting, SourceID: e.SourceID, Session: e.Session, HasStarted: s.HasStarted}
	case EventStopped:
		return State{Phase: PhaseIdle, HasStarted: s.HasStarted}
	case EventReset:
		return State{Phase: PhaseIdle}
	}

	if s.Session == 0 || e.Session != s.Session {
		return s
	}

	switch e.Kind {
	case EventResume:
		if s.Phase == PhasePaused || s.Phase == PhaseEnded {
			s.Phase = PhaseStarting
		}
	case EventStarted:
		s.Phase = PhasePlaying
		s.HasStarted = true
	case EventPaused:
		if s.Phase != PhaseEnded {
			s.Phase = PhasePaused
		}
		s.Speaking = false
	case EventEnded:
		s.Phase = PhaseEnded
		s.Speaking = false
	case EventRejected:
		if s.Phase == PhaseStarting {
			s.Phase = PhasePaused
		}
		s.Speaking = false
	case EventSpeech:
		s.Speaking = e.Speaking && s.Phase == PhasePlaying
	}
	return s
}
