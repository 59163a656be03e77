package showcase

import (
	"github.com/ent0n29/spaceshowcase/internal/apod"
	"github.com/ent0n29/spaceshowcase/internal/playback"
)

// State is the immutable snapshot a viewer renders from.
type State struct {
	Picture   *apod.Picture `json:"picture,omitempty"`
	Loading   bool          `json:"loading"`
	Narrating bool          `json:"narrating"`
	Error     string        `json:"error,omitempty"`
	// NarrationID is the handle of the cached narration for Picture, if any.
	NarrationID string `json:"narration_id,omitempty"`
	// PuppetVisible latches once narration playback has started for Picture.
	PuppetVisible bool `json:"puppet_visible"`
	Playing       bool `json:"playing"`
	Speaking      bool `json:"speaking"`
	// PlaybackPhase and PlaybackSession mirror the audio controller so a
	// renderer can rewind when a session is released or replaced.
	PlaybackPhase   playback.Phase `json:"playback_phase"`
	PlaybackSession uint64         `json:"playback_session"`
	// Generation increments whenever Picture is replaced.
	Generation uint64 `json:"generation"`
}

type actionKind int

const (
	actFetchBegin actionKind = iota + 1
	actFetchSucceeded
	actFetchFailed
	actNarrationBegin
	actNarrationReady
	actNarrationFailed
	// actReplay marks a replay of the cached narration.
	actReplay
	actPlayback
)

type action struct {
	kind        actionKind
	picture     apod.Picture
	message     string
	narrationID string
	playback    playback.State
}

func reduce(s State, a action) State {
	switch a.kind {
	case actFetchBegin:
		s.Loading = true
		s.Error = ""
	case actFetchSucceeded:
		pic := a.picture
		s.Picture = &pic
		s.Loading = false
		s.Error = ""
		s.Narrating = false
		s.NarrationID = ""
		s.PuppetVisible = false
		s.Playing = false
		s.Speaking = false
		s.PlaybackPhase = playback.PhaseIdle
		s.PlaybackSession = 0
		s.Generation++
	case actFetchFailed:
		s.Loading = false
		s.Error = a.message
	case actNarrationBegin:
		s.Narrating = true
		s.Error = ""
	case actNarrationReady:
		s.Narrating = false
		s.NarrationID = a.narrationID
	case actNarrationFailed:
		s.Narrating = false
		s.Error = a.message
	case actReplay:
		s.Error = ""
	case actPlayback:
		pb := a.playback
		s.PlaybackPhase = pb.Phase
		s.PlaybackSession = pb.Session
		s.PuppetVisible = pb.HasStarted
		s.Playing = pb.Playing()
		s.Speaking = pb.Speaking && pb.Playing() && pb.HasStarted
	}
	return s
}

func (s State) equal(o State) bool {
	if (s.Picture == nil) != (o.Picture == nil) {
		return false
	}
	if s.Picture != nil && *s.Picture != *o.Picture {
		return false
	}
	a, b := s, o
	a.Picture, b.Picture = nil, nil
	return a == b
}
