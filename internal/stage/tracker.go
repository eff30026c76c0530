// Package stage tracks per-stage connection health for the voice pipeline.
package stage

import (
	"sync"

	"github.com/autonomyowner/LinguaBridge-sub000/internal/observability"
)

// Stage identifies one phase of the voice pipeline.
type Stage string

const (
	StageSTT       Stage = "stt"
	StageTranslate Stage = "translate"
	StageTTS       Stage = "tts"
)

// Stages lists all tracked pipeline stages.
var Stages = []Stage{StageSTT, StageTranslate, StageTTS}

// State is the connection health of a single stage.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateError
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	case StateReconnecting:
		return "reconnecting"
	}
	return "unknown"
}

// Event is a connection event reported by a provider client.
type Event string

const (
	EventConnecting   Event = "connecting"
	EventConnected    Event = "connected"
	EventError        Event = "error"
	EventReconnecting Event = "reconnecting"
	EventIdle         Event = "idle"
)

// ParseEvent maps a wire event name to an Event. ok is false for unknown
// names.
func ParseEvent(name string) (Event, bool) {
	switch Event(name) {
	case EventConnecting, EventConnected, EventError, EventReconnecting, EventIdle:
		return Event(name), true
	}
	return "", false
}

// Tracker is a pure reducer over provider connection events, one state
// machine per stage. Events that are not legal transitions from the current
// state are ignored; error and reconnecting are expected to cycle
// indefinitely without leaking state.
type Tracker struct {
	mu            sync.Mutex
	states        map[Stage]State
	droppedFrames int64
}

// NewTracker creates a tracker with every stage idle.
func NewTracker() *Tracker {
	t := &Tracker{states: make(map[Stage]State, len(Stages))}
	for _, s := range Stages {
		t.states[s] = StateIdle
		observability.SetStageState(string(s), int(StateIdle))
	}
	return t
}

// Apply feeds one provider event into the stage's state machine and reports
// whether it caused a transition.
func (t *Tracker) Apply(stage Stage, event Event) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	current, ok := t.states[stage]
	if !ok {
		return false
	}

	next, ok := transition(current, event)
	if !ok || next == current {
		return false
	}

	t.states[stage] = next
	observability.SetStageState(string(stage), int(next))
	return true
}

// transition encodes the per-stage state machine.
func transition(from State, event Event) (State, bool) {
	// An explicit pipeline stop returns any stage to idle.
	if event == EventIdle {
		return StateIdle, true
	}

	switch from {
	case StateIdle:
		if event == EventConnecting {
			return StateConnecting, true
		}
	case StateConnecting:
		switch event {
		case EventConnected:
			return StateConnected, true
		case EventError:
			return StateError, true
		}
	case StateConnected:
		if event == EventError {
			return StateError, true
		}
	case StateError:
		switch event {
		case EventReconnecting:
			return StateReconnecting, true
		case EventConnecting:
			// Manual pipeline restart.
			return StateConnecting, true
		}
	case StateReconnecting:
		switch event {
		case EventConnected:
			return StateConnected, true
		case EventError:
			return StateError, true
		}
	}
	return from, false
}

// State returns the current state of a single stage.
func (t *Tracker) State(stage Stage) State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.states[stage]
}

// RecordDroppedFrame increments the dropped-frame counter. Fed by the audio
// scheduler when a chunk is dropped at the queue cap; observability only,
// never control flow.
func (t *Tracker) RecordDroppedFrame() {
	t.mu.Lock()
	t.droppedFrames++
	t.mu.Unlock()
}

// DroppedFrames returns the number of chunks dropped at the queue cap.
func (t *Tracker) DroppedFrames() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.droppedFrames
}

// Snapshot returns the current state of every stage, keyed by stage name.
func (t *Tracker) Snapshot() map[string]string {
	t.mu.Lock()
	defer t.mu.Unlock()

	snap := make(map[string]string, len(t.states))
	for stage, state := range t.states {
		snap[string(stage)] = state.String()
	}
	return snap
}

// Reset returns every stage to idle, as on an explicit pipeline stop.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, s := range Stages {
		t.states[s] = StateIdle
		observability.SetStageState(string(s), int(StateIdle))
	}
}
