// Package lifecycle reports coarse board progress for display. Nothing in it
// affects the decision.
package lifecycle

import (
	"sort"
	"sync"
	"time"
)

type Phase string

const (
	PhaseInit         Phase = "init"
	PhaseReasoning    Phase = "reasoning"
	PhaseFanOut       Phase = "calling_specialists"
	PhaseSynthesizing Phase = "synthesizing"
	PhaseDone         Phase = "done"
)

var phaseOrder = map[Phase]int{
	PhaseInit:         0,
	PhaseReasoning:    1,
	PhaseFanOut:       2,
	PhaseSynthesizing: 3,
	PhaseDone:         4,
}

type EventKind string

const (
	EventPhase        EventKind = "phase"
	EventCallStarted  EventKind = "call_started"
	EventCallFinished EventKind = "call_finished"
)

type Event struct {
	Kind      EventKind
	Phase     Phase
	Evaluator string
	Failed    bool
	At        time.Time
}

// Observer receives progress events. Implementations must be safe for
// concurrent use; the dispatcher reports calls from many goroutines.
type Observer interface {
	Observe(Event)
}

type ObserverFunc func(Event)

func (f ObserverFunc) Observe(e Event) { f(e) }

// Notify delivers e to o when o is set.
func Notify(o Observer, e Event) {
	if o == nil {
		return
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	o.Observe(e)
}

// Multi fans one event out to several observers.
type Multi []Observer

func (m Multi) Observe(e Event) {
	for _, o := range m {
		Notify(o, e)
	}
}

type Snapshot struct {
	Phase    Phase
	Active   []string
	Finished []string
	Failed   []string
	Elapsed  time.Duration
}

// Tracker is the progress state machine. Phases only move forward.
type Tracker struct {
	mu       sync.Mutex
	phase    Phase
	started  time.Time
	active   map[string]bool
	finished []string
	failed   []string

	// OnChange, when set, is called with a snapshot after every accepted event.
	OnChange func(Snapshot)
}

func NewTracker() *Tracker {
	return &Tracker{phase: PhaseInit, active: map[string]bool{}}
}

func (t *Tracker) Observe(e Event) {
	t.mu.Lock()
	if t.active == nil {
		t.active = map[string]bool{}
	}
	if t.phase == "" {
		t.phase = PhaseInit
	}
	if t.started.IsZero() {
		t.started = e.At
	}
	accepted := true
	switch e.Kind {
	case EventPhase:
		if phaseOrder[e.Phase] <= phaseOrder[t.phase] {
			accepted = false
			break
		}
		t.phase = e.Phase
	case EventCallStarted:
		t.active[e.Evaluator] = true
	case EventCallFinished:
		delete(t.active, e.Evaluator)
		t.finished = append(t.finished, e.Evaluator)
		if e.Failed {
			t.failed = append(t.failed, e.Evaluator)
		}
	default:
		accepted = false
	}
	snap := t.snapshotLocked(e.At)
	cb := t.OnChange
	t.mu.Unlock()
	if accepted && cb != nil {
		cb(snap)
	}
}

func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked(time.Now())
}

func (t *Tracker) snapshotLocked(now time.Time) Snapshot {
	active := make([]string, 0, len(t.active))
	for name := range t.active {
		active = append(active, name)
	}
	sort.Strings(active)
	var elapsed time.Duration
	if !t.started.IsZero() {
		elapsed = now.Sub(t.started)
	}
	phase := t.phase
	if phase == "" {
		phase = PhaseInit
	}
	return Snapshot{
		Phase:    phase,
		Active:   active,
		Finished: append([]string(nil), t.finished...),
		Failed:   append([]string(nil), t.failed...),
		Elapsed:  elapsed,
	}
}
