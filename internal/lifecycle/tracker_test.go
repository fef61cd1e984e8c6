package lifecycle_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"keystone/internal/lifecycle"
)

func TestTrackerPhasesOnlyMoveForward(t *testing.T) {
	tr := lifecycle.NewTracker()
	var seen []lifecycle.Phase
	tr.OnChange = func(s lifecycle.Snapshot) { seen = append(seen, s.Phase) }

	lifecycle.Notify(tr, lifecycle.Event{Kind: lifecycle.EventPhase, Phase: lifecycle.PhaseReasoning})
	lifecycle.Notify(tr, lifecycle.Event{Kind: lifecycle.EventPhase, Phase: lifecycle.PhaseFanOut})
	lifecycle.Notify(tr, lifecycle.Event{Kind: lifecycle.EventPhase, Phase: lifecycle.PhaseReasoning})
	lifecycle.Notify(tr, lifecycle.Event{Kind: lifecycle.EventPhase, Phase: lifecycle.PhaseDone})

	assert.Equal(t, []lifecycle.Phase{lifecycle.PhaseReasoning, lifecycle.PhaseFanOut, lifecycle.PhaseDone}, seen)
	assert.Equal(t, lifecycle.PhaseDone, tr.Snapshot().Phase)
}

func TestTrackerCountsCalls(t *testing.T) {
	tr := lifecycle.NewTracker()
	var wg sync.WaitGroup
	for _, name := range []string{"Lynx", "Wildfire", "Razor"} {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			lifecycle.Notify(tr, lifecycle.Event{Kind: lifecycle.EventCallStarted, Evaluator: name})
			lifecycle.Notify(tr, lifecycle.Event{Kind: lifecycle.EventCallFinished, Evaluator: name, Failed: name == "Razor"})
		}(name)
	}
	wg.Wait()
	snap := tr.Snapshot()
	assert.Empty(t, snap.Active)
	assert.Len(t, snap.Finished, 3)
	assert.Equal(t, []string{"Razor"}, snap.Failed)
}

func TestNotifyNilObserver(t *testing.T) {
	assert.NotPanics(t, func() {
		lifecycle.Notify(nil, lifecycle.Event{Kind: lifecycle.EventPhase, Phase: lifecycle.PhaseDone})
	})
}
