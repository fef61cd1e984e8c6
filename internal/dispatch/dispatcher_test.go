package dispatch_test

import (
	"context"
	"errors"
	"io"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keystone/internal/dispatch"
	"keystone/internal/domain"
	"keystone/internal/evaluator"
	"keystone/internal/lifecycle"
)

func goOpinion(conf float64) domain.Opinion {
	return domain.NewStandardOpinion(domain.Member{}, domain.StandardOpinion{
		Verdict:    domain.VerdictGo,
		Confidence: conf,
		Reasons:    []string{"a", "b", "c"},
		Risks:      []string{"a", "b", "c"},
		Actions:    []string{"a", "b", "c"},
		Experiment: domain.Experiment{Hypothesis: "h", Test: "t", SuccessMetric: "10 users", Timebox: "1 week"},
	})
}

func seat(name string, role domain.Role, ev evaluator.Evaluator) evaluator.Member {
	return evaluator.Member{Member: domain.Member{Name: name, Role: role}, Evaluator: ev}
}

func ok(conf float64) evaluator.Func {
	return func(context.Context, evaluator.Request) (domain.Opinion, error) { return goOpinion(conf), nil }
}

func quietLogger() *log.Logger { return log.New(io.Discard, "", 0) }

var req = evaluator.Request{Request: domain.Request{Mode: domain.ModeReview, Text: "Should we build it?"}}

func TestRunAllIsolatesFailures(t *testing.T) {
	roster := evaluator.Roster{
		seat("Lynx", domain.RoleProductOperator, ok(0.7)),
		seat("Wildfire", domain.RoleGrowthDistribution, evaluator.Func(func(context.Context, evaluator.Request) (domain.Opinion, error) {
			return domain.Opinion{}, errors.New(strings.Repeat("x", 500))
		})),
		seat("Bedrock", domain.RoleSystemsArchitect, evaluator.Func(func(context.Context, evaluator.Request) (domain.Opinion, error) {
			panic("boom")
		})),
		seat("Sentinel", domain.RoleRiskReality, evaluator.Func(func(context.Context, evaluator.Request) (domain.Opinion, error) {
			select {} // ignores its context entirely
		})),
		seat("Prism", domain.RoleCreativeDirector, evaluator.Func(func(context.Context, evaluator.Request) (domain.Opinion, error) {
			return domain.NewStandardOpinion(domain.Member{}, domain.StandardOpinion{Verdict: "MAYBE"}), nil
		})),
	}
	d, err := dispatch.New(roster, dispatch.Options{CallTimeout: 50 * time.Millisecond, Logger: quietLogger()})
	require.NoError(t, err)

	m, err := d.RunAll(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 5, m.Len())
	require.Len(t, m.Opinions(), 1)
	assert.Equal(t, "Lynx", m.Opinions()[0].Evaluator.Name)

	wildfire, _ := m.Get("Wildfire")
	require.True(t, wildfire.Failed())
	assert.Len(t, wildfire.Failure.Error, dispatch.MaxErrorChars)

	bedrock, _ := m.Get("Bedrock")
	assert.Contains(t, bedrock.Failure.Error, "panicked")

	sentinel, _ := m.Get("Sentinel")
	assert.Contains(t, sentinel.Failure.Error, "timed out")

	prism, _ := m.Get("Prism")
	assert.True(t, prism.Failed())
}

func TestRetriesUpToLimit(t *testing.T) {
	var calls atomic.Int32
	flaky := evaluator.Func(func(context.Context, evaluator.Request) (domain.Opinion, error) {
		if calls.Add(1) == 1 {
			return domain.Opinion{}, errors.New("transient")
		}
		return goOpinion(0.6), nil
	})
	roster := evaluator.Roster{seat("Lynx", domain.RoleProductOperator, flaky)}

	d, err := dispatch.New(roster, dispatch.Options{MaxRetries: 1, RetryDelay: time.Millisecond, Logger: quietLogger()})
	require.NoError(t, err)
	m, err := d.RunAll(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, m.AllFailed())
	assert.Equal(t, int32(2), calls.Load())

	calls.Store(0)
	d, err = dispatch.New(roster, dispatch.Options{Logger: quietLogger()})
	require.NoError(t, err)
	m, err = d.RunAll(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, m.AllFailed())
	assert.Equal(t, 1, m.Failures()[0].Attempts)
	assert.Equal(t, int32(1), calls.Load())
}

func TestRunAllRespectsParallelLimit(t *testing.T) {
	var (
		mu      sync.Mutex
		running int
		peak    int
	)
	slow := evaluator.Func(func(context.Context, evaluator.Request) (domain.Opinion, error) {
		mu.Lock()
		running++
		if running > peak {
			peak = running
		}
		mu.Unlock()
		time.Sleep(20 * time.Millisecond)
		mu.Lock()
		running--
		mu.Unlock()
		return goOpinion(0.8), nil
	})
	var roster evaluator.Roster
	for _, name := range []string{"A", "B", "C", "D", "E"} {
		roster = append(roster, seat(name, domain.RoleProductOperator, slow))
	}
	d, err := dispatch.New(roster, dispatch.Options{MaxParallel: 2, Logger: quietLogger()})
	require.NoError(t, err)
	m, err := d.RunAll(context.Background(), req)
	require.NoError(t, err)
	assert.Len(t, m.Opinions(), 5)
	assert.LessOrEqual(t, peak, 2)
}

func TestRunAllReportsCalls(t *testing.T) {
	var started, finished, failed atomic.Int32
	obs := lifecycle.ObserverFunc(func(e lifecycle.Event) {
		switch e.Kind {
		case lifecycle.EventCallStarted:
			started.Add(1)
		case lifecycle.EventCallFinished:
			finished.Add(1)
			if e.Failed {
				failed.Add(1)
			}
		}
	})
	roster := evaluator.Roster{
		seat("Lynx", domain.RoleProductOperator, ok(0.5)),
		seat("Wildfire", domain.RoleGrowthDistribution, evaluator.Func(func(context.Context, evaluator.Request) (domain.Opinion, error) {
			return domain.Opinion{}, errors.New("down")
		})),
	}
	d, err := dispatch.New(roster, dispatch.Options{Observer: obs, Logger: quietLogger()})
	require.NoError(t, err)
	_, err = d.RunAll(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, int32(2), started.Load())
	assert.Equal(t, int32(2), finished.Load())
	assert.Equal(t, int32(1), failed.Load())
}

func TestCallerTimeoutAbortsRun(t *testing.T) {
	hang := evaluator.Func(func(ctx context.Context, _ evaluator.Request) (domain.Opinion, error) {
		<-ctx.Done()
		return domain.Opinion{}, ctx.Err()
	})
	roster := evaluator.Roster{seat("Lynx", domain.RoleProductOperator, hang)}
	d, err := dispatch.New(roster, dispatch.Options{CallTimeout: time.Minute, Logger: quietLogger()})
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = d.RunAll(ctx, req)
	assert.ErrorIs(t, err, dispatch.ErrAborted)
}

func TestConsultMatchesRunAllShape(t *testing.T) {
	roster := evaluator.Roster{
		seat("Lynx", domain.RoleProductOperator, ok(0.9)),
		seat("Razor", domain.RolePurist, ok(0.9)),
	}
	d, err := dispatch.New(roster, dispatch.Options{Logger: quietLogger()})
	require.NoError(t, err)

	_, err = d.Consult(context.Background(), "Nobody", req)
	assert.ErrorIs(t, err, dispatch.ErrUnknownEvaluator)

	lynx, err := d.Consult(context.Background(), "Lynx", req)
	require.NoError(t, err)
	assert.False(t, lynx.Failed())

	single := d.Assemble([]domain.Outcome{lynx})
	all, err := d.RunAll(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, all.Len(), single.Len())
	razor, _ := single.Get("Razor")
	assert.Equal(t, "not consulted", razor.Failure.Error)
	// a standard opinion from the purist seat is rejected
	razorAll, _ := all.Get("Razor")
	assert.True(t, razorAll.Failed())
}

func TestNewRejectsBadRoster(t *testing.T) {
	_, err := dispatch.New(nil, dispatch.Options{})
	assert.Error(t, err)
}
