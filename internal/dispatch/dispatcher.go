// Package dispatch fans one request out to every roster member and waits for
// all of them to settle.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"golang.org/x/sync/errgroup"

	"keystone/internal/domain"
	"keystone/internal/evaluator"
	"keystone/internal/lifecycle"
)

var (
	ErrUnknownEvaluator = errors.New("unknown evaluator")
	ErrAborted          = errors.New("board run aborted")
)

// MaxErrorChars bounds the error summary kept for a failed evaluator.
const MaxErrorChars = 200

type Options struct {
	// MaxRetries is the number of extra attempts after the first; 0 means one attempt.
	MaxRetries  int
	RetryDelay  time.Duration
	CallTimeout time.Duration
	// MaxParallel caps concurrent calls; 0 runs the whole roster at once.
	MaxParallel int
	Observer    lifecycle.Observer
	Logger      *log.Logger
}

type Dispatcher struct {
	roster evaluator.Roster
	opts   Options
}

func New(roster evaluator.Roster, opts Options) (*Dispatcher, error) {
	if err := roster.Validate(); err != nil {
		return nil, err
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	return &Dispatcher{roster: roster, opts: opts}, nil
}

func (d *Dispatcher) Roster() evaluator.Roster { return d.roster }

func (d *Dispatcher) logger() *log.Logger {
	if d.opts.Logger != nil {
		return d.opts.Logger
	}
	return log.Default()
}

// WithObserver returns a copy of d reporting to o instead.
func (d *Dispatcher) WithObserver(o lifecycle.Observer) *Dispatcher {
	cp := *d
	cp.opts.Observer = o
	return &cp
}

// Consult calls a single roster member. Evaluator failures are returned inside
// the Outcome; the error is only set for an unknown name.
func (d *Dispatcher) Consult(ctx context.Context, name string, req evaluator.Request) (domain.Outcome, error) {
	m, ok := d.roster.Lookup(name)
	if !ok {
		return domain.Outcome{}, fmt.Errorf("%w: %s", ErrUnknownEvaluator, name)
	}
	return d.call(ctx, m, req), nil
}

// Assemble builds an OpinionMap from individually consulted outcomes. Members
// that were never consulted are recorded as failures.
func (d *Dispatcher) Assemble(outcomes []domain.Outcome) domain.OpinionMap {
	byName := make(map[string]domain.Outcome, len(outcomes))
	for _, o := range outcomes {
		byName[o.Evaluator.Name] = o
	}
	ordered := make([]domain.Outcome, 0, len(d.roster))
	for _, m := range d.roster {
		o, ok := byName[m.Name]
		if !ok || (o.Opinion == nil && o.Failure == nil) {
			o = domain.Outcome{Evaluator: m.Member, Failure: &domain.Failure{Evaluator: m.Member, Error: "not consulted"}}
		}
		ordered = append(ordered, o)
	}
	return domain.NewOpinionMap(ordered)
}

// RunAll consults every member concurrently and returns once all calls have
// settled. It fails only when ctx ends before the fan-out completes.
func (d *Dispatcher) RunAll(ctx context.Context, req evaluator.Request) (domain.OpinionMap, error) {
	outcomes := make([]domain.Outcome, len(d.roster))
	var g errgroup.Group
	limit := d.opts.MaxParallel
	if limit <= 0 || limit > len(d.roster) {
		limit = len(d.roster)
	}
	g.SetLimit(limit)
	for i, m := range d.roster {
		g.Go(func() error {
			outcomes[i] = d.call(ctx, m, req)
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return domain.OpinionMap{}, fmt.Errorf("%w: %v", ErrAborted, err)
	}
	return domain.NewOpinionMap(outcomes), nil
}

func (d *Dispatcher) call(ctx context.Context, m evaluator.Member, req evaluator.Request) domain.Outcome {
	lifecycle.Notify(d.opts.Observer, lifecycle.Event{Kind: lifecycle.EventCallStarted, Evaluator: m.Name})
	attempts := d.opts.MaxRetries + 1
	var (
		lastErr error
		made    int
	)
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 && !sleep(ctx, d.opts.RetryDelay) {
			break
		}
		made = attempt
		op, err := d.attempt(ctx, m, req)
		if err == nil {
			lifecycle.Notify(d.opts.Observer, lifecycle.Event{Kind: lifecycle.EventCallFinished, Evaluator: m.Name})
			return domain.Outcome{Evaluator: m.Member, Opinion: &op}
		}
		lastErr = err
		d.logger().Printf("dispatch: %s attempt %d/%d failed: %v", m.Name, attempt, attempts, err)
		if ctx.Err() != nil {
			break
		}
	}
	if lastErr == nil {
		lastErr = ctx.Err()
	}
	lifecycle.Notify(d.opts.Observer, lifecycle.Event{Kind: lifecycle.EventCallFinished, Evaluator: m.Name, Failed: true})
	return domain.Outcome{
		Evaluator: m.Member,
		Failure: &domain.Failure{
			Evaluator: m.Member,
			Error:     domain.Truncate(lastErr.Error(), MaxErrorChars),
			Attempts:  made,
		},
	}
}

type result struct {
	op  domain.Opinion
	err error
}

// attempt runs one evaluator call in its own goroutine so a hung or panicking
// evaluator cannot outlive the call timeout or take down its siblings.
func (d *Dispatcher) attempt(ctx context.Context, m evaluator.Member, req evaluator.Request) (domain.Opinion, error) {
	callCtx, cancel := ctx, context.CancelFunc(func() {})
	if d.opts.CallTimeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, d.opts.CallTimeout)
	}
	defer cancel()

	ch := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- result{err: fmt.Errorf("evaluator panicked: %v", r)}
			}
		}()
		op, err := m.Evaluator.Evaluate(callCtx, req)
		ch <- result{op: op, err: err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			return domain.Opinion{}, r.err
		}
		r.op.Evaluator = m.Member
		if err := r.op.Validate(); err != nil {
			return domain.Opinion{}, err
		}
		return r.op, nil
	case <-callCtx.Done():
		if ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return domain.Opinion{}, fmt.Errorf("timed out after %s", d.opts.CallTimeout)
		}
		return domain.Opinion{}, callCtx.Err()
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
