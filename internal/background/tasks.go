// Package background tracks deferred work that must finish before shutdown.
package background

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"
)

var ErrClosed = errors.New("task set is draining")

// Task is a handle to one deferred job.
type Task struct {
	Name string
	done chan struct{}
	err  error
}

// Wait blocks until the task finishes or ctx ends.
func (t *Task) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed when the task has finished.
func (t *Task) Done() <-chan struct{} { return t.done }

// Set is a bounded set of running tasks.
type Set struct {
	Logger *log.Logger

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	slots   chan struct{}
	pending map[*Task]struct{}
	wg      sync.WaitGroup
	closed  bool
}

// NewSet allows at most limit tasks to run at once; limit <= 0 means 16.
func NewSet(limit int) *Set {
	if limit <= 0 {
		limit = 16
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Set{
		ctx:     ctx,
		cancel:  cancel,
		slots:   make(chan struct{}, limit),
		pending: map[*Task]struct{}{},
	}
}

func (s *Set) logger() *log.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return log.Default()
}

// Go starts fn in the background. It blocks while the set is full.
func (s *Set) Go(name string, fn func(ctx context.Context) error) (*Task, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	task := &Task{Name: name, done: make(chan struct{})}
	s.pending[task] = struct{}{}
	s.wg.Add(1)
	s.mu.Unlock()

	select {
	case s.slots <- struct{}{}:
	case <-s.ctx.Done():
		s.finish(task, s.ctx.Err())
		return task, nil
	}
	go func() {
		defer func() { <-s.slots }()
		var err error
		func() {
			defer func() {
				if r := recover(); r != nil {
					err = errors.New("task panicked")
					s.logger().Printf("background: %s panicked: %v", name, r)
				}
			}()
			err = fn(s.ctx)
		}()
		if err != nil && !errors.Is(err, context.Canceled) {
			s.logger().Printf("background: %s failed: %v", name, err)
		}
		s.finish(task, err)
	}()
	return task, nil
}

func (s *Set) finish(t *Task, err error) {
	s.mu.Lock()
	delete(s.pending, t)
	s.mu.Unlock()
	t.err = err
	close(t.done)
	s.wg.Done()
}

// Pending returns the number of unfinished tasks.
func (s *Set) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Drain stops accepting tasks and waits up to timeout for running ones. Tasks
// still running after the timeout are cancelled and the count is returned.
func (s *Set) Drain(timeout time.Duration) int {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	finished := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		s.cancel()
		return 0
	case <-time.After(timeout):
	}

	s.mu.Lock()
	var names []string
	for t := range s.pending {
		names = append(names, t.Name)
	}
	s.mu.Unlock()
	s.cancel()
	s.logger().Printf("background: cancelled %d pending task(s) after %s: %v", len(names), timeout, names)
	return len(names)
}
