// Package evaluator defines the specialist capability the board consults and
// the roster built once at startup.
package evaluator

import (
	"context"
	"fmt"

	"keystone/internal/domain"
)

// Request is what each evaluator receives for one board run.
type Request struct {
	domain.Request
	// History holds rendered lines of the owner's recent decisions.
	History  string
	MaxTurns int
}

// Evaluator produces one structured opinion or fails.
type Evaluator interface {
	Evaluate(ctx context.Context, req Request) (domain.Opinion, error)
}

// Func adapts a function to Evaluator.
type Func func(ctx context.Context, req Request) (domain.Opinion, error)

func (f Func) Evaluate(ctx context.Context, req Request) (domain.Opinion, error) {
	return f(ctx, req)
}

// Member is a roster seat bound to the evaluator that fills it.
type Member struct {
	domain.Member
	Description string
	Evaluator   Evaluator
}

type Roster []Member

// Validate requires unique names, a bound evaluator per seat and at most one purist.
func (r Roster) Validate() error {
	if len(r) == 0 {
		return fmt.Errorf("roster is empty")
	}
	seen := map[string]bool{}
	purists := 0
	for i, m := range r {
		if m.Name == "" {
			return fmt.Errorf("roster[%d] name is required", i)
		}
		if seen[m.Name] {
			return fmt.Errorf("roster has duplicate member %s", m.Name)
		}
		seen[m.Name] = true
		if m.Role == "" {
			return fmt.Errorf("roster member %s is missing a role", m.Name)
		}
		if m.Evaluator == nil {
			return fmt.Errorf("roster member %s has no evaluator", m.Name)
		}
		if m.IsPurist() {
			purists++
		}
	}
	if purists > 1 {
		return fmt.Errorf("roster has %d purist members; at most one is allowed", purists)
	}
	return nil
}

func (r Roster) Lookup(name string) (Member, bool) {
	for _, m := range r {
		if m.Name == name {
			return m, true
		}
	}
	return Member{}, false
}

func (r Roster) Members() []domain.Member {
	out := make([]domain.Member, 0, len(r))
	for _, m := range r {
		out = append(out, m.Member)
	}
	return out
}
