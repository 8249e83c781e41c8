package core

import (
	"context"
	"time"

	"github.com/sony/gobreaker"
)

// CircuitBreaker protects an outbound tool call (shell, HTTP, git, docker)
// from cascading failures, mirroring the teacher framework's CircuitBreaker
// interface but backed by sony/gobreaker rather than a hand-rolled state
// machine.
type CircuitBreaker interface {
	Execute(ctx context.Context, fn func(ctx context.Context) (interface{}, error)) (interface{}, error)
}

// GoBreaker wraps gobreaker.CircuitBreaker behind the CircuitBreaker
// interface, one instance per tool category so a failing shell tool can't
// trip the breaker guarding the git tool.
type GoBreaker struct {
	cb *gobreaker.CircuitBreaker
}

// NewGoBreaker builds a per-category circuit breaker. name is typically
// the tool category, e.g. "shell".
func NewGoBreaker(name string) *GoBreaker {
	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    30 * time.Second,
		Timeout:     15 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	}
	return &GoBreaker{cb: gobreaker.NewCircuitBreaker(settings)}
}

func (g *GoBreaker) Execute(ctx context.Context, fn func(ctx context.Context) (interface{}, error)) (interface{}, error) {
	return g.cb.Execute(func() (interface{}, error) {
		return fn(ctx)
	})
}
