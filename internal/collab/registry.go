package collab

import (
	"context"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"turnforge/internal/logging"
)

// Registry routes calls to registered collaborators, wrapping each target in
// a circuit breaker so a misbehaving context fails fast instead of eating
// phase timeouts.
type Registry struct {
	mu       sync.RWMutex
	targets  map[string]Collaborator
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		targets:  make(map[string]Collaborator),
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// NewDefaultRegistry returns a registry with the in-memory collaborators
// registered under their well-known names.
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	world := NewWorldContext()
	r.Register(world)
	r.Register(NewAgentContext())
	r.Register(NewAIGateway())
	r.Register(NewInteractionContext())
	r.Register(NewEventContext(world))
	r.Register(NewNarrativeContext())
	return r
}

// Register adds or replaces a collaborator and resets its breaker.
func (r *Registry) Register(c Collaborator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := c.Name()
	r.targets[name] = c
	r.breakers[name] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     15 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.CollabWarn("circuit breaker %s: %s -> %s", name, from.String(), to.String())
		},
	})
}

// Targets lists the registered target names.
func (r *Registry) Targets() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.targets))
	for name := range r.targets {
		out = append(out, name)
	}
	return out
}

// Call dispatches one operation. Transport errors (handler error returns,
// context expiry, open breaker) surface as errors; application failures
// come back as Response.Success=false and do not trip the breaker.
func (r *Registry) Call(ctx context.Context, target, operation string, params map[string]interface{}) (*Response, error) {
	r.mu.RLock()
	c, ok := r.targets[target]
	breaker := r.breakers[target]
	r.mu.RUnlock()
	if !ok {
		return nil, &UnknownTargetError{Target: target}
	}

	start := time.Now()
	result, err := breaker.Execute(func() (interface{}, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return c.Handle(ctx, operation, params)
	})
	elapsed := time.Since(start)

	if err != nil {
		logging.CollabWarn("call %s.%s failed after %dms: %v", target, operation, elapsed.Milliseconds(), err)
		return nil, err
	}
	resp := result.(*Response)
	if !resp.Success {
		logging.CollabDebug("call %s.%s returned failure (%s)", target, operation, resp.ErrorType)
	}
	return resp, nil
}

// UnknownTargetError reports a call to an unregistered target.
type UnknownTargetError struct {
	Target string
}

func (e *UnknownTargetError) Error() string {
	return "collab: unknown target " + e.Target
}
