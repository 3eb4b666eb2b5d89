package collab

import (
	"context"
	"errors"
	"testing"
)

type flakyCollaborator struct {
	name     string
	failures int
	calls    int
}

func (f *flakyCollaborator) Name() string { return f.name }

func (f *flakyCollaborator) Handle(_ context.Context, operation string, _ map[string]interface{}) (*Response, error) {
	f.calls++
	if f.calls <= f.failures {
		return nil, errors.New("transport down")
	}
	return OK(map[string]interface{}{"operation": operation}), nil
}

func TestRegistry_UnknownTarget(t *testing.T) {
	r := NewRegistry()
	_, err := r.Call(context.Background(), "nowhere", "noop", nil)
	var unknown *UnknownTargetError
	if !errors.As(err, &unknown) {
		t.Fatalf("expected UnknownTargetError, got %v", err)
	}
}

func TestRegistry_Dispatch(t *testing.T) {
	r := NewRegistry()
	r.Register(&flakyCollaborator{name: "echo"})
	resp, err := r.Call(context.Background(), "echo", "ping", nil)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if !resp.Success || resp.StringField("operation") != "ping" {
		t.Errorf("unexpected response: %+v", resp)
	}
}

func TestRegistry_BreakerOpensAfterConsecutiveFailures(t *testing.T) {
	r := NewRegistry()
	down := &flakyCollaborator{name: "down", failures: 1000}
	r.Register(down)

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if _, err := r.Call(ctx, "down", "ping", nil); err == nil {
			t.Fatalf("call %d should fail", i)
		}
	}
	// Breaker is open now: the collaborator stops being invoked.
	if _, err := r.Call(ctx, "down", "ping", nil); err == nil {
		t.Fatal("expected open-breaker error")
	}
	if down.calls != 5 {
		t.Errorf("collaborator called %d times, want 5 (breaker short-circuit)", down.calls)
	}
}

func TestRegistry_ContextCancellation(t *testing.T) {
	r := NewRegistry()
	r.Register(&flakyCollaborator{name: "echo"})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := r.Call(ctx, "echo", "ping", nil); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestRegistry_AppFailureDoesNotTripBreaker(t *testing.T) {
	r := NewDefaultRegistry()
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		resp, err := r.Call(ctx, TargetWorld, "bogus_operation", nil)
		if err != nil {
			t.Fatalf("app-level failure must not error: %v", err)
		}
		if resp.Success {
			t.Fatal("bogus operation should report failure")
		}
	}
	// Breaker still closed: a real operation goes through.
	resp, err := r.Call(ctx, TargetWorld, "get_world_state", nil)
	if err != nil || !resp.Success {
		t.Fatalf("breaker should remain closed: resp=%+v err=%v", resp, err)
	}
}
