package phase

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"turnforge/internal/collab"
	"turnforge/internal/turn"
)

// interactionOpportunity is one candidate session before scheduling.
type interactionOpportunity struct {
	sessionType  string
	participants []string
	priority     float64
}

// InteractionOrchestrationExecutor finds interaction opportunities among
// the participants, schedules non-overlapping sessions, and runs them
// through the interaction context with bounded parallelism.
type InteractionOrchestrationExecutor struct{}

// NewInteractionOrchestrationExecutor returns the executor for the third
// phase.
func NewInteractionOrchestrationExecutor() *InteractionOrchestrationExecutor {
	return &InteractionOrchestrationExecutor{}
}

// Phase implements Executor.
func (e *InteractionOrchestrationExecutor) Phase() turn.PhaseType {
	return turn.PhaseInteractionOrchestration
}

// Precondition implements Executor.
func (e *InteractionOrchestrationExecutor) Precondition(ec *ExecutionContext) error {
	if len(ec.Participants) == 0 {
		return turn.NewError(turn.KindPrecondition, "interaction orchestration requires participants")
	}
	return nil
}

// Execute implements Executor.
func (e *InteractionOrchestrationExecutor) Execute(ctx context.Context, ec *ExecutionContext) (turn.PhaseResult, error) {
	opportunities := analyzeOpportunities(ec.Participants)
	sessions := scheduleSessions(opportunities, ec.Config.MaxConcurrentOperations)

	maxParallel := int64(ec.Config.MaxConcurrentOperations)
	if maxParallel < 1 {
		maxParallel = 1
	}
	sem := semaphore.NewWeighted(maxParallel)

	type sessionOutcome struct {
		resolved bool
		summary  map[string]interface{}
		call     turn.CrossContextCall
	}
	outcomes := make(chan sessionOutcome, len(sessions))

	for _, op := range sessions {
		if err := sem.Acquire(ctx, 1); err != nil {
			return ec.FailResult(turn.KindTimeout, fmt.Sprintf("session scheduling cancelled: %v", err), nil), nil
		}
		go func(op interactionOpportunity) {
			defer sem.Release(1)
			params := map[string]interface{}{
				"turn_id":      ec.TurnID,
				"session_type": op.sessionType,
				"participants": op.participants,
			}
			start := time.Now()
			resp, err := ec.caller.Call(ctx, collab.TargetInteraction, "execute_session", params)
			out := sessionOutcome{call: turn.CrossContextCall{
				CallID:     uuid.NewString(),
				Target:     collab.TargetInteraction,
				Operation:  "execute_session",
				Parameters: params,
				DurationMS: time.Since(start).Milliseconds(),
				Timestamp:  start.UTC(),
			}}
			if err == nil && resp != nil && resp.Success {
				out.resolved = true
				out.summary = resp.Fields
				out.call.Success = true
				out.call.Response = resp.Fields
			}
			outcomes <- out
		}(op)
	}

	// Workers hand their call records back over the channel; the context's
	// call log is only touched from this goroutine.
	resolved := 0
	var summaries []map[string]interface{}
	for range sessions {
		out := <-outcomes
		ec.calls = append(ec.calls, out.call)
		if out.resolved {
			resolved++
			summaries = append(summaries, out.summary)
			ec.AddGeneratedEvent("interaction_session_completed")
		}
	}

	completionRate := 0.0
	if len(sessions) > 0 {
		completionRate = float64(resolved) / float64(len(sessions))
	}
	success := completionRate > 0.3 || len(sessions) == 0
	ec.SetPerf("sessions_formed", float64(len(sessions)))
	ec.SetPerf("completion_rate", completionRate)

	result := ec.BuildResult(success, resolved, map[string]interface{}{
		"sessions_formed":     len(sessions),
		"sessions_resolved":   resolved,
		"completion_rate":     completionRate,
		"interaction_summary": summaries,
	})
	if !success {
		result.ErrorKind = string(turn.KindCollaborator)
		result.ErrorMessage = fmt.Sprintf("interaction completion rate %.2f below threshold", completionRate)
	}
	return result, nil
}

// agentSessionTypes cycles the agent-to-agent session subtypes.
var agentSessionTypes = []string{"negotiation", "cooperation", "conflict", "general"}

// analyzeOpportunities enumerates candidate sessions: pairwise agent-agent,
// one environment session per agent, NPC encounters, and a multi-agent
// collaboration when three or more participants are present. Priority
// blends type weight, proximity, and goal alignment; the stub scores
// deterministically from the participant names.
func analyzeOpportunities(participants []string) []interactionOpportunity {
	var out []interactionOpportunity

	for i := 0; i < len(participants); i++ {
		for j := i + 1; j < len(participants); j++ {
			sessionType := agentSessionTypes[(i+j)%len(agentSessionTypes)]
			out = append(out, interactionOpportunity{
				sessionType:  sessionType,
				participants: []string{participants[i], participants[j]},
				priority:     typeWeight(sessionType) + proximity(participants[i], participants[j]) + goalAlignment(participants[i], participants[j]),
			})
		}
	}
	for _, p := range participants {
		out = append(out, interactionOpportunity{
			sessionType:  "environment",
			participants: []string{p},
			priority:     typeWeight("environment") + proximity(p, "environment"),
		})
		out = append(out, interactionOpportunity{
			sessionType:  "npc_encounter",
			participants: []string{p},
			priority:     typeWeight("npc_encounter") + proximity(p, "npc"),
		})
	}
	if len(participants) >= 3 {
		out = append(out, interactionOpportunity{
			sessionType:  "collaboration",
			participants: append([]string(nil), participants...),
			priority:     typeWeight("collaboration") + float64(len(participants))*0.1,
		})
	}
	return out
}

func typeWeight(sessionType string) float64 {
	switch sessionType {
	case "negotiation":
		return 0.9
	case "conflict":
		return 0.85
	case "cooperation":
		return 0.8
	case "collaboration":
		return 0.75
	case "npc_encounter":
		return 0.5
	case "environment":
		return 0.4
	default:
		return 0.3
	}
}

// proximity and goalAlignment are deterministic stand-ins for spatial and
// motivational scoring; they hash the names into [0, 0.3).
func proximity(a, b string) float64    { return float64(nameHash(a+b)%30) / 100 }
func goalAlignment(a, b string) float64 { return float64(nameHash(b+a)%30) / 100 }

func nameHash(s string) int {
	h := 0
	for _, r := range s {
		h = h*31 + int(r)
	}
	if h < 0 {
		h = -h
	}
	return h
}

// scheduleSessions greedily picks the highest-priority opportunities whose
// participants do not overlap, capped at maxSessions.
func scheduleSessions(opportunities []interactionOpportunity, maxSessions int) []interactionOpportunity {
	if maxSessions < 1 {
		maxSessions = 1
	}
	sorted := append([]interactionOpportunity(nil), opportunities...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].priority > sorted[j].priority })

	busy := map[string]bool{}
	var scheduled []interactionOpportunity
	for _, op := range sorted {
		if len(scheduled) >= maxSessions {
			break
		}
		overlap := false
		for _, p := range op.participants {
			if busy[p] {
				overlap = true
				break
			}
		}
		if overlap {
			continue
		}
		for _, p := range op.participants {
			busy[p] = true
		}
		scheduled = append(scheduled, op)
	}
	return scheduled
}
