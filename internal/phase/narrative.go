package phase

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"turnforge/internal/collab"
	"turnforge/internal/turn"
)

// narrativeTokenBudgets sizes the per-perspective budget by depth.
var narrativeTokenBudgets = map[turn.NarrativeDepth]int{
	turn.DepthBasic:         300,
	turn.DepthStandard:      800,
	turn.DepthDetailed:      1500,
	turn.DepthComprehensive: 3000,
}

// narrativeModels selects the generation model by depth.
var narrativeModels = map[turn.NarrativeDepth]string{
	turn.DepthBasic:         "stub-small",
	turn.DepthStandard:      "stub-small",
	turn.DepthDetailed:      "stub-large",
	turn.DepthComprehensive: "stub-large",
}

// NarrativeIntegrationExecutor turns the turn's event stream into story-arc
// updates, one generation per active narrative perspective.
type NarrativeIntegrationExecutor struct{}

// NewNarrativeIntegrationExecutor returns the executor for the final phase.
func NewNarrativeIntegrationExecutor() *NarrativeIntegrationExecutor {
	return &NarrativeIntegrationExecutor{}
}

// Phase implements Executor.
func (e *NarrativeIntegrationExecutor) Phase() turn.PhaseType { return turn.PhaseNarrativeIntegration }

// Precondition implements Executor.
func (e *NarrativeIntegrationExecutor) Precondition(*ExecutionContext) error { return nil }

// Execute implements Executor.
func (e *NarrativeIntegrationExecutor) Execute(ctx context.Context, ec *ExecutionContext) (turn.PhaseResult, error) {
	if !ec.Config.AIEnabledForPhase(turn.PhaseNarrativeIntegration) {
		return aiDisabledResult(ec), nil
	}

	eventKinds := e.gatherTurnEvents(ec)

	perspectivesResp, err := ec.Call(ctx, collab.TargetNarrative, "get_active_perspectives", nil)
	if err != nil {
		return ec.FailResult(turn.KindCollaborator, fmt.Sprintf("resolve perspectives failed: %v", err), nil), nil
	}
	field, _ := perspectivesResp.Field("perspectives")
	perspectives, _ := field.([]string)
	if len(perspectives) == 0 {
		perspectives = []string{"omniscient"}
	}

	budget := narrativeTokenBudgets[ec.Config.NarrativeDepth]
	if budget == 0 {
		budget = narrativeTokenBudgets[turn.DepthStandard]
	}
	budget += eventVolumeBonus(len(eventKinds))
	model := narrativeModels[ec.Config.NarrativeDepth]

	valid := 0
	failures := 0
	for _, perspective := range perspectives {
		prompt := narrativePrompt(perspective, eventKinds, ec.Config)
		genResp, err := ec.Call(ctx, collab.TargetAIGateway, "generate", map[string]interface{}{
			"prompt":      prompt,
			"max_tokens":  budget,
			"temperature": ec.Config.AITemperature,
			"model":       model,
			"keywords":    eventKinds,
		})
		if err != nil || !genResp.Success {
			failures++
			continue
		}

		cost, _ := decimal.NewFromString(genResp.StringField("cost"))
		ec.RecordAI("generate_narrative", genResp.StringField("provider"), genResp.StringField("model"),
			genResp.IntField("tokens_used"), cost)

		content := genResp.StringField("content")
		if !validNarrative(content, eventKinds) {
			failures++
			continue
		}
		if _, err := ec.Call(ctx, collab.TargetNarrative, "update_story_arcs", map[string]interface{}{
			"perspective": perspective,
			"content":     content,
		}); err != nil {
			failures++
			continue
		}
		ec.AddGeneratedEvent("narrative_updated")
		ec.AddArtifact("narrative:" + perspective)
		valid++
	}

	success := valid*2 > len(perspectives) && failures == 0
	ec.SetPerf("valid_narratives", float64(valid))
	ec.SetPerf("narrative_failures", float64(failures))
	result := ec.BuildResult(success, valid, map[string]interface{}{
		"perspectives":     perspectives,
		"valid_narratives": valid,
		"failures":         failures,
		"token_budget":     budget,
	})
	if !success {
		result.ErrorKind = string(turn.KindCollaborator)
		result.ErrorMessage = fmt.Sprintf("%d of %d perspectives produced valid narrative (%d failures)",
			valid, len(perspectives), failures)
	}
	return result, nil
}

// gatherTurnEvents collects event kinds generated across all prior phases
// plus the standard world-update kinds, deduplicated in encounter order.
func (e *NarrativeIntegrationExecutor) gatherTurnEvents(ec *ExecutionContext) []string {
	seen := map[string]bool{}
	var out []string
	add := func(kind string) {
		if kind != "" && !seen[kind] {
			seen[kind] = true
			out = append(out, kind)
		}
	}
	prior, ok := ec.Metadata["prior_results"].(map[string]interface{})
	if ok {
		for _, pt := range turn.AllPhases() {
			entry, ok := prior[pt.String()].(map[string]interface{})
			if !ok {
				continue
			}
			switch events := entry["events_generated"].(type) {
			case []string:
				for _, kind := range events {
					add(kind)
				}
			case []interface{}:
				for _, kind := range events {
					if s, ok := kind.(string); ok {
						add(s)
					}
				}
			}
		}
	}
	if len(out) == 0 {
		add("turn_world_update_completed")
	}
	return out
}

// eventVolumeBonus grants extra tokens for busy turns, capped at 500.
func eventVolumeBonus(events int) int {
	bonus := events * 50
	if bonus > 500 {
		bonus = 500
	}
	return bonus
}

func narrativePrompt(perspective string, eventKinds []string, cfg turn.Configuration) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Narrate this turn from the %s perspective at %s depth.", perspective, cfg.NarrativeDepth)
	fmt.Fprintf(&b, " Events: %s.", strings.Join(eventKinds, ", "))
	if len(cfg.NarrativeThemes) > 0 {
		fmt.Fprintf(&b, " Themes: %s.", strings.Join(cfg.NarrativeThemes, ", "))
	}
	return b.String()
}

// validNarrative enforces the content bar: at least 50 characters, at least
// 20 words, and a reference to at least one event kind.
func validNarrative(content string, eventKinds []string) bool {
	trimmed := strings.TrimSpace(content)
	if len(trimmed) < 50 || len(strings.Fields(trimmed)) < 20 {
		return false
	}
	for _, kind := range eventKinds {
		if strings.Contains(trimmed, kind) {
			return true
		}
	}
	return len(eventKinds) == 0
}
