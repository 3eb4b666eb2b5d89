package phase

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"turnforge/internal/collab"
	"turnforge/internal/turn"
)

// briefTokenBudgets sizes the per-participant generation budget by depth.
var briefTokenBudgets = map[turn.NarrativeDepth]int{
	turn.DepthBasic:         200,
	turn.DepthStandard:      500,
	turn.DepthDetailed:      1000,
	turn.DepthComprehensive: 2000,
}

// SubjectiveBriefExecutor produces one AI-generated situation brief per
// participant from the world changes that affect them.
type SubjectiveBriefExecutor struct{}

// NewSubjectiveBriefExecutor returns the executor for the second phase.
func NewSubjectiveBriefExecutor() *SubjectiveBriefExecutor { return &SubjectiveBriefExecutor{} }

// Phase implements Executor.
func (e *SubjectiveBriefExecutor) Phase() turn.PhaseType { return turn.PhaseSubjectiveBrief }

// Precondition implements Executor.
func (e *SubjectiveBriefExecutor) Precondition(ec *ExecutionContext) error {
	if ec.Config.AIEnabledForPhase(turn.PhaseSubjectiveBrief) && len(ec.Participants) == 0 {
		return turn.NewError(turn.KindPrecondition, "subjective brief requires at least one participant")
	}
	return nil
}

// Execute implements Executor.
func (e *SubjectiveBriefExecutor) Execute(ctx context.Context, ec *ExecutionContext) (turn.PhaseResult, error) {
	if !ec.Config.AIEnabledForPhase(turn.PhaseSubjectiveBrief) {
		return aiDisabledResult(ec), nil
	}

	changesResp, err := ec.Call(ctx, collab.TargetWorld, "get_recent_changes", nil)
	if err != nil {
		return ec.FailResult(turn.KindCollaborator, fmt.Sprintf("gather world changes failed: %v", err), nil), nil
	}
	changes, _ := changesResp.Field("changes")
	worldChanges, _ := changes.([]collab.WorldChange)

	budget := briefTokenBudgets[ec.Config.NarrativeDepth]
	if budget == 0 {
		budget = briefTokenBudgets[turn.DepthStandard]
	}

	validBriefs := 0
	for _, participant := range ec.Participants {
		relevant := relevantChanges(worldChanges, participant)

		agentResp, err := ec.Call(ctx, collab.TargetAgent, "get_agent_context", map[string]interface{}{
			"agent_id": participant,
		})
		if err != nil || !agentResp.Success {
			continue
		}

		prompt := briefPrompt(participant, relevant, agentResp.Fields, ec.Config.NarrativeDepth)
		genResp, err := ec.Call(ctx, collab.TargetAIGateway, "generate", map[string]interface{}{
			"prompt":      prompt,
			"max_tokens":  budget,
			"temperature": ec.Config.AITemperature,
			"keywords":    changeKinds(relevant),
		})
		if err != nil || !genResp.Success {
			continue
		}

		cost, _ := decimal.NewFromString(genResp.StringField("cost"))
		ec.RecordAI("generate_brief", genResp.StringField("provider"), genResp.StringField("model"),
			genResp.IntField("tokens_used"), cost)

		content := genResp.StringField("content")
		if !validBrief(content) {
			continue
		}
		if _, err := ec.Call(ctx, collab.TargetAgent, "deliver_brief", map[string]interface{}{
			"agent_id": participant,
			"content":  content,
		}); err != nil {
			continue
		}
		ec.AddGeneratedEvent("subjective_brief_generated")
		ec.AddArtifact("brief:" + participant)
		validBriefs++
	}

	success := validBriefs*2 > len(ec.Participants)
	ec.SetPerf("valid_briefs", float64(validBriefs))
	result := ec.BuildResult(success, validBriefs, map[string]interface{}{
		"valid_briefs":    validBriefs,
		"participants":    len(ec.Participants),
		"narrative_depth": string(ec.Config.NarrativeDepth),
	})
	if !success {
		result.ErrorKind = string(turn.KindCollaborator)
		result.ErrorMessage = fmt.Sprintf("only %d of %d participants produced a valid brief", validBriefs, len(ec.Participants))
	}
	return result, nil
}

// relevantChanges selects changes affecting the participant or the whole
// world.
func relevantChanges(changes []collab.WorldChange, participant string) []collab.WorldChange {
	var out []collab.WorldChange
	for _, c := range changes {
		if c.Area == "global" {
			out = append(out, c)
			continue
		}
		for _, e := range c.AffectedEntities {
			if e == participant {
				out = append(out, c)
				break
			}
		}
	}
	return out
}

func changeKinds(changes []collab.WorldChange) []string {
	seen := map[string]bool{}
	var out []string
	for _, c := range changes {
		if !seen[c.Kind] {
			seen[c.Kind] = true
			out = append(out, c.Kind)
		}
	}
	return out
}

func briefPrompt(participant string, changes []collab.WorldChange, agentState map[string]interface{}, depth turn.NarrativeDepth) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Write a %s situation brief for %s covering %d relevant world changes.", depth, participant, len(changes))
	for _, c := range changes {
		fmt.Fprintf(&b, " Change: %s in %s.", c.Kind, c.Area)
	}
	if state, ok := agentState["state"].(map[string]interface{}); ok {
		if goals, ok := state["goals"].([]string); ok {
			fmt.Fprintf(&b, " Goals: %s.", strings.Join(goals, ", "))
		}
	}
	return b.String()
}

// validBrief enforces the minimum content bar: non-empty, at least 5 words.
func validBrief(content string) bool {
	return len(strings.Fields(strings.TrimSpace(content))) >= 5
}
