package turn

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// NarrativeDepth controls prompt/token budgets for AI-backed phases.
type NarrativeDepth string

const (
	DepthBasic         NarrativeDepth = "basic"
	DepthStandard      NarrativeDepth = "standard"
	DepthDetailed      NarrativeDepth = "detailed"
	DepthComprehensive NarrativeDepth = "comprehensive"
)

// Valid reports whether d is a known depth.
func (d NarrativeDepth) Valid() bool {
	switch d {
	case DepthBasic, DepthStandard, DepthDetailed, DepthComprehensive:
		return true
	}
	return false
}

// costMultiplier scales the AI cost estimate per depth.
func (d NarrativeDepth) costMultiplier() decimal.Decimal {
	switch d {
	case DepthBasic:
		return decimal.NewFromFloat(0.5)
	case DepthDetailed:
		return decimal.NewFromFloat(2.0)
	case DepthComprehensive:
		return decimal.NewFromFloat(4.0)
	default:
		return decimal.NewFromInt(1)
	}
}

// Default per-phase timeouts.
var defaultPhaseTimeouts = map[PhaseType]time.Duration{
	PhaseWorldUpdate:              5 * time.Second,
	PhaseSubjectiveBrief:          10 * time.Second,
	PhaseInteractionOrchestration: 12 * time.Second,
	PhaseEventIntegration:         3 * time.Second,
	PhaseNarrativeIntegration:     8 * time.Second,
}

// baseAICost anchors the per-turn cost estimate before depth scaling.
var baseAICost = decimal.NewFromFloat(0.5)

// perParticipantAICost is added to the estimate for each participant.
var perParticipantAICost = decimal.NewFromFloat(0.2)

// Configuration is the immutable record of turn execution knobs. Construct
// via DefaultConfiguration and adjust fields before the first use; once a
// Turn is created around it, the configuration must not change.
type Configuration struct {
	WorldTimeAdvanceSec     int                    `json:"world_time_advance"`
	AIEnabled               bool                   `json:"ai_integration_enabled"`
	NarrativeDepth          NarrativeDepth         `json:"narrative_analysis_depth"`
	MaxExecutionTimeMS      int64                  `json:"max_execution_time_ms"`
	RollbackEnabled         bool                   `json:"rollback_enabled"`
	MaxAICost               *decimal.Decimal       `json:"max_ai_cost,omitempty"`
	MaxMemoryMB             int                    `json:"max_memory_mb,omitempty"`
	MaxConcurrentOperations int                    `json:"max_concurrent_operations"`
	Participants            []string               `json:"participants,omitempty"`
	ExcludedAgents          []string               `json:"excluded_agents,omitempty"`
	RequiredAgents          []string               `json:"required_agents,omitempty"`
	DisabledPhases          []string               `json:"disabled_phases,omitempty"`
	PhaseTimeoutsMS         map[string]int64       `json:"phase_timeouts_ms,omitempty"`
	AITemperature           float64                `json:"ai_temperature"`
	AIMaxTokens             int                    `json:"ai_max_tokens"`
	NarrativeThemes         []string               `json:"narrative_themes,omitempty"`
	FailFastOnPhaseFailure  bool                   `json:"fail_fast_on_phase_failure"`
	MaxParticipants         int                    `json:"max_participants"`
	Metadata                map[string]interface{} `json:"metadata,omitempty"`
}

// DefaultConfiguration returns the standard knob settings.
func DefaultConfiguration() Configuration {
	return Configuration{
		WorldTimeAdvanceSec:     60,
		AIEnabled:               true,
		NarrativeDepth:          DepthStandard,
		MaxExecutionTimeMS:      45000,
		RollbackEnabled:         true,
		MaxConcurrentOperations: 3,
		AITemperature:           0.7,
		AIMaxTokens:             1000,
		MaxParticipants:         10,
	}
}

// PhaseTimeout resolves the timeout for a phase: configured override first,
// then the built-in default.
func (c Configuration) PhaseTimeout(phase PhaseType) time.Duration {
	if ms, ok := c.PhaseTimeoutsMS[phase.String()]; ok && ms > 0 {
		return time.Duration(ms) * time.Millisecond
	}
	return defaultPhaseTimeouts[phase]
}

// TotalPhaseTimeout sums the timeouts of all enabled phases.
func (c Configuration) TotalPhaseTimeout() time.Duration {
	var total time.Duration
	for _, pt := range AllPhases() {
		if c.IsPhaseEnabled(pt) {
			total += c.PhaseTimeout(pt)
		}
	}
	return total
}

// IsPhaseEnabled reports whether a phase participates in the pipeline.
func (c Configuration) IsPhaseEnabled(phase PhaseType) bool {
	for _, name := range c.DisabledPhases {
		if name == phase.String() {
			return false
		}
	}
	return true
}

// AIEnabledForPhase reports whether AI calls are allowed for a phase. Only
// the brief and narrative phases ever use the AI gateway.
func (c Configuration) AIEnabledForPhase(phase PhaseType) bool {
	if !c.AIEnabled {
		return false
	}
	return phase == PhaseSubjectiveBrief || phase == PhaseNarrativeIntegration
}

// EstimatedAICost projects the turn's AI spend: base cost scaled by the
// narrative depth plus a per-participant increment. Zero when AI is disabled.
func (c Configuration) EstimatedAICost() decimal.Decimal {
	if !c.AIEnabled {
		return decimal.Zero
	}
	participants := decimal.NewFromInt(int64(len(c.Participants)))
	return baseAICost.Mul(c.NarrativeDepth.costMultiplier()).
		Add(perParticipantAICost.Mul(participants))
}

// Validate returns every configuration violation found. An empty slice means
// the configuration is usable.
func (c Configuration) Validate() []error {
	var errs []error

	if c.WorldTimeAdvanceSec <= 0 {
		errs = append(errs, fmt.Errorf("world_time_advance must be > 0 seconds, got %d", c.WorldTimeAdvanceSec))
	}
	if !c.NarrativeDepth.Valid() {
		errs = append(errs, fmt.Errorf("narrative_analysis_depth %q is not one of basic/standard/detailed/comprehensive", c.NarrativeDepth))
	}
	if c.MaxExecutionTimeMS <= 0 {
		errs = append(errs, fmt.Errorf("max_execution_time_ms must be > 0, got %d", c.MaxExecutionTimeMS))
	}
	if c.MaxAICost != nil && !c.MaxAICost.IsPositive() {
		errs = append(errs, fmt.Errorf("max_ai_cost must be > 0, got %s", c.MaxAICost))
	}
	if c.AITemperature < 0 || c.AITemperature > 2 {
		errs = append(errs, fmt.Errorf("ai_temperature must be within [0,2], got %g", c.AITemperature))
	}
	if c.AIMaxTokens <= 0 {
		errs = append(errs, fmt.Errorf("ai_max_tokens must be > 0, got %d", c.AIMaxTokens))
	}
	if c.MaxParticipants > 0 && len(c.Participants) > c.MaxParticipants {
		errs = append(errs, fmt.Errorf("participants %d exceed max_participants %d", len(c.Participants), c.MaxParticipants))
	}

	for name, ms := range c.PhaseTimeoutsMS {
		if _, err := ParsePhaseType(name); err != nil {
			errs = append(errs, fmt.Errorf("phase_timeouts_ms references unknown phase %q", name))
			continue
		}
		if ms <= 0 {
			errs = append(errs, fmt.Errorf("phase timeout for %s must be > 0 ms, got %d", name, ms))
		}
	}
	for _, name := range c.DisabledPhases {
		if _, err := ParsePhaseType(name); err != nil {
			errs = append(errs, fmt.Errorf("disabled_phases references unknown phase %q", name))
		}
	}

	if total := c.TotalPhaseTimeout(); total.Milliseconds() > c.MaxExecutionTimeMS && c.MaxExecutionTimeMS > 0 {
		errs = append(errs, fmt.Errorf("sum of phase timeouts %v exceeds max execution time %dms", total, c.MaxExecutionTimeMS))
	}

	if c.MaxAICost != nil {
		if est := c.EstimatedAICost(); est.GreaterThan(*c.MaxAICost) {
			errs = append(errs, fmt.Errorf("estimated AI cost %s exceeds max_ai_cost %s", est, c.MaxAICost))
		}
	}

	// Required agents must be participants; excluded and required sets are disjoint.
	participants := make(map[string]bool, len(c.Participants))
	for _, p := range c.Participants {
		participants[p] = true
	}
	excluded := make(map[string]bool, len(c.ExcludedAgents))
	for _, a := range c.ExcludedAgents {
		excluded[a] = true
	}
	for _, a := range c.RequiredAgents {
		if !participants[a] {
			errs = append(errs, fmt.Errorf("required agent %q is not a participant", a))
		}
		if excluded[a] {
			errs = append(errs, fmt.Errorf("agent %q is both required and excluded", a))
		}
	}

	return errs
}
