package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"turnforge/internal/engine"
	"turnforge/internal/logging"
	"turnforge/internal/turn"
)

// runTurnRequest is the POST /v1/turns:run body. Configuration, when
// present, is merged over the default turn configuration.
type runTurnRequest struct {
	TurnID        string          `json:"turn_id"`
	Participants  []string        `json:"participants" validate:"required,min=1,max=10,unique,dive,required"`
	Async         bool            `json:"async_execution"`
	Configuration json.RawMessage `json:"configuration,omitempty"`
}

// turnExecutionResponse is the envelope for both synchronous and
// asynchronous runs. Async acceptance returns it with success=true, empty
// phases, and completed_at stamped at acceptance time.
type turnExecutionResponse struct {
	TurnID              string                        `json:"turn_id"`
	Success             bool                          `json:"success"`
	ExecutionTimeMS     int64                         `json:"execution_time_ms"`
	PhasesCompleted     []string                      `json:"phases_completed"`
	PhaseResults        map[string]phaseResultPayload `json:"phase_results"`
	CompensationActions []compensationActionPayload   `json:"compensation_actions"`
	PerformanceMetrics  map[string]interface{}        `json:"performance_metrics"`
	ErrorDetails        map[string]interface{}        `json:"error_details,omitempty"`
	CompletedAt         time.Time                     `json:"completed_at"`
}

// phaseResultPayload exposes one phase result. AICost stays a pointer so
// phases without AI usage serialize as null.
type phaseResultPayload struct {
	Phase            string           `json:"phase"`
	Success          bool             `json:"success"`
	ExecutionTimeMS  int64            `json:"execution_time_ms"`
	EventsProcessed  int              `json:"events_processed"`
	EventsGenerated  int              `json:"events_generated"`
	ArtifactsCreated []string         `json:"artifacts_created"`
	AICost           *decimal.Decimal `json:"ai_cost"`
	ErrorMessage     string           `json:"error_message,omitempty"`
}

type compensationActionPayload struct {
	ActionID         string    `json:"action_id"`
	CompensationType string    `json:"compensation_type"`
	TargetPhase      string    `json:"target_phase"`
	TriggeredAt      time.Time `json:"triggered_at"`
	Status           string    `json:"status"`
}

// emptyExecutionResponse returns the envelope skeleton with every collection
// present, so callers never see null where the contract promises [] or {}.
func emptyExecutionResponse(turnID string) turnExecutionResponse {
	return turnExecutionResponse{
		TurnID:              turnID,
		PhasesCompleted:     []string{},
		PhaseResults:        map[string]phaseResultPayload{},
		CompensationActions: []compensationActionPayload{},
		PerformanceMetrics:  map[string]interface{}{},
		CompletedAt:         time.Now().UTC(),
	}
}

// executionResponse projects a finished engine outcome into the envelope.
func executionResponse(out *engine.Outcome) turnExecutionResponse {
	resp := emptyExecutionResponse(out.TurnID)
	resp.ExecutionTimeMS = out.Duration.Milliseconds()

	p := out.Pipeline
	if p == nil {
		return resp
	}
	resp.Success = p.Success

	for _, r := range p.PhaseResults {
		name := r.Phase.String()
		if r.Success {
			resp.PhasesCompleted = append(resp.PhasesCompleted, name)
		} else if resp.ErrorDetails == nil {
			resp.ErrorDetails = map[string]interface{}{
				"phase":         name,
				"error_message": r.ErrorMessage,
			}
		}
		payload := phaseResultPayload{
			Phase:            name,
			Success:          r.Success,
			ExecutionTimeMS:  r.ExecutionTimeMS,
			EventsProcessed:  r.EventsProcessed,
			EventsGenerated:  len(r.EventsGenerated),
			ArtifactsCreated: append([]string{}, r.ArtifactsCreated...),
			ErrorMessage:     r.ErrorMessage,
		}
		if r.AIUsage != nil {
			cost := r.AIUsage.TotalCost
			payload.AICost = &cost
		}
		resp.PhaseResults[name] = payload
	}
	for _, a := range p.CompensationActions {
		resp.CompensationActions = append(resp.CompensationActions, compensationActionPayload{
			ActionID:         a.ActionID,
			CompensationType: string(a.Type),
			TargetPhase:      a.TargetPhase.String(),
			TriggeredAt:      a.TriggeredAt,
			Status:           string(a.Status),
		})
	}
	resp.PerformanceMetrics = map[string]interface{}{
		"total_execution_time_ms": p.TotalExecutionTimeMS,
		"completion_pct":          p.CompletionPct,
		"total_ai_cost":           p.TotalAICost,
	}
	return resp
}

// wireErrorType maps internal error kinds to the wire error_type values.
func wireErrorType(kind turn.ErrorKind) string {
	if kind == turn.KindValidation {
		return "validation_error"
	}
	return string(kind)
}

func (s *Server) handleRunTurn(w http.ResponseWriter, r *http.Request) {
	var req runTurnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, wireErrorType(turn.KindValidation), "malformed request body: "+err.Error())
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, wireErrorType(turn.KindValidation), "invalid request: "+err.Error())
		return
	}

	id, err := resolveRequestID(req.TurnID)
	if err != nil {
		writeError(w, http.StatusBadRequest, wireErrorType(turn.KindValidation), err.Error())
		return
	}

	cfg := turn.DefaultConfiguration()
	if len(req.Configuration) > 0 {
		if err := json.Unmarshal(req.Configuration, &cfg); err != nil {
			writeError(w, http.StatusBadRequest, wireErrorType(turn.KindValidation), "malformed configuration: "+err.Error())
			return
		}
	}
	cfg.Participants = req.Participants
	if errs := cfg.Validate(); len(errs) > 0 {
		msgs := make([]string, len(errs))
		for i, e := range errs {
			msgs[i] = e.Error()
		}
		writeError(w, http.StatusBadRequest, wireErrorType(turn.KindValidation), strings.Join(msgs, "; "))
		return
	}

	if !s.sem.TryAcquire(1) {
		writeError(w, http.StatusTooManyRequests, "capacity",
			"maximum concurrent turns reached, retry later")
		return
	}

	execReq := engine.Request{
		TurnID:       id.Short(),
		Participants: req.Participants,
		Config:       cfg,
	}

	if req.Async {
		// Track the turn before the handler returns so status polls never
		// miss it.
		s.engine.Turns().Put(engine.Snapshot{
			TurnID: id.Short(),
			Status: engine.StatusRunning,
		})
		bg := context.WithoutCancel(r.Context())
		go func() {
			defer s.sem.Release(1)
			if _, err := s.engine.Execute(bg, execReq); err != nil {
				logging.HTTPError("async turn %s failed to start: %v", id.Short(), err)
				s.engine.Turns().Put(engine.Snapshot{
					TurnID: id.Short(),
					Status: engine.StatusFailed,
					Error:  err.Error(),
				})
			}
		}()
		// Acceptance envelope: success means accepted; the status endpoint
		// tracks the background run from here.
		accepted := emptyExecutionResponse(id.Short())
		accepted.Success = true
		writeJSON(w, http.StatusOK, accepted)
		return
	}

	defer s.sem.Release(1)
	outcome, err := s.engine.Execute(r.Context(), execReq)
	if err != nil {
		status := http.StatusInternalServerError
		if turn.IsKind(err, turn.KindValidation) {
			status = http.StatusBadRequest
		}
		writeError(w, status, wireErrorType(turn.KindOf(err)), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, executionResponse(outcome))
}

func resolveRequestID(raw string) (turn.ID, error) {
	if raw == "" {
		return turn.NewID()
	}
	id, err := turn.ParseID(raw)
	if err != nil {
		return turn.ID{}, fmt.Errorf("turn_id %q is not a valid turn identifier", raw)
	}
	return id, nil
}

func (s *Server) handleTurnStatus(w http.ResponseWriter, r *http.Request) {
	turnID := chi.URLParam(r, "turnID")
	snap, ok := s.engine.Turns().Get(turnID)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]interface{}{
			"turn_id": turnID,
			"status":  "not_found",
		})
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleListTurns(w http.ResponseWriter, _ *http.Request) {
	turns := s.engine.Turns().List()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"turns": turns,
		"count": len(turns),
	})
}

// handleDeleteTurn evicts the registry entry. It never cancels execution; a
// deleted running turn keeps going and re-registers when it settles.
func (s *Server) handleDeleteTurn(w http.ResponseWriter, r *http.Request) {
	turnID := chi.URLParam(r, "turnID")
	if !s.engine.Turns().Remove(turnID) {
		writeError(w, http.StatusNotFound, "not_found", "turn "+turnID+" is not tracked")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "cleaned_up",
		"turn_id": turnID,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":       "healthy",
		"service":      s.serviceName,
		"version":      s.version,
		"active_turns": s.engine.Turns().Running(),
	})
}

func (s *Server) handleBusinessKPIs(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.metrics.KPI().Summary())
}
