package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/goleak"

	"turnforge/internal/collab"
	"turnforge/internal/engine"
	"turnforge/internal/metrics"
	"turnforge/internal/phase"
	"turnforge/internal/turn"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestServer(t *testing.T, maxConcurrent int) (*Server, *httptest.Server) {
	t.Helper()
	executors := phase.NewRegistry(
		phase.NewWorldUpdateExecutor(),
		phase.NewSubjectiveBriefExecutor(),
		phase.NewInteractionOrchestrationExecutor(),
		phase.NewEventIntegrationExecutor(),
		phase.NewNarrativeIntegrationExecutor(),
	)
	reg := metrics.NewRegistry()
	eng, err := engine.New(executors, collab.NewDefaultRegistry(), reg, nil)
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}
	srv := NewServer(eng, reg, "turnforge", "test", maxConcurrent)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		http.DefaultClient.CloseIdleConnections()
	})
	return srv, ts
}

// stubExecutor satisfies phase.Executor with an optional gate so tests can
// hold a turn in the running state.
type stubExecutor struct {
	phase turn.PhaseType
	gate  chan struct{}
}

func (s *stubExecutor) Phase() turn.PhaseType                        { return s.phase }
func (s *stubExecutor) Precondition(*phase.ExecutionContext) error   { return nil }
func (s *stubExecutor) Execute(ctx context.Context, ec *phase.ExecutionContext) (turn.PhaseResult, error) {
	if s.gate != nil {
		select {
		case <-s.gate:
		case <-ctx.Done():
			return turn.PhaseResult{}, ctx.Err()
		}
	}
	return ec.BuildResult(true, 1, nil), nil
}

func newGatedServer(t *testing.T, maxConcurrent int) (*httptest.Server, chan struct{}) {
	t.Helper()
	gate := make(chan struct{})
	executors := phase.NewRegistry(
		&stubExecutor{phase: turn.PhaseWorldUpdate, gate: gate},
		&stubExecutor{phase: turn.PhaseSubjectiveBrief},
		&stubExecutor{phase: turn.PhaseInteractionOrchestration},
		&stubExecutor{phase: turn.PhaseEventIntegration},
		&stubExecutor{phase: turn.PhaseNarrativeIntegration},
	)
	reg := metrics.NewRegistry()
	eng, err := engine.New(executors, collab.NewDefaultRegistry(), reg, nil)
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}
	ts := httptest.NewServer(NewServer(eng, reg, "turnforge", "test", maxConcurrent).Handler())
	t.Cleanup(func() {
		ts.Close()
		http.DefaultClient.CloseIdleConnections()
	})
	return ts, gate
}

func postJSON(t *testing.T, url string, body interface{}) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("post %s: %v", url, err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, into interface{}) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(into); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func awaitStatus(t *testing.T, base, turnID, want string) map[string]interface{} {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := http.Get(fmt.Sprintf("%s/v1/turns/%s/status", base, turnID))
		if err != nil {
			t.Fatalf("status: %v", err)
		}
		var body map[string]interface{}
		decodeBody(t, resp, &body)
		if body["status"] == want {
			return body
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("turn %s never reached status %s", turnID, want)
	return nil
}

func TestRunTurn_Sync(t *testing.T) {
	_, ts := newTestServer(t, 3)
	resp := postJSON(t, ts.URL+"/v1/turns:run", map[string]interface{}{
		"participants": []string{"alice", "bob"},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var body turnExecutionResponse
	decodeBody(t, resp, &body)
	if !body.Success {
		t.Fatalf("turn did not complete: %+v", body)
	}
	if body.TurnID == "" {
		t.Error("response missing turn_id")
	}
	if len(body.PhasesCompleted) != 5 || len(body.PhaseResults) != 5 {
		t.Errorf("phases_completed = %v, phase_results = %d entries", body.PhasesCompleted, len(body.PhaseResults))
	}
	if len(body.CompensationActions) != 0 {
		t.Errorf("unexpected compensation_actions: %+v", body.CompensationActions)
	}
	if body.CompletedAt.IsZero() {
		t.Error("response missing completed_at")
	}
}

func TestRunTurn_ConfigurationApplied(t *testing.T) {
	_, ts := newTestServer(t, 3)
	resp := postJSON(t, ts.URL+"/v1/turns:run", map[string]interface{}{
		"participants": []string{"alice", "bob"},
		"configuration": map[string]interface{}{
			"ai_integration_enabled":   false,
			"world_time_advance":       60,
			"narrative_analysis_depth": "basic",
			"max_execution_time_ms":    45000,
		},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var body turnExecutionResponse
	decodeBody(t, resp, &body)
	if !body.Success {
		t.Fatalf("turn failed: %+v", body)
	}
	want := []string{"world_update", "subjective_brief", "interaction_orchestration",
		"event_integration", "narrative_integration"}
	if len(body.PhasesCompleted) != len(want) {
		t.Fatalf("phases_completed = %v, want %v", body.PhasesCompleted, want)
	}
	for i, name := range want {
		if body.PhasesCompleted[i] != name {
			t.Errorf("phases_completed[%d] = %s, want %s", i, body.PhasesCompleted[i], name)
		}
	}
	// AI was disabled: every per-phase ai_cost serializes as null.
	for name, pr := range body.PhaseResults {
		if pr.AICost != nil {
			t.Errorf("phase %s reports ai_cost %s with AI disabled", name, pr.AICost)
		}
	}
}

func TestRunTurn_ValidationErrors(t *testing.T) {
	_, ts := newTestServer(t, 3)
	cases := []struct {
		name string
		body map[string]interface{}
	}{
		{"no participants", map[string]interface{}{}},
		{"empty participant", map[string]interface{}{"participants": []string{""}}},
		{"duplicate participants", map[string]interface{}{"participants": []string{"a", "a"}}},
		{"too many participants", map[string]interface{}{
			"participants": []string{"a", "b", "c", "d", "e", "f", "g", "h", "i", "j", "k"},
		}},
		{"bad turn id", map[string]interface{}{
			"participants": []string{"alice"}, "turn_id": "nope",
		}},
		{"bad configuration", map[string]interface{}{
			"participants":  []string{"alice"},
			"configuration": map[string]interface{}{"ai_max_tokens": -5},
		}},
	}
	for _, tc := range cases {
		resp := postJSON(t, ts.URL+"/v1/turns:run", tc.body)
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", tc.name, resp.StatusCode)
		}
		var envelope errorEnvelope
		decodeBody(t, resp, &envelope)
		if envelope.ErrorType != "validation_error" {
			t.Errorf("%s: error_type = %s, want validation_error", tc.name, envelope.ErrorType)
		}
		if envelope.Detail == "" {
			t.Errorf("%s: empty detail", tc.name)
		}
	}
}

func TestRunTurn_AsyncLifecycle(t *testing.T) {
	_, ts := newTestServer(t, 3)
	resp := postJSON(t, ts.URL+"/v1/turns:run", map[string]interface{}{
		"participants":    []string{"alice"},
		"async_execution": true,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var accepted turnExecutionResponse
	decodeBody(t, resp, &accepted)
	if accepted.TurnID == "" || !accepted.Success {
		t.Fatalf("bad acceptance body: %+v", accepted)
	}
	if len(accepted.PhasesCompleted) != 0 || accepted.ExecutionTimeMS != 0 {
		t.Errorf("acceptance must carry empty phases and zero execution time: %+v", accepted)
	}
	final := awaitStatus(t, ts.URL, accepted.TurnID, engine.StatusCompleted)
	if final["progress"].(float64) != 100 {
		t.Errorf("progress = %v, want 100", final["progress"])
	}
}

func TestRunTurn_CapacityLimit(t *testing.T) {
	ts, gate := newGatedServer(t, 1)

	resp := postJSON(t, ts.URL+"/v1/turns:run", map[string]interface{}{
		"participants":    []string{"alice"},
		"async_execution": true,
	})
	var accepted turnExecutionResponse
	decodeBody(t, resp, &accepted)

	over := postJSON(t, ts.URL+"/v1/turns:run", map[string]interface{}{
		"participants": []string{"bob"},
	})
	if over.StatusCode != http.StatusTooManyRequests {
		t.Errorf("status = %d, want 429", over.StatusCode)
	}
	var envelope errorEnvelope
	decodeBody(t, over, &envelope)
	if envelope.ErrorType != "capacity" {
		t.Errorf("error_type = %s, want capacity", envelope.ErrorType)
	}

	close(gate)
	awaitStatus(t, ts.URL, accepted.TurnID, engine.StatusCompleted)
}

func TestTurnStatus_NotFound(t *testing.T) {
	_, ts := newTestServer(t, 3)
	resp, err := http.Get(ts.URL + "/v1/turns/ffffffff-0000-0000-0000-000000000000/status")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
	var body map[string]interface{}
	decodeBody(t, resp, &body)
	if body["status"] != "not_found" {
		t.Errorf("body status = %v, want not_found", body["status"])
	}
}

func TestListAndDeleteTurns(t *testing.T) {
	_, ts := newTestServer(t, 3)
	resp := postJSON(t, ts.URL+"/v1/turns:run", map[string]interface{}{
		"participants": []string{"alice"},
	})
	var run turnExecutionResponse
	decodeBody(t, resp, &run)

	listResp, err := http.Get(ts.URL + "/v1/turns")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	var list map[string]interface{}
	decodeBody(t, listResp, &list)
	if list["count"].(float64) != 1 {
		t.Fatalf("count = %v, want 1", list["count"])
	}

	req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/v1/turns/"+run.TurnID, nil)
	delResp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	var deleted map[string]interface{}
	decodeBody(t, delResp, &deleted)
	if deleted["status"] != "cleaned_up" {
		t.Errorf("delete body = %v", deleted)
	}

	again, _ := http.NewRequest(http.MethodDelete, ts.URL+"/v1/turns/"+run.TurnID, nil)
	resp2, err := http.DefaultClient.Do(again)
	if err != nil {
		t.Fatalf("delete again: %v", err)
	}
	resp2.Body.Close()
	if resp2.StatusCode != http.StatusNotFound {
		t.Errorf("second delete status = %d, want 404", resp2.StatusCode)
	}
}

func TestDeleteRunningTurnDoesNotCancel(t *testing.T) {
	ts, gate := newGatedServer(t, 1)
	resp := postJSON(t, ts.URL+"/v1/turns:run", map[string]interface{}{
		"participants":    []string{"alice"},
		"async_execution": true,
	})
	var accepted turnExecutionResponse
	decodeBody(t, resp, &accepted)

	req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/v1/turns/"+accepted.TurnID, nil)
	delResp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	delResp.Body.Close()
	if delResp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", delResp.StatusCode)
	}

	// Eviction is not cancellation: the turn finishes and re-registers.
	close(gate)
	awaitStatus(t, ts.URL, accepted.TurnID, engine.StatusCompleted)
}

func TestHealthAndMetricsEndpoints(t *testing.T) {
	_, ts := newTestServer(t, 3)
	postJSON(t, ts.URL+"/v1/turns:run", map[string]interface{}{
		"participants": []string{"alice"},
	}).Body.Close()

	health, err := http.Get(ts.URL + "/v1/health")
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	var h map[string]interface{}
	decodeBody(t, health, &h)
	if h["status"] != "healthy" || h["service"] != "turnforge" {
		t.Errorf("health body = %v", h)
	}

	prom, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	exposition := readAll(t, prom)
	prom.Body.Close()
	if !strings.Contains(exposition, "turns_total") {
		t.Error("exposition missing turns_total")
	}
	if !strings.Contains(exposition, "http_requests_total") {
		t.Error("exposition missing http_requests_total")
	}

	kpi, err := http.Get(ts.URL + "/v1/metrics/business-kpis")
	if err != nil {
		t.Fatalf("kpi: %v", err)
	}
	var summary metrics.KPISummary
	decodeBody(t, kpi, &summary)
	if summary.TurnsTotal != 1 {
		t.Errorf("kpi turns_total = %d, want 1", summary.TurnsTotal)
	}
}

func readAll(t *testing.T, resp *http.Response) string {
	t.Helper()
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		t.Fatalf("read body: %v", err)
	}
	return buf.String()
}
