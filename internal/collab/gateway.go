package collab

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/shopspring/decimal"
)

// perTokenCost is the flat in-memory pricing used by the stub gateway.
var perTokenCost = decimal.NewFromFloat(0.00002)

// AIGateway is an in-memory stand-in for the LLM gateway. It produces
// deterministic prose sized to the requested token budget, weaving any
// supplied keywords into the output, and accounts tokens and cost exactly.
type AIGateway struct {
	mu           sync.Mutex
	requests     int
	failuresLeft int
	failureType  string
}

// NewAIGateway returns a gateway that always succeeds.
func NewAIGateway() *AIGateway {
	return &AIGateway{}
}

// Name implements Collaborator.
func (g *AIGateway) Name() string { return TargetAIGateway }

// FailNext makes the next n generate calls fail with the given error type.
func (g *AIGateway) FailNext(n int, errorType string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failuresLeft = n
	g.failureType = errorType
}

// Requests returns how many generate calls were served.
func (g *AIGateway) Requests() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.requests
}

// Handle implements Collaborator.
func (g *AIGateway) Handle(_ context.Context, operation string, params map[string]interface{}) (*Response, error) {
	if operation != "generate" {
		return Fail("validation", "ai_gateway has no operation %q", operation), nil
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.requests++

	if g.failuresLeft > 0 {
		g.failuresLeft--
		return Fail(g.failureType, "gateway generation failed"), nil
	}

	prompt, _ := params["prompt"].(string)
	if strings.TrimSpace(prompt) == "" {
		return Fail("validation", "generate requires a non-empty prompt"), nil
	}
	maxTokens := intParam(params, "max_tokens")
	if maxTokens <= 0 {
		maxTokens = 256
	}
	model, _ := params["model"].(string)
	if model == "" {
		model = "stub-small"
	}
	var keywords []string
	switch ks := params["keywords"].(type) {
	case []string:
		keywords = ks
	case []interface{}:
		for _, k := range ks {
			if s, ok := k.(string); ok {
				keywords = append(keywords, s)
			}
		}
	}

	content := synthesize(prompt, keywords, maxTokens)
	promptTokens := estimateTokens(prompt)
	completionTokens := estimateTokens(content)
	total := promptTokens + completionTokens
	cost := perTokenCost.Mul(decimal.NewFromInt(int64(total)))

	return OK(map[string]interface{}{
		"content":           content,
		"model":             model,
		"provider":          "stub",
		"prompt_tokens":     promptTokens,
		"completion_tokens": completionTokens,
		"tokens_used":       total,
		"cost":              cost.String(),
	}), nil
}

// synthesize produces deterministic prose: roughly one word per 1.3 tokens of
// budget, keywords included early so validators that look for them succeed.
func synthesize(prompt string, keywords []string, maxTokens int) string {
	words := maxTokens * 3 / 4
	if words < 30 {
		words = 30
	}
	if words > 400 {
		words = 400
	}

	var b strings.Builder
	b.WriteString("In this turn, ")
	for i, kw := range keywords {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(kw)
	}
	if len(keywords) > 0 {
		b.WriteString(" shaped what followed. ")
	}

	filler := []string{
		"the", "world", "shifted", "around", "its", "participants", "as",
		"events", "unfolded", "and", "each", "agent", "weighed", "what",
		"had", "changed", "before", "acting", "on", "new", "information",
	}
	written := len(strings.Fields(b.String()))
	for i := 0; written < words; i++ {
		b.WriteString(filler[i%len(filler)])
		written++
		if written < words {
			b.WriteByte(' ')
		}
	}
	b.WriteByte('.')

	// Anchor the output to the request so repeated prompts stay distinguishable.
	return fmt.Sprintf("%s (re: %s)", b.String(), firstWords(prompt, 6))
}

func firstWords(s string, n int) string {
	fields := strings.Fields(s)
	if len(fields) > n {
		fields = fields[:n]
	}
	return strings.Join(fields, " ")
}

// estimateTokens uses the common 4-characters-per-token heuristic.
func estimateTokens(s string) int {
	n := len(s) / 4
	if n < 1 {
		n = 1
	}
	return n
}
