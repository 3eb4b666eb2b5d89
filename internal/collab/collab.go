// Package collab provides the uniform call interface to the logical contexts
// the pipeline depends on: world, agent, interaction, event, narrative, and
// the AI gateway. Targets are addressed by name and invoked through a single
// Call method; every response carries a success flag plus operation-specific
// fields.
//
// The package ships in-memory collaborators that model each context well
// enough to drive the pipeline end to end. Real deployments register their
// own Collaborator implementations under the same target names.
package collab

import (
	"context"
	"fmt"
)

// Well-known target names.
const (
	TargetWorld       = "world_context"
	TargetAgent       = "agent_context"
	TargetInteraction = "interaction_context"
	TargetEvent       = "event_context"
	TargetNarrative   = "narrative_context"
	TargetAIGateway   = "ai_gateway"
)

// Response is the uniform collaborator response envelope.
type Response struct {
	Success      bool                   `json:"success"`
	Fields       map[string]interface{} `json:"fields,omitempty"`
	ErrorType    string                 `json:"error_type,omitempty"`
	ErrorMessage string                 `json:"error_message,omitempty"`
}

// OK builds a successful response with the given fields.
func OK(fields map[string]interface{}) *Response {
	if fields == nil {
		fields = map[string]interface{}{}
	}
	return &Response{Success: true, Fields: fields}
}

// Fail builds an application-level failure response.
func Fail(errorType, format string, args ...interface{}) *Response {
	return &Response{
		Success:      false,
		ErrorType:    errorType,
		ErrorMessage: fmt.Sprintf(format, args...),
	}
}

// Field returns a response field by name.
func (r *Response) Field(name string) (interface{}, bool) {
	v, ok := r.Fields[name]
	return v, ok
}

// StringField returns a string-typed field, empty when absent or mistyped.
func (r *Response) StringField(name string) string {
	if v, ok := r.Fields[name]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// IntField returns an int-typed field, tolerating the numeric types that
// survive JSON round trips.
func (r *Response) IntField(name string) int {
	switch v := r.Fields[name].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

// FloatField returns a float-typed field, zero when absent.
func (r *Response) FloatField(name string) float64 {
	switch v := r.Fields[name].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return 0
}

// Caller invokes operations on named collaborator targets.
type Caller interface {
	Call(ctx context.Context, target, operation string, params map[string]interface{}) (*Response, error)
}

// Collaborator handles the operations of one logical context.
type Collaborator interface {
	Name() string
	Handle(ctx context.Context, operation string, params map[string]interface{}) (*Response, error)
}
