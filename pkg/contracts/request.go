package contracts

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrMissingAgent  = errors.New("execution request: agent id is required")
	ErrUnknownAction = errors.New("execution request: unknown action type")
)

// Param is one key/value pair of a request's ordered parameters.
type Param struct {
	Key   string `json:"key"`
	Value any    `json:"value"`
}

// ExecutionRequest is the canonical representation of an attempted action.
// It is immutable after construction; accessors return copies.
type ExecutionRequest struct {
	requestID   string
	agentID     string
	actionType  ActionType
	params      []Param
	timestamp   time.Time
	code        string
	language    string
	inputPrompt string
	toolName    string
}

// RequestOption configures optional request fields.
type RequestOption func(*ExecutionRequest)

// WithCode attaches source code to a CODE_EXEC request.
func WithCode(language, code string) RequestOption {
	return func(r *ExecutionRequest) {
		r.language = language
		r.code = code
	}
}

// WithInputPrompt records the prompt that led to the action.
func WithInputPrompt(prompt string) RequestOption {
	return func(r *ExecutionRequest) { r.inputPrompt = prompt }
}

// WithToolName names the tool the action invokes. Defaults to the action type.
func WithToolName(name string) RequestOption {
	return func(r *ExecutionRequest) { r.toolName = name }
}

// WithRequestID overrides the generated request id.
func WithRequestID(id string) RequestOption {
	return func(r *ExecutionRequest) { r.requestID = id }
}

// WithTimestamp overrides the creation time.
func WithTimestamp(ts time.Time) RequestOption {
	return func(r *ExecutionRequest) { r.timestamp = ts }
}

// NewExecutionRequest builds a request. Parameters keep the order given.
func NewExecutionRequest(agentID string, action ActionType, params []Param, opts ...RequestOption) (ExecutionRequest, error) {
	if agentID == "" {
		return ExecutionRequest{}, ErrMissingAgent
	}
	if !action.Valid() {
		return ExecutionRequest{}, ErrUnknownAction
	}
	r := ExecutionRequest{
		requestID:  uuid.New().String(),
		agentID:    agentID,
		actionType: action,
		params:     append([]Param(nil), params...),
		timestamp:  time.Now().UTC(),
	}
	for _, opt := range opts {
		opt(&r)
	}
	if r.toolName == "" {
		r.toolName = string(action)
	}
	return r, nil
}

func (r ExecutionRequest) RequestID() string      { return r.requestID }
func (r ExecutionRequest) AgentID() string        { return r.agentID }
func (r ExecutionRequest) ActionType() ActionType { return r.actionType }
func (r ExecutionRequest) Timestamp() time.Time   { return r.timestamp }
func (r ExecutionRequest) Code() string           { return r.code }
func (r ExecutionRequest) Language() string       { return r.language }
func (r ExecutionRequest) InputPrompt() string    { return r.inputPrompt }
func (r ExecutionRequest) ToolName() string       { return r.toolName }

// HasCode reports whether the request carries code for static validation.
func (r ExecutionRequest) HasCode() bool { return r.code != "" }

// Params returns a copy of the ordered parameters.
func (r ExecutionRequest) Params() []Param {
	return append([]Param(nil), r.params...)
}

// Param returns the value of the first parameter named key.
func (r ExecutionRequest) Param(key string) (any, bool) {
	for _, p := range r.params {
		if p.Key == key {
			return p.Value, true
		}
	}
	return nil, false
}

// ParamMap flattens the parameters into a map. Later duplicates win.
func (r ExecutionRequest) ParamMap() map[string]any {
	if len(r.params) == 0 {
		return nil
	}
	m := make(map[string]any, len(r.params))
	for _, p := range r.params {
		m[p.Key] = p.Value
	}
	return m
}
