package contracts

import (
	"fmt"
	"strings"
)

// ActionType represents the type of action an agent attempts.
type ActionType string

// Action type constants. The set is closed; ParseActionType rejects anything else.
const (
	ActionFileRead      ActionType = "FILE_READ"
	ActionFileWrite     ActionType = "FILE_WRITE"
	ActionNetworkCall   ActionType = "NETWORK_CALL"
	ActionCodeExec      ActionType = "CODE_EXEC"
	ActionToolCall      ActionType = "TOOL_CALL"
	ActionDatabaseQuery ActionType = "DATABASE_QUERY"
	ActionDatabaseWrite ActionType = "DATABASE_WRITE"
	ActionAPICall       ActionType = "API_CALL"
	ActionWorkflowRun   ActionType = "WORKFLOW_RUN"
)

var knownActions = map[ActionType]struct{}{
	ActionFileRead:      {},
	ActionFileWrite:     {},
	ActionNetworkCall:   {},
	ActionCodeExec:      {},
	ActionToolCall:      {},
	ActionDatabaseQuery: {},
	ActionDatabaseWrite: {},
	ActionAPICall:       {},
	ActionWorkflowRun:   {},
}

// Valid reports whether a is one of the known action types.
func (a ActionType) Valid() bool {
	_, ok := knownActions[a]
	return ok
}

// ParseActionType parses a case-insensitive action type name.
func ParseActionType(s string) (ActionType, error) {
	a := ActionType(strings.ToUpper(strings.TrimSpace(s)))
	if !a.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownAction, s)
	}
	return a, nil
}

// ActionTypes returns every known action type.
func ActionTypes() []ActionType {
	return []ActionType{
		ActionFileRead, ActionFileWrite, ActionNetworkCall, ActionCodeExec, ActionToolCall,
		ActionDatabaseQuery, ActionDatabaseWrite, ActionAPICall, ActionWorkflowRun,
	}
}
