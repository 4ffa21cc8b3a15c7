package contracts

// DecisionAction is the outcome class of a policy evaluation.
type DecisionAction string

const (
	DecisionAllow DecisionAction = "allow"
	DecisionWarn  DecisionAction = "warn"
	DecisionDeny  DecisionAction = "deny"
)

// PolicyDecision is the ephemeral result of evaluating a request against quotas and rules.
type PolicyDecision struct {
	Action  DecisionAction `json:"action"`
	Message string         `json:"message,omitempty"`
}

func Allow() PolicyDecision { return PolicyDecision{Action: DecisionAllow} }

func Warn(message string) PolicyDecision {
	return PolicyDecision{Action: DecisionWarn, Message: message}
}

func Deny(reason string) PolicyDecision {
	return PolicyDecision{Action: DecisionDeny, Message: reason}
}

// Permitted is true for allow and warn.
func (d PolicyDecision) Permitted() bool { return d.Action != DecisionDeny }

// Verdict is the recorded state of a trace in the flight recorder.
type Verdict string

const (
	VerdictPending Verdict = "pending"
	VerdictAllowed Verdict = "allowed"
	VerdictBlocked Verdict = "blocked"
	VerdictShadow  Verdict = "shadow"
	VerdictError   Verdict = "error"
)

// IsTerminal reports whether v ends a trace's lifecycle.
func (v Verdict) IsTerminal() bool {
	switch v {
	case VerdictAllowed, VerdictBlocked, VerdictShadow, VerdictError:
		return true
	}
	return false
}

// Valid reports whether v is a known verdict.
func (v Verdict) Valid() bool {
	return v == VerdictPending || v.IsTerminal()
}
