package exam

// State is the lifecycle state of an exam session.
type State string

const (
	StateNotStarted         State = "not_started"
	StateInProgress         State = "in_progress"
	StateSubmitted          State = "submitted"
	StatePendingManualGrade State = "pending_manual_grade"
	StateGraded             State = "graded"
)

var transitions = map[State][]State{
	StateNotStarted:         {StateInProgress},
	StateInProgress:         {StateSubmitted},
	StateSubmitted:          {StateGraded, StatePendingManualGrade},
	StatePendingManualGrade: {StateGraded},
}

// CanTransitionTo reports whether the state machine allows s → next.
func (s State) CanTransitionTo(next State) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateGraded
}

// Active reports whether a session in this state blocks a new attempt.
func (s State) Active() bool {
	switch s {
	case StateInProgress, StateSubmitted, StatePendingManualGrade:
		return true
	default:
		return false
	}
}

// ActiveStates lists the states that count as non-terminal attempts.
func ActiveStates() []string {
	return []string{string(StateInProgress), string(StateSubmitted), string(StatePendingManualGrade)}
}

// Finalized reports whether scoring has already run.
func (s State) Finalized() bool {
	return s == StatePendingManualGrade || s == StateGraded
}
