package checkout

import "github.com/go-faster/errors"

// State is a step of the checkout flow.
type State string

const (
	StateReviewing        State = "reviewing"
	StateSelectingPayment State = "selecting_payment"
	StateConfirming       State = "confirming"
	StateProcessing       State = "processing"
	StateSucceeded        State = "succeeded"
	StateFailed           State = "failed"
)

var transitions = map[State][]State{
	StateReviewing:        {StateSelectingPayment},
	StateSelectingPayment: {StateConfirming, StateSelectingPayment},
	StateConfirming:       {StateSelectingPayment, StateProcessing},
	StateProcessing:       {StateSucceeded, StateFailed},
	StateFailed:           {StateSelectingPayment},
}

// CanTransition reports whether the flow may move from one state to another.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateSucceeded
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	switch s {
	case StateReviewing, StateSelectingPayment, StateConfirming,
		StateProcessing, StateSucceeded, StateFailed:
		return true
	}
	return false
}

// ParseState converts a stored state name.
func ParseState(v string) (State, error) {
	s := State(v)
	if !s.Valid() {
		return "", errors.Errorf("unknown checkout state %q", v)
	}
	return s, nil
}

func (s State) String() string {
	return string(s)
}
