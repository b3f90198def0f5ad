package metering

import (
	"errors"
	"fmt"
	"time"
)

// State of one metered generation attempt.
type State string

const (
	StateIdle            State = "idle"
	StateCheckingBalance State = "checking_balance"
	StateDeducting       State = "deducting"
	StateJobCreated      State = "job_created"
	StateDispatching     State = "dispatching"
	StateCompleted       State = "completed"
	StateInsufficient    State = "insufficient"
	StateDeductFailed    State = "deduct_failed"
	StateFailed          State = "failed"
)

// ErrIllegalTransition is returned by Attempt.advance.
var ErrIllegalTransition = errors.New("illegal state transition")

// The procedure may still reject a deduction the balance check allowed,
// hence Deducting -> Insufficient.
var transitions = map[State][]State{
	StateIdle:            {StateCheckingBalance},
	StateCheckingBalance: {StateInsufficient, StateDeducting},
	StateDeducting:       {StateJobCreated, StateDeductFailed, StateInsufficient},
	StateJobCreated:      {StateDispatching},
	StateDispatching:     {StateCompleted, StateFailed},
}

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	_, ok := transitions[s]
	return !ok
}

// Transition is one recorded state change.
type Transition struct {
	From State     `json:"from"`
	To   State     `json:"to"`
	At   time.Time `json:"at"`
}

// Attempt is the state machine of one Run call.
type Attempt struct {
	State   State
	History []Transition
}

func newAttempt() *Attempt {
	return &Attempt{State: StateIdle}
}

func (a *Attempt) advance(to State) error {
	for _, allowed := range transitions[a.State] {
		if allowed == to {
			a.History = append(a.History, Transition{From: a.State, To: to, At: time.Now()})
			a.State = to
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, a.State, to)
}
