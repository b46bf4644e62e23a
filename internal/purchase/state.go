// Package purchase is the airtime purchase state machine: it decides, for each
// initiation, payment outcome, disbursement result or sweep, which state a
// transaction moves to and which compensating action follows.
package purchase

import "fmt"

// State is the lifecycle state of a transaction. It is the only state
// vocabulary in the system; storage, API and events all carry it verbatim.
type State string

const (
	StateInitiated       State = "INITIATED"
	StatePendingPayment  State = "PENDING_PAYMENT"
	StatePaymentSuccess  State = "PAYMENT_SUCCESS"
	StatePaymentFailed   State = "PAYMENT_FAILED"
	StateProcessing      State = "PROCESSING"
	StateCompleted       State = "COMPLETED"
	StateHealing         State = "HEALING"
	StateFailedPermanent State = "FAILED_PERMANENT"
	StateReconciliation  State = "RECONCILIATION"
)

// transitions lists every edge of the state graph, expiry edges included.
var transitions = map[State][]State{
	StateInitiated:      {StatePendingPayment, StatePaymentFailed},
	StatePendingPayment: {StatePaymentSuccess, StatePaymentFailed, StateReconciliation},
	StateReconciliation: {StatePaymentSuccess, StatePaymentFailed},
	StatePaymentSuccess: {StateProcessing, StateFailedPermanent},
	StateProcessing:     {StateCompleted, StateHealing, StateFailedPermanent},
	StateHealing:        {StateProcessing, StateFailedPermanent},
}

var allStates = []State{
	StateInitiated,
	StatePendingPayment,
	StatePaymentSuccess,
	StatePaymentFailed,
	StateProcessing,
	StateCompleted,
	StateHealing,
	StateFailedPermanent,
	StateReconciliation,
}

// ParseState validates a stored or user supplied state name.
func ParseState(s string) (State, error) {
	for _, st := range allStates {
		if string(st) == s {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown state %q", s)
}

// CanTransitionTo reports whether next is a legal successor of s.
func (s State) CanTransitionTo(next State) bool {
	for _, t := range transitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

// IsTerminal is true for states with no outgoing edges.
func (s State) IsTerminal() bool {
	return len(transitions[s]) == 0
}

// AwaitingPayment is true while the payment outcome is still unknown.
func (s State) AwaitingPayment() bool {
	return s == StatePendingPayment || s == StateReconciliation
}

// Paid is true once the customer's payment has been confirmed.
func (s State) Paid() bool {
	switch s {
	case StatePaymentSuccess, StateProcessing, StateHealing, StateCompleted:
		return true
	}
	return false
}

// expiryTarget is where a stuck transaction goes when force-expired.
func (s State) expiryTarget() State {
	if s.Paid() {
		return StateFailedPermanent
	}
	return StatePaymentFailed
}

// NonTerminalStates returns every state a sweep may still act on.
func NonTerminalStates() []State {
	var out []State
	for _, st := range allStates {
		if !st.IsTerminal() {
			out = append(out, st)
		}
	}
	return out
}
