package service

import "github.com/ayo6706/bounty-escrow/internal/domain"

// transitionOutcome tags what a requested escrow transition means from the
// hold's current state.
type transitionOutcome int

const (
	// outcomeApply: the transition is legal and should be performed.
	outcomeApply transitionOutcome = iota
	// outcomeReplay: the hold is already in the target state.
	outcomeReplay
	// outcomeAlreadyResolved: the hold reached a different terminal state.
	outcomeAlreadyResolved
	// outcomeInvalid: the transition is not allowed from the current state.
	outcomeInvalid
)

func (o transitionOutcome) String() string {
	switch o {
	case outcomeApply:
		return "apply"
	case outcomeReplay:
		return "replay"
	case outcomeAlreadyResolved:
		return "already_resolved"
	default:
		return "invalid"
	}
}

var escrowTransitions = map[string]map[string]struct{}{
	domain.EscrowStateNoHold: {
		domain.EscrowStateHeld: {},
	},
	domain.EscrowStateHeld: {
		domain.EscrowStateReleased: {},
		domain.EscrowStateRefunded: {},
		domain.EscrowStateDisputed: {},
	},
	domain.EscrowStateDisputed: {
		domain.EscrowStateReleased: {},
		domain.EscrowStateRefunded: {},
	},
	domain.EscrowStateReleased: {},
	domain.EscrowStateRefunded: {},
}

func isTerminalEscrowState(state string) bool {
	return state == domain.EscrowStateReleased || state == domain.EscrowStateRefunded
}

func decideTransition(current, next string) transitionOutcome {
	if current == next {
		return outcomeReplay
	}
	if _, ok := escrowTransitions[current][next]; ok {
		return outcomeApply
	}
	if isTerminalEscrowState(current) {
		return outcomeAlreadyResolved
	}
	return outcomeInvalid
}
