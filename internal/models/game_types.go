package models

import "fmt"

type GameType string

const (
	GameTypeBlackjack GameType = "blackjack"
	GameTypeHighCard  GameType = "highcard"
	GameTypeBingo     GameType = "bingo"
	GameTypeLetItRide GameType = "letitride"
)

func (g GameType) Valid() bool {
	switch g {
	case GameTypeBlackjack, GameTypeHighCard, GameTypeBingo, GameTypeLetItRide:
		return true
	}
	return false
}

// Phase is the authoritative game phase of a table. The value held in Redis
// is the source of truth; in-process copies are read-only mirrors.
type Phase string

const (
	PhaseWaiting     Phase = "WAITING"
	PhasePlacingBets Phase = "PLACING_BETS"
	PhaseDealing     Phase = "DEALING"
	PhasePlaying     Phase = "PLAYING"
	PhasePlayerTurn  Phase = "PLAYER_TURN"
	PhaseDealerTurn  Phase = "DEALER_TURN"
	PhaseResolving   Phase = "RESOLVING"
	PhaseComplete    Phase = "COMPLETE"
)

var phaseTransitions = map[Phase][]Phase{
	PhaseWaiting:     {PhasePlacingBets},
	PhasePlacingBets: {PhaseDealing, PhaseWaiting},
	PhaseDealing:     {PhasePlaying, PhasePlayerTurn, PhaseDealerTurn, PhaseResolving},
	PhasePlaying:     {PhaseResolving},
	PhasePlayerTurn:  {PhaseDealerTurn, PhaseResolving},
	PhaseDealerTurn:  {PhasePlayerTurn, PhaseResolving},
	PhaseResolving:   {PhaseComplete},
	PhaseComplete:    {PhasePlacingBets, PhaseWaiting},
}

func (p Phase) Valid() bool {
	_, ok := phaseTransitions[p]
	return ok
}

// InHand reports whether a hand is underway, from the deal to its payout.
func (p Phase) InHand() bool {
	switch p {
	case PhaseDealing, PhasePlaying, PhasePlayerTurn, PhaseDealerTurn, PhaseResolving:
		return true
	}
	return false
}

// CanTransition reports whether to is a legal successor of p. Staying in the
// same phase is always allowed so engines can rewrite it with a new expiry.
func (p Phase) CanTransition(to Phase) bool {
	if p == to {
		return true
	}
	for _, next := range phaseTransitions[p] {
		if next == to {
			return true
		}
	}
	return false
}

// ValidatePhasePath checks that a recorded sequence of phases is a legal walk
// through the state machine.
func ValidatePhasePath(path []Phase) error {
	for i := 1; i < len(path); i++ {
		if !path[i-1].CanTransition(path[i]) {
			return fmt.Errorf("illegal transition %s -> %s at step %d", path[i-1], path[i], i)
		}
	}
	return nil
}
