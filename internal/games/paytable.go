package games

import (
	"casino-table-engine/internal/models"

	"github.com/chehsunliu/poker"
)

// Let It Ride hand classes, best first.
const (
	HandRoyalFlush    = "royal_flush"
	HandStraightFlush = "straight_flush"
	HandFourOfAKind   = "four_of_a_kind"
	HandFullHouse     = "full_house"
	HandFlush         = "flush"
	HandStraight      = "straight"
	HandThreeOfAKind  = "three_of_a_kind"
	HandTwoPair       = "two_pair"
	HandTensOrBetter  = "tens_or_better"
	HandNoPay         = "no_pay"
)

// letItRidePays is the "to one" payout per sub-bet. The stake is returned on
// top; anything missing from the table loses.
var letItRidePays = map[string]int64{
	HandRoyalFlush:    1000,
	HandStraightFlush: 200,
	HandFourOfAKind:   50,
	HandFullHouse:     11,
	HandFlush:         8,
	HandStraight:      5,
	HandThreeOfAKind:  3,
	HandTwoPair:       2,
	HandTensOrBetter:  1,
}

func toPokerCards(cards []models.Card) []poker.Card {
	out := make([]poker.Card, len(cards))
	for i, c := range cards {
		out[i] = poker.NewCard(c.String())
	}
	return out
}

// classifyFive ranks a five card hand for the paytable.
func classifyFive(cards []models.Card) string {
	rank := poker.Evaluate(toPokerCards(cards))
	if rank == 1 {
		return HandRoyalFlush
	}

	switch poker.RankClass(rank) {
	case 1:
		return HandStraightFlush
	case 2:
		return HandFourOfAKind
	case 3:
		return HandFullHouse
	case 4:
		return HandFlush
	case 5:
		return HandStraight
	case 6:
		return HandThreeOfAKind
	case 7:
		return HandTwoPair
	case 8:
		counts := make(map[models.Rank]int, len(cards))
		for _, c := range cards {
			counts[c.Rank]++
		}
		for r, n := range counts {
			if n == 2 && r >= 10 {
				return HandTensOrBetter
			}
		}
	}
	return HandNoPay
}
