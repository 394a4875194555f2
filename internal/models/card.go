package models

import "fmt"

type Suit string

const (
	Spades   Suit = "s"
	Hearts   Suit = "h"
	Diamonds Suit = "d"
	Clubs    Suit = "c"
)

var Suits = []Suit{Spades, Hearts, Diamonds, Clubs}

// Rank runs from 2 to 14, ace high.
type Rank int

const (
	Jack  Rank = 11
	Queen Rank = 12
	King  Rank = 13
	Ace   Rank = 14
)

type Card struct {
	Rank Rank `json:"rank"`
	Suit Suit `json:"suit"`
}

func (c Card) String() string {
	return c.RankChar() + string(c.Suit)
}

func (c Card) RankChar() string {
	switch c.Rank {
	case 10:
		return "T"
	case Jack:
		return "J"
	case Queen:
		return "Q"
	case King:
		return "K"
	case Ace:
		return "A"
	default:
		return fmt.Sprintf("%d", int(c.Rank))
	}
}

// NewDeck returns the 52 cards in a fixed canonical order. The order only
// matters because fair shuffles are verified against it.
func NewDeck() []Card {
	deck := make([]Card, 0, 52)
	for _, s := range Suits {
		for r := Rank(2); r <= Ace; r++ {
			deck = append(deck, Card{Rank: r, Suit: s})
		}
	}
	return deck
}

func NewShoe(decks int) []Card {
	if decks < 1 {
		decks = 1
	}
	shoe := make([]Card, 0, 52*decks)
	for i := 0; i < decks; i++ {
		shoe = append(shoe, NewDeck()...)
	}
	return shoe
}
