package models

import "time"

type EventType string

const (
	EventPlayerSeated   EventType = "player_seated"
	EventPlayerLeft     EventType = "player_left"
	EventPhaseChanged   EventType = "phase_changed"
	EventBetPlaced      EventType = "bet_placed"
	EventCardsDealt     EventType = "cards_dealt"
	EventCardDrawn      EventType = "card_drawn"
	EventPlayerAction   EventType = "player_action"
	EventDealerPlayed   EventType = "dealer_played"
	EventBallDrawn      EventType = "ball_drawn"
	EventCardBought     EventType = "card_bought"
	EventBingoClaimed   EventType = "bingo_claimed"
	EventCommunityShown EventType = "community_revealed"
	EventBetWithdrawn   EventType = "bet_withdrawn"
	EventPayout         EventType = "payout"
	EventHandResolved   EventType = "hand_resolved"
	EventSeedRevealed   EventType = "seed_revealed"
	EventShoeShuffled   EventType = "shoe_shuffled"
)

// Effect is a notification a state-changing call asks the transport to
// deliver after the change is durable. Delivery is best effort.
type Effect struct {
	Type       EventType              `json:"type"`
	TableID    string                 `json:"table_id"`
	HandNumber int64                  `json:"hand_number,omitempty"`
	UserID     string                 `json:"user_id,omitempty"`
	Seat       *int                   `json:"seat,omitempty"`
	Data       map[string]interface{} `json:"data,omitempty"`
	At         time.Time              `json:"at"`
}

func NewEffect(tableID string, typ EventType, data map[string]interface{}) Effect {
	return Effect{Type: typ, TableID: tableID, Data: data, At: time.Now()}
}

func (e Effect) ForSeat(userID string, seat int) Effect {
	e.UserID = userID
	e.Seat = &seat
	return e
}
