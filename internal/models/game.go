package models

import (
	"fmt"
	"sort"
	"time"
)

// TableConfig is fixed for the lifetime of a table.
type TableConfig struct {
	ID             string        `json:"id"`
	GameType       GameType      `json:"game_type"`
	MinBet         int64         `json:"min_bet"`
	MaxBet         int64         `json:"max_bet"`
	MaxSeats       int           `json:"max_seats"`
	AutoStartDelay time.Duration `json:"auto_start_delay,omitempty"`
	AllowMultiSeat bool          `json:"allow_multi_seat,omitempty"`
	// CreatedAt tells apart tables that reuse an id after eviction.
	CreatedAt time.Time `json:"created_at"`

	// Game specific knobs. Zero values select the defaults of each game.
	Options TableOptions `json:"options"`
}

type TableOptions struct {
	TieMode        string        `json:"tie_mode,omitempty"` // highcard: "push" or "war"
	Decks          int           `json:"decks,omitempty"`    // blackjack shoe size
	StandSoft17    bool          `json:"stand_soft_17,omitempty"`
	BuyInDuration  time.Duration `json:"buy_in_duration,omitempty"`
	DrawInterval   time.Duration `json:"draw_interval,omitempty"`
	DecisionWindow time.Duration `json:"decision_window,omitempty"`
}

const (
	TieModePush = "push"
	TieModeWar  = "war"
)

func (c *TableConfig) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("table id is required")
	}
	if !c.GameType.Valid() {
		return fmt.Errorf("invalid game type: %s", c.GameType)
	}
	if c.MinBet < 1 {
		return fmt.Errorf("minimum bet must be at least 1")
	}
	if c.MaxBet < c.MinBet {
		return fmt.Errorf("maximum bet %d is below minimum bet %d", c.MaxBet, c.MinBet)
	}
	if c.MaxSeats < 1 {
		return fmt.Errorf("table needs at least one seat")
	}
	switch c.Options.TieMode {
	case "", TieModePush, TieModeWar:
	default:
		return fmt.Errorf("invalid tie mode: %s", c.Options.TieMode)
	}
	return nil
}

// SeatedPlayer is one occupied seat. Chips mirrors the ledger balance at the
// time the player was seated and every chip movement afterwards.
type SeatedPlayer struct {
	UserID       string    `json:"user_id"`
	Seat         int       `json:"seat"`
	Chips        int64     `json:"chips"`
	CurrentBet   int64     `json:"current_bet"`
	Connected    bool      `json:"connected"`
	ClientSeed   string    `json:"client_seed"`
	LastActionAt time.Time `json:"last_action_at"`
}

func (p *SeatedPlayer) Key() string {
	return PlayerKey(p.UserID, p.Seat)
}

func PlayerKey(userID string, seat int) string {
	return fmt.Sprintf("%s:%d", userID, seat)
}

// Players maps PlayerKey to the seat entry.
type Players map[string]*SeatedPlayer

func (ps Players) Get(userID string, seat int) (*SeatedPlayer, bool) {
	p, ok := ps[PlayerKey(userID, seat)]
	return p, ok
}

func (ps Players) SeatTaken(seat int) bool {
	for _, p := range ps {
		if p.Seat == seat {
			return true
		}
	}
	return false
}

func (ps Players) HasUser(userID string) bool {
	for _, p := range ps {
		if p.UserID == userID {
			return true
		}
	}
	return false
}

// Ordered returns players sorted by seat.
func (ps Players) Ordered() []*SeatedPlayer {
	out := make([]*SeatedPlayer, 0, len(ps))
	for _, p := range ps {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seat < out[j].Seat })
	return out
}

// Bettors returns the seats with a live bet, in seat order.
func (ps Players) Bettors() []*SeatedPlayer {
	var out []*SeatedPlayer
	for _, p := range ps.Ordered() {
		if p.CurrentBet > 0 {
			out = append(out, p)
		}
	}
	return out
}

func (ps Players) Clone() Players {
	out := make(Players, len(ps))
	for k, p := range ps {
		cp := *p
		out[k] = &cp
	}
	return out
}

// TableSnapshot is the public view of a table.
type TableSnapshot struct {
	Config         TableConfig     `json:"config"`
	Phase          Phase           `json:"phase"`
	Players        []*SeatedPlayer `json:"players"`
	Pot            int64           `json:"pot"`
	HandNumber     int64           `json:"hand_number"`
	ServerSeedHash string          `json:"server_seed_hash,omitempty"`
	Game           interface{}     `json:"game,omitempty"`
}
