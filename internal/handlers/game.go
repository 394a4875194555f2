package handlers

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"casino-table-engine/internal/fairness"
	"casino-table-engine/internal/games"
	"casino-table-engine/internal/models"
	"casino-table-engine/internal/services"
)

type TableHandler struct {
	registry    *games.Registry
	broadcaster services.Broadcaster
	logger      *zap.Logger
}

func NewTableHandler(registry *games.Registry, broadcaster services.Broadcaster, logger *zap.Logger) *TableHandler {
	return &TableHandler{
		registry:    registry,
		broadcaster: broadcaster,
		logger:      logger.Named("tables"),
	}
}

type CreateTableRequest struct {
	GameType         models.GameType `json:"game_type" binding:"required"`
	MinBet           int64           `json:"min_bet" binding:"required"`
	MaxBet           int64           `json:"max_bet" binding:"required"`
	MaxSeats         int             `json:"max_seats" binding:"required"`
	AutoStartSeconds int             `json:"auto_start_seconds"`
	AllowMultiSeat   bool            `json:"allow_multi_seat"`

	TieMode               string `json:"tie_mode"`
	Decks                 int    `json:"decks"`
	StandSoft17           bool   `json:"stand_soft_17"`
	BuyInSeconds          int    `json:"buy_in_seconds"`
	DrawIntervalSeconds   int    `json:"draw_interval_seconds"`
	DecisionWindowSeconds int    `json:"decision_window_seconds"`
}

func (r CreateTableRequest) config() models.TableConfig {
	seconds := func(n int) time.Duration { return time.Duration(n) * time.Second }
	return models.TableConfig{
		GameType:       r.GameType,
		MinBet:         r.MinBet,
		MaxBet:         r.MaxBet,
		MaxSeats:       r.MaxSeats,
		AutoStartDelay: seconds(r.AutoStartSeconds),
		AllowMultiSeat: r.AllowMultiSeat,
		Options: models.TableOptions{
			TieMode:        r.TieMode,
			Decks:          r.Decks,
			StandSoft17:    r.StandSoft17,
			BuyInDuration:  seconds(r.BuyInSeconds),
			DrawInterval:   seconds(r.DrawIntervalSeconds),
			DecisionWindow: seconds(r.DecisionWindowSeconds),
		},
	}
}

func (h *TableHandler) CreateTable(c *gin.Context) {
	var req CreateTableRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	engine, err := h.registry.Create(c.Request.Context(), req.config())
	if err != nil {
		respondError(c, err)
		return
	}
	h.logger.Info("table opened", zap.String("table", engine.TableID()), zap.String("by", c.GetString("user_id")))
	h.respondTable(c, http.StatusCreated, engine)
}

func (h *TableHandler) ListTables(c *gin.Context) {
	configs, err := h.registry.List(c.Request.Context())
	if err != nil {
		h.logger.Error("failed to list tables", zap.Error(err))
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"tables":  configs,
	})
}

func (h *TableHandler) GetTable(c *gin.Context) {
	engine, ok := h.engine(c)
	if !ok {
		return
	}
	h.respondTable(c, http.StatusOK, engine)
}

func (h *TableHandler) DeleteTable(c *gin.Context) {
	if err := h.registry.Evict(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

type seatRequest struct {
	Seat int `json:"seat"`
}

func (h *TableHandler) JoinSeat(c *gin.Context) {
	engine, ok := h.engine(c)
	if !ok {
		return
	}
	var req seatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	ctx := c.Request.Context()
	seated, effects, err := engine.AddPlayer(ctx, c.GetString("user_id"), req.Seat)
	if err != nil {
		respondError(c, err)
		return
	}
	if !seated {
		c.JSON(http.StatusConflict, gin.H{
			"code":  models.CodeInvalidState,
			"error": "Seat unavailable",
		})
		return
	}
	h.publish(ctx, engine.TableID(), effects)
	h.respondTable(c, http.StatusOK, engine)
}

func (h *TableHandler) LeaveSeat(c *gin.Context) {
	engine, ok := h.engine(c)
	if !ok {
		return
	}
	seat, err := strconv.Atoi(c.Param("seat"))
	if err != nil {
		badRequest(c, err)
		return
	}
	h.run(c, engine, func(ctx context.Context) ([]models.Effect, error) {
		return engine.RemovePlayer(ctx, c.GetString("user_id"), seat)
	})
}

type seedRequest struct {
	Seat       int    `json:"seat"`
	ClientSeed string `json:"client_seed" binding:"required"`
}

func (h *TableHandler) SetClientSeed(c *gin.Context) {
	engine, ok := h.engine(c)
	if !ok {
		return
	}
	var req seedRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	h.run(c, engine, func(ctx context.Context) ([]models.Effect, error) {
		return nil, engine.SetClientSeed(ctx, c.GetString("user_id"), req.Seat, req.ClientSeed)
	})
}

func (h *TableHandler) PlaceBet(c *gin.Context) {
	engine, ok := h.engine(c)
	if !ok {
		return
	}
	var req models.BetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	h.run(c, engine, func(ctx context.Context) ([]models.Effect, error) {
		return engine.PlaceBet(ctx, c.GetString("user_id"), req.Seat, req.Amount)
	})
}

func (h *TableHandler) StartHand(c *gin.Context) {
	engine, ok := h.engine(c)
	if !ok {
		return
	}
	h.run(c, engine, engine.StartHand)
}

func (h *TableHandler) ResolveHand(c *gin.Context) {
	engine, ok := h.engine(c)
	if !ok {
		return
	}
	h.run(c, engine, engine.ResolveHand)
}

func (h *TableHandler) Act(c *gin.Context) {
	engine, ok := h.engine(c)
	if !ok {
		return
	}
	var req models.ActionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	req.UserID = c.GetString("user_id")

	// A bingo claim answers with its verdict; a card without a line is not
	// an error and changes nothing.
	if bingo, ok := engine.(*games.Bingo); ok && req.Action == "claim" {
		ctx := c.Request.Context()
		res, effects, err := bingo.ClaimBingo(ctx, req.UserID, req.CardID)
		if err != nil {
			respondError(c, err)
			return
		}
		h.publish(ctx, engine.TableID(), effects)
		c.JSON(http.StatusOK, gin.H{"success": true, "claim": res})
		return
	}

	h.run(c, engine, func(ctx context.Context) ([]models.Effect, error) {
		return engine.Act(ctx, req)
	})
}

type VerifyRequest struct {
	GameType       models.GameType `json:"game_type" binding:"required"`
	PlayerSeed     string          `json:"player_seed" binding:"required"`
	ServerSeed     string          `json:"server_seed" binding:"required"`
	ServerSeedHash string          `json:"server_seed_hash"`
	Decks          int             `json:"decks"`
}

// Verify recomputes a retired shuffle from its revealed seeds so a player
// can compare it with what was dealt.
func (h *TableHandler) Verify(c *gin.Context) {
	var req VerifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	pair := fairness.SeedPair{PlayerSeed: req.PlayerSeed, ServerSeed: req.ServerSeed}
	resp := gin.H{
		"success":          true,
		"server_seed_hash": pair.ServerSeedHash(),
	}
	if req.ServerSeedHash != "" {
		resp["hash_matches"] = req.ServerSeedHash == pair.ServerSeedHash()
	}

	switch req.GameType {
	case models.GameTypeBingo:
		balls := make([]int, 75)
		for i := range balls {
			balls[i] = i + 1
		}
		resp["order"] = fairness.Shuffle(balls, pair)
	case models.GameTypeHighCard, models.GameTypeBlackjack, models.GameTypeLetItRide:
		decks := req.Decks
		if decks <= 0 {
			decks = 1
		}
		shuffled := fairness.Shuffle(models.NewShoe(decks), pair)
		order := make([]string, len(shuffled))
		for i, card := range shuffled {
			order[i] = card.String()
		}
		resp["order"] = order
	default:
		c.JSON(http.StatusBadRequest, gin.H{"code": models.CodeInvalidAction, "error": "Unknown game type"})
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *TableHandler) engine(c *gin.Context) (games.GameEngine, bool) {
	engine, err := h.registry.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return nil, false
	}
	return engine, true
}

// run executes one engine call, publishes what it produced and answers with
// the table view.
func (h *TableHandler) run(c *gin.Context, engine games.GameEngine, call func(ctx context.Context) ([]models.Effect, error)) {
	ctx := c.Request.Context()
	effects, err := call(ctx)
	if err != nil {
		respondError(c, err)
		return
	}
	h.publish(ctx, engine.TableID(), effects)
	h.respondTable(c, http.StatusOK, engine)
}

func (h *TableHandler) publish(ctx context.Context, tableID string, effects []models.Effect) {
	if len(effects) == 0 {
		return
	}
	// The state change is already durable; a lost event is only logged.
	if err := h.broadcaster.Publish(context.WithoutCancel(ctx), tableID, effects); err != nil {
		h.logger.Warn("failed to publish effects", zap.String("table", tableID), zap.Error(err))
	}
}

func (h *TableHandler) respondTable(c *gin.Context, status int, engine games.GameEngine) {
	snap, err := engine.Snapshot(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	resp := gin.H{
		"success": true,
		"table":   snap,
	}
	if pv, ok := engine.(games.PrivateViewer); ok {
		private, err := pv.PrivateView(c.Request.Context(), c.GetString("user_id"))
		if err != nil {
			respondError(c, err)
			return
		}
		if private != nil {
			resp["private"] = private
		}
	}
	c.JSON(status, resp)
}
