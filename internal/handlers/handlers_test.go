package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"casino-table-engine/internal/config"
	"casino-table-engine/internal/fairness"
	"casino-table-engine/internal/games"
	"casino-table-engine/internal/ledger"
	"casino-table-engine/internal/models"
	"casino-table-engine/internal/services"
)

type testServer struct {
	router *gin.Engine
	hub    *Hub
	jwt    *services.JWTService
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	mr := miniredis.RunT(t)
	rs := services.NewRedisServiceFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { rs.Close() })

	dsn := "file:" + filepath.Join(t.TempDir(), "ledger.db") + "?_txlock=immediate&_busy_timeout=5000"
	l, err := ledger.Open(dsn, 1000, "treasury", zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	logger := zap.NewNop()
	deps := services.Deps{
		Redis:  rs,
		Locks:  services.NewLockManager(rs, logger),
		Ledger: l,
		Seeds:  fairness.NewGenerator(nil, 0, logger),
		Logger: logger,
	}
	jwtService := services.NewJWTService(&config.Config{JWTSecret: "test-secret"})
	hub := NewHub(rs, logger)

	router := NewRouter(RouterDeps{
		Registry:    games.NewRegistry(deps),
		Broadcaster: services.NewRedisBroadcaster(rs),
		Accounts:    l,
		JWT:         jwtService,
		Redis:       rs,
		Hub:         hub,
		Logger:      logger,
		DevLogin:    true,
	})
	return &testServer{router: router, hub: hub, jwt: jwtService}
}

func (s *testServer) token(t *testing.T, userID string) string {
	t.Helper()
	tok, err := s.jwt.GenerateToken(userID)
	require.NoError(t, err)
	return tok
}

func (s *testServer) do(t *testing.T, method, path, token string, body interface{}) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	var out map[string]interface{}
	if w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	}
	return w, out
}

func (s *testServer) createTable(t *testing.T, token string, body gin.H) string {
	t.Helper()
	w, out := s.do(t, http.MethodPost, "/api/tables", token, body)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	table := out["table"].(map[string]interface{})
	return table["config"].(map[string]interface{})["id"].(string)
}

func TestAuthRequired(t *testing.T) {
	s := newTestServer(t)

	w, _ := s.do(t, http.MethodGet, "/api/balance", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w, _ = s.do(t, http.MethodGet, "/api/balance", "garbage", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w, out := s.do(t, http.MethodPost, "/auth/token", "", gin.H{"user_id": "alice"})
	require.Equal(t, http.StatusOK, w.Code)
	tok := out["token"].(string)

	w, out = s.do(t, http.MethodGet, "/api/balance", tok, nil)
	require.Equal(t, http.StatusOK, w.Code)
	balance := out["balance"].(map[string]interface{})
	assert.Equal(t, "alice", balance["user_id"])
	assert.EqualValues(t, 1000, balance["balance"])
}

func TestDevDeposit(t *testing.T) {
	s := newTestServer(t)
	alice := s.token(t, "alice")

	w, out := s.do(t, http.MethodPost, "/api/balance/deposit", alice, gin.H{"amount": 500})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.EqualValues(t, 1500, out["balance"].(map[string]interface{})["balance"])

	w, _ = s.do(t, http.MethodPost, "/api/balance/deposit", alice, gin.H{"amount": -5})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, out = s.do(t, http.MethodGet, "/api/balance", alice, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1500, out["balance"].(map[string]interface{})["balance"])
}

func TestHighCardOverHTTP(t *testing.T) {
	s := newTestServer(t)
	alice := s.token(t, "alice")

	id := s.createTable(t, alice, gin.H{"game_type": "highcard", "min_bet": 10, "max_bet": 200, "max_seats": 2})

	w, out := s.do(t, http.MethodPost, "/api/tables/"+id+"/seats", alice, gin.H{"seat": 0})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, string(models.PhasePlacingBets), out["table"].(map[string]interface{})["phase"])

	w, _ = s.do(t, http.MethodPost, "/api/tables/"+id+"/seats", s.token(t, "bob"), gin.H{"seat": 0})
	assert.Equal(t, http.StatusConflict, w.Code)

	w, out = s.do(t, http.MethodPost, "/api/tables/"+id+"/bets", alice, gin.H{"seat": 0, "amount": 500})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, string(models.CodeInvalidAction), out["code"])

	w, _ = s.do(t, http.MethodPost, "/api/tables/"+id+"/resolve", alice, nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	w, _ = s.do(t, http.MethodPost, "/api/tables/"+id+"/seed", alice, gin.H{"seat": 0, "client_seed": "lucky"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w, _ = s.do(t, http.MethodPost, "/api/tables/"+id+"/bets", alice, gin.H{"seat": 0, "amount": 100})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w, _ = s.do(t, http.MethodPost, "/api/tables/"+id+"/start", alice, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w, _ = s.do(t, http.MethodDelete, "/api/tables/"+id+"/seats/0", alice, nil)
	assert.Equal(t, http.StatusConflict, w.Code, "cannot leave mid-hand")

	w, out = s.do(t, http.MethodPost, "/api/tables/"+id+"/resolve", alice, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	table := out["table"].(map[string]interface{})
	assert.Equal(t, string(models.PhasePlacingBets), table["phase"])
	assert.EqualValues(t, 1, table["hand_number"])

	w, out = s.do(t, http.MethodGet, "/api/balance", alice, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, out["transactions"])

	w, _ = s.do(t, http.MethodDelete, "/api/tables/"+id+"/seats/0", alice, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	w, _ = s.do(t, http.MethodDelete, "/api/tables/"+id, alice, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w, out = s.do(t, http.MethodGet, "/api/tables/"+id, alice, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "NOT_FOUND", out["code"])
}

func TestCreateTableValidation(t *testing.T) {
	s := newTestServer(t)
	alice := s.token(t, "alice")

	w, _ := s.do(t, http.MethodPost, "/api/tables", alice, gin.H{"game_type": "roulette", "min_bet": 1, "max_bet": 1, "max_seats": 1})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = s.do(t, http.MethodPost, "/api/tables", alice, gin.H{"game_type": "bingo"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	s.createTable(t, alice, gin.H{"game_type": "bingo", "min_bet": 5, "max_bet": 5, "max_seats": 10})
	w, out := s.do(t, http.MethodGet, "/api/tables", alice, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, out["tables"], 1)
}

func TestBingoClaimVerdict(t *testing.T) {
	s := newTestServer(t)
	alice := s.token(t, "alice")
	id := s.createTable(t, alice, gin.H{"game_type": "bingo", "min_bet": 5, "max_bet": 5, "max_seats": 10})

	w, _ := s.do(t, http.MethodPost, "/api/tables/"+id+"/seats", alice, gin.H{"seat": 0})
	require.Equal(t, http.StatusOK, w.Code)
	w, out := s.do(t, http.MethodPost, "/api/tables/"+id+"/bets", alice, gin.H{"seat": 0, "amount": 5})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	cards := out["table"].(map[string]interface{})["game"].(map[string]interface{})["cards"].([]interface{})
	cardID := cards[0].(map[string]interface{})["id"].(string)

	w, _ = s.do(t, http.MethodPost, "/api/tables/"+id+"/start", alice, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w, out = s.do(t, http.MethodPost, "/api/tables/"+id+"/actions", alice, gin.H{"seat": 0, "action": "claim", "card_id": cardID})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, false, out["claim"].(map[string]interface{})["valid"])
}

func TestVerify(t *testing.T) {
	s := newTestServer(t)
	alice := s.token(t, "alice")

	pair := fairness.SeedPair{PlayerSeed: "player", ServerSeed: "server"}
	w, out := s.do(t, http.MethodPost, "/api/verify", alice, gin.H{
		"game_type":        "blackjack",
		"player_seed":      pair.PlayerSeed,
		"server_seed":      pair.ServerSeed,
		"server_seed_hash": pair.ServerSeedHash(),
		"decks":            2,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, true, out["hash_matches"])

	want := fairness.Shuffle(models.NewShoe(2), pair)
	order := out["order"].([]interface{})
	require.Len(t, order, len(want))
	assert.Equal(t, want[0].String(), order[0])
	assert.Equal(t, want[len(want)-1].String(), order[len(order)-1])

	w, out = s.do(t, http.MethodPost, "/api/verify", alice, gin.H{
		"game_type":        "bingo",
		"player_seed":      pair.PlayerSeed,
		"server_seed":      pair.ServerSeed,
		"server_seed_hash": "deadbeef",
	})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, out["hash_matches"])
	assert.Len(t, out["order"], 75)
}

func TestStatusMapping(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{models.InvalidState("x"), http.StatusConflict},
		{models.NewGameError(models.CodeInsufficientFunds, "x"), http.StatusPaymentRequired},
		{models.NewGameError(models.CodeSystemBusy, "x"), http.StatusServiceUnavailable},
		{models.InvalidAction("x"), http.StatusBadRequest},
		{errors.New("redis down"), http.StatusServiceUnavailable},
		{services.ErrTableNotFound, http.StatusNotFound},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.status, statusFor(tt.err), tt.err.Error())
	}

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	respondError(c, models.NewGameError(models.CodeSystemBusy, "table is busy, retry"))
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.EqualValues(t, retryAfterSeconds, body["retry_after"])
	assert.Equal(t, string(models.CodeSystemBusy), body["code"])
}

func TestWebSocketReceivesTableEvents(t *testing.T) {
	s := newTestServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.hub.Run(ctx)
	select {
	case <-s.hub.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("hub never subscribed")
	}

	srv := httptest.NewServer(s.router)
	defer srv.Close()

	alice := s.token(t, "alice")
	id := s.createTable(t, alice, gin.H{"game_type": "highcard", "min_bet": 10, "max_bet": 200, "max_seats": 2})

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/ws?token=" + alice
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	require.NoError(t, conn.WriteJSON(Message{Type: "SUBSCRIBE", TableID: id}))
	var msg Message
	require.NoError(t, conn.ReadJSON(&msg))
	require.Equal(t, "SUBSCRIBED", msg.Type)

	w, _ := s.do(t, http.MethodPost, "/api/tables/"+id+"/seats", alice, gin.H{"seat": 1})
	require.Equal(t, http.StatusOK, w.Code)

	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, string(models.EventPlayerSeated), msg.Type)
	assert.Equal(t, id, msg.TableID)

	require.NoError(t, conn.WriteJSON(Message{Type: "PING"}))
	for msg.Type != "PONG" {
		require.NoError(t, conn.ReadJSON(&msg))
	}
}
