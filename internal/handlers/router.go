package handlers

import (
	"context"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"casino-table-engine/internal/games"
	"casino-table-engine/internal/middleware"
	"casino-table-engine/internal/models"
	"casino-table-engine/internal/services"
)

// Accounts is the part of the ledger the API exposes. Deposit is only
// reachable with DevLogin.
type Accounts interface {
	Balance(ctx context.Context, userID string) (int64, error)
	Transactions(ctx context.Context, userID string, limit int) ([]*models.Transaction, error)
	Deposit(ctx context.Context, userID string, amount int64, description string) (int64, error)
}

type RouterDeps struct {
	Registry    *games.Registry
	Broadcaster services.Broadcaster
	Accounts    Accounts
	JWT         *services.JWTService
	Redis       *services.RedisService
	Hub         *Hub
	Logger      *zap.Logger
	// DevLogin exposes POST /auth/token, which signs a token for any user id,
	// and POST /api/balance/deposit for topping up test accounts.
	DevLogin bool
}

func NewRouter(deps RouterDeps) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(deps.Logger))

	router.Use(func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	})

	userHandler := NewUserHandler(deps.Accounts, deps.JWT, deps.Logger)
	tableHandler := NewTableHandler(deps.Registry, deps.Broadcaster, deps.Logger)
	wsHandler := NewWebSocketHandler(deps.Hub, deps.Registry, deps.Logger)

	router.GET("/health", func(c *gin.Context) { c.JSON(200, gin.H{"status": "ok"}) })
	if deps.DevLogin {
		router.POST("/auth/token", userHandler.IssueToken)
	}

	protected := router.Group("/api")
	protected.Use(middleware.AuthMiddleware(deps.JWT), middleware.RateLimitMiddleware(deps.Redis, deps.Logger))
	{
		protected.GET("/balance", userHandler.GetBalance)
		if deps.DevLogin {
			protected.POST("/balance/deposit", userHandler.Deposit)
		}
		protected.POST("/verify", tableHandler.Verify)
		protected.GET("/ws", wsHandler.HandleWebSocket)

		tables := protected.Group("/tables")
		{
			tables.POST("", tableHandler.CreateTable)
			tables.GET("", tableHandler.ListTables)
			tables.GET("/:id", tableHandler.GetTable)
			tables.DELETE("/:id", tableHandler.DeleteTable)

			tables.POST("/:id/seats", tableHandler.JoinSeat)
			tables.DELETE("/:id/seats/:seat", tableHandler.LeaveSeat)
			tables.POST("/:id/seed", tableHandler.SetClientSeed)
			tables.POST("/:id/bets", tableHandler.PlaceBet)
			tables.POST("/:id/start", tableHandler.StartHand)
			tables.POST("/:id/resolve", tableHandler.ResolveHand)
			tables.POST("/:id/actions", tableHandler.Act)
		}
	}
	return router
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	logger = logger.Named("http")
	return func(c *gin.Context) {
		c.Next()
		logger.Debug("request",
			zap.String("method", c.Request.Method),
			zap.String("route", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.String("user", c.GetString("user_id")))
	}
}
