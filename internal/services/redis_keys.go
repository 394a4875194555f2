package services

import "time"

const (
	KeyTablePhase   = "table:%s:phase"
	KeyTablePlayers = "table:%s:players"
	KeyTablePot     = "table:%s:pot"
	KeyTableHand    = "table:%s:hand"
	KeyTableCustom  = "table:%s:custom"
	KeyTableSettle  = "table:%s:settlement"
	KeyTableConfig  = "table:%s:config"
	KeyTableIndex   = "tables:index"
	KeyLock         = "lock:%s"
	KeyRateLimit    = "ratelimit:%s:%s"

	ChannelTableEvents  = "table:%s:events"
	ChannelTablePattern = "table:*:events"

	LockTable   = "table:%s"
	LockBalance = "balance:%s"

	DefaultRateLimitBets    = 30 // per minute
	DefaultRateLimitActions = 120
	DefaultRateLimitWindow  = time.Minute

	TTLTableConfig = 30 * 24 * time.Hour // 30 days
)
