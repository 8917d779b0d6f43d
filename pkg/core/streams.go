package core

import (
	"strconv"
	"time"
)

// Wire contract with the stream store. Every stream uses the same consumer group.
const (
	ControlStream = "stream:tg_bot:control"
	GroupName     = "base"

	botStreamPrefix       = "stream:tg_bot:"
	broadcastStreamPrefix = "stream:tg_bot:broadcast:"
	logsStreamPrefix      = "stream:tg_bot:logs:"

	botKeyPrefix = "bot:"
)

// BotStream returns the name of a bot's primary work stream.
func BotStream(botID int64) string {
	return botStreamPrefix + strconv.FormatInt(botID, 10)
}

// BroadcastStream returns the name of a bot's broadcast stream, used for edits,
// deletes and bulk sends.
func BroadcastStream(botID int64) string {
	return broadcastStreamPrefix + strconv.FormatInt(botID, 10)
}

// LogsStream returns the name of a bot's optional outcome log stream.
func LogsStream(botID int64) string {
	return logsStreamPrefix + strconv.FormatInt(botID, 10)
}

func botKey(botID int64) string {
	return botKeyPrefix + strconv.FormatInt(botID, 10)
}

// Config holds the dispatcher tunables. Zero values fall back to the defaults below.
type Config struct {
	GlobalRPS        int           `mapstructure:"global_rps"`
	PerChatDelay     time.Duration `mapstructure:"per_chat_delay"`
	PerChatEditDelay time.Duration `mapstructure:"per_chat_edit_delay"`
	PerGroupDelay    time.Duration `mapstructure:"per_group_delay"`
	ReclaimInterval  time.Duration `mapstructure:"reclaim_interval"`
	IdleThreshold    time.Duration `mapstructure:"idle_threshold"`
	MaxPendingToScan int64         `mapstructure:"max_pending_to_scan"`
	ReadBlock        time.Duration `mapstructure:"read_block"`
}

const (
	defaultReclaimInterval  = time.Minute
	defaultIdleThreshold    = 30 * time.Second
	defaultMaxPendingToScan = 10
	defaultReadBlock        = 2 * time.Second

	workerBatchSize     = 10
	controllerBatchSize = 2
	historyBatchSize    = 10
)

func (c Config) withDefaults() Config {
	if c.ReclaimInterval <= 0 {
		c.ReclaimInterval = defaultReclaimInterval
	}

	if c.IdleThreshold <= 0 {
		c.IdleThreshold = defaultIdleThreshold
	}

	if c.MaxPendingToScan <= 0 {
		c.MaxPendingToScan = defaultMaxPendingToScan
	}

	if c.ReadBlock <= 0 {
		c.ReadBlock = defaultReadBlock
	}

	return c
}
