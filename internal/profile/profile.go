// Package profile holds the runtime configuration of a vox harbor process.
package profile

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Mode selects which session table a shard loads its accounts from.
type Mode string

const (
	ModeProd Mode = "PROD"
	ModeDev1 Mode = "DEV_1"
	ModeDev2 Mode = "DEV_2"
)

// SessionTable returns the store table holding session descriptors for the mode.
func (m Mode) SessionTable() (string, error) {
	switch m {
	case ModeProd:
		return "bots", nil
	case ModeDev1:
		return "bots_dev_1", nil
	case ModeDev2:
		return "bots_dev_2", nil
	default:
		return "", errors.Errorf("unknown mode %q", string(m))
	}
}

// Profile is configuration to start a shard or controller process.
type Profile struct {
	Mode Mode

	ClickHouseHost     string
	ClickHousePort     int
	ClickHousePassword string

	ShardNum       int
	ShardHost      string
	ShardPort      int
	ShardEndpoints []string // controller's host:port list, one entry per shard

	ControllerHost string
	ControllerPort int

	ActiveSessionsCount    int // sessions per shard
	MaxChatsPerSession     int // join cap per session
	MinChatMembersCount    int // discovery threshold for groups
	MinChannelMembersCount int // discovery threshold for channels

	AutoDiscover  bool
	ReadOnly      bool
	AutoVotePolls bool
	LogToStore    bool

	ChatNetDriver string

	OpenAIAPIKey string
	OpenAIModel  string

	Version string
}

// FromEnv loads configuration from environment variables.
func (p *Profile) FromEnv() {
	p.Mode = Mode(strings.ToUpper(getEnvOrDefault("MODE", "")))

	p.ClickHouseHost = getEnvOrDefault("CLICKHOUSE_HOST", "")
	p.ClickHousePort = getEnvOrDefaultInt("CLICKHOUSE_PORT", 9440)
	p.ClickHousePassword = getEnvOrDefault("CLICKHOUSE_PASSWORD", "")

	p.ShardNum = getEnvOrDefaultInt("SHARD_NUM", 0)
	p.ShardHost = getEnvOrDefault("SHARD_HOST", "0.0.0.0")
	p.ShardPort = getEnvOrDefaultInt("SHARD_PORT", 8001)
	p.ShardEndpoints = splitCSV(getEnvOrDefault("SHARD_ENDPOINTS", ""))

	p.ControllerHost = getEnvOrDefault("CONTROLLER_HOST", "0.0.0.0")
	p.ControllerPort = getEnvOrDefaultInt("CONTROLLER_PORT", 8002)

	p.ActiveSessionsCount = getEnvOrDefaultInt("ACTIVE_BOTS_COUNT", 3)
	p.MaxChatsPerSession = getEnvOrDefaultInt("MAX_CHATS_FOR_BOT", 200)
	p.MinChatMembersCount = getEnvOrDefaultInt("MIN_CHAT_MEMBERS_COUNT", 300)
	p.MinChannelMembersCount = getEnvOrDefaultInt("MIN_CHANNEL_MEMBERS_COUNT", 5000)

	p.AutoDiscover = getEnvOrDefaultBool("AUTO_DISCOVER", false)
	p.ReadOnly = getEnvOrDefaultBool("READ_ONLY", false)
	p.AutoVotePolls = getEnvOrDefaultBool("AUTO_VOTE_POLLS", false)
	p.LogToStore = getEnvOrDefaultBool("LOG_TO_STORE", true)

	p.ChatNetDriver = getEnvOrDefault("CHATNET_DRIVER", "mtproto")

	p.OpenAIAPIKey = getEnvOrDefault("OPENAI_API_KEY", "")
	p.OpenAIModel = getEnvOrDefault("OPENAI_MODEL", "gpt-4o-mini")
}

// Validate checks that every required setting is present and consistent.
func (p *Profile) Validate() error {
	if _, err := p.Mode.SessionTable(); err != nil {
		return errors.Wrap(err, "MODE")
	}
	if p.ClickHouseHost == "" {
		return errors.New("CLICKHOUSE_HOST is required")
	}
	if p.ShardNum < 0 {
		return errors.New("SHARD_NUM must be non-negative")
	}
	if p.ActiveSessionsCount <= 0 {
		return errors.New("ACTIVE_BOTS_COUNT must be positive")
	}
	if len(p.ShardEndpoints) > 0 && p.ShardNum >= len(p.ShardEndpoints) {
		return errors.Errorf("SHARD_NUM %d is out of range of SHARD_ENDPOINTS (%d entries)",
			p.ShardNum, len(p.ShardEndpoints))
	}
	return nil
}

// ClickHouseAddr returns the host:port pair of the store endpoint.
func (p *Profile) ClickHouseAddr() string {
	return fmt.Sprintf("%s:%d", p.ClickHouseHost, p.ClickHousePort)
}

// ShardURL returns the base URL of the given shard, per SHARD_ENDPOINTS.
func (p *Profile) ShardURL(shard int) (string, error) {
	if shard < 0 || shard >= len(p.ShardEndpoints) {
		return "", errors.Errorf("shard %d is not listed in SHARD_ENDPOINTS", shard)
	}
	return "http://" + p.ShardEndpoints[shard], nil
}

// ShardBindAddr returns the local shard RPC bind address.
func (p *Profile) ShardBindAddr() string {
	return fmt.Sprintf("%s:%d", p.ShardHost, p.ShardPort)
}

// ControllerBindAddr returns the controller bind address.
func (p *Profile) ControllerBindAddr() string {
	return fmt.Sprintf("%s:%d", p.ControllerHost, p.ControllerPort)
}

// getEnvOrDefault returns environment variable value or default value.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvOrDefaultInt returns environment variable value as int or default value.
func getEnvOrDefaultInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvOrDefaultBool returns environment variable value as bool or default value.
func getEnvOrDefaultBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func splitCSV(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
