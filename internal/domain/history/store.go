package history

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"voicecall-server-go/internal/domain/llm"
	"voicecall-server-go/internal/platform/errors"
)

// Driver identifiers supported by the history domain.
const (
	DriverMemory = "memory"
	DriverSQLite = "sqlite"
	DriverRedis  = "redis"
)

// Turn is one utterance in a conversation.
type Turn struct {
	Role     llm.Role  `json:"role"`
	Content  string    `json:"content"`
	ImageURL string    `json:"image_url,omitempty"`
	At       time.Time `json:"at"`
}

// Store persists conversation turns per session. Recent returns at most n
// turns in chronological order.
type Store interface {
	Append(ctx context.Context, sessionID string, turns ...Turn) error
	Recent(ctx context.Context, sessionID string, n int) ([]Turn, error)
	Clear(ctx context.Context, sessionID string) error
	Close() error
}

// Config describes the store selection parameters.
type Config struct {
	Driver string
	// MaxLen caps the stored turns per session. 0 keeps everything.
	MaxLen int
	TTL    time.Duration
	Redis  *RedisConfig
}

// RedisConfig locates the Redis server backing the redis driver.
type RedisConfig struct {
	Addr     string
	Username string
	Password string
	DB       int
	// Prefix namespaces the per-session list keys.
	Prefix string
}

// Dependencies are handles owned by the caller. The sqlite driver shares the
// call record database instead of opening its own.
type Dependencies struct {
	SQLiteDB *gorm.DB
}

// New picks the store named by cfg.Driver; an empty driver means memory.
func New(cfg Config, deps Dependencies) (Store, error) {
	switch cfg.Driver {
	case "", DriverMemory:
		return NewMemory(cfg), nil
	case DriverSQLite:
		if deps.SQLiteDB == nil {
			return nil, errors.New(errors.KindConfig, "history.new", "sqlite history needs history.sqlite.dsn")
		}
		return NewSQLite(deps.SQLiteDB, cfg)
	case DriverRedis:
		return NewRedis(cfg)
	default:
		return nil, errors.New(errors.KindConfig, "history.new", fmt.Sprintf("unknown history driver %q", cfg.Driver))
	}
}
