package storage

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"voicecall-server-go/internal/platform/errors"
	"voicecall-server-go/internal/platform/storage/migrations"
)

// TurnRecord is one persisted conversation turn.
type TurnRecord struct {
	ID        uint   `gorm:"primaryKey"`
	SessionID string `gorm:"size:64;not null;index:idx_conversation_turns_session"`
	Role      string `gorm:"size:16;not null"`
	Content   string `gorm:"not null"`
	ImageURL  string
	CreatedAt time.Time `gorm:"not null"`
}

func (TurnRecord) TableName() string { return "conversation_turns" }

// CallRecord summarizes one call session.
type CallRecord struct {
	ID        uint   `gorm:"primaryKey"`
	SessionID string `gorm:"size:64;not null;uniqueIndex"`
	StartedAt time.Time
	EndedAt   *time.Time
	Turns     int
	Failures  int
	EndReason string `gorm:"size:64"`
}

func (CallRecord) TableName() string { return "call_records" }

// Open opens a SQLite database and applies pending migrations. File DSNs get
// their parent directory created.
func Open(dsn string) (*gorm.DB, error) {
	if dsn == "" {
		return nil, errors.New(errors.KindStorage, "storage.open", "empty sqlite dsn")
	}
	if !strings.HasPrefix(dsn, "file:") && !strings.Contains(dsn, ":memory:") {
		if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
			return nil, errors.Wrap(errors.KindStorage, "storage.mkdir", "failed to create data directory", err)
		}
	}

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, errors.Wrap(errors.KindStorage, "storage.open", "failed to open database", err)
	}

	migrator := NewMigrator(db,
		&migrations.Migration001Initial{},
		&migrations.Migration002CallRecords{},
	)
	if _, err := migrator.Apply(context.Background()); err != nil {
		_ = Close(db)
		return nil, err
	}
	return db, nil
}

// Close releases the underlying connection pool.
func Close(db *gorm.DB) error {
	if db == nil {
		return nil
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// CallRepository stores call session summaries.
type CallRepository struct {
	db *gorm.DB
}

func NewCallRepository(db *gorm.DB) *CallRepository {
	return &CallRepository{db: db}
}

func (r *CallRepository) Start(ctx context.Context, sessionID string, at time.Time) error {
	rec := &CallRecord{SessionID: sessionID, StartedAt: at}
	if err := r.db.WithContext(ctx).Create(rec).Error; err != nil {
		return errors.Wrap(errors.KindStorage, "call.start", "failed to record call start", err)
	}
	return nil
}

func (r *CallRepository) Finish(ctx context.Context, sessionID string, at time.Time, turns, failures int, reason string) error {
	err := r.db.WithContext(ctx).Model(&CallRecord{}).
		Where("session_id = ?", sessionID).
		Updates(map[string]any{
			"ended_at":   at,
			"turns":      turns,
			"failures":   failures,
			"end_reason": reason,
		}).Error
	if err != nil {
		return errors.Wrap(errors.KindStorage, "call.finish", "failed to record call end", err)
	}
	return nil
}

func (r *CallRepository) Get(ctx context.Context, sessionID string) (*CallRecord, error) {
	var rec CallRecord
	if err := r.db.WithContext(ctx).Where("session_id = ?", sessionID).First(&rec).Error; err != nil {
		return nil, errors.Wrap(errors.KindStorage, "call.get", "call record not found", err)
	}
	return &rec, nil
}
