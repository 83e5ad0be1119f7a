package history

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"voicecall-server-go/internal/domain/llm"
	"voicecall-server-go/internal/platform/storage"
)

type sqliteStore struct {
	db     *gorm.DB
	maxLen int
}

// NewSQLite builds a SQLite-backed history store. The conversation_turns
// table is created by storage.Open.
func NewSQLite(db *gorm.DB, cfg Config) (Store, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlite store requires database handle")
	}
	return &sqliteStore{db: db, maxLen: cfg.MaxLen}, nil
}

func (s *sqliteStore) Append(ctx context.Context, sessionID string, turns ...Turn) error {
	if len(turns) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		records := make([]storage.TurnRecord, 0, len(turns))
		for _, t := range turns {
			at := t.At
			if at.IsZero() {
				at = time.Now()
			}
			records = append(records, storage.TurnRecord{
				SessionID: sessionID,
				Role:      string(t.Role),
				Content:   t.Content,
				ImageURL:  t.ImageURL,
				CreatedAt: at,
			})
		}
		if err := tx.Create(&records).Error; err != nil {
			return err
		}
		if s.maxLen <= 0 {
			return nil
		}
		keep := tx.Model(&storage.TurnRecord{}).
			Select("id").
			Where("session_id = ?", sessionID).
			Order("id DESC").
			Limit(s.maxLen)
		return tx.Where("session_id = ? AND id NOT IN (?)", sessionID, keep).
			Delete(&storage.TurnRecord{}).Error
	})
}

func (s *sqliteStore) Recent(ctx context.Context, sessionID string, n int) ([]Turn, error) {
	var records []storage.TurnRecord
	q := s.db.WithContext(ctx).Where("session_id = ?", sessionID).Order("id DESC")
	if n > 0 {
		q = q.Limit(n)
	}
	if err := q.Find(&records).Error; err != nil {
		return nil, err
	}
	turns := make([]Turn, len(records))
	for i, rec := range records {
		turns[len(records)-1-i] = Turn{
			Role:     llm.Role(rec.Role),
			Content:  rec.Content,
			ImageURL: rec.ImageURL,
			At:       rec.CreatedAt,
		}
	}
	return turns, nil
}

func (s *sqliteStore) Clear(ctx context.Context, sessionID string) error {
	return s.db.WithContext(ctx).Where("session_id = ?", sessionID).Delete(&storage.TurnRecord{}).Error
}

func (s *sqliteStore) Close() error { return nil }
