package migrations

import (
	"gorm.io/gorm"
)

// Migration002CallRecords 创建通话记录表
type Migration002CallRecords struct{}

func (m *Migration002CallRecords) Version() string {
	return "002_call_records"
}

func (m *Migration002CallRecords) Description() string {
	return "Create call session summary table"
}

func (m *Migration002CallRecords) Up(db *gorm.DB) error {
	return db.Exec(`
		CREATE TABLE IF NOT EXISTS call_records (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id VARCHAR(64) NOT NULL UNIQUE,
			started_at DATETIME NOT NULL,
			ended_at DATETIME,
			turns INTEGER NOT NULL DEFAULT 0,
			failures INTEGER NOT NULL DEFAULT 0,
			end_reason VARCHAR(64)
		)
	`).Error
}

func (m *Migration002CallRecords) Down(db *gorm.DB) error {
	return db.Exec(`DROP TABLE IF EXISTS call_records`).Error
}
