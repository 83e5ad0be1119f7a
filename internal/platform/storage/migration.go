package storage

import (
	"context"
	"fmt"
	"sort"
	"time"

	"gorm.io/gorm"

	"voicecall-server-go/internal/platform/errors"
)

// Migration is one schema change. Versions sort lexically, so they carry a
// zero-padded prefix ("001_initial").
type Migration interface {
	Version() string
	Description() string
	Up(db *gorm.DB) error
	Down(db *gorm.DB) error
}

// MigrationRecord marks an applied migration.
type MigrationRecord struct {
	Version     string    `gorm:"primaryKey;size:64"`
	Description string    `gorm:"not null"`
	AppliedAt   time.Time `gorm:"not null"`
}

func (MigrationRecord) TableName() string { return "schema_migrations" }

// Migrator applies migrations in version order, each in its own transaction
// together with its schema_migrations row.
type Migrator struct {
	db         *gorm.DB
	migrations []Migration
}

func NewMigrator(db *gorm.DB, migrations ...Migration) *Migrator {
	sorted := append([]Migration(nil), migrations...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Version() < sorted[j].Version() })
	return &Migrator{db: db, migrations: sorted}
}

func (m *Migrator) ensureTable(ctx context.Context) error {
	if err := m.db.WithContext(ctx).AutoMigrate(&MigrationRecord{}); err != nil {
		return errors.Wrap(errors.KindStorage, "migrate.init", "failed to create schema_migrations", err)
	}
	return nil
}

// Applied lists applied migrations, oldest first.
func (m *Migrator) Applied(ctx context.Context) ([]MigrationRecord, error) {
	if err := m.ensureTable(ctx); err != nil {
		return nil, err
	}
	var records []MigrationRecord
	if err := m.db.WithContext(ctx).Order("version").Find(&records).Error; err != nil {
		return nil, errors.Wrap(errors.KindStorage, "migrate.applied", "failed to read schema_migrations", err)
	}
	return records, nil
}

// Pending lists registered migrations that have not been applied yet.
func (m *Migrator) Pending(ctx context.Context) ([]Migration, error) {
	records, err := m.Applied(ctx)
	if err != nil {
		return nil, err
	}
	done := make(map[string]struct{}, len(records))
	for _, r := range records {
		done[r.Version] = struct{}{}
	}
	var pending []Migration
	for _, mig := range m.migrations {
		if _, ok := done[mig.Version()]; !ok {
			pending = append(pending, mig)
		}
	}
	return pending, nil
}

// Apply runs every pending migration and returns how many ran. It stops at
// the first failure; earlier migrations stay applied.
func (m *Migrator) Apply(ctx context.Context) (int, error) {
	pending, err := m.Pending(ctx)
	if err != nil {
		return 0, err
	}
	for i, mig := range pending {
		err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := mig.Up(tx); err != nil {
				return err
			}
			return tx.Create(&MigrationRecord{
				Version:     mig.Version(),
				Description: mig.Description(),
				AppliedAt:   time.Now(),
			}).Error
		})
		if err != nil {
			return i, errors.Wrap(errors.KindStorage, "migrate.up",
				fmt.Sprintf("migration %s failed", mig.Version()), err)
		}
	}
	return len(pending), nil
}

// Rollback reverts the most recently applied migration and returns its
// version.
func (m *Migrator) Rollback(ctx context.Context) (string, error) {
	records, err := m.Applied(ctx)
	if err != nil {
		return "", err
	}
	if len(records) == 0 {
		return "", errors.New(errors.KindStorage, "migrate.down", "nothing to roll back")
	}
	last := records[len(records)-1]

	var target Migration
	for _, mig := range m.migrations {
		if mig.Version() == last.Version {
			target = mig
			break
		}
	}
	if target == nil {
		return "", errors.New(errors.KindStorage, "migrate.down",
			fmt.Sprintf("migration %s is applied but not registered", last.Version))
	}

	err = m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := target.Down(tx); err != nil {
			return err
		}
		return tx.Delete(&MigrationRecord{}, "version = ?", last.Version).Error
	})
	if err != nil {
		return "", errors.Wrap(errors.KindStorage, "migrate.down",
			fmt.Sprintf("rollback of %s failed", last.Version), err)
	}
	return last.Version, nil
}
