// Package migrations applies versioned schema changes to the ledger database.
package migrations

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"gorm.io/gorm"
)

// Migration is one versioned schema change.
type Migration struct {
	Version     string
	Description string
	Up          func(tx *gorm.DB) error
	Down        func(tx *gorm.DB) error
}

// MigrationRecord tracks an applied migration.
type MigrationRecord struct {
	ID          uint      `gorm:"primarykey"`
	Version     string    `gorm:"uniqueIndex;not null"`
	Description string    `gorm:"not null"`
	AppliedAt   time.Time `gorm:"not null"`
}

// TableName returns the table name for migration records.
func (MigrationRecord) TableName() string {
	return "schema_migrations"
}

// MigrationStatus reports whether a migration has been applied.
type MigrationStatus struct {
	Version     string
	Description string
	Applied     bool
	AppliedAt   *time.Time
}

// Migrator applies registered migrations in version order.
type Migrator struct {
	db         *gorm.DB
	logger     *slog.Logger
	migrations []Migration
}

// NewMigrator creates a Migrator with no migrations registered.
func NewMigrator(db *gorm.DB, logger *slog.Logger) *Migrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Migrator{db: db, logger: logger}
}

// RegisterAll adds migrations to the registry.
func (m *Migrator) RegisterAll(migrations []Migration) {
	m.migrations = append(m.migrations, migrations...)
	slices.SortFunc(m.migrations, func(a, b Migration) int {
		return cmp.Compare(a.Version, b.Version)
	})
}

func (m *Migrator) applied(ctx context.Context) (map[string]MigrationRecord, error) {
	if err := m.db.WithContext(ctx).AutoMigrate(&MigrationRecord{}); err != nil {
		return nil, fmt.Errorf("initializing migrations table: %w", err)
	}
	var records []MigrationRecord
	if err := m.db.WithContext(ctx).Find(&records).Error; err != nil {
		return nil, fmt.Errorf("reading applied migrations: %w", err)
	}
	out := make(map[string]MigrationRecord, len(records))
	for _, r := range records {
		out[r.Version] = r
	}
	return out, nil
}

// Up applies every pending migration, each in its own transaction.
func (m *Migrator) Up(ctx context.Context) error {
	pending, err := m.Pending(ctx)
	if err != nil {
		return err
	}
	for _, mig := range pending {
		err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := mig.Up(tx); err != nil {
				return err
			}
			return tx.Create(&MigrationRecord{
				Version:     mig.Version,
				Description: mig.Description,
				AppliedAt:   time.Now().UTC(),
			}).Error
		})
		if err != nil {
			return fmt.Errorf("applying migration %s: %w", mig.Version, err)
		}
		m.logger.InfoContext(ctx, "migration applied",
			slog.String("version", mig.Version),
			slog.String("description", mig.Description),
		)
	}
	return nil
}

// Down rolls back the most recently applied migration.
func (m *Migrator) Down(ctx context.Context) error {
	if _, err := m.applied(ctx); err != nil {
		return err
	}

	var last MigrationRecord
	err := m.db.WithContext(ctx).Order("version DESC").First(&last).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("getting last migration: %w", err)
	}

	idx := slices.IndexFunc(m.migrations, func(mig Migration) bool { return mig.Version == last.Version })
	if idx < 0 {
		return fmt.Errorf("migration definition not found for version %s", last.Version)
	}
	mig := m.migrations[idx]
	if mig.Down == nil {
		return fmt.Errorf("migration %s does not support rollback", mig.Version)
	}

	err = m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := mig.Down(tx); err != nil {
			return err
		}
		return tx.Where("version = ?", mig.Version).Delete(&MigrationRecord{}).Error
	})
	if err != nil {
		return fmt.Errorf("rolling back migration %s: %w", mig.Version, err)
	}
	m.logger.InfoContext(ctx, "migration rolled back", slog.String("version", mig.Version))
	return nil
}

// Status lists every registered migration with its applied state.
func (m *Migrator) Status(ctx context.Context) ([]MigrationStatus, error) {
	applied, err := m.applied(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]MigrationStatus, 0, len(m.migrations))
	for _, mig := range m.migrations {
		st := MigrationStatus{Version: mig.Version, Description: mig.Description}
		if r, ok := applied[mig.Version]; ok {
			st.Applied = true
			st.AppliedAt = &r.AppliedAt
		}
		out = append(out, st)
	}
	return out, nil
}

// Pending returns the registered migrations not yet applied.
func (m *Migrator) Pending(ctx context.Context) ([]Migration, error) {
	applied, err := m.applied(ctx)
	if err != nil {
		return nil, err
	}
	var out []Migration
	for _, mig := range m.migrations {
		if _, ok := applied[mig.Version]; !ok {
			out = append(out, mig)
		}
	}
	return out, nil
}
