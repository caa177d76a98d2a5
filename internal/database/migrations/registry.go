package migrations

import (
	"gorm.io/gorm"

	"github.com/jmylchreest/hlsforge/internal/models"
)

// AllMigrations returns all registered migrations in order.
func AllMigrations() []Migration {
	return []Migration{
		migration001Ledger(),
		migration002ArtifactOrderIndex(),
	}
}

func migration001Ledger() Migration {
	return Migration{
		Version:     "001",
		Description: "Create transcode ledger tables",
		Up: func(tx *gorm.DB) error {
			return tx.AutoMigrate(&models.Transcode{}, &models.SessionArtifact{})
		},
		Down: func(tx *gorm.DB) error {
			for _, table := range []string{"session_artifacts", "transcodes"} {
				if tx.Migrator().HasTable(table) {
					if err := tx.Migrator().DropTable(table); err != nil {
						return err
					}
				}
			}
			return nil
		},
	}
}

// migration002ArtifactOrderIndex speeds up upload plan reads.
func migration002ArtifactOrderIndex() Migration {
	const name = "idx_session_artifacts_plan"
	return Migration{
		Version:     "002",
		Description: "Index artifacts by transcode and upload order",
		Up: func(tx *gorm.DB) error {
			if tx.Migrator().HasIndex(&models.SessionArtifact{}, name) {
				return nil
			}
			return tx.Exec("CREATE INDEX " + name + " ON session_artifacts (transcode_id, upload_order)").Error
		},
		Down: func(tx *gorm.DB) error {
			if !tx.Migrator().HasIndex(&models.SessionArtifact{}, name) {
				return nil
			}
			return tx.Migrator().DropIndex(&models.SessionArtifact{}, name)
		},
	}
}
