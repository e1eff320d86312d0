package sqlite

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"gorm.io/gorm"
)

// runMigrations brings the LAS schema up to date using gormigrate,
// mirroring the teacher's versioned-migration style.
func runMigrations(db *gorm.DB) error {
	m := gormigrate.New(db, gormigrate.DefaultOptions, []*gormigrate.Migration{
		{
			ID: "001_conv_entries",
			Migrate: func(tx *gorm.DB) error {
				return tx.AutoMigrate(&envelope{})
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable("conv_entries")
			},
		},
		{
			ID: "002_search_history",
			Migrate: func(tx *gorm.DB) error {
				return tx.AutoMigrate(&historyRow{})
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable("search_history")
			},
		},
	})
	return m.Migrate()
}
