package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/referrals/internal/referrals"
	"github.com/MarcoPoloResearchLab/referrals/internal/users"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationBackfillReferralCounts = "2026-10-16_backfill_referral_counts"
	migrationShareAccountIDs        = "2026-10-17_accounts_account_id_shared"

	accountIDIndex = "idx_accounts_account_id"
)

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

var migrations = []migrationDefinition{
	{name: migrationBackfillReferralCounts, apply: backfillReferralCounts},
	{name: migrationShareAccountIDs, apply: shareAccountIDs},
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		err = db.Transaction(func(tx *gorm.DB) error {
			if err := migration.apply(tx); err != nil {
				return err
			}
			return tx.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: time.Now().UTC().Unix()}).Error
		})
		if err != nil {
			return err
		}
		logger.Info("database migration applied", zap.String("migration", migration.name))
	}
	return nil
}

// Counts written before the edge insert and increment shared a transaction may trail the ledger.
func backfillReferralCounts(db *gorm.DB) error {
	_, err := referrals.BackfillCounts(db)
	return err
}

// Early schemas made account_id unique, which rejected a second provider login for the same subject.
func shareAccountIDs(db *gorm.DB) error {
	migrator := db.Migrator()
	if !migrator.HasTable(&users.Account{}) {
		return nil
	}
	if migrator.HasIndex(&users.Account{}, accountIDIndex) {
		if err := migrator.DropIndex(&users.Account{}, accountIDIndex); err != nil {
			return err
		}
	}
	return migrator.CreateIndex(&users.Account{}, accountIDIndex)
}
