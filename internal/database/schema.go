package database

import (
	"errors"
	"strconv"

	"github.com/MarcoPoloResearchLab/replisync/internal/repository"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// SchemaVersion identifies the table layout this build expects. Bumping it recreates every table.
const SchemaVersion = 6

const metaKeySchemaVersion = repository.MetaKeySchemaVersion

type metaRecord = repository.MetaRow

// EnsureSchema recreates all tables when the stored schema version differs from SchemaVersion.
// An absent version counts as a mismatch.
func EnsureSchema(db *gorm.DB, logger *zap.Logger) error {
	if db == nil {
		return errMissingHandle
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	actual, err := storedSchemaVersion(db)
	if err != nil {
		return err
	}
	if actual == SchemaVersion {
		return nil
	}

	tables := repository.Models()
	return db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Migrator().DropTable(tables...); err != nil {
			return err
		}
		if err := tx.AutoMigrate(tables...); err != nil {
			return err
		}
		if err := tx.Create(&metaRecord{Key: metaKeySchemaVersion, Value: strconv.Itoa(SchemaVersion)}).Error; err != nil {
			return err
		}
		logger.Info("database schema recreated",
			zap.Int("previous_version", actual),
			zap.Int("schema_version", SchemaVersion))
		return nil
	})
}

func storedSchemaVersion(db *gorm.DB) (int, error) {
	if !db.Migrator().HasTable(&metaRecord{}) {
		return 0, nil
	}
	var record metaRecord
	err := db.Where("key = ?", metaKeySchemaVersion).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	version, err := strconv.Atoi(record.Value)
	if err != nil {
		return 0, nil
	}
	return version, nil
}
