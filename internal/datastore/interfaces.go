// interfaces.go: this code defines the interface for the database operations
package datastore

import (
	"fmt"
	"log"
	"time"

	"github.com/tmakela/flowsift/internal/conf"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Interface abstracts the underlying database implementation and defines the
// operations the pipeline needs.
type Interface interface {
	Open() error
	Close() error
	SaveEdges(year int, edges []FlowEdge) error
	SaveRecords(year int, records []AsymmetryRecord) error
	SaveFlags(year int, flags []ConcentrationFlag) error
	SaveSummaries(year int, summaries []RegionSummary) error
	GetEdges(year int) ([]FlowEdge, error)
	GetRankedRecords(year int) ([]AsymmetryRecord, error)
}

// DataStore implements Interface using a GORM database.
type DataStore struct {
	DB *gorm.DB // GORM database instance
}

// New creates a new DataStore instance based on the provided configuration.
// Returns nil when no database output is enabled.
func New(settings *conf.Settings) Interface {
	if settings.Output.SQLite.Enabled {
		return &SQLiteStore{
			Settings: settings,
		}
	}
	return nil
}

// SaveEdges replaces the persisted edge set for one year in a single
// transaction: the canonical table is a full derivation, not an incremental
// update.
func (ds *DataStore) SaveEdges(year int, edges []FlowEdge) error {
	return ds.replaceForYear(year, &FlowEdge{}, func(tx *gorm.DB) error {
		if len(edges) == 0 {
			return nil
		}
		return tx.CreateInBatches(edges, 500).Error
	})
}

// SaveRecords replaces the persisted asymmetry records for one year.
func (ds *DataStore) SaveRecords(year int, records []AsymmetryRecord) error {
	return ds.replaceForYear(year, &AsymmetryRecord{}, func(tx *gorm.DB) error {
		if len(records) == 0 {
			return nil
		}
		return tx.CreateInBatches(records, 500).Error
	})
}

// SaveFlags replaces the persisted concentration flags for one year.
func (ds *DataStore) SaveFlags(year int, flags []ConcentrationFlag) error {
	return ds.replaceForYear(year, &ConcentrationFlag{}, func(tx *gorm.DB) error {
		if len(flags) == 0 {
			return nil
		}
		return tx.CreateInBatches(flags, 500).Error
	})
}

// SaveSummaries replaces the persisted region summaries for one year.
func (ds *DataStore) SaveSummaries(year int, summaries []RegionSummary) error {
	return ds.replaceForYear(year, &RegionSummary{}, func(tx *gorm.DB) error {
		if len(summaries) == 0 {
			return nil
		}
		return tx.CreateInBatches(summaries, 500).Error
	})
}

// replaceForYear deletes a year's rows of one model and inserts replacements
// inside one transaction.
func (ds *DataStore) replaceForYear(year int, model any, insert func(tx *gorm.DB) error) error {
	if ds.DB == nil {
		return fmt.Errorf("database connection is not initialized")
	}

	tx := ds.DB.Begin()
	if tx.Error != nil {
		return fmt.Errorf("starting transaction: %w", tx.Error)
	}

	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
		}
	}()

	if err := tx.Where("year = ?", year).Delete(model).Error; err != nil {
		tx.Rollback()
		return fmt.Errorf("clearing previous rows: %w", err)
	}

	if err := insert(tx); err != nil {
		tx.Rollback()
		return fmt.Errorf("inserting rows: %w", err)
	}

	return tx.Commit().Error
}

// GetEdges returns the persisted canonical edges for one year.
func (ds *DataStore) GetEdges(year int) ([]FlowEdge, error) {
	if ds.DB == nil {
		return nil, fmt.Errorf("database connection is not initialized")
	}

	var edges []FlowEdge
	err := ds.DB.Where("year = ?", year).
		Order("origin_id, destination_id").
		Find(&edges).Error
	return edges, err
}

// GetRankedRecords returns a year's asymmetry records in ranking order.
func (ds *DataStore) GetRankedRecords(year int) ([]AsymmetryRecord, error) {
	if ds.DB == nil {
		return nil, fmt.Errorf("database connection is not initialized")
	}

	var records []AsymmetryRecord
	err := ds.DB.Where("year = ?", year).
		Order("cv DESC, gini DESC, top_concentration_ratio DESC, origin_id").
		Find(&records).Error
	return records, err
}

// performAutoMigration runs gorm auto-migration for all models.
func performAutoMigration(db *gorm.DB, debug bool, dbType, connectionInfo string) error {
	if err := db.AutoMigrate(&FlowEdge{}, &AsymmetryRecord{}, &ConcentrationFlag{}, &RegionSummary{}); err != nil {
		return fmt.Errorf("failed to auto-migrate %s database: %w", dbType, err)
	}

	if debug {
		log.Printf("%s database connection initialized: %s", dbType, connectionInfo)
	}
	return nil
}

// createGormLogger returns a gorm logger that stays quiet unless queries slow down.
func createGormLogger() logger.Interface {
	return logger.New(
		log.Default(),
		logger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
}
