package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	licenseErrors "github.com/2sic/resizer/internal/errors"
	"github.com/2sic/resizer/internal/license"
	"github.com/2sic/resizer/internal/security"
)

// stateRowID is the only row ever written
const stateRowID = 1

// LicenseState is the gorm model backing SQLPersister
type LicenseState struct {
	ID        uint `gorm:"primaryKey"`
	Document  []byte
	UpdatedAt time.Time
}

// TableName pins the table name
func (LicenseState) TableName() string {
	return "license_state"
}

// SQLPersister stores the state document in a single-row table
type SQLPersister struct {
	db     *gorm.DB
	cipher *security.StateCipher
}

// OpenSQLite opens (or creates) an SQLite database at dsn and migrates it
func OpenSQLite(dsn string, cipher *security.StateCipher) (*SQLPersister, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open state database: %w", err)
	}
	return NewSQLPersister(db, cipher)
}

// NewSQLPersister migrates the state table on db
func NewSQLPersister(db *gorm.DB, cipher *security.StateCipher) (*SQLPersister, error) {
	if err := db.AutoMigrate(&LicenseState{}); err != nil {
		return nil, fmt.Errorf("failed to migrate license state table: %w", err)
	}
	return &SQLPersister{db: db, cipher: cipher}, nil
}

// Load reads the state row
func (p *SQLPersister) Load(ctx context.Context) (license.Snapshot, error) {
	var row LicenseState
	err := p.db.WithContext(ctx).First(&row, stateRowID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return license.Snapshot{}, licenseErrors.ErrNoPersistedState
	}
	if err != nil {
		return license.Snapshot{}, fmt.Errorf("failed to read license state: %w", err)
	}
	return decodeSnapshot(row.Document, p.cipher)
}

// Save upserts the state row
func (p *SQLPersister) Save(ctx context.Context, snap license.Snapshot) error {
	data, err := encodeSnapshot(snap, p.cipher)
	if err != nil {
		return err
	}

	row := LicenseState{ID: stateRowID, Document: data, UpdatedAt: time.Now().UTC()}
	err = p.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"document", "updated_at"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("failed to write license state: %w", err)
	}
	return nil
}

// Close closes the underlying connection pool
func (p *SQLPersister) Close() error {
	sqlDB, err := p.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
