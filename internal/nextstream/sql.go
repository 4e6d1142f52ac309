package nextstream

import (
	"context"
	"fmt"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// nextStreamRow is the SQL shape of the record.
type nextStreamRow struct {
	ID        uint   `gorm:"primaryKey;autoIncrement:false"`
	Title     string `gorm:"size:140;not null"`
	StartTime string `gorm:"size:20;not null"`
	UpdatedAt time.Time
}

// SQLStore keeps the record in a MySQL table through gorm.
type SQLStore struct {
	db    *gorm.DB
	table string
}

// OpenSQLStore connects to dsn and makes sure the table exists.
func OpenSQLStore(dsn, table string) (*SQLStore, error) {
	db, err := gorm.Open(mysql.New(mysql.Config{
		DSN:               dsn,
		DefaultStringSize: 256,
	}), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to next-stream database: %w", err)
	}

	store := NewSQLStore(db, table)
	if err := store.Migrate(); err != nil {
		return nil, err
	}
	return store, nil
}

// NewSQLStore wraps an existing gorm handle.
func NewSQLStore(db *gorm.DB, table string) *SQLStore {
	return &SQLStore{db: db, table: table}
}

func (s *SQLStore) Name() string { return "sql" }

// Migrate creates or updates the table.
func (s *SQLStore) Migrate() error {
	if err := s.db.Table(s.table).AutoMigrate(&nextStreamRow{}); err != nil {
		return fmt.Errorf("failed to migrate %s: %w", s.table, err)
	}
	return nil
}

// Upsert writes the row under RecordID, updating title and start time on
// a key conflict.
func (s *SQLStore) Upsert(ctx context.Context, rec Record) error {
	row := nextStreamRow{
		ID:        RecordID,
		Title:     rec.Title,
		StartTime: rec.StartTime,
		UpdatedAt: time.Now().UTC(),
	}
	err := s.db.WithContext(ctx).Table(s.table).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"title", "start_time", "updated_at"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("failed to upsert next stream: %w", err)
	}
	return nil
}

// Clear deletes the row.
func (s *SQLStore) Clear(ctx context.Context) error {
	err := s.db.WithContext(ctx).Table(s.table).Where("id = ?", RecordID).Delete(&nextStreamRow{}).Error
	if err != nil {
		return fmt.Errorf("failed to clear next stream: %w", err)
	}
	return nil
}
