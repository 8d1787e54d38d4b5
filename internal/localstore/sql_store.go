package localstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Entry is one persisted key/value pair.
type Entry struct {
	Key              string `gorm:"column:key;primaryKey;size:190;not null"`
	Value            string `gorm:"column:value;type:text;not null"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Entry) TableName() string {
	return "local_kv"
}

// SQLStore persists entries in the local SQLite database.
type SQLStore struct {
	db    *gorm.DB
	clock func() time.Time
}

// NewSQLStore wraps an opened database whose schema includes Entry.
func NewSQLStore(db *gorm.DB, clock func() time.Time) (*SQLStore, error) {
	if db == nil {
		return nil, fmt.Errorf("localstore: database handle required")
	}
	if clock == nil {
		clock = time.Now
	}
	return &SQLStore{db: db, clock: clock}, nil
}

func (s *SQLStore) Get(ctx context.Context, key string) (string, bool, error) {
	if key == "" {
		return "", false, ErrEmptyKey
	}
	var entry Entry
	err := s.db.WithContext(ctx).Where("key = ?", key).Take(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("localstore: get %s: %w", key, err)
	}
	return entry.Value, true, nil
}

func (s *SQLStore) Put(ctx context.Context, key, value string) error {
	if key == "" {
		return ErrEmptyKey
	}
	entry := Entry{
		Key:              key,
		Value:            value,
		UpdatedAtSeconds: s.clock().UTC().Unix(),
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "key"}},
			DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at_s"}),
		}).
		Create(&entry).Error
	if err != nil {
		return fmt.Errorf("localstore: put %s: %w", key, err)
	}
	return nil
}

func (s *SQLStore) Delete(ctx context.Context, key string) error {
	if key == "" {
		return ErrEmptyKey
	}
	if err := s.db.WithContext(ctx).Where("key = ?", key).Delete(&Entry{}).Error; err != nil {
		return fmt.Errorf("localstore: delete %s: %w", key, err)
	}
	return nil
}
