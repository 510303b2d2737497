package history

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// SQLStore keeps history in a relational database through gorm.
type SQLStore struct {
	db  *gorm.DB
	log *zap.Logger
}

// OpenSQL opens a sqlite or postgres database and migrates the schema.
func OpenSQL(driver, dsn string, log *zap.Logger) (*SQLStore, error) {
	var dialector gorm.Dialector
	switch driver {
	case "sqlite":
		if dsn == "" {
			dsn = "crossqueue.db"
		}
		dialector = sqlite.Open(dsn)
	case "postgres":
		if dsn == "" {
			return nil, fmt.Errorf("postgres history needs a dsn")
		}
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported sql driver %q", driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if driver == "sqlite" {
		// One writer; also keeps ":memory:" on a single database.
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("failed to get sql handle: %w", err)
		}
		sqlDB.SetMaxOpenConns(1)
	}
	return NewSQLStore(db, log)
}

// NewSQLStore wraps an existing connection.
func NewSQLStore(db *gorm.DB, log *zap.Logger) (*SQLStore, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if err := db.AutoMigrate(&Record{}); err != nil {
		return nil, fmt.Errorf("failed to migrate history schema: %w", err)
	}
	return &SQLStore{db: db, log: log.Named("history")}, nil
}

// Append inserts r. Re-inserting the same notice is a no-op.
func (s *SQLStore) Append(ctx context.Context, r Record) error {
	res := s.db.WithContext(ctx).Where("id = ?", r.ID).FirstOrCreate(&r)
	if res.Error != nil {
		s.log.Error("failed to store notice", zap.String("notice_id", r.ID), zap.Error(res.Error))
		return res.Error
	}
	return nil
}

// Recent implements Store.
func (s *SQLStore) Recent(ctx context.Context, q Query) ([]Record, error) {
	tx := s.db.WithContext(ctx).Model(&Record{})
	if q.Island > 0 {
		tx = tx.Where("island = ?", q.Island)
	}
	if q.RequestID > 0 {
		tx = tx.Where("request_id = ?", q.RequestID)
	}
	var out []Record
	err := tx.Order("at DESC").Order("id DESC").Limit(limitOf(q)).Find(&out).Error
	return out, err
}

// Close releases the connection pool.
func (s *SQLStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
