package backend

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/amoylab/sessiond/internal/common/cnst"
	"github.com/amoylab/sessiond/internal/common/config"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

// sessionRow is the table layout of a session record. Rows are keyed by
// context path and id so contexts sharing the table never see each other.
type sessionRow struct {
	ContextPath  string    `gorm:"primaryKey;size:255;index:idx_sessions_context_access,priority:1"`
	ID           string    `gorm:"primaryKey;size:128"`
	CreatedAt    time.Time `gorm:"not null"`
	LastAccessed time.Time `gorm:"not null;index:idx_sessions_context_access,priority:2"`
	MaxInactive  int64     `gorm:"not null;default:0"`
	Attributes   []byte
}

func (sessionRow) TableName() string {
	return "sessions"
}

func rowFromRecord(contextPath string, rec *Record) *sessionRow {
	return &sessionRow{
		ContextPath:  contextPath,
		ID:           rec.ID,
		CreatedAt:    rec.CreatedAt.UTC(),
		LastAccessed: rec.LastAccessed.UTC(),
		MaxInactive:  int64(rec.MaxInactive),
		Attributes:   rec.Attributes,
	}
}

func (r *sessionRow) toRecord() *Record {
	return &Record{
		ID:           r.ID,
		CreatedAt:    r.CreatedAt,
		LastAccessed: r.LastAccessed,
		MaxInactive:  time.Duration(r.MaxInactive),
		Attributes:   r.Attributes,
	}
}

// DB stores records in a SQL table through gorm
type DB struct {
	logger      *zap.Logger
	db          *gorm.DB
	contextPath string
}

var _ Backend = (*DB)(nil)

// NewDB opens the configured database and migrates the sessions table. The
// backend reads and writes the rows of contextPath only.
func NewDB(logger *zap.Logger, cfg *config.DatabaseConfig, contextPath string) (*DB, error) {
	dsn, err := cfg.GetDSN()
	if err != nil {
		return nil, err
	}

	var dialector gorm.Dialector
	switch cnst.DatabaseType(cfg.Type) {
	case cnst.DatabaseTypePostgres:
		dialector = postgres.Open(dsn)
	case cnst.DatabaseTypeMySQL:
		dialector = mysql.Open(dsn)
	case cnst.DatabaseTypeSQLite:
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported database type: %s", cfg.Type)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := db.AutoMigrate(&sessionRow{}); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return &DB{
		logger:      logger.Named("session.backend.db").With(zap.String("context", contextPath)),
		db:          db,
		contextPath: contextPath,
	}, nil
}

// rows scopes a query to the records of this backend's context
func (d *DB) rows(ctx context.Context) *gorm.DB {
	return d.db.WithContext(ctx).Model(&sessionRow{}).Where("context_path = ?", d.contextPath)
}

// Load implements Backend.Load
func (d *DB) Load(ctx context.Context, id string) (*Record, error) {
	var row sessionRow
	if err := d.rows(ctx).Where("id = ?", id).First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load session %s: %w", id, err)
	}
	return row.toRecord(), nil
}

// Save implements Backend.Save
func (d *DB) Save(ctx context.Context, rec *Record) error {
	err := d.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(rowFromRecord(d.contextPath, rec)).Error
	if err != nil {
		return fmt.Errorf("failed to save session %s: %w", rec.ID, err)
	}
	return nil
}

// Delete implements Backend.Delete
func (d *DB) Delete(ctx context.Context, id string) error {
	if err := d.rows(ctx).Where("id = ?", id).Delete(&sessionRow{}).Error; err != nil {
		return fmt.Errorf("failed to delete session %s: %w", id, err)
	}
	return nil
}

// Exists implements Backend.Exists
func (d *DB) Exists(ctx context.Context, id string) (bool, error) {
	var n int64
	if err := d.rows(ctx).Where("id = ?", id).Count(&n).Error; err != nil {
		return false, fmt.Errorf("failed to check session %s: %w", id, err)
	}
	return n > 0, nil
}

// ListIDs implements Backend.ListIDs
func (d *DB) ListIDs(ctx context.Context) ([]string, error) {
	var ids []string
	if err := d.rows(ctx).Pluck("id", &ids).Error; err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	return ids, nil
}

// ListByLastAccess implements Backend.ListByLastAccess
func (d *DB) ListByLastAccess(ctx context.Context, before time.Time) ([]string, error) {
	var ids []string
	err := d.rows(ctx).
		Where("last_accessed < ?", before.UTC()).
		Pluck("id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions by last access: %w", err)
	}
	return ids, nil
}

// Persistent implements Backend.Persistent
func (d *DB) Persistent() bool { return true }

// Close implements Backend.Close
func (d *DB) Close() error {
	sqlDB, err := d.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
