package database

import (
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/murmur/internal/messages"
	"github.com/MarcoPoloResearchLab/murmur/internal/users"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	defaultPragmas     = "_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	slowQueryThreshold = 200 * time.Millisecond
)

// OpenSQLite establishes a SQLite connection and performs schema migrations.
func OpenSQLite(path string, zapLogger *zap.Logger) (*gorm.DB, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("database path is required")
	}

	db, err := gorm.Open(sqlite.Open(withPragmas(path)), &gorm.Config{
		Logger: newGormLogger(zapLogger),
	})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&messages.EventRecord{}, &users.Identity{}, &migrationRecord{}); err != nil {
		return nil, err
	}

	if err := applyMigrations(db, zapLogger); err != nil {
		return nil, err
	}

	if zapLogger != nil {
		zapLogger.Info("database initialized", zap.String("path", path))
	}

	return db, nil
}

func withPragmas(path string) string {
	if strings.Contains(path, "?") || strings.Contains(path, ":memory:") {
		return path
	}
	return "file:" + path + "?" + defaultPragmas
}

// zapWriter feeds gorm's logger output into zap at warn level.
type zapWriter struct {
	sugar *zap.SugaredLogger
}

func (w zapWriter) Printf(format string, args ...interface{}) {
	w.sugar.Warnf(format, args...)
}

// newGormLogger reports failed and slow statements through zap. Missing rows are
// expected lookups and stay quiet.
func newGormLogger(zapLogger *zap.Logger) logger.Interface {
	if zapLogger == nil {
		return logger.Default.LogMode(logger.Silent)
	}
	return logger.New(zapWriter{sugar: zapLogger.Named("gorm").Sugar()}, logger.Config{
		SlowThreshold:             slowQueryThreshold,
		LogLevel:                  logger.Warn,
		IgnoreRecordNotFoundError: true,
		Colorful:                  false,
	})
}
