package database

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
	_ "modernc.org/sqlite" // pure Go driver registered as "sqlite"

	"github.com/dbehnke/cs-controller/pkg/logger"
)

// MemoryPath keeps the history in RAM for the life of the process.
const MemoryPath = ":memory:"

// pragmas applied to every file database. Procedure rows arrive in bursts
// from a single writer, so WAL with NORMAL sync is enough.
var pragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA synchronous=NORMAL",
	"PRAGMA busy_timeout=5000",
	"PRAGMA foreign_keys=ON",
}

// DB is the procedure history and FAE table store
type DB struct {
	db     *gorm.DB
	path   string
	logger *logger.Logger
}

// Config holds database configuration
type Config struct {
	Path string // SQLite file, or MemoryPath
}

// NewDB opens (creating if needed) the store and migrates its schema
func NewDB(cfg Config, log *logger.Logger) (*DB, error) {
	log = log.WithComponent("database")
	path := cfg.Path
	if path == "" {
		path = "cs-controller.db"
	}

	if path != MemoryPath {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, errors.Wrap(err, "can't create database directory")
			}
		}
	}

	gdb, err := gorm.Open(sqlite.Dialector{DriverName: "sqlite", DSN: path}, &gorm.Config{
		Logger: gormlogger.New(&gormLogAdapter{log: log}, gormlogger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
		}),
	})
	if err != nil {
		return nil, errors.Wrapf(err, "can't open %s", path)
	}

	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, errors.Wrap(err, "can't get connection pool")
	}
	if path == MemoryPath {
		// every pooled connection would get its own empty database
		sqlDB.SetMaxOpenConns(1)
	} else {
		for _, p := range pragmas {
			if _, err := sqlDB.Exec(p); err != nil {
				_ = sqlDB.Close()
				return nil, errors.Wrapf(err, "can't apply %q", p)
			}
		}
	}

	if err := gdb.AutoMigrate(&ProcedureRecord{}, &FAETableRecord{}); err != nil {
		_ = sqlDB.Close()
		return nil, errors.Wrap(err, "can't migrate schema")
	}

	log.Info("Database ready", logger.String("path", path))
	return &DB{db: gdb, path: path, logger: log}, nil
}

// Close closes the database connection
func (d *DB) Close() error {
	sqlDB, err := d.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// GetDB returns the underlying GORM database instance
func (d *DB) GetDB() *gorm.DB {
	return d.db
}

// Path returns the file the store lives in.
func (d *DB) Path() string {
	return d.path
}

// gormLogAdapter routes GORM's slow-query and error lines to our logger.
type gormLogAdapter struct {
	log *logger.Logger
}

func (l *gormLogAdapter) Printf(format string, args ...interface{}) {
	l.log.Warn(fmt.Sprintf(format, args...))
}
