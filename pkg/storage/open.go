package storage

import (
	"fmt"
	"time"

	puresqlite "github.com/glebarez/sqlite"
	gomysql "github.com/go-sql-driver/mysql"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Supported driver names for Open.
const (
	DriverSQLite     = "sqlite"      // cgo, gorm.io/driver/sqlite
	DriverSQLitePure = "sqlite-pure" // pure Go, github.com/glebarez/sqlite
	DriverPostgres   = "postgres"
	DriverMySQL      = "mysql"
)

// Dialector builds the GORM dialector for driver and dsn.
func Dialector(driver, dsn string) (gorm.Dialector, error) {
	switch driver {
	case DriverSQLite, "sqlite3", "":
		return sqlite.Open(dsn), nil
	case DriverSQLitePure:
		return puresqlite.Open(dsn), nil
	case DriverPostgres, "postgresql":
		return postgres.Open(dsn), nil
	case DriverMySQL:
		cfg, err := gomysql.ParseDSN(dsn)
		if err != nil {
			return nil, fmt.Errorf("storage: parse mysql dsn: %w", err)
		}
		// Scanning DATETIME into time.Time needs parseTime.
		cfg.ParseTime = true
		cfg.Loc = time.UTC
		return mysql.Open(cfg.FormatDSN()), nil
	}
	return nil, fmt.Errorf("storage: unsupported driver %q", driver)
}

// Open connects to the database, applies the pool options and returns a
// GormStorage. SQLite gets a single connection that is never recycled, so
// an in-memory database lives as long as the storage.
func Open(driver, dsn string, logLevel logger.LogLevel, opts ...PoolOption) (*GormStorage, error) {
	dialector, err := Dialector(driver, dsn)
	if err != nil {
		return nil, err
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:         logger.Default.LogMode(logLevel),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", driver, err)
	}

	if db.Dialector.Name() == "sqlite" {
		opts = append(opts, MaxOpenConns(1), MaxIdleConns(1), ConnMaxLifetime(0), ConnMaxIdleTime(0))
	}
	return NewGormStorageWithPool(db, opts...)
}
