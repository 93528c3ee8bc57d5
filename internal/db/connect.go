package db

import (
	"errors"
	"fmt"
	"net"
	"strconv"

	gomysql "github.com/go-sql-driver/mysql"
	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/axismundi/amallo/internal/config"
)

// ErrDisabled is returned by Open when no audit driver is configured.
var ErrDisabled = errors.New("db: audit store disabled")

// DSN builds a MySQL DSN for the audit database.
func DSN(cfg config.AuditConfig) string {
	mc := gomysql.NewConfig()
	mc.User = cfg.User
	mc.Passwd = cfg.Password
	mc.Net = "tcp"
	mc.Addr = net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	mc.DBName = cfg.Database
	mc.ParseTime = true
	return mc.FormatDSN()
}

// Open connects to the configured audit store and migrates its schema.
func Open(cfg config.AuditConfig) (*gorm.DB, error) {
	var dialector gorm.Dialector
	var where string
	switch cfg.Driver {
	case "":
		return nil, ErrDisabled
	case "sqlite":
		dialector = sqlite.Open(cfg.Path)
		where = cfg.Path
	case "mysql":
		dialector = mysql.Open(DSN(cfg))
		where = fmt.Sprintf("%s:%d/%s", cfg.Host, cfg.Port, cfg.Database)
	default:
		return nil, fmt.Errorf("db: unknown driver %q", cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("db: connect to %s %s: %w", cfg.Driver, where, err)
	}
	if err := AutoMigrate(db); err != nil {
		return nil, err
	}
	return db, nil
}
