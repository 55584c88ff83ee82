package db

import (
	"database/sql"
	"time"

	"github.com/planfolio/billing/internal/config"
)

// Pool carries connection pool limits for the relational store. Zero
// values keep the driver defaults.
type Pool struct {
	MaxIdleConn     int
	MaxOpenConn     int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// PoolFromConfig maps the env-level settings, given in seconds, onto
// pool limits.
func PoolFromConfig(cfg config.Config) Pool {
	return Pool{
		MaxIdleConn:     cfg.DBMaxIdleConn,
		MaxOpenConn:     cfg.DBMaxOpenConn,
		ConnMaxLifetime: time.Duration(cfg.DBConnMaxLifetime) * time.Second,
		ConnMaxIdleTime: time.Duration(cfg.DBConnMaxIdleTime) * time.Second,
	}
}

// Apply sets the configured limits on the handle.
func (p Pool) Apply(sqlDB *sql.DB) {
	if p.MaxIdleConn > 0 {
		sqlDB.SetMaxIdleConns(p.MaxIdleConn)
	}
	if p.MaxOpenConn > 0 {
		sqlDB.SetMaxOpenConns(p.MaxOpenConn)
	}
	if p.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(p.ConnMaxLifetime)
	}
	if p.ConnMaxIdleTime > 0 {
		sqlDB.SetConnMaxIdleTime(p.ConnMaxIdleTime)
	}
}
