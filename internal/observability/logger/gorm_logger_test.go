package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	gormlogger "gorm.io/gorm/logger"
)

func TestSQLVerb(t *testing.T) {
	cases := []struct {
		sql  string
		want string
	}{
		{"SELECT * FROM plans", "SELECT"},
		{"insert into plans (id) values (1)", "INSERT"},
		{"WITH due AS (SELECT 1) UPDATE plans SET id", "UPDATE"},
		{"", "UNKNOWN"},
		{"EXPLAIN", "UNKNOWN"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, sqlVerb(tc.sql), tc.sql)
	}
}

func TestLogModeReturnsIndependentCopy(t *testing.T) {
	base := NewGormLogger(DefaultGormLoggerConfig())
	silent := base.LogMode(gormlogger.Silent).(*GormLogger)

	assert.Equal(t, gormlogger.Warn, base.cfg.Level)
	assert.Equal(t, gormlogger.Silent, silent.cfg.Level)
}
