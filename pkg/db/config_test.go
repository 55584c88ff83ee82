package db

import (
	"testing"
	"time"

	"github.com/planfolio/billing/internal/config"
	"github.com/stretchr/testify/assert"
)

func TestPoolFromConfig(t *testing.T) {
	pool := PoolFromConfig(config.Config{
		DBMaxIdleConn:     4,
		DBMaxOpenConn:     32,
		DBConnMaxLifetime: 300,
		DBConnMaxIdleTime: 60,
	})

	assert.Equal(t, 4, pool.MaxIdleConn)
	assert.Equal(t, 32, pool.MaxOpenConn)
	assert.Equal(t, 5*time.Minute, pool.ConnMaxLifetime)
	assert.Equal(t, time.Minute, pool.ConnMaxIdleTime)
}
