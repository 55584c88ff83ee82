package migration

import (
	"fmt"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func TestRun_SQLiteUsesAutoMigrator(t *testing.T) {
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())), &gorm.Config{})
	require.NoError(t, err)

	require.NoError(t, Run(db, "sqlite"))

	for _, table := range []string{
		"billable_entities",
		"plans",
		"products",
		"plan_assignments",
		"plan_change_schedules",
		"billing_events",
		"usage_events",
		"usage_counters",
		"idempotency_records",
	} {
		assert.True(t, db.Migrator().HasTable(table), table)
	}
	assert.True(t, db.Migrator().HasIndex("usage_events", "ux_usage_events_dedupe"))

	// second run is a no-op, not an error
	require.NoError(t, Run(db, "sqlite"))
}
