package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildDailyUpsert(t *testing.T) {
	query := buildDailyUpsert("org_stats_daily", []string{"org_id", "day"}, []string{"runs_count", "total_cost"})

	assert.Equal(t,
		"INSERT INTO org_stats_daily (org_id, day, runs_count, total_cost) "+
			"VALUES ($1, $2, $3, $4) "+
			"ON CONFLICT (org_id, day) "+
			"DO UPDATE SET runs_count = org_stats_daily.runs_count + EXCLUDED.runs_count, "+
			"total_cost = org_stats_daily.total_cost + EXCLUDED.total_cost",
		query)
}

func TestBuildDailyUpsert_UserTable(t *testing.T) {
	query := buildDailyUpsert("user_stats_daily", []string{"org_id", "user_id", "day"}, []string{"sessions_count"})

	assert.Contains(t, query, "INSERT INTO user_stats_daily (org_id, user_id, day, sessions_count)")
	assert.Contains(t, query, "ON CONFLICT (org_id, user_id, day)")
	assert.Contains(t, query, "sessions_count = user_stats_daily.sessions_count + EXCLUDED.sessions_count")
}

func TestAddDaily_RejectsUnknownCounter(t *testing.T) {
	day := time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC)

	// Validation fires before the transaction is touched.
	err := addDaily(context.Background(), nil, "org_stats_daily",
		[]string{"org_id", "day"}, []any{"org-1", day},
		DailyDeltas{"sql_injection": int64(1)})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown daily counter "sql_injection"`)
}

func TestAddDaily_EmptyDeltasIsNoop(t *testing.T) {
	err := addDaily(context.Background(), nil, "org_stats_daily",
		[]string{"org_id", "day"}, []any{"org-1", time.Now()}, nil)
	assert.NoError(t, err)
}
