package postgres

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
)

// DailyDeltas maps counter column names to additive deltas. Integer counters
// use int64; total_cost uses a decimal string so NUMERIC addition stays exact.
type DailyDeltas map[string]any

// Counter columns shared by org_stats_daily and user_stats_daily.
// active_users_count exists only on the org table and is maintained through
// MarkActiveUser, never through deltas.
var dailyCounters = map[string]struct{}{
	"sessions_count":             {},
	"sessions_with_handoff":      {},
	"sessions_with_post_handoff": {},
	"runs_count":                 {},
	"success_runs":               {},
	"failed_runs":                {},
	"errors_tool":                {},
	"errors_model":               {},
	"errors_timeout":             {},
	"errors_other":               {},
	"total_duration_ms":          {},
	"total_cost":                 {},
	"total_input_tokens":         {},
	"total_output_tokens":        {},
}

// AddOrgDaily additively upserts the per-org daily row. Missing rows are
// created with the deltas as initial values; counters absent from deltas are
// untouched.
func (s *Store) AddOrgDaily(ctx context.Context, tx pgx.Tx, orgID string, day time.Time, deltas DailyDeltas) error {
	return addDaily(ctx, tx, "org_stats_daily", []string{"org_id", "day"}, []any{orgID, day}, deltas)
}

// AddUserDaily additively upserts the per-user daily row.
func (s *Store) AddUserDaily(ctx context.Context, tx pgx.Tx, orgID, userID string, day time.Time, deltas DailyDeltas) error {
	return addDaily(ctx, tx, "user_stats_daily", []string{"org_id", "user_id", "day"}, []any{orgID, userID, day}, deltas)
}

// MarkActiveUser records (org, user, day) in the active-user set table and
// reports whether the user is newly active for that day. The caller bumps
// org_stats_daily.active_users_count on the first sighting.
func (s *Store) MarkActiveUser(ctx context.Context, tx pgx.Tx, orgID, userID string, day time.Time) (bool, error) {
	ct, err := tx.Exec(ctx, `
		INSERT INTO org_daily_active_users (org_id, day, user_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (org_id, day, user_id) DO NOTHING`,
		orgID, day, userID)
	if err != nil {
		return false, fmt.Errorf("mark active user: %w", err)
	}
	return ct.RowsAffected() > 0, nil
}

// BumpActiveUsers increments the active-user cardinality on the org daily row.
func (s *Store) BumpActiveUsers(ctx context.Context, tx pgx.Tx, orgID string, day time.Time) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO org_stats_daily (org_id, day, active_users_count)
		VALUES ($1, $2, 1)
		ON CONFLICT (org_id, day)
		DO UPDATE SET active_users_count = org_stats_daily.active_users_count + 1`,
		orgID, day)
	if err != nil {
		return fmt.Errorf("bump active users: %w", err)
	}
	return nil
}

func addDaily(ctx context.Context, tx pgx.Tx, table string, keyCols []string, keyVals []any, deltas DailyDeltas) error {
	if len(deltas) == 0 {
		return nil
	}

	counters := make([]string, 0, len(deltas))
	for c := range deltas {
		if _, ok := dailyCounters[c]; !ok {
			return fmt.Errorf("unknown daily counter %q", c)
		}
		counters = append(counters, c)
	}
	sort.Strings(counters)

	args := make([]any, 0, len(keyVals)+len(counters))
	args = append(args, keyVals...)
	for _, c := range counters {
		args = append(args, deltas[c])
	}

	query := buildDailyUpsert(table, keyCols, counters)
	if _, err := tx.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("daily upsert %s: %w", table, err)
	}
	return nil
}

// buildDailyUpsert renders the additive upsert for a fully specified primary
// key. Counter order must match the argument order assembled by addDaily.
func buildDailyUpsert(table string, keyCols, counters []string) string {
	cols := append(append([]string{}, keyCols...), counters...)

	placeholders := make([]string, len(cols))
	for i := range cols {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}

	sets := make([]string, len(counters))
	for i, c := range counters {
		sets[i] = fmt.Sprintf("%s = %s.%s + EXCLUDED.%s", c, table, c, c)
	}

	return fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) DO UPDATE SET %s",
		table,
		strings.Join(cols, ", "),
		strings.Join(placeholders, ", "),
		strings.Join(keyCols, ", "),
		strings.Join(sets, ", "),
	)
}
