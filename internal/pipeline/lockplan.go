package pipeline

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/eremenai/cloud-agent-dashboard/internal/events"
)

// LockPlan is the deduplicated, globally ordered set of aggregate row locks a
// group of events needs. Acquisition order is the single source of deadlock
// freedom: org daily rows first, then user daily rows, then sessions, then
// runs, each level sorted ascending. No projector takes a lock on its own.
type LockPlan struct {
	OrgDays  []OrgDayKey
	UserDays []UserDayKey
	Sessions []SessionKey
	Runs     []RunKey
}

// OrgDayKey identifies an org_stats_daily row.
type OrgDayKey struct {
	OrgID string
	Day   time.Time
}

// UserDayKey identifies a user_stats_daily row.
type UserDayKey struct {
	OrgID  string
	UserID string
	Day    time.Time
}

// SessionKey identifies a session_stats row.
type SessionKey struct {
	OrgID     string
	SessionID string
}

// RunKey identifies a run_facts row.
type RunKey struct {
	OrgID string
	RunID string
}

// PlanLocks collects every aggregate key the events may touch, deduplicates
// within each level, and sorts each level ascending.
func PlanLocks(evs []events.Event) *LockPlan {
	orgDays := make(map[OrgDayKey]struct{})
	userDays := make(map[UserDayKey]struct{})
	sessions := make(map[SessionKey]struct{})
	runs := make(map[RunKey]struct{})

	for i := range evs {
		e := &evs[i]
		day := e.Day()

		orgDays[OrgDayKey{OrgID: e.OrgID, Day: day}] = struct{}{}
		sessions[SessionKey{OrgID: e.OrgID, SessionID: e.SessionID}] = struct{}{}
		if e.UserID != nil && *e.UserID != "" {
			userDays[UserDayKey{OrgID: e.OrgID, UserID: *e.UserID, Day: day}] = struct{}{}
		}
		if e.RunID != nil && *e.RunID != "" {
			switch e.EventType {
			case events.TypeRunStarted, events.TypeRunCompleted:
				runs[RunKey{OrgID: e.OrgID, RunID: *e.RunID}] = struct{}{}
			}
		}
	}

	plan := &LockPlan{}
	for k := range orgDays {
		plan.OrgDays = append(plan.OrgDays, k)
	}
	for k := range userDays {
		plan.UserDays = append(plan.UserDays, k)
	}
	for k := range sessions {
		plan.Sessions = append(plan.Sessions, k)
	}
	for k := range runs {
		plan.Runs = append(plan.Runs, k)
	}

	sort.Slice(plan.OrgDays, func(i, j int) bool {
		a, b := plan.OrgDays[i], plan.OrgDays[j]
		if a.OrgID != b.OrgID {
			return a.OrgID < b.OrgID
		}
		return a.Day.Before(b.Day)
	})
	sort.Slice(plan.UserDays, func(i, j int) bool {
		a, b := plan.UserDays[i], plan.UserDays[j]
		if a.OrgID != b.OrgID {
			return a.OrgID < b.OrgID
		}
		if a.UserID != b.UserID {
			return a.UserID < b.UserID
		}
		return a.Day.Before(b.Day)
	})
	sort.Slice(plan.Sessions, func(i, j int) bool {
		a, b := plan.Sessions[i], plan.Sessions[j]
		if a.OrgID != b.OrgID {
			return a.OrgID < b.OrgID
		}
		return a.SessionID < b.SessionID
	})
	sort.Slice(plan.Runs, func(i, j int) bool {
		a, b := plan.Runs[i], plan.Runs[j]
		if a.OrgID != b.OrgID {
			return a.OrgID < b.OrgID
		}
		return a.RunID < b.RunID
	})

	return plan
}

// Acquire takes row locks level by level in plan order. FOR UPDATE only locks
// rows that already exist; rows the projectors create inside this transaction
// are serialized by their unique keys instead.
func (p *LockPlan) Acquire(ctx context.Context, tx pgx.Tx) error {
	if len(p.OrgDays) > 0 {
		orgIDs := make([]string, len(p.OrgDays))
		days := make([]time.Time, len(p.OrgDays))
		for i, k := range p.OrgDays {
			orgIDs[i] = k.OrgID
			days[i] = k.Day
		}
		if _, err := tx.Exec(ctx, `
			SELECT 1 FROM org_stats_daily o
			JOIN (SELECT unnest($1::text[]) AS org_id, unnest($2::date[]) AS day) k
			  ON o.org_id = k.org_id AND o.day = k.day
			FOR UPDATE OF o`, orgIDs, days); err != nil {
			return fmt.Errorf("lock org daily rows: %w", err)
		}
	}

	if len(p.UserDays) > 0 {
		orgIDs := make([]string, len(p.UserDays))
		userIDs := make([]string, len(p.UserDays))
		days := make([]time.Time, len(p.UserDays))
		for i, k := range p.UserDays {
			orgIDs[i] = k.OrgID
			userIDs[i] = k.UserID
			days[i] = k.Day
		}
		if _, err := tx.Exec(ctx, `
			SELECT 1 FROM user_stats_daily u
			JOIN (SELECT unnest($1::text[]) AS org_id, unnest($2::text[]) AS user_id, unnest($3::date[]) AS day) k
			  ON u.org_id = k.org_id AND u.user_id = k.user_id AND u.day = k.day
			FOR UPDATE OF u`, orgIDs, userIDs, days); err != nil {
			return fmt.Errorf("lock user daily rows: %w", err)
		}
	}

	if len(p.Sessions) > 0 {
		orgIDs := make([]string, len(p.Sessions))
		sessionIDs := make([]string, len(p.Sessions))
		for i, k := range p.Sessions {
			orgIDs[i] = k.OrgID
			sessionIDs[i] = k.SessionID
		}
		if _, err := tx.Exec(ctx, `
			SELECT 1 FROM session_stats s
			JOIN (SELECT unnest($1::text[]) AS org_id, unnest($2::text[]) AS session_id) k
			  ON s.org_id = k.org_id AND s.session_id = k.session_id
			FOR UPDATE OF s`, orgIDs, sessionIDs); err != nil {
			return fmt.Errorf("lock session rows: %w", err)
		}
	}

	if len(p.Runs) > 0 {
		orgIDs := make([]string, len(p.Runs))
		runIDs := make([]string, len(p.Runs))
		for i, k := range p.Runs {
			orgIDs[i] = k.OrgID
			runIDs[i] = k.RunID
		}
		if _, err := tx.Exec(ctx, `
			SELECT 1 FROM run_facts f
			JOIN (SELECT unnest($1::text[]) AS org_id, unnest($2::text[]) AS run_id) k
			  ON f.org_id = k.org_id AND f.run_id = k.run_id
			FOR UPDATE OF f`, orgIDs, runIDs); err != nil {
			return fmt.Errorf("lock run rows: %w", err)
		}
	}

	return nil
}
