// Package pipeline contains the claim-driven batch driver, the lock planner,
// and the per-event-type projectors that fold queued telemetry events into
// the aggregate tables.
//
// Purpose:
//
//	Projectors run inside a per-user transaction, after the lock planner has
//	taken every aggregate row lock the group needs. Each projector body runs
//	under its own savepoint so one bad event rolls back alone while its
//	siblings commit.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/eremenai/cloud-agent-dashboard/internal/events"
	"github.com/eremenai/cloud-agent-dashboard/internal/storage/postgres"
)

// ErrRunAlreadyCompleted rejects a run_completed replay whose run_facts row
// already carries a terminal payload. The first payload wins; the replay is a
// projection error and stays on the queue with last_error set.
var ErrRunAlreadyCompleted = errors.New("run already completed")

// dailyStore is the slice of the postgres store the projectors write the
// daily aggregates through.
type dailyStore interface {
	MarkActiveUser(ctx context.Context, tx pgx.Tx, orgID, userID string, day time.Time) (bool, error)
	BumpActiveUsers(ctx context.Context, tx pgx.Tx, orgID string, day time.Time) error
	AddOrgDaily(ctx context.Context, tx pgx.Tx, orgID string, day time.Time, deltas postgres.DailyDeltas) error
	AddUserDaily(ctx context.Context, tx pgx.Tx, orgID, userID string, day time.Time, deltas postgres.DailyDeltas) error
}

// Projector applies one event's effects to the aggregate tables.
type Projector struct {
	store  dailyStore
	logger *zap.Logger
}

// NewProjector creates a projector over the given store.
func NewProjector(store *postgres.Store, logger *zap.Logger) *Projector {
	return &Projector{store: store, logger: logger}
}

// Apply projects a single event on the caller's transaction. Required row
// locks must already be held; Apply never takes locks of its own.
func (p *Projector) Apply(ctx context.Context, tx pgx.Tx, e *events.Event) error {
	day := e.Day()

	if e.UserID != nil && *e.UserID != "" {
		newlyActive, err := p.store.MarkActiveUser(ctx, tx, e.OrgID, *e.UserID, day)
		if err != nil {
			return err
		}
		if newlyActive {
			if err := p.store.BumpActiveUsers(ctx, tx, e.OrgID, day); err != nil {
				return err
			}
		}
	}

	switch e.EventType {
	case events.TypeMessageCreated:
		return p.applyMessageCreated(ctx, tx, e, day)
	case events.TypeRunStarted:
		return p.applyRunStarted(ctx, tx, e, day)
	case events.TypeRunCompleted:
		return p.applyRunCompleted(ctx, tx, e, day)
	case events.TypeLocalHandoff:
		return p.applyLocalHandoff(ctx, tx, e, day)
	default:
		return fmt.Errorf("no projector for event type %q", e.EventType)
	}
}

// sessionRow is the slice of session_stats a projector needs to branch on.
type sessionRow struct {
	found          bool
	firstMessageAt *time.Time
	lastHandoffAt  *time.Time
	hasPostHandoff bool
}

func (p *Projector) readSession(ctx context.Context, tx pgx.Tx, orgID, sessionID string) (sessionRow, error) {
	var row sessionRow
	err := tx.QueryRow(ctx, `
		SELECT first_message_at, last_handoff_at, has_post_handoff_iteration
		FROM session_stats
		WHERE org_id = $1 AND session_id = $2`,
		orgID, sessionID).Scan(&row.firstMessageAt, &row.lastHandoffAt, &row.hasPostHandoff)
	if errors.Is(err, pgx.ErrNoRows) {
		return sessionRow{}, nil
	}
	if err != nil {
		return sessionRow{}, fmt.Errorf("read session stats: %w", err)
	}
	row.found = true
	return row, nil
}

func (p *Projector) applyMessageCreated(ctx context.Context, tx pgx.Tx, e *events.Event, day time.Time) error {
	if _, err := e.DecodeMessagePayload(); err != nil {
		return fmt.Errorf("decode message payload: %w", err)
	}

	before, err := p.readSession(ctx, tx, e.OrgID, e.SessionID)
	if err != nil {
		return err
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO session_stats (org_id, session_id, user_id, first_message_at, last_event_at)
		VALUES ($1, $2, $3, $4, $4)
		ON CONFLICT (org_id, session_id) DO UPDATE SET
			first_message_at = LEAST(COALESCE(session_stats.first_message_at, EXCLUDED.first_message_at), EXCLUDED.first_message_at),
			last_event_at = GREATEST(session_stats.last_event_at, EXCLUDED.last_event_at),
			user_id = COALESCE(session_stats.user_id, EXCLUDED.user_id)`,
		e.OrgID, e.SessionID, e.UserID, e.OccurredAt)
	if err != nil {
		return fmt.Errorf("upsert session stats: %w", err)
	}

	// The session counts once, on its first message, attributed to the day of
	// first_message_at (equal to this event's day on the NULL->value edge).
	if !before.found || before.firstMessageAt == nil {
		return p.dailyAdd(ctx, tx, e, day, postgres.DailyDeltas{"sessions_count": int64(1)})
	}
	return nil
}

func (p *Projector) applyRunStarted(ctx context.Context, tx pgx.Tx, e *events.Event, day time.Time) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO run_facts (org_id, run_id, session_id, user_id, started_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (org_id, run_id) DO UPDATE SET
			started_at = COALESCE(run_facts.started_at, EXCLUDED.started_at),
			session_id = COALESCE(run_facts.session_id, EXCLUDED.session_id),
			user_id = COALESCE(run_facts.user_id, EXCLUDED.user_id)`,
		e.OrgID, *e.RunID, e.SessionID, e.UserID, e.OccurredAt)
	if err != nil {
		return fmt.Errorf("upsert run facts: %w", err)
	}

	before, err := p.readSession(ctx, tx, e.OrgID, e.SessionID)
	if err != nil {
		return err
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO session_stats (org_id, session_id, user_id, last_event_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (org_id, session_id) DO UPDATE SET
			last_event_at = GREATEST(session_stats.last_event_at, EXCLUDED.last_event_at),
			user_id = COALESCE(session_stats.user_id, EXCLUDED.user_id)`,
		e.OrgID, e.SessionID, e.UserID, e.OccurredAt)
	if err != nil {
		return fmt.Errorf("upsert session stats: %w", err)
	}

	// A run starting strictly after the session's last handoff flags the
	// session as iterating post-handoff, once.
	if before.found && !before.hasPostHandoff &&
		before.lastHandoffAt != nil && e.OccurredAt.After(*before.lastHandoffAt) {
		if _, err := tx.Exec(ctx, `
			UPDATE session_stats SET has_post_handoff_iteration = TRUE
			WHERE org_id = $1 AND session_id = $2`,
			e.OrgID, e.SessionID); err != nil {
			return fmt.Errorf("flag post-handoff iteration: %w", err)
		}
		return p.dailyAdd(ctx, tx, e, day, postgres.DailyDeltas{"sessions_with_post_handoff": int64(1)})
	}
	return nil
}

func (p *Projector) applyRunCompleted(ctx context.Context, tx pgx.Tx, e *events.Event, day time.Time) error {
	payload, err := e.DecodeRunCompletedPayload()
	if err != nil {
		return fmt.Errorf("decode run_completed payload: %w", err)
	}

	startedAt := DerivedStartedAt(e.OccurredAt, payload.DurationMS)
	var errorType *string
	if payload.ErrorType != "" {
		s := string(payload.ErrorType)
		errorType = &s
	}

	var runID string
	err = tx.QueryRow(ctx, `
		INSERT INTO run_facts (
			org_id, run_id, session_id, user_id, started_at, completed_at,
			status, duration_ms, cost, input_tokens, output_tokens, error_type
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (org_id, run_id) DO UPDATE SET
			started_at = COALESCE(run_facts.started_at, EXCLUDED.started_at),
			session_id = COALESCE(run_facts.session_id, EXCLUDED.session_id),
			user_id = COALESCE(run_facts.user_id, EXCLUDED.user_id),
			completed_at = EXCLUDED.completed_at,
			status = EXCLUDED.status,
			duration_ms = EXCLUDED.duration_ms,
			cost = EXCLUDED.cost,
			input_tokens = EXCLUDED.input_tokens,
			output_tokens = EXCLUDED.output_tokens,
			error_type = EXCLUDED.error_type
		WHERE run_facts.completed_at IS NULL
		RETURNING run_id`,
		e.OrgID, *e.RunID, e.SessionID, e.UserID, startedAt, e.OccurredAt,
		payload.Status, payload.DurationMS, string(payload.Cost),
		payload.InputTokens, payload.OutputTokens, errorType).Scan(&runID)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: run %s", ErrRunAlreadyCompleted, *e.RunID)
	}
	if err != nil {
		return fmt.Errorf("upsert run facts: %w", err)
	}

	success := int64(0)
	failed := int64(0)
	if payload.Status == events.RunSuccess {
		success = 1
	} else {
		failed = 1
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO session_stats (
			org_id, session_id, user_id, last_event_at, runs_count,
			success_runs, failed_runs, active_agent_time_ms, cost_total,
			input_tokens_total, output_tokens_total
		) VALUES ($1, $2, $3, $4, 1, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (org_id, session_id) DO UPDATE SET
			last_event_at = GREATEST(session_stats.last_event_at, EXCLUDED.last_event_at),
			user_id = COALESCE(session_stats.user_id, EXCLUDED.user_id),
			runs_count = session_stats.runs_count + 1,
			success_runs = session_stats.success_runs + EXCLUDED.success_runs,
			failed_runs = session_stats.failed_runs + EXCLUDED.failed_runs,
			active_agent_time_ms = session_stats.active_agent_time_ms + EXCLUDED.active_agent_time_ms,
			cost_total = session_stats.cost_total + EXCLUDED.cost_total,
			input_tokens_total = session_stats.input_tokens_total + EXCLUDED.input_tokens_total,
			output_tokens_total = session_stats.output_tokens_total + EXCLUDED.output_tokens_total`,
		e.OrgID, e.SessionID, e.UserID, e.OccurredAt, success, failed,
		payload.DurationMS, string(payload.Cost),
		payload.InputTokens, payload.OutputTokens)
	if err != nil {
		return fmt.Errorf("upsert session stats: %w", err)
	}

	return p.dailyAdd(ctx, tx, e, day, RunCompletedDeltas(payload))
}

func (p *Projector) applyLocalHandoff(ctx context.Context, tx pgx.Tx, e *events.Event, day time.Time) error {
	if _, err := e.DecodeHandoffPayload(); err != nil {
		return fmt.Errorf("decode handoff payload: %w", err)
	}

	var handoffs int64
	err := tx.QueryRow(ctx, `
		INSERT INTO session_stats (org_id, session_id, user_id, last_event_at, handoffs_count, last_handoff_at)
		VALUES ($1, $2, $3, $4, 1, $4)
		ON CONFLICT (org_id, session_id) DO UPDATE SET
			last_event_at = GREATEST(session_stats.last_event_at, EXCLUDED.last_event_at),
			user_id = COALESCE(session_stats.user_id, EXCLUDED.user_id),
			handoffs_count = session_stats.handoffs_count + 1,
			last_handoff_at = EXCLUDED.last_handoff_at
		RETURNING handoffs_count`,
		e.OrgID, e.SessionID, e.UserID, e.OccurredAt).Scan(&handoffs)
	if err != nil {
		return fmt.Errorf("upsert session stats: %w", err)
	}

	// handoffs_count 0 -> 1 marks the session as handed off, once per session.
	if handoffs == 1 {
		return p.dailyAdd(ctx, tx, e, day, postgres.DailyDeltas{"sessions_with_handoff": int64(1)})
	}
	return nil
}

// dailyAdd applies the same additive deltas to org_stats_daily and, when the
// event carries a user, user_stats_daily. Org first, then user, same as the
// lock plan levels.
func (p *Projector) dailyAdd(ctx context.Context, tx pgx.Tx, e *events.Event, day time.Time, deltas postgres.DailyDeltas) error {
	if err := p.store.AddOrgDaily(ctx, tx, e.OrgID, day, deltas); err != nil {
		return err
	}
	if e.UserID != nil && *e.UserID != "" {
		if err := p.store.AddUserDaily(ctx, tx, e.OrgID, *e.UserID, day, deltas); err != nil {
			return err
		}
	}
	return nil
}

// RunCompletedDeltas maps a run_completed payload onto daily counters.
func RunCompletedDeltas(p events.RunCompletedPayload) postgres.DailyDeltas {
	deltas := postgres.DailyDeltas{
		"runs_count":          int64(1),
		"total_duration_ms":   p.DurationMS,
		"total_cost":          string(p.Cost),
		"total_input_tokens":  p.InputTokens,
		"total_output_tokens": p.OutputTokens,
	}
	if p.Status == events.RunSuccess {
		deltas["success_runs"] = int64(1)
	} else {
		deltas["failed_runs"] = int64(1)
		deltas[ErrorBucket(p.ErrorType)] = int64(1)
	}
	return deltas
}

// ErrorBucket maps an error type onto its daily counter column. Anything
// outside the closed set, including absent, lands in errors_other.
func ErrorBucket(t events.ErrorType) string {
	switch t {
	case events.ErrorTool:
		return "errors_tool"
	case events.ErrorModel:
		return "errors_model"
	case events.ErrorTimeout:
		return "errors_timeout"
	default:
		return "errors_other"
	}
}

// DerivedStartedAt reconstructs started_at for a run whose run_started never
// arrived: completion time minus the reported duration.
func DerivedStartedAt(completedAt time.Time, durationMS int64) time.Time {
	return completedAt.Add(-time.Duration(durationMS) * time.Millisecond)
}
