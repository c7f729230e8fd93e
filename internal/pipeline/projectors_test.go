package pipeline

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/eremenai/cloud-agent-dashboard/internal/events"
)

func projEvent(id string, typ events.EventType, payload string) events.Event {
	return events.Event{
		EventID:    id,
		OrgID:      "org-1",
		OccurredAt: time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC),
		EventType:  typ,
		SessionID:  "sess-1",
		Payload:    json.RawMessage(payload),
	}
}

// sessionStub scripts the session_stats read a projector branches on.
func sessionStub(firstMessageAt, lastHandoffAt *time.Time, hasPostHandoff bool) rowStub {
	return rowStub{
		match: "FROM session_stats",
		scan: func(dest ...any) error {
			*(dest[0].(**time.Time)) = firstMessageAt
			*(dest[1].(**time.Time)) = lastHandoffAt
			*(dest[2].(*bool)) = hasPostHandoff
			return nil
		},
	}
}

func TestProjectorApply_FirstMessageCountsSession(t *testing.T) {
	tx := &fakeTx{}
	store := &recordingDailyStore{newlyActive: true}
	p := &Projector{store: store, logger: zap.NewNop()}

	e := projEvent("e1", events.TypeMessageCreated, `{"content":"hello"}`)
	e.UserID = strPtr("alice")

	require.NoError(t, p.Apply(context.Background(), tx, &e))

	// Newly active user bumps the org's DAU counter once.
	assert.Equal(t, 1, store.bumps)

	require.Len(t, store.orgDeltas, 1)
	assert.Equal(t, int64(1), store.orgDeltas[0]["sessions_count"])
	require.Len(t, store.userDeltas, 1)
	assert.Equal(t, int64(1), store.userDeltas[0]["sessions_count"])
}

func TestProjectorApply_RepeatMessageAddsNoSession(t *testing.T) {
	first := time.Date(2026, 3, 14, 8, 0, 0, 0, time.UTC)
	tx := &fakeTx{rowStubs: []rowStub{sessionStub(&first, nil, false)}}
	store := &recordingDailyStore{}
	p := &Projector{store: store, logger: zap.NewNop()}

	e := projEvent("e2", events.TypeMessageCreated, `{"content":"again"}`)

	require.NoError(t, p.Apply(context.Background(), tx, &e))

	assert.True(t, tx.execContaining("INSERT INTO session_stats"))
	assert.Empty(t, store.orgDeltas)
	assert.Empty(t, store.userDeltas)
}

func TestProjectorApply_RunStartedAfterHandoffFlagsSession(t *testing.T) {
	handoff := time.Date(2026, 3, 14, 8, 30, 0, 0, time.UTC)
	tx := &fakeTx{rowStubs: []rowStub{sessionStub(nil, &handoff, false)}}
	store := &recordingDailyStore{}
	p := &Projector{store: store, logger: zap.NewNop()}

	e := projEvent("e3", events.TypeRunStarted, `{}`)
	e.RunID = strPtr("run-1")

	require.NoError(t, p.Apply(context.Background(), tx, &e))

	assert.True(t, tx.execContaining("has_post_handoff_iteration = TRUE"))
	require.Len(t, store.orgDeltas, 1)
	assert.Equal(t, int64(1), store.orgDeltas[0]["sessions_with_post_handoff"])
}

func TestProjectorApply_RunStartedFlagsOnce(t *testing.T) {
	handoff := time.Date(2026, 3, 14, 8, 30, 0, 0, time.UTC)
	tx := &fakeTx{rowStubs: []rowStub{sessionStub(nil, &handoff, true)}}
	store := &recordingDailyStore{}
	p := &Projector{store: store, logger: zap.NewNop()}

	e := projEvent("e4", events.TypeRunStarted, `{}`)
	e.RunID = strPtr("run-2")

	require.NoError(t, p.Apply(context.Background(), tx, &e))

	assert.False(t, tx.execContaining("has_post_handoff_iteration = TRUE"))
	assert.Empty(t, store.orgDeltas)
}

func TestProjectorApply_RunCompletedReplayRejected(t *testing.T) {
	// A run_facts row with completed_at already set makes the guarded upsert
	// return no row; the replay must fail without touching daily counters.
	tx := &fakeTx{rowStubs: []rowStub{{
		match: "INSERT INTO run_facts",
		scan:  func(...any) error { return pgx.ErrNoRows },
	}}}
	store := &recordingDailyStore{}
	p := &Projector{store: store, logger: zap.NewNop()}

	e := projEvent("e5", events.TypeRunCompleted, `{"status":"success","duration_ms":1000,"cost":"0.05"}`)
	e.RunID = strPtr("run-3")

	err := p.Apply(context.Background(), tx, &e)
	require.ErrorIs(t, err, ErrRunAlreadyCompleted)
	assert.Empty(t, store.orgDeltas)
	assert.Empty(t, store.userDeltas)
}

func TestProjectorApply_RunCompletedFirstWrite(t *testing.T) {
	tx := &fakeTx{rowStubs: []rowStub{{
		match: "INSERT INTO run_facts",
		scan: func(dest ...any) error {
			*(dest[0].(*string)) = "run-4"
			return nil
		},
	}}}
	store := &recordingDailyStore{}
	p := &Projector{store: store, logger: zap.NewNop()}

	e := projEvent("e6", events.TypeRunCompleted, `{"status":"fail","duration_ms":2000,"cost":"0.10","error_type":"tool_error"}`)
	e.RunID = strPtr("run-4")

	require.NoError(t, p.Apply(context.Background(), tx, &e))

	require.Len(t, store.orgDeltas, 1)
	assert.Equal(t, int64(1), store.orgDeltas[0]["runs_count"])
	assert.Equal(t, int64(1), store.orgDeltas[0]["failed_runs"])
	assert.Equal(t, int64(1), store.orgDeltas[0]["errors_tool"])
}

func TestProjectorApply_HandoffMarksSessionOnce(t *testing.T) {
	handoffs := int64(0)
	tx := &fakeTx{rowStubs: []rowStub{{
		match: "handoffs_count",
		scan: func(dest ...any) error {
			handoffs++
			*(dest[0].(*int64)) = handoffs
			return nil
		},
	}}}
	store := &recordingDailyStore{}
	p := &Projector{store: store, logger: zap.NewNop()}

	e := projEvent("e7", events.TypeLocalHandoff, `{}`)
	require.NoError(t, p.Apply(context.Background(), tx, &e))
	require.NoError(t, p.Apply(context.Background(), tx, &e))

	// Only the 0 -> 1 transition counts the session as handed off.
	require.Len(t, store.orgDeltas, 1)
	assert.Equal(t, int64(1), store.orgDeltas[0]["sessions_with_handoff"])
}

func TestRunCompletedDeltas_Success(t *testing.T) {
	deltas := RunCompletedDeltas(events.RunCompletedPayload{
		Status:       events.RunSuccess,
		DurationMS:   4500,
		Cost:         "0.12",
		InputTokens:  2000,
		OutputTokens: 800,
	})

	assert.Equal(t, int64(1), deltas["runs_count"])
	assert.Equal(t, int64(1), deltas["success_runs"])
	assert.Equal(t, int64(4500), deltas["total_duration_ms"])
	assert.Equal(t, "0.12", deltas["total_cost"])
	assert.Equal(t, int64(2000), deltas["total_input_tokens"])
	assert.Equal(t, int64(800), deltas["total_output_tokens"])

	_, hasFailed := deltas["failed_runs"]
	assert.False(t, hasFailed)
}

func TestRunCompletedDeltas_Failure(t *testing.T) {
	tests := []struct {
		name       string
		status     events.RunStatus
		errorType  events.ErrorType
		wantBucket string
	}{
		{name: "tool error", status: events.RunFail, errorType: events.ErrorTool, wantBucket: "errors_tool"},
		{name: "model error", status: events.RunFail, errorType: events.ErrorModel, wantBucket: "errors_model"},
		{name: "timeout status with timeout error", status: events.RunTimeout, errorType: events.ErrorTimeout, wantBucket: "errors_timeout"},
		{name: "unknown error", status: events.RunFail, errorType: events.ErrorUnknown, wantBucket: "errors_other"},
		{name: "absent error type", status: events.RunCancelled, errorType: "", wantBucket: "errors_other"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			deltas := RunCompletedDeltas(events.RunCompletedPayload{Status: tt.status, Cost: "0"})

			assert.Equal(t, int64(1), deltas["runs_count"])
			assert.NotContains(t, deltas, "success_runs")
			assert.Equal(t, int64(1), deltas["failed_runs"])

			deltas = RunCompletedDeltas(events.RunCompletedPayload{
				Status:    tt.status,
				Cost:      "0",
				ErrorType: tt.errorType,
			})
			require.Contains(t, deltas, tt.wantBucket)
			assert.Equal(t, int64(1), deltas[tt.wantBucket])
		})
	}
}

func TestErrorBucket(t *testing.T) {
	assert.Equal(t, "errors_tool", ErrorBucket(events.ErrorTool))
	assert.Equal(t, "errors_model", ErrorBucket(events.ErrorModel))
	assert.Equal(t, "errors_timeout", ErrorBucket(events.ErrorTimeout))
	assert.Equal(t, "errors_other", ErrorBucket(events.ErrorUnknown))
	assert.Equal(t, "errors_other", ErrorBucket(""))
	assert.Equal(t, "errors_other", ErrorBucket("segfault"))
}

func TestDerivedStartedAt(t *testing.T) {
	completed := time.Date(2026, 3, 14, 10, 0, 30, 0, time.UTC)

	started := DerivedStartedAt(completed, 30_000)
	assert.Equal(t, time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC), started)

	// Zero duration collapses onto the completion instant.
	assert.Equal(t, completed, DerivedStartedAt(completed, 0))
}
