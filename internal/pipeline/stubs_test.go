package pipeline

import (
	"context"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/eremenai/cloud-agent-dashboard/internal/events"
	"github.com/eremenai/cloud-agent-dashboard/internal/storage/postgres"
)

// fakeTx scripts statement responses by SQL substring so projector and
// driver branches run without a database. Begin returns a child fakeTx
// standing in for a savepoint.
type fakeTx struct {
	parent     *fakeTx
	rowStubs   []rowStub
	execErr    func(sql string) error
	execs      []string
	children   []*fakeTx
	committed  bool
	rolledBack bool
}

type rowStub struct {
	match string
	scan  func(dest ...any) error
}

func (t *fakeTx) root() *fakeTx {
	r := t
	for r.parent != nil {
		r = r.parent
	}
	return r
}

func (t *fakeTx) Begin(ctx context.Context) (pgx.Tx, error) {
	child := &fakeTx{parent: t, rowStubs: t.rowStubs, execErr: t.execErr}
	t.children = append(t.children, child)
	return child, nil
}

func (t *fakeTx) Commit(ctx context.Context) error {
	t.committed = true
	return nil
}

func (t *fakeTx) Rollback(ctx context.Context) error {
	t.rolledBack = true
	return nil
}

func (t *fakeTx) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	t.root().execs = append(t.root().execs, sql)
	if t.execErr != nil {
		if err := t.execErr(sql); err != nil {
			return pgconn.CommandTag{}, err
		}
	}
	return pgconn.NewCommandTag("UPDATE 1"), nil
}

func (t *fakeTx) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	t.root().execs = append(t.root().execs, sql)
	for _, s := range t.rowStubs {
		if strings.Contains(sql, s.match) {
			return fakeRow{scan: s.scan}
		}
	}
	return fakeRow{scan: func(...any) error { return pgx.ErrNoRows }}
}

func (t *fakeTx) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	panic("not implemented")
}

func (t *fakeTx) CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error) {
	panic("not implemented")
}

func (t *fakeTx) SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults {
	panic("not implemented")
}

func (t *fakeTx) LargeObjects() pgx.LargeObjects { panic("not implemented") }

func (t *fakeTx) Prepare(ctx context.Context, name, sql string) (*pgconn.StatementDescription, error) {
	panic("not implemented")
}

func (t *fakeTx) Conn() *pgx.Conn { return nil }

// execContaining reports whether any statement seen so far matches the
// substring.
func (t *fakeTx) execContaining(substr string) bool {
	for _, sql := range t.root().execs {
		if strings.Contains(sql, substr) {
			return true
		}
	}
	return false
}

type fakeRow struct{ scan func(dest ...any) error }

func (r fakeRow) Scan(dest ...any) error { return r.scan(dest...) }

// recordingDailyStore captures the daily deltas projectors emit.
type recordingDailyStore struct {
	newlyActive bool
	bumps       int
	orgDeltas   []postgres.DailyDeltas
	userDeltas  []postgres.DailyDeltas
}

func (s *recordingDailyStore) MarkActiveUser(ctx context.Context, tx pgx.Tx, orgID, userID string, day time.Time) (bool, error) {
	return s.newlyActive, nil
}

func (s *recordingDailyStore) BumpActiveUsers(ctx context.Context, tx pgx.Tx, orgID string, day time.Time) error {
	s.bumps++
	return nil
}

func (s *recordingDailyStore) AddOrgDaily(ctx context.Context, tx pgx.Tx, orgID string, day time.Time, deltas postgres.DailyDeltas) error {
	s.orgDeltas = append(s.orgDeltas, deltas)
	return nil
}

func (s *recordingDailyStore) AddUserDaily(ctx context.Context, tx pgx.Tx, orgID, userID string, day time.Time, deltas postgres.DailyDeltas) error {
	s.userDeltas = append(s.userDeltas, deltas)
	return nil
}

// fakeQueueStore drives processGroup without a database. held defaults to
// every requested key when nil.
type fakeQueueStore struct {
	tx        *fakeTx
	held      map[postgres.EventKey]struct{}
	processed [][]postgres.EventKey
	errored   []recordedError
}

type recordedError struct {
	keys []postgres.EventKey
	msg  string
}

func (s *fakeQueueStore) Begin(ctx context.Context) (pgx.Tx, error) { return s.tx, nil }

func (s *fakeQueueStore) Claim(ctx context.Context, batchSize int) ([]postgres.ClaimedEvent, error) {
	return nil, nil
}

func (s *fakeQueueStore) LockQueued(ctx context.Context, tx pgx.Tx, keys []postgres.EventKey) (map[postgres.EventKey]struct{}, error) {
	if s.held != nil {
		return s.held, nil
	}
	held := make(map[postgres.EventKey]struct{}, len(keys))
	for _, k := range keys {
		held[k] = struct{}{}
	}
	return held, nil
}

func (s *fakeQueueStore) MarkProcessed(ctx context.Context, tx pgx.Tx, keys []postgres.EventKey) error {
	if len(keys) > 0 {
		s.processed = append(s.processed, keys)
	}
	return nil
}

func (s *fakeQueueStore) RecordError(ctx context.Context, keys []postgres.EventKey, msg string) error {
	s.errored = append(s.errored, recordedError{keys: keys, msg: msg})
	return nil
}

func (s *fakeQueueStore) CountUnprocessed(ctx context.Context) (int64, error) { return 0, nil }

func (s *fakeQueueStore) OldestUnprocessed(ctx context.Context) (time.Time, bool, error) {
	return time.Time{}, false, nil
}

// stubApplier fails events by ID and records what it applied.
type stubApplier struct {
	failID  string
	failErr error
	applied []string
}

func (a *stubApplier) Apply(ctx context.Context, tx pgx.Tx, e *events.Event) error {
	if e.EventID == a.failID {
		return a.failErr
	}
	a.applied = append(a.applied, e.EventID)
	return nil
}
