package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/eremenai/cloud-agent-dashboard/internal/events"
	"github.com/eremenai/cloud-agent-dashboard/internal/metrics"
	"github.com/eremenai/cloud-agent-dashboard/internal/opscache"
	"github.com/eremenai/cloud-agent-dashboard/internal/storage/postgres"
)

// queueStore is the slice of the postgres store the driver runs the queue
// protocol through.
type queueStore interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Claim(ctx context.Context, batchSize int) ([]postgres.ClaimedEvent, error)
	LockQueued(ctx context.Context, tx pgx.Tx, keys []postgres.EventKey) (map[postgres.EventKey]struct{}, error)
	MarkProcessed(ctx context.Context, tx pgx.Tx, keys []postgres.EventKey) error
	RecordError(ctx context.Context, keys []postgres.EventKey, msg string) error
	CountUnprocessed(ctx context.Context) (int64, error)
	OldestUnprocessed(ctx context.Context) (time.Time, bool, error)
}

// applier projects a single event on the caller's transaction.
type applier interface {
	Apply(ctx context.Context, tx pgx.Tx, e *events.Event) error
}

// Driver runs the claim loop: claim a batch, group it by user, execute one
// transaction per group with the lock planner and projectors, then settle
// queue-row status. Several drivers may run concurrently; each group
// transaction re-locks its queue rows before projecting, so a row being
// processed stays invisible to other claimers until it settles.
type Driver struct {
	store        queueStore
	projector    applier
	logger       *zap.Logger
	statusCache  *opscache.Cache
	batchSize    int
	pollInterval time.Duration
	workers      int
	stopCh       chan struct{}
	doneCh       chan struct{}
	wg           sync.WaitGroup
}

// Config holds driver configuration.
type Config struct {
	Store        *postgres.Store
	Logger       *zap.Logger
	StatusCache  *opscache.Cache // optional
	BatchSize    int
	PollInterval time.Duration
	Workers      int
}

// NewDriver creates a new batch driver.
func NewDriver(cfg Config) *Driver {
	return &Driver{
		store:        cfg.Store,
		projector:    NewProjector(cfg.Store, cfg.Logger),
		logger:       cfg.Logger,
		statusCache:  cfg.StatusCache,
		batchSize:    cfg.BatchSize,
		pollInterval: cfg.PollInterval,
		workers:      cfg.Workers,
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
	}
}

// Start launches the worker loops and blocks until Stop or context
// cancellation. In-flight transactions finish (commit or roll back) before a
// worker exits.
func (d *Driver) Start(ctx context.Context) error {
	d.logger.Info("starting batch driver",
		zap.Int("workers", d.workers),
		zap.Int("batch_size", d.batchSize),
		zap.Duration("poll_interval", d.pollInterval),
	)

	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.runLoop(ctx, i)
	}

	go func() {
		d.wg.Wait()
		close(d.doneCh)
	}()

	select {
	case <-ctx.Done():
	case <-d.stopCh:
	}
	<-d.doneCh
	return nil
}

// Stop gracefully stops the driver.
func (d *Driver) Stop() {
	select {
	case <-d.stopCh:
	default:
		close(d.stopCh)
	}
	<-d.doneCh
}

func (d *Driver) runLoop(ctx context.Context, id int) {
	defer d.wg.Done()

	log := d.logger.With(zap.Int("worker_id", id))
	log.Info("driver worker started")

	for {
		select {
		case <-ctx.Done():
			log.Info("driver worker stopping due to context cancellation")
			return
		case <-d.stopCh:
			log.Info("driver worker stopping")
			return
		default:
		}

		processed := d.pass(ctx, log)
		if processed == 0 {
			select {
			case <-ctx.Done():
			case <-d.stopCh:
			case <-time.After(d.pollInterval):
			}
		}
	}
}

// pass claims one batch and drives it through per-user transactions.
// It returns the number of claimed events.
func (d *Driver) pass(ctx context.Context, log *zap.Logger) int {
	start := time.Now()
	claimed, err := d.store.Claim(ctx, d.batchSize)
	if err != nil {
		log.Error("claim failed", zap.Error(err))
		return 0
	}
	metrics.ClaimBatchSeconds.Observe(time.Since(start).Seconds())
	if len(claimed) == 0 {
		d.refreshQueueStatus(ctx, log)
		return 0
	}

	groups := groupByUser(claimed)
	for _, group := range groups {
		d.processGroup(ctx, log, group)
	}

	d.refreshQueueStatus(ctx, log)
	return len(claimed)
}

// userGroup is a per-user slice of a claimed batch, in claim (FIFO) order.
type userGroup struct {
	userID string // "" for events without a user
	events []postgres.ClaimedEvent
}

// groupByUser partitions claimed events by user_id, preserving claim order
// inside each group and ordering groups by first appearance.
func groupByUser(claimed []postgres.ClaimedEvent) []userGroup {
	index := make(map[string]int)
	var groups []userGroup
	for _, c := range claimed {
		key := ""
		if c.Event.UserID != nil {
			key = *c.Event.UserID
		}
		i, ok := index[key]
		if !ok {
			i = len(groups)
			index[key] = i
			groups = append(groups, userGroup{userID: key})
		}
		groups[i].events = append(groups[i].events, c)
	}
	return groups
}

func eventsOf(claimed []postgres.ClaimedEvent) []events.Event {
	evs := make([]events.Event, len(claimed))
	for i := range claimed {
		evs[i] = claimed[i].Event
	}
	return evs
}

func keysOfGroup(claimed []postgres.ClaimedEvent) []postgres.EventKey {
	keys := make([]postgres.EventKey, len(claimed))
	for i := range claimed {
		keys[i] = claimed[i].Key()
	}
	return keys
}

// retainHeld drops claimed events whose queue row was not re-locked, keeping
// claim order.
func retainHeld(claimed []postgres.ClaimedEvent, held map[postgres.EventKey]struct{}) []postgres.ClaimedEvent {
	kept := make([]postgres.ClaimedEvent, 0, len(claimed))
	for i := range claimed {
		if _, ok := held[claimed[i].Key()]; ok {
			kept = append(kept, claimed[i])
		}
	}
	return kept
}

// processGroup runs one transaction for a user's events: re-lock the queue
// rows, acquire aggregate locks in plan order, project each event under a
// savepoint, mark survivors processed in the same transaction, then record
// failures in a short follow-up write.
func (d *Driver) processGroup(ctx context.Context, log *zap.Logger, group userGroup) {
	tx, err := d.store.Begin(ctx)
	if err != nil {
		log.Error("begin group tx failed", zap.String("user_id", group.userID), zap.Error(err))
		return
	}
	defer tx.Rollback(ctx)

	// The claim released its locks at commit; take them back before touching
	// any aggregate. A row lost to another claimer in the gap is dropped
	// here, so its effects are applied exactly once, by whoever holds it.
	held, err := d.store.LockQueued(ctx, tx, keysOfGroup(group.events))
	if err != nil {
		log.Error("queue row re-lock failed", zap.String("user_id", group.userID), zap.Error(err))
		return
	}
	live := retainHeld(group.events, held)
	if dropped := len(group.events) - len(live); dropped > 0 {
		log.Debug("dropped queue rows settled elsewhere",
			zap.String("user_id", group.userID),
			zap.Int("dropped", dropped),
		)
	}
	if len(live) == 0 {
		return
	}
	group.events = live

	plan := PlanLocks(eventsOf(group.events))
	if err := plan.Acquire(ctx, tx); err != nil {
		log.Error("lock acquisition failed", zap.String("user_id", group.userID), zap.Error(err))
		return
	}

	var processed []postgres.EventKey
	type failure struct {
		key postgres.EventKey
		msg string
	}
	var failures []failure

	for i := range group.events {
		c := &group.events[i]

		sub, err := tx.Begin(ctx) // savepoint
		if err != nil {
			log.Error("open savepoint failed", zap.String("event_id", c.Event.EventID), zap.Error(err))
			return
		}

		if err := d.projector.Apply(ctx, sub, &c.Event); err != nil {
			_ = sub.Rollback(ctx)
			metrics.ProjectionFailuresTotal.Inc()
			log.Warn("projection failed",
				zap.String("event_id", c.Event.EventID),
				zap.String("org_id", c.Event.OrgID),
				zap.String("event_type", string(c.Event.EventType)),
				zap.Int("attempts", c.Attempts),
				zap.Error(err),
			)
			failures = append(failures, failure{key: c.Key(), msg: err.Error()})
			continue
		}

		if err := sub.Commit(ctx); err != nil {
			log.Error("release savepoint failed", zap.String("event_id", c.Event.EventID), zap.Error(err))
			return
		}
		processed = append(processed, c.Key())
	}

	if err := d.store.MarkProcessed(ctx, tx, processed); err != nil {
		log.Error("mark processed failed", zap.String("user_id", group.userID), zap.Error(err))
		return
	}

	if err := tx.Commit(ctx); err != nil {
		// Nothing from this group is marked processed; every row is
		// reclaimable and attempts were already bumped at claim time.
		log.Error("group tx commit failed", zap.String("user_id", group.userID), zap.Error(err))
		keys := make([]postgres.EventKey, len(group.events))
		for i := range group.events {
			keys[i] = group.events[i].Key()
		}
		if rerr := d.store.RecordError(ctx, keys, err.Error()); rerr != nil {
			log.Error("record error failed", zap.Error(rerr))
		}
		return
	}

	metrics.EventsProcessedTotal.Add(float64(len(processed)))

	for _, f := range failures {
		if err := d.store.RecordError(ctx, []postgres.EventKey{f.key}, f.msg); err != nil {
			log.Error("record error failed",
				zap.String("event_id", f.key.EventID),
				zap.Error(err),
			)
		}
	}
}

// refreshQueueStatus updates the depth gauge and the operator status cache.
func (d *Driver) refreshQueueStatus(ctx context.Context, log *zap.Logger) {
	depth, err := d.store.CountUnprocessed(ctx)
	if err != nil {
		log.Debug("count unprocessed failed", zap.Error(err))
		return
	}
	metrics.QueueDepth.Set(float64(depth))

	if d.statusCache == nil {
		return
	}

	var lag time.Duration
	if oldest, ok, err := d.store.OldestUnprocessed(ctx); err == nil && ok {
		lag = time.Since(oldest)
	}
	if err := d.statusCache.Set(ctx, opscache.NewStatus(depth, lag)); err != nil {
		log.Debug("queue status cache update failed", zap.Error(err))
	}
}
