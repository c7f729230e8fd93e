package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/eremenai/cloud-agent-dashboard/internal/events"
)

// EventKey identifies one event across events_raw and events_queue.
type EventKey struct {
	OrgID   string
	EventID string
}

// ClaimedEvent is a queue row joined with its raw event, returned by Claim.
type ClaimedEvent struct {
	Event      events.Event
	Attempts   int
	InsertedAt time.Time
}

// Key returns the queue key of the claimed event.
func (c *ClaimedEvent) Key() EventKey {
	return EventKey{OrgID: c.Event.OrgID, EventID: c.Event.EventID}
}

// EnqueueBatch durably persists a validated batch: one events_raw row plus one
// events_queue row per event, in a single transaction. Duplicate
// (org_id, event_id) pairs are silent no-ops on both tables, which makes
// ingest idempotent.
func (s *Store) EnqueueBatch(ctx context.Context, batch []events.Event) error {
	if len(batch) == 0 {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	b := &pgx.Batch{}
	for i := range batch {
		e := &batch[i]
		b.Queue(`
			INSERT INTO events_raw (
				org_id, event_id, event_type, session_id, user_id, run_id,
				occurred_at, payload
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (org_id, event_id) DO NOTHING`,
			e.OrgID, e.EventID, e.EventType, e.SessionID, e.UserID, e.RunID,
			e.OccurredAt, []byte(e.Payload),
		)
		b.Queue(`
			INSERT INTO events_queue (org_id, event_id, inserted_at, attempts)
			VALUES ($1, $2, NOW(), 0)
			ON CONFLICT (org_id, event_id) DO NOTHING`,
			e.OrgID, e.EventID,
		)
	}

	br := tx.SendBatch(ctx, b)
	for i := 0; i < b.Len(); i++ {
		if _, err := br.Exec(); err != nil {
			br.Close()
			return fmt.Errorf("enqueue event batch: %w", err)
		}
	}
	if err := br.Close(); err != nil {
		return fmt.Errorf("close batch results: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit enqueue: %w", err)
	}
	return nil
}

// Claim atomically selects up to batchSize unprocessed queue rows in FIFO
// order, bumps their attempts counter, and returns them joined with raw event
// data. FOR UPDATE SKIP LOCKED keeps concurrent claimers off each other's
// rows; the claim commits before processing so the attempts bump survives a
// crash mid-projection. Committing releases the claim locks, so the caller
// must re-lock the rows inside its projection transaction (LockQueued) before
// applying any effects; rows lost to another claimer in that window are
// dropped there.
func (s *Store) Claim(ctx context.Context, batchSize int) ([]ClaimedEvent, error) {
	if batchSize <= 0 {
		batchSize = 100
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin claim tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		SELECT q.org_id, q.event_id, q.attempts, q.inserted_at,
		       r.event_type, r.session_id, r.user_id, r.run_id,
		       r.occurred_at, r.payload
		FROM events_queue q
		JOIN events_raw r USING (org_id, event_id)
		WHERE q.processed_at IS NULL
		ORDER BY q.inserted_at ASC
		LIMIT $1
		FOR UPDATE OF q SKIP LOCKED`, batchSize)
	if err != nil {
		return nil, fmt.Errorf("select unprocessed rows: %w", err)
	}

	var claimed []ClaimedEvent
	for rows.Next() {
		var c ClaimedEvent
		var payload []byte
		if err := rows.Scan(
			&c.Event.OrgID, &c.Event.EventID, &c.Attempts, &c.InsertedAt,
			&c.Event.EventType, &c.Event.SessionID, &c.Event.UserID, &c.Event.RunID,
			&c.Event.OccurredAt, &payload,
		); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan claimed row: %w", err)
		}
		c.Event.Payload = payload
		claimed = append(claimed, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate claimed rows: %w", err)
	}

	if len(claimed) == 0 {
		return nil, tx.Commit(ctx)
	}

	orgIDs, eventIDs := splitKeys(keysOf(claimed))
	if _, err := tx.Exec(ctx, `
		UPDATE events_queue q
		SET attempts = attempts + 1
		FROM (SELECT unnest($1::text[]) AS org_id, unnest($2::text[]) AS event_id) k
		WHERE q.org_id = k.org_id AND q.event_id = k.event_id`,
		orgIDs, eventIDs); err != nil {
		return nil, fmt.Errorf("bump attempts: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}

	for i := range claimed {
		claimed[i].Attempts++
	}
	return claimed, nil
}

// LockQueued re-locks claimed rows inside the caller's projection
// transaction and reports which were obtained. Rows held by another worker
// or already processed are skipped; the caller must drop their events. While
// this transaction holds the locks, Claim's SKIP LOCKED leaves the rows
// invisible to other claimers.
func (s *Store) LockQueued(ctx context.Context, tx pgx.Tx, keys []EventKey) (map[EventKey]struct{}, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	orgIDs, eventIDs := splitKeys(keys)
	rows, err := tx.Query(ctx, `
		SELECT q.org_id, q.event_id
		FROM events_queue q
		JOIN (SELECT unnest($1::text[]) AS org_id, unnest($2::text[]) AS event_id) k
		  ON q.org_id = k.org_id AND q.event_id = k.event_id
		WHERE q.processed_at IS NULL
		FOR UPDATE OF q SKIP LOCKED`, orgIDs, eventIDs)
	if err != nil {
		return nil, fmt.Errorf("lock queue rows: %w", err)
	}
	defer rows.Close()

	held := make(map[EventKey]struct{}, len(keys))
	for rows.Next() {
		var k EventKey
		if err := rows.Scan(&k.OrgID, &k.EventID); err != nil {
			return nil, fmt.Errorf("scan locked queue row: %w", err)
		}
		held[k] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate locked queue rows: %w", err)
	}
	return held, nil
}

// MarkProcessed sets the terminal processed_at timestamp on queue rows. It
// runs on the caller's transaction so a commit covers both the projection and
// the terminal mark. Every key must update exactly one row; a shortfall means
// the row was settled elsewhere and the caller must roll back rather than
// commit a second set of aggregate writes.
func (s *Store) MarkProcessed(ctx context.Context, tx pgx.Tx, keys []EventKey) error {
	if len(keys) == 0 {
		return nil
	}
	orgIDs, eventIDs := splitKeys(keys)
	ct, err := tx.Exec(ctx, `
		UPDATE events_queue q
		SET processed_at = NOW(), last_error = NULL
		FROM (SELECT unnest($1::text[]) AS org_id, unnest($2::text[]) AS event_id) k
		WHERE q.org_id = k.org_id AND q.event_id = k.event_id
		  AND q.processed_at IS NULL`,
		orgIDs, eventIDs)
	if err != nil {
		return fmt.Errorf("mark processed: %w", err)
	}
	if got := ct.RowsAffected(); got != int64(len(keys)) {
		return fmt.Errorf("mark processed: %d of %d rows updated", got, len(keys))
	}
	return nil
}

// RecordError stores the failure message on still-unprocessed queue rows in a
// short standalone transaction. The rows stay reclaimable.
func (s *Store) RecordError(ctx context.Context, keys []EventKey, msg string) error {
	if len(keys) == 0 {
		return nil
	}
	orgIDs, eventIDs := splitKeys(keys)
	_, err := s.pool.Exec(ctx, `
		UPDATE events_queue q
		SET last_error = $3
		FROM (SELECT unnest($1::text[]) AS org_id, unnest($2::text[]) AS event_id) k
		WHERE q.org_id = k.org_id AND q.event_id = k.event_id
		  AND q.processed_at IS NULL`,
		orgIDs, eventIDs, msg)
	if err != nil {
		return fmt.Errorf("record error: %w", err)
	}
	return nil
}

// CountUnprocessed returns the number of queue rows still awaiting projection.
func (s *Store) CountUnprocessed(ctx context.Context) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM events_queue WHERE processed_at IS NULL`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count unprocessed: %w", err)
	}
	return n, nil
}

// OldestUnprocessed returns the inserted_at of the oldest unprocessed queue
// row, or false when the queue is empty.
func (s *Store) OldestUnprocessed(ctx context.Context) (time.Time, bool, error) {
	var t *time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT MIN(inserted_at) FROM events_queue WHERE processed_at IS NULL`).Scan(&t)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("oldest unprocessed: %w", err)
	}
	if t == nil {
		return time.Time{}, false, nil
	}
	return *t, true, nil
}

func keysOf(claimed []ClaimedEvent) []EventKey {
	keys := make([]EventKey, len(claimed))
	for i := range claimed {
		keys[i] = claimed[i].Key()
	}
	return keys
}

func splitKeys(keys []EventKey) ([]string, []string) {
	orgIDs := make([]string, len(keys))
	eventIDs := make([]string, len(keys))
	for i, k := range keys {
		orgIDs[i] = k.OrgID
		eventIDs[i] = k.EventID
	}
	return orgIDs, eventIDs
}
