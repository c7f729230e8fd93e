package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/eremenai/cloud-agent-dashboard/internal/events"
)

type stubEnqueuer struct {
	batches [][]events.Event
	err     error
}

func (s *stubEnqueuer) EnqueueBatch(ctx context.Context, batch []events.Event) error {
	if s.err != nil {
		return s.err
	}
	s.batches = append(s.batches, batch)
	return nil
}

func strPtr(s string) *string { return &s }

func messageEvent(id string) events.Event {
	return events.Event{
		EventID:    id,
		OrgID:      "org-1",
		OccurredAt: time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC),
		EventType:  events.TypeMessageCreated,
		SessionID:  "sess-1",
		UserID:     strPtr("user-1"),
		Payload:    json.RawMessage(`{"content":"hi"}`),
	}
}

func postEvents(t *testing.T, handler *IngestHandler, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/events", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.PostEvents(rec, req)
	return rec
}

func TestPostEvents_AcceptsValidBatch(t *testing.T) {
	enq := &stubEnqueuer{}
	handler := NewIngestHandler(enq, zap.NewNop())

	body, err := json.Marshal(IngestRequest{Events: []events.Event{messageEvent("e1"), messageEvent("e2")}})
	require.NoError(t, err)

	rec := postEvents(t, handler, body)
	assert.Equal(t, http.StatusOK, rec.Code)

	var resp IngestResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Accepted)
	assert.Equal(t, []string{"e1", "e2"}, resp.EventIDs)
	assert.Empty(t, resp.Errors)

	require.Len(t, enq.batches, 1)
	assert.Len(t, enq.batches[0], 2)
}

func TestPostEvents_RejectsMalformedBody(t *testing.T) {
	enq := &stubEnqueuer{}
	handler := NewIngestHandler(enq, zap.NewNop())

	rec := postEvents(t, handler, []byte(`{"events": [`))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, enq.batches)
}

func TestPostEvents_RejectsInvalidEventWholesale(t *testing.T) {
	enq := &stubEnqueuer{}
	handler := NewIngestHandler(enq, zap.NewNop())

	bad := messageEvent("e2")
	bad.OrgID = ""
	body, err := json.Marshal(IngestRequest{Events: []events.Event{messageEvent("e1"), bad}})
	require.NoError(t, err)

	rec := postEvents(t, handler, body)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	var resp IngestResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 0, resp.Accepted)
	require.Len(t, resp.Errors, 1)
	assert.Equal(t, "e2", resp.Errors[0].EventID)

	// The valid sibling must not be persisted either.
	assert.Empty(t, enq.batches)
}

func TestPostEvents_RejectsOversizeBatch(t *testing.T) {
	enq := &stubEnqueuer{}
	handler := NewIngestHandler(enq, zap.NewNop())

	batch := make([]events.Event, events.MaxBatchSize+1)
	for i := range batch {
		batch[i] = messageEvent(fmt.Sprintf("e%d", i))
	}
	body, err := json.Marshal(IngestRequest{Events: batch})
	require.NoError(t, err)

	rec := postEvents(t, handler, body)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, enq.batches)
}

func TestPostEvents_StorageFailure(t *testing.T) {
	enq := &stubEnqueuer{err: errors.New("connection refused")}
	handler := NewIngestHandler(enq, zap.NewNop())

	body, err := json.Marshal(IngestRequest{Events: []events.Event{messageEvent("e1")}})
	require.NoError(t, err)

	rec := postEvents(t, handler, body)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	var resp IngestResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Errors, 1)
	// Internal error detail is not leaked to the client.
	assert.Equal(t, "storage failure", resp.Errors[0].Message)
	assert.NotContains(t, rec.Body.String(), "connection refused")
}
