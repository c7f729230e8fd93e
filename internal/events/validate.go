package events

import (
	"fmt"
	"strings"
)

// MaxBatchSize is the ingest limit; larger batches are rejected wholesale.
const MaxBatchSize = 100

// FieldError describes one malformed event inside a rejected batch.
type FieldError struct {
	EventID string `json:"event_id,omitempty"`
	Message string `json:"message"`
}

// ValidationErrors rejects a whole batch; it carries per-event messages for
// the 400 response body.
type ValidationErrors struct {
	Errors []FieldError
}

func (v *ValidationErrors) Error() string {
	msgs := make([]string, 0, len(v.Errors))
	for _, e := range v.Errors {
		if e.EventID != "" {
			msgs = append(msgs, fmt.Sprintf("%s: %s", e.EventID, e.Message))
		} else {
			msgs = append(msgs, e.Message)
		}
	}
	return "invalid batch: " + strings.Join(msgs, "; ")
}

// ValidateBatch checks a batch against the ingest contract. A nil return
// means every event is well formed; any defect rejects the batch wholesale.
func ValidateBatch(batch []Event) error {
	var errs []FieldError

	if len(batch) == 0 {
		errs = append(errs, FieldError{Message: "batch must contain at least one event"})
	}
	if len(batch) > MaxBatchSize {
		errs = append(errs, FieldError{Message: fmt.Sprintf("batch exceeds %d events", MaxBatchSize)})
	}

	for i := range batch {
		errs = append(errs, validateEvent(&batch[i])...)
	}

	if len(errs) > 0 {
		return &ValidationErrors{Errors: errs}
	}
	return nil
}

func validateEvent(e *Event) []FieldError {
	var errs []FieldError
	fail := func(format string, args ...any) {
		errs = append(errs, FieldError{EventID: e.EventID, Message: fmt.Sprintf(format, args...)})
	}

	if e.EventID == "" {
		fail("event_id is required")
	}
	if e.OrgID == "" {
		fail("org_id is required")
	}
	if e.SessionID == "" {
		fail("session_id is required")
	}
	if e.OccurredAt.IsZero() {
		fail("occurred_at is required")
	}

	switch e.EventType {
	case TypeMessageCreated:
		p, err := e.DecodeMessagePayload()
		if err != nil {
			fail("malformed payload: %v", err)
		} else if p.Content == "" {
			fail("payload.content is required")
		}

	case TypeRunStarted:
		if e.RunID == nil || *e.RunID == "" {
			fail("run_id is required for run_started")
		}

	case TypeRunCompleted:
		if e.RunID == nil || *e.RunID == "" {
			fail("run_id is required for run_completed")
		}
		p, err := e.DecodeRunCompletedPayload()
		if err != nil {
			fail("malformed payload: %v", err)
			break
		}
		switch p.Status {
		case RunSuccess, RunFail, RunTimeout, RunCancelled:
		default:
			fail("payload.status %q is not a valid run status", p.Status)
		}
		if p.DurationMS < 0 {
			fail("payload.duration_ms must be >= 0")
		}
		if cost, ok := p.Cost.Float(); !ok {
			fail("payload.cost must be a decimal")
		} else if cost < 0 {
			fail("payload.cost must be >= 0")
		}
		if p.InputTokens < 0 {
			fail("payload.input_tokens must be >= 0")
		}
		if p.OutputTokens < 0 {
			fail("payload.output_tokens must be >= 0")
		}
		switch p.ErrorType {
		case "", ErrorTool, ErrorModel, ErrorTimeout, ErrorUnknown:
		default:
			fail("payload.error_type %q is not a valid error type", p.ErrorType)
		}

	case TypeLocalHandoff:
		p, err := e.DecodeHandoffPayload()
		if err != nil {
			fail("malformed payload: %v", err)
			break
		}
		switch p.Method {
		case HandoffTeleport, HandoffDownload, HandoffCopyPatch, HandoffOther:
		default:
			fail("payload.method %q is not a valid handoff method", p.Method)
		}

	default:
		fail("event_type %q is not recognized", e.EventType)
	}

	return errs
}
