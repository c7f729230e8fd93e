package events

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecimal_UnmarshalJSON(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    Decimal
		wantErr bool
	}{
		{name: "string decimal", input: `"0.05"`, want: "0.05"},
		{name: "bare number", input: `0.05`, want: "0.05"},
		{name: "integer", input: `3`, want: "3"},
		{name: "zero string", input: `"0"`, want: "0"},
		{name: "object rejected", input: `{"v":1}`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var d Decimal
			err := json.Unmarshal([]byte(tt.input), &d)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, d)
		})
	}
}

func TestDecimal_Float(t *testing.T) {
	f, ok := Decimal("0.25").Float()
	require.True(t, ok)
	assert.InDelta(t, 0.25, f, 1e-9)

	_, ok = Decimal("").Float()
	assert.False(t, ok)

	_, ok = Decimal("not-a-number").Float()
	assert.False(t, ok)
}

func TestEvent_Day(t *testing.T) {
	// 23:30 in UTC-5 is 04:30 the next day in UTC; attribution is by UTC date.
	loc := time.FixedZone("EST", -5*3600)
	e := Event{OccurredAt: time.Date(2026, 3, 14, 23, 30, 0, 0, loc)}

	assert.Equal(t, time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC), e.Day())
}

func TestDecodeRunCompletedPayload(t *testing.T) {
	e := validEvent("e1", TypeRunCompleted)

	p, err := e.DecodeRunCompletedPayload()
	require.NoError(t, err)
	assert.Equal(t, RunSuccess, p.Status)
	assert.Equal(t, int64(1200), p.DurationMS)
	assert.Equal(t, Decimal("0.05"), p.Cost)
	assert.Equal(t, int64(100), p.InputTokens)
	assert.Equal(t, int64(40), p.OutputTokens)
}
