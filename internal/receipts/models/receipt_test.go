package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	id "receiptflow/pkg/domain"
	dErrors "receiptflow/pkg/domain-errors"
)

func TestNewReceipt(t *testing.T) {
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	valid := Draft{OwnerID: "amb-1", SenderID: "t1", Amount: 12.5, Currency: " eur ", Documents: []string{"https://docs/1.jpg"}}

	r, err := NewReceipt("r1", valid, now)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, r.Status)
	assert.Equal(t, "EUR", r.Currency)
	assert.Equal(t, now, r.CreatedAt)

	valid.Documents[0] = "mutated"
	assert.Equal(t, "https://docs/1.jpg", r.Documents[0], "documents are copied")

	tests := []struct {
		name  string
		id    string
		draft Draft
	}{
		{name: "missing id", id: "", draft: valid},
		{name: "missing owner", id: "r1", draft: Draft{Amount: 1, Currency: "USD"}},
		{name: "zero amount", id: "r1", draft: Draft{OwnerID: "a", Currency: "USD"}},
		{name: "negative amount", id: "r1", draft: Draft{OwnerID: "a", Amount: -1, Currency: "USD"}},
		{name: "bad currency", id: "r1", draft: Draft{OwnerID: "a", Amount: 1, Currency: "DOLLARS"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewReceipt(id.ReceiptID(tt.id), tt.draft, now)
			assert.True(t, dErrors.HasCode(err, dErrors.CodeInvariantViolation))
		})
	}
}

func TestApplyStatus_TerminalStatesAreFinal(t *testing.T) {
	r := &Receipt{ID: "r1", Status: StatusPending}
	assert.False(t, r.CanTransition(StatusPending))
	require.NoError(t, r.ApplyStatus(StatusRejected))

	for _, to := range []Status{StatusPending, StatusApproved, StatusRejected} {
		err := r.ApplyStatus(to)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeInvariantViolation), to)
	}
	assert.Equal(t, StatusRejected, r.Status)
}

func TestParseStatus(t *testing.T) {
	st, err := ParseStatus("approved")
	require.NoError(t, err)
	assert.True(t, st.IsTerminal())
	assert.False(t, StatusPending.IsTerminal())

	_, err = ParseStatus("archived")
	assert.Error(t, err)
}
