package model

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecide(t *testing.T) {
	tests := []struct {
		name    string
		current OrderStatus
		next    OrderStatus
		want    Decision
	}{
		{name: "submission attaches tracking", current: OrderStatusCreated, next: OrderStatusPending, want: DecisionApply},
		{name: "submission failure", current: OrderStatusCreated, next: OrderStatusError, want: DecisionApply},
		{name: "callback completes", current: OrderStatusPending, next: OrderStatusCompleted, want: DecisionApply},
		{name: "poll fails", current: OrderStatusPending, next: OrderStatusFailed, want: DecisionApply},
		{name: "poll invalid", current: OrderStatusPending, next: OrderStatusInvalid, want: DecisionApply},
		{name: "still pending", current: OrderStatusPending, next: OrderStatusPending, want: DecisionNoop},
		{name: "duplicate completed", current: OrderStatusCompleted, next: OrderStatusCompleted, want: DecisionNoop},
		{name: "completed to failed", current: OrderStatusCompleted, next: OrderStatusFailed, want: DecisionReject},
		{name: "failed to completed", current: OrderStatusFailed, next: OrderStatusCompleted, want: DecisionReject},
		{name: "terminal back to pending", current: OrderStatusInvalid, next: OrderStatusPending, want: DecisionReject},
		{name: "pending back to created", current: OrderStatusPending, next: OrderStatusCreated, want: DecisionReject},
		{name: "error is absorbing", current: OrderStatusError, next: OrderStatusCompleted, want: DecisionReject},
		{name: "created cannot complete without tracking", current: OrderStatusCreated, next: OrderStatusCompleted, want: DecisionReject},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Decide(tt.current, tt.next))
		})
	}
}

func TestDecide_TerminalMonotonic(t *testing.T) {
	all := []OrderStatus{
		OrderStatusCreated, OrderStatusPending, OrderStatusCompleted,
		OrderStatusFailed, OrderStatusInvalid, OrderStatusError,
	}

	for _, current := range all {
		if !current.IsTerminal() {
			continue
		}
		for _, next := range all {
			got := Decide(current, next)
			if next == current {
				assert.Equal(t, DecisionNoop, got, "%s -> %s", current, next)
				continue
			}
			assert.Equal(t, DecisionReject, got, "%s -> %s", current, next)
		}
	}
}

func TestNormalizeGatewayStatus(t *testing.T) {
	code := func(v int) *int { return &v }

	tests := []struct {
		name        string
		description string
		code        *int
		want        OrderStatus
		wantErr     bool
	}{
		{name: "completed", description: "Completed", want: OrderStatusCompleted},
		{name: "failed upper", description: "FAILED", want: OrderStatusFailed},
		{name: "reversed counts as failed", description: "Reversed", want: OrderStatusFailed},
		{name: "invalid", description: "invalid", want: OrderStatusInvalid},
		{name: "pending", description: " Pending ", want: OrderStatusPending},
		{name: "code fallback", code: code(1), want: OrderStatusCompleted},
		{name: "code zero", code: code(0), want: OrderStatusInvalid},
		{name: "unknown description", description: "SETTLING", wantErr: true},
		{name: "unknown code", code: code(9), wantErr: true},
		{name: "nothing", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NormalizeGatewayStatus(tt.description, tt.code)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrMalformedResponse))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestTokenValidFor(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	tok := Token{Value: "abc", ExpiresAt: now.Add(5 * time.Minute)}
	assert.True(t, tok.ValidFor(now, time.Minute))
	assert.False(t, tok.ValidFor(now.Add(4*time.Minute+30*time.Second), time.Minute))
	assert.False(t, Token{ExpiresAt: now.Add(time.Hour)}.ValidFor(now, time.Minute))
}

func TestErrorKinds(t *testing.T) {
	gerr := &GatewayError{Kind: ErrGatewayRejected, HTTPStatus: 400, Code: "invalid_amount", Message: "amount too small"}
	assert.True(t, errors.Is(gerr, ErrGatewayRejected))
	assert.False(t, IsRetryable(gerr))
	assert.Contains(t, gerr.Error(), "invalid_amount")

	unavailable := &GatewayError{Kind: ErrGatewayUnavailable, HTTPStatus: 503}
	assert.True(t, IsRetryable(unavailable))

	conflict := &StatusConflictError{OrderID: "PAY-1", Current: OrderStatusCompleted, Attempted: OrderStatusFailed, Source: SourcePoll}
	assert.True(t, errors.Is(conflict, ErrInconsistentStatus))
	assert.Contains(t, conflict.Error(), "PAY-1")
}
