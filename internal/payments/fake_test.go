package payments

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewGatewayRequiresOptIn(t *testing.T) {
	_, err := NewGateway(false, "http://localhost:8080", nil)
	assert.ErrorIs(t, err, ErrFakePaymentsDisabled)

	gw, err := NewGateway(true, "http://localhost:8080", nil)
	require.NoError(t, err)
	assert.NotNil(t, gw)
}

func TestFakeInitiateIsIdempotentPerKey(t *testing.T) {
	gw := NewFakeGateway("http://localhost:8080/", nil)
	ctx := context.Background()
	req := InitiateRequest{Amount: decimal.RequireFromString("40.00"), Currency: "USD", IdempotencyKey: "k1"}

	first, err := gw.Initiate(ctx, req)
	require.NoError(t, err)
	assert.Contains(t, first.RedirectURL, "http://localhost:8080/payments/fake/"+first.Reference)

	second, err := gw.Initiate(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, first.Reference, second.Reference)
	assert.Equal(t, 1, gw.Initiated())

	req.IdempotencyKey = "k2"
	third, err := gw.Initiate(ctx, req)
	require.NoError(t, err)
	assert.NotEqual(t, first.Reference, third.Reference)
	assert.Equal(t, 2, gw.Initiated())
}

func TestFakeFailNext(t *testing.T) {
	gw := NewFakeGateway("", nil)
	gw.FailNext(ErrGatewayUnavailable)

	_, err := gw.Initiate(context.Background(), InitiateRequest{Amount: decimal.NewFromInt(1), Currency: "USD", IdempotencyKey: "k"})
	assert.ErrorIs(t, err, ErrGatewayUnavailable)

	_, err = gw.Initiate(context.Background(), InitiateRequest{Amount: decimal.NewFromInt(1), Currency: "USD", IdempotencyKey: "k"})
	assert.NoError(t, err)
}

func TestFakeRefund(t *testing.T) {
	gw := NewFakeGateway("", nil)
	ctx := context.Background()

	_, err := gw.Refund(ctx, RefundRequest{Reference: "pay_missing", Amount: decimal.NewFromInt(5)})
	assert.ErrorIs(t, err, ErrUnknownReference)

	c, err := gw.Initiate(ctx, InitiateRequest{Amount: decimal.NewFromInt(40), Currency: "USD", IdempotencyKey: "k"})
	require.NoError(t, err)

	r1, err := gw.Refund(ctx, RefundRequest{Reference: c.Reference, Amount: decimal.NewFromInt(40), Currency: "USD"})
	require.NoError(t, err)
	r2, err := gw.Refund(ctx, RefundRequest{Reference: c.Reference, Amount: decimal.NewFromInt(40), Currency: "USD"})
	require.NoError(t, err)
	assert.Equal(t, r1.ID, r2.ID)
	assert.Len(t, gw.Refunds(), 1)
}

func TestStatusValid(t *testing.T) {
	assert.True(t, StatusPaid.Valid())
	assert.True(t, StatusTimeout.Valid())
	assert.False(t, Status("pending").Valid())
}
