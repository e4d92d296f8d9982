package order

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatus_Terminal(t *testing.T) {
	terminal := []Status{StatusCompleted, StatusCompletedByAdmin, StatusCanceled, StatusCanceledByAdmin}
	for _, s := range terminal {
		assert.True(t, s.Terminal(), "%s should be terminal", s)
	}

	open := []Status{StatusPending, StatusWaitingPayment, StatusActive, StatusFiatSent, StatusDispute}
	for _, s := range open {
		assert.False(t, s.Terminal(), "%s should not be terminal", s)
	}
}

func TestPartyFlags(t *testing.T) {
	var f PartyFlags
	assert.False(t, f.Both())

	f.Set(RoleBuyer)
	assert.True(t, f.Get(RoleBuyer))
	assert.False(t, f.Get(RoleSeller))
	assert.False(t, f.Both())

	f.Set(RoleSeller)
	assert.True(t, f.Both())
}

func TestOrder_PartyRole(t *testing.T) {
	o := &Order{SellerID: "alice", BuyerID: "bob"}

	role, ok := o.PartyRole("bob")
	require.True(t, ok)
	assert.Equal(t, RoleBuyer, role)

	role, ok = o.PartyRole("alice")
	require.True(t, ok)
	assert.Equal(t, RoleSeller, role)

	_, ok = o.PartyRole("mallory")
	assert.False(t, ok)

	// Unclaimed order: empty user ID never matches the empty buyer slot.
	unclaimed := &Order{SellerID: "alice"}
	_, ok = unclaimed.PartyRole("")
	assert.False(t, ok)
}

func TestOrder_Validate(t *testing.T) {
	fixed := &Order{AmountSats: 100000, FiatAmount: 50, FiatCode: "EUR"}
	assert.NoError(t, fixed.Validate())

	market := &Order{AmountSats: 0, FiatAmount: 50, FiatCode: "EUR"}
	assert.NoError(t, market.Validate())

	badMarket := &Order{AmountSats: 0}
	assert.Error(t, badMarket.Validate())

	orphanSecret := &Order{AmountSats: 1000, Secret: "ab"}
	assert.Error(t, orphanSecret.Validate())
}

func TestMemoryStore_CRUD(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	o := &Order{
		ID:         "ord_1",
		SellerID:   "alice",
		AmountSats: 100000,
		FiatAmount: 50,
		FiatCode:   "EUR",
		Status:     StatusPending,
		CreatedAt:  time.Now(),
		UpdatedAt:  time.Now(),
	}
	require.NoError(t, store.Create(ctx, o))

	got, err := store.Get(ctx, "ord_1")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)

	// Returned record is a copy; mutating it must not touch the store.
	got.Status = StatusActive
	again, err := store.Get(ctx, "ord_1")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, again.Status)

	again.Hash = "deadbeef"
	again.Status = StatusWaitingPayment
	require.NoError(t, store.Update(ctx, again))

	byHash, err := store.GetByHash(ctx, "deadbeef")
	require.NoError(t, err)
	assert.Equal(t, "ord_1", byHash.ID)

	_, err = store.Get(ctx, "ord_missing")
	assert.ErrorIs(t, err, ErrOrderNotFound)

	_, err = store.GetByHash(ctx, "")
	assert.ErrorIs(t, err, ErrOrderNotFound)

	err = store.Update(ctx, &Order{ID: "ord_missing"})
	assert.ErrorIs(t, err, ErrOrderNotFound)
}

func TestMemoryStore_ListStuck(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Now()

	old := now.Add(-time.Hour)
	fresh := now.Add(-time.Minute)

	require.NoError(t, store.Create(ctx, &Order{
		ID: "ord_old", SellerID: "a", AmountSats: 1, Status: StatusWaitingPayment, CreatedAt: old, TakenAt: &old,
	}))
	require.NoError(t, store.Create(ctx, &Order{
		ID: "ord_fresh", SellerID: "a", AmountSats: 1, Status: StatusWaitingPayment, CreatedAt: fresh, TakenAt: &fresh,
	}))
	require.NoError(t, store.Create(ctx, &Order{
		ID: "ord_active", SellerID: "a", AmountSats: 1, Status: StatusActive, CreatedAt: old, TakenAt: &old,
	}))

	stuck, err := store.ListStuck(ctx, StatusWaitingPayment, now.Add(-30*time.Minute), 100)
	require.NoError(t, err)
	require.Len(t, stuck, 1)
	assert.Equal(t, "ord_old", stuck[0].ID)
}
