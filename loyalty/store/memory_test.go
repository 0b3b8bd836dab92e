package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/loyalty-engine/loyalty"
	"github.com/warp/loyalty-engine/loyalty/store"
)

var day = time.Date(2025, time.May, 5, 0, 0, 0, 0, time.UTC)

func TestMemory_SaveCustomer_CompareAndSwap(t *testing.T) {
	m := store.NewMemory()
	ctx := context.Background()

	c := loyalty.Customer{ID: "alice", LifetimeSpend: loyalty.Money(10)}
	require.NoError(t, m.SaveCustomer(ctx, c, 0))

	err := m.SaveCustomer(ctx, c, 0)
	var conflict *loyalty.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, int64(0), conflict.Expected)
	assert.Equal(t, int64(1), conflict.Actual)

	got, err := m.GetCustomer(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.Version)
}

func TestMemory_WithTx_RestoresSnapshot(t *testing.T) {
	// GIVEN: An existing entry
	// WHEN: A transaction deletes it, inserts another, then fails
	// THEN: The store looks exactly as before
	m := store.NewMemory()
	ctx := context.Background()
	orig := loyalty.Transaction{ID: "tx-1", CustomerID: "alice", Amount: loyalty.Money(5), CreatedAt: day}
	require.NoError(t, m.InsertTransaction(ctx, orig))

	boom := errors.New("boom")
	err := m.WithTx(ctx, func(s loyalty.Store) error {
		require.NoError(t, s.DeleteTransaction(ctx, "tx-1"))
		require.NoError(t, s.InsertTransaction(ctx, loyalty.Transaction{ID: "tx-2", CustomerID: "alice", Amount: loyalty.Money(9)}))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	_, err = m.GetTransaction(ctx, "tx-1")
	assert.NoError(t, err)
	_, err = m.GetTransaction(ctx, "tx-2")
	assert.ErrorIs(t, err, loyalty.ErrTransactionNotFound)
}

func TestMemory_AttachmentsAreCopied(t *testing.T) {
	m := store.NewMemory()
	ctx := context.Background()
	refs := []string{"a.png"}
	require.NoError(t, m.InsertTransaction(ctx, loyalty.Transaction{ID: "tx-1", Attachments: refs}))

	refs[0] = "mutated"
	got, err := m.GetTransaction(ctx, "tx-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"a.png"}, got.Attachments)

	got.Attachments[0] = "mutated again"
	again, _ := m.GetTransaction(ctx, "tx-1")
	assert.Equal(t, []string{"a.png"}, again.Attachments)
}

func TestMemory_Ordering(t *testing.T) {
	m := store.NewMemory()
	ctx := context.Background()

	for i, spend := range []int64{300, 900, 100} {
		id := loyalty.CustomerID([]string{"a", "b", "c"}[i])
		require.NoError(t, m.SaveCustomer(ctx, loyalty.Customer{ID: id, LifetimeSpend: loyalty.Money(spend)}, 0))
		require.NoError(t, m.InsertTransaction(ctx, loyalty.Transaction{
			ID: loyalty.TransactionID("tx-" + string(id)), CustomerID: "a", CreatedAt: day.Add(time.Duration(i) * time.Hour),
		}))
	}

	top, err := m.TopCustomers(ctx, 2)
	require.NoError(t, err)
	require.Len(t, top, 2)
	assert.Equal(t, loyalty.CustomerID("b"), top[0].ID)
	assert.Equal(t, loyalty.CustomerID("a"), top[1].ID)

	txs, err := m.ListTransactions(ctx, "a")
	require.NoError(t, err)
	require.Len(t, txs, 3)
	assert.Equal(t, loyalty.TransactionID("tx-c"), txs[0].ID, "newest first")
}

func TestMemory_NotFound(t *testing.T) {
	m := store.NewMemory()
	ctx := context.Background()

	_, err := m.GetCustomer(ctx, "x")
	assert.ErrorIs(t, err, loyalty.ErrCustomerNotFound)
	_, err = m.GetService(ctx, "x")
	assert.ErrorIs(t, err, loyalty.ErrServiceNotFound)
	_, err = m.GetReview(ctx, "x")
	assert.ErrorIs(t, err, loyalty.ErrReviewNotFound)
	assert.ErrorIs(t, m.DeleteTransaction(ctx, "x"), loyalty.ErrTransactionNotFound)
	assert.ErrorIs(t, m.UpdateTransaction(ctx, "x", loyalty.Metadata{}), loyalty.ErrTransactionNotFound)
	assert.ErrorIs(t, m.DeleteReview(ctx, "x"), loyalty.ErrReviewNotFound)
}
