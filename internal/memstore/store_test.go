package memstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ariefcatur/go-order-ledger/internal/ledger"
	"github.com/ariefcatur/go-order-ledger/internal/orders"
	"github.com/ariefcatur/go-order-ledger/internal/outbox"
)

func seed(t *testing.T, s *Store, onHand int) ledger.Product {
	t.Helper()
	p, err := s.InsertProduct(context.Background(), ledger.Product{SKU: "A", Name: "A", OnHand: onHand, Active: true})
	require.NoError(t, err)
	return p
}

func TestStockTx_CommitAndRollback(t *testing.T) {
	s := New()
	ctx := context.Background()
	p := seed(t, s, 10)

	boom := errors.New("boom")
	err := s.WithStockTx(ctx, func(ctx context.Context, rows ledger.Rows) error {
		if _, err := rows.LockProduct(ctx, p.ID); err != nil {
			return err
		}
		require.NoError(t, rows.UpdateStock(ctx, p.ID, 10, 4))
		require.NoError(t, rows.Enqueue(ctx, outbox.Message{Topic: "t"}))
		return boom
	})
	require.ErrorIs(t, err, boom)
	got, _ := s.Product(ctx, p.ID)
	assert.Equal(t, 0, got.Reserved)
	msgs, _ := s.PendingOutbox(ctx, 10)
	assert.Empty(t, msgs)

	err = s.WithStockTx(ctx, func(ctx context.Context, rows ledger.Rows) error {
		if _, err := rows.LockProduct(ctx, p.ID); err != nil {
			return err
		}
		if err := rows.UpdateStock(ctx, p.ID, 10, 4); err != nil {
			return err
		}
		again, err := rows.LockProduct(ctx, p.ID) // re-entrant, sees own write
		if err != nil {
			return err
		}
		assert.Equal(t, 4, again.Reserved)
		return rows.Enqueue(ctx, outbox.Message{Topic: "t"})
	})
	require.NoError(t, err)
	got, _ = s.Product(ctx, p.ID)
	assert.Equal(t, 4, got.Reserved)
	msgs, _ = s.PendingOutbox(ctx, 10)
	require.Len(t, msgs, 1)
	assert.Equal(t, int64(1), msgs[0].ID)
}

func TestUpdateStockRequiresLock(t *testing.T) {
	s := New()
	p := seed(t, s, 1)
	err := s.WithStockTx(context.Background(), func(ctx context.Context, rows ledger.Rows) error {
		return rows.UpdateStock(ctx, p.ID, 1, 1)
	})
	require.Error(t, err)
}

func TestLockWait_TimeoutAndCancellation(t *testing.T) {
	s := New(WithLockTimeout(15 * time.Millisecond))
	p := seed(t, s, 1)
	ctx := context.Background()

	locked := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- s.WithStockTx(ctx, func(ctx context.Context, rows ledger.Rows) error {
			_, err := rows.LockProduct(ctx, p.ID)
			close(locked)
			<-release
			return err
		})
	}()
	<-locked

	err := s.WithStockTx(ctx, func(ctx context.Context, rows ledger.Rows) error {
		_, err := rows.LockProduct(ctx, p.ID)
		return err
	})
	require.ErrorIs(t, err, ledger.ErrLockTimeout)

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	s.lockTimeout = time.Second
	err = s.WithStockTx(cctx, func(ctx context.Context, rows ledger.Rows) error {
		_, err := rows.LockProduct(ctx, p.ID)
		return err
	})
	require.ErrorIs(t, err, context.Canceled)

	close(release)
	require.NoError(t, <-done)
}

func TestInsertOrder_UniqueNumberAndExternalID(t *testing.T) {
	s := New()
	ctx := context.Background()
	insert := func(number, ext string) error {
		return s.WithOrderTx(ctx, func(ctx context.Context, tx orders.Tx) error {
			_, err := tx.InsertOrder(ctx, orders.Order{Number: number, ExternalID: ext, Status: orders.StatusPending})
			return err
		})
	}

	require.NoError(t, insert("ORD-1", "k1"))
	assert.ErrorIs(t, insert("ORD-1", ""), orders.ErrConflict)
	assert.ErrorIs(t, insert("ORD-2", "k1"), orders.ErrConflict)
	require.NoError(t, insert("ORD-2", ""))
	require.NoError(t, insert("ORD-3", ""))

	err := s.WithOrderTx(ctx, func(ctx context.Context, tx orders.Tx) error {
		o, found, err := tx.FindByExternalID(ctx, "k1")
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, "ORD-1", o.Number)
		return nil
	})
	require.NoError(t, err)
}

func TestOrderReadsAreCopies(t *testing.T) {
	s := New()
	ctx := context.Background()
	var id int64
	require.NoError(t, s.WithOrderTx(ctx, func(ctx context.Context, tx orders.Tx) error {
		o, err := tx.InsertOrder(ctx, orders.Order{Number: "ORD-1", Lines: []orders.Line{{ProductID: 1, Quantity: 1, State: orders.LineReserved}}})
		id = o.ID
		return err
	}))

	o, err := s.Order(ctx, id)
	require.NoError(t, err)
	o.Lines[0].State = orders.LineReleased

	again, err := s.Order(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, orders.LineReserved, again.Lines[0].State)
}

func TestInsertOrder_HeldRowIsConflictNotDeadlock(t *testing.T) {
	s := New(WithLockTimeout(50 * time.Millisecond))
	ctx := context.Background()
	p := seed(t, s, 5)

	locked := make(chan struct{})
	inserted := make(chan struct{})
	holder := make(chan error, 1)
	go func() {
		holder <- s.WithOrderTx(ctx, func(ctx context.Context, tx orders.Tx) error {
			// order 1 does not exist yet; the lock is still taken
			_, err := tx.LockOrder(ctx, 1)
			if !errors.Is(err, orders.ErrOrderNotFound) {
				return err
			}
			close(locked)
			<-inserted
			_, err = tx.LockProduct(ctx, p.ID)
			return err
		})
	}()
	<-locked

	insertErr := make(chan error, 1)
	go func() {
		insertErr <- s.WithOrderTx(ctx, func(ctx context.Context, tx orders.Tx) error {
			_, err := tx.InsertOrder(ctx, orders.Order{Number: "ORD-1", Status: orders.StatusPending})
			return err
		})
	}()

	select {
	case err := <-insertErr:
		assert.ErrorIs(t, err, orders.ErrConflict)
	case <-time.After(2 * time.Second):
		t.Fatal("InsertOrder blocked on a held order row")
	}
	close(inserted)

	select {
	case err := <-holder:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("holder never finished")
	}

	// the next attempt gets a fresh id and succeeds
	require.NoError(t, s.WithOrderTx(ctx, func(ctx context.Context, tx orders.Tx) error {
		_, err := tx.InsertOrder(ctx, orders.Order{Number: "ORD-1", Status: orders.StatusPending})
		return err
	}))
}
