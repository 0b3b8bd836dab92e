// Package store provides Store implementations.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/warp/loyalty-engine/loyalty"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory is a loyalty.TxStore held in maps. WithTx holds the write lock for
// the whole callback and restores a snapshot if the callback fails.
type Memory struct {
	mu sync.RWMutex
	state
}

type state struct {
	customers    map[loyalty.CustomerID]loyalty.Customer
	transactions map[loyalty.TransactionID]loyalty.Transaction
	services     map[loyalty.ServiceID]loyalty.Service
	reviews      map[loyalty.ReviewID]loyalty.Review
}

func NewMemory() *Memory {
	return &Memory{state: state{
		customers:    make(map[loyalty.CustomerID]loyalty.Customer),
		transactions: make(map[loyalty.TransactionID]loyalty.Transaction),
		services:     make(map[loyalty.ServiceID]loyalty.Service),
		reviews:      make(map[loyalty.ReviewID]loyalty.Review),
	}}
}

func (m *Memory) read(fn func(*state) error) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return fn(&m.state)
}

func (m *Memory) write(fn func(*state) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fn(&m.state)
}

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
func (m *Memory) WithTx(ctx context.Context, fn func(loyalty.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.state.clone()
	if err := fn(&m.state); err != nil {
		m.state = snapshot
		return err
	}
	return nil
}

func (s *state) clone() state {
	c := state{
		customers:    make(map[loyalty.CustomerID]loyalty.Customer, len(s.customers)),
		transactions: make(map[loyalty.TransactionID]loyalty.Transaction, len(s.transactions)),
		services:     make(map[loyalty.ServiceID]loyalty.Service, len(s.services)),
		reviews:      make(map[loyalty.ReviewID]loyalty.Review, len(s.reviews)),
	}
	for k, v := range s.customers {
		c.customers[k] = v
	}
	for k, v := range s.transactions {
		c.transactions[k] = v
	}
	for k, v := range s.services {
		c.services[k] = v
	}
	for k, v := range s.reviews {
		c.reviews[k] = v
	}
	return c
}

// =============================================================================
// LOCKED ACCESSORS
// =============================================================================

func (m *Memory) GetCustomer(ctx context.Context, id loyalty.CustomerID) (c loyalty.Customer, err error) {
	err = m.read(func(s *state) error { c, err = s.GetCustomer(ctx, id); return err })
	return c, err
}

func (m *Memory) SaveCustomer(ctx context.Context, c loyalty.Customer, expectedVersion int64) error {
	return m.write(func(s *state) error { return s.SaveCustomer(ctx, c, expectedVersion) })
}

func (m *Memory) ListCustomers(ctx context.Context) (out []loyalty.Customer, err error) {
	err = m.read(func(s *state) error { out, err = s.ListCustomers(ctx); return err })
	return out, err
}

func (m *Memory) TopCustomers(ctx context.Context, limit int) (out []loyalty.Customer, err error) {
	err = m.read(func(s *state) error { out, err = s.TopCustomers(ctx, limit); return err })
	return out, err
}

func (m *Memory) GetTransaction(ctx context.Context, id loyalty.TransactionID) (tx loyalty.Transaction, err error) {
	err = m.read(func(s *state) error { tx, err = s.GetTransaction(ctx, id); return err })
	return tx, err
}

func (m *Memory) InsertTransaction(ctx context.Context, tx loyalty.Transaction) error {
	return m.write(func(s *state) error { return s.InsertTransaction(ctx, tx) })
}

func (m *Memory) UpdateTransaction(ctx context.Context, id loyalty.TransactionID, meta loyalty.Metadata) error {
	return m.write(func(s *state) error { return s.UpdateTransaction(ctx, id, meta) })
}

func (m *Memory) DeleteTransaction(ctx context.Context, id loyalty.TransactionID) error {
	return m.write(func(s *state) error { return s.DeleteTransaction(ctx, id) })
}

func (m *Memory) ListTransactions(ctx context.Context, id loyalty.CustomerID) (out []loyalty.Transaction, err error) {
	err = m.read(func(s *state) error { out, err = s.ListTransactions(ctx, id); return err })
	return out, err
}

func (m *Memory) GetService(ctx context.Context, id loyalty.ServiceID) (svc loyalty.Service, err error) {
	err = m.read(func(s *state) error { svc, err = s.GetService(ctx, id); return err })
	return svc, err
}

func (m *Memory) SaveService(ctx context.Context, svc loyalty.Service, expectedVersion int64) error {
	return m.write(func(s *state) error { return s.SaveService(ctx, svc, expectedVersion) })
}

func (m *Memory) GetReview(ctx context.Context, id loyalty.ReviewID) (r loyalty.Review, err error) {
	err = m.read(func(s *state) error { r, err = s.GetReview(ctx, id); return err })
	return r, err
}

func (m *Memory) InsertReview(ctx context.Context, r loyalty.Review) error {
	return m.write(func(s *state) error { return s.InsertReview(ctx, r) })
}

func (m *Memory) DeleteReview(ctx context.Context, id loyalty.ReviewID) error {
	return m.write(func(s *state) error { return s.DeleteReview(ctx, id) })
}

func (m *Memory) ListReviews(ctx context.Context, id loyalty.ServiceID) (out []loyalty.Review, err error) {
	err = m.read(func(s *state) error { out, err = s.ListReviews(ctx, id); return err })
	return out, err
}

// =============================================================================
// STATE - Unlocked Store, also the view handed to WithTx callbacks
// =============================================================================

func (s *state) GetCustomer(_ context.Context, id loyalty.CustomerID) (loyalty.Customer, error) {
	c, ok := s.customers[id]
	if !ok {
		return loyalty.Customer{}, fmt.Errorf("%w: %s", loyalty.ErrCustomerNotFound, id)
	}
	return c, nil
}

func (s *state) SaveCustomer(_ context.Context, c loyalty.Customer, expectedVersion int64) error {
	actual := s.customers[c.ID].Version
	if actual != expectedVersion {
		return &loyalty.ConflictError{Key: "customer:" + string(c.ID), Expected: expectedVersion, Actual: actual}
	}
	c.Version = expectedVersion + 1
	s.customers[c.ID] = c
	return nil
}

func (s *state) ListCustomers(context.Context) ([]loyalty.Customer, error) {
	out := make([]loyalty.Customer, 0, len(s.customers))
	for _, c := range s.customers {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *state) TopCustomers(ctx context.Context, limit int) ([]loyalty.Customer, error) {
	out, _ := s.ListCustomers(ctx)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].LifetimeSpend.GreaterThan(out[j].LifetimeSpend)
	})
	if limit >= 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *state) GetTransaction(_ context.Context, id loyalty.TransactionID) (loyalty.Transaction, error) {
	tx, ok := s.transactions[id]
	if !ok {
		return loyalty.Transaction{}, fmt.Errorf("%w: %s", loyalty.ErrTransactionNotFound, id)
	}
	return cloneTransaction(tx), nil
}

func (s *state) InsertTransaction(_ context.Context, tx loyalty.Transaction) error {
	if _, ok := s.transactions[tx.ID]; ok {
		return fmt.Errorf("%w: %s", loyalty.ErrDuplicateTransaction, tx.ID)
	}
	s.transactions[tx.ID] = cloneTransaction(tx)
	return nil
}

func (s *state) UpdateTransaction(_ context.Context, id loyalty.TransactionID, meta loyalty.Metadata) error {
	tx, ok := s.transactions[id]
	if !ok {
		return fmt.Errorf("%w: %s", loyalty.ErrTransactionNotFound, id)
	}
	tx.Note = meta.Note
	tx.Attachments = append([]string(nil), meta.Attachments...)
	s.transactions[id] = tx
	return nil
}

func (s *state) DeleteTransaction(_ context.Context, id loyalty.TransactionID) error {
	if _, ok := s.transactions[id]; !ok {
		return fmt.Errorf("%w: %s", loyalty.ErrTransactionNotFound, id)
	}
	delete(s.transactions, id)
	return nil
}

func (s *state) ListTransactions(_ context.Context, id loyalty.CustomerID) ([]loyalty.Transaction, error) {
	var out []loyalty.Transaction
	for _, tx := range s.transactions {
		if tx.CustomerID == id {
			out = append(out, cloneTransaction(tx))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *state) GetService(_ context.Context, id loyalty.ServiceID) (loyalty.Service, error) {
	svc, ok := s.services[id]
	if !ok {
		return loyalty.Service{}, fmt.Errorf("%w: %s", loyalty.ErrServiceNotFound, id)
	}
	return svc, nil
}

func (s *state) SaveService(_ context.Context, svc loyalty.Service, expectedVersion int64) error {
	actual := s.services[svc.ID].Version
	if actual != expectedVersion {
		return &loyalty.ConflictError{Key: "service:" + string(svc.ID), Expected: expectedVersion, Actual: actual}
	}
	svc.Version = expectedVersion + 1
	s.services[svc.ID] = svc
	return nil
}

func (s *state) GetReview(_ context.Context, id loyalty.ReviewID) (loyalty.Review, error) {
	r, ok := s.reviews[id]
	if !ok {
		return loyalty.Review{}, fmt.Errorf("%w: %s", loyalty.ErrReviewNotFound, id)
	}
	return r, nil
}

func (s *state) InsertReview(_ context.Context, r loyalty.Review) error {
	if _, ok := s.reviews[r.ID]; ok {
		return fmt.Errorf("%w: %s", loyalty.ErrDuplicateReview, r.ID)
	}
	s.reviews[r.ID] = r
	return nil
}

func (s *state) DeleteReview(_ context.Context, id loyalty.ReviewID) error {
	if _, ok := s.reviews[id]; !ok {
		return fmt.Errorf("%w: %s", loyalty.ErrReviewNotFound, id)
	}
	delete(s.reviews, id)
	return nil
}

func (s *state) ListReviews(_ context.Context, id loyalty.ServiceID) ([]loyalty.Review, error) {
	var out []loyalty.Review
	for _, r := range s.reviews {
		if r.ServiceID == id {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func cloneTransaction(tx loyalty.Transaction) loyalty.Transaction {
	if tx.Attachments != nil {
		tx.Attachments = append([]string(nil), tx.Attachments...)
	}
	return tx
}
