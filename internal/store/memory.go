package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/netpass/coinwallet/internal/domain"
	"github.com/netpass/coinwallet/internal/ledger"
)

// Memory is an in-memory implementation of every store interface. It backs
// package tests and the dev mode of the API binary. One mutex covers all
// state; that over-serializes compared to the per-account row locks of the
// Postgres store but gives the same observable guarantees.
type Memory struct {
	mu       sync.Mutex
	nextAcct int64
	accounts map[int64]*domain.Account
	txByKey  map[string]*domain.Transaction
	txs      []*domain.Transaction
	intents  map[string]*domain.DepositIntent
	methods  map[string]*domain.DepositMethod
	orders   map[string]*domain.Order
	creds    map[string]*domain.Credential
	// order slot guards mirror the partial unique indexes
	orderPurchase map[string]bool
	orderRefund   map[string]bool
}

func NewMemory() *Memory {
	return &Memory{
		accounts:      make(map[int64]*domain.Account),
		txByKey:       make(map[string]*domain.Transaction),
		intents:       make(map[string]*domain.DepositIntent),
		methods:       make(map[string]*domain.DepositMethod),
		orders:        make(map[string]*domain.Order),
		creds:         make(map[string]*domain.Credential),
		orderPurchase: make(map[string]bool),
		orderRefund:   make(map[string]bool),
	}
}

func copyTx(t *domain.Transaction) *domain.Transaction {
	c := *t
	return &c
}

func (m *Memory) CreateAccount(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextAcct++
	id := m.nextAcct
	m.accounts[id] = &domain.Account{ID: id, CreatedAt: time.Now().UTC()}
	return id, nil
}

func (m *Memory) GetAccount(ctx context.Context, accountID int64) (*domain.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	acc, ok := m.accounts[accountID]
	if !ok {
		return nil, ledger.ErrAccountNotFound
	}
	c := *acc
	return &c, nil
}

func (m *Memory) replayLocked(e ledger.Entry) (*domain.Transaction, error) {
	existing, ok := m.txByKey[e.IdempotencyKey]
	if !ok {
		return nil, nil
	}
	if existing.AccountID != e.AccountID || existing.Type != e.Type {
		return nil, ledger.ErrIdempotencyMismatch
	}
	return existing, nil
}

func (m *Memory) insertLocked(e ledger.Entry, signedAmount int64, status domain.TransactionStatus) (*domain.Transaction, error) {
	if e.RelatedOrderID != "" {
		slot := m.orderPurchase
		if e.Type == domain.TxRefund {
			slot = m.orderRefund
		}
		if e.Type == domain.TxPurchase || e.Type == domain.TxRefund {
			if slot[e.RelatedOrderID] {
				return nil, ledger.ErrIdempotencyMismatch
			}
			slot[e.RelatedOrderID] = true
		}
	}
	t := &domain.Transaction{
		ID:               uuid.NewString(),
		AccountID:        e.AccountID,
		Type:             e.Type,
		Amount:           signedAmount,
		Status:           status,
		IdempotencyKey:   e.IdempotencyKey,
		RelatedOrderID:   e.RelatedOrderID,
		RelatedDepositID: e.RelatedDepositID,
		Description:      e.Description,
		CreatedAt:        time.Now().UTC(),
	}
	m.txByKey[e.IdempotencyKey] = t
	m.txs = append(m.txs, t)
	return t, nil
}

func (m *Memory) ApplyCredit(ctx context.Context, e ledger.Entry) (*domain.Transaction, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	acc, ok := m.accounts[e.AccountID]
	if !ok {
		return nil, false, ledger.ErrAccountNotFound
	}
	existing, err := m.replayLocked(e)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		switch existing.Status {
		case domain.TxCompleted:
			return copyTx(existing), true, nil
		case domain.TxFailed:
			return nil, false, fmt.Errorf("idempotency key %s already failed", e.IdempotencyKey)
		}
		existing.Status = domain.TxCompleted
		acc.Balance += existing.Amount
		return copyTx(existing), false, nil
	}

	t, err := m.insertLocked(e, e.Amount, domain.TxCompleted)
	if err != nil {
		return nil, false, err
	}
	acc.Balance += e.Amount
	return copyTx(t), false, nil
}

func (m *Memory) ApplyDebit(ctx context.Context, e ledger.Entry) (*domain.Transaction, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	acc, ok := m.accounts[e.AccountID]
	if !ok {
		return nil, false, ledger.ErrAccountNotFound
	}
	existing, err := m.replayLocked(e)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		return copyTx(existing), true, nil
	}
	if acc.Balance < e.Amount {
		return nil, false, ledger.ErrInsufficientBalance
	}
	t, err := m.insertLocked(e, -e.Amount, domain.TxCompleted)
	if err != nil {
		return nil, false, err
	}
	acc.Balance -= e.Amount
	return copyTx(t), false, nil
}

func (m *Memory) RecordPending(ctx context.Context, e ledger.Entry) (*domain.Transaction, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.accounts[e.AccountID]; !ok {
		return nil, false, ledger.ErrAccountNotFound
	}
	existing, err := m.replayLocked(e)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		return copyTx(existing), true, nil
	}
	t, err := m.insertLocked(e, e.Amount, domain.TxPending)
	if err != nil {
		return nil, false, err
	}
	return copyTx(t), false, nil
}

func (m *Memory) FailPending(ctx context.Context, key, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.txByKey[key]
	if !ok || t.Status != domain.TxPending {
		return nil
	}
	t.Status = domain.TxFailed
	t.Description += " (" + reason + ")"
	return nil
}

func (m *Memory) ListTransactions(ctx context.Context, accountID int64, limit, offset int) ([]domain.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []domain.Transaction
	skipped := 0
	for i := len(m.txs) - 1; i >= 0 && len(out) < limit; i-- {
		t := m.txs[i]
		if t.AccountID != accountID {
			continue
		}
		if skipped < offset {
			skipped++
			continue
		}
		out = append(out, *t)
	}
	return out, nil
}

func (m *Memory) GetTransactionByKey(ctx context.Context, key string) (*domain.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.txByKey[key]
	if !ok {
		return nil, nil
	}
	return copyTx(t), nil
}

func (m *Memory) SumCompleted(ctx context.Context, accountID int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var sum int64
	for _, t := range m.txs {
		if t.AccountID == accountID && t.Status == domain.TxCompleted {
			sum += t.Amount
		}
	}
	return sum, nil
}

func (m *Memory) ListAccountIDs(ctx context.Context) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]int64, 0, len(m.accounts))
	for id := range m.accounts {
		ids = append(ids, id)
	}
	return ids, nil
}

// SetBalance force-writes the cached balance without a log entry. Test-only
// hook for drift scenarios.
func (m *Memory) SetBalance(accountID, balance int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if acc, ok := m.accounts[accountID]; ok {
		acc.Balance = balance
	}
}

func (m *Memory) CreateIntent(ctx context.Context, in *domain.DepositIntent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *in
	m.intents[in.ID] = &c
	return nil
}

func (m *Memory) GetIntent(ctx context.Context, id string) (*domain.DepositIntent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	in, ok := m.intents[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *in
	return &c, nil
}

func (m *Memory) TransitionIntent(ctx context.Context, id string, from []domain.IntentStatus, to domain.IntentStatus, rejectReason string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	in, ok := m.intents[id]
	if !ok {
		return false, nil
	}
	for _, st := range from {
		if in.Status == st {
			in.Status = to
			if rejectReason != "" {
				in.RejectReason = rejectReason
			}
			return true, nil
		}
	}
	return false, nil
}

func (m *Memory) ListIntentsByAccount(ctx context.Context, accountID int64, limit int) ([]domain.DepositIntent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.DepositIntent
	for _, in := range m.intents {
		if in.AccountID == accountID {
			out = append(out, *in)
		}
	}
	// Same contract as the SQL store: newest first.
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) ListIntentsByStatus(ctx context.Context, status domain.IntentStatus, limit int) ([]domain.DepositIntent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.DepositIntent
	for _, in := range m.intents {
		if in.Status == status && len(out) < limit {
			out = append(out, *in)
		}
	}
	return out, nil
}

func (m *Memory) ExpireOverdueIntents(ctx context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, in := range m.intents {
		if in.Status == domain.IntentAwaitingPayment && !in.ExpiresAt.After(now) {
			in.Status = domain.IntentExpired
			n++
		}
	}
	return n, nil
}

// PutMethod registers a deposit method (seed/test helper).
func (m *Memory) PutMethod(method *domain.DepositMethod) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *method
	m.methods[method.ID] = &c
}

func (m *Memory) GetMethod(ctx context.Context, id string) (*domain.DepositMethod, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	meth, ok := m.methods[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *meth
	return &c, nil
}

func (m *Memory) ListMethods(ctx context.Context) ([]domain.DepositMethod, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.DepositMethod
	for _, meth := range m.methods {
		if meth.Enabled {
			out = append(out, *meth)
		}
	}
	return out, nil
}

func (m *Memory) CreateOrder(ctx context.Context, o *domain.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *o
	m.orders[o.ID] = &c
	return nil
}

func (m *Memory) GetOrder(ctx context.Context, id string) (*domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *o
	return &c, nil
}

func (m *Memory) TransitionOrder(ctx context.Context, id string, from []domain.OrderStatus, to domain.OrderStatus) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return false, nil
	}
	for _, st := range from {
		if o.Status == st {
			o.Status = to
			return true, nil
		}
	}
	return false, nil
}

func (m *Memory) CreateCredential(ctx context.Context, c *domain.Credential) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cc := *c
	m.creds[c.ID] = &cc
	return nil
}

func (m *Memory) GetCredential(ctx context.Context, id string) (*domain.Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.creds[id]
	if !ok {
		return nil, ErrNotFound
	}
	cc := *c
	return &cc, nil
}

func (m *Memory) ExtendCredential(ctx context.Context, id string, observedExpiry, newExpiry time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.creds[id]
	if !ok {
		return false, nil
	}
	if !c.ExpiresAt.Equal(observedExpiry) {
		return false, nil
	}
	c.ExpiresAt = newExpiry
	return true, nil
}
