package ledger

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/netpass/coinwallet/internal/domain"
)

var (
	ErrAccountNotFound     = errors.New("account not found")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrAmountNotPositive   = errors.New("amount must be positive")
	ErrIdempotencyMismatch = errors.New("idempotency key reuse with mismatched operation")
)

// Entry carries everything needed to append one ledger transaction.
// Amount is always positive; the store applies the sign from the call site.
type Entry struct {
	AccountID        int64
	Amount           int64
	Type             domain.TransactionType
	Description      string
	IdempotencyKey   string
	RelatedOrderID   string
	RelatedDepositID string
}

// Store is the persistence contract for the ledger. Implementations must
// make each Apply* call atomic per account: the balance check, the
// transaction insert and the balance update happen in one unit, and two
// concurrent calls with the same idempotency key yield exactly one row with
// the loser observing the winner's.
type Store interface {
	// ApplyCredit adds amount to the account balance and records a
	// completed transaction. If a pending transaction with the same
	// idempotency key exists it is promoted to completed instead of
	// inserting a second row. Returns replayed=true when the key had
	// already completed.
	ApplyCredit(ctx context.Context, e Entry) (*domain.Transaction, bool, error)

	// ApplyDebit subtracts amount if balance >= amount, recording a
	// completed transaction with negative amount, or returns
	// ErrInsufficientBalance leaving no trace.
	ApplyDebit(ctx context.Context, e Entry) (*domain.Transaction, bool, error)

	// RecordPending inserts a pending transaction without touching the
	// balance. Returns replayed=true if the key already exists.
	RecordPending(ctx context.Context, e Entry) (*domain.Transaction, bool, error)

	// FailPending marks the pending transaction with the given key as
	// failed. A no-op if the key is unknown or already terminal.
	FailPending(ctx context.Context, idempotencyKey, reason string) error

	GetAccount(ctx context.Context, accountID int64) (*domain.Account, error)
	ListTransactions(ctx context.Context, accountID int64, limit, offset int) ([]domain.Transaction, error)
}

// Invalidator is notified after every balance mutation so read caches can
// drop stale projections.
type Invalidator interface {
	InvalidateBalance(ctx context.Context, accountID int64)
}

type noopInvalidator struct{}

func (noopInvalidator) InvalidateBalance(context.Context, int64) {}

// Service is the single entry point for balance mutation. Nothing else in
// the system writes balances.
type Service struct {
	store Store
	cache Invalidator
}

func NewService(store Store, cache Invalidator) *Service {
	if cache == nil {
		cache = noopInvalidator{}
	}
	return &Service{store: store, cache: cache}
}

// Credit adds amount coins to the account. Replaying an idempotency key
// returns the original transaction and is not an error.
func (s *Service) Credit(ctx context.Context, e Entry) (*domain.Transaction, error) {
	if e.Amount <= 0 {
		return nil, ErrAmountNotPositive
	}
	if e.IdempotencyKey == "" {
		return nil, fmt.Errorf("credit: idempotency key required")
	}

	tx, replayed, err := s.store.ApplyCredit(ctx, e)
	if err != nil {
		return nil, fmt.Errorf("credit account %d: %w", e.AccountID, err)
	}
	if replayed {
		creditReplays.Inc()
		return tx, nil
	}
	creditsTotal.WithLabelValues(string(e.Type)).Inc()
	s.cache.InvalidateBalance(ctx, e.AccountID)
	return tx, nil
}

// Debit removes amount coins, failing with ErrInsufficientBalance when the
// account cannot cover it. No state change happens on rejection.
func (s *Service) Debit(ctx context.Context, e Entry) (*domain.Transaction, error) {
	if e.Amount <= 0 {
		return nil, ErrAmountNotPositive
	}
	if e.IdempotencyKey == "" {
		return nil, fmt.Errorf("debit: idempotency key required")
	}

	tx, replayed, err := s.store.ApplyDebit(ctx, e)
	if err != nil {
		if errors.Is(err, ErrInsufficientBalance) {
			insufficientTotal.Inc()
			return nil, ErrInsufficientBalance
		}
		return nil, fmt.Errorf("debit account %d: %w", e.AccountID, err)
	}
	if replayed {
		debitReplays.Inc()
		return tx, nil
	}
	debitsTotal.WithLabelValues(string(e.Type)).Inc()
	s.cache.InvalidateBalance(ctx, e.AccountID)
	return tx, nil
}

// RecordPending appends a pending transaction (no balance movement yet).
// Used by the deposit workflow between user confirmation and admin review.
func (s *Service) RecordPending(ctx context.Context, e Entry) (*domain.Transaction, error) {
	if e.Amount <= 0 {
		return nil, ErrAmountNotPositive
	}
	tx, replayed, err := s.store.RecordPending(ctx, e)
	if err != nil {
		return nil, fmt.Errorf("record pending for account %d: %w", e.AccountID, err)
	}
	if replayed {
		log.Printf("ledger: pending replay for key %s", e.IdempotencyKey)
	}
	return tx, nil
}

// FailPending marks the pending transaction behind key as failed.
func (s *Service) FailPending(ctx context.Context, key, reason string) error {
	return s.store.FailPending(ctx, key, reason)
}

// Balance returns the cached balance projection.
func (s *Service) Balance(ctx context.Context, accountID int64) (int64, error) {
	acc, err := s.store.GetAccount(ctx, accountID)
	if err != nil {
		return 0, err
	}
	return acc.Balance, nil
}

// History lists the account's transactions newest first.
func (s *Service) History(ctx context.Context, accountID int64, limit, offset int) ([]domain.Transaction, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	if _, err := s.store.GetAccount(ctx, accountID); err != nil {
		return nil, err
	}
	return s.store.ListTransactions(ctx, accountID, limit, offset)
}
