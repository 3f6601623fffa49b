package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/netpass/coinwallet/internal/domain"
	"github.com/netpass/coinwallet/internal/ledger"
)

// ErrNotFound is returned for missing intents, orders, methods and
// credentials. Missing accounts map to ledger.ErrAccountNotFound so callers
// can treat the ledger surface uniformly.
var ErrNotFound = errors.New("not found")

const pgUniqueViolation = "23505"

// Postgres backs every service store interface with one pgx pool.
// Per-account serialization comes from SELECT ... FOR UPDATE on the
// account row: every mutating call locks it first, so balance check,
// transaction insert and balance update are one atomic unit.
type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(connString string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(context.Background(), cfg)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	return &Postgres{pool: pool}, nil
}

func NewPostgresFromPool(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

func (s *Postgres) Close() {
	s.pool.Close()
}

const txColumns = `id, account_id, type, amount, status, idempotency_key,
	COALESCE(related_order_id, ''), COALESCE(related_deposit_id, ''), description, created_at`

func scanTransaction(row pgx.Row) (*domain.Transaction, error) {
	var t domain.Transaction
	err := row.Scan(&t.ID, &t.AccountID, &t.Type, &t.Amount, &t.Status, &t.IdempotencyKey,
		&t.RelatedOrderID, &t.RelatedDepositID, &t.Description, &t.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// lockAccount acquires the row lock that serializes all mutation for one
// account within the given transaction.
func lockAccount(ctx context.Context, tx pgx.Tx, accountID int64) (int64, error) {
	var balance int64
	err := tx.QueryRow(ctx, "SELECT balance FROM accounts WHERE id = $1 FOR UPDATE", accountID).Scan(&balance)
	if err == pgx.ErrNoRows {
		return 0, ledger.ErrAccountNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("lock acquisition failed: %w", err)
	}
	return balance, nil
}

func (s *Postgres) findByKey(ctx context.Context, tx pgx.Tx, key string) (*domain.Transaction, error) {
	t, err := scanTransaction(tx.QueryRow(ctx,
		"SELECT "+txColumns+" FROM transactions WHERE idempotency_key = $1", key))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("idempotency query failed: %w", err)
	}
	return t, nil
}

func checkReplayMatches(existing *domain.Transaction, e ledger.Entry) error {
	if existing.AccountID != e.AccountID || existing.Type != e.Type {
		return ledger.ErrIdempotencyMismatch
	}
	return nil
}

// ApplyCredit implements ledger.Store. A pending transaction under the same
// key (the deposit-confirmation placeholder) is promoted to completed in the
// same unit that moves the balance.
func (s *Postgres) ApplyCredit(ctx context.Context, e ledger.Entry) (*domain.Transaction, bool, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, false, fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := lockAccount(ctx, tx, e.AccountID); err != nil {
		return nil, false, err
	}

	existing, err := s.findByKey(ctx, tx, e.IdempotencyKey)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		if err := checkReplayMatches(existing, e); err != nil {
			return nil, false, err
		}
		switch existing.Status {
		case domain.TxCompleted:
			return existing, true, nil
		case domain.TxFailed:
			return nil, false, fmt.Errorf("idempotency key %s already failed", e.IdempotencyKey)
		}
		// Pending: promote and move the balance.
		_, err = tx.Exec(ctx, "UPDATE transactions SET status = 'completed' WHERE id = $1", existing.ID)
		if err != nil {
			return nil, false, fmt.Errorf("transaction promote failed: %w", err)
		}
		_, err = tx.Exec(ctx, "UPDATE accounts SET balance = balance + $1 WHERE id = $2", existing.Amount, e.AccountID)
		if err != nil {
			return nil, false, fmt.Errorf("balance update failed: %w", err)
		}
		if err = tx.Commit(ctx); err != nil {
			return nil, false, fmt.Errorf("tx commit failed: %w", err)
		}
		promoted := *existing
		promoted.Status = domain.TxCompleted
		return &promoted, false, nil
	}

	created, err := insertTransaction(ctx, tx, e, e.Amount, domain.TxCompleted)
	if err != nil {
		return nil, false, err
	}
	_, err = tx.Exec(ctx, "UPDATE accounts SET balance = balance + $1 WHERE id = $2", e.Amount, e.AccountID)
	if err != nil {
		return nil, false, fmt.Errorf("balance update failed: %w", err)
	}
	if err = tx.Commit(ctx); err != nil {
		return nil, false, fmt.Errorf("tx commit failed: %w", err)
	}
	return created, false, nil
}

// ApplyDebit implements ledger.Store. The balance check and the mutation sit
// behind the same row lock, so a concurrent credit or debit cannot interleave.
func (s *Postgres) ApplyDebit(ctx context.Context, e ledger.Entry) (*domain.Transaction, bool, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, false, fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	balance, err := lockAccount(ctx, tx, e.AccountID)
	if err != nil {
		return nil, false, err
	}

	existing, err := s.findByKey(ctx, tx, e.IdempotencyKey)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		if err := checkReplayMatches(existing, e); err != nil {
			return nil, false, err
		}
		return existing, true, nil
	}

	if balance < e.Amount {
		return nil, false, ledger.ErrInsufficientBalance
	}

	created, err := insertTransaction(ctx, tx, e, -e.Amount, domain.TxCompleted)
	if err != nil {
		return nil, false, err
	}
	_, err = tx.Exec(ctx, "UPDATE accounts SET balance = balance - $1 WHERE id = $2", e.Amount, e.AccountID)
	if err != nil {
		return nil, false, fmt.Errorf("balance update failed: %w", err)
	}
	if err = tx.Commit(ctx); err != nil {
		return nil, false, fmt.Errorf("tx commit failed: %w", err)
	}
	return created, false, nil
}

// RecordPending implements ledger.Store.
func (s *Postgres) RecordPending(ctx context.Context, e ledger.Entry) (*domain.Transaction, bool, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, false, fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := lockAccount(ctx, tx, e.AccountID); err != nil {
		return nil, false, err
	}

	existing, err := s.findByKey(ctx, tx, e.IdempotencyKey)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		if err := checkReplayMatches(existing, e); err != nil {
			return nil, false, err
		}
		return existing, true, nil
	}

	created, err := insertTransaction(ctx, tx, e, e.Amount, domain.TxPending)
	if err != nil {
		return nil, false, err
	}
	if err = tx.Commit(ctx); err != nil {
		return nil, false, fmt.Errorf("tx commit failed: %w", err)
	}
	return created, false, nil
}

// FailPending implements ledger.Store. Terminal rows are left alone.
func (s *Postgres) FailPending(ctx context.Context, key, reason string) error {
	_, err := s.pool.Exec(ctx,
		"UPDATE transactions SET status = 'failed', description = description || $1 WHERE idempotency_key = $2 AND status = 'pending'",
		" ("+reason+")", key)
	if err != nil {
		return fmt.Errorf("fail pending failed: %w", err)
	}
	return nil
}

func insertTransaction(ctx context.Context, tx pgx.Tx, e ledger.Entry, signedAmount int64, status domain.TransactionStatus) (*domain.Transaction, error) {
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
	_, err := tx.Exec(ctx,
		`INSERT INTO transactions (id, account_id, type, amount, status, idempotency_key, related_order_id, related_deposit_id, description, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), NULLIF($8, ''), $9, $10)`,
		t.ID, t.AccountID, t.Type, t.Amount, t.Status, t.IdempotencyKey, t.RelatedOrderID, t.RelatedDepositID, t.Description, t.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			// The account row lock serializes same-account writers, so a
			// duplicate here means the key was reused for another account
			// or another order slot.
			return nil, ledger.ErrIdempotencyMismatch
		}
		return nil, fmt.Errorf("transaction insert failed: %w", err)
	}
	return t, nil
}

// GetAccount implements ledger.Store.
func (s *Postgres) GetAccount(ctx context.Context, accountID int64) (*domain.Account, error) {
	var acc domain.Account
	err := s.pool.QueryRow(ctx,
		"SELECT id, balance, created_at FROM accounts WHERE id = $1", accountID).
		Scan(&acc.ID, &acc.Balance, &acc.CreatedAt)
	if err == pgx.ErrNoRows {
		return nil, ledger.ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}
	return &acc, nil
}

// CreateAccount creates an account with zero balance.
func (s *Postgres) CreateAccount(ctx context.Context) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx,
		"INSERT INTO accounts (balance, created_at) VALUES (0, now()) RETURNING id").Scan(&id)
	return id, err
}

// ListTransactions implements ledger.Store, newest first.
func (s *Postgres) ListTransactions(ctx context.Context, accountID int64, limit, offset int) ([]domain.Transaction, error) {
	rows, err := s.pool.Query(ctx,
		"SELECT "+txColumns+" FROM transactions WHERE account_id = $1 ORDER BY created_at DESC, id DESC LIMIT $2 OFFSET $3",
		accountID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// GetTransactionByKey returns the transaction behind an idempotency key, or
// nil when none exists. Used by reconciliation.
func (s *Postgres) GetTransactionByKey(ctx context.Context, key string) (*domain.Transaction, error) {
	t, err := scanTransaction(s.pool.QueryRow(ctx,
		"SELECT "+txColumns+" FROM transactions WHERE idempotency_key = $1", key))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return t, nil
}

// SumCompleted recomputes the balance from the log. Reconciliation compares
// this against the cached projection.
func (s *Postgres) SumCompleted(ctx context.Context, accountID int64) (int64, error) {
	var sum int64
	err := s.pool.QueryRow(ctx,
		"SELECT COALESCE(SUM(amount), 0) FROM transactions WHERE account_id = $1 AND status = 'completed'",
		accountID).Scan(&sum)
	return sum, err
}

// ListAccountIDs returns every account id, for reconciliation sweeps.
func (s *Postgres) ListAccountIDs(ctx context.Context) ([]int64, error) {
	rows, err := s.pool.Query(ctx, "SELECT id FROM accounts ORDER BY id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
