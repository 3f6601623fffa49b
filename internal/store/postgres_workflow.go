package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/netpass/coinwallet/internal/domain"
)

const intentColumns = `id, account_id, requested_amount, method_id, fee, net_amount,
	payment_descriptor, COALESCE(reject_reason, ''), status, expires_at, created_at`

func scanIntent(row pgx.Row) (*domain.DepositIntent, error) {
	var in domain.DepositIntent
	err := row.Scan(&in.ID, &in.AccountID, &in.RequestedAmount, &in.MethodID, &in.Fee, &in.NetAmount,
		&in.PaymentDescriptor, &in.RejectReason, &in.Status, &in.ExpiresAt, &in.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &in, nil
}

func (s *Postgres) CreateIntent(ctx context.Context, in *domain.DepositIntent) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO deposit_intents (id, account_id, requested_amount, method_id, fee, net_amount, payment_descriptor, status, expires_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		in.ID, in.AccountID, in.RequestedAmount, in.MethodID, in.Fee, in.NetAmount,
		in.PaymentDescriptor, in.Status, in.ExpiresAt, in.CreatedAt)
	if err != nil {
		return fmt.Errorf("intent insert failed: %w", err)
	}
	return nil
}

func (s *Postgres) GetIntent(ctx context.Context, id string) (*domain.DepositIntent, error) {
	in, err := scanIntent(s.pool.QueryRow(ctx,
		"SELECT "+intentColumns+" FROM deposit_intents WHERE id = $1", id))
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return in, nil
}

// TransitionIntent is a compare-and-set on the intent status. It reports
// whether this call performed the transition; a false result with no error
// means another caller got there first (or the guard did not match).
func (s *Postgres) TransitionIntent(ctx context.Context, id string, from []domain.IntentStatus, to domain.IntentStatus, rejectReason string) (bool, error) {
	fromStr := make([]string, len(from))
	for i, st := range from {
		fromStr[i] = string(st)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE deposit_intents SET status = $1, reject_reason = NULLIF($2, '') WHERE id = $3 AND status = ANY($4)`,
		to, rejectReason, id, fromStr)
	if err != nil {
		return false, fmt.Errorf("intent transition failed: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Postgres) ListIntentsByAccount(ctx context.Context, accountID int64, limit int) ([]domain.DepositIntent, error) {
	rows, err := s.pool.Query(ctx,
		"SELECT "+intentColumns+" FROM deposit_intents WHERE account_id = $1 ORDER BY created_at DESC LIMIT $2",
		accountID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectIntents(rows)
}

func (s *Postgres) ListIntentsByStatus(ctx context.Context, status domain.IntentStatus, limit int) ([]domain.DepositIntent, error) {
	rows, err := s.pool.Query(ctx,
		"SELECT "+intentColumns+" FROM deposit_intents WHERE status = $1 ORDER BY created_at LIMIT $2",
		status, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectIntents(rows)
}

func collectIntents(rows pgx.Rows) ([]domain.DepositIntent, error) {
	var out []domain.DepositIntent
	for rows.Next() {
		in, err := scanIntent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *in)
	}
	return out, rows.Err()
}

// ExpireOverdueIntents sweeps awaiting_payment intents past their deadline.
func (s *Postgres) ExpireOverdueIntents(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		"UPDATE deposit_intents SET status = 'expired' WHERE status = 'awaiting_payment' AND expires_at <= $1", now)
	if err != nil {
		return 0, fmt.Errorf("expiry sweep failed: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *Postgres) GetMethod(ctx context.Context, id string) (*domain.DepositMethod, error) {
	var m domain.DepositMethod
	err := s.pool.QueryRow(ctx,
		"SELECT id, display_name, destination, min_amount, max_amount, fee_percent, fee_fixed, enabled FROM deposit_methods WHERE id = $1", id).
		Scan(&m.ID, &m.DisplayName, &m.Destination, &m.MinAmount, &m.MaxAmount, &m.FeePercent, &m.FeeFixed, &m.Enabled)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *Postgres) ListMethods(ctx context.Context) ([]domain.DepositMethod, error) {
	rows, err := s.pool.Query(ctx,
		"SELECT id, display_name, destination, min_amount, max_amount, fee_percent, fee_fixed, enabled FROM deposit_methods WHERE enabled ORDER BY id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.DepositMethod
	for rows.Next() {
		var m domain.DepositMethod
		if err := rows.Scan(&m.ID, &m.DisplayName, &m.Destination, &m.MinAmount, &m.MaxAmount, &m.FeePercent, &m.FeeFixed, &m.Enabled); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Postgres) CreateOrder(ctx context.Context, o *domain.Order) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO orders (id, account_id, total_due, description, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		o.ID, o.AccountID, o.TotalDue, o.Description, o.Status, o.CreatedAt)
	if err != nil {
		return fmt.Errorf("order insert failed: %w", err)
	}
	return nil
}

func (s *Postgres) GetOrder(ctx context.Context, id string) (*domain.Order, error) {
	var o domain.Order
	err := s.pool.QueryRow(ctx,
		"SELECT id, account_id, total_due, description, status, created_at FROM orders WHERE id = $1", id).
		Scan(&o.ID, &o.AccountID, &o.TotalDue, &o.Description, &o.Status, &o.CreatedAt)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &o, nil
}

// TransitionOrder is the order-side compare-and-set.
func (s *Postgres) TransitionOrder(ctx context.Context, id string, from []domain.OrderStatus, to domain.OrderStatus) (bool, error) {
	fromStr := make([]string, len(from))
	for i, st := range from {
		fromStr[i] = string(st)
	}
	tag, err := s.pool.Exec(ctx,
		"UPDATE orders SET status = $1 WHERE id = $2 AND status = ANY($3)", to, id, fromStr)
	if err != nil {
		return false, fmt.Errorf("order transition failed: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Postgres) CreateCredential(ctx context.Context, c *domain.Credential) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO credentials (id, account_id, label, period_days, renew_price, expires_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		c.ID, c.AccountID, c.Label, c.PeriodDays, c.RenewPrice, c.ExpiresAt, c.CreatedAt)
	if err != nil {
		return fmt.Errorf("credential insert failed: %w", err)
	}
	return nil
}

func (s *Postgres) GetCredential(ctx context.Context, id string) (*domain.Credential, error) {
	var c domain.Credential
	err := s.pool.QueryRow(ctx,
		"SELECT id, account_id, label, period_days, renew_price, expires_at, created_at FROM credentials WHERE id = $1", id).
		Scan(&c.ID, &c.AccountID, &c.Label, &c.PeriodDays, &c.RenewPrice, &c.ExpiresAt, &c.CreatedAt)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// ExtendCredential pushes expiry forward only if it still matches the value
// the caller observed, making retried renewals no-ops.
func (s *Postgres) ExtendCredential(ctx context.Context, id string, observedExpiry, newExpiry time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		"UPDATE credentials SET expires_at = $1 WHERE id = $2 AND expires_at = $3",
		newExpiry, id, observedExpiry)
	if err != nil {
		return false, fmt.Errorf("credential extend failed: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}
