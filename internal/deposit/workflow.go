package deposit

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/netpass/coinwallet/internal/domain"
	"github.com/netpass/coinwallet/internal/ledger"
	"github.com/netpass/coinwallet/internal/notify"
	"github.com/netpass/coinwallet/internal/store"
)

var (
	ErrIntentNotFound      = errors.New("deposit intent not found")
	ErrMethodNotFound      = errors.New("deposit method not found")
	ErrMethodDisabled      = errors.New("deposit method disabled")
	ErrAmountOutOfRange    = errors.New("amount outside method limits")
	ErrDepositExpired      = errors.New("deposit intent expired")
	ErrIntentNotReviewable = errors.New("deposit intent not in a reviewable state")
)

// Store is the persistence the workflow needs beyond the ledger itself.
type Store interface {
	CreateIntent(ctx context.Context, in *domain.DepositIntent) error
	GetIntent(ctx context.Context, id string) (*domain.DepositIntent, error)
	TransitionIntent(ctx context.Context, id string, from []domain.IntentStatus, to domain.IntentStatus, rejectReason string) (bool, error)
	ListIntentsByAccount(ctx context.Context, accountID int64, limit int) ([]domain.DepositIntent, error)
	ExpireOverdueIntents(ctx context.Context, now time.Time) (int64, error)
	GetMethod(ctx context.Context, id string) (*domain.DepositMethod, error)
	ListMethods(ctx context.Context) ([]domain.DepositMethod, error)
}

// Manager drives a deposit intent from creation through admin decision or
// expiry. All money movement is delegated to the ledger, keyed on the
// intent id, so every step is replay-safe.
type Manager struct {
	store    Store
	ledger   *ledger.Service
	notifier notify.Notifier
	ttl      time.Duration
	now      func() time.Time
}

func NewManager(s Store, l *ledger.Service, n notify.Notifier, ttl time.Duration) *Manager {
	if n == nil {
		n = notify.Noop{}
	}
	return &Manager{store: s, ledger: l, notifier: n, ttl: ttl, now: time.Now}
}

// CreateDepositOrder opens a new intent in awaiting_payment with a
// method-specific payment descriptor and a fixed expiry window.
func (m *Manager) CreateDepositOrder(ctx context.Context, accountID, amount int64, methodID string) (*domain.DepositIntent, error) {
	method, err := m.store.GetMethod(ctx, methodID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrMethodNotFound
		}
		return nil, err
	}
	if !method.Enabled {
		return nil, ErrMethodDisabled
	}
	if amount < method.MinAmount || amount > method.MaxAmount {
		return nil, ErrAmountOutOfRange
	}
	// Reject unknown accounts up front instead of at approval time.
	if _, err := m.ledger.Balance(ctx, accountID); err != nil {
		return nil, err
	}

	fee, err := FeeFor(method, amount)
	if err != nil {
		return nil, fmt.Errorf("fee computation for method %s: %w", methodID, err)
	}
	net := amount - fee
	if net <= 0 {
		return nil, ErrAmountOutOfRange
	}

	now := m.now().UTC()
	in := &domain.DepositIntent{
		ID:              uuid.NewString(),
		AccountID:       accountID,
		RequestedAmount: amount,
		MethodID:        methodID,
		Fee:             fee,
		NetAmount:       net,
		Status:          domain.IntentAwaitingPayment,
		ExpiresAt:       now.Add(m.ttl),
		CreatedAt:       now,
	}
	in.PaymentDescriptor = Descriptor(method, amount, in.ID)

	if err := m.store.CreateIntent(ctx, in); err != nil {
		return nil, err
	}
	return in, nil
}

// resolve loads an intent and applies lazy expiry: an awaiting_payment
// intent past its deadline is transitioned before anyone acts on it.
func (m *Manager) resolve(ctx context.Context, intentID string) (*domain.DepositIntent, error) {
	in, err := m.store.GetIntent(ctx, intentID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrIntentNotFound
		}
		return nil, err
	}
	if in.Status == domain.IntentAwaitingPayment && !in.ExpiresAt.After(m.now()) {
		if _, err := m.store.TransitionIntent(ctx, in.ID,
			[]domain.IntentStatus{domain.IntentAwaitingPayment}, domain.IntentExpired, ""); err != nil {
			return nil, err
		}
		in.Status = domain.IntentExpired
	}
	return in, nil
}

// GetIntent returns the intent with lazy expiry applied.
func (m *Manager) GetIntent(ctx context.Context, intentID string) (*domain.DepositIntent, error) {
	return m.resolve(ctx, intentID)
}

// ConfirmUserPayment records that the user claims to have paid. Calling it
// any number of times yields exactly one pending ledger transaction and one
// forward state progression; duplicate suppression lives in the
// idempotency key (the intent id), not in any client-side flag.
func (m *Manager) ConfirmUserPayment(ctx context.Context, intentID string) (bool, error) {
	in, err := m.resolve(ctx, intentID)
	if err != nil {
		return false, err
	}
	switch in.Status {
	case domain.IntentExpired:
		return false, ErrDepositExpired
	case domain.IntentRejected:
		return false, ErrIntentNotReviewable
	case domain.IntentUserConfirmed, domain.IntentPendingReview, domain.IntentApproved:
		// Already confirmed: idempotent success, no second transaction.
		return true, nil
	}

	_, err = m.ledger.RecordPending(ctx, ledger.Entry{
		AccountID:        in.AccountID,
		Amount:           in.NetAmount,
		Type:             domain.TxDeposit,
		Description:      fmt.Sprintf("deposit via %s", in.MethodID),
		IdempotencyKey:   in.ID,
		RelatedDepositID: in.ID,
	})
	if err != nil {
		return false, err
	}

	// A concurrent confirm may have advanced the intent already; losing
	// the compare-and-set is still success.
	if _, err := m.store.TransitionIntent(ctx, in.ID,
		[]domain.IntentStatus{domain.IntentAwaitingPayment}, domain.IntentUserConfirmed, ""); err != nil {
		return false, err
	}
	moved, err := m.store.TransitionIntent(ctx, in.ID,
		[]domain.IntentStatus{domain.IntentUserConfirmed}, domain.IntentPendingReview, "")
	if err != nil {
		return false, err
	}
	if moved {
		in.Status = domain.IntentPendingReview
		m.notifier.DepositPendingReview(in)
	}
	return true, nil
}

// Approve is called by the admin review collaborator once external payment
// evidence matches the intent. The credit is keyed on the intent id, so an
// out-of-band bulk approval replayed by reconciliation is a no-op.
func (m *Manager) Approve(ctx context.Context, intentID string) (*domain.DepositIntent, error) {
	in, err := m.resolve(ctx, intentID)
	if err != nil {
		return nil, err
	}
	switch in.Status {
	case domain.IntentExpired:
		return nil, ErrDepositExpired
	case domain.IntentApproved:
		return in, nil
	case domain.IntentRejected, domain.IntentAwaitingPayment:
		return nil, ErrIntentNotReviewable
	}

	// The status write is the decision point: of two racing verdicts exactly
	// one compare-and-set wins, so a rejected intent can never be credited.
	// The credit follows the win; a crash in between leaves an approved
	// intent with a pending transaction, which reconciliation replays.
	moved, err := m.store.TransitionIntent(ctx, in.ID,
		[]domain.IntentStatus{domain.IntentUserConfirmed, domain.IntentPendingReview},
		domain.IntentApproved, "")
	if err != nil {
		return nil, err
	}
	if !moved {
		cur, err := m.resolve(ctx, intentID)
		if err != nil {
			return nil, err
		}
		switch cur.Status {
		case domain.IntentApproved:
			// A concurrent or crashed approve won; the credit below replays.
			in = cur
		case domain.IntentExpired:
			return nil, ErrDepositExpired
		default:
			return nil, ErrIntentNotReviewable
		}
	} else {
		in.Status = domain.IntentApproved
	}

	_, err = m.ledger.Credit(ctx, ledger.Entry{
		AccountID:        in.AccountID,
		Amount:           in.NetAmount,
		Type:             domain.TxDeposit,
		Description:      fmt.Sprintf("deposit via %s", in.MethodID),
		IdempotencyKey:   in.ID,
		RelatedDepositID: in.ID,
	})
	if err != nil {
		return nil, err
	}
	return in, nil
}

// Reject marks the intent and its pending transaction failed. No credit is
// ever issued for a rejected intent.
func (m *Manager) Reject(ctx context.Context, intentID, reason string) (*domain.DepositIntent, error) {
	in, err := m.resolve(ctx, intentID)
	if err != nil {
		return nil, err
	}
	switch in.Status {
	case domain.IntentExpired:
		return nil, ErrDepositExpired
	case domain.IntentRejected:
		return in, nil
	case domain.IntentApproved:
		return nil, ErrIntentNotReviewable
	}

	// Same decision-point rule as Approve: only the winner of the status
	// compare-and-set may touch the transaction, so a reject that loses to a
	// concurrent approve cannot fail an already-credited deposit.
	moved, err := m.store.TransitionIntent(ctx, in.ID,
		[]domain.IntentStatus{domain.IntentAwaitingPayment, domain.IntentUserConfirmed, domain.IntentPendingReview},
		domain.IntentRejected, reason)
	if err != nil {
		return nil, err
	}
	if !moved {
		cur, err := m.resolve(ctx, intentID)
		if err != nil {
			return nil, err
		}
		switch cur.Status {
		case domain.IntentRejected:
			return cur, nil
		case domain.IntentExpired:
			return nil, ErrDepositExpired
		default:
			return nil, ErrIntentNotReviewable
		}
	}

	if err := m.ledger.FailPending(ctx, in.ID, reason); err != nil {
		return nil, err
	}
	in.Status = domain.IntentRejected
	in.RejectReason = reason
	return in, nil
}

// ListForAccount returns recent intents with lazy expiry applied.
func (m *Manager) ListForAccount(ctx context.Context, accountID int64, limit int) ([]domain.DepositIntent, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	intents, err := m.store.ListIntentsByAccount(ctx, accountID, limit)
	if err != nil {
		return nil, err
	}
	now := m.now()
	for i := range intents {
		in := &intents[i]
		if in.Status == domain.IntentAwaitingPayment && !in.ExpiresAt.After(now) {
			if _, err := m.store.TransitionIntent(ctx, in.ID,
				[]domain.IntentStatus{domain.IntentAwaitingPayment}, domain.IntentExpired, ""); err != nil {
				log.Printf("deposit: lazy expiry of %s failed: %v", in.ID, err)
				continue
			}
			in.Status = domain.IntentExpired
		}
	}
	return intents, nil
}

// Methods lists enabled deposit methods.
func (m *Manager) Methods(ctx context.Context) ([]domain.DepositMethod, error) {
	return m.store.ListMethods(ctx)
}
