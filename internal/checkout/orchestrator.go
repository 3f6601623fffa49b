package checkout

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/netpass/coinwallet/internal/domain"
	"github.com/netpass/coinwallet/internal/events"
	"github.com/netpass/coinwallet/internal/ledger"
	"github.com/netpass/coinwallet/internal/notify"
	"github.com/netpass/coinwallet/internal/store"
)

var (
	ErrOrderNotFound      = errors.New("order not found")
	ErrOrderNotPayable    = errors.New("order is in a terminal state")
	ErrFulfillmentFailed  = errors.New("fulfillment failed, payment refunded")
	ErrCompensationFailed = errors.New("refund could not be recorded")
	ErrCredentialNotFound = errors.New("credential not found")
)

// Store is the order/credential persistence the orchestrator needs.
type Store interface {
	CreateOrder(ctx context.Context, o *domain.Order) error
	GetOrder(ctx context.Context, id string) (*domain.Order, error)
	TransitionOrder(ctx context.Context, id string, from []domain.OrderStatus, to domain.OrderStatus) (bool, error)
	CreateCredential(ctx context.Context, c *domain.Credential) error
	GetCredential(ctx context.Context, id string) (*domain.Credential, error)
	ExtendCredential(ctx context.Context, id string, observedExpiry, newExpiry time.Time) (bool, error)
}

// Fulfiller delivers the purchased credential. It is an external, possibly
// slow collaborator; the saga assumes any call can fail or hang and never
// couples it to the debit.
type Fulfiller interface {
	Fulfill(ctx context.Context, order *domain.Order) error
}

// Orchestrator runs checkout as a two-step saga: debit, then fulfill, with
// an idempotent compensating credit when fulfillment fails. Both ledger
// calls are keyed on the order id, so any retry converges on at most one
// purchase and at most one refund.
type Orchestrator struct {
	store     Store
	ledger    *ledger.Service
	fulfiller Fulfiller
	events    events.Publisher
	notifier  notify.Notifier
	now       func() time.Time
}

func NewOrchestrator(s Store, l *ledger.Service, f Fulfiller, ev events.Publisher, n notify.Notifier) *Orchestrator {
	if ev == nil {
		ev = events.Noop{}
	}
	if n == nil {
		n = notify.Noop{}
	}
	return &Orchestrator{store: s, ledger: l, fulfiller: f, events: ev, notifier: n, now: time.Now}
}

// CreateOrder registers a draft order. Totals and discounts are computed by
// the catalog collaborator; only the final amount due arrives here.
func (o *Orchestrator) CreateOrder(ctx context.Context, accountID, totalDue int64, description string) (*domain.Order, error) {
	if totalDue <= 0 {
		return nil, ledger.ErrAmountNotPositive
	}
	if _, err := o.ledger.Balance(ctx, accountID); err != nil {
		return nil, err
	}
	ord := &domain.Order{
		ID:          uuid.NewString(),
		AccountID:   accountID,
		TotalDue:    totalDue,
		Description: description,
		Status:      domain.OrderDraft,
		CreatedAt:   o.now().UTC(),
	}
	if err := o.store.CreateOrder(ctx, ord); err != nil {
		return nil, err
	}
	return ord, nil
}

// Pay executes the saga for one order. Safe to retry with the same order id
// at any point:
//
//	draft            -> debit (key = order id), payment_pending
//	payment_pending  -> fulfill -> fulfilled
//	fulfill failed   -> refund (key = order id + ":refund"), refunded
//
// A retried failure path replays the refund instead of issuing a second
// one. A failed refund write leaves the order payment_pending and raises
// ErrCompensationFailed so operations are paged; nothing is dropped.
func (o *Orchestrator) Pay(ctx context.Context, orderID string) (*domain.Order, error) {
	ord, err := o.store.GetOrder(ctx, orderID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrOrderNotFound
		}
		return nil, err
	}

	switch ord.Status {
	case domain.OrderFulfilled, domain.OrderPaid:
		// Retried checkout of a finished order is a no-op success.
		return ord, nil
	case domain.OrderRefunded, domain.OrderFailed:
		return nil, ErrOrderNotPayable
	}

	tx, err := o.ledger.Debit(ctx, ledger.Entry{
		AccountID:      ord.AccountID,
		Amount:         ord.TotalDue,
		Type:           domain.TxPurchase,
		Description:    ord.Description,
		IdempotencyKey: ord.ID,
		RelatedOrderID: ord.ID,
	})
	if err != nil {
		// Insufficient balance leaves the order in draft with no partial
		// state; the caller redirects the user to the deposit flow.
		return nil, err
	}
	o.events.TransactionRecorded(ctx, tx)

	if _, err := o.store.TransitionOrder(ctx, ord.ID,
		[]domain.OrderStatus{domain.OrderDraft}, domain.OrderPaymentPending); err != nil {
		return nil, err
	}
	ord.Status = domain.OrderPaymentPending

	if ferr := o.fulfiller.Fulfill(ctx, ord); ferr != nil {
		log.Printf("checkout: fulfillment for order %s failed: %v", ord.ID, ferr)
		fulfillFailures.Inc()
		return o.compensate(ctx, ord, ferr)
	}

	if _, err := o.store.TransitionOrder(ctx, ord.ID,
		[]domain.OrderStatus{domain.OrderPaymentPending}, domain.OrderFulfilled); err != nil {
		return nil, err
	}
	ord.Status = domain.OrderFulfilled
	ordersFulfilled.Inc()
	return ord, nil
}

func (o *Orchestrator) compensate(ctx context.Context, ord *domain.Order, cause error) (*domain.Order, error) {
	tx, err := o.ledger.Credit(ctx, ledger.Entry{
		AccountID:      ord.AccountID,
		Amount:         ord.TotalDue,
		Type:           domain.TxRefund,
		Description:    fmt.Sprintf("refund for order %s", ord.ID),
		IdempotencyKey: ord.ID + ":refund",
		RelatedOrderID: ord.ID,
	})
	if err != nil {
		compensationFailures.Inc()
		log.Printf("checkout: COMPENSATION FAILED for order %s: %v (fulfillment cause: %v)", ord.ID, err, cause)
		o.events.CompensationFailed(ctx, ord.ID, ord.AccountID, ord.TotalDue, err)
		o.notifier.CompensationFailed(ord.ID, ord.AccountID, ord.TotalDue)
		// Order stays payment_pending: a retry re-runs fulfillment and,
		// failing again, retries this same idempotent refund.
		return nil, fmt.Errorf("%w: %v", ErrCompensationFailed, err)
	}
	o.events.TransactionRecorded(ctx, tx)
	refundsIssued.Inc()

	if _, err := o.store.TransitionOrder(ctx, ord.ID,
		[]domain.OrderStatus{domain.OrderPaymentPending}, domain.OrderRefunded); err != nil {
		return nil, err
	}
	ord.Status = domain.OrderRefunded
	return ord, fmt.Errorf("%w: %v", ErrFulfillmentFailed, cause)
}

// Renew extends a delivered credential by its period, paid from the wallet.
// The idempotency key binds the debit to the expiry the caller observed, so
// a retried renewal neither double-charges nor double-extends.
func (o *Orchestrator) Renew(ctx context.Context, credentialID string) (*domain.Credential, error) {
	cred, err := o.store.GetCredential(ctx, credentialID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrCredentialNotFound
		}
		return nil, err
	}

	key := fmt.Sprintf("renew:%s:%d", cred.ID, cred.ExpiresAt.Unix())
	tx, err := o.ledger.Debit(ctx, ledger.Entry{
		AccountID:      cred.AccountID,
		Amount:         cred.RenewPrice,
		Type:           domain.TxPurchase,
		Description:    fmt.Sprintf("renew %s", cred.Label),
		IdempotencyKey: key,
	})
	if err != nil {
		return nil, err
	}
	o.events.TransactionRecorded(ctx, tx)

	base := cred.ExpiresAt
	if now := o.now().UTC(); base.Before(now) {
		base = now
	}
	extended, err := o.store.ExtendCredential(ctx, cred.ID, cred.ExpiresAt, base.AddDate(0, 0, cred.PeriodDays))
	if err != nil {
		return nil, err
	}
	if !extended {
		// Expiry moved since we read it: this is a replayed renewal that
		// already applied. Return the current state.
		return o.store.GetCredential(ctx, credentialID)
	}
	return o.store.GetCredential(ctx, credentialID)
}
