package domain

import "time"

// TransactionType classifies a ledger entry.
type TransactionType string

const (
	TxDeposit    TransactionType = "deposit"
	TxPurchase   TransactionType = "purchase"
	TxRefund     TransactionType = "refund"
	TxBonus      TransactionType = "bonus"
	TxAdjustment TransactionType = "adjustment"
)

// TransactionStatus is the lifecycle state of a ledger entry.
// Completed and failed are terminal; a terminal transaction is never edited,
// corrections happen through new adjustment entries.
type TransactionStatus string

const (
	TxPending   TransactionStatus = "pending"
	TxCompleted TransactionStatus = "completed"
	TxFailed    TransactionStatus = "failed"
)

// Account holds a user's coin balance. Balance is a cached projection of the
// transaction log and is only ever written in the same atomic unit as the
// entry that moves it.
type Account struct {
	ID        int64     `json:"id"`
	Balance   int64     `json:"balance"`
	CreatedAt time.Time `json:"created_at"`
}

// Transaction is an immutable ledger entry. Amount is signed: credits
// positive, debits negative.
type Transaction struct {
	ID               string            `json:"id"`
	AccountID        int64             `json:"account_id"`
	Type             TransactionType   `json:"type"`
	Amount           int64             `json:"amount"`
	Status           TransactionStatus `json:"status"`
	IdempotencyKey   string            `json:"idempotency_key"`
	RelatedOrderID   string            `json:"related_order_id,omitempty"`
	RelatedDepositID string            `json:"related_deposit_id,omitempty"`
	Description      string            `json:"description"`
	CreatedAt        time.Time         `json:"created_at"`
}

// IntentStatus is the state of a deposit intent. Transitions only move
// forward; awaiting_payment -> expired is the single time-triggered one.
type IntentStatus string

const (
	IntentAwaitingPayment IntentStatus = "awaiting_payment"
	IntentUserConfirmed   IntentStatus = "user_confirmed"
	IntentPendingReview   IntentStatus = "pending_review"
	IntentApproved        IntentStatus = "approved"
	IntentRejected        IntentStatus = "rejected"
	IntentExpired         IntentStatus = "expired"
)

// Terminal reports whether no further transition is allowed from s.
func (s IntentStatus) Terminal() bool {
	return s == IntentApproved || s == IntentRejected || s == IntentExpired
}

// rank orders intent statuses along the forward path. Terminal branches
// share the highest rank.
func (s IntentStatus) rank() int {
	switch s {
	case IntentAwaitingPayment:
		return 0
	case IntentUserConfirmed:
		return 1
	case IntentPendingReview:
		return 2
	default:
		return 3
	}
}

// CanTransitionTo reports whether moving from s to next respects the
// forward-only state machine.
func (s IntentStatus) CanTransitionTo(next IntentStatus) bool {
	if s.Terminal() {
		return false
	}
	if next == IntentExpired {
		return s == IntentAwaitingPayment
	}
	return next.rank() > s.rank()
}

// DepositIntent tracks one top-up attempt from creation to admin decision
// or expiry.
type DepositIntent struct {
	ID                string       `json:"id"`
	AccountID         int64        `json:"account_id"`
	RequestedAmount   int64        `json:"requested_amount"`
	MethodID          string       `json:"method_id"`
	Fee               int64        `json:"fee"`
	NetAmount         int64        `json:"net_amount"`
	PaymentDescriptor string       `json:"payment_descriptor"`
	RejectReason      string       `json:"reject_reason,omitempty"`
	Status            IntentStatus `json:"status"`
	ExpiresAt         time.Time    `json:"expires_at"`
	CreatedAt         time.Time    `json:"created_at"`
}

// DepositMethod describes one way to move money in. The destination is an
// opaque target (bank account number, wallet handle) that the payment
// descriptor embeds; matching real-world evidence against it is the admin
// reviewer's job, not ours.
type DepositMethod struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	Destination string `json:"destination"`
	MinAmount   int64  `json:"min_amount"`
	MaxAmount   int64  `json:"max_amount"`
	FeePercent  string `json:"fee_percent"` // decimal string, e.g. "1.5"
	FeeFixed    int64  `json:"fee_fixed"`
	Enabled     bool   `json:"enabled"`
}

// OrderStatus is the checkout lifecycle of an order.
type OrderStatus string

const (
	OrderDraft          OrderStatus = "draft"
	OrderPaymentPending OrderStatus = "payment_pending"
	OrderPaid           OrderStatus = "paid"
	OrderFulfilled      OrderStatus = "fulfilled"
	OrderFailed         OrderStatus = "failed"
	OrderRefunded       OrderStatus = "refunded"
)

// Order references the catalog service's order. Only status and the linked
// debit transaction are owned here.
type Order struct {
	ID          string      `json:"id"`
	AccountID   int64       `json:"account_id"`
	TotalDue    int64       `json:"total_due"`
	Description string      `json:"description"`
	Status      OrderStatus `json:"status"`
	CreatedAt   time.Time   `json:"created_at"`
}

// Credential is a delivered time-limited access credential. Renewal debits
// the wallet and pushes ExpiresAt forward by PeriodDays.
type Credential struct {
	ID         string    `json:"id"`
	AccountID  int64     `json:"account_id"`
	Label      string    `json:"label"`
	PeriodDays int       `json:"period_days"`
	RenewPrice int64     `json:"renew_price"`
	ExpiresAt  time.Time `json:"expires_at"`
	CreatedAt  time.Time `json:"created_at"`
}
