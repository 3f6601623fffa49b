package checkout_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/netpass/coinwallet/internal/checkout"
	"github.com/netpass/coinwallet/internal/domain"
	"github.com/netpass/coinwallet/internal/ledger"
	"github.com/netpass/coinwallet/internal/store"
)

type stubFulfiller struct {
	failures int
	calls    int
}

func (f *stubFulfiller) Fulfill(ctx context.Context, order *domain.Order) error {
	f.calls++
	if f.failures != 0 {
		f.failures--
		return errors.New("provisioner returned 503")
	}
	return nil
}

// refundBlockingStore lets a test take the refund path down while normal
// debits keep working, to exercise the failed-compensation branch.
type refundBlockingStore struct {
	*store.Memory
	blockRefunds bool
}

func (s *refundBlockingStore) ApplyCredit(ctx context.Context, e ledger.Entry) (*domain.Transaction, bool, error) {
	if s.blockRefunds && e.Type == domain.TxRefund {
		return nil, false, errors.New("storage offline")
	}
	return s.Memory.ApplyCredit(ctx, e)
}

func newCheckout(t *testing.T, f checkout.Fulfiller) (*checkout.Orchestrator, *ledger.Service, *store.Memory, int64) {
	t.Helper()
	mem := store.NewMemory()
	svc := ledger.NewService(mem, nil)
	orch := checkout.NewOrchestrator(mem, svc, f, nil, nil)
	acc, err := mem.CreateAccount(context.Background())
	if err != nil {
		t.Fatalf("create account: %v", err)
	}
	if _, err := svc.Credit(context.Background(), ledger.Entry{AccountID: acc, Amount: 100000, Type: domain.TxDeposit, IdempotencyKey: "seed"}); err != nil {
		t.Fatalf("seed credit: %v", err)
	}
	return orch, svc, mem, acc
}

func TestPayFulfillsOrder(t *testing.T) {
	orch, svc, mem, acc := newCheckout(t, &stubFulfiller{})
	ctx := context.Background()

	ord, err := orch.CreateOrder(ctx, acc, 30000, "premium plan")
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	if ord.Status != domain.OrderDraft {
		t.Fatalf("status = %s", ord.Status)
	}

	paid, err := orch.Pay(ctx, ord.ID)
	if err != nil {
		t.Fatalf("pay: %v", err)
	}
	if paid.Status != domain.OrderFulfilled {
		t.Fatalf("status = %s, want fulfilled", paid.Status)
	}
	if bal, _ := svc.Balance(ctx, acc); bal != 70000 {
		t.Fatalf("balance = %d, want 70000", bal)
	}
	tx, _ := mem.GetTransactionByKey(ctx, ord.ID)
	if tx == nil || tx.Amount != -30000 || tx.Type != domain.TxPurchase || tx.RelatedOrderID != ord.ID {
		t.Fatalf("purchase transaction wrong: %+v", tx)
	}

	// Retrying a finished order is a no-op success, not a second charge.
	again, err := orch.Pay(ctx, ord.ID)
	if err != nil {
		t.Fatalf("retry pay: %v", err)
	}
	if again.Status != domain.OrderFulfilled {
		t.Fatalf("retry status = %s", again.Status)
	}
	if bal, _ := svc.Balance(ctx, acc); bal != 70000 {
		t.Fatalf("balance = %d after retry, want 70000", bal)
	}
}

func TestPayInsufficientLeavesDraft(t *testing.T) {
	orch, svc, mem, acc := newCheckout(t, &stubFulfiller{})
	ctx := context.Background()

	ord, _ := orch.CreateOrder(ctx, acc, 500000, "yearly plan")
	_, err := orch.Pay(ctx, ord.ID)
	if !errors.Is(err, ledger.ErrInsufficientBalance) {
		t.Fatalf("err = %v, want ErrInsufficientBalance", err)
	}

	cur, _ := mem.GetOrder(ctx, ord.ID)
	if cur.Status != domain.OrderDraft {
		t.Fatalf("status = %s, want draft", cur.Status)
	}
	if bal, _ := svc.Balance(ctx, acc); bal != 100000 {
		t.Fatalf("balance = %d, want untouched 100000", bal)
	}
	if tx, _ := mem.GetTransactionByKey(ctx, ord.ID); tx != nil {
		t.Fatalf("rejected debit left a transaction: %+v", tx)
	}
}

// Fulfillment fails after the debit: the refund restores the balance and
// leaves a visible purchase/refund pair in the log.
func TestFulfillmentFailureRefunds(t *testing.T) {
	orch, svc, mem, acc := newCheckout(t, &stubFulfiller{failures: 1})
	ctx := context.Background()

	ord, _ := orch.CreateOrder(ctx, acc, 30000, "premium plan")
	_, err := orch.Pay(ctx, ord.ID)
	if !errors.Is(err, checkout.ErrFulfillmentFailed) {
		t.Fatalf("err = %v, want ErrFulfillmentFailed", err)
	}

	cur, _ := mem.GetOrder(ctx, ord.ID)
	if cur.Status != domain.OrderRefunded {
		t.Fatalf("status = %s, want refunded", cur.Status)
	}
	if bal, _ := svc.Balance(ctx, acc); bal != 100000 {
		t.Fatalf("balance = %d, want restored 100000", bal)
	}
	purchase, _ := mem.GetTransactionByKey(ctx, ord.ID)
	refund, _ := mem.GetTransactionByKey(ctx, ord.ID+":refund")
	if purchase == nil || refund == nil {
		t.Fatal("expected both purchase and refund transactions")
	}
	if refund.Amount != 30000 || refund.Type != domain.TxRefund {
		t.Fatalf("refund transaction wrong: %+v", refund)
	}

	// A refunded order is terminal.
	if _, err := orch.Pay(ctx, ord.ID); !errors.Is(err, checkout.ErrOrderNotPayable) {
		t.Fatalf("pay refunded order: %v, want ErrOrderNotPayable", err)
	}
}

// The refund write fails: the order must stay payment_pending and the next
// retry must converge on exactly one refund.
func TestCompensationFailureThenRetry(t *testing.T) {
	mem := store.NewMemory()
	blocking := &refundBlockingStore{Memory: mem, blockRefunds: true}
	svc := ledger.NewService(blocking, nil)
	ful := &stubFulfiller{failures: 2}
	orch := checkout.NewOrchestrator(mem, svc, ful, nil, nil)
	ctx := context.Background()

	acc, _ := mem.CreateAccount(ctx)
	if _, err := svc.Credit(ctx, ledger.Entry{AccountID: acc, Amount: 100000, Type: domain.TxDeposit, IdempotencyKey: "seed"}); err != nil {
		t.Fatalf("seed credit: %v", err)
	}

	ord, _ := orch.CreateOrder(ctx, acc, 30000, "premium plan")
	_, err := orch.Pay(ctx, ord.ID)
	if !errors.Is(err, checkout.ErrCompensationFailed) {
		t.Fatalf("err = %v, want ErrCompensationFailed", err)
	}
	cur, _ := mem.GetOrder(ctx, ord.ID)
	if cur.Status != domain.OrderPaymentPending {
		t.Fatalf("status = %s, want payment_pending for retry", cur.Status)
	}
	if bal, _ := svc.Balance(ctx, acc); bal != 70000 {
		t.Fatalf("balance = %d, debit must stand until the refund lands", bal)
	}

	// Refund path recovers; the retried pay replays the debit, fails
	// fulfillment again and lands the refund exactly once.
	blocking.blockRefunds = false
	_, err = orch.Pay(ctx, ord.ID)
	if !errors.Is(err, checkout.ErrFulfillmentFailed) {
		t.Fatalf("retry err = %v, want ErrFulfillmentFailed", err)
	}
	if bal, _ := svc.Balance(ctx, acc); bal != 100000 {
		t.Fatalf("balance = %d, want restored 100000", bal)
	}
	cur, _ = mem.GetOrder(ctx, ord.ID)
	if cur.Status != domain.OrderRefunded {
		t.Fatalf("status = %s, want refunded", cur.Status)
	}
	sum, _ := mem.SumCompleted(ctx, acc)
	if sum != 100000 {
		t.Fatalf("log sum = %d, want 100000", sum)
	}
}

func TestCreateOrderValidation(t *testing.T) {
	orch, _, _, acc := newCheckout(t, &stubFulfiller{})
	ctx := context.Background()

	if _, err := orch.CreateOrder(ctx, acc, 0, "free"); !errors.Is(err, ledger.ErrAmountNotPositive) {
		t.Fatalf("zero total: %v", err)
	}
	if _, err := orch.CreateOrder(ctx, 999, 100, "ghost"); !errors.Is(err, ledger.ErrAccountNotFound) {
		t.Fatalf("unknown account: %v", err)
	}
	if _, err := orch.Pay(ctx, "no-such-order"); !errors.Is(err, checkout.ErrOrderNotFound) {
		t.Fatalf("unknown order: %v", err)
	}
}

func TestRenewChargesAndExtends(t *testing.T) {
	orch, svc, mem, acc := newCheckout(t, &stubFulfiller{})
	ctx := context.Background()

	expiry := time.Now().UTC().AddDate(0, 0, 10).Truncate(time.Second)
	mem.CreateCredential(ctx, &domain.Credential{
		ID: "c1", AccountID: acc, Label: "vpn-profile",
		PeriodDays: 30, RenewPrice: 25000, ExpiresAt: expiry,
	})

	cred, err := orch.Renew(ctx, "c1")
	if err != nil {
		t.Fatalf("renew: %v", err)
	}
	want := expiry.AddDate(0, 0, 30)
	if !cred.ExpiresAt.Equal(want) {
		t.Fatalf("expiry = %s, want %s", cred.ExpiresAt, want)
	}
	if bal, _ := svc.Balance(ctx, acc); bal != 75000 {
		t.Fatalf("balance = %d, want 75000", bal)
	}

	if _, err := orch.Renew(ctx, "missing"); !errors.Is(err, checkout.ErrCredentialNotFound) {
		t.Fatalf("unknown credential: %v", err)
	}
}

// extendFailOnce simulates a crash between the renewal debit and the expiry
// write. The retried renewal must replay the debit, not charge again.
type extendFailOnce struct {
	*store.Memory
	tripped bool
}

func (s *extendFailOnce) ExtendCredential(ctx context.Context, id string, observed, newExpiry time.Time) (bool, error) {
	if !s.tripped {
		s.tripped = true
		return false, errors.New("connection reset")
	}
	return s.Memory.ExtendCredential(ctx, id, observed, newExpiry)
}

func TestRenewRetryAfterCrashChargesOnce(t *testing.T) {
	mem := store.NewMemory()
	svc := ledger.NewService(mem, nil)
	orch := checkout.NewOrchestrator(&extendFailOnce{Memory: mem}, svc, &stubFulfiller{}, nil, nil)
	ctx := context.Background()

	acc, _ := mem.CreateAccount(ctx)
	svc.Credit(ctx, ledger.Entry{AccountID: acc, Amount: 100000, Type: domain.TxDeposit, IdempotencyKey: "seed"})

	expiry := time.Now().UTC().AddDate(0, 0, 10).Truncate(time.Second)
	mem.CreateCredential(ctx, &domain.Credential{
		ID: "c1", AccountID: acc, PeriodDays: 30, RenewPrice: 25000, ExpiresAt: expiry,
	})

	if _, err := orch.Renew(ctx, "c1"); err == nil {
		t.Fatal("expected the first renew to fail on the expiry write")
	}
	// Debit landed, extension did not.
	if bal, _ := svc.Balance(ctx, acc); bal != 75000 {
		t.Fatalf("balance = %d after crash, want 75000", bal)
	}

	cred, err := orch.Renew(ctx, "c1")
	if err != nil {
		t.Fatalf("retried renew: %v", err)
	}
	if bal, _ := svc.Balance(ctx, acc); bal != 75000 {
		t.Fatalf("balance = %d, retry double-charged", bal)
	}
	if want := expiry.AddDate(0, 0, 30); !cred.ExpiresAt.Equal(want) {
		t.Fatalf("expiry = %s, want %s", cred.ExpiresAt, want)
	}
}
