package deposit_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/netpass/coinwallet/internal/deposit"
	"github.com/netpass/coinwallet/internal/domain"
	"github.com/netpass/coinwallet/internal/ledger"
	"github.com/netpass/coinwallet/internal/store"
)

func bankMethod() *domain.DepositMethod {
	return &domain.DepositMethod{
		ID: "bank", DisplayName: "Bank Transfer", Destination: "ACCT-1",
		MinAmount: 1000, MaxAmount: 10000000, FeePercent: "0", Enabled: true,
	}
}

func newWorkflow(t *testing.T) (*deposit.Manager, *ledger.Service, *store.Memory, int64) {
	t.Helper()
	mem := store.NewMemory()
	mem.PutMethod(bankMethod())
	svc := ledger.NewService(mem, nil)
	mgr := deposit.NewManager(mem, svc, nil, 15*time.Minute)
	acc, err := mem.CreateAccount(context.Background())
	if err != nil {
		t.Fatalf("create account: %v", err)
	}
	return mgr, svc, mem, acc
}

// Full happy path: create, confirm, approve -> exactly one completed
// deposit transaction and the net amount on the balance.
func TestDepositApprovedCreditsBalance(t *testing.T) {
	mgr, svc, mem, acc := newWorkflow(t)
	ctx := context.Background()

	in, err := mgr.CreateDepositOrder(ctx, acc, 100000, "bank")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if in.Status != domain.IntentAwaitingPayment {
		t.Fatalf("status = %s", in.Status)
	}
	if in.NetAmount != 100000 || in.Fee != 0 {
		t.Fatalf("net = %d fee = %d", in.NetAmount, in.Fee)
	}
	if in.PaymentDescriptor == "" {
		t.Fatal("missing payment descriptor")
	}

	ok, err := mgr.ConfirmUserPayment(ctx, in.ID)
	if err != nil || !ok {
		t.Fatalf("confirm: ok=%v err=%v", ok, err)
	}
	mid, _ := mgr.GetIntent(ctx, in.ID)
	if mid.Status != domain.IntentPendingReview {
		t.Fatalf("status after confirm = %s", mid.Status)
	}
	if bal, _ := svc.Balance(ctx, acc); bal != 0 {
		t.Fatalf("balance moved before approval: %d", bal)
	}

	approved, err := mgr.Approve(ctx, in.ID)
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if approved.Status != domain.IntentApproved {
		t.Fatalf("status after approve = %s", approved.Status)
	}

	if bal, _ := svc.Balance(ctx, acc); bal != 100000 {
		t.Fatalf("balance = %d, want 100000", bal)
	}
	tx, _ := mem.GetTransactionByKey(ctx, in.ID)
	if tx == nil || tx.Status != domain.TxCompleted || tx.Amount != 100000 {
		t.Fatalf("deposit transaction wrong: %+v", tx)
	}
	history, _ := svc.History(ctx, acc, 10, 0)
	if len(history) != 1 {
		t.Fatalf("history has %d entries, want 1", len(history))
	}
}

// Repeated and concurrent confirms collapse onto one pending transaction.
func TestConfirmIdempotent(t *testing.T) {
	mgr, svc, _, acc := newWorkflow(t)
	ctx := context.Background()

	in, err := mgr.CreateDepositOrder(ctx, acc, 50000, "bank")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	const callers = 8
	var wg sync.WaitGroup
	wg.Add(callers)
	for i := 0; i < callers; i++ {
		go func() {
			defer wg.Done()
			if ok, err := mgr.ConfirmUserPayment(ctx, in.ID); err != nil || !ok {
				t.Errorf("confirm: ok=%v err=%v", ok, err)
			}
		}()
	}
	wg.Wait()

	// One pending transaction, one state progression.
	history, err := svc.History(ctx, acc, 50, 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("found %d transactions after %d confirms, want 1", len(history), callers)
	}
	if history[0].Status != domain.TxPending {
		t.Fatalf("status = %s, want pending", history[0].Status)
	}
	cur, _ := mgr.GetIntent(ctx, in.ID)
	if cur.Status != domain.IntentPendingReview {
		t.Fatalf("intent status = %s", cur.Status)
	}

	// Approving then re-confirming stays a no-op success.
	if _, err := mgr.Approve(ctx, in.ID); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if ok, err := mgr.ConfirmUserPayment(ctx, in.ID); err != nil || !ok {
		t.Fatalf("confirm after approve: ok=%v err=%v", ok, err)
	}
	if bal, _ := svc.Balance(ctx, acc); bal != 50000 {
		t.Fatalf("balance = %d, want 50000", bal)
	}
}

func TestApproveIdempotent(t *testing.T) {
	mgr, svc, _, acc := newWorkflow(t)
	ctx := context.Background()

	in, _ := mgr.CreateDepositOrder(ctx, acc, 20000, "bank")
	mgr.ConfirmUserPayment(ctx, in.ID)

	if _, err := mgr.Approve(ctx, in.ID); err != nil {
		t.Fatalf("first approve: %v", err)
	}
	if _, err := mgr.Approve(ctx, in.ID); err != nil {
		t.Fatalf("second approve: %v", err)
	}
	if bal, _ := svc.Balance(ctx, acc); bal != 20000 {
		t.Fatalf("balance = %d after double approve, want 20000", bal)
	}
}

func TestRejectMarksTransactionFailed(t *testing.T) {
	mgr, svc, mem, acc := newWorkflow(t)
	ctx := context.Background()

	in, _ := mgr.CreateDepositOrder(ctx, acc, 30000, "bank")
	mgr.ConfirmUserPayment(ctx, in.ID)

	rejected, err := mgr.Reject(ctx, in.ID, "no matching transfer")
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if rejected.Status != domain.IntentRejected || rejected.RejectReason != "no matching transfer" {
		t.Fatalf("rejected intent wrong: %+v", rejected)
	}
	tx, _ := mem.GetTransactionByKey(ctx, in.ID)
	if tx.Status != domain.TxFailed {
		t.Fatalf("transaction status = %s, want failed", tx.Status)
	}
	if bal, _ := svc.Balance(ctx, acc); bal != 0 {
		t.Fatalf("balance = %d after reject, want 0", bal)
	}

	// Approving a rejected intent must not work.
	if _, err := mgr.Approve(ctx, in.ID); !errors.Is(err, deposit.ErrIntentNotReviewable) {
		t.Fatalf("approve after reject: %v", err)
	}
}

// An awaiting_payment intent past its deadline can never be approved: any
// read first observes expired, and approval of an expired intent fails.
func TestExpiryBeatsApproval(t *testing.T) {
	mem := store.NewMemory()
	mem.PutMethod(bankMethod())
	svc := ledger.NewService(mem, nil)
	mgr := deposit.NewManager(mem, svc, nil, time.Millisecond)
	ctx := context.Background()
	acc, _ := mem.CreateAccount(ctx)

	in, err := mgr.CreateDepositOrder(ctx, acc, 50000, "bank")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	if _, err := mgr.Approve(ctx, in.ID); !errors.Is(err, deposit.ErrDepositExpired) {
		t.Fatalf("approve on expired: %v, want ErrDepositExpired", err)
	}
	if ok, err := mgr.ConfirmUserPayment(ctx, in.ID); err == nil || ok {
		t.Fatalf("late confirm: ok=%v err=%v", ok, err)
	}
	cur, _ := mgr.GetIntent(ctx, in.ID)
	if cur.Status != domain.IntentExpired {
		t.Fatalf("status = %s, want expired", cur.Status)
	}
	if bal, _ := svc.Balance(ctx, acc); bal != 0 {
		t.Fatalf("expired intent credited the account: %d", bal)
	}
}

// verdictRaceStore runs a competing admin verdict at the moment another
// verdict tries to claim the intent status.
type verdictRaceStore struct {
	*store.Memory
	onApprove func()
	onReject  func()
}

func (s *verdictRaceStore) TransitionIntent(ctx context.Context, id string, from []domain.IntentStatus, to domain.IntentStatus, reason string) (bool, error) {
	switch to {
	case domain.IntentApproved:
		if h := s.onApprove; h != nil {
			s.onApprove = nil
			h()
		}
	case domain.IntentRejected:
		if h := s.onReject; h != nil {
			s.onReject = nil
			h()
		}
	}
	return s.Memory.TransitionIntent(ctx, id, from, to, reason)
}

// Two admins act on the same pending_review intent: the reject lands first,
// and the losing approve must not credit the account.
func TestRejectWinsOverConcurrentApprove(t *testing.T) {
	mem := store.NewMemory()
	mem.PutMethod(bankMethod())
	svc := ledger.NewService(mem, nil)
	rs := &verdictRaceStore{Memory: mem}
	mgr := deposit.NewManager(rs, svc, nil, 15*time.Minute)
	ctx := context.Background()
	acc, _ := mem.CreateAccount(ctx)

	in, err := mgr.CreateDepositOrder(ctx, acc, 50000, "bank")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	mgr.ConfirmUserPayment(ctx, in.ID)

	rs.onApprove = func() {
		if _, err := mgr.Reject(ctx, in.ID, "no matching transfer"); err != nil {
			t.Errorf("interleaved reject: %v", err)
		}
	}

	if _, err := mgr.Approve(ctx, in.ID); !errors.Is(err, deposit.ErrIntentNotReviewable) {
		t.Fatalf("losing approve: %v, want ErrIntentNotReviewable", err)
	}
	cur, _ := mgr.GetIntent(ctx, in.ID)
	if cur.Status != domain.IntentRejected {
		t.Fatalf("stored status = %s, want rejected", cur.Status)
	}
	if bal, _ := svc.Balance(ctx, acc); bal != 0 {
		t.Fatalf("rejected intent was credited: balance = %d", bal)
	}
	tx, _ := mem.GetTransactionByKey(ctx, in.ID)
	if tx.Status != domain.TxFailed {
		t.Fatalf("transaction status = %s, want failed", tx.Status)
	}
}

// The mirror race: the approve lands first, and the losing reject must not
// fail the already-credited transaction.
func TestApproveWinsOverConcurrentReject(t *testing.T) {
	mem := store.NewMemory()
	mem.PutMethod(bankMethod())
	svc := ledger.NewService(mem, nil)
	rs := &verdictRaceStore{Memory: mem}
	mgr := deposit.NewManager(rs, svc, nil, 15*time.Minute)
	ctx := context.Background()
	acc, _ := mem.CreateAccount(ctx)

	in, err := mgr.CreateDepositOrder(ctx, acc, 50000, "bank")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	mgr.ConfirmUserPayment(ctx, in.ID)

	rs.onReject = func() {
		if _, err := mgr.Approve(ctx, in.ID); err != nil {
			t.Errorf("interleaved approve: %v", err)
		}
	}

	if _, err := mgr.Reject(ctx, in.ID, "amount mismatch"); !errors.Is(err, deposit.ErrIntentNotReviewable) {
		t.Fatalf("losing reject: %v, want ErrIntentNotReviewable", err)
	}
	cur, _ := mgr.GetIntent(ctx, in.ID)
	if cur.Status != domain.IntentApproved {
		t.Fatalf("stored status = %s, want approved", cur.Status)
	}
	if bal, _ := svc.Balance(ctx, acc); bal != 50000 {
		t.Fatalf("balance = %d, want 50000", bal)
	}
	tx, _ := mem.GetTransactionByKey(ctx, in.ID)
	if tx.Status != domain.TxCompleted {
		t.Fatalf("transaction status = %s, want completed", tx.Status)
	}
}

func TestCreateValidation(t *testing.T) {
	mgr, _, _, acc := newWorkflow(t)
	ctx := context.Background()

	cases := []struct {
		name     string
		account  int64
		amount   int64
		methodID string
		want     error
	}{
		{"below minimum", acc, 500, "bank", deposit.ErrAmountOutOfRange},
		{"above maximum", acc, 20000000, "bank", deposit.ErrAmountOutOfRange},
		{"unknown method", acc, 50000, "wire", deposit.ErrMethodNotFound},
		{"unknown account", 999, 50000, "bank", ledger.ErrAccountNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := mgr.CreateDepositOrder(ctx, tc.account, tc.amount, tc.methodID); !errors.Is(err, tc.want) {
				t.Fatalf("err = %v, want %v", err, tc.want)
			}
		})
	}
}
