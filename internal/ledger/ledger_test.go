package ledger_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/netpass/coinwallet/internal/domain"
	"github.com/netpass/coinwallet/internal/ledger"
	"github.com/netpass/coinwallet/internal/store"
)

func newLedger(t *testing.T) (*ledger.Service, *store.Memory, int64) {
	t.Helper()
	mem := store.NewMemory()
	svc := ledger.NewService(mem, nil)
	accountID, err := mem.CreateAccount(context.Background())
	if err != nil {
		t.Fatalf("create account: %v", err)
	}
	return svc, mem, accountID
}

func TestCreditAndBalance(t *testing.T) {
	svc, _, acc := newLedger(t)
	ctx := context.Background()

	tx, err := svc.Credit(ctx, ledger.Entry{
		AccountID: acc, Amount: 500, Type: domain.TxDeposit,
		Description: "top up", IdempotencyKey: "dep-1",
	})
	if err != nil {
		t.Fatalf("credit: %v", err)
	}
	if tx.Amount != 500 || tx.Status != domain.TxCompleted {
		t.Fatalf("unexpected transaction: %+v", tx)
	}

	balance, err := svc.Balance(ctx, acc)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance != 500 {
		t.Fatalf("balance = %d, want 500", balance)
	}
}

func TestCreditReplaySameKey(t *testing.T) {
	svc, mem, acc := newLedger(t)
	ctx := context.Background()

	e := ledger.Entry{AccountID: acc, Amount: 300, Type: domain.TxDeposit, IdempotencyKey: "dep-1"}
	first, err := svc.Credit(ctx, e)
	if err != nil {
		t.Fatalf("first credit: %v", err)
	}
	second, err := svc.Credit(ctx, e)
	if err != nil {
		t.Fatalf("replayed credit: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("replay returned a different transaction: %s vs %s", second.ID, first.ID)
	}

	balance, _ := svc.Balance(ctx, acc)
	if balance != 300 {
		t.Fatalf("balance = %d after replay, want 300", balance)
	}
	sum, _ := mem.SumCompleted(ctx, acc)
	if sum != 300 {
		t.Fatalf("log sum = %d after replay, want 300", sum)
	}
}

// Scenario: balance 50000, debit 80000 -> typed rejection, no state change.
func TestDebitInsufficientBalance(t *testing.T) {
	svc, mem, acc := newLedger(t)
	ctx := context.Background()

	if _, err := svc.Credit(ctx, ledger.Entry{AccountID: acc, Amount: 50000, Type: domain.TxDeposit, IdempotencyKey: "dep-1"}); err != nil {
		t.Fatalf("setup credit: %v", err)
	}

	_, err := svc.Debit(ctx, ledger.Entry{AccountID: acc, Amount: 80000, Type: domain.TxPurchase, IdempotencyKey: "order-1"})
	if !errors.Is(err, ledger.ErrInsufficientBalance) {
		t.Fatalf("err = %v, want ErrInsufficientBalance", err)
	}

	balance, _ := svc.Balance(ctx, acc)
	if balance != 50000 {
		t.Fatalf("balance = %d after rejected debit, want 50000", balance)
	}
	if tx, _ := mem.GetTransactionByKey(ctx, "order-1"); tx != nil {
		t.Fatalf("rejected debit left a transaction behind: %+v", tx)
	}
}

func TestDebitValidation(t *testing.T) {
	svc, _, acc := newLedger(t)
	ctx := context.Background()

	cases := []struct {
		name  string
		entry ledger.Entry
		want  error
	}{
		{"zero amount", ledger.Entry{AccountID: acc, Amount: 0, Type: domain.TxPurchase, IdempotencyKey: "k"}, ledger.ErrAmountNotPositive},
		{"negative amount", ledger.Entry{AccountID: acc, Amount: -5, Type: domain.TxPurchase, IdempotencyKey: "k"}, ledger.ErrAmountNotPositive},
		{"unknown account", ledger.Entry{AccountID: 9999, Amount: 5, Type: domain.TxPurchase, IdempotencyKey: "k"}, ledger.ErrAccountNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := svc.Debit(ctx, tc.entry); !errors.Is(err, tc.want) {
				t.Fatalf("err = %v, want %v", err, tc.want)
			}
		})
	}
}

func TestKeyReuseAcrossAccountsRejected(t *testing.T) {
	svc, mem, acc := newLedger(t)
	ctx := context.Background()
	other, _ := mem.CreateAccount(ctx)

	if _, err := svc.Credit(ctx, ledger.Entry{AccountID: acc, Amount: 100, Type: domain.TxDeposit, IdempotencyKey: "shared"}); err != nil {
		t.Fatalf("credit: %v", err)
	}
	_, err := svc.Credit(ctx, ledger.Entry{AccountID: other, Amount: 100, Type: domain.TxDeposit, IdempotencyKey: "shared"})
	if !errors.Is(err, ledger.ErrIdempotencyMismatch) {
		t.Fatalf("err = %v, want ErrIdempotencyMismatch", err)
	}
}

// The monetary invariant: under concurrent credits and debits the cached
// balance equals the sum of completed entries and never goes negative.
func TestConcurrentMutationInvariant(t *testing.T) {
	svc, mem, acc := newLedger(t)
	ctx := context.Background()

	if _, err := svc.Credit(ctx, ledger.Entry{AccountID: acc, Amount: 1000, Type: domain.TxDeposit, IdempotencyKey: "seed"}); err != nil {
		t.Fatalf("seed credit: %v", err)
	}

	const workers = 8
	const opsPerWorker = 50
	var wg sync.WaitGroup
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func(w int) {
			defer wg.Done()
			for i := 0; i < opsPerWorker; i++ {
				key := fmt.Sprintf("w%d-op%d", w, i)
				if i%2 == 0 {
					svc.Credit(ctx, ledger.Entry{AccountID: acc, Amount: 7, Type: domain.TxBonus, IdempotencyKey: "c-" + key})
				} else {
					// Many of these are rejected once the balance runs
					// low; rejections must leave no trace.
					svc.Debit(ctx, ledger.Entry{AccountID: acc, Amount: 11, Type: domain.TxPurchase, IdempotencyKey: "d-" + key})
				}
			}
		}(w)
	}
	wg.Wait()

	balance, err := svc.Balance(ctx, acc)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance < 0 {
		t.Fatalf("balance went negative: %d", balance)
	}
	sum, err := mem.SumCompleted(ctx, acc)
	if err != nil {
		t.Fatalf("sum: %v", err)
	}
	if balance != sum {
		t.Fatalf("balance %d != completed sum %d", balance, sum)
	}
}

// Two concurrent calls with the same key must yield exactly one
// transaction, the loser observing the winner's result.
func TestConcurrentSameKeyDebit(t *testing.T) {
	svc, mem, acc := newLedger(t)
	ctx := context.Background()

	if _, err := svc.Credit(ctx, ledger.Entry{AccountID: acc, Amount: 100, Type: domain.TxDeposit, IdempotencyKey: "seed"}); err != nil {
		t.Fatalf("seed credit: %v", err)
	}

	const callers = 10
	results := make([]*domain.Transaction, callers)
	var wg sync.WaitGroup
	wg.Add(callers)
	for i := 0; i < callers; i++ {
		go func(i int) {
			defer wg.Done()
			tx, err := svc.Debit(ctx, ledger.Entry{AccountID: acc, Amount: 40, Type: domain.TxPurchase, IdempotencyKey: "order-7", RelatedOrderID: "order-7"})
			if err != nil {
				t.Errorf("caller %d: %v", i, err)
				return
			}
			results[i] = tx
		}(i)
	}
	wg.Wait()

	for i := 1; i < callers; i++ {
		if results[i] == nil || results[0] == nil {
			t.Fatal("missing result")
		}
		if results[i].ID != results[0].ID {
			t.Fatalf("caller %d observed a different transaction", i)
		}
	}

	balance, _ := svc.Balance(ctx, acc)
	if balance != 60 {
		t.Fatalf("balance = %d, want 60 (one debit applied)", balance)
	}
	sum, _ := mem.SumCompleted(ctx, acc)
	if sum != 60 {
		t.Fatalf("log sum = %d, want 60", sum)
	}
}

func TestHistoryNewestFirstAndPaginated(t *testing.T) {
	svc, _, acc := newLedger(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := svc.Credit(ctx, ledger.Entry{AccountID: acc, Amount: int64(i + 1), Type: domain.TxDeposit, IdempotencyKey: fmt.Sprintf("dep-%d", i)}); err != nil {
			t.Fatalf("credit %d: %v", i, err)
		}
	}

	page, err := svc.History(ctx, acc, 2, 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(page) != 2 {
		t.Fatalf("page size = %d, want 2", len(page))
	}
	if page[0].Amount != 5 || page[1].Amount != 4 {
		t.Fatalf("ordering wrong: got %d, %d", page[0].Amount, page[1].Amount)
	}

	rest, err := svc.History(ctx, acc, 10, 2)
	if err != nil {
		t.Fatalf("history offset: %v", err)
	}
	if len(rest) != 3 || rest[0].Amount != 3 {
		t.Fatalf("offset page wrong: %+v", rest)
	}

	if _, err := svc.History(ctx, 424242, 10, 0); err == nil {
		t.Fatal("expected error for unknown account")
	}
}
