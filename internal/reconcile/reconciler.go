package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/netpass/coinwallet/internal/deposit"
	"github.com/netpass/coinwallet/internal/domain"
	"github.com/netpass/coinwallet/internal/ledger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	runsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wallet_reconcile_runs_total",
		Help: "Completed reconciliation passes",
	})

	driftAccounts = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "wallet_reconcile_drift_accounts",
		Help: "Accounts whose cached balance disagrees with the transaction log",
	})

	expiredSwept = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wallet_reconcile_intents_expired_total",
		Help: "Awaiting-payment intents expired by the sweep",
	})
)

// Decision is an admin verdict recorded out-of-band (bulk review tooling,
// delayed callbacks) that has not yet been applied to an intent.
type Decision struct {
	IntentID string
	Approve  bool
	Reason   string
}

// ApprovalSource exposes the admin review collaborator's externally
// recorded state. How evidence is matched to intents is its problem; the
// reconciler only replays verdicts.
type ApprovalSource interface {
	PendingDecisions(ctx context.Context) ([]Decision, error)
}

// NoopSource is used when no external review feed is wired.
type NoopSource struct{}

func (NoopSource) PendingDecisions(context.Context) ([]Decision, error) { return nil, nil }

// Store is the read surface reconciliation needs beyond the services.
type Store interface {
	ListIntentsByStatus(ctx context.Context, status domain.IntentStatus, limit int) ([]domain.DepositIntent, error)
	ExpireOverdueIntents(ctx context.Context, now time.Time) (int64, error)
	GetTransactionByKey(ctx context.Context, key string) (*domain.Transaction, error)
	SumCompleted(ctx context.Context, accountID int64) (int64, error)
	ListAccountIDs(ctx context.Context) ([]int64, error)
}

// Report summarizes one pass.
type Report struct {
	Expired          int64 `json:"expired"`
	DecisionsApplied int   `json:"decisions_applied"`
	CreditsReplayed  int   `json:"credits_replayed"`
	DriftAccounts    int   `json:"drift_accounts"`
}

// Reconciler periodically re-derives external deposit state into the
// ledger. Every write it performs goes through the same idempotency-keyed
// entry points as the interactive path, so re-discovering applied work is
// a safe no-op.
type Reconciler struct {
	store    Store
	deposits *deposit.Manager
	ledger   *ledger.Service
	source   ApprovalSource
	interval time.Duration
	now      func() time.Time
}

func New(s Store, d *deposit.Manager, l *ledger.Service, src ApprovalSource, interval time.Duration) *Reconciler {
	if src == nil {
		src = NoopSource{}
	}
	return &Reconciler{store: s, deposits: d, ledger: l, source: src, interval: interval, now: time.Now}
}

// Run loops until the context is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.SyncOnce(ctx); err != nil {
				log.Printf("reconcile: pass failed: %v", err)
			}
		}
	}
}

// SyncOnce performs a full pass: expiry sweep, out-of-band decision replay,
// stuck-credit replay and balance verification.
func (r *Reconciler) SyncOnce(ctx context.Context) (*Report, error) {
	rep := &Report{}

	expired, err := r.store.ExpireOverdueIntents(ctx, r.now())
	if err != nil {
		return nil, fmt.Errorf("expiry sweep: %w", err)
	}
	rep.Expired = expired
	expiredSwept.Add(float64(expired))

	decisions, err := r.source.PendingDecisions(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch decisions: %w", err)
	}
	for _, d := range decisions {
		if d.Approve {
			_, err = r.deposits.Approve(ctx, d.IntentID)
		} else {
			_, err = r.deposits.Reject(ctx, d.IntentID, d.Reason)
		}
		switch {
		case err == nil:
			rep.DecisionsApplied++
		case errors.Is(err, deposit.ErrDepositExpired),
			errors.Is(err, deposit.ErrIntentNotFound),
			errors.Is(err, deposit.ErrIntentNotReviewable):
			// Verdicts that can no longer apply are dropped, not retried.
			log.Printf("reconcile: decision for intent %s not applicable: %v", d.IntentID, err)
		default:
			return nil, fmt.Errorf("apply decision for intent %s: %w", d.IntentID, err)
		}
	}

	replayed, err := r.replayStuckCredits(ctx)
	if err != nil {
		return nil, err
	}
	rep.CreditsReplayed = replayed

	drift, err := r.verifyBalances(ctx)
	if err != nil {
		return nil, err
	}
	rep.DriftAccounts = drift

	runsTotal.Inc()
	return rep, nil
}

// replayStuckCredits finds intents that reached approved while their
// linked transaction never completed (crash between the credit and the
// status write, or a bulk approval that bypassed the service) and re-runs
// the credit under the original key.
func (r *Reconciler) replayStuckCredits(ctx context.Context) (int, error) {
	approved, err := r.store.ListIntentsByStatus(ctx, domain.IntentApproved, 500)
	if err != nil {
		return 0, fmt.Errorf("list approved intents: %w", err)
	}

	replayed := 0
	for _, in := range approved {
		tx, err := r.store.GetTransactionByKey(ctx, in.ID)
		if err != nil {
			return replayed, err
		}
		if tx != nil && tx.Status == domain.TxCompleted {
			continue
		}
		_, err = r.ledger.Credit(ctx, ledger.Entry{
			AccountID:        in.AccountID,
			Amount:           in.NetAmount,
			Type:             domain.TxDeposit,
			Description:      fmt.Sprintf("deposit via %s", in.MethodID),
			IdempotencyKey:   in.ID,
			RelatedDepositID: in.ID,
		})
		if err != nil {
			return replayed, fmt.Errorf("replay credit for intent %s: %w", in.ID, err)
		}
		replayed++
		log.Printf("reconcile: replayed credit for approved intent %s", in.ID)
	}
	return replayed, nil
}

// verifyBalances recomputes every balance from completed transactions and
// reports disagreement. Drift is surfaced, never silently patched;
// corrections go through explicit adjustment transactions.
func (r *Reconciler) verifyBalances(ctx context.Context) (int, error) {
	ids, err := r.store.ListAccountIDs(ctx)
	if err != nil {
		return 0, fmt.Errorf("list accounts: %w", err)
	}

	drift := 0
	for _, id := range ids {
		cached, err := r.ledger.Balance(ctx, id)
		if err != nil {
			return drift, err
		}
		derived, err := r.store.SumCompleted(ctx, id)
		if err != nil {
			return drift, err
		}
		if cached != derived {
			drift++
			log.Printf("reconcile: DRIFT on account %d: cached=%d derived=%d", id, cached, derived)
		}
	}
	driftAccounts.Set(float64(drift))
	return drift, nil
}
