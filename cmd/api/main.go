package main

import (
	"context"
	"log"
	"net/http"

	"github.com/netpass/coinwallet/internal/api"
	"github.com/netpass/coinwallet/internal/cache"
	"github.com/netpass/coinwallet/internal/checkout"
	"github.com/netpass/coinwallet/internal/config"
	"github.com/netpass/coinwallet/internal/deposit"
	"github.com/netpass/coinwallet/internal/events"
	"github.com/netpass/coinwallet/internal/fulfill"
	"github.com/netpass/coinwallet/internal/ledger"
	"github.com/netpass/coinwallet/internal/notify"
	"github.com/netpass/coinwallet/internal/reconcile"
	"github.com/netpass/coinwallet/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}

	db, err := store.NewPostgres(cfg.DBSource)
	if err != nil {
		log.Fatalf("Unable to connect to database: %v", err)
	}
	defer db.Close()

	// Optional collaborators: each degrades to a no-op when unconfigured.
	var balances cache.Balances = cache.Noop{}
	if cfg.RedisAddr != "" {
		balances = cache.NewRedis(cfg.RedisAddr, cfg.BalanceCacheTTL)
	}

	var publisher events.Publisher = events.Noop{}
	if cfg.KafkaBroker != "" {
		kp := events.NewKafka(cfg.KafkaBroker)
		defer kp.Close()
		publisher = kp
	}

	var notifier notify.Notifier = notify.Noop{}
	if cfg.TelegramToken != "" && cfg.TelegramChatID != 0 {
		tg, err := notify.NewTelegram(cfg.TelegramToken, cfg.TelegramChatID)
		if err != nil {
			log.Fatalf("Unable to start telegram notifier: %v", err)
		}
		notifier = tg
	}

	var fulfiller checkout.Fulfiller
	if cfg.FulfillmentURL != "" {
		fulfiller = fulfill.NewHTTPClient(cfg.FulfillmentURL)
	} else {
		fulfiller = fulfill.NewLocalIssuer(db, 30)
	}

	// Initialize Layers
	ledgerSvc := ledger.NewService(db, balances)
	deposits := deposit.NewManager(db, ledgerSvc, notifier, cfg.DepositTTL)
	orchestrator := checkout.NewOrchestrator(db, ledgerSvc, fulfiller, publisher, notifier)
	reconciler := reconcile.New(db, deposits, ledgerSvc, nil, cfg.ReconcileInterval)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go reconciler.Run(ctx)

	handler := api.NewHandler(db, ledgerSvc, deposits, orchestrator, reconciler, balances)
	r := api.NewRouter(handler, []byte(cfg.JWTSecret))

	log.Printf("Server starting on :%s", cfg.Port)
	if err := http.ListenAndServe(":"+cfg.Port, r); err != nil {
		log.Fatal(err)
	}
}
