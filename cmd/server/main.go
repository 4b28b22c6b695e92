package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/dukahub/payments/internal/api"
	"github.com/dukahub/payments/internal/channel"
	"github.com/dukahub/payments/internal/clock"
	"github.com/dukahub/payments/internal/domain"
	"github.com/dukahub/payments/internal/ledger"
	"github.com/dukahub/payments/internal/projector"
	"github.com/dukahub/payments/internal/reconcile"
	"github.com/dukahub/payments/internal/repository"
	"github.com/dukahub/payments/internal/retry"
	"github.com/dukahub/payments/internal/vault"
	"github.com/dukahub/payments/internal/webhook"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using process environment")
	}

	port := envDefault("PORT", "8080")
	dbPath := envDefault("DB_PATH", "payments.db")
	adminToken := os.Getenv("ADMIN_TOKEN")
	if adminToken == "" {
		log.Println("WARNING: ADMIN_TOKEN not set; staff endpoints are disabled")
	}

	log.Printf("Initializing database at %s", dbPath)
	db, err := repository.InitDB(dbPath)
	if err != nil {
		log.Fatalf("Failed to init DB: %v", err)
	}
	defer db.Close()

	// Create repositories.
	txnRepo := repository.NewTransactionRepo(db)
	auditRepo := repository.NewAuditRepo(db)
	tokenRepo := repository.NewTokenRepo(db)
	orderRepo := repository.NewOrderRepo(db)
	discRepo := repository.NewDiscrepancyRepo(db)

	clk := clock.Real{}

	// Core services.
	led := ledger.New(txnRepo, auditRepo, discRepo, clk)

	registry := channel.NewRegistry(
		channel.NewMobileMoneyAdapter(channel.NewHTTPPushClient(
			os.Getenv("MOBILE_MONEY_BASE_URL"), os.Getenv("MOBILE_MONEY_API_KEY"))),
		channel.NewCardGatewayAdapter(channel.NewHTTPCardClient(
			os.Getenv("CARD_GATEWAY_BASE_URL"), os.Getenv("CARD_GATEWAY_SECRET_KEY"))),
		channel.NewManualAdapter(domain.ChannelManualCash),
		channel.NewManualAdapter(domain.ChannelManualPaybill),
	)
	channelSvc := channel.NewService(led, registry)

	secrets := map[domain.Channel]string{
		domain.ChannelMobileMoneyPush: os.Getenv("WEBHOOK_SECRET_MOBILE_MONEY"),
		domain.ChannelCardGateway:     os.Getenv("WEBHOOK_SECRET_CARD"),
	}
	verifier := webhook.NewVerifier(secrets, registry, led, clk,
		envDuration("WEBHOOK_DEDUPE_MINUTES", webhook.DefaultDedupeWindow, time.Minute))

	tokenVault := vault.New(tokenRepo, clk)

	proj := projector.New(orderRepo, discRepo, projector.LogNotifier{}, clk)
	led.Subscribe(proj.HandleTransition)

	reconSvc := reconcile.NewService(txnRepo, led, registry, discRepo, clk,
		envDuration("RECON_INTERVAL_SECONDS", reconcile.DefaultInterval, time.Second),
		envDuration("RECON_STALE_MINUTES", reconcile.DefaultStaleness, time.Minute),
		envDuration("RECON_CEILING_MINUTES", reconcile.DefaultCeiling, time.Minute),
	)
	retrySched := retry.NewScheduler(txnRepo, led, channelSvc, clk,
		envDuration("RETRY_INTERVAL_SECONDS", retry.DefaultInterval, time.Second),
		envDuration("RETRY_BASE_DELAY_SECONDS", retry.DefaultBaseDelay, time.Second),
		envInt("RETRY_MAX_ATTEMPTS", retry.DefaultMaxAttempts),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go reconSvc.Run(ctx)
	go retrySched.Run(ctx)
	go runTokenGC(ctx, tokenVault)

	router := api.NewRouter(txnRepo, auditRepo, orderRepo, discRepo,
		channelSvc, verifier, tokenVault, reconSvc, adminToken)

	server := &http.Server{Addr: ":" + port, Handler: router}

	log.Printf("Payment Orchestration & Reconciliation Engine")
	log.Printf("Listening on http://localhost:%s", port)
	log.Printf("API base: http://localhost:%s/api/v1", port)
	log.Printf("")
	log.Printf("Endpoints:")
	log.Printf("  POST   /api/v1/payments/initiate")
	log.Printf("  POST   /api/v1/callbacks/{channel}")
	log.Printf("  POST   /api/v1/manual/cash")
	log.Printf("  POST   /api/v1/manual/paybill")
	log.Printf("  GET    /api/v1/transactions")
	log.Printf("  GET    /api/v1/transactions/{id}")
	log.Printf("  POST   /api/v1/transactions/{id}/refund")
	log.Printf("  POST   /api/v1/transactions/{id}/check")
	log.Printf("  GET    /api/v1/orders/{orderRef}/payment-status")
	log.Printf("  GET    /api/v1/discrepancies")

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("Shutdown error: %v", err)
		}
	}()

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("Server failed: %v", err)
	}
	log.Println("Server stopped")
}

// runTokenGC purges expired vault tokens periodically.
func runTokenGC(ctx context.Context, v *vault.Vault) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := v.PurgeExpired(); err != nil {
				log.Printf("[vault] WARNING: token GC failed: %v", err)
			} else if n > 0 {
				log.Printf("[vault] purged %d expired tokens", n)
			}
		}
	}
}

func envDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envDuration(key string, def time.Duration, unit time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return time.Duration(n) * unit
		}
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}
