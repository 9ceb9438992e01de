package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/punchamoorthee/paywallet/internal/api"
	"github.com/punchamoorthee/paywallet/internal/auth"
	"github.com/punchamoorthee/paywallet/internal/config"
	"github.com/punchamoorthee/paywallet/internal/gateway"
	"github.com/punchamoorthee/paywallet/internal/service"
	"github.com/punchamoorthee/paywallet/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}

	ctx := context.Background()
	s, err := store.Open(ctx, store.Options{
		Driver:      cfg.StorageDriver,
		DBSource:    cfg.DBSource,
		SQLitePath:  cfg.SQLitePath,
		AutoMigrate: cfg.AutoMigrate,
	})
	if err != nil {
		log.Fatalf("Unable to open %s store: %v", cfg.StorageDriver, err)
	}
	defer s.Close()

	// Initialize Layers
	tokens := auth.NewTokens(cfg.JWTSecret, cfg.TokenTTL)
	transfers := service.NewTransferService(s)
	bank := gateway.NewBankClient(cfg.BankAPIURL, cfg.GatewayTimeout, cfg.GatewayMaxAttempts, cfg.GatewayBackoff)
	handler := api.NewHandler(api.Deps{
		Accounts:   service.NewAccountService(s, auth.Passwords{Cost: cfg.BcryptCost}, tokens),
		Transfers:  transfers,
		Queries:    service.NewQueryService(s),
		Settlement: gateway.NewSettlement(s, transfers, bank),
		Tokens:     tokens,
		BankToken:  cfg.BankCallbackToken,
	})
	if cfg.BankCallbackToken == "" {
		log.Printf("BANK_CALLBACK_TOKEN is not set; bank callbacks will be rejected")
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           api.NewRouter(handler),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Printf("Server starting on :%s (%s, storage=%s)", cfg.Port, cfg.Env, cfg.StorageDriver)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal(err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Shutdown: %v", err)
	}
	log.Println("Server stopped")
}
