package main

import (
	"log"

	"github.com/gin-gonic/gin"
	"github.com/punchamoorthee/paywallet/internal/bankapi"
	"github.com/punchamoorthee/paywallet/internal/config"
)

func main() {
	cfg, err := config.LoadBank()
	if err != nil {
		log.Fatal(err)
	}
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	srv := bankapi.NewServer(bankapi.Options{
		WalletURL:     cfg.WalletURL,
		CallbackToken: cfg.BankCallbackToken,
		Timeout:       cfg.GatewayTimeout,
	})

	log.Printf("Simulated bank starting on :%s (callbacks to %q)", cfg.BankPort, cfg.WalletURL)
	if err := srv.Run(":" + cfg.BankPort); err != nil {
		log.Fatal(err)
	}
}
