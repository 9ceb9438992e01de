// Package bankapi is a stand-in for the external bank the wallet settles with.
package bankapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/punchamoorthee/paywallet/internal/models"
)

// Options configure the simulated bank.
type Options struct {
	// WalletURL is the wallet's /api/v1 base. Empty disables callbacks.
	WalletURL     string
	CallbackToken string
	Timeout       time.Duration
}

// Server acknowledges add and deduct requests once per Idempotency-Key
// and optionally reports each new settlement back to the wallet.
type Server struct {
	router *gin.Engine
	opts   Options
	client *http.Client

	mu    sync.Mutex
	byKey map[string]models.SettlementResponse
	order []string
}

func NewServer(opts Options) *Server {
	if opts.Timeout == 0 {
		opts.Timeout = 5 * time.Second
	}
	router := gin.Default()

	s := &Server{
		router: router,
		opts:   opts,
		client: &http.Client{Timeout: opts.Timeout},
		byKey:  map[string]models.SettlementResponse{},
	}

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/api")
	{
		api.POST("/add", s.handleSettle("add"))
		api.POST("/deduct", s.handleSettle("deduct"))
		api.GET("/transactions", s.handleTransactions)
	}

	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// Run starts the bank server
func (s *Server) Run(addr string) error {
	return s.router.Run(addr)
}

func (s *Server) handleSettle(op string) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := strings.TrimSpace(c.GetHeader("Idempotency-Key"))
		if key == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Idempotency-Key header is required"})
			return
		}
		var req models.SettlementRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "malformed body"})
			return
		}
		if req.UserID <= 0 || req.Amount <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "userId and amount must be positive"})
			return
		}

		s.mu.Lock()
		if prior, ok := s.byKey[key]; ok {
			s.mu.Unlock()
			if prior.Operation != op || prior.UserID != req.UserID || prior.Amount != req.Amount {
				c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "Idempotency-Key reused with a different request"})
				return
			}
			prior.Duplicate = true
			c.JSON(http.StatusOK, prior)
			return
		}
		res := models.SettlementResponse{
			Reference:      uuid.NewString(),
			IdempotencyKey: key,
			Operation:      op,
			UserID:         req.UserID,
			Amount:         req.Amount,
		}
		s.byKey[key] = res
		s.order = append(s.order, key)
		s.mu.Unlock()

		if s.opts.WalletURL != "" {
			if err := s.callback(c.Request.Context(), op, key, req); err != nil {
				// The wallet still books the settlement from its own request.
				log.Printf("callback %s key=%s failed: %v", op, key, err)
			}
		}
		c.JSON(http.StatusOK, res)
	}
}

func (s *Server) handleTransactions(c *gin.Context) {
	s.mu.Lock()
	out := make([]models.SettlementResponse, 0, len(s.order))
	for _, k := range s.order {
		out = append(out, s.byKey[k])
	}
	s.mu.Unlock()
	c.JSON(http.StatusOK, out)
}

// callback reports a settlement to the wallet under the same key.
func (s *Server) callback(ctx context.Context, op, key string, req models.SettlementRequest) error {
	body, err := json.Marshal(map[string]int64{"userId": req.UserID, "amount": req.Amount})
	if err != nil {
		return err
	}
	url := strings.TrimRight(s.opts.WalletURL, "/") + "/" + op + "balance"
	hr, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	hr.Header.Set("Content-Type", "application/json")
	hr.Header.Set("Idempotency-Key", key)
	hr.Header.Set("Authorization", "Bearer "+s.opts.CallbackToken)

	resp, err := s.client.Do(hr)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("wallet returned %d", resp.StatusCode)
	}
	return nil
}
