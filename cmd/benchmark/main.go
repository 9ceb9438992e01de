package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/punchamoorthee/paywallet/internal/models"
)

// Config holds the benchmark settings
var (
	targetURL   string
	concurrency int
	duration    time.Duration
	workload    string
	userCount   int
	replayRate  float64
)

// Metrics
var (
	totalRequests uint64
	successNew    uint64
	successReplay uint64
	failFunds     uint64 // 404: insufficient funds
	failOther     uint64
)

// seedUser is a logged-in seeded user.
type seedUser struct {
	id    int64
	token string
}

func init() {
	flag.StringVar(&targetURL, "url", "http://localhost:8080", "API Base URL")
	flag.IntVar(&concurrency, "workers", 10, "Number of concurrent workers")
	flag.DurationVar(&duration, "duration", 30*time.Second, "Test duration")
	flag.StringVar(&workload, "workload", "uniform", "Workload type: uniform | hotspot")
	flag.IntVar(&userCount, "users", 100, "Number of seeded users to log in")
	flag.Float64Var(&replayRate, "replay", 0.05, "Fraction of requests resent with the previous Idempotency-Key")
}

func main() {
	flag.Parse()
	log.Printf("Starting Benchmark: %s | Workers: %d | Duration: %s", workload, concurrency, duration)

	users, err := loginSeedUsers(userCount)
	if err != nil {
		log.Fatal(err)
	}
	if len(users) < 2 {
		log.Fatal("need at least two seeded users; run cmd/seeder first")
	}

	start := time.Now()
	var wg sync.WaitGroup
	wg.Add(concurrency)

	for i := 0; i < concurrency; i++ {
		go worker(&wg, start, users)
	}

	wg.Wait()
	printResults(time.Since(start))
}

func loginSeedUsers(n int) ([]seedUser, error) {
	client := &http.Client{Timeout: 5 * time.Second}
	var users []seedUser
	for i := 1; i <= n; i++ {
		body, _ := json.Marshal(models.LoginRequest{Email: fmt.Sprintf("seed-%d@example.com", i), Password: "password"})
		resp, err := client.Post(targetURL+"/api/v1/loginuser", "application/json", bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		var out struct {
			Data models.LoginResponse `json:"data"`
		}
		err = json.NewDecoder(resp.Body).Decode(&out)
		resp.Body.Close()
		if err != nil || resp.StatusCode != http.StatusOK {
			log.Printf("login seed-%d failed: status %d", i, resp.StatusCode)
			continue
		}
		users = append(users, seedUser{id: out.Data.Principal.ID, token: out.Data.Token})
	}
	return users, nil
}

func worker(wg *sync.WaitGroup, start time.Time, users []seedUser) {
	defer wg.Done()
	client := &http.Client{Timeout: 5 * time.Second}

	var lastKey string
	var lastFrom, lastTo int
	for time.Since(start) < duration {
		from, to := pickUsers(len(users))
		key := uuid.NewString()

		// Occasionally resend the previous request to exercise replays.
		if lastKey != "" && rand.Float64() < replayRate {
			from, to, key = lastFrom, lastTo, lastKey
		}
		lastFrom, lastTo, lastKey = from, to, key

		payload := map[string]interface{}{
			"user1Id": users[from].id,
			"user2Id": users[to].id,
			"amount":  100,
		}
		body, _ := json.Marshal(payload)

		req, _ := http.NewRequest("POST", targetURL+"/api/v1/transferfund", bytes.NewBuffer(body))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+users[from].token)
		req.Header.Set("Idempotency-Key", key)

		resp, err := client.Do(req)
		if err != nil {
			atomic.AddUint64(&failOther, 1)
			continue
		}

		atomic.AddUint64(&totalRequests, 1)
		switch resp.StatusCode {
		case http.StatusOK:
			var out struct {
				Data models.TransferFundResponse `json:"data"`
			}
			json.NewDecoder(resp.Body).Decode(&out)
			if out.Data.Replayed {
				atomic.AddUint64(&successReplay, 1)
			} else {
				atomic.AddUint64(&successNew, 1)
			}
		case http.StatusNotFound:
			atomic.AddUint64(&failFunds, 1)
		default:
			atomic.AddUint64(&failOther, 1)
		}
		resp.Body.Close()
	}
}

// pickUsers returns two distinct indexes into the logged-in users.
func pickUsers(n int) (int, int) {
	if workload == "hotspot" {
		// Hotspot: 90% of traffic goes between the first two users
		if rand.Float32() < 0.90 {
			if rand.Float32() < 0.5 {
				return 0, 1
			}
			return 1, 0
		}
	}

	// Uniform Random
	a := rand.Intn(n)
	b := rand.Intn(n)
	for a == b {
		b = rand.Intn(n)
	}
	return a, b
}

func printResults(d time.Duration) {
	total := atomic.LoadUint64(&totalRequests)
	sNew := atomic.LoadUint64(&successNew)
	sReplay := atomic.LoadUint64(&successReplay)
	fFunds := atomic.LoadUint64(&failFunds)
	fErr := atomic.LoadUint64(&failOther)

	tps := float64(total) / d.Seconds()
	errorRate := 0.0
	if total > 0 {
		errorRate = float64(fErr) / float64(total) * 100
	}

	results := map[string]interface{}{
		"workload":           workload,
		"duration_sec":       d.Seconds(),
		"total_requests":     total,
		"throughput_tps":     tps,
		"success_committed":  sNew,
		"success_replay":     sReplay,
		"insufficient_funds": fFunds,
		"errors":             fErr,
		"error_rate_pct":     errorRate,
	}

	// Print JSON for the python plotter to consume
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(results)

	// Also save to file
	filename := fmt.Sprintf("results_%s.json", workload)
	file, _ := os.Create(filename)
	defer file.Close()
	json.NewEncoder(file).Encode(results)
}
