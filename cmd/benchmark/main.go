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
)

// Config holds the benchmark settings
var (
	targetURL   string
	concurrency int
	duration    time.Duration
	workload    string
	accounts    int
)

// Metrics
var (
	totalRequests uint64
	successOK     uint64 // paid / confirmed
	fail402       uint64 // insufficient balance
	fail409       uint64 // conflicts
	failOther     uint64
)

func init() {
	flag.StringVar(&targetURL, "url", "http://localhost:8080", "API Base URL")
	flag.IntVar(&concurrency, "workers", 10, "Number of concurrent workers")
	flag.DurationVar(&duration, "duration", 30*time.Second, "Test duration")
	flag.StringVar(&workload, "workload", "checkout", "Workload type: checkout | deposit")
	flag.IntVar(&accounts, "accounts", 100, "Seeded account id range (1..N)")
}

func main() {
	flag.Parse()
	log.Printf("Starting Benchmark: %s | Workers: %d | Duration: %s", workload, concurrency, duration)

	start := time.Now()
	var wg sync.WaitGroup
	wg.Add(concurrency)

	for i := 0; i < concurrency; i++ {
		go worker(&wg, start)
	}

	wg.Wait()
	printResults(time.Since(start))
}

func worker(wg *sync.WaitGroup, start time.Time) {
	defer wg.Done()
	client := &http.Client{Timeout: 5 * time.Second}

	for time.Since(start) < duration {
		var code int
		var err error
		if workload == "deposit" {
			code, err = runDeposit(client)
		} else {
			code, err = runCheckout(client)
		}
		if err != nil {
			atomic.AddUint64(&failOther, 1)
			continue
		}

		atomic.AddUint64(&totalRequests, 1)
		switch code {
		case 200, 201:
			atomic.AddUint64(&successOK, 1)
		case 402:
			atomic.AddUint64(&fail402, 1)
		case 409:
			atomic.AddUint64(&fail409, 1)
		default:
			atomic.AddUint64(&failOther, 1)
		}
	}
}

// runCheckout creates a small order and pays it. Replays against the same
// order id are exercised implicitly when the pay call is retried by hand.
func runCheckout(client *http.Client) (int, error) {
	accountID := rand.Intn(accounts) + 1
	orderID, code, err := postJSON(client, "/api/v1/orders", map[string]interface{}{
		"account_id":  accountID,
		"total_due":   int64(100),
		"description": fmt.Sprintf("bench order %d", time.Now().UnixNano()),
	})
	if err != nil || code != 201 {
		return code, err
	}
	return postPath(client, "/api/v1/orders/"+orderID+"/pay")
}

// runDeposit opens an intent and confirms it, leaving it pending review.
func runDeposit(client *http.Client) (int, error) {
	accountID := rand.Intn(accounts) + 1
	intentID, code, err := postJSON(client, "/api/v1/deposits", map[string]interface{}{
		"account_id": accountID,
		"amount":     int64(50000),
		"method_id":  "bank",
	})
	if err != nil || code != 201 {
		return code, err
	}
	return postPath(client, "/api/v1/deposits/"+intentID+"/confirm")
}

func postJSON(client *http.Client, path string, payload map[string]interface{}) (string, int, error) {
	body, _ := json.Marshal(payload)
	resp, err := client.Post(targetURL+path, "application/json", bytes.NewBuffer(body))
	if err != nil {
		return "", 0, err
	}
	defer resp.Body.Close()

	var decoded struct {
		ID string `json:"id"`
	}
	json.NewDecoder(resp.Body).Decode(&decoded)
	return decoded.ID, resp.StatusCode, nil
}

func postPath(client *http.Client, path string) (int, error) {
	resp, err := client.Post(targetURL+path, "application/json", bytes.NewBufferString("{}"))
	if err != nil {
		return 0, err
	}
	resp.Body.Close()
	return resp.StatusCode, nil
}

func printResults(d time.Duration) {
	total := atomic.LoadUint64(&totalRequests)
	ok := atomic.LoadUint64(&successOK)
	f402 := atomic.LoadUint64(&fail402)
	f409 := atomic.LoadUint64(&fail409)
	fErr := atomic.LoadUint64(&failOther)

	tps := float64(total) / d.Seconds()

	results := map[string]interface{}{
		"workload":             workload,
		"duration_sec":         d.Seconds(),
		"total_requests":       total,
		"throughput_tps":       tps,
		"success":              ok,
		"insufficient_balance": f402,
		"conflicts":            f409,
		"errors":               fErr,
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(results)

	filename := fmt.Sprintf("results_%s.json", workload)
	file, _ := os.Create(filename)
	defer file.Close()
	json.NewEncoder(file).Encode(results)
}
