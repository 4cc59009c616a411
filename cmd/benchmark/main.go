package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/punchamoorthee/smscredit/internal/domain"
	"github.com/punchamoorthee/smscredit/internal/signature"
)

var (
	targetURL      string
	concurrency    int
	duration       time.Duration
	secret         string
	prefix         string
	payments       int
	amount         int64
	currency       string
	duplicateRatio float64
	failureRatio   float64
)

// Counters
var (
	totalRequests uint64
	applied       uint64
	duplicates    uint64
	deferred      uint64
	rejected      uint64
	unauthorized  uint64
	failOther     uint64
	nextPayment   int64
)

func init() {
	flag.StringVar(&targetURL, "url", "http://localhost:8080", "API Base URL")
	flag.IntVar(&concurrency, "workers", 10, "Number of concurrent workers")
	flag.DurationVar(&duration, "duration", 30*time.Second, "Test duration")
	flag.StringVar(&secret, "secret", os.Getenv("WEBHOOK_SECRET"), "Webhook signing secret")
	flag.StringVar(&prefix, "prefix", "seed", "Reference prefix used by the seeder")
	flag.IntVar(&payments, "payments", 10000, "Number of seeded payments")
	flag.Int64Var(&amount, "amount", 1000, "Seeded amount in minor units")
	flag.StringVar(&currency, "currency", "USD", "Seeded currency")
	flag.Float64Var(&duplicateRatio, "duplicates", 0.3, "Fraction of deliveries that redeliver an already sent payment")
	flag.Float64Var(&failureRatio, "failures", 0.0, "Fraction of new payments reported as failed")
}

type notification struct {
	ID        string `json:"id"`
	EventType string `json:"event_type"`
	Reference string `json:"reference"`
	Amount    string `json:"amount"`
	Currency  string `json:"currency"`
	RawStatus string `json:"raw_status"`
}

func main() {
	flag.Parse()
	verifier, err := signature.NewVerifier(secret, signature.SHA256)
	if err != nil {
		log.Fatalf("signing: %v", err)
	}
	log.Printf("Starting webhook benchmark | Workers: %d | Duration: %s | Duplicates: %.0f%%", concurrency, duration, duplicateRatio*100)

	ctx, cancel := context.WithTimeout(context.Background(), duration)
	defer cancel()

	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < concurrency; i++ {
		g.Go(func() error {
			worker(gctx, verifier)
			return nil
		})
	}
	_ = g.Wait()
	printResults(time.Since(start))
}

func worker(ctx context.Context, verifier *signature.Verifier) {
	client := &http.Client{Timeout: 35 * time.Second}

	for ctx.Err() == nil {
		idx, status := pick()
		if idx < 0 {
			return
		}
		n := notification{
			ID:        fmt.Sprintf("evt-%d", time.Now().UnixNano()),
			EventType: "payment.updated",
			Reference: fmt.Sprintf("%s-%06d", prefix, idx),
			Amount:    domain.FormatMinorUnits(amount, currency),
			Currency:  currency,
			RawStatus: status,
		}
		body, _ := json.Marshal(n)

		req, _ := http.NewRequestWithContext(ctx, http.MethodPost, targetURL+"/webhooks/payments", bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Signature", "sha256="+verifier.Sign(body))

		resp, err := client.Do(req)
		if err != nil {
			if ctx.Err() == nil {
				atomic.AddUint64(&failOther, 1)
			}
			continue
		}
		atomic.AddUint64(&totalRequests, 1)
		record(resp)
		resp.Body.Close()
	}
}

// pick returns the payment index to deliver and its raw status. Once every
// seeded payment has been sent, only redeliveries remain.
func pick() (int, string) {
	sent := atomic.LoadInt64(&nextPayment)
	if sent > 0 && (rand.Float64() < duplicateRatio || sent >= int64(payments)) {
		idx := rand.Intn(int(min(sent, int64(payments))))
		return idx, statusFor(idx)
	}
	idx := atomic.AddInt64(&nextPayment, 1) - 1
	if idx >= int64(payments) {
		if payments == 0 {
			return -1, ""
		}
		i := rand.Intn(payments)
		return i, statusFor(i)
	}
	return int(idx), statusFor(int(idx))
}

// statusFor is stable per payment, so redeliveries carry the same status.
func statusFor(idx int) string {
	if failureRatio > 0 && float64(idx%1000) < failureRatio*1000 {
		return "declined"
	}
	return "success"
}

func record(resp *http.Response) {
	switch resp.StatusCode {
	case http.StatusAccepted:
		atomic.AddUint64(&deferred, 1)
		return
	case http.StatusUnauthorized:
		atomic.AddUint64(&unauthorized, 1)
		return
	case http.StatusOK:
	default:
		atomic.AddUint64(&failOther, 1)
		return
	}

	var out struct {
		Outcome string `json:"outcome"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		atomic.AddUint64(&failOther, 1)
		return
	}
	switch out.Outcome {
	case "applied", "failed":
		atomic.AddUint64(&applied, 1)
	case "duplicate":
		atomic.AddUint64(&duplicates, 1)
	default:
		atomic.AddUint64(&rejected, 1)
	}
}

func printResults(d time.Duration) {
	total := atomic.LoadUint64(&totalRequests)
	results := map[string]interface{}{
		"duration_sec":    d.Seconds(),
		"workers":         concurrency,
		"duplicate_ratio": duplicateRatio,
		"total_requests":  total,
		"throughput_tps":  float64(total) / d.Seconds(),
		"applied":         atomic.LoadUint64(&applied),
		"duplicates":      atomic.LoadUint64(&duplicates),
		"deferred":        atomic.LoadUint64(&deferred),
		"rejected":        atomic.LoadUint64(&rejected),
		"unauthorized":    atomic.LoadUint64(&unauthorized),
		"errors":          atomic.LoadUint64(&failOther),
		"distinct_sent":   min(atomic.LoadInt64(&nextPayment), int64(payments)),
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(results)

	file, err := os.Create(fmt.Sprintf("results_webhooks_%d.json", concurrency))
	if err != nil {
		log.Printf("write results: %v", err)
		return
	}
	defer file.Close()
	json.NewEncoder(file).Encode(results)
}
