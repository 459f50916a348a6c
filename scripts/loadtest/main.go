// Loadtest drives traffic through balancebeam and reports throughput, latency
// percentiles, status codes and how requests were spread over upstreams.
//
// Usage:
//
//	go run ./scripts/loadtest --url http://localhost:1100/ --concurrency 10 --requests 1000
//	go run ./scripts/loadtest --url http://localhost:1100/ --out summary.json
//
// Each worker keeps one persistent connection, and balancebeam pins a client
// connection to one upstream, so the distribution reflects how sessions were
// placed rather than individual requests. Run with --fresh-connections to
// open a new connection per request instead. Upstreams are identified by the
// X-Upstream response header that scripts/upstream sets.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
)

type upstreamStats struct {
	Count     int             `json:"count"`
	Success   int             `json:"success"`
	Failure   int             `json:"failure"`
	Latencies []time.Duration `json:"-"`
}

type recorder struct {
	mutex       sync.Mutex
	success     int
	failure     int
	errors      int
	latencies   []time.Duration
	statusCodes map[int]int
	upstreams   map[string]*upstreamStats
}

func (r *recorder) record(upstream string, status int, dur time.Duration, err error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	r.latencies = append(r.latencies, dur)

	if err != nil {
		r.errors++
		r.failure++
		return
	}

	r.statusCodes[status]++

	ok := status >= 200 && status <= 299
	if ok {
		r.success++
	} else {
		r.failure++
	}

	if upstream == "" {
		upstream = "(proxy)"
	}

	us, found := r.upstreams[upstream]
	if !found {
		us = &upstreamStats{}
		r.upstreams[upstream] = us
	}
	us.Count++
	if ok {
		us.Success++
	} else {
		us.Failure++
	}
	us.Latencies = append(us.Latencies, dur)
}

func main() {
	var (
		url         = pflag.String("url", "http://localhost:1100/", "target URL")
		concurrency = pflag.Int("concurrency", 10, "number of concurrent workers")
		requests    = pflag.Int("requests", 100, "total number of requests to send")
		method      = pflag.String("method", http.MethodGet, "HTTP method")
		body        = pflag.String("body", "", "request body")
		timeout     = pflag.Duration("timeout", 10*time.Second, "per-request timeout")
		fresh       = pflag.Bool("fresh-connections", false, "open a new connection for every request")
		outJSON     = pflag.String("out", "", "write a JSON summary to this file")
		verbose     = pflag.BoolP("verbose", "v", false, "log every request")
	)
	pflag.Parse()

	rec := &recorder{
		statusCodes: make(map[int]int),
		upstreams:   make(map[string]*upstreamStats),
	}

	jobs := make(chan int)
	g, ctx := errgroup.WithContext(context.Background())

	for w := 0; w < *concurrency; w++ {
		workerID := w
		g.Go(func() error {
			client := &http.Client{
				Timeout: *timeout,
				Transport: &http.Transport{
					MaxIdleConnsPerHost: 1,
					DisableKeepAlives:   *fresh,
				},
			}
			defer client.CloseIdleConnections()

			for idx := range jobs {
				req, err := http.NewRequestWithContext(ctx, *method, *url, bytes.NewBufferString(*body))
				if err != nil {
					return err
				}

				start := time.Now()
				resp, err := client.Do(req)
				dur := time.Since(start)

				if err != nil {
					rec.record("", 0, dur, err)
					if *verbose {
						fmt.Printf("[%d] idx=%d error=%v\n", workerID, idx, err)
					}
					continue
				}

				io.Copy(io.Discard, resp.Body)
				resp.Body.Close()

				upstream := resp.Header.Get("X-Upstream")
				rec.record(upstream, resp.StatusCode, dur, nil)

				if *verbose {
					fmt.Printf("[%d] idx=%d upstream=%s status=%d dur=%v\n", workerID, idx, upstream, resp.StatusCode, dur)
				}
			}
			return nil
		})
	}

	testStart := time.Now()

	go func() {
		defer close(jobs)
		for i := 0; i < *requests; i++ {
			select {
			case jobs <- i:
			case <-ctx.Done():
				return
			}
		}
	}()

	if err := g.Wait(); err != nil {
		fmt.Fprintf(os.Stderr, "load test aborted: %v\n", err)
		os.Exit(1)
	}

	totalDuration := time.Since(testStart)
	total := rec.success + rec.failure
	throughput := float64(total) / totalDuration.Seconds()

	fmt.Println("--- Load Test Summary ---")
	fmt.Printf("Target: %s\n", *url)
	fmt.Printf("Requests: %d  Concurrency: %d  Fresh connections: %v\n", *requests, *concurrency, *fresh)
	fmt.Printf("Total sent: %d  Success: %d  Failure: %d  Transport errors: %d\n", total, rec.success, rec.failure, rec.errors)
	fmt.Printf("Duration: %v  Throughput: %.2f req/s\n", totalDuration, throughput)

	fmt.Println("\nStatus codes:")
	codes := make([]int, 0, len(rec.statusCodes))
	for code := range rec.statusCodes {
		codes = append(codes, code)
	}
	sort.Ints(codes)
	for _, code := range codes {
		fmt.Printf("  %d -> %d\n", code, rec.statusCodes[code])
	}

	fmt.Println("\nUpstream distribution:")
	names := make([]string, 0, len(rec.upstreams))
	for name := range rec.upstreams {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		us := rec.upstreams[name]
		p := percentiles(us.Latencies)
		fmt.Printf("  %s -> total=%d success=%d failure=%d\n", name, us.Count, us.Success, us.Failure)
		fmt.Printf("    latencies: p50=%v p90=%v p95=%v p99=%v\n", p[0], p[1], p[2], p[3])
	}

	if len(rec.latencies) > 0 {
		p := percentiles(rec.latencies)
		fmt.Println("\nOverall latencies:")
		fmt.Printf("  samples=%d p50=%v p90=%v p95=%v p99=%v\n", len(rec.latencies), p[0], p[1], p[2], p[3])
	}

	if *outJSON != "" {
		if err := writeSummary(*outJSON, rec, *url, *requests, *concurrency, totalDuration, throughput); err != nil {
			fmt.Fprintf(os.Stderr, "failed to write json summary: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("\nWrote JSON summary to %s\n", *outJSON)
	}

	if rec.failure > 0 {
		os.Exit(2)
	}
}

// percentiles returns p50, p90, p95 and p99 of samples.
func percentiles(samples []time.Duration) [4]time.Duration {
	var out [4]time.Duration
	if len(samples) == 0 {
		return out
	}

	sorted := make([]time.Duration, len(samples))
	copy(sorted, samples)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	for i, pct := range []float64{0.50, 0.90, 0.95, 0.99} {
		out[i] = sorted[int(float64(len(sorted)-1)*pct)]
	}
	return out
}

func writeSummary(path string, rec *recorder, url string, requests, concurrency int, dur time.Duration, throughput float64) error {
	type upstreamSummary struct {
		Total   int     `json:"total"`
		Success int     `json:"success"`
		Failure int     `json:"failure"`
		P50     float64 `json:"p50_ms"`
		P99     float64 `json:"p99_ms"`
	}

	upstreams := make(map[string]upstreamSummary, len(rec.upstreams))
	for name, us := range rec.upstreams {
		p := percentiles(us.Latencies)
		upstreams[name] = upstreamSummary{
			Total:   us.Count,
			Success: us.Success,
			Failure: us.Failure,
			P50:     float64(p[0].Microseconds()) / 1000,
			P99:     float64(p[3].Microseconds()) / 1000,
		}
	}

	report := map[string]any{
		"target":         url,
		"requests":       requests,
		"concurrency":    concurrency,
		"success":        rec.success,
		"failure":        rec.failure,
		"status_codes":   rec.statusCodes,
		"duration_ms":    dur.Milliseconds(),
		"throughput_rps": throughput,
		"upstreams":      upstreams,
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}
