// Copyright 2025 James Ross
// trino-lb-bench is a tiny standalone load generator: it fires concurrent
// statements at a running trino-lb's HTTP surface and reports latency
// percentiles. It is glue around the core, not part of it, matching
// spec.md §1's "small benchmarking load-generator" out-of-core-scope
// carve-out; the Rust original ships one, so this keeps that feature.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

func main() {
	var target string
	var sql string
	var concurrency int
	var count int
	var timeout time.Duration
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	fs.StringVar(&target, "target", "http://localhost:8080", "trino-lb external address")
	fs.StringVar(&sql, "sql", "select 1", "SQL text to submit")
	fs.IntVar(&concurrency, "concurrency", 8, "number of concurrent submitters")
	fs.IntVar(&count, "count", 1000, "total number of statements to submit")
	fs.DurationVar(&timeout, "timeout", 60*time.Second, "per-statement client timeout")
	_ = fs.Parse(os.Args[1:])

	client := &http.Client{Timeout: timeout}

	var mu sync.Mutex
	var latencies []time.Duration
	var failures int64

	jobs := make(chan struct{}, count)
	for i := 0; i < count; i++ {
		jobs <- struct{}{}
	}
	close(jobs)

	var wg sync.WaitGroup
	for w := 0; w < concurrency; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range jobs {
				start := time.Now()
				if err := submitOne(client, target, sql); err != nil {
					atomic.AddInt64(&failures, 1)
					continue
				}
				elapsed := time.Since(start)
				mu.Lock()
				latencies = append(latencies, elapsed)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	report(latencies, failures)
}

// submitOne POSTs sql and, if the response carries a next_uri, polls it to
// completion — exercising the same queue-then-dispatch-then-poll path a
// real client follows.
func submitOne(client *http.Client, target, sql string) error {
	resp, err := client.Post(target+"/v1/statement", "application/json", bytes.NewBufferString(sql))
	if err != nil {
		return err
	}
	nextURI, err := drainAndExtractNextURI(resp)
	if err != nil {
		return err
	}
	for nextURI != "" {
		r, err := client.Get(nextURI)
		if err != nil {
			return err
		}
		nextURI, err = drainAndExtractNextURI(r)
		if err != nil {
			return err
		}
	}
	return nil
}

func drainAndExtractNextURI(resp *http.Response) (string, error) {
	defer resp.Body.Close()
	var env struct {
		NextURI string `json:"nextUri"`
	}
	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("statement submission failed: %s", resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return "", err
	}
	return env.NextURI, nil
}

func report(latencies []time.Duration, failures int64) {
	if len(latencies) == 0 {
		fmt.Println("no successful statements")
		os.Exit(1)
	}
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
	pct := func(p float64) time.Duration {
		idx := int(p * float64(len(latencies)-1))
		return latencies[idx]
	}
	fmt.Printf("statements: %d  failures: %d\n", len(latencies), failures)
	fmt.Printf("p50: %s  p90: %s  p99: %s  max: %s\n", pct(0.50), pct(0.90), pct(0.99), latencies[len(latencies)-1])
}
