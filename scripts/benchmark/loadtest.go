package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type stats struct {
	requests  int64
	errors    int64
	totalUs   int64
	minUs     int64
	maxUs     int64
	latencies []int64
	mu        sync.Mutex
}

func main() {
	duration := flag.Int("duration", 30, "Test duration in seconds")
	concurrency := flag.Int("c", 100, "Number of concurrent workers")
	rps := flag.Int("rps", 0, "Target requests per second (0 = unlimited)")
	url := flag.String("url", "http://localhost:8090/api/v1/credits/validate", "Target URL")
	user := flag.String("user", "loadtest-user", "User id sent in each request")
	required := flag.Int("required", 1, "Credits requested per validation")

	flag.Parse()

	fmt.Printf("Starting load test:\n")
	fmt.Printf("  URL: %s\n", *url)
	fmt.Printf("  User: %s\n", *user)
	fmt.Printf("  Duration: %d seconds\n", *duration)
	fmt.Printf("  Concurrency: %d\n", *concurrency)
	fmt.Printf("  Target RPS: %d\n", *rps)
	fmt.Println()

	st := &stats{minUs: 9999999999}

	var wg sync.WaitGroup
	start := time.Now()
	done := make(chan bool)

	var ticker *time.Ticker
	var rateChan <-chan time.Time
	if *rps > 0 {
		ticker = time.NewTicker(time.Second / time.Duration(*rps))
		rateChan = ticker.C
	}

	transport := &http.Transport{
		MaxIdleConns:        10000,
		MaxIdleConnsPerHost: 10000,
		MaxConnsPerHost:     10000,
		IdleConnTimeout:     90 * time.Second,
	}
	client := &http.Client{Timeout: 10 * time.Second, Transport: transport}

	payload, _ := json.Marshal(map[string]any{
		"user_id":  *user,
		"required": *required,
	})

	for i := 0; i < *concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-done:
					return
				default:
					if rateChan != nil {
						<-rateChan
					}
					st.record(client, *url, payload)
				}
			}
		}()
	}

	time.AfterFunc(time.Duration(*duration)*time.Second, func() {
		close(done)
	})

	wg.Wait()
	if ticker != nil {
		ticker.Stop()
	}

	st.report(time.Since(start).Seconds())
}

func (st *stats) record(client *http.Client, url string, payload []byte) {
	reqStart := time.Now()

	req, _ := http.NewRequest(http.MethodPost, url, bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	latency := time.Since(reqStart).Microseconds()

	atomic.AddInt64(&st.requests, 1)
	atomic.AddInt64(&st.totalUs, latency)

	st.mu.Lock()
	st.latencies = append(st.latencies, latency)
	st.mu.Unlock()

	for {
		old := atomic.LoadInt64(&st.minUs)
		if latency >= old || atomic.CompareAndSwapInt64(&st.minUs, old, latency) {
			break
		}
	}
	for {
		old := atomic.LoadInt64(&st.maxUs)
		if latency <= old || atomic.CompareAndSwapInt64(&st.maxUs, old, latency) {
			break
		}
	}

	if err != nil || resp.StatusCode != http.StatusOK {
		atomic.AddInt64(&st.errors, 1)
	}
	if resp != nil {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}
}

func (st *stats) report(elapsed float64) {
	sort.Slice(st.latencies, func(i, j int) bool {
		return st.latencies[i] < st.latencies[j]
	})

	p50 := percentile(st.latencies, 0.50)
	p95 := percentile(st.latencies, 0.95)
	p99 := percentile(st.latencies, 0.99)

	fmt.Println("\n" + strings.Repeat("=", 60))
	fmt.Println("Benchmark Results")
	fmt.Println(strings.Repeat("=", 60))
	fmt.Printf("Total Requests:     %d\n", st.requests)
	fmt.Printf("Total Failures:     %d\n", st.errors)
	fmt.Printf("Duration:           %.2f seconds\n", elapsed)
	fmt.Printf("Requests/sec:       %.2f\n", float64(st.requests)/elapsed)
	fmt.Println(strings.Repeat("-", 60))
	fmt.Printf("Min Latency:        %.2f ms\n", float64(st.minUs)/1000)
	fmt.Printf("P50 Latency:        %.2f ms\n", float64(p50)/1000)
	fmt.Printf("Average Latency:    %.2f ms\n", float64(st.totalUs)/float64(st.requests)/1000)
	fmt.Printf("P95 Latency:        %.2f ms\n", float64(p95)/1000)
	fmt.Printf("P99 Latency:        %.2f ms\n", float64(p99)/1000)
	fmt.Printf("Max Latency:        %.2f ms\n", float64(st.maxUs)/1000)
	fmt.Println(strings.Repeat("-", 60))
	fmt.Printf("Error Rate:         %.2f%%\n", float64(st.errors)/float64(st.requests)*100)
	fmt.Println(strings.Repeat("=", 60))
}

func percentile(latencies []int64, p float64) int64 {
	if len(latencies) == 0 {
		return 0
	}
	index := int(float64(len(latencies)) * p)
	if index >= len(latencies) {
		index = len(latencies) - 1
	}
	return latencies[index]
}
