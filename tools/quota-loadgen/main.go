// quota-loadgen drives a running quota engine over HTTP with keep-alive connections and a
// fixed worker count, then prints throughput and a status breakdown. Fallback answers
// (engine saturated or Redis slow) are counted separately from real results.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"runtime"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type modeType string

const (
	modeSingle modeType = "single"
	modeZipf   modeType = "zipf"
)

type route struct {
	method string
	path   string
	param  string
}

var routes = map[string]route{
	"increment": {http.MethodPost, "/usage/increment", "user_id"},
	"usage":     {http.MethodGet, "/usage", "user_id"},
	"ratelimit": {http.MethodGet, "/ratelimit", "ip"},
}

// picker chooses the subject of request i issued by worker id.
type picker struct {
	mode     modeType
	single   string
	hot      string
	coldN    int
	hotEvery int
}

func (p picker) pick(id, i int) string {
	if p.mode == modeSingle {
		return p.single
	}
	// (hotEvery-1)/hotEvery of the traffic goes to the hot subject.
	if (i+id)%p.hotEvery != 0 {
		return p.hot
	}
	return fmt.Sprintf("cold-%d", (i+id)%p.coldN+1)
}

// tally counts responses by status code plus fallback bodies.
type tally struct {
	mu        sync.Mutex
	byStatus  map[int]int64
	fallbacks atomic.Int64
	errors    atomic.Int64
}

func newTally() *tally { return &tally{byStatus: make(map[int]int64)} }

func (t *tally) observe(status int, body []byte) {
	t.mu.Lock()
	t.byStatus[status]++
	t.mu.Unlock()
	var env struct {
		Fallback bool `json:"fallback"`
	}
	if json.Unmarshal(body, &env) == nil && env.Fallback {
		t.fallbacks.Add(1)
	}
}

func (t *tally) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	codes := make([]int, 0, len(t.byStatus))
	for c := range t.byStatus {
		codes = append(codes, c)
	}
	sort.Ints(codes)
	parts := make([]string, 0, len(codes)+2)
	for _, c := range codes {
		parts = append(parts, fmt.Sprintf("%d=%d", c, t.byStatus[c]))
	}
	parts = append(parts, fmt.Sprintf("fallback=%d", t.fallbacks.Load()), fmt.Sprintf("errors=%d", t.errors.Load()))
	return strings.Join(parts, " ")
}

func main() {
	var (
		base     = flag.String("base", "http://127.0.0.1:8080", "Base URL including scheme and host")
		routeS   = flag.String("route", "increment", "Route: increment|usage|ratelimit")
		modeS    = flag.String("mode", string(modeSingle), "Mode: single|zipf")
		subject  = flag.String("subject", "alice", "User id (or ip for ratelimit) in single mode")
		hot      = flag.String("hot", "hot-1", "Hot subject in zipf mode")
		coldN    = flag.Int("cold", 50, "Number of cold subjects in zipf mode")
		hotEvery = flag.Int("hot_every", 5, "Zipf-like skew period; all but one request per period hit the hot subject (minimum 2)")
		tier     = flag.String("tier", "", "Optional tier passed with usage requests")
		N        = flag.Int("n", 5000, "Total requests to send")
		conc     = flag.Int("c", 8, "Number of concurrent workers")
		timeout  = flag.Duration("timeout", 30*time.Second, "Overall timeout for the run")
		maxIdle  = flag.Int("max_idle", 256, "Max idle connections per host")
	)
	flag.Parse()

	rt, ok := routes[*routeS]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown -route=%s (want increment|usage|ratelimit)\n", *routeS)
		os.Exit(2)
	}
	m := modeType(strings.ToLower(*modeS))
	if m != modeSingle && m != modeZipf {
		fmt.Fprintf(os.Stderr, "unknown -mode=%s (want single|zipf)\n", *modeS)
		os.Exit(2)
	}
	if *N <= 0 || *conc <= 0 || *coldN <= 0 {
		fmt.Fprintln(os.Stderr, "-n, -c and -cold must be > 0")
		os.Exit(2)
	}
	if *hotEvery < 2 {
		*hotEvery = 2
	}
	pk := picker{mode: m, single: *subject, hot: *hot, coldN: *coldN, hotEvery: *hotEvery}
	target := strings.TrimRight(*base, "/") + rt.path

	client := &http.Client{
		Transport: &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			MaxIdleConns:        *maxIdle,
			MaxIdleConnsPerHost: *maxIdle,
			IdleConnTimeout:     30 * time.Second,
		},
		Timeout: 5 * time.Second,
	}
	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	results := newTally()
	worker := func(id, count int) {
		for i := 0; i < count; i++ {
			if ctx.Err() != nil {
				return
			}
			q := url.Values{rt.param: {pk.pick(id, i)}}
			if *tier != "" && rt.param == "user_id" {
				q.Set("tier", *tier)
			}
			req, _ := http.NewRequestWithContext(ctx, rt.method, target+"?"+q.Encode(), nil)
			resp, err := client.Do(req)
			if err != nil {
				results.errors.Add(1)
				time.Sleep(200 * time.Microsecond)
				continue
			}
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			_ = resp.Body.Close()
			results.observe(resp.StatusCode, body)
		}
	}

	start := time.Now()
	per := *N / *conc
	rem := *N - per**conc
	var wg sync.WaitGroup
	wg.Add(*conc)
	for w := 0; w < *conc; w++ {
		count := per
		if w == *conc-1 {
			count += rem
		}
		go func(id, n int) {
			defer wg.Done()
			worker(id, n)
		}(w, count)
	}
	wg.Wait()
	elapsed := time.Since(start)
	if elapsed <= 0 {
		elapsed = time.Millisecond
	}
	fmt.Printf("LoadGen: route=%s mode=%s N=%d c=%d go=%d Duration=%s Throughput=%.0f req/s\n",
		*routeS, m, *N, *conc, runtime.GOMAXPROCS(0), elapsed.Truncate(time.Millisecond), float64(*N)/elapsed.Seconds())
	fmt.Printf("Results: %s\n", results)
}
