//go:build e2e

// Package e2e contains end-to-end tests that build the real quota-engine binary and drive
// it over HTTP against a live Redis at 127.0.0.1:6379.
package e2e

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	redis "github.com/redis/go-redis/v9"
)

const redisAddr = "127.0.0.1:6379"

type runningServer struct {
	cmd       *exec.Cmd
	baseURL   string
	logLinesC chan string
}

// requireRedis skips the test when no Redis answers on redisAddr.
func requireRedis(t *testing.T) *redis.Client {
	t.Helper()
	rc := redis.NewClient(&redis.Options{Addr: redisAddr})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := rc.Ping(ctx).Err(); err != nil {
		_ = rc.Close()
		t.Skipf("Skipping: Redis not reachable on %s: %v", redisAddr, err)
	}
	t.Cleanup(func() { _ = rc.Close() })
	return rc
}

func freePort(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to find free port: %v", err)
	}
	defer ln.Close()
	_, port, _ := net.SplitHostPort(ln.Addr().String())
	return port
}

// buildAndStartServer builds cmd/quota-engine into a temp dir, starts it on a free port
// with the given QE_* overrides and returns once /healthz answers.
func buildAndStartServer(t *testing.T, env ...string) *runningServer {
	t.Helper()

	port := freePort(t)
	exe := filepath.Join(t.TempDir(), exeName("quota-engine"))
	build := exec.Command("go", "build", "-o", exe, "quotaengine/cmd/quota-engine")
	build.Stdout = os.Stdout
	build.Stderr = os.Stderr
	if err := build.Run(); err != nil {
		t.Fatalf("failed to build server: %v", err)
	}

	cmd := exec.Command(exe)
	cmd.Env = append(os.Environ(),
		"QE_LISTEN_ADDRESS=127.0.0.1:"+port,
		"QE_REDIS_ADDR="+redisAddr,
		"QE_DURABLE_ADAPTER=memory",
		"QE_RECONCILE_INTERVAL=1h",
	)
	cmd.Env = append(cmd.Env, env...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		t.Fatalf("StdoutPipe: %v", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		t.Fatalf("StderrPipe: %v", err)
	}
	logC := make(chan string, 1024)
	go scanLines(stdout, logC)
	go scanLines(stderr, logC)

	if err := cmd.Start(); err != nil {
		t.Fatalf("failed to start server: %v", err)
	}
	t.Cleanup(func() {
		_ = cmd.Process.Kill()
		_, _ = cmd.Process.Wait()
	})

	_ = waitForLog(logC, "quota engine listening", 5*time.Second)
	base := "http://127.0.0.1:" + port
	client := &http.Client{Timeout: 500 * time.Millisecond}
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := client.Get(base + "/healthz")
		if err == nil {
			resp.Body.Close()
			return &runningServer{cmd: cmd, baseURL: base, logLinesC: logC}
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("server did not become ready")
	return nil
}

// scanLines forwards every line of the child's output to out.
func scanLines(r io.ReadCloser, out chan<- string) {
	s := bufio.NewScanner(r)
	for s.Scan() {
		select {
		case out <- s.Text():
		default:
		}
	}
}

// waitForLog blocks until a line containing needle appears or timeout elapses.
func waitForLog(logC <-chan string, needle string, timeout time.Duration) bool {
	deadline := time.After(timeout)
	for {
		select {
		case line := <-logC:
			if strings.Contains(line, needle) {
				return true
			}
		case <-deadline:
			return false
		}
	}
}

func exeName(base string) string {
	if runtime.GOOS == "windows" {
		return base + ".exe"
	}
	return base
}

var userSeq atomic.Int64

// uniqueUser returns a user id no earlier run has touched and clears its key afterwards.
func uniqueUser(t *testing.T, rc *redis.Client) string {
	t.Helper()
	id := fmt.Sprintf("e2e-%d-%d", time.Now().UnixNano(), userSeq.Add(1))
	t.Cleanup(func() { rc.Del(context.Background(), "user:"+id) })
	return id
}

// --- Tests ---

func TestE2E_LimitHeadersAnd429(t *testing.T) {
	rc := requireRedis(t)
	rs := buildAndStartServer(t, "QE_TIER_LIMITS=free:5")
	user := uniqueUser(t, rc)

	client := &http.Client{Timeout: 3 * time.Second}
	url := rs.baseURL + "/usage/increment?tier=free&user_id=" + user
	for i := 1; i <= 6; i++ {
		resp, err := client.Post(url, "application/json", nil)
		if err != nil {
			t.Fatalf("request %d: %v", i, err)
		}
		_ = resp.Body.Close()
		if i <= 5 && resp.StatusCode != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, resp.StatusCode)
		}
		if i == 6 {
			if resp.StatusCode != http.StatusTooManyRequests {
				t.Fatalf("expected 429 past the daily limit, got %d", resp.StatusCode)
			}
			if resp.Header.Get("X-RateLimit-Limit") != "5" || resp.Header.Get("X-RateLimit-Remaining") != "0" {
				t.Fatalf("unexpected headers %v", resp.Header)
			}
			if resp.Header.Get("Retry-After") == "" {
				t.Fatalf("missing Retry-After")
			}
		}
	}

	got, err := rc.HGet(context.Background(), "user:"+user, "requests_today").Result()
	if err != nil || got != "6" {
		t.Fatalf("expected 6 counted requests, got %q (%v)", got, err)
	}
}

func TestE2E_ManyUsersConcurrent(t *testing.T) {
	rc := requireRedis(t)
	rs := buildAndStartServer(t)

	const users, perUser = 20, 10
	ids := make([]string, users)
	for i := range ids {
		ids[i] = uniqueUser(t, rc)
	}

	client := &http.Client{Timeout: 5 * time.Second}
	var wg sync.WaitGroup
	errs := make(chan error, users*perUser)
	for _, id := range ids {
		for j := 0; j < perUser; j++ {
			wg.Add(1)
			go func(id string) {
				defer wg.Done()
				resp, err := client.Post(rs.baseURL+"/usage/increment?user_id="+id, "application/json", nil)
				if err != nil {
					errs <- err
					return
				}
				_ = resp.Body.Close()
			}(id)
		}
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("request failed: %v", err)
	}

	for _, id := range ids {
		got, err := rc.HGet(context.Background(), "user:"+id, "requests_today").Result()
		if err != nil || got != fmt.Sprint(perUser) {
			t.Fatalf("user %s: expected %d requests, got %q (%v)", id, perUser, got, err)
		}
	}
}

func TestE2E_RateLimitByAddress(t *testing.T) {
	rc := requireRedis(t)
	rs := buildAndStartServer(t, "QE_RATE_LIMIT_WINDOW=10s", "QE_RATE_LIMIT_MAX=3")
	ip := fmt.Sprintf("198.51.100.%d", time.Now().UnixNano()%250+1)
	t.Cleanup(func() { rc.Del(context.Background(), "rate:ip:"+ip) })

	client := &http.Client{Timeout: 3 * time.Second}
	codes := make([]int, 0, 4)
	for i := 0; i < 4; i++ {
		resp, err := client.Get(rs.baseURL + "/ratelimit?ip=" + ip)
		if err != nil {
			t.Fatalf("request %d: %v", i, err)
		}
		_ = resp.Body.Close()
		codes = append(codes, resp.StatusCode)
	}
	if codes[0] != 200 || codes[2] != 200 || codes[3] != http.StatusTooManyRequests {
		t.Fatalf("unexpected status sequence %v", codes)
	}
}

func TestE2E_MetricsEndpoint(t *testing.T) {
	rc := requireRedis(t)
	metricsPort := freePort(t)
	rs := buildAndStartServer(t, "QE_METRICS_ADDRESS=127.0.0.1:"+metricsPort)
	user := uniqueUser(t, rc)

	client := &http.Client{Timeout: 3 * time.Second}
	resp, err := client.Get(rs.baseURL + "/usage?user_id=" + user)
	if err != nil {
		t.Fatalf("usage request: %v", err)
	}
	_ = resp.Body.Close()

	resp, err = client.Get("http://127.0.0.1:" + metricsPort + "/metrics")
	if err != nil {
		t.Fatalf("metrics request: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	for _, name := range []string{"quota_flushes_total", "quota_outcomes_total"} {
		if !strings.Contains(string(body), name) {
			t.Fatalf("metrics output missing %s", name)
		}
	}
}

func TestE2E_ShutdownRunsFinalReconcile(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("SIGINT delivery is not supported on windows")
	}
	rc := requireRedis(t)
	rs := buildAndStartServer(t)
	user := uniqueUser(t, rc)

	client := &http.Client{Timeout: 3 * time.Second}
	resp, err := client.Post(rs.baseURL+"/usage/increment?user_id="+user, "application/json", nil)
	if err != nil {
		t.Fatalf("increment: %v", err)
	}
	_ = resp.Body.Close()

	if err := rs.cmd.Process.Signal(syscall.SIGINT); err != nil {
		t.Fatalf("signal: %v", err)
	}
	if !waitForLog(rs.logLinesC, "final reconciliation complete", 10*time.Second) {
		t.Fatalf("final reconciliation was not logged")
	}
}
