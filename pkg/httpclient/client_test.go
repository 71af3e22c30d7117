package httpclient

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func fastConfig() Config {
	cfg := DefaultConfig()
	cfg.RetryBackoff = 5 * time.Millisecond
	cfg.MaxBackoff = 20 * time.Millisecond
	return cfg
}

func TestNew_InvalidConfig(t *testing.T) {
	cases := map[string]func(*Config){
		"zero timeout":     func(c *Config) { c.Timeout = 0 },
		"negative retries": func(c *Config) { c.RetryAttempts = -1 },
		"zero backoff":     func(c *Config) { c.RetryBackoff = 0 },
		"max below base":   func(c *Config) { c.MaxBackoff = time.Millisecond; c.RetryBackoff = time.Second },
		"no user agent":    func(c *Config) { c.UserAgent = "" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := DefaultConfig()
			mutate(&cfg)
			if _, err := New(cfg); err == nil {
				t.Errorf("expected error for %s", name)
			}
		})
	}
}

func TestClient_SetsUserAgent(t *testing.T) {
	var got string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("User-Agent")
	}))
	defer server.Close()

	client, err := New(fastConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	resp, err := client.Get(server.URL)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()

	if got != "lattice/1.0" {
		t.Errorf("expected User-Agent lattice/1.0, got %q", got)
	}
}

func TestClient_RetriesPutWithBody(t *testing.T) {
	var attempts int32
	var lastBody string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		lastBody = string(data)
		if atomic.AddInt32(&attempts, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer server.Close()

	client, err := New(fastConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	req, _ := http.NewRequest(http.MethodPut, server.URL, bytes.NewReader([]byte("payload")))
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		t.Errorf("expected 201, got %d", resp.StatusCode)
	}
	if attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts)
	}
	if lastBody != "payload" {
		t.Errorf("body was not replayed, got %q", lastBody)
	}
}

func TestClient_DoesNotRetryPost(t *testing.T) {
	var attempts int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	client, err := New(fastConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	resp, err := client.Post(server.URL, "application/json", strings.NewReader("{}"))
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()
	if attempts != 1 {
		t.Errorf("expected 1 attempt, got %d", attempts)
	}
}

func TestClient_NoRetryOn4xx(t *testing.T) {
	var attempts int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusGone)
	}))
	defer server.Close()

	client, _ := New(fastConfig())
	resp, err := client.Get(server.URL)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()
	if attempts != 1 {
		t.Errorf("expected 1 attempt, got %d", attempts)
	}
}

func TestRetryTransport_Backoff(t *testing.T) {
	rt := newRetryTransport(nil, Config{RetryAttempts: 3, RetryBackoff: 100 * time.Millisecond, MaxBackoff: 250 * time.Millisecond})
	for attempt, min := range map[int]time.Duration{1: 100 * time.Millisecond, 2: 200 * time.Millisecond, 3: 250 * time.Millisecond} {
		d := rt.calculateBackoff(attempt)
		if d < min || d > min+min/5 {
			t.Errorf("attempt %d: backoff %v outside [%v, %v]", attempt, d, min, min+min/5)
		}
	}
}

func TestRetryTransport_ParseRetryAfter(t *testing.T) {
	rt := newRetryTransport(nil, DefaultConfig())
	resp := &http.Response{Header: http.Header{"Retry-After": []string{"2"}}}
	if got := rt.parseRetryAfter(resp); got != 2*time.Second {
		t.Errorf("expected 2s, got %v", got)
	}
	resp.Header.Set("Retry-After", "soon")
	if got := rt.parseRetryAfter(resp); got != 0 {
		t.Errorf("expected 0 for invalid header, got %v", got)
	}
}

func TestSanitizeURL(t *testing.T) {
	u, _ := url.Parse("https://user:pw@worker:9090/v1/assets/x?token=abc&page=2")
	got := sanitizeURL(u)
	if strings.Contains(got, "abc") || strings.Contains(got, "pw") {
		t.Errorf("secrets leaked: %s", got)
	}
	if !strings.Contains(got, "page=2") {
		t.Errorf("non-sensitive param dropped: %s", got)
	}
}
