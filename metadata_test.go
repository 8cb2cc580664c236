package edgeserve

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
)

func TestExternalIPFetchedExactlyOnce(t *testing.T) {
	var hits atomic.Int32
	echo := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Write([]byte("198.51.100.23"))
	}))
	defer echo.Close()

	source := &ExternalIPSource{Endpoint: echo.URL}
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ip, err := source.IP(context.Background())
			if err != nil {
				t.Errorf("IP() error: %v", err)
				return
			}
			if ip != "198.51.100.23" {
				t.Errorf("IP() = %q, want 198.51.100.23", ip)
			}
		}()
	}
	wg.Wait()
	if hits.Load() != 1 {
		t.Fatalf("echo service hit %d times, want 1", hits.Load())
	}
}

func TestExternalIPFailureIsMemoized(t *testing.T) {
	var hits atomic.Int32
	echo := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "nope", http.StatusServiceUnavailable)
	}))
	defer echo.Close()

	source := &ExternalIPSource{Endpoint: echo.URL}
	_, err1 := source.IP(context.Background())
	_, err2 := source.IP(context.Background())
	if err1 == nil || err2 == nil {
		t.Fatal("expected both lookups to fail")
	}
	if err1.Error() != err2.Error() {
		t.Fatalf("errors differ: %v vs %v", err1, err2)
	}
	if hits.Load() != 1 {
		t.Fatalf("echo service hit %d times after a failure, want 1", hits.Load())
	}
}

func TestExternalIPIgnoresCallerCancellation(t *testing.T) {
	echo := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("198.51.100.23"))
	}))
	defer echo.Close()

	source := &ExternalIPSource{Endpoint: echo.URL}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	ip, err := source.IP(ctx)
	if err != nil {
		t.Fatalf("IP() with cancelled caller context: %v", err)
	}
	if ip != "198.51.100.23" {
		t.Fatalf("IP() = %q, want 198.51.100.23", ip)
	}

	// The memoized value must not carry the first caller's cancellation.
	ip, err = source.IP(context.Background())
	if err != nil {
		t.Fatalf("second IP() call: %v", err)
	}
	if ip != "198.51.100.23" {
		t.Fatalf("second IP() = %q, want 198.51.100.23", ip)
	}
}

func TestExternalIPRejectsGarbage(t *testing.T) {
	echo := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html>not an ip</html>"))
	}))
	defer echo.Close()

	source := &ExternalIPSource{Endpoint: echo.URL}
	if _, err := source.IP(context.Background()); err == nil {
		t.Fatal("expected an error for a non-IP body")
	}
}

func TestMetadataSynthesizer(t *testing.T) {
	echo := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("192.0.2.1"))
	}))
	defer echo.Close()

	synth := &MetadataSynthesizer{
		IPSource: &ExternalIPSource{Endpoint: echo.URL},
		Hostname: "app.example.com",
	}
	req := httptest.NewRequest("GET", "http://localhost:8080/x", nil)
	meta, err := synth.Metadata(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if meta.ClientIP != "192.0.2.1" {
		t.Errorf("ClientIP = %q, want 192.0.2.1", meta.ClientIP)
	}
	if meta.Hostname != "app.example.com" {
		t.Errorf("Hostname = %q, want app.example.com", meta.Hostname)
	}
	if meta.Colo == "" || meta.Country == "" || meta.City == "" {
		t.Errorf("geo fields incomplete: %+v", meta)
	}

	// Without an override the Host header wins.
	synth2 := &MetadataSynthesizer{IPSource: synth.IPSource}
	meta2, err := synth2.Metadata(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if meta2.Hostname != "localhost:8080" {
		t.Errorf("Hostname = %q, want localhost:8080", meta2.Hostname)
	}
}
