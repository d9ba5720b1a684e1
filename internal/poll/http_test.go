package poll

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestHTTPSource_Fetch(t *testing.T) {
	var gotPath, gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.EscapedPath()
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"power": 87, "usage_history": [{"data": "[1,2,3]"}]}`))
	}))
	defer srv.Close()

	src := NewHTTPSource(srv.URL+"/", "secret", time.Second, 100)
	defer src.Close()

	snap, err := src.Fetch(context.Background(), "AA:BB:CC")
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if gotPath != "/devices/AA:BB:CC" {
		t.Errorf("request path = %q", gotPath)
	}
	if gotAuth != "Bearer secret" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if snap["power"] != float64(87) {
		t.Errorf("power = %v, want 87", snap["power"])
	}
	if _, ok := snap["usage_history"]; !ok {
		t.Error("usage_history should be passed through")
	}
}

func TestHTTPSource_BadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	src := NewHTTPSource(srv.URL, "", time.Second, 100)
	_, err := src.Fetch(context.Background(), "dev")
	if !errors.Is(err, ErrBadStatus) {
		t.Errorf("Fetch() error = %v, want ErrBadStatus", err)
	}
}

func TestHTTPSource_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	addr := srv.URL
	srv.Close()

	src := NewHTTPSource(addr, "", time.Second, 100)
	_, err := src.Fetch(context.Background(), "dev")
	if !errors.Is(err, ErrDeviceUnreachable) {
		t.Errorf("Fetch() error = %v, want ErrDeviceUnreachable", err)
	}
}

func TestHTTPSource_Cancelled(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-block:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(block)

	src := NewHTTPSource(srv.URL, "", 5*time.Second, 100)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := src.Fetch(ctx, "dev")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Fetch() error = %v, want context.DeadlineExceeded", err)
	}
}
