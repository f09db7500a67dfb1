package ingest

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"
)

func TestClientRetriesRateLimit(t *testing.T) {
	attempts := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 3 {
			w.WriteHeader(http.StatusTooManyRequests)
			fmt.Fprint(w, `{"code":429,"msg":"rate limit exceeded"}`)
			return
		}
		fmt.Fprint(w, `{"code":0,"data":[1,2,3]}`)
	}))
	defer server.Close()

	client := NewClient(ClientOptions{
		BaseURL:           server.URL,
		RequestsPerSecond: 1000,
		Burst:             1000,
		MaxRetries:        3,
		RetryBaseDelay:    time.Millisecond,
	})
	payload, err := client.Get(context.Background(), pathTicker, url.Values{})
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(payload) != "[1,2,3]" {
		t.Errorf("payload = %s, want [1,2,3]", payload)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

func TestClientSurfacesAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"code":100400,"msg":"symbol not exist"}`)
	}))
	defer server.Close()

	client := NewClient(ClientOptions{BaseURL: server.URL, RequestsPerSecond: 1000, Burst: 1000})
	_, err := client.Get(context.Background(), pathTicker, url.Values{})
	if err == nil {
		t.Fatal("expected error for non-zero api code")
	}
	if !IsSymbolMissing(err) {
		t.Errorf("error %v not recognised as symbol missing", err)
	}
}

func TestClientUnwrapsBareBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[["1718000000000","1","2","3","4","5"]]`)
	}))
	defer server.Close()

	client := NewClient(ClientOptions{BaseURL: server.URL, RequestsPerSecond: 1000, Burst: 1000})
	payload, err := client.Get(context.Background(), pathKlines, url.Values{})
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	rows := normalizeList(payload)
	if len(rows) != 1 {
		t.Errorf("normalized rows = %d, want 1", len(rows))
	}
}
