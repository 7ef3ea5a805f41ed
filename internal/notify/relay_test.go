package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestRelay_PostsSignedPayload(t *testing.T) {
	var (
		got     relayPayload
		sig     string
		rawBody []byte
	)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rawBody, _ = io.ReadAll(r.Body)
		_ = json.Unmarshal(rawBody, &got)
		sig = r.Header.Get("X-Signature")
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	r := NewRelay(ts.URL, "s3cret")
	ok, err := r.Send(context.Background(), "owner@example.com", "Alert: x is DOWN!", "body")
	if err != nil || !ok {
		t.Fatalf("send: ok=%v err=%v", ok, err)
	}
	if got.To != "owner@example.com" || got.Subject != "Alert: x is DOWN!" || got.Message != "body" {
		t.Fatalf("unexpected payload: %+v", got)
	}
	if sig == "" || sig != Sign("s3cret", rawBody) {
		t.Fatalf("signature mismatch: %q", sig)
	}
}

func TestRelay_NoSecretNoSignature(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Signature") != "" {
			t.Errorf("unexpected signature header")
		}
	}))
	defer ts.Close()

	if ok, err := NewRelay(ts.URL, "").Send(context.Background(), "a@b.c", "s", "b"); !ok || err != nil {
		t.Fatalf("send: ok=%v err=%v", ok, err)
	}
}

func TestRelay_Failures(t *testing.T) {
	status := http.StatusTooManyRequests
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	}))
	defer ts.Close()
	r := NewRelay(ts.URL, "")

	if _, err := r.Send(context.Background(), "a@b.c", "s", "b"); !errors.Is(err, ErrRelayRateLimited) {
		t.Fatalf("want rate limited, got %v", err)
	}
	status = http.StatusBadGateway
	if ok, err := r.Send(context.Background(), "a@b.c", "s", "b"); ok || err == nil {
		t.Fatalf("want failure on 502, got ok=%v err=%v", ok, err)
	}
	if ok, err := r.Send(context.Background(), "", "s", "b"); ok || err == nil {
		t.Fatalf("want failure on empty recipient, got ok=%v err=%v", ok, err)
	}
}
