package scoring

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/betterworld-network/marketplace/internal/apperr"
)

func TestClientScore(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/score" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("missing auth header, got %q", got)
		}
		w.Write([]byte(`{"confidence": 0.91, "reasoning": "clear photo", "usage": {"cost_cents": 3}}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "test-key")
	res, err := c.Score(context.Background(), Request{MissionTitle: "Plant trees", EvidenceType: "photo"})
	if err != nil {
		t.Fatalf("score: %v", err)
	}
	if res.Confidence != 0.91 {
		t.Errorf("confidence = %v", res.Confidence)
	}
	if res.Reasoning != "clear photo" {
		t.Errorf("reasoning = %q", res.Reasoning)
	}
	if res.CostCents != 3 {
		t.Errorf("cost = %d", res.CostCents)
	}
}

func TestClientScoreNestedShape(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"result": {"confidence": 0.42, "reasoning": "blurry"}}`))
	}))
	defer srv.Close()

	res, err := NewClient(srv.URL, "k").Score(context.Background(), Request{})
	if err != nil {
		t.Fatalf("score: %v", err)
	}
	if res.Confidence != 0.42 || res.Reasoning != "blurry" {
		t.Errorf("got %+v", res)
	}
}

func TestClientScoreErrors(t *testing.T) {
	t.Run("throttled", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusTooManyRequests)
		}))
		defer srv.Close()
		_, err := NewClient(srv.URL, "k").Score(context.Background(), Request{})
		if !apperr.IsCode(err, apperr.CodeRateLimited) {
			t.Errorf("expected rate_limited, got %v", err)
		}
	})

	t.Run("upstream failure", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		}))
		defer srv.Close()
		_, err := NewClient(srv.URL, "k").Score(context.Background(), Request{})
		if !apperr.IsCode(err, apperr.CodeUnavailable) {
			t.Errorf("expected service_unavailable, got %v", err)
		}
		if !strings.Contains(err.Error(), "502") {
			t.Errorf("status code should land in the message, got %q", err)
		}
	})

	t.Run("missing confidence", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"status": "ok"}`))
		}))
		defer srv.Close()
		_, err := NewClient(srv.URL, "k").Score(context.Background(), Request{})
		if !apperr.IsCode(err, apperr.CodeUnavailable) {
			t.Errorf("expected service_unavailable, got %v", err)
		}
	})
}
