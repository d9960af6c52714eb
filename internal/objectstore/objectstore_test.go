package objectstore

import (
	"strings"
	"testing"
	"time"

	"github.com/betterworld-network/marketplace/internal/apperr"
)

func TestSignAndVerify(t *testing.T) {
	p := NewHMACProvider("https://cdn.betterworld.test", "secret")

	u, err := p.SignURL("evidence/abc.jpg", time.Hour)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if !strings.Contains(u, "/objects/evidence/abc.jpg") {
		t.Errorf("unexpected url %s", u)
	}
	if err := p.Verify(u); err != nil {
		t.Errorf("verify fresh url: %v", err)
	}

	// Tampering with the key breaks the signature.
	if err := p.Verify(strings.Replace(u, "abc", "xyz", 1)); !apperr.IsCode(err, apperr.CodeForbidden) {
		t.Errorf("tampered url should be forbidden, got %v", err)
	}
}

func TestVerifyExpired(t *testing.T) {
	p := NewHMACProvider("https://cdn.betterworld.test", "secret")
	u, err := p.SignURL("evidence/abc.jpg", time.Minute)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	p.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	if err := p.Verify(u); !apperr.IsCode(err, apperr.CodeForbidden) {
		t.Errorf("expired url should be forbidden, got %v", err)
	}
}
