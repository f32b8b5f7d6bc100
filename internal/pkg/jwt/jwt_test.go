package jwt

import (
	"testing"
	"time"
)

func TestSignParseRoundTrip(t *testing.T) {
	s := NewSigner("secret")
	token, err := s.Sign("user-1", time.Hour)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	claims, err := s.Parse(token)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if claims.UserID != "user-1" {
		t.Fatalf("expected user-1, got %q", claims.UserID)
	}
}

func TestParseRejects(t *testing.T) {
	s := NewSigner("secret")
	other := NewSigner("other")

	foreign, _ := other.Sign("user-1", time.Hour)
	if _, err := s.Parse(foreign); err == nil {
		t.Fatal("expected signature mismatch")
	}

	expired, _ := s.Sign("user-1", -time.Minute)
	if _, err := s.Parse(expired); err == nil {
		t.Fatal("expected expired token to fail")
	}

	if NewSigner("") != nil {
		t.Fatal("empty secret should disable signing")
	}
	var disabled *Signer
	if _, err := disabled.Sign("u", time.Hour); err == nil {
		t.Fatal("nil signer should refuse to sign")
	}
}
