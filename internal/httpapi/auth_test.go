package httpapi

import (
	"strings"
	"testing"
	"time"

	"colosso/backend/internal/domain"
)

func TestTokenRoundTrip(t *testing.T) {
	manager := NewAuthManager("test-secret", time.Hour)

	token, expiresAt, err := manager.Issue(domain.Actor{Username: "admin", Role: "admin"})
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}
	if !expiresAt.After(time.Now()) {
		t.Fatalf("expected future expiry, got %s", expiresAt)
	}

	actor, err := manager.ParseToken(token)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if actor.Username != "admin" || actor.Role != "admin" {
		t.Fatalf("unexpected actor %+v", actor)
	}
}

func TestTokenPreservesRoleClaim(t *testing.T) {
	manager := NewAuthManager("test-secret", time.Hour)

	token, _, err := manager.Issue(domain.Actor{Username: "vendedor", Role: "vendedor"})
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}
	actor, err := manager.ParseToken(token)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if actor.Role != "vendedor" {
		t.Fatalf("expected vendedor role, got %s", actor.Role)
	}
}

func TestTokenRejectsTampering(t *testing.T) {
	manager := NewAuthManager("test-secret", time.Hour)

	token, _, err := manager.Issue(domain.Actor{Username: "admin", Role: "admin"})
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}

	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		t.Fatalf("expected 3 token segments, got %d", len(parts))
	}
	tampered := parts[0] + "." + parts[1] + "." + strings.Repeat("A", len(parts[2]))
	if _, err := manager.ParseToken(tampered); err == nil {
		t.Fatalf("expected tampered token to be rejected")
	}
}

func TestTokenRejectsWrongSecret(t *testing.T) {
	issuer := NewAuthManager("secret-one", time.Hour)
	verifier := NewAuthManager("secret-two", time.Hour)

	token, _, err := issuer.Issue(domain.Actor{Username: "admin", Role: "admin"})
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}
	if _, err := verifier.ParseToken(token); err == nil {
		t.Fatalf("expected token signed with another secret to be rejected")
	}
}

func TestExpiredTokenRejected(t *testing.T) {
	manager := NewAuthManager("test-secret", time.Hour)
	manager.tokenTTL = -time.Minute

	token, _, err := manager.Issue(domain.Actor{Username: "admin", Role: "admin"})
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}
	if _, err := manager.ParseToken(token); err == nil {
		t.Fatalf("expected expired token to be rejected")
	}
}
