package main

import (
	"strings"
	"testing"

	"colosso/backend/internal/config"
)

func TestValidateSecurityConfigRejectsShortSecret(t *testing.T) {
	cfg := config.Config{AuthSecret: "too-short"}
	if err := validateSecurityConfig(cfg); err == nil {
		t.Fatalf("expected error for short AUTH_SECRET")
	}
}

func TestValidateSecurityConfigAcceptsLongSecret(t *testing.T) {
	cfg := config.Config{AuthSecret: strings.Repeat("s", 32)}
	if err := validateSecurityConfig(cfg); err != nil {
		t.Fatalf("expected 32-char AUTH_SECRET to pass, got %v", err)
	}
}
