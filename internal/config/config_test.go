package config

import "testing"

func TestLoadDoesNotInjectWeakAuthDefaults(t *testing.T) {
	t.Setenv("AUTH_SECRET", "")

	cfg := Load()
	if cfg.AuthSecret != "" {
		t.Fatalf("expected empty AUTH_SECRET when unset, got %q", cfg.AuthSecret)
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("PORT", "")
	t.Setenv("IVA_DEFAULT_PERCENT", "")
	t.Setenv("CREDIT_STRICT_VALIDATION", "")
	t.Setenv("REPORT_STATEMENT_TIMEOUT_MS", "")

	cfg := Load()
	if cfg.Port != "8080" {
		t.Fatalf("expected default port 8080, got %q", cfg.Port)
	}
	if !cfg.IVADefaultPercent.IsZero() {
		t.Fatalf("expected zero default IVA, got %s", cfg.IVADefaultPercent)
	}
	if cfg.CreditStrictValidation {
		t.Fatalf("expected permissive credit mode by default")
	}
	if cfg.ReportStatementTimeoutMS != 5000 {
		t.Fatalf("expected 5000ms statement timeout default, got %d", cfg.ReportStatementTimeoutMS)
	}
}

func TestLoadParsesOverrides(t *testing.T) {
	t.Setenv("IVA_DEFAULT_PERCENT", "16")
	t.Setenv("CREDIT_STRICT_VALIDATION", "true")
	t.Setenv("REPORT_CACHE_TTL_SECONDS", "60")

	cfg := Load()
	if cfg.IVADefaultPercent.String() != "16" {
		t.Fatalf("expected IVA 16, got %s", cfg.IVADefaultPercent)
	}
	if !cfg.CreditStrictValidation {
		t.Fatalf("expected strict credit mode")
	}
	if cfg.ReportCacheTTLSeconds != 60 {
		t.Fatalf("expected cache TTL 60, got %d", cfg.ReportCacheTTLSeconds)
	}
}
