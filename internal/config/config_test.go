package config

import "testing"

func TestLoad_DefaultsAreValid(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.ServerPort == "" {
		t.Fatalf("expected a default server port")
	}
	if cfg.DefaultFailureMode != "open" {
		t.Fatalf("want default failure mode 'open', got %q", cfg.DefaultFailureMode)
	}
	if cfg.AccessTokenTTL <= 0 || cfg.RefreshTokenTTL <= 0 {
		t.Fatalf("expected positive token lifetimes by default")
	}
}

func TestConfig_ValidateRejectsBadFailureMode(t *testing.T) {
	cfg := &Config{
		DefaultFailureMode: "sideways",
		RepositoryBackend:  "memory",
		AccessTokenTTL:     1,
		RefreshTokenTTL:    1,
		DBMaxOpenConns:     1,
	}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected an error for an invalid failure mode")
	}
}

func TestSplitCSV(t *testing.T) {
	if got := splitCSV(""); got != nil {
		t.Fatalf("want nil for empty input, got %v", got)
	}
	got := splitCSV("a, b ,,c")
	want := []string{"a", "b", "c"}
	if len(got) != len(want) {
		t.Fatalf("want %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("want %v, got %v", want, got)
		}
	}
}
