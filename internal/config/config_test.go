package config

import "testing"

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate, got: %v", err)
	}
}

func TestValidateRejectsBadMode(t *testing.T) {
	cfg := Default()
	cfg.Runtime.InitialListenMode = "bogus"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for invalid listen mode")
	}
}

func TestValidateRejectsMaxLessThanMin(t *testing.T) {
	cfg := Default()
	cfg.Audio.MinDuration = 5
	cfg.Audio.MaxDuration = 1
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error when max_duration <= min_duration")
	}
}

func TestValidateChecksTargets(t *testing.T) {
	cfg := Default()
	cfg.Targets = []TargetSeed{
		{Name: "astraea", BaseURL: "not a url", Phrases: []string{"hey astraea"}},
	}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for malformed target base_url")
	}

	cfg.Targets = []TargetSeed{
		{Name: "astraea", BaseURL: "http://localhost:9001", Phrases: nil},
	}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for target with no phrases")
	}
}

func TestValidateRejectsEmptyDBPath(t *testing.T) {
	cfg := Default()
	cfg.Store.DBPath = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for empty db_path")
	}
}
