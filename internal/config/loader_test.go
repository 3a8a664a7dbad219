package config

import (
	"strings"
	"testing"
)

func TestLoadFromReaderOverridesDefaults(t *testing.T) {
	cfg := Default()
	yamlDoc := `
server:
  addr: ":9090"
  log_level: debug
store:
  db_path: /var/lib/echonet/echonet.db
targets:
  - name: astraea
    base_url: "http://localhost:9001"
    phrases: ["hey astraea"]
`
	if err := LoadFromReader(strings.NewReader(yamlDoc), cfg); err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	if cfg.Server.Addr != ":9090" {
		t.Errorf("Server.Addr = %q, want :9090", cfg.Server.Addr)
	}
	if cfg.Store.DBPath != "/var/lib/echonet/echonet.db" {
		t.Errorf("Store.DBPath = %q", cfg.Store.DBPath)
	}
	if len(cfg.Targets) != 1 || cfg.Targets[0].Name != "astraea" {
		t.Errorf("Targets = %+v", cfg.Targets)
	}
}

func TestLoadFromReaderRejectsUnknownFields(t *testing.T) {
	cfg := Default()
	yamlDoc := "server:\n  bogus_field: true\n"
	if err := LoadFromReader(strings.NewReader(yamlDoc), cfg); err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestApplyEnvOverridesYAML(t *testing.T) {
	cfg := Default()
	cfg.Store.DBPath = "from-yaml.db"

	env := map[string]string{
		"ECHONET_DB_PATH":             "from-env.db",
		"ECHONET_AUDIO_SAMPLE_RATE":   "48000",
		"ECHONET_AUDIO_USE_ML_VAD":    "false",
		"ECHONET_SESSION_TTL_SECONDS": "60",
		"ECHONET_CANCEL_PHRASES":      "stop, cancel ,  nevermind",
	}
	lookup := func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}

	ApplyEnv(cfg, lookup)

	if cfg.Store.DBPath != "from-env.db" {
		t.Errorf("Store.DBPath = %q, want from-env.db", cfg.Store.DBPath)
	}
	if cfg.Audio.SampleRate != 48000 {
		t.Errorf("Audio.SampleRate = %d, want 48000", cfg.Audio.SampleRate)
	}
	if cfg.Audio.UseMLVAD {
		t.Error("Audio.UseMLVAD should be false")
	}
	if cfg.Session.TTLSeconds != 60 {
		t.Errorf("Session.TTLSeconds = %d, want 60", cfg.Session.TTLSeconds)
	}
	want := []string{"stop", "cancel", "nevermind"}
	if len(cfg.Session.CancelPhrases) != len(want) {
		t.Fatalf("CancelPhrases = %v", cfg.Session.CancelPhrases)
	}
	for i, p := range want {
		if cfg.Session.CancelPhrases[i] != p {
			t.Errorf("CancelPhrases[%d] = %q, want %q", i, cfg.Session.CancelPhrases[i], p)
		}
	}
}

func TestApplyEnvLeavesUnsetFieldsAlone(t *testing.T) {
	cfg := Default()
	orig := cfg.Audio.SampleRate
	ApplyEnv(cfg, func(string) (string, bool) { return "", false })
	if cfg.Audio.SampleRate != orig {
		t.Errorf("SampleRate changed with no env set: %d", cfg.Audio.SampleRate)
	}
}
