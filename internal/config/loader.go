package config

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML file at path (if it exists) over [Default], then
// applies every ECHONET_* environment variable on top, and validates the
// result. A missing path is not an error: EchoNet can run purely from
// environment variables per spec.md §6.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("config: open %s: %w", path, err)
			}
		} else {
			defer f.Close()
			if err := LoadFromReader(f, cfg); err != nil {
				return nil, fmt.Errorf("config: load %s: %w", path, err)
			}
		}
	}

	ApplyEnv(cfg, os.LookupEnv)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: invalid configuration: %w", err)
	}
	return cfg, nil
}

// LoadFromReader decodes YAML from r into cfg, rejecting unknown fields.
func LoadFromReader(r io.Reader, cfg *Config) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && err != io.EOF {
		return fmt.Errorf("config: decode: %w", err)
	}
	return nil
}

// LookupEnvFunc matches the signature of os.LookupEnv; accepting it as a
// parameter keeps ApplyEnv testable without mutating the real environment.
type LookupEnvFunc func(key string) (string, bool)

const envPrefix = "ECHONET_"

// ApplyEnv overlays every ECHONET_* variable from spec.md §6 onto cfg.
// Unset variables leave the existing value (YAML or [Default]) untouched.
func ApplyEnv(cfg *Config, lookup LookupEnvFunc) {
	str := func(key string, dst *string) {
		if v, ok := lookup(envPrefix + key); ok {
			*dst = v
		}
	}
	fl := func(key string, dst *float64) {
		if v, ok := lookup(envPrefix + key); ok {
			if n, err := strconv.ParseFloat(v, 64); err == nil {
				*dst = n
			}
		}
	}
	in := func(key string, dst *int) {
		if v, ok := lookup(envPrefix + key); ok {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	bl := func(key string, dst *bool) {
		if v, ok := lookup(envPrefix + key); ok {
			if b, err := strconv.ParseBool(v); err == nil {
				*dst = b
			}
		}
	}

	str("DB_PATH", &cfg.Store.DBPath)
	str("API_KEY", &cfg.Auth.APIKey)
	str("ADMIN_KEY", &cfg.Auth.AdminKey)

	in("AUDIO_DEVICE_INDEX", &cfg.Audio.DeviceIndex)
	in("AUDIO_SAMPLE_RATE", &cfg.Audio.SampleRate)
	in("AUDIO_CHANNELS", &cfg.Audio.Channels)
	fl("AUDIO_SILENCE_DURATION", &cfg.Audio.SilenceDuration)
	fl("AUDIO_MIN_DURATION", &cfg.Audio.MinDuration)
	fl("AUDIO_MAX_DURATION", &cfg.Audio.MaxDuration)
	fl("AUDIO_ENERGY_THRESHOLD", &cfg.Audio.EnergyThreshold)
	bl("AUDIO_USE_ML_VAD", &cfg.Audio.UseMLVAD)
	str("AUDIO_SILERO_MODEL_PATH", &cfg.Audio.SileroModelPath)
	str("AUDIO_SILERO_LIB_PATH", &cfg.Audio.SileroLibPath)
	fl("AUDIO_SILERO_THRESHOLD", &cfg.Audio.SileroThreshold)

	str("INITIAL_LISTEN_MODE", &cfg.Runtime.InitialListenMode)
	str("SOURCE_ID", &cfg.Runtime.SourceID)
	str("ROOM", &cfg.Runtime.Room)

	str("WHISPER_MODEL", &cfg.Transcriber.Model)
	str("WHISPER_DEVICE", &cfg.Transcriber.Device)
	str("WHISPER_COMPUTE_TYPE", &cfg.Transcriber.ComputeType)
	str("WHISPER_LANGUAGE", &cfg.Transcriber.Language)

	in("SESSION_TTL_SECONDS", &cfg.Session.TTLSeconds)
	if v, ok := lookup(envPrefix + "CANCEL_PHRASES"); ok {
		cfg.Session.CancelPhrases = splitCSV(v)
	}
}

// splitCSV splits a comma-separated list, trimming whitespace and dropping
// empty entries.
func splitCSV(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
