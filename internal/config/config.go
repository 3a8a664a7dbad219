// Package config defines EchoNet's configuration surface: a structural YAML
// file (server address, log level, the seed target list) overlaid by the
// environment variables that are authoritative at runtime per the
// ECHONET_ prefix convention.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ServerConfig holds the HTTP listener configuration.
type ServerConfig struct {
	Addr     string `yaml:"addr"`
	LogLevel string `yaml:"log_level"`
}

// StoreConfig holds the persistent store configuration.
type StoreConfig struct {
	DBPath string `yaml:"db_path"`
}

// AudioConfig holds capture and endpointing defaults. Every field here has
// an ECHONET_AUDIO_* environment override.
type AudioConfig struct {
	DeviceIndex      int     `yaml:"device_index"`
	SampleRate       int     `yaml:"sample_rate"`
	Channels         int     `yaml:"channels"`
	SilenceDuration  float64 `yaml:"silence_duration"`
	MinDuration      float64 `yaml:"min_duration"`
	MaxDuration      float64 `yaml:"max_duration"`
	EnergyThreshold  float64 `yaml:"energy_threshold"`
	UseMLVAD         bool    `yaml:"use_ml_vad"`

	// SileroModelPath and SileroLibPath locate the Silero VAD v5 ONNX model
	// and the onnxruntime shared library. Only consulted in binaries built
	// with -tags silero; ignored (and harmless to leave unset) otherwise.
	SileroModelPath string  `yaml:"silero_model_path"`
	SileroLibPath   string  `yaml:"silero_lib_path"`
	SileroThreshold float64 `yaml:"silero_threshold"`
}

// TranscriberConfig holds whisper model selection.
type TranscriberConfig struct {
	Model       string `yaml:"model"`
	Device      string `yaml:"device"`
	ComputeType string `yaml:"compute_type"`
	Language    string `yaml:"language"`
}

// SessionConfig holds router session defaults.
type SessionConfig struct {
	TTLSeconds    int      `yaml:"ttl_seconds"`
	CancelPhrases []string `yaml:"cancel_phrases"`
}

// AuthConfig holds the static API key pair.
type AuthConfig struct {
	APIKey   string `yaml:"-"`
	AdminKey string `yaml:"-"`
}

// TargetSeed is a target registered at startup unless a target of the same
// name is already persisted.
type TargetSeed struct {
	Name    string   `yaml:"name"`
	BaseURL string   `yaml:"base_url"`
	Phrases []string `yaml:"phrases"`
}

// RuntimeConfig holds startup-only knobs that are not part of the persisted
// settings table (those live in the Store once the process has run once).
type RuntimeConfig struct {
	InitialListenMode string `yaml:"initial_listen_mode"`
	SourceID          string `yaml:"source_id"`
	Room              string `yaml:"room"`
}

// Config is the fully resolved configuration used to wire the application.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Store       StoreConfig       `yaml:"store"`
	Audio       AudioConfig       `yaml:"audio"`
	Transcriber TranscriberConfig `yaml:"transcriber"`
	Session     SessionConfig     `yaml:"session"`
	Runtime     RuntimeConfig     `yaml:"runtime"`
	Auth        AuthConfig        `yaml:"-"`
	Targets     []TargetSeed      `yaml:"targets"`
}

// Default returns a Config populated with the defaults spec.md §6 lists for
// every ECHONET_* variable that has one.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:     ":8080",
			LogLevel: "info",
		},
		Store: StoreConfig{
			DBPath: "echonet.db",
		},
		Audio: AudioConfig{
			DeviceIndex:     -1,
			SampleRate:      16000,
			Channels:        1,
			SilenceDuration: 1.0,
			MinDuration:     0.5,
			MaxDuration:     30,
			EnergyThreshold: 0.01,
			UseMLVAD:        true,
			SileroThreshold: 0.5,
		},
		Transcriber: TranscriberConfig{
			Language: "en",
		},
		Session: SessionConfig{
			TTLSeconds:    25,
			CancelPhrases: DefaultCancelPhrases(),
		},
		Runtime: RuntimeConfig{
			InitialListenMode: "trigger",
			SourceID:          "local",
			Room:              "default",
		},
	}
}

// DefaultCancelPhrases returns the default cancel-phrase list used when
// ECHONET_CANCEL_PHRASES is unset. See SPEC_FULL.md §6, Open Question 3.
func DefaultCancelPhrases() []string {
	return []string{"never mind", "cancel", "stop", "that's all", "nothing"}
}

var validModes = map[string]bool{"inactive": true, "trigger": true, "active": true}

// Validate checks structural invariants that don't depend on reachability
// (no DB open, no network dial — those fail at use time).
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Addr == "" {
		errs = append(errs, errors.New("server.addr must not be empty"))
	}
	if c.Store.DBPath == "" {
		errs = append(errs, errors.New("store.db_path must not be empty"))
	}
	if c.Audio.SampleRate <= 0 {
		errs = append(errs, errors.New("audio.sample_rate must be positive"))
	}
	if c.Audio.Channels <= 0 {
		errs = append(errs, errors.New("audio.channels must be positive"))
	}
	if c.Audio.SilenceDuration <= 0 {
		errs = append(errs, errors.New("audio.silence_duration must be positive"))
	}
	if c.Audio.MinDuration < 0 {
		errs = append(errs, errors.New("audio.min_duration must not be negative"))
	}
	if c.Audio.MaxDuration <= c.Audio.MinDuration {
		errs = append(errs, errors.New("audio.max_duration must exceed audio.min_duration"))
	}
	if c.Session.TTLSeconds <= 0 {
		errs = append(errs, errors.New("session.ttl_seconds must be positive"))
	}
	if !validModes[c.Runtime.InitialListenMode] {
		errs = append(errs, fmt.Errorf("runtime.initial_listen_mode %q is not one of inactive, trigger, active", c.Runtime.InitialListenMode))
	}
	if c.Runtime.SourceID == "" {
		errs = append(errs, errors.New("runtime.source_id must not be empty"))
	}

	for i, t := range c.Targets {
		if strings.TrimSpace(t.Name) == "" {
			errs = append(errs, fmt.Errorf("targets[%d]: name must not be empty", i))
			continue
		}
		if _, err := url.ParseRequestURI(t.BaseURL); err != nil {
			errs = append(errs, fmt.Errorf("targets[%d] %q: base_url invalid: %w", i, t.Name, err))
		}
		if len(t.Phrases) == 0 {
			errs = append(errs, fmt.Errorf("targets[%d] %q: phrases must not be empty", i, t.Name))
		}
	}

	return errors.Join(errs...)
}
