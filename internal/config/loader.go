package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/parley/internal/recording"
	"github.com/MrWong99/parley/pkg/audio"
)

// envRef matches ${NAME} references.
var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// ${NAME} references are replaced with environment values first; unset
// variables expand to the empty string.
func LoadFromReader(r io.Reader) (*Config, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}
	raw = ExpandEnv(raw, os.LookupEnv)

	cfg := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ExpandEnv replaces every ${NAME} in raw using lookup.
func ExpandEnv(raw []byte, lookup func(string) (string, bool)) []byte {
	return envRef.ReplaceAllFunc(raw, func(m []byte) []byte {
		name := string(envRef.FindSubmatch(m)[1])
		v, ok := lookup(name)
		if !ok {
			slog.Warn("config references unset environment variable", "name", name)
		}
		return []byte(v)
	})
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.LogLevel != "" && !cfg.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("log_level %q is invalid; valid values: debug, info, warn, error", cfg.LogLevel))
	}

	// Backend ↔ realtime
	if cfg.DirectMode() {
		if cfg.Realtime.URL == "" {
			errs = append(errs, errors.New("realtime.url is required when backend.url is not set"))
		}
	} else {
		if err := checkURL("backend.url", cfg.Backend.URL, "http", "https"); err != nil {
			errs = append(errs, err)
		}
		if cfg.Session.ID == "" {
			errs = append(errs, errors.New("session.id is required when backend.url is set"))
		}
		if cfg.Backend.Token == "" {
			slog.Warn("backend.token is empty; requests will be unauthenticated")
		}
	}
	if cfg.Realtime.URL != "" {
		if err := checkURL("realtime.url", cfg.Realtime.URL, "ws", "wss"); err != nil {
			errs = append(errs, err)
		}
	}

	errs = append(errs, nonNegative("backend.timeout", cfg.Backend.Timeout)...)
	errs = append(errs, nonNegative("realtime.dial_timeout", cfg.Realtime.DialTimeout)...)
	errs = append(errs, nonNegative("devices.permission_timeout", cfg.Devices.PermissionTimeout)...)
	errs = append(errs, nonNegative("recording.timeslice", cfg.Recording.Timeslice)...)
	errs = append(errs, nonNegative("recording.finalize_timeout", cfg.Recording.FinalizeTimeout)...)
	errs = append(errs, nonNegative("recording.upload_timeout", cfg.Recording.UploadTimeout)...)

	// Audio
	if cfg.Audio.BlockSize < 0 {
		errs = append(errs, fmt.Errorf("audio.block_size %d must not be negative", cfg.Audio.BlockSize))
	}
	if cfg.Audio.SampleRate != 0 && cfg.Audio.SampleRate != audio.SampleRate {
		errs = append(errs, fmt.Errorf("audio.sample_rate %d is unsupported; the realtime wire format is fixed at %d Hz", cfg.Audio.SampleRate, audio.SampleRate))
	}

	// Recording
	if _, err := recording.Lookup(cfg.Recording.Codecs); err != nil {
		errs = append(errs, fmt.Errorf("recording.codecs: %w", err))
	}
	if cfg.Recording.OutputDir != "" && cfg.Recording.Disabled {
		slog.Warn("recording.output_dir is set but recording is disabled")
	}

	return errors.Join(errs...)
}

func checkURL(field, raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s %q is invalid: %w", field, raw, err)
	}
	for _, s := range schemes {
		if u.Scheme == s && u.Host != "" {
			return nil
		}
	}
	return fmt.Errorf("%s %q must be an absolute %v URL", field, raw, schemes)
}

func nonNegative(field string, d time.Duration) []error {
	if d < 0 {
		return []error{fmt.Errorf("%s %s must not be negative", field, d)}
	}
	return nil
}
