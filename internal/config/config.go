// Package config provides the configuration schema and loader for parley.
package config

import (
	"log/slog"
	"strings"
	"time"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Level converts l to a [slog.Level]. Unknown and empty values map to info.
func (l LogLevel) Level() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	LogLevel  LogLevel        `yaml:"log_level"`
	Session   SessionConfig   `yaml:"session"`
	Backend   BackendConfig   `yaml:"backend"`
	Realtime  RealtimeConfig  `yaml:"realtime"`
	Audio     AudioConfig     `yaml:"audio"`
	Devices   DevicesConfig   `yaml:"devices"`
	Recording RecordingConfig `yaml:"recording"`
	Archive   ArchiveConfig   `yaml:"archive"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// SessionConfig identifies the conversation to hold.
type SessionConfig struct {
	// ID is the backend session identifier. Required in backend mode; a
	// fresh UUID is generated in direct mode when empty.
	ID string `yaml:"id"`

	Persona PersonaConfig `yaml:"persona"`
}

// PersonaConfig describes the remote agent's role.
type PersonaConfig struct {
	Name string `yaml:"name"`

	// Instructions and Voice are sent in a session.update on connect. When
	// both are empty the remote service defaults apply.
	Instructions string `yaml:"instructions"`
	Voice        string `yaml:"voice"`
}

// BackendConfig points at the session service.
type BackendConfig struct {
	// URL is the API base, e.g. "https://api.example.com/v1". Empty
	// selects direct mode.
	URL string `yaml:"url"`

	// Token is sent as a bearer token.
	Token string `yaml:"token"`

	// Timeout bounds each request. Default: 30s.
	Timeout time.Duration `yaml:"timeout"`
}

// RealtimeConfig configures the duplex connection.
type RealtimeConfig struct {
	// URL is dialled directly when no backend is configured.
	URL string `yaml:"url"`

	// APIKey is sent as a bearer token on the WebSocket handshake.
	APIKey string `yaml:"api_key"`

	// TranscriptionModel enables user transcripts, e.g. "whisper-1".
	TranscriptionModel string `yaml:"transcription_model"`

	// DialTimeout bounds the handshake. Default: 15s.
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

// AudioConfig shapes capture and playback.
type AudioConfig struct {
	// BlockSize is the number of frames per capture block. Default: 480.
	BlockSize int `yaml:"block_size"`

	// SampleRate in Hz. Only 24000 is accepted; the devices resample to it.
	// Default: 24000.
	SampleRate int `yaml:"sample_rate"`

	// InputDevice and OutputDevice name sound devices. Empty selects the
	// system default.
	InputDevice  string `yaml:"input_device"`
	OutputDevice string `yaml:"output_device"`
}

// DevicesConfig controls device acquisition.
type DevicesConfig struct {
	// PermissionTimeout bounds device acquisition. Default: 10s.
	PermissionTimeout time.Duration `yaml:"permission_timeout"`

	// CameraInput is the ffmpeg input for the camera, e.g.
	// "-f v4l2 -i /dev/video0". Empty uses the platform default.
	CameraInput string `yaml:"camera_input"`

	// FFmpegPath is the ffmpeg binary. Default: "ffmpeg" from PATH.
	FFmpegPath string `yaml:"ffmpeg_path"`
}

// CameraArgs splits CameraInput into ffmpeg arguments.
func (d DevicesConfig) CameraArgs() []string {
	return strings.Fields(d.CameraInput)
}

// RecordingConfig controls local recording.
type RecordingConfig struct {
	// Disabled turns recording off.
	Disabled bool `yaml:"disabled"`

	// Codecs is the preference list of MIME types. Default: webm,
	// matroska, ogg/opus, wav.
	Codecs []string `yaml:"codecs"`

	// Timeslice is the chunk interval. Default: 1s.
	Timeslice time.Duration `yaml:"timeslice"`

	// OutputDir also keeps the finalized recording on disk when set.
	OutputDir string `yaml:"output_dir"`

	// FinalizeTimeout bounds waiting for the last chunk. Default: 10s.
	FinalizeTimeout time.Duration `yaml:"finalize_timeout"`

	// UploadTimeout bounds the background upload. Default: 2m.
	UploadTimeout time.Duration `yaml:"upload_timeout"`
}

// ArchiveConfig enables the optional transcript archive.
type ArchiveConfig struct {
	// PostgresDSN is a PostgreSQL connection string. Empty disables the
	// archive.
	PostgresDSN string `yaml:"postgres_dsn"`
}

// TelemetryConfig controls the metrics and health server.
type TelemetryConfig struct {
	// ListenAddr serves /metrics, /healthz, /readyz and /status. Empty
	// disables the server.
	ListenAddr string `yaml:"listen_addr"`
}

// DirectMode reports whether the session connects straight to the realtime
// URL instead of asking the backend for one.
func (c *Config) DirectMode() bool {
	return c.Backend.URL == ""
}
