// Package config loads readaloud settings from defaults, a .env file, the
// YAML config file and READALOUD_* environment variables.
package config

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"github.com/dgnsrekt/readaloud/internal/cache"
	"github.com/dgnsrekt/readaloud/internal/history"
	"github.com/dgnsrekt/readaloud/internal/protocol"
	"github.com/dgnsrekt/readaloud/internal/segment"
	"github.com/dgnsrekt/readaloud/internal/synth"
	"github.com/dgnsrekt/readaloud/internal/telemetry"
	"github.com/dgnsrekt/readaloud/internal/transport"
)

// Playback rate bounds.
const (
	MinPlaybackRate = 0.25
	MaxPlaybackRate = 4.0
)

// MinBusPayload is the smallest accepted bus.max_payload.
const MinBusPayload int64 = 1 << 20

// Config contains all readaloud configuration options.
type Config struct {
	ServerURL    string  `yaml:"server_url" mapstructure:"server_url" env:"SERVER_URL"`
	ChunkMaxLen  int     `yaml:"chunk_max_len" mapstructure:"chunk_max_len" env:"CHUNK_MAX_LEN"`
	PlaybackRate float64 `yaml:"playback_rate" mapstructure:"playback_rate" env:"PLAYBACK_RATE"`
	LogLevel     string  `yaml:"log_level" mapstructure:"log_level" env:"LOG_LEVEL"`

	Voice     VoiceConfig     `yaml:"voice" mapstructure:"voice" envPrefix:"VOICE_"`
	Synth     SynthConfig     `yaml:"synth" mapstructure:"synth" envPrefix:"SYNTH_"`
	Page      PageConfig      `yaml:"page" mapstructure:"page" envPrefix:"PAGE_"`
	Bus       BusConfig       `yaml:"bus" mapstructure:"bus" envPrefix:"BUS_"`
	Cache     CacheConfig     `yaml:"cache" mapstructure:"cache" envPrefix:"CACHE_"`
	History   HistoryConfig   `yaml:"history" mapstructure:"history" envPrefix:"HISTORY_"`
	Telemetry TelemetryConfig `yaml:"telemetry" mapstructure:"telemetry" envPrefix:"TELEMETRY_"`
}

// VoiceConfig selects the default voice for requests that do not name one.
type VoiceConfig struct {
	Mode        string `yaml:"mode" mapstructure:"mode" env:"MODE"`
	Speaker     string `yaml:"speaker" mapstructure:"speaker" env:"SPEAKER"`
	Instruction string `yaml:"instruction" mapstructure:"instruction" env:"INSTRUCTION"`
	ModelSize   string `yaml:"model_size" mapstructure:"model_size" env:"MODEL_SIZE"`

	// RefAudio is a path to the reference recording for clone mode.
	RefAudio string `yaml:"ref_audio" mapstructure:"ref_audio" env:"REF_AUDIO"`
	RefText  string `yaml:"ref_text" mapstructure:"ref_text" env:"REF_TEXT"`
}

// SynthConfig tunes the synthesis client.
type SynthConfig struct {
	Timeout           time.Duration `yaml:"timeout" mapstructure:"timeout" env:"TIMEOUT"`
	RequestsPerSecond float64       `yaml:"requests_per_second" mapstructure:"requests_per_second" env:"REQUESTS_PER_SECOND"`
	Burst             int           `yaml:"burst" mapstructure:"burst" env:"BURST"`
	Speed             float64       `yaml:"speed" mapstructure:"speed" env:"SPEED"`
	Temperature       float64       `yaml:"temperature" mapstructure:"temperature" env:"TEMPERATURE"`
}

// PageConfig tunes source text retrieval.
type PageConfig struct {
	Timeout    time.Duration `yaml:"timeout" mapstructure:"timeout" env:"TIMEOUT"`
	MaxBytes   int64         `yaml:"max_bytes" mapstructure:"max_bytes" env:"MAX_BYTES"`
	Retries    int           `yaml:"retries" mapstructure:"retries" env:"RETRIES"`
	RetryDelay time.Duration `yaml:"retry_delay" mapstructure:"retry_delay" env:"RETRY_DELAY"`
}

// BusConfig selects the message bus. An empty URL embeds a server.
type BusConfig struct {
	URL            string        `yaml:"url" mapstructure:"url" env:"URL"`
	Name           string        `yaml:"name" mapstructure:"name" env:"NAME"`
	RequestTimeout time.Duration `yaml:"request_timeout" mapstructure:"request_timeout" env:"REQUEST_TIMEOUT"`
	// MaxPayload is the largest message in bytes. Enqueue messages carry
	// a whole chunk of audio.
	MaxPayload int64 `yaml:"max_payload" mapstructure:"max_payload" env:"MAX_PAYLOAD"`
}

// CacheConfig sizes the chunk audio cache. Sizes are in megabytes.
type CacheConfig struct {
	Enabled          bool          `yaml:"enabled" mapstructure:"enabled" env:"ENABLED"`
	Dir              string        `yaml:"dir" mapstructure:"dir" env:"DIR"`
	MemoryMB         int64         `yaml:"memory_mb" mapstructure:"memory_mb" env:"MEMORY_MB"`
	DiskMB           int64         `yaml:"disk_mb" mapstructure:"disk_mb" env:"DISK_MB"`
	CompressionLevel int           `yaml:"compression_level" mapstructure:"compression_level" env:"COMPRESSION_LEVEL"`
	TTL              time.Duration `yaml:"ttl" mapstructure:"ttl" env:"TTL"`
}

// HistoryConfig controls the request journal.
type HistoryConfig struct {
	Enabled    bool   `yaml:"enabled" mapstructure:"enabled" env:"ENABLED"`
	Path       string `yaml:"path" mapstructure:"path" env:"PATH"`
	MaxEntries int    `yaml:"max_entries" mapstructure:"max_entries" env:"MAX_ENTRIES"`
}

// TelemetryConfig controls metrics and tracing.
type TelemetryConfig struct {
	MetricsAddr string `yaml:"metrics_addr" mapstructure:"metrics_addr" env:"METRICS_ADDR"`
	Tracing     bool   `yaml:"tracing" mapstructure:"tracing" env:"TRACING"`
}

// DefaultConfig returns a Config with sensible defaults. Paths left empty
// are filled in from the user directories at load time.
func DefaultConfig() Config {
	return Config{
		ServerURL:    synth.DefaultServerURL,
		ChunkMaxLen:  segment.DefaultMaxLen,
		PlaybackRate: 1.0,
		LogLevel:     "info",
		Voice: VoiceConfig{
			Mode:      synth.ModeCustom,
			Speaker:   "Vivian",
			ModelSize: synth.ModelSizeSmall,
		},
		Synth: SynthConfig{
			Timeout: 2 * time.Minute,
			Burst:   1,
		},
		Page: PageConfig{
			Timeout:    8 * time.Second,
			MaxBytes:   8 << 20,
			Retries:    3,
			RetryDelay: 250 * time.Millisecond,
		},
		Bus: BusConfig{
			Name:           "readaloud",
			RequestTimeout: transport.DefaultRequestTimeout,
			MaxPayload:     transport.DefaultMaxPayload,
		},
		Cache: CacheConfig{
			Enabled:          true,
			MemoryMB:         64,
			DiskMB:           512,
			CompressionLevel: 3,
			TTL:              7 * 24 * time.Hour,
		},
		History: HistoryConfig{
			Enabled:    true,
			MaxEntries: 1000,
		},
	}
}

// Validate checks if the configuration is valid and normalizes case-insensitive
// values.
func (c *Config) Validate() error {
	if !strings.HasPrefix(c.ServerURL, "http://") && !strings.HasPrefix(c.ServerURL, "https://") {
		return fmt.Errorf("server_url must be an http(s) URL, got %q", c.ServerURL)
	}
	if c.ChunkMaxLen < 1 {
		return fmt.Errorf("chunk_max_len must be positive, got %d", c.ChunkMaxLen)
	}
	if c.PlaybackRate < MinPlaybackRate || c.PlaybackRate > MaxPlaybackRate {
		return fmt.Errorf("playback_rate must be between %g and %g, got %g",
			MinPlaybackRate, MaxPlaybackRate, c.PlaybackRate)
	}
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid log_level %q: %w", c.LogLevel, err)
	}
	if err := c.Voice.Validate(); err != nil {
		return fmt.Errorf("voice config: %w", err)
	}
	if c.Synth.Timeout < time.Second {
		return fmt.Errorf("synth timeout must be at least 1 second, got %v", c.Synth.Timeout)
	}
	if c.Synth.RequestsPerSecond < 0 {
		return fmt.Errorf("synth requests_per_second cannot be negative, got %g", c.Synth.RequestsPerSecond)
	}
	if c.Page.Retries < 0 {
		return fmt.Errorf("page retries cannot be negative, got %d", c.Page.Retries)
	}
	if c.Bus.MaxPayload < MinBusPayload || c.Bus.MaxPayload > transport.MaxPayloadLimit {
		return fmt.Errorf("bus max_payload must be between %d and %d bytes, got %d",
			MinBusPayload, transport.MaxPayloadLimit, c.Bus.MaxPayload)
	}
	if c.Cache.CompressionLevel < 0 || c.Cache.CompressionLevel > 22 {
		return fmt.Errorf("cache compression_level must be between 0 and 22, got %d", c.Cache.CompressionLevel)
	}
	if c.Cache.MemoryMB < 0 || c.Cache.DiskMB < 0 {
		return fmt.Errorf("cache sizes cannot be negative")
	}
	if c.History.MaxEntries < 0 {
		return fmt.Errorf("history max_entries cannot be negative, got %d", c.History.MaxEntries)
	}
	return nil
}

// Validate checks the voice selection.
func (v *VoiceConfig) Validate() error {
	v.Mode = strings.ToLower(v.Mode)
	switch v.Mode {
	case "", synth.ModeDefault, synth.ModeCustom:
		if v.ModelSize != "" && v.ModelSize != synth.ModelSizeSmall && v.ModelSize != synth.ModelSizeLarge {
			return fmt.Errorf("model_size must be %s or %s, got %q", synth.ModelSizeSmall, synth.ModelSizeLarge, v.ModelSize)
		}
	case synth.ModeDesign:
		if strings.TrimSpace(v.Instruction) == "" {
			return fmt.Errorf("design mode requires an instruction")
		}
	case synth.ModeClone:
		if v.RefAudio == "" {
			return fmt.Errorf("clone mode requires ref_audio")
		}
	default:
		return fmt.Errorf("invalid voice mode %q", v.Mode)
	}
	return nil
}

// Params converts the voice selection into its wire form, reading the
// reference recording for clone mode.
func (v VoiceConfig) Params() (protocol.VoiceParams, error) {
	p := protocol.VoiceParams{
		Mode:        v.Mode,
		Speaker:     v.Speaker,
		Instruction: v.Instruction,
		ModelSize:   v.ModelSize,
		RefText:     v.RefText,
	}
	if v.Mode != synth.ModeClone {
		return p, nil
	}
	audio, err := synth.LoadRefAudio(v.RefAudio)
	if err != nil {
		return p, err
	}
	p.RefAudioB64 = base64.StdEncoding.EncodeToString(audio)
	return p, nil
}

// Level returns the parsed log level, falling back to info.
func (c Config) Level() log.Level {
	lvl, err := log.ParseLevel(c.LogLevel)
	if err != nil {
		return log.InfoLevel
	}
	return lvl
}

// SynthConfig converts to the synthesis client configuration.
func (c Config) SynthConfig(logger *log.Logger) synth.Config {
	return synth.Config{
		ServerURL:         c.ServerURL,
		Timeout:           c.Synth.Timeout,
		RequestsPerSecond: c.Synth.RequestsPerSecond,
		Burst:             c.Synth.Burst,
		Tuning: synth.Tuning{
			Speed:       c.Synth.Speed,
			Temperature: c.Synth.Temperature,
		},
		Logger: logger,
	}
}

// BusConfig converts to the transport configuration.
func (c Config) BusConfig() transport.Config {
	return transport.Config{
		URL:            c.Bus.URL,
		Name:           c.Bus.Name,
		RequestTimeout: c.Bus.RequestTimeout,
		MaxPayload:     c.Bus.MaxPayload,
	}
}

// CacheConfig converts to the cache manager configuration.
func (c Config) CacheConfig() cache.Config {
	cfg := cache.DefaultConfig()
	cfg.MemoryCapacity = c.Cache.MemoryMB << 20
	cfg.DiskCapacity = c.Cache.DiskMB << 20
	cfg.DiskPath = c.Cache.Dir
	cfg.CompressionLevel = c.Cache.CompressionLevel
	cfg.TTL = c.Cache.TTL
	if cfg.TTL <= 0 {
		cfg.CleanupInterval = 0
	}
	return cfg
}

// HistoryConfig converts to the journal configuration.
func (c Config) HistoryConfig() history.Config {
	return history.Config{
		Path:       c.History.Path,
		Ephemeral:  !c.History.Enabled,
		MaxEntries: c.History.MaxEntries,
	}
}

// TelemetryConfig converts to the telemetry configuration.
func (c Config) TelemetryConfig() telemetry.Config {
	return telemetry.Config{
		MetricsAddr: c.Telemetry.MetricsAddr,
		Tracing:     c.Telemetry.Tracing,
	}
}
