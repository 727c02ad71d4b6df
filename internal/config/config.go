package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/structaAI/scribe-ai/internal/backoff"
)

// Config represents the complete service configuration
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Auth          AuthConfig          `yaml:"auth"`
	Audio         AudioConfig         `yaml:"audio"`
	Checkpoint    CheckpointConfig    `yaml:"checkpoint"`
	Reconnect     ReconnectConfig     `yaml:"reconnect"`
	Transcription TranscriptionConfig `yaml:"transcription"`
	Summarization SummarizationConfig `yaml:"summarization"`
	Store         StoreConfig         `yaml:"store"`
	Logging       LoggingConfig       `yaml:"logging"`
}

// ServerConfig contains HTTP and websocket server configuration
type ServerConfig struct {
	Port            int    `yaml:"port"`
	BindAddress     string `yaml:"bind_address"`
	MaxSessions     int    `yaml:"max_sessions"`
	ShutdownTimeout int    `yaml:"shutdown_timeout"` // seconds
}

// AuthConfig contains session credential configuration
type AuthConfig struct {
	Secret   string `yaml:"secret"`
	TokenTTL int    `yaml:"token_ttl"` // seconds
}

// AudioConfig contains accepted audio stream parameters
type AudioConfig struct {
	SampleRate       int     `yaml:"sample_rate"`
	Channels         int     `yaml:"channels"`
	BitDepth         int     `yaml:"bit_depth"`
	ChunkMaxDuration float64 `yaml:"chunk_max_duration"` // seconds
	BufferCapacity   int     `yaml:"buffer_capacity"`    // un-acknowledged chunks
}

// CheckpointConfig controls durable resume checkpoint cadence
type CheckpointConfig struct {
	EveryChunks int `yaml:"every_chunks"`
	EverySecs   int `yaml:"every_seconds"`
}

// ReconnectConfig bounds the reconnection window for dropped channels
type ReconnectConfig struct {
	MaxAttempts  int     `yaml:"max_attempts"`
	InitialDelay float64 `yaml:"initial_delay"` // seconds
	MaxDelay     float64 `yaml:"max_delay"`     // seconds
	SweepWindow  int     `yaml:"sweep_window"`  // seconds a session may stay reconnecting
}

// TranscriptionConfig contains streaming transcription service configuration
type TranscriptionConfig struct {
	Endpoint     string  `yaml:"endpoint"`
	APIKey       string  `yaml:"api_key"`
	Model        string  `yaml:"model"`
	Language     string  `yaml:"language"`
	MaxRetries   int     `yaml:"max_retries"`
	InitialDelay float64 `yaml:"initial_delay"` // seconds
	MaxDelay     float64 `yaml:"max_delay"`     // seconds
}

// SummarizationConfig contains summarization service configuration
type SummarizationConfig struct {
	Endpoint     string  `yaml:"endpoint"`
	APIKey       string  `yaml:"api_key"`
	Model        string  `yaml:"model"`
	Timeout      int     `yaml:"timeout"` // seconds
	MaxRetries   int     `yaml:"max_retries"`
	InitialDelay float64 `yaml:"initial_delay"` // seconds
	MaxDelay     float64 `yaml:"max_delay"`     // seconds
}

// StoreConfig contains persistence configuration
type StoreConfig struct {
	Path string `yaml:"path"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server config: %w", err)
	}

	if err := c.Auth.Validate(); err != nil {
		return fmt.Errorf("auth config: %w", err)
	}

	if err := c.Audio.Validate(); err != nil {
		return fmt.Errorf("audio config: %w", err)
	}

	if err := c.Checkpoint.Validate(); err != nil {
		return fmt.Errorf("checkpoint config: %w", err)
	}

	if err := c.Reconnect.Validate(); err != nil {
		return fmt.Errorf("reconnect config: %w", err)
	}

	if err := c.Transcription.Validate(); err != nil {
		return fmt.Errorf("transcription config: %w", err)
	}

	if err := c.Summarization.Validate(); err != nil {
		return fmt.Errorf("summarization config: %w", err)
	}

	if err := c.Store.Validate(); err != nil {
		return fmt.Errorf("store config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	return nil
}

// Validate validates server configuration
func (s *ServerConfig) Validate() error {
	if s.Port < 1 || s.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", s.Port)
	}

	if s.BindAddress == "" {
		return fmt.Errorf("bind_address cannot be empty")
	}

	if s.MaxSessions < 1 {
		return fmt.Errorf("max_sessions must be at least 1, got %d", s.MaxSessions)
	}

	if s.ShutdownTimeout < 1 {
		return fmt.Errorf("shutdown_timeout must be at least 1 second, got %d", s.ShutdownTimeout)
	}

	return nil
}

// Validate validates auth configuration
func (a *AuthConfig) Validate() error {
	if len(a.Secret) < 16 {
		return fmt.Errorf("secret must be at least 16 bytes, got %d", len(a.Secret))
	}

	if a.TokenTTL < 1 {
		return fmt.Errorf("token_ttl must be at least 1 second, got %d", a.TokenTTL)
	}

	return nil
}

// Validate validates audio configuration
func (a *AudioConfig) Validate() error {
	switch a.SampleRate {
	case 8000, 16000, 24000, 44100, 48000:
	default:
		return fmt.Errorf("sample_rate must be one of [8000, 16000, 24000, 44100, 48000], got %d", a.SampleRate)
	}

	if a.Channels < 1 || a.Channels > 2 {
		return fmt.Errorf("channels must be 1 or 2, got %d", a.Channels)
	}

	if a.BitDepth != 16 {
		return fmt.Errorf("bit_depth must be 16, got %d", a.BitDepth)
	}

	if a.ChunkMaxDuration <= 0 || a.ChunkMaxDuration > 30 {
		return fmt.Errorf("chunk_max_duration must be within (0, 30] seconds, got %f", a.ChunkMaxDuration)
	}

	if a.BufferCapacity < 1 {
		return fmt.Errorf("buffer_capacity must be at least 1, got %d", a.BufferCapacity)
	}

	return nil
}

// Validate validates checkpoint configuration
func (c *CheckpointConfig) Validate() error {
	if c.EveryChunks < 1 {
		return fmt.Errorf("every_chunks must be at least 1, got %d", c.EveryChunks)
	}

	if c.EverySecs < 1 {
		return fmt.Errorf("every_seconds must be at least 1, got %d", c.EverySecs)
	}

	return nil
}

// Validate validates reconnect configuration
func (r *ReconnectConfig) Validate() error {
	if err := r.Policy().Validate(); err != nil {
		return err
	}

	if r.SweepWindow < 1 {
		return fmt.Errorf("sweep_window must be at least 1 second, got %d", r.SweepWindow)
	}

	return nil
}

// Validate validates transcription configuration
func (t *TranscriptionConfig) Validate() error {
	if t.Endpoint == "" {
		return fmt.Errorf("endpoint cannot be empty")
	}

	if t.APIKey == "" {
		return fmt.Errorf("api_key cannot be empty")
	}

	return t.Policy().Validate()
}

// Validate validates summarization configuration
func (s *SummarizationConfig) Validate() error {
	if s.Endpoint == "" {
		return fmt.Errorf("endpoint cannot be empty")
	}

	if s.APIKey == "" {
		return fmt.Errorf("api_key cannot be empty")
	}

	if s.Timeout < 1 {
		return fmt.Errorf("timeout must be at least 1 second, got %d", s.Timeout)
	}

	return s.Policy().Validate()
}

// Validate validates store configuration
func (s *StoreConfig) Validate() error {
	if s.Path == "" {
		return fmt.Errorf("path cannot be empty")
	}

	return nil
}

// Validate validates logging configuration
func (l *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[l.Level] {
		return fmt.Errorf("level must be one of [debug, info, warn, error], got '%s'", l.Level)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("format must be 'json' or 'text', got '%s'", l.Format)
	}

	return nil
}

// GetTokenTTL returns the credential lifetime as a time.Duration
func (a *AuthConfig) GetTokenTTL() time.Duration {
	return time.Duration(a.TokenTTL) * time.Second
}

// GetChunkMaxDuration returns the maximum chunk duration as a time.Duration
func (a *AudioConfig) GetChunkMaxDuration() time.Duration {
	return time.Duration(a.ChunkMaxDuration * float64(time.Second))
}

// GetEveryInterval returns the time-based checkpoint cadence as a time.Duration
func (c *CheckpointConfig) GetEveryInterval() time.Duration {
	return time.Duration(c.EverySecs) * time.Second
}

// GetSweepWindow returns the reconnecting sweep window as a time.Duration
func (r *ReconnectConfig) GetSweepWindow() time.Duration {
	return time.Duration(r.SweepWindow) * time.Second
}

// GetShutdownTimeout returns the graceful shutdown budget as a time.Duration
func (s *ServerConfig) GetShutdownTimeout() time.Duration {
	return time.Duration(s.ShutdownTimeout) * time.Second
}

// GetTimeoutDuration returns the summarization request timeout as a time.Duration
func (s *SummarizationConfig) GetTimeoutDuration() time.Duration {
	return time.Duration(s.Timeout) * time.Second
}

// Policy returns the reconnection backoff policy
func (r *ReconnectConfig) Policy() backoff.Policy {
	return backoff.Policy{
		MaxAttempts: r.MaxAttempts,
		Initial:     time.Duration(r.InitialDelay * float64(time.Second)),
		Max:         time.Duration(r.MaxDelay * float64(time.Second)),
	}
}

// Policy returns the transcription retry policy
func (t *TranscriptionConfig) Policy() backoff.Policy {
	return backoff.Policy{
		MaxAttempts: t.MaxRetries,
		Initial:     time.Duration(t.InitialDelay * float64(time.Second)),
		Max:         time.Duration(t.MaxDelay * float64(time.Second)),
	}
}

// Policy returns the summarization retry policy
func (s *SummarizationConfig) Policy() backoff.Policy {
	return backoff.Policy{
		MaxAttempts: s.MaxRetries,
		Initial:     time.Duration(s.InitialDelay * float64(time.Second)),
		Max:         time.Duration(s.MaxDelay * float64(time.Second)),
	}
}
