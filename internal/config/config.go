// Package config provides configuration management for the LacyLights audio server.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds all configuration values for the server.
type Config struct {
	// Server configuration
	Port string
	Env  string

	// LogLevel overrides the environment's default level (debug, info, warn, error).
	LogLevel string

	// Database configuration (runtime settings)
	DatabaseURL string

	// Cue document location
	CuesFile string

	// CORS configuration
	CORSOrigin string

	// Automation WebSocket (Broadcast Hub)
	AutomationEnabled bool
	AutomationPort    int

	// Remote control server
	RemoteEnabled       bool
	RemotePort          int
	RemoteDebounce      time.Duration // Trigger window per cue
	RemoteRelayLockTime time.Duration // Relay lock per cue

	// Mixer integration
	MixerEnabled    bool
	MixerType       string
	MixerIP         string
	MixerPort       int
	MixerListenPort int
	MixerKeepAlive  time.Duration
	MixerBaseCC     int
	MixerMIDIChan   int

	// Waveform generation
	WaveformTimeout    time.Duration
	WaveformMaxRetries int
	WaveformIsolated   bool // Generate peaks in a child process

	// Duration probing
	DurationMaxFileMB int
}

// Load loads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		// Server
		Port:     getEnv("PORT", "4000"),
		Env:      getEnv("ENV", "development"),
		LogLevel: getEnv("LOG_LEVEL", ""),

		// Database
		DatabaseURL: getEnv("DATABASE_URL", "file:./audio.db"),

		// Cues
		CuesFile: getEnv("CUES_FILE", "./cues.json"),

		// CORS
		CORSOrigin: getEnv("CORS_ORIGIN", "http://localhost:3000"),

		// Automation
		AutomationEnabled: getEnvBool("AUTOMATION_ENABLED", true),
		AutomationPort:    getEnvInt("AUTOMATION_PORT", 8877),

		// Remote
		RemoteEnabled:       getEnvBool("REMOTE_ENABLED", true),
		RemotePort:          getEnvInt("REMOTE_PORT", 3000),
		RemoteDebounce:      time.Duration(getEnvInt("REMOTE_DEBOUNCE_MS", 400)) * time.Millisecond,
		RemoteRelayLockTime: time.Duration(getEnvInt("REMOTE_RELAY_LOCK_MS", 1000)) * time.Millisecond,

		// Mixer
		MixerEnabled:    getEnvBool("MIXER_ENABLED", false),
		MixerType:       getEnv("MIXER_TYPE", "behringer_wing"),
		MixerIP:         getEnv("MIXER_IP", ""),
		MixerPort:       getEnvInt("MIXER_PORT", 2223),
		MixerListenPort: getEnvInt("MIXER_LISTEN_PORT", 23456),
		MixerKeepAlive:  getEnvDuration("MIXER_KEEPALIVE", 8*time.Second),
		MixerBaseCC:     getEnvInt("MIXER_BASE_CC", 1),
		MixerMIDIChan:   getEnvInt("MIXER_MIDI_CHANNEL", 1),

		// Waveform
		WaveformTimeout:    getEnvDuration("WAVEFORM_TIMEOUT", 30*time.Second),
		WaveformMaxRetries: getEnvInt("WAVEFORM_MAX_RETRIES", 2),
		WaveformIsolated:   getEnvBool("WAVEFORM_ISOLATED", true),

		// Duration
		DurationMaxFileMB: getEnvInt("DURATION_MAX_FILE_MB", 100),
	}
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// getEnv returns the value of an environment variable or a default value.
func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

// getEnvInt returns the integer value of an environment variable or a default value.
func getEnvInt(key string, defaultValue int) int {
	if value, exists := os.LookupEnv(key); exists {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvBool returns the boolean value of an environment variable or a default value.
func getEnvBool(key string, defaultValue bool) bool {
	if value, exists := os.LookupEnv(key); exists {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

// getEnvDuration parses a Go duration string ("8s", "1500ms") or a default value.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value, exists := os.LookupEnv(key); exists {
		if d, err := time.ParseDuration(value); err == nil && d > 0 {
			return d
		}
	}
	return defaultValue
}
