// SPDX-License-Identifier: MIT
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	applog "doppler/internal/log"
	"doppler/pkg/bitint"

	"gopkg.in/yaml.v3"
)

// Config represents the main application configuration structure, loaded from YAML.
type Config struct {
	Debug      bool             `yaml:"debug"`      // Enable debug logging.
	LogLevel   string           `yaml:"log_level"`  // debug, info, warn, error.
	Audio      AudioConfig      `yaml:"audio"`      // Capture settings.
	Collection CollectionConfig `yaml:"collection"` // Collection worker settings.
	Sections   SectionsConfig   `yaml:"sections"`   // Approach/recede split.
	Analysis   AnalysisConfig   `yaml:"analysis"`   // Spectral engine.
	Estimator  EstimatorConfig  `yaml:"estimator"`  // Gate thresholds.
	Session    SessionConfig    `yaml:"session"`    // State machine policy.
	Export     ExportConfig     `yaml:"export"`     // Raw recording export.
	Transport  TransportConfig  `yaml:"transport"`  // Event delivery.
}

// AudioConfig holds settings related to audio input.
type AudioConfig struct {
	InputDevice     int     `yaml:"input_device"`      // PortAudio device index (-1 for default).
	SampleRate      float64 `yaml:"sample_rate"`       // Capture rate in Hz.
	FramesPerBuffer int     `yaml:"frames_per_buffer"` // Samples per SampleFrame.
	LowLatency      bool    `yaml:"low_latency"`       // Request the device's low input latency.
	Strategy        string  `yaml:"strategy"`          // auto, callback or blocking.
}

// CollectionConfig holds settings for the collection worker.
type CollectionConfig struct {
	ProgressEvery int `yaml:"progress_every"` // Frames between progress notifications (0 disables).
	QueueSize     int `yaml:"queue_size"`     // Message queue depth between producer and worker.
}

// SectionsConfig holds the section extractor policy.
type SectionsConfig struct {
	EnergyWindow      int           `yaml:"energy_window"`       // Samples per short-term RMS window.
	Guard             time.Duration `yaml:"guard"`               // Excluded span either side of the peak.
	MaxSection        time.Duration `yaml:"max_section"`         // Longest approach/recede section.
	MinRecording      time.Duration `yaml:"min_recording"`       // Shortest usable recording.
	MinSectionSamples int           `yaml:"min_section_samples"` // Shortest usable section.
	ClipLevel         float64       `yaml:"clip_level"`          // |sample| counted as clipped.
	ClipRatio         float64       `yaml:"clip_ratio"`          // Clipped fraction that rejects a recording.
}

// AnalysisConfig holds spectral engine settings.
type AnalysisConfig struct {
	FFTSize  int     `yaml:"fft_size"` // Power of two.
	HopSize  int     `yaml:"hop_size"` // Step between tracked windows.
	Window   string  `yaml:"window"`   // Window function name (Hann, Hamming, ...).
	MinHz    float64 `yaml:"min_hz"`   // Lowest frequency considered for the peak.
	MaxHz    float64 `yaml:"max_hz"`   // Highest frequency considered for the peak.
	Fallback bool    `yaml:"fallback"` // Fall back to the direct DFT engine on failure.
}

// EstimatorConfig holds the estimator policy values. These are empirically
// chosen and meant to be tuned.
type EstimatorConfig struct {
	MagnitudeThreshold float64 `yaml:"magnitude_threshold"`
	RMSThreshold       float64 `yaml:"rms_threshold"`
	MinHistoryFrames   int     `yaml:"min_history_frames"`
	SmoothingWindow    int     `yaml:"smoothing_window"`
	MinShiftHz         float64 `yaml:"min_shift_hz"`
	MinDecreaseHz      float64 `yaml:"min_decrease_hz"`
	SpeedOfSound       float64 `yaml:"speed_of_sound"`
	MinPlausibleKmh    float64 `yaml:"min_plausible_kmh"`
	MaxPlausibleKmh    float64 `yaml:"max_plausible_kmh"`
	Strategy           string  `yaml:"strategy"` // sections or streaming.
}

// SessionConfig holds the session state machine policy.
type SessionConfig struct {
	IdleTimeout      time.Duration `yaml:"idle_timeout"`      // Release the device after this much inactivity (0 disables).
	ProgressInterval time.Duration `yaml:"progress_interval"` // Estimation elapsed-time notification period.
	Units            string        `yaml:"units"`             // kmh or mph.
}

// ExportConfig holds settings related to raw recording export.
type ExportConfig struct {
	Enabled   bool     `yaml:"enabled"`
	OutputDir string   `yaml:"output_dir"`
	Formats   []string `yaml:"formats"` // Container preference order.
}

// TransportConfig holds settings related to sending session events.
type TransportConfig struct {
	WSEnabled        bool          `yaml:"ws_enabled"`         // Broadcast events over WebSocket.
	WSAddress        string        `yaml:"ws_address"`         // Listen address for /ws.
	UDPEnabled       bool          `yaml:"udp_enabled"`        // Send status beacons over UDP.
	UDPTargetAddress string        `yaml:"udp_target_address"` // e.g. "127.0.0.1:9090".
	UDPSendInterval  time.Duration `yaml:"udp_send_interval"`  // Interval between beacons.
}

// LoadConfig loads configuration from a YAML file specified by path. If path is empty,
// it searches default locations ("config.yaml", "doppler.yaml"). If no file is found it
// uses built-in defaults. After loading, it applies environment variable overrides and
// validates the final configuration.
func LoadConfig(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		for _, candidate := range []string{"config.yaml", "doppler.yaml"} {
			if _, err := os.Stat(candidate); err == nil {
				path = candidate
				break
			}
		}
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	// Apply environment variable overrides AFTER loading from file.
	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate reports every problem found, joined into one error.
func (c *Config) Validate() error {
	var errs []error

	if c.Audio.SampleRate < MinSampleRate || c.Audio.SampleRate > MaxSampleRate {
		errs = append(errs, fmt.Errorf("audio.sample_rate %.0f outside [%d, %d]", c.Audio.SampleRate, MinSampleRate, MaxSampleRate))
	}
	if c.Audio.FramesPerBuffer <= 0 || c.Audio.FramesPerBuffer > MaxBufferFrames {
		errs = append(errs, fmt.Errorf("audio.frames_per_buffer %d outside (0, %d]", c.Audio.FramesPerBuffer, MaxBufferFrames))
	}
	if c.Audio.InputDevice < MinDeviceID {
		errs = append(errs, fmt.Errorf("audio.input_device %d is invalid", c.Audio.InputDevice))
	}
	switch c.Audio.Strategy {
	case StrategyAuto, StrategyCallback, StrategyBlocking:
	default:
		errs = append(errs, fmt.Errorf("audio.strategy %q must be auto, callback or blocking", c.Audio.Strategy))
	}

	if c.Collection.QueueSize <= 0 {
		errs = append(errs, errors.New("collection.queue_size must be positive"))
	}
	if c.Collection.ProgressEvery < 0 {
		errs = append(errs, errors.New("collection.progress_every must not be negative"))
	}

	if c.Sections.EnergyWindow <= 1 {
		errs = append(errs, errors.New("sections.energy_window must be greater than 1"))
	}
	if c.Sections.MaxSection <= 0 {
		errs = append(errs, errors.New("sections.max_section must be positive"))
	}
	if c.Sections.MinSectionSamples <= 0 {
		errs = append(errs, errors.New("sections.min_section_samples must be positive"))
	}
	if c.Sections.ClipLevel <= 0 || c.Sections.ClipLevel > 1 {
		errs = append(errs, errors.New("sections.clip_level must be in (0, 1]"))
	}

	if !bitint.IsPowerOfTwo(c.Analysis.FFTSize) || c.Analysis.FFTSize > MaxFFTSize {
		errs = append(errs, fmt.Errorf("analysis.fft_size %d must be a power of 2 up to %d (nearest: %d)",
			c.Analysis.FFTSize, MaxFFTSize, bitint.NearestPowerOfTwo(c.Analysis.FFTSize)))
	}
	if c.Analysis.HopSize <= 0 {
		errs = append(errs, errors.New("analysis.hop_size must be positive"))
	}
	if c.Analysis.MinHz < 0 || c.Analysis.MaxHz <= c.Analysis.MinHz {
		errs = append(errs, fmt.Errorf("analysis band [%.1f, %.1f] Hz is empty", c.Analysis.MinHz, c.Analysis.MaxHz))
	}

	if c.Estimator.SmoothingWindow <= 0 {
		errs = append(errs, errors.New("estimator.smoothing_window must be positive"))
	}
	if c.Estimator.MinHistoryFrames < MinHistoryFloor {
		errs = append(errs, fmt.Errorf("estimator.min_history_frames %d must be at least %d",
			c.Estimator.MinHistoryFrames, MinHistoryFloor))
	}
	if c.Estimator.SpeedOfSound <= 0 {
		errs = append(errs, errors.New("estimator.speed_of_sound must be positive"))
	}
	if c.Estimator.MaxPlausibleKmh <= c.Estimator.MinPlausibleKmh {
		errs = append(errs, errors.New("estimator.max_plausible_kmh must exceed min_plausible_kmh"))
	}
	switch c.Estimator.Strategy {
	case EstimateSections, EstimateStreaming:
	default:
		errs = append(errs, fmt.Errorf("estimator.strategy %q must be sections or streaming", c.Estimator.Strategy))
	}

	switch strings.ToLower(c.Session.Units) {
	case "kmh", "mph":
	default:
		errs = append(errs, fmt.Errorf("session.units %q must be kmh or mph", c.Session.Units))
	}
	if c.Session.IdleTimeout < 0 {
		errs = append(errs, errors.New("session.idle_timeout must not be negative"))
	}

	if c.Transport.WSEnabled && c.Transport.WSAddress == "" {
		errs = append(errs, errors.New("transport.ws_address must be set when WebSocket is enabled"))
	}
	if c.Transport.UDPEnabled {
		if !strings.Contains(c.Transport.UDPTargetAddress, ":") {
			errs = append(errs, fmt.Errorf("transport.udp_target_address '%s' appears invalid (missing port?)", c.Transport.UDPTargetAddress))
		}
		if c.Transport.UDPSendInterval <= 0 {
			errs = append(errs, errors.New("transport.udp_send_interval must be positive when UDP is enabled"))
		}
	}

	return errors.Join(errs...)
}

// applyEnvOverrides applies ENV_* variables on top of file or default values.
// Unparseable values are ignored with a warning.
func (cfg *Config) applyEnvOverrides() {
	// ENV_DEBUG
	if val, ok := os.LookupEnv("ENV_DEBUG"); ok {
		if bVal, err := strconv.ParseBool(val); err == nil {
			cfg.Debug = bVal
			applog.Infof("configuration: overriding debug from env: %v", bVal)
		} else {
			applog.Warnf("configuration: ignoring ENV_DEBUG=%q", val)
		}
	}
	// ENV_LOG_LEVEL
	if val, ok := os.LookupEnv("ENV_LOG_LEVEL"); ok {
		cfg.LogLevel = val
	}
	// ENV_UNITS
	if val, ok := os.LookupEnv("ENV_UNITS"); ok {
		cfg.Session.Units = strings.ToLower(val)
	}
	// ENV_IDLE_TIMEOUT
	if val, ok := os.LookupEnv("ENV_IDLE_TIMEOUT"); ok {
		if dur, err := time.ParseDuration(val); err == nil {
			cfg.Session.IdleTimeout = dur
		} else {
			applog.Warnf("configuration: ignoring ENV_IDLE_TIMEOUT=%q", val)
		}
	}

	// ENV_WS_{...}

	if val, ok := os.LookupEnv("ENV_WS_ENABLED"); ok {
		if bVal, err := strconv.ParseBool(val); err == nil {
			cfg.Transport.WSEnabled = bVal
		}
	}
	if val, ok := os.LookupEnv("ENV_WS_ADDRESS"); ok {
		cfg.Transport.WSAddress = val
	}

	// ENV_UDP_{...}

	if val, ok := os.LookupEnv("ENV_UDP_ENABLED"); ok {
		if bVal, err := strconv.ParseBool(val); err == nil {
			cfg.Transport.UDPEnabled = bVal
		}
	}
	if val, ok := os.LookupEnv("ENV_UDP_TARGET_ADDRESS"); ok {
		cfg.Transport.UDPTargetAddress = val
	}
	if val, ok := os.LookupEnv("ENV_UDP_SEND_INTERVAL"); ok {
		if dur, err := time.ParseDuration(val); err == nil {
			cfg.Transport.UDPSendInterval = dur
		}
	}
}

// Level resolves the configured log level, with Debug taking precedence.
func (c *Config) Level() applog.LogLevel {
	if c.Debug {
		return applog.LevelDebug
	}
	level, _ := applog.ParseLevel(c.LogLevel)
	return level
}
