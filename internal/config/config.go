package config

import "time"

// Core configuration constants that define the boundaries and defaults
// for the capture and estimation pipeline.
const (
	// Capture
	DefaultDeviceID        = MinDeviceID // System default input
	DefaultSampleRate      = 44100       // Every source is brought to this rate
	DefaultFramesPerBuffer = 2048        // ~46ms per SampleFrame at 44.1kHz
	DefaultLowLatency      = true
	DefaultStrategy        = StrategyAuto

	// Collection
	DefaultProgressEvery = 20   // Frames between progress notifications
	DefaultQueueSize     = 1024 // Frames buffered between callback and worker

	// Section extraction
	DefaultEnergyWindow = 4096
	DefaultGuard        = 250 * time.Millisecond
	DefaultMaxSection   = 1500 * time.Millisecond
	DefaultMinRecording = 3 * time.Second
	DefaultMinSection   = 4096 // Samples; one FFT window
	DefaultClipLevel    = 0.999
	DefaultClipRatio    = 0.01

	// Spectral analysis
	DefaultFFTSize  = 4096
	DefaultHopSize  = 2048
	DefaultWindow   = "Hamming"
	DefaultMinHz    = 80.0
	DefaultMaxHz    = 4000.0
	DefaultFallback = true

	// Estimator policy values
	DefaultMagnitudeThreshold = 20.0
	DefaultRMSThreshold       = 0.001
	DefaultMinHistoryFrames   = 20
	DefaultSmoothingWindow    = 5
	DefaultMinShiftHz         = 50.0
	DefaultMinDecreaseHz      = 30.0
	DefaultSpeedOfSound       = 343.0 // m/s
	DefaultMinPlausibleKmh    = 1.0
	DefaultMaxPlausibleKmh    = 250.0
	DefaultEstimateStrategy   = EstimateSections

	// Session
	DefaultIdleTimeout      = 60 * time.Second
	DefaultProgressInterval = time.Second
	DefaultUnits            = "kmh"

	// Export
	DefaultExportEnabled = true
	DefaultExportDir     = "./recordings"

	// Transport
	DefaultWSAddress       = "127.0.0.1:8080"
	DefaultUDPTarget       = "127.0.0.1:9090"
	DefaultUDPSendInterval = 250 * time.Millisecond

	// Hardware and processing limits
	MinDeviceID     = -1 // -1 represents system default device
	MinSampleRate   = 8000
	MaxSampleRate   = 192000
	MaxBufferFrames = 8192
	MaxFFTSize      = 65536

	// MinHistoryFloor is the shortest history the pattern check can split
	// into first and last quarters.
	MinHistoryFloor = 4
)

// Capture strategy names accepted by audio.strategy.
const (
	StrategyAuto     = "auto"
	StrategyCallback = "callback"
	StrategyBlocking = "blocking"
)

// Estimation strategy names accepted by estimator.strategy.
const (
	EstimateSections  = "sections"  // Approach/recede peaks from the two sections.
	EstimateStreaming = "streaming" // Max/min of the smoothed peak track.
)

// DefaultExportFormats is the container preference order. Entries the
// exporter cannot produce are skipped during negotiation.
var DefaultExportFormats = []string{"webm", "mp4", "flac", "wav"}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		LogLevel: "info",
		Audio: AudioConfig{
			InputDevice:     DefaultDeviceID,
			SampleRate:      DefaultSampleRate,
			FramesPerBuffer: DefaultFramesPerBuffer,
			LowLatency:      DefaultLowLatency,
			Strategy:        DefaultStrategy,
		},
		Collection: CollectionConfig{
			ProgressEvery: DefaultProgressEvery,
			QueueSize:     DefaultQueueSize,
		},
		Sections: SectionsConfig{
			EnergyWindow:      DefaultEnergyWindow,
			Guard:             DefaultGuard,
			MaxSection:        DefaultMaxSection,
			MinRecording:      DefaultMinRecording,
			MinSectionSamples: DefaultMinSection,
			ClipLevel:         DefaultClipLevel,
			ClipRatio:         DefaultClipRatio,
		},
		Analysis: AnalysisConfig{
			FFTSize:  DefaultFFTSize,
			HopSize:  DefaultHopSize,
			Window:   DefaultWindow,
			MinHz:    DefaultMinHz,
			MaxHz:    DefaultMaxHz,
			Fallback: DefaultFallback,
		},
		Estimator: EstimatorConfig{
			MagnitudeThreshold: DefaultMagnitudeThreshold,
			RMSThreshold:       DefaultRMSThreshold,
			MinHistoryFrames:   DefaultMinHistoryFrames,
			SmoothingWindow:    DefaultSmoothingWindow,
			MinShiftHz:         DefaultMinShiftHz,
			MinDecreaseHz:      DefaultMinDecreaseHz,
			SpeedOfSound:       DefaultSpeedOfSound,
			MinPlausibleKmh:    DefaultMinPlausibleKmh,
			MaxPlausibleKmh:    DefaultMaxPlausibleKmh,
			Strategy:           DefaultEstimateStrategy,
		},
		Session: SessionConfig{
			IdleTimeout:      DefaultIdleTimeout,
			ProgressInterval: DefaultProgressInterval,
			Units:            DefaultUnits,
		},
		Export: ExportConfig{
			Enabled:   DefaultExportEnabled,
			OutputDir: DefaultExportDir,
			Formats:   append([]string(nil), DefaultExportFormats...),
		},
		Transport: TransportConfig{
			WSAddress:        DefaultWSAddress,
			UDPTargetAddress: DefaultUDPTarget,
			UDPSendInterval:  DefaultUDPSendInterval,
		},
	}
}
