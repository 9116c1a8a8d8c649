// Package cmd parses the command line.
package cmd

import (
	"fmt"
	"strings"

	"doppler/internal/config"
	"doppler/pkg/build"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// Commands selected on the command line.
const (
	CommandRun     = ""
	CommandList    = "list"
	CommandAnalyze = "analyze"
)

// Options is the parsed command line. Flag values only override the loaded
// configuration when the flag was given explicitly.
type Options struct {
	Command    string
	Files      []string
	ConfigPath string
	Pick       bool

	DeviceID   int
	SampleRate float64
	Units      string
	Strategy   string
	Estimate   string
	Export     bool
	ExportDir  string
	WSAddress  string
	UDPTarget  string
	Verbose    bool

	changed map[string]bool
}

// Apply copies explicitly set flags onto cfg and re-validates it.
func (o *Options) Apply(cfg *config.Config) error {
	if o.changed["device"] {
		cfg.Audio.InputDevice = o.DeviceID
	}
	if o.changed["sample-rate"] {
		cfg.Audio.SampleRate = o.SampleRate
	}
	if o.changed["units"] {
		cfg.Session.Units = strings.ToLower(o.Units)
	}
	if o.changed["strategy"] {
		cfg.Audio.Strategy = o.Strategy
	}
	if o.changed["estimate"] {
		cfg.Estimator.Strategy = o.Estimate
	}
	if o.changed["export"] {
		cfg.Export.Enabled = o.Export
	}
	if o.changed["export-dir"] {
		cfg.Export.OutputDir = o.ExportDir
	}
	if o.changed["ws"] {
		cfg.Transport.WSEnabled = o.WSAddress != ""
		cfg.Transport.WSAddress = o.WSAddress
	}
	if o.changed["udp"] {
		cfg.Transport.UDPEnabled = o.UDPTarget != ""
		cfg.Transport.UDPTargetAddress = o.UDPTarget
	}
	if o.Verbose {
		cfg.Debug = true
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}
	return nil
}

// ParseArgs parses args (without the program name).
func ParseArgs(args []string) (*Options, error) {
	buildInfo := build.GetBuildFlags()
	options := &Options{changed: map[string]bool{}}

	rootCmd := &cobra.Command{
		Use:           buildInfo.Name,
		Short:         build.Description,
		Version:       buildInfo.Version,
		SilenceErrors: true,
		SilenceUsage:  true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd:   true,
			DisableDescriptions: true,
			DisableNoDescFlag:   true,
			HiddenDefaultCmd:    true,
		},
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			options.Command = CommandRun
			return nil
		},
	}
	rootCmd.SetHelpCommand(&cobra.Command{Hidden: true})

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List available audio devices",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			options.Command = CommandList
		},
	}

	analyzeCmd := &cobra.Command{
		Use:   "analyze FILE...",
		Short: "Estimate the speed in recorded WAV, MP3 or FLAC files",
		Args:  cobra.MinimumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			options.Command = CommandAnalyze
			options.Files = args
		},
	}
	rootCmd.AddCommand(listCmd, analyzeCmd)

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&options.ConfigPath, "config", "f", "",
		"Path to a YAML configuration file (default: ./config.yaml or ./doppler.yaml)")

	// Capture
	flags.IntVarP(&options.DeviceID, "device", "d", config.DefaultDeviceID,
		"Input device ID, -1 for the system default. Use 'list' to see available devices.")
	flags.Float64VarP(&options.SampleRate, "sample-rate", "s", config.DefaultSampleRate,
		"Capture rate in Hz")
	flags.StringVar(&options.Strategy, "strategy", config.DefaultStrategy,
		"Capture strategy: auto, callback or blocking")
	rootCmd.Flags().BoolVarP(&options.Pick, "pick", "p", false,
		"Choose the input device interactively before starting")

	// Estimation and display
	flags.StringVarP(&options.Units, "units", "u", config.DefaultUnits,
		"Display units: kmh or mph")
	flags.StringVar(&options.Estimate, "estimate", config.DefaultEstimateStrategy,
		"Estimation strategy: sections or streaming")

	// Export
	flags.BoolVarP(&options.Export, "export", "r", config.DefaultExportEnabled,
		"Save each live recording")
	flags.StringVarP(&options.ExportDir, "export-dir", "o", config.DefaultExportDir,
		"Directory for saved recordings")

	// Transports
	flags.StringVar(&options.WSAddress, "ws", "",
		"Broadcast events over WebSocket on this address, e.g. 127.0.0.1:8080")
	flags.StringVar(&options.UDPTarget, "udp", "",
		"Send status beacons to this UDP address, e.g. 127.0.0.1:9090")

	// Debug
	flags.BoolVarP(&options.Verbose, "verbose", "v", false,
		"Show verbose output")

	if args == nil {
		args = []string{} // cobra falls back to os.Args on nil
	}
	rootCmd.SetArgs(args)
	executed, err := rootCmd.ExecuteC()
	if err != nil {
		return nil, err
	}
	if executed.Flags().Changed("help") || executed.Flags().Changed("version") {
		return nil, nil
	}

	executed.Flags().Visit(func(f *pflag.Flag) {
		options.changed[f.Name] = true
	})
	return options, nil
}
