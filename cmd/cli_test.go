package cmd

import (
	"reflect"
	"testing"

	"doppler/internal/config"
)

func TestParseArgs_Commands(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		command string
		files   []string
		wantErr bool
	}{
		{"root", nil, CommandRun, nil, false},
		{"list", []string{"list"}, CommandList, nil, false},
		{"analyze", []string{"analyze", "a.wav", "b.flac"}, CommandAnalyze, []string{"a.wav", "b.flac"}, false},
		{"analyze without files", []string{"analyze"}, "", nil, true},
		{"unknown flag", []string{"--nope"}, "", nil, true},
		{"stray argument", []string{"car.wav"}, "", nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts, err := ParseArgs(tt.args)
			if tt.wantErr {
				if err == nil {
					t.Fatal("ParseArgs() expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseArgs() error = %v", err)
			}
			if opts.Command != tt.command {
				t.Errorf("Command = %q, want %q", opts.Command, tt.command)
			}
			if !reflect.DeepEqual(opts.Files, tt.files) {
				t.Errorf("Files = %v, want %v", opts.Files, tt.files)
			}
		})
	}
}

func TestOptions_ApplyOnlyExplicitFlags(t *testing.T) {
	opts, err := ParseArgs([]string{"analyze", "x.wav"})
	if err != nil {
		t.Fatal(err)
	}

	cfg := config.Default()
	cfg.Session.Units = "mph"
	cfg.Export.Enabled = false
	if err := opts.Apply(cfg); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if cfg.Session.Units != "mph" || cfg.Export.Enabled {
		t.Errorf("defaults overrode the file config: units=%s export=%v", cfg.Session.Units, cfg.Export.Enabled)
	}
}

func TestOptions_Apply(t *testing.T) {
	opts, err := ParseArgs([]string{
		"--device", "3", "--units", "MPH", "--strategy", "blocking",
		"--estimate", "streaming", "--export=false", "--ws", "127.0.0.1:0",
		"--udp", "127.0.0.1:9999", "-v",
	})
	if err != nil {
		t.Fatal(err)
	}

	cfg := config.Default()
	if err := opts.Apply(cfg); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}

	if cfg.Audio.InputDevice != 3 {
		t.Errorf("InputDevice = %d", cfg.Audio.InputDevice)
	}
	if cfg.Session.Units != "mph" {
		t.Errorf("Units = %q", cfg.Session.Units)
	}
	if cfg.Audio.Strategy != config.StrategyBlocking || cfg.Estimator.Strategy != config.EstimateStreaming {
		t.Errorf("strategies = %q/%q", cfg.Audio.Strategy, cfg.Estimator.Strategy)
	}
	if cfg.Export.Enabled {
		t.Error("export still enabled")
	}
	if !cfg.Transport.WSEnabled || cfg.Transport.WSAddress != "127.0.0.1:0" {
		t.Errorf("ws = %v %q", cfg.Transport.WSEnabled, cfg.Transport.WSAddress)
	}
	if !cfg.Transport.UDPEnabled || cfg.Transport.UDPTargetAddress != "127.0.0.1:9999" {
		t.Errorf("udp = %v %q", cfg.Transport.UDPEnabled, cfg.Transport.UDPTargetAddress)
	}
	if !cfg.Debug {
		t.Error("verbose did not enable debug")
	}
}

func TestOptions_ApplyInvalid(t *testing.T) {
	opts, err := ParseArgs([]string{"--strategy", "polling"})
	if err != nil {
		t.Fatal(err)
	}
	if err := opts.Apply(config.Default()); err == nil {
		t.Error("Apply() accepted an unknown capture strategy")
	}
}
