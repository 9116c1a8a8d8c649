package capture

import (
	"errors"
	"fmt"

	"doppler/internal/config"

	"github.com/gordonklaus/portaudio"
)

// Stream is the part of a portaudio stream the controller drives. Read is
// only meaningful for blocking streams.
type Stream interface {
	Start() error
	Stop() error
	Close() error
	Read() error
}

// Host is the audio subsystem. PortAudio is the only production host; tests
// substitute a fake.
type Host interface {
	Initialize() error
	Terminate() error
	Devices() ([]*portaudio.DeviceInfo, error)
	DefaultInputDevice() (*portaudio.DeviceInfo, error)
	IsFormatSupported(params portaudio.StreamParameters) error
	// OpenCallback opens a stream that calls process from the real-time
	// audio thread with each buffer of input.
	OpenCallback(params portaudio.StreamParameters, process func(in []float32)) (Stream, error)
	// OpenBlocking opens a stream whose Read fills buf.
	OpenBlocking(params portaudio.StreamParameters, buf []float32) (Stream, error)
}

// PortAudio returns the PortAudio host.
func PortAudio() Host { return portAudioHost{} }

type portAudioHost struct{}

// Initialize sets up the PortAudio subsystem.
// This must be called before any audio operations and paired with a Terminate() call.
func (portAudioHost) Initialize() error {
	if err := portaudio.Initialize(); err != nil {
		return fmt.Errorf("failed to initialize PortAudio: %w", err)
	}
	return nil
}

// Terminate cleanly shuts down the PortAudio subsystem.
func (portAudioHost) Terminate() error {
	if err := portaudio.Terminate(); err != nil {
		return fmt.Errorf("failed to terminate PortAudio: %w", err)
	}
	return nil
}

func (portAudioHost) Devices() ([]*portaudio.DeviceInfo, error) {
	devices, err := portaudio.Devices()
	if err != nil {
		return nil, err
	}
	if devices == nil {
		devices = []*portaudio.DeviceInfo{}
	}
	return devices, nil
}

func (portAudioHost) DefaultInputDevice() (*portaudio.DeviceInfo, error) {
	return portaudio.DefaultInputDevice()
}

func (portAudioHost) IsFormatSupported(params portaudio.StreamParameters) error {
	var probe []float32
	return portaudio.IsFormatSupported(params, probe)
}

func (portAudioHost) OpenCallback(params portaudio.StreamParameters, process func(in []float32)) (Stream, error) {
	return portaudio.OpenStream(params, process)
}

func (portAudioHost) OpenBlocking(params portaudio.StreamParameters, buf []float32) (Stream, error) {
	return portaudio.OpenStream(params, buf)
}

// inputDevice retrieves the audio input device for the given device ID.
// If deviceID is MinDeviceID (-1), returns the system default input device.
// Returns an error if the device ID is invalid, no such device exists, or the
// device has no input channels.
func inputDevice(host Host, deviceID int) (*portaudio.DeviceInfo, error) {
	if deviceID == config.MinDeviceID {
		device, err := host.DefaultInputDevice()
		if err != nil {
			return nil, err
		}
		if device == nil {
			return nil, errors.New("no default input device")
		}
		return device, nil
	}

	devices, err := host.Devices()
	if err != nil {
		return nil, err
	}
	if deviceID < 0 || deviceID >= len(devices) {
		return nil, fmt.Errorf("invalid device ID: %d", deviceID)
	}
	device := devices[deviceID]
	if device.MaxInputChannels < 1 {
		return nil, fmt.Errorf("device %d (%s) does not support input", deviceID, device.Name)
	}
	return device, nil
}

// HostDevices lists every device the host reports. The host must be
// initialized.
func HostDevices(host Host) ([]Device, error) {
	infos, err := host.Devices()
	if err != nil {
		return nil, err
	}
	// A missing default input is not an error for a listing.
	defaultInput, _ := host.DefaultInputDevice()
	return toDevices(infos, defaultInput), nil
}

// classify maps host failures onto the two acquisition errors callers act on.
func classify(err error) error {
	if errors.Is(err, portaudio.DeviceUnavailable) {
		return fmt.Errorf("%w: %w", ErrAccessDenied, err)
	}
	return fmt.Errorf("%w: %w", ErrDeviceError, err)
}
