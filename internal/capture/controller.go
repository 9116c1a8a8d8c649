// SPDX-License-Identifier: MIT
/*
Package capture owns the microphone. It acquires an input device through
PortAudio, picks a capture strategy once per acquisition and delivers mono
float32 SampleFrames to a single consumer.

Strategies:
  - callback: PortAudio drives a callback on its real-time thread
  - blocking: a reader goroutine pulls buffers with Stream.Read

Thread Safety:
  - Controller methods are safe for concurrent use
  - The frame callback never logs or blocks; it copies and hands off
*/
package capture

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"doppler/internal/analysis"
	"doppler/internal/config"
	applog "doppler/internal/log"

	"github.com/gordonklaus/portaudio"
)

var logger = applog.New("capture")

var (
	ErrAccessDenied       = errors.New("microphone access denied")
	ErrDeviceError        = errors.New("audio device error")
	ErrAcquisitionPending = errors.New("input acquisition already in progress")
	ErrNotAcquired        = errors.New("input not acquired")
	ErrAlreadyStreaming   = errors.New("input already streaming")
)

// Controller acquires and streams one input device.
type Controller struct {
	cfg  config.AudioConfig
	host Host

	mu       sync.Mutex
	pending  bool
	acquired bool
	device   *portaudio.DeviceInfo
	params   portaudio.StreamParameters
	strategy string

	stream Stream
	live   *atomic.Bool // Cleared before the stream is stopped.
	stop   chan struct{}
	done   chan struct{}

	seq atomic.Uint64
}

// NewController returns a controller for the device described by cfg. The
// host is not touched until Acquire.
func NewController(cfg config.AudioConfig, host Host) *Controller {
	return &Controller{cfg: cfg, host: host}
}

// Acquire initializes the host, resolves the input device and decides the
// capture strategy. A second call while the first is in flight returns
// ErrAcquisitionPending; calling it when already acquired is a no-op.
func (c *Controller) Acquire() error {
	c.mu.Lock()
	if c.pending {
		c.mu.Unlock()
		return ErrAcquisitionPending
	}
	if c.acquired {
		c.mu.Unlock()
		return nil
	}
	c.pending = true
	c.mu.Unlock()

	device, params, strategy, err := c.acquire()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending = false
	if err != nil {
		return err
	}
	c.acquired = true
	c.device = device
	c.params = params
	c.strategy = strategy
	logger.Infof("acquired %q at %.0f Hz using %s capture", device.Name, params.SampleRate, strategy)
	return nil
}

func (c *Controller) acquire() (*portaudio.DeviceInfo, portaudio.StreamParameters, string, error) {
	var params portaudio.StreamParameters

	if err := c.host.Initialize(); err != nil {
		return nil, params, "", classify(err)
	}

	device, err := inputDevice(c.host, c.cfg.InputDevice)
	if err != nil {
		c.terminate()
		return nil, params, "", classify(err)
	}

	latency := device.DefaultHighInputLatency
	if c.cfg.LowLatency {
		latency = device.DefaultLowInputLatency
	}
	params = portaudio.StreamParameters{
		Input: portaudio.StreamDeviceParameters{
			Device:   device,
			Channels: 1,
			Latency:  latency,
		},
		SampleRate:      c.cfg.SampleRate,
		FramesPerBuffer: c.cfg.FramesPerBuffer,
	}

	if err := c.host.IsFormatSupported(params); err != nil {
		c.terminate()
		return nil, params, "", classify(fmt.Errorf("%.0f Hz mono on %q: %w", c.cfg.SampleRate, device.Name, err))
	}

	strategy, err := c.selectStrategy(params)
	if err != nil {
		c.terminate()
		return nil, params, "", classify(err)
	}
	return device, params, strategy, nil
}

// selectStrategy probes the configured strategy, or both in preference order
// for auto. Probe streams are closed before returning.
func (c *Controller) selectStrategy(params portaudio.StreamParameters) (string, error) {
	probeCallback := func() error {
		s, err := c.host.OpenCallback(params, func([]float32) {})
		if err != nil {
			return err
		}
		return s.Close()
	}
	probeBlocking := func() error {
		s, err := c.host.OpenBlocking(params, make([]float32, params.FramesPerBuffer))
		if err != nil {
			return err
		}
		return s.Close()
	}

	switch c.cfg.Strategy {
	case config.StrategyCallback:
		return config.StrategyCallback, probeCallback()
	case config.StrategyBlocking:
		return config.StrategyBlocking, probeBlocking()
	}

	cbErr := probeCallback()
	if cbErr == nil {
		return config.StrategyCallback, nil
	}
	logger.Warnf("callback capture unavailable, trying blocking reads: %v", cbErr)
	if err := probeBlocking(); err != nil {
		return "", errors.Join(cbErr, err)
	}
	return config.StrategyBlocking, nil
}

// StartStreaming opens a stream with the chosen strategy and calls onFrame for
// every buffer captured until StopStreaming. onFrame must not block.
func (c *Controller) StartStreaming(onFrame func(analysis.SampleFrame)) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.acquired {
		return ErrNotAcquired
	}
	if c.stream != nil {
		return ErrAlreadyStreaming
	}

	live := new(atomic.Bool)
	live.Store(true)
	rate := int(c.params.SampleRate)
	emit := func(in []float32) {
		if !live.Load() {
			return
		}
		samples := make([]float32, len(in))
		copy(samples, in)
		onFrame(analysis.SampleFrame{
			Samples:    samples,
			SampleRate: rate,
			RMS:        analysis.RMS(samples),
			Seq:        c.seq.Add(1),
			CapturedAt: time.Now(),
		})
	}

	var (
		stream Stream
		buf    []float32
		err    error
	)
	if c.strategy == config.StrategyBlocking {
		buf = make([]float32, c.params.FramesPerBuffer)
		stream, err = c.host.OpenBlocking(c.params, buf)
	} else {
		stream, err = c.host.OpenCallback(c.params, emit)
	}
	if err != nil {
		return classify(err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		return classify(err)
	}

	c.stream = stream
	c.live = live
	if c.strategy == config.StrategyBlocking {
		c.stop = make(chan struct{})
		c.done = make(chan struct{})
		go c.readLoop(stream, buf, emit, c.stop, c.done)
	}
	logger.Debugf("streaming started (%s)", c.strategy)
	return nil
}

func (c *Controller) readLoop(stream Stream, buf []float32, emit func([]float32), stop, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-stop:
			return
		default:
		}

		if err := stream.Read(); err != nil {
			if !errors.Is(err, portaudio.InputOverflowed) {
				logger.Errorf("blocking read: %v", err)
				return
			}
			logger.Debugf("input overflowed")
		}
		emit(buf)
	}
}

// StopStreaming stops delivery and closes the stream. No frame is delivered
// after it returns. It is safe to call when not streaming.
func (c *Controller) StopStreaming() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopLocked()
}

func (c *Controller) stopLocked() error {
	if c.stream == nil {
		return nil
	}
	c.live.Store(false)
	if c.stop != nil {
		close(c.stop)
		<-c.done
		c.stop, c.done = nil, nil
	}

	stream := c.stream
	c.stream = nil
	err := stream.Stop()
	if cerr := stream.Close(); cerr != nil && err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("stopping stream: %w", err)
	}
	logger.Debugf("streaming stopped")
	return nil
}

// Release stops any stream and hands the device back to the system. It is
// safe to call repeatedly.
func (c *Controller) Release() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	err := c.stopLocked()
	if !c.acquired {
		return err
	}
	c.acquired = false
	c.device = nil
	c.strategy = ""
	if terr := c.host.Terminate(); terr != nil {
		err = errors.Join(err, terr)
	}
	logger.Infof("input released")
	return err
}

func (c *Controller) terminate() {
	if err := c.host.Terminate(); err != nil {
		logger.Warnf("terminate after failed acquisition: %v", err)
	}
}

// Strategy reports the capture strategy chosen at acquisition, or "" when
// not acquired.
func (c *Controller) Strategy() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.strategy
}

func (c *Controller) Acquired() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.acquired
}

func (c *Controller) Streaming() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stream != nil
}

// DeviceName is the acquired device's name.
func (c *Controller) DeviceName() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.device == nil {
		return ""
	}
	return c.device.Name
}

// Devices lists the host's devices, initializing the host for the duration
// of the call if it is not already acquired.
func (c *Controller) Devices() ([]Device, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.acquired {
		if err := c.host.Initialize(); err != nil {
			return nil, classify(err)
		}
		defer c.terminate()
	}
	return HostDevices(c.host)
}
