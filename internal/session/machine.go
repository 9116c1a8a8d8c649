// SPDX-License-Identifier: MIT

// Package session runs one measurement at a time: acquire the microphone,
// collect a pass, estimate its speed and hold the result until the next
// start. It also hands the device back to the system after a period of
// inactivity.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"doppler/internal/analysis"
	"doppler/internal/collect"
	"doppler/internal/config"
	"doppler/internal/doppler"
	applog "doppler/internal/log"
	"doppler/internal/observe"

	"github.com/google/uuid"
)

var (
	ErrSessionActive = errors.New("session: a session is already active")
	ErrNotCollecting = errors.New("session: not collecting")
	ErrClosed        = errors.New("session: machine closed")
	ErrNoInput       = errors.New("session: no capture input")
)

var logger = applog.New("session")

// Input is the capture side of a session.
type Input interface {
	Acquire() error
	StartStreaming(onFrame func(analysis.SampleFrame)) error
	StopStreaming() error
	Release() error
}

// Estimator turns a finished recording into a result. The error is only for
// cancellation.
type Estimator interface {
	Run(ctx context.Context, rec collect.Recording) (doppler.Result, error)
}

// Recorder receives a copy of every collected frame.
type Recorder interface {
	Begin(sessionID string, sampleRate int) error
	Write(frame analysis.SampleFrame) error
	Finish() (string, error)
	Abort()
}

// Deps are the collaborators of a Machine. Recorder, Events and Metrics are
// optional; Decode is needed only for AnalyzeFile.
type Deps struct {
	Input     Input
	Estimator Estimator
	Recorder  Recorder
	Events    EventSink
	Metrics   *observe.Metrics
	Decode    func(path string) (collect.Recording, error)
}

// Machine is the session state machine. All methods are safe for concurrent
// use.
type Machine struct {
	cfg       config.SessionConfig
	rate      int
	input     Input
	estimator Estimator
	recorder  Recorder
	events    EventSink
	metrics   *observe.Metrics
	decode    func(string) (collect.Recording, error)
	collector *collect.Collector

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	state      State
	id         string
	gen        uint64
	abandon    context.CancelFunc // Cancels the in-flight estimation.
	result     *doppler.Result
	units      Units
	exportPath string
	tee        *tee
	acquired   bool
	idle       *time.Timer
	closed     bool
}

// NewMachine builds an idle machine.
func NewMachine(cfg *config.Config, deps Deps) *Machine {
	units, err := ParseUnits(cfg.Session.Units)
	if err != nil {
		units = Kmh
	}
	events := deps.Events
	if events == nil {
		events = NopSink{}
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Machine{
		cfg:       cfg.Session,
		rate:      int(cfg.Audio.SampleRate),
		input:     deps.Input,
		estimator: deps.Estimator,
		recorder:  deps.Recorder,
		events:    events,
		metrics:   metrics,
		decode:    deps.Decode,
		ctx:       ctx,
		cancel:    cancel,
		state:     Idle,
		units:     units,
	}
	m.collector = collect.New(cfg.Collection, func(p collect.Progress) {
		m.events.CollectionProgress(m.ID(), p)
	})
	return m
}

// Start begins collecting a new pass. A held result is cleared first. Any
// other non-idle state rejects the request with ErrSessionActive and leaves
// the running session untouched.
func (m *Machine) Start(ctx context.Context) error {
	if m.input == nil {
		return ErrNoInput
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	var transitions [][2]State
	if m.state == Resulted {
		transitions = append(transitions, [2]State{Resulted, Idle})
		m.state = Idle
		m.result = nil
	}
	if m.state != Idle {
		state := m.state
		m.mu.Unlock()
		return fmt.Errorf("%w (%s)", ErrSessionActive, state)
	}
	m.stopIdleLocked()
	m.gen++
	m.id = uuid.NewString()
	m.exportPath = ""
	m.state = AcquiringInput
	id := m.id
	wasAcquired := m.acquired
	m.mu.Unlock()

	for _, t := range transitions {
		m.events.StateChanged(id, t[0], t[1])
	}
	m.events.StateChanged(id, Idle, AcquiringInput)

	if err := m.input.Acquire(); err != nil {
		m.failStart(id, fmt.Errorf("acquiring input: %w", err))
		return err
	}

	// Close may have run while Acquire blocked. Release is idempotent.
	m.mu.Lock()
	closed := m.closed
	if !closed {
		m.acquired = true
	}
	m.mu.Unlock()
	if closed {
		if err := m.input.Release(); err != nil {
			logger.Warnf("session %s: %v", id, err)
		}
		m.failStart(id, ErrClosed)
		return ErrClosed
	}
	if !wasAcquired {
		m.metrics.RecordDevice(ctx, true)
	}

	if err := m.collector.Start(); err != nil {
		m.failStart(id, err)
		return err
	}

	t := m.beginExport(id)
	onFrame := func(f analysis.SampleFrame) {
		m.collector.Push(f)
		t.offer(f)
	}
	if err := m.input.StartStreaming(onFrame); err != nil {
		m.collector.Reset()
		t.abort()
		m.failStart(id, fmt.Errorf("starting capture: %w", err))
		return err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		m.input.StopStreaming()
		t.abort()
		m.failStart(id, ErrClosed)
		return ErrClosed
	}
	m.tee = t
	m.state = Collecting
	m.mu.Unlock()

	m.metrics.RecordSessionStart(ctx, "live")
	m.events.StateChanged(id, AcquiringInput, Collecting)
	logger.Infof("session %s collecting", id)
	return nil
}

// failStart returns an acquiring session to Idle.
func (m *Machine) failStart(id string, err error) {
	m.mu.Lock()
	m.state = Idle
	m.armIdleLocked()
	m.mu.Unlock()

	logger.Errorf("session %s: %v", id, err)
	m.events.StateChanged(id, AcquiringInput, Idle)
	m.events.Error(id, err)
}

// Stop ends collection and starts estimating in the background. Stopping an
// estimation abandons it and returns to Idle.
func (m *Machine) Stop() error {
	m.mu.Lock()
	switch m.state {
	case Estimating:
		m.mu.Unlock()
		return m.Reset()
	case Collecting:
	default:
		m.mu.Unlock()
		return ErrNotCollecting
	}
	m.state = Stopped
	id, gen := m.id, m.gen
	t := m.tee
	m.tee = nil
	m.mu.Unlock()

	m.events.StateChanged(id, Collecting, Stopped)

	if err := m.input.StopStreaming(); err != nil {
		logger.Warnf("session %s: %v", id, err)
	}
	exportPath := t.finish()

	rec, err := m.collector.Stop()
	if err != nil {
		m.mu.Lock()
		m.state = Idle
		m.armIdleLocked()
		m.mu.Unlock()
		m.events.StateChanged(id, Stopped, Idle)
		m.events.Error(id, err)
		return err
	}
	if rec.SampleRate == 0 {
		rec.SampleRate = m.rate
	}
	m.metrics.RecordDropped(m.ctx, rec.Dropped)
	if rec.Dropped > 0 {
		logger.Warnf("session %s: %d frames dropped", id, rec.Dropped)
	}

	ctx, cancel := context.WithCancel(m.ctx)
	m.mu.Lock()
	if m.gen != gen || m.closed {
		m.mu.Unlock()
		cancel()
		return nil
	}
	m.exportPath = exportPath
	m.abandon = cancel
	m.state = Estimating
	m.mu.Unlock()

	m.events.StateChanged(id, Stopped, Estimating)
	go m.estimate(ctx, id, gen, rec, "live")
	return nil
}

// Reset abandons whatever is in progress and returns to Idle. It is rejected
// only while input is being acquired.
func (m *Machine) Reset() error {
	m.mu.Lock()
	from := m.state
	id := m.id
	switch from {
	case Idle:
		m.mu.Unlock()
		return nil
	case AcquiringInput, Stopped:
		m.mu.Unlock()
		return fmt.Errorf("%w (%s)", ErrSessionActive, from)
	case Estimating:
		if m.abandon != nil {
			m.abandon()
			m.abandon = nil
		}
		logger.Infof("session %s: estimation abandoned", id)
	case Collecting:
		t := m.tee
		m.tee = nil
		m.gen++
		m.state = Idle
		m.mu.Unlock()

		if err := m.input.StopStreaming(); err != nil {
			logger.Warnf("session %s: %v", id, err)
		}
		m.collector.Reset()
		t.abort()

		m.mu.Lock()
		m.armIdleLocked()
		m.mu.Unlock()
		m.events.StateChanged(id, from, Idle)
		return nil
	}
	m.gen++
	m.state = Idle
	m.result = nil
	m.armIdleLocked()
	m.mu.Unlock()

	m.events.StateChanged(id, from, Idle)
	return nil
}

// AnalyzeRecording runs rec through the pipeline as a session of its own and
// waits for the result.
func (m *Machine) AnalyzeRecording(ctx context.Context, rec collect.Recording) (doppler.Result, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return doppler.Result{}, ErrClosed
	}
	from := m.state
	if from == Resulted {
		m.state = Idle
		m.result = nil
	}
	if m.state != Idle {
		m.mu.Unlock()
		return doppler.Result{}, fmt.Errorf("%w (%s)", ErrSessionActive, from)
	}
	m.stopIdleLocked()
	m.gen++
	m.id = uuid.NewString()
	m.exportPath = ""
	gen, id := m.gen, m.id
	runCtx, cancel := context.WithCancel(ctx)
	stopOnClose := context.AfterFunc(m.ctx, cancel)
	m.abandon = cancel
	m.state = Estimating
	m.mu.Unlock()
	defer stopOnClose()
	defer cancel()

	m.metrics.RecordSessionStart(ctx, "file")
	m.events.StateChanged(id, from, Estimating)

	result, ok := m.estimate(runCtx, id, gen, rec, "file")
	if !ok {
		if err := ctx.Err(); err != nil {
			return doppler.Result{}, err
		}
		return doppler.Result{}, context.Canceled
	}
	return result, nil
}

// AnalyzeFile decodes path and analyzes it like a live recording.
func (m *Machine) AnalyzeFile(ctx context.Context, path string) (doppler.Result, error) {
	if m.decode == nil {
		return doppler.Result{}, errors.New("session: no decoder configured")
	}
	rec, err := m.decode(path)
	if err != nil {
		return doppler.Result{}, err
	}
	return m.AnalyzeRecording(ctx, rec)
}

// estimate runs the pipeline and publishes the result unless the session
// was abandoned meanwhile. It reports whether the result was kept.
func (m *Machine) estimate(ctx context.Context, id string, gen uint64, rec collect.Recording, source string) (doppler.Result, bool) {
	started := time.Now()
	done := make(chan struct{})
	var wg sync.WaitGroup
	if m.cfg.ProgressInterval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ticker := time.NewTicker(m.cfg.ProgressInterval)
			defer ticker.Stop()
			for {
				select {
				case <-done:
					return
				case <-ctx.Done():
					return
				case <-ticker.C:
					m.events.EstimationProgress(id, time.Since(started))
				}
			}
		}()
	}

	result, err := m.estimator.Run(ctx, rec)
	close(done)
	wg.Wait()
	elapsed := time.Since(started)

	m.mu.Lock()
	if err != nil || m.gen != gen || m.closed {
		m.mu.Unlock()
		logger.Debugf("session %s: discarding abandoned %s estimation", id, source)
		return doppler.Result{}, false
	}
	m.state = Resulted
	m.result = &result
	m.abandon = nil
	display := m.displayLocked()
	m.armIdleLocked()
	m.mu.Unlock()

	outcome, strategy := observe.OutcomeOK, "none"
	if result.OK() {
		strategy = string(result.Estimate.Strategy)
	} else {
		outcome = string(result.Code())
	}
	m.metrics.RecordResult(m.ctx, outcome, strategy, elapsed)

	logger.Infof("session %s: %s in %s", id, display, elapsed.Round(time.Millisecond))
	m.events.StateChanged(id, Estimating, Resulted)
	m.events.Result(id, result, display)
	return result, true
}

// Touch records user activity and restarts the idle countdown.
func (m *Machine) Touch() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.armIdleLocked()
}

// armIdleLocked (re)starts the idle release timer unless collecting.
func (m *Machine) armIdleLocked() {
	m.stopIdleLocked()
	if m.closed || m.cfg.IdleTimeout <= 0 || m.state == Collecting || m.state == AcquiringInput {
		return
	}
	gen := m.gen
	m.idle = time.AfterFunc(m.cfg.IdleTimeout, func() { m.releaseIdle(gen) })
}

func (m *Machine) stopIdleLocked() {
	if m.idle != nil {
		m.idle.Stop()
		m.idle = nil
	}
}

func (m *Machine) releaseIdle(gen uint64) {
	m.mu.Lock()
	if m.closed || !m.acquired || m.gen != gen || m.state == Collecting || m.state == AcquiringInput {
		m.mu.Unlock()
		return
	}
	m.idle = nil
	m.acquired = false
	err := m.input.Release()
	m.mu.Unlock()

	m.metrics.RecordDevice(m.ctx, false)
	if err != nil {
		logger.Warnf("idle release: %v", err)
		m.events.Error(m.ID(), err)
		return
	}
	logger.Infof("input released after %s idle", m.cfg.IdleTimeout)
	m.events.Released()
}

// SetUnits changes the display unit. The held result is not re-estimated.
func (m *Machine) SetUnits(u Units) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.units = u
}

// ToggleUnits flips between km/h and mph and returns the new unit.
func (m *Machine) ToggleUnits() Units {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.units = m.units.Toggle()
	return m.units
}

func (m *Machine) Units() Units {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.units
}

func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// ID is the current or most recent session's identifier.
func (m *Machine) ID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.id
}

// Result returns the held result, if any.
func (m *Machine) Result() (doppler.Result, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.result == nil {
		return doppler.Result{}, false
	}
	return *m.result, true
}

// Display formats the held result in the current units.
func (m *Machine) Display() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.displayLocked()
}

func (m *Machine) displayLocked() string {
	switch {
	case m.result == nil:
		return ""
	case m.result.OK():
		return FormatSpeed(m.result.Estimate.Kmh, m.units)
	default:
		code := m.result.Code()
		return fmt.Sprintf("%s: %s", code, code.Message())
	}
}

// ExportPath is the file written for the last live session, or "".
func (m *Machine) ExportPath() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.exportPath
}

// DeviceHeld reports whether the input device is currently acquired.
func (m *Machine) DeviceHeld() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.acquired
}

// Close abandons any session, releases the device and stops the collector.
func (m *Machine) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.stopIdleLocked()
	if m.abandon != nil {
		m.abandon()
		m.abandon = nil
	}
	t := m.tee
	m.tee = nil
	acquired := m.acquired
	m.acquired = false
	m.mu.Unlock()

	m.cancel()
	t.abort()

	var errs []error
	if m.input != nil {
		if err := m.input.StopStreaming(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := m.collector.Close(); err != nil && !errors.Is(err, collect.ErrClosed) {
		errs = append(errs, err)
	}
	if acquired {
		if err := m.input.Release(); err != nil {
			errs = append(errs, err)
		}
		m.metrics.RecordDevice(context.Background(), false)
	}
	return errors.Join(errs...)
}
