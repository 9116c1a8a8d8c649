package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"doppler/internal/analysis"
	"doppler/internal/collect"
	"doppler/internal/config"
	"doppler/internal/doppler"
	"doppler/internal/observe"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

type fakeInput struct {
	mu         sync.Mutex
	acquireErr error
	gate       chan struct{} // When set, Acquire blocks until it is closed.
	entered    chan struct{}
	onFrame    func(analysis.SampleFrame)
	acquires   int
	releases   int
	stops      int
}

func (f *fakeInput) Acquire() error {
	if f.gate != nil {
		f.entered <- struct{}{}
		<-f.gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.acquireErr != nil {
		return f.acquireErr
	}
	f.acquires++
	return nil
}

func (f *fakeInput) StartStreaming(onFrame func(analysis.SampleFrame)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onFrame = onFrame
	return nil
}

func (f *fakeInput) StopStreaming() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.onFrame != nil {
		f.stops++
	}
	f.onFrame = nil
	return nil
}

func (f *fakeInput) Release() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.releases++
	return nil
}

// fire delivers n frames of size samples each, as the capture callback would.
func (f *fakeInput) fire(n, size int) {
	f.mu.Lock()
	onFrame := f.onFrame
	f.mu.Unlock()
	for i := 0; i < n; i++ {
		samples := make([]float32, size)
		for j := range samples {
			samples[j] = float32(i) / 100
		}
		onFrame(analysis.SampleFrame{Samples: samples, SampleRate: config.DefaultSampleRate, Seq: uint64(i + 1)})
	}
}

func (f *fakeInput) counts() (acquires, releases int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.acquires, f.releases
}

type fakeEstimator struct {
	mu     sync.Mutex
	result doppler.Result
	hold   chan struct{} // When set, Run waits for it or for cancellation.
	runs   int
	got    collect.Recording
	ctxErr error
}

func (e *fakeEstimator) Run(ctx context.Context, rec collect.Recording) (doppler.Result, error) {
	e.mu.Lock()
	e.runs++
	e.got = rec
	hold := e.hold
	e.mu.Unlock()

	if hold != nil {
		select {
		case <-hold:
		case <-ctx.Done():
			e.mu.Lock()
			e.ctxErr = ctx.Err()
			e.mu.Unlock()
			return doppler.Result{}, ctx.Err()
		}
	}
	return e.result, nil
}

func (e *fakeEstimator) snapshot() (int, collect.Recording, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.runs, e.got, e.ctxErr
}

type recordingSink struct {
	NopSink
	mu       sync.Mutex
	states   []State
	results  []string
	errs     []error
	progress int
	released int
}

func (s *recordingSink) StateChanged(_ string, _, to State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states = append(s.states, to)
}

func (s *recordingSink) EstimationProgress(string, time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.progress++
}

func (s *recordingSink) Result(_ string, _ doppler.Result, display string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = append(s.results, display)
}

func (s *recordingSink) Error(_ string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs = append(s.errs, err)
}

func (s *recordingSink) Released() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.released++
}

type sinkSnapshot struct {
	states   []State
	results  []string
	errs     []error
	progress int
	released int
}

func (s *recordingSink) snapshot() sinkSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sinkSnapshot{
		states:   append([]State(nil), s.states...),
		results:  append([]string(nil), s.results...),
		errs:     append([]error(nil), s.errs...),
		progress: s.progress,
		released: s.released,
	}
}

type fakeRecorder struct {
	mu       sync.Mutex
	samples  int
	finished bool
	aborted  bool
}

func (r *fakeRecorder) Begin(string, int) error { return nil }

func (r *fakeRecorder) Write(f analysis.SampleFrame) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.samples += len(f.Samples)
	return nil
}

func (r *fakeRecorder) Finish() (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finished = true
	return "/tmp/doppler-recording-test.wav", nil
}

func (r *fakeRecorder) Abort() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.aborted = true
}

var okResult = doppler.Result{Estimate: &doppler.Estimate{Kmh: 72.4, Strategy: doppler.StrategySections}}

type harness struct {
	m     *Machine
	input *fakeInput
	est   *fakeEstimator
	sink  *recordingSink
}

func newHarness(t *testing.T, mutate func(*config.Config, *Deps)) *harness {
	t.Helper()
	cfg := config.Default()
	cfg.Session.IdleTimeout = 0
	cfg.Session.ProgressInterval = 0

	h := &harness{
		input: &fakeInput{},
		est:   &fakeEstimator{result: okResult},
		sink:  &recordingSink{},
	}
	mp := sdkmetric.NewMeterProvider()
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	metrics, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatal(err)
	}
	deps := Deps{Input: h.input, Estimator: h.est, Events: h.sink, Metrics: metrics}
	if mutate != nil {
		mutate(cfg, &deps)
	}
	h.m = NewMachine(cfg, deps)
	t.Cleanup(func() { h.m.Close() })
	return h
}

func waitState(t *testing.T, m *Machine, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if m.State() == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("state = %s, want %s", m.State(), want)
}

// waitResults blocks until the sink has seen n results, which also means it
// has seen every state change before them.
func waitResults(t *testing.T, s *recordingSink, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(s.snapshot().results) >= n {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("sink saw %d results, want %d", len(s.snapshot().results), n)
}

func TestMachine_Lifecycle(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	if err := h.m.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if got := h.m.State(); got != Collecting {
		t.Fatalf("State() = %s, want collecting", got)
	}
	h.input.fire(10, 100)

	if err := h.m.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	waitState(t, h.m, Resulted)
	waitResults(t, h.sink, 1)

	_, rec, _ := h.est.snapshot()
	if len(rec.Samples) != 1000 || rec.Frames != 10 {
		t.Errorf("estimator got %d samples in %d frames", len(rec.Samples), rec.Frames)
	}
	if rec.Samples[100] != 0.01 {
		t.Errorf("frames out of order: sample[100] = %v", rec.Samples[100])
	}

	result, ok := h.m.Result()
	if !ok || !result.OK() {
		t.Fatalf("Result() = %+v, %v", result, ok)
	}
	if got := h.m.Display(); got != "72 km/h" {
		t.Errorf("Display() = %q", got)
	}

	want := []State{AcquiringInput, Collecting, Stopped, Estimating, Resulted}
	states := h.sink.snapshot().states
	if len(states) != len(want) {
		t.Fatalf("states = %v, want %v", states, want)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Errorf("states[%d] = %s, want %s", i, states[i], want[i])
		}
	}

	// Resulted goes back to Idle on the next start.
	if err := h.m.Start(ctx); err != nil {
		t.Fatalf("second Start() error = %v", err)
	}
	if _, ok := h.m.Result(); ok {
		t.Error("result survived a new start")
	}
}

func TestMachine_ToggleUnitsDoesNotReestimate(t *testing.T) {
	h := newHarness(t, nil)

	if err := h.m.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	h.input.fire(1, 10)
	if err := h.m.Stop(); err != nil {
		t.Fatal(err)
	}
	waitState(t, h.m, Resulted)

	if u := h.m.ToggleUnits(); u != Mph {
		t.Fatalf("ToggleUnits() = %s", u)
	}
	if got := h.m.Display(); got != "45 mph" {
		t.Errorf("Display() = %q, want 45 mph", got)
	}
	h.m.ToggleUnits()
	if got := h.m.Display(); got != "72 km/h" {
		t.Errorf("Display() = %q, want 72 km/h", got)
	}
	if runs, _, _ := h.est.snapshot(); runs != 1 {
		t.Errorf("estimator ran %d times", runs)
	}
}

func TestMachine_SingleSession(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	if err := h.m.Start(ctx); err != nil {
		t.Fatal(err)
	}
	h.input.fire(3, 50)

	if err := h.m.Start(ctx); !errors.Is(err, ErrSessionActive) {
		t.Fatalf("Start() while collecting = %v, want ErrSessionActive", err)
	}
	if _, err := h.m.AnalyzeRecording(ctx, collect.Recording{}); !errors.Is(err, ErrSessionActive) {
		t.Fatalf("AnalyzeRecording() while collecting = %v", err)
	}

	h.input.fire(2, 50)
	if err := h.m.Stop(); err != nil {
		t.Fatal(err)
	}
	waitState(t, h.m, Resulted)

	if _, rec, _ := h.est.snapshot(); len(rec.Samples) != 250 {
		t.Errorf("rejected start disturbed the buffer: %d samples", len(rec.Samples))
	}
	if acquires, _ := h.input.counts(); acquires != 1 {
		t.Errorf("input acquired %d times", acquires)
	}
}

func TestMachine_AcquireFailure(t *testing.T) {
	errDenied := errors.New("microphone access denied")
	h := newHarness(t, nil)
	h.input.acquireErr = errDenied

	err := h.m.Start(context.Background())
	if !errors.Is(err, errDenied) {
		t.Fatalf("Start() = %v, want ErrAccessDenied", err)
	}
	if got := h.m.State(); got != Idle {
		t.Errorf("State() = %s, want idle", got)
	}
	snap := h.sink.snapshot()
	if len(snap.errs) != 1 || !errors.Is(snap.errs[0], errDenied) {
		t.Errorf("errors = %v", snap.errs)
	}

	// Recoverable: the next start succeeds.
	h.input.mu.Lock()
	h.input.acquireErr = nil
	h.input.mu.Unlock()
	if err := h.m.Start(context.Background()); err != nil {
		t.Errorf("Start() after failure = %v", err)
	}
}

func TestMachine_AbandonEstimation(t *testing.T) {
	for _, abandon := range []string{"reset", "stop"} {
		t.Run(abandon, func(t *testing.T) {
			h := newHarness(t, nil)
			release := make(chan struct{})
			h.est.hold = release

			if err := h.m.Start(context.Background()); err != nil {
				t.Fatal(err)
			}
			h.input.fire(1, 10)
			if err := h.m.Stop(); err != nil {
				t.Fatal(err)
			}
			waitState(t, h.m, Estimating)

			var err error
			if abandon == "reset" {
				err = h.m.Reset()
			} else {
				err = h.m.Stop()
			}
			if err != nil {
				t.Fatalf("%s error = %v", abandon, err)
			}
			if got := h.m.State(); got != Idle {
				t.Fatalf("State() = %s, want idle", got)
			}

			deadline := time.Now().Add(time.Second)
			for time.Now().Before(deadline) {
				if _, _, ctxErr := h.est.snapshot(); ctxErr != nil {
					break
				}
				time.Sleep(time.Millisecond)
			}
			if _, _, ctxErr := h.est.snapshot(); !errors.Is(ctxErr, context.Canceled) {
				t.Errorf("estimation not cancelled: %v", ctxErr)
			}
			close(release)

			time.Sleep(10 * time.Millisecond)
			if got := h.m.State(); got != Idle {
				t.Errorf("abandoned estimation changed state to %s", got)
			}
			if len(h.sink.snapshot().results) != 0 {
				t.Error("abandoned estimation published a result")
			}
		})
	}
}

func TestMachine_LateResultDiscarded(t *testing.T) {
	h := newHarness(t, nil)
	release := make(chan struct{})
	h.est.hold = release

	if err := h.m.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	h.input.fire(1, 10)
	if err := h.m.Stop(); err != nil {
		t.Fatal(err)
	}
	waitState(t, h.m, Estimating)
	if err := h.m.Reset(); err != nil {
		t.Fatal(err)
	}

	// A new session starts before the old estimator notices.
	if err := h.m.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	close(release)
	time.Sleep(10 * time.Millisecond)

	if got := h.m.State(); got != Collecting {
		t.Errorf("State() = %s, want collecting", got)
	}
}

func TestMachine_ResetWhileCollecting(t *testing.T) {
	rec := &fakeRecorder{}
	h := newHarness(t, func(_ *config.Config, d *Deps) { d.Recorder = rec })

	if err := h.m.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	h.input.fire(4, 10)
	if err := h.m.Reset(); err != nil {
		t.Fatal(err)
	}
	if got := h.m.State(); got != Idle {
		t.Fatalf("State() = %s", got)
	}
	if runs, _, _ := h.est.snapshot(); runs != 0 {
		t.Error("reset ran the estimator")
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if !rec.aborted || rec.finished {
		t.Errorf("export aborted=%v finished=%v", rec.aborted, rec.finished)
	}
}

func TestMachine_Export(t *testing.T) {
	rec := &fakeRecorder{}
	h := newHarness(t, func(_ *config.Config, d *Deps) { d.Recorder = rec })

	if err := h.m.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	h.input.fire(5, 20)
	if err := h.m.Stop(); err != nil {
		t.Fatal(err)
	}
	waitState(t, h.m, Resulted)

	if got := h.m.ExportPath(); got != "/tmp/doppler-recording-test.wav" {
		t.Errorf("ExportPath() = %q", got)
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.samples != 100 {
		t.Errorf("exported %d samples, want 100", rec.samples)
	}
}

func TestMachine_IdleRelease(t *testing.T) {
	h := newHarness(t, func(c *config.Config, _ *Deps) { c.Session.IdleTimeout = 20 * time.Millisecond })

	if err := h.m.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	time.Sleep(60 * time.Millisecond)
	if _, releases := h.input.counts(); releases != 0 {
		t.Fatal("device released while collecting")
	}

	h.input.fire(1, 10)
	if err := h.m.Stop(); err != nil {
		t.Fatal(err)
	}
	waitState(t, h.m, Resulted)

	deadline := time.Now().Add(time.Second)
	for h.sink.snapshot().released == 0 && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	if h.m.DeviceHeld() {
		t.Fatal("device not released after idle timeout")
	}
	if got := h.sink.snapshot().released; got != 1 {
		t.Errorf("released events = %d", got)
	}

	// The next start re-acquires transparently.
	if err := h.m.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if acquires, releases := h.input.counts(); acquires != 2 || releases != 1 {
		t.Errorf("acquires=%d releases=%d", acquires, releases)
	}
}

func TestMachine_TouchPostponesRelease(t *testing.T) {
	h := newHarness(t, func(c *config.Config, _ *Deps) { c.Session.IdleTimeout = 40 * time.Millisecond })

	if err := h.m.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := h.m.Reset(); err != nil {
		t.Fatal(err)
	}
	for range 5 {
		time.Sleep(15 * time.Millisecond)
		h.m.Touch()
	}
	if !h.m.DeviceHeld() {
		t.Error("device released despite activity")
	}
}

func TestMachine_EstimationProgress(t *testing.T) {
	h := newHarness(t, func(c *config.Config, _ *Deps) { c.Session.ProgressInterval = 5 * time.Millisecond })
	release := make(chan struct{})
	h.est.hold = release

	if err := h.m.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	h.input.fire(1, 10)
	if err := h.m.Stop(); err != nil {
		t.Fatal(err)
	}
	time.Sleep(40 * time.Millisecond)
	close(release)
	waitState(t, h.m, Resulted)

	if got := h.sink.snapshot().progress; got < 2 {
		t.Errorf("progress events = %d, want several", got)
	}
}

func TestMachine_StopWhenIdle(t *testing.T) {
	h := newHarness(t, nil)
	if err := h.m.Stop(); !errors.Is(err, ErrNotCollecting) {
		t.Errorf("Stop() = %v, want ErrNotCollecting", err)
	}
}

func TestMachine_FailureDisplay(t *testing.T) {
	h := newHarness(t, nil)
	failure := &doppler.Failure{Kind: doppler.NoClearDopplerPattern}
	h.est.result = doppler.Result{Failure: failure}

	result, err := h.m.AnalyzeRecording(context.Background(), collect.Recording{SampleRate: config.DefaultSampleRate})
	if err != nil {
		t.Fatal(err)
	}
	if result.Code() != doppler.E09 {
		t.Errorf("Code() = %s", result.Code())
	}
	if got := h.m.Display(); got != "E09: No clear Doppler pattern found" {
		t.Errorf("Display() = %q", got)
	}
	if got := h.m.State(); got != Resulted {
		t.Errorf("State() = %s", got)
	}
}

func TestMachine_Closed(t *testing.T) {
	h := newHarness(t, nil)
	if err := h.m.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := h.m.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := h.m.Start(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("Start() after Close = %v", err)
	}
	if _, releases := h.input.counts(); releases != 1 {
		t.Errorf("releases = %d", releases)
	}
}

func TestMachine_CloseWhileAcquiring(t *testing.T) {
	h := newHarness(t, nil)
	h.input.gate = make(chan struct{})
	h.input.entered = make(chan struct{}, 1)

	done := make(chan error, 1)
	go func() { done <- h.m.Start(context.Background()) }()
	<-h.input.entered

	if err := h.m.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	close(h.input.gate)

	if err := <-done; !errors.Is(err, ErrClosed) {
		t.Fatalf("Start() = %v, want ErrClosed", err)
	}
	if acquires, releases := h.input.counts(); acquires != 1 || releases != 1 {
		t.Errorf("acquires = %d, releases = %d; device left held", acquires, releases)
	}
	if got := h.m.State(); got != Idle {
		t.Errorf("State() = %s, want Idle", got)
	}
}
