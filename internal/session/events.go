package session

import (
	"time"

	"doppler/internal/collect"
	"doppler/internal/doppler"
)

// State is the session lifecycle position.
type State string

const (
	Idle           State = "idle"
	AcquiringInput State = "acquiring_input"
	Collecting     State = "collecting"
	Stopped        State = "stopped"
	Estimating     State = "estimating"
	Resulted       State = "resulted"
)

// EventSink receives session notifications. Calls are made without the
// machine's lock held, from whichever goroutine caused the event, and must
// not block for long.
type EventSink interface {
	StateChanged(id string, from, to State)
	CollectionProgress(id string, p collect.Progress)
	EstimationProgress(id string, elapsed time.Duration)
	Result(id string, r doppler.Result, display string)
	Error(id string, err error)
	Released()
}

// NopSink discards every event.
type NopSink struct{}

func (NopSink) StateChanged(string, State, State) {}
func (NopSink) CollectionProgress(string, collect.Progress) {}
func (NopSink) EstimationProgress(string, time.Duration) {}
func (NopSink) Result(string, doppler.Result, string) {}
func (NopSink) Error(string, error) {}
func (NopSink) Released() {}

// Fanout delivers every event to each sink in order.
type Fanout []EventSink

func (f Fanout) StateChanged(id string, from, to State) {
	for _, s := range f {
		s.StateChanged(id, from, to)
	}
}

func (f Fanout) CollectionProgress(id string, p collect.Progress) {
	for _, s := range f {
		s.CollectionProgress(id, p)
	}
}

func (f Fanout) EstimationProgress(id string, elapsed time.Duration) {
	for _, s := range f {
		s.EstimationProgress(id, elapsed)
	}
}

func (f Fanout) Result(id string, r doppler.Result, display string) {
	for _, s := range f {
		s.Result(id, r, display)
	}
}

func (f Fanout) Error(id string, err error) {
	for _, s := range f {
		s.Error(id, err)
	}
}

func (f Fanout) Released() {
	for _, s := range f {
		s.Released()
	}
}
