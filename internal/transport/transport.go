// Package transport delivers session events to the outside world.
package transport

import (
	"sync"
	"time"

	"doppler/internal/collect"
	"doppler/internal/doppler"
	applog "doppler/internal/log"
	"doppler/internal/session"
)

var logger = applog.New("transport")

// Transport defines a generic interface for sending events.
// Implementations should be thread-safe.
type Transport interface {
	Send(data any) error
	Close() error
}

// Event types.
const (
	EventState      = "state"
	EventCollecting = "collection_progress"
	EventEstimating = "estimation_progress"
	EventResult     = "result"
	EventError      = "error"
	EventReleased   = "released"
)

// Event is the JSON shape of every message sent to clients.
type Event struct {
	Type       string    `json:"type"`
	Session    string    `json:"session,omitempty"`
	Time       time.Time `json:"time"`
	From       string    `json:"from,omitempty"`
	State      string    `json:"state,omitempty"`
	Frames     int       `json:"frames,omitempty"`
	Samples    int       `json:"samples,omitempty"`
	ElapsedMS  int64     `json:"elapsed_ms,omitempty"`
	Kmh        float64   `json:"kmh,omitempty"`
	Confidence float64   `json:"confidence,omitempty"`
	Strategy   string    `json:"strategy,omitempty"`
	Display    string    `json:"display,omitempty"`
	Code       string    `json:"code,omitempty"`
	Message    string    `json:"message,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// Status is the latest known session summary.
type Status struct {
	State   session.State
	Frames  int
	Kmh     float64
	Code    string
	Updated time.Time
}

// EventSink adapts a Transport into a session.EventSink and keeps a Status
// snapshot for periodic publishers.
type EventSink struct {
	t   Transport
	now func() time.Time

	mu     sync.Mutex
	status Status
}

func NewEventSink(t Transport) *EventSink {
	return &EventSink{t: t, now: time.Now, status: Status{State: session.Idle}}
}

// Status returns a copy of the latest summary.
func (s *EventSink) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *EventSink) update(fn func(*Status)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.status)
	s.status.Updated = s.now()
}

func (s *EventSink) send(e Event) {
	e.Time = s.now()
	if err := s.t.Send(e); err != nil {
		logger.Warnf("dropping %s event: %v", e.Type, err)
	}
}

func (s *EventSink) StateChanged(id string, from, to session.State) {
	s.update(func(st *Status) {
		st.State = to
		if to == session.Collecting {
			st.Frames = 0
		}
	})
	s.send(Event{Type: EventState, Session: id, From: string(from), State: string(to)})
}

func (s *EventSink) CollectionProgress(id string, p collect.Progress) {
	s.update(func(st *Status) { st.Frames = p.Frames })
	s.send(Event{Type: EventCollecting, Session: id, Frames: p.Frames, Samples: p.Samples, ElapsedMS: p.Elapsed.Milliseconds()})
}

func (s *EventSink) EstimationProgress(id string, elapsed time.Duration) {
	s.send(Event{Type: EventEstimating, Session: id, ElapsedMS: elapsed.Milliseconds()})
}

func (s *EventSink) Result(id string, r doppler.Result, display string) {
	e := Event{Type: EventResult, Session: id, Display: display}
	if r.OK() {
		e.Kmh = r.Estimate.Kmh
		e.Confidence = r.Estimate.Confidence
		e.Strategy = string(r.Estimate.Strategy)
	} else {
		e.Code = string(r.Code())
		e.Message = r.Code().Message()
	}
	s.update(func(st *Status) {
		st.Kmh = e.Kmh
		st.Code = e.Code
	})
	s.send(e)
}

func (s *EventSink) Error(id string, err error) {
	s.send(Event{Type: EventError, Session: id, Error: err.Error()})
}

func (s *EventSink) Released() {
	s.send(Event{Type: EventReleased})
}

// Multi fans a message out to several transports and reports the first error.
type Multi []Transport

func (m Multi) Send(data any) error {
	var first error
	for _, t := range m {
		if err := t.Send(data); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (m Multi) Close() error {
	var first error
	for _, t := range m {
		if err := t.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

var (
	_ session.EventSink = (*EventSink)(nil)
	_ Transport         = Multi(nil)
)
