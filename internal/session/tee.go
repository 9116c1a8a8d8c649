package session

import (
	"sync"

	"doppler/internal/analysis"
)

const teeQueue = 256

// tee copies capture frames to a Recorder on its own goroutine so disk I/O
// never runs on the audio callback. A nil tee ignores everything.
type tee struct {
	rec    Recorder
	id     string
	mu     sync.Mutex // Guards closed against concurrent offer.
	closed bool
	frames chan analysis.SampleFrame
	done   chan struct{}

	dropped int
	failed  bool
}

// beginExport starts a tee for the session, or returns nil when export is
// disabled or the file cannot be created. Export problems never stop the
// session.
func (m *Machine) beginExport(id string) *tee {
	if m.recorder == nil {
		return nil
	}
	if err := m.recorder.Begin(id, m.rate); err != nil {
		logger.Warnf("session %s: export disabled: %v", id, err)
		m.events.Error(id, err)
		return nil
	}
	t := &tee{
		rec:    m.recorder,
		id:     id,
		frames: make(chan analysis.SampleFrame, teeQueue),
		done:   make(chan struct{}),
	}
	go t.run()
	return t
}

func (t *tee) run() {
	defer close(t.done)
	for f := range t.frames {
		if t.failed {
			continue
		}
		if err := t.rec.Write(f); err != nil {
			logger.Warnf("session %s: export write: %v", t.id, err)
			t.failed = true
		}
	}
}

func (t *tee) offer(f analysis.SampleFrame) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	select {
	case t.frames <- f:
	default:
		t.dropped++
	}
}

func (t *tee) close() {
	t.mu.Lock()
	if !t.closed {
		t.closed = true
		close(t.frames)
	}
	t.mu.Unlock()
	<-t.done
}

// finish drains the queue and finalizes the file, returning its path or ""
// when the export failed.
func (t *tee) finish() string {
	if t == nil {
		return ""
	}
	t.close()
	if t.dropped > 0 {
		logger.Warnf("session %s: export skipped %d frames", t.id, t.dropped)
	}
	if t.failed {
		t.rec.Abort()
		return ""
	}
	path, err := t.rec.Finish()
	if err != nil {
		logger.Warnf("session %s: finishing export: %v", t.id, err)
		return ""
	}
	return path
}

func (t *tee) abort() {
	if t == nil {
		return
	}
	t.close()
	t.rec.Abort()
}
