// SPDX-License-Identifier: MIT

// Package collect accumulates capture frames into a single recording.
//
// A Collector runs one worker goroutine that owns the growing buffer. Every
// interaction (start, frame, stop, reset) is a message on a single channel,
// so frames are appended in exactly the order they were pushed and a stop
// sees every frame pushed before it. Nothing else ever touches the buffer
// until Stop hands it back.
package collect

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"doppler/internal/analysis"
	"doppler/internal/config"
	applog "doppler/internal/log"
)

var (
	ErrAlreadyCollecting = errors.New("collect: already collecting")
	ErrNotCollecting     = errors.New("collect: not collecting")
	ErrClosed            = errors.New("collect: collector closed")
)

var logger = applog.New("collect")

// Recording is the finished buffer handed over by Stop. The collector keeps
// no reference to it.
type Recording struct {
	Samples    []float32
	SampleRate int
	Frames     int
	Dropped    int
	Duration   time.Duration
}

// Progress is an informational snapshot emitted while collecting.
type Progress struct {
	Frames  int
	Samples int
	Elapsed time.Duration
}

type msgKind int

const (
	msgStart msgKind = iota
	msgFrame
	msgStop
	msgReset
)

type message struct {
	kind  msgKind
	frame analysis.SampleFrame
	reply chan Recording
}

// Collector is the collection channel between capture and estimation.
type Collector struct {
	queue      chan message
	onProgress func(Progress)
	every      int

	collecting atomic.Bool
	dropped    atomic.Int64

	mu      sync.Mutex // Serializes control calls and guards closed.
	closed  bool
	done    chan struct{}
	stopped chan struct{}
}

// New starts a collector worker. onProgress may be nil.
func New(cfg config.CollectionConfig, onProgress func(Progress)) *Collector {
	size := cfg.QueueSize
	if size <= 0 {
		size = config.DefaultQueueSize
	}
	c := &Collector{
		queue:      make(chan message, size),
		onProgress: onProgress,
		every:      cfg.ProgressEvery,
		done:       make(chan struct{}),
		stopped:    make(chan struct{}),
	}
	go c.run()
	return c
}

// Start begins a new recording. It fails without touching the current buffer
// when a recording is already in progress.
func (c *Collector) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.collecting.Load() {
		return ErrAlreadyCollecting
	}
	c.dropped.Store(0)
	c.queue <- message{kind: msgStart}
	c.collecting.Store(true)
	return nil
}

// Push queues a frame for the worker. It never blocks: when the queue is
// full the frame is counted as dropped. It is safe to call from a real-time
// audio callback.
func (c *Collector) Push(frame analysis.SampleFrame) error {
	if !c.collecting.Load() {
		return ErrNotCollecting
	}
	select {
	case c.queue <- message{kind: msgFrame, frame: frame}:
	default:
		c.dropped.Add(1)
	}
	return nil
}

// Collecting reports whether a recording is in progress.
func (c *Collector) Collecting() bool { return c.collecting.Load() }

// Stop ends the recording and returns it once the worker has appended every
// frame pushed before the call.
func (c *Collector) Stop() (Recording, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return Recording{}, ErrClosed
	}
	if !c.collecting.Swap(false) {
		return Recording{}, ErrNotCollecting
	}

	reply := make(chan Recording, 1)
	c.queue <- message{kind: msgStop, reply: reply}
	rec := <-reply
	rec.Dropped = int(c.dropped.Load())
	if rec.Dropped > 0 {
		logger.Warnf("%d frames dropped (queue full)", rec.Dropped)
	}
	return rec, nil
}

// Reset discards any recording in progress.
func (c *Collector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.collecting.Store(false)
	c.queue <- message{kind: msgReset}
}

// Close stops the worker. Pending frames are discarded.
func (c *Collector) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.collecting.Store(false)
	close(c.done)
	c.mu.Unlock()

	<-c.stopped
	return nil
}

func (c *Collector) run() {
	defer close(c.stopped)

	var (
		samples    []float32
		sampleRate int
		frames     int
		active     bool
		startedAt  time.Time
	)

	for {
		var msg message
		select {
		case msg = <-c.queue:
		case <-c.done:
			return
		}

		switch msg.kind {
		case msgStart:
			samples = make([]float32, 0, 10*config.DefaultSampleRate)
			sampleRate, frames = 0, 0
			active = true
			startedAt = time.Now()

		case msgFrame:
			// Frames that raced a stop or reset are not part of any recording.
			if !active {
				continue
			}
			if sampleRate == 0 {
				sampleRate = msg.frame.SampleRate
			}
			samples = append(samples, msg.frame.Samples...)
			frames++
			if c.onProgress != nil && c.every > 0 && frames%c.every == 0 {
				c.onProgress(Progress{Frames: frames, Samples: len(samples), Elapsed: time.Since(startedAt)})
			}

		case msgStop:
			rec := Recording{Samples: samples, SampleRate: sampleRate, Frames: frames}
			if sampleRate > 0 {
				rec.Duration = time.Duration(len(samples)) * time.Second / time.Duration(sampleRate)
			}
			samples = nil
			active = false
			msg.reply <- rec

		case msgReset:
			samples = nil
			sampleRate, frames = 0, 0
			active = false
		}
	}
}
