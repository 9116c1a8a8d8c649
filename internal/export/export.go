// SPDX-License-Identifier: MIT

// Package export writes the raw frames of a session to disk. Export is a
// side effect of collection: any failure here is reported and the session
// carries on.
package export

import (
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"doppler/internal/analysis"
	"doppler/internal/config"
	applog "doppler/internal/log"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/mewkiz/flac"
	"github.com/mewkiz/flac/frame"
	"github.com/mewkiz/flac/meta"
)

var (
	ErrNoSupportedEncoder = errors.New("export: no supported encoder")
	ErrNotExporting       = errors.New("export: not exporting")
	ErrAlreadyExporting   = errors.New("export: already exporting")
)

var logger = applog.New("export")

// FilePrefix starts every exported file name.
const FilePrefix = "doppler-recording-"

// Format is an encoder the exporter can produce.
type Format struct {
	Name     string
	Ext      string
	BitDepth int
}

var formats = map[string]Format{
	"flac":  {Name: "flac", Ext: ".flac", BitDepth: 16},
	"wav":   {Name: "wav", Ext: ".wav", BitDepth: 16},
	"wav24": {Name: "wav24", Ext: ".wav", BitDepth: 24},
	"wav32": {Name: "wav32", Ext: ".wav", BitDepth: 32},
}

// Negotiate returns the first format in preference order that can be
// encoded. Unknown names are skipped.
func Negotiate(preferences []string) (Format, error) {
	for _, name := range preferences {
		if f, ok := formats[strings.ToLower(strings.TrimSpace(name))]; ok {
			return f, nil
		}
		logger.Debugf("skipping unsupported container %q", name)
	}
	return Format{}, fmt.Errorf("%w among %v", ErrNoSupportedEncoder, preferences)
}

// Exporter tees frames into a file for the lifetime of one session.
type Exporter struct {
	dir    string
	format Format
	now    func() time.Time

	mu      sync.Mutex
	file    *os.File
	encoder encoder
	path    string
	written int
}

type encoder interface {
	write(samples []float32) error
	close() error
}

// New negotiates a format from cfg. When nothing is supported the error is
// ErrNoSupportedEncoder and the caller should run without export.
func New(cfg config.ExportConfig) (*Exporter, error) {
	format, err := Negotiate(cfg.Formats)
	if err != nil {
		return nil, err
	}
	return &Exporter{dir: cfg.OutputDir, format: format, now: time.Now}, nil
}

func (e *Exporter) Format() Format { return e.format }

// Begin creates the output file. The sample rate is fixed for the file.
func (e *Exporter) Begin(sessionID string, sampleRate int) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.file != nil {
		return ErrAlreadyExporting
	}
	if err := os.MkdirAll(e.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create export dir: %w", err)
	}

	name := FilePrefix + e.now().Format("20060102-150405.000") + e.format.Ext
	path := filepath.Join(e.dir, name)
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create export file: %w", err)
	}

	var enc encoder
	if e.format.Name == "flac" {
		enc, err = newFLACEncoder(file, sampleRate, e.format.BitDepth)
	} else {
		enc = newWAVEncoder(file, sampleRate, e.format.BitDepth)
	}
	if err != nil {
		file.Close()
		os.Remove(path)
		return fmt.Errorf("failed to start %s encoder: %w", e.format.Name, err)
	}

	e.file = file
	e.path = path
	e.written = 0
	e.encoder = enc
	logger.Debugf("session %s exporting to %s", sessionID, path)
	return nil
}

// Write appends one frame.
func (e *Exporter) Write(f analysis.SampleFrame) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.encoder == nil {
		return ErrNotExporting
	}

	if err := e.encoder.write(f.Samples); err != nil {
		return fmt.Errorf("failed to write export: %w", err)
	}
	e.written += len(f.Samples)
	return nil
}

// Finish closes the file and returns its path.
func (e *Exporter) Finish() (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.file == nil {
		return "", ErrNotExporting
	}
	path := e.path
	err := e.closeLocked()
	if err != nil {
		return "", err
	}
	logger.Infof("exported %d samples to %s", e.written, path)
	return path, nil
}

// Abort closes and removes a partial export. It is safe to call when idle.
func (e *Exporter) Abort() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.file == nil {
		return
	}
	path := e.path
	if err := e.closeLocked(); err != nil {
		logger.Warnf("closing aborted export: %v", err)
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.Warnf("removing aborted export: %v", err)
	}
}

func (e *Exporter) closeLocked() error {
	var errs []error
	if e.encoder != nil {
		if err := e.encoder.close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := e.file.Close(); err != nil {
		errs = append(errs, err)
	}
	e.encoder = nil
	e.file = nil
	e.path = ""
	return errors.Join(errs...)
}

// quantize clips s to [-1, 1] and scales it to a signed integer of the
// given bit depth.
func quantize(s float32, bitDepth int) int {
	scale := float64(int64(1)<<(bitDepth-1) - 1)
	v := math.Max(-1, math.Min(1, float64(s)))
	return int(math.Round(v * scale))
}

type wavEncoder struct {
	enc *wav.Encoder
	buf *audio.IntBuffer
}

func newWAVEncoder(file *os.File, sampleRate, bitDepth int) *wavEncoder {
	return &wavEncoder{
		enc: wav.NewEncoder(file, sampleRate, bitDepth, 1, 1),
		buf: &audio.IntBuffer{
			Format:         &audio.Format{NumChannels: 1, SampleRate: sampleRate},
			SourceBitDepth: bitDepth,
		},
	}
}

func (w *wavEncoder) write(samples []float32) error {
	if cap(w.buf.Data) < len(samples) {
		w.buf.Data = make([]int, len(samples))
	}
	w.buf.Data = w.buf.Data[:len(samples)]
	for i, s := range samples {
		w.buf.Data[i] = quantize(s, w.buf.SourceBitDepth)
	}
	return w.enc.Write(w.buf)
}

func (w *wavEncoder) close() error { return w.enc.Close() }

// FLACBlockSize is the number of samples per FLAC frame. Only the last
// frame of a file may be shorter.
const FLACBlockSize = 4096

type flacEncoder struct {
	enc        *flac.Encoder
	sampleRate int
	bitDepth   int
	pending    []int32
}

func newFLACEncoder(file *os.File, sampleRate, bitDepth int) (*flacEncoder, error) {
	info := &meta.StreamInfo{
		BlockSizeMin:  FLACBlockSize,
		BlockSizeMax:  FLACBlockSize,
		SampleRate:    uint32(sampleRate),
		NChannels:     1,
		BitsPerSample: uint8(bitDepth),
	}
	// The encoder closes writers that implement io.Closer; the file stays
	// owned by the Exporter.
	enc, err := flac.NewEncoder(struct{ io.WriteSeeker }{file}, info)
	if err != nil {
		return nil, err
	}
	return &flacEncoder{
		enc:        enc,
		sampleRate: sampleRate,
		bitDepth:   bitDepth,
		pending:    make([]int32, 0, FLACBlockSize),
	}, nil
}

func (f *flacEncoder) write(samples []float32) error {
	for _, s := range samples {
		f.pending = append(f.pending, int32(quantize(s, f.bitDepth)))
		if len(f.pending) == FLACBlockSize {
			if err := f.flush(); err != nil {
				return err
			}
		}
	}
	return nil
}

func (f *flacEncoder) flush() error {
	if len(f.pending) == 0 {
		return nil
	}
	block := &frame.Frame{
		Header: frame.Header{
			HasFixedBlockSize: true,
			BlockSize:         uint16(len(f.pending)),
			SampleRate:        uint32(f.sampleRate),
			Channels:          frame.ChannelsMono,
			BitsPerSample:     uint8(f.bitDepth),
		},
		Subframes: []*frame.Subframe{{
			SubHeader: frame.SubHeader{Pred: frame.PredVerbatim},
			Samples:   f.pending,
			NSamples:  len(f.pending),
		}},
	}
	if err := f.enc.WriteFrame(block); err != nil {
		return err
	}
	f.pending = make([]int32, 0, FLACBlockSize)
	return nil
}

func (f *flacEncoder) close() error {
	if err := f.flush(); err != nil {
		return err
	}
	return f.enc.Close()
}
