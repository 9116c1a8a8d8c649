// SPDX-License-Identifier: MIT

// Package decode turns audio files into recordings the estimation pipeline
// accepts: mono float32 in [-1, 1] at the capture sample rate.
package decode

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"doppler/internal/collect"
	"doppler/internal/config"
	applog "doppler/internal/log"

	"github.com/go-audio/audio"
	"github.com/go-audio/transforms"
	"github.com/go-audio/wav"
	"github.com/hajimehoshi/go-mp3"
	"github.com/mewkiz/flac"
)

var (
	ErrUnsupportedFormat = errors.New("decode: unsupported file format")
	ErrEmpty             = errors.New("decode: no audio samples")
)

var logger = applog.New("decode")

// Extensions lists the file types Decode understands.
var Extensions = []string{".wav", ".mp3", ".flac"}

// DecodeFile reads the file at path, choosing the decoder from its extension.
func DecodeFile(path string) (collect.Recording, error) {
	f, err := os.Open(path)
	if err != nil {
		return collect.Recording{}, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	rec, err := Decode(f, filepath.Ext(path))
	if err != nil {
		return collect.Recording{}, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	logger.Infof("loaded %s: %.2fs", filepath.Base(path), rec.Duration.Seconds())
	return rec, nil
}

// Decode reads a whole stream of the type named by ext (".wav", "mp3", ...)
// and returns it downmixed, normalized and resampled to the capture rate.
func Decode(r io.ReadSeeker, ext string) (collect.Recording, error) {
	var (
		buf *audio.FloatBuffer
		err error
	)
	switch strings.ToLower(strings.TrimPrefix(ext, ".")) {
	case "wav", "wave":
		buf, err = readWAV(r)
	case "mp3":
		buf, err = readMP3(r)
	case "flac":
		buf, err = readFLAC(r)
	default:
		return collect.Recording{}, fmt.Errorf("%w: %q", ErrUnsupportedFormat, ext)
	}
	if err != nil {
		return collect.Recording{}, err
	}
	return toRecording(buf)
}

func toRecording(buf *audio.FloatBuffer) (collect.Recording, error) {
	if buf.NumFrames() == 0 {
		return collect.Recording{}, ErrEmpty
	}
	if err := transforms.MonoDownmix(buf); err != nil {
		return collect.Recording{}, fmt.Errorf("downmix: %w", err)
	}

	samples := Resample(buf.AsFloat32Buffer().Data, buf.Format.SampleRate, config.DefaultSampleRate)
	return collect.Recording{
		Samples:    samples,
		SampleRate: config.DefaultSampleRate,
		Duration:   time.Duration(float64(len(samples)) / config.DefaultSampleRate * float64(time.Second)),
	}, nil
}

func readWAV(r io.ReadSeeker) (*audio.FloatBuffer, error) {
	d := wav.NewDecoder(r)
	if !d.IsValidFile() {
		return nil, errors.New("invalid WAV file")
	}
	ib, err := d.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("failed to read WAV: %w", err)
	}
	if ib.Format == nil || ib.Format.SampleRate <= 0 {
		return nil, errors.New("WAV file has no format")
	}

	scale := fullScale(int(d.BitDepth))
	out := &audio.FloatBuffer{
		Format: &audio.Format{NumChannels: ib.Format.NumChannels, SampleRate: ib.Format.SampleRate},
		Data:   make([]float64, len(ib.Data)),
	}
	for i, v := range ib.Data {
		out.Data[i] = float64(v) / scale
	}
	return out, nil
}

func readMP3(r io.Reader) (*audio.FloatBuffer, error) {
	d, err := mp3.NewDecoder(r)
	if err != nil {
		return nil, fmt.Errorf("failed to decode MP3: %w", err)
	}
	raw, err := io.ReadAll(d)
	if err != nil {
		return nil, fmt.Errorf("failed to read MP3: %w", err)
	}

	// The decoder always produces interleaved 16-bit little-endian stereo.
	out := &audio.FloatBuffer{
		Format: &audio.Format{NumChannels: 2, SampleRate: d.SampleRate()},
		Data:   make([]float64, len(raw)/2),
	}
	for i := range out.Data {
		out.Data[i] = float64(int16(binary.LittleEndian.Uint16(raw[i*2:]))) / 32768
	}
	return out, nil
}

func readFLAC(r io.Reader) (*audio.FloatBuffer, error) {
	stream, err := flac.New(r)
	if err != nil {
		return nil, fmt.Errorf("failed to decode FLAC: %w", err)
	}
	defer stream.Close()

	channels := int(stream.Info.NChannels)
	scale := fullScale(int(stream.Info.BitsPerSample))
	out := &audio.FloatBuffer{
		Format: &audio.Format{NumChannels: channels, SampleRate: int(stream.Info.SampleRate)},
		Data:   make([]float64, 0, int(stream.Info.NSamples)*channels),
	}

	for {
		frame, err := stream.ParseNext()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read FLAC frame: %w", err)
		}
		for i := 0; i < int(frame.BlockSize); i++ {
			for ch := 0; ch < channels; ch++ {
				out.Data = append(out.Data, float64(frame.Subframes[ch].Samples[i])/scale)
			}
		}
	}
	return out, nil
}

// fullScale is the magnitude of the most negative sample at the given bit
// depth, which maps integer PCM onto [-1, 1].
func fullScale(bits int) float64 {
	if bits <= 0 {
		bits = 16
	}
	return float64(int64(1) << (bits - 1))
}

// Resample converts mono samples between rates by linear interpolation.
// Equal rates return the input unchanged.
func Resample(in []float32, from, to int) []float32 {
	if from == to || from <= 0 || to <= 0 || len(in) == 0 {
		return in
	}

	ratio := float64(from) / float64(to)
	n := int(float64(len(in)) / ratio)
	out := make([]float32, n)
	last := len(in) - 1
	for i := range out {
		pos := float64(i) * ratio
		idx := int(pos)
		if idx >= last {
			out[i] = in[last]
			continue
		}
		frac := float32(pos - float64(idx))
		out[i] = in[idx]*(1-frac) + in[idx+1]*frac
	}
	return out
}
