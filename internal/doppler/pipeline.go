// SPDX-License-Identifier: MIT
package doppler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"doppler/internal/analysis"
	"doppler/internal/collect"
	"doppler/internal/config"
	"doppler/internal/decode"
	applog "doppler/internal/log"
	"doppler/internal/sections"

	"golang.org/x/sync/errgroup"
)

var logger = applog.New("doppler")

// Pipeline runs a finished recording through section extraction, spectral
// analysis and estimation. Live capture and decoded files share it.
type Pipeline struct {
	extractor *sections.Extractor
	engine    analysis.Engine
	estimator *Estimator
	window    int
	hop       int
	strategy  Strategy
}

// NewPipeline wires the pipeline from cfg around engine.
func NewPipeline(cfg *config.Config, engine analysis.Engine) *Pipeline {
	return &Pipeline{
		extractor: sections.New(cfg.Sections, cfg.Estimator.RMSThreshold),
		engine:    engine,
		estimator: NewEstimator(cfg.Estimator),
		window:    cfg.Analysis.FFTSize,
		hop:       cfg.Analysis.HopSize,
		strategy:  Strategy(cfg.Estimator.Strategy),
	}
}

// Run estimates the speed in rec. Detection problems come back as a Failure
// inside the Result; the error is reserved for cancellation of ctx, in which
// case the Result must be discarded.
func (p *Pipeline) Run(ctx context.Context, rec collect.Recording) (Result, error) {
	started := time.Now()
	rec = atCaptureRate(rec)

	s, err := p.extractor.Extract(rec)
	if err != nil {
		return failed(sectionFailure(err)), nil
	}
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	var peaks *SectionPeaks
	if p.strategy != StrategyStreaming {
		peaks, err = p.analyzeSections(ctx, s)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return Result{}, ctxErr
			}
			return failed(fail(AnalysisFailed, "section analysis: %v", err)), nil
		}
	}

	span := s.Span(rec.Samples)
	frames, err := analysis.Track(ctx, p.engine, span.Samples, rec.SampleRate, p.window, p.hop, span.Offset(rec.SampleRate))
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return Result{}, err
		}
		return failed(fail(AnalysisFailed, "tracking: %v", err)), nil
	}

	history := p.estimator.NewHistory()
	for _, f := range frames {
		history.Offer(f)
	}

	result := p.estimator.Estimate(history, peaks)
	logger.Debugf("%d/%d frames kept, result %s in %s", history.Len(), history.Offered(), describe(result), time.Since(started).Round(time.Millisecond))
	if c, ok := p.engine.(interface{ Active() string }); ok {
		logger.Debugf("analysis served by %s", c.Active())
	}
	return result, nil
}

// atCaptureRate resamples rec to the rate decoded files use, so live input
// captured at another device rate is estimated the same way.
func atCaptureRate(rec collect.Recording) collect.Recording {
	if rec.SampleRate <= 0 || rec.SampleRate == config.DefaultSampleRate {
		return rec
	}
	logger.Debugf("resampling recording from %d Hz", rec.SampleRate)
	rec.Samples = decode.Resample(rec.Samples, rec.SampleRate, config.DefaultSampleRate)
	rec.SampleRate = config.DefaultSampleRate
	rec.Duration = time.Duration(float64(len(rec.Samples)) / config.DefaultSampleRate * float64(time.Second))
	return rec
}

// analyzeSections runs the engine over both sections concurrently.
func (p *Pipeline) analyzeSections(ctx context.Context, s sections.Sections) (*SectionPeaks, error) {
	var peaks SectionPeaks
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		peak, err := p.engine.Analyze(s.Approaching.Samples, s.SampleRate)
		if err != nil {
			return fmt.Errorf("approach: %w", err)
		}
		peaks.Approach = peak
		return gctx.Err()
	})
	g.Go(func() error {
		peak, err := p.engine.Analyze(s.Receding.Samples, s.SampleRate)
		if err != nil {
			return fmt.Errorf("recede: %w", err)
		}
		peaks.Recede = peak
		return gctx.Err()
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return &peaks, nil
}

func sectionFailure(err error) *Failure {
	switch {
	case errors.Is(err, sections.ErrRecordingTooShort), errors.Is(err, sections.ErrSectionTooShort):
		return fail(InsufficientSignal, "%v", err)
	case errors.Is(err, sections.ErrTooQuiet):
		return fail(TooQuiet, "%v", err)
	case errors.Is(err, sections.ErrClipped):
		return fail(Clipped, "%v", err)
	default:
		return fail(AnalysisFailed, "%v", err)
	}
}

func describe(r Result) string {
	if r.Estimate != nil {
		return fmt.Sprintf("%.1f km/h (%s, %.2f)", r.Estimate.Kmh, r.Estimate.Strategy, r.Estimate.Confidence)
	}
	if r.Failure != nil {
		return r.Failure.Error()
	}
	return "none"
}
