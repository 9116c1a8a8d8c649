// SPDX-License-Identifier: MIT
package doppler

import (
	"errors"
	"fmt"
)

// Code is a stable, user-visible detection failure code.
type Code string

const (
	E01 Code = "E01"
	E02 Code = "E02"
	E03 Code = "E03"
	E04 Code = "E04"
	E05 Code = "E05"
	E06 Code = "E06"
	E07 Code = "E07"
	E08 Code = "E08"
	E09 Code = "E09"
	E10 Code = "E10"
)

var codeMessages = map[Code]string{
	E01: "Too quiet - no vehicle heard",
	E02: "Too noisy - background interference",
	E03: "Recording too short (<3 seconds)",
	E04: "Vehicle too slow or stationary",
	E05: "Multiple vehicles detected",
	E06: "Poor positioning - not perpendicular?",
	E07: "Electric vehicle? Very quiet audio",
	E08: "Audio clipped - too close or loud",
	E09: "No clear Doppler pattern found",
	E10: "Vehicle passed too quickly",
}

// Message returns the fixed user-facing text for the code.
func (c Code) Message() string {
	if msg, ok := codeMessages[c]; ok {
		return msg
	}
	return "Unknown error"
}

// Kind classifies why a recording produced no speed.
type Kind int

const (
	TooQuiet Kind = iota + 1
	InsufficientData
	NoVehicleDetected
	InsufficientSignal
	VehicleTooSlowOrStationary
	Clipped
	NoClearDopplerPattern
	AnalysisFailed
	VehicleTooFast
)

func (k Kind) String() string {
	switch k {
	case TooQuiet:
		return "TooQuiet"
	case InsufficientData:
		return "InsufficientData"
	case NoVehicleDetected:
		return "NoVehicleDetected"
	case InsufficientSignal:
		return "InsufficientSignal"
	case VehicleTooSlowOrStationary:
		return "VehicleTooSlowOrStationary"
	case Clipped:
		return "Clipped"
	case NoClearDopplerPattern:
		return "NoClearDopplerPattern"
	case AnalysisFailed:
		return "AnalysisFailed"
	case VehicleTooFast:
		return "VehicleTooFast"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Code maps the kind to exactly one user-visible code.
func (k Kind) Code() Code {
	switch k {
	case TooQuiet, InsufficientData, NoVehicleDetected:
		return E01
	case InsufficientSignal:
		return E03
	case VehicleTooSlowOrStationary:
		return E04
	case Clipped:
		return E08
	case VehicleTooFast:
		return E10
	default:
		return E09
	}
}

// Failure is a detection outcome, not a fault: the recording was processed
// but did not contain a usable Doppler signature.
type Failure struct {
	Kind   Kind
	Detail string
}

func fail(kind Kind, format string, args ...any) *Failure {
	return &Failure{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// Code returns the user-visible code for the failure.
func (f *Failure) Code() Code { return f.Kind.Code() }

// Message returns the user-visible text for the failure.
func (f *Failure) Message() string { return f.Code().Message() }

func (f *Failure) Error() string {
	if f.Detail == "" {
		return fmt.Sprintf("%s: %s", f.Code(), f.Message())
	}
	return fmt.Sprintf("%s: %s (%s)", f.Code(), f.Message(), f.Detail)
}

// AsFailure extracts a Failure from err.
func AsFailure(err error) (*Failure, bool) {
	var f *Failure
	if errors.As(err, &f) {
		return f, true
	}
	return nil, false
}
