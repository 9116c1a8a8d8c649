package session

import (
	"fmt"
	"math"
	"strings"
)

// Units is the display unit for speeds. Estimates are always computed in
// km/h; units only change formatting.
type Units string

const (
	Kmh Units = "kmh"
	Mph Units = "mph"
)

// KmhToMph is the conversion factor applied for display.
const KmhToMph = 0.621371

// ParseUnits accepts "kmh", "km/h", "mph" in any case.
func ParseUnits(s string) (Units, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "kmh", "km/h", "kph":
		return Kmh, nil
	case "mph":
		return Mph, nil
	default:
		return "", fmt.Errorf("unknown units %q", s)
	}
}

// Toggle returns the other unit.
func (u Units) Toggle() Units {
	if u == Mph {
		return Kmh
	}
	return Mph
}

func (u Units) Label() string {
	if u == Mph {
		return "mph"
	}
	return "km/h"
}

// Convert rounds kmh to a whole number in the given units.
func Convert(kmh float64, u Units) int {
	if u == Mph {
		return int(math.Round(kmh * KmhToMph))
	}
	return int(math.Round(kmh))
}

// FormatSpeed renders kmh for display, e.g. "72 km/h" or "45 mph".
func FormatSpeed(kmh float64, u Units) string {
	return fmt.Sprintf("%d %s", Convert(kmh, u), u.Label())
}
