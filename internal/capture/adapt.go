// SPDX-License-Identifier: MIT
package capture

import (
	"time"

	"github.com/voxpipe/voxpipe/internal/types"
)

// limitScale returns the multiplier applied to recording limits under
// memory pressure: full under normal, half under low, a quarter under
// critical.
func limitScale(level types.PressureLevel) float64 {
	switch level {
	case types.PressureCritical:
		return 0.25
	case types.PressureLow:
		return 0.5
	default:
		return 1.0
	}
}

// EffectiveChunkBytes clamps a requested chunk byte budget for the given
// pressure level.
func EffectiveChunkBytes(requested int64, level types.PressureLevel) int64 {
	scaled := int64(float64(requested) * limitScale(level))
	if scaled < 1 {
		scaled = 1
	}
	return scaled
}

// effectiveInterval adapts the materialization cadence: nominal under
// normal pressure, halved under low, floored at the minimum under
// critical.
func effectiveInterval(nominal, min time.Duration, level types.PressureLevel) time.Duration {
	var d time.Duration
	switch level {
	case types.PressureCritical:
		d = min
	case types.PressureLow:
		d = nominal / 2
	default:
		d = nominal
	}
	if d < min {
		d = min
	}
	return d
}

// scaledDuration and scaledBytes apply limitScale to the session ceilings.
func scaledDuration(max time.Duration, level types.PressureLevel) time.Duration {
	return time.Duration(float64(max) * limitScale(level))
}

func scaledBytes(max int64, level types.PressureLevel) int64 {
	return int64(float64(max) * limitScale(level))
}

func sliceIntervalFor(p Platform) time.Duration {
	if p == PlatformMobile {
		return mobileSliceInterval
	}
	return desktopSliceInterval
}
