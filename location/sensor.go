package location

import (
	"context"
	"fmt"
	"time"

	"go-attendance-verifier/geo"
)

// PositionOptions mirrors the options handed to the platform geolocation API.
type PositionOptions struct {
	HighAccuracy bool
	Timeout      time.Duration
	MaximumAge   time.Duration
}

// Reading is one position sample as reported by the sensor.
type Reading struct {
	Point          geo.GeoPoint
	AccuracyMeters float64
	Timestamp      time.Time
}

// PositionSensor is the host platform's geolocation capability.
type PositionSensor interface {
	// Supported reports whether geolocation is available at all.
	Supported() bool
	RequestPosition(ctx context.Context, opts PositionOptions) (Reading, error)
}

type SensorErrorKind int

const (
	SensorUnknown SensorErrorKind = iota
	SensorPermissionDenied
	SensorPositionUnavailable
	SensorTimeout
)

func (k SensorErrorKind) String() string {
	switch k {
	case SensorPermissionDenied:
		return "permission_denied"
	case SensorPositionUnavailable:
		return "position_unavailable"
	case SensorTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// ParseSensorErrorKind maps the W3C GeolocationPositionError codes
// (1 = denied, 2 = unavailable, 3 = timeout) and their names to a kind.
func ParseSensorErrorKind(code string) SensorErrorKind {
	switch code {
	case "1", "permission_denied", "PERMISSION_DENIED":
		return SensorPermissionDenied
	case "2", "position_unavailable", "POSITION_UNAVAILABLE":
		return SensorPositionUnavailable
	case "3", "timeout", "TIMEOUT":
		return SensorTimeout
	default:
		return SensorUnknown
	}
}

type SensorError struct {
	Kind    SensorErrorKind
	Message string
}

func (e *SensorError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("sensor error: %s", e.Kind)
	}
	return fmt.Sprintf("sensor error: %s: %s", e.Kind, e.Message)
}
