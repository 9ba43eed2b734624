package location

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go-attendance-verifier/geo"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/number"
)

const tracerName = "go-attendance-verifier/location"

const (
	DefaultAccuracyThresholdMeters = 15.0
	DefaultPositionTimeout         = 15 * time.Second
)

const (
	MsgWaiting   = "Waiting for location verification..."
	MsgVerifying = "Getting your current location... (Please ensure GPS is enabled and you have a clear view of the sky)"
)

type Phase int

const (
	Idle Phase = iota
	Verifying
	Verified
	Failed
)

func (p Phase) String() string {
	switch p {
	case Verifying:
		return "verifying"
	case Verified:
		return "verified"
	case Failed:
		return "failed"
	default:
		return "idle"
	}
}

type Config struct {
	Boundary                geo.Boundary
	AccuracyThresholdMeters float64
	PositionTimeout         time.Duration
	// Language is a BCP 47 tag used to format numbers in status text.
	Language string
}

func (c Config) withDefaults() Config {
	if c.AccuracyThresholdMeters <= 0 {
		c.AccuracyThresholdMeters = DefaultAccuracyThresholdMeters
	}
	if c.PositionTimeout <= 0 {
		c.PositionTimeout = DefaultPositionTimeout
	}
	if c.Language == "" {
		c.Language = "en"
	}
	return c
}

// Verdict is the geofence policy applied to one reading.
type Verdict struct {
	InsideBoundary      bool
	AccuracyAcceptable  bool
	Verified            bool
	DistanceToReference float64
}

// Outcome is the result of one verification attempt. Err is set for
// configuration and sensor errors; a policy failure is a Failed outcome
// with a verdict and no error.
type Outcome struct {
	Phase        Phase
	Reading      *Reading
	Verdict      *Verdict
	Status       string
	Notification string
	Err          error
}

type Verifier struct {
	cfg     Config
	printer *message.Printer
}

func NewVerifier(cfg Config) *Verifier {
	cfg = cfg.withDefaults()
	tag, err := language.Parse(cfg.Language)
	if err != nil {
		slog.Warn("Unknown status language, falling back to English", "language", cfg.Language, "error", err)
		tag = language.English
	}
	return &Verifier{cfg: cfg, printer: message.NewPrinter(tag)}
}

// Evaluate applies the boundary and accuracy policy to a reading.
func (v *Verifier) Evaluate(r Reading) Verdict {
	verdict := Verdict{
		InsideBoundary:     geo.PointInPolygon(r.Point, v.cfg.Boundary),
		AccuracyAcceptable: r.AccuracyMeters <= v.cfg.AccuracyThresholdMeters,
	}
	verdict.Verified = verdict.InsideBoundary && verdict.AccuracyAcceptable
	if ref, ok := v.cfg.Boundary.Reference(); ok {
		verdict.DistanceToReference = geo.HaversineDistanceMeters(r.Point, ref)
	}
	return verdict
}

// Verify requests a single fresh high-accuracy sample and derives the
// verdict. It never retries; the sensor call is bounded by the configured
// position timeout.
func (v *Verifier) Verify(ctx context.Context, sensor PositionSensor) Outcome {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "location.Verify")
	defer span.End()

	if sensor == nil || !sensor.Supported() {
		slog.Warn("Geolocation capability unavailable")
		return Outcome{
			Phase:        Failed,
			Status:       "Geolocation not supported by your browser.",
			Notification: "Geolocation is not supported by your browser.",
			Err:          errors.New("geolocation not supported"),
		}
	}

	if err := v.cfg.Boundary.Validate(); err != nil {
		slog.Error("Refusing to verify location against invalid boundary", "error", err)
		span.RecordError(err)
		return Outcome{
			Phase:        Failed,
			Status:       "Error: Target boundary not set or invalid (requires at least 3 points).",
			Notification: "Error: Target boundary not properly defined.",
			Err:          fmt.Errorf("invalid configuration: %w", err),
		}
	}

	sampleCtx, cancel := context.WithTimeout(ctx, v.cfg.PositionTimeout)
	defer cancel()

	reading, err := sensor.RequestPosition(sampleCtx, PositionOptions{
		HighAccuracy: true,
		Timeout:      v.cfg.PositionTimeout,
		MaximumAge:   0,
	})
	if err != nil {
		sensorErr := classify(err)
		span.RecordError(sensorErr)
		slog.Info("Position request failed", "kind", sensorErr.Kind.String(), "error", err)
		msg := "Location error: " + v.sensorMessage(sensorErr)
		return Outcome{Phase: Failed, Status: msg, Notification: msg, Err: sensorErr}
	}

	verdict := v.Evaluate(reading)
	span.SetAttributes(
		attribute.Bool("inside_boundary", verdict.InsideBoundary),
		attribute.Bool("accuracy_acceptable", verdict.AccuracyAcceptable),
		attribute.Float64("accuracy_m", reading.AccuracyMeters),
	)
	slog.Debug("Location verdict computed",
		"inside_boundary", verdict.InsideBoundary,
		"accuracy_acceptable", verdict.AccuracyAcceptable,
		"accuracy_m", reading.AccuracyMeters,
		"distance_m", verdict.DistanceToReference,
	)

	out := Outcome{Reading: &reading, Verdict: &verdict}
	if verdict.Verified {
		out.Phase = Verified
		out.Status = v.printer.Sprintf("✅ Physically Verified! You are inside the designated area. (Accuracy: %vm)", meters(reading.AccuracyMeters))
		out.Notification = "Location verified! You are inside the boundaries."
		return out
	}

	out.Phase = Failed
	out.Status = v.failureMessage(verdict, reading)
	out.Notification = out.Status
	return out
}

func (v *Verifier) failureMessage(verdict Verdict, reading Reading) string {
	var b strings.Builder
	b.WriteString("❌ Verification Failed.")
	if !verdict.InsideBoundary {
		b.WriteString(" You are outside the designated attendance area.")
	}
	if !verdict.AccuracyAcceptable {
		if !verdict.InsideBoundary {
			b.WriteString(" Also,")
		}
		b.WriteString(v.printer.Sprintf(" GPS accuracy too low (%vm), required <= %vm for reliable reading.",
			meters(reading.AccuracyMeters), number.Decimal(v.cfg.AccuracyThresholdMeters, number.NoSeparator())))
	}
	return b.String()
}

// meters renders a distance with two decimals and no grouping.
func meters(m float64) number.Formatter {
	return number.Decimal(m, number.Scale(2), number.NoSeparator())
}

func (v *Verifier) sensorMessage(e *SensorError) string {
	switch e.Kind {
	case SensorPermissionDenied:
		return "Location access denied. Please enable location permissions in your browser/device settings."
	case SensorPositionUnavailable:
		return "Location information is unavailable. Try again in an open area."
	case SensorTimeout:
		return "Getting location timed out. Please try again. Ensure good GPS signal."
	default:
		return "An unknown location error occurred: " + e.Message
	}
}

func classify(err error) *SensorError {
	var sensorErr *SensorError
	if errors.As(err, &sensorErr) {
		return sensorErr
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &SensorError{Kind: SensorTimeout, Message: err.Error()}
	}
	return &SensorError{Kind: SensorUnknown, Message: err.Error()}
}
