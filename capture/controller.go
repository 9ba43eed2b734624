package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

const tracerName = "go-attendance-verifier/capture"

type State int

const (
	Inactive State = iota
	Requesting
	Active
	Capturing
	Completed
	Denied
)

func (s State) String() string {
	switch s {
	case Requesting:
		return "requesting"
	case Active:
		return "active"
	case Capturing:
		return "capturing"
	case Completed:
		return "completed"
	case Denied:
		return "denied"
	default:
		return "inactive"
	}
}

// Controller owns the camera stream of one capture session. The stream is
// released exactly once: on successful capture, on Close, or when replaced.
type Controller struct {
	mu       sync.Mutex
	source   MediaSource
	capturer Capturer
	state    State
	stream   Stream
	closed   bool
}

func NewController(source MediaSource, capturer Capturer) *Controller {
	if capturer == nil {
		capturer = SimulatedCapturer{Delay: DefaultCaptureDelay}
	}
	return &Controller{source: source, capturer: capturer}
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// StreamID returns the id of the held stream, or "" when none is held.
func (c *Controller) StreamID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stream == nil {
		return ""
	}
	return c.stream.ID()
}

// Start acquires a stream. It is a no-op (false, nil) when the location is
// not verified or a stream is already held or being requested.
func (c *Controller) Start(ctx context.Context, locationVerified bool) (bool, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false, ErrClosed
	}
	if !locationVerified {
		c.mu.Unlock()
		slog.Debug("Camera start ignored, location not verified")
		return false, nil
	}
	switch c.state {
	case Requesting, Active, Capturing, Completed:
		state := c.state
		c.mu.Unlock()
		slog.Debug("Camera start ignored", "state", state.String())
		return false, nil
	}
	c.state = Requesting
	c.mu.Unlock()

	ctx, span := otel.Tracer(tracerName).Start(ctx, "capture.Start")
	defer span.End()

	stream, err := c.source.RequestVideoStream(ctx)
	if err == nil && stream == nil {
		err = errors.New("media source returned no stream")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		if stream != nil {
			stream.Release()
		}
		return false, ErrClosed
	}
	if err != nil {
		c.state = Denied
		span.RecordError(err)
		if !errors.Is(err, ErrPermissionDenied) {
			err = fmt.Errorf("%w: %w", ErrPermissionDenied, err)
		}
		slog.Info("Camera request refused", "error", err)
		return false, err
	}

	c.releaseLocked()
	c.stream = stream
	c.state = Active
	span.SetAttributes(attribute.String("stream_id", stream.ID()))
	slog.Debug("Camera stream acquired", "stream_id", stream.ID())
	return true, nil
}

// Capture runs the capture strategy. It requires an active stream and a
// verified location; otherwise it returns ErrPreconditionFailed without
// changing state. A match completes the session and releases the stream;
// a miss or a strategy error returns to Active so the user can retry.
func (c *Controller) Capture(ctx context.Context, locationVerified bool, frame Frame) (Result, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return Result{}, ErrClosed
	}
	if c.state != Active || !locationVerified {
		c.mu.Unlock()
		return Result{}, ErrPreconditionFailed
	}
	c.state = Capturing
	c.mu.Unlock()

	ctx, span := otel.Tracer(tracerName).Start(ctx, "capture.Capture")
	defer span.End()

	res, err := c.capturer.Capture(ctx, frame)

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return res, ErrClosed
	}
	if err != nil {
		c.state = Active
		span.RecordError(err)
		return res, fmt.Errorf("face capture failed: %w", err)
	}
	span.SetAttributes(attribute.Bool("matched", res.Matched), attribute.Float64("similarity", res.Similarity))
	if !res.Matched {
		c.state = Active
		return res, nil
	}

	c.state = Completed
	c.releaseLocked()
	return res, nil
}

// Close tears the session down, releasing any held stream.
func (c *Controller) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.releaseLocked()
}

func (c *Controller) releaseLocked() {
	if c.stream == nil {
		return
	}
	slog.Debug("Releasing camera stream", "stream_id", c.stream.ID())
	c.stream.Release()
	c.stream = nil
}
