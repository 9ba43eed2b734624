package main

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go-attendance-verifier/capture"
	"go-attendance-verifier/geo"
	"go-attendance-verifier/location"
	"go-attendance-verifier/models"
)

// ReportedPositionSensor replays what the browser's geolocation API
// reported for one verification attempt.
type ReportedPositionSensor struct {
	supported bool
	reading   *location.Reading
	err       *location.SensorError
}

func NewReportedPositionSensor(supported bool, position *models.Position, sensorErr *models.SensorErrorReport) *ReportedPositionSensor {
	s := &ReportedPositionSensor{supported: supported}
	if sensorErr != nil {
		s.err = &location.SensorError{
			Kind:    location.ParseSensorErrorKind(sensorErr.Code),
			Message: sensorErr.Message,
		}
		return s
	}
	if position != nil {
		ts := time.Now()
		if position.Timestamp > 0 {
			ts = time.UnixMilli(position.Timestamp)
		}
		s.reading = &location.Reading{
			Point:          geo.GeoPoint{Latitude: position.Latitude, Longitude: position.Longitude},
			AccuracyMeters: position.Accuracy,
			Timestamp:      ts,
		}
	}
	return s
}

func (s *ReportedPositionSensor) Supported() bool {
	return s.supported
}

func (s *ReportedPositionSensor) RequestPosition(ctx context.Context, _ location.PositionOptions) (location.Reading, error) {
	if err := ctx.Err(); err != nil {
		return location.Reading{}, err
	}
	if s.err != nil {
		return location.Reading{}, s.err
	}
	if s.reading == nil {
		return location.Reading{}, &location.SensorError{
			Kind:    location.SensorPositionUnavailable,
			Message: "no position reported",
		}
	}
	return *s.reading, nil
}

// ClientMediaSource turns a camera request into a question for the browser:
// RequestVideoStream blocks until Answer is called or ctx ends.
type ClientMediaSource struct {
	sessionId string
	answers   chan bool
	mu        sync.Mutex
	released  atomic.Int32
}

func NewClientMediaSource(sessionId string) *ClientMediaSource {
	return &ClientMediaSource{sessionId: sessionId, answers: make(chan bool, 1)}
}

func (m *ClientMediaSource) RequestVideoStream(ctx context.Context) (capture.Stream, error) {
	slog.Debug("Waiting for camera permission answer", "session_id", m.sessionId)
	select {
	case granted := <-m.answers:
		if !granted {
			return nil, capture.ErrPermissionDenied
		}
		return capture.NewTrackedStream(func() {
			m.released.Add(1)
			slog.Debug("Camera stream released", "session_id", m.sessionId)
		}), nil
	case <-ctx.Done():
		return nil, fmt.Errorf("camera request: %w", ctx.Err())
	}
}

// Answer records the browser's permission outcome. A newer answer
// replaces one that has not been consumed yet.
func (m *ClientMediaSource) Answer(granted bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	select {
	case <-m.answers:
	default:
	}
	m.answers <- granted
}

// Released reports how many streams have been released so far.
func (m *ClientMediaSource) Released() int {
	return int(m.released.Load())
}
