package observability

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"go-attendance-verifier/capture"
	"go-attendance-verifier/location"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// AttendanceCollector bundles the Prometheus metrics of the attendance
// service. It implements attendance.Observer.
type AttendanceCollector struct {
	gatherer prometheus.Gatherer

	HTTPRequests  *prometheus.CounterVec
	HTTPDurations *prometheus.HistogramVec

	LocationChecks *prometheus.CounterVec
	CameraRequests *prometheus.CounterVec
	FaceCaptures   *prometheus.CounterVec
	ActiveSessions prometheus.Gauge
}

// NewAttendanceCollector registers the metrics against reg, defaulting to
// the global Prometheus registry when nil.
func NewAttendanceCollector(reg prometheus.Registerer) (*AttendanceCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	httpRequests, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "attendance_http_requests_total",
		Help: "Total number of handled HTTP requests, labeled by route and status code.",
	}, []string{"route", "code"}), "attendance_http_requests_total")
	if err != nil {
		return nil, err
	}

	httpDurations, err := registerHistogramVec(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "attendance_http_request_duration_seconds",
		Help:    "HTTP request latency in seconds.",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 15},
	}, []string{"route"}), "attendance_http_request_duration_seconds")
	if err != nil {
		return nil, err
	}

	locationChecks, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "attendance_location_checks_total",
		Help: "Location verification attempts, labeled by result.",
	}, []string{"result"}), "attendance_location_checks_total")
	if err != nil {
		return nil, err
	}

	cameraRequests, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "attendance_camera_requests_total",
		Help: "Camera stream requests, labeled by result.",
	}, []string{"result"}), "attendance_camera_requests_total")
	if err != nil {
		return nil, err
	}

	faceCaptures, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "attendance_face_captures_total",
		Help: "Face capture attempts, labeled by result.",
	}, []string{"result"}), "attendance_face_captures_total")
	if err != nil {
		return nil, err
	}

	activeSessions, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "attendance_active_sessions",
		Help: "Current number of open attendance sessions.",
	}), "attendance_active_sessions")
	if err != nil {
		return nil, err
	}

	return &AttendanceCollector{
		gatherer:       gatherer,
		HTTPRequests:   httpRequests,
		HTTPDurations:  httpDurations,
		LocationChecks: locationChecks,
		CameraRequests: cameraRequests,
		FaceCaptures:   faceCaptures,
		ActiveSessions: activeSessions,
	}, nil
}

// LocationResult maps an outcome to the metric label used for it.
func LocationResult(out location.Outcome) string {
	if out.Phase == location.Verified {
		return "verified"
	}
	var sensorErr *location.SensorError
	switch {
	case errors.As(out.Err, &sensorErr):
		return "sensor_" + sensorErr.Kind.String()
	case out.Err != nil:
		return "error"
	case out.Verdict != nil && !out.Verdict.InsideBoundary:
		return "outside_boundary"
	case out.Verdict != nil && !out.Verdict.AccuracyAcceptable:
		return "low_accuracy"
	default:
		return "failed"
	}
}

func (c *AttendanceCollector) LocationChecked(out location.Outcome) {
	if c == nil || c.LocationChecks == nil {
		return
	}
	c.LocationChecks.WithLabelValues(LocationResult(out)).Inc()
}

func (c *AttendanceCollector) CameraResolved(granted bool) {
	if c == nil || c.CameraRequests == nil {
		return
	}
	result := "denied"
	if granted {
		result = "granted"
	}
	c.CameraRequests.WithLabelValues(result).Inc()
}

func (c *AttendanceCollector) FaceCaptured(res capture.Result, err error) {
	if c == nil || c.FaceCaptures == nil {
		return
	}
	result := "no_match"
	switch {
	case err != nil:
		result = "error"
	case res.Matched:
		result = "matched"
	}
	c.FaceCaptures.WithLabelValues(result).Inc()
}

// SetActiveSessions satisfies the session registry's gauge hook.
func (c *AttendanceCollector) SetActiveSessions(n int) {
	if c == nil || c.ActiveSessions == nil {
		return
	}
	c.ActiveSessions.Set(float64(n))
}

// Middleware records request counts and durations per mux route template.
func (c *AttendanceCollector) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		if c == nil {
			return
		}
		route := "unmatched"
		if cur := mux.CurrentRoute(r); cur != nil {
			if tpl, err := cur.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		if c.HTTPRequests != nil {
			c.HTTPRequests.WithLabelValues(route, strconv.Itoa(rec.status)).Inc()
		}
		if c.HTTPDurations != nil {
			c.HTTPDurations.WithLabelValues(route).Observe(time.Since(start).Seconds())
		}
	})
}

// Handler exposes a ready-to-use /metrics handler.
func (c *AttendanceCollector) Handler() http.Handler {
	gatherer := c.gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerHistogramVec(reg prometheus.Registerer, vec *prometheus.HistogramVec, name string) (*prometheus.HistogramVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.HistogramVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerGauge(reg prometheus.Registerer, gauge prometheus.Gauge, name string) (prometheus.Gauge, error) {
	if err := reg.Register(gauge); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Gauge); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return gauge, nil
}
