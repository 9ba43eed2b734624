package attendance

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"go-attendance-verifier/capture"
	"go-attendance-verifier/location"
)

const (
	DefaultNotificationDuration = 3 * time.Second
	DefaultCameraRequestTimeout = 60 * time.Second
)

type Config struct {
	NotificationDuration time.Duration
	CameraRequestTimeout time.Duration
}

// Observer receives the outcome of every completed step.
type Observer interface {
	LocationChecked(out location.Outcome)
	CameraResolved(granted bool)
	FaceCaptured(res capture.Result, err error)
}

type nopObserver struct{}

func (nopObserver) LocationChecked(location.Outcome)   {}
func (nopObserver) CameraResolved(bool)                {}
func (nopObserver) FaceCaptured(capture.Result, error) {}

type Option func(*Wizard)

func WithClock(now func() time.Time) Option {
	return func(w *Wizard) { w.now = now }
}

func WithObserver(o Observer) Option {
	return func(w *Wizard) {
		if o != nil {
			w.observer = o
		}
	}
}

// WithLogger attaches attributes such as the session id to every log line.
func WithLogger(l *slog.Logger) Option {
	return func(w *Wizard) {
		if l != nil {
			w.log = l
		}
	}
}

// Wizard drives the two-phase gate for one session: a verified location
// starts the camera, a successful capture completes the attendance.
type Wizard struct {
	mu    sync.Mutex
	state State

	verifier *location.Verifier
	camera   *capture.Controller
	cfg      Config
	now      func() time.Time
	observer Observer
	log      *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewWizard(verifier *location.Verifier, camera *capture.Controller, cfg Config, opts ...Option) *Wizard {
	if cfg.NotificationDuration <= 0 {
		cfg.NotificationDuration = DefaultNotificationDuration
	}
	if cfg.CameraRequestTimeout <= 0 {
		cfg.CameraRequestTimeout = DefaultCameraRequestTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	w := &Wizard{
		state:    NewState(),
		verifier: verifier,
		camera:   camera,
		cfg:      cfg,
		now:      time.Now,
		observer: nopObserver{},
		log:      slog.Default(),
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

func (w *Wizard) apply(e Event) error {
	next, err := Transition(w.state, e, w.now())
	w.state = next
	return err
}

// State returns a copy of the current state.
func (w *Wizard) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// VerifyLocation runs one location verification attempt. Policy and sensor
// failures are not errors: they are reflected in the returned snapshot.
func (w *Wizard) VerifyLocation(ctx context.Context, sensor location.PositionSensor) (Snapshot, error) {
	w.mu.Lock()
	if err := w.apply(VerifyRequested{}); err != nil {
		snap := w.snapshotLocked()
		w.mu.Unlock()
		return snap, err
	}
	w.mu.Unlock()

	outcome := w.verifier.Verify(ctx, sensor)
	w.observer.LocationChecked(outcome)

	w.mu.Lock()
	if err := w.apply(LocationResolved{Outcome: outcome}); err != nil {
		snap := w.snapshotLocked()
		w.mu.Unlock()
		return snap, err
	}
	autoStart := w.state.LocationVerified && !w.state.FaceVerified
	w.mu.Unlock()

	w.log.Info("Location verification finished", "phase", outcome.Phase.String(), "error", outcome.Err)

	if autoStart {
		if err := w.StartCamera(); err != nil && !errors.Is(err, ErrBusy) {
			w.log.Warn("Automatic camera start refused", "error", err)
		}
	}
	return w.Snapshot(), nil
}

// StartCamera requests the camera in the background. It is refused until
// the location is verified and while a request is already outstanding.
func (w *Wizard) StartCamera() error {
	w.mu.Lock()
	if err := w.apply(CameraRequested{}); err != nil {
		w.mu.Unlock()
		return err
	}
	w.wg.Add(1)
	w.mu.Unlock()

	go func() {
		defer w.wg.Done()
		ctx, cancel := context.WithTimeout(w.ctx, w.cfg.CameraRequestTimeout)
		defer cancel()
		w.startCamera(ctx)
	}()
	return nil
}

func (w *Wizard) startCamera(ctx context.Context) {
	acquired, err := w.camera.Start(ctx, true)

	w.mu.Lock()
	defer w.mu.Unlock()

	switch {
	case errors.Is(err, capture.ErrClosed):
		return
	case err != nil:
		w.log.Info("Camera request denied", "error", err)
		_ = w.apply(CameraDenied{Err: err})
		w.observer.CameraResolved(false)
	case acquired:
		_ = w.apply(CameraGranted{})
		w.observer.CameraResolved(true)
	case w.camera.State() == capture.Active:
		// the controller already held a stream
		_ = w.apply(CameraGranted{})
	default:
		_ = w.apply(CameraDenied{Err: errors.New("camera unavailable")})
		w.observer.CameraResolved(false)
	}
}

// CaptureFace runs the capture strategy. A request before the camera is
// active is rejected with a notification and leaves the state unchanged.
func (w *Wizard) CaptureFace(ctx context.Context, frame capture.Frame) (Snapshot, error) {
	w.mu.Lock()
	if err := w.apply(CaptureRequested{}); err != nil {
		snap := w.snapshotLocked()
		w.mu.Unlock()
		return snap, err
	}
	w.mu.Unlock()

	res, err := w.camera.Capture(ctx, true, frame)
	if errors.Is(err, capture.ErrClosed) {
		return w.Snapshot(), err
	}
	w.observer.FaceCaptured(res, err)

	w.mu.Lock()
	applyErr := w.apply(CaptureFinished{Result: res, Err: err})
	snap := w.snapshotLocked()
	w.mu.Unlock()

	if snap.OverallSuccess {
		w.log.Info("Attendance verified")
	}
	return snap, applyErr
}

// Close tears the session down and releases the camera stream if held.
// It waits for a background camera request to observe the teardown.
func (w *Wizard) Close() {
	w.cancel()
	w.camera.Close()

	w.mu.Lock()
	_ = w.apply(TornDown{})
	w.mu.Unlock()

	w.wg.Wait()
}

func (w *Wizard) Snapshot() Snapshot {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.snapshotLocked()
}

func (w *Wizard) snapshotLocked() Snapshot {
	return NewSnapshot(w.state, w.now(), w.cfg.NotificationDuration)
}
