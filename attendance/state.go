package attendance

import (
	"errors"
	"fmt"
	"time"

	"go-attendance-verifier/capture"
	"go-attendance-verifier/geo"
	"go-attendance-verifier/location"
)

var (
	// ErrBusy is returned while the requested operation is already in flight.
	ErrBusy = errors.New("operation already in progress")
	// ErrRejected is returned for events that are illegal in the current state.
	ErrRejected = errors.New("event rejected")
)

const (
	MsgCameraNotStarted  = "Camera not started."
	MsgCameraRequesting  = "Requesting camera access..."
	MsgCameraActive      = "Camera active. Please align your face within the frame."
	MsgCameraDenied      = "Camera access denied. Please allow camera permissions to proceed."
	MsgCameraDeniedPopup = "Camera access denied. Please allow camera permissions."
	MsgCompleteSteps     = "Please complete previous steps first."
	MsgVerifyingFace     = "Verifying face..."
	MsgFaceVerified      = "Face verified successfully!"
	MsgFaceVerifiedPopup = "😊 Face verified successfully!"
	MsgFaceNotMatched    = "Face could not be matched. Please try again."
	MsgOverallSuccess    = "Attendance Verified Successfully!"
)

type Notification struct {
	Message  string
	IssuedAt time.Time
}

// State is the aggregate verification state of one attendance session.
// LocationVerified and FaceVerified only ever move from false to true.
type State struct {
	LocationPhase location.Phase
	CameraPhase   capture.State

	LocationVerified bool
	FaceVerified     bool
	OverallSuccess   bool
	TornDown         bool

	LocationStatus string
	CameraStatus   string
	Notification   *Notification

	Position   *geo.GeoPoint
	Accuracy   *float64
	Distance   *float64
	Similarity *float64
}

func NewState() State {
	return State{
		LocationPhase:  location.Idle,
		CameraPhase:    capture.Inactive,
		LocationStatus: location.MsgWaiting,
		CameraStatus:   MsgCameraNotStarted,
	}
}

func (s State) Verifying() bool {
	return s.LocationPhase == location.Verifying
}

func (s State) Capturing() bool {
	return s.CameraPhase == capture.Capturing
}

func (s State) CameraActive() bool {
	return s.CameraPhase == capture.Active || s.CameraPhase == capture.Capturing
}

type Event interface {
	event()
}

type VerifyRequested struct{}

type LocationResolved struct {
	Outcome location.Outcome
}

type CameraRequested struct{}

type CameraGranted struct{}

type CameraDenied struct {
	Err error
}

type CaptureRequested struct{}

type CaptureFinished struct {
	Result capture.Result
	Err    error
}

type TornDown struct{}

func (VerifyRequested) event()  {}
func (LocationResolved) event() {}
func (CameraRequested) event()  {}
func (CameraGranted) event()    {}
func (CameraDenied) event()     {}
func (CaptureRequested) event() {}
func (CaptureFinished) event()  {}
func (TornDown) event()         {}

// Transition applies e to s and returns the next state. It never mutates
// its input. When the event is illegal the returned error wraps ErrBusy or
// ErrRejected and the returned state differs from s at most by a new
// notification.
func Transition(s State, e Event, now time.Time) (State, error) {
	if s.TornDown {
		return s, fmt.Errorf("%w: session torn down: %w", ErrRejected, capture.ErrClosed)
	}

	notify := func(msg string) {
		s.Notification = &Notification{Message: msg, IssuedAt: now}
	}

	switch ev := e.(type) {
	case VerifyRequested:
		if s.Verifying() {
			return s, fmt.Errorf("%w: location verification", ErrBusy)
		}
		if s.LocationVerified {
			return s, fmt.Errorf("%w: location already verified", ErrRejected)
		}
		s.LocationPhase = location.Verifying
		s.LocationStatus = location.MsgVerifying

	case LocationResolved:
		if !s.Verifying() {
			return s, fmt.Errorf("%w: no location verification in flight", ErrRejected)
		}
		out := ev.Outcome
		if out.Phase != location.Verified {
			out.Phase = location.Failed
		}
		s.LocationPhase = out.Phase
		s.LocationStatus = out.Status
		if out.Reading != nil {
			p := out.Reading.Point
			acc := out.Reading.AccuracyMeters
			s.Position = &p
			s.Accuracy = &acc
		}
		if out.Verdict != nil {
			d := out.Verdict.DistanceToReference
			s.Distance = &d
		}
		if out.Phase == location.Verified {
			s.LocationVerified = true
		}
		if out.Notification != "" {
			notify(out.Notification)
		}

	case CameraRequested:
		if !s.LocationVerified || s.FaceVerified {
			return s, fmt.Errorf("%w: camera requires verified location", ErrRejected)
		}
		if s.CameraPhase != capture.Inactive && s.CameraPhase != capture.Denied {
			return s, fmt.Errorf("%w: camera %s", ErrBusy, s.CameraPhase)
		}
		s.CameraPhase = capture.Requesting
		s.CameraStatus = MsgCameraRequesting

	case CameraGranted:
		if s.CameraPhase != capture.Requesting {
			return s, fmt.Errorf("%w: no camera request in flight", ErrRejected)
		}
		s.CameraPhase = capture.Active
		s.CameraStatus = MsgCameraActive

	case CameraDenied:
		if s.CameraPhase != capture.Requesting {
			return s, fmt.Errorf("%w: no camera request in flight", ErrRejected)
		}
		s.CameraPhase = capture.Denied
		s.CameraStatus = MsgCameraDenied
		notify(MsgCameraDeniedPopup)

	case CaptureRequested:
		if s.Capturing() {
			return s, fmt.Errorf("%w: face capture", ErrBusy)
		}
		if s.CameraPhase != capture.Active || !s.LocationVerified {
			notify(MsgCompleteSteps)
			return s, fmt.Errorf("%w: %w", ErrRejected, capture.ErrPreconditionFailed)
		}
		s.CameraPhase = capture.Capturing
		s.CameraStatus = MsgVerifyingFace

	case CaptureFinished:
		if !s.Capturing() {
			return s, fmt.Errorf("%w: no face capture in flight", ErrRejected)
		}
		if ev.Err != nil {
			s.CameraPhase = capture.Active
			s.CameraStatus = "Face verification failed: " + ev.Err.Error()
			notify(s.CameraStatus)
			break
		}
		sim := ev.Result.Similarity
		s.Similarity = &sim
		if !ev.Result.Matched {
			s.CameraPhase = capture.Active
			s.CameraStatus = MsgFaceNotMatched
			notify(MsgFaceNotMatched)
			break
		}
		s.CameraPhase = capture.Completed
		s.FaceVerified = true
		s.OverallSuccess = true
		s.CameraStatus = MsgFaceVerified
		notify(MsgFaceVerifiedPopup)

	case TornDown:
		s.TornDown = true
		if s.CameraPhase != capture.Completed {
			s.CameraPhase = capture.Inactive
		}

	default:
		return s, fmt.Errorf("%w: unknown event %T", ErrRejected, e)
	}

	return s, nil
}
