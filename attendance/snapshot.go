package attendance

import (
	"fmt"
	"time"

	"go-attendance-verifier/capture"
	"go-attendance-verifier/location"
)

type StepState string

const (
	StepPending StepState = "pending"
	StepActive  StepState = "active"
	StepDone    StepState = "done"
)

type Step struct {
	Number int       `json:"number"`
	Label  string    `json:"label"`
	State  StepState `json:"state"`
}

// Snapshot is the UI-facing view of a session.
type Snapshot struct {
	Phase string `json:"phase"`
	Steps []Step `json:"steps"`

	LocationStatus string `json:"location_status"`
	CameraStatus   string `json:"camera_status"`
	Notification   string `json:"notification,omitempty"`

	LocationVerified bool `json:"location_verified"`
	FaceVerified     bool `json:"face_verified"`
	OverallSuccess   bool `json:"overall_success"`
	Verifying        bool `json:"verifying"`
	Capturing        bool `json:"capturing"`
	CameraRequesting bool `json:"camera_requesting"`
	CameraActive     bool `json:"camera_active"`

	CanVerifyLocation  bool   `json:"can_verify_location"`
	CanCaptureFace     bool   `json:"can_capture_face"`
	VerifyButtonLabel  string `json:"verify_button_label"`
	CaptureButtonLabel string `json:"capture_button_label"`

	Latitude    *float64 `json:"latitude,omitempty"`
	Longitude   *float64 `json:"longitude,omitempty"`
	AccuracyM   *float64 `json:"accuracy_m,omitempty"`
	DistanceM   *float64 `json:"distance_m,omitempty"`
	Coordinates string   `json:"coordinates,omitempty"`
	Similarity  *float64 `json:"similarity,omitempty"`

	SuccessMessage string `json:"success_message,omitempty"`
}

// NewSnapshot renders s at time now. The notification is only included
// while it is younger than notificationTTL.
func NewSnapshot(s State, now time.Time, notificationTTL time.Duration) Snapshot {
	snap := Snapshot{
		LocationStatus:   s.LocationStatus,
		CameraStatus:     s.CameraStatus,
		LocationVerified: s.LocationVerified,
		FaceVerified:     s.FaceVerified,
		OverallSuccess:   s.OverallSuccess,
		Verifying:        s.Verifying(),
		Capturing:        s.Capturing(),
		CameraRequesting: s.CameraPhase == capture.Requesting,
		CameraActive:     s.CameraActive(),
		Similarity:       s.Similarity,
	}

	snap.CanVerifyLocation = !s.TornDown && !snap.Verifying && !s.LocationVerified
	snap.CanCaptureFace = !s.TornDown && s.CameraPhase == capture.Active && s.LocationVerified && !s.FaceVerified

	switch {
	case snap.Verifying:
		snap.VerifyButtonLabel = "Verifying..."
	case s.LocationVerified:
		snap.VerifyButtonLabel = "Location Verified"
	default:
		snap.VerifyButtonLabel = "Verify Location"
	}
	switch {
	case snap.Capturing:
		snap.CaptureButtonLabel = "Verifying..."
	case s.FaceVerified:
		snap.CaptureButtonLabel = "Face Verified"
	default:
		snap.CaptureButtonLabel = "Capture & Verify Face"
	}

	locationStep := Step{Number: 1, Label: "Verify Location", State: StepPending}
	faceStep := Step{Number: 2, Label: "Verify Face", State: StepPending}
	switch {
	case s.OverallSuccess:
		snap.Phase = "complete"
		locationStep.State = StepDone
		faceStep.State = StepDone
		snap.SuccessMessage = MsgOverallSuccess
	case s.LocationVerified:
		snap.Phase = "face"
		locationStep.State = StepDone
		faceStep.State = StepActive
	default:
		snap.Phase = "location"
		if s.LocationPhase != location.Idle {
			locationStep.State = StepActive
		}
	}
	snap.Steps = []Step{locationStep, faceStep}

	if s.Position != nil {
		lat, lng := s.Position.Latitude, s.Position.Longitude
		snap.Latitude = &lat
		snap.Longitude = &lng
		snap.Coordinates = fmt.Sprintf("%.6f, %.6f", lat, lng)
	}
	snap.AccuracyM = s.Accuracy
	snap.DistanceM = s.Distance

	if n := s.Notification; n != nil && now.Sub(n.IssuedAt) < notificationTTL {
		snap.Notification = n.Message
	}
	return snap
}
