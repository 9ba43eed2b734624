package attendance

import (
	"errors"
	"testing"
	"time"

	"go-attendance-verifier/capture"
	"go-attendance-verifier/geo"
	"go-attendance-verifier/location"

	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func verifiedOutcome() location.Outcome {
	return location.Outcome{
		Phase:        location.Verified,
		Reading:      &location.Reading{Point: geo.GeoPoint{Latitude: 17.293527, Longitude: 82.104877}, AccuracyMeters: 10},
		Verdict:      &location.Verdict{InsideBoundary: true, AccuracyAcceptable: true, Verified: true, DistanceToReference: 0.3},
		Status:       "✅ Physically Verified!",
		Notification: "Location verified! You are inside the boundaries.",
	}
}

func mustApply(t *testing.T, s State, events ...Event) State {
	t.Helper()
	for _, e := range events {
		var err error
		s, err = Transition(s, e, t0)
		require.NoError(t, err, "event %T", e)
	}
	return s
}

func TestTransitionHappyPath(t *testing.T) {
	s := mustApply(t, NewState(),
		VerifyRequested{},
		LocationResolved{Outcome: verifiedOutcome()},
		CameraRequested{},
		CameraGranted{},
		CaptureRequested{},
		CaptureFinished{Result: capture.Result{Matched: true, Similarity: 1}},
	)

	require.True(t, s.LocationVerified)
	require.True(t, s.FaceVerified)
	require.True(t, s.OverallSuccess)
	require.Equal(t, capture.Completed, s.CameraPhase)
	require.Equal(t, MsgFaceVerified, s.CameraStatus)
	require.Equal(t, MsgFaceVerifiedPopup, s.Notification.Message)
	require.InDelta(t, 10.0, *s.Accuracy, 1e-9)
}

func TestTransitionDoesNotMutateInput(t *testing.T) {
	s := NewState()
	next, err := Transition(s, VerifyRequested{}, t0)
	require.NoError(t, err)
	require.Equal(t, location.Idle, s.LocationPhase)
	require.Equal(t, location.Verifying, next.LocationPhase)
}

func TestVerifyRequestedGuards(t *testing.T) {
	s := mustApply(t, NewState(), VerifyRequested{})
	_, err := Transition(s, VerifyRequested{}, t0)
	require.ErrorIs(t, err, ErrBusy)

	s = mustApply(t, s, LocationResolved{Outcome: verifiedOutcome()})
	_, err = Transition(s, VerifyRequested{}, t0)
	require.ErrorIs(t, err, ErrRejected)
}

func TestFailedLocationCanBeRetried(t *testing.T) {
	failed := location.Outcome{Phase: location.Failed, Status: "Location error: x", Notification: "Location error: x", Err: errors.New("x")}
	s := mustApply(t, NewState(), VerifyRequested{}, LocationResolved{Outcome: failed})

	require.Equal(t, location.Failed, s.LocationPhase)
	require.False(t, s.LocationVerified)
	require.Nil(t, s.Position)

	s = mustApply(t, s, VerifyRequested{}, LocationResolved{Outcome: verifiedOutcome()})
	require.True(t, s.LocationVerified)
}

func TestCaptureRejectedBeforeLocationVerified(t *testing.T) {
	s := NewState()
	// whatever the camera is doing, no capture without a verified location
	for _, phase := range []capture.State{capture.Inactive, capture.Active, capture.Denied} {
		s.CameraPhase = phase
		next, err := Transition(s, CaptureRequested{}, t0)
		require.ErrorIs(t, err, ErrRejected)
		require.ErrorIs(t, err, capture.ErrPreconditionFailed)
		require.False(t, next.FaceVerified)
		require.Equal(t, phase, next.CameraPhase)
		require.Equal(t, MsgCompleteSteps, next.Notification.Message)

		next.Notification = nil
		require.Equal(t, s, next)
	}

	_, err := Transition(s, CaptureFinished{Result: capture.Result{Matched: true}}, t0)
	require.ErrorIs(t, err, ErrRejected)
}

func TestCameraRequestedRequiresLocation(t *testing.T) {
	_, err := Transition(NewState(), CameraRequested{}, t0)
	require.ErrorIs(t, err, ErrRejected)

	s := mustApply(t, NewState(), VerifyRequested{}, LocationResolved{Outcome: verifiedOutcome()}, CameraRequested{})
	_, err = Transition(s, CameraRequested{}, t0)
	require.ErrorIs(t, err, ErrBusy)
}

func TestCameraDeniedThenRetried(t *testing.T) {
	s := mustApply(t, NewState(),
		VerifyRequested{},
		LocationResolved{Outcome: verifiedOutcome()},
		CameraRequested{},
		CameraDenied{Err: capture.ErrPermissionDenied},
	)
	require.Equal(t, capture.Denied, s.CameraPhase)
	require.Equal(t, MsgCameraDenied, s.CameraStatus)
	require.Equal(t, MsgCameraDeniedPopup, s.Notification.Message)

	s = mustApply(t, s, CameraRequested{}, CameraGranted{})
	require.Equal(t, capture.Active, s.CameraPhase)
}

func TestCaptureMissReturnsToActive(t *testing.T) {
	s := mustApply(t, NewState(),
		VerifyRequested{},
		LocationResolved{Outcome: verifiedOutcome()},
		CameraRequested{},
		CameraGranted{},
		CaptureRequested{},
		CaptureFinished{Result: capture.Result{Matched: false, Similarity: 0.3}},
	)
	require.Equal(t, capture.Active, s.CameraPhase)
	require.False(t, s.FaceVerified)
	require.Equal(t, MsgFaceNotMatched, s.CameraStatus)

	s = mustApply(t, s, CaptureRequested{}, CaptureFinished{Err: errors.New("service down")})
	require.Equal(t, capture.Active, s.CameraPhase)
	require.Contains(t, s.CameraStatus, "service down")
}

func TestTornDownRejectsEverything(t *testing.T) {
	s := mustApply(t, NewState(), VerifyRequested{}, LocationResolved{Outcome: verifiedOutcome()}, CameraRequested{}, CameraGranted{}, TornDown{})
	require.Equal(t, capture.Inactive, s.CameraPhase)

	_, err := Transition(s, CaptureRequested{}, t0)
	require.ErrorIs(t, err, ErrRejected)
	require.ErrorIs(t, err, capture.ErrClosed)
}

func TestSnapshotNotificationExpires(t *testing.T) {
	s := mustApply(t, NewState(), VerifyRequested{}, LocationResolved{Outcome: verifiedOutcome()})

	snap := NewSnapshot(s, t0.Add(2*time.Second), 3*time.Second)
	require.Equal(t, "Location verified! You are inside the boundaries.", snap.Notification)

	snap = NewSnapshot(s, t0.Add(3*time.Second), 3*time.Second)
	require.Empty(t, snap.Notification)
}

func TestSnapshotView(t *testing.T) {
	snap := NewSnapshot(NewState(), t0, time.Second)
	require.Equal(t, "location", snap.Phase)
	require.True(t, snap.CanVerifyLocation)
	require.False(t, snap.CanCaptureFace)
	require.Equal(t, "Verify Location", snap.VerifyButtonLabel)
	require.Equal(t, location.MsgWaiting, snap.LocationStatus)
	require.Equal(t, MsgCameraNotStarted, snap.CameraStatus)

	s := mustApply(t, NewState(), VerifyRequested{})
	snap = NewSnapshot(s, t0, time.Second)
	require.False(t, snap.CanVerifyLocation)
	require.Equal(t, "Verifying...", snap.VerifyButtonLabel)
	require.Equal(t, StepActive, snap.Steps[0].State)

	s = mustApply(t, s, LocationResolved{Outcome: verifiedOutcome()}, CameraRequested{}, CameraGranted{})
	snap = NewSnapshot(s, t0, time.Second)
	require.Equal(t, "face", snap.Phase)
	require.True(t, snap.CanCaptureFace)
	require.Equal(t, "Location Verified", snap.VerifyButtonLabel)
	require.Equal(t, "17.293527, 82.104877", snap.Coordinates)
	require.Equal(t, []Step{
		{Number: 1, Label: "Verify Location", State: StepDone},
		{Number: 2, Label: "Verify Face", State: StepActive},
	}, snap.Steps)

	s = mustApply(t, s, CaptureRequested{}, CaptureFinished{Result: capture.Result{Matched: true}})
	snap = NewSnapshot(s, t0, time.Second)
	require.Equal(t, "complete", snap.Phase)
	require.False(t, snap.CanCaptureFace)
	require.Equal(t, "Face Verified", snap.CaptureButtonLabel)
	require.Equal(t, MsgOverallSuccess, snap.SuccessMessage)
}
