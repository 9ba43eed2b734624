package main

import (
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go-attendance-verifier/attendance"
	"go-attendance-verifier/capture"
	"go-attendance-verifier/models"

	"github.com/stretchr/testify/require"
)

func cameraActive(s attendance.Snapshot) bool { return s.CameraActive }

func TestAttendance_Success_IssuesAttestation(t *testing.T) {
	storage := NewInMemoryTokenStorage()
	startTestServer(t, storage, func(o *testServerOpts) {
		o.jwtCreator = fakeJwtCreator{jwt: "test-jwt"}
	})

	session, nonce := startAttendance(t)

	resp, body, vr := postJSON[AttendanceResponse](t, testBaseURL+"/api/verify-location", verifyLocationReq(session, nonce, &testInside))
	mustStatus(t, resp, http.StatusOK, body)
	require.True(t, vr.Attendance.LocationVerified)
	require.Equal(t, "face", vr.Attendance.Phase)
	require.True(t, vr.Attendance.CameraRequesting, "camera is requested automatically")
	require.Equal(t, "17.442000, 78.350000", vr.Attendance.Coordinates)
	require.Empty(t, vr.Attestation)

	resp, body, _ = postJSON[AttendanceResponse](t, testBaseURL+"/api/camera", models.CameraAnswerRequest{SessionId: session, Nonce: nonce, Granted: true})
	mustStatus(t, resp, http.StatusAccepted, body)

	snap := waitForAttendance(t, session, nonce, cameraActive)
	require.True(t, snap.CanCaptureFace)
	require.Equal(t, attendance.MsgCameraActive, snap.CameraStatus)

	resp, body, cr := postJSON[AttendanceResponse](t, testBaseURL+"/api/capture-face", models.CaptureFaceRequest{SessionId: session, Nonce: nonce})
	mustStatus(t, resp, http.StatusOK, body)
	require.True(t, cr.Attendance.FaceVerified)
	require.True(t, cr.Attendance.OverallSuccess)
	require.Equal(t, attendance.MsgOverallSuccess, cr.Attendance.SuccessMessage)
	require.Equal(t, "complete", cr.Attendance.Phase)
	require.False(t, cr.Attendance.CameraActive, "stream released after capture")
	require.Equal(t, "test-jwt", cr.Attestation)

	resp, body, gr := getAttendance(t, session, nonce)
	mustStatus(t, resp, http.StatusOK, body)
	require.Equal(t, "test-jwt", gr.Attestation)

	resp, body, _ = postJSON[map[string]any](t, testBaseURL+"/api/end-attendance", models.SessionRequest{SessionId: session, Nonce: nonce})
	mustStatus(t, resp, http.StatusOK, body)

	got, err := storage.RetrieveToken(session)
	require.Error(t, err)     // removed
	require.Equal(t, "", got) // no token left
}

func TestVerifyLocation_Fail_BadNonce(t *testing.T) {
	storage := NewInMemoryTokenStorage()
	startTestServer(t, storage)

	session, _ := startAttendance(t)

	resp, body, _ := postJSON[map[string]any](t, testBaseURL+"/api/verify-location", verifyLocationReq(session, "bad-nonce", &testInside))
	mustStatus(t, resp, http.StatusBadRequest, body)
}

func TestVerifyLocation_Fail_UnknownSession(t *testing.T) {
	storage := NewInMemoryTokenStorage()
	startTestServer(t, storage)

	// token without a live wizard
	session := GenerateSessionId()
	require.NoError(t, storage.StoreToken(session, testNonce))

	resp, body, _ := postJSON[map[string]any](t, testBaseURL+"/api/verify-location", verifyLocationReq(session, testNonce, &testInside))
	mustStatus(t, resp, http.StatusNotFound, body)
}

func TestVerifyLocation_Outside(t *testing.T) {
	startTestServer(t, NewInMemoryTokenStorage())
	session, nonce := startAttendance(t)

	resp, body, vr := postJSON[AttendanceResponse](t, testBaseURL+"/api/verify-location", verifyLocationReq(session, nonce, &testOutside))
	mustStatus(t, resp, http.StatusOK, body)
	require.False(t, vr.Attendance.LocationVerified)
	require.False(t, vr.Attendance.CameraRequesting)
	require.True(t, vr.Attendance.CanVerifyLocation, "retry allowed after failure")
	require.Contains(t, vr.Attendance.LocationStatus, "outside the designated attendance area")
}

func TestVerifyLocation_SensorErrors(t *testing.T) {
	startTestServer(t, NewInMemoryTokenStorage())

	t.Run("permission denied", func(t *testing.T) {
		session, nonce := startAttendance(t)
		req := verifyLocationReq(session, nonce, nil)
		req.SensorError = &models.SensorErrorReport{Code: "1", Message: "User denied Geolocation"}

		resp, body, vr := postJSON[AttendanceResponse](t, testBaseURL+"/api/verify-location", req)
		mustStatus(t, resp, http.StatusOK, body)
		require.True(t, strings.HasPrefix(vr.Attendance.LocationStatus, "Location error: Location access denied."))
	})

	t.Run("unsupported", func(t *testing.T) {
		session, nonce := startAttendance(t)
		req := verifyLocationReq(session, nonce, &testInside)
		req.GeolocationSupported = false

		resp, body, vr := postJSON[AttendanceResponse](t, testBaseURL+"/api/verify-location", req)
		mustStatus(t, resp, http.StatusOK, body)
		require.Equal(t, "Geolocation not supported by your browser.", vr.Attendance.LocationStatus)
		require.Equal(t, "Geolocation is not supported by your browser.", vr.Attendance.Notification)
	})
}

func TestVerifyLocation_Fail_AlreadyVerified(t *testing.T) {
	startTestServer(t, NewInMemoryTokenStorage())
	session, nonce := startAttendance(t)

	resp, body, _ := postJSON[AttendanceResponse](t, testBaseURL+"/api/verify-location", verifyLocationReq(session, nonce, &testInside))
	mustStatus(t, resp, http.StatusOK, body)

	resp, body, vr := postJSON[AttendanceResponse](t, testBaseURL+"/api/verify-location", verifyLocationReq(session, nonce, &testOutside))
	mustStatus(t, resp, http.StatusConflict, body)
	require.True(t, vr.Attendance.LocationVerified, "verified location is never revoked")
}

func TestCaptureFace_Fail_BeforeLocation(t *testing.T) {
	startTestServer(t, NewInMemoryTokenStorage())
	session, nonce := startAttendance(t)

	resp, body, cr := postJSON[AttendanceResponse](t, testBaseURL+"/api/capture-face", models.CaptureFaceRequest{SessionId: session, Nonce: nonce})
	mustStatus(t, resp, http.StatusConflict, body)
	require.Equal(t, ERR_REJECTED, cr.Error)
	require.Equal(t, attendance.MsgCompleteSteps, cr.Attendance.Notification)
	require.False(t, cr.Attendance.FaceVerified)
}

func TestCamera_Denied_ThenRetry(t *testing.T) {
	startTestServer(t, NewInMemoryTokenStorage())
	session, nonce := startAttendance(t)

	resp, body, _ := postJSON[AttendanceResponse](t, testBaseURL+"/api/verify-location", verifyLocationReq(session, nonce, &testInside))
	mustStatus(t, resp, http.StatusOK, body)

	resp, body, _ = postJSON[AttendanceResponse](t, testBaseURL+"/api/camera", models.CameraAnswerRequest{SessionId: session, Nonce: nonce, Granted: false})
	mustStatus(t, resp, http.StatusAccepted, body)

	snap := waitForAttendance(t, session, nonce, func(s attendance.Snapshot) bool {
		return s.CameraStatus == attendance.MsgCameraDenied
	})
	require.False(t, snap.CanCaptureFace)
	require.True(t, snap.LocationVerified)

	resp, body, sr := postJSON[AttendanceResponse](t, testBaseURL+"/api/start-camera", models.SessionRequest{SessionId: session, Nonce: nonce})
	mustStatus(t, resp, http.StatusOK, body)
	require.True(t, sr.Attendance.CameraRequesting)

	resp, body, _ = postJSON[AttendanceResponse](t, testBaseURL+"/api/camera", models.CameraAnswerRequest{SessionId: session, Nonce: nonce, Granted: true})
	mustStatus(t, resp, http.StatusAccepted, body)
	waitForAttendance(t, session, nonce, cameraActive)
}

func TestCamera_Fail_NoPendingRequest(t *testing.T) {
	startTestServer(t, NewInMemoryTokenStorage())
	session, nonce := startAttendance(t)

	resp, body, _ := postJSON[AttendanceResponse](t, testBaseURL+"/api/camera", models.CameraAnswerRequest{SessionId: session, Nonce: nonce, Granted: true})
	mustStatus(t, resp, http.StatusConflict, body)
}

func TestStartCamera_Fail_BeforeLocation(t *testing.T) {
	startTestServer(t, NewInMemoryTokenStorage())
	session, nonce := startAttendance(t)

	resp, body, _ := postJSON[AttendanceResponse](t, testBaseURL+"/api/start-camera", models.SessionRequest{SessionId: session, Nonce: nonce})
	mustStatus(t, resp, http.StatusConflict, body)
}

func TestCaptureFace_MissThenMatch(t *testing.T) {
	capturer := &scriptedCapturer{results: []capture.Result{
		{Matched: false, Similarity: 0.4},
		{Matched: true, Similarity: 0.9},
	}}
	startTestServer(t, NewInMemoryTokenStorage(), func(o *testServerOpts) { o.capturer = capturer })
	session, nonce := startAttendance(t)

	resp, body, _ := postJSON[AttendanceResponse](t, testBaseURL+"/api/verify-location", verifyLocationReq(session, nonce, &testInside))
	mustStatus(t, resp, http.StatusOK, body)
	resp, body, _ = postJSON[AttendanceResponse](t, testBaseURL+"/api/camera", models.CameraAnswerRequest{SessionId: session, Nonce: nonce, Granted: true})
	mustStatus(t, resp, http.StatusAccepted, body)
	waitForAttendance(t, session, nonce, cameraActive)

	doCapture := func() *AttendanceResponse {
		resp, body, cr := postJSON[AttendanceResponse](t, testBaseURL+"/api/capture-face", models.CaptureFaceRequest{SessionId: session, Nonce: nonce, Frame: "ignored"})
		mustStatus(t, resp, http.StatusOK, body)
		return cr
	}

	first := doCapture()
	require.False(t, first.Attendance.FaceVerified)
	require.True(t, first.Attendance.CameraActive, "stream kept for retry")
	require.Equal(t, attendance.MsgFaceNotMatched, first.Attendance.CameraStatus)

	second := doCapture()
	require.True(t, second.Attendance.OverallSuccess)
	require.NotNil(t, second.Attendance.Similarity)
	require.Equal(t, 0.9, *second.Attendance.Similarity)
}

func TestEndAttendance_Fail_SessionReuse(t *testing.T) {
	startTestServer(t, NewInMemoryTokenStorage())
	session, nonce := startAttendance(t)
	req := models.SessionRequest{SessionId: session, Nonce: nonce}

	resp1, body1, _ := postJSON[map[string]any](t, testBaseURL+"/api/end-attendance", req)
	mustStatus(t, resp1, http.StatusOK, body1)

	resp2, body2, _ := postJSON[map[string]any](t, testBaseURL+"/api/end-attendance", req)
	mustStatus(t, resp2, http.StatusBadRequest, body2)

	resp3, body3, _ := getAttendance(t, session, nonce)
	mustStatus(t, resp3, http.StatusBadRequest, body3)
}

func TestMethodNotAllowed(t *testing.T) {
	startTestServer(t, NewInMemoryTokenStorage())

	resp, err := http.Get(testBaseURL + "/api/start-attendance")
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestLocate(t *testing.T) {
	startTestServer(t, NewInMemoryTokenStorage())
	url := testBaseURL + "/api/locate"

	resp, body, lr := postJSON[LocateResponse](t, url, models.LocateRequest{GeolocationSupported: true, Position: &testInside})
	mustStatus(t, resp, http.StatusOK, body)
	require.NotNil(t, lr.Latitude)
	require.Equal(t, testInside.Latitude, *lr.Latitude)
	require.Empty(t, lr.Error)

	resp, body, lr = postJSON[LocateResponse](t, url, models.LocateRequest{
		GeolocationSupported: true,
		SensorError:          &models.SensorErrorReport{Code: "3", Message: "Timeout expired"},
	})
	mustStatus(t, resp, http.StatusOK, body)
	require.Equal(t, "Failed to get location: Timeout expired", lr.Error)
	require.Nil(t, lr.Latitude)

	resp, body, lr = postJSON[LocateResponse](t, url, models.LocateRequest{})
	mustStatus(t, resp, http.StatusOK, body)
	require.Equal(t, "Geolocation is not supported by your browser", lr.Error)

	resp, body, _ = postJSON[LocateResponse](t, url, models.LocateRequest{GeolocationSupported: true})
	mustStatus(t, resp, http.StatusBadRequest, body)
}

func TestAttestationKey_ServedAsPem(t *testing.T) {
	keyPath, key := writeTestKey(t)
	creator, err := NewAttestationJwtCreator(keyPath, "attendance-test", 0)
	require.NoError(t, err)
	startTestServer(t, NewInMemoryTokenStorage(), func(o *testServerOpts) { o.jwtCreator = creator })

	resp, err := http.Get(testBaseURL + "/api/attestation-key")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	mustStatus(t, resp, http.StatusOK, body)
	require.Equal(t, "application/x-pem-file", resp.Header.Get("Content-Type"))

	block, _ := pem.Decode(body)
	require.NotNil(t, block)
	require.Equal(t, "PUBLIC KEY", block.Type)
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	require.NoError(t, err)
	require.True(t, key.PublicKey.Equal(pub))
}

func TestAttestationKey_NotFoundWithoutSigner(t *testing.T) {
	startTestServer(t, NewInMemoryTokenStorage())

	resp, err := http.Get(testBaseURL + "/api/attestation-key")
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestWizardErrStatusCodes(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code int
		body string
	}{
		{"busy", attendance.ErrBusy, http.StatusConflict, ERR_BUSY},
		{"rejected", attendance.ErrRejected, http.StatusConflict, ERR_REJECTED},
		{"precondition", fmt.Errorf("%w: %w", attendance.ErrRejected, capture.ErrPreconditionFailed), http.StatusConflict, ERR_REJECTED},
		{"torn down", fmt.Errorf("%w: session torn down: %w", attendance.ErrRejected, capture.ErrClosed), http.StatusGone, ERR_SESSION_CLOSED},
		{"closed", capture.ErrClosed, http.StatusGone, ERR_SESSION_CLOSED},
		{"other", errors.New("boom"), http.StatusInternalServerError, ErrorInternal},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			respondWithWizardErr(rec, testSessionId, attendance.Snapshot{Phase: "location"}, tc.err)

			require.Equal(t, tc.code, rec.Code)
			var ar AttendanceResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ar))
			require.Equal(t, testSessionId, ar.SessionId)
			require.Equal(t, tc.body, ar.Error)
			require.Equal(t, "location", ar.Attendance.Phase)
		})
	}
}
