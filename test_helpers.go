package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"testing"
	"time"

	"go-attendance-verifier/attendance"
	"go-attendance-verifier/capture"
	"go-attendance-verifier/geo"
	"go-attendance-verifier/location"
	"go-attendance-verifier/models"

	"github.com/stretchr/testify/require"
)

const testBaseURL = "http://localhost:8081"

var testConfig = ServerConfig{
	Host:           "localhost",
	Port:           8081,
	UseTls:         false,
	TlsCertPath:    "",
	TlsPrivKeyPath: "",
}

// Campus polygon used throughout the tests; testInside lies within it.
var testBoundary = geo.Boundary{
	{Latitude: 17.4400, Longitude: 78.3480},
	{Latitude: 17.4400, Longitude: 78.3520},
	{Latitude: 17.4440, Longitude: 78.3520},
	{Latitude: 17.4440, Longitude: 78.3480},
}

var testInside = models.Position{Latitude: 17.4420, Longitude: 78.3500, Accuracy: 10}
var testOutside = models.Position{Latitude: 17.4500, Longitude: 78.3600, Accuracy: 10}

type testServerOpts struct {
	capturer   capture.Capturer
	jwtCreator JwtCreator
}

func testFactory(capturer capture.Capturer) AttendanceFactory {
	if capturer == nil {
		capturer = capture.SimulatedCapturer{Delay: 20 * time.Millisecond}
	}
	return AttendanceFactory{
		Verifier: location.NewVerifier(location.Config{Boundary: testBoundary}),
		Capturer: capturer,
		Config:   attendance.Config{CameraRequestTimeout: 2 * time.Second},
	}
}

func startTestServer(t *testing.T, storage TokenStorage, opts ...func(*testServerOpts)) *ServerState {
	t.Helper()

	o := testServerOpts{}
	for _, opt := range opts {
		opt(&o)
	}

	testState := &ServerState{
		tokenStorage: storage,
		sessions:     NewSessionRegistry(time.Minute, nil, nil),
		factory:      testFactory(o.capturer),
		jwtCreator:   o.jwtCreator,
	}

	srv, err := NewServer(testState, testConfig)
	require.NoError(t, err)

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.Errorf("server error: %v", err)
		}
	}()

	waitUntilHealthy(t, testBaseURL+"/api/health")
	t.Cleanup(func() {
		testState.sessions.CloseAll()
		if err := srv.Stop(); err != nil {
			t.Logf("error shutting down server: %v", err)
		}
	})
	return testState
}

func waitUntilHealthy(t *testing.T, url string) {
	t.Helper()
	const maxAttempts = 50
	for i := 0; i < maxAttempts; i++ {
		if resp, err := http.Get(url); err == nil {
			_ = resp.Body.Close()
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("server did not start in time")
}

func postJSON[T any](t *testing.T, url string, payload any) (*http.Response, []byte, *T) {
	t.Helper()

	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		require.NoError(t, err)
		body = bytes.NewBuffer(b)
	}
	resp, err := http.Post(url, "application/json", body)
	require.NoError(t, err)
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	var v T
	_ = json.Unmarshal(respBody, &v)

	return resp, respBody, &v
}

func getAttendance(t *testing.T, sessionId, nonce string) (*http.Response, []byte, *AttendanceResponse) {
	t.Helper()

	req, err := http.NewRequest(http.MethodGet, testBaseURL+"/api/attendance/"+sessionId, nil)
	require.NoError(t, err)
	req.Header.Set(SessionNonceHeader, nonce)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	var v AttendanceResponse
	_ = json.Unmarshal(respBody, &v)
	return resp, respBody, &v
}

func mustStatus(t *testing.T, resp *http.Response, want int, body []byte) {
	t.Helper()
	require.Equalf(t, want, resp.StatusCode, "body: %s", body)
}

// start-attendance bootstrap
func startAttendance(t *testing.T) (sessionID, nonce string) {
	t.Helper()
	resp, body, sr := postJSON[StartAttendanceResponse](t, testBaseURL+"/api/start-attendance", nil)
	mustStatus(t, resp, http.StatusOK, body)
	require.NotEmpty(t, sr.SessionId)
	require.NotEmpty(t, sr.Nonce)
	return sr.SessionId, sr.Nonce
}

func verifyLocationReq(sessionId, nonce string, position *models.Position) models.VerifyLocationRequest {
	return models.VerifyLocationRequest{
		SessionId:            sessionId,
		Nonce:                nonce,
		GeolocationSupported: true,
		Position:             position,
	}
}

// waitForAttendance polls the snapshot until cond holds.
func waitForAttendance(t *testing.T, sessionId, nonce string, cond func(attendance.Snapshot) bool) attendance.Snapshot {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		resp, body, ar := getAttendance(t, sessionId, nonce)
		mustStatus(t, resp, http.StatusOK, body)
		if cond(ar.Attendance) {
			return ar.Attendance
		}
		if time.Now().After(deadline) {
			t.Fatalf("condition not reached, last snapshot: %s", body)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

// test doubles

type fakeJwtCreator struct{ jwt string }

func (f fakeJwtCreator) CreateAttendanceJwt(_ AttendanceRecord) (string, error) {
	return f.jwt, nil
}

type scriptedCapturer struct {
	results []capture.Result
	calls   int
}

func (c *scriptedCapturer) Capture(_ context.Context, _ capture.Frame) (capture.Result, error) {
	res := c.results[c.calls%len(c.results)]
	c.calls++
	return res, nil
}

var testNonce, _ = GenerateNonce(8)

const testSessionId = "s12345"
