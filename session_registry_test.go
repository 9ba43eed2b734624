package main

import (
	"context"
	"sync"
	"testing"
	"time"

	"go-attendance-verifier/attendance"
	"go-attendance-verifier/capture"
	"go-attendance-verifier/location"
	"go-attendance-verifier/models"

	"github.com/stretchr/testify/require"
)

type recordingGauge struct {
	mu   sync.Mutex
	last int
}

func (g *recordingGauge) SetActiveSessions(n int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.last = n
}

func (g *recordingGauge) value() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.last
}

// newActiveSession returns a session whose camera stream is held.
func newActiveSession(t *testing.T, r *SessionRegistry, id string) *attendanceSession {
	t.Helper()
	media := NewClientMediaSource(id)
	wizard := testFactory(nil).New(id, media)
	s := r.Add(id, wizard, media)

	media.Answer(true)
	snap, err := wizard.VerifyLocation(context.Background(), NewReportedPositionSensor(true, &testInside, nil))
	require.NoError(t, err)
	require.True(t, snap.LocationVerified)

	require.Eventually(t, func() bool { return wizard.Snapshot().CameraActive }, 2*time.Second, 10*time.Millisecond)
	return s
}

func TestSessionRegistrySweepReleasesStreams(t *testing.T) {
	gauge := &recordingGauge{}
	var expired []string
	r := NewSessionRegistry(time.Minute, gauge, func(id string) { expired = append(expired, id) })

	now := time.Now()
	r.now = func() time.Time { return now }

	s := newActiveSession(t, r, "a")
	require.Equal(t, 1, gauge.value())

	require.Equal(t, 0, r.Sweep())
	_, ok := r.Get("a")
	require.True(t, ok)

	now = now.Add(2 * time.Minute)
	_, ok = r.Get("a")
	require.False(t, ok, "expired sessions are hidden before the sweep")

	require.Equal(t, 1, r.Sweep())
	require.Equal(t, []string{"a"}, expired)
	require.Equal(t, 0, gauge.value())
	require.Equal(t, 1, s.media.Released())
	require.False(t, s.wizard.Snapshot().CameraActive)
}

func TestSessionRegistryRemove(t *testing.T) {
	r := NewSessionRegistry(0, nil, nil)
	require.Equal(t, DefaultSessionTTL, r.ttl)

	s := newActiveSession(t, r, "b")
	require.Equal(t, 1, r.Len())

	require.True(t, r.Remove("b"))
	require.False(t, r.Remove("b"))
	require.Equal(t, 0, r.Len())
	require.Equal(t, 1, s.media.Released())
}

func TestSessionRegistryRunClosesOnShutdown(t *testing.T) {
	r := NewSessionRegistry(time.Minute, nil, nil)
	s := newActiveSession(t, r, "c")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx, 10*time.Millisecond) }()

	cancel()
	require.NoError(t, <-done)
	require.Equal(t, 0, r.Len())
	require.Equal(t, 1, s.media.Released())
}

func TestSessionAttestOnce(t *testing.T) {
	r := NewSessionRegistry(time.Minute, nil, nil)
	media := NewClientMediaSource("d")
	s := r.Add("d", testFactory(nil).New("d", media), media)
	t.Cleanup(r.CloseAll)

	creator := &countingJwtCreator{}
	first, err := s.attest(creator)
	require.NoError(t, err)
	second, err := s.attest(creator)
	require.NoError(t, err)

	require.Equal(t, first, second)
	require.Equal(t, 1, creator.calls)
	require.Equal(t, "d", creator.last.SessionId)
}

type countingJwtCreator struct {
	calls int
	last  AttendanceRecord
}

func (c *countingJwtCreator) CreateAttendanceJwt(record AttendanceRecord) (string, error) {
	c.calls++
	c.last = record
	return "jwt", nil
}

func TestAttendanceFactoryWiresObserver(t *testing.T) {
	obs := &countingObserver{}
	f := testFactory(nil)
	f.Observer = obs

	media := NewClientMediaSource("e")
	w := f.New("e", media)
	t.Cleanup(w.Close)

	_, err := w.VerifyLocation(context.Background(), NewReportedPositionSensor(true, &models.Position{Latitude: 0, Longitude: 0, Accuracy: 5}, nil))
	require.NoError(t, err)

	obs.mu.Lock()
	defer obs.mu.Unlock()
	require.Equal(t, 1, obs.locations)
}

type countingObserver struct {
	mu        sync.Mutex
	locations int
}

func (o *countingObserver) LocationChecked(_ location.Outcome) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.locations++
}

func (o *countingObserver) CameraResolved(bool) {}

func (o *countingObserver) FaceCaptured(capture.Result, error) {}

var _ attendance.Observer = (*countingObserver)(nil)
