package main

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go-attendance-verifier/attendance"
	"go-attendance-verifier/capture"
	"go-attendance-verifier/location"
)

type activeSessionGauge interface {
	SetActiveSessions(n int)
}

// AttendanceFactory builds one Wizard per attendance session.
type AttendanceFactory struct {
	Verifier *location.Verifier
	Capturer capture.Capturer
	Config   attendance.Config
	Observer attendance.Observer
}

func (f AttendanceFactory) New(sessionId string, media capture.MediaSource) *attendance.Wizard {
	return attendance.NewWizard(
		f.Verifier,
		capture.NewController(media, f.Capturer),
		f.Config,
		attendance.WithObserver(f.Observer),
		attendance.WithLogger(slog.With("session_id", sessionId)),
	)
}

type attendanceSession struct {
	id        string
	wizard    *attendance.Wizard
	media     *ClientMediaSource
	expiresAt time.Time

	attestOnce  sync.Once
	attestation string
	attestErr   error
}

// attest issues the session's attendance JWT once; later calls return the
// same token.
func (s *attendanceSession) attest(creator JwtCreator) (string, error) {
	s.attestOnce.Do(func() {
		st := s.wizard.State()
		record := AttendanceRecord{SessionId: s.id, VerifiedAt: time.Now()}
		if st.Position != nil {
			record.Latitude = st.Position.Latitude
			record.Longitude = st.Position.Longitude
		}
		if st.Accuracy != nil {
			record.AccuracyM = *st.Accuracy
		}
		if st.Distance != nil {
			record.DistanceM = *st.Distance
		}
		if st.Similarity != nil {
			record.Similarity = *st.Similarity
		}
		s.attestation, s.attestErr = creator.CreateAttendanceJwt(record)
	})
	return s.attestation, s.attestErr
}

// SessionRegistry owns the live wizards. Sessions expire ttl after creation;
// expired sessions are torn down by Sweep.
type SessionRegistry struct {
	mu       sync.Mutex
	sessions map[string]*attendanceSession
	ttl      time.Duration
	now      func() time.Time
	gauge    activeSessionGauge
	onExpire func(sessionId string)
}

func NewSessionRegistry(ttl time.Duration, gauge activeSessionGauge, onExpire func(sessionId string)) *SessionRegistry {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	return &SessionRegistry{
		sessions: make(map[string]*attendanceSession),
		ttl:      ttl,
		now:      time.Now,
		gauge:    gauge,
		onExpire: onExpire,
	}
}

func (r *SessionRegistry) Add(id string, wizard *attendance.Wizard, media *ClientMediaSource) *attendanceSession {
	r.mu.Lock()
	s := &attendanceSession{id: id, wizard: wizard, media: media, expiresAt: r.now().Add(r.ttl)}
	old, replaced := r.sessions[id]
	r.sessions[id] = s
	r.reportLocked()
	r.mu.Unlock()

	if replaced {
		old.wizard.Close()
	}
	return s
}

func (r *SessionRegistry) Get(id string) (*attendanceSession, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok || !r.now().Before(s.expiresAt) {
		return nil, false
	}
	return s, true
}

// Remove tears the session down. It reports whether the session existed.
func (r *SessionRegistry) Remove(id string) bool {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
		r.reportLocked()
	}
	r.mu.Unlock()

	if ok {
		s.wizard.Close()
	}
	return ok
}

func (r *SessionRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Sweep tears down every expired session and returns how many were removed.
func (r *SessionRegistry) Sweep() int {
	now := r.now()

	r.mu.Lock()
	var expired []*attendanceSession
	for id, s := range r.sessions {
		if !now.Before(s.expiresAt) {
			expired = append(expired, s)
			delete(r.sessions, id)
		}
	}
	if len(expired) > 0 {
		r.reportLocked()
	}
	r.mu.Unlock()

	for _, s := range expired {
		slog.Info("Attendance session expired", "session_id", s.id)
		s.wizard.Close()
		if r.onExpire != nil {
			r.onExpire(s.id)
		}
	}
	return len(expired)
}

// Run sweeps every interval until ctx is done, then closes all sessions.
func (r *SessionRegistry) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			r.CloseAll()
			return nil
		case <-ticker.C:
			if n := r.Sweep(); n > 0 {
				slog.Debug("Swept expired sessions", "count", n)
			}
		}
	}
}

func (r *SessionRegistry) CloseAll() {
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = make(map[string]*attendanceSession)
	r.reportLocked()
	r.mu.Unlock()

	for _, s := range sessions {
		s.wizard.Close()
	}
}

func (r *SessionRegistry) reportLocked() {
	if r.gauge != nil {
		r.gauge.SetActiveSessions(len(r.sessions))
	}
}
