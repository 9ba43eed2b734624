package capture

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrPermissionDenied   = errors.New("camera access denied")
	ErrPreconditionFailed = errors.New("please complete previous steps first")
	ErrClosed             = errors.New("capture controller closed")
)

const DefaultCaptureDelay = 2 * time.Second

// MediaSource is the host platform's camera capability.
type MediaSource interface {
	// RequestVideoStream asks for a video-only stream. A refusal is reported
	// as ErrPermissionDenied (possibly wrapped).
	RequestVideoStream(ctx context.Context) (Stream, error)
}

// Stream is an exclusively owned live media stream.
type Stream interface {
	ID() string
	// Release stops all underlying tracks.
	Release()
}

// Frame is a still taken from the live stream, base64 encoded. It may be
// empty when the strategy does not need pixels.
type Frame struct {
	Image string
}

type Result struct {
	Matched    bool
	Similarity float64
}

// Capturer performs the face capture step against an active stream.
type Capturer interface {
	Capture(ctx context.Context, frame Frame) (Result, error)
}

// SimulatedCapturer waits a fixed delay and always matches. The delay is
// not cut short by context cancellation.
type SimulatedCapturer struct {
	Delay time.Duration
}

func (s SimulatedCapturer) Capture(_ context.Context, _ Frame) (Result, error) {
	delay := s.Delay
	if delay <= 0 {
		delay = DefaultCaptureDelay
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	<-timer.C
	return Result{Matched: true, Similarity: 1}, nil
}

// TrackedStream is a Stream whose release hook runs at most once.
type TrackedStream struct {
	id        string
	once      sync.Once
	onRelease func()
}

func NewTrackedStream(onRelease func()) *TrackedStream {
	return &TrackedStream{id: uuid.NewString(), onRelease: onRelease}
}

func (s *TrackedStream) ID() string {
	return s.id
}

func (s *TrackedStream) Release() {
	s.once.Do(func() {
		if s.onRelease != nil {
			s.onRelease()
		}
	})
}
