package callsession

import (
	"context"
	"sync"

	"github.com/pion/webrtc/v4"
)

// MediaSource abstracts a capture device: camera/microphone for the main
// call media, or screen capture for sharing. Capture is expected to block
// until the platform grants or denies access; a denial is returned as
// ErrCapabilityDenied (possibly wrapped).
type MediaSource interface {
	Capture(ctx context.Context) (LocalMedia, error)
}

// LocalMedia is one live capture. Done is closed when the capture ends on
// its own, e.g. the user revokes a screen-share grant; Close releases the
// underlying device and also closes Done.
type LocalMedia interface {
	Tracks() []webrtc.TrackLocal
	Done() <-chan struct{}
	Close() error
}

// StaticMedia is a LocalMedia over pre-built pion tracks. Callers that
// produce media with TrackLocalStaticSample wrap the tracks here; EndCapture
// simulates or reports the platform ending the capture.
type StaticMedia struct {
	tracks []webrtc.TrackLocal

	once sync.Once
	done chan struct{}
}

func NewStaticMedia(tracks ...webrtc.TrackLocal) *StaticMedia {
	return &StaticMedia{
		tracks: tracks,
		done:   make(chan struct{}),
	}
}

func (m *StaticMedia) Tracks() []webrtc.TrackLocal { return m.tracks }

func (m *StaticMedia) Done() <-chan struct{} { return m.done }

// EndCapture marks the capture as ended without an explicit Close, the way
// a revoked screen-share grant does.
func (m *StaticMedia) EndCapture() {
	m.once.Do(func() { close(m.done) })
}

func (m *StaticMedia) Close() error {
	m.once.Do(func() { close(m.done) })
	return nil
}

// SourceFunc adapts a capture function to MediaSource. Useful where every
// Capture must produce a fresh LocalMedia, e.g. screen capture that can be
// re-acquired after the grant is revoked.
type SourceFunc func(context.Context) (LocalMedia, error)

func (f SourceFunc) Capture(ctx context.Context) (LocalMedia, error) { return f(ctx) }

// StaticSource returns the same LocalMedia for every Capture call.
type StaticSource struct {
	Media LocalMedia
	Err   error
}

func (s StaticSource) Capture(context.Context) (LocalMedia, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	return s.Media, nil
}
