package callsession

import (
	"bytes"
	"sync"

	"github.com/pion/webrtc/v4"
)

// ChunkSource delivers pieces of the remote stream as they become
// available. The channel is closed when the stream ends.
type ChunkSource interface {
	Chunks() <-chan []byte
}

// Recorder buffers remote-stream chunks in arrival order. Stop concatenates
// everything received so far into exactly one artifact.
type Recorder struct {
	mu     sync.Mutex
	chunks [][]byte

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

func NewRecorder(src ChunkSource) *Recorder {
	r := &Recorder{
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	go r.pump(src)
	return r
}

func (r *Recorder) pump(src ChunkSource) {
	defer close(r.done)
	for {
		select {
		case chunk, ok := <-src.Chunks():
			if !ok {
				return
			}
			r.mu.Lock()
			r.chunks = append(r.chunks, chunk)
			r.mu.Unlock()
		case <-r.stop:
			// Drain chunks that arrived before the stop signal.
			for {
				select {
				case chunk, ok := <-src.Chunks():
					if !ok {
						return
					}
					r.mu.Lock()
					r.chunks = append(r.chunks, chunk)
					r.mu.Unlock()
				default:
					return
				}
			}
		}
	}
}

// Stop ends buffering and returns the single concatenated artifact. Calling
// Stop again returns the same artifact.
func (r *Recorder) Stop() []byte {
	r.stopOnce.Do(func() { close(r.stop) })
	<-r.done

	r.mu.Lock()
	defer r.mu.Unlock()
	var buf bytes.Buffer
	for _, chunk := range r.chunks {
		buf.Write(chunk)
	}
	return buf.Bytes()
}

// trackChunkSource adapts a pion remote track to ChunkSource by reading
// RTP payloads.
type trackChunkSource struct {
	ch      <-chan []byte
	stopped chan struct{}
}

func newTrackChunkSource(track *webrtc.TrackRemote, done <-chan struct{}) *trackChunkSource {
	return newChunkPump(func() ([]byte, error) {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			return nil, err
		}
		payload := make([]byte, len(pkt.Payload))
		copy(payload, pkt.Payload)
		return payload, nil
	}, done)
}

// newChunkPump reads chunks until the reader fails or done closes. The done
// case is what ends the goroutine when nobody drains the channel: most
// sessions never attach a Recorder, and once the buffer fills the send
// would otherwise park forever, past any close of the underlying track.
func newChunkPump(read func() ([]byte, error), done <-chan struct{}) *trackChunkSource {
	ch := make(chan []byte, 64)
	s := &trackChunkSource{ch: ch, stopped: make(chan struct{})}
	go func() {
		defer close(s.stopped)
		defer close(ch)
		for {
			payload, err := read()
			if err != nil {
				return
			}
			select {
			case ch <- payload:
			case <-done:
				return
			}
		}
	}()
	return s
}

func (s *trackChunkSource) Chunks() <-chan []byte { return s.ch }
