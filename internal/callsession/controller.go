package callsession

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/streamloom/call-relay/internal/signaling"
)

type State string

const (
	StateIdle           State = "idle"
	StateAcquiringMedia State = "acquiring_media"
	StateNegotiating    State = "negotiating"
	StateConnected      State = "connected"
	StateTerminated     State = "terminated"
)

const DefaultNegotiationTimeout = 30 * time.Second

// Config wires one call attempt.
type Config struct {
	Signaler Signaler

	// Media is the camera/microphone source; Screen the screen-capture
	// source for sharing. Screen may be nil if sharing is never used.
	Media  MediaSource
	Screen MediaSource

	// RoomID defaults to a time-derived id when empty.
	RoomID string

	// Initiator controllers emit the offer once the room join is
	// acknowledged. Non-initiators join and answer the first inbound offer.
	Initiator bool

	// WebRTC overrides the pion API used to build the peer connection,
	// e.g. one with a vnet-backed SettingEngine in tests. Nil uses the
	// package default.
	WebRTC     *webrtc.API
	ICEServers []webrtc.ICEServer

	// NegotiationTimeout bounds Idle to Connected. Zero means
	// DefaultNegotiationTimeout.
	NegotiationTimeout time.Duration

	Logger *slog.Logger
}

type eventKind int

const (
	evRemoteTrack eventKind = iota
	evScreenEnded
)

type event struct {
	kind      eventKind
	source    ChunkSource
	screenGen int
}

// Controller is the per-participant state machine for one call session:
// Idle -> AcquiringMedia -> Negotiating -> Connected -> Terminated, with
// screen sharing and recording as concurrent sub-modes of Connected.
//
// All session state is exclusively owned by one Controller; nothing here is
// shared between sessions.
type Controller struct {
	cfg    Config
	log    *slog.Logger
	roomID string

	pc *webrtc.PeerConnection

	mu      sync.Mutex
	state   State
	err     error
	localID string
	peerID  string

	offerSent     bool
	remoteDescSet bool
	// Candidates that arrived before the remote description, in receipt
	// order.
	pendingCandidates []signaling.Candidate

	localMedia  LocalMedia
	cameraVideo webrtc.TrackLocal
	videoSender *webrtc.RTPSender

	screenMedia   LocalMedia
	screenSharing bool
	screenGen     int

	remoteSource ChunkSource
	recorder     *Recorder

	events   chan event
	done     chan struct{}
	doneOnce sync.Once
}

func New(cfg Config) *Controller {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	roomID := cfg.RoomID
	if roomID == "" {
		roomID = strconv.FormatInt(time.Now().UnixMilli(), 10)
	}
	if cfg.NegotiationTimeout <= 0 {
		cfg.NegotiationTimeout = DefaultNegotiationTimeout
	}
	return &Controller{
		cfg:    cfg,
		log:    log,
		roomID: roomID,
		state:  StateIdle,
		events: make(chan event, 16),
		done:   make(chan struct{}),
	}
}

func (c *Controller) RoomID() string { return c.roomID }

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Err returns the terminal error, nil before termination or after a clean
// close.
func (c *Controller) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Done is closed when the controller reaches Terminated.
func (c *Controller) Done() <-chan struct{} { return c.done }

// PeerConnection exposes the underlying pion connection. Nil before Start.
func (c *Controller) PeerConnection() *webrtc.PeerConnection {
	return c.pc
}

// Start acquires local media, builds the peer connection, joins the room
// and runs the session loop. It returns once the controller has reached
// Negotiating (or failed to).
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateIdle {
		state := c.state
		c.mu.Unlock()
		if state == StateTerminated {
			return fmt.Errorf("start: %w", ErrTerminated)
		}
		return fmt.Errorf("start from state %q: session already started", state)
	}
	c.state = StateAcquiringMedia
	c.mu.Unlock()

	media, err := c.cfg.Media.Capture(ctx)
	if err != nil {
		err = fmt.Errorf("acquire media: %w", err)
		c.terminate(err)
		return err
	}

	if err := c.setupPeerConnection(media); err != nil {
		_ = media.Close()
		c.terminate(err)
		return err
	}

	c.mu.Lock()
	c.localMedia = media
	c.state = StateNegotiating
	c.mu.Unlock()

	if err := c.cfg.Signaler.Send(signaling.SignalMessage{
		Type:   signaling.MessageTypeJoin,
		RoomID: c.roomID,
	}); err != nil {
		err = fmt.Errorf("join room: %w", err)
		c.terminate(err)
		return err
	}

	go c.run(ctx)
	return nil
}

func (c *Controller) setupPeerConnection(media LocalMedia) error {
	pcConfig := webrtc.Configuration{ICEServers: c.cfg.ICEServers}

	var pc *webrtc.PeerConnection
	var err error
	if c.cfg.WebRTC != nil {
		pc, err = c.cfg.WebRTC.NewPeerConnection(pcConfig)
	} else {
		pc, err = webrtc.NewPeerConnection(pcConfig)
	}
	if err != nil {
		return fmt.Errorf("create peer connection: %w", err)
	}
	c.pc = pc

	for _, track := range media.Tracks() {
		sender, err := pc.AddTrack(track)
		if err != nil {
			_ = pc.Close()
			return fmt.Errorf("add track %s: %w", track.ID(), err)
		}
		if track.Kind() == webrtc.RTPCodecTypeVideo && c.videoSender == nil {
			c.videoSender = sender
			c.cameraVideo = track
		}
	}

	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		wire := signaling.CandidateFromPion(cand.ToJSON())
		if err := c.cfg.Signaler.Send(signaling.SignalMessage{
			Type:      signaling.MessageTypeCandidate,
			RoomID:    c.roomID,
			Candidate: &wire,
		}); err != nil {
			c.log.Debug("send candidate failed", "err", err)
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		c.log.Debug("remote track arrived", "kind", track.Kind().String(), "id", track.ID())
		select {
		case c.events <- event{kind: evRemoteTrack, source: newTrackChunkSource(track, c.done)}:
		case <-c.done:
		}
	})

	return nil
}

func (c *Controller) run(ctx context.Context) {
	timer := time.NewTimer(c.cfg.NegotiationTimeout)
	defer timer.Stop()
	timerArmed := true

	for {
		select {
		case <-ctx.Done():
			c.terminate(ctx.Err())
			return
		case <-c.done:
			return
		case <-timer.C:
			if timerArmed {
				c.terminate(ErrNegotiationTimeout)
				return
			}
		case msg, ok := <-c.cfg.Signaler.Messages():
			if !ok {
				c.terminate(ErrTransportDropped)
				return
			}
			c.handleSignal(msg)
		case ev := <-c.events:
			switch ev.kind {
			case evRemoteTrack:
				if c.onRemoteTrack(ev.source) && timerArmed {
					timerArmed = false
					timer.Stop()
				}
			case evScreenEnded:
				c.restartScreenShare(ev.screenGen)
			}
		}
	}
}

func (c *Controller) handleSignal(msg signaling.SignalMessage) {
	switch msg.Type {
	case signaling.MessageTypeJoined:
		c.mu.Lock()
		c.localID = msg.ParticipantID
		initiate := c.cfg.Initiator && !c.offerSent
		c.mu.Unlock()
		if initiate {
			if err := c.sendOffer(); err != nil {
				c.log.Warn("send offer failed", "err", err)
			}
		}
	case signaling.MessageTypeUserJoined:
		c.mu.Lock()
		if c.peerID == "" {
			c.peerID = msg.ParticipantID
		}
		c.mu.Unlock()
	case signaling.MessageTypeOffer:
		if err := c.handleRemoteOffer(msg); err != nil {
			c.log.Warn("inbound offer rejected", "from", msg.From, "err", err)
		}
	case signaling.MessageTypeAnswer:
		if err := c.handleRemoteAnswer(msg); err != nil {
			c.log.Warn("inbound answer rejected", "from", msg.From, "err", err)
		}
	case signaling.MessageTypeCandidate:
		c.handleRemoteCandidate(msg)
	case signaling.MessageTypeUserLeft:
		c.log.Info("peer left room", "participant", msg.ParticipantID)
	case signaling.MessageTypeError:
		c.log.Warn("relay error", "code", msg.Code, "message", msg.Message)
	default:
		c.log.Debug("ignoring signal", "type", string(msg.Type))
	}
}

func (c *Controller) sendOffer() error {
	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	if err := c.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local description: %w", err)
	}

	c.mu.Lock()
	c.offerSent = true
	c.mu.Unlock()

	wire := signaling.SDPFromPion(offer)
	return c.cfg.Signaler.Send(signaling.SignalMessage{
		Type:   signaling.MessageTypeOffer,
		RoomID: c.roomID,
		SDP:    &wire,
	})
}

// handleRemoteOffer answers an inbound offer. A controller that never sent
// an offer itself starts negotiating from here.
//
// Offer collision (both sides offered before either answered) resolves
// deterministically: the participant with the lexicographically smaller id
// keeps its offer; the other rolls back and answers.
func (c *Controller) handleRemoteOffer(msg signaling.SignalMessage) error {
	if msg.SDP == nil {
		return fmt.Errorf("offer without sdp: %w", ErrInvalidMessage)
	}

	c.mu.Lock()
	collision := c.offerSent && !c.remoteDescSet
	keepOurs := collision && c.localID < msg.From
	c.mu.Unlock()

	if keepOurs {
		c.log.Debug("offer collision, keeping local offer", "from", msg.From)
		return nil
	}
	if collision {
		c.log.Debug("offer collision, rolling back local offer", "from", msg.From)
		if err := c.pc.SetLocalDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeRollback}); err != nil {
			return fmt.Errorf("rollback: %w", err)
		}
		c.mu.Lock()
		c.offerSent = false
		c.mu.Unlock()
	}

	desc, err := msg.SDP.ToPion()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if err := c.applyRemoteDescription(desc, msg.From); err != nil {
		return err
	}

	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	if err := c.pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("set local description: %w", err)
	}

	wire := signaling.SDPFromPion(answer)
	return c.cfg.Signaler.Send(signaling.SignalMessage{
		Type:   signaling.MessageTypeAnswer,
		RoomID: c.roomID,
		SDP:    &wire,
	})
}

func (c *Controller) handleRemoteAnswer(msg signaling.SignalMessage) error {
	if msg.SDP == nil {
		return fmt.Errorf("answer without sdp: %w", ErrInvalidMessage)
	}

	c.mu.Lock()
	expected := c.offerSent && !c.remoteDescSet
	c.mu.Unlock()
	if !expected {
		return fmt.Errorf("unexpected answer: %w", ErrInvalidMessage)
	}

	desc, err := msg.SDP.ToPion()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	return c.applyRemoteDescription(desc, msg.From)
}

// applyRemoteDescription sets the remote description and flushes candidates
// queued before it existed, in receipt order.
func (c *Controller) applyRemoteDescription(desc webrtc.SessionDescription, from string) error {
	if err := c.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}

	c.mu.Lock()
	c.remoteDescSet = true
	if c.peerID == "" {
		c.peerID = from
	}
	queued := c.pendingCandidates
	c.pendingCandidates = nil
	c.mu.Unlock()

	for _, cand := range queued {
		if err := c.pc.AddICECandidate(cand.ToPion()); err != nil {
			c.log.Warn("apply queued candidate failed", "err", err)
		}
	}
	return nil
}

// handleRemoteCandidate applies a candidate immediately once the remote
// description exists; before that it queues. Application errors are logged,
// never fatal.
func (c *Controller) handleRemoteCandidate(msg signaling.SignalMessage) {
	if msg.Candidate == nil {
		c.log.Debug("candidate message without candidate")
		return
	}

	c.mu.Lock()
	if !c.remoteDescSet {
		c.pendingCandidates = append(c.pendingCandidates, *msg.Candidate)
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	if err := c.pc.AddICECandidate(msg.Candidate.ToPion()); err != nil {
		c.log.Warn("apply candidate failed", "err", err)
	}
}

// onRemoteTrack records the first remote stream and transitions to
// Connected. Reports whether the session is now connected.
func (c *Controller) onRemoteTrack(src ChunkSource) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateTerminated {
		return false
	}
	if c.remoteSource == nil {
		c.remoteSource = src
	}
	c.state = StateConnected
	return true
}

// StartScreenShare swaps the outgoing video track for a fresh screen
// capture, without renegotiating. While sharing is active, a revoked grant
// re-acquires the capture automatically.
func (c *Controller) StartScreenShare(ctx context.Context) error {
	if c.cfg.Screen == nil {
		return fmt.Errorf("no screen capture source configured")
	}

	c.mu.Lock()
	if c.state != StateConnected {
		state := c.state
		c.mu.Unlock()
		if state == StateTerminated {
			return fmt.Errorf("screen share: %w", ErrTerminated)
		}
		return fmt.Errorf("screen share from state %q: not connected", state)
	}
	if c.screenSharing {
		c.mu.Unlock()
		return fmt.Errorf("screen share already active")
	}
	if c.videoSender == nil {
		c.mu.Unlock()
		return fmt.Errorf("no outgoing video track to replace")
	}
	c.screenSharing = true
	c.screenGen++
	gen := c.screenGen
	c.mu.Unlock()

	if err := c.acquireScreen(ctx, gen); err != nil {
		c.mu.Lock()
		c.screenSharing = false
		c.mu.Unlock()
		return err
	}
	return nil
}

func (c *Controller) acquireScreen(ctx context.Context, gen int) error {
	media, err := c.cfg.Screen.Capture(ctx)
	if err != nil {
		return fmt.Errorf("acquire screen: %w", err)
	}

	video := firstVideoTrack(media.Tracks())
	if video == nil {
		_ = media.Close()
		return fmt.Errorf("screen capture produced no video track")
	}

	if err := c.videoSender.ReplaceTrack(video); err != nil {
		_ = media.Close()
		return fmt.Errorf("replace track: %w", err)
	}

	c.mu.Lock()
	old := c.screenMedia
	c.screenMedia = media
	c.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}

	go func() {
		select {
		case <-media.Done():
			select {
			case c.events <- event{kind: evScreenEnded, screenGen: gen}:
			case <-c.done:
			}
		case <-c.done:
		}
	}()
	return nil
}

// restartScreenShare re-enters screen acquisition after the platform ended
// the capture. The generation counter discards events from captures already
// replaced or stopped.
func (c *Controller) restartScreenShare(gen int) {
	c.mu.Lock()
	stale := !c.screenSharing || gen != c.screenGen || c.state != StateConnected
	if !stale {
		c.screenGen++
		gen = c.screenGen
	}
	c.mu.Unlock()
	if stale {
		return
	}

	c.log.Info("screen capture ended, re-acquiring")
	if err := c.acquireScreen(context.Background(), gen); err != nil {
		c.log.Warn("screen re-acquire failed, restoring camera", "err", err)
		c.teardownScreenShare()
	}
}

// StopScreenShare restores the camera track.
func (c *Controller) StopScreenShare() error {
	c.mu.Lock()
	if !c.screenSharing {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()
	c.teardownScreenShare()
	return nil
}

func (c *Controller) teardownScreenShare() {
	c.mu.Lock()
	c.screenSharing = false
	c.screenGen++
	media := c.screenMedia
	c.screenMedia = nil
	camera := c.cameraVideo
	sender := c.videoSender
	c.mu.Unlock()

	if media != nil {
		_ = media.Close()
	}
	if sender != nil && camera != nil {
		if err := sender.ReplaceTrack(camera); err != nil {
			c.log.Warn("restore camera track failed", "err", err)
		}
	}
}

func (c *Controller) ScreenSharing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.screenSharing
}

// StartRecording begins buffering the remote stream. It fails with
// ErrRecordingPrecondition when no remote stream exists yet and acquires
// nothing in that case.
func (c *Controller) StartRecording() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateConnected || c.remoteSource == nil {
		return ErrRecordingPrecondition
	}
	if c.recorder != nil {
		return fmt.Errorf("recording already active")
	}
	c.recorder = NewRecorder(c.remoteSource)
	return nil
}

// StopRecording returns the single artifact built from all chunks in
// arrival order.
func (c *Controller) StopRecording() ([]byte, error) {
	c.mu.Lock()
	rec := c.recorder
	c.recorder = nil
	c.mu.Unlock()
	if rec == nil {
		return nil, fmt.Errorf("no active recording: %w", ErrRecordingPrecondition)
	}
	return rec.Stop(), nil
}

func (c *Controller) Recording() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.recorder != nil
}

// Close terminates the session without an error.
func (c *Controller) Close() error {
	c.terminate(nil)
	return nil
}

// terminate releases every held resource exactly once: recorder, screen and
// camera media, peer connection, signaling transport.
func (c *Controller) terminate(cause error) {
	c.mu.Lock()
	if c.state == StateTerminated {
		c.mu.Unlock()
		return
	}
	c.state = StateTerminated
	if cause != nil && c.err == nil {
		c.err = cause
	}
	recorder := c.recorder
	c.recorder = nil
	screenMedia := c.screenMedia
	c.screenMedia = nil
	c.screenSharing = false
	localMedia := c.localMedia
	c.localMedia = nil
	c.mu.Unlock()

	if recorder != nil {
		_ = recorder.Stop()
	}
	if screenMedia != nil {
		_ = screenMedia.Close()
	}
	if localMedia != nil {
		_ = localMedia.Close()
	}
	if c.pc != nil {
		_ = c.pc.Close()
	}
	if c.cfg.Signaler != nil {
		_ = c.cfg.Signaler.Close()
	}

	if cause != nil {
		c.log.Info("call session terminated", "err", cause)
	} else {
		c.log.Info("call session terminated")
	}
	c.doneOnce.Do(func() { close(c.done) })
}

func firstVideoTrack(tracks []webrtc.TrackLocal) webrtc.TrackLocal {
	for _, track := range tracks {
		if track.Kind() == webrtc.RTPCodecTypeVideo {
			return track
		}
	}
	return nil
}
