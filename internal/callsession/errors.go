package callsession

import "errors"

var (
	// ErrCapabilityDenied reports that camera/microphone or screen capture
	// permission was refused by the platform.
	ErrCapabilityDenied = errors.New("media capability denied")

	// ErrNegotiationTimeout reports that no usable remote description or
	// media arrived within the configured negotiation bound.
	ErrNegotiationTimeout = errors.New("negotiation timeout")

	// ErrTransportDropped reports that the signaling connection was lost
	// mid-session.
	ErrTransportDropped = errors.New("signaling transport dropped")

	// ErrInvalidMessage reports a signaling message the controller cannot
	// act on in its current state.
	ErrInvalidMessage = errors.New("invalid signaling message")

	// ErrRecordingPrecondition reports a recording request made before any
	// remote stream exists.
	ErrRecordingPrecondition = errors.New("recording requires a remote stream")

	// ErrTerminated reports an operation on a controller that already
	// reached its terminal state.
	ErrTerminated = errors.New("session terminated")
)
