package signaling

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/pion/webrtc/v4"
)

type MessageType string

const (
	// Client -> relay. Offer, answer and candidate are also relayed back out
	// to the other room members with From set.
	MessageTypeJoin      MessageType = "join"
	MessageTypeOffer     MessageType = "offer"
	MessageTypeAnswer    MessageType = "answer"
	MessageTypeCandidate MessageType = "ice-candidate"

	// Relay -> client only. A join is acknowledged with "joined" carrying
	// the relay-assigned participant id; peers learn each other's ids from
	// user-joined and the From field on relayed messages.
	MessageTypeJoined     MessageType = "joined"
	MessageTypeUserJoined MessageType = "user-joined"
	MessageTypeUserLeft   MessageType = "user-left"
	MessageTypeError      MessageType = "error"
)

// SDP is the wire form of a session description. The relay never inspects
// the SDP body; typed accessors exist for the client-side controller.
type SDP struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

func SDPFromPion(desc webrtc.SessionDescription) SDP {
	return SDP{
		Type: desc.Type.String(),
		SDP:  desc.SDP,
	}
}

func (s SDP) ToPion() (webrtc.SessionDescription, error) {
	var t webrtc.SDPType
	switch s.Type {
	case "offer":
		t = webrtc.SDPTypeOffer
	case "answer":
		t = webrtc.SDPTypeAnswer
	default:
		return webrtc.SessionDescription{}, fmt.Errorf("unsupported sdp type %q", s.Type)
	}
	return webrtc.SessionDescription{Type: t, SDP: s.SDP}, nil
}

type Candidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

func CandidateFromPion(init webrtc.ICECandidateInit) Candidate {
	return Candidate{
		Candidate:        init.Candidate,
		SDPMid:           init.SDPMid,
		SDPMLineIndex:    init.SDPMLineIndex,
		UsernameFragment: init.UsernameFragment,
	}
}

func (c Candidate) ToPion() webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}

// SignalMessage is the single wire envelope for both directions.
type SignalMessage struct {
	Type   MessageType `json:"type"`
	RoomID string      `json:"roomId,omitempty"`

	SDP       *SDP       `json:"sdp,omitempty"`
	Candidate *Candidate `json:"candidate,omitempty"`

	// From identifies the originating participant on relayed messages.
	From string `json:"from,omitempty"`

	// ParticipantID is set on user-joined/user-left notifications.
	ParticipantID string `json:"participantId,omitempty"`

	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// ParseSignalMessage decodes and validates a client -> relay message.
//
// Decoding is strict: unknown fields and trailing data are rejected so
// protocol mistakes surface immediately instead of being silently ignored.
func ParseSignalMessage(data []byte) (SignalMessage, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var msg SignalMessage
	if err := dec.Decode(&msg); err != nil {
		return SignalMessage{}, err
	}
	if err := msg.validateClient(); err != nil {
		return SignalMessage{}, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return SignalMessage{}, fmt.Errorf("unexpected trailing data")
	}
	return msg, nil
}

func (m SignalMessage) validateClient() error {
	if m.From != "" || m.ParticipantID != "" {
		return fmt.Errorf("%s message has relay-assigned fields", m.Type)
	}
	if m.Code != "" || m.Message != "" {
		return fmt.Errorf("%s message has unexpected fields", m.Type)
	}
	if m.RoomID == "" {
		return fmt.Errorf("%s message missing roomId", m.Type)
	}

	switch m.Type {
	case MessageTypeJoin:
		if m.SDP != nil || m.Candidate != nil {
			return fmt.Errorf("join message has unexpected fields")
		}
	case MessageTypeOffer:
		if m.SDP == nil {
			return fmt.Errorf("offer message missing sdp")
		}
		if m.SDP.Type != "offer" {
			return fmt.Errorf("offer message has sdp.type=%q", m.SDP.Type)
		}
		if m.Candidate != nil {
			return fmt.Errorf("offer message has unexpected fields")
		}
	case MessageTypeAnswer:
		if m.SDP == nil {
			return fmt.Errorf("answer message missing sdp")
		}
		if m.SDP.Type != "answer" {
			return fmt.Errorf("answer message has sdp.type=%q", m.SDP.Type)
		}
		if m.Candidate != nil {
			return fmt.Errorf("answer message has unexpected fields")
		}
	case MessageTypeCandidate:
		if m.Candidate == nil {
			return fmt.Errorf("ice-candidate message missing candidate")
		}
		if m.SDP != nil {
			return fmt.Errorf("ice-candidate message has unexpected fields")
		}
	default:
		return fmt.Errorf("unsupported message type %q", m.Type)
	}
	return nil
}
