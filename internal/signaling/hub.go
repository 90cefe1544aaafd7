package signaling

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/streamloom/call-relay/internal/metrics"
)

var (
	ErrRoomFull     = errors.New("room is full")
	ErrTooManyRooms = errors.New("too many rooms")
)

// sender is the outbound half of a connected participant. Implemented by
// *client; narrowed to an interface so hub tests don't need WebSockets.
type sender interface {
	ID() string
	Send(msg SignalMessage) error
}

// Hub owns the room membership map. Rooms are created implicitly on the
// first join and removed implicitly when the last member leaves.
//
// A single mutex serializes all membership mutation and forwarding. Rooms
// are small (a handful of call participants) so per-room locking would buy
// nothing.
type Hub struct {
	log *slog.Logger
	m   *metrics.Metrics

	// A value <= 0 means unlimited.
	maxRooms               int
	maxParticipantsPerRoom int

	mu    sync.Mutex
	rooms map[string]map[string]sender
}

type HubConfig struct {
	Logger  *slog.Logger
	Metrics *metrics.Metrics

	MaxRooms               int
	MaxParticipantsPerRoom int
}

func NewHub(cfg HubConfig) *Hub {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		log:                    log,
		m:                      cfg.Metrics,
		maxRooms:               cfg.MaxRooms,
		maxParticipantsPerRoom: cfg.MaxParticipantsPerRoom,
		rooms:                  make(map[string]map[string]sender),
	}
}

func (h *Hub) inc(name string) {
	if h.m != nil {
		h.m.Inc(name)
	}
}

// Join adds p to the room, creating the room if needed, and notifies the
// other members. Joining a room twice is allowed and re-notifies: delivery
// of user-joined is at-least-once.
func (h *Hub) Join(roomID string, p sender) error {
	h.mu.Lock()
	room, ok := h.rooms[roomID]
	if !ok {
		if h.maxRooms > 0 && len(h.rooms) >= h.maxRooms {
			h.mu.Unlock()
			return ErrTooManyRooms
		}
		room = make(map[string]sender)
		h.rooms[roomID] = room
		h.inc(metrics.RoomCreated)
	}

	_, already := room[p.ID()]
	if !already && h.maxParticipantsPerRoom > 0 && len(room) >= h.maxParticipantsPerRoom {
		h.mu.Unlock()
		return ErrRoomFull
	}
	room[p.ID()] = p

	others := make([]sender, 0, len(room)-1)
	for id, member := range room {
		if id != p.ID() {
			others = append(others, member)
		}
	}
	h.mu.Unlock()

	if !already {
		h.inc(metrics.ParticipantJoined)
	}

	// Ack the joiner with its own relay-assigned id. Clients need it for
	// deterministic offer-collision tie-breaks.
	if err := p.Send(SignalMessage{
		Type:          MessageTypeJoined,
		RoomID:        roomID,
		ParticipantID: p.ID(),
	}); err != nil {
		h.inc(metrics.DropReasonSlowReader)
	}

	notify := SignalMessage{
		Type:          MessageTypeUserJoined,
		RoomID:        roomID,
		ParticipantID: p.ID(),
	}
	for _, member := range others {
		if err := member.Send(notify); err != nil {
			h.inc(metrics.DropReasonSlowReader)
		}
	}
	return nil
}

// Leave removes p from every room it joined and notifies the remaining
// members of each. Unknown participants are a no-op.
func (h *Hub) Leave(p sender) {
	type departure struct {
		roomID string
		others []sender
	}

	h.mu.Lock()
	var departures []departure
	for roomID, room := range h.rooms {
		if _, ok := room[p.ID()]; !ok {
			continue
		}
		delete(room, p.ID())

		others := make([]sender, 0, len(room))
		for _, member := range room {
			others = append(others, member)
		}
		departures = append(departures, departure{roomID: roomID, others: others})

		if len(room) == 0 {
			delete(h.rooms, roomID)
			h.inc(metrics.RoomRemoved)
		}
	}
	h.mu.Unlock()

	for _, d := range departures {
		h.inc(metrics.ParticipantLeft)
		notify := SignalMessage{
			Type:          MessageTypeUserLeft,
			RoomID:        d.roomID,
			ParticipantID: p.ID(),
		}
		for _, member := range d.others {
			if err := member.Send(notify); err != nil {
				h.inc(metrics.DropReasonSlowReader)
			}
		}
	}
}

// Relay forwards msg to every member of its room except the sender. The
// payload is never inspected. Messages referencing a room the sender never
// joined are dropped silently: logged and counted, no error to the sender.
func (h *Hub) Relay(msg SignalMessage, from sender) {
	h.mu.Lock()
	room, ok := h.rooms[msg.RoomID]
	if ok {
		_, ok = room[from.ID()]
	}
	if !ok {
		h.mu.Unlock()
		h.inc(metrics.DropReasonUnknownRoom)
		h.log.Debug("dropping signal for unknown room",
			"type", string(msg.Type),
			"room", msg.RoomID,
			"from", from.ID(),
		)
		return
	}

	others := make([]sender, 0, len(room)-1)
	for id, member := range room {
		if id != from.ID() {
			others = append(others, member)
		}
	}
	h.mu.Unlock()

	switch msg.Type {
	case MessageTypeOffer:
		h.inc(metrics.ForwardedOffer)
	case MessageTypeAnswer:
		h.inc(metrics.ForwardedAnswer)
	case MessageTypeCandidate:
		h.inc(metrics.ForwardedCandidate)
	}

	forwarded := SignalMessage{
		Type:      msg.Type,
		RoomID:    msg.RoomID,
		SDP:       msg.SDP,
		Candidate: msg.Candidate,
		From:      from.ID(),
	}
	for _, member := range others {
		if err := member.Send(forwarded); err != nil {
			h.inc(metrics.DropReasonSlowReader)
		}
	}
}

// RoomSize reports the current membership count of a room. Zero for
// unknown rooms.
func (h *Hub) RoomSize(roomID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms[roomID])
}
