package signaling

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/streamloom/call-relay/internal/metrics"
)

func newTestSignalingServer(t *testing.T) (*httptest.Server, *Hub, *metrics.Metrics) {
	t.Helper()

	m := metrics.New()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	hub := NewHub(HubConfig{Logger: logger, Metrics: m})

	srv := NewServer(Config{
		Hub:          hub,
		Logger:       logger,
		Metrics:      m,
		IdleTimeout:  5 * time.Second,
		PingInterval: 1 * time.Second,
	})

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, hub, m
}

func dialSignaling(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/signaling"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func sendMessage(t *testing.T, conn *websocket.Conn, msg SignalMessage) {
	t.Helper()
	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func readMessage(t *testing.T, conn *websocket.Conn) SignalMessage {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var msg SignalMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("unmarshal %q: %v", data, err)
	}
	return msg
}

func TestOfferAnswerCandidateExchange(t *testing.T) {
	ts, hub, _ := newTestSignalingServer(t)

	alice := dialSignaling(t, ts)
	bob := dialSignaling(t, ts)

	sendMessage(t, bob, SignalMessage{Type: MessageTypeJoin, RoomID: "demo"})
	ack := readMessage(t, bob)
	if ack.Type != MessageTypeJoined || ack.ParticipantID == "" {
		t.Fatalf("bob received %+v, want joined ack", ack)
	}
	// Wait until bob's membership is visible before alice joins, so the
	// user-joined notification is deterministic.
	waitForRoomSize(t, hub, "demo", 1)

	sendMessage(t, alice, SignalMessage{Type: MessageTypeJoin, RoomID: "demo"})
	aliceAck := readMessage(t, alice)
	if aliceAck.Type != MessageTypeJoined || aliceAck.ParticipantID == "" {
		t.Fatalf("alice received %+v, want joined ack", aliceAck)
	}

	joined := readMessage(t, bob)
	if joined.Type != MessageTypeUserJoined {
		t.Fatalf("bob received %+v, want user-joined", joined)
	}
	aliceID := joined.ParticipantID
	if aliceID != aliceAck.ParticipantID {
		t.Fatalf("user-joined id %q, want %q", aliceID, aliceAck.ParticipantID)
	}

	sendMessage(t, alice, SignalMessage{
		Type:   MessageTypeOffer,
		RoomID: "demo",
		SDP:    &SDP{Type: "offer", SDP: "v=0 alice"},
	})
	offer := readMessage(t, bob)
	if offer.Type != MessageTypeOffer || offer.From != aliceID || offer.SDP == nil || offer.SDP.SDP != "v=0 alice" {
		t.Fatalf("bob received %+v, want offer from alice", offer)
	}

	sendMessage(t, bob, SignalMessage{
		Type:   MessageTypeAnswer,
		RoomID: "demo",
		SDP:    &SDP{Type: "answer", SDP: "v=0 bob"},
	})
	answer := readMessage(t, alice)
	if answer.Type != MessageTypeAnswer || answer.SDP == nil || answer.SDP.SDP != "v=0 bob" {
		t.Fatalf("alice received %+v, want answer from bob", answer)
	}
	bobID := answer.From
	if bobID == "" || bobID == aliceID {
		t.Fatalf("answer has from=%q", bobID)
	}

	sendMessage(t, alice, SignalMessage{
		Type:      MessageTypeCandidate,
		RoomID:    "demo",
		Candidate: &Candidate{Candidate: "candidate:alice"},
	})
	cand := readMessage(t, bob)
	if cand.Type != MessageTypeCandidate || cand.From != aliceID || cand.Candidate == nil || cand.Candidate.Candidate != "candidate:alice" {
		t.Fatalf("bob received %+v, want candidate from alice", cand)
	}

	sendMessage(t, bob, SignalMessage{
		Type:      MessageTypeCandidate,
		RoomID:    "demo",
		Candidate: &Candidate{Candidate: "candidate:bob"},
	})
	cand = readMessage(t, alice)
	if cand.Type != MessageTypeCandidate || cand.From != bobID {
		t.Fatalf("alice received %+v, want candidate from bob", cand)
	}
}

func TestDisconnectEmitsUserLeft(t *testing.T) {
	ts, hub, _ := newTestSignalingServer(t)

	alice := dialSignaling(t, ts)
	bob := dialSignaling(t, ts)

	sendMessage(t, bob, SignalMessage{Type: MessageTypeJoin, RoomID: "demo"})
	_ = readMessage(t, bob) // joined ack
	waitForRoomSize(t, hub, "demo", 1)
	sendMessage(t, alice, SignalMessage{Type: MessageTypeJoin, RoomID: "demo"})
	_ = readMessage(t, alice) // joined ack

	joined := readMessage(t, bob)
	aliceID := joined.ParticipantID

	_ = alice.Close()

	left := readMessage(t, bob)
	if left.Type != MessageTypeUserLeft || left.ParticipantID != aliceID {
		t.Fatalf("bob received %+v, want user-left for alice", left)
	}

	deadline := time.Now().Add(5 * time.Second)
	for hub.RoomSize("demo") != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("room size=%d, want 1 after disconnect", hub.RoomSize("demo"))
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestMalformedMessageIsDroppedNotFatal(t *testing.T) {
	ts, hub, m := newTestSignalingServer(t)

	alice := dialSignaling(t, ts)
	bob := dialSignaling(t, ts)

	sendMessage(t, bob, SignalMessage{Type: MessageTypeJoin, RoomID: "demo"})
	_ = readMessage(t, bob) // joined ack
	waitForRoomSize(t, hub, "demo", 1)
	sendMessage(t, alice, SignalMessage{Type: MessageTypeJoin, RoomID: "demo"})
	_ = readMessage(t, alice) // joined ack
	_ = readMessage(t, bob)   // user-joined

	if err := alice.WriteMessage(websocket.TextMessage, []byte(`{"bogus`)); err != nil {
		t.Fatalf("write malformed: %v", err)
	}

	// The connection survives and keeps relaying.
	sendMessage(t, alice, SignalMessage{
		Type:   MessageTypeOffer,
		RoomID: "demo",
		SDP:    &SDP{Type: "offer", SDP: "v=0"},
	})
	offer := readMessage(t, bob)
	if offer.Type != MessageTypeOffer {
		t.Fatalf("bob received %+v, want offer after malformed drop", offer)
	}
	if got := m.Get(metrics.DropReasonBadMessage); got == 0 {
		t.Fatalf("expected bad message drop to be counted")
	}
}

func TestRelayToUnjoinedRoomIsSilent(t *testing.T) {
	ts, _, m := newTestSignalingServer(t)

	alice := dialSignaling(t, ts)
	sendMessage(t, alice, SignalMessage{
		Type:   MessageTypeOffer,
		RoomID: "never-joined",
		SDP:    &SDP{Type: "offer", SDP: "v=0"},
	})

	// No error comes back; the connection stays open.
	_ = alice.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	if _, _, err := alice.ReadMessage(); err == nil {
		t.Fatalf("expected read timeout, relay must stay silent")
	}

	deadline := time.Now().Add(5 * time.Second)
	for m.Get(metrics.DropReasonUnknownRoom) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("unknown room drop never counted")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestRateLimitClosesConnection(t *testing.T) {
	m := metrics.New()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	hub := NewHub(HubConfig{Logger: logger, Metrics: m})
	srv := NewServer(Config{
		Hub:                           hub,
		Logger:                        logger,
		Metrics:                       m,
		MaxSignalingMessagesPerSecond: 2,
		IdleTimeout:                   5 * time.Second,
		PingInterval:                  1 * time.Second,
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	conn := dialSignaling(t, ts)
	for i := 0; i < 10; i++ {
		data, _ := json.Marshal(SignalMessage{Type: MessageTypeJoin, RoomID: "demo"})
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			break
		}
	}

	sawClose := false
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		_, _, err := conn.ReadMessage()
		if err != nil {
			sawClose = websocket.IsCloseError(err, websocket.ClosePolicyViolation)
			break
		}
	}
	if !sawClose {
		t.Fatalf("expected policy violation close after rate limit")
	}
	if got := m.Get(metrics.DropReasonRateLimited); got == 0 {
		t.Fatalf("expected rate limited drop to be counted")
	}
}

func waitForRoomSize(t *testing.T, hub *Hub, roomID string, want int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for hub.RoomSize(roomID) != want {
		if time.Now().After(deadline) {
			t.Fatalf("room %q size=%d, want %d", roomID, hub.RoomSize(roomID), want)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
