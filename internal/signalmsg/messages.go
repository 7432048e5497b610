// Package signalmsg defines the wire protocol spoken between call
// participants and the relay.
//
// Every websocket message is a single JSON document with a "type" field.
// The relay routes on the envelope (type + room) and forwards negotiation
// payloads verbatim; only the two endpoints interpret them.
package signalmsg

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/pion/webrtc/v4"
)

type Type string

const (
	// Client -> relay.
	TypeJoinRoom Type = "join_room"

	// Relay -> client.
	TypePeerAvailable Type = "peer_available"
	TypePeerLeft      Type = "peer_left"
	TypeError         Type = "error"

	// Relayed verbatim between participants.
	TypeOffer        Type = "offer"
	TypeAnswer       Type = "answer"
	TypeICECandidate Type = "ice_candidate"
	TypeEndCall      Type = "end_call"
)

// Role tags a participant within a room.
type Role string

const (
	RoleCamera Role = "camera"
	RoleMobile Role = "mobile"
)

func (r Role) Valid() bool {
	return r == RoleCamera || r == RoleMobile
}

// SDP is a JSON-friendly session description.
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

// Candidate carries one unit of connectivity information.
type Candidate struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}

func CandidateFromPion(init webrtc.ICECandidateInit) Candidate {
	return Candidate{
		Candidate:     init.Candidate,
		SDPMid:        init.SDPMid,
		SDPMLineIndex: init.SDPMLineIndex,
	}
}

func (c Candidate) ToPion() webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:     c.Candidate,
		SDPMid:        c.SDPMid,
		SDPMLineIndex: c.SDPMLineIndex,
	}
}

// Message is the envelope for every signaling event.
type Message struct {
	Type Type   `json:"type"`
	Room string `json:"room,omitempty"`

	// join_room.
	Role Role `json:"role,omitempty"`

	// peer_left.
	EndedBy string `json:"endedBy,omitempty"`

	// offer / answer / ice_candidate: tags the negotiation attempt so stale
	// events from a superseded attempt can be discarded by the receiver.
	SessionID string `json:"sessionId,omitempty"`

	SDP       *SDP       `json:"sdp,omitempty"`
	Candidate *Candidate `json:"candidate,omitempty"`

	// error.
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

func JoinRoom(room string, role Role) Message {
	return Message{Type: TypeJoinRoom, Room: room, Role: role}
}

func PeerAvailable(room string) Message {
	return Message{Type: TypePeerAvailable, Room: room}
}

func PeerLeft(room string, endedBy Role) Message {
	return Message{Type: TypePeerLeft, Room: room, EndedBy: string(endedBy)}
}

func Offer(room, sessionID string, sdp SDP) Message {
	return Message{Type: TypeOffer, Room: room, SessionID: sessionID, SDP: &sdp}
}

func Answer(room, sessionID string, sdp SDP) Message {
	return Message{Type: TypeAnswer, Room: room, SessionID: sessionID, SDP: &sdp}
}

func ICECandidate(room, sessionID string, cand Candidate) Message {
	return Message{Type: TypeICECandidate, Room: room, SessionID: sessionID, Candidate: &cand}
}

func EndCall(room string) Message {
	return Message{Type: TypeEndCall, Room: room}
}

func Error(code, message string) Message {
	return Message{Type: TypeError, Code: code, Message: message}
}

// Parse decodes and validates a single wire message.
//
// Unknown fields and trailing data are rejected so protocol drift fails loudly
// instead of being silently ignored.
func Parse(data []byte) (Message, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var msg Message
	if err := dec.Decode(&msg); err != nil {
		return Message{}, err
	}
	if err := msg.Validate(); err != nil {
		return Message{}, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return Message{}, fmt.Errorf("unexpected trailing data")
	}
	return msg, nil
}

func (m Message) Validate() error {
	switch m.Type {
	case TypeJoinRoom:
		if m.Room == "" {
			return fmt.Errorf("join_room missing room")
		}
		if !m.Role.Valid() {
			return fmt.Errorf("join_room has invalid role %q", m.Role)
		}
		if m.SDP != nil || m.Candidate != nil || m.SessionID != "" {
			return fmt.Errorf("join_room has unexpected fields")
		}
	case TypePeerAvailable:
		if m.Room == "" {
			return fmt.Errorf("peer_available missing room")
		}
	case TypePeerLeft:
		if m.Room == "" {
			return fmt.Errorf("peer_left missing room")
		}
	case TypeOffer:
		if m.Room == "" || m.SDP == nil {
			return fmt.Errorf("offer missing room/sdp")
		}
		if m.SDP.Type != "offer" {
			return fmt.Errorf("offer has sdp.type=%q", m.SDP.Type)
		}
	case TypeAnswer:
		if m.Room == "" || m.SDP == nil {
			return fmt.Errorf("answer missing room/sdp")
		}
		if m.SDP.Type != "answer" {
			return fmt.Errorf("answer has sdp.type=%q", m.SDP.Type)
		}
	case TypeICECandidate:
		if m.Room == "" || m.Candidate == nil {
			return fmt.Errorf("ice_candidate missing room/candidate")
		}
		if m.Candidate.Candidate == "" {
			return fmt.Errorf("ice_candidate has empty candidate")
		}
	case TypeEndCall:
		if m.Room == "" {
			return fmt.Errorf("end_call missing room")
		}
		if m.SDP != nil || m.Candidate != nil {
			return fmt.Errorf("end_call has unexpected fields")
		}
	case TypeError:
		if m.Code == "" || m.Message == "" {
			return fmt.Errorf("error missing code/message")
		}
	default:
		return fmt.Errorf("unsupported message type %q", m.Type)
	}
	return nil
}

// Relayable reports whether the relay forwards this message verbatim to the
// other participant in the room.
func (m Message) Relayable() bool {
	switch m.Type {
	case TypeOffer, TypeAnswer, TypeICECandidate, TypeEndCall:
		return true
	}
	return false
}
