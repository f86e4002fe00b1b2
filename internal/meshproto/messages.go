// Package meshproto defines the JSON text frames exchanged between mesh
// clients and the signaling server.
//
// Every frame is one JSON object with a "type" field. Parsing is strict:
// unknown fields, trailing data and fields that do not belong to the frame's
// type are rejected.
package meshproto

import (
	"fmt"

	"github.com/pion/webrtc/v4"
)

type Type string

const (
	TypeJoin              Type = "join"
	TypeRoster            Type = "roster"
	TypeMemberJoined      Type = "member-joined"
	TypeMemberLeft        Type = "member-left"
	TypeOffer             Type = "offer"
	TypeAnswer            Type = "answer"
	TypeCandidate         Type = "candidate"
	TypeMediaUpdate       Type = "media-update"
	TypePresentationStart Type = "presentation-start"
	TypePresentationStop  Type = "presentation-stop"
	TypeChat              Type = "chat"
	TypeLeave             Type = "leave"
	TypeError             Type = "error"
)

// Error codes carried by TypeError frames.
const (
	ErrorCodeRoomFull     = "room_full"
	ErrorCodeTooManyRooms = "too_many_rooms"
	ErrorCodeRateLimited  = "rate_limited"
)

const (
	// MaxRoomIDBytes bounds the room identifier.
	MaxRoomIDBytes = 128
	// MaxMemberIDBytes bounds member identifiers in to/from fields.
	MaxMemberIDBytes = 128
	// MaxRawDisplayNameRunes bounds the display name as sent by a client. The
	// server trims and truncates it further to a configured rune count.
	MaxRawDisplayNameRunes = 256
)

// IsEnvelope reports whether t is relayed point-to-point between members.
func (t Type) IsEnvelope() bool {
	return t == TypeOffer || t == TypeAnswer || t == TypeCandidate
}

type SessionDescription struct {
	Type string `json:"type" validate:"oneof=offer answer"`
	SDP  string `json:"sdp" validate:"required"`
}

func SessionDescriptionFromPion(desc webrtc.SessionDescription) *SessionDescription {
	return &SessionDescription{
		Type: desc.Type.String(),
		SDP:  desc.SDP,
	}
}

func (s SessionDescription) ToPion() (webrtc.SessionDescription, error) {
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

// ICECandidate mirrors RTCIceCandidateInit. An empty Candidate string is the
// end-of-candidates marker and is valid.
type ICECandidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

func ICECandidateFromPion(init webrtc.ICECandidateInit) *ICECandidate {
	return &ICECandidate{
		Candidate:        init.Candidate,
		SDPMid:           init.SDPMid,
		SDPMLineIndex:    init.SDPMLineIndex,
		UsernameFragment: init.UsernameFragment,
	}
}

func (c ICECandidate) ToPion() webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}

type MemberInfo struct {
	MemberID    string `json:"memberId"`
	DisplayName string `json:"displayName"`
	Audio       bool   `json:"audio"`
	Video       bool   `json:"video"`
}

// Message is the union of all frame shapes. Which fields may be set depends
// on Type and on the direction of travel; see ParseClient and ParseServer.
type Message struct {
	Type Type `json:"type"`

	RoomID      string       `json:"roomId,omitempty"`
	MemberID    string       `json:"memberId,omitempty"`
	DisplayName string       `json:"displayName,omitempty"`
	Members     []MemberInfo `json:"members,omitempty"`
	PresenterID string       `json:"presenterId,omitempty"`
	PreviousID  string       `json:"previousId,omitempty"`

	To        string              `json:"to,omitempty"`
	From      string              `json:"from,omitempty"`
	SDP       *SessionDescription `json:"sdp,omitempty"`
	Candidate *ICECandidate       `json:"candidate,omitempty"`

	Audio *bool `json:"audio,omitempty"`
	Video *bool `json:"video,omitempty"`

	Text string `json:"text,omitempty"`

	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// Client to server.

func Join(roomID, displayName string) Message {
	return Message{Type: TypeJoin, RoomID: roomID, DisplayName: displayName}
}

func Offer(to string, desc webrtc.SessionDescription) Message {
	return Message{Type: TypeOffer, To: to, SDP: SessionDescriptionFromPion(desc)}
}

func Answer(to string, desc webrtc.SessionDescription) Message {
	return Message{Type: TypeAnswer, To: to, SDP: SessionDescriptionFromPion(desc)}
}

func Candidate(to string, init webrtc.ICECandidateInit) Message {
	return Message{Type: TypeCandidate, To: to, Candidate: ICECandidateFromPion(init)}
}

func SetMedia(audio, video bool) Message {
	return Message{Type: TypeMediaUpdate, Audio: ptr(audio), Video: ptr(video)}
}

func StartPresenting() Message { return Message{Type: TypePresentationStart} }

func StopPresenting() Message { return Message{Type: TypePresentationStop} }

func SendChat(text string) Message { return Message{Type: TypeChat, Text: text} }

func Leave() Message { return Message{Type: TypeLeave} }

// Server to client.

func Roster(roomID, memberID string, members []MemberInfo, presenterID string) Message {
	return Message{
		Type:        TypeRoster,
		RoomID:      roomID,
		MemberID:    memberID,
		Members:     members,
		PresenterID: presenterID,
	}
}

func MemberJoined(info MemberInfo) Message {
	return Message{
		Type:        TypeMemberJoined,
		MemberID:    info.MemberID,
		DisplayName: info.DisplayName,
		Audio:       ptr(info.Audio),
		Video:       ptr(info.Video),
	}
}

func MemberLeft(memberID, displayName string) Message {
	return Message{Type: TypeMemberLeft, MemberID: memberID, DisplayName: displayName}
}

func MediaUpdated(memberID string, audio, video bool) Message {
	return Message{Type: TypeMediaUpdate, MemberID: memberID, Audio: ptr(audio), Video: ptr(video)}
}

func PresentationStarted(memberID, displayName, previousID string) Message {
	return Message{
		Type:        TypePresentationStart,
		MemberID:    memberID,
		DisplayName: displayName,
		PreviousID:  previousID,
	}
}

func PresentationStopped(memberID string) Message {
	return Message{Type: TypePresentationStop, MemberID: memberID}
}

func ChatRelayed(memberID, displayName, text string) Message {
	return Message{Type: TypeChat, MemberID: memberID, DisplayName: displayName, Text: text}
}

func Error(code, message string) Message {
	return Message{Type: TypeError, Code: code, Message: message}
}

func ptr[T any](v T) *T { return &v }
