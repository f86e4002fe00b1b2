package meshproto

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
)

// ErrInvalidMessage is wrapped by every parse failure.
var ErrInvalidMessage = errors.New("meshproto: invalid message")

// Limits are the configurable bounds applied to client frames.
type Limits struct {
	// MaxChatBytes bounds chat text. <= 0 disables the check.
	MaxChatBytes int
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	if err := v.RegisterValidation("roomid", validateRoomID); err != nil {
		panic(fmt.Sprintf("meshproto: register roomid validation: %v", err))
	}
	return v
}

// validateRoomID accepts 1..MaxRoomIDBytes bytes of valid UTF-8 without
// control characters and with at least one non-space rune.
func validateRoomID(fl validator.FieldLevel) bool {
	id := fl.Field().String()
	if id == "" || len(id) > MaxRoomIDBytes || !utf8.ValidString(id) {
		return false
	}
	if strings.TrimSpace(id) == "" {
		return false
	}
	for _, r := range id {
		if unicode.IsControl(r) {
			return false
		}
	}
	return true
}

type joinFields struct {
	RoomID      string `validate:"required,roomid"`
	DisplayName string `validate:"max=256"`
}

type sdpEnvelopeFields struct {
	Peer string              `validate:"required,max=128"`
	SDP  *SessionDescription `validate:"required"`
}

type candidateEnvelopeFields struct {
	Peer      string        `validate:"required,max=128"`
	Candidate *ICECandidate `validate:"required"`
}

type mediaFields struct {
	Audio *bool `validate:"required"`
	Video *bool `validate:"required"`
}

type memberFields struct {
	MemberID string `validate:"required,max=128"`
}

type chatFields struct {
	Text string `validate:"required"`
}

type errorFields struct {
	Code string `validate:"required"`
}

// Allowed fields per type, by JSON name.
var clientFields = map[Type][]string{
	TypeJoin:              {"roomId", "displayName"},
	TypeOffer:             {"to", "sdp"},
	TypeAnswer:            {"to", "sdp"},
	TypeCandidate:         {"to", "candidate"},
	TypeMediaUpdate:       {"audio", "video"},
	TypePresentationStart: nil,
	TypePresentationStop:  nil,
	TypeChat:              {"text"},
	TypeLeave:             nil,
}

var serverFields = map[Type][]string{
	TypeRoster:            {"roomId", "memberId", "members", "presenterId"},
	TypeMemberJoined:      {"memberId", "displayName", "audio", "video"},
	TypeMemberLeft:        {"memberId", "displayName"},
	TypeOffer:             {"to", "from", "sdp"},
	TypeAnswer:            {"to", "from", "sdp"},
	TypeCandidate:         {"to", "from", "candidate"},
	TypeMediaUpdate:       {"memberId", "audio", "video"},
	TypePresentationStart: {"memberId", "displayName", "previousId"},
	TypePresentationStop:  {"memberId"},
	TypeChat:              {"memberId", "displayName", "text"},
	TypeError:             {"code", "message"},
}

// ParseClient decodes and validates a frame sent by a client.
func ParseClient(data []byte, limits Limits) (Message, error) {
	msg, err := decodeStrict(data)
	if err != nil {
		return Message{}, err
	}
	if err := checkFields(msg, clientFields); err != nil {
		return Message{}, err
	}

	switch msg.Type {
	case TypeJoin:
		err = validate.Struct(joinFields{RoomID: msg.RoomID, DisplayName: msg.DisplayName})
	case TypeOffer, TypeAnswer:
		err = validate.Struct(sdpEnvelopeFields{Peer: msg.To, SDP: msg.SDP})
		if err == nil && msg.SDP.Type != string(msg.Type) {
			err = fmt.Errorf("%s message has sdp.type=%q", msg.Type, msg.SDP.Type)
		}
	case TypeCandidate:
		err = validate.Struct(candidateEnvelopeFields{Peer: msg.To, Candidate: msg.Candidate})
	case TypeMediaUpdate:
		err = validate.Struct(mediaFields{Audio: msg.Audio, Video: msg.Video})
	case TypeChat:
		err = validate.Struct(chatFields{Text: msg.Text})
		if err == nil && limits.MaxChatBytes > 0 && len(msg.Text) > limits.MaxChatBytes {
			err = fmt.Errorf("chat text is %d bytes (max %d)", len(msg.Text), limits.MaxChatBytes)
		}
	}
	if err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	return msg, nil
}

// ParseServer decodes and validates a frame sent by the signaling server.
func ParseServer(data []byte) (Message, error) {
	msg, err := decodeStrict(data)
	if err != nil {
		return Message{}, err
	}
	if err := checkFields(msg, serverFields); err != nil {
		return Message{}, err
	}

	switch msg.Type {
	case TypeRoster:
		err = validate.Struct(joinFields{RoomID: msg.RoomID})
		if err == nil {
			err = validate.Struct(memberFields{MemberID: msg.MemberID})
		}
	case TypeMemberJoined:
		err = validate.Struct(memberFields{MemberID: msg.MemberID})
		if err == nil {
			err = validate.Struct(mediaFields{Audio: msg.Audio, Video: msg.Video})
		}
	case TypeMemberLeft, TypePresentationStart, TypePresentationStop:
		err = validate.Struct(memberFields{MemberID: msg.MemberID})
	case TypeOffer, TypeAnswer:
		err = validate.Struct(sdpEnvelopeFields{Peer: msg.From, SDP: msg.SDP})
		if err == nil && msg.SDP.Type != string(msg.Type) {
			err = fmt.Errorf("%s message has sdp.type=%q", msg.Type, msg.SDP.Type)
		}
	case TypeCandidate:
		err = validate.Struct(candidateEnvelopeFields{Peer: msg.From, Candidate: msg.Candidate})
	case TypeMediaUpdate:
		err = validate.Struct(memberFields{MemberID: msg.MemberID})
		if err == nil {
			err = validate.Struct(mediaFields{Audio: msg.Audio, Video: msg.Video})
		}
	case TypeChat:
		err = validate.Struct(memberFields{MemberID: msg.MemberID})
		if err == nil {
			err = validate.Struct(chatFields{Text: msg.Text})
		}
	case TypeError:
		err = validate.Struct(errorFields{Code: msg.Code})
	}
	if err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	return msg, nil
}

func decodeStrict(data []byte) (Message, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var msg Message
	if err := dec.Decode(&msg); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return Message{}, fmt.Errorf("%w: unexpected trailing data", ErrInvalidMessage)
	}
	return msg, nil
}

func checkFields(msg Message, allowed map[Type][]string) error {
	names, ok := allowed[msg.Type]
	if !ok {
		return fmt.Errorf("%w: unsupported type %q", ErrInvalidMessage, msg.Type)
	}
	for _, field := range setFields(msg) {
		if !slices.Contains(names, field) {
			return fmt.Errorf("%w: %s message has unexpected field %q", ErrInvalidMessage, msg.Type, field)
		}
	}
	return nil
}

func setFields(m Message) []string {
	var out []string
	add := func(name string, set bool) {
		if set {
			out = append(out, name)
		}
	}
	add("roomId", m.RoomID != "")
	add("memberId", m.MemberID != "")
	add("displayName", m.DisplayName != "")
	add("members", m.Members != nil)
	add("presenterId", m.PresenterID != "")
	add("previousId", m.PreviousID != "")
	add("to", m.To != "")
	add("from", m.From != "")
	add("sdp", m.SDP != nil)
	add("candidate", m.Candidate != nil)
	add("audio", m.Audio != nil)
	add("video", m.Video != nil)
	add("text", m.Text != "")
	add("code", m.Code != "")
	add("message", m.Message != "")
	return out
}

// Encode serializes msg as a single JSON text frame.
func Encode(msg Message) ([]byte, error) {
	return json.Marshal(msg)
}
