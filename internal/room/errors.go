package room

import "errors"

var (
	ErrTooManyRooms = errors.New("too many rooms")
	ErrRoomFull     = errors.New("room is full")
	// ErrMemberIDExhausted is returned when every generated member id
	// collided with an existing member.
	ErrMemberIDExhausted = errors.New("failed to allocate unique member id")
	// ErrInvalidRoomID is returned for an empty room id. Wire-level validation
	// normally rejects it first.
	ErrInvalidRoomID = errors.New("invalid room id")
)
