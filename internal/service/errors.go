package service

import "errors"

var (
	ErrRoomNotFound       = errors.New("room not found")
	ErrRoomFull           = errors.New("room is full")
	ErrNotMember          = errors.New("user is not a member of the room")
	ErrNotHost            = errors.New("only the room host can do that")
	ErrCannotKickSelf     = errors.New("host cannot kick themselves")
	ErrInvalidToken       = errors.New("invalid or expired identity token")
	ErrInvalidCanvasEvent = errors.New("invalid canvas event")
	ErrBroadcastDisabled  = errors.New("host broadcast is not enabled")
	ErrInvalidPDFAction   = errors.New("invalid broadcast pdf action")
	ErrInternalServer     = errors.New("internal server error")
)
