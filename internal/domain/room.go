package domain

type RoomID string

// Room is a named real-time session grouping participants.
// The media tier additionally owns one routing context per room;
// that handle lives in the media package, not here.
type Room struct {
	ID RoomID
}
