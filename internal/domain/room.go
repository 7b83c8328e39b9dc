package domain

type RoomID string

func (id RoomID) String() string { return string(id) }

type RoomKind string

const (
	RoomPublic     RoomKind = "PUBLIC"
	RoomPrivate    RoomKind = "PRIVATE"
	RoomVideoGroup RoomKind = "VIDEO_GROUP"
	RoomVideo1on1  RoomKind = "VIDEO_1ON1"
)

// Room is the slice of the durable room record the core needs.
// The record itself belongs to the persistence collaborator.
type Room struct {
	ID       RoomID
	Kind     RoomKind
	Owner    Identity
	Open     bool
	MaxUsers int
}
