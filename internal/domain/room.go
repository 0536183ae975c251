package domain

// RoomName is the partition key for broadcasts. Rooms are not stored on their
// own; a room exists while at least one membership points at it.
type RoomName string

// DefaultRoom is used when a client omits the room or sends an empty one.
const DefaultRoom RoomName = "general"
