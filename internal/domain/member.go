// Package domain contains entity without logic, just meta-data
package domain

// DefaultUsername is used when a client omits its display name.
const DefaultUsername = "Anonymous"

// Membership is the participation meta of one live connection.
// No transport or lifecycle logic here.
type Membership struct {
	Username string   `json:"username"`
	Room     RoomName `json:"room"`
}

// NewMembership avoids raw literals in adapters and keeps construction obvious.
func NewMembership(username string, room RoomName) Membership {
	return Membership{Username: username, Room: room}
}
