package media

import (
	"encoding/json"
	"strings"
)

// serverDataSeparator joins client data and server data in the connection
// metadata the signaling server hands to other participants.
const serverDataSeparator = "%/%"

type identity struct {
	MemberID *int `json:"memberId"`
}

// Identity encodes the connection data sent when joining.
func Identity(memberID int) string {
	b, _ := json.Marshal(identity{MemberID: &memberID})
	return string(b)
}

// ParticipantID recovers the member id from connection data produced by
// Identity, with or without server data appended.
func ParticipantID(connectionData string) (int, bool) {
	client, _, _ := strings.Cut(connectionData, serverDataSeparator)
	var id identity
	if err := json.Unmarshal([]byte(client), &id); err != nil || id.MemberID == nil {
		return 0, false
	}
	return *id.MemberID, true
}
