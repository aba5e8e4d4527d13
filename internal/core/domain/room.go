package domain

// ParticipantRef is a room member: the connection id plus the user label the
// application supplied on join. UserID is display-only and not verified here.
type ParticipantRef struct {
	SocketID ParticipantID `json:"socketId"`
	UserID   string        `json:"userId,omitempty"`
}

type RoomSummary struct {
	RoomID           RoomID `json:"roomId"`
	ParticipantCount int    `json:"participantCount"`
}

type MediaState struct {
	VideoEnabled bool `json:"videoEnabled"`
	AudioEnabled bool `json:"audioEnabled"`
}

// IDs returns the socket ids of refs, keeping order.
func IDs(refs []ParticipantRef) []ParticipantID {
	ids := make([]ParticipantID, 0, len(refs))
	for _, r := range refs {
		ids = append(ids, r.SocketID)
	}
	return ids
}
