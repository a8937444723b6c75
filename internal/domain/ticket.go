package domain

// Ticket holds the session authorization returned by the appointment API:
// room membership, peer identities and signaling credentials.
type Ticket struct {
	RoomID            string      `json:"roomId"`
	SessionID         string      `json:"sessionId"`
	LocalUserID       string      `json:"localUserId"`
	RemoteUserID      string      `json:"remoteUserId"`
	Initiator         bool        `json:"initiator"`
	DisplayName       string      `json:"displayName"`
	RemoteDisplayName string      `json:"remoteDisplayName"`
	SignalServer      string      `json:"signalServer"`
	WebsocketPath     string      `json:"websocketPath"`
	AccessToken       string      `json:"accessToken"`
	ICEServers        []ICEServer `json:"iceServers"`
	HeartbeatInterval int         `json:"heartbeatInterval"`
	ExpirationTime    int64       `json:"expirationTime"`
}

// ICEServer holds STUN/TURN server configuration.
type ICEServer struct {
	URL        string `json:"url"`
	Username   string `json:"username"`
	Credential string `json:"credential"`
}

// SessionConfig builds the immutable per-call descriptor from the ticket.
func (t *Ticket) SessionConfig() SessionConfig {
	return SessionConfig{
		RoomID:            t.RoomID,
		SessionID:         t.SessionID,
		LocalUserID:       t.LocalUserID,
		RemoteUserID:      t.RemoteUserID,
		Initiator:         t.Initiator,
		DisplayName:       t.DisplayName,
		RemoteDisplayName: t.RemoteDisplayName,
	}
}
