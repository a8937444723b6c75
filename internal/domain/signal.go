package domain

import "encoding/json"

// Signaling message types carried over the hub connection.
const (
	MsgJoinRoom     = "joinRoom"
	MsgRoomJoined   = "roomJoined"
	MsgJoinRejected = "joinRejected"
	MsgPeerJoined   = "peerJoined"
	MsgPeerLeft     = "peerLeft"
	MsgOffer        = "offer"
	MsgAnswer       = "answer"
	MsgIceCandidate = "iceCandidate"
	MsgHeartbeat    = "heartbeat"
	MsgMediaState   = "mediaState"
	MsgKeyOffer     = "keyOffer"
	MsgKeyAnswer    = "keyAnswer"
	MsgKeyRotation  = "keyRotation"
)

// Envelope is the generic signaling message. The hub routes on Type,
// RoomID and TargetUserID and treats Payload as opaque.
type Envelope struct {
	Type            string          `json:"type"`
	RoomID          string          `json:"roomId,omitempty"`
	FromUserID      string          `json:"fromUserId,omitempty"`
	TargetUserID    string          `json:"targetUserId,omitempty"`
	Payload         json.RawMessage `json:"payload,omitempty"`
	KeyFingerprint  string          `json:"keyFingerprint,omitempty"`
	KeyGeneration   uint32          `json:"keyGeneration,omitempty"`
	ClientTimestamp int64           `json:"clientTimestamp,omitempty"`

	// Join / roster fields.
	Token       string     `json:"token,omitempty"`
	UserID      string     `json:"userId,omitempty"`
	DisplayName string     `json:"displayName,omitempty"`
	Peers       []PeerInfo `json:"peers,omitempty"`

	// Hub responses.
	Code    *int   `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// PeerInfo is a roster entry as announced by the hub.
type PeerInfo struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName,omitempty"`
	Audio       bool   `json:"audio"`
	Video       bool   `json:"video"`
	Screen      bool   `json:"screen"`
}

// SDPPayload carries an SDP offer or answer.
type SDPPayload struct {
	FromUserID string `json:"fromUserId"`
	SDP        string `json:"sdp"`
}

// ICECandidatePayload carries one trickled ICE candidate.
type ICECandidatePayload struct {
	FromUserID string        `json:"fromUserId"`
	Candidate  CandidateInit `json:"candidate"`
}

// CandidateInit mirrors the browser RTCIceCandidateInit shape.
type CandidateInit struct {
	Candidate     string `json:"candidate"`
	SDPMid        string `json:"sdpMid"`
	SDPMLineIndex uint16 `json:"sdpMLineIndex"`
}

// MediaStatePayload signals an audio/video/screen-share toggle.
type MediaStatePayload struct {
	UserID  string `json:"userId"`
	Kind    string `json:"type"` // audio | video | screen
	Enabled bool   `json:"enabled"`
}

// KeyExchangePayload is the body of keyOffer/keyAnswer/keyRotation
// messages. Keys and signature are base64-encoded; VerifyKey (PKIX) is
// present on offers and answers, absent on rotations.
type KeyExchangePayload struct {
	ECDHPublicKey string `json:"ecdhPublicKey"`
	VerifyKey     string `json:"verifyKey,omitempty"`
	Generation    uint32 `json:"generation"`
	Nonce         string `json:"nonce"`
	Timestamp     int64  `json:"timestamp"`
	Signature     string `json:"signature"`
}
