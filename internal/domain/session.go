package domain

import "time"

// SessionConfig is the immutable per-call descriptor. It is created once
// when a call starts and read-only thereafter; reconnects and peer rejoins
// never replace it.
type SessionConfig struct {
	RoomID            string
	SessionID         string
	LocalUserID       string
	RemoteUserID      string
	Initiator         bool
	DisplayName       string
	RemoteDisplayName string
}

// ConnectionState tracks the peer connection lifecycle.
type ConnectionState int

const (
	ConnectionNew ConnectionState = iota
	ConnectionConnecting
	ConnectionConnected
	ConnectionDisconnected
	ConnectionFailed
	ConnectionClosed
)

func (s ConnectionState) String() string {
	switch s {
	case ConnectionNew:
		return "new"
	case ConnectionConnecting:
		return "connecting"
	case ConnectionConnected:
		return "connected"
	case ConnectionDisconnected:
		return "disconnected"
	case ConnectionFailed:
		return "failed"
	case ConnectionClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// EncryptionState is the E2EE status exposed to the UI.
type EncryptionState int

const (
	EncryptionInitializing EncryptionState = iota
	EncryptionKeyExchange
	EncryptionKeyRotation
	EncryptionActive
	EncryptionError
	EncryptionUnsupported
)

func (s EncryptionState) String() string {
	switch s {
	case EncryptionInitializing:
		return "initializing"
	case EncryptionKeyExchange:
		return "keyExchange"
	case EncryptionKeyRotation:
		return "keyRotation"
	case EncryptionActive:
		return "active"
	case EncryptionError:
		return "error"
	case EncryptionUnsupported:
		return "unsupported"
	default:
		return "unknown"
	}
}

// Participant is one roster entry with its media flags.
type Participant struct {
	UserID      string
	DisplayName string
	Audio       bool
	Video       bool
	Screen      bool
}

// Status is the snapshot surface exposed to the UI collaborator. It is a
// value copy; callers never see live session state.
type Status struct {
	Connection   ConnectionState
	Encryption   EncryptionState
	Participants []Participant
	Duration     time.Duration
	LastError    string
}
