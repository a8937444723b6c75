package domain

import "context"

// TicketFetcher retrieves session authorization from the appointment API.
type TicketFetcher interface {
	FetchTicket(token, sessionID string) (*Ticket, error)
}

// Signaler is the duplex hub connection shared by every component that
// sends or receives signaling traffic.
type Signaler interface {
	Connect(ctx context.Context) error
	Send(env Envelope) error
	On(msgType string, fn func(Envelope))
	Close()
}
