package core

import (
	"github.com/dkeye/ticketcall/internal/domain"
	"github.com/dkeye/ticketcall/internal/protocol"
)

// SignalConnection is the outbound half of a ticket session as the call
// layer sees it. Owned by the adapter; callers never close it.
type SignalConnection interface {
	IsConnected() bool
	// Send transmits ev if the session is connected. Delivery is never
	// guaranteed; a disconnected session returns an error and drops ev.
	Send(ev protocol.Outbound) error
}

// EventSource is the inbound half of a ticket session.
type EventSource interface {
	// Subscribe returns every non-heartbeat event in arrival order until
	// cancel is called.
	Subscribe() (events <-chan protocol.Inbound, cancel func())
	// OnConnectivity registers fn for every connect/disconnect transition.
	OnConnectivity(fn func(connected bool))
}

type SessionOptions struct {
	// Reconnect keeps redialing after the socket closes until Close.
	Reconnect bool
}

// TicketSession is one managed socket for one ticket.
type TicketSession interface {
	SignalConnection
	EventSource
	Open(baseURL, token string, ticket domain.TicketID, opts SessionOptions) error
	Close()
	Reconnect() error
	LastMessage() (protocol.Inbound, bool)
}
