package signal

import "github.com/dkeye/ticketcall/internal/domain"

type BackpressureAction int

const (
	// DropFrame discards the frame that did not fit the send queue.
	DropFrame BackpressureAction = iota
	// Recycle drops the connection; the reconnect policy takes over.
	Recycle
)

// Policy decides what happens when the outbound queue of a session is full.
type Policy interface {
	OnBackPressure(ticket domain.TicketID, queued int) BackpressureAction
}

type SimplePolicy struct{}

func (SimplePolicy) OnBackPressure(domain.TicketID, int) BackpressureAction {
	return DropFrame
}

// RecyclePolicy treats a full queue as a stuck transport.
type RecyclePolicy struct{}

func (RecyclePolicy) OnBackPressure(domain.TicketID, int) BackpressureAction {
	return Recycle
}
