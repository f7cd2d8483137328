package core

import "github.com/dkeye/Ring/internal/domain"

type EventType string

const (
	EventIncomingCall        EventType = "incoming_call"
	EventCallAccepted        EventType = "call_accepted"
	EventCallDeclined        EventType = "call_declined"
	EventRemoteLinkConnected EventType = "remote_link_connected"
	EventRemoteLinkClosed    EventType = "remote_link_closed"
	EventSessionEnded        EventType = "session_ended"
	EventMediaFailed         EventType = "media_failed"
)

// EndReason explains why a session or link went away.
type EndReason string

const (
	ReasonLocal         EndReason = "local_hangup"
	ReasonRemote        EndReason = "remote_hangup"
	ReasonDeclined      EndReason = "declined"
	ReasonNoAnswer      EndReason = "no_answer"
	ReasonTransportLost EndReason = "transport_lost"
	ReasonFailed        EndReason = "failed"
	ReasonSuperseded    EndReason = "superseded"
)

// Event is what the embedding layer observes. The core never calls back
// into the UI with errors; every user-visible outcome is one of these.
type Event struct {
	Type      EventType     `json:"type"`
	SessionID string        `json:"session_id"`
	From      domain.UserID `json:"from,omitempty"`   // incoming_call
	Remote    domain.UserID `json:"remote,omitempty"` // link events
	Reason    EndReason     `json:"reason,omitempty"`
}

// EventSink receives UI-visible events. Implementations must not block;
// the orchestrator notifies from its event loop.
type EventSink interface {
	Notify(Event)
}
