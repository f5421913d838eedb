package events

import "time"

// Domain event types published to the live /events (SSE) and /ws feeds
// (spec §C.6), replacing the teacher's tmux/webhook event catalog with
// the coordination-service domain: messages and reservations.
const (
	EventMessageSent          = "message.sent"
	EventReservationGranted   = "reservation.granted"
	EventReservationReleased  = "reservation.released"
	EventReservationConflict  = "reservation.conflict"
)

// MessageEvent announces a newly sent message, project-scoped so SSE
// clients can filter their subscription by project.
type MessageEvent struct {
	BaseEvent
	MessageID  int64  `json:"message_id"`
	ThreadID   string `json:"thread_id"`
	Sender     string `json:"sender"`
	Recipients []string `json:"recipients"`
	Importance string `json:"importance"`
}

func NewMessageEvent(project string, messageID int64, threadID, sender string, recipients []string, importance string) MessageEvent {
	return MessageEvent{
		BaseEvent:  BaseEvent{Type: EventMessageSent, Timestamp: time.Now().UTC(), Project: project},
		MessageID:  messageID,
		ThreadID:   threadID,
		Sender:     sender,
		Recipients: recipients,
		Importance: importance,
	}
}

// ReservationEvent announces a reservation lifecycle transition.
type ReservationEvent struct {
	BaseEvent
	ReservationID int64  `json:"reservation_id"`
	Agent         string `json:"agent"`
	Path          string `json:"path"`
	HolderAgent   string `json:"holder_agent,omitempty"`
}

func NewReservationEvent(eventType, project string, reservationID int64, agent, path string) ReservationEvent {
	return ReservationEvent{
		BaseEvent:     BaseEvent{Type: eventType, Timestamp: time.Now().UTC(), Project: project},
		ReservationID: reservationID,
		Agent:         agent,
		Path:          path,
	}
}

func NewReservationConflictEvent(project, agent, path, holderAgent string) ReservationEvent {
	return ReservationEvent{
		BaseEvent:   BaseEvent{Type: EventReservationConflict, Timestamp: time.Now().UTC(), Project: project},
		Agent:       agent,
		Path:        path,
		HolderAgent: holderAgent,
	}
}
