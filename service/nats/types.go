package nats

import (
	"time"

	"github.com/ledgerlens/ledgerlens/service/decode"
)

// EventMessage is the envelope for a decoded semantic event published to
// JetStream on the subject "events.{event_type}".
type EventMessage struct {
	Signature     string                `json:"signature"`
	EventType     string                `json:"event_type"`
	ParserVersion string                `json:"parser_version"`
	Event         *decode.SemanticEvent `json:"event"`
	PublishedAt   time.Time             `json:"published_at"`
}

// FromSemanticEvent wraps a decoded event for publishing.
func FromSemanticEvent(event *decode.SemanticEvent) *EventMessage {
	return &EventMessage{
		Signature:     event.Signature,
		EventType:     string(event.Type),
		ParserVersion: decode.Version,
		Event:         event,
		PublishedAt:   time.Now().UTC(),
	}
}
