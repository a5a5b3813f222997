package gateway

import (
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/vakovalskii/ValeDesk-sub000/pkg/events"
)

// EventBroadcaster pushes events to every authenticated client.
type EventBroadcaster struct {
	clients *ClientRegistry
	logger  zerolog.Logger
}

// NewEventBroadcaster creates a broadcaster over clients.
func NewEventBroadcaster(clients *ClientRegistry, logger zerolog.Logger) *EventBroadcaster {
	return &EventBroadcaster{clients: clients, logger: logger}
}

// Forward relays a bus event, keeping its bus sequence number.
func (b *EventBroadcaster) Forward(ev events.Event) {
	b.send(EventMessage{
		Event:     string(ev.Type),
		Stream:    streamFor(ev.Type),
		Seq:       ev.Seq,
		SessionID: ev.SessionID,
		TaskID:    ev.TaskID,
		Data:      ev.Payload,
		Timestamp: ev.Timestamp,
	})
}

// Broadcast sends a gateway-originated event such as tick or shutdown.
// These carry no sequence number since they are not on the bus.
func (b *EventBroadcaster) Broadcast(event string, data interface{}) {
	b.send(EventMessage{Event: event, Stream: StreamTypeLifecycle, Data: data})
}

func (b *EventBroadcaster) send(msg EventMessage) {
	msg.Type = "event"
	if msg.Timestamp == 0 {
		msg.Timestamp = time.Now().UnixMilli()
	}

	data, err := json.Marshal(msg)
	if err != nil {
		b.logger.Error().Err(err).Str("event", msg.Event).Int64("seq", msg.Seq).Msg("Failed to marshal event")
		return
	}

	clients := b.clients.Authenticated()
	if len(clients) == 0 {
		return
	}

	failed := 0
	for _, client := range clients {
		if err := client.WriteMessage(websocket.TextMessage, data); err != nil {
			b.logger.Warn().Err(err).Str("clientId", client.ID).Str("event", msg.Event).Msg("Failed to push event to client")
			failed++
		}
	}

	b.logger.Debug().
		Str("event", msg.Event).
		Str("stream", string(msg.Stream)).
		Int64("seq", msg.Seq).
		Int("clients", len(clients)).
		Int("failed", failed).
		Msg("Event pushed")
}
