// Package events defines the event types carried by the bridge's EventBus.
package events

import "time"

// EventType represents the type of event emitted through the EventBus.
type EventType string

const (
	// Connection events
	EventConnectionState EventType = "connection_state"
	EventReconnected     EventType = "reconnected"
	EventConnectionFatal EventType = "connection_fatal"

	// Traffic events
	EventServerOutput    EventType = "server_output"
	EventCommandSent     EventType = "command_sent"
	EventCommandResponse EventType = "command_response"

	// Game events
	EventPlayerJoined EventType = "player_joined"

	// System events
	EventShutdown EventType = "shutdown"
)

// Event is a single notification delivered through the EventBus.
type Event struct {
	Type    EventType
	Source  string
	Payload interface{}
}

// StatePayload describes a connection state transition.
type StatePayload struct {
	Previous string    `json:"previous"`
	Current  string    `json:"current"`
	Reason   string    `json:"reason,omitempty"`
	At       time.Time `json:"at"`
}

// OutputPayload carries one frame the server sent on its own accord, or one
// nobody was waiting for.
type OutputPayload struct {
	ID      int32     `json:"id"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// CommandPayload describes a command written to the server or the
// correlated reply to it.
type CommandPayload struct {
	ID       int32     `json:"id"`
	Command  string    `json:"command,omitempty"`
	Response string    `json:"response,omitempty"`
	At       time.Time `json:"at"`
}

// PlayerJoinedPayload is emitted when a roster refresh finds a new player.
type PlayerJoinedPayload struct {
	PlatformID    string `json:"platform_id"`
	CharacterName string `json:"character_name"`
	PlayerName    string `json:"player_name"`
	Slot          int    `json:"slot"`
	IP            string `json:"ip"`
}
