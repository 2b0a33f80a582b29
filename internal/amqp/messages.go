package amqp

import (
	"encoding/json"
	"time"
)

// ChangeMessage is a lightweight notification that a record changed.
// It carries no record data: receivers refetch from the shared database.
type ChangeMessage struct {
	Origin    string    `json:"origin"`
	Table     string    `json:"table"`
	Type      string    `json:"type"`
	ID        string    `json:"id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// NewChangeMessage creates a change message stamped with the current time
func NewChangeMessage(origin, table, eventType, id string) *ChangeMessage {
	return &ChangeMessage{
		Origin:    origin,
		Table:     table,
		Type:      eventType,
		ID:        id,
		Timestamp: time.Now(),
	}
}

// ToJSON converts the message to JSON bytes
func (m *ChangeMessage) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

// ChangeMessageFromJSON creates a message from JSON bytes
func ChangeMessageFromJSON(data []byte) (*ChangeMessage, error) {
	var msg ChangeMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}
