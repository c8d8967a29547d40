package nats

import (
	"encoding/json"
	"strings"
)

// DefaultSubjectPrefix is prepended to every forwarded event name.
const DefaultSubjectPrefix = "observer.events"

// Subject returns the NATS subject of event name under prefix. Bus names and
// NATS subjects are both dot-delimited, so "my.activity" is published on
// "observer.events.my.activity".
func Subject(prefix, name string) string {
	prefix = strings.Trim(prefix, ".")
	if prefix == "" {
		return name
	}
	return prefix + "." + name
}

// Envelope is the JSON body of a forwarded event.
type Envelope struct {
	Event     string `json:"event"`
	Payload   any    `json:"payload"`
	Timestamp string `json:"timestamp"`
}

// Marshal serializes the envelope to JSON.
func (e Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// UnmarshalEnvelope deserializes an Envelope from JSON.
func UnmarshalEnvelope(data []byte) (Envelope, error) {
	var e Envelope
	err := json.Unmarshal(data, &e)
	return e, err
}
