package events

// Event type constants for kelindar/event.
const (
	TypeReady uint32 = iota + 1
	TypeError
	TypeFatal
	TypeStateChanged
	TypeDecodeError
	TypeMappingChanged
)

// Event interface required by kelindar/event.
type Event interface {
	Type() uint32
}

// ReadyEvent is published once per connection attempt when every registered
// script is verified present and the connection is usable.
type ReadyEvent struct {
	Endpoint  string `json:"endpoint" example:"redis://localhost:6379" doc:"Connected endpoint"`
	Scripts   int    `json:"scripts" example:"3" doc:"Number of verified scripts"`
	Loaded    int    `json:"loaded" example:"1" doc:"Scripts uploaded during sync"`
	Timestamp string `json:"timestamp" example:"2025-01-27T10:30:00Z" doc:"Event timestamp"`
}

// Type returns the event type identifier for ReadyEvent.
func (e ReadyEvent) Type() uint32 { return TypeReady }

// ErrorEvent reports a non-fatal error. The connection state is unchanged.
type ErrorEvent struct {
	Component string `json:"component" example:"redis" doc:"Reporting component"`
	Kind      string `json:"kind" example:"transport" doc:"Error kind"`
	Error     string `json:"error" doc:"Error message"`
	Err       error  `json:"-"`
	Timestamp string `json:"timestamp" example:"2025-01-27T10:30:00Z" doc:"Event timestamp"`
}

// Type returns the event type identifier for ErrorEvent.
func (e ErrorEvent) Type() uint32 { return TypeError }

// FatalEvent reports an unrecoverable connection error.
type FatalEvent struct {
	Error     string `json:"error" example:"exceeded retry limit without connecting" doc:"Error message"`
	Err       error  `json:"-"`
	Timestamp string `json:"timestamp" example:"2025-01-27T10:30:00Z" doc:"Event timestamp"`
}

// Type returns the event type identifier for FatalEvent.
func (e FatalEvent) Type() uint32 { return TypeFatal }

// StateChangedEvent is published on every connection state transition.
type StateChangedEvent struct {
	From      string `json:"from" example:"connecting" doc:"Previous state"`
	To        string `json:"to" example:"syncing_scripts" doc:"New state"`
	Timestamp string `json:"timestamp" example:"2025-01-27T10:30:00Z" doc:"Event timestamp"`
}

// Type returns the event type identifier for StateChangedEvent.
func (e StateChangedEvent) Type() uint32 { return TypeStateChanged }

// DecodeErrorEvent is published when a relayed message is not valid JSON.
type DecodeErrorEvent struct {
	Channel   string `json:"channel" example:"my:channel" doc:"Source channel"`
	Target    string `json:"target" example:"my.activity" doc:"Mapped event name"`
	Error     string `json:"error" doc:"Decode error"`
	Timestamp string `json:"timestamp" example:"2025-01-27T10:30:00Z" doc:"Event timestamp"`
}

// Type returns the event type identifier for DecodeErrorEvent.
func (e DecodeErrorEvent) Type() uint32 { return TypeDecodeError }

// MappingChangedEvent is published when a relay mapping is added, retargeted or removed.
type MappingChangedEvent struct {
	Source    string `json:"source" example:"my:channel" doc:"Source channel"`
	Target    string `json:"target,omitempty" example:"my.activity" doc:"Target event name, empty on removal"`
	Action    string `json:"action" example:"subscribed" doc:"Action type: subscribed, retargeted, unsubscribed"`
	Timestamp string `json:"timestamp" example:"2025-01-27T10:30:00Z" doc:"Event timestamp"`
}

// Type returns the event type identifier for MappingChangedEvent.
func (e MappingChangedEvent) Type() uint32 { return TypeMappingChanged }
