package log

import (
	"time"
)

// Event represents a protocol log event captured at any layer.
// CBOR encoding uses integer keys for compactness.
type Event struct {
	// Timestamp when the event occurred (nanosecond precision).
	Timestamp time.Time `cbor:"1,keyasint"`

	// ConnectionID uniquely identifies the connection or HTTP session (UUID).
	ConnectionID string `cbor:"2,keyasint"`

	// Direction indicates message flow.
	Direction Direction `cbor:"3,keyasint"`

	// Layer where the event was captured.
	Layer Layer `cbor:"4,keyasint"`

	// Category classifies the event type.
	Category Category `cbor:"5,keyasint"`

	// RemoteAddr is the peer address (socket path, host:port or URL host).
	RemoteAddr string `cbor:"6,keyasint,omitempty"`

	// DeviceID is the device UDID, when the event concerns a device.
	DeviceID string `cbor:"7,keyasint,omitempty"`

	// Service is the device service name (e.g. com.apple.afc).
	Service string `cbor:"8,keyasint,omitempty"`

	// Type-specific payload (one of these will be set).
	Frame       *FrameEvent       `cbor:"10,keyasint,omitempty"` // Raw frames
	Message     *MessageEvent     `cbor:"11,keyasint,omitempty"` // Decoded requests/responses
	StateChange *StateChangeEvent `cbor:"12,keyasint,omitempty"` // Device/login state
	Error       *ErrorEventData   `cbor:"14,keyasint,omitempty"` // Errors at any layer
}

// Direction indicates the direction of message flow.
type Direction uint8

const (
	// DirectionIn indicates an incoming message.
	DirectionIn Direction = 0
	// DirectionOut indicates an outgoing message.
	DirectionOut Direction = 1
)

// String returns the direction name.
func (d Direction) String() string {
	switch d {
	case DirectionIn:
		return "IN"
	case DirectionOut:
		return "OUT"
	default:
		return "UNKNOWN"
	}
}

// Layer indicates which protocol layer captured the event.
type Layer uint8

const (
	// LayerUsbmux is the usbmuxd multiplexer protocol.
	LayerUsbmux Layer = 0
	// LayerLockdown is the lockdownd handshake protocol.
	LayerLockdown Layer = 1
	// LayerService covers device services (AFC, house_arrest, installation_proxy).
	LayerService Layer = 2
	// LayerHTTP covers identity and provisioning HTTP requests.
	LayerHTTP Layer = 3
)

// String returns the layer name.
func (l Layer) String() string {
	switch l {
	case LayerUsbmux:
		return "USBMUX"
	case LayerLockdown:
		return "LOCKDOWN"
	case LayerService:
		return "SERVICE"
	case LayerHTTP:
		return "HTTP"
	default:
		return "UNKNOWN"
	}
}

// Category classifies the event type.
type Category uint8

const (
	// CategoryMessage indicates a protocol message (request/response/event).
	CategoryMessage Category = 0
	// CategoryState indicates a state change.
	CategoryState Category = 2
	// CategoryError indicates an error event.
	CategoryError Category = 3
)

// String returns the category name.
func (c Category) String() string {
	switch c {
	case CategoryMessage:
		return "MESSAGE"
	case CategoryState:
		return "STATE"
	case CategoryError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// FrameEvent captures raw frame data.
type FrameEvent struct {
	// Size is the frame size in bytes (including any header).
	Size int `cbor:"1,keyasint"`

	// Data is the raw frame bytes (may be truncated for large frames).
	Data []byte `cbor:"2,keyasint,omitempty"`

	// Truncated indicates if Data was truncated.
	Truncated bool `cbor:"3,keyasint,omitempty"`
}

// MessageEvent captures a decoded request, response or unsolicited event.
type MessageEvent struct {
	// Type distinguishes request/response/notification.
	Type MessageType `cbor:"1,keyasint"`

	// MessageID correlates request/response pairs (usbmux tag, AFC packet number).
	MessageID uint64 `cbor:"2,keyasint,omitempty"`

	// Operation is the command name (MessageType, Request, AFC opcode, action path).
	Operation string `cbor:"3,keyasint,omitempty"`

	// Endpoint is the URL or service the message was sent to.
	Endpoint string `cbor:"4,keyasint,omitempty"`

	// Status is the result code (HTTP status, usbmux Number, AFC status).
	Status *int64 `cbor:"5,keyasint,omitempty"`

	// Payload is a decoded representation of the body (may be truncated).
	Payload any `cbor:"6,keyasint,omitempty"`

	// Duration is the round-trip time (response only).
	Duration *time.Duration `cbor:"7,keyasint,omitempty"`
}

// MessageType distinguishes request/response/notification.
type MessageType uint8

const (
	// MessageTypeRequest indicates a request message.
	MessageTypeRequest MessageType = 0
	// MessageTypeResponse indicates a response message.
	MessageTypeResponse MessageType = 1
	// MessageTypeNotification indicates an unsolicited event (usbmux Attached/Detached).
	MessageTypeNotification MessageType = 2
)

// String returns the message type name.
func (m MessageType) String() string {
	switch m {
	case MessageTypeRequest:
		return "REQUEST"
	case MessageTypeResponse:
		return "RESPONSE"
	case MessageTypeNotification:
		return "NOTIFICATION"
	default:
		return "UNKNOWN"
	}
}

// StateChangeEvent captures connection, device and login lifecycle events.
type StateChangeEvent struct {
	// Entity being changed.
	Entity StateEntity `cbor:"1,keyasint"`

	// OldState is the previous state (may be empty).
	OldState string `cbor:"2,keyasint,omitempty"`

	// NewState is the new state.
	NewState string `cbor:"3,keyasint"`

	// Reason for the change (if available).
	Reason string `cbor:"4,keyasint,omitempty"`
}

// StateEntity indicates what entity changed state.
type StateEntity uint8

const (
	// StateEntityConnection indicates a connection state change.
	StateEntityConnection StateEntity = 0
	// StateEntityDevice indicates a tracked device changed state.
	StateEntityDevice StateEntity = 1
	// StateEntityLogin indicates a login flow changed state.
	StateEntityLogin StateEntity = 2
)

// String returns the state entity name.
func (s StateEntity) String() string {
	switch s {
	case StateEntityConnection:
		return "CONNECTION"
	case StateEntityDevice:
		return "DEVICE"
	case StateEntityLogin:
		return "LOGIN"
	default:
		return "UNKNOWN"
	}
}

// ErrorEventData captures errors at any layer.
type ErrorEventData struct {
	// Layer where the error occurred.
	Layer Layer `cbor:"1,keyasint"`

	// Message is the error message.
	Message string `cbor:"2,keyasint"`

	// Code is the error code (if applicable).
	Code *int64 `cbor:"3,keyasint,omitempty"`

	// Context describes what operation was being performed.
	Context string `cbor:"4,keyasint,omitempty"`
}
