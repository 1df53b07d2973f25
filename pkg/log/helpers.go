package log

import (
	"time"
)

// MaxLogDataSize is the maximum payload size kept in a frame event.
const MaxLogDataSize = 4096

// NewFrameEvent builds a frame event, truncating data to MaxLogDataSize.
// size is the full on-wire size including any header.
func NewFrameEvent(connID string, layer Layer, dir Direction, size int, data []byte) Event {
	frameData := data
	truncated := false
	if len(data) > MaxLogDataSize {
		frameData = data[:MaxLogDataSize]
		truncated = true
	}
	return Event{
		Timestamp:    time.Now(),
		ConnectionID: connID,
		Direction:    dir,
		Layer:        layer,
		Category:     CategoryMessage,
		Frame: &FrameEvent{
			Size:      size,
			Data:      frameData,
			Truncated: truncated,
		},
	}
}

// NewMessageEvent builds a decoded message event.
func NewMessageEvent(connID string, layer Layer, dir Direction, msg MessageEvent) Event {
	return Event{
		Timestamp:    time.Now(),
		ConnectionID: connID,
		Direction:    dir,
		Layer:        layer,
		Category:     CategoryMessage,
		Message:      &msg,
	}
}

// NewStateEvent builds a state change event.
func NewStateEvent(connID string, layer Layer, entity StateEntity, oldState, newState, reason string) Event {
	return Event{
		Timestamp:    time.Now(),
		ConnectionID: connID,
		Layer:        layer,
		Category:     CategoryState,
		StateChange: &StateChangeEvent{
			Entity:   entity,
			OldState: oldState,
			NewState: newState,
			Reason:   reason,
		},
	}
}

// NewErrorEvent builds an error event.
func NewErrorEvent(connID string, layer Layer, err error, context string) Event {
	return Event{
		Timestamp:    time.Now(),
		ConnectionID: connID,
		Layer:        layer,
		Category:     CategoryError,
		Error: &ErrorEventData{
			Layer:   layer,
			Message: err.Error(),
			Context: context,
		},
	}
}

// Int64 returns a pointer to v, for optional status fields.
func Int64(v int64) *int64 {
	return &v
}
