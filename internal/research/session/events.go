package session

// EventType discriminates the line-delimited JSON events a job publishes.
type EventType string

const (
	EventBlock            EventType = "block"
	EventUpdateBlock      EventType = "updateBlock"
	EventResearchComplete EventType = "researchComplete"
	EventMessageEnd       EventType = "messageEnd"
	EventError            EventType = "error"
	EventCancelled        EventType = "cancelled"
)

// Event is one entry in a job's stream. Exactly one terminal event
// (messageEnd, error, or cancelled) is published per job.
type Event struct {
	Type    EventType   `json:"type"`
	Block   interface{} `json:"block,omitempty"`
	BlockID string      `json:"blockId,omitempty"`
	Patch   interface{} `json:"patch,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

// Terminal reports whether the event ends the stream.
func (e Event) Terminal() bool {
	return e.Type == EventMessageEnd || e.Type == EventError || e.Type == EventCancelled
}

func BlockEvent(block interface{}) Event {
	return Event{Type: EventBlock, Block: block}
}

func UpdateBlockEvent(blockID string, patch interface{}) Event {
	return Event{Type: EventUpdateBlock, BlockID: blockID, Patch: patch}
}

func ResearchCompleteEvent() Event {
	return Event{Type: EventResearchComplete}
}

func MessageEndEvent() Event {
	return Event{Type: EventMessageEnd}
}

func ErrorEvent(data interface{}) Event {
	return Event{Type: EventError, Data: data}
}

func CancelledEvent() Event {
	return Event{Type: EventCancelled}
}
