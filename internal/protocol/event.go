package protocol

import (
	"encoding/json"
	"fmt"
)

// Event is one message an agent sends up to the controller: the hello that
// opens a session, per-command status reports, and heartbeats.
type Event struct {
	Kind   EventKind
	Name   string            // hello: agent name
	Info   map[string]string // hello: host metadata, optional
	Action ActionKind        // status: the command being reported
	OK     bool              // status: whether execution succeeded
	Reason string            // status: failure detail, empty on success
}

// NewHello builds the session-opening event carrying the agent's name and
// host metadata.
func NewHello(name string, info map[string]string) Event {
	return Event{Kind: EventHello, Name: name, Info: info}
}

// NewStatus builds a per-command execution report.
func NewStatus(action ActionKind, ok bool, reason string) Event {
	return Event{Kind: EventStatus, Action: action, OK: ok, Reason: reason}
}

// NewHeartbeat builds a liveness event.
func NewHeartbeat() Event {
	return Event{Kind: EventHeartbeat}
}

// EncodeEvent renders an Event as one newline-terminated JSON record.
func EncodeEvent(e Event) ([]byte, error) {
	record := map[string]any{"event": string(e.Kind)}
	switch e.Kind {
	case EventHello:
		if e.Name == "" {
			return nil, fmt.Errorf("%w: hello requires a name", ErrInvalidPayload)
		}
		record["name"] = e.Name
		if len(e.Info) > 0 {
			record["info"] = e.Info
		}
	case EventStatus:
		if !KnownAction(e.Action) {
			return nil, fmt.Errorf("%w: status for unknown action %q", ErrInvalidPayload, e.Action)
		}
		record["action"] = string(e.Action)
		record["ok"] = e.OK
		if e.Reason != "" {
			record["reason"] = e.Reason
		}
	case EventHeartbeat:
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, e.Kind)
	}
	data, err := json.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("encode event: %w", err)
	}
	return append(data, '\n'), nil
}

type eventRecord struct {
	Event  string            `json:"event"`
	Name   string            `json:"name"`
	Info   map[string]string `json:"info"`
	Action string            `json:"action"`
	OK     *bool             `json:"ok"`
	Reason string            `json:"reason"`
}

// DecodeEvent parses one wire record into an Event. It rejects malformed
// JSON, a missing or unknown event kind, and records missing the fields their
// kind requires.
func DecodeEvent(line []byte) (Event, error) {
	var raw eventRecord
	if err := json.Unmarshal(line, &raw); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	switch EventKind(raw.Event) {
	case EventHello:
		if raw.Name == "" {
			return Event{}, fmt.Errorf("%w: hello requires a name", ErrInvalidPayload)
		}
		return Event{Kind: EventHello, Name: raw.Name, Info: raw.Info}, nil
	case EventStatus:
		kind := ActionKind(raw.Action)
		if !KnownAction(kind) {
			return Event{}, fmt.Errorf("%w: status for unknown action %q", ErrInvalidPayload, kind)
		}
		if raw.OK == nil {
			return Event{}, fmt.Errorf("%w: status requires ok", ErrInvalidPayload)
		}
		return Event{Kind: EventStatus, Action: kind, OK: *raw.OK, Reason: raw.Reason}, nil
	case EventHeartbeat:
		return Event{Kind: EventHeartbeat}, nil
	case "":
		return Event{}, ErrMissingEvent
	default:
		return Event{}, fmt.Errorf("%w: %q", ErrUnknownEvent, raw.Event)
	}
}
