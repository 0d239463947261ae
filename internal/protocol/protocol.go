// Package protocol defines the line-framed wire messages exchanged between
// the controller and its agents: commands flowing controller to agent, and
// events flowing agent to controller. Every record is one flat JSON object
// terminated by a newline.
package protocol

import "errors"

// Decode errors. All decode failures wrap one of these sentinels so callers
// can classify without string matching.
var (
	ErrMalformed      = errors.New("malformed record")
	ErrMissingAction  = errors.New("missing action")
	ErrUnknownAction  = errors.New("unknown action")
	ErrInvalidPayload = errors.New("invalid payload")
	ErrMissingEvent   = errors.New("missing event")
	ErrUnknownEvent   = errors.New("unknown event")
)

// ActionKind names one administrative command an agent can carry out.
type ActionKind string

const (
	ActionShutdown    ActionKind = "shutdown"
	ActionRestart     ActionKind = "restart"
	ActionLock        ActionKind = "lock"
	ActionOpenApp     ActionKind = "open_app"
	ActionCloseApps   ActionKind = "close_apps"
	ActionShowDesktop ActionKind = "show_desktop"
	ActionScreenshot  ActionKind = "screenshot"
	ActionMessage     ActionKind = "message"
	ActionExec        ActionKind = "exec"
	ActionPing        ActionKind = "ping"
)

// payloadKeys maps each known kind to the payload keys it requires. A key
// absent from the record, or a key outside this set, is a decode error.
var payloadKeys = map[ActionKind][]string{
	ActionShutdown:    nil,
	ActionRestart:     nil,
	ActionLock:        nil,
	ActionOpenApp:     {"app"},
	ActionCloseApps:   nil,
	ActionShowDesktop: nil,
	ActionScreenshot:  nil,
	ActionMessage:     {"content"},
	ActionExec:        {"command"},
	ActionPing:        nil,
}

// Kinds returns every known ActionKind in stable order.
func Kinds() []ActionKind {
	return []ActionKind{
		ActionShutdown,
		ActionRestart,
		ActionLock,
		ActionOpenApp,
		ActionCloseApps,
		ActionShowDesktop,
		ActionScreenshot,
		ActionMessage,
		ActionExec,
		ActionPing,
	}
}

// KnownAction reports whether kind names a command this protocol defines.
func KnownAction(kind ActionKind) bool {
	_, ok := payloadKeys[kind]
	return ok
}

// EventKind names one message an agent sends back to the controller.
type EventKind string

const (
	EventHello     EventKind = "hello"
	EventStatus    EventKind = "status"
	EventHeartbeat EventKind = "heartbeat"
)
