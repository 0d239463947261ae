package protocol

import (
	"encoding/json"
	"fmt"
)

// Command is one administrative instruction addressed to every connected
// agent. Payload holds the keys required by the kind and nothing else; a
// Command is immutable once built.
type Command struct {
	Action  ActionKind
	Payload map[string]string
}

// NewCommand builds a validated Command for any known kind.
func NewCommand(kind ActionKind, payload map[string]string) (Command, error) {
	cmd := Command{Action: kind, Payload: payload}
	if err := cmd.validate(); err != nil {
		return Command{}, err
	}
	return cmd, nil
}

// NewMessage builds a broadcast-message command.
func NewMessage(content string) (Command, error) {
	return NewCommand(ActionMessage, map[string]string{"content": content})
}

// NewOpenApp builds a launch-application command.
func NewOpenApp(app string) (Command, error) {
	return NewCommand(ActionOpenApp, map[string]string{"app": app})
}

// NewExec builds a run-shell-command command.
func NewExec(command string) (Command, error) {
	return NewCommand(ActionExec, map[string]string{"command": command})
}

// NewPing builds the keepalive command written by the controller's session
// ticker. It never fails.
func NewPing() Command {
	return Command{Action: ActionPing}
}

func (c Command) validate() error {
	keys, ok := payloadKeys[c.Action]
	if c.Action == "" {
		return ErrMissingAction
	}
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownAction, c.Action)
	}
	for _, k := range keys {
		if _, present := c.Payload[k]; !present {
			return fmt.Errorf("%w: action %q requires key %q", ErrInvalidPayload, c.Action, k)
		}
	}
	if len(c.Payload) != len(keys) {
		for k := range c.Payload {
			if !containsKey(keys, k) {
				return fmt.Errorf("%w: unexpected key %q for action %q", ErrInvalidPayload, k, c.Action)
			}
		}
	}
	return nil
}

func containsKey(keys []string, k string) bool {
	for _, have := range keys {
		if have == k {
			return true
		}
	}
	return false
}

// EncodeCommand renders a Command as one newline-terminated flat JSON record,
// e.g. {"action":"open_app","app":"firefox"}. The input is validated first so
// a malformed Command never reaches the wire.
func EncodeCommand(c Command) ([]byte, error) {
	if err := c.validate(); err != nil {
		return nil, err
	}
	record := make(map[string]string, len(c.Payload)+1)
	record["action"] = string(c.Action)
	for k, v := range c.Payload {
		record[k] = v
	}
	data, err := json.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("encode command: %w", err)
	}
	return append(data, '\n'), nil
}

// DecodeCommand parses one wire record into a Command. It rejects malformed
// JSON, a missing or unknown action, non-string values, and payload keys the
// kind does not define. It never returns a partial Command alongside an error.
func DecodeCommand(line []byte) (Command, error) {
	var raw map[string]any
	if err := json.Unmarshal(line, &raw); err != nil {
		return Command{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	actionVal, present := raw["action"]
	if !present {
		return Command{}, ErrMissingAction
	}
	action, isString := actionVal.(string)
	if !isString {
		return Command{}, fmt.Errorf("%w: action is not a string", ErrMalformed)
	}
	kind := ActionKind(action)
	if !KnownAction(kind) {
		return Command{}, fmt.Errorf("%w: %q", ErrUnknownAction, kind)
	}

	var payload map[string]string
	for k, v := range raw {
		if k == "action" {
			continue
		}
		s, isString := v.(string)
		if !isString {
			return Command{}, fmt.Errorf("%w: value for key %q is not a string", ErrInvalidPayload, k)
		}
		if payload == nil {
			payload = make(map[string]string)
		}
		payload[k] = s
	}

	cmd := Command{Action: kind, Payload: payload}
	if err := cmd.validate(); err != nil {
		return Command{}, err
	}
	return cmd, nil
}
