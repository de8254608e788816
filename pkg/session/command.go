package session

import (
	"encoding/json"
	"strings"
)

// Action is the verb of an inbound control command.
type Action string

// ActionAbort stops the running job. It is the only recognized action.
const ActionAbort Action = "abort"

// Command is an inbound control message.
type Command struct {
	Action Action `json:"action"`
}

// DecodeCommand parses a control message. It reports false for anything
// that is not a recognized command; such messages are ignored.
func DecodeCommand(raw []byte) (Command, bool) {
	var cmd Command
	if err := json.Unmarshal(raw, &cmd); err != nil {
		return Command{}, false
	}
	cmd.Action = Action(strings.ToLower(strings.TrimSpace(string(cmd.Action))))
	if cmd.Action != ActionAbort {
		return Command{}, false
	}
	return cmd, true
}
