package mqtt

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
)

// Actions accepted on the command topic
const (
	ActionConfirm   = "confirm"
	ActionReject    = "reject"
	ActionThreshold = "threshold"
)

// ErrInvalidCommand is returned for malformed command payloads
var ErrInvalidCommand = errors.New("invalid command")

// Command is a remote request, e.g. {"action":"threshold","value":0.7}
type Command struct {
	Action string   `json:"action"`
	Value  *float64 `json:"value,omitempty"`
}

// ParseCommand decodes and validates a command payload. A bare action name
// such as "confirm" is accepted as well.
func ParseCommand(payload []byte) (Command, error) {
	var cmd Command
	text := strings.TrimSpace(string(payload))
	if strings.HasPrefix(text, "{") {
		if err := json.Unmarshal([]byte(text), &cmd); err != nil {
			return Command{}, fmt.Errorf("%w: %v", ErrInvalidCommand, err)
		}
	} else {
		cmd.Action = text
	}
	cmd.Action = strings.ToLower(strings.TrimSpace(cmd.Action))

	switch cmd.Action {
	case ActionConfirm, ActionReject:
		return cmd, nil
	case ActionThreshold:
		if cmd.Value == nil || math.IsNaN(*cmd.Value) || math.IsInf(*cmd.Value, 0) {
			return Command{}, fmt.Errorf("%w: threshold requires a numeric value", ErrInvalidCommand)
		}
		return cmd, nil
	case "":
		return Command{}, fmt.Errorf("%w: missing action", ErrInvalidCommand)
	default:
		return Command{}, fmt.Errorf("%w: unknown action %q", ErrInvalidCommand, cmd.Action)
	}
}
