package app

import (
	"errors"
	"fmt"

	"github.com/denis-savelyev/FaceAttend/internal/attendance"
	"github.com/denis-savelyev/FaceAttend/internal/integrations/mqtt"

	log "github.com/sirupsen/logrus"
)

// HandleCommand executes a command received over MQTT.
func (a *App) HandleCommand(cmd mqtt.Command) error {
	switch cmd.Action {
	case mqtt.ActionConfirm:
		ev, err := a.Confirm()
		if errors.Is(err, attendance.ErrIOFailure) {
			log.Warnf("Attendance for %s confirmed over MQTT but not persisted: %v", ev.Name, err)
			return nil
		}
		return err
	case mqtt.ActionReject:
		return a.Reject()
	case mqtt.ActionThreshold:
		if cmd.Value == nil {
			return fmt.Errorf("%w: threshold requires a value", mqtt.ErrInvalidCommand)
		}
		_, err := a.SetThreshold(*cmd.Value)
		return err
	default:
		return fmt.Errorf("%w: unknown action %q", mqtt.ErrInvalidCommand, cmd.Action)
	}
}
