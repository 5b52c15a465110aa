package events

import (
	"encoding/json"
	"fmt"
	"os/exec"
	"runtime"
	"strings"
)

// Notifier sends system notifications.
type Notifier struct {
	Enabled bool
}

// Send sends a system notification.
// On macOS, uses osascript to display notifications.
// On other platforms, this is a no-op.
func (n *Notifier) Send(title, message string) error {
	if n == nil || !n.Enabled {
		return nil
	}

	if runtime.GOOS != "darwin" {
		return nil
	}

	return sendMacOSNotification(title, message)
}

func sendMacOSNotification(title, message string) error {
	title = strings.ReplaceAll(title, `"`, `\"`)
	message = strings.ReplaceAll(message, `"`, `\"`)

	script := fmt.Sprintf(`display notification "%s" with title "%s"`, message, title)
	cmd := exec.Command("osascript", "-e", script)

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("send notification: %w", err)
	}

	return nil
}

// FormatNotification renders a user-facing notification for an event type.
// Returns an empty title for event types that should not notify.
func FormatNotification(eventType string, payload any) (title, message string) {
	fields := map[string]any{}
	if data, err := json.Marshal(payload); err == nil {
		_ = json.Unmarshal(data, &fields)
	}

	switch eventType {
	case TypeLevelCompleted:
		return "Level Complete",
			fmt.Sprintf("Level %v of execution %v completed", fields["level_number"], fields["execution_id"])
	case TypeActionEscalated:
		return "Action Escalated",
			fmt.Sprintf("Action %v exhausted corrective attempts and needs review", fields["action_id"])
	case TypeExecutionCompleted:
		return "Execution Complete",
			fmt.Sprintf("Execution %v finished all levels", fields["execution_id"])
	case TypeAchievementClaimed:
		return "Achievement Earned",
			fmt.Sprintf("%v (+%v XP)", fields["name"], fields["xp"])
	default:
		return "", ""
	}
}
