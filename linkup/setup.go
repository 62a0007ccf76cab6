package linkup

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Environment actions reported by EnsureEnvironment.
const (
	ActionNoop            = "noop"
	ActionCreatedVcan     = "created_vcan"
	ActionShowManualSteps = "show_manual_steps"
	ActionNonLinux        = "non_linux"
)

// DefaultVirtualIface is the interface EnsureEnvironment creates.
const DefaultVirtualIface = "vcan0"

// Environment is the outcome of EnsureEnvironment, shaped for API clients.
type Environment struct {
	Success bool           `json:"success"`
	Action  string         `json:"action"`
	Message string         `json:"message"`
	Details map[string]any `json:"details"`
}

// ManualSteps are the commands shown when automatic setup fails.
var ManualSteps = []string{
	"sudo modprobe vcan",
	"sudo ip link add dev vcan0 type vcan || true",
	"sudo ip link set vcan0 up",
}

// EnsureEnvironment makes SocketCAN usable. Existing can*/vcan* links are
// left alone; otherwise vcan0 is created. It never returns an error: every
// outcome is described by the Environment.
func (l *Linker) EnsureEnvironment(ctx context.Context) Environment {
	if l.linux() != nil {
		return Environment{
			Success: true,
			Action:  ActionNonLinux,
			Message: "Non-Linux platform: SocketCAN not required. Proceed with vendor backends.",
			Details: map[string]any{"platform": l.GOOS},
		}
	}
	links, err := l.CANLinks()
	if err == nil && len(links) > 0 {
		return Environment{
			Success: true,
			Action:  ActionNoop,
			Message: "Found CAN interfaces: " + strings.Join(links, ", "),
			Details: map[string]any{"ifaces": links},
		}
	}
	err = l.BringUpVirtual(ctx, DefaultVirtualIface)
	if err == nil {
		after, _ := l.CANLinks()
		return Environment{
			Success: true,
			Action:  ActionCreatedVcan,
			Message: fmt.Sprintf("No hardware found; created virtual CAN (%s).", DefaultVirtualIface),
			Details: map[string]any{"ifaces": after},
		}
	}
	l.logger().Warn("automatic vcan setup failed", "err", err)
	details := map[string]any{
		"linux_commands": ManualSteps,
		"error":          err.Error(),
		"cancelled":      errors.Is(err, ErrElevationCancelled),
	}
	var ce *CommandError
	if errors.As(err, &ce) {
		details["stderr"] = ce.Stderr
	}
	return Environment{
		Success: false,
		Action:  ActionShowManualSteps,
		Message: "Could not create vcan automatically. Please run these commands once, then retry:",
		Details: details,
	}
}
