// Package linkup configures kernel CAN interfaces before candiag connects
// to them: it runs the iproute2 command sequence that brings a physical
// link up at a fixed bitrate or creates a virtual (vcan) link.
//
// Every command is first run directly. When it fails in a way that looks
// like a missing privilege and an elevation helper (pkexec or sudo -n) is
// available, the same command is retried once through the helper.
package linkup

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os/exec"
	"runtime"
	"slices"
	"strconv"
	"strings"
)

// AllowedBitrates is the fixed set of bitrates BringUp accepts.
var AllowedBitrates = []int{125000, 250000, 500000, 1000000}

var (
	// ErrBitrateNotAllowed indicates a bitrate outside AllowedBitrates.
	ErrBitrateNotAllowed = errors.New("linkup: bitrate not allowed")

	// ErrElevationCancelled indicates the user dismissed the elevation prompt.
	ErrElevationCancelled = errors.New("linkup: elevation cancelled by user")

	// ErrUnsupported indicates link configuration on a non-Linux host.
	ErrUnsupported = errors.New("linkup: only supported on linux")

	// ErrInvalidName indicates an empty or malformed interface name.
	ErrInvalidName = errors.New("linkup: invalid interface name")
)

// CommandError is a failed command. Stderr is the tool's output verbatim.
type CommandError struct {
	Argv     []string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("linkup: %s: exit %d", strings.Join(e.Argv, " "), e.ExitCode)
	if s := strings.TrimSpace(e.Stderr); s != "" {
		msg += ": " + s
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *CommandError) Unwrap() error { return e.Err }

// Result is the outcome of one command. Err is set only when the process
// could not be started or was killed by the context; a non-zero exit is
// reported through ExitCode alone.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Err      error
}

// Runner executes commands. ExecRunner is the production implementation.
type Runner interface {
	Run(ctx context.Context, argv []string) Result
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

// Run implements Runner.
func (ExecRunner) Run(ctx context.Context, argv []string) Result {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}
	var ee *exec.ExitError
	switch {
	case errors.As(err, &ee) && ctx.Err() == nil:
		res.ExitCode = ee.ExitCode()
	case err != nil:
		res.ExitCode = -1
		res.Err = err
	}
	return res
}

// Elevation helpers accepted by Linker.Elevator.
const (
	ElevateAuto   = "auto"
	ElevatePkexec = "pkexec"
	ElevateSudo   = "sudo"
	ElevateNone   = "none"
)

// pkexec exits with 126 when the authentication dialog is dismissed.
const pkexecDismissed = 126

// Linker runs the link bring-up command sequences.
type Linker struct {
	// Runner executes commands (default ExecRunner).
	Runner Runner

	// Elevator selects the elevation helper: auto, pkexec, sudo or none.
	Elevator string

	// RestartMs, when positive, is passed as restart-ms with the bitrate.
	RestartMs int

	Logger *slog.Logger

	// LookPath resolves helper binaries (default exec.LookPath).
	LookPath func(file string) (string, error)

	// Interfaces lists host network interface names (default net.Interfaces).
	Interfaces func() ([]string, error)

	// GOOS overrides runtime.GOOS.
	GOOS string
}

// New returns a Linker using the real command runner.
func New(elevator string, logger *slog.Logger) *Linker {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Linker{
		Runner:     ExecRunner{},
		Elevator:   elevator,
		Logger:     logger,
		LookPath:   exec.LookPath,
		Interfaces: hostInterfaces,
		GOOS:       runtime.GOOS,
	}
}

func hostInterfaces() ([]string, error) {
	ifs, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(ifs))
	for _, ifi := range ifs {
		names = append(names, ifi.Name)
	}
	return names, nil
}

func (l *Linker) logger() *slog.Logger {
	if l.Logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return l.Logger
}

// ValidateName checks iface against the kernel IFNAMSIZ limit.
func ValidateName(iface string) error {
	if iface == "" || len(iface) >= 16 || strings.ContainsAny(iface, "/ \t\n") {
		return fmt.Errorf("%w: %q", ErrInvalidName, iface)
	}
	return nil
}

func (l *Linker) linux() error {
	goos := l.GOOS
	if goos == "" {
		goos = runtime.GOOS
	}
	if goos != "linux" {
		return ErrUnsupported
	}
	return nil
}

// helper returns the argv prefix of the elevation helper, or nil.
func (l *Linker) helper() []string {
	look := l.LookPath
	if look == nil {
		look = exec.LookPath
	}
	has := func(bin string) bool {
		_, err := look(bin)
		return err == nil
	}
	switch l.Elevator {
	case ElevateNone:
		return nil
	case ElevatePkexec:
		if has("pkexec") {
			return []string{"pkexec"}
		}
	case ElevateSudo:
		if has("sudo") {
			return []string{"sudo", "-n"}
		}
	default:
		if has("pkexec") {
			return []string{"pkexec"}
		}
		if has("sudo") {
			return []string{"sudo", "-n"}
		}
	}
	return nil
}

// permissionShaped reports whether res looks like a missing privilege.
func permissionShaped(res Result) bool {
	switch res.ExitCode {
	case 1, 126, 127:
		return true
	}
	s := strings.ToLower(res.Stderr)
	for _, marker := range []string{"permission denied", "operation not permitted", "must be root", "not permitted"} {
		if strings.Contains(s, marker) {
			return true
		}
	}
	return false
}

func failed(res Result) bool { return res.Err != nil || res.ExitCode != 0 }

// Run executes argv, retrying once through the elevation helper when the
// direct attempt fails for lack of privileges.
func (l *Linker) Run(ctx context.Context, argv ...string) error {
	runner := l.Runner
	if runner == nil {
		runner = ExecRunner{}
	}
	log := l.logger()
	res := runner.Run(ctx, argv)
	if !failed(res) {
		log.Info("link command", "argv", argv)
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	helper := l.helper()
	if helper == nil || !permissionShaped(res) {
		return &CommandError{Argv: argv, ExitCode: res.ExitCode, Stderr: res.Stderr, Err: res.Err}
	}
	elevated := append(slices.Clone(helper), argv...)
	log.Info("link command needs elevation", "argv", argv, "helper", helper[0], "exitCode", res.ExitCode)
	res = runner.Run(ctx, elevated)
	if !failed(res) {
		return nil
	}
	if helper[0] == "pkexec" && res.ExitCode == pkexecDismissed {
		return ErrElevationCancelled
	}
	return &CommandError{Argv: elevated, ExitCode: res.ExitCode, Stderr: res.Stderr, Err: res.Err}
}

// BringUp configures a physical CAN interface: down, type can bitrate, up.
func (l *Linker) BringUp(ctx context.Context, iface string, bitrate int) error {
	if err := ValidateName(iface); err != nil {
		return err
	}
	if !slices.Contains(AllowedBitrates, bitrate) {
		return fmt.Errorf("%w: %d", ErrBitrateNotAllowed, bitrate)
	}
	if err := l.linux(); err != nil {
		return err
	}
	if err := l.Run(ctx, "ip", "link", "set", iface, "down"); err != nil {
		if errors.Is(err, ErrElevationCancelled) || ctx.Err() != nil {
			return err
		}
		l.logger().Debug("link down failed", "iface", iface, "err", err)
	}
	args := []string{"ip", "link", "set", iface, "type", "can", "bitrate", strconv.Itoa(bitrate)}
	if l.RestartMs > 0 {
		args = append(args, "restart-ms", strconv.Itoa(l.RestartMs))
	}
	if err := l.Run(ctx, args...); err != nil {
		return err
	}
	return l.Run(ctx, "ip", "link", "set", iface, "up")
}

// BringUpVirtual creates the vcan interface when absent and brings it up.
func (l *Linker) BringUpVirtual(ctx context.Context, iface string) error {
	if err := ValidateName(iface); err != nil {
		return err
	}
	if err := l.linux(); err != nil {
		return err
	}
	if err := l.Run(ctx, "modprobe", "vcan"); err != nil {
		if errors.Is(err, ErrElevationCancelled) || ctx.Err() != nil {
			return err
		}
		l.logger().Debug("modprobe vcan failed", "err", err)
	}
	if !l.exists(iface) {
		err := l.Run(ctx, "ip", "link", "add", "dev", iface, "type", "vcan")
		var ce *CommandError
		if errors.As(err, &ce) && strings.Contains(ce.Stderr, "File exists") {
			err = nil
		}
		if err != nil {
			return err
		}
	}
	return l.Run(ctx, "ip", "link", "set", iface, "up")
}

func (l *Linker) exists(iface string) bool {
	names, err := l.list()
	return err == nil && slices.Contains(names, iface)
}

func (l *Linker) list() ([]string, error) {
	if l.Interfaces != nil {
		return l.Interfaces()
	}
	return hostInterfaces()
}

// CANLinks lists host interfaces whose name starts with can or vcan.
func (l *Linker) CANLinks() ([]string, error) {
	names, err := l.list()
	if err != nil {
		return nil, err
	}
	var out []string
	for _, n := range names {
		if strings.HasPrefix(n, "can") || strings.HasPrefix(n, "vcan") {
			out = append(out, n)
		}
	}
	return out, nil
}
