// Package probe inspects which processes run on a device and who owns them.
package probe

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/shirou/gopsutil/v4/process"
	"pkt.systems/pslog"

	"pkt.systems/gpulockd/internal/fault"
	"pkt.systems/gpulockd/internal/syscmd"
)

// Prober reports device processes and can terminate them.
type Prober interface {
	// RunningPIDs lists compute processes on deviceID.
	RunningPIDs(ctx context.Context, deviceID int) ([]int, error)
	// Owner returns the login name owning pid.
	Owner(ctx context.Context, pid int) (string, error)
	// Kill terminates pid.
	Kill(ctx context.Context, pid int) error
}

// InUse reports whether username has a process on deviceID. Processes whose
// owner cannot be resolved (typically already exited) are skipped. A failure
// to list processes is returned as a probe_failure.
func InUse(ctx context.Context, p Prober, deviceID int, username string) (bool, error) {
	pids, err := p.RunningPIDs(ctx, deviceID)
	if err != nil {
		return false, fault.Wrap(fault.CodeProbeFailure, err, "list processes on device %d", deviceID)
	}
	for _, pid := range pids {
		owner, err := p.Owner(ctx, pid)
		if err != nil {
			continue
		}
		if owner == username {
			return true, nil
		}
	}
	return false, nil
}

// KillUser terminates every process of username on deviceID and returns the
// pids it killed. It keeps going after individual kill failures and reports
// the first one.
func KillUser(ctx context.Context, p Prober, deviceID int, username string, logger pslog.Logger) ([]int, error) {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	pids, err := p.RunningPIDs(ctx, deviceID)
	if err != nil {
		return nil, fault.Wrap(fault.CodeProbeFailure, err, "list processes on device %d", deviceID)
	}
	var killed []int
	var firstErr error
	for _, pid := range pids {
		owner, err := p.Owner(ctx, pid)
		if err != nil || owner != username {
			continue
		}
		logger.Info("probe.kill", "pid", pid, "username", username, "device_id", deviceID)
		if err := p.Kill(ctx, pid); err != nil {
			logger.Warn("probe.kill.error", "pid", pid, "username", username, "device_id", deviceID, "error", err)
			if firstErr == nil {
				firstErr = fmt.Errorf("kill pid %d: %w", pid, err)
			}
			continue
		}
		killed = append(killed, pid)
	}
	return killed, firstErr
}

// NvidiaSMI queries nvidia-smi for compute processes and uses gopsutil for
// ownership and termination.
type NvidiaSMI struct {
	Runner syscmd.Runner
	// Binary defaults to "nvidia-smi".
	Binary string
	// Sudo runs nvidia-smi and kill through sudo.
	Sudo bool
}

func (n NvidiaSMI) RunningPIDs(ctx context.Context, deviceID int) ([]int, error) {
	binary := n.Binary
	if binary == "" {
		binary = "nvidia-smi"
	}
	name, args := syscmd.Sudo(n.Sudo, binary, "--id="+strconv.Itoa(deviceID), "--query-compute-apps=pid", "--format=csv,noheader")
	out, err := n.Runner.Run(ctx, name, args...)
	if err != nil {
		return nil, err
	}
	return ParsePIDs(out), nil
}

func (NvidiaSMI) Owner(ctx context.Context, pid int) (string, error) {
	proc, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return "", err
	}
	return proc.UsernameWithContext(ctx)
}

func (n NvidiaSMI) Kill(ctx context.Context, pid int) error {
	if n.Sudo {
		name, args := syscmd.Sudo(true, "kill", "-9", strconv.Itoa(pid))
		_, err := n.Runner.Run(ctx, name, args...)
		return err
	}
	proc, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return err
	}
	return proc.KillWithContext(ctx)
}

// ParsePIDs extracts one pid per line, ignoring blanks and anything
// non-numeric such as "No running processes found".
func ParsePIDs(out []byte) []int {
	var pids []int
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		field, _, _ := strings.Cut(strings.TrimSpace(scanner.Text()), ",")
		pid, err := strconv.Atoi(strings.TrimSpace(field))
		if err != nil || pid <= 0 {
			continue
		}
		pids = append(pids, pid)
	}
	return pids
}

// None reports every device as idle and never kills anything. It backs
// deployments without a usage probe.
type None struct{}

func (None) RunningPIDs(context.Context, int) ([]int, error) { return nil, nil }
func (None) Owner(context.Context, int) (string, error)      { return "", nil }
func (None) Kill(context.Context, int) error                 { return nil }
