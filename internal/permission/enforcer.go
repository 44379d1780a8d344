// Package permission controls which users may open a device node and
// reconciles those grants against the active leases.
package permission

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os/user"
	"strconv"
	"strings"

	"pkt.systems/gpulockd/internal/syscmd"
)

// Enforcer applies per-user access to device nodes.
type Enforcer interface {
	Grant(ctx context.Context, deviceID int, username string) error
	Revoke(ctx context.Context, deviceID int, username string) error
	// Grantees lists users holding an explicit grant on deviceID.
	Grantees(ctx context.Context, deviceID int) ([]string, error)
	// Baseline resets the device node to group access only.
	Baseline(ctx context.Context, deviceID int) error
}

// DefaultDevicePath is the NVIDIA device node pattern.
const DefaultDevicePath = "/dev/nvidia%d"

// ACL enforces access with POSIX ACLs via setfacl/getfacl.
type ACL struct {
	Runner syscmd.Runner
	// DevicePath is a fmt pattern taking the device id.
	DevicePath string
	Sudo       bool
	// LookupUID resolves a login name to a uid; defaults to os/user.
	LookupUID func(username string) (string, error)
}

func (a ACL) path(deviceID int) string {
	pattern := a.DevicePath
	if pattern == "" {
		pattern = DefaultDevicePath
	}
	return fmt.Sprintf(pattern, deviceID)
}

func (a ACL) uid(username string) (string, error) {
	if _, err := strconv.Atoi(username); err == nil {
		return username, nil
	}
	lookup := a.LookupUID
	if lookup == nil {
		lookup = lookupUID
	}
	return lookup(username)
}

func lookupUID(username string) (string, error) {
	u, err := user.Lookup(username)
	if err != nil {
		return "", err
	}
	return u.Uid, nil
}

func (a ACL) run(ctx context.Context, name string, args ...string) ([]byte, error) {
	name, args = syscmd.Sudo(a.Sudo, name, args...)
	return a.Runner.Run(ctx, name, args...)
}

func (a ACL) Grant(ctx context.Context, deviceID int, username string) error {
	uid, err := a.uid(username)
	if err != nil {
		return fmt.Errorf("resolve user %s: %w", username, err)
	}
	_, err = a.run(ctx, "setfacl", "-m", "u:"+uid+":rw", a.path(deviceID))
	return err
}

func (a ACL) Revoke(ctx context.Context, deviceID int, username string) error {
	uid, err := a.uid(username)
	if err != nil {
		return fmt.Errorf("resolve user %s: %w", username, err)
	}
	_, err = a.run(ctx, "setfacl", "-x", "u:"+uid, a.path(deviceID))
	return err
}

func (a ACL) Grantees(ctx context.Context, deviceID int) ([]string, error) {
	out, err := a.run(ctx, "getfacl", "-p", a.path(deviceID))
	if err != nil {
		return nil, err
	}
	return ParseGetfacl(out), nil
}

func (a ACL) Baseline(ctx context.Context, deviceID int) error {
	if _, err := a.run(ctx, "chmod", "660", a.path(deviceID)); err != nil {
		return err
	}
	return nil
}

// ParseGetfacl returns the named users in getfacl output. The owning-user
// entry ("user::rw-") and comments are skipped.
func ParseGetfacl(out []byte) []string {
	var users []string
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "user:") {
			continue
		}
		parts := strings.SplitN(line, ":", 3)
		if len(parts) < 3 || parts[1] == "" {
			continue
		}
		users = append(users, parts[1])
	}
	return users
}
