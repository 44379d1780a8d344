package syscmd

import (
	"context"
	"errors"
	"reflect"
	"runtime"
	"strings"
	"testing"
)

func TestSudo(t *testing.T) {
	name, args := Sudo(true, "setfacl", "-m", "u:1000:rw", "/dev/nvidia0")
	if name != "sudo" || !reflect.DeepEqual(args, []string{"setfacl", "-m", "u:1000:rw", "/dev/nvidia0"}) {
		t.Fatalf("unexpected sudo command %s %v", name, args)
	}
	name, args = Sudo(false, "chmod", "660", "/dev/nvidia0")
	if name != "chmod" || len(args) != 2 {
		t.Fatalf("unexpected plain command %s %v", name, args)
	}
}

func TestExecCapturesStdoutAndExitStatus(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
	ctx := context.Background()
	out, err := Exec{}.Run(ctx, "sh", "-c", "echo hello")
	if err != nil || strings.TrimSpace(string(out)) != "hello" {
		t.Fatalf("unexpected result %q (%v)", out, err)
	}
	_, err = Exec{}.Run(ctx, "sh", "-c", "echo nope >&2; exit 3")
	var exitErr *ExitError
	if !errors.As(err, &exitErr) {
		t.Fatalf("expected ExitError, got %v", err)
	}
	if exitErr.Code != 3 || exitErr.Stderr != "nope" {
		t.Fatalf("unexpected exit error %+v", exitErr)
	}
}

func TestExecMissingBinary(t *testing.T) {
	if _, err := (Exec{}).Run(context.Background(), "gpulockd-definitely-missing-binary"); err == nil {
		t.Fatal("expected error for missing binary")
	}
}

func TestScriptRecordsCalls(t *testing.T) {
	s := NewScript().On("getfacl /dev/nvidia0", "user::rw-\n", nil)
	out, err := s.Run(context.Background(), "getfacl", "/dev/nvidia0")
	if err != nil || string(out) != "user::rw-\n" {
		t.Fatalf("unexpected script output %q (%v)", out, err)
	}
	if _, err := s.Run(context.Background(), "chmod", "660", "/dev/nvidia0"); err != nil {
		t.Fatalf("unknown commands succeed: %v", err)
	}
	if got := s.Calls(); !reflect.DeepEqual(got, []string{"getfacl /dev/nvidia0", "chmod 660 /dev/nvidia0"}) {
		t.Fatalf("unexpected calls %v", got)
	}
}
