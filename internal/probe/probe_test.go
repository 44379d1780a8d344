package probe

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"pkt.systems/gpulockd/internal/fault"
	"pkt.systems/gpulockd/internal/syscmd"
)

func TestParsePIDs(t *testing.T) {
	out := []byte("1234\n\n  5678 \nNo running processes found\n42, 1024 MiB\n")
	if got := ParsePIDs(out); !reflect.DeepEqual(got, []int{1234, 5678, 42}) {
		t.Fatalf("unexpected pids %v", got)
	}
	if got := ParsePIDs(nil); len(got) != 0 {
		t.Fatalf("expected no pids, got %v", got)
	}
}

func TestNvidiaSMICommandLine(t *testing.T) {
	script := syscmd.NewScript().On("sudo nvidia-smi --id=3 --query-compute-apps=pid --format=csv,noheader", "100\n200\n", nil)
	p := NvidiaSMI{Runner: script, Sudo: true}
	pids, err := p.RunningPIDs(context.Background(), 3)
	if err != nil || !reflect.DeepEqual(pids, []int{100, 200}) {
		t.Fatalf("unexpected pids %v (%v)", pids, err)
	}
	if err := p.Kill(context.Background(), 100); err != nil {
		t.Fatalf("kill: %v", err)
	}
	calls := script.Calls()
	if calls[len(calls)-1] != "sudo kill -9 100" {
		t.Fatalf("unexpected kill command %v", calls)
	}
}

func TestNvidiaSMIPropagatesFailure(t *testing.T) {
	boom := errors.New("driver not loaded")
	script := syscmd.NewScript().On("nvidia-smi --id=0 --query-compute-apps=pid --format=csv,noheader", "", boom)
	if _, err := (NvidiaSMI{Runner: script}).RunningPIDs(context.Background(), 0); !errors.Is(err, boom) {
		t.Fatalf("expected runner error, got %v", err)
	}
}

func TestInUse(t *testing.T) {
	ctx := context.Background()
	p := NewStatic()
	p.Start(0, 10, "bob")
	p.Start(0, 11, "alice")
	p.Start(1, 12, "bob")

	if used, err := InUse(ctx, p, 0, "alice"); err != nil || !used {
		t.Fatalf("alice should be using device 0: %v %v", used, err)
	}
	if used, err := InUse(ctx, p, 1, "alice"); err != nil || used {
		t.Fatalf("alice should not be using device 1: %v %v", used, err)
	}

	p.Fail(1, errors.New("nvidia-smi timed out"))
	_, err := InUse(ctx, p, 1, "alice")
	if !fault.Is(err, fault.CodeProbeFailure) {
		t.Fatalf("expected probe failure, got %v", err)
	}
}

func TestKillUserOnlyKillsOwner(t *testing.T) {
	ctx := context.Background()
	p := NewStatic()
	p.Start(2, 20, "alice")
	p.Start(2, 21, "bob")
	p.Start(2, 22, "alice")

	killed, err := KillUser(ctx, p, 2, "alice", nil)
	if err != nil {
		t.Fatalf("kill user: %v", err)
	}
	if !reflect.DeepEqual(killed, []int{20, 22}) {
		t.Fatalf("unexpected killed pids %v", killed)
	}
	if used, _ := InUse(ctx, p, 2, "bob"); !used {
		t.Fatal("bob's process must survive")
	}
}

func TestKillUserReportsKillFailure(t *testing.T) {
	ctx := context.Background()
	p := NewStatic()
	p.Start(0, 30, "alice")
	p.FailKills(errors.New("operation not permitted"))
	killed, err := KillUser(ctx, p, 0, "alice", nil)
	if err == nil || len(killed) != 0 {
		t.Fatalf("expected failure and nothing killed, got %v %v", killed, err)
	}
}

func TestNoneIsIdle(t *testing.T) {
	if used, err := InUse(context.Background(), None{}, 0, "alice"); err != nil || used {
		t.Fatalf("None must report idle: %v %v", used, err)
	}
}
