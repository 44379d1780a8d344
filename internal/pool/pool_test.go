package pool

import (
	"context"
	"reflect"
	"testing"

	"pkt.systems/gpulockd/internal/kv"
	"pkt.systems/gpulockd/internal/kv/memory"
)

func TestParseInventory(t *testing.T) {
	inv, err := ParseInventory(" A100 = 0, 1,2 ; V100=3 ;")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	want := Inventory{"A100": {0, 1, 2}, "V100": {3}}
	if !reflect.DeepEqual(inv, want) {
		t.Fatalf("got %v want %v", inv, want)
	}
	if got := inv.String(); got != "A100=0,1,2;V100=3" {
		t.Fatalf("String()=%q", got)
	}
}

func TestParseInventoryErrors(t *testing.T) {
	cases := map[string]string{
		"empty":        "",
		"missing type": "=1,2",
		"bad id":       "A100=zero",
		"negative":     "A100=-1",
		"shared id":    "A100=0,1;V100=1",
		"no ids":       "A100=",
	}
	for name, spec := range cases {
		if _, err := ParseInventory(spec); err == nil {
			t.Fatalf("%s: expected error for %q", name, spec)
		}
	}
}

func TestInventoryLookups(t *testing.T) {
	inv := Inventory{"V100": {3, 4}, "A100": {0}}
	if !inv.Has("V100", 4) || inv.Has("A100", 4) {
		t.Fatalf("Has mismatch")
	}
	if typ, ok := inv.TypeOf(3); !ok || typ != "V100" {
		t.Fatalf("TypeOf(3)=%q,%v", typ, ok)
	}
	devices := inv.Devices()
	want := []Device{{"A100", 0}, {"V100", 3}, {"V100", 4}}
	if !reflect.DeepEqual(devices, want) {
		t.Fatalf("Devices()=%v want %v", devices, want)
	}
	state := inv.State()
	state.Remove("V100", 3)
	if len(inv["V100"]) != 2 {
		t.Fatalf("State() must not alias the inventory")
	}
}

func TestStateMutations(t *testing.T) {
	s := State{"A": {0, 1, 2}}
	if !s.Remove("A", 0) || s.Remove("A", 0) {
		t.Fatalf("Remove must succeed exactly once")
	}
	if !s.Add("A", 0) || s.Add("A", 0) {
		t.Fatalf("Add must not duplicate ids")
	}
	if got := s["A"]; !reflect.DeepEqual(got, []int{1, 2, 0}) {
		t.Fatalf("unexpected order %v", got)
	}
	ids, ok := s.Take("A", 2)
	if !ok || !reflect.DeepEqual(ids, []int{1, 2}) || !reflect.DeepEqual(s["A"], []int{0}) {
		t.Fatalf("Take = %v,%v leaving %v", ids, ok, s["A"])
	}
	if _, ok := s.Take("A", 2); ok {
		t.Fatalf("Take must fail when capacity is short")
	}
	if s.Available("A") != 1 || s.Available("missing") != 0 {
		t.Fatalf("unexpected availability")
	}
}

func TestStateCloneIsDeep(t *testing.T) {
	s := State{"A": {0, 1}}
	c := s.Clone()
	c.Remove("A", 0)
	if !s.Contains("A", 0) {
		t.Fatalf("clone aliases the original")
	}
}

func TestStoreRoundTripAndStuck(t *testing.T) {
	ctx := context.Background()
	kvs := memory.New()
	store := NewStore(kvs, kv.Keys{Prefix: "test"})

	empty, err := store.Load(ctx)
	if err != nil || len(empty) != 0 {
		t.Fatalf("expected empty pool, got %v (%v)", empty, err)
	}
	if err := store.Save(ctx, State{"A": {1, 2}}); err != nil {
		t.Fatalf("save: %v", err)
	}
	raw, err := kvs.Get(ctx, "test:available_gpus")
	if err != nil || string(raw) != `{"A":[1,2]}` {
		t.Fatalf("unexpected document %q (%v)", raw, err)
	}
	loaded, err := store.Load(ctx)
	if err != nil || !reflect.DeepEqual(loaded, State{"A": {1, 2}}) {
		t.Fatalf("load = %v (%v)", loaded, err)
	}

	if err := store.MarkStuck(ctx, Device{"A", 0}); err != nil {
		t.Fatalf("mark stuck: %v", err)
	}
	if err := store.MarkStuck(ctx, Device{"A", 0}); err != nil {
		t.Fatalf("mark stuck twice: %v", err)
	}
	stuck, err := store.Stuck(ctx)
	if err != nil || !reflect.DeepEqual(stuck, []Device{{"A", 0}}) {
		t.Fatalf("stuck = %v (%v)", stuck, err)
	}
	if err := store.ClearStuck(ctx); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if stuck, _ := store.Stuck(ctx); len(stuck) != 0 {
		t.Fatalf("expected no stuck devices, got %v", stuck)
	}
}
