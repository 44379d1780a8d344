package pool

import (
	"fmt"
	"slices"
	"sort"
	"strconv"
	"strings"
)

// Device identifies one physical accelerator.
type Device struct {
	Type string `json:"type"`
	ID   int    `json:"id"`
}

func (d Device) String() string {
	return fmt.Sprintf("%s/%d", d.Type, d.ID)
}

// Inventory is the static device configuration: device type to the ordered
// ids of that type. It never changes at runtime.
type Inventory map[string][]int

// ParseInventory parses "A100=0,1,2;V100=3,4". Whitespace is ignored.
func ParseInventory(spec string) (Inventory, error) {
	inv := make(Inventory)
	for _, group := range strings.Split(spec, ";") {
		group = strings.TrimSpace(group)
		if group == "" {
			continue
		}
		name, list, ok := strings.Cut(group, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("pool: invalid device group %q (expected TYPE=ID,ID)", group)
		}
		for _, raw := range strings.Split(list, ",") {
			raw = strings.TrimSpace(raw)
			if raw == "" {
				continue
			}
			id, err := strconv.Atoi(raw)
			if err != nil {
				return nil, fmt.Errorf("pool: invalid device id %q for type %s", raw, name)
			}
			inv[name] = append(inv[name], id)
		}
	}
	if err := inv.Validate(); err != nil {
		return nil, err
	}
	return inv, nil
}

// Validate rejects empty inventories, negative ids and ids shared between
// types (an id names a device node, so it is unique host-wide).
func (inv Inventory) Validate() error {
	if len(inv) == 0 {
		return fmt.Errorf("pool: no devices configured")
	}
	owner := make(map[int]string)
	for _, typ := range inv.Types() {
		ids := inv[typ]
		if len(ids) == 0 {
			return fmt.Errorf("pool: device type %s has no ids", typ)
		}
		for _, id := range ids {
			if id < 0 {
				return fmt.Errorf("pool: negative device id %d for type %s", id, typ)
			}
			if prev, ok := owner[id]; ok {
				return fmt.Errorf("pool: device id %d listed for both %s and %s", id, prev, typ)
			}
			owner[id] = typ
		}
	}
	return nil
}

// Types returns the configured device types in lexical order.
func (inv Inventory) Types() []string {
	types := make([]string, 0, len(inv))
	for typ := range inv {
		types = append(types, typ)
	}
	sort.Strings(types)
	return types
}

// Has reports whether (typ, id) is a configured device.
func (inv Inventory) Has(typ string, id int) bool {
	return slices.Contains(inv[typ], id)
}

// TypeOf returns the type owning id.
func (inv Inventory) TypeOf(id int) (string, bool) {
	for typ, ids := range inv {
		if slices.Contains(ids, id) {
			return typ, true
		}
	}
	return "", false
}

// Devices lists every configured device, grouped by type in lexical order.
func (inv Inventory) Devices() []Device {
	var out []Device
	for _, typ := range inv.Types() {
		for _, id := range inv[typ] {
			out = append(out, Device{Type: typ, ID: id})
		}
	}
	return out
}

// State returns a fresh pool state holding every configured device.
func (inv Inventory) State() State {
	state := make(State, len(inv))
	for typ, ids := range inv {
		state[typ] = slices.Clone(ids)
	}
	return state
}

// String renders the inventory in ParseInventory syntax.
func (inv Inventory) String() string {
	groups := make([]string, 0, len(inv))
	for _, typ := range inv.Types() {
		ids := make([]string, len(inv[typ]))
		for i, id := range inv[typ] {
			ids[i] = strconv.Itoa(id)
		}
		groups = append(groups, typ+"="+strings.Join(ids, ","))
	}
	return strings.Join(groups, ";")
}
