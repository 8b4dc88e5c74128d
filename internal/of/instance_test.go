package of

import (
	"errors"
	"testing"
)

func TestSplitDevicePath(t *testing.T) {
	cases := []struct {
		in                 string
		node, unit, params string
	}{
		{"/vdevice/vty@71000000", "/vdevice/vty", "71000000", ""},
		{"/vdevice/vty@71000000:9600", "/vdevice/vty", "71000000", "9600"},
		{"/vdevice/vty:9600", "/vdevice/vty", "", "9600"},
		{"/vdevice/vty", "/vdevice/vty", "", ""},
		{"/", "/", "", ""},
		{"", "", "", ""},
		// Unit and params belong to the last component only.
		{"/pci@800/disk", "/pci@800/disk", "", ""},
		// Arguments follow the unit address.
		{"/disk@1:0", "/disk", "1", "0"},
	}

	for _, c := range cases {
		node, unit, params := splitDevicePath(c.in)
		if node != c.node || unit != c.unit || params != c.params {
			t.Fatalf("splitDevicePath(%q) = (%q, %q, %q), expected (%q, %q, %q)",
				c.in, node, unit, params, c.node, c.unit, c.params)
		}
	}
}

func TestJoinUnit(t *testing.T) {
	if got := joinUnit("/vdevice/vty", "71000000"); got != "/vdevice/vty@71000000" {
		t.Fatalf("expected /vdevice/vty@71000000, got %s", got)
	}
	if got := joinUnit("/vdevice/vty", ""); got != "/vdevice/vty" {
		t.Fatalf("expected unchanged path, got %s", got)
	}
}

func TestInstanceTableHandles(t *testing.T) {
	tab := NewInstanceTable()

	h1, err := tab.Add(&Instance{Path: "/a"})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if h1 != 1 {
		t.Fatalf("expected the first handle to be 1, got %d", h1)
	}

	h2, err := tab.Add(&Instance{Path: "/b"})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if h2 != 2 {
		t.Fatalf("expected the second handle to be 2, got %d", h2)
	}

	if err := tab.Remove(h1); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if err := tab.Remove(h1); !errors.Is(err, ErrUnknownHandle) {
		t.Fatalf("expected ErrUnknownHandle on double close, got %v", err)
	}
	if _, ok := tab.Get(h1); ok {
		t.Fatal("expected the removed handle to be gone")
	}

	// Handles are never recycled.
	h3, err := tab.Add(&Instance{Path: "/c"})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if h3 != 3 {
		t.Fatalf("expected handle 3, got %d", h3)
	}
	if tab.Len() != 2 {
		t.Fatalf("expected 2 live instances, got %d", tab.Len())
	}
}

func TestInstanceTableExhaustion(t *testing.T) {
	tab := NewInstanceTable()
	tab.last = 0xFFFFFFFF

	if _, err := tab.Add(&Instance{}); !errors.Is(err, ErrExhausted) {
		t.Fatalf("expected ErrExhausted, got %v", err)
	}
}
