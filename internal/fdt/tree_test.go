package fdt

import (
	"testing"
)

func testTree(t *testing.T) *Tree {
	t.Helper()

	tree, err := FromNode(Node{
		Properties: map[string]Property{
			"compatible": {Strings: []string{"test,machine"}},
		},
		Children: []Node{
			{Name: "chosen"},
			{
				Name: "memory@0",
				Properties: map[string]Property{
					"device_type": {Strings: []string{"memory"}},
					"reg":         {U64: []uint64{0, 1 << 30}},
				},
			},
			{
				Name: "vdevice",
				Children: []Node{
					{
						Name: "vty@71000000",
						Properties: map[string]Property{
							"device_type": {Strings: []string{"serial"}},
						},
					},
					{Name: "disk@0"},
				},
			},
		},
	})
	if err != nil {
		t.Fatalf("FromNode: %v", err)
	}
	return tree
}

func TestFindDeviceExact(t *testing.T) {
	tree := testTree(t)

	n := tree.FindDevice("/vdevice/vty@71000000")
	if n == nil {
		t.Fatal("expected to find /vdevice/vty@71000000")
	}
	if n.Name() != "vty@71000000" {
		t.Fatalf("expected name vty@71000000, got %s", n.Name())
	}
	if n.BaseName() != "vty" {
		t.Fatalf("expected base name vty, got %s", n.BaseName())
	}
	if n.Path() != "/vdevice/vty@71000000" {
		t.Fatalf("expected full path back, got %s", n.Path())
	}
}

func TestFindDeviceUnitElision(t *testing.T) {
	tree := testTree(t)

	// A component without a unit address matches the node with one.
	n := tree.FindDevice("/vdevice/vty")
	if n == nil {
		t.Fatal("expected /vdevice/vty to match /vdevice/vty@71000000")
	}
	if n.Name() != "vty@71000000" {
		t.Fatalf("expected vty@71000000, got %s", n.Name())
	}

	// The reverse does not hold: a unit address must match exactly.
	if n := tree.FindDevice("/vdevice/vty@99"); n != nil {
		t.Fatalf("expected no match for wrong unit address, got %s", n.Name())
	}

	if tree.FindDevice("/") != tree.Root() {
		t.Fatal("expected / to resolve to the root")
	}
	if tree.FindDevice("/nonexistent") != nil {
		t.Fatal("expected no match for unknown path")
	}
}

func TestTreeNavigation(t *testing.T) {
	tree := testTree(t)

	chosen := tree.FindDevice("/chosen")
	mem := tree.FindDevice("/memory@0")
	vdev := tree.FindDevice("/vdevice")

	if chosen.Parent() != tree.Root() {
		t.Fatal("expected /chosen parent to be the root")
	}
	if tree.Root().FirstChild() != chosen {
		t.Fatal("expected /chosen to be the first child of the root")
	}
	if chosen.NextSibling() != mem {
		t.Fatal("expected /memory@0 to follow /chosen")
	}
	if vdev.NextSibling() != nil {
		t.Fatal("expected /vdevice to be the last sibling")
	}
	if tree.Root().Parent() != nil {
		t.Fatal("expected the root to have no parent")
	}
}

func TestNextPropertyName(t *testing.T) {
	tree := testTree(t)
	mem := tree.FindDevice("/memory@0")

	// FromNode adds properties in sorted name order.
	first, ok := mem.NextPropertyName("")
	if !ok || first != "device_type" {
		t.Fatalf("expected first property device_type, got %q ok=%v", first, ok)
	}
	second, ok := mem.NextPropertyName(first)
	if !ok || second != "reg" {
		t.Fatalf("expected reg after device_type, got %q ok=%v", second, ok)
	}
	if name, ok := mem.NextPropertyName(second); ok {
		t.Fatalf("expected iteration end after reg, got %q", name)
	}
	if name, ok := mem.NextPropertyName("no-such-prop"); ok {
		t.Fatalf("expected no result for unknown previous name, got %q", name)
	}

	chosen := tree.FindDevice("/chosen")
	if name, ok := chosen.NextPropertyName(""); ok {
		t.Fatalf("expected no properties on /chosen, got %q", name)
	}
}

func TestSetPropertyPreservesOrder(t *testing.T) {
	tree := testTree(t)
	mem := tree.FindDevice("/memory@0")

	tree.SetProperty(mem, "device_type", []byte("ram\x00"))
	tree.SetPropertyU32(mem, "extra", 7)

	names := mem.PropertyNames()
	want := []string{"device_type", "reg", "extra"}
	if len(names) != len(want) {
		t.Fatalf("expected %d properties, got %v", len(want), names)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("expected property order %v, got %v", want, names)
		}
	}

	v, ok := mem.Property("device_type")
	if !ok || string(v) != "ram\x00" {
		t.Fatalf("expected replaced value, got %q ok=%v", v, ok)
	}
}

func TestAssignPhandles(t *testing.T) {
	tree := testTree(t)

	// One node already carries a phandle; assignment must skip its value.
	tree.SetPropertyU32(tree.FindDevice("/chosen"), "phandle", 2)

	tree.AssignPhandles()

	seen := make(map[uint32]string)
	tree.Walk(func(n *DeviceNode) {
		ph := n.Phandle()
		if ph == 0 {
			t.Fatalf("node %s has no phandle after assignment", n.Path())
		}
		if prev, ok := seen[ph]; ok {
			t.Fatalf("phandle %d assigned to both %s and %s", ph, prev, n.Path())
		}
		seen[ph] = n.Path()
	})

	if tree.FindDevice("/chosen").Phandle() != 2 {
		t.Fatal("expected the predefined phandle to survive assignment")
	}
	for ph, path := range seen {
		if tree.ByPhandle(ph) == nil {
			t.Fatalf("phandle %d of %s not resolvable after assignment", ph, path)
		}
	}
	if tree.ByPhandle(0) != nil {
		t.Fatal("expected phandle 0 to stay unresolvable")
	}
}

func TestPackParseRoundtrip(t *testing.T) {
	tree := testTree(t)
	tree.AssignPhandles()
	tree.SetPropertyString(tree.FindDevice("/chosen"), "bootargs", "console=hvc0")

	blob := tree.Pack()

	parsed, err := Parse(blob)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	vty := parsed.FindDevice("/vdevice/vty@71000000")
	if vty == nil {
		t.Fatal("expected the parsed tree to keep /vdevice/vty@71000000")
	}
	v, ok := vty.Property("device_type")
	if !ok || string(v) != "serial\x00" {
		t.Fatalf("expected device_type serial, got %q ok=%v", v, ok)
	}

	chosen := parsed.FindDevice("/chosen")
	if v, _ := chosen.Property("bootargs"); string(v) != "console=hvc0\x00" {
		t.Fatalf("expected bootargs to survive the roundtrip, got %q", v)
	}

	ph := tree.FindDevice("/memory@0").Phandle()
	if parsed.ByPhandle(ph) == nil {
		t.Fatalf("expected phandle %d to resolve in the parsed tree", ph)
	}
}

func TestParseRejectsGarbage(t *testing.T) {
	if _, err := Parse([]byte("not a device tree")); err == nil {
		t.Fatal("expected an error for a non-blob input")
	}
	if _, err := Parse(nil); err == nil {
		t.Fatal("expected an error for empty input")
	}
}

func TestFromNodeRejectsAmbiguousProperty(t *testing.T) {
	_, err := FromNode(Node{
		Children: []Node{{
			Name: "bad",
			Properties: map[string]Property{
				"both": {Strings: []string{"a"}, U32: []uint32{1}},
			},
		}},
	})
	if err == nil {
		t.Fatal("expected an error for a property with two value kinds")
	}
}
