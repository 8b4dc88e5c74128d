package fdt

import (
	"encoding/binary"
	"errors"
	"sort"
	"strings"
)

// ErrBadBlob wraps every structural error found while decoding a blob.
var ErrBadBlob = errors.New("fdt: malformed device tree blob")

// DeviceNode is a node of a mutable device tree. Properties keep the order
// they were added in, matching the on-disk iteration order OF clients see
// through "nextprop".
type DeviceNode struct {
	name     string
	props    []nodeProp
	parent   *DeviceNode
	children []*DeviceNode
}

type nodeProp struct {
	name  string
	value []byte
}

// Tree is a mutable device tree resolved by path or phandle.
type Tree struct {
	root     *DeviceNode
	phandles map[uint32]*DeviceNode
}

// FromNode builds a mutable tree from the config-friendly node form.
// Properties of each node are added in sorted name order so that two builds
// of the same description produce identical blobs.
func FromNode(root Node) (*Tree, error) {
	t := &Tree{phandles: make(map[uint32]*DeviceNode)}
	n, err := t.fromNode(root, nil)
	if err != nil {
		return nil, err
	}
	t.root = n
	t.reindex()
	return t, nil
}

func (t *Tree) fromNode(spec Node, parent *DeviceNode) (*DeviceNode, error) {
	n := &DeviceNode{name: spec.Name, parent: parent}

	if len(spec.Properties) > 0 {
		keys := make([]string, 0, len(spec.Properties))
		for name := range spec.Properties {
			keys = append(keys, name)
		}
		sort.Strings(keys)
		for _, name := range keys {
			p := spec.Properties[name]
			if p.DefinedCount() > 1 {
				return nil, errors.New("fdt: property " + name + " has multiple value kinds")
			}
			n.props = append(n.props, nodeProp{name: name, value: p.Encode()})
		}
	}

	for _, child := range spec.Children {
		c, err := t.fromNode(child, n)
		if err != nil {
			return nil, err
		}
		n.children = append(n.children, c)
	}

	return n, nil
}

// Root returns the root node.
func (t *Tree) Root() *DeviceNode { return t.root }

// FindDevice resolves a slash-separated path to a node. A component without
// a unit address also matches a node whose name only differs by its @unit
// suffix, the way flattened-tree path lookup traditionally behaves; the
// first such child wins.
func (t *Tree) FindDevice(path string) *DeviceNode {
	if path == "/" || path == "" {
		return t.root
	}
	n := t.root
	for _, part := range strings.Split(strings.TrimPrefix(path, "/"), "/") {
		var next *DeviceNode
		for _, c := range n.children {
			if c.name == part {
				next = c
				break
			}
		}
		if next == nil && !strings.ContainsRune(part, '@') {
			for _, c := range n.children {
				if c.BaseName() == part {
					next = c
					break
				}
			}
		}
		if next == nil {
			return nil
		}
		n = next
	}
	return n
}

// ByPhandle returns the node carrying the given phandle property, or nil.
func (t *Tree) ByPhandle(ph uint32) *DeviceNode {
	if ph == 0 {
		return nil
	}
	return t.phandles[ph]
}

// Phandle returns the node's phandle, or 0 when it has none assigned.
func (n *DeviceNode) Phandle() uint32 {
	v, ok := n.Property("phandle")
	if !ok || len(v) != 4 {
		return 0
	}
	return binary.BigEndian.Uint32(v)
}

// Name returns the node's full name including any @unit suffix.
func (n *DeviceNode) Name() string { return n.name }

// BaseName returns the node's name with any @unit suffix stripped.
func (n *DeviceNode) BaseName() string {
	if i := strings.IndexByte(n.name, '@'); i >= 0 {
		return n.name[:i]
	}
	return n.name
}

// Path returns the node's full slash-separated path.
func (n *DeviceNode) Path() string {
	if n.parent == nil {
		return "/"
	}
	var parts []string
	for c := n; c.parent != nil; c = c.parent {
		parts = append(parts, c.name)
	}
	var sb strings.Builder
	for i := len(parts) - 1; i >= 0; i-- {
		sb.WriteByte('/')
		sb.WriteString(parts[i])
	}
	return sb.String()
}

// Parent returns the parent node, or nil for the root.
func (n *DeviceNode) Parent() *DeviceNode { return n.parent }

// FirstChild returns the node's first subnode, or nil.
func (n *DeviceNode) FirstChild() *DeviceNode {
	if len(n.children) == 0 {
		return nil
	}
	return n.children[0]
}

// NextSibling returns the next subnode of the node's parent, or nil.
func (n *DeviceNode) NextSibling() *DeviceNode {
	if n.parent == nil {
		return nil
	}
	sib := n.parent.children
	for i, c := range sib {
		if c == n {
			if i+1 < len(sib) {
				return sib[i+1]
			}
			return nil
		}
	}
	return nil
}

// Children returns the node's subnodes in document order.
func (n *DeviceNode) Children() []*DeviceNode { return n.children }

// Property returns the raw value of the named property.
func (n *DeviceNode) Property(name string) ([]byte, bool) {
	for _, p := range n.props {
		if p.name == name {
			return p.value, true
		}
	}
	return nil, false
}

// PropertyNames returns the node's property names in document order.
func (n *DeviceNode) PropertyNames() []string {
	names := make([]string, len(n.props))
	for i, p := range n.props {
		names[i] = p.name
	}
	return names
}

// NextPropertyName iterates property names in document order. An empty prev
// yields the first name; the name following prev otherwise. The second
// return is false once the iteration is exhausted or prev is unknown.
func (n *DeviceNode) NextPropertyName(prev string) (string, bool) {
	if len(n.props) == 0 {
		return "", false
	}
	if prev == "" {
		return n.props[0].name, true
	}
	for i, p := range n.props {
		if p.name == prev {
			if i+1 < len(n.props) {
				return n.props[i+1].name, true
			}
			return "", false
		}
	}
	return "", false
}

// SetProperty sets or replaces the named property. New properties append in
// document order.
func (t *Tree) SetProperty(n *DeviceNode, name string, value []byte) {
	v := append([]byte(nil), value...)
	for i, p := range n.props {
		if p.name == name {
			old := p.value
			n.props[i].value = v
			if name == "phandle" && len(old) == 4 {
				delete(t.phandles, binary.BigEndian.Uint32(old))
			}
			t.indexPhandle(n, name, v)
			return
		}
	}
	n.props = append(n.props, nodeProp{name: name, value: v})
	t.indexPhandle(n, name, v)
}

// SetPropertyU32 sets a single-cell big-endian property.
func (t *Tree) SetPropertyU32(n *DeviceNode, name string, value uint32) {
	t.SetProperty(n, name, binary.BigEndian.AppendUint32(nil, value))
}

// SetPropertyString sets a NUL-terminated string property.
func (t *Tree) SetPropertyString(n *DeviceNode, name, value string) {
	t.SetProperty(n, name, append([]byte(value), 0))
}

// AddChild appends a new subnode and returns it.
func (t *Tree) AddChild(parent *DeviceNode, name string) *DeviceNode {
	c := &DeviceNode{name: name, parent: parent}
	parent.children = append(parent.children, c)
	return c
}

func (t *Tree) indexPhandle(n *DeviceNode, name string, value []byte) {
	if name == "phandle" && len(value) == 4 {
		t.phandles[binary.BigEndian.Uint32(value)] = n
	}
}

func (t *Tree) reindex() {
	t.phandles = make(map[uint32]*DeviceNode)
	t.Walk(func(n *DeviceNode) {
		if ph := n.Phandle(); ph != 0 {
			t.phandles[ph] = n
		}
	})
}

// Walk visits every node in document order, parents before children.
func (t *Tree) Walk(f func(n *DeviceNode)) {
	var visit func(n *DeviceNode)
	visit = func(n *DeviceNode) {
		f(n)
		for _, c := range n.children {
			visit(c)
		}
	}
	if t.root != nil {
		visit(t.root)
	}
}

// AssignPhandles gives every node lacking a phandle a unique non-zero value,
// skipping values already present in the tree. Zero stays reserved for the
// unassigned case.
func (t *Tree) AssignPhandles() {
	used := make(map[uint32]bool)
	t.Walk(func(n *DeviceNode) {
		if ph := n.Phandle(); ph != 0 {
			used[ph] = true
		}
	})

	next := uint32(1)
	t.Walk(func(n *DeviceNode) {
		if _, ok := n.Property("phandle"); ok {
			return
		}
		for used[next] {
			next++
		}
		used[next] = true
		t.SetPropertyU32(n, "phandle", next)
		next++
	})
}
