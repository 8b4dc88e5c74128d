package main

import (
	"encoding/binary"
	"fmt"
	"io"
	"strings"

	"github.com/tinyrange/vof/internal/fdt"
)

// dumpTree prints every node path with its properties in document order,
// one property per line.
func dumpTree(w io.Writer, tree *fdt.Tree) {
	tree.Walk(func(n *fdt.DeviceNode) {
		path := n.Path()
		if path == "" {
			path = "/"
		}
		fmt.Fprintf(w, "%s\n", path)
		for _, name := range n.PropertyNames() {
			value, _ := n.Property(name)
			fmt.Fprintf(w, "  %s = %s\n", name, formatPropValue(value))
		}
	})
}

// formatPropValue renders a property the way dtc would: empty values as a
// bare marker, NUL-terminated printable values as quoted strings, 32-bit
// multiples as cell lists and everything else as a byte dump.
func formatPropValue(value []byte) string {
	if len(value) == 0 {
		return "<empty>"
	}

	if isStringList(value) {
		parts := strings.Split(string(value[:len(value)-1]), "\x00")
		for i, p := range parts {
			parts[i] = fmt.Sprintf("%q", p)
		}
		return strings.Join(parts, ", ")
	}

	var sb strings.Builder
	if len(value)%4 == 0 {
		sb.WriteByte('<')
		for i := 0; i < len(value); i += 4 {
			if i > 0 {
				sb.WriteByte(' ')
			}
			fmt.Fprintf(&sb, "0x%08x", binary.BigEndian.Uint32(value[i:]))
		}
		sb.WriteByte('>')
		return sb.String()
	}

	sb.WriteByte('[')
	for i, b := range value {
		if i > 0 {
			sb.WriteByte(' ')
		}
		fmt.Fprintf(&sb, "%02x", b)
	}
	sb.WriteByte(']')
	return sb.String()
}

// isStringList reports whether value is one or more printable, NUL
// terminated strings.
func isStringList(value []byte) bool {
	if value[len(value)-1] != 0 {
		return false
	}
	sawChar := false
	for _, b := range value[:len(value)-1] {
		switch {
		case b == 0:
			if !sawChar {
				return false
			}
			sawChar = false
		case b >= 0x20 && b < 0x7f:
			sawChar = true
		default:
			return false
		}
	}
	return sawChar
}
