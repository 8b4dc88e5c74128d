package fdt

import "encoding/binary"

// Property describes a single device-tree property in a config-friendly form.
// Exactly one of the typed fields should be populated for a given property.
type Property struct {
	Strings []string `json:"strings,omitempty" yaml:"strings,omitempty"`
	U32     []uint32 `json:"u32,omitempty" yaml:"u32,omitempty"`
	U64     []uint64 `json:"u64,omitempty" yaml:"u64,omitempty"`
	Bytes   []byte   `json:"bytes,omitempty" yaml:"bytes,omitempty"`
	Flag    bool     `json:"flag,omitempty" yaml:"flag,omitempty"`
}

// Kind returns the name of the populated field or an empty string if none are set.
func (p Property) Kind() string {
	switch {
	case len(p.Strings) > 0:
		return "strings"
	case len(p.U32) > 0:
		return "u32"
	case len(p.U64) > 0:
		return "u64"
	case len(p.Bytes) > 0:
		return "bytes"
	case p.Flag:
		return "flag"
	default:
		return ""
	}
}

// DefinedCount reports how many distinct fields on the property are populated.
func (p Property) DefinedCount() int {
	count := 0
	if len(p.Strings) > 0 {
		count++
	}
	if len(p.U32) > 0 {
		count++
	}
	if len(p.U64) > 0 {
		count++
	}
	if len(p.Bytes) > 0 {
		count++
	}
	if p.Flag {
		count++
	}
	return count
}

// Encode returns the on-disk big-endian byte form of the property value.
func (p Property) Encode() []byte {
	switch p.Kind() {
	case "strings":
		var data []byte
		for _, v := range p.Strings {
			data = append(data, v...)
			data = append(data, 0)
		}
		return data
	case "u32":
		data := make([]byte, 0, len(p.U32)*4)
		for _, v := range p.U32 {
			data = binary.BigEndian.AppendUint32(data, v)
		}
		return data
	case "u64":
		data := make([]byte, 0, len(p.U64)*8)
		for _, v := range p.U64 {
			data = binary.BigEndian.AppendUint64(data, v)
		}
		return data
	case "bytes":
		return append([]byte(nil), p.Bytes...)
	default:
		return nil
	}
}

// Node describes a device-tree node using config-friendly structures.
// It is the form used in YAML machine descriptions; the live, mutable
// representation is Tree.
type Node struct {
	Name       string              `json:"name" yaml:"name"`
	Properties map[string]Property `json:"properties,omitempty" yaml:"properties,omitempty"`
	Children   []Node              `json:"children,omitempty" yaml:"children,omitempty"`
}
