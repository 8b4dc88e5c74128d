package fdt

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Parse decodes an FDT blob into a mutable tree. The memory reservation map
// is ignored; quiesce-time packing always emits an empty one.
func Parse(blob []byte) (*Tree, error) {
	if len(blob) < fdtHeaderSize {
		return nil, fmt.Errorf("%w: blob shorter than header", ErrBadBlob)
	}
	if magic := binary.BigEndian.Uint32(blob[0:4]); magic != fdtMagic {
		return nil, fmt.Errorf("%w: bad magic 0x%08x", ErrBadBlob, magic)
	}
	totalSize := binary.BigEndian.Uint32(blob[4:8])
	offStruct := binary.BigEndian.Uint32(blob[8:12])
	offStrings := binary.BigEndian.Uint32(blob[12:16])
	version := binary.BigEndian.Uint32(blob[20:24])
	sizeStrings := binary.BigEndian.Uint32(blob[32:36])
	sizeStruct := binary.BigEndian.Uint32(blob[36:40])

	if version < fdtLastCompVer {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrBadBlob, version)
	}
	if uint64(totalSize) > uint64(len(blob)) ||
		uint64(offStruct)+uint64(sizeStruct) > uint64(totalSize) ||
		uint64(offStrings)+uint64(sizeStrings) > uint64(totalSize) {
		return nil, fmt.Errorf("%w: section offsets exceed blob size", ErrBadBlob)
	}

	p := &parser{
		structBlock: blob[offStruct : offStruct+sizeStruct],
		strings:     blob[offStrings : offStrings+sizeStrings],
	}

	root, err := p.parse()
	if err != nil {
		return nil, err
	}

	t := &Tree{root: root}
	t.reindex()
	return t, nil
}

type parser struct {
	structBlock []byte
	strings     []byte
	off         int
}

func (p *parser) parse() (*DeviceNode, error) {
	var root *DeviceNode
	var cur *DeviceNode

	for {
		token, err := p.token()
		if err != nil {
			return nil, err
		}

		switch token {
		case fdtBeginNodeToken:
			name, err := p.nodeName()
			if err != nil {
				return nil, err
			}
			n := &DeviceNode{name: name, parent: cur}
			if cur == nil {
				if root != nil {
					return nil, fmt.Errorf("%w: multiple root nodes", ErrBadBlob)
				}
				root = n
			} else {
				cur.children = append(cur.children, n)
			}
			cur = n

		case fdtEndNodeToken:
			if cur == nil {
				return nil, fmt.Errorf("%w: unbalanced end-node token", ErrBadBlob)
			}
			cur = cur.parent

		case fdtPropToken:
			if cur == nil {
				return nil, fmt.Errorf("%w: property outside a node", ErrBadBlob)
			}
			name, value, err := p.property()
			if err != nil {
				return nil, err
			}
			cur.props = append(cur.props, nodeProp{name: name, value: value})

		case fdtNopToken:

		case fdtEndToken:
			if cur != nil {
				return nil, fmt.Errorf("%w: end token inside open node", ErrBadBlob)
			}
			if root == nil {
				return nil, fmt.Errorf("%w: no root node", ErrBadBlob)
			}
			return root, nil

		default:
			return nil, fmt.Errorf("%w: unknown token 0x%x at offset 0x%x", ErrBadBlob, token, p.off-4)
		}
	}
}

func (p *parser) token() (uint32, error) {
	if p.off+4 > len(p.structBlock) {
		return 0, fmt.Errorf("%w: truncated structure block", ErrBadBlob)
	}
	v := binary.BigEndian.Uint32(p.structBlock[p.off:])
	p.off += 4
	return v, nil
}

func (p *parser) nodeName() (string, error) {
	end := bytes.IndexByte(p.structBlock[p.off:], 0)
	if end < 0 {
		return "", fmt.Errorf("%w: unterminated node name", ErrBadBlob)
	}
	name := string(p.structBlock[p.off : p.off+end])
	p.off += end + 1
	p.align()
	return name, nil
}

func (p *parser) property() (string, []byte, error) {
	if p.off+8 > len(p.structBlock) {
		return "", nil, fmt.Errorf("%w: truncated property header", ErrBadBlob)
	}
	length := binary.BigEndian.Uint32(p.structBlock[p.off:])
	nameOff := binary.BigEndian.Uint32(p.structBlock[p.off+4:])
	p.off += 8

	if p.off+int(length) > len(p.structBlock) {
		return "", nil, fmt.Errorf("%w: property value exceeds structure block", ErrBadBlob)
	}
	value := append([]byte(nil), p.structBlock[p.off:p.off+int(length)]...)
	p.off += int(length)
	p.align()

	if nameOff >= uint32(len(p.strings)) {
		return "", nil, fmt.Errorf("%w: property name offset out of range", ErrBadBlob)
	}
	end := bytes.IndexByte(p.strings[nameOff:], 0)
	if end < 0 {
		return "", nil, fmt.Errorf("%w: unterminated property name", ErrBadBlob)
	}
	name := string(p.strings[nameOff : int(nameOff)+end])

	return name, value, nil
}

func (p *parser) align() {
	p.off = (p.off + 3) &^ 3
}
