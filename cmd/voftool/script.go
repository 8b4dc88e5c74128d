package main

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/tinyrange/vof/internal/machine"
	"github.com/tinyrange/vof/internal/of"
)

const (
	shimScratchSize = 0x10000
	shimHeaderLen   = 12
	shimArgsLen     = shimHeaderLen + 4*of.MaxArgs
)

// session replays a textual client-interface script through the hypercall
// path. Strings and buffers are staged in a claimed scratch region, the
// same way a guest firmware shim stages them before trapping.
type session struct {
	m *machine.Machine

	argsAddr uint64
	dataBase uint64
	dataPtr  uint64

	lastIhandle uint32
}

// runScript executes the script at path against an assembled machine.
// Each line is one service call; results are printed to stdout.
func runScript(m *machine.Machine, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	s, err := newSession(m)
	if err != nil {
		return err
	}

	sc := bufio.NewScanner(f)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if err := s.exec(line); err != nil {
			return fmt.Errorf("%s:%d: %w", path, lineNo, err)
		}
	}
	return sc.Err()
}

func newSession(m *machine.Machine) (*session, error) {
	base, err := m.Context.Claim(0, shimScratchSize, 0x1000)
	if err != nil {
		return nil, fmt.Errorf("claim scratch region: %w", err)
	}
	return &session{
		m:        m,
		argsAddr: base,
		dataBase: base + 0x100,
	}, nil
}

// exec dispatches one script line. Commands mirror the client-interface
// services; a path argument is resolved to a phandle with finddevice, and
// "." stands for the most recently opened instance.
func (s *session) exec(line string) error {
	fields := strings.Fields(line)
	cmd, args := fields[0], fields[1:]
	s.resetData()

	switch cmd {
	case "finddevice":
		if len(args) != 1 {
			return fmt.Errorf("usage: finddevice <path>")
		}
		ph, err := s.findDevice(args[0])
		if err != nil {
			return err
		}
		fmt.Printf("finddevice %s -> 0x%x\n", args[0], ph)
		return nil

	case "getprop":
		if len(args) != 2 {
			return fmt.Errorf("usage: getprop <path> <name>")
		}
		return s.getProp(args[0], args[1])

	case "getproplen":
		if len(args) != 2 {
			return fmt.Errorf("usage: getproplen <path> <name>")
		}
		return s.getPropLen(args[0], args[1])

	case "setprop":
		if len(args) < 3 {
			return fmt.Errorf("usage: setprop <path> <name> <value...>")
		}
		return s.setProp(args[0], args[1], strings.Join(args[2:], " "))

	case "nextprop":
		prev := ""
		switch len(args) {
		case 1:
		case 2:
			prev = args[1]
		default:
			return fmt.Errorf("usage: nextprop <path> [previous]")
		}
		return s.nextProp(args[0], prev)

	case "peer", "child", "parent":
		if len(args) != 1 {
			return fmt.Errorf("usage: %s <path|phandle>", cmd)
		}
		ph, err := s.phandleArg(args[0])
		if err != nil {
			return err
		}
		rets, err := s.call(cmd, []uint32{ph}, 1)
		if err != nil {
			return err
		}
		fmt.Printf("%s 0x%x -> 0x%x\n", cmd, ph, rets[0])
		return nil

	case "package-to-path":
		if len(args) != 1 {
			return fmt.Errorf("usage: package-to-path <path|phandle>")
		}
		ph, err := s.phandleArg(args[0])
		if err != nil {
			return err
		}
		return s.handleToPath(cmd, ph)

	case "instance-to-path":
		ih, err := s.ihandleArg(args)
		if err != nil {
			return err
		}
		return s.handleToPath(cmd, ih)

	case "instance-to-package":
		ih, err := s.ihandleArg(args)
		if err != nil {
			return err
		}
		rets, err := s.call(cmd, []uint32{ih}, 1)
		if err != nil {
			return err
		}
		fmt.Printf("instance-to-package 0x%x -> 0x%x\n", ih, rets[0])
		return nil

	case "open":
		if len(args) != 1 {
			return fmt.Errorf("usage: open <path>")
		}
		return s.open(args[0])

	case "close":
		ih, err := s.ihandleArg(args)
		if err != nil {
			return err
		}
		if _, err := s.call("close", []uint32{ih}, 0); err != nil {
			return err
		}
		fmt.Printf("close 0x%x\n", ih)
		return nil

	case "write":
		if len(args) < 2 {
			return fmt.Errorf("usage: write <ihandle|.> <text...>")
		}
		ih, err := s.ihandleArg(args[:1])
		if err != nil {
			return err
		}
		return s.write(ih, strings.Join(args[1:], " "))

	case "read":
		if len(args) != 2 {
			return fmt.Errorf("usage: read <ihandle|.> <len>")
		}
		ih, err := s.ihandleArg(args[:1])
		if err != nil {
			return err
		}
		n, err := parseNum(args[1])
		if err != nil {
			return err
		}
		return s.read(ih, n)

	case "seek":
		if len(args) != 2 {
			return fmt.Errorf("usage: seek <ihandle|.> <pos>")
		}
		ih, err := s.ihandleArg(args[:1])
		if err != nil {
			return err
		}
		pos, err := strconv.ParseUint(args[1], 0, 64)
		if err != nil {
			return fmt.Errorf("bad position %q: %w", args[1], err)
		}
		rets, err := s.call("seek", []uint32{ih, uint32(pos >> 32), uint32(pos)}, 1)
		if err != nil {
			return err
		}
		fmt.Printf("seek 0x%x 0x%x -> %d\n", ih, pos, int32(rets[0]))
		return nil

	case "claim":
		if len(args) != 3 {
			return fmt.Errorf("usage: claim <virt> <size> <align>")
		}
		cells, err := parseNums(args)
		if err != nil {
			return err
		}
		rets, err := s.call("claim", cells, 1)
		if err != nil {
			return err
		}
		fmt.Printf("claim 0x%x 0x%x 0x%x -> 0x%x\n", cells[0], cells[1], cells[2], rets[0])
		return nil

	case "release":
		if len(args) != 2 {
			return fmt.Errorf("usage: release <addr> <size>")
		}
		cells, err := parseNums(args)
		if err != nil {
			return err
		}
		if _, err := s.call("release", cells, 0); err != nil {
			return err
		}
		fmt.Printf("release 0x%x 0x%x\n", cells[0], cells[1])
		return nil

	case "milliseconds":
		rets, err := s.call("milliseconds", nil, 1)
		if err != nil {
			return err
		}
		fmt.Printf("milliseconds -> %d\n", rets[0])
		return nil

	case "quiesce":
		if _, err := s.call("quiesce", nil, 0); err != nil {
			return err
		}
		fmt.Println("quiesce")
		return nil

	case "interpret":
		if len(args) == 0 {
			return fmt.Errorf("usage: interpret <forth...>")
		}
		s.resetData()
		addr, err := s.stageString(strings.Join(args, " "))
		if err != nil {
			return err
		}
		rets, err := s.call("interpret", []uint32{addr}, 1)
		if err != nil {
			return err
		}
		fmt.Printf("interpret -> %d\n", int32(rets[0]))
		return nil

	case "call-method":
		if len(args) < 2 {
			return fmt.Errorf("usage: call-method <method> <ihandle|.> [args...]")
		}
		return s.callMethod(args[0], args[1], args[2:])

	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func (s *session) findDevice(path string) (uint32, error) {
	s.resetData()
	addr, err := s.stageString(path)
	if err != nil {
		return 0, err
	}
	rets, err := s.call("finddevice", []uint32{addr}, 1)
	if err != nil {
		return 0, err
	}
	if rets[0] == of.PromError {
		return 0, fmt.Errorf("finddevice %s: no such node", path)
	}
	return rets[0], nil
}

func (s *session) getProp(path, name string) error {
	ph, err := s.phandleArg(path)
	if err != nil {
		return err
	}
	s.resetData()
	nameAddr, err := s.stageString(name)
	if err != nil {
		return err
	}
	const bufLen = 2048
	buf, err := s.stageBuffer(bufLen)
	if err != nil {
		return err
	}
	rets, err := s.call("getprop", []uint32{ph, nameAddr, buf, bufLen}, 1)
	if err != nil {
		return err
	}
	if rets[0] == of.PromError {
		fmt.Printf("getprop %s %s -> not found\n", path, name)
		return nil
	}
	n := int(rets[0])
	if n > bufLen {
		n = bufLen
	}
	value, err := s.m.Memory.ReadBytes(uint64(buf), n)
	if err != nil {
		return err
	}
	fmt.Printf("getprop %s %s -> len %d, %s\n", path, name, int32(rets[0]), formatPropValue(value))
	return nil
}

func (s *session) getPropLen(path, name string) error {
	ph, err := s.phandleArg(path)
	if err != nil {
		return err
	}
	s.resetData()
	nameAddr, err := s.stageString(name)
	if err != nil {
		return err
	}
	rets, err := s.call("getproplen", []uint32{ph, nameAddr}, 1)
	if err != nil {
		return err
	}
	fmt.Printf("getproplen %s %s -> %d\n", path, name, int32(rets[0]))
	return nil
}

func (s *session) setProp(path, name, value string) error {
	ph, err := s.phandleArg(path)
	if err != nil {
		return err
	}
	s.resetData()
	nameAddr, err := s.stageString(name)
	if err != nil {
		return err
	}
	valAddr, err := s.stageString(value)
	if err != nil {
		return err
	}
	rets, err := s.call("setprop", []uint32{ph, nameAddr, valAddr, uint32(len(value) + 1)}, 1)
	if err != nil {
		return err
	}
	fmt.Printf("setprop %s %s -> %d\n", path, name, int32(rets[0]))
	return nil
}

func (s *session) nextProp(path, prev string) error {
	ph, err := s.phandleArg(path)
	if err != nil {
		return err
	}
	s.resetData()
	prevAddr, err := s.stageString(prev)
	if err != nil {
		return err
	}
	buf, err := s.stageBuffer(of.MaxPropertyNameLen)
	if err != nil {
		return err
	}
	rets, err := s.call("nextprop", []uint32{ph, prevAddr, buf}, 1)
	if err != nil {
		return err
	}
	if rets[0] != 1 {
		fmt.Printf("nextprop %s %q -> %d\n", path, prev, int32(rets[0]))
		return nil
	}
	name, err := s.m.Memory.ReadCString(uint64(buf), of.MaxPropertyNameLen)
	if err != nil {
		return err
	}
	fmt.Printf("nextprop %s %q -> %q\n", path, prev, name)
	return nil
}

func (s *session) handleToPath(service string, handle uint32) error {
	s.resetData()
	const bufLen = 256
	buf, err := s.stageBuffer(bufLen)
	if err != nil {
		return err
	}
	rets, err := s.call(service, []uint32{handle, buf, bufLen}, 1)
	if err != nil {
		return err
	}
	if rets[0] == of.PromError {
		fmt.Printf("%s 0x%x -> not found\n", service, handle)
		return nil
	}
	path, err := s.m.Memory.ReadCString(uint64(buf), bufLen)
	if err != nil {
		return err
	}
	fmt.Printf("%s 0x%x -> %s (len %d)\n", service, handle, path, rets[0])
	return nil
}

func (s *session) open(path string) error {
	s.resetData()
	addr, err := s.stageString(path)
	if err != nil {
		return err
	}
	rets, err := s.call("open", []uint32{addr}, 1)
	if err != nil {
		return err
	}
	if rets[0] == 0 {
		return fmt.Errorf("open %s failed", path)
	}
	s.lastIhandle = rets[0]
	fmt.Printf("open %s -> 0x%x\n", path, rets[0])
	return nil
}

func (s *session) write(ih uint32, text string) error {
	s.resetData()
	buf, err := s.stageBytes([]byte(text))
	if err != nil {
		return err
	}
	rets, err := s.call("write", []uint32{ih, buf, uint32(len(text))}, 1)
	if err != nil {
		return err
	}
	fmt.Printf("write 0x%x -> %d\n", ih, int32(rets[0]))
	return nil
}

func (s *session) read(ih, n uint32) error {
	s.resetData()
	buf, err := s.stageBuffer(int(n))
	if err != nil {
		return err
	}
	rets, err := s.call("read", []uint32{ih, buf, n}, 1)
	if err != nil {
		return err
	}
	got := int32(rets[0])
	if got <= 0 {
		fmt.Printf("read 0x%x %d -> %d\n", ih, n, got)
		return nil
	}
	data, err := s.m.Memory.ReadBytes(uint64(buf), int(got))
	if err != nil {
		return err
	}
	fmt.Printf("read 0x%x %d -> %d, %q\n", ih, n, got, data)
	return nil
}

func (s *session) callMethod(method, inst string, extra []string) error {
	ih, err := s.ihandleArg([]string{inst})
	if err != nil {
		return err
	}
	s.resetData()
	methodAddr, err := s.stageString(method)
	if err != nil {
		return err
	}
	cells, err := parseNums(extra)
	if err != nil {
		return err
	}
	args := append([]uint32{methodAddr, ih}, cells...)
	rets, err := s.call("call-method", args, 1)
	if err != nil {
		return err
	}
	fmt.Printf("call-method %s 0x%x -> %d\n", method, ih, int32(rets[0]))
	return nil
}

// call stages one argument structure and traps into the client interface,
// returning the nret cells written back by the handler.
func (s *session) call(service string, args []uint32, nret int) ([]uint32, error) {
	if len(args)+nret > of.MaxArgs {
		return nil, fmt.Errorf("%s: too many argument cells", service)
	}

	nameAddr, err := s.stageString(service)
	if err != nil {
		return nil, err
	}

	buf := make([]byte, shimArgsLen)
	binary.BigEndian.PutUint32(buf[0:], nameAddr)
	binary.BigEndian.PutUint32(buf[4:], uint32(len(args)))
	binary.BigEndian.PutUint32(buf[8:], uint32(nret))
	for i, a := range args {
		binary.BigEndian.PutUint32(buf[shimHeaderLen+4*i:], a)
	}
	if err := s.m.Memory.WriteBytes(s.argsAddr, buf); err != nil {
		return nil, err
	}

	rc, err := s.m.Context.HandleHypercall(s.argsAddr)
	if err != nil {
		return nil, err
	}
	if rc != of.HypercallSuccess {
		return nil, fmt.Errorf("%s: hypercall returned 0x%x", service, rc)
	}

	rets := make([]uint32, nret)
	if nret > 0 {
		raw, err := s.m.Memory.ReadBytes(s.argsAddr+shimHeaderLen+4*uint64(len(args)), 4*nret)
		if err != nil {
			return nil, err
		}
		for i := range rets {
			rets[i] = binary.BigEndian.Uint32(raw[4*i:])
		}
	}
	return rets, nil
}

// resetData rewinds the per-call bump allocator for strings and buffers.
func (s *session) resetData() {
	s.dataPtr = s.dataBase
}

func (s *session) stageBytes(b []byte) (uint32, error) {
	addr := s.dataPtr
	end := addr + uint64(len(b))
	if end > s.argsAddr+shimScratchSize {
		return 0, fmt.Errorf("scratch region exhausted")
	}
	if err := s.m.Memory.WriteBytes(addr, b); err != nil {
		return 0, err
	}
	// Keep allocations 4-byte aligned.
	s.dataPtr = (end + 3) &^ 3
	return uint32(addr), nil
}

func (s *session) stageString(str string) (uint32, error) {
	return s.stageBytes(append([]byte(str), 0))
}

func (s *session) stageBuffer(n int) (uint32, error) {
	return s.stageBytes(make([]byte, n))
}

// phandleArg resolves a token to a phandle: a leading slash means a device
// path looked up with finddevice, anything else parses as a number.
func (s *session) phandleArg(tok string) (uint32, error) {
	if strings.HasPrefix(tok, "/") {
		return s.findDevice(tok)
	}
	return parseNum(tok)
}

// ihandleArg resolves an optional token to an instance handle; "." or a
// missing token means the most recently opened instance.
func (s *session) ihandleArg(args []string) (uint32, error) {
	if len(args) == 0 || args[0] == "." {
		if s.lastIhandle == 0 {
			return 0, fmt.Errorf("no instance open")
		}
		return s.lastIhandle, nil
	}
	if len(args) != 1 {
		return 0, fmt.Errorf("expected one instance handle")
	}
	return parseNum(args[0])
}

func parseNum(tok string) (uint32, error) {
	v, err := strconv.ParseUint(tok, 0, 32)
	if err != nil {
		return 0, fmt.Errorf("bad number %q: %w", tok, err)
	}
	return uint32(v), nil
}

func parseNums(toks []string) ([]uint32, error) {
	out := make([]uint32, len(toks))
	for i, tok := range toks {
		v, err := parseNum(tok)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}
