package of

import (
	"bytes"
	"encoding/binary"
	"testing"
)

// stageHypercall builds the big-endian client argument structure in guest
// memory and returns its address.
func (s *testSession) stageHypercall(service string, nargs, nret uint32, args ...uint32) uint64 {
	s.t.Helper()

	buf := make([]byte, promArgsLen)
	binary.BigEndian.PutUint32(buf[0:], s.stageString(service))
	binary.BigEndian.PutUint32(buf[4:], nargs)
	binary.BigEndian.PutUint32(buf[8:], nret)
	for i, a := range args {
		binary.BigEndian.PutUint32(buf[promArgsHeaderLen+4*i:], a)
	}
	return uint64(s.stage(buf))
}

func TestHandleHypercall(t *testing.T) {
	s := newTestSession(t, Hooks{})

	path := s.stageString("/memory@0")
	argsAddr := s.stageHypercall("finddevice", 1, 1, path)

	rc, err := s.ctx.HandleHypercall(argsAddr)
	if err != nil {
		t.Fatalf("HandleHypercall: %v", err)
	}
	if rc != HypercallSuccess {
		t.Fatalf("expected success, got 0x%x", rc)
	}

	// The primary return cell lands right after the arguments.
	ph, err := s.mem.ReadUint32(argsAddr + promArgsHeaderLen + 4)
	if err != nil {
		t.Fatalf("ReadUint32: %v", err)
	}
	if ph == 0 || ph == PromError {
		t.Fatalf("expected a valid phandle in the return cell, got 0x%x", ph)
	}
	if s.tree.ByPhandle(ph).Name() != "memory@0" {
		t.Fatalf("phandle 0x%x resolves to the wrong node", ph)
	}
}

func TestHandleHypercallMultipleReturnCells(t *testing.T) {
	s := newTestSession(t, Hooks{
		ClientArchitectureSupport: func(vec uint32) uint32 { return 0 },
	})

	ih := s.open("/")
	method := s.stageString("ibm,client-architecture-support")
	argsAddr := s.stageHypercall("call-method", 3, 2, method, ih, 0x1234)

	rc, err := s.ctx.HandleHypercall(argsAddr)
	if err != nil {
		t.Fatalf("HandleHypercall: %v", err)
	}
	if rc != HypercallSuccess {
		t.Fatalf("expected success, got 0x%x", rc)
	}

	primary, _ := s.mem.ReadUint32(argsAddr + promArgsHeaderLen + 4*3)
	second, _ := s.mem.ReadUint32(argsAddr + promArgsHeaderLen + 4*4)
	if primary != 0 || second != 0 {
		t.Fatalf("expected both return cells 0, got 0x%x 0x%x", primary, second)
	}
}

func TestHandleHypercallMalformed(t *testing.T) {
	s := newTestSession(t, Hooks{})

	// Argument structure outside guest memory.
	if rc, err := s.ctx.HandleHypercall(testMemSize); err != nil || rc != HypercallParameter {
		t.Fatalf("expected a parameter error out of bounds, got 0x%x err %v", rc, err)
	}

	// Too many argument cells.
	path := s.stageString("/chosen")
	argsAddr := s.stageHypercall("finddevice", MaxArgs, 1, path)
	if rc, err := s.ctx.HandleHypercall(argsAddr); err != nil || rc != HypercallParameter {
		t.Fatalf("expected a parameter error for nargs, got 0x%x err %v", rc, err)
	}
	argsAddr = s.stageHypercall("finddevice", 5, 6, path)
	if rc, err := s.ctx.HandleHypercall(argsAddr); err != nil || rc != HypercallParameter {
		t.Fatalf("expected a parameter error for nargs+nret, got 0x%x err %v", rc, err)
	}

	// Service name with no terminator within the limit.
	unterminated := s.stage(bytes.Repeat([]byte("A"), maxServiceNameLen))
	buf := make([]byte, promArgsLen)
	binary.BigEndian.PutUint32(buf[0:], unterminated)
	binary.BigEndian.PutUint32(buf[4:], 0)
	binary.BigEndian.PutUint32(buf[8:], 1)
	addr := uint64(s.stage(buf))
	if rc, err := s.ctx.HandleHypercall(addr); err != nil || rc != HypercallParameter {
		t.Fatalf("expected a parameter error for a bad service name, got 0x%x err %v", rc, err)
	}
}

func TestHandleHypercallUnknownServiceIsNotFatal(t *testing.T) {
	s := newTestSession(t, Hooks{})

	argsAddr := s.stageHypercall("bogus-service", 0, 1)
	rc, err := s.ctx.HandleHypercall(argsAddr)
	if err != nil {
		t.Fatalf("HandleHypercall: %v", err)
	}
	if rc != HypercallSuccess {
		t.Fatalf("expected the hypercall itself to succeed, got 0x%x", rc)
	}
	ret, _ := s.mem.ReadUint32(argsAddr + promArgsHeaderLen)
	if ret != PromError {
		t.Fatalf("expected PromError in the return cell, got 0x%x", ret)
	}
}
