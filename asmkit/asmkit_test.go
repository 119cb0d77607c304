package asmkit

import (
	"bytes"
	"errors"
	"testing"
)

type testSpace struct {
	base uint64
	data []byte
}

func (o *testSpace) Read(va uint64, p []byte) error {
	if va < o.base || va+uint64(len(p)) > o.base+uint64(len(o.data)) {
		return errors.New("unmapped")
	}

	copy(p, o.data[va-o.base:])

	return nil
}

func (o *testSpace) Write(va uint64, p []byte) error {
	return errors.New("read only")
}

func TestDisassembler_Read(t *testing.T) {
	space := &testSpace{
		base: 0x140001000,
		data: []byte{0xe8, 0x00, 0x00, 0x00, 0x00, 0xc3},
	}

	disass, err := NewDisassembler(Config{})
	if err != nil {
		t.Fatal(err)
	}

	insts, err := disass.Read(space, 0x140001000, len(space.data))
	if err != nil {
		t.Fatal(err)
	}

	if len(insts) != 2 {
		t.Fatalf("expected 2 instructions - got %d", len(insts))
	}

	if insts[0].Dis != "call 0x140001005" {
		t.Fatalf("expected absolute call target - got %q", insts[0].Dis)
	}

	if insts[1].Addr != 0x140001005 || !bytes.Equal(insts[1].Bin, []byte{0xc3}) {
		t.Fatalf("unexpected second instruction: %+v", insts[1])
	}
}

func TestDisassembler_Symbols(t *testing.T) {
	disass, err := NewDisassembler(Config{
		OptSymbolFn: func(addr uint64) (string, uint64) {
			if addr == 0x140001005 {
				return "target!Entry", addr
			}
			return "", 0
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	inst, err := disass.Next([]byte{0xe8, 0x00, 0x00, 0x00, 0x00}, 0x140001000)
	if err != nil {
		t.Fatal(err)
	}

	if inst.Dis != "call target!Entry" {
		t.Fatalf("expected named call target - got %q", inst.Dis)
	}
}

func TestDisassembler_Unreadable(t *testing.T) {
	disass, err := NewDisassembler(Config{})
	if err != nil {
		t.Fatal(err)
	}

	_, err = disass.Read(&testSpace{base: 0x1000, data: make([]byte, 0x10)}, 0x2000, 4)
	if err == nil {
		t.Fatal("expected reading unmapped code to fail")
	}
}

func TestNewDisassembler_Invalid(t *testing.T) {
	_, err := NewDisassembler(Config{Bits: 8})
	if err == nil {
		t.Fatal("expected 8 bit mode to be rejected")
	}

	_, err = NewDisassembler(Config{Syntax: "masm"})
	if err == nil {
		t.Fatal("expected unknown syntax to be rejected")
	}
}
