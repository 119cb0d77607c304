// Package asmkit disassembles x86 code read from process memory.
//
// Instructions carry the virtual address they were read from so
// relative branch targets are printed as absolute addresses. An
// optional symbol function names those targets.
package asmkit

import (
	"errors"
	"fmt"

	"golang.org/x/arch/x86/x86asm"

	"gitlab.com/stephen-fox/physkit/memory"
)

const (
	IntelSyntax Syntax = "intel"
	ATTSyntax   Syntax = "att"
	GoSyntax    Syntax = "go"
)

// Syntax is an assembly syntax.
type Syntax string

// SymbolFn returns the name and start address of the symbol that
// contains addr. It returns an empty name if there is none.
type SymbolFn func(addr uint64) (string, uint64)

// Config configures a Disassembler.
type Config struct {
	// Syntax defaults to IntelSyntax.
	Syntax Syntax

	// Bits is 64 for native processes and 32 for WoW64 code.
	// It defaults to 64.
	Bits int

	// OptSymbolFn, when non-nil, names branch targets.
	OptSymbolFn SymbolFn
}

func NewDisassembler(config Config) (*Disassembler, error) {
	if config.Bits == 0 {
		config.Bits = 64
	}

	if config.Bits != 16 && config.Bits != 32 && config.Bits != 64 {
		return nil, fmt.Errorf("unsupported mode: %d bits", config.Bits)
	}

	var formatFn func(x86asm.Inst, uint64, x86asm.SymLookup) string
	switch config.Syntax {
	case "", IntelSyntax:
		formatFn = x86asm.IntelSyntax
	case ATTSyntax:
		formatFn = x86asm.GNUSyntax
	case GoSyntax:
		formatFn = x86asm.GoSyntax
	default:
		return nil, fmt.Errorf("unsupported syntax type for x86: %q", config.Syntax)
	}

	var symFn x86asm.SymLookup
	if config.OptSymbolFn != nil {
		symFn = x86asm.SymLookup(config.OptSymbolFn)
	}

	return &Disassembler{
		bits:     config.Bits,
		formatFn: formatFn,
		symFn:    symFn,
	}, nil
}

// Disassembler decodes x86 instructions.
type Disassembler struct {
	bits     int
	formatFn func(x86asm.Inst, uint64, x86asm.SymLookup) string
	symFn    x86asm.SymLookup
}

// Inst is one decoded instruction.
type Inst struct {
	Addr uint64
	Bin  []byte
	Len  int
	Dis  string
	Inst x86asm.Inst `json:"-"`
}

// Next decodes the first instruction in code, which was read
// from addr.
func (o *Disassembler) Next(code []byte, addr uint64) (Inst, error) {
	x86Inst, err := x86asm.Decode(code, o.bits)
	if err != nil {
		return Inst{}, err
	}

	return Inst{
		Addr: addr,
		Bin:  copySlice(code, x86Inst.Len),
		Len:  x86Inst.Len,
		Dis:  o.formatFn(x86Inst, addr, o.symFn),
		Inst: x86Inst,
	}, nil
}

// All decodes every instruction in code, which was read from addr,
// and calls onDecodeFn for each one. An instruction cut off by the
// end of code ends the walk without an error.
func (o *Disassembler) All(code []byte, addr uint64, onDecodeFn func(Inst) error) error {
	index := 0

	for index < len(code) {
		inst, err := o.Next(code[index:], addr+uint64(index))
		if err != nil {
			if errors.Is(err, x86asm.ErrTruncated) {
				return nil
			}

			return fmt.Errorf("failed to decode instruction at 0x%x - %w - remaining data: 0x%x",
				addr+uint64(index), err, code[index:])
		}

		err = onDecodeFn(inst)
		if err != nil {
			return fmt.Errorf("on decode function failed for instruction at 0x%x (%q) - %w",
				inst.Addr, inst.Dis, err)
		}

		index += inst.Len
	}

	return nil
}

// Read reads size bytes at addr from space and decodes them.
func (o *Disassembler) Read(space memory.Space, addr uint64, size int) ([]Inst, error) {
	code := make([]byte, size)

	err := space.Read(addr, code)
	if err != nil {
		return nil, fmt.Errorf("failed to read code at 0x%x - %w", addr, err)
	}

	var insts []Inst

	err = o.All(code, addr, func(inst Inst) error {
		insts = append(insts, inst)
		return nil
	})
	if err != nil {
		return nil, err
	}

	return insts, nil
}

func copySlice(src []byte, numBytes int) []byte {
	cp := make([]byte, numBytes)

	copy(cp, src[0:numBytes])

	return cp
}
