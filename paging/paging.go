// Package paging translates x86-64 virtual addresses to physical
// addresses by walking 4-level page tables stored in physical memory.
//
// Physical memory is anything that implements io.ReaderAt, where the
// offset argument is a physical address. Every table entry is read
// through that interface, one entry at a time, and no level is read
// before the entry that refers to it has been confirmed valid.
//
// 4 KiB, 2 MiB and 1 GiB mappings are supported. A large page bit at
// the PDPT or PD level ends the walk at that level.
package paging

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// ErrNotMapped is returned (wrapped in a *TranslationError) when an
// invalid entry is found during a walk.
var ErrNotMapped = errors.New("virtual address is not mapped")

// TranslationError describes where a walk stopped.
type TranslationError struct {
	VirtualAddress uint64
	Level          Level
	Entry          Entry
}

func (o *TranslationError) Error() string {
	return fmt.Sprintf("%s entry for 0x%x is invalid (%s)",
		o.Level, o.VirtualAddress, o.Entry)
}

func (o *TranslationError) Unwrap() error {
	return ErrNotMapped
}

// Translation is the result of a successful walk.
type Translation struct {
	Physical uint64
	PageSize uint64
	// Entries holds the entry read at each level, indexed by Level.
	// Levels below a large page are zero.
	Entries [4]Entry
}

// Translate returns the physical address that va maps to in the
// address space rooted at root (a CR3 value).
func Translate(phys io.ReaderAt, root uint64, va uint64) (uint64, error) {
	t, err := Walk(phys, root, va)
	if err != nil {
		return 0, err
	}

	return t.Physical, nil
}

// Walk is like Translate, but returns the entries consulted along
// the way and the size of the final mapping.
func Walk(phys io.ReaderAt, root uint64, va uint64) (Translation, error) {
	var t Translation
	parts := Parts(va)

	pml4e, err := readEntry(phys, TableBase(root), parts.PML4)
	if err != nil {
		return t, err
	}
	t.Entries[LevelPML4] = pml4e
	if !pml4e.Valid() {
		return t, &TranslationError{VirtualAddress: va, Level: LevelPML4, Entry: pml4e}
	}

	pdpte, err := readEntry(phys, pml4e.TableBase(), parts.PDPT)
	if err != nil {
		return t, err
	}
	t.Entries[LevelPDPT] = pdpte
	if !pdpte.Valid() {
		return t, &TranslationError{VirtualAddress: va, Level: LevelPDPT, Entry: pdpte}
	}
	if pdpte.LargePage() {
		t.Physical = pdpte.PFN1G()*PageSize1G + Offset1G(va)
		t.PageSize = PageSize1G
		return t, nil
	}

	pde, err := readEntry(phys, pdpte.TableBase(), parts.PD)
	if err != nil {
		return t, err
	}
	t.Entries[LevelPD] = pde
	if !pde.Valid() {
		return t, &TranslationError{VirtualAddress: va, Level: LevelPD, Entry: pde}
	}
	if pde.LargePage() {
		t.Physical = pde.PFN2M()*PageSize2M + Offset2M(va)
		t.PageSize = PageSize2M
		return t, nil
	}

	pte, err := readEntry(phys, pde.TableBase(), parts.PT)
	if err != nil {
		return t, err
	}
	t.Entries[LevelPT] = pte
	if !pte.Valid() {
		return t, &TranslationError{VirtualAddress: va, Level: LevelPT, Entry: pte}
	}

	t.Physical = pte.PFN4K()*PageSize4K + parts.Offset
	t.PageSize = PageSize4K
	return t, nil
}

func readEntry(phys io.ReaderAt, tableBase uint64, index int) (Entry, error) {
	var raw [EntrySize]byte
	addr := tableBase + uint64(index)*EntrySize

	_, err := phys.ReadAt(raw[:], int64(addr))
	if err != nil {
		return 0, fmt.Errorf("failed to read page table entry at physical 0x%x - %w", addr, err)
	}

	return Entry(binary.LittleEndian.Uint64(raw[:])), nil
}
