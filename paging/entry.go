package paging

import (
	"fmt"
)

const (
	// EntrySize is the size of one page table entry in bytes.
	EntrySize = 8

	// EntriesPerTable is the number of entries in one table at
	// any level of the hierarchy.
	EntriesPerTable = 512

	PageSize4K = 0x1000
	PageSize2M = 0x200000
	PageSize1G = 0x40000000

	// tableBaseMask extracts bits 12-51 of an entry (or of CR3),
	// which hold the physical address of the next table.
	tableBaseMask = 0x000ffffffffff000

	validBit     = 1 << 0
	writableBit  = 1 << 1
	userBit      = 1 << 2
	accessedBit  = 1 << 5
	dirtyBit     = 1 << 6
	largePageBit = 1 << 7
	globalBit    = 1 << 8
	noExecuteBit = 1 << 63

	pfn4KShift = 12
	pfn2MShift = 21
	pfn2MMask  = 1<<27 - 1
	pfn1GShift = 30
	pfn1GMask  = 1<<18 - 1
)

// Entry is a PML4E, PDPTE, PDE, or PTE. It is a plain 64-bit value;
// the accessors below decode the hardware bit layout.
type Entry uint64

func (o Entry) Valid() bool {
	return o&validBit != 0
}

func (o Entry) Writable() bool {
	return o&writableBit != 0
}

func (o Entry) User() bool {
	return o&userBit != 0
}

func (o Entry) Accessed() bool {
	return o&accessedBit != 0
}

func (o Entry) Dirty() bool {
	return o&dirtyBit != 0
}

// LargePage reports whether the page size bit is set. It is only
// meaningful for PDPT and PD entries.
func (o Entry) LargePage() bool {
	return o&largePageBit != 0
}

func (o Entry) Global() bool {
	return o&globalBit != 0
}

func (o Entry) NoExecute() bool {
	return o&noExecuteBit != 0
}

// TableBase returns the physical address of the table (or 4 KiB page)
// the entry refers to.
func (o Entry) TableBase() uint64 {
	return uint64(o) & tableBaseMask
}

// PFN4K returns the page frame number of a 4 KiB mapping.
func (o Entry) PFN4K() uint64 {
	return o.TableBase() >> pfn4KShift
}

// PFN2M returns the page frame number of a 2 MiB mapping
// (bits 21-47 of a PD entry).
func (o Entry) PFN2M() uint64 {
	return (uint64(o) >> pfn2MShift) & pfn2MMask
}

// PFN1G returns the page frame number of a 1 GiB mapping
// (bits 30-47 of a PDPT entry).
func (o Entry) PFN1G() uint64 {
	return (uint64(o) >> pfn1GShift) & pfn1GMask
}

func (o Entry) String() string {
	flags := []byte("-------")
	set := func(i int, c byte, ok bool) {
		if ok {
			flags[i] = c
		}
	}

	set(0, 'v', o.Valid())
	set(1, 'w', o.Writable())
	set(2, 'u', o.User())
	set(3, 'a', o.Accessed())
	set(4, 'd', o.Dirty())
	set(5, 'L', o.LargePage())
	set(6, 'x', !o.NoExecute())

	return fmt.Sprintf("0x%016x [%s]", uint64(o), flags)
}

// TableBase clears the flag bits of a page table root (CR3) value.
func TableBase(cr3 uint64) uint64 {
	return cr3 & tableBaseMask
}
