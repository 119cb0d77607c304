package phystest

import (
	"fmt"
)

const (
	// TableFlags are the flags set on every non-leaf entry
	// (valid, writable, user, accessed).
	TableFlags = 0x27

	// LeafFlags are the flags set on every leaf entry
	// (valid, writable, user, accessed, dirty).
	LeafFlags = 0x67

	largePage = 0x80
	physMask  = 0x000ffffffffff000
)

// AddressSpace builds a page table hierarchy in Memory.
type AddressSpace struct {
	Mem  *Memory
	Root uint64

	// pages maps 4 KiB virtual pages created by Alloc and Map4K
	// to their physical pages.
	pages map[uint64]uint64
}

// NewAddressSpace allocates an empty PML4 table.
func NewAddressSpace(mem *Memory) *AddressSpace {
	return &AddressSpace{
		Mem:   mem,
		Root:  mem.AllocPage(),
		pages: make(map[uint64]uint64),
	}
}

func index(va uint64, shift uint) uint64 {
	return (va >> shift) & 511
}

// table returns the physical address of the table at depth levels
// below the PML4 for va, creating intermediate tables as needed.
func (o *AddressSpace) table(va uint64, depth int) uint64 {
	shifts := []uint{39, 30, 21}
	table := o.Root

	for i := 0; i < depth; i++ {
		slot := table + index(va, shifts[i])*8
		entry := o.Mem.Uint64(slot)
		if entry&1 == 0 {
			next := o.Mem.AllocPage()
			o.Mem.PutUint64(slot, next|TableFlags)
			entry = next | TableFlags
		} else if entry&largePage != 0 && i > 0 {
			panic(fmt.Sprintf("0x%x is already covered by a large page", va))
		}

		table = entry & physMask
	}

	return table
}

// Map4K maps the 4 KiB page containing va to the physical page
// containing phys.
func (o *AddressSpace) Map4K(va uint64, phys uint64) {
	pt := o.table(va, 3)
	o.Mem.PutUint64(pt+index(va, 12)*8, (phys&physMask)|LeafFlags)
	o.pages[va&^(PageSize-1)] = phys &^ (PageSize - 1)
}

// Map2M maps the 2 MiB page containing va to the 2 MiB frame
// containing phys.
func (o *AddressSpace) Map2M(va uint64, phys uint64) {
	pd := o.table(va, 2)
	o.Mem.PutUint64(pd+index(va, 21)*8, (phys&^(0x200000-1))|LeafFlags|largePage)
}

// Map1G maps the 1 GiB page containing va to the 1 GiB frame
// containing phys.
func (o *AddressSpace) Map1G(va uint64, phys uint64) {
	pdpt := o.table(va, 1)
	o.Mem.PutUint64(pdpt+index(va, 30)*8, (phys&^(0x40000000-1))|LeafFlags|largePage)
}

// Unmap4K clears the PTE for va without touching higher levels.
func (o *AddressSpace) Unmap4K(va uint64) {
	pt := o.table(va, 3)
	o.Mem.PutUint64(pt+index(va, 12)*8, 0)
	delete(o.pages, va&^(PageSize-1))
}

// Alloc backs every 4 KiB page of [va, va+size) with fresh
// physical pages.
func (o *AddressSpace) Alloc(va uint64, size uint64) {
	start := va &^ (PageSize - 1)
	for page := start; page < va+size; page += PageSize {
		if _, mapped := o.pages[page]; mapped {
			continue
		}

		o.Map4K(page, o.Mem.AllocPage())
	}
}

// Physical returns the physical address backing va, which must have
// been mapped with Alloc or Map4K.
func (o *AddressSpace) Physical(va uint64) uint64 {
	phys, ok := o.pages[va&^(PageSize-1)]
	if !ok {
		panic(fmt.Sprintf("0x%x is not mapped by the test address space", va))
	}

	return phys + va%PageSize
}

// Write copies p to virtual memory starting at va.
func (o *AddressSpace) Write(va uint64, p []byte) {
	for done := 0; done < len(p); {
		cur := va + uint64(done)
		n := PageSize - int(cur%PageSize)
		if n > len(p)-done {
			n = len(p) - done
		}

		o.Mem.WriteAt(p[done:done+n], int64(o.Physical(cur)))
		done += n
	}
}

// Read copies virtual memory starting at va into p.
func (o *AddressSpace) Read(va uint64, p []byte) {
	for done := 0; done < len(p); {
		cur := va + uint64(done)
		n := PageSize - int(cur%PageSize)
		if n > len(p)-done {
			n = len(p) - done
		}

		o.Mem.ReadAt(p[done:done+n], int64(o.Physical(cur)))
		done += n
	}
}

func (o *AddressSpace) PutUint64(va uint64, v uint64) {
	o.PutUint32(va, uint32(v))
	o.PutUint32(va+4, uint32(v>>32))
}

func (o *AddressSpace) PutUint32(va uint64, v uint32) {
	o.Write(va, []byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)})
}

func (o *AddressSpace) PutUint16(va uint64, v uint16) {
	o.Write(va, []byte{byte(v), byte(v >> 8)})
}
