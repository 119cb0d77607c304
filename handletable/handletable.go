// Package handletable decodes the kernel's multi-level handle tables,
// such as the CID table that maps process and thread ids to their
// kernel objects.
//
// A handle table starts with two fields:
//
//	+0x0 NextHandleNeedingPool (uint32)
//	+0x8 TableCode (uint64)
//
// The low two bits of TableCode are the depth of the table. The
// remaining bits are the address of the top level page. Leaf pages
// hold 256 16-byte slots. Mid and top pages hold 512 pointers to the
// pages one level down. A handle value h lives at slot index h/4.
//
//	depth 0: top is a leaf
//	depth 1: top[i/256] is a leaf
//	depth 2: top[i/(256*512)] is a mid page, and mid[(i/256)%512] is a leaf
//
// Addresses are kernel virtual addresses, read through the system
// address space.
package handletable

import (
	"encoding/binary"
	"errors"
	"fmt"

	"gitlab.com/stephen-fox/physkit/memory"
)

const (
	SlotSize         = 0x10
	SlotsPerLeaf     = 256
	PointersPerTable = 512

	// HandleStride is the difference between consecutive handle
	// values.
	HandleStride = 4

	// MaxDepth is the deepest supported table.
	MaxDepth = 2

	tableCodeDepthMask = 0x3

	objectCanonicalBits = 0xffff000000000000
	objectAttributeMask = 0xf
)

// ErrHandleNotFound means that the handle has no slot in the table.
var ErrHandleNotFound = errors.New("handle not found in handle table")

// Capacity returns the number of slots a table of the given
// depth can address.
func Capacity(depth int) uint64 {
	c := uint64(SlotsPerLeaf)
	for i := 0; i < depth; i++ {
		c *= PointersPerTable
	}

	return c
}

// Header is the beginning of a handle table.
type Header struct {
	NextHandleNeedingPool uint32
	TableCode             uint64
}

// Depth returns the number of levels above the leaves.
func (o Header) Depth() int {
	return int(o.TableCode & tableCodeDepthMask)
}

// Top returns the address of the top level page.
func (o Header) Top() uint64 {
	return o.TableCode &^ tableCodeDepthMask
}

// Decoder reads handle tables through a kernel address space.
type Decoder struct {
	Space memory.Space
}

// Header reads the header of the table at tableAddr.
func (o Decoder) Header(tableAddr uint64) (Header, error) {
	next, err := memory.ReadUint32(o.Space, tableAddr)
	if err != nil {
		return Header{}, fmt.Errorf("failed to read next handle needing pool - %w", err)
	}

	code, err := memory.ReadUint64(o.Space, tableAddr+8)
	if err != nil {
		return Header{}, fmt.Errorf("failed to read table code - %w", err)
	}

	h := Header{
		NextHandleNeedingPool: next,
		TableCode:             code,
	}

	if h.Depth() > MaxDepth {
		return Header{}, fmt.Errorf("unsupported handle table depth %d (table code 0x%x)", h.Depth(), code)
	}

	return h, nil
}

// ResolveSlot returns the address of the slot for handle in the table
// at tableAddr. Sub-table pointers are only followed after being
// checked for null.
func (o Decoder) ResolveSlot(tableAddr uint64, handle uint64) (uint64, error) {
	h, err := o.Header(tableAddr)
	if err != nil {
		return 0, err
	}

	return o.resolveSlot(h, handle)
}

func (o Decoder) resolveSlot(h Header, handle uint64) (uint64, error) {
	if h.NextHandleNeedingPool != 0 && handle >= uint64(h.NextHandleNeedingPool) {
		return 0, fmt.Errorf("handle 0x%x is beyond the next handle needing pool (0x%x) - %w",
			handle, h.NextHandleNeedingPool, ErrHandleNotFound)
	}

	index := handle / HandleStride
	depth := h.Depth()
	if index >= Capacity(depth) {
		return 0, fmt.Errorf("handle 0x%x exceeds the capacity of a depth %d table - %w",
			handle, depth, ErrHandleNotFound)
	}

	var err error
	leaf := h.Top()

	switch depth {
	case 1:
		leaf, err = o.pointer(h.Top(), index/SlotsPerLeaf)
		if err != nil {
			return 0, fmt.Errorf("failed to resolve leaf for handle 0x%x - %w", handle, err)
		}
	case 2:
		mid, err := o.pointer(h.Top(), index/(SlotsPerLeaf*PointersPerTable))
		if err != nil {
			return 0, fmt.Errorf("failed to resolve mid table for handle 0x%x - %w", handle, err)
		}

		leaf, err = o.pointer(mid, (index/SlotsPerLeaf)%PointersPerTable)
		if err != nil {
			return 0, fmt.Errorf("failed to resolve leaf for handle 0x%x - %w", handle, err)
		}
	}

	return leaf + (index%SlotsPerLeaf)*SlotSize, nil
}

func (o Decoder) pointer(table uint64, index uint64) (uint64, error) {
	p, err := memory.ReadUint64(o.Space, table+index*8)
	if err != nil {
		return 0, err
	}

	if p == 0 {
		return 0, fmt.Errorf("table at 0x%x has no page at index %d - %w", table, index, ErrHandleNotFound)
	}

	return p, nil
}

// Slot reads the raw value of the slot for handle.
func (o Decoder) Slot(tableAddr uint64, handle uint64) (uint64, error) {
	slot, err := o.ResolveSlot(tableAddr, handle)
	if err != nil {
		return 0, err
	}

	return memory.ReadUint64(o.Space, slot)
}

// Object returns the object that handle refers to.
func (o Decoder) Object(tableAddr uint64, handle uint64) (uint64, error) {
	v, err := o.Slot(tableAddr, handle)
	if err != nil {
		return 0, err
	}

	object, ok := ObjectPointer(v)
	if !ok {
		return 0, fmt.Errorf("slot for handle 0x%x is free - %w", handle, ErrHandleNotFound)
	}

	return object, nil
}

// ObjectPointer decodes the object pointer stored in a slot. The
// kernel stores the pointer shifted left by 16 bits, with attribute
// and lock bits in the low bits. ok is false for a free slot.
func ObjectPointer(slotValue uint64) (uint64, bool) {
	if slotValue == 0 {
		return 0, false
	}

	// Bits 16 to 19 of the entry (the top of the reference count and
	// the Attributes field) land in the low nibble after the shift.
	// Objects are 16 byte aligned, so those bits are never address bits.
	return (slotValue>>16)&^objectAttributeMask | objectCanonicalBits, true
}

// Entry is an in-use slot found by Enumerate.
type Entry struct {
	Handle uint64
	Slot   uint64
	Value  uint64
	Object uint64
}

// Enumerate calls fn for every in-use slot of the table in ascending
// handle order. Enumeration stops when fn returns false. Missing
// sub-tables are skipped.
func (o Decoder) Enumerate(tableAddr uint64, fn func(Entry) bool) error {
	h, err := o.Header(tableAddr)
	if err != nil {
		return err
	}

	limit := Capacity(h.Depth())
	if h.NextHandleNeedingPool != 0 {
		poolLimit := (uint64(h.NextHandleNeedingPool) + HandleStride - 1) / HandleStride
		if poolLimit < limit {
			limit = poolLimit
		}
	}

	var leaves []uint64
	switch h.Depth() {
	case 0:
		leaves = []uint64{h.Top()}
	case 1:
		leaves, err = o.readPointers(h.Top(), (limit+SlotsPerLeaf-1)/SlotsPerLeaf)
		if err != nil {
			return err
		}
	case 2:
		numLeaves := (limit + SlotsPerLeaf - 1) / SlotsPerLeaf
		numMids := (numLeaves + PointersPerTable - 1) / PointersPerTable

		mids, err := o.readPointers(h.Top(), numMids)
		if err != nil {
			return err
		}

		for i, mid := range mids {
			count := uint64(PointersPerTable)
			if remaining := numLeaves - uint64(i)*PointersPerTable; remaining < count {
				count = remaining
			}

			if mid == 0 {
				leaves = append(leaves, make([]uint64, count)...)
				continue
			}

			midLeaves, err := o.readPointers(mid, count)
			if err != nil {
				return err
			}

			leaves = append(leaves, midLeaves...)
		}
	}

	buf := make([]byte, SlotsPerLeaf*SlotSize)

	for leafNum, leaf := range leaves {
		if leaf == 0 {
			continue
		}

		err := o.Space.Read(leaf, buf)
		if err != nil {
			return fmt.Errorf("failed to read handle table leaf at 0x%x - %w", leaf, err)
		}

		for i := uint64(0); i < SlotsPerLeaf; i++ {
			index := uint64(leafNum)*SlotsPerLeaf + i
			if index >= limit {
				return nil
			}

			v := binary.LittleEndian.Uint64(buf[i*SlotSize:])
			object, ok := ObjectPointer(v)
			if !ok {
				continue
			}

			keepGoing := fn(Entry{
				Handle: index * HandleStride,
				Slot:   leaf + i*SlotSize,
				Value:  v,
				Object: object,
			})
			if !keepGoing {
				return nil
			}
		}
	}

	return nil
}

func (o Decoder) readPointers(table uint64, count uint64) ([]uint64, error) {
	if count > PointersPerTable {
		count = PointersPerTable
	}

	buf := make([]byte, count*8)
	err := o.Space.Read(table, buf)
	if err != nil {
		return nil, fmt.Errorf("failed to read handle table page at 0x%x - %w", table, err)
	}

	pointers := make([]uint64, count)
	for i := range pointers {
		pointers[i] = binary.LittleEndian.Uint64(buf[i*8:])
	}

	return pointers, nil
}
