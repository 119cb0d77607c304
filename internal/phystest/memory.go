// Package phystest builds synthetic physical memory, page tables and
// kernel structures for tests.
package phystest

import (
	"encoding/binary"
	"sort"
)

const PageSize = 0x1000

// Memory is sparse physical memory. Pages that were never written
// read as zeros.
type Memory struct {
	pages     map[uint64]*[PageSize]byte
	nextFrame uint64
	recording bool
	reads     []uint64
}

// NewMemory returns empty physical memory. Pages handed out by
// AllocPage start at physical address 0x100000.
func NewMemory() *Memory {
	return &Memory{
		pages:     make(map[uint64]*[PageSize]byte),
		nextFrame: 0x100,
	}
}

func (o *Memory) ReadAt(p []byte, off int64) (int, error) {
	addr := uint64(off)
	if o.recording {
		o.reads = append(o.reads, addr)
	}

	for done := 0; done < len(p); {
		page, pageOff := o.page(addr+uint64(done), false)
		n := PageSize - int(pageOff)
		if n > len(p)-done {
			n = len(p) - done
		}

		if page == nil {
			for i := 0; i < n; i++ {
				p[done+i] = 0
			}
		} else {
			copy(p[done:done+n], page[pageOff:])
		}

		done += n
	}

	return len(p), nil
}

func (o *Memory) WriteAt(p []byte, off int64) (int, error) {
	addr := uint64(off)

	for done := 0; done < len(p); {
		page, pageOff := o.page(addr+uint64(done), true)
		n := copy(page[pageOff:], p[done:])
		done += n
	}

	return len(p), nil
}

func (o *Memory) page(addr uint64, create bool) (*[PageSize]byte, uint64) {
	frame := addr / PageSize
	page := o.pages[frame]
	if page == nil && create {
		page = &[PageSize]byte{}
		o.pages[frame] = page
	}

	return page, addr % PageSize
}

// AllocPage returns the physical address of a fresh zeroed page.
func (o *Memory) AllocPage() uint64 {
	for {
		frame := o.nextFrame
		o.nextFrame++

		if _, used := o.pages[frame]; !used {
			o.pages[frame] = &[PageSize]byte{}
			return frame * PageSize
		}
	}
}

func (o *Memory) PutUint64(addr uint64, v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	o.WriteAt(b[:], int64(addr))
}

func (o *Memory) Uint64(addr uint64) uint64 {
	var b [8]byte
	o.ReadAt(b[:], int64(addr))
	return binary.LittleEndian.Uint64(b[:])
}

// Record starts recording the physical address of every ReadAt call,
// discarding previously recorded reads.
func (o *Memory) Record() {
	o.recording = true
	o.reads = nil
}

// Reads returns the recorded read addresses in ascending order.
func (o *Memory) Reads() []uint64 {
	cp := make([]uint64, len(o.reads))
	copy(cp, o.reads)
	sort.Slice(cp, func(i, j int) bool { return cp[i] < cp[j] })
	return cp
}

// ReadInPage reports whether any recorded read started inside the
// 4 KiB page containing addr.
func (o *Memory) ReadInPage(addr uint64) bool {
	base := addr &^ (PageSize - 1)
	for _, r := range o.reads {
		if r >= base && r < base+PageSize {
			return true
		}
	}

	return false
}

// Bytes returns a flat copy of physical memory from zero up to the
// highest populated page.
func (o *Memory) Bytes() []byte {
	var highest uint64
	for frame := range o.pages {
		if frame+1 > highest {
			highest = frame + 1
		}
	}

	flat := make([]byte, highest*PageSize)
	for frame, page := range o.pages {
		copy(flat[frame*PageSize:], page[:])
	}

	return flat
}
