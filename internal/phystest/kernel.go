package phystest

import (
	"encoding/binary"
	"sort"
	"unicode/utf16"

	"gitlab.com/stephen-fox/physkit/winver"
)

const (
	kernelBase = 0xffffa00000000000
	userHeap   = 0x000000da00000000

	// StillActive is the exit status of a running process.
	StillActive = 0x103
)

// Kernel builds the subset of kernel state that the resolver reads:
// a system address space, a CID handle table, EPROCESS blocks, and
// per-process PEB loader lists.
type Kernel struct {
	Mem     *Memory
	System  *AddressSpace
	Build   uint32
	Offsets winver.Offsets

	nextVA  uint64
	objects map[uint64]uint64
}

func NewKernel(mem *Memory, build uint32) *Kernel {
	offsets, err := winver.OffsetsFor(build)
	if err != nil {
		panic(err)
	}

	return &Kernel{
		Mem:     mem,
		System:  NewAddressSpace(mem),
		Build:   build,
		Offsets: offsets,
		nextVA:  kernelBase,
		objects: make(map[uint64]uint64),
	}
}

// AllocKernel maps size bytes (rounded up to pages) of fresh kernel
// virtual memory and returns its address.
func (o *Kernel) AllocKernel(size uint64) uint64 {
	va := o.nextVA
	pages := (size + PageSize - 1) / PageSize
	if pages == 0 {
		pages = 1
	}

	o.System.Alloc(va, pages*PageSize)
	o.nextVA += pages * PageSize
	return va
}

// EncodeHandleEntry returns the handle table encoding of a kernel
// object pointer, with the lock bit and some attribute bits set.
func EncodeHandleEntry(object uint64) uint64 {
	return object<<16 | 0x3<<17 | 1
}

// HandleTable describes a table built by BuildHandleTable.
type HandleTable struct {
	// Addr is the kernel address of the HANDLE_TABLE structure.
	Addr uint64
	// Top is the top level table (without the depth bits).
	Top uint64
	// Leaves maps a global leaf number (entry index / 256) to
	// the kernel address of that leaf page.
	Leaves map[uint64]uint64
}

// SlotAddress returns the kernel address of the slot for handle.
func (o HandleTable) SlotAddress(handle uint64) uint64 {
	idx := handle >> 2
	return o.Leaves[idx/256] + (idx%256)*16
}

// BuildHandleTable creates a handle table of the given depth (0, 1
// or 2). entries maps handle values to object pointers.
func (o *Kernel) BuildHandleTable(depth int, nextHandleNeedingPool uint32, entries map[uint64]uint64) HandleTable {
	ht := HandleTable{
		Addr:   o.AllocKernel(0x80),
		Top:    o.AllocKernel(PageSize),
		Leaves: make(map[uint64]uint64),
	}

	mids := make(map[uint64]uint64)

	leafFor := func(leafNum uint64) uint64 {
		if leaf, ok := ht.Leaves[leafNum]; ok {
			return leaf
		}

		var leaf uint64
		switch depth {
		case 0:
			if leafNum > 0 {
				panic("flat handle tables hold 256 entries")
			}
			leaf = ht.Top
		case 1:
			leaf = o.AllocKernel(PageSize)
			o.System.PutUint64(ht.Top+leafNum*8, leaf)
		case 2:
			midNum := leafNum / 512
			mid, ok := mids[midNum]
			if !ok {
				mid = o.AllocKernel(PageSize)
				mids[midNum] = mid
				o.System.PutUint64(ht.Top+midNum*8, mid)
			}

			leaf = o.AllocKernel(PageSize)
			o.System.PutUint64(mid+(leafNum%512)*8, leaf)
		default:
			panic("unsupported handle table depth")
		}

		ht.Leaves[leafNum] = leaf
		return leaf
	}

	if depth == 0 {
		leafFor(0)
	}

	for handle, object := range entries {
		idx := handle >> 2
		leaf := leafFor(idx / 256)
		o.System.PutUint64(leaf+(idx%256)*16, EncodeHandleEntry(object))
	}

	o.System.PutUint32(ht.Addr, nextHandleNeedingPool)
	o.System.PutUint64(ht.Addr+8, ht.Top|uint64(depth))

	return ht
}

// ModuleSpec describes one loader list entry.
type ModuleSpec struct {
	BaseName   string
	FullName   string
	Base       uint64
	Size       uint32
	EntryPoint uint64
}

// ProcessSpec describes a process to create.
type ProcessSpec struct {
	PID         uint64
	Name        string
	SectionBase uint64
	ExitStatus  uint32
	Modules     []ModuleSpec
}

// Process is a process created by AddProcess.
type Process struct {
	EPROCESS uint64
	Space    *AddressSpace
	PEB      uint64
	Ldr      uint64
	// Entries holds the user address of each loader entry,
	// in list order.
	Entries []uint64
}

// AddProcess creates an EPROCESS block, a user address space, a PEB
// and a loader list. The process is added to the CID table built by
// BuildCIDTable.
func (o *Kernel) AddProcess(spec ProcessSpec) *Process {
	proc := &Process{
		EPROCESS: o.AllocKernel(PageSize),
		Space:    NewAddressSpace(o.Mem),
	}

	exitStatus := spec.ExitStatus
	if exitStatus == 0 {
		exitStatus = StillActive
	}

	base := userHeap + spec.PID<<24
	proc.PEB = base
	proc.Ldr = base + 0x800
	proc.Space.Alloc(base, PageSize)

	eproc := proc.EPROCESS
	o.System.PutUint64(eproc+o.Offsets.DirectoryTableBase, proc.Space.Root)
	o.System.PutUint64(eproc+o.Offsets.UniqueProcessID, spec.PID)
	o.System.PutUint64(eproc+o.Offsets.SectionBaseAddress, spec.SectionBase)
	o.System.PutUint64(eproc+o.Offsets.Peb, proc.PEB)
	o.System.PutUint32(eproc+o.Offsets.ExitStatus, exitStatus)
	name := []byte(spec.Name)
	if len(name) > 14 {
		name = name[:14]
	}
	o.System.Write(eproc+o.Offsets.ImageFileName, append(name, 0))

	proc.Space.PutUint64(proc.PEB+0x18, proc.Ldr)
	head := proc.Ldr + 0x10

	for i, m := range spec.Modules {
		entry := base + PageSize*uint64(i+1)
		proc.Space.Alloc(entry, PageSize)
		proc.Entries = append(proc.Entries, entry)

		proc.Space.PutUint64(entry+0x30, m.Base)
		proc.Space.PutUint64(entry+0x38, m.EntryPoint)
		proc.Space.PutUint32(entry+0x40, m.Size)
		putUnicodeString(proc.Space, entry+0x48, entry+0x200, m.FullName)
		putUnicodeString(proc.Space, entry+0x58, entry+0x400, m.BaseName)
	}

	links := append([]uint64{head}, proc.Entries...)
	for i, link := range links {
		next := links[(i+1)%len(links)]
		prev := links[(i+len(links)-1)%len(links)]
		proc.Space.PutUint64(link, next)
		proc.Space.PutUint64(link+8, prev)
	}

	o.objects[spec.PID] = eproc
	return proc
}

// AddThread adds a non-process object to the CID table under tid.
func (o *Kernel) AddThread(tid uint64) uint64 {
	ethread := o.AllocKernel(PageSize)
	o.objects[tid] = ethread
	return ethread
}

// BuildCIDTable builds a handle table of the given depth holding every
// process and thread added so far.
func (o *Kernel) BuildCIDTable(depth int) HandleTable {
	var highest uint64
	for handle := range o.objects {
		if handle > highest {
			highest = handle
		}
	}

	return o.BuildHandleTable(depth, uint32(highest+4), o.objects)
}

// PIDs returns the ids of every process and thread added so far.
func (o *Kernel) PIDs() []uint64 {
	var ids []uint64
	for id := range o.objects {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func putUnicodeString(space *AddressSpace, at uint64, buffer uint64, str string) {
	units := utf16.Encode([]rune(str))
	raw := make([]byte, len(units)*2)
	for i, u := range units {
		binary.LittleEndian.PutUint16(raw[i*2:], u)
	}

	space.PutUint16(at, uint16(len(raw)))
	space.PutUint16(at+2, uint16(len(raw)+2))
	space.PutUint64(at+8, buffer)
	space.Write(buffer, raw)
}
