package phystest

import (
	"gitlab.com/stephen-fox/physkit/channel"
)

// DefaultMappedBase is the mapped base reported by MapInfo.
const DefaultMappedBase = 0x0000100000000000

// MapInfo returns the mapping information a dispatcher would report
// for this kernel, with ht as the CID handle table.
func (o *Kernel) MapInfo(ht HandleTable) channel.MapInfo {
	return channel.MapInfo{
		HandleTableRoot:   ht.Addr,
		SystemCR3:         o.System.Root,
		SectionBaseOffset: o.Offsets.SectionBaseAddress,
		ExitStatusOffset:  o.Offsets.ExitStatus,
		MappedBase:        DefaultMappedBase,
		BuildNumber:       uint64(o.Build),
	}
}

// Dispatcher serves the mapping and physical memory commands
// from Memory. Every other opcode fails with StatusNotImplemented.
type Dispatcher struct {
	Mem  *Memory
	Info channel.MapInfo

	// Ops counts dispatched records by opcode.
	Ops map[channel.Opcode]int

	// FailPhysicalAbove, when non-zero, makes physical accesses at
	// or above this address fail with StatusAccessViolation.
	FailPhysicalAbove uint64
}

func NewDispatcher(mem *Memory, info channel.MapInfo) *Dispatcher {
	return &Dispatcher{
		Mem:  mem,
		Info: info,
		Ops:  make(map[channel.Opcode]int),
	}
}

func (o *Dispatcher) Dispatch(rec *channel.CommandRecord) {
	o.Ops[rec.Opcode]++

	switch rec.Opcode {
	case channel.OpMapAllPhysicalMemory:
		*rec.Ref.(*channel.MapInfo) = o.Info
	case channel.OpReadPhysicalMemory, channel.OpWritePhysicalMemory:
		req := rec.Input.(*channel.PhysicalRequest)
		p := rec.Ref.([]byte)

		if o.FailPhysicalAbove != 0 && req.Address+req.Size > o.FailPhysicalAbove {
			rec.Status = channel.StatusAccessViolation
			return
		}

		if rec.Opcode == channel.OpReadPhysicalMemory {
			o.Mem.ReadAt(p[:req.Size], int64(req.Address))
		} else {
			o.Mem.WriteAt(p[:req.Size], int64(req.Address))
		}
	default:
		rec.Status = channel.StatusNotImplemented
	}
}

// ViewDispatcher is a Dispatcher that also exposes a flat copy of
// Memory taken at construction time as a direct physical view.
type ViewDispatcher struct {
	*Dispatcher
	View     []byte
	ReadOnly bool
}

func NewViewDispatcher(mem *Memory, info channel.MapInfo) *ViewDispatcher {
	return &ViewDispatcher{
		Dispatcher: NewDispatcher(mem, info),
		View:       mem.Bytes(),
	}
}

func (o *ViewDispatcher) PhysicalView() ([]byte, bool) {
	return o.View, !o.ReadOnly
}
