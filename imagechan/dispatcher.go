package imagechan

import (
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"

	"gitlab.com/stephen-fox/physkit/channel"
	"gitlab.com/stephen-fox/physkit/memory"
	"gitlab.com/stephen-fox/physkit/paging"
	"gitlab.com/stephen-fox/physkit/process"
	"gitlab.com/stephen-fox/physkit/winver"
)

const (
	// DefaultMappedBase is reported as the mapped base when the
	// caller does not prefer one.
	DefaultMappedBase = 0x0000100000000000

	// userMax is the highest user mode address. Virtual queries
	// beyond it fail, which ends a region walk.
	userMax = 0x00007fffffffffff
)

// Physical is random access physical memory. Offsets are
// physical addresses.
type Physical interface {
	io.ReaderAt
	io.WriterAt
}

// NewDispatcher creates a Dispatcher that serves commands from phys.
//
// info.HandleTableRoot and info.SystemCR3 must locate the CID handle
// table and the system page tables in phys. The EPROCESS offsets for
// info.BuildNumber are used, with non-zero fields of overrides
// applied on top.
func NewDispatcher(phys Physical, info channel.MapInfo, overrides winver.Offsets) (*Dispatcher, error) {
	if info.SystemCR3 == 0 {
		return nil, fmt.Errorf("system cr3 cannot be zero")
	}

	if info.HandleTableRoot == 0 {
		return nil, fmt.Errorf("handle table root cannot be zero")
	}

	offsets, err := winver.OffsetsFor(uint32(info.BuildNumber))
	if err != nil {
		return nil, err
	}

	offsets = offsets.Merge(overrides)

	info.SectionBaseOffset = offsets.SectionBaseAddress
	info.ExitStatusOffset = offsets.ExitStatus

	return &Dispatcher{
		phys:     phys,
		info:     info,
		resolver: process.NewPhysicalResolver(phys, info, offsets),
	}, nil
}

// Dispatcher implements channel.Dispatcher on top of physical memory
// by doing in Go what a kernel would do for each command: the process
// commands decode the CID table, and the process memory commands
// walk the process's page tables.
//
// Dispatch is safe for concurrent use.
type Dispatcher struct {
	// OptLogger, when non-nil, logs failed commands.
	OptLogger *log.Logger

	mu       sync.Mutex
	phys     Physical
	info     channel.MapInfo
	resolver *process.Resolver
}

// Resolver returns the process resolver used to serve commands.
func (o *Dispatcher) Resolver() *process.Resolver {
	return o.resolver
}

func (o *Dispatcher) Dispatch(rec *channel.CommandRecord) {
	o.mu.Lock()
	defer o.mu.Unlock()

	status, err := o.dispatch(rec)
	if err != nil && o.OptLogger != nil {
		o.OptLogger.Printf("imagechan: %s failed with %s - %s", rec.Opcode, status, err)
	}

	rec.Status = status
}

func (o *Dispatcher) dispatch(rec *channel.CommandRecord) (channel.Status, error) {
	switch rec.Opcode {
	case channel.OpMapAllPhysicalMemory:
		return o.mapAll(rec)
	case channel.OpReadPhysicalMemory, channel.OpWritePhysicalMemory:
		return o.physical(rec)
	case channel.OpLookupProcess:
		return o.lookupProcess(rec)
	case channel.OpLookupThread:
		return o.lookupThread(rec)
	case channel.OpProcessExitStatus:
		return o.exitStatus(rec)
	case channel.OpProcessSectionBase:
		return o.eprocessField(rec, o.resolver.Offsets.SectionBaseAddress)
	case channel.OpReadDirTable:
		return o.dirTable(rec)
	case channel.OpReadProcessMemory, channel.OpSafeReadProcessMemory, channel.OpReadProcessMemoryAttach,
		channel.OpReadProcessMemoryDir, channel.OpWriteProcessMemory, channel.OpSafeWriteProcessMemory,
		channel.OpWriteProcessMemoryAttach, channel.OpWriteProcessMemoryDir:
		return o.processMemory(rec)
	case channel.OpVirtualQuery:
		return o.virtualQuery(rec)
	case channel.OpLookupProcessModule, channel.OpLookupProcessModuleIndex:
		return o.lookupModule(rec)
	default:
		// Thread exit status needs ETHREAD offsets, which
		// the version table does not carry.
		return channel.StatusNotImplemented, fmt.Errorf("unsupported opcode: %s", rec.Opcode)
	}
}

func (o *Dispatcher) mapAll(rec *channel.CommandRecord) (channel.Status, error) {
	preferred, ok := rec.Input.(uint64)
	info, ok2 := rec.Ref.(*channel.MapInfo)
	if !ok || !ok2 {
		return channel.StatusInvalidParameter, errors.New("invalid map request")
	}

	*info = o.info
	info.MappedBase = DefaultMappedBase
	if preferred != 0 {
		info.MappedBase = preferred
	}

	return channel.StatusSuccess, nil
}

func (o *Dispatcher) physical(rec *channel.CommandRecord) (channel.Status, error) {
	req, ok := rec.Input.(*channel.PhysicalRequest)
	p, ok2 := rec.Ref.([]byte)
	if !ok || !ok2 || uint64(len(p)) < req.Size {
		return channel.StatusInvalidParameter, errors.New("invalid physical memory request")
	}

	var err error
	if rec.Opcode == channel.OpReadPhysicalMemory {
		_, err = o.phys.ReadAt(p[:req.Size], int64(req.Address))
	} else {
		_, err = o.phys.WriteAt(p[:req.Size], int64(req.Address))
	}

	if err != nil {
		return channel.StatusAccessViolation, err
	}

	return channel.StatusSuccess, nil
}

func (o *Dispatcher) lookupProcess(rec *channel.CommandRecord) (channel.Status, error) {
	pid, ok := rec.Input.(uint64)
	eprocess, ok2 := rec.Ref.(*uint64)
	if !ok || !ok2 {
		return channel.StatusInvalidParameter, errors.New("invalid process lookup request")
	}

	object, isProcess, err := o.cidObject(pid)
	if err != nil {
		return channel.StatusInvalidParameter, err
	}

	if !isProcess {
		return channel.StatusInvalidParameter, fmt.Errorf("cid %d is not a process", pid)
	}

	*eprocess = object
	return channel.StatusSuccess, nil
}

func (o *Dispatcher) lookupThread(rec *channel.CommandRecord) (channel.Status, error) {
	tid, ok := rec.Input.(uint64)
	ethread, ok2 := rec.Ref.(*uint64)
	if !ok || !ok2 {
		return channel.StatusInvalidParameter, errors.New("invalid thread lookup request")
	}

	object, isProcess, err := o.cidObject(tid)
	if err != nil {
		return channel.StatusInvalidParameter, err
	}

	if isProcess {
		return channel.StatusInvalidParameter, fmt.Errorf("cid %d is not a thread", tid)
	}

	*ethread = object
	return channel.StatusSuccess, nil
}

// cidObject returns the object of a CID table entry and whether it is
// a process, which is the case when its UniqueProcessId is the handle.
func (o *Dispatcher) cidObject(cid uint64) (uint64, bool, error) {
	object, err := o.resolver.Decoder.Object(o.info.HandleTableRoot, cid)
	if err != nil {
		return 0, false, err
	}

	pid, err := o.resolver.System.Uint64(object + o.resolver.Offsets.UniqueProcessID)
	if err != nil {
		return 0, false, err
	}

	return object, pid == cid, nil
}

func (o *Dispatcher) exitStatus(rec *channel.CommandRecord) (channel.Status, error) {
	eprocess, ok := rec.Input.(uint64)
	if !ok {
		return channel.StatusInvalidParameter, errors.New("invalid exit status request")
	}

	status, err := o.resolver.System.Uint32(eprocess + o.resolver.Offsets.ExitStatus)
	if err != nil {
		return channel.StatusAccessViolation, err
	}

	return channel.Status(int32(status)), nil
}

func (o *Dispatcher) eprocessField(rec *channel.CommandRecord, offset uint64) (channel.Status, error) {
	eprocess, ok := rec.Input.(uint64)
	dst, ok2 := rec.Ref.(*uint64)
	if !ok || !ok2 {
		return channel.StatusInvalidParameter, errors.New("invalid process field request")
	}

	v, err := o.resolver.System.Uint64(eprocess + offset)
	if err != nil {
		return channel.StatusAccessViolation, err
	}

	*dst = v
	return channel.StatusSuccess, nil
}

func (o *Dispatcher) dirTable(rec *channel.CommandRecord) (channel.Status, error) {
	req, ok := rec.Input.(*channel.ReadWriteRequest)
	cr3, ok2 := rec.Ref.(*uint64)
	if !ok || !ok2 {
		return channel.StatusInvalidParameter, errors.New("invalid directory table request")
	}

	space, err := o.resolver.SpaceOf(req.Process)
	if err != nil {
		return channel.StatusAccessViolation, err
	}

	*cr3 = space.Root
	return channel.StatusSuccess, nil
}

func (o *Dispatcher) processMemory(rec *channel.CommandRecord) (channel.Status, error) {
	req, ok := rec.Input.(*channel.ReadWriteRequest)
	p, ok2 := rec.Ref.([]byte)
	if !ok || !ok2 || uint64(len(p)) < req.Size {
		return channel.StatusInvalidParameter, errors.New("invalid process memory request")
	}

	var space memory.AddressSpace
	switch rec.Opcode {
	case channel.OpReadProcessMemoryDir, channel.OpWriteProcessMemoryDir:
		space = memory.AddressSpace{Phys: o.phys, Root: req.Process}
	default:
		var err error
		space, err = o.resolver.SpaceOf(req.Process)
		if err != nil {
			return channel.StatusInvalidParameter, err
		}
	}

	var err error
	switch rec.Opcode {
	case channel.OpReadProcessMemory, channel.OpSafeReadProcessMemory,
		channel.OpReadProcessMemoryAttach, channel.OpReadProcessMemoryDir:
		err = space.Read(req.Address, p[:req.Size])
	default:
		err = space.Write(req.Address, p[:req.Size])
	}

	if err != nil {
		if rec.Opcode == channel.OpSafeReadProcessMemory || rec.Opcode == channel.OpSafeWriteProcessMemory {
			return channel.StatusPartialCopy, err
		}

		return channel.StatusAccessViolation, err
	}

	return channel.StatusSuccess, nil
}

func (o *Dispatcher) virtualQuery(rec *channel.CommandRecord) (channel.Status, error) {
	req, ok := rec.Input.(*channel.QueryRequest)
	info, ok2 := rec.Ref.(*channel.MemoryBasicInformation)
	if !ok || !ok2 {
		return channel.StatusInvalidParameter, errors.New("invalid virtual query request")
	}

	if req.Address > userMax {
		return channel.StatusInvalidParameter, fmt.Errorf("address 0x%x is outside of user space", req.Address)
	}

	space, err := o.resolver.SpaceOf(req.Process)
	if err != nil {
		return channel.StatusInvalidParameter, err
	}

	region, err := QueryRegion(o.phys, space.Root, req.Address)
	if err != nil {
		return channel.StatusAccessViolation, err
	}

	*info = region
	return channel.StatusSuccess, nil
}

// QueryRegion describes the user mode region of the address space
// rooted at root that contains address. A region is a run of
// contiguous mappings with the same protection, or the gap between
// two mappings.
func QueryRegion(phys io.ReaderAt, root uint64, address uint64) (channel.MemoryBasicInformation, error) {
	base := address &^ (paging.PageSize4K - 1)

	region := channel.MemoryBasicInformation{
		BaseAddress: base,
		RegionSize:  userMax + 1 - base,
		State:       channel.MemFree,
		Protect:     channel.PageNoAccess,
	}

	err := paging.VisitMappings(phys, root, base, userMax, func(m paging.Mapping) bool {
		if region.State == channel.MemFree {
			if m.Virtual > base {
				region.RegionSize = m.Virtual - base
				return false
			}

			region.State = channel.MemCommit
			region.Type = channel.MemPrivate
			region.Protect = protection(m.Entry)
			region.AllocationBase = base
			region.AllocationProtect = region.Protect
			region.RegionSize = m.End() - base
			return true
		}

		if m.Virtual != base+region.RegionSize || protection(m.Entry) != region.Protect {
			return false
		}

		region.RegionSize = m.End() - base
		return true
	})
	if err != nil {
		return channel.MemoryBasicInformation{}, err
	}

	return region, nil
}

func protection(e paging.Entry) uint64 {
	switch {
	case e.Writable() && e.NoExecute():
		return channel.PageReadWrite
	case e.Writable():
		return channel.PageExecuteReadWrite
	case e.NoExecute():
		return channel.PageReadOnly
	default:
		return channel.PageExecuteRead
	}
}

func (o *Dispatcher) lookupModule(rec *channel.CommandRecord) (channel.Status, error) {
	req, ok := rec.Input.(*channel.ModuleRequest)
	entry, ok2 := rec.Ref.(*channel.ModuleEntry)
	if !ok || !ok2 {
		return channel.StatusInvalidParameter, errors.New("invalid module lookup request")
	}

	var found *process.Module
	i := uint32(0)

	err := o.resolver.WalkModulesOf(req.Process, func(m process.Module) bool {
		var match bool
		if rec.Opcode == channel.OpLookupProcessModule {
			match = strings.EqualFold(m.BaseName, req.Name)
		} else {
			match = i == req.Index
		}

		if match {
			found = &m
			return false
		}

		i++
		return true
	})
	if err != nil {
		return channel.StatusAccessViolation, err
	}

	if found == nil {
		return channel.StatusNotFound, process.ErrModuleNotFound
	}

	*entry = channel.ModuleEntry{
		Base:       found.Base,
		EntryPoint: found.EntryPoint,
		Size:       found.Size,
		FullName:   found.FullName,
		BaseName:   found.BaseName,
	}

	return channel.StatusSuccess, nil
}
