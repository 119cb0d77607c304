package channel

import (
	"fmt"
)

// ReadWriteRequest is the input of the process memory opcodes and of
// OpReadDirTable. Process is an EPROCESS address, except for the Dir
// variants, where it is the page table root to translate with.
type ReadWriteRequest struct {
	Process uint64
	Address uint64
	Size    uint64
}

// PhysicalRequest is the input of the physical memory opcodes.
type PhysicalRequest struct {
	Address uint64
	Size    uint64
}

// QueryRequest is the input of OpVirtualQuery. The Ref of the
// record is a *MemoryBasicInformation.
type QueryRequest struct {
	Process          uint64
	Address          uint64
	InformationClass uint64
}

// ModuleRequest is the input of the module lookup opcodes. Name is
// used by OpLookupProcessModule, Index by OpLookupProcessModuleIndex.
type ModuleRequest struct {
	Process uint64
	Name    string
	Index   uint32
}

// ModuleEntry is the Ref of the module lookup opcodes.
type ModuleEntry struct {
	Base       uint64
	EntryPoint uint64
	Size       uint64
	FullName   string
	BaseName   string
}

// MapInfo is the Ref of OpMapAllPhysicalMemory.
type MapInfo struct {
	// HandleTableRoot is the kernel address of the CID handle table.
	HandleTableRoot uint64
	// SystemCR3 is the page table root of the system address space.
	SystemCR3         uint64
	SectionBaseOffset uint64
	ExitStatusOffset  uint64
	// MappedBase is where the window over physical memory starts.
	// Zero means the mapping failed.
	MappedBase  uint64
	BuildNumber uint64
}

const (
	MemCommit  = 0x1000
	MemReserve = 0x2000
	MemFree    = 0x10000

	MemPrivate = 0x20000
	MemMapped  = 0x40000
	MemImage   = 0x1000000

	PageNoAccess         = 0x01
	PageReadOnly         = 0x02
	PageReadWrite        = 0x04
	PageExecute          = 0x10
	PageExecuteRead      = 0x20
	PageExecuteReadWrite = 0x40
	PageGuard            = 0x100
)

// MemoryBasicInformation describes one region of a process address
// space, as returned by OpVirtualQuery.
type MemoryBasicInformation struct {
	BaseAddress       uint64
	AllocationBase    uint64
	AllocationProtect uint64
	RegionSize        uint64
	State             uint64
	Protect           uint64
	Type              uint64
}

// Committed reports whether the region is committed and readable.
func (o MemoryBasicInformation) Committed() bool {
	return o.State == MemCommit &&
		o.Protect&PageGuard == 0 &&
		o.Protect&PageNoAccess == 0
}

// LookupProcess returns the EPROCESS address of pid.
func LookupProcess(inv Invoker, pid uint64) (uint64, error) {
	var eprocess uint64
	err := inv.Invoke(OpLookupProcess, pid, &eprocess).Err(OpLookupProcess)
	if err != nil {
		return 0, err
	}

	return eprocess, nil
}

// LookupThread returns the ETHREAD address of tid.
func LookupThread(inv Invoker, tid uint64) (uint64, error) {
	var ethread uint64
	err := inv.Invoke(OpLookupThread, tid, &ethread).Err(OpLookupThread)
	if err != nil {
		return 0, err
	}

	return ethread, nil
}

// ProcessExitStatus returns the exit status of a process. The
// status of the command is the exit status itself, so a running
// process reports 0x103 (STILL_ACTIVE).
func ProcessExitStatus(inv Invoker, eprocess uint64) Status {
	return inv.Invoke(OpProcessExitStatus, eprocess, nil)
}

// ThreadExitStatus is ProcessExitStatus for threads.
func ThreadExitStatus(inv Invoker, ethread uint64) Status {
	return inv.Invoke(OpThreadExitStatus, ethread, nil)
}

// ProcessSectionBase returns the image base of a process.
func ProcessSectionBase(inv Invoker, eprocess uint64) (uint64, error) {
	var base uint64
	err := inv.Invoke(OpProcessSectionBase, eprocess, &base).Err(OpProcessSectionBase)
	if err != nil {
		return 0, err
	}

	return base, nil
}

func transfer(inv Invoker, op Opcode, process uint64, address uint64, p []byte) error {
	if len(p) == 0 {
		return nil
	}

	req := &ReadWriteRequest{
		Process: process,
		Address: address,
		Size:    uint64(len(p)),
	}

	return inv.Invoke(op, req, p).Err(op)
}

// ReadProcessMemory reads len(p) bytes at address in a process.
func ReadProcessMemory(inv Invoker, eprocess uint64, address uint64, p []byte) error {
	return transfer(inv, OpReadProcessMemory, eprocess, address, p)
}

// SafeReadProcessMemory is ReadProcessMemory, except that the
// dispatcher probes the range before copying.
func SafeReadProcessMemory(inv Invoker, eprocess uint64, address uint64, p []byte) error {
	return transfer(inv, OpSafeReadProcessMemory, eprocess, address, p)
}

// ReadProcessMemoryAttach reads by attaching to the process's
// address space on the dispatcher side.
func ReadProcessMemoryAttach(inv Invoker, eprocess uint64, address uint64, p []byte) error {
	return transfer(inv, OpReadProcessMemoryAttach, eprocess, address, p)
}

// ReadProcessMemoryDir reads address in the address space rooted
// at cr3, without referring to a process object.
func ReadProcessMemoryDir(inv Invoker, cr3 uint64, address uint64, p []byte) error {
	return transfer(inv, OpReadProcessMemoryDir, cr3, address, p)
}

func WriteProcessMemory(inv Invoker, eprocess uint64, address uint64, p []byte) error {
	return transfer(inv, OpWriteProcessMemory, eprocess, address, p)
}

func SafeWriteProcessMemory(inv Invoker, eprocess uint64, address uint64, p []byte) error {
	return transfer(inv, OpSafeWriteProcessMemory, eprocess, address, p)
}

func WriteProcessMemoryAttach(inv Invoker, eprocess uint64, address uint64, p []byte) error {
	return transfer(inv, OpWriteProcessMemoryAttach, eprocess, address, p)
}

func WriteProcessMemoryDir(inv Invoker, cr3 uint64, address uint64, p []byte) error {
	return transfer(inv, OpWriteProcessMemoryDir, cr3, address, p)
}

// ReadPhysical reads len(p) bytes starting at a physical address.
func ReadPhysical(inv Invoker, address uint64, p []byte) error {
	if len(p) == 0 {
		return nil
	}

	req := &PhysicalRequest{
		Address: address,
		Size:    uint64(len(p)),
	}

	return inv.Invoke(OpReadPhysicalMemory, req, p).Err(OpReadPhysicalMemory)
}

// WritePhysical writes p starting at a physical address.
func WritePhysical(inv Invoker, address uint64, p []byte) error {
	if len(p) == 0 {
		return nil
	}

	req := &PhysicalRequest{
		Address: address,
		Size:    uint64(len(p)),
	}

	return inv.Invoke(OpWritePhysicalMemory, req, p).Err(OpWritePhysicalMemory)
}

// QueryVirtual describes the region of a process address space
// containing address.
func QueryVirtual(inv Invoker, eprocess uint64, address uint64) (MemoryBasicInformation, error) {
	var info MemoryBasicInformation

	req := &QueryRequest{
		Process: eprocess,
		Address: address,
	}

	err := inv.Invoke(OpVirtualQuery, req, &info).Err(OpVirtualQuery)
	if err != nil {
		return MemoryBasicInformation{}, err
	}

	return info, nil
}

// LookupProcessModule finds a loaded module by its base name.
func LookupProcessModule(inv Invoker, eprocess uint64, name string) (ModuleEntry, error) {
	var entry ModuleEntry

	req := &ModuleRequest{
		Process: eprocess,
		Name:    name,
	}

	err := inv.Invoke(OpLookupProcessModule, req, &entry).Err(OpLookupProcessModule)
	if err != nil {
		return ModuleEntry{}, fmt.Errorf("failed to lookup module %q - %w", name, err)
	}

	return entry, nil
}

// LookupProcessModuleIndex finds the index'th module in load order.
func LookupProcessModuleIndex(inv Invoker, eprocess uint64, index uint32) (ModuleEntry, error) {
	var entry ModuleEntry

	req := &ModuleRequest{
		Process: eprocess,
		Index:   index,
	}

	err := inv.Invoke(OpLookupProcessModuleIndex, req, &entry).Err(OpLookupProcessModuleIndex)
	if err != nil {
		return ModuleEntry{}, fmt.Errorf("failed to lookup module %d - %w", index, err)
	}

	return entry, nil
}

// MapAllPhysicalMemory asks the dispatcher to map all of physical
// memory, preferably at preferredBase.
func MapAllPhysicalMemory(inv Invoker, preferredBase uint64) (MapInfo, error) {
	var info MapInfo
	err := inv.Invoke(OpMapAllPhysicalMemory, preferredBase, &info).Err(OpMapAllPhysicalMemory)
	if err != nil {
		return MapInfo{}, err
	}

	return info, nil
}

// ReadDirTable returns the page table root of a process.
func ReadDirTable(inv Invoker, eprocess uint64) (uint64, error) {
	var cr3 uint64

	req := &ReadWriteRequest{
		Process: eprocess,
	}

	err := inv.Invoke(OpReadDirTable, req, &cr3).Err(OpReadDirTable)
	if err != nil {
		return 0, err
	}

	return cr3, nil
}
