package channel

import (
	"fmt"
)

// Opcode selects the operation a CommandRecord asks the dispatcher
// to perform. Each opcode fixes the Go types of the record's Input
// and Ref fields, documented next to the typed wrapper that uses it.
type Opcode uint64

const (
	OpLookupProcess Opcode = 0xffffffff00000000 + iota
	OpLookupThread
	OpProcessExitStatus
	OpThreadExitStatus
	OpProcessSectionBase

	OpReadProcessMemory
	OpReadProcessMemoryDir
	OpSafeReadProcessMemory
	OpReadProcessMemoryAttach

	OpWriteProcessMemory
	OpWriteProcessMemoryDir
	OpSafeWriteProcessMemory
	OpWriteProcessMemoryAttach

	OpReadPhysicalMemory
	OpWritePhysicalMemory
	OpVirtualQuery

	// Reserved positions keep the numbering of later
	// opcodes stable.
	_
	_
	_
	_

	OpLookupProcessModule
	OpLookupProcessModuleIndex
	OpMapAllPhysicalMemory

	_
	_
	_
	_
	_
	_
	_
	_
	_

	OpReadDirTable
)

var opcodeNames = map[Opcode]string{
	OpLookupProcess:            "lookup-process",
	OpLookupThread:             "lookup-thread",
	OpProcessExitStatus:        "process-exit-status",
	OpThreadExitStatus:         "thread-exit-status",
	OpProcessSectionBase:       "process-section-base",
	OpReadProcessMemory:        "read-process-memory",
	OpReadProcessMemoryDir:     "read-process-memory-dir",
	OpSafeReadProcessMemory:    "safe-read-process-memory",
	OpReadProcessMemoryAttach:  "read-process-memory-attach",
	OpWriteProcessMemory:       "write-process-memory",
	OpWriteProcessMemoryDir:    "write-process-memory-dir",
	OpSafeWriteProcessMemory:   "safe-write-process-memory",
	OpWriteProcessMemoryAttach: "write-process-memory-attach",
	OpReadPhysicalMemory:       "read-physical-memory",
	OpWritePhysicalMemory:      "write-physical-memory",
	OpVirtualQuery:             "virtual-query",
	OpLookupProcessModule:      "lookup-process-module",
	OpLookupProcessModuleIndex: "lookup-process-module-index",
	OpMapAllPhysicalMemory:     "map-all-physical-memory",
	OpReadDirTable:             "read-dir-table",
}

func (o Opcode) String() string {
	name, ok := opcodeNames[o]
	if !ok {
		return fmt.Sprintf("opcode(0x%x)", uint64(o))
	}

	return name
}

// Known reports whether o is part of the opcode set.
func (o Opcode) Known() bool {
	_, ok := opcodeNames[o]
	return ok
}
