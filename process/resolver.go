// Package process resolves processes and their loaded modules from
// kernel memory.
//
// A Resolver finds a process's EPROCESS block by decoding the CID
// handle table, then reads fields of that block at the offsets for
// the mapped build. Nothing is cached: every call reads the current
// kernel state, so results can be inconsistent if the target changes
// while it is being read.
package process

import (
	"bytes"
	"fmt"
	"io"
	"log"

	"gitlab.com/stephen-fox/physkit/channel"
	"gitlab.com/stephen-fox/physkit/handletable"
	"gitlab.com/stephen-fox/physkit/memory"
	"gitlab.com/stephen-fox/physkit/physmap"
	"gitlab.com/stephen-fox/physkit/winver"
)

const imageFileNameLen = 15

// NewResolver creates a Resolver for the kernel behind w.
func NewResolver(w *physmap.Window) *Resolver {
	return NewPhysicalResolver(w, w.Info(), w.Offsets())
}

// NewPhysicalResolver creates a Resolver that reads physical memory
// from phys. info supplies the handle table and system page table
// root.
func NewPhysicalResolver(phys io.ReaderAt, info channel.MapInfo, offsets winver.Offsets) *Resolver {
	system := memory.AddressSpace{
		Phys: phys,
		Root: info.SystemCR3,
	}

	return &Resolver{
		System:  system,
		Decoder: handletable.Decoder{Space: system},
		Info:    info,
		Offsets: offsets,
	}
}

// Resolver resolves processes through the system address space.
type Resolver struct {
	System  memory.AddressSpace
	Decoder handletable.Decoder
	Info    channel.MapInfo
	Offsets winver.Offsets

	// OptLogger, when non-nil, logs lookups.
	OptLogger *log.Logger
}

// ResolveProcess returns the EPROCESS address of pid.
func (o *Resolver) ResolveProcess(pid uint64) (uint64, error) {
	eprocess, err := o.Decoder.Object(o.Info.HandleTableRoot, pid)
	if err != nil {
		return 0, fmt.Errorf("failed to resolve process %d - %w", pid, err)
	}

	if o.OptLogger != nil {
		o.OptLogger.Printf("process: pid %d -> eprocess 0x%x", pid, eprocess)
	}

	return eprocess, nil
}

// ResolveProcessOrExit calls ResolveProcess. It calls DefaultExitFn
// if an error occurs.
func (o *Resolver) ResolveProcessOrExit(pid uint64) uint64 {
	eprocess, err := o.ResolveProcess(pid)
	if err != nil {
		DefaultExitFn(err)
	}
	return eprocess
}

func (o *Resolver) field64(pid uint64, offset uint64, name string) (uint64, error) {
	eprocess, err := o.ResolveProcess(pid)
	if err != nil {
		return 0, err
	}

	v, err := o.System.Uint64(eprocess + offset)
	if err != nil {
		return 0, fmt.Errorf("failed to read %s of process %d - %w", name, pid, err)
	}

	return v, nil
}

// ResolveCR3 returns the page table root of pid.
func (o *Resolver) ResolveCR3(pid uint64) (uint64, error) {
	return o.field64(pid, o.Offsets.DirectoryTableBase, "directory table base")
}

// ResolveCR3OrExit calls ResolveCR3. It calls DefaultExitFn
// if an error occurs.
func (o *Resolver) ResolveCR3OrExit(pid uint64) uint64 {
	cr3, err := o.ResolveCR3(pid)
	if err != nil {
		DefaultExitFn(err)
	}
	return cr3
}

// ResolveSectionBase returns the image base address of pid.
func (o *Resolver) ResolveSectionBase(pid uint64) (uint64, error) {
	return o.field64(pid, o.Offsets.SectionBaseAddress, "section base address")
}

// ResolvePEB returns the address of the process environment block
// of pid, in the process's own address space.
func (o *Resolver) ResolvePEB(pid uint64) (uint64, error) {
	return o.field64(pid, o.Offsets.Peb, "peb")
}

// ResolveWow64 returns the Wow64Process field of pid, which is
// non-zero for 32-bit processes.
func (o *Resolver) ResolveWow64(pid uint64) (uint64, error) {
	return o.field64(pid, o.Offsets.Wow64Process, "wow64 process")
}

// ResolveExitStatus returns the exit status of pid. Running processes
// report StillActive.
func (o *Resolver) ResolveExitStatus(pid uint64) (uint32, error) {
	eprocess, err := o.ResolveProcess(pid)
	if err != nil {
		return 0, err
	}

	status, err := o.System.Uint32(eprocess + o.Offsets.ExitStatus)
	if err != nil {
		return 0, fmt.Errorf("failed to read exit status of process %d - %w", pid, err)
	}

	return status, nil
}

// ImageFileName returns the short image name stored in the EPROCESS
// block of pid. The kernel truncates it to 15 characters.
func (o *Resolver) ImageFileName(pid uint64) (string, error) {
	eprocess, err := o.ResolveProcess(pid)
	if err != nil {
		return "", err
	}

	return o.imageFileName(eprocess)
}

func (o *Resolver) imageFileName(eprocess uint64) (string, error) {
	raw := make([]byte, imageFileNameLen)
	err := o.System.Read(eprocess+o.Offsets.ImageFileName, raw)
	if err != nil {
		return "", fmt.Errorf("failed to read image file name - %w", err)
	}

	if i := bytes.IndexByte(raw, 0); i > -1 {
		raw = raw[:i]
	}

	return string(raw), nil
}

// Space returns the address space of pid.
func (o *Resolver) Space(pid uint64) (memory.AddressSpace, error) {
	cr3, err := o.ResolveCR3(pid)
	if err != nil {
		return memory.AddressSpace{}, err
	}

	return o.spaceAt(cr3), nil
}

// SpaceOf returns the address space of the process at eprocess.
func (o *Resolver) SpaceOf(eprocess uint64) (memory.AddressSpace, error) {
	cr3, err := o.System.Uint64(eprocess + o.Offsets.DirectoryTableBase)
	if err != nil {
		return memory.AddressSpace{}, fmt.Errorf("failed to read directory table base of 0x%x - %w", eprocess, err)
	}

	return o.spaceAt(cr3), nil
}

func (o *Resolver) spaceAt(cr3 uint64) memory.AddressSpace {
	return memory.AddressSpace{
		Phys: o.System.Phys,
		Root: cr3,
	}
}

// SpaceOrExit calls Space. It calls DefaultExitFn if an error occurs.
func (o *Resolver) SpaceOrExit(pid uint64) memory.AddressSpace {
	space, err := o.Space(pid)
	if err != nil {
		DefaultExitFn(err)
	}
	return space
}
