package process

import (
	"encoding/binary"
	"fmt"
	"strings"

	"golang.org/x/text/encoding/unicode"

	"gitlab.com/stephen-fox/physkit/memory"
)

const (
	pebLdrOffset           = 0x18
	ldrInLoadOrderOffset   = 0x10
	entryDllBaseOffset     = 0x30
	entryEntryPointOffset  = 0x38
	entrySizeOfImageOffset = 0x40
	entryFullNameOffset    = 0x48
	entryBaseNameOffset    = 0x58
	entrySize              = 0x68

	// maxModules bounds a loader list walk in case the list is
	// corrupt or being modified.
	maxModules = 4096

	maxNameBytes = 0x1000
)

// Module is an entry of a process's loader list.
type Module struct {
	// Entry is the address of the loader entry.
	Entry      uint64
	Base       uint64
	EntryPoint uint64
	Size       uint64
	FullName   string
	BaseName   string
}

// End returns the first address after the module's image.
func (o Module) End() uint64 {
	return o.Base + o.Size
}

// Modules returns the modules loaded by pid, in load order.
func (o *Resolver) Modules(pid uint64) ([]Module, error) {
	var modules []Module

	err := o.walkModules(pid, func(m Module) bool {
		modules = append(modules, m)
		return true
	})
	if err != nil {
		return nil, err
	}

	return modules, nil
}

// ResolveModule returns the loaded module of pid whose base name
// matches name, ignoring case.
func (o *Resolver) ResolveModule(pid uint64, name string) (Module, error) {
	var found Module
	var ok bool

	err := o.walkModules(pid, func(m Module) bool {
		if strings.EqualFold(m.BaseName, name) {
			found = m
			ok = true
			return false
		}

		return true
	})
	if err != nil {
		return Module{}, err
	}

	if !ok {
		return Module{}, fmt.Errorf("'%s' in process %d - %w", name, pid, ErrModuleNotFound)
	}

	return found, nil
}

// ResolveModuleOrExit calls ResolveModule. It calls DefaultExitFn
// if an error occurs.
func (o *Resolver) ResolveModuleOrExit(pid uint64, name string) Module {
	m, err := o.ResolveModule(pid, name)
	if err != nil {
		DefaultExitFn(err)
	}
	return m
}

// ResolveModuleByIndex returns the index'th module of pid in
// load order. Index 0 is the main executable.
func (o *Resolver) ResolveModuleByIndex(pid uint64, index int) (Module, error) {
	var found Module
	var ok bool
	i := 0

	err := o.walkModules(pid, func(m Module) bool {
		if i == index {
			found = m
			ok = true
			return false
		}

		i++
		return true
	})
	if err != nil {
		return Module{}, err
	}

	if !ok {
		return Module{}, fmt.Errorf("index %d in process %d - %w", index, pid, ErrModuleNotFound)
	}

	return found, nil
}

func (o *Resolver) walkModules(pid uint64, fn func(Module) bool) error {
	eprocess, err := o.ResolveProcess(pid)
	if err != nil {
		return err
	}

	err = o.WalkModulesOf(eprocess, fn)
	if err != nil {
		return fmt.Errorf("process %d - %w", pid, err)
	}

	return nil
}

// ModulesOf is Modules for a process identified by its EPROCESS
// address.
func (o *Resolver) ModulesOf(eprocess uint64) ([]Module, error) {
	var modules []Module

	err := o.WalkModulesOf(eprocess, func(m Module) bool {
		modules = append(modules, m)
		return true
	})
	if err != nil {
		return nil, err
	}

	return modules, nil
}

// WalkModulesOf calls fn for each module loaded by the process at
// eprocess, in load order, until fn returns false.
func (o *Resolver) WalkModulesOf(eprocess uint64, fn func(Module) bool) error {
	space, err := o.SpaceOf(eprocess)
	if err != nil {
		return err
	}

	peb, err := o.System.Uint64(eprocess + o.Offsets.Peb)
	if err != nil {
		return fmt.Errorf("failed to read peb - %w", err)
	}

	if peb == 0 {
		return fmt.Errorf("process has no peb - %w", ErrModuleNotFound)
	}

	ldr, err := space.ReadChain(peb, pebLdrOffset)
	if err != nil {
		return fmt.Errorf("failed to read loader data pointer - %w", err)
	}

	return WalkLoaderList(space, ldr+ldrInLoadOrderOffset, fn)
}

// WalkLoaderList calls fn for each entry of the loader list whose
// head is at head, until fn returns false or the list ends.
func WalkLoaderList(space memory.Space, head uint64, fn func(Module) bool) error {
	cur, err := memory.ReadUint64(space, head)
	if err != nil {
		return fmt.Errorf("failed to read loader list head - %w", err)
	}

	seen := make(map[uint64]struct{})
	raw := make([]byte, entrySize)

	for cur != head && cur != 0 {
		if _, dup := seen[cur]; dup {
			return fmt.Errorf("loader list loops at 0x%x", cur)
		}

		if len(seen) >= maxModules {
			return fmt.Errorf("loader list has more than %d entries", maxModules)
		}

		seen[cur] = struct{}{}

		err := space.Read(cur, raw)
		if err != nil {
			return fmt.Errorf("failed to read loader entry at 0x%x - %w", cur, err)
		}

		m := Module{
			Entry:      cur,
			Base:       binary.LittleEndian.Uint64(raw[entryDllBaseOffset:]),
			EntryPoint: binary.LittleEndian.Uint64(raw[entryEntryPointOffset:]),
			Size:       uint64(binary.LittleEndian.Uint32(raw[entrySizeOfImageOffset:])),
		}

		m.FullName, err = readUnicodeString(space, raw[entryFullNameOffset:])
		if err != nil {
			return fmt.Errorf("failed to read full name of loader entry at 0x%x - %w", cur, err)
		}

		m.BaseName, err = readUnicodeString(space, raw[entryBaseNameOffset:])
		if err != nil {
			return fmt.Errorf("failed to read base name of loader entry at 0x%x - %w", cur, err)
		}

		if !fn(m) {
			return nil
		}

		cur = binary.LittleEndian.Uint64(raw)
	}

	return nil
}

// readUnicodeString decodes the UNICODE_STRING at the start of raw.
func readUnicodeString(space memory.Space, raw []byte) (string, error) {
	length := binary.LittleEndian.Uint16(raw)
	buffer := binary.LittleEndian.Uint64(raw[8:])

	if length == 0 || buffer == 0 {
		return "", nil
	}

	if length > maxNameBytes || length%2 != 0 {
		return "", fmt.Errorf("invalid unicode string length: %d", length)
	}

	utf16le := make([]byte, length)
	err := space.Read(buffer, utf16le)
	if err != nil {
		return "", err
	}

	decoded, err := unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewDecoder().Bytes(utf16le)
	if err != nil {
		return "", fmt.Errorf("failed to decode utf-16 string - %w", err)
	}

	return string(decoded), nil
}
