// Package scan searches process memory for byte signatures.
//
// A module scan reads the module's whole image once and searches it in
// memory. A process scan walks the process's regions with virtual
// queries starting at address zero, reads each committed region, and
// searches it before reading the next one. Matches that straddle two
// regions are not found.
package scan

import (
	"errors"
	"fmt"
	"log"

	"gitlab.com/stephen-fox/physkit/channel"
	"gitlab.com/stephen-fox/physkit/memory"
	"gitlab.com/stephen-fox/physkit/pattern"
	"gitlab.com/stephen-fox/physkit/process"
)

// DefaultMaxRegionSize is used when Scanner.MaxRegionSize is zero.
const DefaultMaxRegionSize = 256 << 20

var (
	// ErrNotFound means the signature did not match.
	ErrNotFound = errors.New("signature not found")

	// ErrRegionTooLarge means a committed region is larger than
	// the scanner's maximum region size.
	ErrRegionTooLarge = errors.New("region is too large to scan")
)

// Scanner scans the memory of processes. Invoker serves the virtual
// query and process memory commands of process scans. Resolver finds
// processes and modules.
type Scanner struct {
	Invoker  channel.Invoker
	Resolver *process.Resolver

	// MaxRegionSize is the largest region a process scan reads.
	// Zero means DefaultMaxRegionSize.
	MaxRegionSize uint64

	// SkipOversized skips regions larger than MaxRegionSize
	// instead of failing with ErrRegionTooLarge.
	SkipOversized bool

	// OptLogger, when non-nil, logs regions that were skipped.
	OptLogger *log.Logger
}

func (o *Scanner) maxRegionSize() uint64 {
	if o.MaxRegionSize == 0 {
		return DefaultMaxRegionSize
	}

	return o.MaxRegionSize
}

// Module returns the address of the first match of sig in the image
// of a module loaded by pid.
func (o *Scanner) Module(pid uint64, module string, sig pattern.Signature) (uint64, error) {
	image, m, err := o.moduleImage(pid, module)
	if err != nil {
		return 0, err
	}

	i := sig.Index(image)
	if i < 0 {
		return 0, fmt.Errorf("'%s' in %s - %w", sig, m.BaseName, ErrNotFound)
	}

	return m.Base + uint64(i), nil
}

// ModuleAll returns the address of every match of sig in the image
// of a module loaded by pid.
func (o *Scanner) ModuleAll(pid uint64, module string, sig pattern.Signature) ([]uint64, error) {
	image, m, err := o.moduleImage(pid, module)
	if err != nil {
		return nil, err
	}

	var addrs []uint64
	for _, i := range sig.IndexAll(image) {
		addrs = append(addrs, m.Base+uint64(i))
	}

	return addrs, nil
}

func (o *Scanner) moduleImage(pid uint64, module string) ([]byte, process.Module, error) {
	m, err := o.Resolver.ResolveModule(pid, module)
	if err != nil {
		return nil, process.Module{}, err
	}

	if m.Size == 0 {
		return nil, process.Module{}, fmt.Errorf("module %s has a size of zero", m.BaseName)
	}

	space, err := o.Resolver.Space(pid)
	if err != nil {
		return nil, process.Module{}, err
	}

	image := make([]byte, m.Size)
	err = space.Read(m.Base, image)
	if err != nil {
		return nil, process.Module{}, fmt.Errorf("failed to read image of %s - %w", m.BaseName, err)
	}

	return image, m, nil
}

// Process returns the address of the first match of sig in the
// committed memory of pid.
func (o *Scanner) Process(pid uint64, sig pattern.Signature) (uint64, error) {
	var found uint64
	var ok bool

	err := o.walkCommitted(pid, func(base uint64, data []byte) bool {
		i := sig.Index(data)
		if i < 0 {
			return true
		}

		found = base + uint64(i)
		ok = true
		return false
	})
	if err != nil {
		return 0, err
	}

	if !ok {
		return 0, fmt.Errorf("'%s' in process %d - %w", sig, pid, ErrNotFound)
	}

	return found, nil
}

// ProcessAll returns the address of every match of sig in the
// committed memory of pid, in ascending order.
func (o *Scanner) ProcessAll(pid uint64, sig pattern.Signature) ([]uint64, error) {
	var addrs []uint64

	err := o.walkCommitted(pid, func(base uint64, data []byte) bool {
		for _, i := range sig.IndexAll(data) {
			addrs = append(addrs, base+uint64(i))
		}

		return true
	})
	if err != nil {
		return nil, err
	}

	return addrs, nil
}

// Regions returns every region of pid's user address space.
func (o *Scanner) Regions(pid uint64) ([]channel.MemoryBasicInformation, error) {
	eprocess, err := o.Resolver.ResolveProcess(pid)
	if err != nil {
		return nil, err
	}

	var regions []channel.MemoryBasicInformation

	o.walkRegions(eprocess, func(info channel.MemoryBasicInformation) bool {
		regions = append(regions, info)
		return true
	})

	return regions, nil
}

// walkRegions queries regions from address zero until a query fails
// or fn returns false.
func (o *Scanner) walkRegions(eprocess uint64, fn func(channel.MemoryBasicInformation) bool) {
	var addr uint64

	for {
		info, err := channel.QueryVirtual(o.Invoker, eprocess, addr)
		if err != nil {
			return
		}

		next := info.BaseAddress + info.RegionSize
		if next <= addr {
			return
		}

		if !fn(info) {
			return
		}

		addr = next
	}
}

// walkCommitted reads each committed region of pid and passes it to
// fn. Only one region is held in memory at a time. Regions that
// cannot be read are skipped.
func (o *Scanner) walkCommitted(pid uint64, fn func(base uint64, data []byte) bool) error {
	eprocess, err := o.Resolver.ResolveProcess(pid)
	if err != nil {
		return err
	}

	space := memory.AttachSpace{
		Invoker: o.Invoker,
		Process: eprocess,
		Method:  memory.MethodSafeCopy,
	}

	var walkErr error

	o.walkRegions(eprocess, func(info channel.MemoryBasicInformation) bool {
		if !info.Committed() {
			return true
		}

		if info.RegionSize > o.maxRegionSize() {
			if o.SkipOversized {
				o.logf("scan: skipping 0x%x byte region at 0x%x", info.RegionSize, info.BaseAddress)
				return true
			}

			walkErr = fmt.Errorf("0x%x byte region at 0x%x exceeds 0x%x bytes - %w",
				info.RegionSize, info.BaseAddress, o.maxRegionSize(), ErrRegionTooLarge)
			return false
		}

		data := make([]byte, info.RegionSize)
		err := space.Read(info.BaseAddress, data)
		if err != nil {
			o.logf("scan: skipping unreadable region at 0x%x - %s", info.BaseAddress, err)
			return true
		}

		return fn(info.BaseAddress, data)
	})

	return walkErr
}

func (o *Scanner) logf(format string, v ...interface{}) {
	if o.OptLogger != nil {
		o.OptLogger.Printf(format, v...)
	}
}
