// Package physmap establishes the window over physical memory that the
// page table walker, the memory accessor and the handle table decoder
// read through.
//
// Map asks the channel's dispatcher to map all of physical memory and
// returns a Window. The Window carries the kernel anchors reported by
// the dispatcher (the CID handle table and the system page table root)
// and the version dependent EPROCESS offsets for the reported build.
//
// When the dispatcher can expose physical memory as a byte slice
// (channel.PhysicalViewer), the Window reads and writes that slice
// directly. Writes to a read-only view fail with ErrReadOnly. Otherwise
// every access is a physical read or write command.
package physmap

import (
	"errors"
	"fmt"
	"log"
	"sync"

	"gitlab.com/stephen-fox/physkit/channel"
	"gitlab.com/stephen-fox/physkit/winver"
)

var (
	// ErrNotMapped means the dispatcher reported a zero mapped base.
	ErrNotMapped = errors.New("physical memory is not mapped")

	// ErrOutOfRange is returned when a direct view access falls
	// outside of the mapped physical memory.
	ErrOutOfRange = errors.New("physical address is outside of the mapped window")

	// ErrReadOnly is returned when writing to a direct view that
	// the dispatcher reported as read-only.
	ErrReadOnly = errors.New("physical memory view is read-only")

	// ErrClosed is returned by accesses to a closed window.
	ErrClosed = errors.New("physical memory window is closed")
)

// dispatcherSource is implemented by *channel.Channel.
type dispatcherSource interface {
	Dispatcher() (channel.Dispatcher, error)
}

// Window is a mapping of all of physical memory. It implements
// io.ReaderAt and io.WriterAt, where offsets are physical addresses.
type Window struct {
	// OptLogger, when non-nil, logs mapping events.
	OptLogger *log.Logger

	inv     channel.Invoker
	mu      sync.RWMutex
	info    channel.MapInfo
	offsets winver.Offsets
	view    []byte

	// writable applies to view only.
	writable bool
	closed   bool
}

// Map maps all of physical memory, preferably at preferredBase.
func Map(inv channel.Invoker, preferredBase uint64) (*Window, error) {
	w := &Window{
		inv: inv,
	}

	err := w.Remap(preferredBase)
	if err != nil {
		return nil, err
	}

	return w, nil
}

// MapOrExit calls Map. It calls DefaultExitFn if an error occurs.
func MapOrExit(inv channel.Invoker, preferredBase uint64) *Window {
	w, err := Map(inv, preferredBase)
	if err != nil {
		DefaultExitFn(fmt.Errorf("failed to map physical memory - %w", err))
	}

	return w
}

// DefaultExitFn is the function called by the OrExit functions
// when an error occurs.
var DefaultExitFn = func(err error) {
	log.Fatalln(err)
}

// Remap repeats the mapping command and replaces the window's
// information with the result. The window is left unchanged
// if remapping fails.
func (o *Window) Remap(preferredBase uint64) error {
	o.mu.RLock()
	closed := o.closed
	o.mu.RUnlock()

	if closed {
		return ErrClosed
	}

	info, err := channel.MapAllPhysicalMemory(o.inv, preferredBase)
	if err != nil {
		return fmt.Errorf("failed to map all physical memory - %w", err)
	}

	if info.MappedBase == 0 {
		return ErrNotMapped
	}

	offsets, err := winver.OffsetsFor(uint32(info.BuildNumber))
	if err != nil {
		return fmt.Errorf("failed to resolve offsets for build %d - %w", info.BuildNumber, err)
	}

	offsets = offsets.Merge(winver.Offsets{
		SectionBaseAddress: info.SectionBaseOffset,
		ExitStatus:         info.ExitStatusOffset,
	})

	view, writable := o.directView()

	o.mu.Lock()
	o.info = info
	o.offsets = offsets
	o.view = view
	o.writable = writable
	o.mu.Unlock()

	if o.OptLogger != nil {
		mode := "command"
		if view != nil {
			mode = "direct"
			if !writable {
				mode = "read-only direct"
			}
		}

		o.OptLogger.Printf("physmap: mapped at 0x%x (%s view, build %d, handle table 0x%x, system cr3 0x%x)",
			info.MappedBase, mode, info.BuildNumber, info.HandleTableRoot, info.SystemCR3)
	}

	return nil
}

func (o *Window) directView() ([]byte, bool) {
	if viewer, ok := o.inv.(channel.PhysicalViewer); ok {
		return viewer.PhysicalView()
	}

	source, ok := o.inv.(dispatcherSource)
	if !ok {
		return nil, false
	}

	d, err := source.Dispatcher()
	if err != nil {
		return nil, false
	}

	if viewer, ok := d.(channel.PhysicalViewer); ok {
		return viewer.PhysicalView()
	}

	return nil, false
}

// Info returns the information reported by the most recent mapping.
func (o *Window) Info() channel.MapInfo {
	o.mu.RLock()
	defer o.mu.RUnlock()

	return o.info
}

// Offsets returns the EPROCESS offsets for the mapped build.
func (o *Window) Offsets() winver.Offsets {
	o.mu.RLock()
	defer o.mu.RUnlock()

	return o.offsets
}

// Invoker returns the invoker the window was mapped with.
func (o *Window) Invoker() channel.Invoker {
	return o.inv
}

// Direct reports whether accesses go straight to a byte view.
func (o *Window) Direct() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()

	return o.view != nil
}

func (o *Window) ReadAt(p []byte, off int64) (int, error) {
	o.mu.RLock()
	view := o.view
	closed := o.closed
	o.mu.RUnlock()

	if closed {
		return 0, ErrClosed
	}

	if view == nil {
		err := channel.ReadPhysical(o.inv, uint64(off), p)
		if err != nil {
			return 0, err
		}

		return len(p), nil
	}

	if off < 0 || uint64(off)+uint64(len(p)) > uint64(len(view)) {
		return 0, fmt.Errorf("failed to read 0x%x bytes at 0x%x - %w", len(p), off, ErrOutOfRange)
	}

	return copy(p, view[off:]), nil
}

func (o *Window) WriteAt(p []byte, off int64) (int, error) {
	o.mu.RLock()
	view := o.view
	writable := o.writable
	closed := o.closed
	o.mu.RUnlock()

	if closed {
		return 0, ErrClosed
	}

	if view == nil {
		err := channel.WritePhysical(o.inv, uint64(off), p)
		if err != nil {
			return 0, err
		}

		return len(p), nil
	}

	if off < 0 || uint64(off)+uint64(len(p)) > uint64(len(view)) {
		return 0, fmt.Errorf("failed to write 0x%x bytes at 0x%x - %w", len(p), off, ErrOutOfRange)
	}

	if !writable {
		return 0, fmt.Errorf("failed to write 0x%x bytes at 0x%x - %w", len(p), off, ErrReadOnly)
	}

	return copy(view[off:], p), nil
}

// Close detaches the window from its view. It must be called before
// the dispatcher that owns the view is closed. Later accesses fail
// with ErrClosed. Close does not close the invoker.
func (o *Window) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.view = nil
	o.writable = false
	o.closed = true

	return nil
}
