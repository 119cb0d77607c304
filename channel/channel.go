// Package channel implements the synchronous command channel that every
// other package uses to reach privileged state.
//
// A command is a CommandRecord: an Opcode, an input value, a reference
// value that receives output (or supplies data for writes), and the
// resulting Status. Records are built on the stack for each call by
// Channel.Invoke and handed to a Dispatcher, which performs the operation
// and sets the Status. Callers use the typed wrappers in this package
// (ReadPhysical, MapAllPhysicalMemory, and so on) rather than building
// records themselves.
//
// The dispatcher is resolved lazily the first time a Channel is used.
// If resolution fails, the failure is terminal: the Channel never tries
// again, and every call returns StatusPrimitiveUnavailable.
package channel

import (
	"fmt"
	"io"
	"log"
	"sync"
)

// CommandRecord is built for one call and discarded afterwards.
type CommandRecord struct {
	Opcode Opcode
	Input  interface{}
	Ref    interface{}
	Status Status
}

// Dispatcher performs the operation described by a record and stores
// the result in rec.Status. Dispatch blocks until the operation is done.
type Dispatcher interface {
	Dispatch(rec *CommandRecord)
}

// DispatcherFunc adapts a function to the Dispatcher interface.
type DispatcherFunc func(rec *CommandRecord)

func (o DispatcherFunc) Dispatch(rec *CommandRecord) {
	o(rec)
}

// Invoker turns (opcode, input, ref) into a status.
type Invoker interface {
	Invoke(op Opcode, in interface{}, ref interface{}) Status
}

// PhysicalViewer is implemented by dispatchers that can expose all of
// physical memory as a byte slice, where the slice index is the
// physical address. writable is false if the slice must not be
// written to.
type PhysicalViewer interface {
	PhysicalView() (view []byte, writable bool)
}

// ResolveFn returns the dispatcher that a Channel forwards records to.
type ResolveFn func() (Dispatcher, error)

// New returns a Channel that resolves its dispatcher with resolveFn the
// first time it is used.
func New(resolveFn ResolveFn) *Channel {
	return &Channel{
		resolveFn: resolveFn,
	}
}

// FromDispatcher returns a Channel with an already-resolved dispatcher.
func FromDispatcher(d Dispatcher) *Channel {
	return New(func() (Dispatcher, error) {
		return d, nil
	})
}

// Channel owns one dispatcher. Invoke calls are serialized; a Channel
// is safe for use by multiple goroutines, but only one command
// runs at a time.
type Channel struct {
	// OptLogger logs every command and its status when non-nil.
	OptLogger *log.Logger

	resolveFn ResolveFn
	mu        sync.Mutex
	resolved  bool
	d         Dispatcher
	err       error
}

func (o *Channel) resolveLocked() {
	if o.resolved {
		return
	}
	o.resolved = true

	if o.resolveFn == nil {
		o.err = fmt.Errorf("%w - no resolve function was provided", ErrPrimitiveUnavailable)
		return
	}

	d, err := o.resolveFn()
	switch {
	case err != nil:
		o.err = fmt.Errorf("%w - %w", ErrPrimitiveUnavailable, err)
	case d == nil:
		o.err = fmt.Errorf("%w - resolve function returned a nil dispatcher", ErrPrimitiveUnavailable)
	default:
		o.d = d
	}

	if o.err != nil && o.OptLogger != nil {
		o.OptLogger.Printf("channel: %s", o.err)
	}
}

// Err resolves the dispatcher if that has not happened yet and
// returns the terminal resolution error, if any.
func (o *Channel) Err() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.resolveLocked()
	return o.err
}

// Dispatcher returns the resolved dispatcher.
func (o *Channel) Dispatcher() (Dispatcher, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.resolveLocked()
	return o.d, o.err
}

// Invoke builds a CommandRecord and dispatches it.
func (o *Channel) Invoke(op Opcode, in interface{}, ref interface{}) Status {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.resolveLocked()
	if o.err != nil {
		return StatusPrimitiveUnavailable
	}

	rec := CommandRecord{
		Opcode: op,
		Input:  in,
		Ref:    ref,
	}

	o.d.Dispatch(&rec)

	if o.OptLogger != nil {
		o.OptLogger.Printf("channel: %s -> %s", op, rec.Status)
	}

	return rec.Status
}

// Close closes the dispatcher if it implements io.Closer.
func (o *Channel) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.d == nil {
		return nil
	}

	closer, ok := o.d.(io.Closer)
	if !ok {
		return nil
	}

	return closer.Close()
}
