// Package session ties the packages of this module together.
//
// A Session owns a channel, the physical memory window mapped through
// it, and the process resolver and scanner built on that window. It is
// built once by Open and every operation hangs off of it, so any number
// of sessions (for example, one per memory image) can exist in one
// program.
package session

import (
	"fmt"
	"log"

	"gitlab.com/stephen-fox/physkit/channel"
	"gitlab.com/stephen-fox/physkit/memory"
	"gitlab.com/stephen-fox/physkit/physmap"
	"gitlab.com/stephen-fox/physkit/process"
	"gitlab.com/stephen-fox/physkit/scan"
)

// DefaultExitFn is invoked by functions and methods ending in
// the "OrExit" suffix when an error occurs.
var DefaultExitFn = func(err error) {
	log.Fatalln(err)
}

// Options configures Open. The zero value is valid.
type Options struct {
	// PreferredBase is passed to the map command.
	PreferredBase uint64

	// MaxRegionSize and SkipOversized configure the scanner.
	// See scan.Scanner.
	MaxRegionSize uint64
	SkipOversized bool

	// OptLogger, when non-nil, is given to every component
	// of the session.
	OptLogger *log.Logger
}

func (o Options) validate() error {
	if o.MaxRegionSize != 0 && o.MaxRegionSize < 0x1000 {
		return fmt.Errorf("max region size must be at least one page (0x1000) - it is 0x%x",
			o.MaxRegionSize)
	}

	return nil
}

// Open creates a channel that resolves its dispatcher with resolveFn,
// maps physical memory through it, and builds a Session.
func Open(resolveFn channel.ResolveFn, options Options) (*Session, error) {
	err := options.validate()
	if err != nil {
		return nil, fmt.Errorf("failed to validate options - %w", err)
	}

	ch := channel.New(resolveFn)
	ch.OptLogger = options.OptLogger

	w, err := physmap.Map(ch, options.PreferredBase)
	if err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("failed to map physical memory - %w", err)
	}

	w.OptLogger = options.OptLogger

	s := &Session{
		Channel: ch,
		Window:  w,
		options: options,
	}

	s.build()

	return s, nil
}

// OpenOrExit calls Open. It calls DefaultExitFn if an error occurs.
func OpenOrExit(resolveFn channel.ResolveFn, options Options) *Session {
	s, err := Open(resolveFn, options)
	if err != nil {
		DefaultExitFn(fmt.Errorf("failed to open session - %w", err))
	}

	return s
}

// OpenDispatcher calls Open with a dispatcher that is already known.
func OpenDispatcher(d channel.Dispatcher, options Options) (*Session, error) {
	return Open(func() (channel.Dispatcher, error) {
		return d, nil
	}, options)
}

// Session is the context of every operation on one target.
type Session struct {
	Channel  *channel.Channel
	Window   *physmap.Window
	Resolver *process.Resolver
	Scanner  *scan.Scanner

	options Options
}

func (o *Session) build() {
	o.Resolver = process.NewResolver(o.Window)
	o.Resolver.OptLogger = o.options.OptLogger

	o.Scanner = &scan.Scanner{
		Invoker:       o.Channel,
		Resolver:      o.Resolver,
		MaxRegionSize: o.options.MaxRegionSize,
		SkipOversized: o.options.SkipOversized,
		OptLogger:     o.options.OptLogger,
	}
}

// Remap repeats the map command and rebuilds the resolver and the
// scanner from the new mapping information.
func (o *Session) Remap() error {
	err := o.Window.Remap(o.options.PreferredBase)
	if err != nil {
		return err
	}

	o.build()

	return nil
}

// Space returns the page table based address space of pid.
func (o *Session) Space(pid uint64) (memory.AddressSpace, error) {
	return o.Resolver.Space(pid)
}

// AttachSpace returns an address space of pid that is accessed with
// process memory commands instead of page table walks.
func (o *Session) AttachSpace(pid uint64, method memory.Method) (memory.AttachSpace, error) {
	if method == memory.MethodDir {
		cr3, err := o.Resolver.ResolveCR3(pid)
		if err != nil {
			return memory.AttachSpace{}, err
		}

		return memory.AttachSpace{
			Invoker: o.Channel,
			Process: cr3,
			Method:  method,
		}, nil
	}

	eprocess, err := o.Resolver.ResolveProcess(pid)
	if err != nil {
		return memory.AttachSpace{}, err
	}

	return memory.AttachSpace{
		Invoker: o.Channel,
		Process: eprocess,
		Method:  method,
	}, nil
}

// Close closes the physical memory window and then the channel.
// Operations on a closed session fail instead of touching memory
// that the dispatcher released.
func (o *Session) Close() error {
	_ = o.Window.Close()

	return o.Channel.Close()
}
