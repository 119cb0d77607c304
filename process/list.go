package process

import (
	"fmt"
	"strings"

	"gitlab.com/stephen-fox/physkit/handletable"
)

// Info summarizes a process found in the CID table.
type Info struct {
	PID         uint64
	EPROCESS    uint64
	CR3         uint64
	SectionBase uint64
	PEB         uint64
	ExitStatus  uint32
	Name        string
}

// Running reports whether the process has not exited.
func (o Info) Running() bool {
	return o.ExitStatus == StillActive
}

// List returns every process in the CID table, ordered by PID.
//
// The CID table holds both processes and threads. An entry is
// treated as a process when the UniqueProcessId field of its object
// equals its handle.
func (o *Resolver) List() ([]Info, error) {
	var procs []Info
	var readErr error

	err := o.Decoder.Enumerate(o.Info.HandleTableRoot, func(e handletable.Entry) bool {
		info, isProc, err := o.describe(e)
		if err != nil {
			readErr = err
			return false
		}

		if isProc {
			procs = append(procs, info)
		}

		return true
	})
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate cid table - %w", err)
	}

	if readErr != nil {
		return nil, readErr
	}

	return procs, nil
}

// ListOrExit calls List. It calls DefaultExitFn if an error occurs.
func (o *Resolver) ListOrExit() []Info {
	procs, err := o.List()
	if err != nil {
		DefaultExitFn(err)
	}
	return procs
}

func (o *Resolver) describe(e handletable.Entry) (Info, bool, error) {
	pid, err := o.System.Uint64(e.Object + o.Offsets.UniqueProcessID)
	if err != nil {
		return Info{}, false, fmt.Errorf("failed to read unique process id of object 0x%x - %w", e.Object, err)
	}

	if pid != e.Handle {
		return Info{}, false, nil
	}

	info := Info{
		PID:      pid,
		EPROCESS: e.Object,
	}

	fields := []struct {
		offset uint64
		dst    *uint64
	}{
		{offset: o.Offsets.DirectoryTableBase, dst: &info.CR3},
		{offset: o.Offsets.SectionBaseAddress, dst: &info.SectionBase},
		{offset: o.Offsets.Peb, dst: &info.PEB},
	}

	for _, f := range fields {
		*f.dst, err = o.System.Uint64(e.Object + f.offset)
		if err != nil {
			return Info{}, false, fmt.Errorf("failed to read field at +0x%x of process %d - %w", f.offset, pid, err)
		}
	}

	info.ExitStatus, err = o.System.Uint32(e.Object + o.Offsets.ExitStatus)
	if err != nil {
		return Info{}, false, fmt.Errorf("failed to read exit status of process %d - %w", pid, err)
	}

	info.Name, err = o.imageFileName(e.Object)
	if err != nil {
		return Info{}, false, fmt.Errorf("failed to read name of process %d - %w", pid, err)
	}

	return info, true, nil
}

// FindByName returns the first running process whose image file
// name matches name, ignoring case. The kernel only stores the first
// 15 characters of the name, so longer names are compared by prefix.
func (o *Resolver) FindByName(name string) (Info, error) {
	procs, err := o.List()
	if err != nil {
		return Info{}, err
	}

	for _, p := range procs {
		if p.Running() && nameMatches(p.Name, name) {
			return p, nil
		}
	}

	return Info{}, fmt.Errorf("no running process named '%s' - %w", name, ErrProcessNotFound)
}

// FindByNameOrExit calls FindByName. It calls DefaultExitFn
// if an error occurs.
func (o *Resolver) FindByNameOrExit(name string) Info {
	p, err := o.FindByName(name)
	if err != nil {
		DefaultExitFn(err)
	}
	return p
}

func nameMatches(stored string, name string) bool {
	if len(stored) == 0 {
		return false
	}

	if len(name) > len(stored) && len(stored) >= imageFileNameLen-1 {
		name = name[:len(stored)]
	}

	return strings.EqualFold(stored, name)
}
