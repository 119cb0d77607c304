package memory

import (
	"fmt"

	"gitlab.com/stephen-fox/physkit/channel"
)

// Method selects the process memory commands used by an AttachSpace.
type Method int

const (
	// MethodAttach uses the attach variants of the read and write
	// commands.
	MethodAttach Method = iota

	// MethodCopy uses the plain read and write commands.
	MethodCopy

	// MethodSafeCopy uses the probing read and write commands.
	MethodSafeCopy

	// MethodDir uses the directory table commands. The Process field
	// of the AttachSpace is a page table root instead of an EPROCESS.
	MethodDir
)

func (o Method) String() string {
	switch o {
	case MethodAttach:
		return "attach"
	case MethodCopy:
		return "copy"
	case MethodSafeCopy:
		return "safe-copy"
	case MethodDir:
		return "dir"
	default:
		return fmt.Sprintf("method(%d)", int(o))
	}
}

// ParseMethod returns the Method named by str.
func ParseMethod(str string) (Method, error) {
	for _, m := range []Method{MethodAttach, MethodCopy, MethodSafeCopy, MethodDir} {
		if m.String() == str {
			return m, nil
		}
	}

	return 0, fmt.Errorf("unknown memory access method: '%s'", str)
}

type transferFn func(inv channel.Invoker, target uint64, address uint64, p []byte) error

func (o Method) fns() (transferFn, transferFn, error) {
	switch o {
	case MethodAttach:
		return channel.ReadProcessMemoryAttach, channel.WriteProcessMemoryAttach, nil
	case MethodCopy:
		return channel.ReadProcessMemory, channel.WriteProcessMemory, nil
	case MethodSafeCopy:
		return channel.SafeReadProcessMemory, channel.SafeWriteProcessMemory, nil
	case MethodDir:
		return channel.ReadProcessMemoryDir, channel.WriteProcessMemoryDir, nil
	default:
		return nil, nil, fmt.Errorf("unsupported memory access method: %s", o)
	}
}

// AttachSpace accesses a process's memory with process memory
// commands, one command per page.
type AttachSpace struct {
	Invoker channel.Invoker
	Process uint64
	Method  Method
}

// Read reads len(p) bytes starting at va. p is not modified if
// an error occurs.
func (o AttachSpace) Read(va uint64, p []byte) error {
	if len(p) == 0 {
		return nil
	}

	readFn, _, err := o.Method.fns()
	if err != nil {
		return err
	}

	scratch := make([]byte, len(p))

	for _, c := range chunks(va, len(p)) {
		err := readFn(o.Invoker, o.Process, c.va, scratch[c.off:c.off+c.n])
		if err != nil {
			return &TransferError{
				Address:  va,
				Size:     len(p),
				FailedAt: c.va,
				Err:      err,
			}
		}
	}

	copy(p, scratch)

	return nil
}

// Write writes p starting at va. Pages are written in order, and
// the write stops at the first page that fails.
func (o AttachSpace) Write(va uint64, p []byte) error {
	if len(p) == 0 {
		return nil
	}

	_, writeFn, err := o.Method.fns()
	if err != nil {
		return err
	}

	done := 0
	for _, c := range chunks(va, len(p)) {
		err := writeFn(o.Invoker, o.Process, c.va, p[c.off:c.off+c.n])
		if err != nil {
			return &TransferError{
				Write:    true,
				Address:  va,
				Size:     len(p),
				FailedAt: c.va,
				Done:     done,
				Err:      err,
			}
		}

		done += c.n
	}

	return nil
}
