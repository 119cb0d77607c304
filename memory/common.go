package memory

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log"
)

const pageSize = 0x1000

var (
	// DefaultExitFn is invoked by functions and methods ending in
	// the "OrExit" suffix when an error occurs.
	DefaultExitFn = func(err error) {
		log.Fatalln(err)
	}

	// ErrPartialTransfer means a read or write could not transfer
	// the entire requested range.
	ErrPartialTransfer = errors.New("memory transfer did not complete")
)

// Space abstracts a virtual address space.
type Space interface {
	// Read reads len(p) bytes starting at va.
	Read(va uint64, p []byte) error

	// Write writes p starting at va.
	Write(va uint64, p []byte) error
}

// TransferError describes a failed transfer.
type TransferError struct {
	// Write is true if the failed transfer was a write.
	Write bool

	// Address and Size describe the requested range.
	Address uint64
	Size    int

	// FailedAt is the virtual address of the chunk that failed.
	FailedAt uint64

	// Done is the number of bytes that were transferred before the
	// failure. It is always zero for reads.
	Done int

	Err error
}

func (o *TransferError) Error() string {
	kind := "read"
	if o.Write {
		kind = "write"
	}

	return fmt.Sprintf("failed to %s 0x%x bytes at 0x%x (chunk at 0x%x, %d bytes done) - %s",
		kind, o.Size, o.Address, o.FailedAt, o.Done, o.Err)
}

func (o *TransferError) Unwrap() []error {
	return []error{ErrPartialTransfer, o.Err}
}

// chunk is the part of a transfer that lies within one page.
type chunk struct {
	va  uint64
	off int
	n   int
}

// chunks splits [va, va+size) at page boundaries.
func chunks(va uint64, size int) []chunk {
	var result []chunk

	for off := 0; off < size; {
		cur := va + uint64(off)
		n := pageSize - int(cur%pageSize)
		if n > size-off {
			n = size - off
		}

		result = append(result, chunk{va: cur, off: off, n: n})
		off += n
	}

	return result
}

// ReadUint64 reads a little endian uint64 at va.
func ReadUint64(s Space, va uint64) (uint64, error) {
	var b [8]byte
	err := s.Read(va, b[:])
	if err != nil {
		return 0, err
	}

	return binary.LittleEndian.Uint64(b[:]), nil
}

// ReadUint32 reads a little endian uint32 at va.
func ReadUint32(s Space, va uint64) (uint32, error) {
	var b [4]byte
	err := s.Read(va, b[:])
	if err != nil {
		return 0, err
	}

	return binary.LittleEndian.Uint32(b[:]), nil
}

// ReadUint16 reads a little endian uint16 at va.
func ReadUint16(s Space, va uint64) (uint16, error) {
	var b [2]byte
	err := s.Read(va, b[:])
	if err != nil {
		return 0, err
	}

	return binary.LittleEndian.Uint16(b[:]), nil
}

// WriteUint64 writes v at va in little endian byte order.
func WriteUint64(s Space, va uint64, v uint64) error {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	return s.Write(va, b[:])
}

// ReadChain follows a chain of pointers. Starting at base, it
// replaces the current address with the pointer stored at current
// address + offset, once per offset, and returns the final address.
//
// For example, ReadChain(s, peb, 0x18, 0x10) returns the value of
// the pointer at (value of the pointer at peb+0x18)+0x10.
func ReadChain(s Space, base uint64, offsets ...uint64) (uint64, error) {
	cur := base

	for i, offset := range offsets {
		next, err := ReadUint64(s, cur+offset)
		if err != nil {
			return 0, fmt.Errorf("failed to follow pointer %d at 0x%x - %w", i, cur+offset, err)
		}

		cur = next
	}

	return cur, nil
}
