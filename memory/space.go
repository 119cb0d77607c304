package memory

import (
	"fmt"
	"io"

	"gitlab.com/stephen-fox/physkit/paging"
)

// AddressSpace is a virtual address space defined by a page table
// root. Phys must also implement io.WriterAt for writes to work.
type AddressSpace struct {
	Phys io.ReaderAt
	Root uint64
}

// Translate returns the physical address that va maps to.
func (o AddressSpace) Translate(va uint64) (uint64, error) {
	return paging.Translate(o.Phys, o.Root, va)
}

// plan translates every chunk of [va, va+size) and returns the
// physical address of each chunk.
func (o AddressSpace) plan(va uint64, size int, write bool) ([]chunk, []uint64, error) {
	parts := chunks(va, size)
	physAddrs := make([]uint64, len(parts))

	for i, c := range parts {
		phys, err := paging.Translate(o.Phys, o.Root, c.va)
		if err != nil {
			return nil, nil, &TransferError{
				Write:    write,
				Address:  va,
				Size:     size,
				FailedAt: c.va,
				Err:      err,
			}
		}

		physAddrs[i] = phys
	}

	return parts, physAddrs, nil
}

// Read reads len(p) bytes starting at va. p is not modified
// if an error occurs.
func (o AddressSpace) Read(va uint64, p []byte) error {
	if len(p) == 0 {
		return nil
	}

	parts, physAddrs, err := o.plan(va, len(p), false)
	if err != nil {
		return err
	}

	// ReadAt may fill part of its buffer before failing.
	scratch := make([]byte, len(p))

	for i, c := range parts {
		_, err := o.Phys.ReadAt(scratch[c.off:c.off+c.n], int64(physAddrs[i]))
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

// Write writes p starting at va. Nothing is written unless every
// page of the range translates.
func (o AddressSpace) Write(va uint64, p []byte) error {
	if len(p) == 0 {
		return nil
	}

	writer, ok := o.Phys.(io.WriterAt)
	if !ok {
		return fmt.Errorf("physical memory of type %T does not support writes", o.Phys)
	}

	parts, physAddrs, err := o.plan(va, len(p), true)
	if err != nil {
		return err
	}

	done := 0
	for i, c := range parts {
		_, err := writer.WriteAt(p[c.off:c.off+c.n], int64(physAddrs[i]))
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

// ReadAt implements io.ReaderAt. off is a virtual address.
func (o AddressSpace) ReadAt(p []byte, off int64) (int, error) {
	err := o.Read(uint64(off), p)
	if err != nil {
		return 0, err
	}

	return len(p), nil
}

// WriteAt implements io.WriterAt. off is a virtual address.
func (o AddressSpace) WriteAt(p []byte, off int64) (int, error) {
	err := o.Write(uint64(off), p)
	if err != nil {
		return 0, err
	}

	return len(p), nil
}

func (o AddressSpace) Uint64(va uint64) (uint64, error) {
	return ReadUint64(o, va)
}

func (o AddressSpace) Uint32(va uint64) (uint32, error) {
	return ReadUint32(o, va)
}

func (o AddressSpace) Uint16(va uint64) (uint16, error) {
	return ReadUint16(o, va)
}

func (o AddressSpace) PutUint64(va uint64, v uint64) error {
	return WriteUint64(o, va, v)
}

// ReadChain calls ReadChain with the address space.
func (o AddressSpace) ReadChain(base uint64, offsets ...uint64) (uint64, error) {
	return ReadChain(o, base, offsets...)
}
