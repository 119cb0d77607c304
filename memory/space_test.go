package memory

import (
	"bytes"
	"errors"
	"testing"

	"gitlab.com/stephen-fox/physkit/internal/phystest"
	"gitlab.com/stephen-fox/physkit/paging"
)

func TestAddressSpace_ReadAcrossPages(t *testing.T) {
	mem := phystest.NewMemory()
	test := phystest.NewAddressSpace(mem)

	va := uint64(0x7ff600001000)
	// Map the pages out of order so the physical pages are not
	// contiguous.
	test.Map4K(va+0x1000, mem.AllocPage())
	mem.AllocPage()
	test.Map4K(va, mem.AllocPage())

	exp := bytes.Repeat([]byte("0123456789abcdef"), 0x20)
	test.Write(va+0x1000-0x100, exp)

	space := AddressSpace{Phys: mem, Root: test.Root}

	got := make([]byte, len(exp))
	err := space.Read(va+0x1000-0x100, got)
	if err != nil {
		t.Fatal(err)
	}

	if !bytes.Equal(got, exp) {
		t.Fatalf("expected %q - got %q", exp, got)
	}
}

func TestAddressSpace_ReadSecondPageInvalid(t *testing.T) {
	mem := phystest.NewMemory()
	test := phystest.NewAddressSpace(mem)

	va := uint64(0x10000)
	test.Alloc(va, 0x2000)
	test.Write(va, bytes.Repeat([]byte{0x41}, 0x1000))
	test.Unmap4K(va + 0x1000)

	space := AddressSpace{Phys: mem, Root: test.Root}

	dst := bytes.Repeat([]byte{0xcc}, 0x2000)
	err := space.Read(va, dst)
	if !errors.Is(err, ErrPartialTransfer) {
		t.Fatalf("expected ErrPartialTransfer - got %v", err)
	}

	if !errors.Is(err, paging.ErrNotMapped) {
		t.Fatalf("expected the translation error to be wrapped - got %v", err)
	}

	var transferErr *TransferError
	if !errors.As(err, &transferErr) {
		t.Fatalf("expected a *TransferError - got %T", err)
	}

	if transferErr.FailedAt != va+0x1000 {
		t.Fatalf("expected failure at 0x%x - got 0x%x", va+0x1000, transferErr.FailedAt)
	}

	if !bytes.Equal(dst, bytes.Repeat([]byte{0xcc}, 0x2000)) {
		t.Fatal("expected destination to be untouched")
	}

	// The first page on its own is still readable.
	first := make([]byte, 0x1000)
	err = space.Read(va, first)
	if err != nil {
		t.Fatal(err)
	}

	if !bytes.Equal(first, bytes.Repeat([]byte{0x41}, 0x1000)) {
		t.Fatal("expected first page to match")
	}
}

func TestAddressSpace_WriteIsAllOrNothing(t *testing.T) {
	mem := phystest.NewMemory()
	test := phystest.NewAddressSpace(mem)

	va := uint64(0x20000)
	test.Alloc(va, 0x2000)
	test.Unmap4K(va + 0x1000)

	space := AddressSpace{Phys: mem, Root: test.Root}

	err := space.Write(va+0xff0, bytes.Repeat([]byte{0x42}, 0x20))
	if !errors.Is(err, ErrPartialTransfer) {
		t.Fatalf("expected ErrPartialTransfer - got %v", err)
	}

	got := make([]byte, 0x10)
	test.Read(va+0xff0, got)
	if !bytes.Equal(got, make([]byte, 0x10)) {
		t.Fatalf("expected first page to be unmodified - got %x", got)
	}
}

func TestAddressSpace_WriteThenRead(t *testing.T) {
	mem := phystest.NewMemory()
	test := phystest.NewAddressSpace(mem)

	va := uint64(0xfffff80000400000)
	test.Alloc(va, 0x3000)

	space := AddressSpace{Phys: mem, Root: test.Root}

	exp := bytes.Repeat([]byte("physkit!"), 0x300)
	err := space.Write(va+0x10, exp)
	if err != nil {
		t.Fatal(err)
	}

	got := make([]byte, len(exp))
	test.Read(va+0x10, got)
	if !bytes.Equal(got, exp) {
		t.Fatal("expected test address space to observe the write")
	}

	err = space.PutUint64(va, 0xdeadbeefcafebabe)
	if err != nil {
		t.Fatal(err)
	}

	v, err := space.Uint64(va)
	if err != nil {
		t.Fatal(err)
	}

	if v != 0xdeadbeefcafebabe {
		t.Fatalf("expected 0xdeadbeefcafebabe - got 0x%x", v)
	}
}

func TestAddressSpace_ReadChain(t *testing.T) {
	mem := phystest.NewMemory()
	test := phystest.NewAddressSpace(mem)

	base := uint64(0x30000)
	test.Alloc(base, 0x3000)

	test.PutUint64(base+0x18, base+0x1000)
	test.PutUint64(base+0x1000+0x10, base+0x2000)
	test.PutUint32(base+0x2000+0x30, 0x1337)

	space := AddressSpace{Phys: mem, Root: test.Root}

	addr, err := space.ReadChain(base, 0x18, 0x10)
	if err != nil {
		t.Fatal(err)
	}

	if addr != base+0x2000 {
		t.Fatalf("expected 0x%x - got 0x%x", base+0x2000, addr)
	}

	v, err := space.Uint32(addr + 0x30)
	if err != nil {
		t.Fatal(err)
	}

	if v != 0x1337 {
		t.Fatalf("expected 0x1337 - got 0x%x", v)
	}

	_, err = space.ReadChain(base, 0x18, 0x10, 0x0)
	if err != nil {
		t.Fatal(err)
	}

	test.PutUint64(base+0x2000, 0x0000700000000000)
	_, err = space.ReadChain(base, 0x18, 0x10, 0x0, 0x0)
	if !errors.Is(err, paging.ErrNotMapped) {
		t.Fatalf("expected ErrNotMapped - got %v", err)
	}
}

func TestAddressSpace_ReadOnlyPhysicalMemory(t *testing.T) {
	mem := phystest.NewMemory()
	test := phystest.NewAddressSpace(mem)
	test.Alloc(0x1000, 0x1000)

	space := AddressSpace{Phys: bytes.NewReader(mem.Bytes()), Root: test.Root}

	err := space.Write(0x1000, []byte{1})
	if err == nil {
		t.Fatal("expected write to read-only physical memory to fail")
	}
}

type failingPage struct {
	*phystest.Memory
	page uint64
}

func (o failingPage) ReadAt(p []byte, off int64) (int, error) {
	if uint64(off)&^0xfff == o.page {
		for i := range p {
			p[i] = 0xcc
		}

		return len(p) / 2, errors.New("device error")
	}

	return o.Memory.ReadAt(p, off)
}

func TestAddressSpace_ReadFailureKeepsBuffer(t *testing.T) {
	mem := phystest.NewMemory()
	test := phystest.NewAddressSpace(mem)
	test.Alloc(0x1000, 0x1000)

	space := AddressSpace{
		Phys: failingPage{Memory: mem, page: test.Physical(0x1000)},
		Root: test.Root,
	}

	got := []byte("untouched")
	err := space.Read(0x1010, got)
	if err == nil {
		t.Fatal("expected the read to fail")
	}

	if string(got) != "untouched" {
		t.Fatalf("expected the buffer to be unmodified - got %q", got)
	}
}
