package handletable

import (
	"errors"
	"testing"

	"gitlab.com/stephen-fox/physkit/internal/phystest"
	"gitlab.com/stephen-fox/physkit/memory"
)

func newKernel() (*phystest.Kernel, Decoder) {
	mem := phystest.NewMemory()
	k := phystest.NewKernel(mem, 19045)

	return k, Decoder{
		Space: memory.AddressSpace{Phys: mem, Root: k.System.Root},
	}
}

func TestResolveSlot_Depth0(t *testing.T) {
	k, d := newKernel()

	ht := k.BuildHandleTable(0, 1024, map[uint64]uint64{
		4: 0xffffa00000100000,
	})

	for handle := uint64(0); handle < 1024; handle += 4 {
		slot, err := d.ResolveSlot(ht.Addr, handle)
		if err != nil {
			t.Fatalf("handle 0x%x - %s", handle, err)
		}

		exp := ht.Top + (handle/4)*0x10
		if slot != exp {
			t.Fatalf("handle 0x%x: expected slot 0x%x - got 0x%x", handle, exp, slot)
		}
	}

	_, err := d.ResolveSlot(ht.Addr, 1024)
	if !errors.Is(err, ErrHandleNotFound) {
		t.Fatalf("expected ErrHandleNotFound - got %v", err)
	}
}

func TestResolveSlot_Depth0UsesNextHandleNeedingPool(t *testing.T) {
	k, d := newKernel()

	ht := k.BuildHandleTable(0, 0x40, map[uint64]uint64{
		8: 0xffffa00000100000,
	})

	_, err := d.ResolveSlot(ht.Addr, 0x3c)
	if err != nil {
		t.Fatal(err)
	}

	_, err = d.ResolveSlot(ht.Addr, 0x40)
	if !errors.Is(err, ErrHandleNotFound) {
		t.Fatalf("expected ErrHandleNotFound - got %v", err)
	}
}

func TestResolveSlot_Depth1(t *testing.T) {
	k, d := newKernel()

	// Leaf 0, leaf 1 and leaf 5.
	handles := []uint64{0x4, 0x404, 0x1400 + 0x3fc}
	entries := make(map[uint64]uint64)
	for i, h := range handles {
		entries[h] = 0xffffa00000100000 + uint64(i)*0x1000
	}

	ht := k.BuildHandleTable(1, 0x2000, entries)

	for _, h := range handles {
		slot, err := d.ResolveSlot(ht.Addr, h)
		if err != nil {
			t.Fatalf("handle 0x%x - %s", h, err)
		}

		if slot != ht.SlotAddress(h) {
			t.Fatalf("handle 0x%x: expected slot 0x%x - got 0x%x", h, ht.SlotAddress(h), slot)
		}
	}

	// Handle 0x800 lives in leaf 2, which was never allocated.
	_, err := d.ResolveSlot(ht.Addr, 0x800)
	if !errors.Is(err, ErrHandleNotFound) {
		t.Fatalf("expected ErrHandleNotFound for a missing leaf - got %v", err)
	}
}

func TestResolveSlot_Depth1GlobalIndex(t *testing.T) {
	k, d := newKernel()

	// Global slot index s*256 + l, as a handle value.
	const s, l = 3, 17
	handle := uint64(s*256+l) * 4

	ht := k.BuildHandleTable(1, 0, map[uint64]uint64{
		handle: 0xffffa00000200000,
	})

	slot, err := d.ResolveSlot(ht.Addr, handle)
	if err != nil {
		t.Fatal(err)
	}

	exp := ht.Leaves[s] + l*0x10
	if slot != exp {
		t.Fatalf("expected slot 0x%x - got 0x%x", exp, slot)
	}
}

func TestResolveSlot_Depth2(t *testing.T) {
	k, d := newKernel()

	// The second handle lives under the second mid table.
	handles := []uint64{0x10, 256*512*4*1 + 0x404}
	entries := make(map[uint64]uint64)
	for i, h := range handles {
		entries[h] = 0xffffa00000300000 + uint64(i)*0x1000
	}

	ht := k.BuildHandleTable(2, 0, entries)

	for _, h := range handles {
		slot, err := d.ResolveSlot(ht.Addr, h)
		if err != nil {
			t.Fatalf("handle 0x%x - %s", h, err)
		}

		if slot != ht.SlotAddress(h) {
			t.Fatalf("handle 0x%x: expected slot 0x%x - got 0x%x", h, ht.SlotAddress(h), slot)
		}
	}

	// Third mid table does not exist.
	_, err := d.ResolveSlot(ht.Addr, 256*512*4*2)
	if !errors.Is(err, ErrHandleNotFound) {
		t.Fatalf("expected ErrHandleNotFound - got %v", err)
	}
}

func TestObjectPointer(t *testing.T) {
	object := uint64(0xffffa00012345670)

	got, ok := ObjectPointer(phystest.EncodeHandleEntry(object))
	if !ok {
		t.Fatal("expected slot to be in use")
	}

	if got != object {
		t.Fatalf("expected 0x%x - got 0x%x", object, got)
	}

	_, ok = ObjectPointer(0)
	if ok {
		t.Fatal("expected zero slot to be free")
	}
}

func TestObjectPointer_AttributeBits(t *testing.T) {
	object := uint64(0xffffa00012345670)

	// Every bit of the low nibble after the shift, plus the lock bit.
	slot := phystest.EncodeHandleEntry(object) | 0xf<<16 | 1

	got, ok := ObjectPointer(slot)
	if !ok {
		t.Fatal("expected slot to be in use")
	}

	if got != object {
		t.Fatalf("expected attribute bits to be cleared (0x%x) - got 0x%x", object, got)
	}
}

func TestDecoder_Object(t *testing.T) {
	k, d := newKernel()

	ht := k.BuildHandleTable(1, 0, map[uint64]uint64{
		0x1234: 0xffffa00000400000,
	})

	object, err := d.Object(ht.Addr, 0x1234)
	if err != nil {
		t.Fatal(err)
	}

	if object != 0xffffa00000400000 {
		t.Fatalf("expected 0xffffa00000400000 - got 0x%x", object)
	}

	_, err = d.Object(ht.Addr, 0x1238)
	if !errors.Is(err, ErrHandleNotFound) {
		t.Fatalf("expected ErrHandleNotFound for a free slot - got %v", err)
	}
}

func TestEnumerate(t *testing.T) {
	for depth := 0; depth <= 2; depth++ {
		k, d := newKernel()

		entries := map[uint64]uint64{
			0x4:  0xffffa00000500000,
			0x8:  0xffffa00000501000,
			0x3c: 0xffffa00000502000,
		}

		if depth > 0 {
			entries[0x2004] = 0xffffa00000503000
		}

		if depth > 1 {
			entries[256*512*4+0x8] = 0xffffa00000504000
		}

		ht := k.BuildHandleTable(depth, 0, entries)

		var handles []uint64
		err := d.Enumerate(ht.Addr, func(e Entry) bool {
			if entries[e.Handle] != e.Object {
				t.Fatalf("depth %d: handle 0x%x: expected object 0x%x - got 0x%x",
					depth, e.Handle, entries[e.Handle], e.Object)
			}

			handles = append(handles, e.Handle)
			return true
		})
		if err != nil {
			t.Fatalf("depth %d - %s", depth, err)
		}

		if len(handles) != len(entries) {
			t.Fatalf("depth %d: expected %d entries - got %x", depth, len(entries), handles)
		}

		for i := 1; i < len(handles); i++ {
			if handles[i] <= handles[i-1] {
				t.Fatalf("depth %d: expected ascending handles - got %x", depth, handles)
			}
		}
	}
}

func TestEnumerate_StopsAtFirstMatch(t *testing.T) {
	k, d := newKernel()

	ht := k.BuildHandleTable(1, 0, map[uint64]uint64{
		0x4:   0xffffa00000500000,
		0x404: 0xffffa00000501000,
		0x804: 0xffffa00000502000,
	})

	calls := 0
	err := d.Enumerate(ht.Addr, func(e Entry) bool {
		calls++
		return e.Handle != 0x404
	})
	if err != nil {
		t.Fatal(err)
	}

	if calls != 2 {
		t.Fatalf("expected 2 calls - got %d", calls)
	}
}

func TestHeader_UnsupportedDepth(t *testing.T) {
	k, d := newKernel()

	ht := k.BuildHandleTable(0, 0, nil)
	k.System.PutUint64(ht.Addr+8, ht.Top|3)

	_, err := d.ResolveSlot(ht.Addr, 4)
	if err == nil {
		t.Fatal("expected an error for depth 3")
	}
}
