package physmap

import (
	"bytes"
	"errors"
	"testing"

	"gitlab.com/stephen-fox/physkit/channel"
	"gitlab.com/stephen-fox/physkit/internal/phystest"
)

func TestMap_CommandView(t *testing.T) {
	mem := phystest.NewMemory()
	page := mem.AllocPage()
	mem.WriteAt([]byte("physical"), int64(page+0x10))

	d := phystest.NewDispatcher(mem, channel.MapInfo{
		HandleTableRoot: 0xffffa00000000000,
		SystemCR3:       0x1ad000,
		MappedBase:      phystest.DefaultMappedBase,
		BuildNumber:     19045,
	})

	w, err := Map(channel.FromDispatcher(d), 0)
	if err != nil {
		t.Fatal(err)
	}

	if w.Direct() {
		t.Fatal("expected a command backed view")
	}

	buf := make([]byte, 8)
	_, err = w.ReadAt(buf, int64(page+0x10))
	if err != nil {
		t.Fatal(err)
	}

	if !bytes.Equal(buf, []byte("physical")) {
		t.Fatalf("expected 'physical' - got %q", buf)
	}

	if d.Ops[channel.OpReadPhysicalMemory] != 1 {
		t.Fatalf("expected 1 physical read command - got %d", d.Ops[channel.OpReadPhysicalMemory])
	}

	_, err = w.WriteAt([]byte("changed!"), int64(page+0x10))
	if err != nil {
		t.Fatal(err)
	}

	mem.ReadAt(buf, int64(page+0x10))
	if !bytes.Equal(buf, []byte("changed!")) {
		t.Fatalf("expected write to reach memory - got %q", buf)
	}

	if w.Offsets().DirectoryTableBase != 0x28 || w.Offsets().UniqueProcessID != 0x440 {
		t.Fatalf("unexpected offsets for build 19045: %+v", w.Offsets())
	}
}

func TestMap_DirectView(t *testing.T) {
	mem := phystest.NewMemory()
	page := mem.AllocPage()
	mem.WriteAt([]byte("direct"), int64(page))

	d := phystest.NewViewDispatcher(mem, channel.MapInfo{
		MappedBase:  phystest.DefaultMappedBase,
		BuildNumber: 9600,
	})

	w, err := Map(channel.FromDispatcher(d), 0)
	if err != nil {
		t.Fatal(err)
	}

	if !w.Direct() {
		t.Fatal("expected a direct view")
	}

	buf := make([]byte, 6)
	_, err = w.ReadAt(buf, int64(page))
	if err != nil {
		t.Fatal(err)
	}

	if !bytes.Equal(buf, []byte("direct")) {
		t.Fatalf("expected 'direct' - got %q", buf)
	}

	if d.Ops[channel.OpReadPhysicalMemory] != 0 {
		t.Fatal("expected direct reads to bypass the channel")
	}

	_, err = w.ReadAt(buf, int64(len(d.View)))
	if !errors.Is(err, ErrOutOfRange) {
		t.Fatalf("expected ErrOutOfRange - got %v", err)
	}
}

func TestMap_ZeroMappedBase(t *testing.T) {
	d := phystest.NewDispatcher(phystest.NewMemory(), channel.MapInfo{
		BuildNumber: 19045,
	})

	_, err := Map(channel.FromDispatcher(d), 0)
	if !errors.Is(err, ErrNotMapped) {
		t.Fatalf("expected ErrNotMapped - got %v", err)
	}
}

func TestMap_OffsetOverrides(t *testing.T) {
	d := phystest.NewDispatcher(phystest.NewMemory(), channel.MapInfo{
		SectionBaseOffset: 0x999,
		MappedBase:        phystest.DefaultMappedBase,
		BuildNumber:       7601,
	})

	w, err := Map(channel.FromDispatcher(d), 0)
	if err != nil {
		t.Fatal(err)
	}

	if w.Offsets().SectionBaseAddress != 0x999 {
		t.Fatalf("expected section base offset override 0x999 - got 0x%x", w.Offsets().SectionBaseAddress)
	}

	if w.Offsets().ExitStatus != 0x444 {
		t.Fatalf("expected table exit status offset 0x444 - got 0x%x", w.Offsets().ExitStatus)
	}
}

func TestWindow_RemapFailureKeepsInfo(t *testing.T) {
	d := phystest.NewDispatcher(phystest.NewMemory(), channel.MapInfo{
		SystemCR3:   0x1000,
		MappedBase:  phystest.DefaultMappedBase,
		BuildNumber: 19045,
	})

	w, err := Map(channel.FromDispatcher(d), 0)
	if err != nil {
		t.Fatal(err)
	}

	d.Info.MappedBase = 0
	err = w.Remap(0)
	if !errors.Is(err, ErrNotMapped) {
		t.Fatalf("expected ErrNotMapped - got %v", err)
	}

	if w.Info().MappedBase != phystest.DefaultMappedBase {
		t.Fatalf("expected previous info to be kept - got %+v", w.Info())
	}
}

func TestMap_PrimitiveUnavailable(t *testing.T) {
	c := channel.New(func() (channel.Dispatcher, error) {
		return nil, errors.New("no driver")
	})

	_, err := Map(c, 0)
	if !errors.Is(err, channel.ErrPrimitiveUnavailable) {
		t.Fatalf("expected ErrPrimitiveUnavailable - got %v", err)
	}
}

func TestWindow_ReadOnlyView(t *testing.T) {
	mem := phystest.NewMemory()
	page := mem.AllocPage()
	mem.WriteAt([]byte("direct"), int64(page))

	d := phystest.NewViewDispatcher(mem, channel.MapInfo{
		MappedBase:  phystest.DefaultMappedBase,
		BuildNumber: 19045,
	})
	d.ReadOnly = true

	w, err := Map(channel.FromDispatcher(d), 0)
	if err != nil {
		t.Fatal(err)
	}

	if !w.Direct() {
		t.Fatal("expected a direct view")
	}

	_, err = w.WriteAt([]byte("change"), int64(page))
	if !errors.Is(err, ErrReadOnly) {
		t.Fatalf("expected ErrReadOnly - got %v", err)
	}

	if string(d.View[page:page+6]) != "direct" {
		t.Fatalf("expected the view to be unmodified - got %q", d.View[page:page+6])
	}

	buf := make([]byte, 6)
	_, err = w.ReadAt(buf, int64(page))
	if err != nil {
		t.Fatal(err)
	}

	if string(buf) != "direct" {
		t.Fatalf("expected 'direct' - got %q", buf)
	}
}

func TestWindow_Close(t *testing.T) {
	d := phystest.NewViewDispatcher(phystest.NewMemory(), channel.MapInfo{
		MappedBase:  phystest.DefaultMappedBase,
		BuildNumber: 19045,
	})

	w, err := Map(channel.FromDispatcher(d), 0)
	if err != nil {
		t.Fatal(err)
	}

	err = w.Close()
	if err != nil {
		t.Fatal(err)
	}

	if w.Direct() {
		t.Fatal("expected a closed window to drop its view")
	}

	_, err = w.ReadAt(make([]byte, 8), 0)
	if !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed - got %v", err)
	}

	_, err = w.WriteAt(make([]byte, 8), 0)
	if !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed - got %v", err)
	}

	err = w.Remap(0)
	if !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed - got %v", err)
	}
}
