package pedump

import (
	"bytes"
	"debug/pe"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"gitlab.com/stephen-fox/physkit/imagechan"
	"gitlab.com/stephen-fox/physkit/internal/phystest"
	"gitlab.com/stephen-fox/physkit/session"
	"gitlab.com/stephen-fox/physkit/winver"
)

const (
	testPID     = 0x3c0
	testBase    = 0x7ff650000000
	testImageSize = 0x3000
)

var (
	textData = bytes.Repeat([]byte{0xcc}, 0x100)
	dataData = []byte("initialized data")
)

type testSection struct {
	name    string
	va      uint32
	rawSize uint32
	rawPtr  uint32
	data    []byte
}

var testSections = []testSection{
	{name: ".text", va: 0x1000, rawSize: 0x200, rawPtr: 0x400, data: textData},
	{name: ".data", va: 0x2000, rawSize: 0x200, rawPtr: 0x600, data: dataData},
}

// mappedImage returns a PE32+ image laid out the way the loader
// maps it.
func mappedImage(t *testing.T) []byte {
	img := make([]byte, testImageSize)
	copy(img, "MZ")
	binary.LittleEndian.PutUint32(img[0x3c:], 0x80)
	copy(img[0x80:], "PE\x00\x00")

	var hdr bytes.Buffer
	write := func(v interface{}) {
		err := binary.Write(&hdr, binary.LittleEndian, v)
		if err != nil {
			t.Fatal(err)
		}
	}

	write(pe.FileHeader{
		Machine:              pe.IMAGE_FILE_MACHINE_AMD64,
		NumberOfSections:     uint16(len(testSections)),
		SizeOfOptionalHeader: uint16(binary.Size(pe.OptionalHeader64{})),
		Characteristics:      pe.IMAGE_FILE_EXECUTABLE_IMAGE | pe.IMAGE_FILE_LARGE_ADDRESS_AWARE,
	})

	write(pe.OptionalHeader64{
		Magic:               0x20b,
		AddressOfEntryPoint: 0x1000,
		ImageBase:           testBase,
		SectionAlignment:    0x1000,
		FileAlignment:       0x200,
		SizeOfImage:         testImageSize,
		SizeOfHeaders:       0x400,
		Subsystem:           pe.IMAGE_SUBSYSTEM_WINDOWS_CUI,
		NumberOfRvaAndSizes: 16,
	})

	for _, s := range testSections {
		var name [8]uint8
		copy(name[:], s.name)

		write(pe.SectionHeader32{
			Name:             name,
			VirtualSize:      uint32(len(s.data)),
			VirtualAddress:   s.va,
			SizeOfRawData:    s.rawSize,
			PointerToRawData: s.rawPtr,
			Characteristics:  pe.IMAGE_SCN_MEM_READ,
		})

		copy(img[s.va:], s.data)
	}

	copy(img[0x84:], hdr.Bytes())

	return img
}

func newTestSession(t *testing.T, image []byte) *session.Session {
	mem := phystest.NewMemory()
	k := phystest.NewKernel(mem, 19045)

	k.AddProcess(phystest.ProcessSpec{PID: 4, Name: "System"})
	proc := k.AddProcess(phystest.ProcessSpec{
		PID:  testPID,
		Name: "target.exe",
		Modules: []phystest.ModuleSpec{
			{
				BaseName: "target.exe",
				FullName: `C:\target.exe`,
				Base:     testBase,
				Size:     testImageSize,
			},
		},
	})
	ht := k.BuildCIDTable(1)

	proc.Space.Alloc(testBase, uint64(len(image)))
	proc.Space.Write(testBase, image)

	d, err := imagechan.NewDispatcher(mem, k.MapInfo(ht), winver.Offsets{})
	if err != nil {
		t.Fatal(err)
	}

	s, err := session.OpenDispatcher(d, session.Options{})
	if err != nil {
		t.Fatal(err)
	}

	return s
}

func TestDump(t *testing.T) {
	s := newTestSession(t, mappedImage(t))

	space, err := s.Space(testPID)
	if err != nil {
		t.Fatal(err)
	}

	var out bytes.Buffer
	n, err := Dump(space, testBase, &out)
	if err != nil {
		t.Fatal(err)
	}

	if n != 0x800 {
		t.Fatalf("expected 0x800 bytes - got 0x%x", n)
	}

	f, err := pe.NewFile(bytes.NewReader(out.Bytes()))
	if err != nil {
		t.Fatal(err)
	}

	if len(f.Sections) != len(testSections) {
		t.Fatalf("expected %d sections - got %d", len(testSections), len(f.Sections))
	}

	for i, exp := range testSections {
		got, err := f.Sections[i].Data()
		if err != nil {
			t.Fatal(err)
		}

		if !bytes.Equal(got[:len(exp.data)], exp.data) {
			t.Fatalf("section %s: unexpected data: %x", exp.name, got[:len(exp.data)])
		}
	}
}

func TestDumpModule(t *testing.T) {
	s := newTestSession(t, mappedImage(t))
	filePath := filepath.Join(t.TempDir(), "dumped.exe")

	err := DumpModule(s, testPID, "TARGET.EXE", filePath)
	if err != nil {
		t.Fatal(err)
	}

	raw, err := os.ReadFile(filePath)
	if err != nil {
		t.Fatal(err)
	}

	if !bytes.Equal(raw[0x600:0x600+len(dataData)], dataData) {
		t.Fatalf("expected .data at its raw offset - got %q", raw[0x600:0x600+len(dataData)])
	}
}

func TestRead_NotPE(t *testing.T) {
	image := mappedImage(t)
	image[0] = 'X'

	s := newTestSession(t, image)

	space, err := s.Space(testPID)
	if err != nil {
		t.Fatal(err)
	}

	_, err = Read(space, testBase)
	if !errors.Is(err, ErrNotPE) {
		t.Fatalf("expected ErrNotPE - got %v", err)
	}
}

func TestRead_Sections(t *testing.T) {
	s := newTestSession(t, mappedImage(t))

	space, err := s.Space(testPID)
	if err != nil {
		t.Fatal(err)
	}

	img, err := Read(space, testBase)
	if err != nil {
		t.Fatal(err)
	}

	if img.SizeOfHeaders != 0x400 {
		t.Fatalf("expected size of headers 0x400 - got 0x%x", img.SizeOfHeaders)
	}

	if len(img.Data) != testImageSize {
		t.Fatalf("expected 0x%x bytes of image - got 0x%x", testImageSize, len(img.Data))
	}

	if img.Sections[1].Name != ".data" || img.Sections[1].VirtualAddress != 0x2000 {
		t.Fatalf("unexpected section: %+v", img.Sections[1].SectionHeader)
	}
}
