// Package pedump rebuilds PE files from images mapped in a process.
//
// A loaded image is laid out by virtual address. Dump reads the whole
// image, parses its headers, and moves the headers and each section's
// raw data back to the file offsets named by the section table. Pages
// that were modified after loading (relocations, the import address
// table) are written as found in memory.
package pedump

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/Binject/debug/pe"

	"gitlab.com/stephen-fox/physkit/memory"
	"gitlab.com/stephen-fox/physkit/session"
)

const (
	headerPageSize = 0x1000

	// MaxImageSize bounds the SizeOfImage Dump accepts.
	MaxImageSize = 1 << 30
)

// ErrNotPE means the bytes at the image base are not PE headers.
var ErrNotPE = errors.New("image does not start with pe headers")

// Image is a PE image read from memory.
type Image struct {
	Base          uint64
	Data          []byte
	SizeOfHeaders uint32
	Sections      []*pe.Section

	file *pe.File
}

// Read reads and parses the image mapped at base in space.
func Read(space memory.Space, base uint64) (*Image, error) {
	header := make([]byte, headerPageSize)
	err := space.Read(base, header)
	if err != nil {
		return nil, fmt.Errorf("failed to read header page at 0x%x - %w", base, err)
	}

	sizeOfImage, err := sizeOfImage(header)
	if err != nil {
		return nil, err
	}

	data := make([]byte, sizeOfImage)
	copy(data, header)

	if sizeOfImage > headerPageSize {
		err = space.Read(base+headerPageSize, data[headerPageSize:])
		if err != nil {
			return nil, fmt.Errorf("failed to read 0x%x byte image at 0x%x - %w", sizeOfImage, base, err)
		}
	}

	f, err := pe.NewFileFromMemory(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to parse image at 0x%x - %w", base, err)
	}

	img := &Image{
		Base:     base,
		Data:     data,
		Sections: f.Sections,
		file:     f,
	}

	switch opt := f.OptionalHeader.(type) {
	case *pe.OptionalHeader64:
		img.SizeOfHeaders = opt.SizeOfHeaders
	case *pe.OptionalHeader32:
		img.SizeOfHeaders = opt.SizeOfHeaders
	default:
		return nil, fmt.Errorf("image at 0x%x has no optional header - %w", base, ErrNotPE)
	}

	if uint64(img.SizeOfHeaders) > uint64(len(data)) {
		return nil, fmt.Errorf("size of headers 0x%x exceeds the image size 0x%x",
			img.SizeOfHeaders, len(data))
	}

	return img, nil
}

// sizeOfImage returns the SizeOfImage field of the headers in page.
func sizeOfImage(page []byte) (uint32, error) {
	if page[0] != 'M' || page[1] != 'Z' {
		return 0, fmt.Errorf("missing dos signature - %w", ErrNotPE)
	}

	ntOffset := binary.LittleEndian.Uint32(page[0x3c:])
	// Signature, file header, and the optional header up to
	// SizeOfImage (which is at the same offset for PE32 and PE32+).
	if uint64(ntOffset)+4+20+0x3c > uint64(len(page)) {
		return 0, fmt.Errorf("nt headers offset 0x%x is outside of the header page - %w", ntOffset, ErrNotPE)
	}

	if !bytes.Equal(page[ntOffset:ntOffset+4], []byte{'P', 'E', 0, 0}) {
		return 0, fmt.Errorf("missing nt signature - %w", ErrNotPE)
	}

	size := binary.LittleEndian.Uint32(page[ntOffset+4+20+0x38:])
	if size == 0 || size > MaxImageSize {
		return 0, fmt.Errorf("invalid size of image: 0x%x", size)
	}

	return size, nil
}

// Exports returns the exports of the image.
func (o *Image) Exports() ([]pe.Export, error) {
	return o.file.Exports()
}

// FileBytes returns the image laid out as a file: the headers
// followed by each section's raw data at its file offset.
func (o *Image) FileBytes() ([]byte, error) {
	fileSize := uint64(o.SizeOfHeaders)

	for _, s := range o.Sections {
		if s.Size == 0 {
			continue
		}

		if uint64(s.VirtualAddress)+uint64(s.Size) > uint64(len(o.Data)) {
			return nil, fmt.Errorf("section %s (0x%x+0x%x) exceeds the image size 0x%x",
				s.Name, s.VirtualAddress, s.Size, len(o.Data))
		}

		end := uint64(s.Offset) + uint64(s.Size)
		if end > fileSize {
			fileSize = end
		}
	}

	if fileSize > MaxImageSize {
		return nil, fmt.Errorf("file size 0x%x is too large", fileSize)
	}

	out := make([]byte, fileSize)
	copy(out, o.Data[:o.SizeOfHeaders])

	for _, s := range o.Sections {
		if s.Size == 0 {
			continue
		}

		copy(out[s.Offset:], o.Data[s.VirtualAddress:s.VirtualAddress+s.Size])
	}

	return out, nil
}

// Dump writes the image mapped at base in space to w as a PE file.
// It returns the number of bytes written.
func Dump(space memory.Space, base uint64, w io.Writer) (int, error) {
	img, err := Read(space, base)
	if err != nil {
		return 0, err
	}

	raw, err := img.FileBytes()
	if err != nil {
		return 0, err
	}

	return w.Write(raw)
}

// DumpModule dumps the module named name, loaded by pid, to the file
// at filePath.
func DumpModule(s *session.Session, pid uint64, name string, filePath string) error {
	m, err := s.Resolver.ResolveModule(pid, name)
	if err != nil {
		return err
	}

	space, err := s.Space(pid)
	if err != nil {
		return err
	}

	f, err := os.OpenFile(filePath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = Dump(space, m.Base, f)
	if err != nil {
		return fmt.Errorf("failed to dump %s - %w", m.BaseName, err)
	}

	return f.Close()
}
