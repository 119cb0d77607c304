// Package imagechan serves channel commands from a raw image of a
// machine's physical memory.
//
// An image is a flat file whose offsets are physical addresses, paired
// with a JSON metadata file locating the kernel structures the image
// cannot describe by itself:
//
//	{
//		"handle_table_root": "0xffffc00012345000",
//		"system_cr3": "0x1ad000",
//		"build_number": 19045,
//		"offsets": {"exit_status": 2004}
//	}
//
// The image is memory mapped where the platform supports it, and
// exposed to physmap as a direct view.
package imagechan

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"

	"gitlab.com/stephen-fox/physkit/channel"
	"gitlab.com/stephen-fox/physkit/memory"
	"gitlab.com/stephen-fox/physkit/winver"
)

// ErrReadOnly is returned when writing to an image that was not
// opened writable.
var ErrReadOnly = errors.New("image is read-only")

// MetadataSuffix is appended to the image path when Config does not
// name a metadata file.
const MetadataSuffix = ".json"

// Config configures Open.
type Config struct {
	// ImagePath is the physical memory image.
	ImagePath string

	// MetadataPath is the image's metadata file. It defaults to
	// ImagePath with MetadataSuffix appended.
	MetadataPath string

	// Writable maps the image read-write. Writes go to the file.
	Writable bool

	// OptLogger, when non-nil, logs failed commands.
	OptLogger *log.Logger
}

func (o *Config) validate() error {
	if len(o.ImagePath) == 0 {
		return fmt.Errorf("image path cannot be empty")
	}

	if len(o.MetadataPath) == 0 {
		o.MetadataPath = o.ImagePath + MetadataSuffix
	}

	return nil
}

// Metadata locates kernel structures in an image.
type Metadata struct {
	HandleTableRoot memory.Pointer `json:"handle_table_root"`
	SystemCR3       memory.Pointer `json:"system_cr3"`
	BuildNumber     uint32         `json:"build_number"`

	// Offsets overrides the version table for the build.
	Offsets winver.Offsets `json:"offsets,omitempty"`
}

func (o Metadata) validate() error {
	if o.HandleTableRoot == 0 {
		return fmt.Errorf("handle table root cannot be zero")
	}

	if o.SystemCR3 == 0 {
		return fmt.Errorf("system cr3 cannot be zero")
	}

	if o.BuildNumber == 0 {
		return fmt.Errorf("build number cannot be zero")
	}

	return nil
}

// MapInfo returns the mapping information an image with this
// metadata reports, before offsets are resolved.
func (o Metadata) MapInfo() channel.MapInfo {
	return channel.MapInfo{
		HandleTableRoot: o.HandleTableRoot.Uint(),
		SystemCR3:       o.SystemCR3.Uint(),
		BuildNumber:     uint64(o.BuildNumber),
	}
}

// ReadMetadata reads and validates a metadata file.
func ReadMetadata(filePath string) (Metadata, error) {
	raw, err := os.ReadFile(filePath)
	if err != nil {
		return Metadata{}, err
	}

	var md Metadata
	err = json.Unmarshal(raw, &md)
	if err != nil {
		return Metadata{}, fmt.Errorf("failed to parse metadata file '%s' - %w", filePath, err)
	}

	err = md.validate()
	if err != nil {
		return Metadata{}, fmt.Errorf("invalid metadata in '%s' - %w", filePath, err)
	}

	return md, nil
}

// WriteMetadata writes md to filePath.
func WriteMetadata(filePath string, md Metadata) error {
	raw, err := json.MarshalIndent(md, "", "    ")
	if err != nil {
		return err
	}

	return os.WriteFile(filePath, append(raw, '\n'), 0o600)
}

// Open maps the image described by config and creates a Dispatcher
// for it.
func Open(config Config) (*Image, error) {
	err := config.validate()
	if err != nil {
		return nil, fmt.Errorf("failed to validate config - %w", err)
	}

	md, err := ReadMetadata(config.MetadataPath)
	if err != nil {
		return nil, err
	}

	data, unmap, err := mapFile(config.ImagePath, config.Writable)
	if err != nil {
		return nil, fmt.Errorf("failed to map image file '%s' - %w", config.ImagePath, err)
	}

	img := &Image{
		data:     data,
		writable: config.Writable,
		unmap:    unmap,
		md:       md,
	}

	img.Dispatcher, err = NewDispatcher(img, md.MapInfo(), md.Offsets)
	if err != nil {
		_ = unmap()
		return nil, err
	}

	img.Dispatcher.OptLogger = config.OptLogger

	return img, nil
}

// OpenOrExit calls Open. It calls DefaultExitFn if an error occurs.
func OpenOrExit(config Config) *Image {
	img, err := Open(config)
	if err != nil {
		DefaultExitFn(fmt.Errorf("failed to open physical memory image - %w", err))
	}

	return img
}

// DefaultExitFn is the function called by the OrExit functions
// when an error occurs.
var DefaultExitFn = func(err error) {
	log.Fatalln(err)
}

// Image is a mapped physical memory image. It implements
// channel.Dispatcher and channel.PhysicalViewer.
type Image struct {
	*Dispatcher

	data     []byte
	writable bool
	unmap    func() error
	md       Metadata
}

// Metadata returns the image's metadata.
func (o *Image) Metadata() Metadata {
	return o.md
}

// Size returns the size of the image in bytes.
func (o *Image) Size() int64 {
	return int64(len(o.data))
}

// PhysicalView returns the mapped image. The mapping is read-only
// unless the image was opened with Config.Writable.
func (o *Image) PhysicalView() ([]byte, bool) {
	return o.data, o.writable
}

func (o *Image) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off+int64(len(p)) > int64(len(o.data)) {
		return 0, fmt.Errorf("physical range 0x%x-0x%x is outside of the image (0x%x bytes)",
			off, off+int64(len(p)), len(o.data))
	}

	return copy(p, o.data[off:]), nil
}

func (o *Image) WriteAt(p []byte, off int64) (int, error) {
	if !o.writable {
		return 0, ErrReadOnly
	}

	if off < 0 || off+int64(len(p)) > int64(len(o.data)) {
		return 0, fmt.Errorf("physical range 0x%x-0x%x is outside of the image (0x%x bytes)",
			off, off+int64(len(p)), len(o.data))
	}

	return copy(o.data[off:], p), nil
}

// Close unmaps the image. Writes to a writable image are flushed
// to the file.
func (o *Image) Close() error {
	if o.unmap == nil {
		return nil
	}

	err := o.unmap()
	o.unmap = nil
	o.data = nil

	return err
}
