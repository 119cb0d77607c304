// Package winver provides the kernel structure offsets that differ
// between Windows builds.
//
// Offsets are not discovered at runtime. Instead, they are chosen from
// a table of build number ranges. The table is resolved once when a
// session is created, and individual fields can be overridden when the
// caller knows better (for example, from an image's metadata).
package winver

import (
	"fmt"
)

// Offsets contains the byte offsets of EPROCESS fields used by
// this module.
type Offsets struct {
	DirectoryTableBase uint64 `json:"directory_table_base,omitempty"`
	UniqueProcessID    uint64 `json:"unique_process_id,omitempty"`
	SectionBaseAddress uint64 `json:"section_base_address,omitempty"`
	Peb                uint64 `json:"peb,omitempty"`
	Wow64Process       uint64 `json:"wow64_process,omitempty"`
	ImageFileName      uint64 `json:"image_file_name,omitempty"`
	ExitStatus         uint64 `json:"exit_status,omitempty"`
}

// Merge returns a copy of o with every non-zero field of
// overrides applied.
func (o Offsets) Merge(overrides Offsets) Offsets {
	set := func(dst *uint64, v uint64) {
		if v != 0 {
			*dst = v
		}
	}

	set(&o.DirectoryTableBase, overrides.DirectoryTableBase)
	set(&o.UniqueProcessID, overrides.UniqueProcessID)
	set(&o.SectionBaseAddress, overrides.SectionBaseAddress)
	set(&o.Peb, overrides.Peb)
	set(&o.Wow64Process, overrides.Wow64Process)
	set(&o.ImageFileName, overrides.ImageFileName)
	set(&o.ExitStatus, overrides.ExitStatus)

	return o
}

// Range is one row of the offset table. It matches builds in
// the half-open interval (After, Through].
type Range struct {
	Name    string
	After   uint32
	Through uint32
	Offsets Offsets
}

func (o Range) contains(build uint32) bool {
	return build > o.After && build <= o.Through
}

const maxBuild = ^uint32(0)

// Table lists the supported build ranges from oldest to newest.
var Table = []Range{
	{
		Name:    "windows 7",
		After:   0,
		Through: 7601,
		Offsets: Offsets{
			DirectoryTableBase: 0x28,
			UniqueProcessID:    0x180,
			SectionBaseAddress: 0x270,
			Peb:                0x338,
			Wow64Process:       0x320,
			ImageFileName:      0x2e0,
			ExitStatus:         0x444,
		},
	},
	{
		Name:    "windows 8",
		After:   7601,
		Through: 9600,
		Offsets: Offsets{
			DirectoryTableBase: 0x28,
			UniqueProcessID:    0x2e0,
			SectionBaseAddress: 0x3b0,
			Peb:                0x3e8,
			Wow64Process:       0x418,
			ImageFileName:      0x438,
			ExitStatus:         0x5ec,
		},
	},
	{
		Name:    "windows 10 (1507-1909)",
		After:   9600,
		Through: 18363,
		Offsets: Offsets{
			DirectoryTableBase: 0x28,
			UniqueProcessID:    0x2e8,
			SectionBaseAddress: 0x3c0,
			Peb:                0x3f8,
			Wow64Process:       0x428,
			ImageFileName:      0x450,
			ExitStatus:         0x654,
		},
	},
	{
		Name:    "windows 10 (2004+) / 11",
		After:   18363,
		Through: maxBuild,
		Offsets: Offsets{
			DirectoryTableBase: 0x28,
			UniqueProcessID:    0x440,
			SectionBaseAddress: 0x520,
			Peb:                0x550,
			Wow64Process:       0x580,
			ImageFileName:      0x5a8,
			ExitStatus:         0x7d4,
		},
	},
}

// OffsetsFor returns the offsets for the specified build number.
func OffsetsFor(build uint32) (Offsets, error) {
	r, err := RangeFor(build)
	if err != nil {
		return Offsets{}, err
	}

	return r.Offsets, nil
}

// RangeFor returns the table row that contains build.
func RangeFor(build uint32) (Range, error) {
	if build == 0 {
		return Range{}, fmt.Errorf("build number cannot be zero")
	}

	for _, r := range Table {
		if r.contains(build) {
			return r, nil
		}
	}

	return Range{}, fmt.Errorf("unsupported build number: %d", build)
}
