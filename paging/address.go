package paging

import (
	"fmt"
)

// Level identifies one level of the 4-level hierarchy.
type Level int

const (
	LevelPT Level = iota
	LevelPD
	LevelPDPT
	LevelPML4
)

var levelShifts = [4]uint{12, 21, 30, 39}

var levelNames = [4]string{"pt", "pd", "pdpt", "pml4"}

func (o Level) String() string {
	if o < LevelPT || o > LevelPML4 {
		return fmt.Sprintf("level(%d)", int(o))
	}

	return levelNames[o]
}

// Shift returns the number of virtual address bits below
// this level's index.
func (o Level) Shift() uint {
	return levelShifts[o]
}

// Index returns the table index selected by va at this level.
func (o Level) Index(va uint64) int {
	return int((va >> levelShifts[o]) & (EntriesPerTable - 1))
}

// VirtualAddressParts is the decomposition of a 64-bit virtual address
// used when every level of the hierarchy is consulted.
type VirtualAddressParts struct {
	Offset    uint64
	PT        int
	PD        int
	PDPT      int
	PML4      int
	Partition uint16
}

// Parts decomposes va into its 4 KiB walk components.
func Parts(va uint64) VirtualAddressParts {
	return VirtualAddressParts{
		Offset:    va & (PageSize4K - 1),
		PT:        LevelPT.Index(va),
		PD:        LevelPD.Index(va),
		PDPT:      LevelPDPT.Index(va),
		PML4:      LevelPML4.Index(va),
		Partition: uint16(va >> 48),
	}
}

// Offset2M returns the offset of va within a 2 MiB large page.
func Offset2M(va uint64) uint64 {
	return va & (PageSize2M - 1)
}

// Offset1G returns the offset of va within a 1 GiB large page.
func Offset1G(va uint64) uint64 {
	return va & (PageSize1G - 1)
}

// Canonical sign-extends bit 47 of va into the partition bits.
func Canonical(va uint64) uint64 {
	if va&(1<<47) != 0 {
		return va | 0xffff000000000000
	}

	return va & 0x0000ffffffffffff
}
