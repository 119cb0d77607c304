package paging

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Mapping is one valid leaf of a page table hierarchy.
type Mapping struct {
	Virtual  uint64
	Physical uint64
	Size     uint64
	Level    Level
	Entry    Entry
}

// End returns the first virtual address after the mapping.
func (o Mapping) End() uint64 {
	return o.Virtual + o.Size
}

// VisitMappings calls fn for every valid leaf mapping that overlaps the
// inclusive virtual range [start, end], in ascending address order.
// Iteration stops early when fn returns false.
//
// Unlike Translate, each table is read in full with a single access.
func VisitMappings(phys io.ReaderAt, root uint64, start uint64, end uint64, fn func(Mapping) bool) error {
	start &= 0x0000ffffffffffff
	end &= 0x0000ffffffffffff
	if start > end {
		return fmt.Errorf("start address 0x%x is greater than end address 0x%x", start, end)
	}

	_, err := visitTable(phys, TableBase(root), LevelPML4, 0, start, end, fn)
	return err
}

func visitTable(phys io.ReaderAt, tableBase uint64, lvl Level, baseVA uint64,
	start uint64, end uint64, fn func(Mapping) bool) (bool, error) {
	table, err := readTable(phys, tableBase)
	if err != nil {
		return false, err
	}

	first, last := lvl.Index(start), lvl.Index(end)
	span := uint64(1) << lvl.Shift()

	for i := first; i <= last; i++ {
		entry := table[i]
		if !entry.Valid() {
			continue
		}

		va := baseVA + uint64(i)*span

		isLeaf := lvl == LevelPT ||
			(entry.LargePage() && (lvl == LevelPD || lvl == LevelPDPT))
		if isLeaf {
			m := Mapping{
				Virtual: Canonical(va),
				Size:    span,
				Level:   lvl,
				Entry:   entry,
			}

			switch lvl {
			case LevelPDPT:
				m.Physical = entry.PFN1G() * PageSize1G
			case LevelPD:
				m.Physical = entry.PFN2M() * PageSize2M
			default:
				m.Physical = entry.PFN4K() * PageSize4K
			}

			if !fn(m) {
				return false, nil
			}

			continue
		}

		nextStart, nextEnd := start, end
		if i != first {
			nextStart = va
		}
		if i != last {
			nextEnd = va + span - 1
		}

		keepGoing, err := visitTable(phys, entry.TableBase(), lvl-1, va, nextStart, nextEnd, fn)
		if err != nil {
			return false, err
		}

		if !keepGoing {
			return false, nil
		}
	}

	return true, nil
}

func readTable(phys io.ReaderAt, tableBase uint64) ([EntriesPerTable]Entry, error) {
	var table [EntriesPerTable]Entry
	raw := make([]byte, EntriesPerTable*EntrySize)

	_, err := phys.ReadAt(raw, int64(tableBase))
	if err != nil {
		return table, fmt.Errorf("failed to read page table at physical 0x%x - %w", tableBase, err)
	}

	for i := range table {
		table[i] = Entry(binary.LittleEndian.Uint64(raw[i*EntrySize:]))
	}

	return table, nil
}
