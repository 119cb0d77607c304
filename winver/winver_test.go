package winver

import (
	"testing"
)

func TestOffsetsFor_Boundaries(t *testing.T) {
	type boundary struct {
		build      uint32
		sectionOff uint64
		pebOff     uint64
	}

	boundaries := []boundary{
		{build: 7600, sectionOff: 0x270, pebOff: 0x338},
		{build: 7601, sectionOff: 0x270, pebOff: 0x338},
		{build: 7602, sectionOff: 0x3b0, pebOff: 0x3e8},
		{build: 9600, sectionOff: 0x3b0, pebOff: 0x3e8},
		{build: 9601, sectionOff: 0x3c0, pebOff: 0x3f8},
		{build: 18363, sectionOff: 0x3c0, pebOff: 0x3f8},
		{build: 18364, sectionOff: 0x520, pebOff: 0x550},
		{build: 22631, sectionOff: 0x520, pebOff: 0x550},
	}

	for _, b := range boundaries {
		offsets, err := OffsetsFor(b.build)
		if err != nil {
			t.Fatalf("build %d - %s", b.build, err)
		}

		if offsets.SectionBaseAddress != b.sectionOff {
			t.Fatalf("build %d: expected section base offset 0x%x - got 0x%x",
				b.build, b.sectionOff, offsets.SectionBaseAddress)
		}

		if offsets.Peb != b.pebOff {
			t.Fatalf("build %d: expected peb offset 0x%x - got 0x%x",
				b.build, b.pebOff, offsets.Peb)
		}

		if offsets.DirectoryTableBase != 0x28 {
			t.Fatalf("build %d: expected directory table base offset 0x28 - got 0x%x",
				b.build, offsets.DirectoryTableBase)
		}
	}
}

func TestOffsetsFor_Zero(t *testing.T) {
	_, err := OffsetsFor(0)
	if err == nil {
		t.Fatal("expected an error for build zero")
	}
}

func TestTable_NoGaps(t *testing.T) {
	for i := 1; i < len(Table); i++ {
		if Table[i].After != Table[i-1].Through {
			t.Fatalf("range %q does not start where %q ends",
				Table[i].Name, Table[i-1].Name)
		}
	}
}

func TestOffsets_Merge(t *testing.T) {
	base, err := OffsetsFor(19045)
	if err != nil {
		t.Fatal(err)
	}

	merged := base.Merge(Offsets{ExitStatus: 0x123})

	if merged.ExitStatus != 0x123 {
		t.Fatalf("expected exit status offset 0x123 - got 0x%x", merged.ExitStatus)
	}

	if merged.Peb != base.Peb {
		t.Fatalf("expected peb offset to be unchanged (0x%x) - got 0x%x",
			base.Peb, merged.Peb)
	}
}
