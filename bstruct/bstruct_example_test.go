package bstruct_test

import (
	"encoding/binary"
	"fmt"
	"log"

	"gitlab.com/stephen-fox/physkit/bstruct"
)

func ExampleToBytes() {
	type example struct {
		Counter  uint16
		SomePtr  uint32
		Register uint32
	}

	b, err := bstruct.ToBytes(binary.LittleEndian, example{
		Counter:  666,
		SomePtr:  0xc0ded00d,
		Register: 0xfabfabdd,
	}, nil)
	if err != nil {
		log.Fatalln(err)
	}

	fmt.Printf("0x%x", b)

	// Output:
	// 0x9a020dd0dec0ddabbffa
}

func ExampleFromBytes() {
	type header struct {
		Kind uint8
		Addr uint64
		Name string
	}

	raw := []byte{
		0x03,
		0x00, 0x10, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
		0x02, 0x00, 0x00, 0x00, 'o', 'k',
	}

	var h header
	_, err := bstruct.FromBytes(binary.LittleEndian, raw, &h)
	if err != nil {
		log.Fatalln(err)
	}

	fmt.Printf("%d 0x%x %s", h.Kind, h.Addr, h.Name)

	// Output:
	// 3 0x1000 ok
}
