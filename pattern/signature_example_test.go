package pattern_test

import (
	"fmt"

	"gitlab.com/stephen-fox/physkit/pattern"
)

func ExampleParse() {
	code := []byte{
		0x90, 0x90,
		0x48, 0x8b, 0x05, 0x10, 0x20, 0x30, 0x00,
		0x48, 0x85, 0xc0,
	}

	sig := pattern.ParseOrExit("48 8B 05 ?? ?? ?? ?? 48 85 C0")

	fmt.Println(sig.Index(code))

	// Output: 2
}
